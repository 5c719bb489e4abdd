// Package generate provides a self-contained pipeline.Generator that
// summarizes by extraction rather than calling a language model:
// sentences are ranked by term frequency, questions are templated from
// the highest-ranked sentences, and embeddings are deterministic hashed
// bag-of-words vectors. It backs deployments that have no generation
// provider configured; any LLM client implementing pipeline.Generator
// can replace it.
package generate

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/pipeline"
)

const (
	defaultSummarySentences = 3
	defaultKeyPoints        = 3
	embeddingDims           = 256
)

var _ pipeline.Generator = (*Extractive)(nil)

// Option configures an Extractive generator.
type Option func(*Extractive)

// WithSummarySentences sets how many sentences the summary keeps.
func WithSummarySentences(n int) Option {
	return func(g *Extractive) { g.summarySentences = n }
}

// Extractive implements pipeline.Generator without external calls.
type Extractive struct {
	summarySentences int
}

// NewExtractive creates an extractive generator.
func NewExtractive(opts ...Option) *Extractive {
	g := &Extractive{summarySentences: defaultSummarySentences}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Summarize ranks sentences by the frequency of the terms they contain
// and keeps the top ones in document order.
func (g *Extractive) Summarize(_ context.Context, text string) (*pipeline.Summary, error) {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil, &enrich.GenerationError{
			Op:     "summarize",
			Reason: "no sentences in input",
		}
	}

	ranked := rankSentences(sentences)

	keep := g.summarySentences
	if keep > len(ranked) {
		keep = len(ranked)
	}
	top := append([]scoredSentence(nil), ranked[:keep]...)
	// Restore document order so the summary reads coherently.
	sort.Slice(top, func(i, j int) bool { return top[i].pos < top[j].pos })

	parts := make([]string, len(top))
	for i, s := range top {
		parts[i] = s.text
	}

	points := defaultKeyPoints
	if points > len(ranked) {
		points = len(ranked)
	}
	keyPoints := make([]string, points)
	for i := 0; i < points; i++ {
		keyPoints[i] = ranked[i].text
	}

	return &pipeline.Summary{
		Text:      strings.Join(parts, " "),
		KeyPoints: keyPoints,
	}, nil
}

// questionTemplates cycle across the generated set so a batch mixes
// styles and difficulties.
var questionTemplates = []struct {
	format     string
	qType      pipeline.QuestionType
	difficulty pipeline.Difficulty
}{
	{"According to the text, what is meant by: %q?", pipeline.QuestionFactual, pipeline.DifficultyEasy},
	{"What does the passage state about %q?", pipeline.QuestionFactual, pipeline.DifficultyEasy},
	{"Why is the following significant: %q?", pipeline.QuestionConceptual, pipeline.DifficultyMedium},
	{"How does %q relate to the main argument of the text?", pipeline.QuestionConceptual, pipeline.DifficultyMedium},
	{"How could the idea in %q be applied in practice?", pipeline.QuestionApplied, pipeline.DifficultyHard},
}

// GenerateQuestions templates questions from the highest-ranked
// sentences, truncated to keep the prompt fragment readable.
func (g *Extractive) GenerateQuestions(_ context.Context, text string, n int) ([]pipeline.Question, error) {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil, &enrich.GenerationError{
			Op:     "generate_questions",
			Reason: "no sentences in input",
		}
	}

	ranked := rankSentences(sentences)

	questions := make([]pipeline.Question, n)
	for i := 0; i < n; i++ {
		tmpl := questionTemplates[i%len(questionTemplates)]
		src := ranked[i%len(ranked)].text
		questions[i] = pipeline.Question{
			Text:       fmt.Sprintf(tmpl.format, truncate(src, 80)),
			Type:       tmpl.qType,
			Difficulty: tmpl.difficulty,
		}
	}
	return questions, nil
}

// Embed produces a deterministic hashed bag-of-words vector, L2
// normalized. Identical text always embeds identically.
func (g *Extractive) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, embeddingDims)
	for _, tok := range tokenize(text) {
		h := xxhash.Sum64String(tok)
		idx := h % embeddingDims
		sign := float32(1)
		if h&(1<<63) != 0 {
			sign = -1
		}
		vec[idx] += sign
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// ── text analysis ──

type scoredSentence struct {
	text  string
	pos   int
	score float64
}

// rankSentences scores each sentence by the corpus frequency of its
// terms, normalized by sentence length, highest first.
func rankSentences(sentences []string) []scoredSentence {
	freq := make(map[string]int)
	for _, s := range sentences {
		for _, tok := range tokenize(s) {
			freq[tok]++
		}
	}

	ranked := make([]scoredSentence, len(sentences))
	for i, s := range sentences {
		toks := tokenize(s)
		var score float64
		for _, tok := range toks {
			score += float64(freq[tok])
		}
		if len(toks) > 0 {
			score /= float64(len(toks))
		}
		ranked[i] = scoredSentence{text: s, pos: i, score: score}
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	return ranked
}

// splitSentences breaks text on terminal punctuation, dropping
// fragments too short to stand alone.
func splitSentences(text string) []string {
	var sentences []string
	var b strings.Builder

	flush := func() {
		s := strings.TrimSpace(b.String())
		b.Reset()
		if len(strings.Fields(s)) >= 3 {
			sentences = append(sentences, s)
		}
	}

	for _, r := range text {
		b.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			flush()
		}
	}
	flush()
	return sentences
}

// tokenize lowercases and splits on non-letter/digit runs, dropping
// single-character tokens.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isWordRune(r)
	})
	toks := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			toks = append(toks, f)
		}
	}
	return toks
}

func isWordRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r >= 'A' && r <= 'Z'
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := strings.LastIndex(s[:max], " ")
	if cut <= 0 {
		cut = max
	}
	return s[:cut] + "..."
}
