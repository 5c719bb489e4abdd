// Package retrieve fetches publisher content over HTTP and normalizes
// it into pipeline.Content. Failures come back as *enrich.RetrievalError
// classified by cause: timeouts, connection failures, 429 and 5xx
// responses are retryable; missing, blocked, or malformed content is
// not.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/pipeline"
)

const (
	defaultUserAgent    = "enrich-bot/1.0 (+https://readwell.io/enrich)"
	defaultMaxBodyBytes = 4 << 20
	defaultTimeout      = 30 * time.Second
)

// Option configures an HTTPRetriever.
type Option func(*HTTPRetriever)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *HTTPRetriever) { r.client = c }
}

// WithUserAgent sets the User-Agent header sent to publishers.
func WithUserAgent(ua string) Option {
	return func(r *HTTPRetriever) { r.userAgent = ua }
}

// WithMaxBodyBytes caps how much of a response body is read.
func WithMaxBodyBytes(n int64) Option {
	return func(r *HTTPRetriever) { r.maxBodyBytes = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *HTTPRetriever) { r.logger = l }
}

// HTTPRetriever fetches content over HTTP. It is safe for concurrent
// use.
type HTTPRetriever struct {
	client       *http.Client
	userAgent    string
	maxBodyBytes int64
	logger       *slog.Logger
}

var _ pipeline.Retriever = (*HTTPRetriever)(nil)

// New creates an HTTPRetriever.
func New(opts ...Option) *HTTPRetriever {
	r := &HTTPRetriever{
		client:       &http.Client{Timeout: defaultTimeout},
		userAgent:    defaultUserAgent,
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve implements pipeline.Retriever.
func (r *HTTPRetriever) Retrieve(ctx context.Context, url string) (*pipeline.Content, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &enrich.RetrievalError{URL: url, Reason: "invalid request", Err: err}
	}
	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "text/html, text/plain;q=0.9, */*;q=0.1")

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		// Network-level failures (refused connections, DNS, timeouts)
		// are retryable unless the caller gave up.
		retryable := !errors.Is(err, context.Canceled)
		return nil, &enrich.RetrievalError{URL: url, Reason: "request failed", Retryable: retryable, Err: err}
	}
	defer resp.Body.Close()

	if rerr := classifyStatus(url, resp.StatusCode); rerr != nil {
		return nil, rerr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, r.maxBodyBytes))
	if err != nil {
		return nil, &enrich.RetrievalError{URL: url, Reason: "read body", Retryable: true, Err: err}
	}

	text, title := extractText(string(body), resp.Header.Get("Content-Type"))
	if strings.TrimSpace(text) == "" {
		return nil, &enrich.RetrievalError{URL: url, Reason: "no extractable text"}
	}

	r.logger.Debug("content retrieved",
		slog.String("url", url),
		slog.Int("bytes", len(body)),
		slog.Duration("elapsed", time.Since(start)),
	)

	return &pipeline.Content{
		URL:  url,
		Text: text,
		Metadata: pipeline.Metadata{
			Title:     title,
			WordCount: len(strings.Fields(text)),
			Language:  languageFrom(resp.Header.Get("Content-Language")),
		},
	}, nil
}

// classifyStatus maps an HTTP status to a classified retrieval error,
// or nil for a success status.
func classifyStatus(url string, status int) *enrich.RetrievalError {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests:
		return &enrich.RetrievalError{URL: url, Reason: "rate limited by origin", Retryable: true}
	case status >= 500:
		return &enrich.RetrievalError{
			URL:       url,
			Reason:    fmt.Sprintf("origin error %d", status),
			Retryable: true,
		}
	case status == http.StatusNotFound || status == http.StatusGone:
		return &enrich.RetrievalError{URL: url, Reason: "content not found"}
	case status == http.StatusUnauthorized || status == http.StatusForbidden ||
		status == http.StatusUnavailableForLegalReasons:
		return &enrich.RetrievalError{URL: url, Reason: "access blocked by origin"}
	default:
		return &enrich.RetrievalError{
			URL:    url,
			Reason: fmt.Sprintf("unexpected status %d", status),
		}
	}
}

func languageFrom(header string) string {
	if header == "" {
		return ""
	}
	lang := strings.TrimSpace(strings.Split(header, ",")[0])
	if i := strings.IndexByte(lang, '-'); i > 0 {
		lang = lang[:i]
	}
	return strings.ToLower(lang)
}
