package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/readwell/enrich"
	"github.com/readwell/enrich/archive"
	"github.com/readwell/enrich/id"
)

// PushArchive persists an archive entry and indexes it by archival time.
func (s *Store) PushArchive(ctx context.Context, entry *archive.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("enrich/redis: marshal archive entry: %w", err)
	}

	eID := entry.ID.String()
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, archiveKey(eID), data, 0)
	pipe.ZAdd(ctx, archiveIndexKey, goredis.Z{
		Score:  float64(entry.ArchivedAt.UnixMilli()),
		Member: eID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enrich/redis: push archive: %w", err)
	}
	return nil
}

// ListArchive returns archive entries matching opts, oldest archived
// first. Filters apply before pagination.
func (s *Store) ListArchive(ctx context.Context, opts archive.ListOpts) ([]*archive.Entry, error) {
	ids, err := s.client.ZRange(ctx, archiveIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("enrich/redis: list archive: %w", err)
	}

	entries := make([]*archive.Entry, 0, len(ids))
	for _, eID := range ids {
		entry, getErr := s.getArchiveByKey(ctx, archiveKey(eID))
		if getErr != nil {
			continue // purged since enumeration
		}
		if !opts.PublisherID.IsNil() && entry.PublisherID.String() != opts.PublisherID.String() {
			continue
		}
		if opts.FinalState != "" && entry.FinalState != opts.FinalState {
			continue
		}
		entries = append(entries, entry)
	}

	if opts.Offset >= len(entries) {
		return nil, nil
	}
	if opts.Offset > 0 {
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// GetArchive retrieves an archive entry by ID.
func (s *Store) GetArchive(ctx context.Context, entryID id.ArchiveID) (*archive.Entry, error) {
	return s.getArchiveByKey(ctx, archiveKey(entryID.String()))
}

// MarkResubmitted stamps ResubmittedAt on an entry.
func (s *Store) MarkResubmitted(ctx context.Context, entryID id.ArchiveID) error {
	key := archiveKey(entryID.String())
	entry, err := s.getArchiveByKey(ctx, key)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	entry.ResubmittedAt = &now

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("enrich/redis: marshal archive entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("enrich/redis: mark resubmitted: %w", err)
	}
	return nil
}

// PurgeArchive removes entries archived before the given time.
func (s *Store) PurgeArchive(ctx context.Context, before time.Time) (int64, error) {
	max := strconv.FormatInt(before.UnixMilli(), 10)
	ids, err := s.client.ZRangeByScore(ctx, archiveIndexKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("enrich/redis: purge archive range: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	members := make([]interface{}, len(ids))
	for i, eID := range ids {
		keys[i] = archiveKey(eID)
		members[i] = eID
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.ZRem(ctx, archiveIndexKey, members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("enrich/redis: purge archive: %w", err)
	}
	return int64(len(ids)), nil
}

// CountArchive returns the total number of archive entries.
func (s *Store) CountArchive(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, archiveIndexKey).Result()
	if err != nil {
		return 0, fmt.Errorf("enrich/redis: count archive: %w", err)
	}
	return n, nil
}

func (s *Store) getArchiveByKey(ctx context.Context, key string) (*archive.Entry, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, enrich.ErrJobNotFound
		}
		return nil, fmt.Errorf("enrich/redis: get archive entry: %w", err)
	}

	var entry archive.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("enrich/redis: unmarshal archive entry: %w", err)
	}
	return &entry, nil
}
