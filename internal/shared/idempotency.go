package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/buildtrack/buildtrack/internal/platform/db"
)

var errNoIdempotencyStore = errors.New("shared: idempotency store not configured")

// IdempotencyStore remembers keys of side effects already performed, such as
// notification deliveries, so retried tasks do not repeat them.
type IdempotencyStore struct {
	db  db.Querier
	now func() time.Time
}

// NewIdempotencyStore constructs the store.
func NewIdempotencyStore(q db.Querier) *IdempotencyStore {
	return &IdempotencyStore{db: q, now: time.Now}
}

// WithNow overrides the clock used for created_at and retention cutoffs.
func (s *IdempotencyStore) WithNow(now func() time.Time) *IdempotencyStore {
	if now != nil {
		s.now = now
	}
	return s
}

// CheckAndInsert claims key for module. A key claimed before returns
// ErrIdempotencyConflict.
func (s *IdempotencyStore) CheckAndInsert(ctx context.Context, key, module string) error {
	if s == nil || s.db == nil {
		return errNoIdempotencyStore
	}
	if key == "" || module == "" {
		return errors.New("shared: idempotency key and module required")
	}
	_, err := s.db.Exec(ctx, `INSERT INTO idempotency_keys (key, module, created_at) VALUES ($1, $2, $3)`, key, module, s.now())
	switch {
	case db.IsUniqueViolation(err):
		return ErrIdempotencyConflict
	case err != nil:
		return fmt.Errorf("shared: claim idempotency key: %w", err)
	}
	return nil
}

// Delete releases a claimed key so the work can be retried.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if s == nil || s.db == nil || key == "" {
		return nil
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("shared: release idempotency key: %w", err)
	}
	return nil
}

// Cleanup prunes keys claimed more than olderThan ago and reports how many
// were removed.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	tag, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("shared: prune idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}
