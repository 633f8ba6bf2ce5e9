package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

const (
	generationKeyPrefix = "rbac:gen:"
	bumpChannel         = "rbac.bump"
)

// CachedStore memoizes membership lookups in Redis. Keys embed a per-company
// generation so any role or membership write in that company invalidates
// every cached entry for it with a single INCR.
type CachedStore struct {
	next   MembershipReader
	client *redis.Client
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// cachedMembership wraps the lookup so a cached miss decodes to nil.
type cachedMembership struct {
	Membership *Membership `json:"membership,omitempty"`
}

// NewCachedStore wraps next. A nil client disables caching.
func NewCachedStore(next MembershipReader, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{next: next, client: client, ttl: ttl, logger: logger}
}

// Generation returns the current cache generation for the company.
func (c *CachedStore) Generation(ctx context.Context, companyID int64) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(companyID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// FindMembership serves from Redis when possible. Redis failures degrade to
// the underlying store.
func (c *CachedStore) FindMembership(ctx context.Context, userID, companyID int64) (*Membership, error) {
	if c == nil || c.client == nil {
		return c.next.FindMembership(ctx, userID, companyID)
	}
	gen, err := c.Generation(ctx, companyID)
	if err != nil {
		c.logger.WarnContext(ctx, "rbac cache generation", slog.Any("error", err))
		return c.next.FindMembership(ctx, userID, companyID)
	}
	key := membershipKey(companyID, userID, gen)

	payload, err := c.client.Get(ctx, key).Bytes()
	if err == nil {
		var cached cachedMembership
		if err := json.Unmarshal(payload, &cached); err == nil {
			return cached.Membership, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.logger.WarnContext(ctx, "rbac cache read", slog.Any("error", err))
		return c.next.FindMembership(ctx, userID, companyID)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		m, err := c.next.FindMembership(ctx, userID, companyID)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(cachedMembership{Membership: m})
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.logger.WarnContext(ctx, "rbac cache write", slog.Any("error", err))
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	m, _ := v.(*Membership)
	if m == nil {
		return nil, nil
	}
	clone := *m
	return &clone, nil
}

// CompanyExists is not cached.
func (c *CachedStore) CompanyExists(ctx context.Context, companyID int64) (bool, error) {
	return c.next.CompanyExists(ctx, companyID)
}

// UserExists is not cached.
func (c *CachedStore) UserExists(ctx context.Context, userID int64) (bool, error) {
	return c.next.UserExists(ctx, userID)
}

// Bump invalidates every cached membership of the company and publishes the
// new generation for listeners.
func (c *CachedStore) Bump(ctx context.Context, companyID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	gen, err := c.client.Incr(ctx, generationKey(companyID)).Result()
	if err != nil {
		return err
	}
	return c.client.Publish(ctx, bumpChannel, fmt.Sprintf("%d:%d", companyID, gen)).Err()
}

func generationKey(companyID int64) string {
	return fmt.Sprintf("%s%d", generationKeyPrefix, companyID)
}

func membershipKey(companyID, userID, gen int64) string {
	return fmt.Sprintf("rbac:membership:%d:%d:%d", companyID, userID, gen)
}
