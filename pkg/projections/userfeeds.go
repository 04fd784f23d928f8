package projections

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/kv"
)

// UserFeeds caches the set of feed identifiers each user belongs to,
// under `user:{address}:feeds`. TTL is short and refreshed on every
// operation; the set is the enumeration source for idle syncs.
type UserFeeds struct {
	kv    kv.Store
	log   zerolog.Logger
	stats Stats
}

// NewUserFeeds creates the user-feeds projection service.
func NewUserFeeds(store kv.Store) *UserFeeds {
	p := &UserFeeds{
		kv:  store,
		log: logger.With().Str("component", "userfeedscache").Logger(),
	}
	if err := registerStatsMetrics("user_feeds", &p.stats); err != nil {
		p.log.Warn().Err(err).Msg("registering projection metrics")
	}
	return p
}

// Stats returns the operation counters.
func (p *UserFeeds) Stats() Snapshot { return p.stats.Snapshot() }

func (p *UserFeeds) key(address feedmesh.Address) string {
	return fmt.Sprintf("user:%s:feeds", address)
}

// Get returns the cached feed set. The second return is false on a miss
// or on any backend error; an existing empty set returns an empty slice.
func (p *UserFeeds) Get(ctx context.Context, address feedmesh.Address) ([]feedmesh.FeedID, bool) {
	key := p.key(address)
	members, err := p.kv.SMembers(ctx, key)
	if err != nil {
		p.stats.ReadErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("reading user feeds")
		return nil, false
	}
	if len(members) == 0 {
		exists, err := p.kv.Exists(ctx, key)
		if err != nil || !exists {
			p.stats.Misses.Inc()
			return nil, false
		}
	}
	if err := p.kv.Expire(ctx, key, TTLUserFeeds); err != nil {
		p.log.Debug().Err(err).Msg("refreshing user feeds ttl")
	}
	feeds := make([]feedmesh.FeedID, 0, len(members))
	for _, m := range members {
		if m == "" {
			continue
		}
		feeds = append(feeds, feedmesh.FeedID(m))
	}
	p.stats.Hits.Inc()
	return feeds, true
}

// Set replaces the cached set atomically. An empty list deletes the key.
func (p *UserFeeds) Set(ctx context.Context, address feedmesh.Address, feeds []feedmesh.FeedID) bool {
	key := p.key(address)
	tx := p.kv.Tx()
	tx.Del(key)
	if len(feeds) > 0 {
		members := make([]string, len(feeds))
		for i, f := range feeds {
			members[i] = string(f)
		}
		tx.SAdd(key, members...)
		tx.Expire(key, TTLUserFeeds)
	}
	if err := tx.Exec(ctx); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("writing user feeds")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// Add inserts one feed into the cached set, only when the set already
// exists. Write paths never create partial cache entries.
func (p *UserFeeds) Add(ctx context.Context, address feedmesh.Address, feedID feedmesh.FeedID) bool {
	key := p.key(address)
	exists, err := p.kv.Exists(ctx, key)
	if err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("checking user feeds key")
		return false
	}
	if !exists {
		return false
	}
	tx := p.kv.Tx()
	tx.SAdd(key, string(feedID))
	tx.Expire(key, TTLUserFeeds)
	if err := tx.Exec(ctx); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("adding user feed")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// Remove drops one feed from the cached set. Idempotent.
func (p *UserFeeds) Remove(ctx context.Context, address feedmesh.Address, feedID feedmesh.FeedID) bool {
	key := p.key(address)
	if err := p.kv.SRem(ctx, key, string(feedID)); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("removing user feed")
		return false
	}
	if err := p.kv.Expire(ctx, key, TTLUserFeeds); err != nil {
		p.log.Debug().Err(err).Msg("refreshing user feeds ttl")
	}
	p.stats.Writes.Inc()
	return true
}

// Invalidate deletes the cached set.
func (p *UserFeeds) Invalidate(ctx context.Context, address feedmesh.Address) {
	if err := p.kv.Del(ctx, p.key(address)); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("invalidating user feeds")
	}
}
