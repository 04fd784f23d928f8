package projections

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/kv"
)

// TailLength bounds the per-feed message tail.
const TailLength = 100

// MessageTail caches the newest TailLength messages of each feed as a
// newest-at-head list under `feed:{feedId}:messages`.
type MessageTail struct {
	kv    kv.Store
	log   zerolog.Logger
	stats Stats
}

// NewMessageTail creates the message-tail projection service.
func NewMessageTail(store kv.Store) *MessageTail {
	p := &MessageTail{
		kv:  store,
		log: logger.With().Str("component", "messagetailcache").Logger(),
	}
	if err := registerStatsMetrics("message_tail", &p.stats); err != nil {
		p.log.Warn().Err(err).Msg("registering projection metrics")
	}
	return p
}

// Stats returns the operation counters.
func (p *MessageTail) Stats() Snapshot { return p.stats.Snapshot() }

func (p *MessageTail) key(feedID feedmesh.FeedID) string {
	return fmt.Sprintf("feed:%s:messages", feedID)
}

// Add prepends a newly finalized message, trims to the newest TailLength
// entries and refreshes the TTL, all atomically.
func (p *MessageTail) Add(ctx context.Context, feedID feedmesh.FeedID, msg feedmesh.FeedMessage) bool {
	raw, err := json.Marshal(msg)
	if err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Error().Err(err).Msg("marshaling feed message")
		return false
	}
	key := p.key(feedID)
	tx := p.kv.Tx()
	tx.LPush(key, string(raw))
	tx.LTrim(key, 0, TailLength-1)
	tx.Expire(key, TTLMessageTail)
	if err := tx.Exec(ctx); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("appending to message tail")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// Get returns the cached tail newest-first, optionally filtered to
// messages past the given block. Malformed single entries are skipped.
// The second return is false on a miss or any backend error.
func (p *MessageTail) Get(
	ctx context.Context, feedID feedmesh.FeedID, since *feedmesh.BlockIndex,
) ([]feedmesh.FeedMessage, bool) {
	key := p.key(feedID)
	raw, err := p.kv.LRange(ctx, key, 0, -1)
	if err != nil {
		p.stats.ReadErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("reading message tail")
		return nil, false
	}
	if len(raw) == 0 {
		exists, err := p.kv.Exists(ctx, key)
		if err != nil || !exists {
			p.stats.Misses.Inc()
			return nil, false
		}
		p.stats.Hits.Inc()
		return []feedmesh.FeedMessage{}, true
	}
	out := make([]feedmesh.FeedMessage, 0, len(raw))
	for _, item := range raw {
		var msg feedmesh.FeedMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("skipping malformed tail entry")
			continue
		}
		if since != nil && msg.BlockIndex <= *since {
			continue
		}
		out = append(out, msg)
	}
	p.stats.Hits.Inc()
	return out, true
}

// Populate atomically replaces the tail with the newest TailLength of the
// given messages, newest-at-head, and refreshes the TTL. Messages are
// ordered by (blockIndex, timestamp).
func (p *MessageTail) Populate(ctx context.Context, feedID feedmesh.FeedID, msgs []feedmesh.FeedMessage) bool {
	ordered := make([]feedmesh.FeedMessage, len(msgs))
	copy(ordered, msgs)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].BlockIndex != ordered[j].BlockIndex {
			return ordered[i].BlockIndex < ordered[j].BlockIndex
		}
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	key := p.key(feedID)
	tx := p.kv.Tx()
	tx.Del(key)
	for _, msg := range ordered {
		raw, err := json.Marshal(msg)
		if err != nil {
			p.stats.WriteErrors.Inc()
			p.log.Error().Err(err).Msg("marshaling feed message")
			return false
		}
		// Pushing ascending order to the head leaves the newest message first.
		tx.LPush(key, string(raw))
	}
	tx.LTrim(key, 0, TailLength-1)
	tx.Expire(key, TTLMessageTail)
	if err := tx.Exec(ctx); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("populating message tail")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// Invalidate deletes the cached tail.
func (p *MessageTail) Invalidate(ctx context.Context, feedID feedmesh.FeedID) {
	if err := p.kv.Del(ctx, p.key(feedID)); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("invalidating message tail")
	}
}
