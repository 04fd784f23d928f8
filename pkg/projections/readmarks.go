package projections

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/kv"
)

// maxWinsScript advances a hash field only when the new value is greater
// than the stored one (or the field is absent). Returns 1 when written.
// This makes watermark advancement linearizable per (address, feed)
// without a round-trip CAS race.
const maxWinsScript = `
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur == false or tonumber(ARGV[2]) > tonumber(cur) then
  redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
  return 1
end
return 0
`

// ReadMarks caches the per-user read watermarks as one hash
// `user:{address}:read_positions` mapping feed id to a decimal block
// index.
type ReadMarks struct {
	kv    kv.Store
	log   zerolog.Logger
	stats Stats
}

// NewReadMarks creates the read-watermark projection service.
func NewReadMarks(store kv.Store) *ReadMarks {
	p := &ReadMarks{
		kv:  store,
		log: logger.With().Str("component", "readmarkscache").Logger(),
	}
	if err := registerStatsMetrics("read_marks", &p.stats); err != nil {
		p.log.Warn().Err(err).Msg("registering projection metrics")
	}
	return p
}

// Stats returns the operation counters.
func (p *ReadMarks) Stats() Snapshot { return p.stats.Snapshot() }

func (p *ReadMarks) key(address feedmesh.Address) string {
	return fmt.Sprintf("user:%s:read_positions", address)
}

func legacyKey(address feedmesh.Address, feedID feedmesh.FeedID) string {
	return fmt.Sprintf("user:%s:read:%s", address, feedID)
}

// Set advances the watermark for one feed with MAX-wins semantics. The
// first return reports whether the stored value moved; the second is
// false when the cache backend failed and the caller should not trust
// the flag.
func (p *ReadMarks) Set(
	ctx context.Context, address feedmesh.Address, feedID feedmesh.FeedID, blockIndex feedmesh.BlockIndex,
) (bool, bool) {
	key := p.key(address)
	res, err := p.kv.Eval(ctx, maxWinsScript, []string{key}, string(feedID), formatBlockIndex(blockIndex))
	if err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("advancing read watermark")
		return false, false
	}
	if err := p.kv.Expire(ctx, key, TTLReadMarks); err != nil {
		p.log.Debug().Err(err).Msg("refreshing read watermark ttl")
	}
	p.stats.Writes.Inc()
	return res == 1, true
}

// GetAll returns every cached watermark for the user. On a first miss it
// scans the legacy per-feed key shape for the given feeds and bulk-imports
// whatever it finds into the hash.
func (p *ReadMarks) GetAll(
	ctx context.Context, address feedmesh.Address, knownFeeds []feedmesh.FeedID,
) (map[feedmesh.FeedID]feedmesh.BlockIndex, bool) {
	fields, err := p.kv.HGetAll(ctx, p.key(address))
	if err != nil {
		p.stats.ReadErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("reading read watermarks")
		return nil, false
	}
	if len(fields) == 0 {
		if migrated, ok := p.migrateLegacy(ctx, address, knownFeeds); ok {
			return migrated, true
		}
		p.stats.Misses.Inc()
		return nil, false
	}
	out := make(map[feedmesh.FeedID]feedmesh.BlockIndex, len(fields))
	for feedID, raw := range fields {
		block, err := parseBlockIndex(raw)
		if err != nil {
			p.log.Warn().Err(err).Str("feedId", feedID).Msg("skipping malformed watermark")
			continue
		}
		out[feedmesh.FeedID(feedID)] = block
	}
	p.stats.Hits.Inc()
	return out, true
}

// SetAll repopulates the hash, refreshing the TTL.
func (p *ReadMarks) SetAll(
	ctx context.Context, address feedmesh.Address, positions map[feedmesh.FeedID]feedmesh.BlockIndex,
) bool {
	if len(positions) == 0 {
		return true
	}
	fields := make(map[string]string, len(positions))
	for feedID, block := range positions {
		fields[string(feedID)] = formatBlockIndex(block)
	}
	key := p.key(address)
	tx := p.kv.Tx()
	tx.HSet(key, fields)
	tx.Expire(key, TTLReadMarks)
	if err := tx.Exec(ctx); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("writing read watermarks")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// migrateLegacy imports old `user:{address}:read:{feedId}` string keys
// into the hash shape and deletes them. Returns false when nothing was
// found to migrate.
func (p *ReadMarks) migrateLegacy(
	ctx context.Context, address feedmesh.Address, knownFeeds []feedmesh.FeedID,
) (map[feedmesh.FeedID]feedmesh.BlockIndex, bool) {
	if len(knownFeeds) == 0 {
		return nil, false
	}
	found := make(map[feedmesh.FeedID]feedmesh.BlockIndex)
	stale := make([]string, 0, len(knownFeeds))
	for _, feedID := range knownFeeds {
		raw, ok, err := p.kv.Get(ctx, legacyKey(address, feedID))
		if err != nil || !ok {
			continue
		}
		block, err := parseBlockIndex(raw)
		if err != nil {
			continue
		}
		found[feedID] = block
		stale = append(stale, legacyKey(address, feedID))
	}
	if len(found) == 0 {
		return nil, false
	}
	if !p.SetAll(ctx, address, found) {
		return nil, false
	}
	if err := p.kv.Del(ctx, stale...); err != nil {
		p.log.Warn().Err(err).Str("address", string(address)).Msg("deleting legacy watermark keys")
	}
	p.log.Info().Str("address", string(address)).Int("count", len(found)).Msg("migrated legacy read watermarks")
	return found, true
}
