package projections

import (
	"context"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/kv"
)

// FeedMetaEntry is the per-user summary record of one feed, one hash
// field under `user:{address}:feed_meta`. LastBlockIndex carries the
// effective block index computed at write time.
type FeedMetaEntry struct {
	Title                string                `json:"title"`
	Type                 feedmesh.FeedType     `json:"type"`
	LastBlockIndex       feedmesh.BlockIndex   `json:"lastBlockIndex"`
	Participants         []feedmesh.Address    `json:"participants"`
	CreatedAtBlock       feedmesh.BlockIndex   `json:"createdAtBlock"`
	CurrentKeyGeneration *feedmesh.Generation  `json:"currentKeyGeneration,omitempty"`
}

// legacyProbe detects entries written by the old shape that carried only
// lastBlockIndex. Those force a full re-derivation.
type legacyProbe struct {
	Title        *string             `json:"title"`
	Participants *[]feedmesh.Address `json:"participants"`
}

// FeedMetadata caches per-user feed summaries.
type FeedMetadata struct {
	kv    kv.Store
	log   zerolog.Logger
	stats Stats
}

// NewFeedMetadata creates the feed-metadata projection service.
func NewFeedMetadata(store kv.Store) *FeedMetadata {
	p := &FeedMetadata{
		kv:  store,
		log: logger.With().Str("component", "feedmetacache").Logger(),
	}
	if err := registerStatsMetrics("feed_metadata", &p.stats); err != nil {
		p.log.Warn().Err(err).Msg("registering projection metrics")
	}
	return p
}

// Stats returns the operation counters.
func (p *FeedMetadata) Stats() Snapshot { return p.stats.Snapshot() }

func (p *FeedMetadata) key(address feedmesh.Address) string {
	return fmt.Sprintf("user:%s:feed_meta", address)
}

// GetAll returns every cached feed summary for the user. Entries in the
// legacy lastBlockIndex-only shape turn the whole read into a miss so the
// caller re-derives and rewrites the hash in the current shape.
func (p *FeedMetadata) GetAll(ctx context.Context, address feedmesh.Address) (map[feedmesh.FeedID]FeedMetaEntry, bool) {
	fields, err := p.kv.HGetAll(ctx, p.key(address))
	if err != nil {
		p.stats.ReadErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("reading feed metadata")
		return nil, false
	}
	if len(fields) == 0 {
		p.stats.Misses.Inc()
		return nil, false
	}
	out := make(map[feedmesh.FeedID]FeedMetaEntry, len(fields))
	for feedID, raw := range fields {
		var probe legacyProbe
		if err := json.Unmarshal([]byte(raw), &probe); err != nil {
			p.stats.ReadErrors.Inc()
			p.log.Warn().Err(err).Str("feedId", feedID).Msg("malformed feed metadata entry")
			return nil, false
		}
		if probe.Title == nil || probe.Participants == nil {
			p.stats.Misses.Inc()
			p.log.Debug().Str("feedId", feedID).Msg("legacy feed metadata entry, forcing re-derivation")
			return nil, false
		}
		var entry FeedMetaEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			p.stats.ReadErrors.Inc()
			return nil, false
		}
		out[feedmesh.FeedID(feedID)] = entry
	}
	p.stats.Hits.Inc()
	return out, true
}

// SetOne writes one feed summary and refreshes the hash TTL.
func (p *FeedMetadata) SetOne(ctx context.Context, address feedmesh.Address, feedID feedmesh.FeedID, entry FeedMetaEntry) bool {
	raw, err := json.Marshal(entry)
	if err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Error().Err(err).Msg("marshaling feed metadata entry")
		return false
	}
	tx := p.kv.Tx()
	tx.HSet(p.key(address), map[string]string{string(feedID): string(raw)})
	tx.Expire(p.key(address), TTLFeedMetadata)
	if err := tx.Exec(ctx); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("writing feed metadata entry")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// SetMany writes a batch of feed summaries and refreshes the hash TTL.
func (p *FeedMetadata) SetMany(ctx context.Context, address feedmesh.Address, entries map[feedmesh.FeedID]FeedMetaEntry) bool {
	if len(entries) == 0 {
		return true
	}
	fields := make(map[string]string, len(entries))
	for feedID, entry := range entries {
		raw, err := json.Marshal(entry)
		if err != nil {
			p.stats.WriteErrors.Inc()
			p.log.Error().Err(err).Msg("marshaling feed metadata entry")
			return false
		}
		fields[string(feedID)] = string(raw)
	}
	tx := p.kv.Tx()
	tx.HSet(p.key(address), fields)
	tx.Expire(p.key(address), TTLFeedMetadata)
	if err := tx.Exec(ctx); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("writing feed metadata")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// UpdateLastBlockIndex advances the block index of an existing entry.
// A missing field is a no-op: the write path never forges partial entries.
func (p *FeedMetadata) UpdateLastBlockIndex(
	ctx context.Context, address feedmesh.Address, feedID feedmesh.FeedID, blockIndex feedmesh.BlockIndex,
) bool {
	return p.mutate(ctx, address, feedID, func(entry *FeedMetaEntry) {
		if blockIndex > entry.LastBlockIndex {
			entry.LastBlockIndex = blockIndex
		}
	})
}

// UpdateTitle rewrites the title of an existing entry. No-op when absent.
func (p *FeedMetadata) UpdateTitle(
	ctx context.Context, address feedmesh.Address, feedID feedmesh.FeedID, title string,
) bool {
	return p.mutate(ctx, address, feedID, func(entry *FeedMetaEntry) {
		entry.Title = title
	})
}

// UpdateCurrentKeyGeneration rewrites the generation marker of an existing
// entry. No-op when absent.
func (p *FeedMetadata) UpdateCurrentKeyGeneration(
	ctx context.Context, address feedmesh.Address, feedID feedmesh.FeedID, gen feedmesh.Generation,
) bool {
	return p.mutate(ctx, address, feedID, func(entry *FeedMetaEntry) {
		entry.CurrentKeyGeneration = &gen
	})
}

func (p *FeedMetadata) mutate(
	ctx context.Context, address feedmesh.Address, feedID feedmesh.FeedID, fn func(*FeedMetaEntry),
) bool {
	key := p.key(address)
	raw, ok, err := p.kv.HGet(ctx, key, string(feedID))
	if err != nil {
		p.stats.ReadErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("reading feed metadata entry")
		return false
	}
	if !ok {
		return false
	}
	var entry FeedMetaEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		p.stats.ReadErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("malformed feed metadata entry")
		return false
	}
	fn(&entry)
	updated, err := json.Marshal(entry)
	if err != nil {
		p.stats.WriteErrors.Inc()
		return false
	}
	tx := p.kv.Tx()
	tx.HSet(key, map[string]string{string(feedID): string(updated)})
	tx.Expire(key, TTLFeedMetadata)
	if err := tx.Exec(ctx); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("updating feed metadata entry")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// Remove deletes one feed summary from the user's hash.
func (p *FeedMetadata) Remove(ctx context.Context, address feedmesh.Address, feedID feedmesh.FeedID) bool {
	if err := p.kv.HDel(ctx, p.key(address), string(feedID)); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("removing feed metadata entry")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// Invalidate deletes the whole hash for the user.
func (p *FeedMetadata) Invalidate(ctx context.Context, address feedmesh.Address) {
	if err := p.kv.Del(ctx, p.key(address)); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("invalidating feed metadata")
	}
}

// formatBlockIndex renders a block index the way hash fields store it.
func formatBlockIndex(b feedmesh.BlockIndex) string {
	return strconv.FormatUint(uint64(b), 10)
}

// parseBlockIndex parses a decimal block index hash field.
func parseBlockIndex(s string) (feedmesh.BlockIndex, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing block index %q: %s", s, err)
	}
	return feedmesh.BlockIndex(v), nil
}
