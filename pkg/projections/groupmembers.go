package projections

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/kv"
)

// CachedKeyGeneration is one key epoch inside the cached bundle.
// ValidToBlock is cached but never exposed through the RPC surface;
// clients disambiguate via each message's keyGeneration field.
type CachedKeyGeneration struct {
	Version        feedmesh.Generation         `json:"version"`
	ValidFromBlock feedmesh.BlockIndex         `json:"validFromBlock"`
	ValidToBlock   *feedmesh.BlockIndex        `json:"validToBlock,omitempty"`
	EncryptedKeys  map[feedmesh.Address][]byte `json:"encryptedKeysByMember"`
}

// KeyGenerationBundle is the cached `feed:{feedId}:keys` blob, ordered
// ascending by version.
type KeyGenerationBundle struct {
	KeyGenerations []CachedKeyGeneration `json:"keyGenerations"`
}

// EnrichedMember is one entry of the cached `group:{feedId}:members`
// blob: a participant with its display name resolved.
type EnrichedMember struct {
	Address       feedmesh.Address     `json:"address"`
	DisplayName   string               `json:"displayName"`
	Role          feedmesh.Role        `json:"role"`
	JoinedAtBlock feedmesh.BlockIndex  `json:"joinedAtBlock"`
	LeftAtBlock   *feedmesh.BlockIndex `json:"leftAtBlock,omitempty"`
}

type enrichedMembersBlob struct {
	Members []EnrichedMember `json:"members"`
}

// GroupParticipants caches three per-feed group shapes: the active member
// set, the key-generation bundle, and the enriched member list.
type GroupParticipants struct {
	kv    kv.Store
	log   zerolog.Logger
	stats Stats
}

// NewGroupParticipants creates the group-participants projection service.
func NewGroupParticipants(store kv.Store) *GroupParticipants {
	p := &GroupParticipants{
		kv:  store,
		log: logger.With().Str("component", "groupcache").Logger(),
	}
	if err := registerStatsMetrics("group_participants", &p.stats); err != nil {
		p.log.Warn().Err(err).Msg("registering projection metrics")
	}
	return p
}

// Stats returns the operation counters.
func (p *GroupParticipants) Stats() Snapshot { return p.stats.Snapshot() }

func participantsKey(feedID feedmesh.FeedID) string {
	return fmt.Sprintf("feed:%s:participants", feedID)
}

func keyGenerationsKey(feedID feedmesh.FeedID) string {
	return fmt.Sprintf("feed:%s:keys", feedID)
}

func enrichedMembersKey(feedID feedmesh.FeedID) string {
	return fmt.Sprintf("group:%s:members", feedID)
}

// GetMembers returns the cached active member set, refreshing its TTL on
// hit. An existing empty set returns an empty slice.
func (p *GroupParticipants) GetMembers(ctx context.Context, feedID feedmesh.FeedID) ([]feedmesh.Address, bool) {
	key := participantsKey(feedID)
	members, err := p.kv.SMembers(ctx, key)
	if err != nil {
		p.stats.ReadErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("reading participants")
		return nil, false
	}
	if len(members) == 0 {
		exists, err := p.kv.Exists(ctx, key)
		if err != nil || !exists {
			p.stats.Misses.Inc()
			return nil, false
		}
	}
	if err := p.kv.Expire(ctx, key, TTLGroup); err != nil {
		p.log.Debug().Err(err).Msg("refreshing participants ttl")
	}
	out := make([]feedmesh.Address, 0, len(members))
	for _, m := range members {
		out = append(out, feedmesh.Address(m))
	}
	p.stats.Hits.Inc()
	return out, true
}

// SetMembers replaces the cached member set atomically.
func (p *GroupParticipants) SetMembers(ctx context.Context, feedID feedmesh.FeedID, members []feedmesh.Address) bool {
	key := participantsKey(feedID)
	tx := p.kv.Tx()
	tx.Del(key)
	if len(members) > 0 {
		raw := make([]string, len(members))
		for i, m := range members {
			raw[i] = string(m)
		}
		tx.SAdd(key, raw...)
		tx.Expire(key, TTLGroup)
	}
	if err := tx.Exec(ctx); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("writing participants")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// AddMember inserts one address, only when the set already exists.
// Idempotent; write paths never create partial cache entries.
func (p *GroupParticipants) AddMember(ctx context.Context, feedID feedmesh.FeedID, address feedmesh.Address) bool {
	key := participantsKey(feedID)
	exists, err := p.kv.Exists(ctx, key)
	if err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("checking participants key")
		return false
	}
	if !exists {
		return false
	}
	tx := p.kv.Tx()
	tx.SAdd(key, string(address))
	tx.Expire(key, TTLGroup)
	if err := tx.Exec(ctx); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("adding participant")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// RemoveMember drops one address from the cached set. Idempotent.
func (p *GroupParticipants) RemoveMember(ctx context.Context, feedID feedmesh.FeedID, address feedmesh.Address) bool {
	if err := p.kv.SRem(ctx, participantsKey(feedID), string(address)); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("removing participant")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// InvalidateMembers deletes the cached member set.
func (p *GroupParticipants) InvalidateMembers(ctx context.Context, feedID feedmesh.FeedID) {
	if err := p.kv.Del(ctx, participantsKey(feedID)); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("invalidating participants")
	}
}

// GetKeyGenerations returns the cached bundle, refreshing its TTL on hit.
func (p *GroupParticipants) GetKeyGenerations(ctx context.Context, feedID feedmesh.FeedID) (KeyGenerationBundle, bool) {
	key := keyGenerationsKey(feedID)
	raw, ok, err := p.kv.Get(ctx, key)
	if err != nil {
		p.stats.ReadErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("reading key generations")
		return KeyGenerationBundle{}, false
	}
	if !ok {
		p.stats.Misses.Inc()
		return KeyGenerationBundle{}, false
	}
	var bundle KeyGenerationBundle
	if err := json.Unmarshal([]byte(raw), &bundle); err != nil {
		p.stats.ReadErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("malformed key generation bundle")
		return KeyGenerationBundle{}, false
	}
	if err := p.kv.Expire(ctx, key, TTLGroup); err != nil {
		p.log.Debug().Err(err).Msg("refreshing key generations ttl")
	}
	p.stats.Hits.Inc()
	return bundle, true
}

// SetKeyGenerations writes the bundle with its TTL.
func (p *GroupParticipants) SetKeyGenerations(ctx context.Context, feedID feedmesh.FeedID, bundle KeyGenerationBundle) bool {
	raw, err := json.Marshal(bundle)
	if err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Error().Err(err).Msg("marshaling key generation bundle")
		return false
	}
	if err := p.kv.Set(ctx, keyGenerationsKey(feedID), string(raw), TTLGroup); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("writing key generations")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// InvalidateKeyGenerations deletes the cached bundle. Any membership
// change must call this so the next sync re-derives the bundle.
func (p *GroupParticipants) InvalidateKeyGenerations(ctx context.Context, feedID feedmesh.FeedID) {
	if err := p.kv.Del(ctx, keyGenerationsKey(feedID)); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("invalidating key generations")
	}
}

// GetEnrichedMembers returns the cached enriched member list, refreshing
// its TTL on hit.
func (p *GroupParticipants) GetEnrichedMembers(ctx context.Context, feedID feedmesh.FeedID) ([]EnrichedMember, bool) {
	key := enrichedMembersKey(feedID)
	raw, ok, err := p.kv.Get(ctx, key)
	if err != nil {
		p.stats.ReadErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("reading enriched members")
		return nil, false
	}
	if !ok {
		p.stats.Misses.Inc()
		return nil, false
	}
	var blob enrichedMembersBlob
	if err := json.Unmarshal([]byte(raw), &blob); err != nil {
		p.stats.ReadErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("malformed enriched members blob")
		return nil, false
	}
	if err := p.kv.Expire(ctx, key, TTLGroup); err != nil {
		p.log.Debug().Err(err).Msg("refreshing enriched members ttl")
	}
	p.stats.Hits.Inc()
	return blob.Members, true
}

// SetEnrichedMembers writes the enriched member list with its TTL.
func (p *GroupParticipants) SetEnrichedMembers(ctx context.Context, feedID feedmesh.FeedID, members []EnrichedMember) bool {
	raw, err := json.Marshal(enrichedMembersBlob{Members: members})
	if err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Error().Err(err).Msg("marshaling enriched members")
		return false
	}
	if err := p.kv.Set(ctx, enrichedMembersKey(feedID), string(raw), TTLGroup); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("writing enriched members")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// InvalidateEnrichedMembers deletes the cached enriched member list.
func (p *GroupParticipants) InvalidateEnrichedMembers(ctx context.Context, feedID feedmesh.FeedID) {
	if err := p.kv.Del(ctx, enrichedMembersKey(feedID)); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("feedId", string(feedID)).Msg("invalidating enriched members")
	}
}
