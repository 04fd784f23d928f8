package projections

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/kv"
)

// PushTokens caches device tokens per user under `push:v1:user:{address}`.
type PushTokens struct {
	kv    kv.Store
	log   zerolog.Logger
	stats Stats
}

// NewPushTokens creates the push-token projection service.
func NewPushTokens(store kv.Store) *PushTokens {
	p := &PushTokens{
		kv:  store,
		log: logger.With().Str("component", "pushtokencache").Logger(),
	}
	if err := registerStatsMetrics("push_tokens", &p.stats); err != nil {
		p.log.Warn().Err(err).Msg("registering projection metrics")
	}
	return p
}

// Stats returns the operation counters.
func (p *PushTokens) Stats() Snapshot { return p.stats.Snapshot() }

func (p *PushTokens) key(address feedmesh.Address) string {
	return fmt.Sprintf("push:v1:user:%s", address)
}

// GetAll returns the cached tokens keyed by token id.
func (p *PushTokens) GetAll(ctx context.Context, address feedmesh.Address) (map[string]feedmesh.DeviceToken, bool) {
	fields, err := p.kv.HGetAll(ctx, p.key(address))
	if err != nil {
		p.stats.ReadErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("reading push tokens")
		return nil, false
	}
	if len(fields) == 0 {
		p.stats.Misses.Inc()
		return nil, false
	}
	out := make(map[string]feedmesh.DeviceToken, len(fields))
	for tokenID, raw := range fields {
		var token feedmesh.DeviceToken
		if err := json.Unmarshal([]byte(raw), &token); err != nil {
			p.log.Warn().Err(err).Str("tokenId", tokenID).Msg("skipping malformed device token")
			continue
		}
		out[tokenID] = token
	}
	p.stats.Hits.Inc()
	return out, true
}

// SetAll replaces the cached tokens atomically and refreshes the TTL.
func (p *PushTokens) SetAll(ctx context.Context, address feedmesh.Address, tokens []feedmesh.DeviceToken) bool {
	key := p.key(address)
	fields := make(map[string]string, len(tokens))
	for _, token := range tokens {
		raw, err := json.Marshal(token)
		if err != nil {
			p.stats.WriteErrors.Inc()
			p.log.Error().Err(err).Msg("marshaling device token")
			return false
		}
		fields[token.TokenID] = string(raw)
	}
	tx := p.kv.Tx()
	tx.Del(key)
	if len(fields) > 0 {
		tx.HSet(key, fields)
		tx.Expire(key, TTLPushTokens)
	}
	if err := tx.Exec(ctx); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("writing push tokens")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// AddOrUpdate writes one token and refreshes the TTL. Reassigning a token
// between users requires a Remove on the previous owner first.
func (p *PushTokens) AddOrUpdate(ctx context.Context, token feedmesh.DeviceToken) bool {
	raw, err := json.Marshal(token)
	if err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Error().Err(err).Msg("marshaling device token")
		return false
	}
	key := p.key(token.Address)
	tx := p.kv.Tx()
	tx.HSet(key, map[string]string{token.TokenID: string(raw)})
	tx.Expire(key, TTLPushTokens)
	if err := tx.Exec(ctx); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(token.Address)).Msg("writing push token")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// Remove deletes one token from the user's hash.
func (p *PushTokens) Remove(ctx context.Context, address feedmesh.Address, tokenID string) bool {
	if err := p.kv.HDel(ctx, p.key(address), tokenID); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("removing push token")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// Invalidate deletes the user's token hash.
func (p *PushTokens) Invalidate(ctx context.Context, address feedmesh.Address) {
	if err := p.kv.Del(ctx, p.key(address)); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("invalidating push tokens")
	}
}
