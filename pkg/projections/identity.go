package projections

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/kv"
)

// displayNamesKey is the global address-to-display-name hash. It has no
// TTL; it only changes on identity events.
const displayNamesKey = "identities:display_names"

// Identity caches profile blobs under `identity:{address}` and maintains
// the global display-name hash.
type Identity struct {
	kv    kv.Store
	log   zerolog.Logger
	stats Stats
}

// NewIdentity creates the identity projection service.
func NewIdentity(store kv.Store) *Identity {
	p := &Identity{
		kv:  store,
		log: logger.With().Str("component", "identitycache").Logger(),
	}
	if err := registerStatsMetrics("identity", &p.stats); err != nil {
		p.log.Warn().Err(err).Msg("registering projection metrics")
	}
	return p
}

// Stats returns the operation counters.
func (p *Identity) Stats() Snapshot { return p.stats.Snapshot() }

func profileKey(address feedmesh.Address) string {
	return fmt.Sprintf("identity:%s", address)
}

// GetProfile returns the cached profile blob, refreshing its TTL on hit.
func (p *Identity) GetProfile(ctx context.Context, address feedmesh.Address) (feedmesh.Profile, bool) {
	raw, ok, err := p.kv.Get(ctx, profileKey(address))
	if err != nil {
		p.stats.ReadErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("reading profile")
		return feedmesh.Profile{}, false
	}
	if !ok {
		p.stats.Misses.Inc()
		return feedmesh.Profile{}, false
	}
	var profile feedmesh.Profile
	if err := json.Unmarshal([]byte(raw), &profile); err != nil {
		p.stats.ReadErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("malformed profile blob")
		return feedmesh.Profile{}, false
	}
	if err := p.kv.Expire(ctx, profileKey(address), TTLProfile); err != nil {
		p.log.Debug().Err(err).Msg("refreshing profile ttl")
	}
	p.stats.Hits.Inc()
	return profile, true
}

// SetProfile writes the profile blob with its TTL.
func (p *Identity) SetProfile(ctx context.Context, profile feedmesh.Profile) bool {
	raw, err := json.Marshal(profile)
	if err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Error().Err(err).Msg("marshaling profile")
		return false
	}
	if err := p.kv.Set(ctx, profileKey(profile.Address), string(raw), TTLProfile); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(profile.Address)).Msg("writing profile")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// InvalidateProfile deletes the profile blob.
func (p *Identity) InvalidateProfile(ctx context.Context, address feedmesh.Address) {
	if err := p.kv.Del(ctx, profileKey(address)); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("invalidating profile")
	}
}

// GetDisplayNames resolves display names for a batch of addresses in one
// round trip. Addresses missing from the returned map are cache misses
// the caller must resolve from the database.
func (p *Identity) GetDisplayNames(
	ctx context.Context, addresses []feedmesh.Address,
) (map[feedmesh.Address]string, bool) {
	if len(addresses) == 0 {
		return map[feedmesh.Address]string{}, true
	}
	fields := make([]string, len(addresses))
	for i, a := range addresses {
		fields[i] = string(a)
	}
	values, err := p.kv.HMGet(ctx, displayNamesKey, fields...)
	if err != nil {
		p.stats.ReadErrors.Inc()
		p.log.Warn().Err(err).Msg("reading display names")
		return nil, false
	}
	out := make(map[feedmesh.Address]string, len(values))
	for field, name := range values {
		out[feedmesh.Address(field)] = name
	}
	if len(out) == len(addresses) {
		p.stats.Hits.Inc()
	} else {
		p.stats.Misses.Inc()
	}
	return out, true
}

// SetDisplayName writes one display name into the global hash.
func (p *Identity) SetDisplayName(ctx context.Context, address feedmesh.Address, name string) bool {
	if err := p.kv.HSet(ctx, displayNamesKey, map[string]string{string(address): name}); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Str("address", string(address)).Msg("writing display name")
		return false
	}
	p.stats.Writes.Inc()
	return true
}

// SetDisplayNames writes a batch of display names into the global hash.
func (p *Identity) SetDisplayNames(ctx context.Context, names map[feedmesh.Address]string) bool {
	if len(names) == 0 {
		return true
	}
	fields := make(map[string]string, len(names))
	for a, n := range names {
		fields[string(a)] = n
	}
	if err := p.kv.HSet(ctx, displayNamesKey, fields); err != nil {
		p.stats.WriteErrors.Inc()
		p.log.Warn().Err(err).Msg("writing display names")
		return false
	}
	p.stats.Writes.Inc()
	return true
}
