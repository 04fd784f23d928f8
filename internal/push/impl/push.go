package impl

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/internal/push"
	"github.com/feedmesh/go-feedmesh/pkg/projections"
	"github.com/feedmesh/go-feedmesh/pkg/sqlstore"
)

// PushService implements push.Push with a write-through token cache on
// top of the durable store.
type PushService struct {
	store sqlstore.Store
	cache *projections.PushTokens
	log   zerolog.Logger
}

var _ push.Push = (*PushService)(nil)

// NewPush creates a new PushService.
func NewPush(store sqlstore.Store, cache *projections.PushTokens) *PushService {
	return &PushService{
		store: store,
		cache: cache,
		log:   logger.With().Str("component", "push").Logger(),
	}
}

// Register implements push.Push. Re-registering an existing token keeps
// its id; a token known under another address is reassigned and the old
// owner's cache dropped.
func (s *PushService) Register(ctx context.Context, token feedmesh.DeviceToken) (feedmesh.DeviceToken, error) {
	if token.Address == "" || token.Token == "" {
		return feedmesh.DeviceToken{}, fmt.Errorf("address and token are required")
	}
	now := time.Now().UTC()
	token.LastUsedAt = now
	token.IsActive = true

	prior, err := s.store.GetDeviceTokenByToken(ctx, token.Token)
	switch {
	case err == nil:
		token.TokenID = prior.TokenID
		token.CreatedAt = prior.CreatedAt
		if prior.Address != token.Address {
			s.cache.Invalidate(ctx, prior.Address)
		}
	case errors.Is(err, sqlstore.ErrNotFound):
		token.TokenID = uuid.NewString()
		token.CreatedAt = now
	default:
		return feedmesh.DeviceToken{}, fmt.Errorf("looking up token: %s", err)
	}

	if err := s.store.UpsertDeviceToken(ctx, token); err != nil {
		return feedmesh.DeviceToken{}, fmt.Errorf("storing token: %s", err)
	}
	s.cache.AddOrUpdate(ctx, token)
	s.log.Debug().
		Str("address", string(token.Address)).
		Str("platform", token.Platform).
		Msg("device token registered")
	return token, nil
}

// Remove implements push.Push.
func (s *PushService) Remove(ctx context.Context, address feedmesh.Address, tokenID string) error {
	tokens, err := s.store.GetDeviceTokens(ctx, address)
	if err != nil {
		return fmt.Errorf("loading tokens: %s", err)
	}
	owned := false
	for _, t := range tokens {
		if t.TokenID == tokenID {
			owned = true
			break
		}
	}
	if !owned {
		return push.ErrTokenNotFound
	}
	if err := s.store.DeleteDeviceToken(ctx, tokenID); err != nil {
		return fmt.Errorf("deleting token: %s", err)
	}
	s.cache.Remove(ctx, address, tokenID)
	return nil
}

// List implements push.Push.
func (s *PushService) List(ctx context.Context, address feedmesh.Address) ([]feedmesh.DeviceToken, error) {
	if cached, hit := s.cache.GetAll(ctx, address); hit {
		tokens := make([]feedmesh.DeviceToken, 0, len(cached))
		for _, t := range cached {
			tokens = append(tokens, t)
		}
		sort.Slice(tokens, func(a, b int) bool {
			return tokens[a].LastUsedAt.After(tokens[b].LastUsedAt)
		})
		return tokens, nil
	}
	tokens, err := s.store.GetDeviceTokens(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("loading tokens: %s", err)
	}
	s.cache.SetAll(ctx, address, tokens)
	return tokens, nil
}
