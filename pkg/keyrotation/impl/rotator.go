package impl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/encryption"
	"github.com/feedmesh/go-feedmesh/pkg/keyrotation"
	"github.com/feedmesh/go-feedmesh/pkg/metrics"
	"github.com/feedmesh/go-feedmesh/pkg/sqlstore"
)

// lockTimeout bounds how long a rotation waits for the per-feed lock.
const lockTimeout = time.Second * 30

// Clock is the finalization watermark used as "now" for new generations.
type Clock interface {
	GetLastFinalizedBlock() (feedmesh.BlockIndex, bool)
}

// Rotator implements keyrotation.Rotator backed by the durable store.
type Rotator struct {
	store sqlstore.Store
	clock Clock
	locks *keyedMutex

	log           zerolog.Logger
	rotationCount instrument.Int64Counter
}

var _ keyrotation.Rotator = (*Rotator)(nil)

// New creates a Rotator.
func New(store sqlstore.Store, clock Clock) (*Rotator, error) {
	log := logger.With().Str("component", "keyrotation").Logger()

	meter := global.MeterProvider().Meter("feedmesh")
	rotationCount, err := meter.Int64Counter("feedmesh.keyrotation.rotations")
	if err != nil {
		return nil, fmt.Errorf("creating rotation counter: %s", err)
	}

	return &Rotator{
		store:         store,
		clock:         clock,
		locks:         newKeyedMutex(),
		log:           log,
		rotationCount: rotationCount,
	}, nil
}

// Rotate implements keyrotation.Rotator.
func (r *Rotator) Rotate(
	ctx context.Context,
	feedID feedmesh.FeedID,
	trigger feedmesh.RotationTrigger,
	mutation keyrotation.MembershipMutation,
) (feedmesh.KeyGeneration, error) {
	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()
	release, err := r.locks.acquire(lockCtx, feedID)
	if err != nil {
		return feedmesh.KeyGeneration{}, fmt.Errorf("%w: %s", keyrotation.ErrRotationBusy, err)
	}
	defer release()

	var next feedmesh.KeyGeneration
	err = r.store.WithTx(ctx, func(s sqlstore.Store) error {
		current, found, err := s.GetMaxGeneration(ctx, feedID)
		if err != nil {
			return fmt.Errorf("reading current generation: %s", err)
		}
		if !found {
			return keyrotation.ErrFeedNotFound
		}
		if mutation != nil {
			if err := mutation(ctx, s); err != nil {
				return fmt.Errorf("applying membership change: %w", err)
			}
		}

		participants, err := s.GetActiveParticipants(ctx, feedID)
		if err != nil {
			return fmt.Errorf("reading active members: %s", err)
		}
		members := make([]feedmesh.Address, len(participants))
		for i, p := range participants {
			members[i] = p.Address
		}
		if err := validateMembers(members); err != nil {
			return err
		}

		keys, err := wrapForMembers(ctx, s, members)
		if err != nil {
			return err
		}

		validFrom, err := r.now(ctx, s, feedID)
		if err != nil {
			return err
		}
		if err := s.SetKeyGenerationValidTo(ctx, feedID, current, validFrom); err != nil {
			return fmt.Errorf("closing generation %d: %s", current, err)
		}
		next = feedmesh.KeyGeneration{
			FeedID:         feedID,
			Generation:     current + 1,
			ValidFromBlock: validFrom,
			Trigger:        trigger,
			EncryptedKeys:  keys,
		}
		if err := s.InsertKeyGeneration(ctx, next); err != nil {
			return fmt.Errorf("inserting generation %d: %s", next.Generation, err)
		}
		// Bump the feed watermark so other members' next sync notices the
		// new generation.
		if err := s.UpdateFeedBlockIndex(ctx, feedID, validFrom); err != nil {
			return fmt.Errorf("bumping feed block index: %s", err)
		}
		return nil
	})
	if err != nil {
		return feedmesh.KeyGeneration{}, err
	}

	r.rotationCount.Add(ctx, 1,
		append([]attribute.KeyValue{attribute.String("trigger", string(trigger))}, metrics.BaseAttrs...)...)
	r.log.Debug().
		Str("feedId", string(feedID)).
		Uint32("generation", uint32(next.Generation)).
		Str("trigger", string(trigger)).
		Int("members", len(next.EncryptedKeys)).
		Msg("rotated group key")
	return next, nil
}

// Initial implements keyrotation.Rotator.
func (r *Rotator) Initial(
	ctx context.Context,
	s sqlstore.Store,
	feedID feedmesh.FeedID,
	members []feedmesh.Address,
	atBlock feedmesh.BlockIndex,
) (feedmesh.KeyGeneration, error) {
	if err := validateMembers(members); err != nil {
		return feedmesh.KeyGeneration{}, err
	}
	keys, err := wrapForMembers(ctx, s, members)
	if err != nil {
		return feedmesh.KeyGeneration{}, err
	}
	gen := feedmesh.KeyGeneration{
		FeedID:         feedID,
		Generation:     0,
		ValidFromBlock: atBlock,
		Trigger:        feedmesh.TriggerJoin,
		EncryptedKeys:  keys,
	}
	if err := s.InsertKeyGeneration(ctx, gen); err != nil {
		return feedmesh.KeyGeneration{}, fmt.Errorf("inserting generation 0: %s", err)
	}
	return gen, nil
}

// now picks the validFromBlock of a new generation: the finalization
// watermark when known, otherwise one past the feed's own block index.
func (r *Rotator) now(ctx context.Context, s sqlstore.Store, feedID feedmesh.FeedID) (feedmesh.BlockIndex, error) {
	if block, ok := r.clock.GetLastFinalizedBlock(); ok {
		return block, nil
	}
	feed, err := s.GetFeed(ctx, feedID)
	if err != nil {
		return 0, fmt.Errorf("reading feed for clock fallback: %s", err)
	}
	return feed.BlockIndex + 1, nil
}

func validateMembers(members []feedmesh.Address) error {
	if len(members) == 0 {
		return keyrotation.ErrEmptyGroup
	}
	if len(members) > feedmesh.MaxGroupMembers {
		return keyrotation.ErrGroupTooLarge
	}
	return nil
}

// wrapForMembers generates a fresh symmetric key and encrypts it for every
// member of the new set.
func wrapForMembers(
	ctx context.Context, s sqlstore.Store, members []feedmesh.Address,
) (map[feedmesh.Address][]byte, error) {
	key, err := encryption.NewSymmetricKey()
	if err != nil {
		return nil, fmt.Errorf("generating group key: %s", err)
	}
	profiles, err := s.GetProfiles(ctx, members)
	if err != nil {
		return nil, fmt.Errorf("loading member profiles: %s", err)
	}
	out := make(map[feedmesh.Address][]byte, len(members))
	for _, member := range members {
		profile, ok := profiles[member]
		if !ok || profile.PublicEncryptionKey == "" {
			return nil, fmt.Errorf("%w: %s", keyrotation.ErrIdentityMissing, member)
		}
		wrapped, err := encryption.WrapKey(profile.PublicEncryptionKey, key)
		if err != nil {
			if errors.Is(err, encryption.ErrInvalidKeyFormat) {
				return nil, fmt.Errorf("%w: %s", keyrotation.ErrEncryptionFailed, member)
			}
			return nil, fmt.Errorf("wrapping key for %s: %s", member, err)
		}
		out[member] = wrapped
	}
	return out, nil
}
