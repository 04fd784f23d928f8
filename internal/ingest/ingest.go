// Package ingest applies finalized chain entries to the durable store and
// keeps the hot projections write-through fresh. It is the only writer of
// the finalization watermark.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric/global"
	"go.opentelemetry.io/otel/metric/instrument"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/metrics"
	"github.com/feedmesh/go-feedmesh/pkg/projections"
	"github.com/feedmesh/go-feedmesh/pkg/sharedmemory"
	"github.com/feedmesh/go-feedmesh/pkg/sqlstore"
)

// Publisher is the outbound event port.
type Publisher interface {
	Publish(e feedmesh.Event)
}

// Ingestor persists finalized entries and updates the projections that
// can be repaired incrementally. Projection failures are logged, never
// returned: the durable write is the one that matters.
type Ingestor struct {
	store     sqlstore.Store
	feedMeta  *projections.FeedMetadata
	tail      *projections.MessageTail
	userFeeds *projections.UserFeeds
	bus       Publisher
	sm        *sharedmemory.SharedMemory

	log          zerolog.Logger
	appliedCount instrument.Int64Counter
}

// New creates a new Ingestor.
func New(
	store sqlstore.Store,
	feedMeta *projections.FeedMetadata,
	tail *projections.MessageTail,
	userFeeds *projections.UserFeeds,
	bus Publisher,
	sm *sharedmemory.SharedMemory,
) (*Ingestor, error) {
	meter := global.MeterProvider().Meter("feedmesh")
	appliedCount, err := meter.Int64Counter("feedmesh.ingest.applied")
	if err != nil {
		return nil, fmt.Errorf("registering applied counter: %s", err)
	}
	return &Ingestor{
		store:        store,
		feedMeta:     feedMeta,
		tail:         tail,
		userFeeds:    userFeeds,
		bus:          bus,
		sm:           sm,
		log:          logger.With().Str("component", "ingest").Logger(),
		appliedCount: appliedCount,
	}, nil
}

func (i *Ingestor) applied(ctx context.Context, kind string) {
	attributes := append([]attribute.KeyValue{
		{Key: "kind", Value: attribute.StringValue(kind)},
	}, metrics.BaseAttrs...)
	i.appliedCount.Add(ctx, 1, attributes...)
}

// ApplyProfile upserts a finalized identity registration or update and
// publishes the change so dependent caches get repaired.
func (i *Ingestor) ApplyProfile(ctx context.Context, profile feedmesh.Profile) error {
	prior, err := i.store.GetProfile(ctx, profile.Address)
	if err != nil && !errors.Is(err, sqlstore.ErrNotFound) {
		return fmt.Errorf("loading prior profile: %s", err)
	}
	if err == nil && prior.BlockIndex >= profile.BlockIndex {
		i.log.Debug().Str("address", string(profile.Address)).Msg("skipping stale profile update")
		return nil
	}
	if err := i.store.UpsertProfile(ctx, profile); err != nil {
		return fmt.Errorf("upserting profile: %s", err)
	}
	i.sm.SetLastFinalizedBlock(profile.BlockIndex)
	i.bus.Publish(feedmesh.IdentityUpdated{
		Address:     profile.Address,
		DisplayName: profile.Alias,
		BlockIndex:  profile.BlockIndex,
	})
	i.applied(ctx, "profile")
	return nil
}

// ApplyFeed persists a newly finalized feed and pre-warms the per-viewer
// feed metadata of every active participant.
func (i *Ingestor) ApplyFeed(ctx context.Context, feed feedmesh.Feed) error {
	if err := i.store.InsertFeed(ctx, feed); err != nil {
		return fmt.Errorf("inserting feed: %s", err)
	}
	i.sm.SetLastFinalizedBlock(feed.BlockIndex)
	i.applied(ctx, "feed")

	active := make([]feedmesh.Address, 0, len(feed.Participants))
	for _, p := range feed.Participants {
		if p.Active() {
			active = append(active, p.Address)
		}
	}
	profiles, err := i.store.GetProfiles(ctx, active)
	if err != nil {
		i.log.Warn().Err(err).Str("feedId", string(feed.FeedID)).Msg("loading profiles for feed metadata")
		return nil
	}
	blocks := make([]feedmesh.BlockIndex, 0, len(profiles))
	for _, p := range profiles {
		blocks = append(blocks, p.BlockIndex)
	}
	effective := feedmesh.EffectiveBlockIndex(feed.BlockIndex, blocks)

	for _, viewer := range active {
		title, err := feedmesh.FeedTitle(feed, viewer, profiles)
		if err != nil {
			i.log.Warn().Err(err).Str("feedId", string(feed.FeedID)).Msg("computing feed title")
			continue
		}
		i.feedMeta.SetOne(ctx, viewer, feed.FeedID, projections.FeedMetaEntry{
			Title:          title,
			Type:           feed.Type,
			LastBlockIndex: effective,
			Participants:   active,
			CreatedAtBlock: feed.CreatedAt,
		})
		i.userFeeds.Add(ctx, viewer, feed.FeedID)
	}
	return nil
}

// ApplyMessage persists a finalized message, pushes it onto the feed's
// tail and advances the feed watermark of every active participant.
func (i *Ingestor) ApplyMessage(ctx context.Context, msg feedmesh.FeedMessage) error {
	if err := i.store.InsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("inserting message: %s", err)
	}
	if err := i.store.UpdateFeedBlockIndex(ctx, msg.FeedID, msg.BlockIndex); err != nil {
		i.log.Warn().Err(err).Str("feedId", string(msg.FeedID)).Msg("bumping feed block index")
	}
	i.sm.SetLastFinalizedBlock(msg.BlockIndex)
	i.applied(ctx, "message")

	i.tail.Add(ctx, msg.FeedID, msg)
	participants, err := i.store.GetActiveParticipants(ctx, msg.FeedID)
	if err != nil {
		i.log.Warn().Err(err).Str("feedId", string(msg.FeedID)).Msg("loading participants for message")
		return nil
	}
	for _, p := range participants {
		i.feedMeta.UpdateLastBlockIndex(ctx, p.Address, msg.FeedID, msg.BlockIndex)
	}
	return nil
}

// ApplyReactionTally persists a finalized reaction tally aggregate.
func (i *Ingestor) ApplyReactionTally(ctx context.Context, tally feedmesh.ReactionTally) error {
	if err := i.store.UpsertReactionTally(ctx, tally); err != nil {
		return fmt.Errorf("upserting reaction tally: %s", err)
	}
	i.applied(ctx, "reaction_tally")
	return nil
}
