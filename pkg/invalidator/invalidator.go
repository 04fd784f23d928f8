// Package invalidator subscribes to finalization events and translates
// them into targeted cache mutations. Handlers only best-effort repair the
// projections; a failed write is logged and the entry heals on the next
// read-through or TTL expiry.
package invalidator

import (
	"context"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/eventbus"
	"github.com/feedmesh/go-feedmesh/pkg/projections"
	"github.com/feedmesh/go-feedmesh/pkg/sqlstore"
)

// Invalidator repairs cache projections in response to domain events.
type Invalidator struct {
	store        sqlstore.Store
	identity     *projections.Identity
	userFeeds    *projections.UserFeeds
	feedMeta     *projections.FeedMetadata
	participants *projections.GroupParticipants

	log zerolog.Logger
}

// New creates an Invalidator over the given projections.
func New(
	store sqlstore.Store,
	identity *projections.Identity,
	userFeeds *projections.UserFeeds,
	feedMeta *projections.FeedMetadata,
	participants *projections.GroupParticipants,
) *Invalidator {
	return &Invalidator{
		store:        store,
		identity:     identity,
		userFeeds:    userFeeds,
		feedMeta:     feedMeta,
		participants: participants,
		log:          logger.With().Str("component", "invalidator").Logger(),
	}
}

// Register subscribes the handlers on the bus.
func (i *Invalidator) Register(bus *eventbus.Bus) {
	bus.Subscribe("invalidator", i.Handle)
}

// Handle dispatches one event to its handler.
func (i *Invalidator) Handle(ctx context.Context, e feedmesh.Event) {
	switch ev := e.(type) {
	case feedmesh.IdentityUpdated:
		i.identityUpdated(ctx, ev)
	case feedmesh.UserJoinedGroup:
		i.memberAdded(ctx, ev.FeedID, ev.Address)
	case feedmesh.UserLeftGroup:
		i.memberRemoved(ctx, ev.FeedID, ev.Address)
	case feedmesh.UserBannedFromGroup:
		i.memberRemoved(ctx, ev.FeedID, ev.Address)
	case feedmesh.GroupTitleChanged:
		i.titleChanged(ctx, ev)
	default:
		i.log.Debug().Str("event", e.EventName()).Msg("ignoring event")
	}
}

// identityUpdated drops the stale profile blob, rewrites the global
// display name and cascades the new alias into every feed title that
// derives from it.
func (i *Invalidator) identityUpdated(ctx context.Context, ev feedmesh.IdentityUpdated) {
	i.identity.InvalidateProfile(ctx, ev.Address)
	i.identity.SetDisplayName(ctx, ev.Address, ev.DisplayName)

	feeds, err := i.store.GetFeedsForAddress(ctx, ev.Address)
	if err != nil {
		i.log.Warn().Err(err).Str("address", string(ev.Address)).Msg("loading feeds for identity update")
		return
	}
	addresses := map[feedmesh.Address]struct{}{}
	for _, feed := range feeds {
		i.participants.InvalidateEnrichedMembers(ctx, feed.FeedID)
		for _, p := range feed.Participants {
			addresses[p.Address] = struct{}{}
		}
	}
	if len(feeds) == 0 {
		return
	}
	all := make([]feedmesh.Address, 0, len(addresses))
	for a := range addresses {
		all = append(all, a)
	}
	profiles, err := i.store.GetProfiles(ctx, all)
	if err != nil {
		i.log.Warn().Err(err).Msg("loading profiles for title cascade")
		return
	}
	for _, feed := range feeds {
		for _, p := range feed.Participants {
			if !p.Active() {
				continue
			}
			title, err := feedmesh.FeedTitle(feed, p.Address, profiles)
			if err != nil {
				i.log.Warn().Err(err).Str("feedId", string(feed.FeedID)).Msg("computing feed title")
				continue
			}
			i.feedMeta.UpdateTitle(ctx, p.Address, feed.FeedID, title)
			i.feedMeta.UpdateLastBlockIndex(ctx, p.Address, feed.FeedID, ev.BlockIndex)
		}
	}
}

// memberAdded repairs the projections after a join or unban.
func (i *Invalidator) memberAdded(ctx context.Context, feedID feedmesh.FeedID, address feedmesh.Address) {
	i.participants.AddMember(ctx, feedID, address)
	i.participants.InvalidateKeyGenerations(ctx, feedID)
	i.participants.InvalidateEnrichedMembers(ctx, feedID)
	i.userFeeds.Add(ctx, address, feedID)
}

// memberRemoved repairs the projections after a leave or ban.
func (i *Invalidator) memberRemoved(ctx context.Context, feedID feedmesh.FeedID, address feedmesh.Address) {
	i.participants.RemoveMember(ctx, feedID, address)
	i.participants.InvalidateKeyGenerations(ctx, feedID)
	i.participants.InvalidateEnrichedMembers(ctx, feedID)
	i.userFeeds.Remove(ctx, address, feedID)
	i.feedMeta.Remove(ctx, address, feedID)
}

// titleChanged rewrites the cached metadata title for every active
// participant of the feed.
func (i *Invalidator) titleChanged(ctx context.Context, ev feedmesh.GroupTitleChanged) {
	participants, err := i.store.GetActiveParticipants(ctx, ev.FeedID)
	if err != nil {
		i.log.Warn().Err(err).Str("feedId", string(ev.FeedID)).Msg("loading participants for title change")
		return
	}
	for _, p := range participants {
		i.feedMeta.UpdateTitle(ctx, p.Address, ev.FeedID, ev.NewTitle)
		i.feedMeta.UpdateLastBlockIndex(ctx, p.Address, ev.FeedID, ev.AtBlock)
	}
}
