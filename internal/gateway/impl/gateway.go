package impl

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/internal/gateway"
	"github.com/feedmesh/go-feedmesh/pkg/projections"
	"github.com/feedmesh/go-feedmesh/pkg/sqlstore"
)

// GatewayService implements gateway.Gateway: read-through handlers over
// the projections with the durable store as fallback. Cache failures never
// fail a request; database failures do.
type GatewayService struct {
	store        sqlstore.Store
	userFeeds    *projections.UserFeeds
	feedMeta     *projections.FeedMetadata
	tail         *projections.MessageTail
	readMarks    *projections.ReadMarks
	identity     *projections.Identity
	participants *projections.GroupParticipants

	// group collapses concurrent identical cache repopulations.
	group singleflight.Group
	log   zerolog.Logger
}

var _ gateway.Gateway = (*GatewayService)(nil)

// NewGateway creates a new gateway service.
func NewGateway(
	store sqlstore.Store,
	userFeeds *projections.UserFeeds,
	feedMeta *projections.FeedMetadata,
	tail *projections.MessageTail,
	readMarks *projections.ReadMarks,
	identity *projections.Identity,
	participants *projections.GroupParticipants,
) *GatewayService {
	return &GatewayService{
		store:        store,
		userFeeds:    userFeeds,
		feedMeta:     feedMeta,
		tail:         tail,
		readMarks:    readMarks,
		identity:     identity,
		participants: participants,
		log:          logger.With().Str("component", "gateway").Logger(),
	}
}

// HasPersonalFeed implements gateway.Gateway.
func (g *GatewayService) HasPersonalFeed(ctx context.Context, address feedmesh.Address) (bool, error) {
	return g.store.HasPersonalFeed(ctx, address)
}

// IsFeedInBlockchain implements gateway.Gateway.
func (g *GatewayService) IsFeedInBlockchain(ctx context.Context, feedID feedmesh.FeedID) (bool, error) {
	return g.store.FeedExists(ctx, feedID)
}

// GetFeeds implements gateway.Gateway. Feeds whose effective block index
// is not past sinceBlock are omitted: the client already has them.
func (g *GatewayService) GetFeeds(
	ctx context.Context, address feedmesh.Address, sinceBlock feedmesh.BlockIndex,
) ([]gateway.FeedInfo, error) {
	entries, ok := g.feedMeta.GetAll(ctx, address)
	if !ok {
		derived, err := g.deriveFeedMetadata(ctx, address)
		if err != nil {
			return nil, err
		}
		entries = derived
	}
	out := make([]gateway.FeedInfo, 0, len(entries))
	for feedID, entry := range entries {
		if sinceBlock > 0 && entry.LastBlockIndex <= sinceBlock {
			continue
		}
		out = append(out, gateway.FeedInfo{
			FeedID:              feedID,
			Title:               entry.Title,
			Type:                entry.Type,
			EffectiveBlockIndex: entry.LastBlockIndex,
			Participants:        entry.Participants,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EffectiveBlockIndex > out[j].EffectiveBlockIndex })
	return out, nil
}

// deriveFeedMetadata rebuilds the per-user metadata hash from the
// database. Concurrent misses for the same address collapse into one
// derivation.
func (g *GatewayService) deriveFeedMetadata(
	ctx context.Context, address feedmesh.Address,
) (map[feedmesh.FeedID]projections.FeedMetaEntry, error) {
	res, err, _ := g.group.Do("feedmeta:"+string(address), func() (interface{}, error) {
		feeds, err := g.store.GetFeedsForAddress(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("loading feeds: %s", err)
		}
		profiles, err := g.loadParticipantProfiles(ctx, feeds, address)
		if err != nil {
			return nil, err
		}

		entries := make(map[feedmesh.FeedID]projections.FeedMetaEntry, len(feeds))
		feedIDs := make([]feedmesh.FeedID, 0, len(feeds))
		for _, feed := range feeds {
			title, err := feedmesh.FeedTitle(feed, address, profiles)
			if err != nil {
				return nil, fmt.Errorf("computing feed title: %s", err)
			}
			entry := projections.FeedMetaEntry{
				Title:          title,
				Type:           feed.Type,
				LastBlockIndex: effectiveBlock(feed, profiles),
				CreatedAtBlock: feed.CreatedAt,
			}
			for _, p := range feed.Participants {
				if p.Active() {
					entry.Participants = append(entry.Participants, p.Address)
				}
			}
			if feed.Type == feedmesh.FeedTypeGroup {
				gen, found, err := g.store.GetMaxGeneration(ctx, feed.FeedID)
				if err != nil {
					return nil, fmt.Errorf("loading current generation: %s", err)
				}
				if found {
					entry.CurrentKeyGeneration = &gen
				}
			}
			entries[feed.FeedID] = entry
			feedIDs = append(feedIDs, feed.FeedID)
		}

		g.feedMeta.SetMany(ctx, address, entries)
		g.userFeeds.Set(ctx, address, feedIDs)
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(map[feedmesh.FeedID]projections.FeedMetaEntry), nil
}

// GetFeedMessages implements gateway.Gateway.
func (g *GatewayService) GetFeedMessages(
	ctx context.Context,
	address feedmesh.Address,
	sinceBlock feedmesh.BlockIndex,
	sinceTallyVersion int64,
) (gateway.FeedMessagesResult, error) {
	feedIDs, err := g.userFeedIDs(ctx, address)
	if err != nil {
		return gateway.FeedMessagesResult{}, err
	}

	var msgs []feedmesh.FeedMessage
	for _, feedID := range feedIDs {
		feedMsgs, err := g.feedTail(ctx, feedID, sinceBlock)
		if err != nil {
			return gateway.FeedMessagesResult{}, err
		}
		msgs = append(msgs, feedMsgs...)
	}

	names, err := g.resolveDisplayNames(ctx, issuerAddresses(msgs))
	if err != nil {
		return gateway.FeedMessagesResult{}, err
	}

	tallies, maxVersion, err := g.store.GetReactionTalliesSince(ctx, feedIDs, sinceTallyVersion)
	if err != nil {
		return gateway.FeedMessagesResult{}, fmt.Errorf("loading reaction tallies: %s", err)
	}

	out := gateway.FeedMessagesResult{
		Messages:        make([]gateway.Message, len(msgs)),
		ReactionTallies: tallies,
		MaxTallyVersion: maxVersion,
	}
	for i, msg := range msgs {
		out.Messages[i] = gateway.Message{
			FeedMessage:       msg,
			IssuerDisplayName: names[msg.IssuerAddress],
		}
	}
	return out, nil
}

// userFeedIDs enumerates the user's feeds through the user-feeds
// projection, repopulating from the database on miss.
func (g *GatewayService) userFeedIDs(ctx context.Context, address feedmesh.Address) ([]feedmesh.FeedID, error) {
	if feedIDs, ok := g.userFeeds.Get(ctx, address); ok {
		return feedIDs, nil
	}
	res, err, _ := g.group.Do("userfeeds:"+string(address), func() (interface{}, error) {
		feeds, err := g.store.GetFeedsForAddress(ctx, address)
		if err != nil {
			return nil, fmt.Errorf("loading feeds: %s", err)
		}
		feedIDs := make([]feedmesh.FeedID, len(feeds))
		for i, feed := range feeds {
			feedIDs[i] = feed.FeedID
		}
		g.userFeeds.Set(ctx, address, feedIDs)
		return feedIDs, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]feedmesh.FeedID), nil
}

// feedTail reads one feed's message tail, repopulating from the database
// on miss, and filters to blockIndex > sinceBlock.
func (g *GatewayService) feedTail(
	ctx context.Context, feedID feedmesh.FeedID, sinceBlock feedmesh.BlockIndex,
) ([]feedmesh.FeedMessage, error) {
	since := &sinceBlock
	if sinceBlock == 0 {
		since = nil
	}
	if msgs, ok := g.tail.Get(ctx, feedID, since); ok {
		return msgs, nil
	}
	res, err, _ := g.group.Do("tail:"+string(feedID), func() (interface{}, error) {
		msgs, err := g.store.GetFeedMessages(ctx, feedID, 0, projections.TailLength)
		if err != nil {
			return nil, fmt.Errorf("loading feed messages: %s", err)
		}
		g.tail.Populate(ctx, feedID, msgs)
		return msgs, nil
	})
	if err != nil {
		return nil, err
	}
	msgs := res.([]feedmesh.FeedMessage)
	if sinceBlock == 0 {
		return msgs, nil
	}
	var filtered []feedmesh.FeedMessage
	for _, msg := range msgs {
		if msg.BlockIndex > sinceBlock {
			filtered = append(filtered, msg)
		}
	}
	return filtered, nil
}

// issuerAddresses collects the distinct issuers of a message batch.
func issuerAddresses(msgs []feedmesh.FeedMessage) []feedmesh.Address {
	seen := map[feedmesh.Address]struct{}{}
	var out []feedmesh.Address
	for _, msg := range msgs {
		if _, ok := seen[msg.IssuerAddress]; ok {
			continue
		}
		seen[msg.IssuerAddress] = struct{}{}
		out = append(out, msg.IssuerAddress)
	}
	return out
}

// resolveDisplayNames resolves addresses through the global display-name
// hash in one round-trip and back-fills misses from the database.
func (g *GatewayService) resolveDisplayNames(
	ctx context.Context, addresses []feedmesh.Address,
) (map[feedmesh.Address]string, error) {
	if len(addresses) == 0 {
		return map[feedmesh.Address]string{}, nil
	}
	names, ok := g.identity.GetDisplayNames(ctx, addresses)
	if !ok {
		names = map[feedmesh.Address]string{}
	}
	var missing []feedmesh.Address
	for _, a := range addresses {
		if _, ok := names[a]; !ok {
			missing = append(missing, a)
		}
	}
	if len(missing) == 0 {
		return names, nil
	}
	profiles, err := g.store.GetProfiles(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("loading profiles for display names: %s", err)
	}
	backfill := make(map[feedmesh.Address]string, len(profiles))
	for a, p := range profiles {
		names[a] = p.Alias
		backfill[a] = p.Alias
	}
	g.identity.SetDisplayNames(ctx, backfill)
	return names, nil
}

// GetMessageByID implements gateway.Gateway. Single-message lookups go
// straight to the database; there is no dedicated cache.
func (g *GatewayService) GetMessageByID(
	ctx context.Context, messageID feedmesh.MessageID,
) (feedmesh.FeedMessage, error) {
	msg, err := g.store.GetMessage(ctx, messageID)
	if errors.Is(err, sqlstore.ErrNotFound) {
		return feedmesh.FeedMessage{}, gateway.ErrMessageNotFound
	}
	if err != nil {
		return feedmesh.FeedMessage{}, fmt.Errorf("loading message: %s", err)
	}
	return msg, nil
}

// GetGroupMembers implements gateway.Gateway. Departed members are
// included; clients need them to render history.
func (g *GatewayService) GetGroupMembers(
	ctx context.Context, feedID feedmesh.FeedID,
) ([]projections.EnrichedMember, error) {
	if members, ok := g.participants.GetEnrichedMembers(ctx, feedID); ok {
		return members, nil
	}
	res, err, _ := g.group.Do("members:"+string(feedID), func() (interface{}, error) {
		exists, err := g.store.FeedExists(ctx, feedID)
		if err != nil {
			return nil, fmt.Errorf("checking feed: %s", err)
		}
		if !exists {
			return nil, gateway.ErrFeedNotFound
		}
		participants, err := g.store.GetParticipants(ctx, feedID)
		if err != nil {
			return nil, fmt.Errorf("loading participants: %s", err)
		}
		addresses := make([]feedmesh.Address, len(participants))
		for i, p := range participants {
			addresses[i] = p.Address
		}
		names, err := g.resolveDisplayNames(ctx, addresses)
		if err != nil {
			return nil, err
		}
		members := make([]projections.EnrichedMember, len(participants))
		for i, p := range participants {
			members[i] = projections.EnrichedMember{
				Address:       p.Address,
				DisplayName:   names[p.Address],
				Role:          p.Role,
				JoinedAtBlock: p.JoinedAtBlock,
				LeftAtBlock:   p.LeftAtBlock,
			}
		}
		g.participants.SetEnrichedMembers(ctx, feedID, members)
		return members, nil
	})
	if err != nil {
		return nil, err
	}
	return res.([]projections.EnrichedMember), nil
}

// GetKeyGenerations implements gateway.Gateway. The response carries only
// the requester's wrapped key per generation, and never validToBlock.
func (g *GatewayService) GetKeyGenerations(
	ctx context.Context, feedID feedmesh.FeedID, requester feedmesh.Address,
) ([]gateway.KeyGenerationInfo, error) {
	bundle, ok := g.participants.GetKeyGenerations(ctx, feedID)
	if !ok {
		res, err, _ := g.group.Do("keygens:"+string(feedID), func() (interface{}, error) {
			gens, err := g.store.GetKeyGenerations(ctx, feedID)
			if err != nil {
				return nil, fmt.Errorf("loading key generations: %s", err)
			}
			if len(gens) == 0 {
				return nil, gateway.ErrFeedNotFound
			}
			fresh := projections.KeyGenerationBundle{
				KeyGenerations: make([]projections.CachedKeyGeneration, len(gens)),
			}
			for i, gen := range gens {
				fresh.KeyGenerations[i] = projections.CachedKeyGeneration{
					Version:        gen.Generation,
					ValidFromBlock: gen.ValidFromBlock,
					ValidToBlock:   gen.ValidToBlock,
					EncryptedKeys:  gen.EncryptedKeys,
				}
			}
			g.participants.SetKeyGenerations(ctx, feedID, fresh)
			return fresh, nil
		})
		if err != nil {
			return nil, err
		}
		bundle = res.(projections.KeyGenerationBundle)
	}

	out := make([]gateway.KeyGenerationInfo, len(bundle.KeyGenerations))
	for i, gen := range bundle.KeyGenerations {
		out[i] = gateway.KeyGenerationInfo{
			Generation:               gen.Version,
			ValidFromBlock:           gen.ValidFromBlock,
			EncryptedKeyForRequester: gen.EncryptedKeys[requester],
		}
	}
	return out, nil
}

// GetReadPositions implements gateway.Gateway.
func (g *GatewayService) GetReadPositions(
	ctx context.Context, address feedmesh.Address,
) (map[feedmesh.FeedID]feedmesh.BlockIndex, error) {
	feedIDs, err := g.userFeedIDs(ctx, address)
	if err != nil {
		return nil, err
	}
	if positions, ok := g.readMarks.GetAll(ctx, address, feedIDs); ok {
		return positions, nil
	}
	positions, err := g.store.GetReadPositions(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("loading read positions: %s", err)
	}
	g.readMarks.SetAll(ctx, address, positions)
	return positions, nil
}

// SetReadPosition implements gateway.Gateway. The database is
// authoritative for the MAX-wins result; the cached watermark advances
// best-effort.
func (g *GatewayService) SetReadPosition(
	ctx context.Context, address feedmesh.Address, feedID feedmesh.FeedID, blockIndex feedmesh.BlockIndex,
) (bool, error) {
	moved, err := g.store.UpsertReadPosition(ctx, address, feedID, blockIndex)
	if err != nil {
		return false, fmt.Errorf("upserting read position: %s", err)
	}
	g.readMarks.Set(ctx, address, feedID, blockIndex)
	return moved, nil
}

// effectiveBlock computes the client-visible block index of a feed: the
// max of the feed's own index and every active participant's profile
// index.
func effectiveBlock(feed feedmesh.Feed, profiles map[feedmesh.Address]feedmesh.Profile) feedmesh.BlockIndex {
	blocks := make([]feedmesh.BlockIndex, 0, len(feed.Participants))
	for _, p := range feed.Participants {
		if p.Active() {
			blocks = append(blocks, profiles[p.Address].BlockIndex)
		}
	}
	return feedmesh.EffectiveBlockIndex(feed.BlockIndex, blocks)
}

// loadParticipantProfiles loads every profile referenced by the feeds plus
// the viewer's own in one query.
func (g *GatewayService) loadParticipantProfiles(
	ctx context.Context, feeds []feedmesh.Feed, viewer feedmesh.Address,
) (map[feedmesh.Address]feedmesh.Profile, error) {
	seen := map[feedmesh.Address]struct{}{viewer: {}}
	for _, feed := range feeds {
		for _, p := range feed.Participants {
			seen[p.Address] = struct{}{}
		}
	}
	addresses := make([]feedmesh.Address, 0, len(seen))
	for a := range seen {
		addresses = append(addresses, a)
	}
	profiles, err := g.store.GetProfiles(ctx, addresses)
	if err != nil {
		return nil, fmt.Errorf("loading participant profiles: %s", err)
	}
	return profiles, nil
}
