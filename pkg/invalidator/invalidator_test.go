package invalidator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	kvimpl "github.com/feedmesh/go-feedmesh/pkg/kv/impl"
	"github.com/feedmesh/go-feedmesh/pkg/projections"
	sqlimpl "github.com/feedmesh/go-feedmesh/pkg/sqlstore/impl"
	"github.com/feedmesh/go-feedmesh/tests"
)

type fixture struct {
	inv          *Invalidator
	store        *sqlimpl.SQLStore
	identity     *projections.Identity
	userFeeds    *projections.UserFeeds
	feedMeta     *projections.FeedMetadata
	participants *projections.GroupParticipants
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlimpl.New(tests.Sqlite3URI(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	kv := kvimpl.NewMemStore("test")
	f := &fixture{
		store:        store,
		identity:     projections.NewIdentity(kv),
		userFeeds:    projections.NewUserFeeds(kv),
		feedMeta:     projections.NewFeedMetadata(kv),
		participants: projections.NewGroupParticipants(kv),
	}
	f.inv = New(store, f.identity, f.userFeeds, f.feedMeta, f.participants)
	return f
}

func TestIdentityUpdatedCascadesTitles(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.store.UpsertProfile(ctx, feedmesh.Profile{Address: "0xaaa", Alias: "alice"}))
	require.NoError(t, f.store.UpsertProfile(ctx, feedmesh.Profile{Address: "0xbbb", Alias: "bob"}))
	require.NoError(t, f.store.InsertFeed(ctx, feedmesh.Feed{
		FeedID: "chat-1",
		Type:   feedmesh.FeedTypeChat,
		Participants: []feedmesh.FeedParticipant{
			{FeedID: "chat-1", Address: "0xaaa", Role: feedmesh.RoleOwner},
			{FeedID: "chat-1", Address: "0xbbb", Role: feedmesh.RoleMember},
		},
	}))

	// Seed the cached state the event should mutate.
	f.identity.SetProfile(ctx, feedmesh.Profile{Address: "0xaaa", Alias: "alice"})
	f.feedMeta.SetOne(ctx, "0xbbb", "chat-1", projections.FeedMetaEntry{
		Title: "alice", Type: feedmesh.FeedTypeChat, Participants: []feedmesh.Address{"0xaaa", "0xbbb"},
	})

	require.NoError(t, f.store.UpsertProfile(ctx, feedmesh.Profile{Address: "0xaaa", Alias: "alicia"}))
	f.inv.Handle(ctx, feedmesh.IdentityUpdated{Address: "0xaaa", DisplayName: "alicia", BlockIndex: 50})

	// Profile blob is gone, display name and bob's chat title are fresh.
	_, ok := f.identity.GetProfile(ctx, "0xaaa")
	require.False(t, ok)
	names, ok := f.identity.GetDisplayNames(ctx, []feedmesh.Address{"0xaaa"})
	require.True(t, ok)
	require.Equal(t, "alicia", names["0xaaa"])
	meta, ok := f.feedMeta.GetAll(ctx, "0xbbb")
	require.True(t, ok)
	require.Equal(t, "alicia", meta["chat-1"].Title)
}

func TestMembershipEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	f.participants.SetMembers(ctx, "group-1", []feedmesh.Address{"0xaaa"})
	f.userFeeds.Set(ctx, "0xbbb", []feedmesh.FeedID{"other-feed"})
	f.participants.SetKeyGenerations(ctx, "group-1", projections.KeyGenerationBundle{})
	f.participants.SetEnrichedMembers(ctx, "group-1", []projections.EnrichedMember{
		{Address: "0xaaa", DisplayName: "alice", Role: feedmesh.RoleOwner},
	})

	f.inv.Handle(ctx, feedmesh.UserJoinedGroup{FeedID: "group-1", Address: "0xbbb", AtBlock: 10})

	members, ok := f.participants.GetMembers(ctx, "group-1")
	require.True(t, ok)
	require.ElementsMatch(t, []feedmesh.Address{"0xaaa", "0xbbb"}, members)
	feeds, ok := f.userFeeds.Get(ctx, "0xbbb")
	require.True(t, ok)
	require.ElementsMatch(t, []feedmesh.FeedID{"other-feed", "group-1"}, feeds)
	_, ok = f.participants.GetKeyGenerations(ctx, "group-1")
	require.False(t, ok)
	_, ok = f.participants.GetEnrichedMembers(ctx, "group-1")
	require.False(t, ok)

	f.inv.Handle(ctx, feedmesh.UserLeftGroup{FeedID: "group-1", Address: "0xbbb", AtBlock: 20})

	members, ok = f.participants.GetMembers(ctx, "group-1")
	require.True(t, ok)
	require.Equal(t, []feedmesh.Address{"0xaaa"}, members)
	feeds, ok = f.userFeeds.Get(ctx, "0xbbb")
	require.True(t, ok)
	require.Equal(t, []feedmesh.FeedID{"other-feed"}, feeds)
}

func TestGroupTitleChanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.store.InsertFeed(ctx, feedmesh.Feed{
		FeedID: "group-1",
		Type:   feedmesh.FeedTypeGroup,
		Title:  "old",
		Participants: []feedmesh.FeedParticipant{
			{FeedID: "group-1", Address: "0xaaa", Role: feedmesh.RoleOwner},
			{FeedID: "group-1", Address: "0xbbb", Role: feedmesh.RoleMember},
		},
	}))
	for _, viewer := range []feedmesh.Address{"0xaaa", "0xbbb"} {
		f.feedMeta.SetOne(ctx, viewer, "group-1", projections.FeedMetaEntry{
			Title: "old", Type: feedmesh.FeedTypeGroup, LastBlockIndex: 5,
			Participants: []feedmesh.Address{"0xaaa", "0xbbb"},
		})
	}

	f.inv.Handle(ctx, feedmesh.GroupTitleChanged{FeedID: "group-1", NewTitle: "new", AtBlock: 30})

	for _, viewer := range []feedmesh.Address{"0xaaa", "0xbbb"} {
		meta, ok := f.feedMeta.GetAll(ctx, viewer)
		require.True(t, ok)
		require.Equal(t, "new", meta["group-1"].Title)
		require.Equal(t, feedmesh.BlockIndex(30), meta["group-1"].LastBlockIndex)
	}
}
