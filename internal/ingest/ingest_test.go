package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	kvimpl "github.com/feedmesh/go-feedmesh/pkg/kv/impl"
	"github.com/feedmesh/go-feedmesh/pkg/projections"
	"github.com/feedmesh/go-feedmesh/pkg/sharedmemory"
	sqlimpl "github.com/feedmesh/go-feedmesh/pkg/sqlstore/impl"
	"github.com/feedmesh/go-feedmesh/tests"
)

func TestApplyFeedPopulatesMetadata(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.registerProfile("alice", "Alice", 5)
	fx.registerProfile("bob", "Bob", 8)

	err := fx.ing.ApplyFeed(ctx, feedmesh.Feed{
		FeedID:     "chat1",
		Type:       feedmesh.FeedTypeChat,
		BlockIndex: 10,
		CreatedAt:  10,
		Participants: []feedmesh.FeedParticipant{
			{FeedID: "chat1", Address: "alice", Role: feedmesh.RoleMember, JoinedAtBlock: 10},
			{FeedID: "chat1", Address: "bob", Role: feedmesh.RoleMember, JoinedAtBlock: 10},
		},
	})
	require.NoError(t, err)

	// Each side sees the counterpart's alias; the watermark is the max of
	// feed and participant profile blocks.
	entries, hit := fx.feedMeta.GetAll(ctx, "alice")
	require.True(t, hit)
	require.Equal(t, "Bob", entries["chat1"].Title)
	require.Equal(t, feedmesh.BlockIndex(10), entries["chat1"].LastBlockIndex)

	entries, hit = fx.feedMeta.GetAll(ctx, "bob")
	require.True(t, hit)
	require.Equal(t, "Alice", entries["chat1"].Title)

	feeds, hit := fx.userFeeds.Get(ctx, "alice")
	require.True(t, hit)
	require.Equal(t, []feedmesh.FeedID{"chat1"}, feeds)

	block, seen := fx.sm.GetLastFinalizedBlock()
	require.True(t, seen)
	require.Equal(t, feedmesh.BlockIndex(10), block)
}

func TestApplyMessageAdvancesWatermarks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.registerProfile("alice", "Alice", 5)
	fx.registerProfile("bob", "Bob", 5)
	require.NoError(t, fx.ing.ApplyFeed(ctx, feedmesh.Feed{
		FeedID:     "chat1",
		Type:       feedmesh.FeedTypeChat,
		BlockIndex: 10,
		CreatedAt:  10,
		Participants: []feedmesh.FeedParticipant{
			{FeedID: "chat1", Address: "alice", Role: feedmesh.RoleMember, JoinedAtBlock: 10},
			{FeedID: "chat1", Address: "bob", Role: feedmesh.RoleMember, JoinedAtBlock: 10},
		},
	}))

	msg := feedmesh.FeedMessage{
		MessageID:     "m1",
		FeedID:        "chat1",
		Content:       []byte("hello"),
		IssuerAddress: "alice",
		BlockIndex:    12,
		Timestamp:     time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, fx.ing.ApplyMessage(ctx, msg))

	tail, hit := fx.tail.Get(ctx, "chat1", nil)
	require.True(t, hit)
	require.Len(t, tail, 1)
	require.Equal(t, feedmesh.MessageID("m1"), tail[0].MessageID)

	for _, viewer := range []feedmesh.Address{"alice", "bob"} {
		entries, hit := fx.feedMeta.GetAll(ctx, viewer)
		require.True(t, hit)
		require.Equal(t, feedmesh.BlockIndex(12), entries["chat1"].LastBlockIndex)
	}

	feed, err := fx.store.GetFeed(ctx, "chat1")
	require.NoError(t, err)
	require.Equal(t, feedmesh.BlockIndex(12), feed.BlockIndex)

	block, _ := fx.sm.GetLastFinalizedBlock()
	require.Equal(t, feedmesh.BlockIndex(12), block)
}

func TestApplyProfilePublishesAndSkipsStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)

	require.NoError(t, fx.ing.ApplyProfile(ctx, feedmesh.Profile{
		Address: "alice", Alias: "Alice", BlockIndex: 5,
	}))
	require.Equal(t,
		feedmesh.IdentityUpdated{Address: "alice", DisplayName: "Alice", BlockIndex: 5},
		fx.bus.last())

	// An older finalized update must not clobber the newer state.
	require.NoError(t, fx.ing.ApplyProfile(ctx, feedmesh.Profile{
		Address: "alice", Alias: "Alicia", BlockIndex: 3,
	}))
	profile, err := fx.store.GetProfile(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "Alice", profile.Alias)
	require.Len(t, fx.bus.all(), 1)
}

func TestApplyReactionTally(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.registerProfile("alice", "Alice", 1)
	require.NoError(t, fx.ing.ApplyFeed(ctx, feedmesh.Feed{
		FeedID:     "f1",
		Type:       feedmesh.FeedTypePersonal,
		BlockIndex: 2,
		CreatedAt:  2,
		Participants: []feedmesh.FeedParticipant{
			{FeedID: "f1", Address: "alice", Role: feedmesh.RoleOwner, JoinedAtBlock: 2},
		},
	}))
	require.NoError(t, fx.ing.ApplyMessage(ctx, feedmesh.FeedMessage{
		MessageID: "m1", FeedID: "f1", IssuerAddress: "alice", BlockIndex: 3,
		Timestamp: time.Now().UTC(),
	}))

	require.NoError(t, fx.ing.ApplyReactionTally(ctx, feedmesh.ReactionTally{
		MessageID: "m1", Version: 7, TotalCount: 2,
		TallyC1: [][]byte{{0x01}}, TallyC2: [][]byte{{0x02}},
	}))

	tallies, maxVersion, err := fx.store.GetReactionTalliesSince(ctx, []feedmesh.FeedID{"f1"}, 0)
	require.NoError(t, err)
	require.Len(t, tallies, 1)
	require.Equal(t, int64(7), maxVersion)
}

type fixture struct {
	store     *sqlimpl.SQLStore
	sm        *sharedmemory.SharedMemory
	bus       *busRecorder
	feedMeta  *projections.FeedMetadata
	tail      *projections.MessageTail
	userFeeds *projections.UserFeeds
	ing       *Ingestor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlimpl.New(tests.Sqlite3URI(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	kv := kvimpl.NewMemStore("test")
	fx := &fixture{
		store:     store,
		sm:        sharedmemory.NewSharedMemory(),
		bus:       &busRecorder{},
		feedMeta:  projections.NewFeedMetadata(kv),
		tail:      projections.NewMessageTail(kv),
		userFeeds: projections.NewUserFeeds(kv),
	}
	fx.ing, err = New(store, fx.feedMeta, fx.tail, fx.userFeeds, fx.bus, fx.sm)
	require.NoError(t, err)
	return fx
}

func (fx *fixture) registerProfile(address feedmesh.Address, alias string, block feedmesh.BlockIndex) {
	if err := fx.store.UpsertProfile(context.Background(), feedmesh.Profile{
		Address:    address,
		Alias:      alias,
		BlockIndex: block,
	}); err != nil {
		panic(err)
	}
}

type busRecorder struct {
	mu     sync.Mutex
	events []feedmesh.Event
}

func (r *busRecorder) Publish(e feedmesh.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *busRecorder) last() feedmesh.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

func (r *busRecorder) all() []feedmesh.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]feedmesh.Event(nil), r.events...)
}
