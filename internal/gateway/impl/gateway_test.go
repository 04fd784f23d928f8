package impl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/internal/gateway"
	kvimpl "github.com/feedmesh/go-feedmesh/pkg/kv/impl"
	"github.com/feedmesh/go-feedmesh/pkg/projections"
	sqlimpl "github.com/feedmesh/go-feedmesh/pkg/sqlstore/impl"
	"github.com/feedmesh/go-feedmesh/tests"
)

type fixture struct {
	gw           *GatewayService
	store        *sqlimpl.SQLStore
	kv           *kvimpl.MemStore
	userFeeds    *projections.UserFeeds
	feedMeta     *projections.FeedMetadata
	tail         *projections.MessageTail
	readMarks    *projections.ReadMarks
	identity     *projections.Identity
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
		kv:           kv,
		userFeeds:    projections.NewUserFeeds(kv),
		feedMeta:     projections.NewFeedMetadata(kv),
		tail:         projections.NewMessageTail(kv),
		readMarks:    projections.NewReadMarks(kv),
		identity:     projections.NewIdentity(kv),
		participants: projections.NewGroupParticipants(kv),
	}
	f.gw = NewGateway(store, f.userFeeds, f.feedMeta, f.tail, f.readMarks, f.identity, f.participants)
	return f
}

func (f *fixture) registerProfile(t *testing.T, address feedmesh.Address, alias string, block feedmesh.BlockIndex) {
	t.Helper()
	require.NoError(t, f.store.UpsertProfile(context.Background(), feedmesh.Profile{
		Address: address, Alias: alias, PublicEncryptionKey: "04deadbeef", BlockIndex: block,
	}))
}

func (f *fixture) insertChat(t *testing.T, feedID feedmesh.FeedID, a, b feedmesh.Address, block feedmesh.BlockIndex) {
	t.Helper()
	require.NoError(t, f.store.InsertFeed(context.Background(), feedmesh.Feed{
		FeedID: feedID, Type: feedmesh.FeedTypeChat, BlockIndex: block, CreatedAt: block,
		Participants: []feedmesh.FeedParticipant{
			{FeedID: feedID, Address: a, Role: feedmesh.RoleOwner, JoinedAtBlock: block},
			{FeedID: feedID, Address: b, Role: feedmesh.RoleMember, JoinedAtBlock: block},
		},
	}))
}

func TestGetFeedsDerivesTitlesAndEffectiveBlock(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	// Bob's profile moved at block 15, past the feed's own block 10.
	f.registerProfile(t, "0xalice", "Alice", 5)
	f.registerProfile(t, "0xbob", "Bob", 15)
	f.insertChat(t, "chat-1", "0xalice", "0xbob", 10)

	feeds, err := f.gw.GetFeeds(ctx, "0xalice", 0)
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	require.Equal(t, "Bob", feeds[0].Title)
	require.Equal(t, feedmesh.FeedTypeChat, feeds[0].Type)
	require.Equal(t, feedmesh.BlockIndex(15), feeds[0].EffectiveBlockIndex)
	require.ElementsMatch(t, []feedmesh.Address{"0xalice", "0xbob"}, feeds[0].Participants)

	// Bob sees Alice's alias for the same feed.
	feeds, err = f.gw.GetFeeds(ctx, "0xbob", 0)
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	require.Equal(t, "Alice", feeds[0].Title)

	// The derivation populated the metadata hash; a second call hits it.
	meta, ok := f.feedMeta.GetAll(ctx, "0xalice")
	require.True(t, ok)
	require.Equal(t, "Bob", meta["chat-1"].Title)

	// sinceBlock at the effective index filters the feed out.
	feeds, err = f.gw.GetFeeds(ctx, "0xalice", 15)
	require.NoError(t, err)
	require.Empty(t, feeds)
}

func TestGetFeedsPersonalTitle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	f.registerProfile(t, "0xalice", "Alice", 5)
	require.NoError(t, f.store.InsertFeed(ctx, feedmesh.Feed{
		FeedID: "personal-1", Type: feedmesh.FeedTypePersonal, BlockIndex: 5, CreatedAt: 5,
		Participants: []feedmesh.FeedParticipant{
			{FeedID: "personal-1", Address: "0xalice", Role: feedmesh.RoleOwner, JoinedAtBlock: 5},
		},
	}))

	feeds, err := f.gw.GetFeeds(ctx, "0xalice", 0)
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	require.Equal(t, "Alice (YOU)", feeds[0].Title)
}

func TestGetFeedsSurvivesCacheFlush(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	f.registerProfile(t, "0xalice", "Alice", 5)
	f.registerProfile(t, "0xbob", "Bob", 5)
	f.insertChat(t, "chat-1", "0xalice", "0xbob", 10)

	first, err := f.gw.GetFeeds(ctx, "0xalice", 0)
	require.NoError(t, err)

	f.kv.Flush()

	second, err := f.gw.GetFeeds(ctx, "0xalice", 0)
	require.NoError(t, err)
	require.Equal(t, first, second)
	_, ok := f.feedMeta.GetAll(ctx, "0xalice")
	require.True(t, ok)
}

func TestGetFeedMessages(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	f.registerProfile(t, "0xalice", "Alice", 5)
	f.registerProfile(t, "0xbob", "Bob", 5)
	f.insertChat(t, "chat-1", "0xalice", "0xbob", 10)

	now := time.Now().UTC().Truncate(time.Second)
	for i, id := range []feedmesh.MessageID{"msg-1", "msg-2", "msg-3"} {
		require.NoError(t, f.store.InsertMessage(ctx, feedmesh.FeedMessage{
			MessageID: id, FeedID: "chat-1", Content: []byte("ciphertext"),
			IssuerAddress: "0xbob", BlockIndex: feedmesh.BlockIndex(11 + i),
			Timestamp: now.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, f.store.UpsertReactionTally(ctx, feedmesh.ReactionTally{
		MessageID: "msg-1", Version: 4, TotalCount: 1,
		TallyC1: [][]byte{[]byte("p")}, TallyC2: [][]byte{[]byte("q")},
	}))

	res, err := f.gw.GetFeedMessages(ctx, "0xalice", 11, 0)
	require.NoError(t, err)
	require.Len(t, res.Messages, 2)
	for _, msg := range res.Messages {
		require.Equal(t, "Bob", msg.IssuerDisplayName)
		require.Greater(t, uint64(msg.BlockIndex), uint64(11))
	}
	require.Len(t, res.ReactionTallies, 1)
	require.Equal(t, int64(4), res.MaxTallyVersion)

	// The read populated the tail; display names landed in the hash.
	msgs, ok := f.tail.Get(ctx, "chat-1", nil)
	require.True(t, ok)
	require.Len(t, msgs, 3)
	require.Equal(t, feedmesh.MessageID("msg-3"), msgs[0].MessageID)
	names, ok := f.identity.GetDisplayNames(ctx, []feedmesh.Address{"0xbob"})
	require.True(t, ok)
	require.Equal(t, "Bob", names["0xbob"])
}

func TestGetMessageByID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.gw.GetMessageByID(ctx, "msg-404")
	require.ErrorIs(t, err, gateway.ErrMessageNotFound)

	require.NoError(t, f.store.InsertMessage(ctx, feedmesh.FeedMessage{
		MessageID: "msg-1", FeedID: "chat-1", Content: []byte("c"),
		IssuerAddress: "0xbob", BlockIndex: 12, Timestamp: time.Now().UTC(),
	}))
	msg, err := f.gw.GetMessageByID(ctx, "msg-1")
	require.NoError(t, err)
	require.Equal(t, feedmesh.FeedID("chat-1"), msg.FeedID)
}

func TestGetGroupMembersIncludesDeparted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	f.registerProfile(t, "0xalice", "Alice", 5)
	f.registerProfile(t, "0xbob", "Bob", 5)
	require.NoError(t, f.store.InsertFeed(ctx, feedmesh.Feed{
		FeedID: "group-1", Type: feedmesh.FeedTypeGroup, Title: "crew", BlockIndex: 10, CreatedAt: 10,
		Participants: []feedmesh.FeedParticipant{
			{FeedID: "group-1", Address: "0xalice", Role: feedmesh.RoleOwner, JoinedAtBlock: 10},
			{FeedID: "group-1", Address: "0xbob", Role: feedmesh.RoleMember, JoinedAtBlock: 10},
		},
	}))
	require.NoError(t, f.store.SetParticipantLeft(ctx, "group-1", "0xbob", 20))

	members, err := f.gw.GetGroupMembers(ctx, "group-1")
	require.NoError(t, err)
	require.Len(t, members, 2)
	byAddr := map[feedmesh.Address]projections.EnrichedMember{}
	for _, m := range members {
		byAddr[m.Address] = m
	}
	require.Equal(t, "Alice", byAddr["0xalice"].DisplayName)
	require.Nil(t, byAddr["0xalice"].LeftAtBlock)
	require.NotNil(t, byAddr["0xbob"].LeftAtBlock)
	require.Equal(t, feedmesh.BlockIndex(20), *byAddr["0xbob"].LeftAtBlock)

	// Cached for the next read.
	_, ok := f.participants.GetEnrichedMembers(ctx, "group-1")
	require.True(t, ok)

	_, err = f.gw.GetGroupMembers(ctx, "ghost")
	require.ErrorIs(t, err, gateway.ErrFeedNotFound)
}

func TestGetKeyGenerationsExposesOnlyRequesterKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	validTo := feedmesh.BlockIndex(50)
	require.NoError(t, f.store.InsertKeyGeneration(ctx, feedmesh.KeyGeneration{
		FeedID: "group-1", Generation: 0, ValidFromBlock: 10, ValidToBlock: &validTo,
		Trigger:       feedmesh.TriggerJoin,
		EncryptedKeys: map[feedmesh.Address][]byte{"0xalice": []byte("ka0"), "0xbob": []byte("kb0")},
	}))
	require.NoError(t, f.store.InsertKeyGeneration(ctx, feedmesh.KeyGeneration{
		FeedID: "group-1", Generation: 1, ValidFromBlock: 50,
		Trigger:       feedmesh.TriggerLeave,
		EncryptedKeys: map[feedmesh.Address][]byte{"0xalice": []byte("ka1")},
	}))

	gens, err := f.gw.GetKeyGenerations(ctx, "group-1", "0xalice")
	require.NoError(t, err)
	require.Len(t, gens, 2)
	require.Equal(t, []byte("ka0"), gens[0].EncryptedKeyForRequester)
	require.Equal(t, []byte("ka1"), gens[1].EncryptedKeyForRequester)

	// Bob left: generation 1 carries no key for him.
	gens, err = f.gw.GetKeyGenerations(ctx, "group-1", "0xbob")
	require.NoError(t, err)
	require.Equal(t, []byte("kb0"), gens[0].EncryptedKeyForRequester)
	require.Empty(t, gens[1].EncryptedKeyForRequester)

	// The cached bundle keeps validToBlock internally but it never
	// reaches the response shape.
	bundle, ok := f.participants.GetKeyGenerations(ctx, "group-1")
	require.True(t, ok)
	require.NotNil(t, bundle.KeyGenerations[0].ValidToBlock)

	_, err = f.gw.GetKeyGenerations(ctx, "ghost", "0xalice")
	require.ErrorIs(t, err, gateway.ErrFeedNotFound)
}

func TestReadPositions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	f.registerProfile(t, "0xalice", "Alice", 5)
	f.registerProfile(t, "0xbob", "Bob", 5)
	f.insertChat(t, "chat-1", "0xalice", "0xbob", 10)

	moved, err := f.gw.SetReadPosition(ctx, "0xalice", "chat-1", 100)
	require.NoError(t, err)
	require.True(t, moved)

	// Stale watermark write reports unchanged.
	moved, err = f.gw.SetReadPosition(ctx, "0xalice", "chat-1", 50)
	require.NoError(t, err)
	require.False(t, moved)

	positions, err := f.gw.GetReadPositions(ctx, "0xalice")
	require.NoError(t, err)
	require.Equal(t, feedmesh.BlockIndex(100), positions["chat-1"])

	// Flush the cache; the read comes back from the database.
	f.kv.Flush()
	positions, err = f.gw.GetReadPositions(ctx, "0xalice")
	require.NoError(t, err)
	require.Equal(t, feedmesh.BlockIndex(100), positions["chat-1"])
}
