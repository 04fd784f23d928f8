package impl

import (
	"context"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/encryption"
	"github.com/feedmesh/go-feedmesh/pkg/keyrotation"
	"github.com/feedmesh/go-feedmesh/pkg/sharedmemory"
	"github.com/feedmesh/go-feedmesh/pkg/sqlstore"
	sqlimpl "github.com/feedmesh/go-feedmesh/pkg/sqlstore/impl"
	"github.com/feedmesh/go-feedmesh/tests"
)

func TestRotateOnJoin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, rotator, clock := newRotator(t)

	setupGroup(t, store, rotator, "group-1", "0xaaa", "0xbbb")
	registerMember(t, store, "0xccc")
	clock.SetLastFinalizedBlock(20)

	gen, err := rotator.Rotate(ctx, "group-1", feedmesh.TriggerJoin,
		func(ctx context.Context, s sqlstore.Store) error {
			return s.UpsertParticipant(ctx, feedmesh.FeedParticipant{
				FeedID: "group-1", Address: "0xccc", Role: feedmesh.RoleMember, JoinedAtBlock: 20,
			})
		})
	require.NoError(t, err)
	require.Equal(t, feedmesh.Generation(1), gen.Generation)
	require.Equal(t, feedmesh.BlockIndex(20), gen.ValidFromBlock)
	require.Len(t, gen.EncryptedKeys, 3)
	require.Contains(t, gen.EncryptedKeys, feedmesh.Address("0xccc"))

	// Generation 0 is closed at the new generation's start block.
	gens, err := store.GetKeyGenerations(ctx, "group-1")
	require.NoError(t, err)
	require.Len(t, gens, 2)
	require.NotNil(t, gens[0].ValidToBlock)
	require.Equal(t, feedmesh.BlockIndex(20), *gens[0].ValidToBlock)

	// The feed watermark moved so members notice the rotation.
	feed, err := store.GetFeed(ctx, "group-1")
	require.NoError(t, err)
	require.Equal(t, feedmesh.BlockIndex(20), feed.BlockIndex)
}

func TestRotateOnLeaveExcludesMember(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, rotator, clock := newRotator(t)

	setupGroup(t, store, rotator, "group-1", "0xaaa", "0xbbb")
	clock.SetLastFinalizedBlock(30)

	gen, err := rotator.Rotate(ctx, "group-1", feedmesh.TriggerLeave,
		func(ctx context.Context, s sqlstore.Store) error {
			return s.SetParticipantLeft(ctx, "group-1", "0xbbb", 30)
		})
	require.NoError(t, err)
	require.Equal(t, feedmesh.Generation(1), gen.Generation)
	require.Len(t, gen.EncryptedKeys, 1)
	require.Contains(t, gen.EncryptedKeys, feedmesh.Address("0xaaa"))
	require.NotContains(t, gen.EncryptedKeys, feedmesh.Address("0xbbb"))
}

func TestRotateGenerationsStayDense(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, rotator, clock := newRotator(t)

	setupGroup(t, store, rotator, "group-1", "0xaaa", "0xbbb")

	for i := 0; i < 5; i++ {
		clock.SetLastFinalizedBlock(feedmesh.BlockIndex(20 + i))
		_, err := rotator.Rotate(ctx, "group-1", feedmesh.TriggerJoin, nil)
		require.NoError(t, err)
	}
	gens, err := store.GetKeyGenerations(ctx, "group-1")
	require.NoError(t, err)
	require.Len(t, gens, 6)
	for i, gen := range gens {
		require.Equal(t, feedmesh.Generation(i), gen.Generation)
	}
}

func TestRotateFailures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, rotator, clock := newRotator(t)
	clock.SetLastFinalizedBlock(40)

	t.Run("feed without generations", func(t *testing.T) {
		_, err := rotator.Rotate(ctx, "ghost-feed", feedmesh.TriggerJoin, nil)
		require.ErrorIs(t, err, keyrotation.ErrFeedNotFound)
	})

	t.Run("empty group", func(t *testing.T) {
		setupGroup(t, store, rotator, "group-empty", "0xaaa")
		_, err := rotator.Rotate(ctx, "group-empty", feedmesh.TriggerLeave,
			func(ctx context.Context, s sqlstore.Store) error {
				return s.SetParticipantLeft(ctx, "group-empty", "0xaaa", 40)
			})
		require.ErrorIs(t, err, keyrotation.ErrEmptyGroup)
	})

	t.Run("member without encryption key", func(t *testing.T) {
		setupGroup(t, store, rotator, "group-nokey", "0xaaa")
		require.NoError(t, store.UpsertProfile(ctx, feedmesh.Profile{Address: "0xnokey", Alias: "nk"}))
		_, err := rotator.Rotate(ctx, "group-nokey", feedmesh.TriggerJoin,
			func(ctx context.Context, s sqlstore.Store) error {
				return s.UpsertParticipant(ctx, feedmesh.FeedParticipant{
					FeedID: "group-nokey", Address: "0xnokey", Role: feedmesh.RoleMember, JoinedAtBlock: 40,
				})
			})
		require.ErrorIs(t, err, keyrotation.ErrIdentityMissing)
		require.ErrorContains(t, err, "0xnokey")

		// The whole rotation rolled back, membership included.
		_, err = store.GetParticipant(ctx, "group-nokey", "0xnokey")
		require.ErrorIs(t, err, sqlstore.ErrNotFound)
	})

	t.Run("malformed encryption key", func(t *testing.T) {
		setupGroup(t, store, rotator, "group-badkey", "0xaaa")
		require.NoError(t, store.UpsertProfile(ctx, feedmesh.Profile{
			Address: "0xbadkey", Alias: "bk", PublicEncryptionKey: "not-a-curve-point",
		}))
		_, err := rotator.Rotate(ctx, "group-badkey", feedmesh.TriggerJoin,
			func(ctx context.Context, s sqlstore.Store) error {
				return s.UpsertParticipant(ctx, feedmesh.FeedParticipant{
					FeedID: "group-badkey", Address: "0xbadkey", Role: feedmesh.RoleMember, JoinedAtBlock: 40,
				})
			})
		require.ErrorIs(t, err, keyrotation.ErrEncryptionFailed)
		require.ErrorContains(t, err, "0xbadkey")
	})
}

func TestInitialValidatesSize(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, rotator, _ := newRotator(t)

	_, err := rotator.Initial(ctx, store, "group-1", nil, 1)
	require.ErrorIs(t, err, keyrotation.ErrEmptyGroup)

	oversized := make([]feedmesh.Address, feedmesh.MaxGroupMembers+1)
	for i := range oversized {
		oversized[i] = feedmesh.Address(fmt.Sprintf("0x%04d", i))
	}
	_, err = rotator.Initial(ctx, store, "group-1", oversized, 1)
	require.ErrorIs(t, err, keyrotation.ErrGroupTooLarge)
}

func newRotator(t *testing.T) (*sqlimpl.SQLStore, *Rotator, *sharedmemory.SharedMemory) {
	t.Helper()
	store, err := sqlimpl.New(tests.Sqlite3URI(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	clock := sharedmemory.NewSharedMemory()
	rotator, err := New(store, clock)
	require.NoError(t, err)
	return store, rotator, clock
}

// setupGroup registers profiles with real encryption keys, inserts a group
// feed with the given members and persists generation 0.
func setupGroup(
	t *testing.T, store *sqlimpl.SQLStore, rotator *Rotator,
	feedID feedmesh.FeedID, members ...feedmesh.Address,
) {
	t.Helper()
	ctx := context.Background()

	participants := make([]feedmesh.FeedParticipant, len(members))
	for i, member := range members {
		registerMember(t, store, member)
		role := feedmesh.RoleMember
		if i == 0 {
			role = feedmesh.RoleOwner
		}
		participants[i] = feedmesh.FeedParticipant{
			FeedID: feedID, Address: member, Role: role, JoinedAtBlock: 10,
		}
	}
	require.NoError(t, store.InsertFeed(ctx, feedmesh.Feed{
		FeedID: feedID, Type: feedmesh.FeedTypeGroup, Title: "group",
		BlockIndex: 10, CreatedAt: 10, Participants: participants,
	}))
	gen, err := rotator.Initial(ctx, store, feedID, members, 10)
	require.NoError(t, err)
	require.Equal(t, feedmesh.Generation(0), gen.Generation)
	require.Len(t, gen.EncryptedKeys, len(members))
}

func registerMember(t *testing.T, store *sqlimpl.SQLStore, address feedmesh.Address) {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	require.NoError(t, store.UpsertProfile(context.Background(), feedmesh.Profile{
		Address:             address,
		Alias:               string(address),
		PublicEncryptionKey: encryption.PublicKeyHex(priv),
		BlockIndex:          1,
	}))
}
