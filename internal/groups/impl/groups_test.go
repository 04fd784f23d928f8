package impl

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/internal/groups"
	"github.com/feedmesh/go-feedmesh/pkg/encryption"
	rotimpl "github.com/feedmesh/go-feedmesh/pkg/keyrotation/impl"
	"github.com/feedmesh/go-feedmesh/pkg/sharedmemory"
	sqlimpl "github.com/feedmesh/go-feedmesh/pkg/sqlstore/impl"
	"github.com/feedmesh/go-feedmesh/pkg/sqlstore"
	"github.com/feedmesh/go-feedmesh/tests"
)

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.register("owner", "member")
	fx.sm.SetLastFinalizedBlock(10)

	res, err := fx.svc.Create(ctx, "g1", "book club", "", true, []groups.NewParticipant{
		{Address: "owner", Role: feedmesh.RoleOwner},
		{Address: "member", Role: feedmesh.RoleMember},
	})
	require.NoError(t, err)
	require.True(t, res.Success)

	feed, err := fx.store.GetFeed(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, feedmesh.FeedTypeGroup, feed.Type)
	require.Len(t, feed.Participants, 2)

	gen, found, err := fx.store.GetMaxGeneration(ctx, "g1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, feedmesh.Generation(0), gen)

	t.Run("duplicate feed", func(t *testing.T) {
		res, err := fx.svc.Create(ctx, "g1", "again", "", true, []groups.NewParticipant{
			{Address: "owner", Role: feedmesh.RoleOwner},
		})
		require.NoError(t, err)
		require.False(t, res.Success)
	})
	t.Run("title too long", func(t *testing.T) {
		long := make([]byte, feedmesh.MaxTitleLength+1)
		for i := range long {
			long[i] = 'x'
		}
		res, err := fx.svc.Create(ctx, "g2", string(long), "", true, []groups.NewParticipant{
			{Address: "owner", Role: feedmesh.RoleOwner},
		})
		require.NoError(t, err)
		require.False(t, res.Success)
	})
	t.Run("no owner", func(t *testing.T) {
		res, err := fx.svc.Create(ctx, "g2", "no owner", "", true, []groups.NewParticipant{
			{Address: "member", Role: feedmesh.RoleMember},
		})
		require.NoError(t, err)
		require.False(t, res.Success)
	})
	t.Run("unregistered member rolls everything back", func(t *testing.T) {
		res, err := fx.svc.Create(ctx, "g3", "ghosts", "", true, []groups.NewParticipant{
			{Address: "owner", Role: feedmesh.RoleOwner},
			{Address: "nobody", Role: feedmesh.RoleMember},
		})
		require.NoError(t, err)
		require.False(t, res.Success)

		exists, err := fx.store.FeedExists(ctx, "g3")
		require.NoError(t, err)
		require.False(t, exists)
	})
}

func TestJoinRotatesAndCooldown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.register("owner", "joiner")
	fx.sm.SetLastFinalizedBlock(50)
	fx.create(t, "g1", true, "owner")

	res, err := fx.svc.Join(ctx, "g1", "joiner")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	fx.requireMaxGen(t, "g1", 1)
	require.Equal(t,
		feedmesh.UserJoinedGroup{FeedID: "g1", Address: "joiner", AtBlock: 50},
		fx.bus.last())

	res, err = fx.svc.Join(ctx, "g1", "joiner")
	require.NoError(t, err)
	require.False(t, res.Success)

	fx.sm.SetLastFinalizedBlock(60)
	res, err = fx.svc.Leave(ctx, "g1", "joiner")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	fx.requireMaxGen(t, "g1", 2)

	// Within the cooldown window the public re-join is refused.
	fx.sm.SetLastFinalizedBlock(60 + feedmesh.RejoinCooldownBlocks - 1)
	res, err = fx.svc.Join(ctx, "g1", "joiner")
	require.NoError(t, err)
	require.False(t, res.Success)

	fx.sm.SetLastFinalizedBlock(60 + feedmesh.RejoinCooldownBlocks)
	res, err = fx.svc.Join(ctx, "g1", "joiner")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	fx.requireMaxGen(t, "g1", 3)
}

func TestJoinPrivateGroup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.register("owner", "joiner")
	fx.sm.SetLastFinalizedBlock(10)
	fx.create(t, "g1", false, "owner")

	res, err := fx.svc.Join(ctx, "g1", "joiner")
	require.NoError(t, err)
	require.False(t, res.Success)
	fx.requireMaxGen(t, "g1", 0)
}

func TestLeaveLastAdmin(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.register("owner", "member")
	fx.sm.SetLastFinalizedBlock(10)
	fx.create(t, "g1", true, "owner", "member")

	res, err := fx.svc.Leave(ctx, "g1", "owner")
	require.NoError(t, err)
	require.False(t, res.Success)

	res, err = fx.svc.Promote(ctx, "g1", "owner", "member")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	res, err = fx.svc.Leave(ctx, "g1", "owner")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
}

func TestBanAndUnban(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.register("owner", "troll", "bystander")
	fx.sm.SetLastFinalizedBlock(20)
	fx.create(t, "g1", true, "owner", "troll", "bystander")

	res, err := fx.svc.Ban(ctx, "g1", "owner", "troll")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	require.Equal(t,
		feedmesh.UserBannedFromGroup{FeedID: "g1", Address: "troll", AtBlock: 20},
		fx.bus.last())

	// The new generation must not carry a key for the banned member.
	gens, err := fx.store.GetKeyGenerations(ctx, "g1")
	require.NoError(t, err)
	latest := gens[len(gens)-1]
	require.Equal(t, feedmesh.Generation(1), latest.Generation)
	require.NotContains(t, latest.EncryptedKeys, feedmesh.Address("troll"))
	require.Contains(t, latest.EncryptedKeys, feedmesh.Address("bystander"))

	res, err = fx.svc.Join(ctx, "g1", "troll")
	require.NoError(t, err)
	require.False(t, res.Success)

	res, err = fx.svc.Unban(ctx, "g1", "owner", "troll")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	fx.requireMaxGen(t, "g1", 2)

	gens, err = fx.store.GetKeyGenerations(ctx, "g1")
	require.NoError(t, err)
	require.Contains(t, gens[len(gens)-1].EncryptedKeys, feedmesh.Address("troll"))
}

func TestBlockDoesNotRotate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.register("owner", "noisy")
	fx.sm.SetLastFinalizedBlock(10)
	fx.create(t, "g1", true, "owner", "noisy")

	res, err := fx.svc.Block(ctx, "g1", "owner", "noisy")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	fx.requireMaxGen(t, "g1", 0)

	p, err := fx.store.GetParticipant(ctx, "g1", "noisy")
	require.NoError(t, err)
	require.Equal(t, feedmesh.RoleBlocked, p.Role)

	res, err = fx.svc.Unblock(ctx, "g1", "owner", "noisy")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	fx.requireMaxGen(t, "g1", 0)
}

func TestAddMember(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.register("owner", "member", "invitee")
	fx.sm.SetLastFinalizedBlock(10)
	fx.create(t, "g1", false, "owner", "member")

	t.Run("non-admin refused", func(t *testing.T) {
		res, err := fx.svc.AddMember(ctx, "g1", "member", "invitee", "")
		require.NoError(t, err)
		require.False(t, res.Success)
	})
	t.Run("unregistered identity refused", func(t *testing.T) {
		res, err := fx.svc.AddMember(ctx, "g1", "owner", "nobody", "")
		require.NoError(t, err)
		require.False(t, res.Success)
	})
	t.Run("admin adds to private group", func(t *testing.T) {
		res, err := fx.svc.AddMember(ctx, "g1", "owner", "invitee", "")
		require.NoError(t, err)
		require.True(t, res.Success, res.Message)
		fx.requireMaxGen(t, "g1", 1)
	})
}

func TestUpdateTitleAndDescription(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.register("owner", "member")
	fx.sm.SetLastFinalizedBlock(30)
	fx.create(t, "g1", true, "owner", "member")

	res, err := fx.svc.UpdateTitle(ctx, "g1", "member", "hijacked")
	require.NoError(t, err)
	require.False(t, res.Success)

	res, err = fx.svc.UpdateTitle(ctx, "g1", "owner", "renamed")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
	require.Equal(t,
		feedmesh.GroupTitleChanged{FeedID: "g1", NewTitle: "renamed", AtBlock: 30},
		fx.bus.last())

	feed, err := fx.store.GetFeed(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, "renamed", feed.Title)
	require.Equal(t, feedmesh.BlockIndex(30), feed.BlockIndex)

	long := make([]byte, feedmesh.MaxDescriptionLength+1)
	for i := range long {
		long[i] = 'x'
	}
	res, err = fx.svc.UpdateDescription(ctx, "g1", "owner", string(long))
	require.NoError(t, err)
	require.False(t, res.Success)

	res, err = fx.svc.UpdateDescription(ctx, "g1", "owner", "about books")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
}

func TestDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fx := newFixture(t)
	fx.register("owner", "member")
	fx.sm.SetLastFinalizedBlock(10)
	fx.create(t, "g1", true, "owner", "member")

	res, err := fx.svc.Delete(ctx, "g1", "member")
	require.NoError(t, err)
	require.False(t, res.Success)

	res, err = fx.svc.Delete(ctx, "g1", "owner")
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)

	_, err = fx.store.GetFeed(ctx, "g1")
	require.ErrorIs(t, err, sqlstore.ErrNotFound)

	left := map[feedmesh.Address]bool{}
	for _, e := range fx.bus.all() {
		if l, isLeave := e.(feedmesh.UserLeftGroup); isLeave {
			left[l.Address] = true
		}
	}
	require.True(t, left["owner"])
	require.True(t, left["member"])
}

type fixture struct {
	store *sqlimpl.SQLStore
	sm    *sharedmemory.SharedMemory
	bus   *busRecorder
	svc   *GroupsService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlimpl.New(tests.Sqlite3URI(t))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, store.Close()) })

	sm := sharedmemory.NewSharedMemory()
	rotator, err := rotimpl.New(store, sm)
	require.NoError(t, err)
	bus := &busRecorder{}
	return &fixture{store: store, sm: sm, bus: bus, svc: NewGroups(store, rotator, bus, sm)}
}

func (fx *fixture) register(addresses ...feedmesh.Address) {
	for _, address := range addresses {
		priv, err := crypto.GenerateKey()
		if err != nil {
			panic(err)
		}
		if err := fx.store.UpsertProfile(context.Background(), feedmesh.Profile{
			Address:             address,
			Alias:               string(address),
			PublicEncryptionKey: encryption.PublicKeyHex(priv),
			BlockIndex:          1,
		}); err != nil {
			panic(err)
		}
	}
}

// create makes a group with the first address as owner.
func (fx *fixture) create(t *testing.T, feedID feedmesh.FeedID, isPublic bool, members ...feedmesh.Address) {
	t.Helper()
	participants := make([]groups.NewParticipant, len(members))
	for i, m := range members {
		role := feedmesh.RoleMember
		if i == 0 {
			role = feedmesh.RoleOwner
		}
		participants[i] = groups.NewParticipant{Address: m, Role: role}
	}
	res, err := fx.svc.Create(
		context.Background(), feedID, fmt.Sprintf("group %s", feedID), "", isPublic, participants)
	require.NoError(t, err)
	require.True(t, res.Success, res.Message)
}

func (fx *fixture) requireMaxGen(t *testing.T, feedID feedmesh.FeedID, want feedmesh.Generation) {
	t.Helper()
	gen, found, err := fx.store.GetMaxGeneration(context.Background(), feedID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, want, gen)
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
