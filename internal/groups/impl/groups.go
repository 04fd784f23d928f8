package impl

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	logger "github.com/rs/zerolog/log"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/internal/groups"
	"github.com/feedmesh/go-feedmesh/pkg/keyrotation"
	"github.com/feedmesh/go-feedmesh/pkg/sqlstore"
)

// Clock is the finalization watermark used as "now" for membership
// changes.
type Clock interface {
	GetLastFinalizedBlock() (feedmesh.BlockIndex, bool)
}

// Publisher is the outbound event port.
type Publisher interface {
	Publish(e feedmesh.Event)
}

// GroupsService implements groups.Groups: the membership state machine
// with the rotation engine underneath. Validation failures never mutate
// state and come back in the Result envelope.
type GroupsService struct {
	store   sqlstore.Store
	rotator keyrotation.Rotator
	bus     Publisher
	clock   Clock
	log     zerolog.Logger
}

var _ groups.Groups = (*GroupsService)(nil)

// NewGroups creates a new groups service.
func NewGroups(store sqlstore.Store, rotator keyrotation.Rotator, bus Publisher, clock Clock) *GroupsService {
	return &GroupsService{
		store:   store,
		rotator: rotator,
		bus:     bus,
		clock:   clock,
		log:     logger.With().Str("component", "groups").Logger(),
	}
}

// Create implements groups.Groups. The feed, its participants and key
// generation 0 are persisted in one transaction.
func (s *GroupsService) Create(
	ctx context.Context,
	feedID feedmesh.FeedID,
	title string,
	description string,
	isPublic bool,
	participants []groups.NewParticipant,
) (groups.Result, error) {
	if feedID == "" {
		return fail("feed id is required"), nil
	}
	if title == "" || len(title) > feedmesh.MaxTitleLength {
		return fail("title must be between 1 and %d characters", feedmesh.MaxTitleLength), nil
	}
	if len(description) > feedmesh.MaxDescriptionLength {
		return fail("description must be at most %d characters", feedmesh.MaxDescriptionLength), nil
	}
	if len(participants) == 0 {
		return fail("a group needs at least one participant"), nil
	}
	if len(participants) > feedmesh.MaxGroupMembers {
		return fail("group too large: maximum is %d members", feedmesh.MaxGroupMembers), nil
	}
	owners := 0
	for _, p := range participants {
		if p.Role == feedmesh.RoleOwner {
			owners++
		}
	}
	if owners != 1 {
		return fail("a group needs exactly one owner"), nil
	}

	exists, err := s.store.FeedExists(ctx, feedID)
	if err != nil {
		return groups.Result{}, fmt.Errorf("checking feed: %s", err)
	}
	if exists {
		return fail("feed already exists"), nil
	}

	now := s.now(0)
	members := make([]feedmesh.Address, len(participants))
	feedParticipants := make([]feedmesh.FeedParticipant, len(participants))
	for i, p := range participants {
		members[i] = p.Address
		feedParticipants[i] = feedmesh.FeedParticipant{
			FeedID:           feedID,
			Address:          p.Address,
			Role:             p.Role,
			JoinedAtBlock:    now,
			EncryptedFeedKey: p.EncryptedFeedKey,
		}
	}

	var rotationFailure error
	err = s.store.WithTx(ctx, func(tx sqlstore.Store) error {
		if err := tx.InsertFeed(ctx, feedmesh.Feed{
			FeedID:       feedID,
			Type:         feedmesh.FeedTypeGroup,
			Title:        title,
			Description:  description,
			IsPublic:     isPublic,
			BlockIndex:   now,
			CreatedAt:    now,
			Participants: feedParticipants,
		}); err != nil {
			return fmt.Errorf("inserting feed: %s", err)
		}
		if _, err := s.rotator.Initial(ctx, tx, feedID, members, now); err != nil {
			rotationFailure = err
			return err
		}
		return nil
	})
	if rotationFailure != nil {
		if res, expected := rotationResult(rotationFailure); expected {
			return res, nil
		}
	}
	if err != nil {
		return groups.Result{}, err
	}
	s.log.Info().Str("feedId", string(feedID)).Int("members", len(members)).Msg("group created")
	return ok(), nil
}

// Join implements groups.Groups: public self-join, re-join after cooldown
// included.
func (s *GroupsService) Join(
	ctx context.Context, feedID feedmesh.FeedID, address feedmesh.Address,
) (groups.Result, error) {
	feed, res, err := s.loadGroup(ctx, feedID)
	if err != nil || res != nil {
		return deref(res), err
	}
	if !feed.IsPublic {
		return fail("group is not public"), nil
	}
	now := s.now(feed.BlockIndex)
	if p := participantOf(feed, address); p != nil {
		if p.Role == feedmesh.RoleBanned {
			return fail("address is banned from this group"), nil
		}
		if p.Active() {
			return fail("already a member"), nil
		}
		if p.LastLeaveBlock != nil && now < *p.LastLeaveBlock+feedmesh.RejoinCooldownBlocks {
			return fail("rejoin cooldown: wait until block %d", *p.LastLeaveBlock+feedmesh.RejoinCooldownBlocks), nil
		}
	}

	return s.rotate(ctx, feedID, feedmesh.TriggerJoin,
		func(ctx context.Context, tx sqlstore.Store) error {
			return s.reinstate(ctx, tx, feed, address, now)
		},
		feedmesh.UserJoinedGroup{FeedID: feedID, Address: address, AtBlock: now})
}

// Leave implements groups.Groups. The last remaining admin cannot leave.
func (s *GroupsService) Leave(
	ctx context.Context, feedID feedmesh.FeedID, address feedmesh.Address,
) (groups.Result, error) {
	feed, res, err := s.loadGroup(ctx, feedID)
	if err != nil || res != nil {
		return deref(res), err
	}
	p := participantOf(feed, address)
	if p == nil || !p.Active() {
		return fail("not a member"), nil
	}
	if isAdmin(*p) && countActiveAdmins(feed) == 1 {
		return fail("cannot leave: you are the last admin"), nil
	}
	now := s.now(feed.BlockIndex)

	return s.rotate(ctx, feedID, feedmesh.TriggerLeave,
		func(ctx context.Context, tx sqlstore.Store) error {
			return tx.SetParticipantLeft(ctx, feedID, address, now)
		},
		feedmesh.UserLeftGroup{FeedID: feedID, Address: address, AtBlock: now})
}

// AddMember implements groups.Groups: an admin adds a member directly,
// bypassing the public-join gate and the cooldown.
func (s *GroupsService) AddMember(
	ctx context.Context,
	feedID feedmesh.FeedID,
	admin feedmesh.Address,
	newMember feedmesh.Address,
	newMemberEncryptKey string,
) (groups.Result, error) {
	feed, res, err := s.loadGroup(ctx, feedID)
	if err != nil || res != nil {
		return deref(res), err
	}
	if res := s.requireAdmin(feed, admin); res != nil {
		return *res, nil
	}
	if p := participantOf(feed, newMember); p != nil {
		if p.Role == feedmesh.RoleBanned {
			return fail("address is banned from this group"), nil
		}
		if p.Active() {
			return fail("already a member"), nil
		}
	}

	profile, err := s.store.GetProfile(ctx, newMember)
	if errors.Is(err, sqlstore.ErrNotFound) {
		return fail("identity %s is not registered", newMember), nil
	}
	if err != nil {
		return groups.Result{}, fmt.Errorf("loading profile: %s", err)
	}
	if profile.PublicEncryptionKey == "" {
		if newMemberEncryptKey == "" {
			return fail("identity %s has no encryption key", newMember), nil
		}
		profile.PublicEncryptionKey = newMemberEncryptKey
		if err := s.store.UpsertProfile(ctx, profile); err != nil {
			return groups.Result{}, fmt.Errorf("storing encryption key: %s", err)
		}
	}
	now := s.now(feed.BlockIndex)

	return s.rotate(ctx, feedID, feedmesh.TriggerJoin,
		func(ctx context.Context, tx sqlstore.Store) error {
			return s.reinstate(ctx, tx, feed, newMember, now)
		},
		feedmesh.UserJoinedGroup{FeedID: feedID, Address: newMember, AtBlock: now})
}

// Ban implements groups.Groups: cryptographic exclusion, re-keys the
// group without the target.
func (s *GroupsService) Ban(
	ctx context.Context, feedID feedmesh.FeedID, admin, target feedmesh.Address,
) (groups.Result, error) {
	feed, res, err := s.loadGroup(ctx, feedID)
	if err != nil || res != nil {
		return deref(res), err
	}
	if res := s.requireAdmin(feed, admin); res != nil {
		return *res, nil
	}
	p := participantOf(feed, target)
	if p == nil {
		return fail("not a member"), nil
	}
	if p.Role == feedmesh.RoleOwner {
		return fail("cannot ban the owner"), nil
	}
	if p.Role == feedmesh.RoleBanned {
		return fail("already banned"), nil
	}
	now := s.now(feed.BlockIndex)

	return s.rotate(ctx, feedID, feedmesh.TriggerBan,
		func(ctx context.Context, tx sqlstore.Store) error {
			if err := tx.SetParticipantRole(ctx, feedID, target, feedmesh.RoleBanned); err != nil {
				return err
			}
			return tx.SetParticipantLeft(ctx, feedID, target, now)
		},
		feedmesh.UserBannedFromGroup{FeedID: feedID, Address: target, AtBlock: now})
}

// Unban implements groups.Groups: readmits a banned address and re-keys
// so they can decrypt again from here on.
func (s *GroupsService) Unban(
	ctx context.Context, feedID feedmesh.FeedID, admin, target feedmesh.Address,
) (groups.Result, error) {
	feed, res, err := s.loadGroup(ctx, feedID)
	if err != nil || res != nil {
		return deref(res), err
	}
	if res := s.requireAdmin(feed, admin); res != nil {
		return *res, nil
	}
	p := participantOf(feed, target)
	if p == nil || p.Role != feedmesh.RoleBanned {
		return fail("not banned"), nil
	}
	now := s.now(feed.BlockIndex)

	return s.rotate(ctx, feedID, feedmesh.TriggerUnban,
		func(ctx context.Context, tx sqlstore.Store) error {
			return s.reinstate(ctx, tx, feed, target, now)
		},
		feedmesh.UserJoinedGroup{FeedID: feedID, Address: target, AtBlock: now})
}

// Block implements groups.Groups. Blocked members keep decryption ability
// but cannot post, so no rotation happens.
func (s *GroupsService) Block(
	ctx context.Context, feedID feedmesh.FeedID, admin, target feedmesh.Address,
) (groups.Result, error) {
	return s.setRole(ctx, feedID, admin, target, feedmesh.RoleMember, feedmesh.RoleBlocked)
}

// Unblock implements groups.Groups.
func (s *GroupsService) Unblock(
	ctx context.Context, feedID feedmesh.FeedID, admin, target feedmesh.Address,
) (groups.Result, error) {
	return s.setRole(ctx, feedID, admin, target, feedmesh.RoleBlocked, feedmesh.RoleMember)
}

// Promote implements groups.Groups.
func (s *GroupsService) Promote(
	ctx context.Context, feedID feedmesh.FeedID, admin, member feedmesh.Address,
) (groups.Result, error) {
	return s.setRole(ctx, feedID, admin, member, feedmesh.RoleMember, feedmesh.RoleAdmin)
}

// setRole flips a participant's role from want to to, without rotation.
// The feed watermark is bumped so clients notice the change.
func (s *GroupsService) setRole(
	ctx context.Context, feedID feedmesh.FeedID, admin, target feedmesh.Address,
	want, to feedmesh.Role,
) (groups.Result, error) {
	feed, res, err := s.loadGroup(ctx, feedID)
	if err != nil || res != nil {
		return deref(res), err
	}
	if res := s.requireAdmin(feed, admin); res != nil {
		return *res, nil
	}
	p := participantOf(feed, target)
	if p == nil || !p.Active() || p.Role != want {
		return fail("participant is not in role %q", want), nil
	}
	now := s.now(feed.BlockIndex)
	err = s.store.WithTx(ctx, func(tx sqlstore.Store) error {
		if err := tx.SetParticipantRole(ctx, feedID, target, to); err != nil {
			return fmt.Errorf("updating role: %s", err)
		}
		if err := tx.UpdateFeedBlockIndex(ctx, feedID, now); err != nil {
			return fmt.Errorf("bumping feed block index: %s", err)
		}
		return nil
	})
	if err != nil {
		return groups.Result{}, err
	}
	return ok(), nil
}

// UpdateTitle implements groups.Groups.
func (s *GroupsService) UpdateTitle(
	ctx context.Context, feedID feedmesh.FeedID, admin feedmesh.Address, title string,
) (groups.Result, error) {
	if title == "" || len(title) > feedmesh.MaxTitleLength {
		return fail("title must be between 1 and %d characters", feedmesh.MaxTitleLength), nil
	}
	feed, res, err := s.loadGroup(ctx, feedID)
	if err != nil || res != nil {
		return deref(res), err
	}
	if res := s.requireAdmin(feed, admin); res != nil {
		return *res, nil
	}
	now := s.now(feed.BlockIndex)
	if err := s.store.UpdateFeedTitle(ctx, feedID, title, now); err != nil {
		return groups.Result{}, fmt.Errorf("updating title: %s", err)
	}
	s.bus.Publish(feedmesh.GroupTitleChanged{FeedID: feedID, NewTitle: title, AtBlock: now})
	return ok(), nil
}

// UpdateDescription implements groups.Groups.
func (s *GroupsService) UpdateDescription(
	ctx context.Context, feedID feedmesh.FeedID, admin feedmesh.Address, description string,
) (groups.Result, error) {
	if len(description) > feedmesh.MaxDescriptionLength {
		return fail("description must be at most %d characters", feedmesh.MaxDescriptionLength), nil
	}
	feed, res, err := s.loadGroup(ctx, feedID)
	if err != nil || res != nil {
		return deref(res), err
	}
	if res := s.requireAdmin(feed, admin); res != nil {
		return *res, nil
	}
	now := s.now(feed.BlockIndex)
	if err := s.store.UpdateFeedDescription(ctx, feedID, description, now); err != nil {
		return groups.Result{}, fmt.Errorf("updating description: %s", err)
	}
	return ok(), nil
}

// Delete implements groups.Groups. Owner only. Leave events are published
// for every active member so their cached views drop the feed.
func (s *GroupsService) Delete(
	ctx context.Context, feedID feedmesh.FeedID, owner feedmesh.Address,
) (groups.Result, error) {
	feed, res, err := s.loadGroup(ctx, feedID)
	if err != nil || res != nil {
		return deref(res), err
	}
	p := participantOf(feed, owner)
	if p == nil || p.Role != feedmesh.RoleOwner {
		return fail("only the owner can delete the group"), nil
	}
	if err := s.store.DeleteFeed(ctx, feedID); err != nil {
		return groups.Result{}, fmt.Errorf("deleting feed: %s", err)
	}
	now := s.now(feed.BlockIndex)
	for _, member := range feed.Participants {
		if member.Active() {
			s.bus.Publish(feedmesh.UserLeftGroup{FeedID: feedID, Address: member.Address, AtBlock: now})
		}
	}
	s.log.Info().Str("feedId", string(feedID)).Msg("group deleted")
	return ok(), nil
}

// rotate runs a membership-changing rotation and publishes the event on
// success. Expected rotation failures come back in the envelope.
func (s *GroupsService) rotate(
	ctx context.Context,
	feedID feedmesh.FeedID,
	trigger feedmesh.RotationTrigger,
	mutation keyrotation.MembershipMutation,
	event feedmesh.Event,
) (groups.Result, error) {
	if _, err := s.rotator.Rotate(ctx, feedID, trigger, mutation); err != nil {
		if res, expected := rotationResult(err); expected {
			return res, nil
		}
		return groups.Result{}, fmt.Errorf("rotating group key: %w", err)
	}
	s.bus.Publish(event)
	return ok(), nil
}

// reinstate makes address an active member again, preserving the cooldown
// anchor from a previous departure.
func (s *GroupsService) reinstate(
	ctx context.Context, tx sqlstore.Store, feed feedmesh.Feed, address feedmesh.Address, now feedmesh.BlockIndex,
) error {
	p := feedmesh.FeedParticipant{
		FeedID:        feed.FeedID,
		Address:       address,
		Role:          feedmesh.RoleMember,
		JoinedAtBlock: now,
	}
	if prev := participantOf(feed, address); prev != nil {
		p.LastLeaveBlock = prev.LastLeaveBlock
		p.EncryptedFeedKey = prev.EncryptedFeedKey
	}
	return tx.UpsertParticipant(ctx, p)
}

// rotationResult maps rotation failures into the user-visible envelope.
// The second return is false for internal failures that should surface as
// transport errors.
func rotationResult(err error) (groups.Result, bool) {
	switch {
	case errors.Is(err, keyrotation.ErrFeedNotFound):
		return fail("feed has no key generations"), true
	case errors.Is(err, keyrotation.ErrEmptyGroup):
		return fail("rotation would leave the group empty"), true
	case errors.Is(err, keyrotation.ErrGroupTooLarge):
		return fail("group too large: maximum is %d members", feedmesh.MaxGroupMembers), true
	case errors.Is(err, keyrotation.ErrIdentityMissing),
		errors.Is(err, keyrotation.ErrEncryptionFailed):
		return fail("%s", err), true
	default:
		return groups.Result{}, false
	}
}

func (s *GroupsService) loadGroup(
	ctx context.Context, feedID feedmesh.FeedID,
) (feedmesh.Feed, *groups.Result, error) {
	feed, err := s.store.GetFeed(ctx, feedID)
	if errors.Is(err, sqlstore.ErrNotFound) {
		res := fail("feed not found")
		return feedmesh.Feed{}, &res, nil
	}
	if err != nil {
		return feedmesh.Feed{}, nil, fmt.Errorf("loading feed: %s", err)
	}
	if feed.Type != feedmesh.FeedTypeGroup {
		res := fail("not a group feed")
		return feedmesh.Feed{}, &res, nil
	}
	return feed, nil, nil
}

func (s *GroupsService) requireAdmin(feed feedmesh.Feed, address feedmesh.Address) *groups.Result {
	p := participantOf(feed, address)
	if p == nil || !p.Active() || !isAdmin(*p) {
		res := fail("unauthorized: admin role required")
		return &res
	}
	return nil
}

// now returns the finalization watermark, falling back to one past the
// feed's own block when the clock hasn't seen a block yet.
func (s *GroupsService) now(feedBlock feedmesh.BlockIndex) feedmesh.BlockIndex {
	if block, ok := s.clock.GetLastFinalizedBlock(); ok {
		return block
	}
	return feedBlock + 1
}

func participantOf(feed feedmesh.Feed, address feedmesh.Address) *feedmesh.FeedParticipant {
	for i := range feed.Participants {
		if feed.Participants[i].Address == address {
			return &feed.Participants[i]
		}
	}
	return nil
}

func isAdmin(p feedmesh.FeedParticipant) bool {
	return p.Role == feedmesh.RoleOwner || p.Role == feedmesh.RoleAdmin
}

func countActiveAdmins(feed feedmesh.Feed) int {
	n := 0
	for _, p := range feed.Participants {
		if p.Active() && isAdmin(p) {
			n++
		}
	}
	return n
}

func ok() groups.Result {
	return groups.Result{Success: true}
}

func fail(format string, args ...interface{}) groups.Result {
	return groups.Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

func deref(res *groups.Result) groups.Result {
	if res == nil {
		return groups.Result{}
	}
	return *res
}
