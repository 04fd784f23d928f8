package feedmesh

// Event is a domain event delivered through the in-process bus.
type Event interface {
	EventName() string
}

// IdentityUpdated fires when a profile is created or edited.
type IdentityUpdated struct {
	Address     Address
	DisplayName string
	BlockIndex  BlockIndex
}

// EventName implements Event.
func (IdentityUpdated) EventName() string { return "IdentityUpdated" }

// UserJoinedGroup fires when an address becomes an active group member,
// by admin-add, public join or unban.
type UserJoinedGroup struct {
	FeedID  FeedID
	Address Address
	AtBlock BlockIndex
}

// EventName implements Event.
func (UserJoinedGroup) EventName() string { return "UserJoinedGroup" }

// UserLeftGroup fires when an address leaves a group.
type UserLeftGroup struct {
	FeedID  FeedID
	Address Address
	AtBlock BlockIndex
}

// EventName implements Event.
func (UserLeftGroup) EventName() string { return "UserLeftGroup" }

// UserBannedFromGroup fires when an address is banned from a group.
type UserBannedFromGroup struct {
	FeedID  FeedID
	Address Address
	AtBlock BlockIndex
}

// EventName implements Event.
func (UserBannedFromGroup) EventName() string { return "UserBannedFromGroup" }

// GroupTitleChanged fires when a group feed title is updated.
type GroupTitleChanged struct {
	FeedID   FeedID
	NewTitle string
	AtBlock  BlockIndex
}

// EventName implements Event.
func (GroupTitleChanged) EventName() string { return "GroupTitleChanged" }
