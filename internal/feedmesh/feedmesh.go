package feedmesh

import (
	"time"
)

// BlockIndex is the logical clock of the chain: a monotonically increasing
// index stamped on every finalized transaction.
type BlockIndex uint64

// FeedID is a 128-bit opaque feed identifier.
type FeedID string

// MessageID is a 128-bit opaque message identifier.
type MessageID string

// Address identifies a participant by its public signing key.
type Address string

// Generation labels a symmetric-key epoch of a group feed, starting at 0.
type Generation uint32

// FeedType is the kind of a feed.
type FeedType string

// Feed types.
const (
	FeedTypePersonal  FeedType = "personal"
	FeedTypeChat      FeedType = "chat"
	FeedTypeGroup     FeedType = "group"
	FeedTypeBroadcast FeedType = "broadcast"
)

// Role is the role of a participant within a feed.
type Role string

// Participant roles.
const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleMember  Role = "member"
	RoleBlocked Role = "blocked"
	RoleBanned  Role = "banned"
)

// RotationTrigger is the membership change that caused a key rotation.
type RotationTrigger string

// Rotation triggers.
const (
	TriggerJoin  RotationTrigger = "join"
	TriggerLeave RotationTrigger = "leave"
	TriggerBan   RotationTrigger = "ban"
	TriggerUnban RotationTrigger = "unban"
)

const (
	// MaxGroupMembers is the maximum group size a key rotation will serve.
	MaxGroupMembers = 512

	// RejoinCooldownBlocks is how many blocks a user must wait after
	// leaving a group before a public re-join is accepted.
	RejoinCooldownBlocks = 100

	// MaxTitleLength bounds group feed titles.
	MaxTitleLength = 100

	// MaxDescriptionLength bounds group feed descriptions.
	MaxDescriptionLength = 500
)

// Profile is a registered identity.
type Profile struct {
	Address             Address    `json:"address"`
	Alias               string     `json:"alias"`
	ShortAlias          string     `json:"shortAlias"`
	PublicEncryptionKey string     `json:"publicEncryptionKey"`
	IsPublic            bool       `json:"isPublic"`
	BlockIndex          BlockIndex `json:"blockIndex"`
}

// Feed is an ordered append-only sequence of messages.
type Feed struct {
	FeedID       FeedID            `json:"feedId"`
	Type         FeedType          `json:"type"`
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	IsPublic     bool              `json:"isPublic"`
	BlockIndex   BlockIndex        `json:"blockIndex"`
	CreatedAt    BlockIndex        `json:"createdAtBlock"`
	Participants []FeedParticipant `json:"participants"`
}

// FeedParticipant is the membership record of an address in a feed.
type FeedParticipant struct {
	FeedID           FeedID      `json:"feedId"`
	Address          Address     `json:"address"`
	Role             Role        `json:"role"`
	JoinedAtBlock    BlockIndex  `json:"joinedAtBlock"`
	LeftAtBlock      *BlockIndex `json:"leftAtBlock,omitempty"`
	LastLeaveBlock   *BlockIndex `json:"lastLeaveBlock,omitempty"`
	EncryptedFeedKey []byte      `json:"encryptedFeedKey,omitempty"`
}

// ActiveAt reports whether the participant is an active member at block b.
func (p FeedParticipant) ActiveAt(b BlockIndex) bool {
	if p.Role == RoleBanned {
		return false
	}
	if p.JoinedAtBlock > b {
		return false
	}
	return p.LeftAtBlock == nil || *p.LeftAtBlock > b
}

// Active reports whether the participant is currently an active member.
func (p FeedParticipant) Active() bool {
	return p.Role != RoleBanned && p.LeftAtBlock == nil
}

// FeedMessage is a finalized message. Immutable once appended.
type FeedMessage struct {
	MessageID        MessageID   `json:"messageId"`
	FeedID           FeedID      `json:"feedId"`
	Content          []byte      `json:"content"`
	IssuerAddress    Address     `json:"issuerAddress"`
	BlockIndex       BlockIndex  `json:"blockIndex"`
	Timestamp        time.Time   `json:"timestamp"`
	KeyGeneration    *Generation `json:"keyGeneration,omitempty"`
	ReplyToID        *MessageID  `json:"replyToId,omitempty"`
	AuthorCommitment []byte      `json:"authorCommitment,omitempty"`
}

// KeyGeneration is one symmetric-key epoch of a group feed. The encrypted
// keys map holds, per member active at ValidFromBlock, the fresh symmetric
// key wrapped with that member's public encryption key.
type KeyGeneration struct {
	FeedID         FeedID             `json:"feedId"`
	Generation     Generation         `json:"version"`
	ValidFromBlock BlockIndex         `json:"validFromBlock"`
	ValidToBlock   *BlockIndex        `json:"validToBlock,omitempty"`
	Trigger        RotationTrigger    `json:"trigger"`
	EncryptedKeys  map[Address][]byte `json:"encryptedKeysByMember"`
}

// ReadPosition is the per-(address, feed) "read up to" watermark.
type ReadPosition struct {
	Address            Address    `json:"address"`
	FeedID             FeedID     `json:"feedId"`
	LastReadBlockIndex BlockIndex `json:"lastReadBlockIndex"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// ReactionTally is the homomorphic aggregate of reactions for a message.
// TallyC1 and TallyC2 carry one curve point per reaction kind.
type ReactionTally struct {
	MessageID  MessageID `json:"messageId"`
	Version    int64     `json:"version"`
	TotalCount int64     `json:"totalCount"`
	TallyC1    [][]byte  `json:"tallyC1"`
	TallyC2    [][]byte  `json:"tallyC2"`
}

// DeviceToken is a registered push-notification token.
type DeviceToken struct {
	TokenID    string    `json:"tokenId"`
	Address    Address   `json:"address"`
	Platform   string    `json:"platform"`
	Token      string    `json:"token"`
	DeviceName string    `json:"deviceName"`
	CreatedAt  time.Time `json:"createdAt"`
	LastUsedAt time.Time `json:"lastUsedAt"`
	IsActive   bool      `json:"isActive"`
}

// EffectiveBlockIndex is what clients use to decide whether to refetch a
// feed: the max of the feed's own block index and the block index of every
// participant profile.
func EffectiveBlockIndex(feed BlockIndex, profiles []BlockIndex) BlockIndex {
	max := feed
	for _, b := range profiles {
		if b > max {
			max = b
		}
	}
	return max
}
