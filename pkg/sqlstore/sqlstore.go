// Package sqlstore defines the database port: repository operations per
// entity plus a unit-of-work for write transactions. The durable store
// owns all state; every cache projection is a derivative view of it.
package sqlstore

import (
	"context"
	"errors"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
)

// ErrNotFound indicates the requested entity is absent.
var ErrNotFound = errors.New("not found")

// Store is the read/write surface over the durable store.
type Store interface {
	ProfileStore
	FeedStore
	MessageStore
	KeyGenerationStore
	ReadPositionStore
	ReactionStore
	DeviceTokenStore

	// WithTx runs fn inside a writable transaction. The Store passed to
	// fn operates on the transaction; nesting is forbidden.
	WithTx(ctx context.Context, fn func(Store) error) error

	Close() error
}

// ProfileStore is the repository of registered identities.
type ProfileStore interface {
	GetProfile(ctx context.Context, address feedmesh.Address) (feedmesh.Profile, error)
	GetProfiles(ctx context.Context, addresses []feedmesh.Address) (map[feedmesh.Address]feedmesh.Profile, error)
	UpsertProfile(ctx context.Context, profile feedmesh.Profile) error
}

// FeedStore is the repository of feeds and their participants.
type FeedStore interface {
	GetFeed(ctx context.Context, feedID feedmesh.FeedID) (feedmesh.Feed, error)
	GetFeedsForAddress(ctx context.Context, address feedmesh.Address) ([]feedmesh.Feed, error)
	FeedExists(ctx context.Context, feedID feedmesh.FeedID) (bool, error)
	HasPersonalFeed(ctx context.Context, address feedmesh.Address) (bool, error)
	InsertFeed(ctx context.Context, feed feedmesh.Feed) error
	DeleteFeed(ctx context.Context, feedID feedmesh.FeedID) error
	UpdateFeedTitle(ctx context.Context, feedID feedmesh.FeedID, title string, atBlock feedmesh.BlockIndex) error
	UpdateFeedDescription(ctx context.Context, feedID feedmesh.FeedID, description string, atBlock feedmesh.BlockIndex) error
	UpdateFeedBlockIndex(ctx context.Context, feedID feedmesh.FeedID, blockIndex feedmesh.BlockIndex) error

	GetParticipants(ctx context.Context, feedID feedmesh.FeedID) ([]feedmesh.FeedParticipant, error)
	GetActiveParticipants(ctx context.Context, feedID feedmesh.FeedID) ([]feedmesh.FeedParticipant, error)
	GetParticipant(ctx context.Context, feedID feedmesh.FeedID, address feedmesh.Address) (feedmesh.FeedParticipant, error)
	UpsertParticipant(ctx context.Context, participant feedmesh.FeedParticipant) error
	SetParticipantRole(ctx context.Context, feedID feedmesh.FeedID, address feedmesh.Address, role feedmesh.Role) error
	SetParticipantLeft(ctx context.Context, feedID feedmesh.FeedID, address feedmesh.Address, atBlock feedmesh.BlockIndex) error
}

// MessageStore is the repository of finalized messages.
type MessageStore interface {
	GetMessage(ctx context.Context, messageID feedmesh.MessageID) (feedmesh.FeedMessage, error)
	GetFeedMessages(ctx context.Context, feedID feedmesh.FeedID, sinceBlock feedmesh.BlockIndex, limit int) ([]feedmesh.FeedMessage, error)
	InsertMessage(ctx context.Context, msg feedmesh.FeedMessage) error
}

// KeyGenerationStore is the repository of group key epochs.
type KeyGenerationStore interface {
	GetKeyGenerations(ctx context.Context, feedID feedmesh.FeedID) ([]feedmesh.KeyGeneration, error)
	GetMaxGeneration(ctx context.Context, feedID feedmesh.FeedID) (feedmesh.Generation, bool, error)
	InsertKeyGeneration(ctx context.Context, gen feedmesh.KeyGeneration) error
	SetKeyGenerationValidTo(ctx context.Context, feedID feedmesh.FeedID, gen feedmesh.Generation, validTo feedmesh.BlockIndex) error
}

// ReadPositionStore is the repository of per-user read watermarks.
type ReadPositionStore interface {
	GetReadPositions(ctx context.Context, address feedmesh.Address) (map[feedmesh.FeedID]feedmesh.BlockIndex, error)
	// UpsertReadPosition advances the watermark with MAX semantics and
	// reports whether the stored value moved.
	UpsertReadPosition(ctx context.Context, address feedmesh.Address, feedID feedmesh.FeedID, blockIndex feedmesh.BlockIndex) (bool, error)
}

// ReactionStore is the repository of reaction tallies.
type ReactionStore interface {
	// GetReactionTalliesSince returns the tallies of messages in the given
	// feeds whose version is greater than sinceVersion, plus the maximum
	// version observed.
	GetReactionTalliesSince(ctx context.Context, feedIDs []feedmesh.FeedID, sinceVersion int64) ([]feedmesh.ReactionTally, int64, error)
	UpsertReactionTally(ctx context.Context, tally feedmesh.ReactionTally) error
}

// DeviceTokenStore is the repository of push-notification tokens.
type DeviceTokenStore interface {
	GetDeviceTokens(ctx context.Context, address feedmesh.Address) ([]feedmesh.DeviceToken, error)
	GetDeviceTokenByToken(ctx context.Context, token string) (feedmesh.DeviceToken, error)
	UpsertDeviceToken(ctx context.Context, token feedmesh.DeviceToken) error
	DeleteDeviceToken(ctx context.Context, tokenID string) error
}
