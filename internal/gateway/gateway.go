// Package gateway defines the read-side RPC surface: every handler is a
// read-through over the cache projections with the database as fallback.
package gateway

import (
	"context"
	"errors"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/projections"
)

// ErrFeedNotFound indicates the feed doesn't exist.
var ErrFeedNotFound = errors.New("feed not found")

// ErrMessageNotFound indicates the message doesn't exist.
var ErrMessageNotFound = errors.New("message not found")

// FeedInfo is one feed in a GetFeeds response. EffectiveBlockIndex is what
// clients compare against their own watermark to decide whether to
// refetch.
type FeedInfo struct {
	FeedID              feedmesh.FeedID     `json:"feedId"`
	Title               string              `json:"title"`
	Type                feedmesh.FeedType   `json:"type"`
	EffectiveBlockIndex feedmesh.BlockIndex `json:"effectiveBlockIndex"`
	Participants        []feedmesh.Address  `json:"participants"`
}

// Message is a feed message with its issuer's display name resolved.
type Message struct {
	feedmesh.FeedMessage
	IssuerDisplayName string `json:"issuerDisplayName,omitempty"`
}

// FeedMessagesResult is the GetFeedMessages response.
type FeedMessagesResult struct {
	Messages        []Message                `json:"messages"`
	ReactionTallies []feedmesh.ReactionTally `json:"reactionTallies"`
	MaxTallyVersion int64                    `json:"maxTallyVersion"`
}

// KeyGenerationInfo is one key epoch as exposed to a single requester:
// only their own wrapped key, and no validity upper bound (clients rely on
// each message's keyGeneration field instead).
type KeyGenerationInfo struct {
	Generation               feedmesh.Generation `json:"version"`
	ValidFromBlock           feedmesh.BlockIndex `json:"validFromBlock"`
	EncryptedKeyForRequester []byte              `json:"encryptedKeyForRequester,omitempty"`
}

// Gateway defines the read-side operations.
type Gateway interface {
	HasPersonalFeed(ctx context.Context, address feedmesh.Address) (bool, error)
	IsFeedInBlockchain(ctx context.Context, feedID feedmesh.FeedID) (bool, error)
	GetFeeds(ctx context.Context, address feedmesh.Address, sinceBlock feedmesh.BlockIndex) ([]FeedInfo, error)
	GetFeedMessages(
		ctx context.Context,
		address feedmesh.Address,
		sinceBlock feedmesh.BlockIndex,
		sinceTallyVersion int64,
	) (FeedMessagesResult, error)
	GetMessageByID(ctx context.Context, messageID feedmesh.MessageID) (feedmesh.FeedMessage, error)
	GetGroupMembers(ctx context.Context, feedID feedmesh.FeedID) ([]projections.EnrichedMember, error)
	GetKeyGenerations(
		ctx context.Context, feedID feedmesh.FeedID, requester feedmesh.Address,
	) ([]KeyGenerationInfo, error)
	GetReadPositions(ctx context.Context, address feedmesh.Address) (map[feedmesh.FeedID]feedmesh.BlockIndex, error)
	SetReadPosition(
		ctx context.Context, address feedmesh.Address, feedID feedmesh.FeedID, blockIndex feedmesh.BlockIndex,
	) (bool, error)
}
