// Package groups defines the group feed mutation surface: creation,
// membership transitions and metadata updates. Every membership change of
// an encrypted group triggers a key rotation.
package groups

import (
	"context"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
)

// Result is the envelope every mutating operation returns. Expected
// failures (authorization, validation, cooldown) come back as
// Success=false with a reason; transport errors are reserved for internal
// failures and cancellation.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// NewParticipant is one initial member of a group being created.
type NewParticipant struct {
	Address          feedmesh.Address `json:"address"`
	Role             feedmesh.Role    `json:"role"`
	EncryptedFeedKey []byte           `json:"encryptedFeedKey,omitempty"`
}

// Groups defines the group feed operations.
type Groups interface {
	Create(
		ctx context.Context,
		feedID feedmesh.FeedID,
		title string,
		description string,
		isPublic bool,
		participants []NewParticipant,
	) (Result, error)
	Join(ctx context.Context, feedID feedmesh.FeedID, address feedmesh.Address) (Result, error)
	Leave(ctx context.Context, feedID feedmesh.FeedID, address feedmesh.Address) (Result, error)
	AddMember(
		ctx context.Context,
		feedID feedmesh.FeedID,
		admin feedmesh.Address,
		newMember feedmesh.Address,
		newMemberEncryptKey string,
	) (Result, error)
	Ban(ctx context.Context, feedID feedmesh.FeedID, admin, target feedmesh.Address) (Result, error)
	Unban(ctx context.Context, feedID feedmesh.FeedID, admin, target feedmesh.Address) (Result, error)
	Block(ctx context.Context, feedID feedmesh.FeedID, admin, target feedmesh.Address) (Result, error)
	Unblock(ctx context.Context, feedID feedmesh.FeedID, admin, target feedmesh.Address) (Result, error)
	Promote(ctx context.Context, feedID feedmesh.FeedID, admin, member feedmesh.Address) (Result, error)
	UpdateTitle(ctx context.Context, feedID feedmesh.FeedID, admin feedmesh.Address, title string) (Result, error)
	UpdateDescription(
		ctx context.Context, feedID feedmesh.FeedID, admin feedmesh.Address, description string,
	) (Result, error)
	Delete(ctx context.Context, feedID feedmesh.FeedID, owner feedmesh.Address) (Result, error)
}
