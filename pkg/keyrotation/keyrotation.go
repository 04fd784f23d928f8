// Package keyrotation defines the group key-rotation engine. Every
// membership change of a group feed retires the current symmetric key and
// distributes a fresh one to the post-change member set.
package keyrotation

import (
	"context"
	"errors"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
	"github.com/feedmesh/go-feedmesh/pkg/sqlstore"
)

// Rotation failure modes. ErrIdentityMissing and ErrEncryptionFailed are
// wrapped with the offending member's address.
var (
	ErrFeedNotFound     = errors.New("feed has no key generations")
	ErrEmptyGroup       = errors.New("rotation would leave the group empty")
	ErrGroupTooLarge    = errors.New("group exceeds the maximum size")
	ErrIdentityMissing  = errors.New("member has no registered encryption key")
	ErrEncryptionFailed = errors.New("wrapping group key for member failed")
	ErrRotationBusy     = errors.New("timed out waiting for the feed rotation lock")
)

// MembershipMutation applies the membership change that triggers a
// rotation. It runs inside the same database transaction that persists the
// new key generation, so a failed rotation rolls the membership back too.
type MembershipMutation func(ctx context.Context, s sqlstore.Store) error

// Rotator allocates key generations under a per-feed serialization
// discipline: generation numbers are dense and strictly increasing.
type Rotator interface {
	// Rotate applies the membership mutation, closes the current
	// generation and persists the next one atomically. It returns the new
	// generation with its encrypted key bundle.
	Rotate(
		ctx context.Context,
		feedID feedmesh.FeedID,
		trigger feedmesh.RotationTrigger,
		mutation MembershipMutation,
	) (feedmesh.KeyGeneration, error)

	// Initial builds generation 0 for a newly created group and persists
	// it through s, which may be a transaction the group creation runs in.
	Initial(
		ctx context.Context,
		s sqlstore.Store,
		feedID feedmesh.FeedID,
		members []feedmesh.Address,
		atBlock feedmesh.BlockIndex,
	) (feedmesh.KeyGeneration, error)
}
