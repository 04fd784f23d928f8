// Package push manages push-notification device tokens. Tokens are
// device-bound: registering a token that already belongs to another
// address moves it to the new owner.
package push

import (
	"context"
	"errors"

	"github.com/feedmesh/go-feedmesh/internal/feedmesh"
)

// ErrTokenNotFound indicates the token is absent or owned by someone else.
var ErrTokenNotFound = errors.New("device token not found")

// Push defines the device-token operations.
type Push interface {
	// Register stores the token for the address and returns the stored
	// record, token id included.
	Register(ctx context.Context, token feedmesh.DeviceToken) (feedmesh.DeviceToken, error)
	// Remove deletes a token owned by address.
	Remove(ctx context.Context, address feedmesh.Address, tokenID string) error
	// List returns the active tokens of the address, most recently used
	// first.
	List(ctx context.Context, address feedmesh.Address) ([]feedmesh.DeviceToken, error)
}
