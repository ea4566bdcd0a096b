package lock

import (
	"context"

	"github.com/google/uuid"
)

// Owner identifies the execution context holding a lock. Two acquisitions
// with the same Owner are reentrant; different Owners exclude each other.
type Owner string

// NewOwner returns a fresh, unique Owner.
func NewOwner() Owner {
	return Owner("own-" + uuid.NewString())
}

type ownerKey struct{}

// WithOwner returns a context carrying owner.
func WithOwner(ctx context.Context, owner Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// OwnerFromContext returns the Owner stored by WithOwner, or "" if none.
func OwnerFromContext(ctx context.Context) Owner {
	owner, _ := ctx.Value(ownerKey{}).(Owner) //nolint:errcheck // zero value is the documented fallback
	return owner
}
