package locks

import (
	"context"

	"github.com/google/uuid"
)

// Owner identifies one execution context holding locks. Steps taken by an
// owner are tracked per lock and never migrate to another owner.
type Owner string

type ownerKey struct{}

// NewOwner returns a fresh owner identity.
func NewOwner() Owner {
	return Owner(uuid.NewString())
}

// WithOwner returns ctx carrying an owner. A context that already carries one
// is returned unchanged, so nested work keeps the outer owner.
func WithOwner(ctx context.Context) context.Context {
	if _, ok := OwnerFrom(ctx); ok {
		return ctx
	}
	return context.WithValue(ctx, ownerKey{}, NewOwner())
}

// OwnerFrom extracts the owner carried by ctx.
func OwnerFrom(ctx context.Context) (Owner, bool) {
	if ctx == nil {
		return "", false
	}
	owner, ok := ctx.Value(ownerKey{}).(Owner)
	return owner, ok && owner != ""
}

func ownerOf(ctx context.Context) (Owner, error) {
	owner, ok := OwnerFrom(ctx)
	if !ok {
		return "", ErrNoOwner
	}
	return owner, nil
}
