package permission

import (
	"context"

	"github.com/pkg/errors"
)

// Checker answers authorization checks
type Checker interface {
	HasPermission(ctx context.Context, p Permission) (bool, error)
}

// Store persists grants
type Store interface {
	Checker

	// Insert adds a grant. Inserting an existing tuple returns the stored grant.
	Insert(ctx context.Context, p Permission) (Permission, error)
	// FindByHolder lists grants of holder on resourceType, optionally
	// narrowed to one action.
	FindByHolder(ctx context.Context, holder Holder, resourceType string, action string) ([]Permission, error)

	RemoveByHolder(ctx context.Context, holder Holder) error
	RemoveByResource(ctx context.Context, resource Resource) error
	RemoveByHolderAndResource(ctx context.Context, holder Holder, resource Resource) error
	RemoveByPermission(ctx context.Context, p Permission) error
}

// Require returns ErrPermissionDenied unless checker grants p
func Require(ctx context.Context, checker Checker, p Permission) error {
	ok, err := checker.HasPermission(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrPermissionDenied, "%s %s may not %s %s", p.Holder.Kind, p.Holder.ID, p.Action, describe(p.Resource))
	}
	return nil
}

func describe(r Resource) string {
	if r.IsWildcard() {
		return r.Type
	}
	return r.Type + "/" + *r.ID
}
