package permission

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrInvalidPermission = errors.New("invalid permission")
	ErrPermissionDenied  = errors.New("permission denied")
)

// HolderKind distinguishes users from groups
type HolderKind string

const (
	HolderUser  HolderKind = "USER"
	HolderGroup HolderKind = "GROUP"
)

// Holder is who a permission is granted to
type Holder struct {
	Kind HolderKind `json:"kind" validate:"required,oneof=USER GROUP"`
	ID   string     `json:"id" validate:"nonblank"`
}

func User(id string) Holder  { return Holder{Kind: HolderUser, ID: id} }
func Group(id string) Holder { return Holder{Kind: HolderGroup, ID: id} }

// Resource is what a permission applies to. A nil ID grants the action on
// every resource of the type.
type Resource struct {
	Type string  `json:"type" validate:"nonblank"`
	ID   *string `json:"id,omitempty" validate:"omitnil,nonblank"`
}

// AnyOf returns the wildcard resource of a type
func AnyOf(resourceType string) Resource {
	return Resource{Type: resourceType}
}

// ResourceOf returns one specific resource
func ResourceOf(resourceType, id string) Resource {
	return Resource{Type: resourceType, ID: &id}
}

// IsWildcard reports whether r addresses every resource of its type
func (r Resource) IsWildcard() bool {
	return r.ID == nil
}

func (r Resource) idOrEmpty() string {
	if r.ID == nil {
		return ""
	}
	return *r.ID
}

// Equal compares type and id
func (r Resource) Equal(other Resource) bool {
	return r.Type == other.Type && r.IsWildcard() == other.IsWildcard() && r.idOrEmpty() == other.idOrEmpty()
}

// Permission grants Holder the Action on Resource
type Permission struct {
	ID        uuid.UUID `json:"id"`
	Holder    Holder    `json:"holder"`
	Action    string    `json:"action" validate:"nonblank"`
	Resource  Resource  `json:"resource"`
	CreatedAt time.Time `json:"createdAt"`
}

// New builds a permission tuple
func New(holder Holder, action string, resource Resource) Permission {
	return Permission{Holder: holder, Action: action, Resource: resource}
}

// SameGrant compares the holder, action and resource of two permissions
func (p Permission) SameGrant(other Permission) bool {
	return p.Holder == other.Holder && p.Action == other.Action && p.Resource.Equal(other.Resource)
}

// Grants reports whether p satisfies the check q
func (p Permission) Grants(q Permission) bool {
	if p.Holder != q.Holder || p.Action != q.Action || p.Resource.Type != q.Resource.Type {
		return false
	}
	return p.Resource.IsWildcard() || (!q.Resource.IsWildcard() && *p.Resource.ID == *q.Resource.ID)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("nonblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Validate rejects blank holders, actions and resource types
func (p Permission) Validate() error {
	if err := validate.Struct(p); err != nil {
		return errors.Wrap(ErrInvalidPermission, err.Error())
	}
	return nil
}

// ValidateHolder rejects a blank holder
func ValidateHolder(h Holder) error {
	if err := validate.Struct(h); err != nil {
		return errors.Wrap(ErrInvalidPermission, err.Error())
	}
	return nil
}

// ValidateResource rejects a blank resource type or id
func ValidateResource(r Resource) error {
	if err := validate.Struct(r); err != nil {
		return errors.Wrap(ErrInvalidPermission, err.Error())
	}
	return nil
}
