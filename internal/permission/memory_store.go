package permission

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[uuid.UUID]Permission
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory permission store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		grants: make(map[uuid.UUID]Permission),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) HasPermission(ctx context.Context, p Permission) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.grants {
		if g.Grants(p) {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Insert(ctx context.Context, p Permission) (Permission, error) {
	if err := p.Validate(); err != nil {
		return Permission{}, err
	}
	if err := ctx.Err(); err != nil {
		return Permission{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range s.grants {
		if g.SameGrant(p) {
			return g, nil
		}
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	p.Resource = copyResource(p.Resource)
	s.grants[p.ID] = p
	return p, nil
}

func (s *MemoryStore) FindByHolder(ctx context.Context, holder Holder, resourceType string, action string) ([]Permission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found []Permission
	for _, g := range s.grants {
		if g.Holder == holder && g.Resource.Type == resourceType && (action == "" || g.Action == action) {
			found = append(found, g)
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].CreatedAt.Equal(found[j].CreatedAt) {
			return found[i].CreatedAt.Before(found[j].CreatedAt)
		}
		return found[i].ID.String() < found[j].ID.String()
	})
	return found, nil
}

func (s *MemoryStore) RemoveByHolder(ctx context.Context, holder Holder) error {
	return s.remove(ctx, func(g Permission) bool { return g.Holder == holder })
}

func (s *MemoryStore) RemoveByResource(ctx context.Context, resource Resource) error {
	return s.remove(ctx, func(g Permission) bool { return g.Resource.Equal(resource) })
}

func (s *MemoryStore) RemoveByHolderAndResource(ctx context.Context, holder Holder, resource Resource) error {
	return s.remove(ctx, func(g Permission) bool { return g.Holder == holder && g.Resource.Equal(resource) })
}

func (s *MemoryStore) RemoveByPermission(ctx context.Context, p Permission) error {
	return s.remove(ctx, func(g Permission) bool { return g.SameGrant(p) })
}

func (s *MemoryStore) remove(ctx context.Context, match func(Permission) bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, g := range s.grants {
		if match(g) {
			delete(s.grants, id)
		}
	}
	return nil
}

func copyResource(r Resource) Resource {
	if r.ID == nil {
		return r
	}
	id := *r.ID
	return Resource{Type: r.Type, ID: &id}
}
