package permission

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/eventcore/internal/models"
)

// GormStore implements Store on Postgres. Wildcard grants are stored with an
// empty resource id so the unique tuple index covers them.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM permission store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) HasPermission(ctx context.Context, p Permission) (bool, error) {
	if err := p.Validate(); err != nil {
		return false, err
	}
	ids := []string{""}
	if !p.Resource.IsWildcard() {
		ids = append(ids, *p.Resource.ID)
	}

	var row models.Permission
	err := s.db.WithContext(ctx).
		Select("id").
		Where("holder_kind = ? AND holder_id = ? AND resource_type = ? AND action = ? AND resource_id IN ?",
			string(p.Holder.Kind), p.Holder.ID, p.Resource.Type, p.Action, ids).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to check permission")
	}
	return true, nil
}

func (s *GormStore) Insert(ctx context.Context, p Permission) (Permission, error) {
	if err := p.Validate(); err != nil {
		return Permission{}, err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	row := toRow(p)

	db := s.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return Permission{}, errors.Wrap(res.Error, "failed to insert permission")
	}
	if res.RowsAffected == 0 {
		var existing models.Permission
		if err := db.Where(tupleQuery(p)).Take(&existing).Error; err != nil {
			return Permission{}, errors.Wrap(err, "failed to load existing permission")
		}
		return fromRow(existing)
	}
	return fromRow(row)
}

func (s *GormStore) FindByHolder(ctx context.Context, holder Holder, resourceType string, action string) ([]Permission, error) {
	query := s.db.WithContext(ctx).
		Where("holder_kind = ? AND holder_id = ? AND resource_type = ?", string(holder.Kind), holder.ID, resourceType)
	if action != "" {
		query = query.Where("action = ?", action)
	}

	var rows []models.Permission
	if err := query.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "failed to find permissions")
	}
	result := make([]Permission, 0, len(rows))
	for _, row := range rows {
		p, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, nil
}

func (s *GormStore) RemoveByHolder(ctx context.Context, holder Holder) error {
	return s.delete(ctx, map[string]interface{}{
		"holder_kind": string(holder.Kind),
		"holder_id":   holder.ID,
	})
}

func (s *GormStore) RemoveByResource(ctx context.Context, resource Resource) error {
	return s.delete(ctx, map[string]interface{}{
		"resource_type": resource.Type,
		"resource_id":   resource.idOrEmpty(),
	})
}

func (s *GormStore) RemoveByHolderAndResource(ctx context.Context, holder Holder, resource Resource) error {
	return s.delete(ctx, map[string]interface{}{
		"holder_kind":   string(holder.Kind),
		"holder_id":     holder.ID,
		"resource_type": resource.Type,
		"resource_id":   resource.idOrEmpty(),
	})
}

func (s *GormStore) RemoveByPermission(ctx context.Context, p Permission) error {
	return s.delete(ctx, tupleQuery(p))
}

func (s *GormStore) delete(ctx context.Context, where map[string]interface{}) error {
	if err := s.db.WithContext(ctx).Where(where).Delete(&models.Permission{}).Error; err != nil {
		return errors.Wrap(err, "failed to remove permissions")
	}
	return nil
}

func tupleQuery(p Permission) map[string]interface{} {
	return map[string]interface{}{
		"holder_kind":   string(p.Holder.Kind),
		"holder_id":     p.Holder.ID,
		"resource_type": p.Resource.Type,
		"resource_id":   p.Resource.idOrEmpty(),
		"action":        p.Action,
	}
}

func toRow(p Permission) models.Permission {
	return models.Permission{
		PermissionID: p.ID.String(),
		HolderKind:   string(p.Holder.Kind),
		HolderID:     p.Holder.ID,
		ResourceType: p.Resource.Type,
		ResourceID:   p.Resource.idOrEmpty(),
		Action:       p.Action,
		CreatedAt:    p.CreatedAt,
	}
}

func fromRow(row models.Permission) (Permission, error) {
	id, err := uuid.Parse(row.PermissionID)
	if err != nil {
		return Permission{}, errors.Wrapf(err, "invalid permission id %q", row.PermissionID)
	}
	resource := AnyOf(row.ResourceType)
	if row.ResourceID != "" {
		resource = ResourceOf(row.ResourceType, row.ResourceID)
	}
	return Permission{
		ID:        id,
		Holder:    Holder{Kind: HolderKind(row.HolderKind), ID: row.HolderID},
		Action:    row.Action,
		Resource:  resource,
		CreatedAt: row.CreatedAt.UTC(),
	}, nil
}
