package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	payload "github.com/microchipgnu/payload-exchange-sub000"
)

// CreateAction inserts an action, assigning its id and creation time
func (s *Store) CreateAction(ctx context.Context, action *payload.Action) error {
	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	row := actionFromDomain(action)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return err
	}
	action.CreatedAt = row.CreatedAt
	return nil
}

// GetAction returns an action by id
func (s *Store) GetAction(ctx context.Context, id string) (*payload.Action, error) {
	var row Action
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payload.ErrActionNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// ListActions returns matching actions, oldest first
func (s *Store) ListActions(ctx context.Context, filter payload.ActionFilter) ([]payload.Action, error) {
	query := s.db.WithContext(ctx).Model(&Action{})
	if filter.SponsorID != "" {
		query = query.Where("sponsor_id = ?", filter.SponsorID)
	}
	if filter.ActiveOnly {
		query = query.Where("active = ?", true)
	}

	var rows []Action
	if err := query.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]payload.Action, 0, len(rows))
	for i := range rows {
		out = append(out, *rows[i].toDomain())
	}
	return out, nil
}

// SetActionActive toggles an action owned by sponsorID
func (s *Store) SetActionActive(ctx context.Context, sponsorID, actionID string, active bool) (*payload.Action, error) {
	db := s.db.WithContext(ctx)
	result := db.Model(&Action{}).
		Where("id = ? AND sponsor_id = ?", actionID, sponsorID).
		Update("active", active)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, payload.ErrActionNotFound
	}
	return s.GetAction(ctx, actionID)
}
