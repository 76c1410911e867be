package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	payload "github.com/microchipgnu/payload-exchange-sub000"
)

// ErrPayoutNotFound is returned when updating an unknown journal entry
var ErrPayoutNotFound = errors.New("payout not found")

// RecordPayout journals a payout before any transfer is attempted
func (s *Store) RecordPayout(ctx context.Context, p *payload.Payout) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	row := payoutFromDomain(p)
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("failed to record payout: %w", err)
	}
	p.CreatedAt = row.CreatedAt
	p.UpdatedAt = row.UpdatedAt
	return nil
}

// UpdatePayout moves a journal entry to state. An empty txHash keeps the
// recorded hash.
func (s *Store) UpdatePayout(ctx context.Context, id string, state payload.PayoutState, txHash, errMsg string) error {
	updates := map[string]interface{}{
		"state":      string(state),
		"error":      errMsg,
		"updated_at": s.now().UTC(),
	}
	if txHash != "" {
		updates["transaction_hash"] = txHash
	}
	result := s.db.WithContext(ctx).Model(&Payout{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrPayoutNotFound
	}
	return nil
}

// ListPayouts returns journal entries in any of states, oldest first.
// No states lists every entry.
func (s *Store) ListPayouts(ctx context.Context, states ...payload.PayoutState) ([]payload.Payout, error) {
	query := s.db.WithContext(ctx).Model(&Payout{})
	if len(states) > 0 {
		names := make([]string, len(states))
		for i, state := range states {
			names[i] = string(state)
		}
		query = query.Where("state IN ?", names)
	}

	var rows []Payout
	if err := query.Order("created_at ASC, id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]payload.Payout, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}
