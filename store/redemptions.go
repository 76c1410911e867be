package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	payload "github.com/microchipgnu/payload-exchange-sub000"
)

// metadataFailureReason is the metadata key FailRedemption writes
const metadataFailureReason = "failureReason"

// CreateRedemption inserts a redemption. The partial unique index rejects a
// second completed settlement of a one-time action for the same user.
func (s *Store) CreateRedemption(ctx context.Context, r *payload.Redemption) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	row := redemptionFromDomain(r)
	if r.Status == payload.RedemptionCompleted && row.CompletedAt == nil {
		now := s.now().UTC()
		row.CompletedAt = &now
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return payload.ErrDuplicateRedemption
		}
		return err
	}
	r.CreatedAt = row.CreatedAt
	r.UpdatedAt = row.UpdatedAt
	r.CompletedAt = row.CompletedAt
	return nil
}

// GetRedemptionByInstance returns the redemption started with instanceID
func (s *Store) GetRedemptionByInstance(ctx context.Context, instanceID string) (*payload.Redemption, error) {
	var row Redemption
	if err := s.db.WithContext(ctx).Where("instance_id = ?", instanceID).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payload.ErrRedemptionNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// CountSettlements counts completed redemptions that moved money
func (s *Store) CountSettlements(ctx context.Context, actionID, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Redemption{}).
		Where("action_id = ? AND user_id = ? AND status = ? AND adopted_from = ''",
			actionID, userID, payload.RedemptionCompleted).
		Count(&n).Error
	return n, err
}

// ClaimRedemption sets the claim token on a pending, unclaimed redemption
func (s *Store) ClaimRedemption(ctx context.Context, id, token string) error {
	if token == "" {
		return errors.New("claim token is required")
	}
	db := s.db.WithContext(ctx)
	result := db.Model(&Redemption{}).
		Where("id = ? AND status = ? AND claim_token = ''", id, payload.RedemptionPending).
		Updates(map[string]interface{}{
			"claim_token": token,
			"updated_at":  s.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 1 {
		return nil
	}
	return transitionError(db, id)
}

// AdoptRedemption marks the oldest unadopted proxy settlement for the tuple
// as adopted by adopterInstanceID and returns it. Concurrent adopters race on
// the conditional update; only one wins each row.
func (s *Store) AdoptRedemption(ctx context.Context, actionID, userID, resourceID, adopterInstanceID string) (*payload.Redemption, error) {
	db := s.db.WithContext(ctx)
	for {
		var candidate Redemption
		err := db.Where(
			"action_id = ? AND user_id = ? AND resource_id = ? AND source = ? AND status = ? AND adopted_by = ''",
			actionID, userID, resourceID, payload.SourceProxy, payload.RedemptionCompleted,
		).Order("created_at ASC, id ASC").First(&candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		result := db.Model(&Redemption{}).
			Where("id = ? AND adopted_by = ''", candidate.ID).
			Updates(map[string]interface{}{
				"adopted_by": adopterInstanceID,
				"updated_at": s.now().UTC(),
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 1 {
			candidate.AdoptedBy = adopterInstanceID
			return candidate.toDomain(), nil
		}
		// Lost the race for this row; look for another
	}
}

// CompleteRedemption moves a pending redemption held by claimToken to completed
func (s *Store) CompleteRedemption(ctx context.Context, id, claimToken string, c payload.Completion) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := pendingRedemption(tx, id, claimToken)
		if err != nil {
			return err
		}
		metadata := row.Metadata
		if metadata == nil {
			metadata = datatypes.JSONMap{}
		}
		for k, v := range c.Metadata {
			metadata[k] = v
		}
		now := s.now().UTC()
		row.Status = string(payload.RedemptionCompleted)
		row.SponsoredAmount = c.SponsoredAmount
		row.AdoptedFrom = c.AdoptedFrom
		row.Metadata = metadata
		row.CompletedAt = &now

		result := tx.Model(&Redemption{}).
			Where("id = ? AND status = ? AND claim_token = ?", id, payload.RedemptionPending, claimToken).
			Select("status", "sponsored_amount", "adopted_from", "metadata", "completed_at", "updated_at").
			Updates(row)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
				return payload.ErrDuplicateRedemption
			}
			return result.Error
		}
		if result.RowsAffected == 0 {
			return transitionError(tx, id)
		}
		return nil
	})
}

// FailRedemption moves a pending redemption held by claimToken to failed,
// recording reason in its metadata
func (s *Store) FailRedemption(ctx context.Context, id, claimToken, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := pendingRedemption(tx, id, claimToken)
		if err != nil {
			return err
		}
		if row.Metadata == nil {
			row.Metadata = datatypes.JSONMap{}
		}
		row.Metadata[metadataFailureReason] = reason
		row.Status = string(payload.RedemptionFailed)

		result := tx.Model(&Redemption{}).
			Where("id = ? AND status = ? AND claim_token = ?", id, payload.RedemptionPending, claimToken).
			Select("status", "metadata", "updated_at").
			Updates(row)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return transitionError(tx, id)
		}
		return nil
	})
}

func pendingRedemption(tx *gorm.DB, id, claimToken string) (*Redemption, error) {
	var row Redemption
	if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payload.ErrRedemptionNotFound
		}
		return nil, err
	}
	if payload.RedemptionStatus(row.Status).Terminal() {
		return nil, payload.ErrRedemptionTerminal
	}
	if row.ClaimToken != claimToken {
		return nil, payload.ErrRedemptionClaimed
	}
	return &row, nil
}

// transitionError explains why a conditional update matched no rows
func transitionError(db *gorm.DB, id string) error {
	var row Redemption
	if err := db.Select("status", "claim_token").Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return payload.ErrRedemptionNotFound
		}
		return err
	}
	if payload.RedemptionStatus(row.Status).Terminal() {
		return payload.ErrRedemptionTerminal
	}
	if row.ClaimToken != "" {
		return payload.ErrRedemptionClaimed
	}
	return fmt.Errorf("redemption %s changed concurrently", id)
}
