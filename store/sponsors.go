package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	payload "github.com/microchipgnu/payload-exchange-sub000"
)

// Debit subtracts amount from a sponsor balance in a single conditional
// update, so concurrent debits can never drive the balance negative
func (s *Store) Debit(ctx context.Context, sponsorID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, payload.ErrInvalidAmount
	}
	var balance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Sponsor{}).
			Where("id = ? AND balance >= ?", sponsorID, amount).
			Updates(map[string]interface{}{
				"balance":    gorm.Expr("balance - ?", amount),
				"updated_at": s.now().UTC(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			if _, err := findSponsor(tx, sponsorID); err != nil {
				return err
			}
			return payload.ErrInsufficientBalance
		}
		var err error
		balance, err = sponsorBalance(tx, sponsorID)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Credit adds amount to a sponsor balance
func (s *Store) Credit(ctx context.Context, sponsorID string, amount int64) (int64, error) {
	if amount < 0 {
		return 0, payload.ErrInvalidAmount
	}
	var balance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		balance, err = credit(tx, sponsorID, amount, s.now)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func credit(tx *gorm.DB, sponsorID string, amount int64, now func() time.Time) (int64, error) {
	result := tx.Model(&Sponsor{}).
		Where("id = ?", sponsorID).
		Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", amount),
			"updated_at": now().UTC(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, payload.ErrSponsorNotFound
	}
	return sponsorBalance(tx, sponsorID)
}

// GetOrCreateSponsor returns the sponsor for a wallet, creating it on first use
func (s *Store) GetOrCreateSponsor(ctx context.Context, walletAddress string) (*payload.Sponsor, error) {
	db := s.db.WithContext(ctx)
	candidate := Sponsor{ID: uuid.New().String(), WalletAddress: walletAddress}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "wallet_address"}},
		DoNothing: true,
	}).Create(&candidate).Error; err != nil {
		return nil, fmt.Errorf("failed to create sponsor: %w", err)
	}

	var sponsor Sponsor
	if err := db.Where("wallet_address = ?", walletAddress).First(&sponsor).Error; err != nil {
		return nil, fmt.Errorf("failed to load sponsor: %w", err)
	}
	return sponsor.toDomain(), nil
}

// GetSponsor returns a sponsor by id
func (s *Store) GetSponsor(ctx context.Context, id string) (*payload.Sponsor, error) {
	sponsor, err := findSponsor(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	return sponsor.toDomain(), nil
}

// RecordDeposit stores a verified deposit and credits the sponsor in one transaction
func (s *Store) RecordDeposit(ctx context.Context, deposit *payload.Deposit) (int64, error) {
	if deposit.Amount <= 0 {
		return 0, payload.ErrInvalidAmount
	}
	var balance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := Deposit{
			TransactionHash: deposit.TransactionHash,
			SponsorID:       deposit.SponsorID,
			Amount:          deposit.Amount,
		}
		if err := tx.Create(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return payload.ErrDuplicateDeposit
			}
			return err
		}
		var err error
		balance, err = credit(tx, deposit.SponsorID, deposit.Amount, s.now)
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// SponsorAnalytics aggregates balance, spend and redemption counts
func (s *Store) SponsorAnalytics(ctx context.Context, sponsorID string) (*payload.SponsorAnalytics, error) {
	db := s.db.WithContext(ctx)
	sponsor, err := findSponsor(db, sponsorID)
	if err != nil {
		return nil, err
	}
	out := &payload.SponsorAnalytics{Balance: sponsor.Balance}

	if err := db.Model(&Action{}).Where("sponsor_id = ?", sponsorID).Count(&out.ActionCount).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&Action{}).Where("sponsor_id = ? AND active = ?", sponsorID, true).Count(&out.ActiveActionCount).Error; err != nil {
		return nil, err
	}

	var rows []struct {
		Status string
		Count  int64
		Spent  int64
	}
	err = db.Model(&Redemption{}).
		Select("redemptions.status AS status, COUNT(*) AS count, "+
			"COALESCE(SUM(CASE WHEN redemptions.adopted_from = '' THEN redemptions.sponsored_amount ELSE 0 END), 0) AS spent").
		Joins("JOIN actions ON actions.id = redemptions.action_id").
		Where("actions.sponsor_id = ?", sponsorID).
		Group("redemptions.status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		switch payload.RedemptionStatus(row.Status) {
		case payload.RedemptionCompleted:
			out.CompletedRedemptions = row.Count
			out.TotalSpent = row.Spent
		case payload.RedemptionPending:
			out.PendingRedemptions = row.Count
		case payload.RedemptionFailed:
			out.FailedRedemptions = row.Count
		}
	}
	return out, nil
}

func findSponsor(db *gorm.DB, id string) (*Sponsor, error) {
	var sponsor Sponsor
	if err := db.Where("id = ?", id).First(&sponsor).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, payload.ErrSponsorNotFound
		}
		return nil, err
	}
	return &sponsor, nil
}

func sponsorBalance(db *gorm.DB, id string) (int64, error) {
	sponsor, err := findSponsor(db, id)
	if err != nil {
		return 0, err
	}
	return sponsor.Balance, nil
}
