package store

import (
	"time"

	"gorm.io/datatypes"

	payload "github.com/microchipgnu/payload-exchange-sub000"
)

// Sponsor is the sponsors table
type Sponsor struct {
	ID            string `gorm:"primaryKey;size:36"`
	WalletAddress string `gorm:"uniqueIndex;size:42;not null"`
	Balance       int64 `gorm:"not null;default:0;check:chk_sponsors_balance,balance >= 0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (Sponsor) TableName() string {
	return "sponsors"
}

func (s *Sponsor) toDomain() *payload.Sponsor {
	return &payload.Sponsor{
		ID:            s.ID,
		WalletAddress: s.WalletAddress,
		Balance:       s.Balance,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

// Deposit is the deposits table. The transaction hash is the key so a
// transfer can only ever be credited once.
type Deposit struct {
	TransactionHash string `gorm:"primaryKey;size:66"`
	SponsorID       string `gorm:"index;size:36;not null"`
	Amount          int64 `gorm:"not null"`
	CreatedAt       time.Time
}

func (Deposit) TableName() string {
	return "deposits"
}

// Action is the actions table
type Action struct {
	ID                 string `gorm:"primaryKey;size:36"`
	SponsorID          string `gorm:"index;size:36;not null"`
	PluginID           string `gorm:"size:64;not null"`
	Config             datatypes.JSONMap
	CoverageType       string `gorm:"size:16;not null"`
	CoveragePercent    int
	Recurrence         string `gorm:"size:32;not null"`
	MaxRedemptionPrice int64  `gorm:"not null"`
	Active             bool   `gorm:"index;not null"`
	CreatedAt          time.Time
}

func (Action) TableName() string {
	return "actions"
}

func actionFromDomain(a *payload.Action) *Action {
	return &Action{
		ID:                 a.ID,
		SponsorID:          a.SponsorID,
		PluginID:           a.PluginID,
		Config:             datatypes.JSONMap(a.Config),
		CoverageType:       string(a.CoverageType),
		CoveragePercent:    a.CoveragePercent,
		Recurrence:         string(a.Recurrence),
		MaxRedemptionPrice: a.MaxRedemptionPrice,
		Active:             a.Active,
		CreatedAt:          a.CreatedAt,
	}
}

func (a *Action) toDomain() *payload.Action {
	return &payload.Action{
		ID:                 a.ID,
		SponsorID:          a.SponsorID,
		PluginID:           a.PluginID,
		Config:             map[string]interface{}(a.Config),
		CoverageType:       payload.CoverageType(a.CoverageType),
		CoveragePercent:    a.CoveragePercent,
		Recurrence:         payload.Recurrence(a.Recurrence),
		MaxRedemptionPrice: a.MaxRedemptionPrice,
		Active:             a.Active,
		CreatedAt:          a.CreatedAt,
	}
}

// Redemption is the redemptions table.
// ClaimToken is empty until a settlement attempt claims the pending row.
type Redemption struct {
	ID              string `gorm:"primaryKey;size:36"`
	ActionID        string `gorm:"index:idx_redemptions_action_user;size:36;not null"`
	UserID          string `gorm:"index:idx_redemptions_action_user;size:128;not null"`
	ResourceID      string `gorm:"size:2048;not null"`
	InstanceID      string `gorm:"uniqueIndex;size:128;not null"`
	Status          string `gorm:"index;size:16;not null"`
	SponsoredAmount int64  `gorm:"not null;default:0"`
	Source          string `gorm:"size:16;not null"`
	OneTime         bool   `gorm:"not null;default:false"`
	AdoptedFrom     string `gorm:"size:36;not null;default:''"`
	AdoptedBy       string `gorm:"size:128;not null;default:''"`
	ClaimToken      string `gorm:"size:36;not null;default:''"`
	Metadata        datatypes.JSONMap
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

func (Redemption) TableName() string {
	return "redemptions"
}

func redemptionFromDomain(r *payload.Redemption) *Redemption {
	return &Redemption{
		ID:              r.ID,
		ActionID:        r.ActionID,
		UserID:          r.UserID,
		ResourceID:      r.ResourceID,
		InstanceID:      r.InstanceID,
		Status:          string(r.Status),
		SponsoredAmount: r.SponsoredAmount,
		Source:          string(r.Source),
		OneTime:         r.OneTime,
		AdoptedFrom:     r.AdoptedFrom,
		AdoptedBy:       r.AdoptedBy,
		Metadata:        datatypes.JSONMap(r.Metadata),
		CompletedAt:     r.CompletedAt,
	}
}

func (r *Redemption) toDomain() *payload.Redemption {
	return &payload.Redemption{
		ID:              r.ID,
		ActionID:        r.ActionID,
		UserID:          r.UserID,
		ResourceID:      r.ResourceID,
		InstanceID:      r.InstanceID,
		Status:          payload.RedemptionStatus(r.Status),
		SponsoredAmount: r.SponsoredAmount,
		Source:          payload.RedemptionSource(r.Source),
		OneTime:         r.OneTime,
		AdoptedFrom:     r.AdoptedFrom,
		AdoptedBy:       r.AdoptedBy,
		Metadata:        map[string]interface{}(r.Metadata),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		CompletedAt:     r.CompletedAt,
	}
}

// Payout is the payouts journal table
type Payout struct {
	ID              string `gorm:"primaryKey;size:36"`
	SponsorID       string `gorm:"index;size:36;not null"`
	ActionID        string `gorm:"size:36;not null;default:''"`
	UserID          string `gorm:"size:128;not null;default:''"`
	ResourceID      string `gorm:"size:2048;not null;default:''"`
	ToAddress       string `gorm:"size:42;not null"`
	Amount          int64 `gorm:"not null"`
	State           string `gorm:"index;size:16;not null"`
	TransactionHash string `gorm:"size:66;not null;default:''"`
	Error           string `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (Payout) TableName() string {
	return "payouts"
}

func payoutFromDomain(p *payload.Payout) *Payout {
	return &Payout{
		ID:              p.ID,
		SponsorID:       p.SponsorID,
		ActionID:        p.ActionID,
		UserID:          p.UserID,
		ResourceID:      p.ResourceID,
		ToAddress:       p.ToAddress,
		Amount:          p.Amount,
		State:           string(p.State),
		TransactionHash: p.TransactionHash,
		Error:           p.Error,
	}
}

func (p *Payout) toDomain() payload.Payout {
	return payload.Payout{
		ID:              p.ID,
		SponsorID:       p.SponsorID,
		ActionID:        p.ActionID,
		UserID:          p.UserID,
		ResourceID:      p.ResourceID,
		ToAddress:       p.ToAddress,
		Amount:          p.Amount,
		State:           payload.PayoutState(p.State),
		TransactionHash: p.TransactionHash,
		Error:           p.Error,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

// MigrateModels lists every table the store creates
var MigrateModels = []any{
	&Sponsor{},
	&Deposit{},
	&Action{},
	&Redemption{},
	&Payout{},
}
