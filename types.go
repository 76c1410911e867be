package payload

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Network represents a blockchain network identifier in CAIP-2 format
// Format: namespace:reference (e.g., "eip155:8453" for Base mainnet)
type Network string

// Parse splits the network into namespace and reference components
func (n Network) Parse() (namespace, reference string, err error) {
	parts := strings.Split(string(n), ":")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// CoverageType selects how a sponsor splits a resource price with the user
type CoverageType string

const (
	CoverageFull    CoverageType = "full"
	CoveragePercent CoverageType = "percent"
)

// Valid reports whether the coverage type is a known enumeration value
func (c CoverageType) Valid() bool {
	return c == CoverageFull || c == CoveragePercent
}

// Recurrence controls how often a user may redeem an action
type Recurrence string

const (
	RecurrenceOneTimePerUser Recurrence = "one_time_per_user"
	RecurrencePerRequest     Recurrence = "per_request"
)

// Valid reports whether the recurrence is a known enumeration value
func (r Recurrence) Valid() bool {
	return r == RecurrenceOneTimePerUser || r == RecurrencePerRequest
}

// RedemptionStatus is the lifecycle state of a redemption.
// Transitions are monotonic: pending -> completed | failed.
type RedemptionStatus string

const (
	RedemptionPending   RedemptionStatus = "pending"
	RedemptionCompleted RedemptionStatus = "completed"
	RedemptionFailed    RedemptionStatus = "failed"
)

// Terminal reports whether no further transitions are allowed
func (s RedemptionStatus) Terminal() bool {
	return s == RedemptionCompleted || s == RedemptionFailed
}

// RedemptionSource records which settlement path created a redemption
type RedemptionSource string

const (
	SourceProxy  RedemptionSource = "proxy"
	SourceAction RedemptionSource = "action"
)

// Challenge is the normalized form of an upstream x402 402 response
type Challenge struct {
	Amount      *big.Int `json:"amount"`
	Currency    string   `json:"currency"` // "{scheme}:{network}"
	Network     Network  `json:"network"`
	Scheme      string   `json:"scheme"`
	Resource    string   `json:"resource"`
	Asset       string   `json:"asset,omitempty"`
	PayTo       string   `json:"payTo,omitempty"`
	Description string   `json:"description,omitempty"`
	MimeType    string   `json:"mimeType,omitempty"`
}

// Snapshot returns a JSON-friendly view of the challenge with the amount as a decimal string
func (c *Challenge) Snapshot() map[string]interface{} {
	snap := map[string]interface{}{
		"amount":   c.Amount.String(),
		"currency": c.Currency,
		"network":  string(c.Network),
		"scheme":   c.Scheme,
		"resource": c.Resource,
	}
	if c.Asset != "" {
		snap["asset"] = c.Asset
	}
	if c.PayTo != "" {
		snap["payTo"] = c.PayTo
	}
	if c.Description != "" {
		snap["description"] = c.Description
	}
	if c.MimeType != "" {
		snap["mimeType"] = c.MimeType
	}
	return snap
}

// Sponsor pre-funds a balance in the asset's smallest unit.
// Identity is the wallet address.
type Sponsor struct {
	ID            string    `json:"id"`
	WalletAddress string    `json:"walletAddress"`
	Balance       int64     `json:"balance,string"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Action is a sponsor-owned sponsorship policy
type Action struct {
	ID                 string                 `json:"id"`
	SponsorID          string                 `json:"sponsorId"`
	PluginID           string                 `json:"pluginId"`
	Config             map[string]interface{} `json:"config"`
	CoverageType       CoverageType           `json:"coverageType"`
	CoveragePercent    int                    `json:"coveragePercent,omitempty"`
	Recurrence         Recurrence             `json:"recurrence"`
	MaxRedemptionPrice int64                  `json:"maxRedemptionPrice,string"`
	Active             bool                   `json:"active"`
	CreatedAt          time.Time              `json:"createdAt"`
}

// Policy returns the coverage policy of the action
func (a *Action) Policy() CoveragePolicy {
	return CoveragePolicy{Type: a.CoverageType, Percent: a.CoveragePercent}
}

// Redemption is one sponsorship attempt
type Redemption struct {
	ID              string                 `json:"id"`
	ActionID        string                 `json:"actionId"`
	UserID          string                 `json:"userId"`
	ResourceID      string                 `json:"resourceId"`
	InstanceID      string                 `json:"instanceId"`
	Status          RedemptionStatus       `json:"status"`
	SponsoredAmount int64                  `json:"sponsoredAmount,string"`
	Source          RedemptionSource       `json:"source"`
	OneTime         bool                   `json:"oneTime"`
	AdoptedFrom     string                 `json:"adoptedFrom,omitempty"`
	AdoptedBy       string                 `json:"adoptedBy,omitempty"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
	CompletedAt     *time.Time             `json:"completedAt,omitempty"`
}

// MetadataString returns a string metadata value or "" when absent
func (r *Redemption) MetadataString(key string) string {
	if r.Metadata == nil {
		return ""
	}
	s, _ := r.Metadata[key].(string)
	return s
}

// PayoutState is the journal state of a treasury payout
type PayoutState string

const (
	PayoutIntent       PayoutState = "intent"
	PayoutSubmitted    PayoutState = "submitted"
	PayoutSettled      PayoutState = "settled"
	PayoutFailed       PayoutState = "failed"
	PayoutUnknown      PayoutState = "unknown"
	PayoutUnreconciled PayoutState = "unreconciled"
)

// Payout is a journal entry for an on-chain transfer out of the treasury
type Payout struct {
	ID              string      `json:"id"`
	SponsorID       string      `json:"sponsorId"`
	ActionID        string      `json:"actionId"`
	UserID          string      `json:"userId"`
	ResourceID      string      `json:"resourceId"`
	ToAddress       string      `json:"toAddress"`
	Amount          int64       `json:"amount,string"`
	State           PayoutState `json:"state"`
	TransactionHash string      `json:"transactionHash,omitempty"`
	Error           string      `json:"error,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// Deposit records a verified on-chain sponsor funding transfer
type Deposit struct {
	TransactionHash string    `json:"transactionHash"`
	SponsorID       string    `json:"sponsorId"`
	Amount          int64     `json:"amount,string"`
	CreatedAt       time.Time `json:"createdAt"`
}

// SponsorAnalytics aggregates a sponsor's balance and redemption activity
type SponsorAnalytics struct {
	Balance              int64 `json:"balance,string"`
	TotalSpent           int64 `json:"totalSpent,string"`
	ActionCount          int64 `json:"actionCount"`
	ActiveActionCount    int64 `json:"activeActionCount"`
	CompletedRedemptions int64 `json:"completedRedemptions"`
	PendingRedemptions   int64 `json:"pendingRedemptions"`
	FailedRedemptions    int64 `json:"failedRedemptions"`
}

// Resource is a catalog entry for a paid upstream API
type Resource struct {
	ID          string     `json:"id"`
	URL         string     `json:"url"`
	Description string     `json:"description,omitempty"`
	Challenge   *Challenge `json:"challenge,omitempty"`
}
