package payload

import (
	"context"
)

// ============================================================================
// Persistence
// ============================================================================

// Ledger applies signed balance deltas atomically.
// A debit that would make the balance negative fails with ErrInsufficientBalance
// and leaves the balance unchanged.
type Ledger interface {
	Debit(ctx context.Context, sponsorID string, amount int64) (int64, error)
	Credit(ctx context.Context, sponsorID string, amount int64) (int64, error)
}

// SponsorStore persists sponsors and their balances
type SponsorStore interface {
	Ledger

	// GetOrCreateSponsor returns the sponsor for a wallet, creating it with a zero balance on first use
	GetOrCreateSponsor(ctx context.Context, walletAddress string) (*Sponsor, error)
	GetSponsor(ctx context.Context, id string) (*Sponsor, error)

	// RecordDeposit inserts a verified deposit and credits the sponsor in one transaction.
	// Returns ErrDuplicateDeposit when the transaction hash was already credited.
	RecordDeposit(ctx context.Context, deposit *Deposit) (int64, error)

	SponsorAnalytics(ctx context.Context, sponsorID string) (*SponsorAnalytics, error)
}

// ActionFilter narrows ListActions
type ActionFilter struct {
	SponsorID  string
	ActiveOnly bool
}

// ActionStore persists sponsor-owned actions
type ActionStore interface {
	CreateAction(ctx context.Context, action *Action) error
	GetAction(ctx context.Context, id string) (*Action, error)
	ListActions(ctx context.Context, filter ActionFilter) ([]Action, error)
	SetActionActive(ctx context.Context, sponsorID, actionID string, active bool) (*Action, error)
}

// Completion carries the terminal data written when a redemption completes
type Completion struct {
	SponsoredAmount int64
	AdoptedFrom     string
	Metadata        map[string]interface{}
}

// RedemptionStore persists redemptions. Status transitions are monotonic.
type RedemptionStore interface {
	// CreateRedemption inserts a redemption. Completed one-time redemptions are
	// unique per (action, user); a second one fails with ErrDuplicateRedemption.
	CreateRedemption(ctx context.Context, r *Redemption) error
	GetRedemptionByInstance(ctx context.Context, instanceID string) (*Redemption, error)

	// CountSettlements counts completed redemptions for (action, user) that moved
	// money, i.e. excluding those that adopted another redemption's settlement.
	CountSettlements(ctx context.Context, actionID, userID string) (int64, error)

	// ClaimRedemption marks a pending redemption as being settled by token.
	// Returns ErrRedemptionTerminal or ErrRedemptionClaimed when it cannot be claimed.
	ClaimRedemption(ctx context.Context, id, token string) error

	// AdoptRedemption atomically claims a completed proxy-flow redemption for
	// (action, user, resource) that no other redemption adopted yet.
	// Returns nil, nil when there is none.
	AdoptRedemption(ctx context.Context, actionID, userID, resourceID, adopterInstanceID string) (*Redemption, error)

	// CompleteRedemption moves a pending redemption held by claimToken to completed
	CompleteRedemption(ctx context.Context, id, claimToken string, c Completion) error

	// FailRedemption moves a pending redemption held by claimToken to failed
	FailRedemption(ctx context.Context, id, claimToken, reason string) error
}

// PayoutJournal records treasury payouts so that a crash between the on-chain
// transfer and the ledger debit is detectable.
type PayoutJournal interface {
	RecordPayout(ctx context.Context, p *Payout) error
	UpdatePayout(ctx context.Context, id string, state PayoutState, txHash, errMsg string) error
	ListPayouts(ctx context.Context, states ...PayoutState) ([]Payout, error)
}

// Store is the full persistence surface used by the sponsorship service
type Store interface {
	SponsorStore
	ActionStore
	RedemptionStore
	PayoutJournal
}

// ============================================================================
// Chain
// ============================================================================

// PayoutResult is the outcome of a treasury transfer.
// Ambiguous is set when the transfer may have been broadcast but its outcome
// is unknown; callers must not debit the ledger and must not retry.
type PayoutResult struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Error           string `json:"error,omitempty"`
	Ambiguous       bool   `json:"ambiguous,omitempty"`
}

// TreasuryPayer issues stablecoin transfers from the custodial treasury wallet
type TreasuryPayer interface {
	// Address returns the treasury wallet address
	Address() string
	PayUser(ctx context.Context, toAddress string, amount int64) PayoutResult
}

// TransferVerifier confirms an on-chain token transfer matches the expected parties and amount
type TransferVerifier interface {
	VerifyTransfer(ctx context.Context, txHash, fromAddress, toAddress string, expectedAmount int64) (bool, error)
}

// UpstreamPayment describes a payment to an upstream resource on a user's behalf
type UpstreamPayment struct {
	ResourceID    string
	PayTo         string
	Network       Network
	Amount        int64
	UserID        string
	WalletAddress string
}

// UpstreamReceipt is the result of an upstream payment. Ambiguous follows
// the PayoutResult meaning: the payment may have happened.
type UpstreamReceipt struct {
	Success         bool
	TransactionHash string
	Error           string
	Ambiguous       bool
}

// UpstreamPayer pays an upstream resource directly. This is the boundary where
// an x402 wire-protocol client would plug in.
type UpstreamPayer interface {
	PayResource(ctx context.Context, payment UpstreamPayment) (*UpstreamReceipt, error)
}

// ============================================================================
// Catalog
// ============================================================================

// ResourceCatalog is the read-only lookup of available paid resources
type ResourceCatalog interface {
	// Lookup returns ErrResourceNotFound when the id is unknown
	Lookup(ctx context.Context, resourceID string) (*Resource, error)
}
