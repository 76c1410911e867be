package payload

import (
	"errors"
	"fmt"
)

// SponsorshipError represents a sponsorship-specific failure with a stable code
type SponsorshipError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *SponsorshipError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes
const (
	ErrCodeUpstreamUnreachable  = "upstream_unreachable"
	ErrCodeUnparseableChallenge = "unparseable_challenge"
	ErrCodeNoEligibleSponsor    = "no_eligible_sponsor"
	ErrCodeAlreadyRedeemed      = "already_redeemed"
	ErrCodeMissingWallet        = "missing_wallet"
	ErrCodePayoutFailed         = "payout_failed"
	ErrCodeInsufficientBalance  = "insufficient_balance"
	ErrCodeUnknownPlugin        = "unknown_plugin"
	ErrCodeValidationFailed     = "validation_failed"
	ErrCodeDoubleSettlementRisk = "double_settlement_risk"
)

// NewSponsorshipError creates a new sponsorship error
func NewSponsorshipError(code, message string, details map[string]interface{}) *SponsorshipError {
	return &SponsorshipError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// ErrorCode extracts the sponsorship error code from err, or "" when err is not one
func ErrorCode(err error) string {
	var se *SponsorshipError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Ledger and persistence errors
var (
	ErrInsufficientBalance = errors.New("payload: insufficient sponsor balance")
	ErrInvalidAmount       = errors.New("payload: amount must be a non-negative integer in the smallest unit")
	ErrSponsorNotFound     = errors.New("payload: sponsor not found")
	ErrActionNotFound      = errors.New("payload: action not found")
	ErrRedemptionNotFound  = errors.New("payload: redemption not found")
	ErrRedemptionTerminal  = errors.New("payload: redemption already in a terminal state")
	ErrRedemptionClaimed   = errors.New("payload: redemption is being settled by another request")
	ErrDuplicateRedemption = errors.New("payload: a completed settlement already exists for this action and user")
	ErrDuplicateDeposit    = errors.New("payload: deposit transaction already credited")
	ErrResourceNotFound    = errors.New("payload: resource not found")
)

// Sponsor operation errors
var (
	ErrDepositProofRequired  = errors.New("payload: funding requires a deposit transaction hash")
	ErrVerifierNotConfigured = errors.New("payload: deposit verification is not configured")
	ErrDepositNotVerified    = errors.New("payload: deposit transaction could not be verified")
	ErrInvalidWalletAddress  = errors.New("payload: invalid wallet address")
	ErrInvalidAction         = errors.New("payload: invalid action")
)
