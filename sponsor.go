package payload

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/microchipgnu/payload-exchange-sub000/actions"
)

// NormalizeWallet validates a hex wallet address and returns its checksummed form
func NormalizeWallet(address string) (string, error) {
	address = strings.TrimSpace(address)
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: %q", ErrInvalidWalletAddress, address)
	}
	return common.HexToAddress(address).Hex(), nil
}

// Sponsor returns the sponsor identified by wallet, creating it on first use
func (s *Sponsorship) Sponsor(ctx context.Context, wallet string) (*Sponsor, error) {
	normalized, err := NormalizeWallet(wallet)
	if err != nil {
		return nil, err
	}
	return s.store.GetOrCreateSponsor(ctx, normalized)
}

// FundRequest credits a sponsor
type FundRequest struct {
	WalletAddress   string
	Amount          int64
	TransactionHash string
}

// Fund credits a sponsor's balance. With a transaction hash the deposit is
// verified on chain (sponsor wallet to treasury, exact amount) and credited
// at most once. Without one, funding is only accepted when unverified funding
// is allowed.
func (s *Sponsorship) Fund(ctx context.Context, req FundRequest) (*Sponsor, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	sponsor, err := s.Sponsor(ctx, req.WalletAddress)
	if err != nil {
		return nil, err
	}
	logger := s.logger.With("sponsor", sponsor.ID, "amount", req.Amount)

	if req.TransactionHash == "" {
		if !s.allowUnverifiedFunding {
			return nil, ErrDepositProofRequired
		}
		balance, err := s.store.Credit(ctx, sponsor.ID, req.Amount)
		if err != nil {
			return nil, err
		}
		sponsor.Balance = balance
		logger.Warn("sponsor funded without deposit verification", "balance", balance)
		return sponsor, nil
	}

	if s.verifier == nil || s.payer == nil {
		return nil, ErrVerifierNotConfigured
	}
	ok, err := s.verifier.VerifyTransfer(ctx, req.TransactionHash, sponsor.WalletAddress, s.payer.Address(), req.Amount)
	if err != nil {
		logger.Info("deposit verification failed", "txHash", req.TransactionHash, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrDepositNotVerified, err)
	}
	if !ok {
		return nil, ErrDepositNotVerified
	}

	balance, err := s.store.RecordDeposit(ctx, &Deposit{
		TransactionHash: strings.ToLower(req.TransactionHash),
		SponsorID:       sponsor.ID,
		Amount:          req.Amount,
	})
	if err != nil {
		return nil, err
	}
	sponsor.Balance = balance
	logger.Info("sponsor funded", "txHash", req.TransactionHash, "balance", balance)
	return sponsor, nil
}

// WithdrawRequest debits a sponsor
type WithdrawRequest struct {
	WalletAddress string
	Amount        int64
}

// WithdrawResult is the outcome of a withdrawal
type WithdrawResult struct {
	Sponsor         *Sponsor `json:"sponsor"`
	TransactionHash string   `json:"transactionHash,omitempty"`
}

// Withdraw debits a sponsor's balance and, when a treasury payer is
// configured, pays the amount out to the sponsor's wallet. A definite payout
// failure restores the balance; an ambiguous one keeps the debit.
func (s *Sponsorship) Withdraw(ctx context.Context, req WithdrawRequest) (*WithdrawResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	sponsor, err := s.Sponsor(ctx, req.WalletAddress)
	if err != nil {
		return nil, err
	}
	if req.Amount > sponsor.Balance {
		s.metrics.ledgerRejected()
		return nil, ErrInsufficientBalance
	}

	balance, err := s.store.Debit(ctx, sponsor.ID, req.Amount)
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			s.metrics.ledgerRejected()
		}
		return nil, err
	}
	sponsor.Balance = balance
	logger := s.logger.With("sponsor", sponsor.ID, "amount", req.Amount)

	if s.payer == nil {
		logger.Info("sponsor withdrew without payout", "balance", balance)
		return &WithdrawResult{Sponsor: sponsor}, nil
	}

	detached := context.WithoutCancel(ctx)
	payout := &Payout{
		ID:        uuid.New().String(),
		SponsorID: sponsor.ID,
		ToAddress: sponsor.WalletAddress,
		Amount:    req.Amount,
		State:     PayoutIntent,
	}
	if err := s.store.RecordPayout(detached, payout); err != nil {
		s.refund(detached, sponsor, req.Amount)
		return nil, fmt.Errorf("failed to journal withdrawal: %w", err)
	}

	payCtx, cancel := context.WithTimeout(detached, s.payoutTimeout)
	result := s.payer.PayUser(payCtx, sponsor.WalletAddress, req.Amount)
	cancel()

	switch {
	case !result.Success && result.Ambiguous:
		s.metrics.payout("unknown")
		s.updatePayout(detached, payout.ID, PayoutUnknown, result.TransactionHash, result.Error)
		logger.Error("withdrawal payout outcome unknown; manual reconciliation required",
			"txHash", result.TransactionHash, "error", result.Error)
		return &WithdrawResult{Sponsor: sponsor, TransactionHash: result.TransactionHash}, nil
	case !result.Success:
		s.metrics.payout("failed")
		s.updatePayout(detached, payout.ID, PayoutFailed, result.TransactionHash, result.Error)
		s.refund(detached, sponsor, req.Amount)
		return nil, NewSponsorshipError(ErrCodePayoutFailed, result.Error, nil)
	}

	s.metrics.payout("confirmed")
	s.updatePayout(detached, payout.ID, PayoutSettled, result.TransactionHash, "")
	logger.Info("sponsor withdrew", "txHash", result.TransactionHash, "balance", balance)
	return &WithdrawResult{Sponsor: sponsor, TransactionHash: result.TransactionHash}, nil
}

func (s *Sponsorship) refund(ctx context.Context, sponsor *Sponsor, amount int64) {
	balance, err := s.store.Credit(ctx, sponsor.ID, amount)
	if err != nil {
		s.logger.Error("failed to restore withdrawn balance; manual reconciliation required",
			"sponsor", sponsor.ID, "amount", amount, "error", err)
		return
	}
	sponsor.Balance = balance
}

// Analytics aggregates a sponsor's balance and redemption activity
func (s *Sponsorship) Analytics(ctx context.Context, wallet string) (*SponsorAnalytics, error) {
	sponsor, err := s.Sponsor(ctx, wallet)
	if err != nil {
		return nil, err
	}
	return s.store.SponsorAnalytics(ctx, sponsor.ID)
}

// ActionSpec is a sponsor's request to create an action
type ActionSpec struct {
	PluginID           string                 `json:"pluginId"`
	Config             map[string]interface{} `json:"config"`
	CoverageType       CoverageType           `json:"coverageType"`
	CoveragePercent    *int                   `json:"coveragePercent,omitempty"`
	Recurrence         Recurrence             `json:"recurrence"`
	MaxRedemptionPrice string                 `json:"maxRedemptionPrice"`
}

func invalidAction(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidAction, fmt.Sprintf(format, args...))
}

// CreateAction validates spec and creates an active action owned by the sponsor
func (s *Sponsorship) CreateAction(ctx context.Context, wallet string, spec ActionSpec) (*Action, error) {
	sponsor, err := s.Sponsor(ctx, wallet)
	if err != nil {
		return nil, err
	}

	if !spec.CoverageType.Valid() {
		return nil, invalidAction("coverageType must be %q or %q", CoverageFull, CoveragePercent)
	}
	if !spec.Recurrence.Valid() {
		return nil, invalidAction("recurrence must be %q or %q", RecurrenceOneTimePerUser, RecurrencePerRequest)
	}
	percent := 0
	switch {
	case spec.CoverageType == CoveragePercent && spec.CoveragePercent == nil:
		return nil, invalidAction("coveragePercent is required for percent coverage")
	case spec.CoverageType == CoverageFull && spec.CoveragePercent != nil:
		return nil, invalidAction("coveragePercent is only allowed for percent coverage")
	case spec.CoveragePercent != nil:
		percent = *spec.CoveragePercent
	}
	policy := CoveragePolicy{Type: spec.CoverageType, Percent: percent}
	if err := policy.Validate(); err != nil {
		return nil, invalidAction("%v", err)
	}
	maxPrice, err := ParseAmount(spec.MaxRedemptionPrice)
	if err != nil {
		return nil, invalidAction("maxRedemptionPrice: %v", err)
	}

	if err := s.plugins.ValidateConfig(spec.PluginID, spec.Config); err != nil {
		if errors.Is(err, actions.ErrUnknownPlugin) {
			return nil, invalidAction("unknown plugin %q", spec.PluginID)
		}
		return nil, invalidAction("%v", err)
	}

	config := spec.Config
	if config == nil {
		config = map[string]interface{}{}
	}
	action := &Action{
		ID:                 uuid.New().String(),
		SponsorID:          sponsor.ID,
		PluginID:           spec.PluginID,
		Config:             config,
		CoverageType:       spec.CoverageType,
		CoveragePercent:    percent,
		Recurrence:         spec.Recurrence,
		MaxRedemptionPrice: maxPrice,
		Active:             true,
	}
	if err := s.store.CreateAction(ctx, action); err != nil {
		return nil, err
	}
	s.logger.Info("action created", "sponsor", sponsor.ID, "action", action.ID, "plugin", action.PluginID)
	return action, nil
}

// SponsorActions lists every action owned by the sponsor
func (s *Sponsorship) SponsorActions(ctx context.Context, wallet string) ([]Action, error) {
	sponsor, err := s.Sponsor(ctx, wallet)
	if err != nil {
		return nil, err
	}
	return s.store.ListActions(ctx, ActionFilter{SponsorID: sponsor.ID})
}

// SetActionActive toggles an action owned by the sponsor
func (s *Sponsorship) SetActionActive(ctx context.Context, wallet, actionID string, active bool) (*Action, error) {
	sponsor, err := s.Sponsor(ctx, wallet)
	if err != nil {
		return nil, err
	}
	return s.store.SetActionActive(ctx, sponsor.ID, actionID, active)
}

// AvailableAction is an action a user can currently start
type AvailableAction struct {
	Action         Action                 `json:"action"`
	Plugin         actions.Description    `json:"plugin"`
	SponsorBalance int64                  `json:"sponsorBalance,string"`
	Display        map[string]interface{} `json:"display"`
}

// AvailableActions lists active actions whose sponsor has a positive balance.
// When userID is set, actions the user can no longer redeem are left out.
func (s *Sponsorship) AvailableActions(ctx context.Context, userID string) ([]AvailableAction, error) {
	list, err := s.store.ListActions(ctx, ActionFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	out := []AvailableAction{}
	for i := range list {
		action := &list[i]
		plugin, err := s.plugins.Get(action.PluginID)
		if err != nil {
			s.logger.Warn("skipping action with unregistered plugin", "action", action.ID, "plugin", action.PluginID)
			continue
		}
		sponsor, err := s.store.GetSponsor(ctx, action.SponsorID)
		if err != nil {
			return nil, err
		}
		if sponsor.Balance <= 0 {
			continue
		}
		if userID != "" {
			ok, err := s.canRedeem(ctx, action, userID)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, AvailableAction{
			Action:         *action,
			Plugin:         plugin.Describe(action.Config),
			SponsorBalance: sponsor.Balance,
			Display: map[string]interface{}{
				"sponsorBalance":     DisplayAmount(sponsor.Balance, DefaultDecimals),
				"maxRedemptionPrice": DisplayAmount(action.MaxRedemptionPrice, DefaultDecimals),
			},
		})
	}
	return out, nil
}
