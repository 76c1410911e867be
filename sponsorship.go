package payload

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/microchipgnu/payload-exchange-sub000/actions"
)

const (
	// DefaultPayoutTimeout bounds a treasury transfer including its receipt wait
	DefaultPayoutTimeout = 90 * time.Second

	// MetadataTransactionHash is the redemption metadata key holding the settlement transfer hash
	MetadataTransactionHash = "transactionHash"
	// MetadataSponsoredAmount is the redemption metadata key holding a quoted owed amount
	MetadataSponsoredAmount = "sponsoredAmount"
)

// Proxy outcome labels
const (
	outcomeSponsored = "sponsored"
)

// Sponsorship orchestrates the ledger, redemption store, action plugins and
// treasury around both settlement paths.
type Sponsorship struct {
	store    Store
	plugins  *actions.Registry
	payer    TreasuryPayer
	verifier TransferVerifier
	upstream UpstreamPayer
	catalog  ResourceCatalog
	guard    *SettlementGuard
	metrics  *Metrics
	logger   *slog.Logger

	allowUnverifiedFunding bool
	payoutTimeout          time.Duration
	now                    func() time.Time
}

// SponsorshipOption configures the service
type SponsorshipOption func(*Sponsorship)

// WithTreasuryPayer sets the payer used for proxy-flow payouts and withdrawals
func WithTreasuryPayer(payer TreasuryPayer) SponsorshipOption {
	return func(s *Sponsorship) {
		s.payer = payer
	}
}

// WithTransferVerifier enables verified sponsor funding
func WithTransferVerifier(verifier TransferVerifier) SponsorshipOption {
	return func(s *Sponsorship) {
		s.verifier = verifier
	}
}

// WithUpstreamPayer sets the payer used by the action validate flow
func WithUpstreamPayer(upstream UpstreamPayer) SponsorshipOption {
	return func(s *Sponsorship) {
		s.upstream = upstream
	}
}

// WithResourceCatalog enables price quotes at action start
func WithResourceCatalog(catalog ResourceCatalog) SponsorshipOption {
	return func(s *Sponsorship) {
		s.catalog = catalog
	}
}

// WithSettlementGuard shares a guard between service instances in one process
func WithSettlementGuard(guard *SettlementGuard) SponsorshipOption {
	return func(s *Sponsorship) {
		s.guard = guard
	}
}

func WithMetrics(metrics *Metrics) SponsorshipOption {
	return func(s *Sponsorship) {
		s.metrics = metrics
	}
}

func WithLogger(logger *slog.Logger) SponsorshipOption {
	return func(s *Sponsorship) {
		s.logger = logger
	}
}

// WithAllowUnverifiedFunding accepts fund requests without a deposit transaction hash
func WithAllowUnverifiedFunding(allow bool) SponsorshipOption {
	return func(s *Sponsorship) {
		s.allowUnverifiedFunding = allow
	}
}

// WithPayoutTimeout bounds a single treasury payout. Non-positive values keep the default.
func WithPayoutTimeout(timeout time.Duration) SponsorshipOption {
	return func(s *Sponsorship) {
		if timeout > 0 {
			s.payoutTimeout = timeout
		}
	}
}

// NewSponsorship creates the sponsorship service
func NewSponsorship(store Store, plugins *actions.Registry, opts ...SponsorshipOption) *Sponsorship {
	s := &Sponsorship{
		store:         store,
		plugins:       plugins,
		payoutTimeout: DefaultPayoutTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = discardLogger()
	}
	s.logger = s.logger.With("component", "sponsorship")
	if s.guard == nil {
		s.guard = NewSettlementGuard()
	}
	if s.upstream == nil {
		s.upstream = NewDeferredUpstreamPayer(s.logger)
	}
	return s
}

// Plugins returns the plugin registry
func (s *Sponsorship) Plugins() *actions.Registry {
	return s.plugins
}

// ============================================================================
// Proxy flow
// ============================================================================

// ChallengeRequest is a 402 challenge observed by the proxy on behalf of a user
type ChallengeRequest struct {
	ResourceID    string
	UserID        string
	WalletAddress string
	Challenge     *Challenge
}

// SponsorshipDecision is the outcome of the proxy flow. When Sponsored is
// false Reason holds the error code and the original 402 passes through.
type SponsorshipDecision struct {
	Sponsored       bool
	Reason          string
	ActionID        string
	Coverage        *Coverage
	Redemption      *Redemption
	TransactionHash string
}

func declined(code string) *SponsorshipDecision {
	return &SponsorshipDecision{Reason: code}
}

// SponsorChallenge decides whether a sponsor funds the user's wallet for a
// challenge, and settles it if so. It never returns an error: every failure
// degrades to an unsponsored decision so the user can still pay themselves.
// The payout and the writes after it are detached from ctx so that a client
// disconnect cannot abandon a transfer that was already submitted.
func (s *Sponsorship) SponsorChallenge(ctx context.Context, req ChallengeRequest) *SponsorshipDecision {
	decision := s.sponsorChallenge(ctx, req)
	if decision.Sponsored {
		s.metrics.proxyOutcome(outcomeSponsored)
	} else {
		s.metrics.proxyOutcome(decision.Reason)
	}
	return decision
}

func (s *Sponsorship) sponsorChallenge(ctx context.Context, req ChallengeRequest) *SponsorshipDecision {
	logger := s.logger.With("resource", req.ResourceID, "user", req.UserID)

	if req.Challenge == nil || req.Challenge.Amount == nil {
		return declined(ErrCodeUnparseableChallenge)
	}
	if req.UserID == "" {
		logger.Debug("no user id on request, not sponsoring")
		return declined(ErrCodeNoEligibleSponsor)
	}

	action, sponsor, coverage, reason := s.findEligibleAction(ctx, req)
	if action == nil {
		logger.Info("no eligible sponsor for challenge", "reason", reason, "price", req.Challenge.Amount.String())
		return declined(reason)
	}
	logger = logger.With("action", action.ID, "sponsor", sponsor.ID)

	if !common.IsHexAddress(req.WalletAddress) {
		logger.Info("eligible sponsor found but no valid wallet address supplied")
		return declined(ErrCodeMissingWallet)
	}
	wallet := common.HexToAddress(req.WalletAddress).Hex()

	if s.payer == nil {
		logger.Warn("eligible sponsor found but no treasury payer is configured")
		return declined(ErrCodePayoutFailed)
	}

	release, err := s.guard.Acquire(ctx, ActionSettlementKey(action, req.UserID, req.ResourceID))
	if err != nil {
		logger.Info("gave up waiting for concurrent settlement", "error", err)
		return declined(ErrCodeDoubleSettlementRisk)
	}
	defer release()

	// Re-check under the guard; another request may have settled meanwhile
	if ok, err := s.canRedeem(ctx, action, req.UserID); err != nil {
		logger.Error("failed to count settlements", "error", err)
		return declined(ErrCodeNoEligibleSponsor)
	} else if !ok {
		return declined(ErrCodeAlreadyRedeemed)
	}

	amount, err := BigToAmount(coverage.SponsorAmount)
	if err != nil {
		logger.Error("sponsored amount out of range", "amount", coverage.SponsorAmount.String())
		return declined(ErrCodeNoEligibleSponsor)
	}
	payout := &Payout{
		ID:         uuid.New().String(),
		SponsorID:  sponsor.ID,
		ActionID:   action.ID,
		UserID:     req.UserID,
		ResourceID: req.ResourceID,
		ToAddress:  wallet,
		Amount:     amount,
		State:      PayoutIntent,
	}
	if err := s.store.RecordPayout(ctx, payout); err != nil {
		logger.Error("failed to journal payout intent, not paying", "error", err)
		return declined(ErrCodePayoutFailed)
	}

	detached := context.WithoutCancel(ctx)
	payCtx, cancel := context.WithTimeout(detached, s.payoutTimeout)
	result := s.payer.PayUser(payCtx, wallet, amount)
	cancel()

	logger = logger.With("payout", payout.ID, "amount", amount, "txHash", result.TransactionHash)
	switch {
	case !result.Success && result.Ambiguous:
		s.metrics.payout("unknown")
		s.updatePayout(detached, payout.ID, PayoutUnknown, result.TransactionHash, result.Error)
		logger.Error("payout outcome unknown, ledger not debited; manual reconciliation required", "error", result.Error)
		return declined(ErrCodePayoutFailed)
	case !result.Success:
		s.metrics.payout("failed")
		s.updatePayout(detached, payout.ID, PayoutFailed, result.TransactionHash, result.Error)
		logger.Warn("payout failed", "error", result.Error)
		return declined(ErrCodePayoutFailed)
	}
	s.metrics.payout("confirmed")
	s.updatePayout(detached, payout.ID, PayoutSubmitted, result.TransactionHash, "")

	if _, err := s.store.Debit(detached, sponsor.ID, amount); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			s.metrics.ledgerRejected()
		}
		s.updatePayout(detached, payout.ID, PayoutUnreconciled, result.TransactionHash, "ledger debit failed: "+err.Error())
		logger.Error("payout sent but ledger debit failed; manual reconciliation required", "error", err)
		return &SponsorshipDecision{
			Reason:          ErrorCodeFor(err),
			ActionID:        action.ID,
			Coverage:        &coverage,
			TransactionHash: result.TransactionHash,
		}
	}
	s.metrics.sponsored(amount)

	now := s.now()
	redemption := &Redemption{
		ID:              uuid.New().String(),
		ActionID:        action.ID,
		UserID:          req.UserID,
		ResourceID:      req.ResourceID,
		InstanceID:      "proxy:" + payout.ID,
		Status:          RedemptionCompleted,
		SponsoredAmount: amount,
		Source:          SourceProxy,
		OneTime:         action.Recurrence == RecurrenceOneTimePerUser,
		Metadata: map[string]interface{}{
			"challenge":             req.Challenge.Snapshot(),
			"coverage":              coverage.Snapshot(),
			"walletAddress":         wallet,
			"payoutId":              payout.ID,
			MetadataTransactionHash: result.TransactionHash,
		},
		CompletedAt: &now,
	}
	if err := s.store.CreateRedemption(detached, redemption); err != nil {
		s.updatePayout(detached, payout.ID, PayoutUnreconciled, result.TransactionHash, "redemption not recorded: "+err.Error())
		logger.Error("payout settled but redemption not recorded; manual reconciliation required", "error", err)
		return &SponsorshipDecision{
			Sponsored:       true,
			ActionID:        action.ID,
			Coverage:        &coverage,
			TransactionHash: result.TransactionHash,
		}
	}
	s.updatePayout(detached, payout.ID, PayoutSettled, result.TransactionHash, "")

	logger.Info("challenge sponsored", "redemption", redemption.ID, "userAmount", coverage.UserAmount.String())
	return &SponsorshipDecision{
		Sponsored:       true,
		ActionID:        action.ID,
		Coverage:        &coverage,
		Redemption:      redemption,
		TransactionHash: result.TransactionHash,
	}
}

// findEligibleAction returns the oldest active action whose cap covers the
// price, whose sponsor can afford the split and which the user may still redeem.
// When none qualifies the returned reason explains the last rejection.
func (s *Sponsorship) findEligibleAction(ctx context.Context, req ChallengeRequest) (*Action, *Sponsor, Coverage, string) {
	list, err := s.store.ListActions(ctx, ActionFilter{ActiveOnly: true})
	if err != nil {
		s.logger.Error("failed to list active actions", "error", err)
		return nil, nil, Coverage{}, ErrCodeNoEligibleSponsor
	}

	price := req.Challenge.Amount
	reason := ErrCodeNoEligibleSponsor
	for i := range list {
		action := &list[i]
		if p, err := BigToAmount(price); err != nil || p > action.MaxRedemptionPrice {
			continue
		}
		coverage, err := ComputeCoverage(price, action.Policy())
		if err != nil || coverage.SponsorAmount.Sign() == 0 {
			continue
		}

		ok, err := s.canRedeem(ctx, action, req.UserID)
		if err != nil {
			s.logger.Error("failed to count settlements", "action", action.ID, "error", err)
			continue
		}
		if !ok {
			reason = ErrCodeAlreadyRedeemed
			continue
		}

		sponsor, err := s.store.GetSponsor(ctx, action.SponsorID)
		if err != nil {
			s.logger.Error("failed to load sponsor", "action", action.ID, "error", err)
			continue
		}
		if big.NewInt(sponsor.Balance).Cmp(coverage.SponsorAmount) < 0 {
			if reason != ErrCodeAlreadyRedeemed {
				reason = ErrCodeInsufficientBalance
			}
			continue
		}
		return action, sponsor, coverage, ""
	}
	return nil, nil, Coverage{}, reason
}

func (s *Sponsorship) canRedeem(ctx context.Context, action *Action, userID string) (bool, error) {
	if action.Recurrence == RecurrencePerRequest {
		return true, nil
	}
	n, err := s.store.CountSettlements(ctx, action.ID, userID)
	if err != nil {
		return false, err
	}
	return CanRedeem(action.Recurrence, n), nil
}

func (s *Sponsorship) updatePayout(ctx context.Context, id string, state PayoutState, txHash, errMsg string) {
	if err := s.store.UpdatePayout(ctx, id, state, txHash, errMsg); err != nil {
		s.logger.Error("failed to update payout journal", "payout", id, "state", state, "txHash", txHash, "error", err)
	}
}

// ErrorCodeFor maps a sentinel error to its sponsorship error code
func ErrorCodeFor(err error) string {
	if code := ErrorCode(err); code != "" {
		return code
	}
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return ErrCodeInsufficientBalance
	case errors.Is(err, actions.ErrUnknownPlugin):
		return ErrCodeUnknownPlugin
	case errors.Is(err, ErrDuplicateRedemption):
		return ErrCodeAlreadyRedeemed
	default:
		return ErrCodePayoutFailed
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}
