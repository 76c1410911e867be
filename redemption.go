package payload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/microchipgnu/payload-exchange-sub000/actions"
)

const (
	metadataPluginState  = "pluginState"
	metadataQuote        = "quote"
	metadataWallet       = "walletAddress"
	metadataFailure      = "failureReason"
	metadataReconciled   = "reconciledWith"
	metadataPluginResult = "validation"
	guestUserPrefix      = "guest:"
)

// StartRequest begins an action on behalf of a user
type StartRequest struct {
	ActionID      string
	UserID        string
	ResourceID    string
	WalletAddress string
}

// StartResponse is returned to the user after an action starts
type StartResponse struct {
	InstanceID   string                 `json:"instanceId"`
	Instructions string                 `json:"instructions"`
	URL          string                 `json:"url,omitempty"`
	Metadata     map[string]interface{} `json:"metadata"`
}

// StartAction starts a plugin instance and records a pending redemption for it.
// Returns ErrActionNotFound for missing or inactive actions and an
// ErrCodeUnknownPlugin SponsorshipError when the plugin is not registered.
func (s *Sponsorship) StartAction(ctx context.Context, req StartRequest) (*StartResponse, error) {
	action, err := s.store.GetAction(ctx, req.ActionID)
	if err != nil {
		return nil, err
	}
	if !action.Active {
		return nil, ErrActionNotFound
	}

	plugin, err := s.plugins.Get(action.PluginID)
	if err != nil {
		s.logger.Error("action references an unregistered plugin", "action", action.ID, "plugin", action.PluginID)
		return nil, NewSponsorshipError(ErrCodeUnknownPlugin, err.Error(), map[string]interface{}{"pluginId": action.PluginID})
	}

	userID := req.UserID
	if userID == "" {
		userID = guestUserPrefix + uuid.New().String()
	}

	started, err := plugin.Start(ctx, actions.StartContext{
		UserID:     userID,
		ResourceID: req.ResourceID,
		ActionID:   action.ID,
		Config:     action.Config,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", action.PluginID, err)
	}

	metadata := map[string]interface{}{}
	for k, v := range started.Metadata {
		metadata[k] = v
	}
	if len(started.State) > 0 {
		metadata[metadataPluginState] = started.State
	}
	if req.WalletAddress != "" {
		metadata[metadataWallet] = req.WalletAddress
	}

	response := &StartResponse{
		InstanceID:   started.InstanceID,
		Instructions: started.Instructions,
		URL:          started.URL,
		Metadata:     started.Metadata,
	}
	if response.Metadata == nil {
		response.Metadata = map[string]interface{}{}
	}
	response.Metadata["userId"] = userID

	if quote := s.quote(ctx, action, req.ResourceID); quote != nil {
		metadata[metadataQuote] = quote
		metadata[MetadataSponsoredAmount] = quote[MetadataSponsoredAmount]
		response.Metadata[metadataQuote] = quote
	}

	redemption := &Redemption{
		ID:         uuid.New().String(),
		ActionID:   action.ID,
		UserID:     userID,
		ResourceID: req.ResourceID,
		InstanceID: started.InstanceID,
		Status:     RedemptionPending,
		Source:     SourceAction,
		OneTime:    action.Recurrence == RecurrenceOneTimePerUser,
		Metadata:   metadata,
	}
	if err := s.store.CreateRedemption(ctx, redemption); err != nil {
		return nil, fmt.Errorf("failed to record redemption: %w", err)
	}

	s.logger.Info(
		"action started",
		"action", action.ID,
		"plugin", action.PluginID,
		"user", userID,
		"resource", req.ResourceID,
		"instance", started.InstanceID,
	)
	return response, nil
}

// quote prices the resource from the catalog. Returns nil when the resource
// is unknown, unpriced or above the action's cap.
func (s *Sponsorship) quote(ctx context.Context, action *Action, resourceID string) map[string]interface{} {
	if s.catalog == nil || resourceID == "" {
		return nil
	}
	res, err := s.catalog.Lookup(ctx, resourceID)
	if err != nil {
		if !errors.Is(err, ErrResourceNotFound) {
			s.logger.Warn("resource catalog lookup failed", "resource", resourceID, "error", err)
		}
		return nil
	}
	if res.Challenge == nil || res.Challenge.Amount == nil {
		return nil
	}
	price := res.Challenge.Amount
	if p, err := BigToAmount(price); err != nil || p > action.MaxRedemptionPrice {
		return nil
	}
	coverage, err := ComputeCoverage(price, action.Policy())
	if err != nil {
		return nil
	}
	return map[string]interface{}{
		"price":                 price.String(),
		MetadataSponsoredAmount: coverage.SponsorAmount.String(),
		"userAmount":            coverage.UserAmount.String(),
		"payTo":                 res.Challenge.PayTo,
		"network":               string(res.Challenge.Network),
	}
}

// ValidateRequest submits user input for a started action
type ValidateRequest struct {
	InstanceID string
	UserID     string
	Input      map[string]interface{}
}

// ValidateResult is the terminal outcome of a validation.
// Code is set on failure and maps to the HTTP status of the response.
type ValidateResult struct {
	Status          RedemptionStatus `json:"status"`
	Reason          string           `json:"reason,omitempty"`
	Code            string           `json:"code,omitempty"`
	TransactionHash string           `json:"transactionHash,omitempty"`
	SponsoredAmount int64            `json:"sponsoredAmount,string"`
	RedemptionID    string           `json:"redemptionId,omitempty"`
	Adopted         bool             `json:"adopted,omitempty"`
}

func completedResult(r *Redemption) *ValidateResult {
	return &ValidateResult{
		Status:          RedemptionCompleted,
		TransactionHash: r.MetadataString(MetadataTransactionHash),
		SponsoredAmount: r.SponsoredAmount,
		RedemptionID:    r.ID,
		Adopted:         r.AdoptedFrom != "",
	}
}

func failedResult(r *Redemption, code, reason string) *ValidateResult {
	return &ValidateResult{
		Status:       RedemptionFailed,
		Code:         code,
		Reason:       reason,
		RedemptionID: r.ID,
	}
}

// ValidateAction validates user input for a pending redemption and settles it.
// Validating an instance that already reached a terminal state returns the
// stored outcome without touching the ledger. A completed proxy-flow
// redemption for the same (action, user, resource) is adopted instead of
// settling twice.
func (s *Sponsorship) ValidateAction(ctx context.Context, req ValidateRequest) (*ValidateResult, error) {
	result, err := s.validateAction(ctx, req)
	switch {
	case err != nil:
		s.metrics.validateOutcome("error")
	case result.Status == RedemptionCompleted && result.Adopted:
		s.metrics.validateOutcome("adopted")
	case result.Status == RedemptionCompleted:
		s.metrics.validateOutcome("completed")
	default:
		s.metrics.validateOutcome(result.Code)
	}
	return result, err
}

func (s *Sponsorship) validateAction(ctx context.Context, req ValidateRequest) (*ValidateResult, error) {
	r, err := s.store.GetRedemptionByInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if req.UserID != "" && req.UserID != r.UserID {
		return failedResult(r, ErrCodeValidationFailed, "Action instance belongs to a different user"), nil
	}
	if terminal := terminalResult(r); terminal != nil {
		return terminal, nil
	}

	logger := s.logger.With("action", r.ActionID, "user", r.UserID, "resource", r.ResourceID, "instance", r.InstanceID)

	action, err := s.store.GetAction(ctx, r.ActionID)
	if err != nil {
		return nil, err
	}
	plugin, err := s.plugins.Get(action.PluginID)
	if err != nil {
		logger.Error("action references an unregistered plugin", "plugin", action.PluginID)
		return nil, NewSponsorshipError(ErrCodeUnknownPlugin, err.Error(), map[string]interface{}{"pluginId": action.PluginID})
	}

	state, _ := r.Metadata[metadataPluginState].(map[string]interface{})
	verdict, err := plugin.Validate(ctx, actions.ValidateContext{
		InstanceID: r.InstanceID,
		UserID:     r.UserID,
		ResourceID: r.ResourceID,
		ActionID:   action.ID,
		Config:     action.Config,
		Input:      req.Input,
		State:      state,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to validate %s: %w", action.PluginID, err)
	}
	if verdict.Status != actions.StatusCompleted {
		return s.fail(ctx, logger, r, "", ErrCodeValidationFailed, verdict.Reason)
	}

	release, err := s.guard.Acquire(ctx, ActionSettlementKey(action, r.UserID, r.ResourceID))
	if err != nil {
		return nil, err
	}
	defer release()

	token := uuid.New().String()
	if err := s.store.ClaimRedemption(ctx, r.ID, token); err != nil {
		if errors.Is(err, ErrRedemptionTerminal) {
			return s.reloadTerminal(ctx, req.InstanceID)
		}
		return nil, err
	}

	// From here on the redemption is ours; finish it even if the client leaves
	detached := context.WithoutCancel(ctx)

	adopted, err := s.store.AdoptRedemption(detached, action.ID, r.UserID, r.ResourceID, r.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing settlements: %w", err)
	}
	if adopted != nil {
		return s.completeAdopted(detached, logger, r, token, adopted, verdict)
	}

	if ok, err := s.canRedeem(detached, action, r.UserID); err != nil {
		return nil, err
	} else if !ok {
		return s.fail(detached, logger, r, token, ErrCodeAlreadyRedeemed, "Action already redeemed by this user")
	}

	amount := owedAmount(r, action)
	if _, err := s.store.Debit(detached, action.SponsorID, amount); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			s.metrics.ledgerRejected()
			return s.fail(detached, logger, r, token, ErrCodeInsufficientBalance, "Sponsor balance is insufficient")
		}
		return nil, fmt.Errorf("failed to debit sponsor: %w", err)
	}

	payment := upstreamPayment(r, amount)
	payout := &Payout{
		ID:         uuid.New().String(),
		SponsorID:  action.SponsorID,
		ActionID:   action.ID,
		UserID:     r.UserID,
		ResourceID: r.ResourceID,
		ToAddress:  payment.PayTo,
		Amount:     amount,
		State:      PayoutIntent,
	}
	if err := s.store.RecordPayout(detached, payout); err != nil {
		logger.Error("failed to journal upstream payment intent, not paying", "error", err)
		s.refundSponsor(detached, logger, action.SponsorID, amount)
		return s.fail(detached, logger, r, token, ErrCodePayoutFailed, "Upstream payment could not be journaled")
	}

	payCtx, cancel := context.WithTimeout(detached, s.payoutTimeout)
	receipt, payErr := s.upstream.PayResource(payCtx, payment)
	cancel()
	if payErr == nil && receipt.Ambiguous {
		// The debit stays: the resource may have been paid
		s.metrics.payout("unknown")
		s.updatePayout(detached, payout.ID, PayoutUnknown, receipt.TransactionHash, receipt.Error)
		logger.Error("upstream payment outcome unknown; manual reconciliation required",
			"payout", payout.ID, "amount", amount, "txHash", receipt.TransactionHash, "error", receipt.Error)
		return s.fail(detached, logger, r, token, ErrCodePayoutFailed, "Upstream payment outcome unknown")
	}
	if payErr == nil && !receipt.Success {
		payErr = errors.New(receipt.Error)
	}
	if payErr != nil {
		s.metrics.payout("failed")
		s.updatePayout(detached, payout.ID, PayoutFailed, "", payErr.Error())
		s.refundSponsor(detached, logger, action.SponsorID, amount)
		return s.fail(detached, logger, r, token, ErrCodePayoutFailed, "Upstream payment failed: "+payErr.Error())
	}
	s.metrics.payout("confirmed")
	s.updatePayout(detached, payout.ID, PayoutSettled, receipt.TransactionHash, "")
	s.metrics.sponsored(amount)

	metadata := map[string]interface{}{metadataPluginResult: verdict.Metadata}
	if receipt.TransactionHash != "" {
		metadata[MetadataTransactionHash] = receipt.TransactionHash
	}
	err = s.store.CompleteRedemption(detached, r.ID, token, Completion{
		SponsoredAmount: amount,
		Metadata:        metadata,
	})
	if err != nil {
		logger.Error("upstream paid but redemption not completed; manual reconciliation required",
			"amount", amount, "txHash", receipt.TransactionHash, "error", err)
		return nil, fmt.Errorf("failed to complete redemption: %w", err)
	}

	logger.Info("action settled", "amount", amount, "txHash", receipt.TransactionHash)
	return &ValidateResult{
		Status:          RedemptionCompleted,
		TransactionHash: receipt.TransactionHash,
		SponsoredAmount: amount,
		RedemptionID:    r.ID,
	}, nil
}

func (s *Sponsorship) refundSponsor(ctx context.Context, logger *slog.Logger, sponsorID string, amount int64) {
	if _, err := s.store.Credit(ctx, sponsorID, amount); err != nil {
		logger.Error("refund failed; manual reconciliation required", "amount", amount, "error", err)
	}
}

func (s *Sponsorship) completeAdopted(ctx context.Context, logger *slog.Logger, r *Redemption, token string, adopted *Redemption, verdict *actions.ValidationResult) (*ValidateResult, error) {
	txHash := adopted.MetadataString(MetadataTransactionHash)
	metadata := map[string]interface{}{
		metadataReconciled:   adopted.ID,
		metadataPluginResult: verdict.Metadata,
	}
	if txHash != "" {
		metadata[MetadataTransactionHash] = txHash
	}
	err := s.store.CompleteRedemption(ctx, r.ID, token, Completion{
		SponsoredAmount: adopted.SponsoredAmount,
		AdoptedFrom:     adopted.ID,
		Metadata:        metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to complete adopted redemption: %w", err)
	}
	s.metrics.adopted()
	logger.Info("adopted existing proxy settlement", "adopted", adopted.ID, "amount", adopted.SponsoredAmount)
	return &ValidateResult{
		Status:          RedemptionCompleted,
		TransactionHash: txHash,
		SponsoredAmount: adopted.SponsoredAmount,
		RedemptionID:    r.ID,
		Adopted:         true,
	}, nil
}

func (s *Sponsorship) fail(ctx context.Context, logger *slog.Logger, r *Redemption, token, code, reason string) (*ValidateResult, error) {
	if err := s.store.FailRedemption(ctx, r.ID, token, reason); err != nil {
		if errors.Is(err, ErrRedemptionTerminal) || errors.Is(err, ErrRedemptionClaimed) {
			return s.reloadTerminal(ctx, r.InstanceID)
		}
		return nil, fmt.Errorf("failed to record failed redemption: %w", err)
	}
	logger.Info("redemption failed", "code", code, "reason", reason)
	return failedResult(r, code, reason), nil
}

// reloadTerminal returns the stored outcome of a redemption another request settled
func (s *Sponsorship) reloadTerminal(ctx context.Context, instanceID string) (*ValidateResult, error) {
	r, err := s.store.GetRedemptionByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if terminal := terminalResult(r); terminal != nil {
		return terminal, nil
	}
	return nil, ErrRedemptionClaimed
}

func terminalResult(r *Redemption) *ValidateResult {
	switch r.Status {
	case RedemptionCompleted:
		return completedResult(r)
	case RedemptionFailed:
		reason := r.MetadataString(metadataFailure)
		if reason == "" {
			reason = "Redemption already failed"
		}
		return failedResult(r, ErrCodeValidationFailed, reason)
	}
	return nil
}

// owedAmount prefers the amount quoted at start over the action's price ceiling
func owedAmount(r *Redemption, action *Action) int64 {
	if quoted := r.MetadataString(MetadataSponsoredAmount); quoted != "" {
		if v, err := strconv.ParseInt(quoted, 10, 64); err == nil && v > 0 && v <= action.MaxRedemptionPrice {
			return v
		}
	}
	return action.MaxRedemptionPrice
}

func upstreamPayment(r *Redemption, amount int64) UpstreamPayment {
	payment := UpstreamPayment{
		ResourceID:    r.ResourceID,
		Amount:        amount,
		UserID:        r.UserID,
		WalletAddress: r.MetadataString(metadataWallet),
	}
	if quote, ok := r.Metadata[metadataQuote].(map[string]interface{}); ok {
		payment.PayTo, _ = quote["payTo"].(string)
		if network, ok := quote["network"].(string); ok {
			payment.Network = Network(network)
		}
	}
	return payment
}
