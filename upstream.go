package payload

import (
	"context"
	"log/slog"
)

// DeferredUpstreamPayer records the sponsor debit without moving funds on
// chain. The upstream payment is left to an x402 client outside this process.
type DeferredUpstreamPayer struct {
	logger *slog.Logger
}

// NewDeferredUpstreamPayer creates a ledger-only upstream payer
func NewDeferredUpstreamPayer(logger *slog.Logger) *DeferredUpstreamPayer {
	if logger == nil {
		logger = discardLogger()
	}
	return &DeferredUpstreamPayer{logger: logger}
}

func (d *DeferredUpstreamPayer) PayResource(ctx context.Context, payment UpstreamPayment) (*UpstreamReceipt, error) {
	if payment.Amount < 0 {
		return nil, ErrInvalidAmount
	}
	d.logger.Info(
		"upstream payment deferred",
		"resource", payment.ResourceID,
		"user", payment.UserID,
		"amount", payment.Amount,
		"payTo", payment.PayTo,
	)
	return &UpstreamReceipt{Success: true}, nil
}
