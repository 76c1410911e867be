package evm

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	payload "github.com/microchipgnu/payload-exchange-sub000"
)

// ResourcePayer pays upstream resources directly from the treasury on the
// network the treasury is deployed to
type ResourcePayer struct {
	treasury *TreasuryPayer
	chainID  int64
}

// NewResourcePayer creates an upstream payer backed by the treasury
func NewResourcePayer(treasury *TreasuryPayer, network string) (*ResourcePayer, error) {
	cfg, err := GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}
	return &ResourcePayer{treasury: treasury, chainID: cfg.ChainID.Int64()}, nil
}

// PayResource transfers the sponsored amount to the resource's payTo address,
// or to the user's wallet when the resource has none on record. Payments for
// a resource on another chain are rejected before any transfer.
func (r *ResourcePayer) PayResource(ctx context.Context, payment payload.UpstreamPayment) (*payload.UpstreamReceipt, error) {
	if payment.Amount <= 0 {
		return nil, payload.ErrInvalidAmount
	}
	if payment.Network != "" {
		cfg, err := GetNetworkConfig(string(payment.Network))
		if err != nil {
			return nil, err
		}
		if cfg.ChainID.Int64() != r.chainID {
			return nil, fmt.Errorf("treasury cannot pay on network %s", payment.Network)
		}
	}
	to := payment.PayTo
	if to == "" {
		to = payment.WalletAddress
	}
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("invalid payment recipient: %q", to)
	}

	result := r.treasury.PayUser(ctx, to, payment.Amount)
	return &payload.UpstreamReceipt{
		Success:         result.Success,
		TransactionHash: result.TransactionHash,
		Error:           result.Error,
		Ambiguous:       result.Ambiguous,
	}, nil
}

var _ payload.UpstreamPayer = (*ResourcePayer)(nil)
