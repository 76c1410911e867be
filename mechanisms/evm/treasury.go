package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	payload "github.com/microchipgnu/payload-exchange-sub000"
)

// TreasuryPayer transfers an ERC-20 stablecoin out of the treasury wallet
type TreasuryPayer struct {
	signer         TreasurySigner
	token          string
	receiptTimeout time.Duration
}

// TreasuryOption configures a TreasuryPayer
type TreasuryOption func(*TreasuryPayer)

// WithReceiptTimeout bounds the wait for a payout receipt
func WithReceiptTimeout(d time.Duration) TreasuryOption {
	return func(p *TreasuryPayer) {
		if d > 0 {
			p.receiptTimeout = d
		}
	}
}

// NewTreasuryPayer creates a payer for token using signer's wallet.
// An empty token selects the canonical stablecoin of network.
func NewTreasuryPayer(signer TreasurySigner, network, token string, opts ...TreasuryOption) (*TreasuryPayer, error) {
	if signer == nil {
		return nil, errors.New("treasury signer is required")
	}
	if token == "" {
		cfg, err := GetNetworkConfig(network)
		if err != nil {
			return nil, err
		}
		token = cfg.DefaultAsset.Address
	}
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("invalid token address: %s", token)
	}

	p := &TreasuryPayer{
		signer:         signer,
		token:          common.HexToAddress(token).Hex(),
		receiptTimeout: DefaultReceiptTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Address returns the treasury wallet address
func (p *TreasuryPayer) Address() string {
	return p.signer.GetAddress()
}

// Token returns the stablecoin contract the payer transfers
func (p *TreasuryPayer) Token() string {
	return p.token
}

// PayUser sends amount atomic units to the given wallet and waits for the receipt.
//
// Failures before broadcast and reverted transactions are definite. A failed
// broadcast or a missing receipt leaves the outcome unknown and the result is
// marked Ambiguous, carrying the hash when one exists.
func (p *TreasuryPayer) PayUser(ctx context.Context, to string, amount int64) payload.PayoutResult {
	if amount <= 0 {
		return payload.PayoutResult{Error: "payout amount must be positive"}
	}
	if !common.IsHexAddress(to) {
		return payload.PayoutResult{Error: fmt.Sprintf("invalid recipient address: %s", to)}
	}

	txHash, err := p.signer.WriteContract(
		ctx,
		p.token,
		ERC20TransferABI,
		FunctionTransfer,
		common.HexToAddress(to),
		big.NewInt(amount),
	)
	if err != nil {
		if errors.Is(err, ErrNotBroadcast) {
			return payload.PayoutResult{Error: fmt.Sprintf("failed to send transfer: %v", err)}
		}
		return payload.PayoutResult{
			TransactionHash: txHash,
			Error:           fmt.Sprintf("transfer broadcast failed: %v", err),
			Ambiguous:       true,
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.receiptTimeout)
	defer cancel()

	receipt, err := p.signer.WaitForTransactionReceipt(waitCtx, txHash)
	if err != nil {
		return payload.PayoutResult{
			TransactionHash: txHash,
			Error:           fmt.Sprintf("failed to get receipt: %v", err),
			Ambiguous:       true,
		}
	}
	if receipt.Status != TxStatusSuccess {
		return payload.PayoutResult{
			TransactionHash: txHash,
			Error:           "transfer reverted",
		}
	}

	return payload.PayoutResult{
		Success:         true,
		TransactionHash: txHash,
	}
}

var _ payload.TreasuryPayer = (*TreasuryPayer)(nil)
