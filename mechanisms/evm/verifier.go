package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	payload "github.com/microchipgnu/payload-exchange-sub000"
)

// Verification errors
var (
	ErrTransferReverted     = errors.New("transfer transaction reverted")
	ErrWrongTokenContract   = errors.New("transaction does not call the expected token contract")
	ErrWrongSender          = errors.New("transaction was not signed by the sponsor wallet")
	ErrTransferNotFound     = errors.New("no matching transfer event in receipt")
	ErrTransferAmountDiffer = errors.New("transfer amount does not match deposit")
)

// TransferVerifier confirms that a transaction hash is a successful ERC-20
// transfer of an exact amount between two wallets
type TransferVerifier struct {
	reader       ChainReader
	chainID      *big.Int
	token        common.Address
	timeout      time.Duration
	pollInterval time.Duration
}

// VerifierOption configures a TransferVerifier
type VerifierOption func(*TransferVerifier)

// WithVerifyTimeout bounds the wait for the deposit receipt
func WithVerifyTimeout(d time.Duration) VerifierOption {
	return func(v *TransferVerifier) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithPollInterval sets the delay between receipt lookups
func WithPollInterval(d time.Duration) VerifierOption {
	return func(v *TransferVerifier) {
		if d > 0 {
			v.pollInterval = d
		}
	}
}

// NewTransferVerifier creates a verifier for token transfers on the given chain
func NewTransferVerifier(reader ChainReader, chainID *big.Int, token string, opts ...VerifierOption) (*TransferVerifier, error) {
	if reader == nil {
		return nil, errors.New("chain reader is required")
	}
	if chainID == nil {
		return nil, errors.New("chain id is required")
	}
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("invalid token address: %s", token)
	}

	v := &TransferVerifier{
		reader:       reader,
		chainID:      chainID,
		token:        common.HexToAddress(token),
		timeout:      DefaultReceiptTimeout,
		pollInterval: DefaultReceiptPollInterval,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// VerifyTransfer waits for txHash to be mined and checks that it moved exactly
// amount of the token from `from` to `to`. A false result with a nil error
// never happens; every rejection carries its reason.
func (v *TransferVerifier) VerifyTransfer(ctx context.Context, txHash, from, to string, amount int64) (bool, error) {
	if !common.IsHexAddress(from) || !common.IsHexAddress(to) {
		return false, errors.New("invalid transfer address")
	}
	if amount <= 0 {
		return false, payload.ErrInvalidAmount
	}
	raw, err := hexutil.Decode(txHash)
	if err != nil || len(raw) != common.HashLength {
		return false, fmt.Errorf("%w: malformed transaction hash %q", payload.ErrDepositNotVerified, txHash)
	}
	hash := common.BytesToHash(raw)

	receipt, err := v.waitForReceipt(ctx, hash)
	if err != nil {
		return false, err
	}
	if receipt.Status != TxStatusSuccess {
		return false, ErrTransferReverted
	}

	tx, _, err := v.reader.TransactionByHash(ctx, hash)
	if err != nil {
		return false, fmt.Errorf("failed to get transaction: %w", err)
	}
	if tx.To() == nil || *tx.To() != v.token {
		return false, ErrWrongTokenContract
	}

	sender, err := types.Sender(types.LatestSignerForChainID(v.chainID), tx)
	if err != nil {
		return false, fmt.Errorf("failed to recover sender: %w", err)
	}
	fromAddr := common.HexToAddress(from)
	if sender != fromAddr {
		return false, ErrWrongSender
	}

	want := big.NewInt(amount)
	toAddr := common.HexToAddress(to)
	var mismatch bool
	for _, lg := range receipt.Logs {
		value, ok := v.decodeTransfer(lg, fromAddr, toAddr)
		if !ok {
			continue
		}
		if value.Cmp(want) == 0 {
			return true, nil
		}
		mismatch = true
	}
	if mismatch {
		return false, ErrTransferAmountDiffer
	}
	return false, ErrTransferNotFound
}

// decodeTransfer returns the value of a Transfer log emitted by the token
// between from and to
func (v *TransferVerifier) decodeTransfer(lg *types.Log, from, to common.Address) (*big.Int, bool) {
	if lg == nil || lg.Address != v.token || len(lg.Topics) != 3 {
		return nil, false
	}
	if lg.Topics[0] != TransferEventTopic {
		return nil, false
	}
	if common.BytesToAddress(lg.Topics[1].Bytes()) != from || common.BytesToAddress(lg.Topics[2].Bytes()) != to {
		return nil, false
	}
	if len(lg.Data) != 32 {
		return nil, false
	}
	return new(big.Int).SetBytes(lg.Data), true
}

func (v *TransferVerifier) waitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	ticker := time.NewTicker(v.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := v.reader.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && !isNotFound(err) {
			return nil, fmt.Errorf("failed to get receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt for %s not available: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// isNotFound matches RPC errors that carry "not found" as text only
func isNotFound(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "not found")
}

var _ payload.TransferVerifier = (*TransferVerifier)(nil)
