// Package evm provides a private-key treasury signer backed by an Ethereum
// JSON-RPC endpoint.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	payloadevm "github.com/microchipgnu/payload-exchange-sub000/mechanisms/evm"
)

// Backend is the subset of the JSON-RPC client the treasury signer needs.
// *ethclient.Client satisfies it.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TreasurySigner implements payloadevm.TreasurySigner with an ECDSA private key
type TreasurySigner struct {
	privateKey   *ecdsa.PrivateKey
	address      common.Address
	chainID      *big.Int
	backend      Backend
	gasLimit     uint64
	pollInterval time.Duration
	logger       *slog.Logger

	// sendMu serializes nonce assignment and broadcast
	sendMu sync.Mutex
}

// Option configures a TreasurySigner
type Option func(*TreasurySigner)

// WithGasLimit overrides the gas limit used for contract writes
func WithGasLimit(limit uint64) Option {
	return func(s *TreasurySigner) {
		if limit > 0 {
			s.gasLimit = limit
		}
	}
}

// WithPollInterval sets the delay between receipt lookups
func WithPollInterval(d time.Duration) Option {
	return func(s *TreasurySigner) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithLogger sets the signer's logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *TreasurySigner) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Dial connects to rpcURL and creates a treasury signer for privateKeyHex.
// The returned client doubles as a payloadevm.ChainReader.
func Dial(ctx context.Context, rpcURL, privateKeyHex string, opts ...Option) (*TreasurySigner, *ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}
	signer, err := NewTreasurySigner(ctx, privateKeyHex, client, opts...)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return signer, client, nil
}

// NewTreasurySigner creates a signer from a hex-encoded private key, with or
// without the 0x prefix. The chain id is read from the backend once.
func NewTreasurySigner(ctx context.Context, privateKeyHex string, backend Backend, opts ...Option) (*TreasurySigner, error) {
	if backend == nil {
		return nil, errors.New("rpc backend is required")
	}
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	s := &TreasurySigner{
		privateKey:   privateKey,
		address:      crypto.PubkeyToAddress(privateKey.PublicKey),
		chainID:      chainID,
		backend:      backend,
		gasLimit:     payloadevm.DefaultTransferGasLimit,
		pollInterval: payloadevm.DefaultReceiptPollInterval,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "treasury-signer", "address", s.address.Hex(), "chainId", chainID.String())
	return s, nil
}

// GetAddress returns the treasury wallet address
func (s *TreasurySigner) GetAddress() string {
	return s.address.Hex()
}

// GetChainID returns the chain the signer signs for
func (s *TreasurySigner) GetChainID() (*big.Int, error) {
	return s.chainID, nil
}

// WriteContract signs and broadcasts a contract call. Errors raised before
// SendTransaction wrap payloadevm.ErrNotBroadcast; a failed send returns the
// signed hash alongside the error since the node may still have accepted it.
func (s *TreasurySigner) WriteContract(ctx context.Context, contractAddress string, abiJSON []byte, method string, args ...interface{}) (string, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return "", notBroadcast("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return "", notBroadcast("failed to pack method call: %w", err)
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	nonce, err := s.backend.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", notBroadcast("failed to get nonce: %w", err)
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", notBroadcast("failed to get gas price: %w", err)
	}

	tx := types.NewTransaction(
		nonce,
		common.HexToAddress(contractAddress),
		big.NewInt(0),
		s.gasLimit,
		gasPrice,
		data,
	)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", notBroadcast("failed to sign transaction: %w", err)
	}

	txHash := signedTx.Hash().Hex()
	if err := s.backend.SendTransaction(ctx, signedTx); err != nil {
		return txHash, fmt.Errorf("failed to send transaction: %w", err)
	}

	s.logger.Info("transaction sent", "method", method, "contract", contractAddress, "nonce", nonce, "txHash", txHash)
	return txHash, nil
}

// WaitForTransactionReceipt polls until the receipt is available or ctx ends
func (s *TreasurySigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*payloadevm.TransactionReceipt, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			var block uint64
			if receipt.BlockNumber != nil {
				block = receipt.BlockNumber.Uint64()
			}
			return &payloadevm.TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: block,
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			s.logger.Warn("receipt lookup failed", "txHash", txHash, "error", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transaction receipt not found for %s: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func notBroadcast(format string, err error) error {
	return errors.Join(payloadevm.ErrNotBroadcast, fmt.Errorf(format, err))
}

var _ payloadevm.TreasurySigner = (*TreasurySigner)(nil)
