// Package evm settles sponsorships on EVM chains: ERC-20 payouts from the
// treasury wallet and verification of sponsor deposits.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrNotBroadcast marks a WriteContract failure that happened before the
// transaction was handed to the network. Any other failure may have been
// broadcast and must be treated as an unknown outcome.
var ErrNotBroadcast = errors.New("evm: transaction was not broadcast")

// TreasurySigner submits transactions from the treasury wallet
type TreasurySigner interface {
	GetAddress() string
	GetChainID() (*big.Int, error)

	// WriteContract packs and sends a contract call. On failure the returned
	// hash is set when the signed transaction may have reached the network.
	WriteContract(ctx context.Context, contractAddress string, abiJSON []byte, method string, args ...interface{}) (string, error)

	// WaitForTransactionReceipt polls until the receipt exists or ctx is done
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)
}

// ChainReader reads transactions and receipts. *ethclient.Client satisfies it.
type ChainReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// TransactionReceipt represents a blockchain transaction receipt
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
}

// AssetInfo contains information about an ERC20 token
type AssetInfo struct {
	Address  string
	Name     string
	Decimals int
}

// NetworkConfig contains network-specific configuration
type NetworkConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo
}

// GetNetworkConfig returns the configuration for a CAIP-2 id or legacy network name
func GetNetworkConfig(network string) (NetworkConfig, error) {
	cfg, ok := NetworkConfigs[network]
	if !ok {
		return NetworkConfig{}, fmt.Errorf("unsupported network: %s", network)
	}
	return cfg, nil
}

// IsCanonicalAsset reports whether asset is the default stablecoin of network
func IsCanonicalAsset(network, asset string) bool {
	cfg, ok := NetworkConfigs[network]
	if !ok || asset == "" {
		return false
	}
	return strings.EqualFold(cfg.DefaultAsset.Address, asset)
}

// NetworkRank returns the position of network in NetworkPreference, or
// len(NetworkPreference) for networks without a preference
func NetworkRank(network string) int {
	for i, n := range NetworkPreference {
		if n == network {
			return i
		}
	}
	return len(NetworkPreference)
}
