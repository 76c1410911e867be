package evm

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// Scheme identifier
	SchemeExact = "exact"

	// Default token decimals for USDC
	DefaultDecimals = 6

	// ERC-20 function name
	FunctionTransfer = "transfer"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// Gas limit for a plain ERC-20 transfer, with headroom for proxy tokens
	DefaultTransferGasLimit = 100000

	// DefaultReceiptTimeout bounds how long a transfer or verification waits for a receipt
	DefaultReceiptTimeout = 60 * time.Second

	// DefaultReceiptPollInterval is the delay between receipt lookups
	DefaultReceiptPollInterval = time.Second

	// TransferEventSignature is the ERC-20 Transfer event
	TransferEventSignature = "Transfer(address,address,uint256)"
)

var (
	// Network chain IDs
	ChainIDBase        = big.NewInt(8453)
	ChainIDBaseSepolia = big.NewInt(84532)

	// TransferEventTopic is topic0 of every ERC-20 Transfer log
	TransferEventTopic = crypto.Keccak256Hash([]byte(TransferEventSignature))

	// Network configurations, keyed by CAIP-2 id and by legacy v1 name.
	// The default asset is the network's canonical stablecoin.
	NetworkConfigs = map[string]NetworkConfig{
		// Base Mainnet
		"eip155:8453": {
			ChainID: ChainIDBase,
			DefaultAsset: AssetInfo{
				Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", // USDC on Base
				Name:     "USD Coin",
				Decimals: DefaultDecimals,
			},
		},
		// Base Mainnet (legacy v1 format)
		"base": {
			ChainID: ChainIDBase,
			DefaultAsset: AssetInfo{
				Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				Name:     "USD Coin",
				Decimals: DefaultDecimals,
			},
		},
		// Base Sepolia Testnet
		"eip155:84532": {
			ChainID: ChainIDBaseSepolia,
			DefaultAsset: AssetInfo{
				Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e", // USDC on Base Sepolia
				Name:     "USDC",
				Decimals: DefaultDecimals,
			},
		},
		// Base Sepolia Testnet (legacy v1 format)
		"base-sepolia": {
			ChainID: ChainIDBaseSepolia,
			DefaultAsset: AssetInfo{
				Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				Name:     "USDC",
				Decimals: DefaultDecimals,
			},
		},
	}

	// NetworkPreference orders networks when a challenge offers several.
	// Mainnet before testnet; CAIP-2 ids before their legacy names.
	NetworkPreference = []string{
		"eip155:8453",
		"base",
		"eip155:84532",
		"base-sepolia",
	}

	// ERC20TransferABI for paying out of the treasury
	ERC20TransferABI = []byte(`[
		{
			"inputs": [
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"name": "transfer",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "nonpayable",
			"type": "function"
		}
	]`)
)
