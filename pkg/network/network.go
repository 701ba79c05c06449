package network

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/x402-rs/x402-paywall/pkg/types"
)

// ChainID represents an EVM chain ID
type ChainID uint64

const (
	ChainIDBase        ChainID = 8453
	ChainIDBaseSepolia ChainID = 84532
)

// NetworkInfo contains metadata about a network
type NetworkInfo struct {
	Network types.Network
	ChainID ChainID
	Name    string
}

// USDCDeployment represents a USDC token deployment on a network
type USDCDeployment struct {
	Network      types.Network
	TokenAddress common.Address
	TokenSymbol  string
	Decimals     int32
	// EIP-712 domain of the deployed contract.
	DomainName    string
	DomainVersion string
}

var (
	// NetworkInfoMap maps network names to their information
	NetworkInfoMap = map[types.Network]NetworkInfo{
		types.NetworkBase: {
			Network: types.NetworkBase,
			ChainID: ChainIDBase,
			Name:    "Base",
		},
		types.NetworkBaseSepolia: {
			Network: types.NetworkBaseSepolia,
			ChainID: ChainIDBaseSepolia,
			Name:    "Base Sepolia",
		},
	}

	// USDCDeployments maps networks to their USDC token deployments
	USDCDeployments = map[types.Network]USDCDeployment{
		types.NetworkBase: {
			Network:       types.NetworkBase,
			TokenAddress:  common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"),
			TokenSymbol:   "USDC",
			Decimals:      6,
			DomainName:    "USD Coin",
			DomainVersion: "2",
		},
		types.NetworkBaseSepolia: {
			Network:       types.NetworkBaseSepolia,
			TokenAddress:  common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e"),
			TokenSymbol:   "USDC",
			Decimals:      6,
			DomainName:    "USDC",
			DomainVersion: "2",
		},
	}

	// ValidatorAddress is the universal ERC-6492 signature validator contract,
	// deployed at the same address on both Base networks.
	ValidatorAddress = common.HexToAddress("0xdAcD51A54883eb67D95FAEb2BBfdC4a9a6BD2a3B")
)

// GetNetworkInfo returns information about a network
func GetNetworkInfo(network types.Network) (NetworkInfo, error) {
	info, ok := NetworkInfoMap[network]
	if !ok {
		return NetworkInfo{}, fmt.Errorf("unknown network: %s", network)
	}
	return info, nil
}

// GetUSDCDeployment returns the USDC deployment for a network
func GetUSDCDeployment(network types.Network) (USDCDeployment, error) {
	deployment, ok := USDCDeployments[network]
	if !ok {
		return USDCDeployment{}, fmt.Errorf("no USDC deployment for network: %s", network)
	}
	return deployment, nil
}

// GetChainID returns the chain ID for a network as a big.Int suitable for
// EIP-712 domain construction and transaction signing.
func GetChainID(network types.Network) (*big.Int, error) {
	info, err := GetNetworkInfo(network)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetUint64(uint64(info.ChainID)), nil
}

// ParseAmount converts a human-readable token amount ("0.10") to the
// integer smallest-unit representation expected on the wire.
func ParseAmount(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("amount must not be negative: %s", amount)
	}

	scaled := d.Shift(decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// FormatAmount renders a smallest-unit integer as a human-readable token
// amount, for descriptions and logs.
func FormatAmount(units *big.Int, decimals int32) string {
	return decimal.NewFromBigInt(units, -decimals).String()
}
