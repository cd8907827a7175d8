package validation

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ValidateAddress validates an EVM address (20 bytes, hex, optional 0x prefix)
func ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("address cannot be empty")
	}

	normalized := strings.TrimPrefix(strings.TrimPrefix(addr, "0x"), "0X")
	if len(normalized) != 2*common.AddressLength {
		return fmt.Errorf("invalid address length: expected %d characters (without 0x), got %d", 2*common.AddressLength, len(normalized))
	}

	if !common.IsHexAddress(addr) {
		return fmt.Errorf("invalid hex address: %s", addr)
	}

	return nil
}

// NormalizeAddress converts an address to lowercase with a 0x prefix
func NormalizeAddress(addr string) string {
	addr = strings.TrimPrefix(addr, "0x")
	addr = strings.TrimPrefix(addr, "0X")
	return "0x" + strings.ToLower(addr)
}

// ValidateAndNormalizeAddress validates an address and returns its normalized form
func ValidateAndNormalizeAddress(addr string) (string, error) {
	if err := ValidateAddress(addr); err != nil {
		return "", err
	}
	return NormalizeAddress(addr), nil
}

// DeriveDID builds the did:pkh identifier for a wallet on an EVM chain.
func DeriveDID(addr string, chainID int64) (string, error) {
	normalized, err := ValidateAndNormalizeAddress(addr)
	if err != nil {
		return "", err
	}
	if chainID <= 0 {
		return "", fmt.Errorf("invalid chain id: %d", chainID)
	}
	return fmt.Sprintf("did:pkh:eip155:%d:%s", chainID, normalized), nil
}

// ParseAmount parses a base-unit token amount. Only positive decimal integers are accepted.
func ParseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("amount must be a decimal integer: %q", s)
		}
	}
	amount, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("amount must be a decimal integer: %q", s)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive: %q", s)
	}
	return amount, nil
}
