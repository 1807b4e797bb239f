// Package codec normalizes wallet addresses and formats/parses on-chain
// token amounts to and from fixed-point decimal strings.
package codec

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NormalizeAddress validates and checksums a hex address per EIP-55.
// Returns an error if s is not a syntactically valid 20-byte hex address.
func NormalizeAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("codec: %q is not a valid hex address", s)
	}
	return common.HexToAddress(s).Hex(), nil
}

// Equal reports whether two address strings refer to the same account,
// independent of checksum casing.
func Equal(a, b string) bool {
	if !common.IsHexAddress(a) || !common.IsHexAddress(b) {
		return false
	}
	return common.HexToAddress(a) == common.HexToAddress(b)
}

// FormatAmount converts a smallest-unit integer to a human-readable decimal
// string with exactly `decimals` fractional digits (e.g. decimals=18,
// amount=1500000000000000000 -> "1.500000000000000000").
func FormatAmount(amount *big.Int, decimals int) string {
	if amount == nil {
		amount = big.NewInt(0)
	}
	neg := amount.Sign() < 0
	abs := new(big.Int).Abs(amount)
	s := abs.String()
	for len(s) < decimals+1 {
		s = "0" + s
	}
	if decimals == 0 {
		if neg {
			return "-" + s
		}
		return s
	}
	cut := len(s) - decimals
	result := s[:cut] + "." + s[cut:]
	if neg {
		result = "-" + result
	}
	return result
}

// ParseAmount converts a decimal string (e.g. "1.5") to its smallest-unit
// big.Int representation for a token with the given number of decimals.
// Returns (nil, false) on invalid input: negative amounts, more than one
// decimal point, or a fractional part longer than the token supports.
func ParseAmount(s string, decimals int) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}
	if len(frac) > decimals {
		return nil, false
	}
	for len(frac) < decimals {
		frac += "0"
	}

	combined := whole + frac
	if combined == "" {
		combined = "0"
	}
	return new(big.Int).SetString(combined, 10)
}
