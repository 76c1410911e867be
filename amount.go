package payload

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultDecimals is the number of decimals of USDC
const DefaultDecimals = 6

// ParseAmount parses a decimal-string integer amount in the asset's smallest unit.
// Signs, fractions, exponents and whitespace are rejected.
func ParseAmount(s string) (int64, error) {
	if s == "" || strings.TrimSpace(s) != s || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return 0, ErrInvalidAmount
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, ErrInvalidAmount
	}
	return v, nil
}

// FormatAmount encodes an amount for the wire as a decimal string
func FormatAmount(v int64) string {
	return strconv.FormatInt(v, 10)
}

// BigToAmount narrows a big integer into a ledger amount
func BigToAmount(v *big.Int) (int64, error) {
	if v == nil || v.Sign() < 0 || !v.IsInt64() {
		return 0, ErrInvalidAmount
	}
	return v.Int64(), nil
}

// DisplayAmount renders a smallest-unit amount in whole units, e.g. 1500000 -> "1.5" for USDC
func DisplayAmount(v int64, decimals int32) string {
	return decimal.New(v, -decimals).String()
}
