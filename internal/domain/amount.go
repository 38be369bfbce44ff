package domain

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the number of decimal places between the ledger-native
// unit (wei) and the display unit.
const EtherDecimals = 18

// ParseEther converts a non-negative decimal display amount such as "0.1"
// into ledger-native units. Precision beyond EtherDecimals is rejected.
func ParseEther(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, Invalid("amount %q: %v", s, err)
	}
	if d.IsNegative() {
		return nil, Invalid("amount %q: negative", s)
	}
	wei := d.Shift(EtherDecimals)
	if !wei.IsInteger() {
		return nil, Invalid("amount %q: more than %d decimal places", s, EtherDecimals)
	}
	return wei.BigInt(), nil
}

// FormatEther renders ledger-native units as a display amount.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -EtherDecimals).String()
}

// Ether is a convenience for whole and fractional constants, e.g. Ether("1.5").
func Ether(s string) *big.Int {
	v, err := ParseEther(s)
	if err != nil {
		panic(err)
	}
	return v
}
