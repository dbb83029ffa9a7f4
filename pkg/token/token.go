package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const DefaultDecimals int32 = 18

// maxAmountDigits is the digit count of 2^256-1, the largest amount a uint256 argument carries.
const maxAmountDigits = 78

var (
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrNonPositiveAmount = errors.New("amount must be greater than zero")
	ErrTooManyDecimals   = errors.New("amount has more fractional digits than the token supports")
	ErrUnsupportedToken  = errors.New("unsupported token")
	ErrUnsupportedChain  = errors.New("unsupported chain")
)

type Token struct {
	Symbol   string
	Name     string
	Decimals int32
	Address  common.Address
}

// ParseAmount converts a human readable amount ("12.5") into the token's smallest unit.
// Amounts that cannot be represented exactly are rejected rather than rounded.
func ParseAmount(amount string, decimals int32) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, amount)
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("%w: %q", ErrNonPositiveAmount, amount)
	}
	if int64(d.NumDigits())+int64(d.Exponent())+int64(decimals) > maxAmountDigits {
		return nil, fmt.Errorf("%w: %q does not fit in uint256", ErrInvalidAmount, amount)
	}
	scaled := d.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: %q with %d decimals", ErrTooManyDecimals, amount, decimals)
	}
	units := scaled.BigInt()
	if units.BitLen() > 256 {
		return nil, fmt.Errorf("%w: %q does not fit in uint256", ErrInvalidAmount, amount)
	}
	return units, nil
}

// FormatAmount renders an amount in the smallest unit as a decimal string without trailing zeros.
func FormatAmount(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -decimals).String()
}

// Percentage returns part/whole*100 rounded down to two decimals, "0" when whole is zero.
func Percentage(part, whole *big.Int) string {
	if whole == nil || whole.Sign() == 0 || part == nil {
		return "0"
	}
	basisPoints := new(big.Int).Mul(part, big.NewInt(10000))
	basisPoints.Quo(basisPoints, whole)
	return decimal.NewFromBigInt(basisPoints, -2).StringFixed(2)
}
