package flow

import (
	"math/big"

	"github.com/bitsave/pools/pkg/token"
)

// NeedsApproval reports whether the current allowance is below the requested amount.
// A missing allowance counts as zero; an allowance equal to the amount is sufficient.
func NeedsApproval(allowance, requested *big.Int) bool {
	if requested == nil || requested.Sign() <= 0 {
		return false
	}
	if allowance == nil {
		return true
	}
	return allowance.Cmp(requested) < 0
}

// NeedsApprovalFor is NeedsApproval for a human readable amount of a token with the given decimals.
func NeedsApprovalFor(allowance *big.Int, amount string, decimals int32) (bool, error) {
	requested, err := token.ParseAmount(amount, decimals)
	if err != nil {
		return false, err
	}
	return NeedsApproval(allowance, requested), nil
}
