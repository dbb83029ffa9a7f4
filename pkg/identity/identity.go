package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

var ErrInvalidAddress = errors.New("invalid address")

// Parse validates a 0x-prefixed hex address. Letter case is ignored, so checksummed,
// lower-case and upper-case spellings of the same address parse to the same value.
func Parse(input string) (common.Address, error) {
	s := strings.TrimSpace(input)
	if !IsAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, input)
	}
	return common.HexToAddress(s), nil
}

func IsAddress(input string) bool {
	s := strings.TrimSpace(input)
	if len(s) < 2 || !strings.EqualFold(s[:2], "0x") {
		return false
	}
	return common.IsHexAddress(s)
}

// Same reports whether two textual identities name the same account.
func Same(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func Contains(set []common.Address, addr common.Address) bool {
	for _, a := range set {
		if a == addr {
			return true
		}
	}
	return false
}

// Short renders an address as 0x1234...abcd.
func Short(addr common.Address) string {
	hex := addr.Hex()
	return hex[:6] + "..." + hex[len(hex)-4:]
}
