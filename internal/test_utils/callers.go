package test_utils

import (
	"context"

	"github.com/bitsave/pools/pkg/identity"
	"github.com/ethereum/go-ethereum/common"
)

var (
	Alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	Bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	Carol = common.HexToAddress("0x00000000000000000000000000000000000ca201")
)

// AsCaller returns a context carrying addr as the authenticated wallet.
func AsCaller(addr common.Address) context.Context {
	return identity.WithCaller(context.Background(), addr)
}
