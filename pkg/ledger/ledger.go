package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUserRejected  = errors.New("user rejected the request")
	ErrNoSigner      = errors.New("no signing key for sender")
	ErrNetwork       = errors.New("ledger unreachable")
	ErrUnknownMethod = errors.New("unknown contract method")
	ErrBadArguments  = errors.New("bad contract call arguments")
	ErrUnknownTx     = errors.New("unknown transaction")
)

// RevertError is returned when the contract rejected a call, either while estimating a write
// before broadcast or when replaying a mined transaction.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return "execution reverted"
	}
	return fmt.Sprintf("execution reverted: %s", e.Reason)
}

// TxHandle identifies a broadcast transaction.
type TxHandle struct {
	Hash        common.Hash
	From        common.Address
	Contract    common.Address
	Method      string
	SubmittedAt time.Time
}

type Receipt struct {
	TxHash        common.Hash
	BlockNumber   uint64
	Confirmations uint64
	Success       bool
	RevertReason  string
}

// Connector is the wallet/ledger collaborator. WriteState returns once the transaction is
// signed and broadcast; AwaitReceipt blocks until the transaction is mined and has at least
// the requested number of confirmations, or until it is known to have reverted.
type Connector interface {
	ReadState(ctx context.Context, contract common.Address, method string, args ...any) ([]any, error)
	WriteState(ctx context.Context, from common.Address, contract common.Address, method string, args ...any) (TxHandle, error)
	AwaitReceipt(ctx context.Context, handle TxHandle, confirmations uint64) (Receipt, error)
}
