package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bitsave/pools/pkg/ledger"
	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
)

type FailureKind string

const (
	UserRejected          FailureKind = "user_rejected"
	NetworkError          FailureKind = "network_error"
	Reverted              FailureKind = "reverted"
	Timeout               FailureKind = "timeout"
	InsufficientBalance   FailureKind = "insufficient_balance"
	InsufficientAllowance FailureKind = "insufficient_allowance"
	// ReadFailed marks a pre-sign check that could not read chain state. Nothing was broadcast.
	ReadFailed FailureKind = "read_failed"
	// SignerUnavailable means no key can sign for the sender. Retrying does not help until it is configured.
	SignerUnavailable FailureKind = "signer_unavailable"
)

// Failure is the typed error of every submit or confirmation attempt.
type Failure struct {
	Kind   FailureKind
	Step   string
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s failed: %s", f.Step, f.Kind)
	if f.Reason != "" {
		msg += ": " + f.Reason
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// KindOf returns the failure kind carried by err, or an empty kind.
func KindOf(err error) FailureKind {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	return ""
}

type ActionDescriptor struct {
	Step     string
	From     common.Address
	Contract common.Address
	Method   string
	Args     []any
}

type Handle = ledger.TxHandle

type Outcome struct {
	TxHash        common.Hash
	BlockNumber   uint64
	Confirmations uint64
}

type Gateway struct {
	connector ledger.Connector
	timeout   time.Duration
}

// New creates a gateway whose confirmation waits are bounded by timeout; zero means unbounded.
func New(connector ledger.Connector, timeout time.Duration) *Gateway {
	return &Gateway{connector: connector, timeout: timeout}
}

func (g *Gateway) Submit(ctx context.Context, action ActionDescriptor) (Handle, error) {
	log.Debugf("Submitting %s: %s.%s from %s", action.Step, action.Contract.Hex(), action.Method, action.From.Hex())
	handle, err := g.connector.WriteState(ctx, action.From, action.Contract, action.Method, action.Args...)
	if err != nil {
		failure := &Failure{Step: action.Step, Err: err}
		var revert *ledger.RevertError
		switch {
		case errors.Is(err, ledger.ErrNoSigner):
			failure.Kind = SignerUnavailable
			failure.Reason = err.Error()
			log.Errorf("Cannot sign %s: %v", action.Step, err)
		case errors.Is(err, ledger.ErrUserRejected):
			failure.Kind = UserRejected
		case errors.As(err, &revert):
			failure.Kind = Reverted
			failure.Reason = revert.Reason
		default:
			failure.Kind = NetworkError
			failure.Reason = err.Error()
			log.Errorf("Failed to submit %s: %v", action.Step, err)
		}
		return Handle{}, failure
	}
	return handle, nil
}

// AwaitConfirmation blocks until the transaction behind handle has the requested confirmations.
// Expiry of the wait is reported as Timeout; the transaction may still confirm later.
func (g *Gateway) AwaitConfirmation(ctx context.Context, step string, handle Handle, confirmations uint64) (Outcome, error) {
	waitCtx := ctx
	if g.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	receipt, err := g.connector.AwaitReceipt(waitCtx, handle, confirmations)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || waitCtx.Err() != nil {
			return Outcome{}, &Failure{
				Kind:   Timeout,
				Step:   step,
				Reason: fmt.Sprintf("transaction %s not confirmed in time", handle.Hash.Hex()),
				Err:    err,
			}
		}
		log.Errorf("Failed to await %s (%s): %v", step, handle.Hash.Hex(), err)
		return Outcome{}, &Failure{Kind: NetworkError, Step: step, Reason: err.Error(), Err: err}
	}
	if !receipt.Success {
		return Outcome{}, &Failure{Kind: Reverted, Step: step, Reason: receipt.RevertReason}
	}

	return Outcome{
		TxHash:        receipt.TxHash,
		BlockNumber:   receipt.BlockNumber,
		Confirmations: receipt.Confirmations,
	}, nil
}
