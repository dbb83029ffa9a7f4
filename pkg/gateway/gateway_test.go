package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/bitsave/pools/internal/utils"
	"github.com/bitsave/pools/pkg/ledger"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	pools = common.HexToAddress("0x3caAB09d265f701171247Fa697a1fC5fAd8F28Ba")
	usdc  = common.HexToAddress("0xa3d69B7217B096709170f6fc50535e6aBc084f3A")
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

func setup(t *testing.T, timeout time.Duration) (*Gateway, *ledger.SimulatedLedger) {
	t.Helper()
	clock := &utils.MockClock{}
	clock.SetNow(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	sim := ledger.NewSimulatedLedger(pools, clock)
	sim.SetPollInterval(time.Millisecond)
	return New(sim, timeout), sim
}

func approve() ActionDescriptor {
	return ActionDescriptor{
		Step:     "approve",
		From:     alice,
		Contract: usdc,
		Method:   ledger.MethodApprove,
		Args:     []any{pools, big.NewInt(50)},
	}
}

func TestGateway_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("should return handle and confirm", func(t *testing.T) {
		// given
		gw, _ := setup(t, time.Second)

		// when
		handle, err := gw.Submit(ctx, approve())
		require.NoError(t, err)
		outcome, err := gw.AwaitConfirmation(ctx, "approve", handle, 2)

		// then
		require.NoError(t, err)
		assert.Equal(t, handle.Hash, outcome.TxHash)
		assert.Equal(t, uint64(2), outcome.Confirmations)
	})

	t.Run("should classify user rejection", func(t *testing.T) {
		gw, sim := setup(t, time.Second)
		sim.RejectNext(ledger.MethodApprove)

		_, err := gw.Submit(ctx, approve())

		assert.Equal(t, UserRejected, KindOf(err))
		assert.ErrorIs(t, err, ledger.ErrUserRejected)
	})

	t.Run("should classify revert before broadcast", func(t *testing.T) {
		gw, sim := setup(t, time.Second)
		sim.FailNextWrite(&ledger.RevertError{Reason: "paused"})

		_, err := gw.Submit(ctx, approve())

		var failure *Failure
		require.True(t, errors.As(err, &failure))
		assert.Equal(t, Reverted, failure.Kind)
		assert.Equal(t, "paused", failure.Reason)
	})

	t.Run("should classify missing signer apart from user rejection", func(t *testing.T) {
		gw, sim := setup(t, time.Second)
		sim.FailNextWrite(fmt.Errorf("%w: %s", ledger.ErrNoSigner, alice.Hex()))

		_, err := gw.Submit(ctx, approve())

		assert.Equal(t, SignerUnavailable, KindOf(err))
		assert.ErrorIs(t, err, ledger.ErrNoSigner)
		assert.Contains(t, err.Error(), alice.Hex())
	})

	t.Run("should classify anything else as network error", func(t *testing.T) {
		gw, sim := setup(t, time.Second)
		sim.FailNextWrite(errors.New("connection reset"))

		_, err := gw.Submit(ctx, approve())

		assert.Equal(t, NetworkError, KindOf(err))
	})
}

func TestGateway_AwaitConfirmation(t *testing.T) {
	ctx := context.Background()

	t.Run("should time out and allow re-polling the same handle", func(t *testing.T) {
		// given
		gw, sim := setup(t, 20*time.Millisecond)
		sim.SetAutoMine(false)
		handle, err := gw.Submit(ctx, approve())
		require.NoError(t, err)

		// when
		_, err = gw.AwaitConfirmation(ctx, "approve", handle, 2)

		// then
		assert.Equal(t, Timeout, KindOf(err))

		// when
		sim.SetAutoMine(true)
		outcome, err := gw.AwaitConfirmation(ctx, "approve", handle, 2)

		// then
		require.NoError(t, err)
		assert.Equal(t, handle.Hash, outcome.TxHash)
		assert.Len(t, sim.Submissions(), 1)
	})

	t.Run("should report revert reason", func(t *testing.T) {
		gw, _ := setup(t, time.Second)
		handle, err := gw.Submit(ctx, ActionDescriptor{
			Step:     "deposit",
			From:     alice,
			Contract: pools,
			Method:   ledger.MethodDeposit,
			Args:     []any{big.NewInt(99), big.NewInt(1)},
		})
		require.NoError(t, err)

		_, err = gw.AwaitConfirmation(ctx, "deposit", handle, 2)

		var failure *Failure
		require.True(t, errors.As(err, &failure))
		assert.Equal(t, Reverted, failure.Kind)
		assert.Equal(t, ledger.ReasonPlanNotFound, failure.Reason)
		assert.Equal(t, "deposit", failure.Step)
	})

	t.Run("should classify receipt errors as network error", func(t *testing.T) {
		gw, sim := setup(t, time.Second)
		handle, err := gw.Submit(ctx, approve())
		require.NoError(t, err)
		sim.FailNextReceipt(ledger.ErrNetwork)

		_, err = gw.AwaitConfirmation(ctx, "approve", handle, 2)

		assert.Equal(t, NetworkError, KindOf(err))
		assert.ErrorIs(t, err, ledger.ErrNetwork)
	})
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, FailureKind(""), KindOf(errors.New("plain")))
	assert.Equal(t, Timeout, KindOf(errors.Join(errors.New("x"), &Failure{Kind: Timeout})))
}
