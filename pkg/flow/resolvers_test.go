package flow

import (
	"math/big"
	"strings"
	"testing"

	"github.com/bitsave/pools/pkg/gateway"
	"github.com/bitsave/pools/pkg/plan"
	"github.com/bitsave/pools/pkg/token"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNeedsApproval(t *testing.T) {
	tests := []struct {
		name      string
		allowance *big.Int
		requested *big.Int
		want      bool
	}{
		{"no allowance", nil, big.NewInt(1), true},
		{"zero allowance", big.NewInt(0), big.NewInt(1), true},
		{"below", big.NewInt(49_999_999), usdc(50), true},
		{"equal", usdc(50), usdc(50), false},
		{"above", usdc(51), usdc(50), false},
		{"nothing requested", big.NewInt(0), big.NewInt(0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsApproval(tt.allowance, tt.requested))
		})
	}

	t.Run("should compare human amounts exactly", func(t *testing.T) {
		needs, err := NeedsApprovalFor(big.NewInt(50_000_000), "50", 6)
		require.NoError(t, err)
		assert.False(t, needs)

		needs, err = NeedsApprovalFor(big.NewInt(50_000_000), "50.000001", 6)
		require.NoError(t, err)
		assert.True(t, needs)

		_, err = NeedsApprovalFor(big.NewInt(0), "0.0000001", 6)
		assert.ErrorIs(t, err, token.ErrTooManyDecimals)
	})
}

func TestNeedsJoin(t *testing.T) {
	t.Run("should never require owner to join", func(t *testing.T) {
		assert.False(t, NeedsJoin(nil, alice, alice))
		assert.False(t, NeedsJoinFor(nil, strings.ToLower(alice.Hex()), strings.ToUpper("0x"+alice.Hex()[2:])))
	})

	t.Run("should compare identities case-insensitively", func(t *testing.T) {
		participants := []string{strings.ToUpper("0x" + bob.Hex()[2:])}
		assert.False(t, NeedsJoinFor(participants, alice.Hex(), strings.ToLower(bob.Hex())))
		assert.True(t, NeedsJoinFor(participants, alice.Hex(), carol.Hex()))
	})

	t.Run("should require non participant to join", func(t *testing.T) {
		assert.True(t, NeedsJoin([]common.Address{bob}, alice, carol))
		assert.False(t, NeedsJoin([]common.Address{bob}, alice, bob))
	})
}

func TestComputeRequiredSteps(t *testing.T) {
	open := plan.SavingsPlan{Id: 1, Owner: alice, Active: true, Participants: []common.Address{bob}}

	tests := []struct {
		name      string
		caller    common.Address
		allowance *big.Int
		want      []StepKind
	}{
		{"participant without allowance", bob, big.NewInt(0), []StepKind{StepApprove, StepDeposit}},
		{"participant with exact allowance", bob, usdc(50), []StepKind{StepDeposit}},
		{"non participant without allowance", carol, big.NewInt(0), []StepKind{StepJoin, StepApprove, StepDeposit}},
		{"non participant with allowance", carol, usdc(80), []StepKind{StepJoin, StepDeposit}},
		{"owner without allowance", alice, nil, []StepKind{StepApprove, StepDeposit}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snapshot := DepositSnapshot{Plan: open, Allowance: tt.allowance, Balance: usdc(100)}

			got := ComputeRequiredSteps(snapshot, tt.caller, usdc(50))

			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ComputeRequiredSteps() mismatch (-want +got):\n%s", diff)
			}
		})
	}

	t.Run("should be idempotent", func(t *testing.T) {
		snapshot := DepositSnapshot{Plan: open, Allowance: big.NewInt(0), Balance: usdc(100)}

		first := ComputeRequiredSteps(snapshot, carol, usdc(50))
		second := ComputeRequiredSteps(snapshot, carol, usdc(50))

		assert.Empty(t, cmp.Diff(first, second))
		assert.Equal(t, big.NewInt(0), snapshot.Allowance)
	})
}

func TestChecks(t *testing.T) {
	tok := token.Token{Symbol: "USDC", Decimals: 6}
	open := plan.SavingsPlan{Id: 1, Owner: alice, Active: true, Target: usdc(100), Deposited: usdc(40), Participants: []common.Address{bob}}

	t.Run("should reject deposits into closed plans", func(t *testing.T) {
		withdrawn := open.Clone()
		withdrawn.Withdrawn = true

		err := CheckDeposit(DepositSnapshot{Plan: withdrawn, Balance: usdc(100)}, usdc(1), tok)

		assert.ErrorIs(t, err, ErrPlanClosed)
	})

	t.Run("should report insufficient balance before submission", func(t *testing.T) {
		err := CheckDeposit(DepositSnapshot{Plan: open, Balance: usdc(10)}, usdc(50), tok)

		assert.Equal(t, gateway.InsufficientBalance, gateway.KindOf(err))
		assert.Contains(t, err.Error(), "balance 10 USDC is below 50")
	})

	t.Run("should guard owner actions", func(t *testing.T) {
		assert.ErrorIs(t, CheckWithdraw(open, bob), ErrNotOwner)
		assert.ErrorIs(t, CheckWithdraw(open, alice), ErrTargetNotReached)
		assert.ErrorIs(t, CheckCancel(open, bob), ErrNotOwner)
		assert.NoError(t, CheckCancel(open, alice))
		assert.ErrorIs(t, CheckAddParticipant(open, alice, bob), ErrAlreadyParticipant)
		assert.ErrorIs(t, CheckAddParticipant(open, alice, alice), ErrAlreadyParticipant)
		assert.NoError(t, CheckAddParticipant(open, alice, carol))
		assert.ErrorIs(t, CheckRemoveParticipant(open, alice, carol), ErrNotParticipant)
		assert.ErrorIs(t, CheckRemoveParticipant(open, bob, bob), ErrNotOwner)
	})

	t.Run("should only refund contributors of cancelled plans", func(t *testing.T) {
		cancelled := open.Clone()
		cancelled.Cancelled = true

		assert.ErrorIs(t, CheckClaimRefund(open, usdc(1)), ErrNotCancelled)
		assert.ErrorIs(t, CheckClaimRefund(cancelled, big.NewInt(0)), ErrNothingToRefund)
		assert.NoError(t, CheckClaimRefund(cancelled, usdc(1)))
	})
}
