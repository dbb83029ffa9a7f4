package flow

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/bitsave/pools/internal/test_utils"
	"github.com/bitsave/pools/pkg/gateway"
	"github.com/bitsave/pools/pkg/identity"
	"github.com/bitsave/pools/pkg/journal"
	"github.com/bitsave/pools/pkg/ledger"
	"github.com/bitsave/pools/pkg/plan"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForState(t *testing.T, s Service, ctx context.Context, flowId uuid.UUID, want State) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = s.Get(ctx, flowId)
		return err == nil && snap.State == want
	}, 2*time.Second, 2*time.Millisecond)
	return snap
}

func TestService_Prepare(t *testing.T) {
	t.Run("should require a caller", func(t *testing.T) {
		f := newFixture(t, time.Second)
		s := f.service(t)

		_, err := s.Prepare(context.Background(), Request{Action: ActionDeposit, PlanId: 1, Amount: "1"})

		assert.ErrorIs(t, err, identity.ErrNoCaller)
	})

	t.Run("should plan deposit steps without submitting", func(t *testing.T) {
		// given
		f := newFixture(t, time.Second)
		s := f.service(t)
		planId := f.seedPlan()
		f.sim.Mint(f.token.Address, bob, usdc(10))

		// when
		snap, err := s.Prepare(test_utils.AsCaller(bob), Request{Action: ActionDeposit, PlanId: planId, Amount: "10"})

		// then
		require.NoError(t, err)
		assert.Equal(t, Idle, snap.State)
		assert.Equal(t, []StepKind{StepJoin, StepApprove, StepDeposit}, snap.Steps)
		assert.Equal(t, StepJoin, snap.Step)
		assert.Empty(t, f.sim.Submissions())
	})

	t.Run("should reject invalid requests locally", func(t *testing.T) {
		f := newFixture(t, time.Second)
		s := f.service(t)
		planId := f.seedPlan(bob)
		f.sim.Mint(f.token.Address, bob, usdc(10))
		ctx := test_utils.AsCaller(bob)

		_, err := s.Prepare(ctx, Request{Action: "steal", PlanId: planId})
		assert.ErrorIs(t, err, ErrInvalidRequest)

		_, err = s.Prepare(ctx, Request{Action: ActionDeposit, PlanId: planId, Amount: "11"})
		assert.Equal(t, gateway.InsufficientBalance, gateway.KindOf(err))

		_, err = s.Prepare(ctx, Request{Action: ActionDeposit, PlanId: planId, Amount: "0.0000001"})
		assert.ErrorIs(t, err, ErrInvalidRequest)

		_, err = s.Prepare(ctx, Request{Action: ActionWithdraw, PlanId: planId})
		assert.ErrorIs(t, err, ErrNotOwner)

		_, err = s.Prepare(ctx, Request{Action: ActionDeposit, PlanId: 99, Amount: "1"})
		assert.ErrorIs(t, err, plan.ErrPlanNotFound)
	})
}

func TestService_Execute(t *testing.T) {
	t.Run("should run flow in background until success", func(t *testing.T) {
		// given
		f := newFixture(t, time.Second)
		s := f.service(t)
		planId := f.seedPlan()
		f.sim.Mint(f.token.Address, bob, usdc(10))
		ctx := test_utils.AsCaller(bob)
		prepared, err := s.Prepare(ctx, Request{Action: ActionDeposit, PlanId: planId, Amount: "10"})
		require.NoError(t, err)

		// when
		started, err := s.Execute(ctx, prepared.FlowId)
		require.NoError(t, err)

		// then
		assert.NotEqual(t, Idle, started.State)
		done := waitForState(t, s, ctx, prepared.FlowId, Success)
		assert.Len(t, done.TxHashes, 3)

		_, err = s.Execute(ctx, prepared.FlowId)
		assert.ErrorIs(t, err, ErrFlowFinished)

		history, err := s.History(ctx, prepared.FlowId)
		require.NoError(t, err)
		require.Len(t, history, 3)
		for _, e := range history {
			assert.Equal(t, journal.StatusConfirmed, e.Status)
		}
	})

	t.Run("should re-plan after user rejection", func(t *testing.T) {
		// given
		f := newFixture(t, time.Second)
		s := f.service(t)
		planId := f.seedPlan()
		f.sim.Mint(f.token.Address, bob, usdc(10))
		ctx := test_utils.AsCaller(bob)
		prepared, err := s.Prepare(ctx, Request{Action: ActionDeposit, PlanId: planId, Amount: "10"})
		require.NoError(t, err)
		f.sim.RejectNext(ledger.MethodApprove)

		// when
		_, err = s.Execute(ctx, prepared.FlowId)
		require.NoError(t, err)
		rejected := waitForState(t, s, ctx, prepared.FlowId, Idle)

		// then
		assert.Equal(t, gateway.UserRejected, rejected.Failure.Kind)
		assert.Equal(t, []string{ledger.MethodJoinPlan}, methods(f.sim.Submissions()))

		// when the user tries again the join is no longer needed
		_, err = s.Execute(ctx, prepared.FlowId)
		require.NoError(t, err)
		done := waitForState(t, s, ctx, prepared.FlowId, Success)

		// then
		assert.Equal(t, []StepKind{StepApprove, StepDeposit}, done.Steps)
	})

	t.Run("should hide flows of other callers", func(t *testing.T) {
		f := newFixture(t, time.Second)
		s := f.service(t)
		planId := f.seedPlan()
		prepared, err := s.Prepare(test_utils.AsCaller(alice), Request{Action: ActionCancel, PlanId: planId})
		require.NoError(t, err)

		_, err = s.Get(test_utils.AsCaller(bob), prepared.FlowId)
		assert.ErrorIs(t, err, ErrFlowNotFound)
		_, err = s.Execute(test_utils.AsCaller(bob), prepared.FlowId)
		assert.ErrorIs(t, err, ErrFlowNotFound)
		err = s.Dismiss(test_utils.AsCaller(bob), prepared.FlowId)
		assert.ErrorIs(t, err, ErrFlowNotFound)
	})

	t.Run("should refuse to dismiss flow in flight", func(t *testing.T) {
		// given
		f := newFixture(t, 5*time.Second)
		s := f.service(t)
		planId := f.seedPlan()
		ctx := test_utils.AsCaller(alice)
		prepared, err := s.Prepare(ctx, Request{Action: ActionCancel, PlanId: planId})
		require.NoError(t, err)
		f.sim.SetAutoMine(false)
		_, err = s.Execute(ctx, prepared.FlowId)
		require.NoError(t, err)
		waitForState(t, s, ctx, prepared.FlowId, Confirming)

		// when
		err = s.Dismiss(ctx, prepared.FlowId)
		_, again := s.Execute(ctx, prepared.FlowId)

		// then
		assert.ErrorIs(t, err, ErrFlowInProgress)
		assert.ErrorIs(t, again, ErrFlowInProgress)
		f.sim.Mine(2)
		waitForState(t, s, ctx, prepared.FlowId, Success)
		require.NoError(t, s.Dismiss(ctx, prepared.FlowId))
		_, err = s.Get(ctx, prepared.FlowId)
		assert.ErrorIs(t, err, ErrFlowNotFound)
	})
}

func TestPlanner(t *testing.T) {
	t.Run("should create plan with resolved participants", func(t *testing.T) {
		// given
		f := newFixture(t, time.Second)
		req := Request{
			Action:       ActionCreatePlan,
			Name:         "  Holiday ",
			TokenSymbol:  "usdc",
			Target:       "250.5",
			Deadline:     now.Add(30 * 24 * time.Hour),
			Participants: []string{"carol.base.eth", bob.Hex(), alice.Hex(), "CAROL.base.eth"},
		}

		// when
		steps, err := f.planner.Plan(context.Background(), alice, req)

		// then
		require.NoError(t, err)
		require.Len(t, steps, 1)
		args := steps[0].Action.Args
		assert.Equal(t, ledger.MethodCreatePlan, steps[0].Action.Method)
		assert.Equal(t, "Holiday", args[0])
		assert.Equal(t, f.token.Address, args[1])
		assert.Equal(t, big.NewInt(250_500_000), args[2])
		assert.Equal(t, alice, args[3])
		assert.Equal(t, big.NewInt(now.Add(30*24*time.Hour).Unix()), args[4])
		assert.Equal(t, []common.Address{carol, bob}, args[5])
		_, err = ledger.PoolsABI.Pack(steps[0].Action.Method, args...)
		assert.NoError(t, err)
	})

	t.Run("should reject blank name, past deadline and unknown names", func(t *testing.T) {
		f := newFixture(t, time.Second)
		ctx := context.Background()

		_, err := f.planner.Plan(ctx, alice, Request{Action: ActionCreatePlan, Name: " ", TokenSymbol: "USDC", Target: "1", Deadline: now.Add(time.Hour)})
		assert.ErrorIs(t, err, ErrInvalidRequest)

		_, err = f.planner.Plan(ctx, alice, Request{Action: ActionCreatePlan, Name: "Trip", TokenSymbol: "USDC", Target: "1", Deadline: now})
		assert.ErrorIs(t, err, ErrInvalidRequest)

		_, err = f.planner.Plan(ctx, alice, Request{Action: ActionCreatePlan, Name: "Trip", TokenSymbol: "DAI", Target: "1", Deadline: now.Add(time.Hour)})
		assert.ErrorIs(t, err, ErrInvalidRequest)

		_, err = f.planner.Plan(ctx, alice, Request{
			Action: ActionCreatePlan, Name: "Trip", TokenSymbol: "USDC", Target: "1", Deadline: now.Add(time.Hour),
			Participants: []string{"nobody.base.eth"},
		})
		var resolutionErr *identity.ResolutionError
		require.ErrorAs(t, err, &resolutionErr)
		assert.Equal(t, identity.NameNotFound, resolutionErr.Kind)
	})

	t.Run("should add participant by name and refuse duplicates", func(t *testing.T) {
		f := newFixture(t, time.Second)
		ctx := context.Background()
		planId := f.seedPlan(bob)

		steps, err := f.planner.Plan(ctx, alice, Request{Action: ActionAddParticipant, PlanId: planId, Participant: "carol.base.eth"})
		require.NoError(t, err)
		assert.Equal(t, carol, steps[0].Action.Args[1])

		_, err = f.planner.Plan(ctx, alice, Request{Action: ActionAddParticipant, PlanId: planId, Participant: bob.Hex()})
		assert.ErrorIs(t, err, ErrAlreadyParticipant)

		steps, err = f.planner.Plan(ctx, alice, Request{Action: ActionRemoveParticipant, PlanId: planId, Participant: bob.Hex()})
		require.NoError(t, err)
		assert.Equal(t, StepRemoveParticipant, steps[0].Kind)
	})

	t.Run("should refund only after cancellation", func(t *testing.T) {
		f := newFixture(t, time.Second)
		ctx := context.Background()
		planId := f.seedPlan(bob)

		_, err := f.planner.Plan(ctx, bob, Request{Action: ActionClaimRefund, PlanId: planId})
		assert.ErrorIs(t, err, ErrNotCancelled)
	})
}
