package flow

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/bitsave/pools/pkg/gateway"
	"github.com/bitsave/pools/pkg/plan"
	"github.com/bitsave/pools/pkg/token"
	"github.com/ethereum/go-ethereum/common"
)

type StepKind string

const (
	StepCreatePlan        StepKind = "createPlan"
	StepJoin              StepKind = "join"
	StepApprove           StepKind = "approve"
	StepDeposit           StepKind = "deposit"
	StepAddParticipant    StepKind = "addParticipant"
	StepRemoveParticipant StepKind = "removeParticipant"
	StepWithdraw          StepKind = "withdraw"
	StepCancel            StepKind = "cancel"
	StepClaimRefund       StepKind = "claimRefund"
)

// Action is what the user asked for; one action expands into one or more steps.
type Action string

const (
	ActionCreatePlan        Action = "createPlan"
	ActionDeposit           Action = "deposit"
	ActionAddParticipant    Action = "addParticipant"
	ActionRemoveParticipant Action = "removeParticipant"
	ActionWithdraw          Action = "withdraw"
	ActionCancel            Action = "cancel"
	ActionClaimRefund       Action = "claimRefund"
)

func (a Action) Valid() bool {
	switch a {
	case ActionCreatePlan, ActionDeposit, ActionAddParticipant, ActionRemoveParticipant,
		ActionWithdraw, ActionCancel, ActionClaimRefund:
		return true
	}
	return false
}

var (
	ErrPlanClosed         = errors.New("plan is not accepting deposits")
	ErrNotOwner           = errors.New("only the plan owner can do this")
	ErrTargetNotReached   = errors.New("plan target has not been reached")
	ErrNotCancelled       = errors.New("plan is not cancelled")
	ErrNothingToRefund    = errors.New("nothing to refund")
	ErrAlreadyParticipant = errors.New("already a participant")
	ErrNotParticipant     = errors.New("not a participant")
	ErrInvalidRequest     = errors.New("invalid request")
)

// Step is one on-chain write of a flow. Guard, if set, re-checks local preconditions
// immediately before the write is submitted.
type Step struct {
	Kind   StepKind
	Action gateway.ActionDescriptor
	Guard  func(ctx context.Context) error
}

func kinds(steps []Step) []StepKind {
	result := make([]StepKind, 0, len(steps))
	for _, s := range steps {
		result = append(result, s.Kind)
	}
	return result
}

// DepositSnapshot is everything ComputeRequiredSteps looks at.
type DepositSnapshot struct {
	Plan      plan.SavingsPlan
	Allowance *big.Int
	Balance   *big.Int
}

// ComputeRequiredSteps returns [join?][approve?]deposit. It has no side effects.
func ComputeRequiredSteps(snapshot DepositSnapshot, caller common.Address, requested *big.Int) []StepKind {
	steps := make([]StepKind, 0, 3)
	if NeedsJoin(snapshot.Plan.Participants, snapshot.Plan.Owner, caller) {
		steps = append(steps, StepJoin)
	}
	if NeedsApproval(snapshot.Allowance, requested) {
		steps = append(steps, StepApprove)
	}
	return append(steps, StepDeposit)
}

// CheckDeposit validates a deposit locally. Balance shortfalls are reported as an
// InsufficientBalance failure so they surface like any other step failure.
func CheckDeposit(snapshot DepositSnapshot, requested *big.Int, tok token.Token) error {
	if !snapshot.Plan.AcceptsDeposits() {
		return fmt.Errorf("%w: plan %d", ErrPlanClosed, snapshot.Plan.Id)
	}
	if snapshot.Balance == nil || snapshot.Balance.Cmp(requested) < 0 {
		return &gateway.Failure{
			Kind: gateway.InsufficientBalance,
			Step: string(StepDeposit),
			Reason: fmt.Sprintf("balance %s %s is below %s", token.FormatAmount(snapshot.Balance, tok.Decimals),
				tok.Symbol, token.FormatAmount(requested, tok.Decimals)),
		}
	}
	return nil
}

func CheckWithdraw(p plan.SavingsPlan, caller common.Address) error {
	switch {
	case !p.IsOwner(caller):
		return ErrNotOwner
	case p.IsClosed():
		return fmt.Errorf("%w: plan %d", ErrPlanClosed, p.Id)
	case !p.Reached():
		return ErrTargetNotReached
	}
	return nil
}

func CheckCancel(p plan.SavingsPlan, caller common.Address) error {
	switch {
	case !p.IsOwner(caller):
		return ErrNotOwner
	case p.IsClosed():
		return fmt.Errorf("%w: plan %d", ErrPlanClosed, p.Id)
	}
	return nil
}

func CheckClaimRefund(p plan.SavingsPlan, contribution *big.Int) error {
	switch {
	case !p.Cancelled:
		return ErrNotCancelled
	case contribution == nil || contribution.Sign() <= 0:
		return ErrNothingToRefund
	}
	return nil
}

func CheckAddParticipant(p plan.SavingsPlan, caller, participant common.Address) error {
	switch {
	case !p.IsOwner(caller):
		return ErrNotOwner
	case p.IsClosed():
		return fmt.Errorf("%w: plan %d", ErrPlanClosed, p.Id)
	case p.IsAuthorized(participant):
		return ErrAlreadyParticipant
	}
	return nil
}

func CheckRemoveParticipant(p plan.SavingsPlan, caller, participant common.Address) error {
	switch {
	case !p.IsOwner(caller):
		return ErrNotOwner
	case !p.IsParticipant(participant):
		return ErrNotParticipant
	}
	return nil
}
