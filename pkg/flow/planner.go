package flow

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/bitsave/pools/internal/utils"
	"github.com/bitsave/pools/pkg/gateway"
	"github.com/bitsave/pools/pkg/identity"
	"github.com/bitsave/pools/pkg/ledger"
	"github.com/bitsave/pools/pkg/plan"
	"github.com/bitsave/pools/pkg/token"
	"github.com/ethereum/go-ethereum/common"
)

// Request describes a plan action before it is expanded into steps.
type Request struct {
	Action      Action
	PlanId      int64
	Amount      string
	Participant string

	// createPlan only
	Name         string
	TokenSymbol  string
	Target       string
	Beneficiary  string
	Deadline     time.Time
	Participants []string
}

// Planner turns a request into the ordered steps required right now, reading current
// plan, allowance and participation state.
type Planner struct {
	reader   *plan.Reader
	network  token.Network
	resolver *identity.Resolver
	clock    utils.Clock
}

func NewPlanner(reader *plan.Reader, network token.Network, resolver *identity.Resolver, clock utils.Clock) *Planner {
	return &Planner{reader: reader, network: network, resolver: resolver, clock: clock}
}

func (p *Planner) Plan(ctx context.Context, caller common.Address, req Request) ([]Step, error) {
	switch req.Action {
	case ActionCreatePlan:
		return p.createPlan(ctx, caller, req)
	case ActionDeposit:
		return p.deposit(ctx, caller, req)
	case ActionAddParticipant, ActionRemoveParticipant:
		return p.participant(ctx, caller, req)
	case ActionWithdraw, ActionCancel, ActionClaimRefund:
		return p.ownerAction(ctx, caller, req)
	}
	return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, req.Action)
}

func (p *Planner) deposit(ctx context.Context, caller common.Address, req Request) ([]Step, error) {
	pl, err := p.reader.Plan(ctx, req.PlanId)
	if err != nil {
		return nil, err
	}
	tok := p.network.Describe(pl.Token)
	amount, err := token.ParseAmount(req.Amount, tok.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	allowance, err := p.reader.Allowance(ctx, pl.Token, caller)
	if err != nil {
		return nil, err
	}
	balance, err := p.reader.Balance(ctx, pl.Token, caller)
	if err != nil {
		return nil, err
	}

	snapshot := DepositSnapshot{Plan: pl, Allowance: allowance, Balance: balance}
	if err := CheckDeposit(snapshot, amount, tok); err != nil {
		return nil, err
	}

	planId := big.NewInt(pl.Id)
	steps := make([]Step, 0, 3)
	for _, kind := range ComputeRequiredSteps(snapshot, caller, amount) {
		switch kind {
		case StepJoin:
			steps = append(steps, p.poolsStep(StepJoin, caller, ledger.MethodJoinPlan, planId))
		case StepApprove:
			// approve exactly the requested amount, never an unlimited allowance
			steps = append(steps, Step{
				Kind: StepApprove,
				Action: gateway.ActionDescriptor{
					Step:     string(StepApprove),
					From:     caller,
					Contract: pl.Token,
					Method:   ledger.MethodApprove,
					Args:     []any{p.reader.Pools(), new(big.Int).Set(amount)},
				},
			})
		case StepDeposit:
			step := p.poolsStep(StepDeposit, caller, ledger.MethodDeposit, planId, new(big.Int).Set(amount))
			step.Guard = p.depositGuard(pl.Token, tok, caller, amount)
			steps = append(steps, step)
		}
	}
	return steps, nil
}

// depositGuard re-reads allowance and balance right before the deposit is signed.
func (p *Planner) depositGuard(tokenAddr common.Address, tok token.Token, caller common.Address, amount *big.Int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		allowance, err := p.reader.Allowance(ctx, tokenAddr, caller)
		if err != nil {
			return err
		}
		if NeedsApproval(allowance, amount) {
			return &gateway.Failure{
				Kind: gateway.InsufficientAllowance,
				Step: string(StepDeposit),
				Reason: fmt.Sprintf("allowance %s %s is below %s", token.FormatAmount(allowance, tok.Decimals),
					tok.Symbol, token.FormatAmount(amount, tok.Decimals)),
			}
		}
		balance, err := p.reader.Balance(ctx, tokenAddr, caller)
		if err != nil {
			return err
		}
		if balance.Cmp(amount) < 0 {
			return &gateway.Failure{
				Kind: gateway.InsufficientBalance,
				Step: string(StepDeposit),
				Reason: fmt.Sprintf("balance %s %s is below %s", token.FormatAmount(balance, tok.Decimals),
					tok.Symbol, token.FormatAmount(amount, tok.Decimals)),
			}
		}
		return nil
	}
}

func (p *Planner) createPlan(ctx context.Context, caller common.Address, req Request) ([]Step, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: plan name is required", ErrInvalidRequest)
	}
	tok, err := p.network.BySymbol(strings.ToUpper(strings.TrimSpace(req.TokenSymbol)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	target, err := token.ParseAmount(req.Target, tok.Decimals)
	if err != nil {
		return nil, fmt.Errorf("%w: target: %w", ErrInvalidRequest, err)
	}
	if !req.Deadline.After(p.clock.Now()) {
		return nil, fmt.Errorf("%w: deadline must be in the future", ErrInvalidRequest)
	}

	beneficiary := caller
	if strings.TrimSpace(req.Beneficiary) != "" {
		if beneficiary, err = p.resolve(ctx, req.Beneficiary); err != nil {
			return nil, err
		}
	}
	participants := make([]common.Address, 0, len(req.Participants))
	for _, input := range req.Participants {
		addr, err := p.resolve(ctx, input)
		if err != nil {
			return nil, err
		}
		if addr != caller && !identity.Contains(participants, addr) {
			participants = append(participants, addr)
		}
	}

	return []Step{p.poolsStep(StepCreatePlan, caller, ledger.MethodCreatePlan,
		name, tok.Address, target, beneficiary, big.NewInt(req.Deadline.Unix()), participants)}, nil
}

func (p *Planner) participant(ctx context.Context, caller common.Address, req Request) ([]Step, error) {
	pl, err := p.reader.Plan(ctx, req.PlanId)
	if err != nil {
		return nil, err
	}
	who, err := p.resolve(ctx, req.Participant)
	if err != nil {
		return nil, err
	}

	if req.Action == ActionAddParticipant {
		if err := CheckAddParticipant(pl, caller, who); err != nil {
			return nil, err
		}
		return []Step{p.poolsStep(StepAddParticipant, caller, ledger.MethodAddParticipant, big.NewInt(pl.Id), who)}, nil
	}
	if err := CheckRemoveParticipant(pl, caller, who); err != nil {
		return nil, err
	}
	return []Step{p.poolsStep(StepRemoveParticipant, caller, ledger.MethodRemoveParticipant, big.NewInt(pl.Id), who)}, nil
}

func (p *Planner) ownerAction(ctx context.Context, caller common.Address, req Request) ([]Step, error) {
	pl, err := p.reader.Plan(ctx, req.PlanId)
	if err != nil {
		return nil, err
	}
	planId := big.NewInt(pl.Id)

	switch req.Action {
	case ActionWithdraw:
		if err := CheckWithdraw(pl, caller); err != nil {
			return nil, err
		}
		return []Step{p.poolsStep(StepWithdraw, caller, ledger.MethodWithdraw, planId)}, nil
	case ActionCancel:
		if err := CheckCancel(pl, caller); err != nil {
			return nil, err
		}
		return []Step{p.poolsStep(StepCancel, caller, ledger.MethodCancelPlan, planId)}, nil
	default:
		contribution, err := p.reader.Contribution(ctx, pl.Id, caller)
		if err != nil {
			return nil, err
		}
		if err := CheckClaimRefund(pl, contribution); err != nil {
			return nil, err
		}
		return []Step{p.poolsStep(StepClaimRefund, caller, ledger.MethodClaimRefund, planId)}, nil
	}
}

func (p *Planner) poolsStep(kind StepKind, caller common.Address, method string, args ...any) Step {
	return Step{
		Kind: kind,
		Action: gateway.ActionDescriptor{
			Step:     string(kind),
			From:     caller,
			Contract: p.reader.Pools(),
			Method:   method,
			Args:     args,
		},
	}
}

func (p *Planner) resolve(ctx context.Context, input string) (common.Address, error) {
	resolution, err := p.resolver.Resolve(ctx, input)
	if err != nil {
		return common.Address{}, err
	}
	return resolution.Address, nil
}
