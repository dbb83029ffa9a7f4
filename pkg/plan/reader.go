package plan

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"

	"github.com/bitsave/pools/internal/event_bus"
	"github.com/bitsave/pools/pkg/ledger"
	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

var (
	ErrPlanNotFound    = errors.New("plan not found")
	ErrPlanUnreachable = errors.New("plan state unreachable")
)

const contributionReadLimit = 8

// Reader is the read side of the pools contract. Plans are cached until invalidated;
// token balances and allowances are always read fresh.
type Reader struct {
	connector ledger.Connector
	pools     common.Address

	mu         sync.RWMutex
	cache      map[int64]SavingsPlan
	generation uint64
	group      singleflight.Group
}

func NewReader(connector ledger.Connector, pools common.Address) *Reader {
	return &Reader{
		connector: connector,
		pools:     pools,
		cache:     make(map[int64]SavingsPlan),
	}
}

func (r *Reader) Pools() common.Address {
	return r.pools
}

// Plan returns the plan with its participants. Concurrent misses for the same id share one read.
func (r *Reader) Plan(ctx context.Context, id int64) (SavingsPlan, error) {
	r.mu.RLock()
	cached, ok := r.cache[id]
	r.mu.RUnlock()
	if ok {
		return cached.Clone(), nil
	}

	v, err, _ := r.group.Do(strconv.FormatInt(id, 10), func() (any, error) {
		r.mu.RLock()
		generation := r.generation
		r.mu.RUnlock()

		p, err := r.fetch(ctx, id)
		if err != nil {
			return SavingsPlan{}, err
		}

		r.mu.Lock()
		if r.generation == generation {
			r.cache[id] = p
		}
		r.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return SavingsPlan{}, err
	}
	return v.(SavingsPlan).Clone(), nil
}

func (r *Reader) fetch(ctx context.Context, id int64) (SavingsPlan, error) {
	values, err := r.connector.ReadState(ctx, r.pools, ledger.MethodPlans, big.NewInt(id))
	if err != nil {
		log.Errorf("Failed to read plan %d: %v", id, err)
		return SavingsPlan{}, fmt.Errorf("%w: plan %d: %v", ErrPlanUnreachable, id, err)
	}
	p, found, err := FromTuple(values)
	if err != nil {
		return SavingsPlan{}, fmt.Errorf("%w: plan %d: %v", ErrPlanUnreachable, id, err)
	}
	if !found {
		return SavingsPlan{}, fmt.Errorf("%w: %d", ErrPlanNotFound, id)
	}

	participants, err := r.connector.ReadState(ctx, r.pools, ledger.MethodGetParticipants, big.NewInt(id))
	if err != nil {
		log.Errorf("Failed to read participants of plan %d: %v", id, err)
		return SavingsPlan{}, fmt.Errorf("%w: participants of plan %d: %v", ErrPlanUnreachable, id, err)
	}
	if len(participants) == 1 {
		if addrs, ok := participants[0].([]common.Address); ok {
			p.Participants = addrs
		}
	}
	if p.Participants == nil {
		p.Participants = []common.Address{}
	}
	return p, nil
}

// Invalidate drops a cached plan, including any read in flight when it is called.
func (r *Reader) Invalidate(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, id)
	r.generation++
	log.Debugf("Plan %d invalidated", id)
}

func (r *Reader) InvalidateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[int64]SavingsPlan)
	r.generation++
}

// Subscribe invalidates the affected plan whenever a flow finishes. A failed flow counts too:
// steps before the failing one may have confirmed, and a revert means the cached state was wrong.
func (r *Reader) Subscribe(bus *event_bus.EventBus) (unsubscribe func()) {
	succeeded := event_bus.SubscribeTyped(bus, event_bus.FlowSucceededType, func(e event_bus.EventT[event_bus.FlowSucceeded]) error {
		r.invalidatePlan(e.Data.PlanId)
		return nil
	})
	failed := event_bus.SubscribeTyped(bus, event_bus.FlowFailedType, func(e event_bus.EventT[event_bus.FlowFailed]) error {
		log.Debugf("Flow %s failed at %s (%s), dropping cached plan %d", e.Data.FlowId, e.Data.Step, e.Data.FailureKind, e.Data.PlanId)
		r.invalidatePlan(e.Data.PlanId)
		return nil
	})
	return func() {
		succeeded()
		failed()
	}
}

// invalidatePlan drops one plan, or every plan when the flow was not tied to one (createPlan).
func (r *Reader) invalidatePlan(id int64) {
	if id > 0 {
		r.Invalidate(id)
	} else {
		r.InvalidateAll()
	}
}

// Contributions reads the contribution of the owner and every participant of p, in that order.
func (r *Reader) Contributions(ctx context.Context, p SavingsPlan) ([]ContributionRecord, error) {
	members := make([]common.Address, 0, len(p.Participants)+1)
	members = append(members, p.Owner)
	for _, addr := range p.Participants {
		if addr != p.Owner {
			members = append(members, addr)
		}
	}

	records := make([]ContributionRecord, len(members))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(contributionReadLimit)
	for i, addr := range members {
		g.Go(func() error {
			amount, err := r.Contribution(gctx, p.Id, addr)
			if err != nil {
				return err
			}
			records[i] = ContributionRecord{Participant: addr, Amount: amount}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func (r *Reader) Contribution(ctx context.Context, planId int64, participant common.Address) (*big.Int, error) {
	return r.readUint(ctx, r.pools, ledger.MethodGetContribution, big.NewInt(planId), participant)
}

// Allowance is how much of token the pools contract may pull from owner.
func (r *Reader) Allowance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	return r.readUint(ctx, token, ledger.MethodAllowance, owner, r.pools)
}

func (r *Reader) Balance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	return r.readUint(ctx, token, ledger.MethodBalanceOf, holder)
}

func (r *Reader) NextPlanId(ctx context.Context) (int64, error) {
	v, err := r.readUint(ctx, r.pools, ledger.MethodNextPlanId)
	if err != nil {
		return 0, err
	}
	return v.Int64(), nil
}

func (r *Reader) PlansByUser(ctx context.Context, user common.Address) ([]int64, error) {
	values, err := r.connector.ReadState(ctx, r.pools, ledger.MethodGetPlansByUser, user)
	if err != nil {
		return nil, fmt.Errorf("%w: plans of %s: %v", ErrPlanUnreachable, user.Hex(), err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: unexpected result of %s", ErrPlanUnreachable, ledger.MethodGetPlansByUser)
	}
	raw, ok := values[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected result type %T", ErrPlanUnreachable, values[0])
	}
	ids := make([]int64, 0, len(raw))
	for _, id := range raw {
		ids = append(ids, id.Int64())
	}
	return ids, nil
}

func (r *Reader) readUint(ctx context.Context, contract common.Address, method string, args ...any) (*big.Int, error) {
	values, err := r.connector.ReadState(ctx, contract, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPlanUnreachable, method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("%w: unexpected result of %s", ErrPlanUnreachable, method)
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected result type %T of %s", ErrPlanUnreachable, values[0], method)
	}
	return v, nil
}
