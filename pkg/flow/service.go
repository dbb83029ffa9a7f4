package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bitsave/pools/internal/event_bus"
	"github.com/bitsave/pools/internal/utils"
	"github.com/bitsave/pools/pkg/identity"
	"github.com/bitsave/pools/pkg/journal"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

var (
	ErrFlowNotFound = errors.New("flow not found")
	ErrFlowFinished = errors.New("flow already finished")
)

type Service interface {
	Prepare(ctx context.Context, req Request) (Snapshot, error)
	Execute(ctx context.Context, flowId uuid.UUID) (Snapshot, error)
	Get(ctx context.Context, flowId uuid.UUID) (Snapshot, error)
	History(ctx context.Context, flowId uuid.UUID) ([]journal.Entry, error)
	Dismiss(ctx context.Context, flowId uuid.UUID) error
}

type flowEntry struct {
	machine *Machine
	request Request
	caller  common.Address
}

// ServiceImpl owns one machine per prepared flow. Flows run on the service's own context so
// they outlive the request that started them; Close cancels and waits for them.
type ServiceImpl struct {
	planner *Planner
	gateway ActionGateway
	journal journal.Repository
	bus     *event_bus.EventBus
	clock   utils.Clock
	cfg     MachineConfig

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu    sync.Mutex
	flows map[uuid.UUID]*flowEntry
}

func NewService(planner *Planner, gw ActionGateway, repo journal.Repository, bus *event_bus.EventBus, clock utils.Clock, cfg MachineConfig) *ServiceImpl {
	ctx, cancel := context.WithCancel(context.Background())
	return &ServiceImpl{
		planner: planner,
		gateway: gw,
		journal: repo,
		bus:     bus,
		clock:   clock,
		cfg:     cfg,
		baseCtx: ctx,
		cancel:  cancel,
		flows:   make(map[uuid.UUID]*flowEntry),
	}
}

func (s *ServiceImpl) Prepare(ctx context.Context, req Request) (Snapshot, error) {
	caller, err := identity.CurrentCaller(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to get current caller: %w", err)
	}
	if !req.Action.Valid() {
		return Snapshot{}, fmt.Errorf("%w: unknown action %q", ErrInvalidRequest, req.Action)
	}
	steps, err := s.planner.Plan(ctx, caller, req)
	if err != nil {
		return Snapshot{}, err
	}

	desc := Descriptor{Id: uuid.New(), Action: req.Action, PlanId: req.PlanId, Caller: caller}
	machine := NewMachine(desc, s.gateway, s.journal, s.bus, s.clock, s.cfg)
	machine.Subscribe(func(snap Snapshot) {
		log.Debugf("Flow %s is %s at step %d/%d", snap.FlowId, snap.State, snap.StepIndex+1, len(snap.Steps))
	})
	if err := machine.Load(steps); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	s.flows[desc.Id] = &flowEntry{machine: machine, request: req, caller: caller}
	s.mu.Unlock()
	log.Infof("Prepared %s flow %s for %s with steps %v", req.Action, desc.Id, caller.Hex(), kinds(steps))
	return machine.Snapshot(), nil
}

// Execute starts a prepared flow or resumes a failed one and returns without waiting for it.
// Idle flows are re-planned against current state first, so a flow rejected by the user
// restarts from scratch.
func (s *ServiceImpl) Execute(ctx context.Context, flowId uuid.UUID) (Snapshot, error) {
	flow, err := s.find(ctx, flowId)
	if err != nil {
		return Snapshot{}, err
	}
	if err := s.baseCtx.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("flow service closed: %w", err)
	}

	var steps []Step
	switch snap := flow.machine.Snapshot(); snap.State {
	case Success:
		return Snapshot{}, ErrFlowFinished
	case Signing, Confirming:
		return Snapshot{}, ErrFlowInProgress
	case Idle:
		if flow.request.PlanId > 0 {
			s.planner.reader.Invalidate(flow.request.PlanId)
		}
		if steps, err = s.planner.Plan(ctx, flow.caller, flow.request); err != nil {
			return Snapshot{}, err
		}
	}

	result, err := flow.machine.Start(s.baseCtx, steps)
	if err != nil {
		return Snapshot{}, err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := <-result; err != nil {
			log.Infof("Flow %s stopped: %v", flowId, err)
		}
	}()
	return flow.machine.Snapshot(), nil
}

func (s *ServiceImpl) Get(ctx context.Context, flowId uuid.UUID) (Snapshot, error) {
	flow, err := s.find(ctx, flowId)
	if err != nil {
		return Snapshot{}, err
	}
	return flow.machine.Snapshot(), nil
}

func (s *ServiceImpl) History(ctx context.Context, flowId uuid.UUID) ([]journal.Entry, error) {
	if _, err := s.find(ctx, flowId); err != nil {
		return nil, err
	}
	return s.journal.ListByFlow(ctx, flowId)
}

// Dismiss discards a flow that is not in flight.
func (s *ServiceImpl) Dismiss(ctx context.Context, flowId uuid.UUID) error {
	flow, err := s.find(ctx, flowId)
	if err != nil {
		return err
	}
	if err := flow.machine.Reset(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.flows, flowId)
	s.mu.Unlock()
	return nil
}

// Close cancels running flows and waits for them to stop.
func (s *ServiceImpl) Close() {
	s.cancel()
	s.wg.Wait()
}

// find returns the flow only to the caller that prepared it.
func (s *ServiceImpl) find(ctx context.Context, flowId uuid.UUID) (*flowEntry, error) {
	caller, err := identity.CurrentCaller(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get current caller: %w", err)
	}
	s.mu.Lock()
	flow, ok := s.flows[flowId]
	s.mu.Unlock()
	if !ok || flow.caller != caller {
		return nil, fmt.Errorf("%w: %s", ErrFlowNotFound, flowId)
	}
	return flow, nil
}
