package flow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/bitsave/pools/internal/event_bus"
	"github.com/bitsave/pools/internal/utils"
	"github.com/bitsave/pools/pkg/gateway"
	"github.com/bitsave/pools/pkg/journal"
	"github.com/bitsave/pools/pkg/plan"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

type State string

const (
	Idle       State = "idle"
	Signing    State = "signing"
	Confirming State = "confirming"
	Success    State = "success"
	Error      State = "error"
)

func (s State) InFlight() bool {
	return s == Signing || s == Confirming
}

var (
	ErrFlowInProgress = errors.New("flow already in progress")
	ErrFlowFailed     = errors.New("flow failed, resume or reset it first")
	ErrNoSteps        = errors.New("no steps to execute")
)

// ActionGateway submits writes and awaits their confirmation.
type ActionGateway interface {
	Submit(ctx context.Context, action gateway.ActionDescriptor) (gateway.Handle, error)
	AwaitConfirmation(ctx context.Context, step string, handle gateway.Handle, confirmations uint64) (gateway.Outcome, error)
}

type Descriptor struct {
	Id     uuid.UUID
	Action Action
	PlanId int64
	Caller common.Address
}

type MachineConfig struct {
	Confirmations uint64
	ExplorerUrl   string
}

type FailureInfo struct {
	Kind   gateway.FailureKind
	Step   StepKind
	Reason string
}

type Snapshot struct {
	FlowId      uuid.UUID
	Action      Action
	PlanId      int64
	State       State
	StepIndex   int
	Step        StepKind
	Steps       []StepKind
	TxHash      string
	TxHashes    []string
	Failure     *FailureInfo
	ExplorerUrl string
}

type Observer func(Snapshot)

// Machine runs the steps of one flow in order, waiting for each write to be confirmed
// before submitting the next. At most one run is in flight at a time.
type Machine struct {
	desc    Descriptor
	gateway ActionGateway
	journal journal.Repository
	bus     *event_bus.EventBus
	clock   utils.Clock
	cfg     MachineConfig

	mu         sync.Mutex
	state      State
	steps      []Step
	index      int
	pending    *gateway.Handle
	lastHash   string
	confirmed  []string
	failure    *FailureInfo
	observers  map[uint64]Observer
	observerId uint64
}

func NewMachine(desc Descriptor, gw ActionGateway, repo journal.Repository, bus *event_bus.EventBus, clock utils.Clock, cfg MachineConfig) *Machine {
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 2
	}
	return &Machine{
		desc:      desc,
		gateway:   gw,
		journal:   repo,
		bus:       bus,
		clock:     clock,
		cfg:       cfg,
		state:     Idle,
		observers: make(map[uint64]Observer),
	}
}

// Subscribe registers an observer called after every state transition.
func (m *Machine) Subscribe(observer Observer) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observerId++
	id := m.observerId
	m.observers[id] = observer
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.observers, id)
	}
}

// Load replaces the planned steps of an idle or finished machine.
func (m *Machine) Load(steps []Step) error {
	m.mu.Lock()
	switch {
	case m.state.InFlight():
		m.mu.Unlock()
		return ErrFlowInProgress
	case m.state == Error:
		m.mu.Unlock()
		return ErrFlowFailed
	}
	m.clearLocked()
	m.steps = slices.Clone(steps)
	snap, observers := m.transitionLocked(Idle)
	m.mu.Unlock()
	notify(observers, snap)
	return nil
}

// Start begins a run and returns a channel that receives its result. In the Error state the
// failed step is resumed and steps is ignored; a step whose write was already broadcast is
// re-polled, never re-submitted. Otherwise steps, or the loaded steps when steps is empty,
// are run from the first.
func (m *Machine) Start(ctx context.Context, steps []Step) (<-chan error, error) {
	m.mu.Lock()
	switch {
	case m.state.InFlight():
		m.mu.Unlock()
		return nil, ErrFlowInProgress
	case m.state == Error:
		m.failure = nil
	case len(steps) > 0:
		m.clearLocked()
		m.steps = slices.Clone(steps)
	case m.state == Idle && len(m.steps) > 0:
		m.clearLocked()
	default:
		m.mu.Unlock()
		return nil, ErrNoSteps
	}

	next := Signing
	if m.pending != nil {
		next = Confirming
	}
	snap, observers := m.transitionLocked(next)
	m.mu.Unlock()
	notify(observers, snap)

	result := make(chan error, 1)
	go func() {
		result <- m.run(ctx)
	}()
	return result, nil
}

// Execute runs steps to completion. Calls made while a run is in flight fail with ErrFlowInProgress.
func (m *Machine) Execute(ctx context.Context, steps []Step) error {
	result, err := m.Start(ctx, steps)
	if err != nil {
		return err
	}
	return <-result
}

// Reset discards the flow and returns to Idle.
func (m *Machine) Reset() error {
	m.mu.Lock()
	if m.state.InFlight() {
		m.mu.Unlock()
		return ErrFlowInProgress
	}
	m.clearLocked()
	m.steps = nil
	snap, observers := m.transitionLocked(Idle)
	m.mu.Unlock()
	notify(observers, snap)
	return nil
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) run(ctx context.Context) error {
	for {
		m.mu.Lock()
		if m.index >= len(m.steps) {
			snap, observers := m.transitionLocked(Success)
			m.mu.Unlock()
			notify(observers, snap)
			m.publishSuccess(ctx, snap)
			return nil
		}
		index := m.index
		step := m.steps[index]
		pending := m.pending
		m.mu.Unlock()

		if pending == nil {
			if step.Guard != nil {
				if err := step.Guard(ctx); err != nil {
					return m.fail(ctx, step, err)
				}
			}
			handle, err := m.gateway.Submit(ctx, step.Action)
			if err != nil {
				if gateway.KindOf(err) == gateway.UserRejected {
					return m.reject(step, err)
				}
				return m.fail(ctx, step, err)
			}
			pending = &handle

			m.mu.Lock()
			m.pending = pending
			m.lastHash = handle.Hash.Hex()
			snap, observers := m.transitionLocked(Confirming)
			m.mu.Unlock()
			notify(observers, snap)
			m.record(ctx, index, step, handle)
		}

		if _, err := m.gateway.AwaitConfirmation(ctx, string(step.Kind), *pending, m.cfg.Confirmations); err != nil {
			kind := gateway.KindOf(err)
			if kind == gateway.Reverted {
				m.mu.Lock()
				m.pending = nil
				m.mu.Unlock()
			}
			m.updateJournal(ctx, pending.Hash, journalStatus(kind), kind, err)
			return m.fail(ctx, step, err)
		}
		m.updateJournal(ctx, pending.Hash, journal.StatusConfirmed, "", nil)

		m.mu.Lock()
		m.confirmed = append(m.confirmed, pending.Hash.Hex())
		m.pending = nil
		m.index++
		if m.index < len(m.steps) {
			snap, observers := m.transitionLocked(Signing)
			m.mu.Unlock()
			notify(observers, snap)
		} else {
			m.mu.Unlock()
		}
	}
}

// reject returns to Idle after the user declined to sign. No further step is attempted.
func (m *Machine) reject(step Step, err error) error {
	log.Infof("Flow %s: %s rejected by user", m.desc.Id, step.Kind)
	m.mu.Lock()
	m.steps = nil
	m.index = 0
	m.pending = nil
	m.failure = failureInfo(step, err)
	snap, observers := m.transitionLocked(Idle)
	m.mu.Unlock()
	notify(observers, snap)
	return err
}

func (m *Machine) fail(ctx context.Context, step Step, err error) error {
	info := failureInfo(step, err)
	log.Warnf("Flow %s: %s failed (%s): %s", m.desc.Id, step.Kind, info.Kind, info.Reason)

	m.mu.Lock()
	m.failure = info
	snap, observers := m.transitionLocked(Error)
	m.mu.Unlock()
	notify(observers, snap)

	if m.bus != nil {
		event := event_bus.FlowFailed{
			FlowId:      m.desc.Id.String(),
			Action:      string(m.desc.Action),
			PlanId:      m.desc.PlanId,
			Step:        string(step.Kind),
			FailureKind: string(info.Kind),
			Reason:      info.Reason,
		}
		if pubErr := m.bus.Publish(event_bus.NewEvent(context.WithoutCancel(ctx), event_bus.FlowFailedType, event)); pubErr != nil {
			log.Errorf("Failed to publish flow failure: %v", pubErr)
		}
	}
	return err
}

func (m *Machine) publishSuccess(ctx context.Context, snap Snapshot) {
	log.Infof("Flow %s (%s) succeeded", m.desc.Id, m.desc.Action)
	if m.bus == nil {
		return
	}
	event := event_bus.FlowSucceeded{
		FlowId:   m.desc.Id.String(),
		Action:   string(m.desc.Action),
		PlanId:   m.desc.PlanId,
		Caller:   m.desc.Caller.Hex(),
		TxHashes: snap.TxHashes,
		Finished: m.clock.Now(),
	}
	if err := m.bus.Publish(event_bus.NewEvent(context.WithoutCancel(ctx), event_bus.FlowSucceededType, event)); err != nil {
		log.Errorf("Failed to publish flow success: %v", err)
	}
}

func (m *Machine) record(ctx context.Context, index int, step Step, handle gateway.Handle) {
	if m.journal == nil {
		return
	}
	_, err := m.journal.Record(context.WithoutCancel(ctx), journal.Entry{
		FlowId:    m.desc.Id,
		StepIndex: index,
		StepKind:  string(step.Kind),
		PlanId:    m.desc.PlanId,
		Caller:    m.desc.Caller.Hex(),
		TxHash:    handle.Hash.Hex(),
		Status:    journal.StatusSubmitted,
	})
	if err != nil {
		log.Errorf("Failed to journal %s of flow %s: %v", handle.Hash.Hex(), m.desc.Id, err)
	}
}

func (m *Machine) updateJournal(ctx context.Context, hash common.Hash, status journal.Status, kind gateway.FailureKind, cause error) {
	if m.journal == nil {
		return
	}
	reason := ""
	if cause != nil {
		reason = failureReason(cause)
	}
	if err := m.journal.UpdateStatus(context.WithoutCancel(ctx), hash.Hex(), status, string(kind), reason); err != nil {
		log.Errorf("Failed to update journal entry %s: %v", hash.Hex(), err)
	}
}

func journalStatus(kind gateway.FailureKind) journal.Status {
	switch kind {
	case gateway.Reverted:
		return journal.StatusReverted
	case gateway.Timeout:
		return journal.StatusTimeout
	}
	return journal.StatusFailed
}

func (m *Machine) clearLocked() {
	m.index = 0
	m.pending = nil
	m.lastHash = ""
	m.confirmed = nil
	m.failure = nil
}

func (m *Machine) transitionLocked(next State) (Snapshot, []Observer) {
	if m.state != next {
		log.Debugf("Flow %s: %s -> %s", m.desc.Id, m.state, next)
	}
	m.state = next
	observers := make([]Observer, 0, len(m.observers))
	ids := make([]uint64, 0, len(m.observers))
	for id := range m.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		observers = append(observers, m.observers[id])
	}
	return m.snapshotLocked(), observers
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		FlowId:    m.desc.Id,
		Action:    m.desc.Action,
		PlanId:    m.desc.PlanId,
		State:     m.state,
		StepIndex: m.index,
		Steps:     kinds(m.steps),
		TxHash:    m.lastHash,
		TxHashes:  slices.Clone(m.confirmed),
	}
	if m.index < len(m.steps) {
		snap.Step = m.steps[m.index].Kind
	}
	if m.failure != nil {
		failure := *m.failure
		snap.Failure = &failure
		if failure.Kind == gateway.Timeout && m.lastHash != "" && m.cfg.ExplorerUrl != "" {
			snap.ExplorerUrl = strings.TrimSuffix(m.cfg.ExplorerUrl, "/") + "/tx/" + m.lastHash
		}
	}
	return snap
}

func notify(observers []Observer, snap Snapshot) {
	for _, o := range observers {
		o(snap)
	}
}

func failureInfo(step Step, err error) *FailureInfo {
	var failure *gateway.Failure
	if errors.As(err, &failure) {
		return &FailureInfo{Kind: failure.Kind, Step: step.Kind, Reason: failureReason(err)}
	}
	if errors.Is(err, plan.ErrPlanUnreachable) || errors.Is(err, plan.ErrPlanNotFound) {
		return &FailureInfo{Kind: gateway.ReadFailed, Step: step.Kind, Reason: err.Error()}
	}
	return &FailureInfo{Kind: gateway.NetworkError, Step: step.Kind, Reason: err.Error()}
}

func failureReason(err error) string {
	var failure *gateway.Failure
	if errors.As(err, &failure) {
		if failure.Reason != "" {
			return failure.Reason
		}
		if failure.Err != nil {
			return failure.Err.Error()
		}
		return string(failure.Kind)
	}
	return fmt.Sprint(err)
}
