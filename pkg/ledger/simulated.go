package ledger

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bitsave/pools/internal/utils"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	log "github.com/sirupsen/logrus"
)

// Revert reasons reported by the simulated pools contract.
const (
	ReasonNotOwner          = "caller is not the plan owner"
	ReasonPlanNotFound      = "plan does not exist"
	ReasonPlanClosed        = "plan is not accepting deposits"
	ReasonDeadlinePassed    = "plan deadline has passed"
	ReasonNotAuthorized     = "caller is not a participant"
	ReasonAlreadyMember     = "already a participant"
	ReasonNotMember         = "not a participant"
	ReasonInsufficientAllow = "ERC20: insufficient allowance"
	ReasonInsufficientFunds = "ERC20: transfer amount exceeds balance"
	ReasonTargetNotReached  = "target not reached"
	ReasonNotCancelled      = "plan is not cancelled"
	ReasonNothingToRefund   = "no contribution to refund"
	ReasonInvalidTarget     = "target must be positive"
	ReasonInvalidDeadline   = "deadline must be in the future"
	ReasonInvalidAmount     = "amount must be positive"
	ReasonInvalidName       = "name must not be empty"
)

type simPlan struct {
	id            int64
	name          string
	owner         common.Address
	beneficiary   common.Address
	token         common.Address
	target        *big.Int
	deposited     *big.Int
	deadline      int64
	active        bool
	withdrawn     bool
	cancelled     bool
	participants  []common.Address
	contributions map[common.Address]*big.Int
}

func (p *simPlan) isMember(addr common.Address) bool {
	return slices.Contains(p.participants, addr)
}

type simTx struct {
	handle TxHandle
	block  uint64
	ok     bool
	reason string
}

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// PlanSeed describes a plan placed directly into simulated state.
type PlanSeed struct {
	Name          string
	Owner         common.Address
	Beneficiary   common.Address
	Token         common.Address
	Target        *big.Int
	Deposited     *big.Int
	Deadline      time.Time
	Withdrawn     bool
	Cancelled     bool
	Participants  []common.Address
	Contributions map[common.Address]*big.Int
}

// SimulatedLedger is an in-memory model of the pools contract and the ERC20 tokens it holds.
// State changes are applied when a write is accepted; receipts report the outcome once the
// transaction's block has been produced.
type SimulatedLedger struct {
	mu           sync.Mutex
	pools        common.Address
	clock        utils.Clock
	pollInterval time.Duration

	head       uint64
	nonce      uint64
	nextPlanId int64
	plans      map[int64]*simPlan
	decimals   map[common.Address]uint8
	balances   map[common.Address]map[common.Address]*big.Int
	allowances map[common.Address]map[allowanceKey]*big.Int
	txs        map[common.Hash]*simTx

	submissions []TxHandle
	reads       map[string]int
	autoMine    bool
	rejectNext  map[string]int
	nextWrite   error
	nextReceipt error
	readErr     error
}

func NewSimulatedLedger(pools common.Address, clock utils.Clock) *SimulatedLedger {
	return &SimulatedLedger{
		pools:        pools,
		clock:        clock,
		pollInterval: 5 * time.Millisecond,
		nextPlanId:   1,
		plans:        make(map[int64]*simPlan),
		decimals:     make(map[common.Address]uint8),
		balances:     make(map[common.Address]map[common.Address]*big.Int),
		allowances:   make(map[common.Address]map[allowanceKey]*big.Int),
		txs:          make(map[common.Hash]*simTx),
		reads:        make(map[string]int),
		rejectNext:   make(map[string]int),
		autoMine:     true,
	}
}

func (s *SimulatedLedger) SetPollInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollInterval = d
}

// SetAutoMine controls whether AwaitReceipt produces a block on every poll.
func (s *SimulatedLedger) SetAutoMine(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoMine = on
}

// Mine produces n empty blocks.
func (s *SimulatedLedger) Mine(n uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head += n
}

func (s *SimulatedLedger) Head() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// RejectNext makes the next write of the given method fail as if the user declined to sign.
func (s *SimulatedLedger) RejectNext(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectNext[method]++
}

func (s *SimulatedLedger) FailNextWrite(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextWrite = err
}

func (s *SimulatedLedger) FailNextReceipt(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextReceipt = err
}

// FailReads makes every read return err until called again with nil.
func (s *SimulatedLedger) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

func (s *SimulatedLedger) SetDecimals(token common.Address, decimals uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decimals[token] = decimals
}

func (s *SimulatedLedger) Mint(token, holder common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credit(token, holder, amount)
}

// SetAllowance overwrites an allowance without a transaction.
func (s *SimulatedLedger) SetAllowance(token, owner, spender common.Address, amount *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setAllowance(token, owner, spender, amount)
}

func (s *SimulatedLedger) SeedPlan(seed PlanSeed) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := &simPlan{
		id:            s.nextPlanId,
		name:          seed.Name,
		owner:         seed.Owner,
		beneficiary:   seed.Beneficiary,
		token:         seed.Token,
		target:        orZero(seed.Target),
		deposited:     orZero(seed.Deposited),
		deadline:      seed.Deadline.Unix(),
		active:        !seed.Withdrawn && !seed.Cancelled,
		withdrawn:     seed.Withdrawn,
		cancelled:     seed.Cancelled,
		participants:  slices.Clone(seed.Participants),
		contributions: make(map[common.Address]*big.Int),
	}
	for addr, amount := range seed.Contributions {
		p.contributions[addr] = new(big.Int).Set(amount)
	}
	s.plans[p.id] = p
	s.nextPlanId++
	return p.id
}

// Submissions returns every transaction broadcast so far, in order.
func (s *SimulatedLedger) Submissions() []TxHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.submissions)
}

// Reads returns how many times a read method has been served.
func (s *SimulatedLedger) Reads(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[method]
}

func (s *SimulatedLedger) ReadState(ctx context.Context, contract common.Address, method string, args ...any) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readErr != nil {
		return nil, s.readErr
	}
	s.reads[method]++

	if contract == s.pools {
		return s.readPools(method, args)
	}
	return s.readToken(contract, method, args)
}

func (s *SimulatedLedger) readPools(method string, args []any) ([]any, error) {
	switch method {
	case MethodPlans:
		id, err := argBig(args, 0)
		if err != nil {
			return nil, err
		}
		p, ok := s.plans[id.Int64()]
		if !ok {
			zero := common.Address{}
			return []any{new(big.Int), "", zero, zero, zero, new(big.Int), new(big.Int), new(big.Int), false, false, false}, nil
		}
		return []any{
			big.NewInt(p.id), p.name, p.owner, p.beneficiary, p.token,
			new(big.Int).Set(p.target), new(big.Int).Set(p.deposited), big.NewInt(p.deadline),
			p.active, p.withdrawn, p.cancelled,
		}, nil
	case MethodNextPlanId:
		return []any{big.NewInt(s.nextPlanId)}, nil
	case MethodGetPlansByUser:
		user, err := argAddress(args, 0)
		if err != nil {
			return nil, err
		}
		ids := make([]*big.Int, 0)
		for id := int64(1); id < s.nextPlanId; id++ {
			p, ok := s.plans[id]
			if ok && (p.owner == user || p.isMember(user)) {
				ids = append(ids, big.NewInt(id))
			}
		}
		return []any{ids}, nil
	case MethodGetParticipants:
		id, err := argBig(args, 0)
		if err != nil {
			return nil, err
		}
		p, ok := s.plans[id.Int64()]
		if !ok {
			return []any{[]common.Address{}}, nil
		}
		return []any{slices.Clone(p.participants)}, nil
	case MethodGetContribution:
		id, err := argBig(args, 0)
		if err != nil {
			return nil, err
		}
		who, err := argAddress(args, 1)
		if err != nil {
			return nil, err
		}
		amount := new(big.Int)
		if p, ok := s.plans[id.Int64()]; ok && p.contributions[who] != nil {
			amount.Set(p.contributions[who])
		}
		return []any{amount}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
}

func (s *SimulatedLedger) readToken(token common.Address, method string, args []any) ([]any, error) {
	switch method {
	case MethodAllowance:
		owner, err := argAddress(args, 0)
		if err != nil {
			return nil, err
		}
		spender, err := argAddress(args, 1)
		if err != nil {
			return nil, err
		}
		return []any{new(big.Int).Set(s.allowance(token, owner, spender))}, nil
	case MethodBalanceOf:
		holder, err := argAddress(args, 0)
		if err != nil {
			return nil, err
		}
		return []any{new(big.Int).Set(s.balance(token, holder))}, nil
	case MethodDecimals:
		if d, ok := s.decimals[token]; ok {
			return []any{d}, nil
		}
		return []any{uint8(18)}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
}

func (s *SimulatedLedger) WriteState(ctx context.Context, from common.Address, contract common.Address, method string, args ...any) (TxHandle, error) {
	if err := ctx.Err(); err != nil {
		return TxHandle{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rejectNext[method] > 0 {
		s.rejectNext[method]--
		return TxHandle{}, fmt.Errorf("%w: %s", ErrUserRejected, method)
	}
	if s.nextWrite != nil {
		err := s.nextWrite
		s.nextWrite = nil
		return TxHandle{}, err
	}

	var reason string
	var err error
	if contract == s.pools {
		reason, err = s.writePools(from, method, args)
	} else {
		reason, err = s.writeToken(from, contract, method, args)
	}
	if err != nil {
		return TxHandle{}, err
	}

	s.nonce++
	var nonce [8]byte
	binary.BigEndian.PutUint64(nonce[:], s.nonce)
	handle := TxHandle{
		Hash:        crypto.Keccak256Hash(from.Bytes(), nonce[:]),
		From:        from,
		Contract:    contract,
		Method:      method,
		SubmittedAt: s.clock.Now(),
	}
	s.txs[handle.Hash] = &simTx{handle: handle, block: s.head + 1, ok: reason == "", reason: reason}
	s.submissions = append(s.submissions, handle)
	log.Debugf("simulated %s from %s: %s (reverted: %t)", method, from.Hex(), handle.Hash.Hex(), reason != "")
	return handle, nil
}

// writePools applies a pools contract call and returns a non-empty revert reason when it fails.
func (s *SimulatedLedger) writePools(from common.Address, method string, args []any) (string, error) {
	if method == MethodCreatePlan {
		return s.createPlan(from, args)
	}

	id, err := argBig(args, 0)
	if err != nil {
		return "", err
	}
	p, ok := s.plans[id.Int64()]
	if !ok {
		switch method {
		case MethodJoinPlan, MethodAddParticipant, MethodRemoveParticipant, MethodDeposit, MethodWithdraw, MethodClaimRefund, MethodCancelPlan:
			return ReasonPlanNotFound, nil
		}
		return "", fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	closed := p.withdrawn || p.cancelled || !p.active

	switch method {
	case MethodJoinPlan:
		if closed {
			return ReasonPlanClosed, nil
		}
		if from == p.owner || p.isMember(from) {
			return ReasonAlreadyMember, nil
		}
		p.participants = append(p.participants, from)
		return "", nil

	case MethodAddParticipant, MethodRemoveParticipant:
		who, err := argAddress(args, 1)
		if err != nil {
			return "", err
		}
		if from != p.owner {
			return ReasonNotOwner, nil
		}
		if method == MethodAddParticipant {
			if who == p.owner || p.isMember(who) {
				return ReasonAlreadyMember, nil
			}
			p.participants = append(p.participants, who)
			return "", nil
		}
		idx := slices.Index(p.participants, who)
		if idx < 0 {
			return ReasonNotMember, nil
		}
		p.participants = slices.Delete(p.participants, idx, idx+1)
		return "", nil

	case MethodDeposit:
		amount, err := argBig(args, 1)
		if err != nil {
			return "", err
		}
		switch {
		case closed:
			return ReasonPlanClosed, nil
		case s.clock.Now().Unix() > p.deadline:
			return ReasonDeadlinePassed, nil
		case from != p.owner && !p.isMember(from):
			return ReasonNotAuthorized, nil
		case amount.Sign() <= 0:
			return ReasonInvalidAmount, nil
		case s.allowance(p.token, from, s.pools).Cmp(amount) < 0:
			return ReasonInsufficientAllow, nil
		case s.balance(p.token, from).Cmp(amount) < 0:
			return ReasonInsufficientFunds, nil
		}
		s.setAllowance(p.token, from, s.pools, new(big.Int).Sub(s.allowance(p.token, from, s.pools), amount))
		s.transfer(p.token, from, s.pools, amount)
		p.deposited.Add(p.deposited, amount)
		if p.contributions[from] == nil {
			p.contributions[from] = new(big.Int)
		}
		p.contributions[from].Add(p.contributions[from], amount)
		return "", nil

	case MethodWithdraw:
		switch {
		case from != p.owner:
			return ReasonNotOwner, nil
		case p.withdrawn || p.cancelled:
			return ReasonPlanClosed, nil
		case p.deposited.Cmp(p.target) < 0:
			return ReasonTargetNotReached, nil
		}
		s.transfer(p.token, s.pools, p.beneficiary, p.deposited)
		p.withdrawn = true
		p.active = false
		return "", nil

	case MethodCancelPlan:
		switch {
		case from != p.owner:
			return ReasonNotOwner, nil
		case p.withdrawn || p.cancelled:
			return ReasonPlanClosed, nil
		}
		p.cancelled = true
		p.active = false
		return "", nil

	case MethodClaimRefund:
		contribution := p.contributions[from]
		switch {
		case !p.cancelled:
			return ReasonNotCancelled, nil
		case contribution == nil || contribution.Sign() <= 0:
			return ReasonNothingToRefund, nil
		}
		s.transfer(p.token, s.pools, from, contribution)
		p.deposited.Sub(p.deposited, contribution)
		delete(p.contributions, from)
		return "", nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownMethod, method)
}

func (s *SimulatedLedger) createPlan(from common.Address, args []any) (string, error) {
	name, err := argString(args, 0)
	if err != nil {
		return "", err
	}
	token, err := argAddress(args, 1)
	if err != nil {
		return "", err
	}
	target, err := argBig(args, 2)
	if err != nil {
		return "", err
	}
	beneficiary, err := argAddress(args, 3)
	if err != nil {
		return "", err
	}
	deadline, err := argBig(args, 4)
	if err != nil {
		return "", err
	}
	participants, err := argAddresses(args, 5)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(name) == "" {
		return ReasonInvalidName, nil
	}
	if target.Sign() <= 0 {
		return ReasonInvalidTarget, nil
	}
	if deadline.Int64() <= s.clock.Now().Unix() {
		return ReasonInvalidDeadline, nil
	}

	p := &simPlan{
		id:            s.nextPlanId,
		name:          name,
		owner:         from,
		beneficiary:   beneficiary,
		token:         token,
		target:        new(big.Int).Set(target),
		deposited:     new(big.Int),
		deadline:      deadline.Int64(),
		active:        true,
		contributions: make(map[common.Address]*big.Int),
	}
	for _, addr := range participants {
		if addr != from && !p.isMember(addr) {
			p.participants = append(p.participants, addr)
		}
	}
	s.plans[p.id] = p
	s.nextPlanId++
	return "", nil
}

func (s *SimulatedLedger) writeToken(from common.Address, token common.Address, method string, args []any) (string, error) {
	if method != MethodApprove {
		return "", fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	spender, err := argAddress(args, 0)
	if err != nil {
		return "", err
	}
	amount, err := argBig(args, 1)
	if err != nil {
		return "", err
	}
	s.setAllowance(token, from, spender, amount)
	return "", nil
}

func (s *SimulatedLedger) AwaitReceipt(ctx context.Context, handle TxHandle, confirmations uint64) (Receipt, error) {
	for {
		receipt, done, err := s.poll(handle, confirmations)
		if err != nil || done {
			return receipt, err
		}

		s.mu.Lock()
		interval := s.pollInterval
		s.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Receipt{}, ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *SimulatedLedger) poll(handle TxHandle, confirmations uint64) (Receipt, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nextReceipt != nil {
		err := s.nextReceipt
		s.nextReceipt = nil
		return Receipt{}, false, err
	}
	tx, ok := s.txs[handle.Hash]
	if !ok {
		return Receipt{}, false, fmt.Errorf("%w: %s", ErrUnknownTx, handle.Hash.Hex())
	}
	if s.autoMine {
		s.head++
	}
	if s.head < tx.block {
		return Receipt{}, false, nil
	}

	receipt := Receipt{
		TxHash:        tx.handle.Hash,
		BlockNumber:   tx.block,
		Confirmations: s.head - tx.block + 1,
		Success:       tx.ok,
		RevertReason:  tx.reason,
	}
	if !tx.ok || receipt.Confirmations >= confirmations {
		return receipt, true, nil
	}
	return receipt, false, nil
}

func (s *SimulatedLedger) balance(token, holder common.Address) *big.Int {
	if v := s.balances[token][holder]; v != nil {
		return v
	}
	return new(big.Int)
}

func (s *SimulatedLedger) credit(token, holder common.Address, amount *big.Int) {
	if s.balances[token] == nil {
		s.balances[token] = make(map[common.Address]*big.Int)
	}
	s.balances[token][holder] = new(big.Int).Add(s.balance(token, holder), amount)
}

func (s *SimulatedLedger) transfer(token, from, to common.Address, amount *big.Int) {
	s.credit(token, from, new(big.Int).Neg(amount))
	s.credit(token, to, amount)
}

func (s *SimulatedLedger) allowance(token, owner, spender common.Address) *big.Int {
	if v := s.allowances[token][allowanceKey{owner, spender}]; v != nil {
		return v
	}
	return new(big.Int)
}

func (s *SimulatedLedger) setAllowance(token, owner, spender common.Address, amount *big.Int) {
	if s.allowances[token] == nil {
		s.allowances[token] = make(map[allowanceKey]*big.Int)
	}
	s.allowances[token][allowanceKey{owner, spender}] = new(big.Int).Set(amount)
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
