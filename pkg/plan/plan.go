package plan

import (
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/bitsave/pools/internal/utils"
	"github.com/ethereum/go-ethereum/common"
)

// SavingsPlan is the one canonical shape of a plan read from the pools contract.
type SavingsPlan struct {
	Id           int64
	Name         string
	Owner        common.Address
	Beneficiary  common.Address
	Token        common.Address
	Target       *big.Int
	Deposited    *big.Int
	Deadline     time.Time
	Active       bool
	Withdrawn    bool
	Cancelled    bool
	Participants []common.Address
}

type ContributionRecord struct {
	Participant common.Address
	DisplayName string
	Amount      *big.Int
	Formatted   string
	Percentage  string
}

// FromTuple maps the return values of plans(id) onto a SavingsPlan. The tuple is
// (id, name, owner, beneficiary, token, target, deposited, deadline, active, withdrawn, cancelled).
// The second return value is false when the contract reports a zero owner, i.e. no such plan.
func FromTuple(values []any) (SavingsPlan, bool, error) {
	if len(values) != 11 {
		return SavingsPlan{}, false, fmt.Errorf("unexpected plan tuple length %d", len(values))
	}
	var p SavingsPlan
	var deadline *big.Int
	var id *big.Int
	var ok bool
	if id, ok = values[0].(*big.Int); !ok {
		return SavingsPlan{}, false, tupleError(0, values[0])
	}
	if p.Name, ok = values[1].(string); !ok {
		return SavingsPlan{}, false, tupleError(1, values[1])
	}
	if p.Owner, ok = values[2].(common.Address); !ok {
		return SavingsPlan{}, false, tupleError(2, values[2])
	}
	if p.Beneficiary, ok = values[3].(common.Address); !ok {
		return SavingsPlan{}, false, tupleError(3, values[3])
	}
	if p.Token, ok = values[4].(common.Address); !ok {
		return SavingsPlan{}, false, tupleError(4, values[4])
	}
	if p.Target, ok = values[5].(*big.Int); !ok {
		return SavingsPlan{}, false, tupleError(5, values[5])
	}
	if p.Deposited, ok = values[6].(*big.Int); !ok {
		return SavingsPlan{}, false, tupleError(6, values[6])
	}
	if deadline, ok = values[7].(*big.Int); !ok {
		return SavingsPlan{}, false, tupleError(7, values[7])
	}
	if p.Active, ok = values[8].(bool); !ok {
		return SavingsPlan{}, false, tupleError(8, values[8])
	}
	if p.Withdrawn, ok = values[9].(bool); !ok {
		return SavingsPlan{}, false, tupleError(9, values[9])
	}
	if p.Cancelled, ok = values[10].(bool); !ok {
		return SavingsPlan{}, false, tupleError(10, values[10])
	}
	if p.Owner == (common.Address{}) {
		return SavingsPlan{}, false, nil
	}

	p.Id = id.Int64()
	p.Deadline = utils.UnixTime(deadline.Int64())
	p.Target = new(big.Int).Set(p.Target)
	p.Deposited = new(big.Int).Set(p.Deposited)
	return p, true, nil
}

func tupleError(i int, v any) error {
	return fmt.Errorf("unexpected plan tuple field %d of type %T", i, v)
}

// AcceptsDeposits is false for withdrawn or cancelled plans whatever the active flag says.
func (p SavingsPlan) AcceptsDeposits() bool {
	return p.Active && !p.Withdrawn && !p.Cancelled
}

func (p SavingsPlan) IsClosed() bool {
	return p.Withdrawn || p.Cancelled
}

func (p SavingsPlan) IsOwner(addr common.Address) bool {
	return p.Owner == addr
}

func (p SavingsPlan) IsParticipant(addr common.Address) bool {
	return slices.Contains(p.Participants, addr)
}

// IsAuthorized reports whether addr may deposit. The owner is always authorized.
func (p SavingsPlan) IsAuthorized(addr common.Address) bool {
	return p.IsOwner(addr) || p.IsParticipant(addr)
}

func (p SavingsPlan) Reached() bool {
	return p.Target != nil && p.Deposited != nil && p.Deposited.Cmp(p.Target) >= 0
}

func (p SavingsPlan) IsExpired(now time.Time) bool {
	return now.After(p.Deadline)
}

// Clone returns a deep copy so cached plans are never shared with callers.
func (p SavingsPlan) Clone() SavingsPlan {
	c := p
	if p.Target != nil {
		c.Target = new(big.Int).Set(p.Target)
	}
	if p.Deposited != nil {
		c.Deposited = new(big.Int).Set(p.Deposited)
	}
	c.Participants = slices.Clone(p.Participants)
	return c
}
