package plan

import (
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/bitsave/pools/pkg/token"
	"github.com/ethereum/go-ethereum/common"
)

// PlanView is a plan enriched with token metadata and caller-relative flags.
type PlanView struct {
	Plan               SavingsPlan
	Token              token.Token
	Target             string
	Deposited          string
	Progress           int64
	Contributions      []ContributionRecord
	CallerContribution *big.Int
	IsExpired          bool
	DaysRemaining      int
	IsOwner            bool
	IsParticipant      bool
}

func NewView(p SavingsPlan, tok token.Token, caller common.Address, now time.Time) PlanView {
	return PlanView{
		Plan:               p,
		Token:              tok,
		Target:             token.FormatAmount(p.Target, tok.Decimals),
		Deposited:          token.FormatAmount(p.Deposited, tok.Decimals),
		Progress:           Progress(p.Deposited, p.Target),
		CallerContribution: new(big.Int),
		IsExpired:          p.IsExpired(now),
		DaysRemaining:      DaysRemaining(p.Deadline, now),
		IsOwner:            p.IsOwner(caller),
		IsParticipant:      p.IsParticipant(caller),
	}
}

// WithContributions attaches contribution records, filling formatted amounts and shares of the total.
func (v PlanView) WithContributions(records []ContributionRecord, caller common.Address) PlanView {
	v.Contributions = make([]ContributionRecord, 0, len(records))
	for _, rec := range records {
		rec.Formatted = token.FormatAmount(rec.Amount, v.Token.Decimals)
		rec.Percentage = token.Percentage(rec.Amount, v.Plan.Deposited)
		if rec.Participant == caller {
			v.CallerContribution = new(big.Int).Set(rec.Amount)
		}
		v.Contributions = append(v.Contributions, rec)
	}
	return v
}

// Progress is deposited*100/target rounded down, 0 for a zero target.
func Progress(deposited, target *big.Int) int64 {
	if target == nil || target.Sign() == 0 || deposited == nil {
		return 0
	}
	p := new(big.Int).Mul(deposited, big.NewInt(100))
	return p.Quo(p, target).Int64()
}

func DaysRemaining(deadline, now time.Time) int {
	left := deadline.Sub(now)
	if left <= 0 {
		return 0
	}
	return int(math.Ceil(left.Hours() / 24))
}

type TokenTotal struct {
	Token  token.Token
	Saved  *big.Int
	Target *big.Int
}

// UserSavings summarizes every plan a user owns or participates in.
type UserSavings struct {
	Plans     []PlanView
	Total     int
	Active    int
	Completed int
	Totals    []TokenTotal
}

func Summarize(views []PlanView) UserSavings {
	summary := UserSavings{Plans: views, Total: len(views)}
	totals := make(map[common.Address]*TokenTotal)
	for _, v := range views {
		if v.Plan.AcceptsDeposits() && !v.IsExpired {
			summary.Active++
		}
		if v.Progress >= 100 {
			summary.Completed++
		}
		t, ok := totals[v.Token.Address]
		if !ok {
			t = &TokenTotal{Token: v.Token, Saved: new(big.Int), Target: new(big.Int)}
			totals[v.Token.Address] = t
		}
		if v.CallerContribution != nil {
			t.Saved.Add(t.Saved, v.CallerContribution)
		}
		if v.Plan.Target != nil {
			t.Target.Add(t.Target, v.Plan.Target)
		}
	}
	for _, t := range totals {
		summary.Totals = append(summary.Totals, *t)
	}
	sort.Slice(summary.Totals, func(i, j int) bool {
		return summary.Totals[i].Token.Symbol < summary.Totals[j].Token.Symbol
	})
	return summary
}
