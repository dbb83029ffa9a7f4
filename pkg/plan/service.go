package plan

import (
	"context"
	"fmt"

	"github.com/bitsave/pools/internal/utils"
	"github.com/bitsave/pools/pkg/identity"
	"github.com/bitsave/pools/pkg/token"
	log "github.com/sirupsen/logrus"
)

type Service interface {
	GetPlan(ctx context.Context, planId int64) (PlanView, error)
	GetSavings(ctx context.Context) (UserSavings, error)
}

type ServiceImpl struct {
	reader   *Reader
	network  token.Network
	resolver *identity.Resolver
	clock    utils.Clock
}

func NewService(reader *Reader, network token.Network, resolver *identity.Resolver, clock utils.Clock) Service {
	return &ServiceImpl{reader: reader, network: network, resolver: resolver, clock: clock}
}

// GetPlan returns the plan with contributions relative to the current caller, if any.
func (s *ServiceImpl) GetPlan(ctx context.Context, planId int64) (PlanView, error) {
	caller, _ := identity.CurrentCaller(ctx)

	p, err := s.reader.Plan(ctx, planId)
	if err != nil {
		return PlanView{}, err
	}
	records, err := s.reader.Contributions(ctx, p)
	if err != nil {
		return PlanView{}, err
	}
	for i := range records {
		records[i].DisplayName = s.displayName(ctx, records[i])
	}

	view := NewView(p, s.network.Describe(p.Token), caller, s.clock.Now())
	return view.WithContributions(records, caller), nil
}

func (s *ServiceImpl) GetSavings(ctx context.Context) (UserSavings, error) {
	caller, err := identity.CurrentCaller(ctx)
	if err != nil {
		return UserSavings{}, fmt.Errorf("failed to get current caller: %w", err)
	}
	ids, err := s.reader.PlansByUser(ctx, caller)
	if err != nil {
		return UserSavings{}, err
	}

	now := s.clock.Now()
	views := make([]PlanView, 0, len(ids))
	for _, id := range ids {
		p, err := s.reader.Plan(ctx, id)
		if err != nil {
			return UserSavings{}, err
		}
		view := NewView(p, s.network.Describe(p.Token), caller, now)
		contribution, err := s.reader.Contribution(ctx, id, caller)
		if err != nil {
			return UserSavings{}, err
		}
		view.CallerContribution = contribution
		views = append(views, view)
	}
	log.Debugf("Found %d plans for %s", len(views), caller.Hex())
	return Summarize(views), nil
}

func (s *ServiceImpl) displayName(ctx context.Context, rec ContributionRecord) string {
	if s.resolver == nil {
		return identity.Short(rec.Participant)
	}
	resolution, err := s.resolver.Resolve(ctx, rec.Participant.Hex())
	if err != nil {
		return identity.Short(rec.Participant)
	}
	return resolution.DisplayName
}
