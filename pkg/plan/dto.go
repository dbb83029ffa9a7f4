package plan

import (
	"math/big"

	"github.com/bitsave/pools/pkg/token"
)

func ViewToDTO(view PlanView) PlanDTO {
	p := view.Plan
	participants := make([]string, 0, len(p.Participants))
	for _, addr := range p.Participants {
		participants = append(participants, addr.Hex())
	}
	var contributions []ContributionDTO
	for _, rec := range view.Contributions {
		contributions = append(contributions, ContributionDTO{
			Participant: rec.Participant.Hex(),
			DisplayName: rec.DisplayName,
			Amount:      rec.Formatted,
			Percentage:  rec.Percentage,
		})
	}
	return PlanDTO{
		Id:                 p.Id,
		Name:               p.Name,
		Owner:              p.Owner.Hex(),
		Beneficiary:        p.Beneficiary.Hex(),
		Token:              p.Token.Hex(),
		TokenSymbol:        view.Token.Symbol,
		Decimals:           view.Token.Decimals,
		Target:             view.Target,
		Deposited:          view.Deposited,
		Progress:           view.Progress,
		Deadline:           p.Deadline,
		DaysRemaining:      view.DaysRemaining,
		IsExpired:          view.IsExpired,
		Active:             p.Active,
		Withdrawn:          p.Withdrawn,
		Cancelled:          p.Cancelled,
		IsOwner:            view.IsOwner,
		IsParticipant:      view.IsParticipant,
		CallerContribution: formatTotal(view.CallerContribution, view.Token.Decimals),
		Participants:       participants,
		Contributions:      contributions,
	}
}

func formatTotal(amount *big.Int, decimals int32) string {
	return token.FormatAmount(amount, decimals)
}
