package plan

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/bitsave/pools/pkg/identity"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

type ContributionDTO struct {
	Participant string `json:"participant"`
	DisplayName string `json:"displayName"`
	Amount      string `json:"amount"`
	Percentage  string `json:"percentage"`
}

type PlanDTO struct {
	Id                 int64             `json:"id"`
	Name               string            `json:"name"`
	Owner              string            `json:"owner"`
	Beneficiary        string            `json:"beneficiary"`
	Token              string            `json:"token"`
	TokenSymbol        string            `json:"tokenSymbol"`
	Decimals           int32             `json:"decimals"`
	Target             string            `json:"target"`
	Deposited          string            `json:"deposited"`
	Progress           int64             `json:"progress"`
	Deadline           time.Time         `json:"deadline"`
	DaysRemaining      int               `json:"daysRemaining"`
	IsExpired          bool              `json:"isExpired"`
	Active             bool              `json:"active"`
	Withdrawn          bool              `json:"withdrawn"`
	Cancelled          bool              `json:"cancelled"`
	IsOwner            bool              `json:"isOwner"`
	IsParticipant      bool              `json:"isParticipant"`
	CallerContribution string            `json:"callerContribution"`
	Participants       []string          `json:"participants"`
	Contributions      []ContributionDTO `json:"contributions,omitempty"`
}

type TokenTotalDTO struct {
	Symbol string `json:"symbol"`
	Saved  string `json:"saved"`
	Target string `json:"target"`
}

type SavingsDTO struct {
	Total     int             `json:"total"`
	Active    int             `json:"active"`
	Completed int             `json:"completed"`
	Totals    []TokenTotalDTO `json:"totals"`
	Plans     []PlanDTO       `json:"plans"`
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service}
}

// GetPlan godoc
// @Summary Get a savings plan
// @Description Read a plan from the pools contract with per-participant contributions
// @Tags Plan
// @Produce json
// @Param planId path int true "Plan ID"
// @Success 200 {object} PlanDTO
// @Failure 400 {string} string "Invalid plan id"
// @Failure 404 {string} string "Plan not found"
// @Failure 502 {string} string "Plan state unreachable"
// @Router /api/plan/{planId} [get]
// @Security XWalletAddress
func (h *Handler) GetPlan(w http.ResponseWriter, r *http.Request) {
	planIdString := mux.Vars(r)["planId"]
	log.Debugf("Getting plan %s", planIdString)
	w.Header().Set("Content-Type", "application/json")

	planId, err := strconv.ParseInt(planIdString, 10, 64)
	if err != nil || planId <= 0 {
		http.Error(w, "invalid plan id", http.StatusBadRequest)
		return
	}

	view, err := h.service.GetPlan(r.Context(), planId)
	if err != nil {
		writeReadError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(ViewToDTO(view)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// GetSavings godoc
// @Summary Get the caller's savings
// @Description List every plan the caller owns or participates in, with totals
// @Tags Plan
// @Produce json
// @Success 200 {object} SavingsDTO
// @Failure 403 {string} string "Caller not found"
// @Failure 502 {string} string "Plan state unreachable"
// @Router /api/plan [get]
// @Security XWalletAddress
func (h *Handler) GetSavings(w http.ResponseWriter, r *http.Request) {
	log.Debug("Getting savings summary")
	w.Header().Set("Content-Type", "application/json")

	savings, err := h.service.GetSavings(r.Context())
	if err != nil {
		writeReadError(w, err)
		return
	}

	dto := SavingsDTO{
		Total:     savings.Total,
		Active:    savings.Active,
		Completed: savings.Completed,
		Totals:    make([]TokenTotalDTO, 0, len(savings.Totals)),
		Plans:     make([]PlanDTO, 0, len(savings.Plans)),
	}
	for _, t := range savings.Totals {
		dto.Totals = append(dto.Totals, TokenTotalDTO{
			Symbol: t.Token.Symbol,
			Saved:  formatTotal(t.Saved, t.Token.Decimals),
			Target: formatTotal(t.Target, t.Token.Decimals),
		})
	}
	for _, view := range savings.Plans {
		dto.Plans = append(dto.Plans, ViewToDTO(view))
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(dto); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeReadError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrPlanNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, identity.ErrNoCaller):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, ErrPlanUnreachable):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
