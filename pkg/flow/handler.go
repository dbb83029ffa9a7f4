package flow

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/bitsave/pools/pkg/gateway"
	"github.com/bitsave/pools/pkg/identity"
	"github.com/bitsave/pools/pkg/journal"
	"github.com/bitsave/pools/pkg/plan"
	"github.com/bitsave/pools/pkg/token"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

type RequestDTO struct {
	Action       Action    `json:"action"`
	PlanId       int64     `json:"planId,omitempty"`
	Amount       string    `json:"amount,omitempty"`
	Participant  string    `json:"participant,omitempty"`
	Name         string    `json:"name,omitempty"`
	Token        string    `json:"token,omitempty"`
	Target       string    `json:"target,omitempty"`
	Beneficiary  string    `json:"beneficiary,omitempty"`
	Deadline     time.Time `json:"deadline,omitempty"`
	Participants []string  `json:"participants,omitempty"`
}

type FailureDTO struct {
	Kind   gateway.FailureKind `json:"kind"`
	Step   StepKind            `json:"step"`
	Reason string              `json:"reason,omitempty"`
}

type FlowDTO struct {
	Id          string      `json:"id"`
	Action      Action      `json:"action"`
	PlanId      int64       `json:"planId,omitempty"`
	State       State       `json:"state"`
	StepIndex   int         `json:"stepIndex"`
	Step        StepKind    `json:"step,omitempty"`
	Steps       []StepKind  `json:"steps"`
	TxHash      string      `json:"txHash,omitempty"`
	TxHashes    []string    `json:"txHashes,omitempty"`
	Failure     *FailureDTO `json:"failure,omitempty"`
	ExplorerUrl string      `json:"explorerUrl,omitempty"`
}

type JournalEntryDTO struct {
	StepIndex   int            `json:"stepIndex"`
	StepKind    string         `json:"stepKind"`
	TxHash      string         `json:"txHash"`
	Status      journal.Status `json:"status"`
	FailureKind string         `json:"failureKind,omitempty"`
	Reason      string         `json:"reason,omitempty"`
	Updated     time.Time      `json:"updated"`
}

type ErrorDTO struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

type Handler struct {
	service Service
}

func NewHandler(service Service) *Handler {
	return &Handler{service}
}

// Prepare godoc
// @Summary Prepare a plan action
// @Description Compute the on-chain steps required for an action without submitting anything
// @Tags Flow
// @Accept json
// @Produce json
// @Param request body RequestDTO true "Action"
// @Success 201 {object} FlowDTO
// @Failure 400 {object} ErrorDTO
// @Failure 403 {object} ErrorDTO
// @Failure 404 {object} ErrorDTO
// @Failure 422 {object} ErrorDTO
// @Failure 502 {object} ErrorDTO
// @Router /api/flow [post]
// @Security XWalletAddress
func (h *Handler) Prepare(w http.ResponseWriter, r *http.Request) {
	log.Debug("Preparing flow")
	w.Header().Set("Content-Type", "application/json")

	var dto RequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeError(w, http.StatusBadRequest, err, "")
		return
	}
	snap, err := h.service.Prepare(r.Context(), DTOToRequest(dto))
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, SnapshotToDTO(snap))
}

// Get godoc
// @Summary Get flow state
// @Tags Flow
// @Produce json
// @Param flowId path string true "Flow ID"
// @Success 200 {object} FlowDTO
// @Failure 404 {object} ErrorDTO
// @Router /api/flow/{flowId} [get]
// @Security XWalletAddress
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	log.Debug("Getting flow")
	w.Header().Set("Content-Type", "application/json")
	flowId, ok := flowIdParam(w, r)
	if !ok {
		return
	}
	snap, err := h.service.Get(r.Context(), flowId)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SnapshotToDTO(snap))
}

// Execute godoc
// @Summary Start or resume a flow
// @Description Starts a prepared flow, or resumes a failed one from the failed step. Returns immediately.
// @Tags Flow
// @Produce json
// @Param flowId path string true "Flow ID"
// @Success 202 {object} FlowDTO
// @Failure 404 {object} ErrorDTO
// @Failure 409 {object} ErrorDTO "Flow in progress or finished"
// @Failure 422 {object} ErrorDTO
// @Router /api/flow/{flowId}/execute [post]
// @Security XWalletAddress
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	log.Debug("Executing flow")
	w.Header().Set("Content-Type", "application/json")
	flowId, ok := flowIdParam(w, r)
	if !ok {
		return
	}
	snap, err := h.service.Execute(r.Context(), flowId)
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SnapshotToDTO(snap))
}

// History godoc
// @Summary List the transactions of a flow
// @Tags Flow
// @Produce json
// @Param flowId path string true "Flow ID"
// @Success 200 {array} JournalEntryDTO
// @Failure 404 {object} ErrorDTO
// @Router /api/flow/{flowId}/transactions [get]
// @Security XWalletAddress
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	log.Debug("Listing flow transactions")
	w.Header().Set("Content-Type", "application/json")
	flowId, ok := flowIdParam(w, r)
	if !ok {
		return
	}
	entries, err := h.service.History(r.Context(), flowId)
	if err != nil {
		handleError(w, err)
		return
	}
	dtos := make([]JournalEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, JournalEntryDTO{
			StepIndex:   e.StepIndex,
			StepKind:    e.StepKind,
			TxHash:      e.TxHash,
			Status:      e.Status,
			FailureKind: e.FailureKind,
			Reason:      e.Reason,
			Updated:     e.Updated,
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Dismiss godoc
// @Summary Dismiss a flow
// @Tags Flow
// @Param flowId path string true "Flow ID"
// @Success 204
// @Failure 404 {object} ErrorDTO
// @Failure 409 {object} ErrorDTO "Flow in progress"
// @Router /api/flow/{flowId} [delete]
// @Security XWalletAddress
func (h *Handler) Dismiss(w http.ResponseWriter, r *http.Request) {
	log.Debug("Dismissing flow")
	flowId, ok := flowIdParam(w, r)
	if !ok {
		return
	}
	if err := h.service.Dismiss(r.Context(), flowId); err != nil {
		w.Header().Set("Content-Type", "application/json")
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func flowIdParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	flowId, err := uuid.Parse(mux.Vars(r)["flowId"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err, "")
		return uuid.Nil, false
	}
	return flowId, true
}

func handleError(w http.ResponseWriter, err error) {
	var failure *gateway.Failure
	var resolutionErr *identity.ResolutionError
	switch {
	case errors.Is(err, identity.ErrNoCaller):
		writeError(w, http.StatusForbidden, err, "")
	case errors.Is(err, ErrFlowNotFound), errors.Is(err, plan.ErrPlanNotFound):
		writeError(w, http.StatusNotFound, err, "")
	case errors.Is(err, ErrFlowInProgress), errors.Is(err, ErrFlowFinished), errors.Is(err, ErrFlowFailed):
		writeError(w, http.StatusConflict, err, "")
	case errors.Is(err, plan.ErrPlanUnreachable):
		writeError(w, http.StatusBadGateway, err, "")
	case errors.As(err, &failure):
		writeError(w, http.StatusUnprocessableEntity, err, string(failure.Kind))
	case errors.As(err, &resolutionErr):
		writeError(w, http.StatusUnprocessableEntity, err, string(resolutionErr.Kind))
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrPlanClosed), errors.Is(err, ErrNotOwner),
		errors.Is(err, ErrTargetNotReached), errors.Is(err, ErrNotCancelled), errors.Is(err, ErrNothingToRefund),
		errors.Is(err, ErrAlreadyParticipant), errors.Is(err, ErrNotParticipant), errors.Is(err, token.ErrUnsupportedToken):
		writeError(w, http.StatusUnprocessableEntity, err, "")
	default:
		log.Errorf("Flow request failed: %v", err)
		writeError(w, http.StatusInternalServerError, err, "")
	}
}

func writeError(w http.ResponseWriter, status int, err error, kind string) {
	writeJSON(w, status, ErrorDTO{Error: err.Error(), Kind: kind})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}

func DTOToRequest(dto RequestDTO) Request {
	return Request{
		Action:       dto.Action,
		PlanId:       dto.PlanId,
		Amount:       dto.Amount,
		Participant:  dto.Participant,
		Name:         dto.Name,
		TokenSymbol:  dto.Token,
		Target:       dto.Target,
		Beneficiary:  dto.Beneficiary,
		Deadline:     dto.Deadline,
		Participants: dto.Participants,
	}
}

func SnapshotToDTO(snap Snapshot) FlowDTO {
	dto := FlowDTO{
		Id:          snap.FlowId.String(),
		Action:      snap.Action,
		PlanId:      snap.PlanId,
		State:       snap.State,
		StepIndex:   snap.StepIndex,
		Step:        snap.Step,
		Steps:       snap.Steps,
		TxHash:      snap.TxHash,
		TxHashes:    snap.TxHashes,
		ExplorerUrl: snap.ExplorerUrl,
	}
	if snap.Failure != nil {
		dto.Failure = &FailureDTO{Kind: snap.Failure.Kind, Step: snap.Failure.Step, Reason: snap.Failure.Reason}
	}
	return dto
}
