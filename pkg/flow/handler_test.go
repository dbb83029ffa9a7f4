package flow

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bitsave/pools/internal/test_utils"
	"github.com/bitsave/pools/pkg/gateway"
	"github.com/bitsave/pools/pkg/identity"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) (*mux.Router, *fixture) {
	t.Helper()
	f := newFixture(t, time.Second)
	handler := NewHandler(f.service(t))
	router := mux.NewRouter()
	router.HandleFunc("/api/flow", handler.Prepare).Methods("POST")
	router.HandleFunc("/api/flow/{flowId}", handler.Get).Methods("GET")
	router.HandleFunc("/api/flow/{flowId}", handler.Dismiss).Methods("DELETE")
	router.HandleFunc("/api/flow/{flowId}/execute", handler.Execute).Methods("POST")
	router.HandleFunc("/api/flow/{flowId}/transactions", handler.History).Methods("GET")
	return router, f
}

func serve(router *mux.Router, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf).WithContext(test_utils.AsCaller(bob))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHandler_Flow(t *testing.T) {
	t.Run("should prepare, execute and list transactions", func(t *testing.T) {
		// given
		router, f := setupRouter(t)
		planId := f.seedPlan(bob)
		f.sim.Mint(f.token.Address, bob, usdc(20))

		// when
		w := serve(router, http.MethodPost, "/api/flow", RequestDTO{Action: ActionDeposit, PlanId: planId, Amount: "20"})

		// then
		require.Equal(t, http.StatusCreated, w.Code)
		var prepared FlowDTO
		require.NoError(t, json.NewDecoder(w.Body).Decode(&prepared))
		assert.Equal(t, Idle, prepared.State)
		assert.Equal(t, []StepKind{StepApprove, StepDeposit}, prepared.Steps)

		// when
		w = serve(router, http.MethodPost, "/api/flow/"+prepared.Id+"/execute", nil)

		// then
		require.Equal(t, http.StatusAccepted, w.Code)
		require.Eventually(t, func() bool {
			w := serve(router, http.MethodGet, "/api/flow/"+prepared.Id, nil)
			var dto FlowDTO
			return w.Code == http.StatusOK && json.NewDecoder(w.Body).Decode(&dto) == nil && dto.State == Success
		}, 2*time.Second, 2*time.Millisecond)

		w = serve(router, http.MethodGet, "/api/flow/"+prepared.Id+"/transactions", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var entries []JournalEntryDTO
		require.NoError(t, json.NewDecoder(w.Body).Decode(&entries))
		require.Len(t, entries, 2)
		assert.Equal(t, string(StepApprove), entries[0].StepKind)

		w = serve(router, http.MethodPost, "/api/flow/"+prepared.Id+"/execute", nil)
		assert.Equal(t, http.StatusConflict, w.Code)

		w = serve(router, http.MethodDelete, "/api/flow/"+prepared.Id, nil)
		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("should map errors to status codes", func(t *testing.T) {
		router, f := setupRouter(t)
		planId := f.seedPlan(bob)
		f.sim.Mint(f.token.Address, bob, usdc(1))

		tests := []struct {
			name   string
			method string
			path   string
			body   any
			want   int
			kind   string
		}{
			{"bad flow id", http.MethodGet, "/api/flow/nope", nil, http.StatusBadRequest, ""},
			{"unknown flow", http.MethodGet, "/api/flow/" + uuid.NewString(), nil, http.StatusNotFound, ""},
			{"unknown plan", http.MethodPost, "/api/flow", RequestDTO{Action: ActionDeposit, PlanId: 77, Amount: "1"}, http.StatusNotFound, ""},
			{"not owner", http.MethodPost, "/api/flow", RequestDTO{Action: ActionCancel, PlanId: planId}, http.StatusUnprocessableEntity, ""},
			{"insufficient balance", http.MethodPost, "/api/flow", RequestDTO{Action: ActionDeposit, PlanId: planId, Amount: "5"}, http.StatusUnprocessableEntity, string(gateway.InsufficientBalance)},
			{"unknown name", http.MethodPost, "/api/flow", RequestDTO{Action: ActionAddParticipant, PlanId: planId, Participant: "ghost.base.eth"}, http.StatusUnprocessableEntity, string(identity.NameNotFound)},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				w := serve(router, tt.method, tt.path, tt.body)

				assert.Equal(t, tt.want, w.Code)
				var dto ErrorDTO
				require.NoError(t, json.NewDecoder(w.Body).Decode(&dto))
				assert.NotEmpty(t, dto.Error)
				assert.Equal(t, tt.kind, dto.Kind)
			})
		}
	})

	t.Run("should reject malformed body", func(t *testing.T) {
		router, _ := setupRouter(t)
		req := httptest.NewRequest(http.MethodPost, "/api/flow", bytes.NewBufferString("{")).WithContext(test_utils.AsCaller(bob))
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
