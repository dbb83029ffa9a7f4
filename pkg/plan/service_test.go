package plan

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bitsave/pools/pkg/identity"
	"github.com/bitsave/pools/pkg/ledger"
	"github.com/bitsave/pools/pkg/token"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupService(t *testing.T) (Service, *ledger.SimulatedLedger, int64) {
	t.Helper()
	sim, clock := setupLedger(t)
	id := seedPlan(sim)
	dir, err := identity.NewDirectory(map[string]string{"bob.base.eth": bob.Hex()})
	require.NoError(t, err)
	service := NewService(NewReader(sim, pools), token.NetworkFor(true), identity.NewResolver(dir), clock)
	return service, sim, id
}

func TestView(t *testing.T) {
	t.Run("should compute progress rounded down", func(t *testing.T) {
		assert.Equal(t, int64(33), Progress(big.NewInt(1), big.NewInt(3)))
		assert.Equal(t, int64(150), Progress(big.NewInt(3), big.NewInt(2)))
		assert.Equal(t, int64(0), Progress(big.NewInt(3), big.NewInt(0)))
	})

	t.Run("should round days remaining up and never go negative", func(t *testing.T) {
		assert.Equal(t, 2, DaysRemaining(now.Add(25*time.Hour), now))
		assert.Equal(t, 1, DaysRemaining(now.Add(time.Minute), now))
		assert.Equal(t, 0, DaysRemaining(now.Add(-time.Hour), now))
	})

	t.Run("should summarize savings", func(t *testing.T) {
		tok := token.Token{Symbol: "USDC", Decimals: 6, Address: usdc}
		open := NewView(SavingsPlan{Owner: alice, Token: usdc, Active: true, Target: big.NewInt(100), Deposited: big.NewInt(40), Deadline: now.Add(time.Hour)}, tok, alice, now)
		open.CallerContribution = big.NewInt(40)
		done := NewView(SavingsPlan{Owner: alice, Token: usdc, Withdrawn: true, Target: big.NewInt(10), Deposited: big.NewInt(10), Deadline: now.Add(time.Hour)}, tok, alice, now)
		done.CallerContribution = big.NewInt(5)
		expired := NewView(SavingsPlan{Owner: alice, Token: usdc, Active: true, Target: big.NewInt(10), Deposited: big.NewInt(0), Deadline: now.Add(-time.Hour)}, tok, alice, now)

		summary := Summarize([]PlanView{open, done, expired})

		assert.Equal(t, 3, summary.Total)
		assert.Equal(t, 1, summary.Active)
		assert.Equal(t, 1, summary.Completed)
		require.Len(t, summary.Totals, 1)
		assert.Equal(t, big.NewInt(45), summary.Totals[0].Saved)
		assert.Equal(t, big.NewInt(120), summary.Totals[0].Target)
	})
}

func TestService_GetPlan(t *testing.T) {
	t.Run("should build view with contributions relative to caller", func(t *testing.T) {
		// given
		service, _, id := setupService(t)
		ctx := identity.WithCaller(context.Background(), bob)

		// when
		view, err := service.GetPlan(ctx, id)

		// then
		require.NoError(t, err)
		assert.Equal(t, int64(25), view.Progress)
		assert.Equal(t, 2, view.DaysRemaining)
		assert.True(t, view.IsParticipant)
		assert.False(t, view.IsOwner)
		assert.Equal(t, big.NewInt(30), view.CallerContribution)
		require.Len(t, view.Contributions, 2)
		assert.Equal(t, "bob.base.eth", view.Contributions[1].DisplayName)
		assert.Equal(t, "60.00", view.Contributions[1].Percentage)
		assert.Equal(t, identity.Short(alice), view.Contributions[0].DisplayName)
	})

	t.Run("should work without caller", func(t *testing.T) {
		service, _, id := setupService(t)

		view, err := service.GetPlan(context.Background(), id)

		require.NoError(t, err)
		assert.False(t, view.IsOwner)
		assert.Equal(t, 0, view.CallerContribution.Sign())
	})
}

func TestService_GetSavings(t *testing.T) {
	t.Run("should require caller", func(t *testing.T) {
		service, _, _ := setupService(t)

		_, err := service.GetSavings(context.Background())

		assert.ErrorIs(t, err, identity.ErrNoCaller)
	})

	t.Run("should list caller plans", func(t *testing.T) {
		service, _, _ := setupService(t)

		savings, err := service.GetSavings(identity.WithCaller(context.Background(), bob))

		require.NoError(t, err)
		assert.Equal(t, 1, savings.Total)
		assert.Equal(t, 1, savings.Active)
		assert.Equal(t, big.NewInt(30), savings.Totals[0].Saved)
	})
}

func TestHandler(t *testing.T) {
	service, sim, id := setupService(t)
	router := mux.NewRouter()
	handler := NewHandler(service)
	router.HandleFunc("/api/plan", handler.GetSavings).Methods("GET")
	router.HandleFunc("/api/plan/{planId}", handler.GetPlan).Methods("GET")

	t.Run("should return plan", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/plan/1", nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var dto PlanDTO
		require.NoError(t, json.NewDecoder(w.Body).Decode(&dto))
		assert.Equal(t, id, dto.Id)
		assert.Equal(t, "USDC", dto.TokenSymbol)
		assert.Equal(t, []string{bob.Hex()}, dto.Participants)
	})

	t.Run("should map errors to status codes", func(t *testing.T) {
		tests := []struct {
			path string
			want int
		}{
			{"/api/plan/abc", http.StatusBadRequest},
			{"/api/plan/0", http.StatusBadRequest},
			{"/api/plan/99", http.StatusNotFound},
			{"/api/plan", http.StatusForbidden},
		}
		for _, tt := range tests {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			assert.Equal(t, tt.want, w.Code, tt.path)
		}
	})

	t.Run("should report unreachable ledger as bad gateway", func(t *testing.T) {
		sim.FailReads(ledger.ErrNetwork)
		defer sim.FailReads(nil)
		w := httptest.NewRecorder()

		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/plan/42", nil))

		assert.Equal(t, http.StatusBadGateway, w.Code)
	})
}
