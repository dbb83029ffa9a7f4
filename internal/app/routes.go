package app

import (
	"github.com/gorilla/mux"
)

// RegisterRoutes registers all API endpoints.
func RegisterRoutes(r *mux.Router, deps *Dependencies) {

	// Plans
	r.HandleFunc("/api/plan", deps.PlanHandler.GetSavings).Methods("GET")
	r.HandleFunc("/api/plan/{planId}", deps.PlanHandler.GetPlan).Methods("GET")

	// Identity
	r.HandleFunc("/api/identity/resolve", deps.IdentityHandler.Resolve).Queries("input", "{input}").Methods("GET")

	// Flows
	r.HandleFunc("/api/flow", deps.FlowHandler.Prepare).Methods("POST")
	r.HandleFunc("/api/flow/{flowId}", deps.FlowHandler.Get).Methods("GET")
	r.HandleFunc("/api/flow/{flowId}", deps.FlowHandler.Dismiss).Methods("DELETE")
	r.HandleFunc("/api/flow/{flowId}/execute", deps.FlowHandler.Execute).Methods("POST")
	r.HandleFunc("/api/flow/{flowId}/transactions", deps.FlowHandler.History).Methods("GET")
}
