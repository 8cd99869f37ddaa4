package paymentsmarble

import (
	"net/http"
)

// =============================================================================
// API Routes
// =============================================================================

// registerRoutes registers service-specific HTTP routes.
// /health, /info and /metrics are registered by BaseService.RegisterStandardRoutes.
func (s *Service) registerRoutes() {
	router := s.Router()

	payments := router.PathPrefix("/api/payments").Subrouter()
	payments.HandleFunc("/tip", s.handleTip).Methods(http.MethodPost)
	payments.HandleFunc("/escrow", s.handleCreateEscrow).Methods(http.MethodPost)
	payments.HandleFunc("/complete", s.handleCompleteEscrow).Methods(http.MethodPost)
	payments.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	payments.HandleFunc("/tx/{hash}", s.handleTxStatus).Methods(http.MethodGet)

	agents := router.PathPrefix("/api/agents/wallet").Subrouter()
	agents.HandleFunc("/session-key", s.handleSessionKey).Methods(http.MethodPost)
	agents.HandleFunc("/spend", s.handleSpend).Methods(http.MethodPost)
	agents.HandleFunc("/treasury", s.handleTreasury).Methods(http.MethodGet)
	agents.HandleFunc("/earn", s.handleEarn).Methods(http.MethodPost)

	ping := router.PathPrefix("/api/ping").Subrouter()
	ping.HandleFunc("/expert/register", s.handleRegisterExpert).Methods(http.MethodPost)
	ping.HandleFunc("/match", s.handleMatch).Methods(http.MethodPost)
	ping.HandleFunc("/ask", s.handleAsk).Methods(http.MethodPost)
	ping.HandleFunc("/complete", s.handleCompleteSession).Methods(http.MethodPost)

	s.BaseService.RegisterStandardRoutes()
}
