package api

import (
	"github.com/gorilla/mux"
	"github.com/malwarebo/unlockd/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CreateRouter assembles the exposed HTTP surface: the unlock action, unlock
// and wallet reads, the ledger audit export, the sweep trigger, health and
// metrics.
func CreateRouter(unlockHandler *UnlockHandler, ledgerHandler *LedgerHandler, sweepHandler *SweepHandler) *mux.Router {
	router := mux.NewRouter()

	router.Use(middleware.RequestIDMiddleware)
	router.Use(middleware.LoggingMiddleware)
	router.Use(middleware.RecoveryMiddleware)

	router.HandleFunc("/health", HealthCheckHandler).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	apiRouter := router.PathPrefix("/api/v1").Subrouter()
	apiRouter.HandleFunc("/unlocks/{sourceItemID}/reserve", unlockHandler.HandleReserve).Methods("POST")
	apiRouter.HandleFunc("/unlocks/{sourceItemID}", unlockHandler.HandleGet).Methods("GET")
	apiRouter.HandleFunc("/wallet", unlockHandler.HandleWallet).Methods("GET")
	apiRouter.HandleFunc("/ledger/entries", ledgerHandler.HandleExport).Methods("GET")

	internalRouter := router.PathPrefix("/internal").Subrouter()
	internalRouter.HandleFunc("/sweep", sweepHandler.HandleSweep).Methods("POST")

	return router
}
