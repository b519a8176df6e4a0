// Package api exposes the scanner over HTTP. Routes are versioned
// under /api/v1; auth is a bearer token resolved by an auth.Verifier.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"konform/internal/auth"
	"konform/internal/catalog"
	"konform/internal/config"
	"konform/internal/logging"
	"konform/internal/quota"
	"konform/internal/scan"
	"konform/internal/store"
)

// maxBodyBytes caps request payloads; scan and fix requests are small.
const maxBodyBytes = 1 << 20

// Server wires handlers to the orchestrator and its stores.
type Server struct {
	cfg      *config.Config
	verifier auth.Verifier
	orch     *scan.Orchestrator
	fixer    *scan.Fixer
	ledger   *quota.Ledger
	store    *store.Store
	catalog  *catalog.Manager

	http *http.Server
}

// Deps bundles the server's collaborators.
type Deps struct {
	Config   *config.Config
	Verifier auth.Verifier
	Orch     *scan.Orchestrator
	Fixer    *scan.Fixer
	Ledger   *quota.Ledger
	Store    *store.Store
	Catalog  *catalog.Manager
}

// New builds the server with its full route table.
func New(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		verifier: d.Verifier,
		orch:     d.Orch,
		fixer:    d.Fixer,
		ledger:   d.Ledger,
		store:    d.Store,
		catalog:  d.Catalog,
	}

	r := mux.NewRouter()
	r.Use(s.recoverMiddleware, s.logMiddleware, bodyCapMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)
	v1.HandleFunc("/scans", s.handleStartScan).Methods(http.MethodPost)
	v1.HandleFunc("/scans", s.handleListScans).Methods(http.MethodGet)
	v1.HandleFunc("/scans/{id}", s.handleGetScan).Methods(http.MethodGet)
	v1.HandleFunc("/scans/{id}/fixes", s.handleGenerateFixes).Methods(http.MethodPost)
	v1.HandleFunc("/quota", s.handleQuota).Methods(http.MethodGet)
	v1.HandleFunc("/fixes/{fix_id}/feedback", s.handleFeedback).Methods(http.MethodPost)
	v1.HandleFunc("/fixes/{fix_id}/export", s.handleExport).Methods(http.MethodPost)
	v1.HandleFunc("/consent", s.handleConsent).Methods(http.MethodPost)

	readTimeout := 15 * time.Second
	writeTimeout := 120 * time.Second
	if d, err := time.ParseDuration(s.cfg.Server.ReadTimeout); err == nil && d > 0 {
		readTimeout = d
	}
	if d, err := time.ParseDuration(s.cfg.Server.WriteTimeout); err == nil && d > 0 {
		writeTimeout = d
	}
	s.http = &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      r,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	}
	return s
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	logging.Info(logging.CategoryAPI, "listening on %s", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
