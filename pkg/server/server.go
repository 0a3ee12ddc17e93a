// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the HTTP surface: task submission, chat session
// recovery and cleanup, health, and metrics. It is a thin shaping
// layer; all behavior lives in pkg/execution and below.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/loom/pkg/contracts"
	"github.com/kadirpekel/loom/pkg/execution"
	"github.com/kadirpekel/loom/pkg/framework"
	"github.com/kadirpekel/loom/pkg/observability"
)

// Options configures the HTTP server.
type Options struct {
	Addr      string
	Assistant *execution.Assistant
	Adapter   *framework.EngineAdapter
	Metrics   *observability.Metrics
}

// Server is the Loom HTTP server.
type Server struct {
	opts   Options
	router chi.Router
	server *http.Server
}

// New builds the server and its routes.
func New(opts Options) *Server {
	s := &Server{opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/v1/health", s.handleHealth)
	r.Post("/v1/tasks", s.handleTask)
	r.Route("/v1/sessions/{chatSessionID}", func(r chi.Router) {
		r.Post("/recover", s.handleRecover)
		r.Delete("/", s.handleCleanup)
	})
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	s.router = r
	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("HTTP server listening", "addr", s.opts.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Assistant.HealthCheck(r.Context()))
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	var req contracts.TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": contracts.NewError(contracts.ErrCodeRequestValidation,
				"server.tasks", "invalid request body: %v", err),
		})
		return
	}

	result := s.opts.Assistant.ProcessRequest(r.Context(), &req)
	status := http.StatusOK
	if result.Status == contracts.TaskStatusError {
		status = statusForError(result.Error)
	}
	writeJSON(w, status, result)
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	chatID := contracts.ChatSessionID(chi.URLParam(r, "chatSessionID"))
	recovered := s.opts.Adapter.RecoverChatSession(chatID)
	if !recovered {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"recovered":       false,
			"chat_session_id": chatID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recovered":       true,
		"chat_session_id": chatID,
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	chatID := contracts.ChatSessionID(chi.URLParam(r, "chatSessionID"))
	cleaned := s.opts.Adapter.CleanupChatSession(r.Context(), chatID)
	writeJSON(w, http.StatusOK, map[string]any{
		"cleaned":         cleaned,
		"chat_session_id": chatID,
	})
}

func statusForError(err *contracts.Error) int {
	if err == nil {
		return http.StatusInternalServerError
	}
	switch err.Code {
	case contracts.ErrCodeRequestValidation:
		return http.StatusBadRequest
	case contracts.ErrCodeAgentNotFound, contracts.ErrCodeRunnerNotFound, contracts.ErrCodeSessionNotFound:
		return http.StatusNotFound
	case contracts.ErrCodeSessionCleared:
		return http.StatusGone
	case contracts.ErrCodeFrameworkUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}
