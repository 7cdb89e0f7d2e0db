package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethpandaops/runwatch/pkg/store"
	"github.com/go-chi/chi/v5"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	// streamKeepAlive is how often an idle event stream sends a comment
	// so that proxies keep the connection open.
	streamKeepAlive = 15 * time.Second
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

// handleHealth returns server health status.
func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleListRunningTests returns every running test.
func (s *server) handleListRunningTests(w http.ResponseWriter, r *http.Request) {
	executions, err := s.store.ListInFlightExecutions(r.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list running tests")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to list running tests"})

		return
	}

	writeJSON(w, http.StatusOK, executions)
}

// handleListTestRuns returns the most recent test runs.
func (s *server) handleListTestRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest,
				errorResponse{"limit must be a positive integer"})

			return
		}

		limit = min(n, maxListLimit)
	}

	runs, err := s.store.ListHistoricalRuns(r.Context(), limit)
	if err != nil {
		s.log.WithError(err).Error("Failed to list test runs")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to list test runs"})

		return
	}

	writeJSON(w, http.StatusOK, runs)
}

// handleGetTestRun returns a single test run.
func (s *server) handleGetTestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetHistoricalRun(r.Context(),
		chi.URLParam(r, "testRunID"), chi.URLParam(r, "dashboardID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{"test run not found"})

			return
		}

		s.log.WithError(err).Error("Failed to get test run")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"failed to get test run"})

		return
	}

	writeJSON(w, http.StatusOK, run)
}

// handleTopicEvents streams the events of one topic as Server-Sent Events.
func (s *server) handleTopicEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"streaming unsupported"})

		return
	}

	sub := s.hub.Subscribe(chi.URLParam(r, "topic"))
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(streamKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}

			flusher.Flush()
		case ev, open := <-sub.Events:
			if !open {
				return
			}

			data, err := json.Marshal(ev)
			if err != nil {
				s.log.WithError(err).Warn("Failed to encode event")

				continue
			}

			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Action, data); err != nil {
				return
			}

			flusher.Flush()
		}
	}
}
