package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/den/gmail-workflow-connect/internal/database"
	"github.com/den/gmail-workflow-connect/internal/logger"
	"github.com/den/gmail-workflow-connect/internal/oauth"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	eventsHeartbeat = 25 * time.Second
	healthTimeout   = 2 * time.Second
)

type codeRequest struct {
	Code        string `json:"code"`
	RedirectURI string `json:"redirect_uri"`
}

// POST /api/v1/user-email
func (s *Server) handleAPIUserEmail(w http.ResponseWriter, r *http.Request) {
	var body codeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	profile, err := s.exchanger.Exchange(r.Context(), body.Code, body.RedirectURI)
	if err != nil {
		var stageErr *oauth.StageError
		if errors.As(err, &stageErr) {
			respondError(w, stageErr.HTTPStatus(), stageErr.Err.Error())
			return
		}
		logger.From(r.Context()).Error("code exchange failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	respondJSON(w, http.StatusOK, profile)
}

// POST /api/v1/connect
func (s *Server) handleAPIConnect(w http.ResponseWriter, r *http.Request) {
	var body codeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	b := browserFrom(r.Context())
	res, err := s.connector.Connect(r.Context(), b.id, body.Code, body.RedirectURI)
	if err != nil {
		logger.From(r.Context()).Warn("connect failed", zap.Error(err))
		respondConnectError(w, err)
		return
	}

	if err := s.cookies.Save(w, r, b.id, res.UserEmail); err != nil {
		logger.From(r.Context()).Error("failed to persist session", zap.Error(err))
	}
	respondJSON(w, http.StatusOK, res)
}

// GET /api/v1/session
func (s *Server) handleAPIGetSession(w http.ResponseWriter, r *http.Request) {
	b := browserFrom(r.Context())

	sess, err := s.connector.Resume(r.Context(), b.id, b.email)
	if err != nil {
		// Resume is best effort; the cached session is still worth showing.
		logger.From(r.Context()).Warn("resume failed", zap.Error(err))
	}

	respondJSON(w, http.StatusOK, sess)
}

// DELETE /api/v1/session
func (s *Server) handleAPIDeleteSession(w http.ResponseWriter, r *http.Request) {
	b := browserFrom(r.Context())
	s.connector.Disconnect(b.id)
	if err := s.cookies.ClearEmail(w, r, b.id); err != nil {
		logger.From(r.Context()).Error("failed to clear session cookie", zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/executions/{id}
func (s *Server) handleAPIGetExecution(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "executionId is required")
		return
	}

	rec, err := s.executions.GetExecution(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		respondError(w, http.StatusNotFound, "execution not found")
		return
	}
	if err != nil {
		logger.From(r.Context()).Error("failed to read execution", logger.ExecutionID(id), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "Failed to read execution")
		return
	}

	// Never show one user another user's run.
	b := browserFrom(r.Context())
	known := s.sessions.Get(b.id).UserEmail
	if known == "" {
		known = b.email
	}
	if email := rec.Email(); email != "" && email != known {
		respondError(w, http.StatusNotFound, "execution not found")
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

// GET /api/v1/events streams tracker events as Server-Sent Events.
func (s *Server) handleAPIEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	b := browserFrom(r.Context())
	log := logger.From(r.Context())

	events, cancel := s.tracker.Listen(b.id)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Current state first, so a fresh page renders before the next change.
	if err := writeEvent(w, "session", s.sessions.Get(b.id)); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(eventsHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug("event stream closed")
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-events:
			if err := writeEvent(w, string(ev.Type), ev); err != nil {
				log.Debug("event stream write failed", zap.Error(err))
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	return err
}

// GET /healthz
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			logger.From(r.Context()).Warn("health check failed", zap.Error(err))
			respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
