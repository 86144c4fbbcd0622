package web

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/den/gmail-workflow-connect/internal/connect"
	"github.com/den/gmail-workflow-connect/internal/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.L().Warn("failed to encode JSON response", zap.Error(err))
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondConnectError reports a connect failure with its kind so the page can
// tell a correlation timeout from an upstream rejection.
func respondConnectError(w http.ResponseWriter, err error) {
	kind, status := connect.Classify(err)
	respondJSON(w, status, map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

type browser struct {
	id    string
	email string // persisted email from the cookie
}

type browserKey struct{}

func browserFrom(ctx context.Context) browser {
	b, _ := ctx.Value(browserKey{}).(browser)
	return b
}

// withRequestLogger scopes the logger to the request.
func (s *Server) withRequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := logger.L().With(
			zap.String("request_id", uuid.NewString()),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(logger.ToContext(r.Context(), l)))
	})
}

// withBrowser identifies the browser from its cookie, minting an ID on first visit.
func (s *Server) withBrowser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, email, fresh := s.cookies.Load(r)
		if fresh {
			if err := s.cookies.Save(w, r, id, email); err != nil {
				logger.From(r.Context()).Warn("failed to save browser cookie", zap.Error(err))
			}
		}
		ctx := context.WithValue(r.Context(), browserKey{}, browser{id: id, email: email})
		ctx = logger.ToContext(ctx, logger.From(ctx).With(logger.BrowserID(id)))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
