package web

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"time"

	"github.com/den/gmail-workflow-connect/internal/config"
	"github.com/den/gmail-workflow-connect/internal/connect"
	"github.com/den/gmail-workflow-connect/internal/database"
	"github.com/den/gmail-workflow-connect/internal/logger"
	"github.com/den/gmail-workflow-connect/internal/oauth"
	"github.com/den/gmail-workflow-connect/internal/session"
	"github.com/den/gmail-workflow-connect/internal/tracker"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// ExecutionReader backs the workflow status endpoint.
type ExecutionReader interface {
	GetExecution(ctx context.Context, id int64) (*database.ExecutionRecord, error)
}

// CodeExchanger resolves an authorization code to the user's profile.
type CodeExchanger interface {
	Exchange(ctx context.Context, code, redirectURI string) (*oauth.Profile, error)
}

// Connector runs connect cycles for browsers.
type Connector interface {
	Connect(ctx context.Context, browserID, code, redirectURI string) (*connect.Result, error)
	Resume(ctx context.Context, browserID, persistedEmail string) (session.Session, error)
	Disconnect(browserID string)
}

// EventSource streams a browser's watch events.
type EventSource interface {
	Listen(browserID string) (<-chan tracker.Event, func())
}

// Pinger reports whether the execution store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the server routes to.
type Deps struct {
	Config      *config.Config
	OAuthConfig *oauth2.Config
	Exchanger   CodeExchanger
	Connector   Connector
	Sessions    *session.Store
	Cookies     *session.CookiePersistence
	Tracker     EventSource
	Executions  ExecutionReader
	Health      Pinger // nil reports healthy without checking
	FrontendFS  fs.FS  // nil serves the embedded page
}

type Server struct {
	router      *mux.Router
	config      *config.Config
	oauthConfig *oauth2.Config
	exchanger   CodeExchanger
	connector   Connector
	sessions    *session.Store
	cookies     *session.CookiePersistence
	tracker     EventSource
	executions  ExecutionReader
	health      Pinger
	frontendFS  fs.FS
	http        *http.Server
}

func NewServer(deps Deps) *Server {
	frontend := deps.FrontendFS
	if frontend == nil {
		frontend = staticFS()
	}

	s := &Server{
		router:      mux.NewRouter(),
		config:      deps.Config,
		oauthConfig: deps.OAuthConfig,
		exchanger:   deps.Exchanger,
		connector:   deps.Connector,
		sessions:    deps.Sessions,
		cookies:     deps.Cookies,
		tracker:     deps.Tracker,
		executions:  deps.Executions,
		health:      deps.Health,
		frontendFS:  frontend,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.withRequestLogger, s.withBrowser)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	// OAuth redirect flow
	s.router.HandleFunc("/auth/login", s.handleLogin).Methods("GET")
	s.router.HandleFunc("/auth/callback", s.handleCallback).Methods("GET")
	s.router.HandleFunc("/auth/logout", s.handleLogout).Methods("GET")

	// JSON API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/user-email", s.handleAPIUserEmail).Methods("POST")
	api.HandleFunc("/connect", s.handleAPIConnect).Methods("POST")
	api.HandleFunc("/session", s.handleAPIGetSession).Methods("GET")
	api.HandleFunc("/session", s.handleAPIDeleteSession).Methods("DELETE")
	api.HandleFunc("/executions/{id:[0-9]+}", s.handleAPIGetExecution).Methods("GET")
	api.HandleFunc("/events", s.handleAPIEvents).Methods("GET")

	// Static page fallback
	s.router.PathPrefix("/").Handler(newSPAHandler(s.frontendFS))
}

// ServeHTTP makes the server usable with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	if err := s.cookies.SetState(w, r, state); err != nil {
		logger.From(r.Context()).Error("failed to save oauth state", zap.Error(err))
		http.Error(w, "Failed to start login", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, oauth.GetAuthURL(s.oauthConfig, state), http.StatusTemporaryRedirect)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	log := logger.From(r.Context())
	b := browserFrom(r.Context())
	q := r.URL.Query()

	expected, err := s.cookies.TakeState(w, r)
	if err != nil {
		log.Warn("failed to clear oauth state", zap.Error(err))
	}
	if expected == "" || q.Get("state") != expected {
		redirectWithError(w, r, connect.KindFlow, "state mismatch")
		return
	}
	if denied := q.Get("error"); denied != "" {
		// Consent denied or cancelled: the flow simply does not proceed.
		redirectWithError(w, r, connect.KindFlow, denied)
		return
	}

	res, err := s.connector.Connect(r.Context(), b.id, q.Get("code"), s.oauthConfig.RedirectURL)
	if err != nil {
		kind, _ := connect.Classify(err)
		log.Warn("connect failed", zap.String("kind", string(kind)), zap.Error(err))
		redirectWithError(w, r, kind, err.Error())
		return
	}

	if err := s.cookies.Save(w, r, b.id, res.UserEmail); err != nil {
		log.Error("failed to persist session", zap.Error(err))
	}
	http.Redirect(w, r, "/?connected=1", http.StatusSeeOther)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	b := browserFrom(r.Context())
	s.connector.Disconnect(b.id)
	if err := s.cookies.ClearEmail(w, r, b.id); err != nil {
		logger.From(r.Context()).Error("failed to clear session cookie", zap.Error(err))
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func redirectWithError(w http.ResponseWriter, r *http.Request, kind connect.Kind, message string) {
	v := url.Values{}
	v.Set("error", string(kind))
	v.Set("message", message)
	http.Redirect(w, r, "/?"+v.Encode(), http.StatusSeeOther)
}

// Start serves until ctx is cancelled, then drains for up to ten seconds.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%s", s.config.ServerHost, s.config.ServerPort)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.L().Info("web server starting", zap.String("addr", "http://"+addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}
