package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/den/gmail-workflow-connect/internal/logger"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	googleoauth2 "google.golang.org/api/oauth2/v2"
	"google.golang.org/api/option"
)

// Stage names the step of the fast-path exchange that failed.
type Stage string

const (
	StageInput    Stage = "input"
	StageConfig   Stage = "configuration"
	StageExchange Stage = "token_exchange"
	StageUserInfo Stage = "userinfo"
)

var (
	ErrMissingCode        = errors.New("authorization code is required")
	ErrMissingCredentials = errors.New("server configuration error: missing OAuth credentials")
	ErrNoAccessToken      = errors.New("no access token received")
)

// StageError carries the failing stage and the HTTP status it maps to.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// HTTPStatus is 500 for missing server configuration and 400 for everything
// the caller supplied or the identity provider rejected.
func (e *StageError) HTTPStatus() int {
	if e.Stage == StageConfig {
		return http.StatusInternalServerError
	}
	return http.StatusBadRequest
}

// Profile is the authenticated user's identity.
type Profile struct {
	Email   string `json:"email"`
	Name    string `json:"name"`
	Picture string `json:"picture"`
}

// Exchanger turns an authorization code into a Profile.
type Exchanger struct {
	config     *oauth2.Config
	httpClient *http.Client
	opts       []option.ClientOption
}

// ExchangerOption customises an Exchanger.
type ExchangerOption func(*Exchanger)

// WithAPIEndpoint points the userinfo and Gmail services at another base URL.
func WithAPIEndpoint(endpoint string) ExchangerOption {
	return func(e *Exchanger) {
		e.opts = append(e.opts, option.WithEndpoint(endpoint))
	}
}

// WithHTTPClient sets the client used for token exchange.
func WithHTTPClient(client *http.Client) ExchangerOption {
	return func(e *Exchanger) {
		e.httpClient = client
	}
}

// NewExchanger creates a new code exchanger
func NewExchanger(config *oauth2.Config, opts ...ExchangerOption) *Exchanger {
	e := &Exchanger{
		config:     config,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Configured reports whether the confidential client credentials are present.
func (e *Exchanger) Configured() bool {
	return e.config != nil && e.config.ClientID != "" && e.config.ClientSecret != ""
}

// Exchange swaps code for a token, then reads the user's profile. redirectURI
// must be the one used to obtain code; empty means the configured one.
func (e *Exchanger) Exchange(ctx context.Context, code, redirectURI string) (*Profile, error) {
	log := logger.From(ctx)

	if code == "" {
		return nil, &StageError{Stage: StageInput, Err: ErrMissingCode}
	}
	if !e.Configured() {
		log.Error("missing Google OAuth credentials",
			zap.Bool("client_id_set", e.config != nil && e.config.ClientID != ""),
			zap.Bool("client_secret_set", e.config != nil && e.config.ClientSecret != ""))
		return nil, &StageError{Stage: StageConfig, Err: ErrMissingCredentials}
	}

	cfg := *e.config
	if redirectURI != "" {
		cfg.RedirectURL = redirectURI
	}
	log.Debug("exchanging authorization code", zap.String("redirect_uri", cfg.RedirectURL))

	ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		log.Warn("token exchange rejected", zap.Error(err))
		return nil, &StageError{Stage: StageExchange, Err: fmt.Errorf("failed to exchange authorization code: %w", err)}
	}
	if token.AccessToken == "" {
		return nil, &StageError{Stage: StageExchange, Err: ErrNoAccessToken}
	}

	profile, err := e.fetchProfile(ctx, &cfg, token)
	if err != nil {
		log.Warn("user info fetch rejected", zap.Error(err))
		return nil, &StageError{Stage: StageUserInfo, Err: err}
	}

	return profile, nil
}

func (e *Exchanger) fetchProfile(ctx context.Context, cfg *oauth2.Config, token *oauth2.Token) (*Profile, error) {
	opts := append([]option.ClientOption{option.WithHTTPClient(cfg.Client(ctx, token))}, e.opts...)

	service, err := googleoauth2.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OAuth2 service: %w", err)
	}

	info, err := service.Userinfo.Get().Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get user information: %w", err)
	}

	profile := &Profile{Email: info.Email, Name: info.Name, Picture: info.Picture}
	if profile.Email != "" {
		return profile, nil
	}

	// Accounts that hide their email from userinfo still expose it through
	// the Gmail profile, which the readonly scope grants.
	email, err := gmailAddress(ctx, opts)
	if err != nil {
		return nil, err
	}
	profile.Email = email
	return profile, nil
}

func gmailAddress(ctx context.Context, opts []option.ClientOption) (string, error) {
	service, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to create Gmail service: %w", err)
	}

	p, err := service.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to get Gmail profile: %w", err)
	}
	if p.EmailAddress == "" {
		return "", fmt.Errorf("profile has no email address")
	}
	return p.EmailAddress, nil
}
