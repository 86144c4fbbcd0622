package connect

import (
	"context"
	"errors"
	"net/http"

	"github.com/den/gmail-workflow-connect/internal/correlator"
	"github.com/den/gmail-workflow-connect/internal/oauth"
	"github.com/den/gmail-workflow-connect/internal/session"
	"github.com/den/gmail-workflow-connect/internal/workflow"
)

// Kind classifies a connect failure for the user interface.
type Kind string

const (
	KindFlow          Kind = "flow"
	KindConfiguration Kind = "configuration"
	KindUpstream      Kind = "upstream"
	KindCorrelation   Kind = "correlation_timeout"
	KindSuperseded    Kind = "superseded"
	KindInternal      Kind = "internal"
)

// Classify maps err to its Kind and an HTTP status.
func Classify(err error) (Kind, int) {
	var (
		stageErr    *oauth.StageError
		upstreamErr *workflow.UpstreamError
	)
	switch {
	case errors.Is(err, ErrNoCode):
		return KindFlow, http.StatusBadRequest
	case errors.As(err, &stageErr):
		if stageErr.Stage == oauth.StageConfig {
			return KindConfiguration, stageErr.HTTPStatus()
		}
		if stageErr.Stage == oauth.StageInput {
			return KindFlow, stageErr.HTTPStatus()
		}
		return KindUpstream, stageErr.HTTPStatus()
	case errors.As(err, &upstreamErr):
		return KindUpstream, http.StatusBadGateway
	case errors.Is(err, correlator.ErrExecutionNotFound),
		errors.Is(err, context.DeadlineExceeded):
		return KindCorrelation, http.StatusGatewayTimeout
	case errors.Is(err, session.ErrSuperseded):
		return KindSuperseded, http.StatusConflict
	default:
		return KindInternal, http.StatusInternalServerError
	}
}
