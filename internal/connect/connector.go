// Package connect runs a connect cycle: optional fast-path code exchange,
// workflow trigger, correlation of the resulting execution, and hand-off to
// the status tracker.
package connect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/den/gmail-workflow-connect/internal/correlator"
	"github.com/den/gmail-workflow-connect/internal/database"
	"github.com/den/gmail-workflow-connect/internal/logger"
	"github.com/den/gmail-workflow-connect/internal/oauth"
	"github.com/den/gmail-workflow-connect/internal/session"
	"github.com/den/gmail-workflow-connect/internal/workflow"
	"go.uber.org/zap"
)

// ErrNoCode is returned when the identity provider handed back no code.
var ErrNoCode = errors.New("no authorization code returned")

const exchangeTimeout = 10 * time.Second

type Exchanger interface {
	Configured() bool
	Exchange(ctx context.Context, code, redirectURI string) (*oauth.Profile, error)
}

type Trigger interface {
	Start(ctx context.Context, req workflow.Request) (*workflow.Response, error)
}

type Correlator interface {
	Correlate(ctx context.Context, req correlator.Request) (correlator.Result, error)
}

type Tracker interface {
	Track(browserID string, executionID int64, email string)
	TrackIf(browserID string, executionID int64, email string, current func() bool) bool
	Untrack(browserID string)
	Tracking(browserID string) (int64, bool)
}

// Finder looks up executions for resume.
type Finder interface {
	ListExecutions(ctx context.Context, filter database.ExecutionFilter) ([]*database.ExecutionRecord, error)
}

// Result describes a connected browser.
type Result struct {
	ExecutionID int64           `json:"execution_id"`
	UserEmail   string          `json:"user_email,omitempty"`
	Status      database.Status `json:"status"`
	Verified    bool            `json:"verified"`
	Profile     *oauth.Profile  `json:"profile,omitempty"`
}

// Connector wires the cycle together.
type Connector struct {
	exchanger  Exchanger
	trigger    Trigger
	correlator Correlator
	sessions   *session.Store
	tracker    Tracker
	finder     Finder
}

// New creates a connector. exchanger may be nil to disable the fast path.
func New(exchanger Exchanger, trigger Trigger, corr Correlator, sessions *session.Store, tracker Tracker, finder Finder) *Connector {
	return &Connector{
		exchanger:  exchanger,
		trigger:    trigger,
		correlator: corr,
		sessions:   sessions,
		tracker:    tracker,
		finder:     finder,
	}
}

// Connect runs one cycle for browserID. A cycle started later for the same
// browser, or an account switch, supersedes this one: its result is then
// discarded with session.ErrSuperseded instead of being applied.
func (c *Connector) Connect(ctx context.Context, browserID, code, redirectURI string) (*Result, error) {
	if code == "" {
		return nil, ErrNoCode
	}

	cycle, prior := c.sessions.BeginCycle(browserID)
	log := logger.From(ctx).With(logger.BrowserID(browserID), logger.Cycle(cycle))
	ctx = logger.ToContext(ctx, log)

	// Drop the old watch before anything of the new cycle can land.
	c.tracker.Untrack(browserID)
	log.Info("connect cycle started", zap.String("prior_email", prior.UserEmail))

	profile := c.fastPath(ctx, code, redirectURI)

	req := workflow.Request{Code: code}
	if profile != nil {
		req.Email = profile.Email
	}
	res, err := c.trigger.Start(ctx, req)
	if err != nil {
		return nil, err
	}

	resolved := req.Email
	if resolved == "" {
		resolved = res.Email
	}

	match, err := c.correlator.Correlate(ctx, correlator.Request{
		PriorEmail:    prior.UserEmail,
		ResolvedEmail: resolved,
	})
	if err != nil {
		log.Warn("correlation failed", zap.Stringer("result", match), zap.Error(err))
		return nil, err
	}

	sess, err := c.sessions.ApplyCorrelation(browserID, cycle, match.Email, match.ExecutionID, match.Verified)
	if err != nil {
		log.Info("discarding result of superseded cycle", logger.ExecutionID(match.ExecutionID))
		return nil, err
	}

	// A newer cycle may have begun since the result was applied.
	if !c.tracker.TrackIf(browserID, sess.ExecutionID, sess.UserEmail, func() bool {
		return c.sessions.Current(browserID, cycle)
	}) {
		log.Info("cycle superseded before watch start", logger.ExecutionID(sess.ExecutionID))
		return nil, session.ErrSuperseded
	}
	log.Info("✓ connected", logger.ExecutionID(sess.ExecutionID), logger.UserEmail(sess.UserEmail),
		zap.Bool("verified", sess.Verified))

	return &Result{
		ExecutionID: sess.ExecutionID,
		UserEmail:   sess.UserEmail,
		Status:      sess.Status,
		Verified:    sess.Verified,
		Profile:     profile,
	}, nil
}

// fastPath resolves the user's email directly. Failure only costs the hint.
func (c *Connector) fastPath(ctx context.Context, code, redirectURI string) *oauth.Profile {
	if c.exchanger == nil || !c.exchanger.Configured() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	profile, err := c.exchanger.Exchange(ctx, code, redirectURI)
	if err != nil {
		logger.From(ctx).Warn("fast-path code exchange failed, relying on workflow data", zap.Error(err))
		return nil
	}
	return profile
}

// Resume brings a reloaded browser back to its watch: it re-attaches a watch
// that is no longer running, or finds the newest execution for the known
// email when nothing is attached.
func (c *Connector) Resume(ctx context.Context, browserID, persistedEmail string) (session.Session, error) {
	sess := c.sessions.Restore(browserID, persistedEmail)
	log := logger.From(ctx).With(logger.BrowserID(browserID))

	if sess.Watching() {
		if _, ok := c.tracker.Tracking(browserID); !ok && !sess.Status.Terminal() {
			log.Info("resuming watch", logger.ExecutionID(sess.ExecutionID))
			c.tracker.Track(browserID, sess.ExecutionID, sess.UserEmail)
		}
		return sess, nil
	}

	if sess.UserEmail == "" || c.finder == nil {
		return sess, nil
	}

	records, err := c.finder.ListExecutions(ctx, database.ExecutionFilter{
		Statuses:  []database.Status{database.StatusProcessing, database.StatusCompleted},
		UserEmail: sess.UserEmail,
		Limit:     1,
	})
	if err != nil {
		return sess, fmt.Errorf("failed to look up ongoing execution: %w", err)
	}
	if len(records) == 0 {
		return sess, nil
	}

	rec := records[0]
	attached, ok := c.sessions.Attach(browserID, rec.ID, rec.Status)
	if !ok {
		return attached, nil
	}
	log.Info("found ongoing execution", logger.ExecutionID(rec.ID), logger.Status(string(rec.Status)))
	c.tracker.Track(browserID, rec.ID, attached.UserEmail)
	return attached, nil
}

// Disconnect is "switch account": stop watching and forget the identity.
func (c *Connector) Disconnect(browserID string) {
	c.tracker.Untrack(browserID)
	c.sessions.Clear(browserID)
}
