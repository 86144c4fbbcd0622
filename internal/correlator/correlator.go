// Package correlator finds the workflow execution row created for a connect
// cycle. The workflow writes rows asynchronously into a shared table with no
// key tying them to the browser, so the match is made by polling recent
// processing rows and comparing the email the workflow tags them with.
package correlator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/den/gmail-workflow-connect/internal/database"
	"github.com/den/gmail-workflow-connect/internal/logger"
	"go.uber.org/zap"
)

// ErrExecutionNotFound is returned when the retry budget and the fallback
// lookup are both exhausted.
var ErrExecutionNotFound = errors.New("execution not found")

// Store is the read side of the execution table.
type Store interface {
	ListExecutions(ctx context.Context, filter database.ExecutionFilter) ([]*database.ExecutionRecord, error)
	GetLatestExecution(ctx context.Context) (*database.ExecutionRecord, error)
}

// Outcome discriminates Result.
type Outcome int

const (
	NotFound Outcome = iota
	Found
	TimedOut
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case TimedOut:
		return "timed_out"
	default:
		return "not_found"
	}
}

// Options bound the polling loop.
type Options struct {
	SettleDelay time.Duration // before the first lookup
	Attempts    int
	Delay       time.Duration // between the first and second lookup
	MaxDelay    time.Duration // cap for the growing delay
	Multiplier  float64
	BatchSize   int
	// AllowUnverified lets the fallback accept a record that carries no
	// user_email. The match is then reported with Verified=false.
	AllowUnverified bool
}

// DefaultOptions keeps the worst case around 20 seconds.
func DefaultOptions() Options {
	return Options{
		SettleDelay: 2 * time.Second,
		Attempts:    8,
		Delay:       time.Second,
		MaxDelay:    3 * time.Second,
		Multiplier:  1.5,
		BatchSize:   5,
	}
}

// Request describes one connect cycle.
type Request struct {
	// PriorEmail is the identity this browser was last connected as.
	PriorEmail string
	// ResolvedEmail is the identity established for this cycle, if any.
	ResolvedEmail string
}

// Result is the correlation verdict.
type Result struct {
	Outcome     Outcome
	ExecutionID int64
	Email       string
	Verified    bool
	Attempts    int
}

// Correlator runs the bounded lookup.
type Correlator struct {
	store Store
	opts  Options
	wait  func(ctx context.Context, d time.Duration) error
}

// New creates a correlator over store
func New(store Store, opts Options) *Correlator {
	def := DefaultOptions()
	if opts.Attempts < 1 {
		opts.Attempts = def.Attempts
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = def.BatchSize
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = 1
	}
	if opts.MaxDelay < opts.Delay {
		opts.MaxDelay = opts.Delay
	}
	return &Correlator{store: store, opts: opts, wait: sleep}
}

// Correlate returns the execution created for req's cycle. It never runs
// longer than the settle delay plus the bounded backoff, and returns early
// with TimedOut when ctx ends.
func (c *Correlator) Correlate(ctx context.Context, req Request) (Result, error) {
	log := logger.From(ctx).With(
		zap.String("prior_email", req.PriorEmail),
		zap.String("resolved_email", req.ResolvedEmail),
	)

	if err := c.wait(ctx, c.opts.SettleDelay); err != nil {
		return Result{Outcome: TimedOut}, err
	}

	resolved := req.ResolvedEmail
	delay := c.opts.Delay

	for attempt := 1; attempt <= c.opts.Attempts; attempt++ {
		records, err := c.store.ListExecutions(ctx, database.ExecutionFilter{
			Status: database.StatusProcessing,
			Limit:  c.opts.BatchSize,
		})
		if err != nil {
			if ctx.Err() != nil {
				return Result{Outcome: TimedOut, Attempts: attempt}, ctx.Err()
			}
			// A failed poll counts against the budget like an empty one.
			log.Warn("execution lookup failed", zap.Int("attempt", attempt), zap.Error(err))
		}

		if rec, ok := pick(records, resolved, req.PriorEmail, log); ok {
			log.Info("✓ execution correlated",
				logger.ExecutionID(rec.ID), logger.UserEmail(rec.Email()), zap.Int("attempt", attempt))
			return Result{
				Outcome:     Found,
				ExecutionID: rec.ID,
				Email:       rec.Email(),
				Verified:    true,
				Attempts:    attempt,
			}, nil
		}

		if attempt == c.opts.Attempts {
			break
		}
		log.Debug("no matching execution yet", zap.Int("attempt", attempt), zap.Duration("retry_in", delay))
		if err := c.wait(ctx, delay); err != nil {
			return Result{Outcome: TimedOut, Attempts: attempt}, err
		}
		delay = c.next(delay)
	}

	return c.fallback(ctx, req, resolved, log)
}

// pick applies the matching rules to one batch, newest first.
func pick(records []*database.ExecutionRecord, resolved, prior string, log *zap.Logger) (*database.ExecutionRecord, bool) {
	if resolved != "" {
		for _, rec := range records {
			if rec.Email() == resolved {
				return rec, true
			}
		}
		return nil, false
	}

	for _, rec := range records {
		email := rec.Email()
		if email == "" {
			continue
		}
		if prior != "" && email != prior {
			// Probably another user's run that landed first; keep waiting
			// rather than show it here.
			log.Info("skipping execution tagged for another user",
				logger.ExecutionID(rec.ID), logger.UserEmail(email))
			return nil, false
		}
		return rec, true
	}
	return nil, false
}

// fallback makes one unfiltered lookup for the newest execution of any status.
func (c *Correlator) fallback(ctx context.Context, req Request, resolved string, log *zap.Logger) (Result, error) {
	attempts := c.opts.Attempts

	rec, err := c.store.GetLatestExecution(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Result{Outcome: TimedOut, Attempts: attempts}, ctx.Err()
		}
		if !errors.Is(err, database.ErrNotFound) {
			log.Warn("fallback execution lookup failed", zap.Error(err))
		}
		return Result{Outcome: NotFound, Attempts: attempts}, ErrExecutionNotFound
	}

	email := rec.Email()
	switch {
	case email == "":
		if !c.opts.AllowUnverified {
			log.Warn("latest execution has no user email, refusing unverified match", logger.ExecutionID(rec.ID))
			return Result{Outcome: NotFound, Attempts: attempts}, ErrExecutionNotFound
		}
		log.Warn("accepting latest execution without user email (unverified)", logger.ExecutionID(rec.ID))
		return Result{Outcome: Found, ExecutionID: rec.ID, Attempts: attempts}, nil
	case resolved != "" && email != resolved,
		resolved == "" && req.PriorEmail != "" && email != req.PriorEmail:
		log.Info("latest execution belongs to another user", logger.ExecutionID(rec.ID), logger.UserEmail(email))
		return Result{Outcome: NotFound, Attempts: attempts}, ErrExecutionNotFound
	}

	log.Info("✓ execution correlated by fallback", logger.ExecutionID(rec.ID), logger.UserEmail(email))
	return Result{Outcome: Found, ExecutionID: rec.ID, Email: email, Verified: true, Attempts: attempts}, nil
}

func (c *Correlator) next(d time.Duration) time.Duration {
	n := time.Duration(float64(d) * c.opts.Multiplier)
	if n > c.opts.MaxDelay {
		return c.opts.MaxDelay
	}
	return n
}

// Budget is the longest Correlate can wait between lookups.
func (c *Correlator) Budget() time.Duration {
	total := c.opts.SettleDelay
	d := c.opts.Delay
	for i := 1; i < c.opts.Attempts; i++ {
		total += d
		d = c.next(d)
	}
	return total
}

func (r Result) String() string {
	return fmt.Sprintf("%s(id=%d, email=%q, verified=%t, attempts=%d)", r.Outcome, r.ExecutionID, r.Email, r.Verified, r.Attempts)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
