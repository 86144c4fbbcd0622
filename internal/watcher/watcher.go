// Package watcher follows one execution row until it completes: an immediate
// point read, then push updates from the execution feed.
package watcher

import (
	"context"
	"errors"
	"sync"

	"github.com/den/gmail-workflow-connect/internal/database"
	"github.com/den/gmail-workflow-connect/internal/logger"
	"go.uber.org/zap"
)

// ErrSubscriptionClosed is reported when the feed ends a subscription without an error.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Reader performs the point read.
type Reader interface {
	GetExecution(ctx context.Context, id int64) (*database.ExecutionRecord, error)
}

// Subscription is a live stream of updates for one execution.
type Subscription interface {
	Updates() <-chan database.ExecutionUpdate
	Err() <-chan error
	Close() error
}

// Subscriber opens subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, id int64) (Subscription, error)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, id int64) (Subscription, error)

func (f SubscriberFunc) Subscribe(ctx context.Context, id int64) (Subscription, error) {
	return f(ctx, id)
}

// FromFeed adapts a database feed.
func FromFeed(feed *database.Feed) Subscriber {
	return SubscriberFunc(func(ctx context.Context, id int64) (Subscription, error) {
		sub, err := feed.Subscribe(ctx, id)
		if err != nil {
			return nil, err
		}
		return sub, nil
	})
}

// Handler receives the watch's events. All calls come from the watch
// goroutine and none arrive after Stop returns.
type Handler interface {
	// StatusChanged reports an accepted status, including the initial read.
	StatusChanged(id int64, status database.Status)
	// Completed fires at most once per watch.
	Completed(id int64)
	// Foreign reports that the row belongs to someone else; the watch ends
	// and the caller should forget the execution.
	Foreign(id int64, email string)
	// Failed reports a subscription error; the watch ends without retrying.
	Failed(id int64, err error)
}

// Config describes a watch.
type Config struct {
	Reader      Reader
	Subscriber  Subscriber
	ExecutionID int64
	// KnownEmail is the session's identity. Records tagged with a different
	// email are foreign. Empty disables the check.
	KnownEmail string
	Handler    Handler
}

// Watch is a running status watch.
type Watch struct {
	id     int64
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start launches the watch. It runs until the execution completes, is found
// to be foreign, the subscription fails, ctx ends, or Stop is called.
func Start(ctx context.Context, cfg Config) *Watch {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watch{
		id:     cfg.ExecutionID,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		defer cancel()
		run(ctx, cfg)
	}()
	return w
}

// ExecutionID is the watched execution.
func (w *Watch) ExecutionID() int64 { return w.id }

// Done is closed once the watch has finished and released its subscription.
func (w *Watch) Done() <-chan struct{} { return w.done }

// Stop cancels the watch and waits for it to release its subscription.
func (w *Watch) Stop() {
	w.once.Do(w.cancel)
	<-w.done
}

type state struct {
	cfg       Config
	log       *zap.Logger
	status    database.Status
	completed bool
}

func run(ctx context.Context, cfg Config) {
	s := &state{
		cfg: cfg,
		log: logger.From(ctx).With(logger.ExecutionID(cfg.ExecutionID)),
	}

	// Subscribe before the point read so an update landing between the two
	// is not lost.
	sub, err := cfg.Subscriber.Subscribe(ctx, cfg.ExecutionID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.log.Error("subscription error", zap.Error(err))
		cfg.Handler.Failed(cfg.ExecutionID, err)
		return
	}
	s.log.Info("✓ subscribed to execution updates")
	defer func() {
		sub.Close()
		s.log.Info("execution subscription closed")
	}()

	if !s.initialRead(ctx) {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				err = ErrSubscriptionClosed
			}
			s.log.Error("subscription error", zap.Error(err))
			cfg.Handler.Failed(cfg.ExecutionID, err)
			return
		case update, ok := <-sub.Updates():
			if ctx.Err() != nil {
				return
			}
			if !ok {
				// The feed closes Updates and reports the reason on Err.
				select {
				case err := <-sub.Err():
					if err != nil {
						s.log.Error("subscription error", zap.Error(err))
						cfg.Handler.Failed(cfg.ExecutionID, err)
						return
					}
				default:
				}
				s.log.Warn("subscription closed by feed")
				cfg.Handler.Failed(cfg.ExecutionID, ErrSubscriptionClosed)
				return
			}
			if !s.apply(update.ID, update.Status, update.Email()) {
				return
			}
		}
	}
}

// initialRead reports whether the watch should continue.
func (s *state) initialRead(ctx context.Context) bool {
	rec, err := s.cfg.Reader.GetExecution(ctx, s.cfg.ExecutionID)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		// Keep whatever status the caller already shows and rely on pushes.
		s.log.Warn("initial status read failed", zap.Error(err))
		return true
	}
	return s.apply(rec.ID, rec.Status, rec.Email())
}

// apply accepts or rejects one observation and reports whether to continue.
func (s *state) apply(id int64, status database.Status, email string) bool {
	if id != s.cfg.ExecutionID {
		return true
	}
	if email != "" && s.cfg.KnownEmail != "" && email != s.cfg.KnownEmail {
		s.log.Info("execution belongs to another user, resetting watch", logger.UserEmail(email))
		s.cfg.Handler.Foreign(id, email)
		return false
	}
	if status == "" {
		return true
	}

	if status != s.status {
		s.status = status
		s.log.Info("execution status", logger.Status(string(status)))
		s.cfg.Handler.StatusChanged(id, status)
	}

	if status.Terminal() {
		if !s.completed {
			s.completed = true
			s.cfg.Handler.Completed(id)
		}
		return false
	}
	return true
}
