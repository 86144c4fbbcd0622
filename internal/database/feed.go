package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/den/gmail-workflow-connect/internal/logger"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// ErrFeedClosed is delivered to subscriptions still open when the feed stops.
var ErrFeedClosed = errors.New("execution feed closed")

// NotifyChannel is the channel migration 002's UPDATE trigger publishes on.
// It is fixed: the trigger body cannot follow runtime configuration.
const NotifyChannel = "workflow_executions_update"

const (
	subscriptionBuffer = 16
	listenerPing       = 90 * time.Second
)

// Feed fans out workflow_executions UPDATE notifications (LISTEN/NOTIFY) to
// per-execution subscriptions. One Postgres connection serves every watcher.
type Feed struct {
	listener *pq.Listener
	notify   <-chan *pq.Notification
	channel  string

	mu     sync.Mutex
	subs   map[int64]map[*Subscription]struct{}
	closed bool
}

// NewFeed opens a dedicated listener connection and LISTENs on NotifyChannel.
func NewFeed(dataSourceName string) (*Feed, error) {
	channel := NotifyChannel
	log := logger.L().With(zap.String("channel", channel))

	listener := pq.NewListener(dataSourceName, 2*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			log.Info("✓ execution feed connected")
		case pq.ListenerEventDisconnected:
			log.Warn("execution feed disconnected", zap.Error(err))
		case pq.ListenerEventReconnected:
			log.Info("execution feed reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			log.Warn("execution feed connection attempt failed", zap.Error(err))
		}
	})

	if err := listener.Listen(channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", channel, err)
	}

	f := newFeed(listener.Notify, channel)
	f.listener = listener
	return f, nil
}

func newFeed(notify <-chan *pq.Notification, channel string) *Feed {
	return &Feed{
		notify:  notify,
		channel: channel,
		subs:    make(map[int64]map[*Subscription]struct{}),
	}
}

// Run dispatches notifications until ctx is cancelled or the listener closes.
func (f *Feed) Run(ctx context.Context) error {
	log := logger.From(ctx).With(zap.String("channel", f.channel))

	ping := time.NewTicker(listenerPing)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			f.Close()
			return ctx.Err()
		case n, ok := <-f.notify:
			if !ok {
				f.Close()
				return ErrFeedClosed
			}
			if n == nil {
				// pq sends nil after a reconnect; updates in the gap are lost.
				log.Warn("execution feed re-established, updates may have been missed")
				continue
			}
			update, err := decodeNotification(n.Extra)
			if err != nil {
				log.Warn("dropping malformed notification", zap.Error(err))
				continue
			}
			f.dispatch(update)
		case <-ping.C:
			if f.listener != nil {
				go func() {
					if err := f.listener.Ping(); err != nil {
						log.Warn("execution feed ping failed", zap.Error(err))
					}
				}()
			}
		}
	}
}

// Subscribe registers interest in updates for one execution.
func (f *Feed) Subscribe(ctx context.Context, id int64) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrFeedClosed
	}

	sub := &Subscription{
		id:      id,
		feed:    f,
		updates: make(chan ExecutionUpdate, subscriptionBuffer),
		errs:    make(chan error, 1),
	}
	if f.subs[id] == nil {
		f.subs[id] = make(map[*Subscription]struct{})
	}
	f.subs[id][sub] = struct{}{}
	return sub, nil
}

// Close stops delivery and fails every open subscription with ErrFeedClosed.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	for _, set := range f.subs {
		for sub := range set {
			sub.errs <- ErrFeedClosed
			close(sub.updates)
		}
	}
	f.subs = nil
	f.mu.Unlock()

	if f.listener != nil {
		return f.listener.Close()
	}
	return nil
}

func (f *Feed) dispatch(update ExecutionUpdate) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.subs[update.ID] {
		select {
		case sub.updates <- update:
		default:
			logger.L().Warn("subscription buffer full, dropping update",
				logger.ExecutionID(update.ID), logger.Status(string(update.Status)))
		}
	}
}

func (f *Feed) remove(sub *Subscription) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.subs[sub.id]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(f.subs, sub.id)
	}
	close(sub.updates)
	return true
}

func (f *Feed) subscriberCount(id int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs[id])
}

// Subscription receives updates for a single execution until closed.
type Subscription struct {
	id      int64
	feed    *Feed
	updates chan ExecutionUpdate
	errs    chan error
	once    sync.Once
}

// Updates is closed when the subscription or the feed is closed.
func (s *Subscription) Updates() <-chan ExecutionUpdate { return s.updates }

// Err delivers at most one terminal error.
func (s *Subscription) Err() <-chan error { return s.errs }

// Close releases the subscription. It is safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		s.feed.remove(s)
	})
	return nil
}

func decodeNotification(payload string) (ExecutionUpdate, error) {
	var update ExecutionUpdate
	if err := json.Unmarshal([]byte(payload), &update); err != nil {
		return ExecutionUpdate{}, fmt.Errorf("failed to decode notification: %w", err)
	}
	if update.ID == 0 {
		return ExecutionUpdate{}, fmt.Errorf("notification without execution id")
	}
	if update.UserEmail != nil && *update.UserEmail == "" {
		update.UserEmail = nil
	}
	return update, nil
}
