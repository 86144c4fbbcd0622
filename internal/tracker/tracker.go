// Package tracker runs at most one status watch per browser and fans its
// events out to that browser's listeners.
package tracker

import (
	"context"
	"sync"

	"github.com/den/gmail-workflow-connect/internal/database"
	"github.com/den/gmail-workflow-connect/internal/logger"
	"github.com/den/gmail-workflow-connect/internal/session"
	"github.com/den/gmail-workflow-connect/internal/watcher"
	"go.uber.org/zap"
)

const listenerBuffer = 16

// EventType names what happened to the watched execution.
type EventType string

const (
	EventStatus    EventType = "status"
	EventCompleted EventType = "completed"
	EventReset     EventType = "reset"
	EventError     EventType = "error"
)

// Event is delivered to listeners.
type Event struct {
	Type        EventType       `json:"type"`
	ExecutionID int64           `json:"execution_id"`
	Status      database.Status `json:"status,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// Tracker owns the per-browser watches.
type Tracker struct {
	ctx        context.Context
	reader     watcher.Reader
	subscriber watcher.Subscriber
	sessions   *session.Store

	mu        sync.Mutex
	watches   map[string]*watcher.Watch
	listeners map[string]map[chan Event]struct{}
}

// New creates a tracker. Watches live no longer than ctx.
func New(ctx context.Context, reader watcher.Reader, subscriber watcher.Subscriber, sessions *session.Store) *Tracker {
	return &Tracker{
		ctx:        ctx,
		reader:     reader,
		subscriber: subscriber,
		sessions:   sessions,
		watches:    make(map[string]*watcher.Watch),
		listeners:  make(map[string]map[chan Event]struct{}),
	}
}

// Track replaces the browser's watch with one on executionID. The previous
// watch has released its subscription before Track returns.
func (t *Tracker) Track(browserID string, executionID int64, email string) {
	t.TrackIf(browserID, executionID, email, nil)
}

// TrackIf is Track guarded by current, which is evaluated under the tracker
// lock: an Untrack issued after a passing check always finds the installed
// watch. Nothing is started when current reports false.
func (t *Tracker) TrackIf(browserID string, executionID int64, email string, current func() bool) bool {
	ctx := logger.ToContext(t.ctx, logger.From(t.ctx).With(logger.BrowserID(browserID)))

	t.mu.Lock()
	if current != nil && !current() {
		t.mu.Unlock()
		return false
	}
	// Callbacks block on t.mu until the watch is registered.
	w := watcher.Start(ctx, watcher.Config{
		Reader:      t.reader,
		Subscriber:  t.subscriber,
		ExecutionID: executionID,
		KnownEmail:  email,
		Handler:     t.handler(browserID),
	})
	prev := t.watches[browserID]
	t.watches[browserID] = w
	t.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}

	go func() {
		<-w.Done()
		t.mu.Lock()
		if t.watches[browserID] == w {
			delete(t.watches, browserID)
		}
		t.mu.Unlock()
	}()
	return true
}

// Untrack stops the browser's watch, if any.
func (t *Tracker) Untrack(browserID string) {
	t.mu.Lock()
	w := t.watches[browserID]
	delete(t.watches, browserID)
	t.mu.Unlock()

	if w != nil {
		w.Stop()
	}
}

// Tracking returns the execution currently watched for browserID.
func (t *Tracker) Tracking(browserID string) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.watches[browserID]
	if !ok {
		return 0, false
	}
	return w.ExecutionID(), true
}

// Listen subscribes to the browser's events until cancel is called.
func (t *Tracker) Listen(browserID string) (<-chan Event, func()) {
	ch := make(chan Event, listenerBuffer)

	t.mu.Lock()
	if t.listeners[browserID] == nil {
		t.listeners[browserID] = make(map[chan Event]struct{})
	}
	t.listeners[browserID][ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.listeners[browserID], ch)
			if len(t.listeners[browserID]) == 0 {
				delete(t.listeners, browserID)
			}
			t.mu.Unlock()
		})
	}
}

// Publish sends ev to every listener of browserID. Slow listeners miss events
// rather than block the watch.
func (t *Tracker) Publish(browserID string, ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for ch := range t.listeners[browserID] {
		select {
		case ch <- ev:
		default:
			logger.L().Warn("listener too slow, dropping event",
				logger.BrowserID(browserID), zap.String("event", string(ev.Type)))
		}
	}
}

// Shutdown stops every watch.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	watches := make([]*watcher.Watch, 0, len(t.watches))
	for id, w := range t.watches {
		watches = append(watches, w)
		delete(t.watches, id)
	}
	t.mu.Unlock()

	for _, w := range watches {
		w.Stop()
	}
}

func (t *Tracker) handler(browserID string) watcher.Handler {
	return watcher.Funcs{
		OnStatus: func(id int64, status database.Status) {
			if t.sessions.SetStatus(browserID, id, status) {
				t.Publish(browserID, Event{Type: EventStatus, ExecutionID: id, Status: status})
			}
		},
		OnCompleted: func(id int64) {
			if t.sessions.MarkNotified(browserID, id) {
				t.Publish(browserID, Event{Type: EventCompleted, ExecutionID: id, Status: database.StatusCompleted})
			}
		},
		OnForeign: func(id int64, email string) {
			if t.sessions.ResetWatch(browserID, id) {
				t.Publish(browserID, Event{Type: EventReset, ExecutionID: id})
			}
		},
		OnFailed: func(id int64, err error) {
			t.Publish(browserID, Event{Type: EventError, ExecutionID: id, Message: err.Error()})
		},
	}
}
