package watcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/den/gmail-workflow-connect/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	rec *database.ExecutionRecord
	err error
}

func (r *fakeReader) GetExecution(ctx context.Context, id int64) (*database.ExecutionRecord, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.rec, nil
}

type fakeSubscription struct {
	updates chan database.ExecutionUpdate
	errs    chan error
	closed  atomic.Bool
}

func (s *fakeSubscription) Updates() <-chan database.ExecutionUpdate { return s.updates }
func (s *fakeSubscription) Err() <-chan error                        { return s.errs }
func (s *fakeSubscription) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeSubscriber struct {
	sub   *fakeSubscription
	err   error
	calls atomic.Int32
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{sub: &fakeSubscription{
		updates: make(chan database.ExecutionUpdate, 8),
		errs:    make(chan error, 1),
	}}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, id int64) (Subscription, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.sub, nil
}

type recorder struct {
	mu        sync.Mutex
	statuses  []database.Status
	completed int
	foreign   []string
	failures  []error
}

func (r *recorder) handler() Handler {
	return Funcs{
		OnStatus: func(id int64, status database.Status) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, status)
		},
		OnCompleted: func(id int64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.completed++
		},
		OnForeign: func(id int64, email string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.foreign = append(r.foreign, email)
		},
		OnFailed: func(id int64, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failures = append(r.failures, err)
		},
	}
}

func (r *recorder) snapshot() ([]database.Status, int, []string, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]database.Status(nil), r.statuses...), r.completed,
		append([]string(nil), r.foreign...), append([]error(nil), r.failures...)
}

func (r *recorder) statusCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.statuses)
}

func record(id int64, status database.Status, email string) *database.ExecutionRecord {
	r := &database.ExecutionRecord{ID: id, Status: status}
	if email != "" {
		r.UserEmail = &email
	}
	return r
}

func ptr(s string) *string { return &s }

func waitDone(t *testing.T, w *Watch) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not finish")
	}
}

func TestWatch_AlreadyCompletedOnInitialRead(t *testing.T) {
	subs := newFakeSubscriber()
	rec := &recorder{}

	w := Start(context.Background(), Config{
		Reader:      &fakeReader{rec: record(1, database.StatusCompleted, "a@x.com")},
		Subscriber:  subs,
		ExecutionID: 1,
		KnownEmail:  "a@x.com",
		Handler:     rec.handler(),
	})
	waitDone(t, w)

	statuses, completed, foreign, failures := rec.snapshot()
	assert.Equal(t, []database.Status{database.StatusCompleted}, statuses)
	assert.Equal(t, 1, completed)
	assert.Empty(t, foreign)
	assert.Empty(t, failures)
	assert.True(t, subs.sub.closed.Load(), "subscription released after terminal state")
}

func TestWatch_PushCompletionWithoutEmailFiresOnce(t *testing.T) {
	subs := newFakeSubscriber()
	rec := &recorder{}

	w := Start(context.Background(), Config{
		Reader:      &fakeReader{rec: record(2, database.StatusProcessing, "")},
		Subscriber:  subs,
		ExecutionID: 2,
		KnownEmail:  "a@x.com",
		Handler:     rec.handler(),
	})

	require.Eventually(t, func() bool { return rec.statusCount() == 1 }, time.Second, 5*time.Millisecond)

	subs.sub.updates <- database.ExecutionUpdate{ID: 2, Status: database.StatusCompleted}
	subs.sub.updates <- database.ExecutionUpdate{ID: 2, Status: database.StatusCompleted}
	waitDone(t, w)

	statuses, completed, _, _ := rec.snapshot()
	assert.Equal(t, []database.Status{database.StatusProcessing, database.StatusCompleted}, statuses)
	assert.Equal(t, 1, completed)
}

func TestWatch_DiscardsForeignUpdate(t *testing.T) {
	subs := newFakeSubscriber()
	rec := &recorder{}

	w := Start(context.Background(), Config{
		Reader:      &fakeReader{rec: record(3, database.StatusProcessing, "a@x.com")},
		Subscriber:  subs,
		ExecutionID: 3,
		KnownEmail:  "a@x.com",
		Handler:     rec.handler(),
	})

	require.Eventually(t, func() bool { return rec.statusCount() == 1 }, time.Second, 5*time.Millisecond)
	subs.sub.updates <- database.ExecutionUpdate{ID: 3, Status: database.StatusCompleted, UserEmail: ptr("b@x.com")}
	waitDone(t, w)

	statuses, completed, foreign, _ := rec.snapshot()
	assert.Equal(t, []database.Status{database.StatusProcessing}, statuses, "foreign status never applied")
	assert.Zero(t, completed)
	assert.Equal(t, []string{"b@x.com"}, foreign)
}

func TestWatch_ForeignOnInitialRead(t *testing.T) {
	subs := newFakeSubscriber()
	rec := &recorder{}

	w := Start(context.Background(), Config{
		Reader:      &fakeReader{rec: record(4, database.StatusProcessing, "b@x.com")},
		Subscriber:  subs,
		ExecutionID: 4,
		KnownEmail:  "a@x.com",
		Handler:     rec.handler(),
	})
	waitDone(t, w)

	statuses, _, foreign, _ := rec.snapshot()
	assert.Empty(t, statuses)
	assert.Equal(t, []string{"b@x.com"}, foreign)
	assert.True(t, subs.sub.closed.Load())
}

func TestWatch_UnknownSessionEmailAcceptsTaggedRecord(t *testing.T) {
	subs := newFakeSubscriber()
	rec := &recorder{}

	w := Start(context.Background(), Config{
		Reader:      &fakeReader{rec: record(5, database.StatusCompleted, "b@x.com")},
		Subscriber:  subs,
		ExecutionID: 5,
		Handler:     rec.handler(),
	})
	waitDone(t, w)

	_, completed, foreign, _ := rec.snapshot()
	assert.Equal(t, 1, completed)
	assert.Empty(t, foreign)
}

func TestWatch_ReadErrorKeepsWatching(t *testing.T) {
	subs := newFakeSubscriber()
	rec := &recorder{}

	w := Start(context.Background(), Config{
		Reader:      &fakeReader{err: errors.New("timeout")},
		Subscriber:  subs,
		ExecutionID: 6,
		Handler:     rec.handler(),
	})

	subs.sub.updates <- database.ExecutionUpdate{ID: 6, Status: database.StatusCompleted}
	waitDone(t, w)

	_, completed, _, failures := rec.snapshot()
	assert.Equal(t, 1, completed)
	assert.Empty(t, failures)
}

func TestWatch_SubscriptionErrorIsReportedNotRetried(t *testing.T) {
	subs := newFakeSubscriber()
	rec := &recorder{}

	w := Start(context.Background(), Config{
		Reader:      &fakeReader{rec: record(7, database.StatusProcessing, "")},
		Subscriber:  subs,
		ExecutionID: 7,
		Handler:     rec.handler(),
	})

	require.Eventually(t, func() bool { return rec.statusCount() == 1 }, time.Second, 5*time.Millisecond)
	subs.sub.errs <- database.ErrFeedClosed
	waitDone(t, w)

	statuses, _, _, failures := rec.snapshot()
	assert.Equal(t, []database.Status{database.StatusProcessing}, statuses, "cached status left untouched")
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], database.ErrFeedClosed)
	assert.Equal(t, int32(1), subs.calls.Load())
}

func TestWatch_SubscribeFailure(t *testing.T) {
	subs := newFakeSubscriber()
	subs.err = errors.New("listener down")
	rec := &recorder{}

	w := Start(context.Background(), Config{
		Reader:      &fakeReader{rec: record(8, database.StatusProcessing, "")},
		Subscriber:  subs,
		ExecutionID: 8,
		Handler:     rec.handler(),
	})
	waitDone(t, w)

	_, _, _, failures := rec.snapshot()
	require.Len(t, failures, 1)
}

func TestWatch_StopReleasesAndSilences(t *testing.T) {
	subs := newFakeSubscriber()
	rec := &recorder{}

	w := Start(context.Background(), Config{
		Reader:      &fakeReader{rec: record(9, database.StatusProcessing, "")},
		Subscriber:  subs,
		ExecutionID: 9,
		Handler:     rec.handler(),
	})
	require.Eventually(t, func() bool { return rec.statusCount() == 1 }, time.Second, 5*time.Millisecond)

	w.Stop()
	w.Stop()
	assert.True(t, subs.sub.closed.Load())

	subs.sub.updates <- database.ExecutionUpdate{ID: 9, Status: database.StatusCompleted}
	time.Sleep(20 * time.Millisecond)

	statuses, completed, _, _ := rec.snapshot()
	assert.Equal(t, []database.Status{database.StatusProcessing}, statuses)
	assert.Zero(t, completed)
}

func TestWatch_IgnoresUpdatesForOtherExecutions(t *testing.T) {
	subs := newFakeSubscriber()
	rec := &recorder{}

	w := Start(context.Background(), Config{
		Reader:      &fakeReader{rec: record(10, database.StatusProcessing, "")},
		Subscriber:  subs,
		ExecutionID: 10,
		Handler:     rec.handler(),
	})
	defer w.Stop()

	require.Eventually(t, func() bool { return rec.statusCount() == 1 }, time.Second, 5*time.Millisecond)
	subs.sub.updates <- database.ExecutionUpdate{ID: 11, Status: database.StatusCompleted}
	subs.sub.updates <- database.ExecutionUpdate{ID: 10, Status: database.StatusCompleted}
	waitDone(t, w)

	_, completed, _, _ := rec.snapshot()
	assert.Equal(t, 1, completed)
}
