package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/den/gmail-workflow-connect/internal/connect"
	"github.com/den/gmail-workflow-connect/internal/correlator"
	"github.com/den/gmail-workflow-connect/internal/database"
	"github.com/den/gmail-workflow-connect/internal/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConnector struct {
	res    *connect.Result
	err    error
	events chan tracker.Event
	then   []tracker.Event
}

func (s *stubConnector) Connect(ctx context.Context, browserID, code, redirectURI string) (*connect.Result, error) {
	for _, ev := range s.then {
		s.events <- ev
	}
	return s.res, s.err
}

func (s *stubConnector) Listen(browserID string) (<-chan tracker.Event, func()) {
	return s.events, func() {}
}

func newStub(res *connect.Result, err error, then ...tracker.Event) *stubConnector {
	return &stubConnector{res: res, err: err, events: make(chan tracker.Event, len(then)+1), then: then}
}

func TestRunConnect_WaitsForCompletion(t *testing.T) {
	s := newStub(&connect.Result{ExecutionID: 7, UserEmail: "alice@example.com", Status: database.StatusProcessing},
		nil,
		tracker.Event{Type: tracker.EventStatus, ExecutionID: 7, Status: database.StatusProcessing},
		tracker.Event{Type: tracker.EventCompleted, ExecutionID: 7},
	)

	var out bytes.Buffer
	err := runConnect(context.Background(), &out, s, s, "abc", "http://localhost/cb", time.Second)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "alice@example.com")
	assert.Contains(t, out.String(), "Setup complete")
}

func TestRunConnect_AlreadyCompleted(t *testing.T) {
	s := newStub(&connect.Result{ExecutionID: 7, Status: database.StatusCompleted}, nil)

	var out bytes.Buffer
	require.NoError(t, runConnect(context.Background(), &out, s, s, "abc", "", time.Second))
	assert.Contains(t, out.String(), "unknown account")
}

func TestRunConnect_ReportsErrorKind(t *testing.T) {
	s := newStub(nil, correlator.ErrExecutionNotFound)

	err := runConnect(context.Background(), &bytes.Buffer{}, s, s, "abc", "", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "correlation_timeout")
}

func TestRunConnect_ForeignExecution(t *testing.T) {
	s := newStub(&connect.Result{ExecutionID: 7, Status: database.StatusProcessing}, nil,
		tracker.Event{Type: tracker.EventReset, ExecutionID: 7})

	err := runConnect(context.Background(), &bytes.Buffer{}, s, s, "abc", "", time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "another account")
}

func TestRunConnect_GivesUp(t *testing.T) {
	s := newStub(&connect.Result{ExecutionID: 7, Status: database.StatusProcessing}, nil)

	err := runConnect(context.Background(), &bytes.Buffer{}, s, s, "abc", "", 20*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still processing")
}

func TestReadCode(t *testing.T) {
	code, err := readCode(strings.NewReader("  4/0Abc-123 \n"))
	require.NoError(t, err)
	assert.Equal(t, "4/0Abc-123", code)

	_, err = readCode(strings.NewReader("\n"))
	assert.ErrorIs(t, err, connect.ErrNoCode)
}
