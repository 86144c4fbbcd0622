package database

import (
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestBuildListQuery_ProcessingBatch(t *testing.T) {
	query, args := buildListQuery(ExecutionFilter{Status: StatusProcessing, Limit: 5})

	assert.Equal(t,
		"SELECT id, status, user_email, started_at FROM workflow_executions WHERE status = $1 ORDER BY started_at DESC, id DESC LIMIT $2",
		query)
	assert.Equal(t, []any{"processing", 5}, args)
}

func TestBuildListQuery_EmailAndStatuses(t *testing.T) {
	query, args := buildListQuery(ExecutionFilter{
		Statuses:  []Status{StatusProcessing, StatusCompleted},
		UserEmail: "a@x.com",
		Limit:     1,
	})

	assert.Contains(t, query, "WHERE status = ANY($1) AND user_email = $2")
	assert.Contains(t, query, "LIMIT $3")
	assert.Len(t, args, 3)
	assert.Equal(t, pq.Array([]string{"processing", "completed"}), args[0])
	assert.Equal(t, "a@x.com", args[1])
}

func TestBuildListQuery_Unfiltered(t *testing.T) {
	query, args := buildListQuery(ExecutionFilter{})

	assert.NotContains(t, query, "WHERE")
	assert.NotContains(t, query, "LIMIT")
	assert.Empty(t, args)
}

func TestExecutionRecord_Email(t *testing.T) {
	var nilRecord *ExecutionRecord
	assert.Equal(t, "", nilRecord.Email())

	email := "a@x.com"
	assert.Equal(t, "a@x.com", (&ExecutionRecord{UserEmail: &email}).Email())
	assert.Equal(t, "", (&ExecutionRecord{}).Email())
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.False(t, Status("failed").Terminal())
}
