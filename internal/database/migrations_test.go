package database

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrationFiles_Ordered(t *testing.T) {
	files, err := migrationFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"001_workflow_executions.sql", "002_workflow_executions_notify.sql"}, files)
}

func TestNotifyTrigger_PublishesOnFeedChannel(t *testing.T) {
	content, err := migrationsFS.ReadFile("migrations/002_workflow_executions_notify.sql")
	require.NoError(t, err)

	// Every pg_notify call must target the channel the feed LISTENs on.
	calls := regexp.MustCompile(`pg_notify\(\s*'([^']+)'`).FindAllStringSubmatch(string(content), -1)
	require.NotEmpty(t, calls)
	for _, call := range calls {
		assert.Equal(t, NotifyChannel, call[1])
	}
}
