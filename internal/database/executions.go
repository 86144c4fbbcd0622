package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// ErrNotFound is returned by point reads when no row matches.
var ErrNotFound = errors.New("execution not found")

const executionColumns = "id, status, user_email, started_at"

// GetExecution reads a single execution by ID
func (db *DB) GetExecution(ctx context.Context, id int64) (*ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM workflow_executions WHERE id = $1`

	rec, err := scanExecution(db.conn.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %d: %w", id, err)
	}

	return rec, nil
}

// ListExecutions returns executions matching the filter, newest first
func (db *DB) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ExecutionRecord, error) {
	query, args := buildListQuery(filter)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var records []*ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		records = append(records, rec)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return records, nil
}

// GetLatestExecution returns the most recently started execution of any status
func (db *DB) GetLatestExecution(ctx context.Context) (*ExecutionRecord, error) {
	records, err := db.ListExecutions(ctx, ExecutionFilter{Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrNotFound
	}
	return records[0], nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*ExecutionRecord, error) {
	var (
		rec   ExecutionRecord
		email sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.Status, &email, &rec.StartedAt); err != nil {
		return nil, err
	}
	if email.Valid && email.String != "" {
		rec.UserEmail = &email.String
	}
	return &rec, nil
}

func buildListQuery(filter ExecutionFilter) (string, []any) {
	var (
		where []string
		args  []any
	)

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.UserEmail != "" {
		args = append(args, filter.UserEmail)
		where = append(where, fmt.Sprintf("user_email = $%d", len(args)))
	}

	var b strings.Builder
	b.WriteString("SELECT " + executionColumns + " FROM workflow_executions")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY started_at DESC, id DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}

	return b.String(), args
}
