package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mobilipia/build-tools/internal/history"
)

const runColumns = `id, call_id, name, status, error_type, message, started_at, finished_at`

// runRepository implements history.Repository using SQLite.
type runRepository struct {
	db *sql.DB
}

func newRunRepository(db *sql.DB) *runRepository {
	return &runRepository{db: db}
}

var _ history.Repository = (*runRepository)(nil)

func scanRun(scanner interface{ Scan(...any) error }) (*RunModel, error) {
	var m RunModel
	err := scanner.Scan(&m.ID, &m.CallID, &m.Name, &m.Status, &m.ErrorType, &m.Message, &m.StartedAt, &m.FinishedAt)
	return &m, err
}

// Save inserts run and assigns its ID.
func (r *runRepository) Save(ctx context.Context, run *history.Run) error {
	m := toRunModel(run)
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO runs (call_id, name, status, error_type, message, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.CallID, m.Name, m.Status, m.ErrorType, m.Message, m.StartedAt, m.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	run.SetID(id)
	return nil
}

// FindByCallID returns the run recorded for callID.
func (r *runRepository) FindByCallID(ctx context.Context, callID string) (*history.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE call_id = ?`, callID)
	m, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &history.RunNotFoundError{CallID: callID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find run: %w", err)
	}
	return m.toDomain(), nil
}

// Recent returns runs newest first.
func (r *runRepository) Recent(ctx context.Context, limit int) ([]*history.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY finished_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*history.Run
	for rows.Next() {
		m, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, m.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return runs, nil
}
