// File: internal/runstore/store.go

// Package runstore archives finished sessions in PostgreSQL so runs can be
// compared and queried after the fact. The archive is optional; when it is
// disabled the rest of the system never touches this package.
package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/api/schemas"
)

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking
// in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Store provides a PostgreSQL implementation of schemas.RunStore.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("runstore"),
	}, nil
}

// InitSchema creates the archive tables if they do not exist yet. The DDL is
// idempotent, so running it against a provisioned database is harmless.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema()); err != nil {
		return fmt.Errorf("failed to apply archive schema: %w", err)
	}
	s.log.Info("Archive schema applied")
	return nil
}

// SaveReport persists a session and its attempts in one transaction.
func (s *Store) SaveReport(ctx context.Context, report *schemas.SessionReport) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	if err := s.persistSession(ctx, tx, report); err != nil {
		return err
	}
	if len(report.Attempts) > 0 {
		if err := s.persistAttempts(ctx, tx, report.SessionID, report.Attempts); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) persistSession(ctx context.Context, tx pgx.Tx, report *schemas.SessionReport) error {
	scenarioJSON, err := json.Marshal(report.Scenario)
	if err != nil {
		return fmt.Errorf("failed to marshal scenario: %w", err)
	}

	verdictJSON := json.RawMessage("null")
	if report.Verdict != nil {
		verdictJSON, err = json.Marshal(report.Verdict)
		if err != nil {
			return fmt.Errorf("failed to marshal verdict: %w", err)
		}
	}

	deviceJSON, err := json.Marshal(report.DeviceInfo)
	if err != nil {
		return fmt.Errorf("failed to marshal device info: %w", err)
	}

	sql := `
        INSERT INTO sessions (id, scenario_name, app_package, status, scenario, verdict, device_info, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            verdict = EXCLUDED.verdict,
            finished_at = EXCLUDED.finished_at;
    `
	_, err = tx.Exec(ctx, sql,
		report.SessionID, report.Scenario.Name, report.Scenario.App.Package,
		string(report.Status), scenarioJSON, verdictJSON, deviceJSON,
		report.StartedAt.UTC(), report.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *Store) persistAttempts(ctx context.Context, tx pgx.Tx, sessionID string, attempts []schemas.ExecutionAttempt) error {
	rows := make([][]interface{}, len(attempts))
	for i, a := range attempts {
		instrJSON, err := json.Marshal(a.Instruction)
		if err != nil {
			return fmt.Errorf("failed to marshal instruction for attempt %s: %w", a.ID, err)
		}
		rows[i] = []interface{}{
			a.ID, sessionID, a.StepIndex, a.AttemptIndex,
			instrJSON, string(a.Outcome), a.RetryReason, a.Error,
			a.PreFingerprint, a.PostFingerprint,
			a.Timestamp.UTC(),
		}
	}

	copyCount, err := tx.CopyFrom(
		ctx,
		pgx.Identifier{"attempts"},
		[]string{"id", "session_id", "step_index", "attempt_index", "instruction", "outcome", "retry_reason", "error", "pre_fingerprint", "post_fingerprint", "created_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to copy attempts: %w", err)
	}
	if int(copyCount) != len(attempts) {
		return fmt.Errorf("mismatch in copied attempts count: expected %d, got %d", len(attempts), copyCount)
	}
	return nil
}

// GetReport loads one archived session with its attempts.
func (s *Store) GetReport(ctx context.Context, sessionID string) (*schemas.SessionReport, error) {
	query := `
        SELECT id, status, scenario, verdict, device_info, started_at, finished_at
        FROM sessions
        WHERE id = $1;
    `
	var (
		report       schemas.SessionReport
		statusStr    string
		scenarioJSON []byte
		verdictJSON  []byte
		deviceJSON   []byte
	)
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&report.SessionID, &statusStr, &scenarioJSON, &verdictJSON, &deviceJSON,
		&report.StartedAt, &report.FinishedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	report.Status = schemas.SessionStatus(statusStr)

	if err := json.Unmarshal(scenarioJSON, &report.Scenario); err != nil {
		return nil, fmt.Errorf("failed to decode scenario: %w", err)
	}
	if len(verdictJSON) > 0 && string(verdictJSON) != "null" {
		report.Verdict = &schemas.CompletionVerdict{}
		if err := json.Unmarshal(verdictJSON, report.Verdict); err != nil {
			return nil, fmt.Errorf("failed to decode verdict: %w", err)
		}
	}
	if len(deviceJSON) > 0 && string(deviceJSON) != "null" {
		if err := json.Unmarshal(deviceJSON, &report.DeviceInfo); err != nil {
			return nil, fmt.Errorf("failed to decode device info: %w", err)
		}
	}

	attempts, err := s.loadAttempts(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	report.Attempts = attempts
	return &report, nil
}

func (s *Store) loadAttempts(ctx context.Context, sessionID string) ([]schemas.ExecutionAttempt, error) {
	query := `
        SELECT id, step_index, attempt_index, instruction, outcome, retry_reason, error, pre_fingerprint, post_fingerprint, created_at
        FROM attempts
        WHERE session_id = $1
        ORDER BY created_at ASC;
    `
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var attempts []schemas.ExecutionAttempt
	for rows.Next() {
		var (
			a          schemas.ExecutionAttempt
			instrJSON  []byte
			outcomeStr string
		)
		err := rows.Scan(
			&a.ID, &a.StepIndex, &a.AttemptIndex, &instrJSON,
			&outcomeStr, &a.RetryReason, &a.Error,
			&a.PreFingerprint, &a.PostFingerprint, &a.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt row: %w", err)
		}
		if err := json.Unmarshal(instrJSON, &a.Instruction); err != nil {
			return nil, fmt.Errorf("failed to decode instruction: %w", err)
		}
		a.Outcome = schemas.AttemptOutcome(outcomeStr)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return attempts, nil
}

// Schema returns the DDL for the archive tables. InitSchema applies it; it is
// exported for deployments that manage migrations by hand.
func Schema() string {
	return `
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    scenario_name TEXT NOT NULL,
    app_package TEXT NOT NULL,
    status TEXT NOT NULL,
    scenario JSONB NOT NULL,
    verdict JSONB,
    device_info JSONB,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS attempts (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    step_index INT NOT NULL,
    attempt_index INT NOT NULL,
    instruction JSONB NOT NULL,
    outcome TEXT NOT NULL,
    retry_reason TEXT,
    error TEXT,
    pre_fingerprint TEXT,
    post_fingerprint TEXT,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_session ON attempts(session_id);
`
}
