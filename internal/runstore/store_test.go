// File: internal/runstore/store_test.go
package runstore

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/droidpilot/droidpilot/api/schemas"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for
// more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

const sqlInsertSession = `
        INSERT INTO sessions (id, scenario_name, app_package, status, scenario, verdict, device_info, started_at, finished_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (id) DO UPDATE SET
            status = EXCLUDED.status,
            verdict = EXCLUDED.verdict,
            finished_at = EXCLUDED.finished_at;
    `

func sampleReport() *schemas.SessionReport {
	now := time.Now().UTC().Truncate(time.Second)
	return &schemas.SessionReport{
		SessionID: uuid.NewString(),
		Scenario: schemas.TestScenario{
			Name:      "order-coffee",
			App:       schemas.AppInfo{Package: "com.example.coffee"},
			Objective: "Order a flat white",
		},
		Status: schemas.StatusCompleteSuccess,
		Verdict: &schemas.CompletionVerdict{
			Completed:  true,
			Success:    true,
			Confidence: 0.9,
		},
		Attempts: []schemas.ExecutionAttempt{
			{
				ID:        uuid.NewString(),
				StepIndex: 0,
				Instruction: schemas.ActionInstruction{
					Type:              schemas.ActionClick,
					TargetDescription: "Order",
				},
				Outcome:   schemas.OutcomeSuccess,
				Timestamp: now,
			},
		},
		StartedAt:  now.Add(-time.Minute),
		FinishedAt: now,
	}
}

func TestNew_PingFailure(t *testing.T) {
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer mockPool.Close()

	pingErr := errors.New("database unavailable")
	mockPool.ExpectPing().WillReturnError(pingErr)

	_, err = New(context.Background(), mockPool, zap.NewNop())
	require.Error(t, err)
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func newMockedStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool(pgxmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	store, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return store, mockPool
}

func TestInitSchema_AppliesDDL(t *testing.T) {
	store, mockPool := newMockedStore(t)

	mockPool.ExpectExec(flexibleSQLMatcher(Schema())).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.InitSchema(context.Background()))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestInitSchema_ExecFailure(t *testing.T) {
	store, mockPool := newMockedStore(t)

	execErr := errors.New("permission denied for schema public")
	mockPool.ExpectExec(flexibleSQLMatcher(Schema())).WillReturnError(execErr)

	err := store.InitSchema(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, execErr)
}

func TestSaveReport_PersistsSessionAndAttempts(t *testing.T) {
	store, mockPool := newMockedStore(t)
	report := sampleReport()

	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertSession)).
		WithArgs(
			report.SessionID, report.Scenario.Name, report.Scenario.App.Package,
			string(report.Status), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			report.StartedAt.UTC(), report.FinishedAt.UTC(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCopyFrom(
		pgx.Identifier{"attempts"},
		[]string{"id", "session_id", "step_index", "attempt_index", "instruction", "outcome", "retry_reason", "error", "pre_fingerprint", "post_fingerprint", "created_at"},
	).WillReturnResult(1)
	mockPool.ExpectCommit()
	mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

	err := store.SaveReport(context.Background(), report)

	require.NoError(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveReport_RollsBackOnInsertFailure(t *testing.T) {
	store, mockPool := newMockedStore(t)
	report := sampleReport()

	insertErr := errors.New("constraint violation")
	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertSession)).
		WithArgs(
			report.SessionID, report.Scenario.Name, report.Scenario.App.Package,
			string(report.Status), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			report.StartedAt.UTC(), report.FinishedAt.UTC(),
		).
		WillReturnError(insertErr)
	mockPool.ExpectRollback()

	err := store.SaveReport(context.Background(), report)

	require.Error(t, err)
	assert.ErrorIs(t, err, insertErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveReport_CopyCountMismatch(t *testing.T) {
	store, mockPool := newMockedStore(t)
	report := sampleReport()

	mockPool.ExpectBegin()
	mockPool.ExpectExec(flexibleSQLMatcher(sqlInsertSession)).
		WithArgs(
			report.SessionID, report.Scenario.Name, report.Scenario.App.Package,
			string(report.Status), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			report.StartedAt.UTC(), report.FinishedAt.UTC(),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mockPool.ExpectCopyFrom(
		pgx.Identifier{"attempts"},
		[]string{"id", "session_id", "step_index", "attempt_index", "instruction", "outcome", "retry_reason", "error", "pre_fingerprint", "post_fingerprint", "created_at"},
	).WillReturnResult(0)
	mockPool.ExpectRollback()

	err := store.SaveReport(context.Background(), report)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "mismatch")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}
