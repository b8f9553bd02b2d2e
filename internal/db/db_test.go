package db

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/research-orchestrator/internal/knowledge"
	"github.com/Kocoro-lab/research-orchestrator/internal/orchestrator"
)

func newSQLite(t *testing.T) *Client {
	t.Helper()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	c := NewClientFromDB(db, 2, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.Migrate(context.Background()))
	return c
}

func TestRecorderPersistsRunAndEvents(t *testing.T) {
	c := newSQLite(t)
	r := NewRecorder(c, zaptest.NewLogger(t))
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	phases := []orchestrator.Phase{orchestrator.PhasePlanning, orchestrator.PhaseGathering, orchestrator.PhaseFailed}
	prev := orchestrator.Phase(0)
	for i, p := range phases {
		require.NoError(t, r.HandleEvent(ctx, orchestrator.Event{TaskID: "t1", Seq: uint64(i + 1), Phase: p, Prev: prev, Pass: 1, Timestamp: now}))
		prev = p
	}
	// Replayed events are ignored.
	require.NoError(t, r.HandleEvent(ctx, orchestrator.Event{TaskID: "t1", Seq: 1, Phase: orchestrator.PhasePlanning, Timestamp: now}))

	taskErr := &orchestrator.TaskError{Phase: orchestrator.PhaseGathering, Reason: "all search providers failed", Cause: orchestrator.ErrCancelled}
	require.NoError(t, r.HandleResult(ctx, orchestrator.TaskResult{
		TaskID: "t1",
		Query:  "climate change mitigation",
		Err:    taskErr,
		Diagnostics: orchestrator.Diagnostics{
			TaskID: "t1", UserID: "u1", Phase: orchestrator.PhaseFailed, Passes: 1,
			SubmittedAt: now, FinishedAt: now.Add(time.Second),
		},
	}))

	var run *TaskRun
	require.Eventually(t, func() bool {
		var err error
		run, err = c.GetTaskRun(ctx, "t1")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "cancelled", run.Status)
	assert.Equal(t, "failed", run.Phase)
	require.NotNil(t, run.UserID)
	assert.Equal(t, "u1", *run.UserID)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "gathering phase")
	assert.Nil(t, run.Report)
	assert.Equal(t, "failed", run.Diagnostics["phase"])
	require.NotNil(t, run.FinishedAt)
	assert.True(t, run.FinishedAt.Equal(now.Add(time.Second)))

	require.Eventually(t, func() bool {
		evs, err := c.ListTaskEvents(ctx, "t1")
		return err == nil && len(evs) == 3
	}, 2*time.Second, 10*time.Millisecond)
	evs, err := c.ListTaskEvents(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "planning", evs[0].Phase)
	assert.Equal(t, "", evs[0].Prev)
	assert.Equal(t, "gathering", evs[2].Prev)
}

func TestSaveTaskRunUpserts(t *testing.T) {
	c := newSQLite(t)
	ctx := context.Background()
	now := time.Now().UTC()

	run := &TaskRun{TaskID: "t2", Query: "q", Status: "running", Phase: "gathering", SubmittedAt: now}
	require.NoError(t, c.SaveTaskRun(ctx, run))

	full := string(knowledge.CompletenessFull)
	rep, err := ToJSONB(&knowledge.Report{TaskID: "t2", Query: "q", Completeness: knowledge.CompletenessFull})
	require.NoError(t, err)
	run.Status, run.Phase, run.Completeness, run.Report = "done", "done", &full, rep
	require.NoError(t, c.SaveTaskRun(ctx, run))

	got, err := c.GetTaskRun(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, "done", got.Status)
	assert.Equal(t, "full", got.Report["completeness"])

	_, err = c.GetTaskRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveTaskEventWithMock(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	db := sqlx.NewDb(raw, "sqlmock")
	c := NewClientFromDB(db, 1, zaptest.NewLogger(t))
	defer c.Close()

	ts := time.Now()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO task_events")).
		WithArgs("t3", int64(2), "gathering", "planning", "success", "", 0, 1, ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, c.SaveTaskEvent(context.Background(), &TaskEvent{
		TaskID: "t3", Seq: 2, Phase: "gathering", Prev: "planning", Outcome: "success", Pass: 1, CreatedAt: ts,
	}))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO task_runs")).WillReturnError(errors.New("connection reset"))
	err = c.SaveTaskRun(context.Background(), &TaskRun{TaskID: "t3"})
	assert.ErrorContains(t, err, "save task run t3")

	mock.ExpectQuery(regexp.QuoteMeta("FROM task_runs WHERE task_id = ?")).WithArgs("t4").WillReturnError(sql.ErrNoRows)
	_, err = c.GetTaskRun(context.Background(), "t4")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, c.Migrate(context.Background()), "no schema for the mock driver")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDSN(t *testing.T) {
	dsn, err := (&Config{Driver: "postgres", Host: "h", Port: 5432, User: "u", Password: "p", Database: "d"}).dsn()
	require.NoError(t, err)
	assert.Equal(t, "host=h port=5432 user=u password=p dbname=d sslmode=require", dsn)

	dsn, err = (&Config{Driver: "sqlite3", Path: "/tmp/r.db"}).dsn()
	require.NoError(t, err)
	assert.Contains(t, dsn, "file:/tmp/r.db")

	_, err = (&Config{Driver: "mysql"}).dsn()
	assert.Error(t, err)
}

func TestJSONBScan(t *testing.T) {
	var j JSONB
	require.NoError(t, j.Scan([]byte(`{"a":1}`)))
	assert.Equal(t, float64(1), j["a"])
	require.NoError(t, j.Scan(`{"b":"x"}`))
	assert.Equal(t, "x", j["b"])
	require.NoError(t, j.Scan(nil))
	assert.Nil(t, j)
	assert.Error(t, j.Scan(42))
}
