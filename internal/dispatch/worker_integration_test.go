package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
	"github.com/ScriptSun/ulta-console-sub004/internal/storage"
	"github.com/ScriptSun/ulta-console-sub004/internal/testutil"
)

var (
	testDB     *storage.DB
	testLogger *slog.Logger
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	tc := testutil.MustStartPostgres()
	testLogger = testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, testLogger)
	if err != nil {
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()
	testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

// captureChannel records deliveries and can be told to fail.
type captureChannel struct {
	mu         sync.Mutex
	deliveries []Delivery
	err        error
}

func (c *captureChannel) Deliver(_ context.Context, d Delivery) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.deliveries = append(c.deliveries, d)
	return nil
}

// seedRun creates tenant, agent, batch with an active version, conversation,
// and one queued run (with its outbox row).
func seedRun(t *testing.T) model.Run {
	t.Helper()
	ctx := context.Background()

	tenant, err := testDB.CreateTenant(ctx, "t-"+uuid.NewString()[:8])
	require.NoError(t, err)

	agent, err := testDB.CreateAgent(ctx, model.Agent{
		TenantID: tenant.ID, Hostname: "web-01", OS: "ubuntu", Status: model.AgentRunning,
	})
	require.NoError(t, err)

	batch, err := testDB.CreateBatch(ctx, model.Batch{
		TenantID: tenant.ID, Name: "check_cpu", Risk: model.RiskLow,
		OSTargets: []string{"ubuntu"}, Scope: model.ScopeAgent,
		MaxConcurrent: 2, MaxTimeoutSec: 60,
	})
	require.NoError(t, err)

	version, err := testDB.CreateBatchVersion(ctx, tenant.ID, batch.ID, "#!/bin/sh\ntop -bn1")
	require.NoError(t, err)
	_, err = testDB.ActivateBatchVersion(ctx, tenant.ID, batch.ID, version.Version)
	require.NoError(t, err)

	conv, err := testDB.CreateConversation(ctx, tenant.ID, agent.ID, "user-1")
	require.NoError(t, err)

	run, err := testDB.StartRun(ctx, storage.StartRunParams{
		TenantID: tenant.ID, BatchID: batch.ID,
		AgentID: agent.ID, ConversationID: conv.ID,
		Inputs: map[string]any{},
	})
	require.NoError(t, err)
	return run
}

func outboxCount(t *testing.T, runID uuid.UUID) int {
	t.Helper()
	var n int
	err := testDB.Pool().QueryRow(context.Background(),
		`SELECT COUNT(*) FROM run_outbox WHERE run_id = $1`, runID).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestWorkerDeliversQueuedRun(t *testing.T) {
	ctx := context.Background()
	run := seedRun(t)
	require.Equal(t, 1, outboxCount(t, run.ID))

	ch := &captureChannel{}
	w := NewWorker(testDB, ch, testLogger, time.Hour, 10)
	w.ProcessBatch(ctx)

	require.Len(t, ch.deliveries, 1)
	d := ch.deliveries[0]
	assert.Equal(t, run.ID, d.Run.ID)
	assert.Equal(t, "check_cpu", d.BatchName)
	assert.Contains(t, d.Content, "top -bn1")
	assert.NotEmpty(t, d.ContentSHA256)

	// Outbox row consumed, run flipped to started.
	assert.Equal(t, 0, outboxCount(t, run.ID))
	got, err := testDB.GetRun(ctx, run.TenantID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStarted, got.Status)

	// task_started recorded on the conversation trail.
	events, err := testDB.ListEventsByConversation(ctx, run.TenantID, run.ConversationID, 0)
	require.NoError(t, err)
	var started int
	for _, e := range events {
		if e.Type == model.EventTaskStarted {
			started++
		}
	}
	assert.Equal(t, 1, started)
}

func TestWorkerRetriesFailedDelivery(t *testing.T) {
	ctx := context.Background()
	run := seedRun(t)

	ch := &captureChannel{err: errors.New("transport down")}
	w := NewWorker(testDB, ch, testLogger, time.Hour, 10)
	w.ProcessBatch(ctx)

	// Entry survives with an attempt recorded and a backoff lock.
	var attempts int
	var lastErr string
	var locked bool
	err := testDB.Pool().QueryRow(ctx,
		`SELECT attempts, last_error, locked_until > now() FROM run_outbox WHERE run_id = $1`,
		run.ID).Scan(&attempts, &lastErr, &locked)
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Contains(t, lastErr, "transport down")
	assert.True(t, locked)

	// Run stays queued until a delivery succeeds.
	got, err := testDB.GetRun(ctx, run.TenantID, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunQueued, got.Status)

	// Next poll after the lock expires delivers it.
	_, err = testDB.Pool().Exec(ctx,
		`UPDATE run_outbox SET locked_until = NULL WHERE run_id = $1`, run.ID)
	require.NoError(t, err)
	ch.mu.Lock()
	ch.err = nil
	ch.mu.Unlock()
	w.ProcessBatch(ctx)

	assert.Equal(t, 0, outboxCount(t, run.ID))
}

func TestWorkerSkipsCompletedRun(t *testing.T) {
	ctx := context.Background()
	run := seedRun(t)

	// The run completes before the worker ever polls (operator cancelled
	// it, say). The stale outbox entry must be consumed without delivery.
	require.NoError(t, testDB.CompleteRun(ctx, run.TenantID, run.ID, model.RunFailed, "cancelled"))

	ch := &captureChannel{}
	w := NewWorker(testDB, ch, testLogger, time.Hour, 10)
	w.ProcessBatch(ctx)

	assert.Empty(t, ch.deliveries)
	assert.Equal(t, 0, outboxCount(t, run.ID))
}

func TestWorkerStartDrain(t *testing.T) {
	run := seedRun(t)

	ch := &captureChannel{}
	w := NewWorker(testDB, ch, testLogger, 10*time.Millisecond, 10)
	w.Start(context.Background())

	require.Eventually(t, func() bool {
		return outboxCount(t, run.ID) == 0
	}, 5*time.Second, 20*time.Millisecond)

	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.Drain(drainCtx)
}
