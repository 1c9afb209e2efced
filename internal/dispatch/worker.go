package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel/metric"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
	"github.com/ScriptSun/ulta-console-sub004/internal/storage"
	"github.com/ScriptSun/ulta-console-sub004/internal/telemetry"
)

// outboxEntry is a single row from the run_outbox table.
type outboxEntry struct {
	ID       int64
	RunID    uuid.UUID
	TenantID uuid.UUID
	Attempts int
}

const maxOutboxAttempts = 10

// Worker polls the run_outbox table and hands queued runs to the agent
// channel. At-least-once: an entry is deleted only after a successful
// delivery and the run's queued->started transition.
type Worker struct {
	db           *storage.DB
	channel      Channel
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewWorker creates a new outbox worker.
func NewWorker(db *storage.DB, channel Channel, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Worker {
	return &Worker{
		db:           db,
		channel:      channel,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Worker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("run outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and
// blocks until done or the context expires.
func (w *Worker) Drain(ctx context.Context) {
	// Send the drain context to pollLoop via channel (race-free). Must be
	// sent before cancelLoop so pollLoop can receive it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("run outbox: drain timed out")
	}
}

func (w *Worker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context so the last poll
			// respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.ProcessBatch(drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.ProcessBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.ProcessBatch(batchCtx)
			cancel()
		}
	}
}

// ProcessBatch claims and delivers one batch of pending entries. Exported
// so tests can drive the worker without the poll loop.
func (w *Worker) ProcessBatch(ctx context.Context) {
	entries, ok := w.claimEntries(ctx)
	if !ok || len(entries) == 0 {
		return
	}

	for _, e := range entries {
		if err := w.deliver(ctx, e); err != nil {
			w.failEntry(ctx, e, err.Error())
			continue
		}
		w.succeedEntry(ctx, e)
	}

	// Periodically clean up dead-letter entries.
	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
}

// claimEntries selects pending entries FOR UPDATE SKIP LOCKED and locks
// them for 60 seconds (longer than the 30s batch timeout, so a second
// worker cannot steal entries a live worker is still processing).
func (w *Worker) claimEntries(ctx context.Context) ([]outboxEntry, bool) {
	tx, err := w.db.Pool().Begin(ctx)
	if err != nil {
		w.logger.Error("run outbox: begin tx", "error", err)
		return nil, false
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, run_id, tenant_id, attempts
		 FROM run_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, w.batchSize,
	)
	if err != nil {
		w.logger.Error("run outbox: select pending", "error", err)
		return nil, false
	}

	entries, err := scanOutboxEntries(rows)
	if err != nil {
		w.logger.Error("run outbox: scan entries", "error", err)
		return nil, false
	}
	if len(entries) == 0 {
		return nil, true
	}

	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE run_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		ids,
	); err != nil {
		w.logger.Error("run outbox: lock entries", "error", err)
		return nil, false
	}
	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("run outbox: commit lock", "error", err)
		return nil, false
	}
	return entries, true
}

// deliver hands one run to the channel and flips it to started. A run no
// longer in queued state (completed while parked, or a redelivery) is
// treated as already handled.
func (w *Worker) deliver(ctx context.Context, e outboxEntry) error {
	d, err := w.fetchDelivery(ctx, e)
	if err != nil {
		return err
	}
	if d == nil {
		// Run vanished or already left queued state; nothing to do.
		return nil
	}

	if err := w.channel.Deliver(ctx, *d); err != nil {
		return fmt.Errorf("run outbox: deliver run %s: %w", e.RunID, err)
	}

	started, err := w.db.MarkRunStarted(ctx, e.RunID)
	if err != nil {
		return err
	}
	if started {
		ev := model.ChatEvent{
			TenantID:       d.Run.TenantID,
			ConversationID: d.Run.ConversationID,
			AgentID:        d.Run.AgentID,
			Type:           model.EventTaskStarted,
			Payload:        map[string]any{"run_id": d.Run.ID, "batch_name": d.BatchName},
		}
		if err := w.db.InsertChatEvent(ctx, ev); err != nil {
			// Best-effort: the run is already started, the trail just
			// loses one entry.
			w.logger.Error("run outbox: task_started event dropped", "run_id", d.Run.ID, "error", err)
		}
	}
	return nil
}

// fetchDelivery loads the run and its active script content. Returns nil
// when the run is gone or no longer queued.
func (w *Worker) fetchDelivery(ctx context.Context, e outboxEntry) (*Delivery, error) {
	var d Delivery
	err := w.db.Pool().QueryRow(ctx,
		`SELECT r.id, r.tenant_id, r.batch_id, r.version_id, r.agent_id, r.conversation_id,
		        r.status, r.inputs, r.queued_at,
		        b.name, b.max_timeout_sec, v.content, v.content_sha256
		 FROM runs r
		 JOIN batches b ON b.id = r.batch_id
		 JOIN batch_versions v ON v.id = r.version_id
		 WHERE r.id = $1 AND r.tenant_id = $2 AND r.status = 'queued'`,
		e.RunID, e.TenantID,
	).Scan(
		&d.Run.ID, &d.Run.TenantID, &d.Run.BatchID, &d.Run.VersionID, &d.Run.AgentID,
		&d.Run.ConversationID, &d.Run.Status, &d.Run.Inputs, &d.Run.QueuedAt,
		&d.BatchName, &d.MaxTimeoutSec, &d.Content, &d.ContentSHA256,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("run outbox: fetch run %s: %w", e.RunID, err)
	}
	return &d, nil
}

func (w *Worker) succeedEntry(ctx context.Context, e outboxEntry) {
	if _, err := w.db.Pool().Exec(ctx,
		`DELETE FROM run_outbox WHERE id = $1`, e.ID,
	); err != nil {
		w.logger.Error("run outbox: delete completed entry", "outbox_id", e.ID, "error", err)
	}
}

func (w *Worker) failEntry(ctx context.Context, e outboxEntry, errMsg string) {
	// Exponential backoff: locked_until = now() + 2^attempts seconds,
	// capped at 5 minutes, so a broken channel cannot cause a tight loop.
	if _, err := w.db.Pool().Exec(ctx,
		`UPDATE run_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = $2`,
		errMsg, e.ID,
	); err != nil {
		w.logger.Error("run outbox: update failed entry", "outbox_id", e.ID, "error", err)
	}

	if e.Attempts+1 >= maxOutboxAttempts {
		w.logger.Warn("run outbox: dead-letter entry",
			"outbox_id", e.ID,
			"run_id", e.RunID,
			"attempts", e.Attempts+1,
		)
	}
}

func (w *Worker) cleanupDeadLetters(ctx context.Context) {
	tag, err := w.db.Pool().Exec(ctx,
		`DELETE FROM run_outbox
		 WHERE attempts >= $1
		   AND created_at < now() - interval '7 days'`,
		maxOutboxAttempts,
	)
	if err != nil {
		w.logger.Error("run outbox: cleanup dead-letters failed", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		w.logger.Info("run outbox: cleaned dead-letter entries", "deleted", tag.RowsAffected())
	}
}

// registerMetrics registers an observable gauge for outbox depth.
func (w *Worker) registerMetrics() {
	meter := telemetry.Meter("ulta/dispatch")

	_, _ = meter.Int64ObservableGauge("ulta.outbox.depth",
		metric.WithDescription("Number of pending entries in the run outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			err := w.db.Pool().QueryRow(ctx,
				`SELECT COUNT(*) FROM run_outbox WHERE attempts < $1`, maxOutboxAttempts).Scan(&count)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
}

func scanOutboxEntries(rows pgx.Rows) ([]outboxEntry, error) {
	defer rows.Close()
	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.TenantID, &e.Attempts); err != nil {
			return nil, fmt.Errorf("run outbox: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
