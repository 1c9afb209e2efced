// Package dispatch moves queued runs from the run_outbox table to the agent
// execution channel. The outbox row is written in the same transaction that
// creates the run, so a queued run survives process restarts and is
// delivered at least once; delivery is idempotent on the agent side via the
// run's queued->started compare-and-swap.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ScriptSun/ulta-console-sub004/internal/model"
	"github.com/ScriptSun/ulta-console-sub004/internal/storage"
)

// Delivery is everything an agent needs to execute one run.
type Delivery struct {
	Run           model.Run `json:"run"`
	BatchName     string    `json:"batch_name"`
	Content       string    `json:"content"`
	ContentSHA256 string    `json:"content_sha256"`
	MaxTimeoutSec int       `json:"max_timeout_sec"`
}

// Channel hands a run off to the agent transport. Implementations must be
// safe for redelivery: the worker retries failed deliveries with backoff.
type Channel interface {
	Deliver(ctx context.Context, d Delivery) error
}

// NotifyChannel delivers runs over Postgres NOTIFY on the dispatch channel.
// Agents hold a LISTEN connection scoped to their tenant and pick up the
// payload directly; no separate broker is needed at current fleet sizes.
type NotifyChannel struct {
	db     *storage.DB
	logger *slog.Logger
}

// NewNotifyChannel returns a channel publishing on storage.ChannelDispatch.
func NewNotifyChannel(db *storage.DB, logger *slog.Logger) *NotifyChannel {
	return &NotifyChannel{db: db, logger: logger}
}

// Deliver publishes the delivery as a JSON NOTIFY payload. Postgres caps
// notify payloads at 8000 bytes, so large scripts are sent as a reference
// the agent fetches over the API instead of inline content.
func (c *NotifyChannel) Deliver(ctx context.Context, d Delivery) error {
	const maxInlinePayload = 7000
	if len(d.Content) > maxInlinePayload {
		d.Content = ""
	}
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("dispatch: marshal delivery: %w", err)
	}
	if err := c.db.Notify(ctx, storage.ChannelDispatch, string(payload)); err != nil {
		return fmt.Errorf("dispatch: notify delivery: %w", err)
	}
	c.logger.Debug("run delivered",
		"run_id", d.Run.ID, "batch_name", d.BatchName, "agent_id", d.Run.AgentID)
	return nil
}
