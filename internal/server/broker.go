package server

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ScriptSun/ulta-console-sub004/internal/storage"
)

// Broker fans out run status transitions from Postgres LISTEN/NOTIFY to SSE
// subscribers. A database trigger publishes "tenant_id:run_id:status" on the
// runs channel for every status change, so the console UI gets live run
// updates without polling.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]uuid.UUID
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]uuid.UUID),
	}
}

// Start listens on the runs channel and fans notifications out to
// subscribers of the matching tenant. It blocks, so call it in a goroutine.
// Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelRuns); err != nil {
		b.logger.Error("broker: listen runs", "error", err)
		return
	}
	b.logger.Info("broker: listening for run status notifications", "channel", storage.ChannelRuns)

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}
		if channel != storage.ChannelRuns {
			continue
		}

		tenantID, event, ok := parseRunNotification(payload)
		if !ok {
			b.logger.Warn("broker: malformed run notification", "payload", payload)
			continue
		}
		b.broadcast(tenantID, event)
	}
}

// parseRunNotification splits a "tenant_id:run_id:status" trigger payload
// into the owning tenant and an SSE-formatted event.
func parseRunNotification(payload string) (uuid.UUID, []byte, bool) {
	parts := strings.SplitN(payload, ":", 3)
	if len(parts) != 3 {
		return uuid.Nil, nil, false
	}
	tenantID, err := uuid.Parse(parts[0])
	if err != nil {
		return uuid.Nil, nil, false
	}
	data := `{"run_id":"` + parts[1] + `","status":"` + parts[2] + `"}`
	return tenantID, formatSSE("run_status", data), true
}

// Subscribe returns a channel receiving SSE-formatted events for one
// tenant. The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(tenantID uuid.UUID) chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = tenantID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to every subscriber of the tenant. Subscribers
// with a full buffer are skipped so one slow client cannot stall the rest.
func (b *Broker) broadcast(tenantID uuid.UUID, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, tid := range b.subscribers {
		if tid != tenantID {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats a payload as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
