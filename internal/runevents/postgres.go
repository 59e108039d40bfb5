package runevents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

const Channel = "applaude_run_events"

// PostgresBroker publishes events with pg_notify and relays notifications from
// every replica into the local Hub.
type PostgresBroker struct {
	db       *sql.DB
	listener *pq.Listener
	hub      *Hub
	logger   *slog.Logger
}

func NewPostgresBroker(db *sql.DB, databaseURL string, hub *Hub, logger *slog.Logger) (*PostgresBroker, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if hub == nil {
		return nil, errors.New("hub is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	listener := pq.NewListener(databaseURL, time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("run events listener", "event", int(ev), "error", err)
		}
	})
	if err := listener.Listen(Channel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", Channel, err)
	}
	return &PostgresBroker{db: db, listener: listener, hub: hub, logger: logger}, nil
}

func (b *PostgresBroker) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, Channel, string(payload)); err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	return nil
}

// Run relays notifications until ctx is done.
func (b *PostgresBroker) Run(ctx context.Context) error {
	defer b.listener.Close()
	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-b.listener.Notify:
			if n == nil {
				// Reconnected; notifications sent in between are lost and
				// subscribers catch up from transition history on their next event.
				continue
			}
			event, err := decodeNotification(n.Extra)
			if err != nil {
				b.logger.Warn("drop run event", "error", err)
				continue
			}
			_ = b.hub.Publish(ctx, event)
		case <-ping.C:
			if err := b.listener.Ping(); err != nil {
				b.logger.Warn("run events listener ping", "error", err)
			}
		}
	}
}

func decodeNotification(payload string) (Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Event{}, fmt.Errorf("decode notification: %w", err)
	}
	if event.RunID == "" || !event.Status.Valid() {
		return Event{}, errors.New("notification missing run_id or status")
	}
	return event, nil
}
