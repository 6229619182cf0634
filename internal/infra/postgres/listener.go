package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agora-sync/internal/domain"
	"github.com/jackc/pgx/v4/pgxpool"
)

// ChangeChannel is the NOTIFY channel the row triggers publish on.
const ChangeChannel = "session_changes"

// Publisher receives decoded change notifications.
type Publisher interface {
	Publish(ctx context.Context, change domain.Change) error
}

// Listener holds one pooled connection in LISTEN mode and republishes every
// trigger notification, so writes made by other processes wake local clients.
type Listener struct {
	pool    *pgxpool.Pool
	target  Publisher
	backoff time.Duration
}

func NewListener(pool *pgxpool.Pool, target Publisher) *Listener {
	return &Listener{pool: pool, target: target, backoff: time.Second}
}

type notifyPayload struct {
	SessionID string `json:"session_id"`
	Table     string `json:"table"`
}

// decodeNotification parses a trigger payload.
func decodeNotification(payload string) (domain.Change, error) {
	var p notifyPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return domain.Change{}, fmt.Errorf("decode notification: %w", err)
	}
	if p.SessionID == "" || p.Table == "" {
		return domain.Change{}, fmt.Errorf("decode notification: incomplete payload %q", payload)
	}
	return domain.Change{SessionID: p.SessionID, Table: p.Table}, nil
}

// Run blocks until ctx is cancelled, reconnecting after connection failures.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("change listener disconnected", "error", err, "retry_in", l.backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(l.backoff):
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	slog.Info("listening for row changes", "channel", ChangeChannel)

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("wait for notification: %w", err)
		}
		change, err := decodeNotification(n.Payload)
		if err != nil {
			slog.Warn("dropping change notification", "error", err)
			continue
		}
		if err := l.target.Publish(ctx, change); err != nil {
			slog.Warn("republish change failed", "session_id", change.SessionID, "table", change.Table, "error", err)
		}
	}
}
