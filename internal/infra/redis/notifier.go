package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"agora-sync/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Notifier routes change triggers through Redis pub/sub so every server
// instance can wake its own websocket subscribers.
type Notifier struct {
	client *redis.Client
}

func NewNotifier(client *redis.Client) *Notifier {
	return &Notifier{client: client}
}

func (n *Notifier) channel(sessionID string) string {
	return "session-changes:" + sessionID
}

func (n *Notifier) Publish(ctx context.Context, change domain.Change) error {
	raw, err := json.Marshal(change)
	if err != nil {
		return err
	}
	if err := n.client.Publish(ctx, n.channel(change.SessionID), raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Subscribe returns once the subscription is confirmed by Redis. The caller
// must invoke the returned cancel function to avoid leaks.
func (n *Notifier) Subscribe(ctx context.Context, sessionID string) (<-chan domain.Change, func(), error) {
	pubsub := n.client.Subscribe(ctx, n.channel(sessionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("redis subscribe: %w", err)
	}

	out := make(chan domain.Change, 8)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range pubsub.Channel() {
			var change domain.Change
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				slog.Warn("dropping malformed change notification", "channel", msg.Channel, "error", err)
				continue
			}
			select {
			case out <- change:
			default:
				select {
				case <-out:
				default:
				}
				out <- change
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = pubsub.Close()
			<-done
			close(out)
		})
	}
	return out, cancel, nil
}
