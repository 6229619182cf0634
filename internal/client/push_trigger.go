package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"agora-sync/internal/domain"
	"github.com/gorilla/websocket"
)

// Trigger delivers change notifications for a session until ctx is done.
type Trigger interface {
	Run(ctx context.Context, sessionID string, out chan<- domain.Change) error
}

// PushTrigger follows the server's /ws/{sessionId} stream and reconnects
// after a drop.
type PushTrigger struct {
	BaseURL string
	Dialer  *websocket.Dialer
	Backoff time.Duration
}

func NewPushTrigger(baseURL string) *PushTrigger {
	return &PushTrigger{BaseURL: baseURL, Dialer: websocket.DefaultDialer, Backoff: 2 * time.Second}
}

func (p *PushTrigger) endpoint(sessionID string) (string, error) {
	u, err := url.Parse(p.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/" + url.PathEscape(sessionID)
	return u.String(), nil
}

// Run returns only when ctx is done or the base URL is unusable.
func (p *PushTrigger) Run(ctx context.Context, sessionID string, out chan<- domain.Change) error {
	endpoint, err := p.endpoint(sessionID)
	if err != nil {
		return err
	}
	backoff := p.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	for {
		if err := p.stream(ctx, endpoint, out); err != nil && ctx.Err() == nil {
			slog.Debug("push trigger disconnected", "session_id", sessionID, "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
	}
}

type wireMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (p *PushTrigger) stream(ctx context.Context, endpoint string, out chan<- domain.Change) error {
	dialer := p.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		if msg.Type != "change" {
			continue
		}
		var change domain.Change
		if err := json.Unmarshal(msg.Payload, &change); err != nil {
			slog.Debug("ignoring malformed change", "error", err)
			continue
		}
		select {
		case out <- change:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
