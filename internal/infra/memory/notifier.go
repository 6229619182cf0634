package memory

import (
	"context"
	"sync"

	"agora-sync/internal/domain"
)

// Notifier fans change triggers out to in-process subscribers.
type Notifier struct {
	mu          sync.Mutex
	subscribers map[string]map[chan domain.Change]struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{subscribers: make(map[string]map[chan domain.Change]struct{})}
}

// Publish never blocks: a subscriber that has fallen behind loses its oldest
// pending trigger. Triggers carry no data, so only the latest one matters.
func (n *Notifier) Publish(_ context.Context, change domain.Change) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subscribers[change.SessionID] {
		select {
		case ch <- change:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- change
		}
	}
	return nil
}

// Subscribe returns a channel of changes for one session. The caller must
// invoke the returned cancel function to avoid leaks.
func (n *Notifier) Subscribe(_ context.Context, sessionID string) (<-chan domain.Change, func(), error) {
	ch := make(chan domain.Change, 8)

	n.mu.Lock()
	subs, ok := n.subscribers[sessionID]
	if !ok {
		subs = make(map[chan domain.Change]struct{})
		n.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		subs := n.subscribers[sessionID]
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(n.subscribers, sessionID)
		}
	}
	return ch, cancel, nil
}

// Subscribers reports how many subscriptions are open for sessionID.
func (n *Notifier) Subscribers(sessionID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subscribers[sessionID])
}
