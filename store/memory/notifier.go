package memory

import (
	"context"
	"encoding/json"
	"sync"
)

// Notifier is a loopback implementation of store.Notifier: published
// payloads are JSON-encoded and delivered synchronously to the local
// handler, so tests observe the same wire round-trip as LISTEN/NOTIFY
// without a database.
type Notifier struct {
	mu       sync.RWMutex
	handlers map[string]func(payload []byte)
	closed   bool
}

func NewNotifier() *Notifier {
	return &Notifier{handlers: make(map[string]func(payload []byte))}
}

func (n *Notifier) AddChannel(name string, handler func(payload []byte)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[name] = handler
	return nil
}

func (n *Notifier) RemoveChannel(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, name)
	return nil
}

// Channels lists the currently subscribed channel names, letting tests
// verify that a subscription did not outlive its owner.
func (n *Notifier) Channels() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.handlers))
	for name := range n.handlers {
		out = append(out, name)
	}
	return out
}

func (n *Notifier) Publish(ctx context.Context, name string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	n.mu.RLock()
	handler, ok := n.handlers[name]
	closed := n.closed
	n.mu.RUnlock()

	if closed || !ok {
		// No subscriber on this channel: the notification is simply lost,
		// exactly like NOTIFY without a listener.
		return nil
	}
	handler(body)
	return nil
}

func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.handlers = make(map[string]func(payload []byte))
	n.mu.Unlock()
}
