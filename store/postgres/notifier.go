package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/queueworks/docqueue/store"
)

const reconnectBackoff = time.Second

// Notifier implements the push-notification primitive over LISTEN/NOTIFY.
// One dedicated connection carries every subscription; publishes go through
// the shared pool so they never contend with the blocking wait.
//
// The listen loop owns the dedicated connection. LISTEN/UNLISTEN commands
// cannot run while the connection is blocked in WaitForNotification, so
// subscription changes are queued and the wait is interrupted via context
// cancellation to apply them.
type Notifier struct {
	pool *pgxpool.Pool
	log  *zap.Logger

	mu        sync.Mutex
	handlers  map[string]func(payload []byte)
	dirty     bool
	interrupt context.CancelFunc
	closed    bool

	cancel context.CancelFunc
	done   chan struct{}
}

var _ store.Notifier = (*Notifier)(nil)

// NewNotifier opens the dedicated connection and starts the listen loop.
func NewNotifier(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger) (*Notifier, error) {
	conn, err := pgx.ConnectConfig(ctx, pool.Config().ConnConfig)
	if err != nil {
		return nil, fmt.Errorf("notifier: connect: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		pool:     pool,
		log:      log,
		handlers: make(map[string]func(payload []byte)),
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go n.run(loopCtx, conn)
	return n, nil
}

// AddChannel registers the handler and starts listening on the channel.
func (n *Notifier) AddChannel(name string, handler func(payload []byte)) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return store.ErrClosed
	}
	n.handlers[name] = handler
	n.dirty = true
	interrupt := n.interrupt
	n.mu.Unlock()

	if interrupt != nil {
		interrupt()
	}
	return nil
}

// RemoveChannel drops the handler and unlistens.
func (n *Notifier) RemoveChannel(name string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return store.ErrClosed
	}
	delete(n.handlers, name)
	n.dirty = true
	interrupt := n.interrupt
	n.mu.Unlock()

	if interrupt != nil {
		interrupt()
	}
	return nil
}

// Publish emits a notification through the pool. The payload crosses the
// wire as JSON.
func (n *Notifier) Publish(ctx context.Context, name string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notifier: encode payload: %w", err)
	}
	if _, err := n.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, name, string(body)); err != nil {
		return fmt.Errorf("notifier: publish: %w", err)
	}
	return nil
}

// Close stops the listen loop and releases the dedicated connection.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	n.cancel()
	<-n.done
}

func (n *Notifier) run(ctx context.Context, conn *pgx.Conn) {
	defer close(n.done)
	defer func() {
		if conn != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			conn.Close(closeCtx) //nolint:errcheck
			cancel()
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		if conn == nil {
			var err error
			conn, err = pgx.ConnectConfig(ctx, n.pool.Config().ConnConfig)
			if err != nil {
				n.log.Warn("notifier reconnect failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(reconnectBackoff):
				}
				continue
			}
			// A fresh connection has no subscriptions: re-listen everything.
			n.mu.Lock()
			n.dirty = true
			n.mu.Unlock()
		}

		if err := n.sync(ctx, conn); err != nil {
			n.log.Warn("notifier listen sync failed", zap.Error(err))
			conn.Close(ctx) //nolint:errcheck
			conn = nil
			continue
		}

		waitCtx, interrupt := context.WithCancel(ctx)
		n.mu.Lock()
		n.interrupt = interrupt
		n.mu.Unlock()

		notification, err := conn.WaitForNotification(waitCtx)
		interrupt()

		n.mu.Lock()
		n.interrupt = nil
		n.mu.Unlock()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				// Interrupted to apply a subscription change.
				continue
			}
			n.log.Warn("notification wait failed, reconnecting", zap.Error(err))
			conn.Close(ctx) //nolint:errcheck
			conn = nil
			continue
		}

		n.dispatch(notification.Channel, []byte(notification.Payload))
	}
}

// sync applies the current handler table: it listens on every registered
// channel. UNLISTEN * first keeps the connection's view and the table in
// lockstep without tracking per-channel diffs.
func (n *Notifier) sync(ctx context.Context, conn *pgx.Conn) error {
	n.mu.Lock()
	if !n.dirty {
		n.mu.Unlock()
		return nil
	}
	n.dirty = false
	channels := make([]string, 0, len(n.handlers))
	for name := range n.handlers {
		channels = append(channels, name)
	}
	n.mu.Unlock()

	if _, err := conn.Exec(ctx, `UNLISTEN *`); err != nil {
		return err
	}
	for _, name := range channels {
		if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{name}.Sanitize()); err != nil {
			return err
		}
	}
	return nil
}

func (n *Notifier) dispatch(channel string, payload []byte) {
	n.mu.Lock()
	handler := n.handlers[channel]
	n.mu.Unlock()

	if handler == nil {
		return
	}
	handler(payload)
}
