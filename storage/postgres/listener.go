package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	stdSync "sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/cardroom/go-game-sync/logging"
)

// SessionNotification is the payload carried on SessionChannel for every
// committed session upsert.
type SessionNotification struct {
	SessionID string    `json:"sessionId"`
	Version   int64     `json:"version"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SessionHandler receives decoded session notifications.
type SessionHandler func(payload SessionNotification) error

// dispatcher routes notifications to per-session handlers plus any
// wildcard handlers.
type dispatcher struct {
	mu       stdSync.RWMutex
	handlers map[string][]SessionHandler
	all      []SessionHandler
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[string][]SessionHandler)}
}

func (d *dispatcher) subscribe(sessionID string, handler SessionHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sessionID == "" {
		d.all = append(d.all, handler)
		return
	}
	d.handlers[sessionID] = append(d.handlers[sessionID], handler)
}

func (d *dispatcher) unsubscribe(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, sessionID)
}

func (d *dispatcher) dispatch(raw string) error {
	var payload SessionNotification
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return fmt.Errorf("failed to parse notification payload: %w", err)
	}

	d.mu.RLock()
	handlers := append([]SessionHandler(nil), d.all...)
	handlers = append(handlers, d.handlers[payload.SessionID]...)
	d.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(payload); err != nil {
			return fmt.Errorf("handler error for session %s: %w", payload.SessionID, err)
		}
	}
	return nil
}

// Listener consumes session update notifications over a dedicated
// LISTEN/NOTIFY connection. Each server instance runs one listener and uses
// it to learn about commits made by its peers.
type Listener struct {
	listener   *pq.Listener
	dispatcher *dispatcher
	logger     *logging.Logger
	closed     int32
	done       chan struct{}

	reconnectInterval   time.Duration
	notificationTimeout time.Duration
}

// NewListener creates a Listener for the given connection string. Call
// Start to begin consuming notifications.
func NewListener(connectionString string) (*Listener, error) {
	if connectionString == "" {
		return nil, fmt.Errorf("connection string cannot be empty")
	}

	l := &Listener{
		dispatcher:          newDispatcher(),
		logger:              logging.WithComponent(logging.Component("postgres-listener")),
		done:                make(chan struct{}),
		reconnectInterval:   5 * time.Second,
		notificationTimeout: 30 * time.Second,
	}

	l.listener = pq.NewListener(
		connectionString,
		l.reconnectInterval,
		l.notificationTimeout,
		l.eventCallback,
	)
	return l, nil
}

func (l *Listener) eventCallback(event pq.ListenerEventType, err error) {
	ctx := context.Background()
	switch event {
	case pq.ListenerEventConnected:
		l.logger.InfoContext(ctx, "Connected for LISTEN/NOTIFY")
	case pq.ListenerEventDisconnected:
		l.logger.WarnContext(ctx, "Disconnected", slog.Any("error", err))
	case pq.ListenerEventReconnected:
		l.logger.InfoContext(ctx, "Reconnected, restoring channel subscription")
		if err := l.listener.Listen(SessionChannel); err != nil && err != pq.ErrChannelAlreadyOpen {
			l.logger.ErrorContext(ctx, "Failed to re-listen after reconnect", slog.Any("error", err))
		}
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.WarnContext(ctx, "Connection attempt failed", slog.Any("error", err))
	}
}

// Start subscribes to SessionChannel and launches the consume loop. The
// loop stops when ctx is cancelled or Close is called.
func (l *Listener) Start(ctx context.Context) error {
	if atomic.LoadInt32(&l.closed) == 1 {
		return fmt.Errorf("listener is closed")
	}

	if err := l.listener.Listen(SessionChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", SessionChannel, err)
	}

	go l.consume(ctx)
	return nil
}

func (l *Listener) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case notification := <-l.listener.Notify:
			// A nil notification signals a reconnect; the event
			// callback already restored the subscription.
			if notification == nil {
				continue
			}
			if err := l.dispatcher.dispatch(notification.Extra); err != nil {
				l.logger.WarnContext(ctx, "Notification handling failed",
					slog.Any("error", err))
			}
		case <-time.After(90 * time.Second):
			go func() {
				if err := l.listener.Ping(); err != nil {
					l.logger.WarnContext(ctx, "Keepalive ping failed", slog.Any("error", err))
				}
			}()
		}
	}
}

// Subscribe registers a handler for updates to one session. An empty
// sessionID subscribes to every session.
func (l *Listener) Subscribe(sessionID string, handler SessionHandler) error {
	if atomic.LoadInt32(&l.closed) == 1 {
		return fmt.Errorf("listener is closed")
	}
	l.dispatcher.subscribe(sessionID, handler)
	return nil
}

// Unsubscribe drops the handlers registered for a session.
func (l *Listener) Unsubscribe(sessionID string) {
	l.dispatcher.unsubscribe(sessionID)
}

// IsConnected reports whether the underlying connection is healthy.
func (l *Listener) IsConnected() bool {
	if atomic.LoadInt32(&l.closed) == 1 {
		return false
	}
	return l.listener.Ping() == nil
}

// Close shuts the listener down. Safe to call more than once.
func (l *Listener) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	close(l.done)
	return l.listener.Close()
}
