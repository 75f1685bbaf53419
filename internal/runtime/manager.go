package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/basket/sessiond/internal/persistence"
)

// connectMaxTries bounds provisioning attempts per Acquire.
const connectMaxTries = 4

// Manager hands out at most one Client per session and caps live
// connections globally. Acquire past the cap blocks until a slot frees,
// so load sheds as latency instead of errors.
type Manager struct {
	factory        Factory
	connectTimeout time.Duration
	logger         *slog.Logger

	slots chan struct{}

	mu      sync.Mutex
	clients map[string]Client
}

func NewManager(factory Factory, maxConnections int, connectTimeout time.Duration, logger *slog.Logger) *Manager {
	if maxConnections < 1 {
		maxConnections = 1
	}
	if connectTimeout <= 0 {
		connectTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory:        factory,
		connectTimeout: connectTimeout,
		logger:         logger,
		slots:          make(chan struct{}, maxConnections),
		clients:        make(map[string]Client),
	}
}

// Acquire returns the session's client, building one when absent. A
// session never holds more than one connection; a second Acquire returns
// the existing handle without consuming another slot.
func (m *Manager) Acquire(ctx context.Context, session *persistence.Session) (Client, error) {
	m.mu.Lock()
	if c, ok := m.clients[session.ID]; ok {
		m.mu.Unlock()
		return c, nil
	}
	m.mu.Unlock()

	select {
	case m.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for runtime slot: %w", ctx.Err())
	}

	client, err := m.connect(ctx, session)
	if err != nil {
		<-m.slots
		return nil, err
	}

	m.mu.Lock()
	if existing, ok := m.clients[session.ID]; ok {
		// Lost a provisioning race; keep the first connection.
		m.mu.Unlock()
		<-m.slots
		_ = client.Close(ctx)
		return existing, nil
	}
	m.clients[session.ID] = client
	m.mu.Unlock()

	m.logger.Debug("runtime connection acquired", "session_id", session.ID)
	return client, nil
}

func (m *Manager) connect(ctx context.Context, session *persistence.Session) (Client, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 250 * time.Millisecond
	expo.MaxInterval = 5 * time.Second

	client, err := backoff.Retry(ctx, func() (Client, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
		defer cancel()
		c, err := m.factory(attemptCtx, session)
		if err != nil {
			m.logger.Warn("runtime connect attempt failed", "session_id", session.ID, "error", err)
			return nil, err
		}
		return c, nil
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(connectMaxTries))
	if err != nil {
		return nil, fmt.Errorf("connect runtime for session %s: %w", session.ID, err)
	}
	return client, nil
}

// Get returns the session's live client without creating one.
func (m *Manager) Get(sessionID string) (Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[sessionID]
	return c, ok
}

// Release closes and forgets the session's client, freeing its slot.
// Releasing a session without a client is a no-op.
func (m *Manager) Release(ctx context.Context, sessionID string) {
	m.mu.Lock()
	client, ok := m.clients[sessionID]
	delete(m.clients, sessionID)
	m.mu.Unlock()
	if !ok {
		return
	}
	if err := client.Close(ctx); err != nil {
		m.logger.Warn("runtime close failed", "session_id", sessionID, "error", err)
	}
	<-m.slots
}

// ActiveConnections reports how many sessions currently hold a client.
func (m *Manager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// CloseAll releases every client. Used on daemon shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Release(ctx, id)
	}
}
