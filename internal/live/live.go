// Package live exposes the daemon over HTTP: health and status endpoints
// plus a WebSocket feed of session activity. Clients subscribe to sessions
// by ID and receive every turn and lifecycle event published on the bus.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/sessiond/internal/bus"
	"github.com/basket/sessiond/internal/persistence"
	"github.com/basket/sessiond/internal/queue"
	"github.com/basket/sessiond/internal/runtime"
)

// writeTimeout bounds a single push to one client. A client that cannot
// drain a frame within it is closed rather than allowed to stall the
// forwarder.
const writeTimeout = 5 * time.Second

type Config struct {
	Store    *persistence.Store
	Bus      *bus.Bus
	Queue    *queue.Queue
	Runtimes *runtime.Manager

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	Logger *slog.Logger
}

// Hub fans session events out to subscribed WebSocket clients. Publishing
// on the bus never blocks on the hub; a slow client is disconnected.
type Hub struct {
	cfg    Config
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // serializes writes to conn

	// Subscription state, lazily initialized on the first subscribe.
	subMu     sync.Mutex
	sessions  map[string]struct{}
	busSub    *bus.Subscription
	busCancel context.CancelFunc
}

// request is what clients send over the socket. One field per message.
type request struct {
	Subscribe   string `json:"subscribe,omitempty"`
	Unsubscribe string `json:"unsubscribe,omitempty"`
}

// Frame is every message the hub pushes. Acks carry Subscribed or Error;
// events carry Topic, SessionID and one of Turn or Lifecycle.
type Frame struct {
	Subscribed string `json:"subscribed,omitempty"`
	Error      string `json:"error,omitempty"`

	Topic     string          `json:"topic,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Turn      *TurnFrame      `json:"turn,omitempty"`
	Lifecycle *LifecycleFrame `json:"lifecycle,omitempty"`
}

// TurnFrame mirrors one processed turn event.
type TurnFrame struct {
	TurnID    string `json:"turn_id,omitempty"`
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ToolName  string `json:"tool_name,omitempty"`
	ToolUseID string `json:"tool_use_id,omitempty"`
	Status    string `json:"status,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// LifecycleFrame mirrors one session status transition.
type LifecycleFrame struct {
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason,omitempty"`
}

func New(cfg Config) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: map[*client]struct{}{},
	}
}

func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/statusz", h.handleStatusz)
	mux.HandleFunc("/ws", h.handleWS)
	return mux
}

// ClientCount reports connected WebSocket clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ctx := context.Background()
	dbOK := true
	if _, _, err := h.cfg.Store.ExecutionCounts(ctx); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Hub) handleStatusz(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	depth, err := h.cfg.Store.QueueDepth(ctx)
	if err != nil {
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	pending, running, err := h.cfg.Store.ExecutionCounts(ctx)
	if err != nil {
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	counts, err := h.cfg.Store.SessionCounts(ctx)
	if err != nil {
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	sessions := make(map[string]int, len(counts))
	for status, n := range counts {
		sessions[string(status)] = n
	}

	payload := map[string]any{
		"queue_depth":        depth,
		"executions_pending": pending,
		"executions_running": running,
		"sessions":           sessions,
		"ws_clients":         h.ClientCount(),
	}
	if h.cfg.Queue != nil {
		payload["workers"] = h.cfg.Queue.Status()
	}
	if h.cfg.Runtimes != nil {
		payload["runtime_connections"] = h.cfg.Runtimes.ActiveConnections()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket
		// library; cross-origin needs an explicit allowlist entry.
		OriginPatterns: h.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn}
	h.addClient(c)
	h.logger.Info("ws: client connected")
	defer func() {
		h.removeClient(c)
		h.logger.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req request
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			return
		}
		switch {
		case req.Subscribe != "":
			h.subscribe(r.Context(), c, req.Subscribe)
		case req.Unsubscribe != "":
			c.unsubscribe(req.Unsubscribe)
		}
	}
}

func (h *Hub) authorize(r *http.Request) bool {
	if h.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == h.cfg.AuthToken
}

// subscribe registers the client for a session's events. The first
// subscription starts the bus listener goroutine for this client.
func (h *Hub) subscribe(ctx context.Context, c *client, sessionID string) {
	if _, err := h.cfg.Store.GetSession(ctx, sessionID); err != nil {
		_ = c.write(ctx, Frame{Error: fmt.Sprintf("unknown session %s", sessionID)})
		return
	}

	c.subMu.Lock()
	if c.sessions == nil {
		c.sessions = make(map[string]struct{})
	}
	c.sessions[sessionID] = struct{}{}
	if c.busSub == nil && h.cfg.Bus != nil {
		c.busSub = h.cfg.Bus.Subscribe("session.")
		var busCtx context.Context
		busCtx, c.busCancel = context.WithCancel(context.Background())
		go h.forwardBusEvents(busCtx, c)
	}
	c.subMu.Unlock()

	_ = c.write(ctx, Frame{Subscribed: sessionID})
}

func (c *client) unsubscribe(sessionID string) {
	c.subMu.Lock()
	delete(c.sessions, sessionID)
	c.subMu.Unlock()
}

// forwardBusEvents pushes bus events for subscribed sessions to one
// client. The write deadline keeps a stalled client from backing up into
// the bus; on a missed deadline the client is cut loose.
func (h *Hub) forwardBusEvents(ctx context.Context, c *client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.busSub.Ch():
			if !ok {
				return
			}
			frame, sessionID := frameFor(ev)
			if frame == nil {
				continue
			}
			c.subMu.Lock()
			_, subscribed := c.sessions[sessionID]
			c.subMu.Unlock()
			if !subscribed {
				continue
			}

			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.write(writeCtx, frame)
			cancel()
			if err != nil {
				h.logger.Warn("ws: dropping slow client", "session_id", sessionID, "error", err)
				_ = c.conn.Close(websocket.StatusPolicyViolation, "backpressure")
				return
			}
		}
	}
}

func frameFor(ev bus.Event) (*Frame, string) {
	switch p := ev.Payload.(type) {
	case bus.TurnEvent:
		return &Frame{
			Topic:     ev.Topic,
			SessionID: p.SessionID,
			Turn: &TurnFrame{
				TurnID:    p.TurnID,
				Type:      p.Type,
				Text:      p.Text,
				ToolName:  p.ToolName,
				ToolUseID: p.ToolUseID,
				Status:    p.Status,
				Reason:    p.Reason,
			},
		}, p.SessionID
	case bus.SessionLifecycleEvent:
		return &Frame{
			Topic:     ev.Topic,
			SessionID: p.SessionID,
			Lifecycle: &LifecycleFrame{
				OldStatus: p.OldStatus,
				NewStatus: p.NewStatus,
				Reason:    p.Reason,
			},
		}, p.SessionID
	default:
		return nil, ""
	}
}

func (h *Hub) addClient(c *client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) removeClient(c *client) {
	c.subMu.Lock()
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil && h.cfg.Bus != nil {
		h.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.subMu.Unlock()

	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	delete(h.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}
