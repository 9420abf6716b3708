package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callbridge-backend/internal/domain"
	"callbridge-backend/internal/signaling"
	"callbridge-backend/internal/store"
	"callbridge-backend/pkg/constants"
	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/metrics"
)

// RelayHub bridges browser peers onto the signaling store. A client connects
// for one call in one role; the hub watches the call record and the remote
// candidate list on its behalf and pushes every change down the socket, and
// forwards the client's own descriptions and candidates into the store.
type RelayHub struct {
	store store.Store

	// Registered clients per call
	calls map[uuid.UUID]map[*RelayClient]bool
	mu    sync.RWMutex

	register   chan *RelayClient
	unregister chan *RelayClient

	// Concurrency limit on simultaneous WebSocket connections
	maxConnections int
	semaphore      chan struct{}
}

// RelayClient represents one WebSocket peer attached to a call
type RelayClient struct {
	hub     *RelayHub
	conn    *websocket.Conn
	send    chan []byte
	callID  uuid.UUID
	role    domain.CallRole
	channel *signaling.Channel
	ctx     context.Context
	cancel  context.CancelFunc

	closeOnce sync.Once
}

// RelayMessage types
const (
	RelayTypeRecord      = "record"
	RelayTypeCandidate   = "candidate"
	RelayTypeDescription = "description"
)

// RelayMessage is the wire frame exchanged with relay clients
type RelayMessage struct {
	Type      string               `json:"type"`
	CallID    uuid.UUID            `json:"call_id,omitempty"`
	Record    map[string]any       `json:"record,omitempty"`
	SDPType   string               `json:"sdp_type,omitempty"`
	SDP       string               `json:"sdp,omitempty"`
	Candidate *domain.ICECandidate `json:"candidate,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

// GetAllowedOrigins returns allowed WebSocket origins from environment or defaults
func GetAllowedOrigins() map[string]bool {
	allowedOrigins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:8080": true,
		"http://127.0.0.1:3000": true,
		"http://127.0.0.1:8080": true,
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return allowedOrigins
}

var relayUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Reject empty origins - require explicit origin for security
			return false
		}
		return GetAllowedOrigins()[origin]
	},
}

// NewRelayHub creates a new relay hub over the given signaling store
func NewRelayHub(s store.Store) *RelayHub {
	maxConns := 1000
	if val := os.Getenv("WS_MAX_RELAY_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	hub := &RelayHub{
		store:          s,
		calls:          make(map[uuid.UUID]map[*RelayClient]bool),
		register:       make(chan *RelayClient),
		unregister:     make(chan *RelayClient),
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}

	go hub.run()

	return hub
}

func (h *RelayHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.calls[client.callID] == nil {
				h.calls[client.callID] = make(map[*RelayClient]bool)
			}
			h.calls[client.callID][client] = true
			h.mu.Unlock()

			if err := client.subscribe(); err != nil {
				logger.Warn("relay client subscription failed",
					zap.String("call_id", client.callID.String()),
					zap.Error(err))
				client.close()
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.calls[client.callID]; ok {
				if _, exists := clients[client]; exists {
					delete(clients, client)
					if len(clients) == 0 {
						delete(h.calls, client.callID)
					}
				}
			}
			h.mu.Unlock()
			client.close()
		}
	}
}

// ClientCount reports the number of clients attached to a call
func (h *RelayHub) ClientCount(callID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.calls[callID])
}

// ServeWS handles WebSocket requests for call signaling. The call and role
// are taken from the query string; each connection serves exactly one call.
func (h *RelayHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		metrics.RelayConnectionsRejectedTotal.Inc()
		logger.Warn("relay connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}
	release := func() { <-h.semaphore }

	callID, err := uuid.Parse(c.Query("call_id"))
	if err != nil {
		release()
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid call_id"})
		return
	}

	role := domain.CallRole(c.Query("role"))
	if role != domain.RoleCaller && role != domain.RoleCallee {
		release()
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be caller or callee"})
		return
	}

	conn, err := relayUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		release()
		logger.Warn("WebSocket upgrade failed",
			zap.String("call_id", callID.String()),
			zap.Error(err))
		return
	}

	metrics.RelayConnectionsTotal.Inc()
	metrics.RelayConnectionsActive.Inc()

	ctx, cancel := context.WithCancel(context.Background())
	client := &RelayClient{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 256),
		callID:  callID,
		role:    role,
		channel: signaling.NewChannel(h.store, callID),
		ctx:     ctx,
		cancel:  cancel,
	}

	h.register <- client

	go func() {
		defer release()
		defer metrics.RelayConnectionsActive.Dec()
		client.writePump()
	}()
	go client.readPump()
}

// subscribe attaches the client's store watches. Record snapshots and remote
// candidates are pushed as they arrive; the initial snapshot goes out first.
func (c *RelayClient) subscribe() error {
	err := c.channel.SubscribeRecord(c.ctx, func(record map[string]any) {
		c.push(&RelayMessage{
			Type:      RelayTypeRecord,
			CallID:    c.callID,
			Record:    record,
			Timestamp: time.Now(),
		})
	})
	if err != nil {
		return err
	}

	return c.channel.SubscribeRemoteCandidates(c.ctx, c.role.Remote(), func(candidate domain.ICECandidate) {
		c.push(&RelayMessage{
			Type:      RelayTypeCandidate,
			CallID:    c.callID,
			Candidate: &candidate,
			Timestamp: time.Now(),
		})
	})
}

// push queues a frame for the client, dropping the connection when the
// buffer is full. A reader that slow has lost signaling timeliness anyway.
func (c *RelayClient) push(msg *RelayMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		logger.Warn("relay frame marshal failed", zap.Error(err))
		return
	}
	select {
	case c.send <- payload:
		metrics.RelayMessagesOutTotal.WithLabelValues(msg.Type).Inc()
	default:
		metrics.RelayDroppedClientsTotal.Inc()
		logger.Warn("relay client send buffer full, dropping connection",
			zap.String("call_id", c.callID.String()))
		c.close()
	}
}

// handleInbound forwards one client frame into the signaling store
func (c *RelayClient) handleInbound(msg *RelayMessage) {
	metrics.RelayMessagesInTotal.WithLabelValues(msg.Type).Inc()

	ctx, cancel := context.WithTimeout(c.ctx, constants.StoreOpTimeout)
	defer cancel()

	switch msg.Type {
	case RelayTypeDescription:
		desc := domain.SessionDescription{Type: msg.SDPType, SDP: msg.SDP}
		if err := c.channel.PublishDescription(ctx, c.role, desc); err != nil {
			logger.Warn("description publish failed",
				zap.String("call_id", c.callID.String()),
				zap.Error(err))
		}
	case RelayTypeCandidate:
		if msg.Candidate == nil {
			return
		}
		if err := c.channel.PublishCandidate(ctx, c.role, *msg.Candidate); err != nil {
			logger.Warn("candidate publish failed",
				zap.String("call_id", c.callID.String()),
				zap.Error(err))
		}
	default:
		logger.Debug("unknown relay frame ignored", zap.String("type", msg.Type))
	}
}

// close tears the client down. The send channel is never closed: watch
// callbacks may still be in flight, and writePump exits on the context
// instead.
func (c *RelayClient) close() {
	c.closeOnce.Do(func() {
		c.cancel()
		c.channel.Close()
	})
}

// readPump reads frames from the WebSocket
func (c *RelayClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("relay connection closed",
					zap.String("call_id", c.callID.String()),
					zap.Error(err))
			}
			break
		}

		var msg RelayMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			logger.Warn("invalid relay frame",
				zap.String("call_id", c.callID.String()),
				zap.Error(err))
			continue
		}

		c.handleInbound(&msg)
	}
}

// writePump writes frames to the WebSocket
func (c *RelayClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
