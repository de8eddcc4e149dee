package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callorchestrator-backend/internal/database"
	"callorchestrator-backend/internal/domain"
	"callorchestrator-backend/pkg/constants"
	"callorchestrator-backend/pkg/errors"
	"callorchestrator-backend/pkg/logger"
	"callorchestrator-backend/pkg/metrics"
)

// Signal types peers exchange through the hub
const (
	SignalTypeOffer  = "offer"
	SignalTypeAnswer = "answer"
	SignalTypeICE    = "ice_candidate"
	SignalTypeError  = "error"
)

// SignalingMessage is one frame on the signaling socket. Session events are
// sent with the event type as Type and the event payload as Payload.
type SignalingMessage struct {
	Type      string         `json:"type"`
	CallID    uuid.UUID      `json:"call_id"`
	SenderID  uuid.UUID      `json:"sender_id,omitempty"`
	TargetID  uuid.UUID      `json:"target_id,omitempty"`
	SDP       string         `json:"sdp,omitempty"`
	Candidate map[string]any `json:"candidate,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// envelope is what instances exchange over Redis
type envelope struct {
	Recipients []uuid.UUID     `json:"recipients"`
	Message    json.RawMessage `json:"message"`
}

// CallReader loads the authoritative call state
type CallReader interface {
	GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
}

// PresenceTracker records connected devices
type PresenceTracker interface {
	AddDevice(ctx context.Context, userID uuid.UUID, deviceID string) error
	RemoveDevice(ctx context.Context, userID uuid.UUID, deviceID string) error
	RefreshPresence(ctx context.Context, userID uuid.UUID) error
}

// HubConfig tunes a SignalingHub
type HubConfig struct {
	// Channel is the Redis channel shared by all instances
	Channel        string
	MaxConnections int
	AllowedOrigins []string
}

// SignalingHub keeps the WebSocket connections of this instance, keyed by
// user. Frames for a user go through Redis so that whichever instance holds
// the user's sockets writes them. Without Redis the hub delivers locally.
type SignalingHub struct {
	clients map[uuid.UUID]map[*SignalingClient]struct{}
	mu      sync.RWMutex

	redis    *database.RedisClient
	channel  string
	calls    CallReader
	presence PresenceTracker
	metrics  *metrics.Metrics

	register   chan *SignalingClient
	unregister chan *SignalingClient
	done       chan struct{}

	maxConnections int
	semaphore      chan struct{}
	upgrader       websocket.Upgrader
}

// SignalingClient is one WebSocket connection of a user
type SignalingClient struct {
	id     string
	hub    *SignalingHub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
}

// NewSignalingHub creates a hub. redis and presence may be nil.
func NewSignalingHub(redis *database.RedisClient, calls CallReader, presence PresenceTracker, cfg HubConfig, m *metrics.Metrics) *SignalingHub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 1000
	}
	if cfg.Channel == "" {
		cfg.Channel = "calls:events"
	}

	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[origin] = true
	}

	return &SignalingHub{
		clients:        make(map[uuid.UUID]map[*SignalingClient]struct{}),
		redis:          redis,
		channel:        cfg.Channel,
		calls:          calls,
		presence:       presence,
		metrics:        m,
		register:       make(chan *SignalingClient),
		unregister:     make(chan *SignalingClient, 64),
		done:           make(chan struct{}),
		maxConnections: cfg.MaxConnections,
		semaphore:      make(chan struct{}, cfg.MaxConnections),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// Reject empty origins, browsers always send one
				return allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// Run processes registrations and, with Redis configured, the shared
// channel. It returns when ctx is done.
func (h *SignalingHub) Run(ctx context.Context) {
	defer close(h.done)
	if h.redis != nil {
		go h.subscribe(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.userID] == nil {
				h.clients[client.userID] = make(map[*SignalingClient]struct{})
			}
			h.clients[client.userID][client] = struct{}{}
			count := h.countLocked()
			h.mu.Unlock()

			h.metrics.SetWebSocketConnections(count)
			h.trackPresence(ctx, client, true)

		case client := <-h.unregister:
			h.mu.Lock()
			removed := h.removeLocked(client)
			count := h.countLocked()
			h.mu.Unlock()

			if removed {
				h.metrics.SetWebSocketConnections(count)
				h.trackPresence(ctx, client, false)
			}
		}
	}
}

// Deliver implements relay.Deliverer
func (h *SignalingHub) Deliver(ctx context.Context, recipients []uuid.UUID, evt *domain.Event) error {
	msg := &SignalingMessage{
		Type:      string(evt.Type),
		CallID:    evt.CallID,
		SenderID:  evt.UserID,
		Payload:   evt.Payload,
		Timestamp: evt.Timestamp,
	}
	return h.fanOut(ctx, recipients, msg)
}

// Connected reports whether userID has a socket on this instance
func (h *SignalingHub) Connected(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// fanOut publishes msg for recipients. A Redis failure falls back to the
// sockets held by this instance.
func (h *SignalingHub) fanOut(ctx context.Context, recipients []uuid.UUID, msg *SignalingMessage) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode signaling message: %w", err)
	}

	if h.redis == nil {
		h.dispatch(recipients, frame)
		return nil
	}

	payload, err := json.Marshal(envelope{Recipients: recipients, Message: frame})
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := h.redis.SafePublish(ctx, h.channel, payload).Err(); err != nil {
		logger.Warn("Failed to publish signaling message, delivering locally",
			zap.String("type", msg.Type),
			zap.String("call_id", msg.CallID.String()),
			zap.Error(err))
		h.dispatch(recipients, frame)
	}
	return nil
}

// subscribe feeds frames published by any instance to local sockets
func (h *SignalingHub) subscribe(ctx context.Context) {
	pubsub := h.redis.Client.Subscribe(ctx, h.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		logger.Error("Failed to subscribe to Redis channel",
			zap.String("channel", h.channel),
			zap.Error(err))
		return
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Warn("Failed to unmarshal Redis message",
					zap.String("channel", h.channel),
					zap.Error(err))
				continue
			}
			h.dispatch(env.Recipients, env.Message)
		}
	}
}

// dispatch writes frame to every local socket of the recipients. A client
// whose send buffer is full is disconnected.
func (h *SignalingHub) dispatch(recipients []uuid.UUID, frame []byte) {
	var slow []*SignalingClient

	h.mu.RLock()
	for _, userID := range recipients {
		for client := range h.clients[userID] {
			select {
			case client.send <- frame:
			default:
				slow = append(slow, client)
			}
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		logger.Warn("Dropping slow signaling client",
			zap.String("user_id", client.userID.String()))
		h.drop(client)
	}
}

func (h *SignalingHub) drop(client *SignalingClient) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// authorizeSignal lets peers signal each other only while both are joined
// to the same live call
func (h *SignalingHub) authorizeSignal(ctx context.Context, msg *SignalingMessage) error {
	if msg.CallID == uuid.Nil || msg.TargetID == uuid.Nil {
		return errors.ValidationError("call_id and target_id are required")
	}
	if msg.TargetID == msg.SenderID {
		return errors.ValidationError("Cannot signal yourself")
	}

	call, err := h.calls.GetByID(ctx, msg.CallID)
	if err != nil {
		return err
	}
	if !call.Status.Live() {
		return errors.InvalidTransitionError("call", string(call.Status), "signal")
	}
	for _, userID := range []uuid.UUID{msg.SenderID, msg.TargetID} {
		p := call.Participant(userID)
		if p == nil || p.Status != domain.ParticipantStatusJoined {
			return errors.PermissionDeniedError("Both peers must be joined to the call")
		}
	}
	return nil
}

// handleSignal validates a frame read from a client and forwards it
func (h *SignalingHub) handleSignal(ctx context.Context, client *SignalingClient, msg *SignalingMessage) {
	switch msg.Type {
	case SignalTypeOffer, SignalTypeAnswer, SignalTypeICE:
	default:
		h.sendError(client, msg, errors.ValidationError(fmt.Sprintf("Unsupported signal type: %s", msg.Type)))
		return
	}

	msg.SenderID = client.userID
	msg.Payload = nil
	msg.Timestamp = time.Now().UTC()

	if err := h.authorizeSignal(ctx, msg); err != nil {
		h.sendError(client, msg, err)
		return
	}

	h.metrics.RecordWebSocketMessage(msg.Type, "in")
	if err := h.fanOut(ctx, []uuid.UUID{msg.TargetID}, msg); err != nil {
		logger.Warn("Failed to forward signal",
			zap.String("call_id", msg.CallID.String()),
			zap.String("user_id", client.userID.String()),
			zap.Error(err))
	}
}

// ServeWS upgrades an authenticated request to a signaling socket
func (h *SignalingHub) ServeWS(c *gin.Context) {
	select {
	case h.semaphore <- struct{}{}:
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	userID, ok := c.Get("user_id")
	uid, isUUID := userID.(uuid.UUID)
	if !ok || !isUUID {
		<-h.semaphore
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		<-h.semaphore
		logger.Warn("WebSocket upgrade failed",
			zap.String("user_id", uid.String()),
			zap.Error(err))
		return
	}

	client := &SignalingClient{
		id:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: uid,
	}
	select {
	case h.register <- client:
	case <-h.done:
		<-h.semaphore
		conn.Close()
		return
	}

	go client.writePump()
	go func() {
		defer func() { <-h.semaphore }()
		client.readPump()
	}()
}

func (h *SignalingHub) removeLocked(client *SignalingClient) bool {
	set, ok := h.clients[client.userID]
	if !ok {
		return false
	}
	if _, exists := set[client]; !exists {
		return false
	}
	delete(set, client)
	close(client.send)
	if len(set) == 0 {
		delete(h.clients, client.userID)
	}
	return true
}

func (h *SignalingHub) countLocked() int {
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

func (h *SignalingHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.clients {
		for client := range set {
			h.removeLocked(client)
		}
	}
}

func (h *SignalingHub) trackPresence(ctx context.Context, client *SignalingClient, online bool) {
	if h.presence == nil {
		return
	}
	var err error
	if online {
		err = h.presence.AddDevice(ctx, client.userID, client.id)
	} else {
		err = h.presence.RemoveDevice(context.WithoutCancel(ctx), client.userID, client.id)
	}
	if err != nil {
		logger.Warn("Failed to update presence",
			zap.String("user_id", client.userID.String()),
			zap.Bool("online", online),
			zap.Error(err))
	}
}

// sendError reports a rejected frame back to its sender only. The send
// channel is closed under h.mu, so a client that was already dropped gets nothing.
func (h *SignalingHub) sendError(client *SignalingClient, msg *SignalingMessage, err error) {
	detail := map[string]any{"message": err.Error()}
	if appErr := errors.GetAppError(err); appErr != nil {
		detail = map[string]any{"code": string(appErr.Code), "message": appErr.Message}
	}
	frame, _ := json.Marshal(&SignalingMessage{
		Type:      SignalTypeError,
		CallID:    msg.CallID,
		TargetID:  msg.TargetID,
		Payload:   detail,
		Timestamp: time.Now().UTC(),
	})

	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, registered := h.clients[client.userID][client]; !registered {
		return
	}
	select {
	case client.send <- frame:
	default:
	}
}

// readPump reads frames from the socket until it closes
func (c *SignalingClient) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	ctx := context.Background()
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		if c.hub.presence != nil {
			if err := c.hub.presence.RefreshPresence(ctx, c.userID); err != nil {
				logger.Debug("Failed to refresh presence",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
		}
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}

		var msg SignalingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("Invalid message format from WebSocket",
				zap.String("user_id", c.userID.String()),
				zap.Error(err))
			continue
		}

		c.hub.handleSignal(ctx, c, &msg)
	}
}

// writePump writes queued frames and keeps the connection alive with pings
func (c *SignalingClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval * 9 / 10)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			c.hub.metrics.RecordWebSocketMessage("frame", "out")

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
