package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/4xmen/hamkar/internal/chat"
	"github.com/4xmen/hamkar/internal/models"
	"github.com/4xmen/hamkar/internal/repository"
	apperrors "github.com/4xmen/hamkar/pkg/errors"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxFrameSize   = 64 << 10
	sendBufferSize = 256
	requestTimeout = 5 * time.Second
)

// Event types sent to clients.
const (
	EventNewMessage     = "new_message"
	EventMessagesRead   = "messages_read"
	EventUserTyping     = "user_typing"
	EventUserStopTyping = "user_stop_typing"
	EventJoined         = "joined"
	EventLeft           = "left"
	EventError          = "error"
)

// ChatService is what the gateway needs from the chat core.
type ChatService interface {
	IsParticipant(ctx context.Context, sessionID, userID int) (bool, error)
	MarkRead(ctx context.Context, id chat.Identity, sessionID int, messageIDs []int) (*repository.ReadResult, error)
}

type Hub struct {
	clients    map[*Client]struct{}
	byUser     map[int]map[*Client]struct{}
	rooms      map[int]map[*Client]struct{}
	broadcast  chan roomEvent
	register   chan *Client
	unregister chan *Client
	join       chan membership
	leave      chan membership
	done       chan struct{}
	typing     *TypingTracker
	chat       ChatService
	origins    []string
	log        *zap.Logger
	mu         sync.RWMutex
}

type Client struct {
	userID int
	role   string
	conn   *websocket.Conn
	hub    *Hub
	send   chan *Event
	rooms  map[int]struct{} // owned by the hub goroutine
}

// Event is the outbound frame. Fields irrelevant to a type are omitted.
type Event struct {
	Type       string          `json:"type"`
	SessionID  int             `json:"session_id,omitempty"`
	Message    *models.Message `json:"message,omitempty"`
	MessageIDs []int           `json:"message_ids,omitempty"`
	ReaderID   int             `json:"reader_id,omitempty"`
	ReadAt     *time.Time      `json:"read_at,omitempty"`
	UserID     int             `json:"user_id,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type inboundFrame struct {
	Type       string `json:"type"`
	SessionID  int    `json:"session_id"`
	MessageIDs []int  `json:"message_ids"`
}

type roomEvent struct {
	sessionID   int
	excludeUser int
	event       *Event
	// typingState events are delivered only while they still match the
	// tracker, so a late publish never overrides a newer transition.
	typingState bool
}

type membership struct {
	client    *Client
	sessionID int
}

func NewHub(log *zap.Logger, typingTimeout time.Duration) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		byUser:     make(map[int]map[*Client]struct{}),
		rooms:      make(map[int]map[*Client]struct{}),
		broadcast:  make(chan roomEvent, sendBufferSize),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		join:       make(chan membership),
		leave:      make(chan membership),
		done:       make(chan struct{}),
		log:        log.Named("ws"),
	}
	h.typing = NewTypingTracker(typingTimeout, h.publishTyping)
	return h
}

// SetChatService wires the chat core in after construction; the service
// itself needs the hub as its broadcaster.
func (h *Hub) SetChatService(svc ChatService) {
	h.chat = svc
}

// SetAllowedOrigins restricts WebSocket upgrades to the given origins.
// An empty list or "*" accepts any origin.
func (h *Hub) SetAllowedOrigins(origins []string) {
	h.origins = origins
}

// IsUserOnline checks if a user has at least one live connection
func (h *Hub) IsUserOnline(userID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID]) > 0
}

// IsJoined reports whether any connection of userID is in the session room.
func (h *Hub) IsJoined(sessionID, userID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[sessionID] {
		if c.userID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) clientJoined(c *Client, sessionID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[sessionID][c]
	return ok
}

// enqueue hands re to the hub goroutine. After shutdown it is discarded.
func (h *Hub) enqueue(re roomEvent) {
	select {
	case h.broadcast <- re:
	case <-h.done:
	}
}

// PublishNewMessage queues msg for every client joined to the session.
func (h *Hub) PublishNewMessage(sessionID int, msg *models.Message) {
	h.enqueue(roomEvent{
		sessionID: sessionID,
		event:     &Event{Type: EventNewMessage, SessionID: sessionID, Message: msg},
	})
}

// PublishRead queues a messages_read event for the session.
func (h *Hub) PublishRead(sessionID int, result *repository.ReadResult) {
	readAt := result.ReadAt
	h.enqueue(roomEvent{
		sessionID: sessionID,
		event: &Event{
			Type:       EventMessagesRead,
			SessionID:  sessionID,
			MessageIDs: result.MessageIDs,
			ReaderID:   result.ReaderID,
			ReadAt:     &readAt,
		},
	})
}

func (h *Hub) publishTyping(sessionID, userID int, typing bool) {
	h.enqueue(typingRoomEvent(sessionID, userID, typing))
}

func typingRoomEvent(sessionID, userID int, typing bool) roomEvent {
	return roomEvent{
		sessionID:   sessionID,
		excludeUser: userID,
		event:       typingEvent(sessionID, userID, typing),
		typingState: true,
	}
}

func typingEvent(sessionID, userID int, typing bool) *Event {
	t := EventUserStopTyping
	if typing {
		t = EventUserTyping
	}
	return &Event{Type: t, SessionID: sessionID, UserID: userID}
}

// Run owns client and room membership until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			if h.byUser[client.userID] == nil {
				h.byUser[client.userID] = make(map[*Client]struct{})
			}
			h.byUser[client.userID][client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client connected", zap.Int("user_id", client.userID), zap.Int("total", total))

		case client := <-h.unregister:
			h.removeClient(client)

		case m := <-h.join:
			h.mu.Lock()
			if _, ok := h.clients[m.client]; !ok {
				h.mu.Unlock()
				continue
			}
			if h.rooms[m.sessionID] == nil {
				h.rooms[m.sessionID] = make(map[*Client]struct{})
			}
			h.rooms[m.sessionID][m.client] = struct{}{}
			m.client.rooms[m.sessionID] = struct{}{}
			h.mu.Unlock()
			h.sendTo(m.client, &Event{Type: EventJoined, SessionID: m.sessionID})

		case m := <-h.leave:
			if _, ok := h.clients[m.client]; !ok {
				continue
			}
			h.leaveRoom(m.client, m.sessionID)
			h.sendTo(m.client, &Event{Type: EventLeft, SessionID: m.sessionID})

		case re := <-h.broadcast:
			h.deliver(re)
		}
	}
}

func (h *Hub) leaveRoom(c *Client, sessionID int) {
	h.mu.Lock()
	delete(h.rooms[sessionID], c)
	stillJoined := h.userInRoomLocked(c.userID, sessionID)
	if len(h.rooms[sessionID]) == 0 {
		delete(h.rooms, sessionID)
	}
	delete(c.rooms, sessionID)
	h.mu.Unlock()

	if stillJoined {
		return
	}
	for _, sid := range h.typing.Drop(c.userID, []int{sessionID}) {
		h.deliver(typingRoomEvent(sid, c.userID, false))
	}
}

// userInRoomLocked reports whether any connection of userID is joined to
// sessionID. h.mu must be held.
func (h *Hub) userInRoomLocked(userID, sessionID int) bool {
	for other := range h.rooms[sessionID] {
		if other.userID == userID {
			return true
		}
	}
	return false
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	delete(h.byUser[c.userID], c)
	if len(h.byUser[c.userID]) == 0 {
		delete(h.byUser, c.userID)
	}
	sessions := make([]int, 0, len(c.rooms))
	for sid := range c.rooms {
		delete(h.rooms[sid], c)
		if !h.userInRoomLocked(c.userID, sid) {
			sessions = append(sessions, sid)
		}
		if len(h.rooms[sid]) == 0 {
			delete(h.rooms, sid)
		}
	}
	c.rooms = map[int]struct{}{}
	close(c.send)
	total := len(h.clients)
	h.mu.Unlock()

	slices.Sort(sessions)
	for _, sid := range h.typing.Drop(c.userID, sessions) {
		h.deliver(typingRoomEvent(sid, c.userID, false))
	}
	h.log.Debug("client disconnected", zap.Int("user_id", c.userID), zap.Int("total", total))
}

// shutdown closes every connection; the pumps exit on their own.
func (h *Hub) shutdown() {
	close(h.done)
	h.typing.Close()
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			c.conn.Close()
		}
	}
	h.clients = make(map[*Client]struct{})
	h.byUser = make(map[int]map[*Client]struct{})
	h.rooms = make(map[int]map[*Client]struct{})
}

// deliver never blocks: a client whose buffer is full misses the event.
func (h *Hub) deliver(re roomEvent) {
	if re.typingState && h.typing.IsTyping(re.sessionID, re.event.UserID) != (re.event.Type == EventUserTyping) {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[re.sessionID] {
		if re.excludeUser != 0 && c.userID == re.excludeUser {
			continue
		}
		select {
		case c.send <- re.event:
		default:
			h.log.Debug("send buffer full, dropping event",
				zap.Int("user_id", c.userID),
				zap.Int("session_id", re.sessionID),
				zap.String("type", re.event.Type))
		}
	}
}

func (h *Hub) submit(ch chan membership, m membership) {
	select {
	case ch <- m:
	case <-h.done:
	}
}

func (h *Hub) sendTo(c *Client, ev *Event) {
	select {
	case c.send <- ev:
	default:
		h.log.Debug("send buffer full, dropping event", zap.Int("user_id", c.userID), zap.String("type", ev.Type))
	}
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	return slices.Contains(h.origins, "*") || slices.Contains(h.origins, origin)
}

func (h *Hub) HandleWebSocket(c *gin.Context) {
	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	role, _ := c.Get("role")
	roleName, _ := role.(string)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		userID: userID.(int),
		role:   roleName,
		conn:   conn,
		hub:    h,
		send:   make(chan *Event, sendBufferSize),
		rooms:  make(map[int]struct{}),
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.readPump()
	go client.writePump()
}

func (c *Client) identity() chat.Identity {
	return chat.Identity{UserID: c.userID, Role: c.role}
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("websocket read error", zap.Int("user_id", c.userID), zap.Error(err))
			}
			break
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.replyError(0, apperrors.InvalidArg("invalid frame"))
			continue
		}

		switch frame.Type {
		case "join":
			c.handleJoin(frame.SessionID)
		case "leave":
			c.hub.submit(c.hub.leave, membership{client: c, sessionID: frame.SessionID})
		case "start_typing":
			if c.requireJoined(frame.SessionID) {
				c.hub.typing.Start(frame.SessionID, c.userID)
			}
		case "stop_typing":
			if c.requireJoined(frame.SessionID) {
				c.hub.typing.Stop(frame.SessionID, c.userID)
			}
		case "mark_read":
			c.handleMarkRead(frame)
		default:
			c.replyError(frame.SessionID, apperrors.InvalidArg("unknown event type"))
		}
	}
}

func (c *Client) handleJoin(sessionID int) {
	if c.hub.chat == nil {
		c.replyError(sessionID, apperrors.Internal("chat service unavailable", nil))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	ok, err := c.hub.chat.IsParticipant(ctx, sessionID, c.userID)
	if err != nil {
		c.hub.log.Error("participant check failed", zap.Int("session_id", sessionID), zap.Error(err))
		c.replyError(sessionID, apperrors.Internal("internal server error", err))
		return
	}
	if !ok {
		c.replyError(sessionID, apperrors.ErrNotParticipant)
		return
	}
	c.hub.submit(c.hub.join, membership{client: c, sessionID: sessionID})
}

func (c *Client) handleMarkRead(frame inboundFrame) {
	if !c.requireJoined(frame.SessionID) {
		return
	}
	if c.hub.chat == nil {
		c.replyError(frame.SessionID, apperrors.Internal("chat service unavailable", nil))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	if _, err := c.hub.chat.MarkRead(ctx, c.identity(), frame.SessionID, frame.MessageIDs); err != nil {
		if apperrors.CodeOf(err) == apperrors.CodeInternal {
			c.hub.log.Error("mark read failed", zap.Int("session_id", frame.SessionID), zap.Error(err))
			err = apperrors.Internal("failed to update message", err)
		}
		c.replyError(frame.SessionID, err)
	}
}

func (c *Client) requireJoined(sessionID int) bool {
	if c.hub.clientJoined(c, sessionID) {
		return true
	}
	c.replyError(sessionID, apperrors.ErrNotJoined)
	return false
}

// replyError is only called from readPump, before unregister closes send.
func (c *Client) replyError(sessionID int, err error) {
	c.hub.sendTo(c, &Event{Type: EventError, SessionID: sessionID, Error: apperrors.MessageOf(err)})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}

			data, _ := json.Marshal(event)
			w.Write(data)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
