package ws

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/4xmen/hamkar/internal/chat"
	"github.com/4xmen/hamkar/internal/db"
	"github.com/4xmen/hamkar/internal/models"
	"github.com/4xmen/hamkar/internal/repository"
	"github.com/4xmen/hamkar/internal/storage"
)

func startHub(t *testing.T, typingTimeout time.Duration) *Hub {
	t.Helper()
	hub := NewHub(zap.NewNop(), typingTimeout)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

func newTestClient(hub *Hub, userID, buffer int) *Client {
	return &Client{
		userID: userID,
		hub:    hub,
		send:   make(chan *Event, buffer),
		rooms:  make(map[int]struct{}),
	}
}

func recv(t *testing.T, c *Client) *Event {
	t.Helper()
	select {
	case ev, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("user %d received nothing", c.userID)
		return nil
	}
}

func assertNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case ev := <-c.send:
		t.Fatalf("user %d got unexpected %s event", c.userID, ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func joinDirect(t *testing.T, hub *Hub, c *Client, sessionID int) {
	t.Helper()
	hub.join <- membership{client: c, sessionID: sessionID}
	if ev := recv(t, c); ev.Type != EventJoined || ev.SessionID != sessionID {
		t.Fatalf("expected joined ack for session %d, got %+v", sessionID, ev)
	}
}

func TestHubCreation(t *testing.T) {
	hub := NewHub(zap.NewNop(), 2*time.Second)
	if hub == nil {
		t.Fatal("NewHub returned nil")
	}
	if hub.clients == nil || hub.rooms == nil || hub.byUser == nil {
		t.Error("Hub maps are nil")
	}
	if hub.broadcast == nil || hub.register == nil || hub.unregister == nil {
		t.Error("Hub channels are nil")
	}
	if hub.typing == nil {
		t.Error("Hub typing tracker is nil")
	}
}

func TestHubRegisterUnregister(t *testing.T) {
	hub := startHub(t, time.Second)

	first := newTestClient(hub, 1, sendBufferSize)
	second := newTestClient(hub, 1, sendBufferSize)
	hub.register <- first
	hub.register <- second
	joinDirect(t, hub, first, 10)

	if !hub.IsUserOnline(1) {
		t.Error("user 1 should be online")
	}
	if !hub.IsJoined(10, 1) {
		t.Error("user 1 should be joined to session 10")
	}

	hub.unregister <- first
	time.Sleep(10 * time.Millisecond)

	if !hub.IsUserOnline(1) {
		t.Error("user 1 still has a second connection")
	}
	if hub.IsJoined(10, 1) {
		t.Error("room membership should go with the connection")
	}
	if _, ok := <-first.send; ok {
		t.Error("send channel should be closed after unregister")
	}

	hub.unregister <- second
	time.Sleep(10 * time.Millisecond)
	if hub.IsUserOnline(1) {
		t.Error("user 1 should be offline")
	}
}

func TestBroadcastOnlyReachesJoinedClients(t *testing.T) {
	hub := startHub(t, time.Second)

	alice := newTestClient(hub, 1, sendBufferSize)
	bob := newTestClient(hub, 2, sendBufferSize)
	stranger := newTestClient(hub, 3, sendBufferSize)
	for _, c := range []*Client{alice, bob, stranger} {
		hub.register <- c
	}
	joinDirect(t, hub, alice, 7)
	joinDirect(t, hub, bob, 7)
	joinDirect(t, hub, stranger, 8)

	msg := &models.Message{ID: 1, SessionID: 7, SenderID: 1, Content: "Hello!"}
	hub.PublishNewMessage(7, msg)

	for _, c := range []*Client{alice, bob} {
		ev := recv(t, c)
		if ev.Type != EventNewMessage || ev.Message.Content != "Hello!" {
			t.Errorf("user %d: unexpected event %+v", c.userID, ev)
		}
	}
	assertNothing(t, stranger)

	hub.leave <- membership{client: bob, sessionID: 7}
	if ev := recv(t, bob); ev.Type != EventLeft {
		t.Fatalf("expected left ack, got %s", ev.Type)
	}

	hub.PublishRead(7, &repository.ReadResult{MessageIDs: []int{1}, ReaderID: 2, ReadAt: time.Now()})
	if ev := recv(t, alice); ev.Type != EventMessagesRead || ev.ReaderID != 2 {
		t.Errorf("unexpected event %+v", ev)
	}
	assertNothing(t, bob)
}

func TestSlowClientDropsEvents(t *testing.T) {
	hub := startHub(t, time.Second)

	slow := newTestClient(hub, 1, 1)
	fast := newTestClient(hub, 2, sendBufferSize)
	hub.register <- slow
	hub.register <- fast
	hub.join <- membership{client: slow, sessionID: 5}
	joinDirect(t, hub, fast, 5)

	// The joined ack fills the slow client's buffer.
	for i := 1; i <= 3; i++ {
		hub.PublishNewMessage(5, &models.Message{ID: i, SessionID: 5})
	}

	for i := 1; i <= 3; i++ {
		if ev := recv(t, fast); ev.Message.ID != i {
			t.Fatalf("fast client: expected message %d, got %d", i, ev.Message.ID)
		}
	}
	if ev := recv(t, slow); ev.Type != EventJoined {
		t.Fatalf("slow client: expected only the ack, got %s", ev.Type)
	}
	assertNothing(t, slow)
}

func TestTypingTracker(t *testing.T) {
	type transition struct {
		session, user int
		typing        bool
	}
	var (
		mu  sync.Mutex
		got []transition
	)
	tracker := NewTypingTracker(50*time.Millisecond, func(s, u int, typing bool) {
		mu.Lock()
		got = append(got, transition{s, u, typing})
		mu.Unlock()
	})
	defer tracker.Close()

	snapshot := func() []transition {
		mu.Lock()
		defer mu.Unlock()
		return append([]transition(nil), got...)
	}

	tracker.Start(1, 9)
	tracker.Start(1, 9)
	if n := len(snapshot()); n != 1 {
		t.Fatalf("expected a single start transition, got %d", n)
	}

	// Keep refreshing past the timeout; no stop may fire meanwhile.
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		tracker.Start(1, 9)
	}
	if n := len(snapshot()); n != 1 {
		t.Fatalf("refresh should not publish, got %d transitions", n)
	}

	time.Sleep(120 * time.Millisecond)
	want := []transition{{1, 9, true}, {1, 9, false}}
	if s := snapshot(); len(s) != 2 || s[0] != want[0] || s[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, s)
	}
	if tracker.IsTyping(1, 9) {
		t.Error("expired user still typing")
	}

	tracker.Stop(1, 9)
	if n := len(snapshot()); n != 2 {
		t.Error("stop after expiry must not publish")
	}

	tracker.Start(2, 9)
	tracker.Stop(2, 9)
	time.Sleep(80 * time.Millisecond)
	if n := len(snapshot()); n != 4 {
		t.Errorf("expected one start and one stop, got %d transitions", n-2)
	}

	tracker.Start(3, 9)
	if stopped := tracker.Drop(9, []int{3, 4}); len(stopped) != 1 || stopped[0] != 3 {
		t.Errorf("Drop returned %v", stopped)
	}
}

func TestStaleTypingEventsAreNotDelivered(t *testing.T) {
	hub := startHub(t, time.Minute)

	alice := newTestClient(hub, 1, sendBufferSize)
	bob := newTestClient(hub, 2, sendBufferSize)
	hub.register <- alice
	hub.register <- bob
	joinDirect(t, hub, alice, 3)
	joinDirect(t, hub, bob, 3)

	// A start that lost the race against its own expiry.
	hub.publishTyping(3, 1, true)
	assertNothing(t, bob)

	hub.typing.Start(3, 1)
	if ev := recv(t, bob); ev.Type != EventUserTyping || ev.UserID != 1 {
		t.Fatalf("expected user_typing, got %+v", ev)
	}

	// A stop from an earlier run arriving after the new start.
	hub.publishTyping(3, 1, false)
	assertNothing(t, bob)

	hub.typing.Stop(3, 1)
	if ev := recv(t, bob); ev.Type != EventUserStopTyping || ev.UserID != 1 {
		t.Fatalf("expected user_stop_typing, got %+v", ev)
	}
	assertNothing(t, alice)
}

func TestLeaveKeepsTypingWhileAnotherConnectionIsJoined(t *testing.T) {
	hub := startHub(t, time.Minute)

	phone := newTestClient(hub, 1, sendBufferSize)
	laptop := newTestClient(hub, 1, sendBufferSize)
	bob := newTestClient(hub, 2, sendBufferSize)
	for _, c := range []*Client{phone, laptop, bob} {
		hub.register <- c
	}
	for _, c := range []*Client{phone, laptop, bob} {
		joinDirect(t, hub, c, 4)
	}

	hub.typing.Start(4, 1)
	if ev := recv(t, bob); ev.Type != EventUserTyping {
		t.Fatalf("expected user_typing, got %s", ev.Type)
	}

	hub.leave <- membership{client: phone, sessionID: 4}
	if ev := recv(t, phone); ev.Type != EventLeft {
		t.Fatalf("expected left ack, got %s", ev.Type)
	}
	assertNothing(t, bob)
	if !hub.typing.IsTyping(4, 1) {
		t.Fatal("typing should survive while the laptop is still joined")
	}

	hub.unregister <- laptop
	if ev := recv(t, bob); ev.Type != EventUserStopTyping || ev.UserID != 1 {
		t.Fatalf("expected user_stop_typing, got %+v", ev)
	}
	if hub.typing.IsTyping(4, 1) {
		t.Error("typing should end with the last joined connection")
	}
}

type gateway struct {
	hub      *Hub
	svc      *chat.Service
	sessions *repository.SessionRegistry
	url      string
}

func setupGateway(t *testing.T, typingTimeout time.Duration) *gateway {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.New(filepath.Join(t.TempDir(), "ws.db"))
	if err != nil {
		t.Fatalf("Failed to open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store, err := storage.NewDiskStore(t.TempDir(), models.MaxAttachmentSize)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	conn := database.GetConn()
	sessions := repository.NewSessionRegistry(conn)
	messages := repository.NewMessageRepository(conn, store, repository.DefaultLimits(), zap.NewNop())

	hub := startHub(t, typingTimeout)
	svc := chat.NewService(sessions, messages, hub, zap.NewNop())
	hub.SetChatService(svc)

	router := gin.New()
	// Test auth: the user id comes straight from the query string.
	router.GET("/ws", func(c *gin.Context) {
		uid, _ := strconv.Atoi(c.Query("uid"))
		c.Set("user_id", uid)
		c.Set("role", "employee")
		hub.HandleWebSocket(c)
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &gateway{
		hub:      hub,
		svc:      svc,
		sessions: sessions,
		url:      "ws" + strings.TrimPrefix(server.URL, "http") + "/ws",
	}
}

func (g *gateway) dial(t *testing.T, userID int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(g.url+"?uid="+strconv.Itoa(userID), nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn, wantType string) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("waiting for %s: %v", wantType, err)
	}
	if ev.Type != wantType {
		t.Fatalf("expected %s, got %+v", wantType, ev)
	}
	return ev
}

func join(t *testing.T, conn *websocket.Conn, sessionID int) {
	t.Helper()
	write(t, conn, map[string]any{"type": "join", "session_id": sessionID})
	read(t, conn, EventJoined)
}

func TestNewMessageThenMessagesRead(t *testing.T) {
	g := setupGateway(t, 2*time.Second)
	ctx := context.Background()
	alice, bob := chat.Identity{UserID: 1}, chat.Identity{UserID: 2}

	session, err := g.svc.GetOrCreateSession(ctx, alice, bob.UserID)
	if err != nil {
		t.Fatalf("GetOrCreateSession: %v", err)
	}

	aliceConn := g.dial(t, alice.UserID)
	bobConn := g.dial(t, bob.UserID)
	join(t, aliceConn, session.ID)
	join(t, bobConn, session.ID)

	msg, err := g.svc.Send(ctx, alice, session.ID, "hello", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		ev := read(t, conn, EventNewMessage)
		if ev.Message == nil || ev.Message.ID != msg.ID || ev.Message.Content != "hello" {
			t.Fatalf("unexpected new_message payload %+v", ev.Message)
		}
	}

	write(t, bobConn, map[string]any{"type": "mark_read", "session_id": session.ID, "message_ids": []int{msg.ID}})

	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		ev := read(t, conn, EventMessagesRead)
		if ev.ReaderID != bob.UserID || len(ev.MessageIDs) != 1 || ev.MessageIDs[0] != msg.ID {
			t.Fatalf("unexpected messages_read payload %+v", ev)
		}
	}
}

func TestJoinRequiresParticipant(t *testing.T) {
	g := setupGateway(t, 2*time.Second)

	session, err := g.sessions.GetOrCreate(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	conn := g.dial(t, 3)
	write(t, conn, map[string]any{"type": "join", "session_id": session.ID})
	if ev := read(t, conn, EventError); ev.Error != "not a participant" {
		t.Errorf("unexpected error %q", ev.Error)
	}

	write(t, conn, map[string]any{"type": "start_typing", "session_id": session.ID})
	if ev := read(t, conn, EventError); ev.Error != "not joined to session" {
		t.Errorf("unexpected error %q", ev.Error)
	}
	if g.hub.IsJoined(session.ID, 3) {
		t.Error("outsider must not be joined")
	}
}

func TestTypingExpiresServerSide(t *testing.T) {
	g := setupGateway(t, 150*time.Millisecond)
	ctx := context.Background()

	session, err := g.sessions.GetOrCreate(ctx, 1, 2)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	aliceConn := g.dial(t, 1)
	bobConn := g.dial(t, 2)
	join(t, aliceConn, session.ID)
	join(t, bobConn, session.ID)

	started := time.Now()
	write(t, aliceConn, map[string]any{"type": "start_typing", "session_id": session.ID})

	if ev := read(t, bobConn, EventUserTyping); ev.UserID != 1 {
		t.Errorf("expected typing user 1, got %d", ev.UserID)
	}
	ev := read(t, bobConn, EventUserStopTyping)
	if ev.UserID != 1 {
		t.Errorf("expected stop for user 1, got %d", ev.UserID)
	}
	if elapsed := time.Since(started); elapsed < 150*time.Millisecond {
		t.Errorf("stop arrived after %v, before the timeout", elapsed)
	}

	// The typist never sees its own typing events.
	if _, err := g.svc.Send(ctx, chat.Identity{UserID: 2}, session.ID, "after", nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	read(t, aliceConn, EventNewMessage)
}

func TestDisconnectStopsTyping(t *testing.T) {
	g := setupGateway(t, time.Minute)

	session, err := g.sessions.GetOrCreate(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	aliceConn := g.dial(t, 1)
	bobConn := g.dial(t, 2)
	join(t, aliceConn, session.ID)
	join(t, bobConn, session.ID)

	write(t, aliceConn, map[string]any{"type": "start_typing", "session_id": session.ID})
	read(t, bobConn, EventUserTyping)

	aliceConn.Close()
	if ev := read(t, bobConn, EventUserStopTyping); ev.UserID != 1 {
		t.Errorf("expected stop for user 1, got %d", ev.UserID)
	}
}

func TestUnknownFrameType(t *testing.T) {
	g := setupGateway(t, time.Second)
	conn := g.dial(t, 1)

	write(t, conn, map[string]any{"type": "dance"})
	if ev := read(t, conn, EventError); ev.Error != "unknown event type" {
		t.Errorf("unexpected error %q", ev.Error)
	}
}
