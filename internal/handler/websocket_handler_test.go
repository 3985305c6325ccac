// internal/handler/websocket_handler_test.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"loadcell-service/internal/client"
)

type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wsFixture struct {
	server *httptest.Server
	events chan client.Event
}

func newWSFixture(t *testing.T, sensor *fakeSensor) *wsFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	// Connection goroutines may still log after the test returns.
	logger := zap.NewNop()

	ctx, cancel := context.WithCancel(context.Background())
	bus := NewEventBus(logger)
	ws := NewWebSocketHandler(bus, sensor, nil, logger)

	events := make(chan client.Event, 16)
	go bus.Start(ctx)
	go bus.Forward(ctx, events)
	go ws.Start(ctx)

	router := gin.New()
	ws.RegisterRoutes(router.Group("/ws"))
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return &wsFixture{server: server, events: events}
}

// wsConn reads every incoming message on its own goroutine. A gorilla
// connection cannot be read again after a deadline expires.
type wsConn struct {
	*websocket.Conn
	messages chan wireMessage
}

func (f *wsFixture) dial(t *testing.T) *wsConn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	c := &wsConn{Conn: conn, messages: make(chan wireMessage, 64)}
	go func() {
		defer close(c.messages)
		for {
			var msg wireMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			c.messages <- msg
		}
	}()
	return c
}

func (c *wsConn) next(t *testing.T) wireMessage {
	t.Helper()
	select {
	case msg, ok := <-c.messages:
		if !ok {
			t.Fatalf("connection closed")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for message")
		return wireMessage{}
	}
}

// awaitBroadcast republishes event until the client sees a message of its
// type. The broadcaster subscribes to the bus asynchronously.
func (f *wsFixture) awaitBroadcast(t *testing.T, conn *wsConn, event client.Event) wireMessage {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		f.events <- event
		select {
		case msg, ok := <-conn.messages:
			if !ok {
				t.Fatalf("connection closed")
			}
			if msg.Type == string(event.Type) {
				return msg
			}
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no %s broadcast received", event.Type)
		}
	}
}

func TestWebSocketHandler_InitialStateAndBroadcast(t *testing.T) {
	sensor := newFakeSensor()
	sensor.state.CellReadings[2] = 42.5
	fixture := newWSFixture(t, sensor)
	conn := fixture.dial(t)

	msg := conn.next(t)
	if msg.Type != "initial_state" {
		t.Fatalf("first message type=%q", msg.Type)
	}
	var snapshot struct {
		State struct {
			Status       string     `json:"status"`
			CellReadings []*float64 `json:"cell_readings"`
		} `json:"state"`
		Health struct {
			IsConnected bool `json:"is_connected"`
		} `json:"health"`
	}
	if err := json.Unmarshal(msg.Data, &snapshot); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snapshot.State.Status != "IDLE" || snapshot.State.CellReadings[2] == nil || *snapshot.State.CellReadings[2] != 42.5 {
		t.Fatalf("snapshot=%+v", snapshot.State)
	}
	if !snapshot.Health.IsConnected {
		t.Fatalf("health not connected in snapshot")
	}

	broadcast := fixture.awaitBroadcast(t, conn, client.Event{
		Type:      client.EventError,
		Timestamp: time.Now(),
		Message:   "device error: CELL_NOT_CONFIGURED",
	})
	var payload client.Event
	if err := json.Unmarshal(broadcast.Data, &payload); err != nil {
		t.Fatalf("decode broadcast: %v", err)
	}
	if payload.Message != "device error: CELL_NOT_CONFIGURED" {
		t.Fatalf("payload=%+v", payload)
	}
}

func TestWebSocketHandler_SubscriptionFilter(t *testing.T) {
	fixture := newWSFixture(t, newFakeSensor())
	conn := fixture.dial(t)

	if msg := conn.next(t); msg.Type != "initial_state" {
		t.Fatalf("initial message=%+v", msg)
	}

	// Wait until the broadcaster is attached to the bus.
	fixture.awaitBroadcast(t, conn, client.Event{Type: client.EventHealthChanged, Timestamp: time.Now()})

	if err := conn.WriteJSON(map[string]interface{}{
		"type": "subscribe",
		"data": map[string]string{"topic": string(client.EventError)},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	// Skip duplicate health broadcasts left over from the wait above.
	for conn.next(t).Type != "subscribe_confirmed" {
	}

	fixture.events <- client.Event{Type: client.EventHealthChanged, Timestamp: time.Now()}
	fixture.events <- client.Event{Type: client.EventError, Timestamp: time.Now(), Message: "Failed to get response from device"}

	if msg := conn.next(t); msg.Type != string(client.EventError) {
		t.Fatalf("got %q, health_changed should have been filtered", msg.Type)
	}
}

func TestWebSocketHandler_ClientMessages(t *testing.T) {
	fixture := newWSFixture(t, newFakeSensor())
	conn := fixture.dial(t)

	conn.next(t)

	for _, tc := range []struct {
		send string
		want string
	}{
		{`{"type":"ping","request_id":"r1"}`, "pong"},
		{`{"type":"get_state"}`, "state"},
		{`{"type":"subscribe"}`, "error"},
		{`{"type":"bogus"}`, "error"},
		{`not json`, "error"},
	} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(tc.send)); err != nil {
			t.Fatalf("write %s: %v", tc.send, err)
		}
		if msg := conn.next(t); msg.Type != tc.want {
			t.Fatalf("reply to %s: type=%q want %q", tc.send, msg.Type, tc.want)
		}
	}
}

func TestWebSocketHandler_Stats(t *testing.T) {
	fixture := newWSFixture(t, newFakeSensor())
	conn := fixture.dial(t)
	conn.next(t)

	resp, err := http.Get(fixture.server.URL + "/ws/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Data ConnectionStats `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if body.Data.TotalConnections != 1 || body.Data.ByType[clientTypeEvents] != 1 {
		t.Fatalf("stats=%+v", body.Data)
	}
}

func TestConnectionManager_ClosedRejectsClients(t *testing.T) {
	cm := NewConnectionManager()
	first := &Client{ID: "a", Type: clientTypeEvents, Send: make(chan []byte, 1)}
	if !cm.Register(first) {
		t.Fatalf("register before close failed")
	}
	if n := cm.Broadcast(clientTypeEvents, "error", []byte("x")); n != 1 {
		t.Fatalf("broadcast reached %d clients", n)
	}
	if n := cm.Broadcast(clientTypeEvents, "error", []byte("y")); n != 0 {
		t.Fatalf("full buffer should skip client, reached %d", n)
	}

	cm.Close()
	if _, ok := <-first.Send; !ok {
		t.Fatalf("buffered message lost")
	}
	if _, ok := <-first.Send; ok {
		t.Fatalf("send channel not closed")
	}
	if cm.Register(&Client{ID: "b", Send: make(chan []byte, 1)}) {
		t.Fatalf("register after close succeeded")
	}
	if cm.Send(first, []byte("z")) {
		t.Fatalf("send to unregistered client succeeded")
	}
}
