package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/eventbus"
)

type hubFixture struct {
	hub    *Hub
	bus    *eventbus.InMemoryBus
	server *httptest.Server
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	logger := zap.NewNop()
	hub := NewHub(Metrics{}, logger)
	bus := eventbus.NewInMemoryBus(logger, 16)
	unsubscribe := hub.Attach(bus)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeWS(w, r, r.Header.Get("X-User-ID"))
	}))
	t.Cleanup(func() {
		server.Close()
		unsubscribe()
		cancel()
		bus.Close()
	})
	return &hubFixture{hub: hub, bus: bus, server: server}
}

func (f *hubFixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	before := f.hub.ClientCount()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	header := http.Header{}
	header.Set("X-User-ID", userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.ClientCount() <= before {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) (Frame, error) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(wait))
	var f Frame
	_, data, err := conn.ReadMessage()
	if err != nil {
		return f, err
	}
	err = json.Unmarshal(data, &f)
	return f, err
}

func TestHub_DeliversToRecipientsOnly(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t, "alice")
	aliceSecond := f.dial(t, "alice")
	carol := f.dial(t, "carol")

	err := f.bus.Publish(context.Background(), eventbus.NewEvent(eventbus.EventMessageCreated, eventbus.DeliveryPayload{
		ConversationID: "conv-1",
		ActorID:        "bob",
		Sequence:       7,
		Recipients:     []eventbus.Recipient{{UserID: "alice", Muted: true}, {UserID: "bob"}},
		Data:           map[string]string{"content": "hi"},
	}))
	if err != nil {
		t.Fatal(err)
	}

	for _, conn := range []*websocket.Conn{alice, aliceSecond} {
		frame, err := readFrame(t, conn, 2*time.Second)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if frame.Event != eventbus.EventMessageCreated || frame.ConversationID != "conv-1" || frame.Sequence != 7 || !frame.Muted {
			t.Errorf("frame = %+v", frame)
		}
	}

	if _, err := readFrame(t, carol, 100*time.Millisecond); err == nil {
		t.Error("non-recipient received a frame")
	}
}

func TestHub_IgnoresNonDeliveryEvents(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t, "alice")

	if err := f.bus.Publish(context.Background(), eventbus.NewEvent("system.tick", "payload")); err != nil {
		t.Fatal(err)
	}
	if _, err := readFrame(t, alice, 100*time.Millisecond); err == nil {
		t.Error("unexpected frame for non-delivery event")
	}
}

func TestHub_PingPong(t *testing.T) {
	f := newHubFixture(t)
	alice := f.dial(t, "alice")
	other := f.dial(t, "alice")

	ping, _ := json.Marshal(Frame{Type: FrameTypePing})
	if err := alice.WriteMessage(websocket.TextMessage, ping); err != nil {
		t.Fatal(err)
	}
	frame, err := readFrame(t, alice, 2*time.Second)
	if err != nil || frame.Type != FrameTypePong {
		t.Fatalf("pong = %+v, %v", frame, err)
	}
	if _, err := readFrame(t, other, 100*time.Millisecond); err == nil {
		t.Error("pong leaked to another connection")
	}
}

func TestHub_Unregister(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t, "alice")
	if !f.hub.UserConnected("alice") {
		t.Fatal("alice should be online")
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.hub.UserConnected("alice") {
		if time.Now().After(deadline) {
			t.Fatal("client was not unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
