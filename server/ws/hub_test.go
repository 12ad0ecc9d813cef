package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tannus-ai/tannus/comms"
)

func newTestHub(t *testing.T) (*Hub, *comms.InMemoryBus, *httptest.Server) {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)))
	bus := comms.NewInMemoryBus()
	t.Cleanup(hub.Attach(bus))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.ServeWS)
	mux.HandleFunc("/events", hub.ServeSSE)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return hub, bus, srv
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode message %q: %v", data, err)
	}
	return msg
}

func TestServeWS_RoomFiltering(t *testing.T) {
	hub, bus, srv := newTestHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?room=plan:blog"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if msg := readEvent(t, conn); msg["type"] != "connected" {
		t.Fatalf("expected connected greeting, got %v", msg)
	}
	waitClients(t, hub, 1)

	ctx := context.Background()
	if err := bus.Publish(ctx, &comms.Event{Type: comms.EventPlanUpdated, PlanID: "other"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, &comms.Event{Type: comms.EventStepCompleted, PlanID: "blog"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg := readEvent(t, conn)
	if msg["type"] != string(comms.EventStepCompleted) || msg["plan_id"] != "blog" {
		t.Errorf("expected the blog step event first, got %v", msg)
	}
}

func TestServeWS_UnregistersOnClose(t *testing.T) {
	hub, _, srv := newTestHub(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readEvent(t, conn)
	waitClients(t, hub, 1)

	conn.Close()
	waitClients(t, hub, 0)
}

func TestServeSSE(t *testing.T) {
	hub, bus, srv := newTestHub(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events?room=session:s1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	next := func() string {
		t.Helper()
		for lines.Scan() {
			if l := lines.Text(); strings.HasPrefix(l, "data: ") {
				return strings.TrimPrefix(l, "data: ")
			}
		}
		t.Fatalf("stream ended: %v", lines.Err())
		return ""
	}

	if got := next(); !strings.Contains(got, `"connected"`) {
		t.Fatalf("expected connected greeting, got %s", got)
	}
	waitClients(t, hub, 1)

	_ = bus.Publish(ctx, &comms.Event{Type: comms.EventAgentStatus, SessionID: "s2"})
	_ = bus.Publish(ctx, &comms.Event{Type: comms.EventAgentStatus, SessionID: "s1"})

	var evt comms.Event
	if err := json.Unmarshal([]byte(next()), &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.SessionID != "s1" {
		t.Errorf("expected event for s1, got %+v", evt)
	}
}
