package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBroadcastReachesClient(t *testing.T) {
	h := New(nil)
	go h.Run()
	defer h.Stop()

	srv := httptest.NewServer(http.HandlerFunc(h.HandleConnect))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	h.Broadcast(Event{Type: "operation.started", Operation: "commit", Payload: map[string]string{"subject": "c1"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var evt Event
	if err := json.Unmarshal(msg, &evt); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if evt.Type != "operation.started" || evt.Operation != "commit" {
		t.Errorf("event = %+v", evt)
	}
	if evt.ID == "" || evt.Timestamp.IsZero() {
		t.Errorf("event id/timestamp not filled: %+v", evt)
	}
}

func TestCheckOrigin(t *testing.T) {
	h := New([]string{"https://ui.example"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://ui.example", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:3000", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := h.upgrader.CheckOrigin(r); got != tt.want {
			t.Errorf("CheckOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestBroadcastWithoutRunDoesNotBlock(t *testing.T) {
	h := New(nil)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			h.Broadcast(Event{Type: "operation.complete"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked with a full queue")
	}
}
