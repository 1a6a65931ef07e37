package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/papertrade/trading-engine/internal/api"
)

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub := api.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast(api.Message{Type: api.MsgTick, Symbol: "NIFTY", Price: "22000.5"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg api.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != api.MsgTick || msg.Symbol != "NIFTY" || msg.Price != "22000.5" {
		t.Errorf("unexpected message %+v", msg)
	}
	if msg.ID == "" || msg.Timestamp.IsZero() {
		t.Errorf("id and timestamp should be filled in: %+v", msg)
	}
}

func TestHub_BroadcastWithoutClients(t *testing.T) {
	hub := api.NewHub()
	// Nothing drains the queue; Broadcast must still return.
	for i := 0; i < 300; i++ {
		hub.Broadcast(api.Message{Type: api.MsgDecision, Symbol: "X"})
	}
}
