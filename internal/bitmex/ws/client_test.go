package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"mm-hedge-bot/internal/bitmex"
)

func startServer(t *testing.T, ctx context.Context, frames chan<- string, push []string) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept ws: %v", err)
			return
		}
		defer func() { _ = conn.Close(websocket.StatusNormalClosure, "") }()
		for _, msg := range push {
			if err := conn.Write(ctx, websocket.MessageText, []byte(msg)); err != nil {
				return
			}
		}
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if string(data) == pingFrame {
				_ = conn.Write(ctx, websocket.MessageText, []byte(pongFrame))
			}
			select {
			case frames <- string(data):
			default:
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClientAuthenticatesThenSubscribesAndPings(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	frames := make(chan string, 16)
	wsURL := startServer(t, ctx, frames, nil)
	creds := bitmex.Credentials{Key: "key-1", Secret: "secret-1"}
	client := New(wsURL, creds, 10*time.Millisecond, 20*time.Millisecond, zap.NewNop())
	client.now = func() time.Time { return time.Unix(1700000000, 0) }
	if err := client.Subscribe(ctx, map[string]any{"op": "subscribe", "args": []string{"order"}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = client.Run(runCtx, nil)
	}()

	var got []string
	for len(got) < 3 {
		select {
		case f := <-frames:
			got = append(got, f)
		case <-ctx.Done():
			t.Fatalf("timed out, frames so far %v", got)
		}
	}
	var auth struct {
		Op   string `json:"op"`
		Args []any  `json:"args"`
	}
	if err := json.Unmarshal([]byte(got[0]), &auth); err != nil || auth.Op != "authKeyExpires" || len(auth.Args) != 3 {
		t.Fatalf("expected auth first, got %s", got[0])
	}
	wantSig := bitmex.Sign("secret-1", "GET", "/realtime", 1700000060, nil)
	if auth.Args[0] != "key-1" || auth.Args[2] != wantSig {
		t.Fatalf("unexpected auth args %v", auth.Args)
	}
	if !strings.Contains(got[1], `"subscribe"`) {
		t.Fatalf("expected subscription replay second, got %s", got[1])
	}
	if got[2] != pingFrame {
		t.Fatalf("expected ping, got %s", got[2])
	}
}

func TestClientDeliversMessagesAndDropsPong(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	frames := make(chan string, 16)
	wsURL := startServer(t, ctx, frames, []string{pongFrame, `{"table":"order","action":"update","data":[]}`})
	client := New(wsURL, bitmex.Credentials{}, 10*time.Millisecond, 0, zap.NewNop())

	msgs := make(chan json.RawMessage, 4)
	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	go func() {
		_ = client.Run(runCtx, func(msg json.RawMessage) { msgs <- msg })
	}()

	select {
	case msg := <-msgs:
		if !strings.Contains(string(msg), `"table":"order"`) {
			t.Fatalf("unexpected first message %s", msg)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for message")
	}
}
