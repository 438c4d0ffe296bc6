package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/finchley/finch/internal/highlight"
	"github.com/finchley/finch/internal/model"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()

	server := NewServer("127.0.0.1:0", log.New(io.Discard, "", 0))
	if err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("failed to stop server: %v", err)
		}
	})
	return server
}

func dial(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	return msg
}

func TestStatusBroadcast(t *testing.T) {
	server := startTestServer(t)
	conn := dial(t, server)

	// Connection registration is asynchronous with Dial returning.
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if server.ClientCount() != 1 {
		t.Fatalf("client count = %d, want 1", server.ClientCount())
	}

	server.BroadcastStatus("syncing", "loading sync file")

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeStatus)
	}
	var status StatusData
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("failed to unmarshal status: %v", err)
	}
	if status.Status != "syncing" || status.Message != "loading sync file" {
		t.Errorf("status = %+v", status)
	}
	if msg.Timestamp.IsZero() {
		t.Error("broadcast has no timestamp")
	}
}

func TestImportBroadcast(t *testing.T) {
	server := startTestServer(t)
	conn := dial(t, server)

	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	server.BroadcastImport(highlight.Changes{
		model.TypeAccounts: {
			"acc-1": highlight.KindNew,
			"acc-2": highlight.KindModified,
		},
	})

	msg := readMessage(t, conn)
	if msg.Type != MessageTypeImport {
		t.Fatalf("message type = %s, want %s", msg.Type, MessageTypeImport)
	}
	var imp ImportData
	if err := json.Unmarshal(msg.Data, &imp); err != nil {
		t.Fatalf("failed to unmarshal import data: %v", err)
	}
	if len(imp.New["accounts"]) != 1 || imp.New["accounts"][0] != "acc-1" {
		t.Errorf("new = %v", imp.New)
	}
	if len(imp.Modified["accounts"]) != 1 || imp.Modified["accounts"][0] != "acc-2" {
		t.Errorf("modified = %v", imp.Modified)
	}
}

func TestStopClosesClients(t *testing.T) {
	server := NewServer("127.0.0.1:0", log.New(io.Discard, "", 0))
	if err := server.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	conn := dial(t, server)

	if err := server.Stop(); err != nil {
		t.Fatalf("failed to stop server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("expected read to fail after server stop")
	}
}
