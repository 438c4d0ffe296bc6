// Package dashboard serves a local WebSocket feed of sync activity:
// status transitions, import results, and highlight windows. It exists
// for the daemon's status UI and for poking at a running sync from a
// browser tab.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/finchley/finch/internal/highlight"
	"github.com/finchley/finch/internal/syncer"
)

// MessageType tags a dashboard broadcast.
type MessageType string

const (
	// MessageTypeStatus announces a sync status transition.
	MessageTypeStatus MessageType = "status"

	// MessageTypeImport announces a completed import, with the records it
	// touched.
	MessageTypeImport MessageType = "import"
)

// Message is one dashboard broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatusData reports a status transition.
type StatusData struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ImportData reports what an import brought in, keyed by collection.
type ImportData struct {
	New      map[string][]string `json:"new,omitempty"`
	Modified map[string][]string `json:"modified,omitempty"`
}

// Server manages WebSocket clients and broadcasts sync events.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a dashboard server listening on addr. Nil logger
// falls back to stderr.
func NewServer(addr string, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Attach subscribes the server to a sync session's status transitions.
// The returned func unsubscribes.
func (s *Server) Attach(sess *syncer.Session) func() {
	return sess.OnStatusChange(func(status syncer.Status, msg string) {
		s.BroadcastStatus(string(status), msg)
	})
}

// Start begins listening and serving.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/", s.handleRoot)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("dashboard listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("dashboard server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the server down, closing client connections first.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("dashboard shutdown error: %w", err)
	}
	s.wg.Wait()
	return nil
}

// BroadcastStatus publishes a status transition.
func (s *Server) BroadcastStatus(status, message string) {
	data, err := json.Marshal(StatusData{Status: status, Message: message})
	if err != nil {
		return
	}
	s.send(Message{Type: MessageTypeStatus, Data: data})
}

// BroadcastImport publishes the records an import added or changed.
func (s *Server) BroadcastImport(changes highlight.Changes) {
	imp := ImportData{}
	for et, ids := range changes {
		for id, kind := range ids {
			switch kind {
			case highlight.KindNew:
				if imp.New == nil {
					imp.New = make(map[string][]string)
				}
				imp.New[string(et)] = append(imp.New[string(et)], id)
			case highlight.KindModified:
				if imp.Modified == nil {
					imp.Modified = make(map[string][]string)
				}
				imp.Modified[string(et)] = append(imp.Modified[string(et)], id)
			}
		}
	}
	data, err := json.Marshal(imp)
	if err != nil {
		return
	}
	s.send(Message{Type: MessageTypeImport, Data: data})
}

func (s *Server) send(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("broadcast channel full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now()
			}
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("client connected (total: %d)", count)

	go s.readLoop(conn)
}

// readLoop drains client frames so pings work; client messages carry no
// meaning here.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("client disconnected (total: %d)", count)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>finch sync</title></head>
<body>
  <h1>finch sync dashboard</h1>
  <p>WebSocket endpoint: <code>ws://%s/ws</code></p>
  <p>Health check: <a href="/health">/health</a></p>
</body>
</html>`, r.Host)
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
