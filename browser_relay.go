package main

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	workerWriteWait = 10 * time.Second
	workerPingWait  = 5 * time.Second
)

var errTransportClosed = errors.New("worker connection closed")

// wsTransport is the worker channel over one gorilla WebSocket connection.
// gorilla allows a single concurrent writer, so data frames serialize on mu;
// control frames may be written concurrently.
type wsTransport struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{conn: conn}
}

func (t *wsTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errTransportClosed
	}
	t.conn.SetWriteDeadline(time.Now().Add(workerWriteWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(workerPingWait))
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.conn.Close()
}

func (t *wsTransport) RemoteAddr() string { return t.conn.RemoteAddr().String() }

// handleWorkerSocket upgrades the worker connection, registers it and reads
// frames until the connection ends.
func (s *Server) handleWorkerSocket(w http.ResponseWriter, r *http.Request) {
	if token := s.cfg.Worker.Token; token != "" {
		got := r.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			logWarnCtx(r.Context(), "worker connection refused: bad token", "ip", clientIP(r))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		logWarnCtx(r.Context(), "worker upgrade failed", "ip", clientIP(r), "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.Worker.maxMessageBytesOrDefault())

	worker := s.registry.Register(newWSTransport(conn))
	conn.SetPongHandler(func(string) error {
		s.registry.MarkAlive(worker.ID)
		return nil
	})

	s.readWorker(worker, conn)
}

func (s *Server) readWorker(worker *WorkerConn, conn *websocket.Conn) {
	reason := "connection closed"
	defer func() { s.registry.Drop(worker.ID, reason) }()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logDebug("worker read ended", "worker", worker.ID, "error", err)
				reason = "connection lost"
			}
			return
		}
		s.registry.MarkAlive(worker.ID)
		if kind != websocket.TextMessage {
			continue
		}

		msg, err := decodeWorkerMessage(data)
		if err != nil {
			logWarn("malformed worker message ignored", "worker", worker.ID, "bytes", len(data), "error", err)
			continue
		}
		s.router.route(worker.ID, msg)
	}
}
