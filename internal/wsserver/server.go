package wsserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"skywatch/go-telemetry-server/internal/hub"
	"skywatch/go-telemetry-server/internal/ingest"
	"skywatch/go-telemetry-server/internal/model"
	"skywatch/go-telemetry-server/internal/store"
)

// Server accepts raw WebSocket clients, feeds each inbound message through
// the ingestion pipeline, and registers every connection with the broadcast
// hub so it receives fan-outs from both transports.
type Server struct {
	hub           *hub.Hub
	pipeline      *ingest.Pipeline
	store         *store.Store
	logger        *slog.Logger
	snapshot      bool
	snapshotLimit int
	upgrader      websocket.Upgrader
}

// New constructs the WebSocket transport. When snapshot is true, a freshly
// connected client is eagerly pushed the current map state.
func New(h *hub.Hub, pipeline *ingest.Pipeline, st *store.Store, logger *slog.Logger, snapshot bool, snapshotLimit int) *Server {
	return &Server{
		hub:           h,
		pipeline:      pipeline,
		store:         st,
		logger:        logger,
		snapshot:      snapshot,
		snapshotLimit: snapshotLimit,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// envelope is the wire frame sent to WebSocket clients.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// wsConn adapts one WebSocket connection to the hub's Conn interface.
// gorilla/websocket allows one concurrent writer, so all writes share a
// mutex: pipeline responses and hub broadcasts interleave safely.
type wsConn struct {
	id   string
	sock *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(event string, payload []byte) error {
	frame, err := json.Marshal(envelope{Type: event, Data: payload})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) sendAck(ack model.Ack) error {
	frame, err := json.Marshal(struct {
		Type string `json:"type"`
		model.Ack
	}{Type: "response", Ack: ack})
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.WriteMessage(websocket.TextMessage, frame)
}

// Handler upgrades HTTP requests and runs the per-connection message loop.
func (s *Server) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sock, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		conn := &wsConn{id: "ws-" + uuid.NewString(), sock: sock}
		s.hub.Register(conn)
		s.logger.Info("websocket client connected", "conn", conn.ID(), "remote", r.RemoteAddr)

		defer func() {
			s.hub.Unregister(conn.ID())
			_ = sock.Close()
			s.logger.Info("websocket client disconnected", "conn", conn.ID())
		}()

		if s.snapshot {
			s.pushSnapshot(r.Context(), conn)
		}

		for {
			_, payload, err := sock.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Warn("websocket read failed", "conn", conn.ID(), "error", err)
				}
				return
			}

			ack := s.pipeline.Ingest(r.Context(), conn.ID(), payload)
			if err := conn.sendAck(ack); err != nil {
				s.logger.Warn("websocket ack write failed", "conn", conn.ID(), "error", err)
				return
			}
		}
	}
}

// pushSnapshot sends the current map state to a new connection. A not-ready
// store is logged and skipped; the connection stays usable.
func (s *Server) pushSnapshot(ctx context.Context, conn *wsConn) {
	queryCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	snapshot, err := s.store.Snapshot(queryCtx, s.snapshotLimit)
	if err != nil {
		s.logger.Warn("skipping initial snapshot", "conn", conn.ID(), "error", err)
		return
	}
	if len(snapshot) == 0 {
		return
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.Error("failed to encode snapshot", "error", err)
		return
	}
	if err := conn.Send(hub.EventInitialData, data); err != nil {
		s.logger.Warn("initial snapshot send failed", "conn", conn.ID(), "error", err)
	}
}
