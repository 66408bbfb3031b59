package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rickgao/collabd/internal/admission"
)

// requestTimeout bounds record and permission lookups made for a message.
const requestTimeout = 5 * time.Second

// Server upgrades admitted clients and runs their sessions.
type Server struct {
	cfg      Config
	sessions Sessions
	hub      *Hub
	records  Records
	upgrader websocket.Upgrader
	logger   *slog.Logger

	closing atomic.Bool
	wg      sync.WaitGroup
}

// NewServer creates a Server. records may be nil, in which case every
// room is open and carries no record.
func NewServer(cfg Config, sessions Sessions, hub *Hub, records Records, logger *slog.Logger) *Server {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = DefaultSendBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		sessions: sessions,
		hub:      hub,
		records:  records,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "gateway"),
	}
}

// Handler returns the HTTP handler serving /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	return mux
}

// Close closes every session and waits for their handlers to finish.
func (s *Server) Close(ctx context.Context) error {
	s.closing.Store(true)
	n := s.hub.CloseAll("server shutting down")
	s.logger.Info("closing sessions", "count", n)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close sessions: %w", ctx.Err())
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, string(admission.ReasonClosed), http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	userID := r.URL.Query().Get("user_id")

	d := s.sessions.Connect(clientID)
	if !d.Accepted {
		status := rejectStatus(d.Reason)
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "1")
		}
		http.Error(w, string(d.Reason), status)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied.
		s.logger.Debug("upgrade failed", "client_id", clientID, "error", err)
		s.sessions.OnDisconnect(clientID)
		return
	}

	sess := newSession(clientID, userID, conn, s.cfg.SendBufferSize, s.logger)
	s.hub.register(sess)
	defer func() {
		s.hub.unregister(sess)
		s.sessions.OnDisconnect(clientID)
		sess.close(websocket.CloseNormalClosure, "")
	}()

	go sess.writePump(s.cfg.PingInterval, s.cfg.WriteTimeout)
	_ = sess.enqueue(Outbound{Type: TypeWelcome, ClientID: clientID, WorkerID: d.WorkerID})

	s.logger.Debug("session opened", "client_id", clientID, "worker_id", d.WorkerID, "degraded", d.Degraded)
	s.readPump(r.Context(), sess)
	s.logger.Debug("session closed", "client_id", clientID)
}

// rejectStatus maps an admission reason to an HTTP status.
func rejectStatus(reason admission.Reason) int {
	switch reason {
	case admission.ReasonRateLimited, admission.ReasonThrottled:
		return http.StatusTooManyRequests
	case admission.ReasonDuplicate:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

// readPump handles inbound messages until the connection fails or closes.
func (s *Server) readPump(ctx context.Context, sess *session) {
	pongWait := 2 * s.cfg.PingInterval
	conn := sess.conn
	conn.SetReadLimit(s.cfg.ReadLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		s.sessions.Touch(sess.id)
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !sess.closed() {
				sess.logger.Debug("read failed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		s.sessions.Touch(sess.id)

		start := time.Now()
		err = s.handle(ctx, sess, data)
		s.sessions.RecordRequest(sess.id, time.Since(start), err)
		if err != nil {
			_ = sess.enqueue(Outbound{Type: TypeError, Error: err.Error()})
		}
	}
}

// handle processes one inbound message. Client mistakes and lookup failures
// are returned so they count as failed requests.
func (s *Server) handle(ctx context.Context, sess *session, data []byte) error {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	switch msg.Type {
	case TypePing:
		return sess.enqueue(Outbound{Type: TypePong})

	case TypeJoin:
		return s.join(ctx, sess, msg.Room)

	case TypeLeave:
		if msg.Room == "" {
			return errors.New("leave: room is required")
		}
		s.hub.leave(sess, msg.Room)
		return sess.enqueue(Outbound{Type: TypeLeft, Room: msg.Room})

	case TypeEvent:
		if msg.Room == "" || msg.Event == "" {
			return errors.New("event: room and event are required")
		}
		if !sess.inRoom(msg.Room) {
			return fmt.Errorf("event %s: %w", msg.Room, ErrNotMember)
		}
		s.hub.broadcast(msg.Room, Outbound{
			Type:    TypeEvent,
			Room:    msg.Room,
			Event:   msg.Event,
			Payload: msg.Payload,
			From:    sess.id,
		})
		return nil

	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
}

func (s *Server) join(ctx context.Context, sess *session, room string) error {
	if room == "" {
		return errors.New("join: room is required")
	}

	reply := Outbound{Type: TypeJoined, Room: room}
	if s.records != nil {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()

		allowed, err := s.records.CheckUserPermission(ctx, sess.userID, room)
		if err != nil {
			return fmt.Errorf("join %s: %w", room, err)
		}
		if !allowed {
			return fmt.Errorf("join %s: %w", room, ErrForbidden)
		}

		rec, err := s.records.LookupBusinessRecord(ctx, room)
		if err != nil {
			return fmt.Errorf("join %s: %w", room, err)
		}
		reply.Record = &rec
	}

	s.hub.join(sess, room)
	return sess.enqueue(reply)
}
