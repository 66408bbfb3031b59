package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// session is one upgraded client connection.
type session struct {
	id     string
	userID string
	conn   *websocket.Conn
	logger *slog.Logger

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	closeCode int
	closeText string

	mu    sync.Mutex
	rooms map[string]struct{}
}

func newSession(id, userID string, conn *websocket.Conn, bufferSize int, logger *slog.Logger) *session {
	return &session{
		id:     id,
		userID: userID,
		conn:   conn,
		logger: logger.With("client_id", id),
		send:   make(chan []byte, bufferSize),
		done:   make(chan struct{}),
		rooms:  make(map[string]struct{}),
	}
}

// enqueue queues msg for the write pump. A full buffer drops the message.
func (s *session) enqueue(msg Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		s.logger.Warn("send buffer full, dropping message", "type", msg.Type)
		return ErrSendBufferFull
	}
}

// close asks the write pump to send a close frame and shut the connection.
func (s *session) close(code int, text string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeText = text
		close(s.done)
	})
}

func (s *session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *session) joinRoom(room string) {
	s.mu.Lock()
	s.rooms[room] = struct{}{}
	s.mu.Unlock()
}

func (s *session) leaveRoom(room string) {
	s.mu.Lock()
	delete(s.rooms, room)
	s.mu.Unlock()
}

func (s *session) inRoom(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[room]
	return ok
}

func (s *session) roomList() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// writePump is the only writer to conn. It sends queued messages and
// pings, and on close flushes what is queued before the close frame.
func (s *session) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("write failed", "error", err)
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.logger.Debug("failed to send ping", "error", err)
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-s.done:
			s.flush(writeTimeout)
			s.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(s.closeCode, s.closeText),
				time.Now().Add(writeTimeout),
			)
			return
		}
	}
}

func (s *session) flush(writeTimeout time.Duration) {
	for {
		select {
		case data := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}
