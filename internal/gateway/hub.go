package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub tracks live sessions and room membership.
type Hub struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*session
	rooms    map[string]map[string]*session
}

// NewHub creates an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:   logger.With("component", "hub"),
		sessions: make(map[string]*session),
		rooms:    make(map[string]map[string]*session),
	}
}

func (h *Hub) register(s *session) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()
}

// unregister removes s from the hub and every room it joined.
func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.sessions[s.id]; ok && cur == s {
		delete(h.sessions, s.id)
	}
	for _, room := range s.roomList() {
		h.leaveLocked(s, room)
	}
}

func (h *Hub) join(s *session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*session)
		h.rooms[room] = members
	}
	members[s.id] = s
	s.joinRoom(room)
}

func (h *Hub) leave(s *session, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(s, room)
}

func (h *Hub) leaveLocked(s *session, room string) {
	if members := h.rooms[room]; members != nil {
		delete(members, s.id)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	s.leaveRoom(room)
}

func (h *Hub) session(clientID string) *session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[clientID]
}

// BroadcastToRoom sends an event to every member of roomID and returns how
// many sessions it was queued for.
func (h *Hub) BroadcastToRoom(roomID, event string, payload json.RawMessage) int {
	return h.broadcast(roomID, Outbound{Type: TypeEvent, Room: roomID, Event: event, Payload: payload})
}

func (h *Hub) broadcast(roomID string, msg Outbound) int {
	h.mu.RLock()
	members := make([]*session, 0, len(h.rooms[roomID]))
	for _, s := range h.rooms[roomID] {
		members = append(members, s)
	}
	h.mu.RUnlock()

	sent := 0
	for _, s := range members {
		if s.enqueue(msg) == nil {
			sent++
		}
	}
	return sent
}

// Migrated implements worker.Notifier.
func (h *Hub) Migrated(clientID string, fromWorker, toWorker int) {
	s := h.session(clientID)
	if s == nil {
		return
	}
	if err := s.enqueue(Outbound{Type: TypeMigrated, WorkerID: toWorker}); err != nil {
		h.logger.Debug("migration notice not sent", "client_id", clientID, "error", err)
	}
}

// Evicted implements worker.Notifier. The session is closed.
func (h *Hub) Evicted(clientID string, workerID int) {
	s := h.session(clientID)
	if s == nil {
		return
	}
	h.logger.Info("closing evicted session", "client_id", clientID, "worker_id", workerID)
	s.close(websocket.CloseGoingAway, "evicted")
}

// CloseAll closes every session with the given close text.
func (h *Hub) CloseAll(text string) int {
	h.mu.RLock()
	all := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		all = append(all, s)
	}
	h.mu.RUnlock()

	for _, s := range all {
		s.close(websocket.CloseGoingAway, text)
	}
	return len(all)
}

// Count returns the number of live sessions.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Rooms returns the member count of every room.
func (h *Hub) Rooms() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.rooms))
	for r, m := range h.rooms {
		out[r] = len(m)
	}
	return out
}
