package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/collabd/internal/admission"
	"github.com/rickgao/collabd/internal/model"
)

type fakeSessions struct {
	mu           sync.Mutex
	reject       admission.Reason
	connected    []string
	disconnected []string
	touches      int
	requests     int
	failures     int
}

func (f *fakeSessions) Connect(clientID string) admission.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != admission.ReasonNone {
		return admission.Decision{Reason: f.reject}
	}
	f.connected = append(f.connected, clientID)
	return admission.Decision{Accepted: true, WorkerID: 2}
}

func (f *fakeSessions) OnDisconnect(clientID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, clientID)
}

func (f *fakeSessions) Touch(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
	return true
}

func (f *fakeSessions) RecordRequest(_ string, _ time.Duration, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests++
	if err != nil {
		f.failures++
	}
}

type sessionCounts struct {
	connected    []string
	disconnected []string
	touches      int
	requests     int
	failures     int
}

func (f *fakeSessions) snapshot() sessionCounts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sessionCounts{
		connected:    append([]string(nil), f.connected...),
		disconnected: append([]string(nil), f.disconnected...),
		touches:      f.touches,
		requests:     f.requests,
		failures:     f.failures,
	}
}

type fakeRecords struct {
	denied map[string]bool // user ids without permission
}

func (r fakeRecords) LookupBusinessRecord(_ context.Context, id string) (model.Record, error) {
	if id == "missing" {
		return model.Record{}, errors.New("record not found")
	}
	return model.Record{ID: id, Kind: "scene", Data: json.RawMessage(`{"name":"lobby"}`)}, nil
}

func (r fakeRecords) CheckUserPermission(_ context.Context, userID, _ string) (bool, error) {
	return !r.denied[userID], nil
}

type testGateway struct {
	server   *Server
	hub      *Hub
	sessions *fakeSessions
	http     *httptest.Server
	url      string
}

func newTestGateway(t *testing.T, records Records) *testGateway {
	t.Helper()
	g := &testGateway{
		hub:      NewHub(nil),
		sessions: &fakeSessions{},
	}
	g.server = NewServer(Config{PingInterval: time.Minute}, g.sessions, g.hub, records, nil)
	g.http = httptest.NewServer(g.server.Handler())
	g.url = "ws" + strings.TrimPrefix(g.http.URL, "http") + "/ws"
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = g.server.Close(ctx)
		g.http.Close()
	})
	return g
}

func (g *testGateway) dial(t *testing.T, clientID, userID string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := Dial(ctx, ClientConfig{URL: g.url, ClientID: clientID, UserID: userID}, nil)
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", clientID, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func next(t *testing.T, c *Client) Outbound {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := c.Next(ctx)
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	return msg
}

func nextOfType(t *testing.T, c *Client, typ string) Outbound {
	t.Helper()
	for {
		msg := next(t, c)
		if msg.Type == typ {
			return msg
		}
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestServer_WelcomeAndPing(t *testing.T) {
	g := newTestGateway(t, nil)
	c := g.dial(t, "c1", "")

	welcome := next(t, c)
	if welcome.Type != TypeWelcome || welcome.ClientID != "c1" || welcome.WorkerID != 2 {
		t.Errorf("welcome = %+v, want c1 on worker 2", welcome)
	}

	if err := c.Send(Inbound{Type: TypePing}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if msg := next(t, c); msg.Type != TypePong {
		t.Errorf("reply type = %q, want pong", msg.Type)
	}

	st := g.sessions.snapshot()
	if st.touches < 1 || st.requests != 1 || st.failures != 0 {
		t.Errorf("sessions = touches %d requests %d failures %d, want touched with 1 good request",
			st.touches, st.requests, st.failures)
	}
}

func TestServer_AnonymousClientID(t *testing.T) {
	g := newTestGateway(t, nil)
	c := g.dial(t, "", "")

	welcome := next(t, c)
	if _, err := uuid.Parse(welcome.ClientID); err != nil {
		t.Errorf("assigned client id %q is not a uuid: %v", welcome.ClientID, err)
	}
}

func TestServer_RejectsBeforeUpgrade(t *testing.T) {
	tests := []struct {
		reason admission.Reason
		want   int
	}{
		{admission.ReasonRateLimited, http.StatusTooManyRequests},
		{admission.ReasonThrottled, http.StatusTooManyRequests},
		{admission.ReasonDuplicate, http.StatusConflict},
		{admission.ReasonPoolFull, http.StatusServiceUnavailable},
		{admission.ReasonClosed, http.StatusServiceUnavailable},
		{admission.ReasonStoreDown, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			g := newTestGateway(t, nil)
			g.sessions.reject = tt.reason

			_, err := Dial(context.Background(), ClientConfig{URL: g.url, ClientID: "c1"}, nil)
			var rej *RejectedError
			if !errors.As(err, &rej) {
				t.Fatalf("Dial() error = %v, want RejectedError", err)
			}
			if rej.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", rej.StatusCode, tt.want)
			}
			if !errors.Is(err, ErrRejected) {
				t.Error("error does not match ErrRejected")
			}
			if g.hub.Count() != 0 {
				t.Errorf("hub sessions = %d, want 0", g.hub.Count())
			}
		})
	}
}

func TestServer_RoomBroadcast(t *testing.T) {
	g := newTestGateway(t, fakeRecords{})
	a := g.dial(t, "a", "u1")
	b := g.dial(t, "b", "u2")

	for _, c := range []*Client{a, b} {
		nextOfType(t, c, TypeWelcome)
		if err := c.Send(Inbound{Type: TypeJoin, Room: "scene-1"}); err != nil {
			t.Fatalf("Send(join) error = %v", err)
		}
		joined := nextOfType(t, c, TypeJoined)
		if joined.Record == nil || joined.Record.ID != "scene-1" {
			t.Errorf("joined = %+v, want scene-1 record", joined)
		}
	}

	payload := json.RawMessage(`{"x":1}`)
	if err := a.Send(Inbound{Type: TypeEvent, Room: "scene-1", Event: "move", Payload: payload}); err != nil {
		t.Fatalf("Send(event) error = %v", err)
	}
	for _, c := range []*Client{a, b} {
		ev := nextOfType(t, c, TypeEvent)
		if ev.Event != "move" || ev.From != "a" || string(ev.Payload) != `{"x":1}` {
			t.Errorf("event = %+v, want move from a", ev)
		}
	}

	if n := g.hub.BroadcastToRoom("scene-1", "tick", nil); n != 2 {
		t.Errorf("BroadcastToRoom() = %d, want 2", n)
	}
	if rooms := g.hub.Rooms(); rooms["scene-1"] != 2 {
		t.Errorf("Rooms() = %v, want scene-1 with 2 members", rooms)
	}
}

func TestServer_JoinErrors(t *testing.T) {
	g := newTestGateway(t, fakeRecords{denied: map[string]bool{"intruder": true}})

	tests := []struct {
		name    string
		user    string
		msg     Inbound
		wantErr string
	}{
		{"forbidden", "intruder", Inbound{Type: TypeJoin, Room: "scene-1"}, "permission denied"},
		{"missing record", "u1", Inbound{Type: TypeJoin, Room: "missing"}, "record not found"},
		{"event outside room", "u1", Inbound{Type: TypeEvent, Room: "scene-1", Event: "move"}, "not a member"},
		{"unknown type", "u1", Inbound{Type: "dance"}, "unknown message type"},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := g.dial(t, "client-"+string(rune('a'+i)), tt.user)
			nextOfType(t, c, TypeWelcome)

			if err := c.Send(tt.msg); err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			reply := next(t, c)
			if reply.Type != TypeError || !strings.Contains(reply.Error, tt.wantErr) {
				t.Errorf("reply = %+v, want error containing %q", reply, tt.wantErr)
			}
		})
	}

	if st := g.sessions.snapshot(); st.failures != len(tests) {
		t.Errorf("failed requests = %d, want %d", st.failures, len(tests))
	}
}

func TestHub_MigratedNotice(t *testing.T) {
	g := newTestGateway(t, nil)
	c := g.dial(t, "c1", "")
	nextOfType(t, c, TypeWelcome)
	waitUntil(t, "session registered", func() bool { return g.hub.Count() == 1 })

	g.hub.Migrated("c1", 2, 5)

	msg := nextOfType(t, c, TypeMigrated)
	if msg.WorkerID != 5 {
		t.Errorf("migrated worker = %d, want 5", msg.WorkerID)
	}
}

func TestHub_EvictedClosesSession(t *testing.T) {
	g := newTestGateway(t, nil)
	c := g.dial(t, "c1", "")
	nextOfType(t, c, TypeWelcome)
	waitUntil(t, "session registered", func() bool { return g.hub.Count() == 1 })

	g.hub.Evicted("c1", 2)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		if _, err := c.Next(ctx); err != nil {
			break
		}
	}
	waitUntil(t, "disconnect", func() bool { return len(g.sessions.snapshot().disconnected) == 1 })
	waitUntil(t, "unregister", func() bool { return g.hub.Count() == 0 })
}

func TestServer_ClientCloseDisconnects(t *testing.T) {
	g := newTestGateway(t, fakeRecords{})
	c := g.dial(t, "c1", "u1")
	nextOfType(t, c, TypeWelcome)
	_ = c.Send(Inbound{Type: TypeJoin, Room: "scene-1"})
	nextOfType(t, c, TypeJoined)

	c.Close()

	waitUntil(t, "disconnect", func() bool {
		st := g.sessions.snapshot()
		return len(st.disconnected) == 1 && st.disconnected[0] == "c1"
	})
	waitUntil(t, "room cleanup", func() bool { return len(g.hub.Rooms()) == 0 })
}

func TestServer_CloseEndsSessions(t *testing.T) {
	g := newTestGateway(t, nil)
	for _, id := range []string{"a", "b", "c"} {
		c := g.dial(t, id, "")
		nextOfType(t, c, TypeWelcome)
	}
	waitUntil(t, "sessions registered", func() bool { return g.hub.Count() == 3 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.server.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if g.hub.Count() != 0 {
		t.Errorf("hub sessions after Close = %d, want 0", g.hub.Count())
	}
	if n := len(g.sessions.snapshot().disconnected); n != 3 {
		t.Errorf("disconnects = %d, want 3", n)
	}

	_, err := Dial(context.Background(), ClientConfig{URL: g.url, ClientID: "late"}, nil)
	var rej *RejectedError
	if !errors.As(err, &rej) || rej.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Dial() after Close error = %v, want 503 rejection", err)
	}
}
