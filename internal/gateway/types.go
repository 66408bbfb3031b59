package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rickgao/collabd/internal/admission"
	"github.com/rickgao/collabd/internal/model"
)

// Errors
var (
	ErrClosed         = errors.New("session closed")
	ErrSendBufferFull = errors.New("send buffer full")
	ErrNotMember      = errors.New("not a member of room")
	ErrForbidden      = errors.New("permission denied")
	ErrRejected       = errors.New("connection rejected")
)

// Message types.
const (
	TypeWelcome  = "welcome"
	TypeJoin     = "join"
	TypeJoined   = "joined"
	TypeLeave    = "leave"
	TypeLeft     = "left"
	TypeEvent    = "event"
	TypePing     = "ping"
	TypePong     = "pong"
	TypeMigrated = "migrated"
	TypeError    = "error"
)

// Default values.
const (
	DefaultReadLimit      = 64 * 1024
	DefaultPingInterval   = 25 * time.Second
	DefaultWriteTimeout   = 5 * time.Second
	DefaultSendBufferSize = 256
)

// Config configures a Server.
type Config struct {
	ReadLimit      int64
	PingInterval   time.Duration // the read deadline is twice this
	WriteTimeout   time.Duration
	SendBufferSize int // outbound messages queued per session
}

// Sessions is the connection lifecycle the gateway drives.
type Sessions interface {
	Connect(clientID string) admission.Decision
	OnDisconnect(clientID string)
	Touch(clientID string) bool
	RecordRequest(clientID string, latency time.Duration, err error)
}

// Records resolves rooms to business records and checks membership.
type Records interface {
	LookupBusinessRecord(ctx context.Context, id string) (model.Record, error)
	CheckUserPermission(ctx context.Context, userID, roomID string) (bool, error)
}

// Inbound is a client message.
type Inbound struct {
	Type    string          `json:"type"`
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Outbound is a server message.
type Outbound struct {
	Type     string          `json:"type"`
	ClientID string          `json:"client_id,omitempty"`
	WorkerID int             `json:"worker_id,omitempty"`
	Room     string          `json:"room,omitempty"`
	Event    string          `json:"event,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	From     string          `json:"from,omitempty"`
	Record   *model.Record   `json:"record,omitempty"`
	Error    string          `json:"error,omitempty"`
}
