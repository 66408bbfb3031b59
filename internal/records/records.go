package records

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/rickgao/collabd/internal/model"
	"github.com/rickgao/collabd/internal/resilience"
)

// Errors
var (
	ErrNotFound = errors.New("record not found")
	ErrEmptyID  = errors.New("empty id")
)

// Default queries.
const (
	DefaultRecordQuery = `
		SELECT id, kind, owner_id, data, updated_at
		FROM business_records
		WHERE id = $1`

	DefaultPermissionQuery = `
		SELECT EXISTS (SELECT 1 FROM room_members WHERE user_id = $1 AND room_id = $2)
		    OR EXISTS (SELECT 1 FROM business_records WHERE id = $2 AND owner_id = $1)`
)

// Config holds the queries. The record query takes the id and returns
// (id, kind, owner_id, data, updated_at); the permission query takes
// (user id, room id) and returns one boolean.
type Config struct {
	RecordQuery     string
	PermissionQuery string
}

// Querier is the part of a pgx pool the repository uses.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repo looks up records and permissions.
type Repo struct {
	cfg    Config
	db     Querier
	guard  *resilience.Guard
	logger *slog.Logger
}

// New creates a Repo. guard may be nil.
func New(cfg Config, db Querier, guard *resilience.Guard, logger *slog.Logger) *Repo {
	if cfg.RecordQuery == "" {
		cfg.RecordQuery = DefaultRecordQuery
	}
	if cfg.PermissionQuery == "" {
		cfg.PermissionQuery = DefaultPermissionQuery
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Repo{
		cfg:    cfg,
		db:     db,
		guard:  guard,
		logger: logger.With("component", "records"),
	}
}

// LookupBusinessRecord returns the record with the given id, or an error
// matching ErrNotFound.
func (r *Repo) LookupBusinessRecord(ctx context.Context, id string) (model.Record, error) {
	if id == "" {
		return model.Record{}, ErrEmptyID
	}

	var rec model.Record
	err := r.do(ctx, "lookup record", func(ctx context.Context) error {
		err := r.db.QueryRow(ctx, r.cfg.RecordQuery, id).
			Scan(&rec.ID, &rec.Kind, &rec.OwnerID, &rec.Data, &rec.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return resilience.Permanent(fmt.Errorf("%s: %w", id, ErrNotFound))
		}
		return err
	})
	if err != nil {
		return model.Record{}, err
	}
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

// CheckUserPermission reports whether userID may join roomID.
func (r *Repo) CheckUserPermission(ctx context.Context, userID, roomID string) (bool, error) {
	if userID == "" || roomID == "" {
		return false, nil
	}

	var allowed bool
	err := r.do(ctx, "check permission", func(ctx context.Context) error {
		return r.db.QueryRow(ctx, r.cfg.PermissionQuery, userID, roomID).Scan(&allowed)
	})
	if err != nil {
		return false, err
	}
	if !allowed {
		r.logger.Debug("permission denied", "user_id", userID, "room_id", roomID)
	}
	return allowed, nil
}

func (r *Repo) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var err error
	if r.guard != nil {
		err = r.guard.Do(ctx, op, fn)
	} else {
		err = fn(ctx)
	}
	// The guard already names op when it refuses the call.
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return err
}
