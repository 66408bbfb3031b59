package records

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"k8s.io/utils/clock"

	"github.com/rickgao/collabd/internal/resilience"
)

// fakeRow scans values positionally into the destinations.
type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = r.values[i].(string)
		case *bool:
			*p = r.values[i].(bool)
		case *json.RawMessage:
			*p = json.RawMessage(r.values[i].(string))
		case *time.Time:
			*p = r.values[i].(time.Time)
		default:
			return errors.New("unsupported destination")
		}
	}
	return nil
}

type fakeQuerier struct {
	row   fakeRow
	calls int
	sql   string
	args  []any
}

func (q *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.calls++
	q.sql, q.args = sql, args
	return q.row
}

func testGuard() *resilience.Guard {
	cb := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:             "database",
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	}, clock.RealClock{}, nil)
	return resilience.NewGuard(cb, resilience.BackoffConfig{
		Initial:  time.Millisecond,
		Factor:   2,
		MaxDelay: 2 * time.Millisecond,
	}, clock.RealClock{}, nil)
}

func TestLookupBusinessRecord(t *testing.T) {
	updated := time.Date(2024, 3, 1, 9, 0, 0, 0, time.FixedZone("CET", 3600))
	q := &fakeQuerier{row: fakeRow{values: []any{"scene-1", "scene", "user-7", `{"name":"lobby"}`, updated}}}
	r := New(Config{}, q, nil, nil)

	rec, err := r.LookupBusinessRecord(context.Background(), "scene-1")
	if err != nil {
		t.Fatalf("LookupBusinessRecord() error = %v", err)
	}
	if rec.ID != "scene-1" || rec.Kind != "scene" || rec.OwnerID != "user-7" {
		t.Errorf("record = %+v, want scene-1/scene/user-7", rec)
	}
	if string(rec.Data) != `{"name":"lobby"}` {
		t.Errorf("Data = %s, want lobby json", rec.Data)
	}
	if rec.UpdatedAt.Location() != time.UTC || !rec.UpdatedAt.Equal(updated) {
		t.Errorf("UpdatedAt = %v, want %v in UTC", rec.UpdatedAt, updated)
	}
	if q.sql != DefaultRecordQuery || q.args[0] != "scene-1" {
		t.Errorf("query = %q %v, want default query for scene-1", q.sql, q.args)
	}
}

func TestLookupBusinessRecord_NotFound(t *testing.T) {
	tests := []struct {
		name  string
		guard *resilience.Guard
	}{
		{"unguarded", nil},
		{"guarded", testGuard()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQuerier{row: fakeRow{err: pgx.ErrNoRows}}
			r := New(Config{}, q, tt.guard, nil)

			_, err := r.LookupBusinessRecord(context.Background(), "missing")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("error = %v, want ErrNotFound", err)
			}
			if q.calls != 1 {
				t.Errorf("calls = %d, want 1 (not found is not retried)", q.calls)
			}
			if tt.guard != nil && tt.guard.Breaker().Failures() != 0 {
				t.Errorf("breaker failures = %d, want 0", tt.guard.Breaker().Failures())
			}
		})
	}
}

func TestLookupBusinessRecord_EmptyID(t *testing.T) {
	q := &fakeQuerier{}
	r := New(Config{}, q, nil, nil)

	if _, err := r.LookupBusinessRecord(context.Background(), ""); !errors.Is(err, ErrEmptyID) {
		t.Errorf("error = %v, want ErrEmptyID", err)
	}
	if q.calls != 0 {
		t.Errorf("calls = %d, want 0", q.calls)
	}
}

func TestLookupBusinessRecord_OutageOpensBreaker(t *testing.T) {
	q := &fakeQuerier{row: fakeRow{err: errors.New("connection refused")}}
	g := testGuard()
	r := New(Config{}, q, g, nil)

	_, err := r.LookupBusinessRecord(context.Background(), "scene-1")
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrCircuitOpen", err)
	}
	if q.calls != 2 {
		t.Errorf("calls = %d, want 2 before the breaker opened", q.calls)
	}

	// Fails fast while open.
	_, err = r.LookupBusinessRecord(context.Background(), "scene-1")
	if !errors.Is(err, resilience.ErrCircuitOpen) || q.calls != 2 {
		t.Errorf("second lookup = %v after %d calls, want fast failure", err, q.calls)
	}
}

func TestCheckUserPermission(t *testing.T) {
	tests := []struct {
		name   string
		user   string
		room   string
		row    fakeRow
		want   bool
		calls  int
		hasErr bool
	}{
		{"member", "u1", "room-1", fakeRow{values: []any{true}}, true, 1, false},
		{"not member", "u1", "room-1", fakeRow{values: []any{false}}, false, 1, false},
		{"anonymous", "", "room-1", fakeRow{}, false, 0, false},
		{"query error", "u1", "room-1", fakeRow{err: errors.New("syntax error")}, false, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := &fakeQuerier{row: tt.row}
			r := New(Config{PermissionQuery: "SELECT allowed($1, $2)"}, q, nil, nil)

			got, err := r.CheckUserPermission(context.Background(), tt.user, tt.room)
			if (err != nil) != tt.hasErr {
				t.Fatalf("error = %v, want error %v", err, tt.hasErr)
			}
			if got != tt.want {
				t.Errorf("CheckUserPermission() = %v, want %v", got, tt.want)
			}
			if q.calls != tt.calls {
				t.Errorf("calls = %d, want %d", q.calls, tt.calls)
			}
			if q.calls > 0 && q.sql != "SELECT allowed($1, $2)" {
				t.Errorf("query = %q, want configured query", q.sql)
			}
		})
	}
}
