package store

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

func TestParseKind(t *testing.T) {
	for _, name := range []string{"comment", "behavior"} {
		k, err := ParseKind(name)
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", name, err)
		}
		if string(k) != name {
			t.Errorf("got %q, want %q", k, name)
		}
	}
	if _, err := ParseKind("reflection"); !errors.Is(err, ErrUnknownQueue) {
		t.Errorf("got %v, want ErrUnknownQueue", err)
	}
}

func TestObserveMarksTransportErrorsStale(t *testing.T) {
	s := &Store{logger: zap.NewNop()}

	tests := []struct {
		name  string
		err   error
		stale bool
	}{
		{"no rows", pgx.ErrNoRows, false},
		{"server error", &pgconn.PgError{Code: "23505"}, false},
		{"transport", errors.New("write: broken pipe"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s.lastHealthy.Store(time.Now().UnixNano())
			if got := s.observe(tt.err); got != tt.err {
				t.Fatalf("observe changed the error: %v", got)
			}
			if stale := s.lastHealthy.Load() == 0; stale != tt.stale {
				t.Errorf("stale = %v, want %v", stale, tt.stale)
			}
		})
	}
}

func TestNullableLimit(t *testing.T) {
	if nullableLimit(0) != nil || nullableLimit(-1) != nil {
		t.Error("non-positive limit should be NULL")
	}
	if l := nullableLimit(20); l == nil || *l != 20 {
		t.Errorf("got %v, want 20", l)
	}
}

func TestVectorOrEmpty(t *testing.T) {
	if v := vectorOrEmpty(nil); v == nil || len(v) != 0 {
		t.Errorf("nil: got %#v, want empty non-nil", v)
	}
	if v := vectorOrEmpty([]float32{1, 2}); len(v) != 2 || v[1] != 2 {
		t.Errorf("got %v, want unchanged", v)
	}
}
