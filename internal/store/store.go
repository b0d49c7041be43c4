package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Options tunes connection health handling.
type Options struct {
	// HealthCheckInterval is how long a successful ping is trusted before
	// the next operation pings again.
	HealthCheckInterval time.Duration
	ReconnectAttempts   int
	ReconnectDelay      time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		HealthCheckInterval: 30 * time.Second,
		ReconnectAttempts:   3,
		ReconnectDelay:      2 * time.Second,
	}
}

// Store wraps a PostgreSQL connection pool.
type Store struct {
	db     *pgxpool.Pool
	opts   Options
	logger *zap.Logger

	// lastHealthy is the unix-nano time of the last successful ping;
	// zero marks the connection stale.
	lastHealthy atomic.Int64
}

// New creates a Store with a pgx connection pool.
func New(ctx context.Context, dsn string, opts Options, logger *zap.Logger) (*Store, error) {
	if opts.ReconnectAttempts <= 0 {
		opts.ReconnectAttempts = DefaultOptions().ReconnectAttempts
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{db: pool, opts: opts, logger: logger}
	s.lastHealthy.Store(time.Now().UnixNano())
	logger.Info("PostgreSQL connected")
	return s, nil
}

// Migrate reads and executes all .up.sql files from the migrations directory.
func (s *Store) Migrate(ctx context.Context, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".up.sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(migrationsDir, f))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		s.logger.Info("Migration applied", zap.String("file", f))
	}
	return nil
}

// Ping checks the connection unconditionally.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		s.markStale()
		return fmt.Errorf("ping postgres: %w", err)
	}
	s.lastHealthy.Store(time.Now().UnixNano())
	return nil
}

// EnsureConnected verifies the pool is usable and reconnects if it is not.
// A recent successful check is trusted for HealthCheckInterval.
func (s *Store) EnsureConnected(ctx context.Context) error {
	last := s.lastHealthy.Load()
	if last != 0 && time.Since(time.Unix(0, last)) < s.opts.HealthCheckInterval {
		return nil
	}

	var err error
	for attempt := 1; attempt <= s.opts.ReconnectAttempts; attempt++ {
		if err = s.db.Ping(ctx); err == nil {
			s.lastHealthy.Store(time.Now().UnixNano())
			if attempt > 1 {
				s.logger.Info("PostgreSQL reconnected", zap.Int("attempt", attempt))
			}
			return nil
		}
		s.logger.Warn("PostgreSQL connection check failed, resetting pool",
			zap.Int("attempt", attempt), zap.Error(err))
		s.db.Reset()

		if attempt == s.opts.ReconnectAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("reconnect postgres: %w", ctx.Err())
		case <-time.After(s.opts.ReconnectDelay):
		}
	}
	return fmt.Errorf("reconnect postgres after %d attempts: %w", s.opts.ReconnectAttempts, err)
}

func (s *Store) markStale() {
	s.lastHealthy.Store(0)
}

// observe marks the connection stale when err looks like a transport
// failure rather than a server-side error, so the next operation reconnects.
func (s *Store) observe(err error) error {
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		s.markStale()
	}
	return err
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.db.Close()
}
