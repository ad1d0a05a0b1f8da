// Package sweeper periodically deletes rows that can no longer affect any
// request: revocations of expired tokens, stale challenges and identities
// that never registered a credential.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"

	"github.com/RegistryAccord/registryaccord-passkey-go/internal/storage"
)

// retryDelay is the pause before the single retry of a transient failure.
const retryDelay = 3 * time.Second

// runTimeout bounds one complete sweep.
const runTimeout = 5 * time.Minute

var runsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sweeper_runs_total",
		Help: "Total number of cleanup runs by result",
	},
	[]string{"result"},
)

var deletedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "sweeper_deleted_rows_total",
		Help: "Total number of rows removed by the cleanup task",
	},
	[]string{"table"},
)

// Sweeper removes expired rows from a storage.SweepStore.
type Sweeper struct {
	store      storage.SweepStore
	grace      time.Duration
	clock      func() time.Time
	logger     *slog.Logger
	retryDelay time.Duration
}

// Option customizes a Sweeper.
type Option func(*Sweeper)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(s *Sweeper) { s.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// WithRetryDelay overrides the pause before retrying a transient failure.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Sweeper) { s.retryDelay = d }
}

// New returns a Sweeper. grace is the challenge grace window; challenges are
// only removed once it has passed too.
func New(store storage.SweepStore, grace time.Duration, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:      store,
		grace:      grace,
		clock:      time.Now,
		logger:     slog.Default(),
		retryDelay: retryDelay,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run performs one sweep. Every step runs even when an earlier one failed;
// the failures are returned together.
func (s *Sweeper) Run(ctx context.Context) error {
	now := s.clock()
	steps := []struct {
		table string
		op    func(context.Context) (int64, error)
	}{
		{"revocations", func(ctx context.Context) (int64, error) { return s.store.DeleteExpiredRevocations(ctx, now) }},
		{"challenges", func(ctx context.Context) (int64, error) {
			return s.store.DeleteExpiredChallenges(ctx, now.Add(-s.grace))
		}},
		{"identities", func(ctx context.Context) (int64, error) { return s.store.DeleteExpiredIdentities(ctx, now) }},
	}

	var result *multierror.Error
	for _, step := range steps {
		n, err := s.runWithRetry(ctx, step.table, step.op)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("sweep %s: %w", step.table, err))
			continue
		}
		if n > 0 {
			deletedTotal.WithLabelValues(step.table).Add(float64(n))
		}
		s.logger.Debug("swept table", "table", step.table, "deleted", n)
	}

	if err := result.ErrorOrNil(); err != nil {
		runsTotal.WithLabelValues("error").Inc()
		return err
	}
	runsTotal.WithLabelValues("success").Inc()
	return nil
}

// runWithRetry runs op and retries it once after a transient database error.
func (s *Sweeper) runWithRetry(ctx context.Context, table string, op func(context.Context) (int64, error)) (int64, error) {
	n, err := op(ctx)
	if err == nil || !transient(err) {
		return n, err
	}
	s.logger.Warn("sweep hit transient error; retrying once", "table", table, "error", err)
	select {
	case <-time.After(s.retryDelay):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return op(ctx)
}

func transient(err error) bool {
	return errors.Is(err, io.EOF) || pgconn.SafeToRetry(err) ||
		strings.Contains(err.Error(), "connection was closed")
}

// Schedule registers Run on c under spec. Failures are logged and the next
// tick tries again.
func (s *Sweeper) Schedule(c *cron.Cron, spec string) (cron.EntryID, error) {
	id, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
		defer cancel()
		if err := s.Run(ctx); err != nil {
			s.logger.Error("scheduled cleanup failed", "error", err)
			return
		}
		s.logger.Info("scheduled cleanup completed")
	})
	if err != nil {
		return 0, fmt.Errorf("schedule cleanup %q: %w", spec, err)
	}
	return id, nil
}
