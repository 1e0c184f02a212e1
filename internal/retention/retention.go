// Package retention enforces the Outbox's only retention policy: terminal
// rows (consumed or dead_letter) older than a configured window are pruned.
// Timeline Events and Sessions are never touched — the append-only
// timeline is retained indefinitely by design.
package retention

import (
	"context"
	stdsql "database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/uniassist/pipeline/internal/config"
	"github.com/uniassist/pipeline/internal/domain"
)

// Service periodically deletes terminal Outbox rows past their retention window.
type Service struct {
	db     *stdsql.DB
	cfg    config.RetentionConfig
	cancel context.CancelFunc
	done   chan struct{}
}

// NewService constructs a Service over db.
func NewService(db *stdsql.DB, cfg config.RetentionConfig) *Service {
	return &Service{db: db, cfg: cfg}
}

// Start launches the background sweep loop. A no-op if retention is disabled.
func (s *Service) Start(ctx context.Context) {
	if !s.cfg.Enabled || s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("outbox retention started",
		"terminal_max_age", s.cfg.TerminalMaxAge, "sweep_interval", s.cfg.SweepInterval)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	n, err := s.DeleteTerminalOlderThan(ctx, s.cfg.TerminalMaxAge)
	if err != nil {
		slog.Error("outbox retention sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("outbox retention pruned terminal rows", "count", n)
	}
}

// DeleteTerminalOlderThan removes consumed and dead_letter rows whose
// updated_at is older than maxAge. It is exported so callers such as tests
// can invoke a single sweep synchronously.
func (s *Service) DeleteTerminalOlderThan(ctx context.Context, maxAge time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_events
		 WHERE status IN ($1, $2) AND updated_at < now() - $3::interval`,
		string(domain.OutboxStatusConsumed), string(domain.OutboxStatusDeadLetter),
		fmt.Sprintf("%d microseconds", maxAge.Microseconds()),
	)
	if err != nil {
		return 0, fmt.Errorf("retention: delete terminal rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("retention: rows affected: %w", err)
	}
	return int(n), nil
}
