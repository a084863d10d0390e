package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/somatogether/tokenledger/internal/domain"
	"github.com/somatogether/tokenledger/internal/store"
)

var sweptTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ledger_sweep_expired_total",
	Help: "Session requests expired by the sweep",
})

// Ledger is the slice of the ledger store the sweep drives.
type Ledger interface {
	ListExpiredPending(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error)
	ExpireSessionRequest(ctx context.Context, id uuid.UUID) error
}

// Sweeper owns the periodic pass that expires session requests left pending
// past their window and releases their holds. It is started and stopped by
// the process lifecycle, and its unit of work is idempotent: the status guard
// in the store means racing a manual decline is harmless.
type Sweeper struct {
	cron   *cron.Cron
	ledger Ledger
	logger *slog.Logger
}

func New(ledger Ledger, logger *slog.Logger) *Sweeper {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	return &Sweeper{
		cron:   cron.New(cron.WithChain(cron.Recover(cronLogger))),
		ledger: ledger,
		logger: logger,
	}
}

// Start schedules the sweep and begins running it.
func (s *Sweeper) Start(schedule string) error {
	_, err := s.cron.AddFunc(schedule, func() {
		if _, err := s.RunOnce(context.Background()); err != nil {
			s.logger.Error("expiry sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("expiry sweep scheduled", "schedule", schedule)
	return nil
}

// Stop halts scheduling; the returned context is done when any in-flight
// sweep has finished.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// RunOnce performs a single sweep pass and returns how many requests it
// expired. Requests resolved by someone else between listing and expiry are
// skipped, not errors.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-domain.SessionRequestTTL)
	ids, err := s.ledger.ListExpiredPending(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		err := s.ledger.ExpireSessionRequest(ctx, id)
		switch {
		case err == nil:
			expired++
			sweptTotal.Inc()
		case errors.Is(err, store.ErrInvalidState), errors.Is(err, store.ErrSessionRequestNotFound):
			// Lost the race to a manual decline; the hold was released there.
			s.logger.Debug("session request resolved before sweep", "session_request_id", id)
		default:
			s.logger.Error("failed to expire session request", "session_request_id", id, "error", err)
		}
	}

	if expired > 0 {
		s.logger.Info("expiry sweep finished", "expired", expired, "candidates", len(ids))
	}
	return expired, nil
}
