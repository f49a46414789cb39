package syncer

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"dukapos/internal/domain"
)

// Flusher is the part of the Replayer the scheduler drives.
type Flusher interface {
	Flush(ctx context.Context) (domain.FlushReport, error)
}

type Scheduler struct {
	cron    *cron.Cron
	flusher Flusher
	timeout time.Duration
}

// NewScheduler runs flusher on a cron spec such as "@every 30s" or
// "*/5 * * * *". Runs that would overlap a slow flush are skipped.
func NewScheduler(flusher Flusher, spec string, timeout time.Duration) (*Scheduler, error) {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	logger := log.With().Str("component", "scheduler").Logger()
	cronLogger := cron.PrintfLogger(&logger)

	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		flusher: flusher,
		timeout: timeout,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop prevents new runs and waits for a running flush, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	report, err := s.flusher.Flush(ctx)
	switch {
	case errors.Is(err, ErrFlushInProgress):
		log.Debug().Msg("scheduled flush skipped, another flush is running")
	case err != nil:
		log.Error().Err(err).Msg("scheduled flush failed")
	case report.Considered > 0:
		log.Debug().Int("synced", report.Synced).Int("failed", report.Failed).Msg("scheduled flush finished")
	}
}
