package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"funnelbot/internal/store"
)

// Service runs periodic job-table housekeeping on a cron schedule: it returns
// claims abandoned by a crashed poller to the queue and prunes old terminal rows.
type Service struct {
	repo       store.Repository
	cron       *cron.Cron
	spec       string
	staleAfter time.Duration
	retention  time.Duration
	nowFn      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// Result summarises one maintenance pass.
type Result struct {
	Recovered int
	Pruned    int
}

type Option func(*Service)

func WithNowFunc(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// NewService validates spec (standard five-field cron). staleAfter is how long
// a RUNNING claim may sit untouched; retention is how long DONE/FAILED rows are
// kept, zero keeps them forever.
func NewService(repo store.Repository, spec string, staleAfter, retention time.Duration, opts ...Option) (*Service, error) {
	if err := ValidateCronExpression(spec); err != nil {
		return nil, fmt.Errorf("maintenance schedule %q: %w", spec, err)
	}
	if staleAfter <= 0 {
		return nil, fmt.Errorf("stale-after must be positive, got %s", staleAfter)
	}
	s := &Service{
		repo:       repo,
		cron:       cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger))),
		spec:       spec,
		staleAfter: staleAfter,
		retention:  retention,
		nowFn:      time.Now,
		stop:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start blocks until ctx is done or Stop is called, running a pass on every
// cron tick.
func (s *Service) Start(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.RunOnce(ctx) }); err != nil {
		return err
	}
	s.cron.Start()

	log.Info().
		Str("schedule", s.spec).
		Dur("stale_after", s.staleAfter).
		Dur("retention", s.retention).
		Time("next_run", s.Next()).
		Msg("maintenance service started")

	select {
	case <-ctx.Done():
	case <-s.stop:
	}
	<-s.cron.Stop().Done()
	return nil
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Next is the time of the next scheduled pass.
func (s *Service) Next() time.Time {
	next, _ := NextRunTime(s.spec, s.nowFn())
	return next
}

// RunOnce performs a single maintenance pass. Failures are logged and do not
// stop the other half of the pass.
func (s *Service) RunOnce(ctx context.Context) Result {
	var res Result
	now := s.nowFn()

	n, err := s.repo.RecoverStale(ctx, now.Add(-s.staleAfter))
	if err != nil {
		log.Error().Err(err).Msg("failed to recover stale jobs")
	} else {
		res.Recovered = n
	}

	if s.retention > 0 {
		n, err := s.repo.PruneTerminal(ctx, now.Add(-s.retention))
		if err != nil {
			log.Error().Err(err).Msg("failed to prune terminal jobs")
		} else {
			res.Pruned = n
		}
	}

	if res.Recovered > 0 || res.Pruned > 0 {
		log.Info().Int("recovered", res.Recovered).Int("pruned", res.Pruned).Msg("maintenance pass")
	}
	return res
}

// ValidateCronExpression validates a cron expression
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextRunTime calculates the next run time for a cron expression
func NextRunTime(expr string, from time.Time) (time.Time, error) {
	cronSchedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return cronSchedule.Next(from), nil
}
