package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"funnelbot/internal/delivery"
	"funnelbot/internal/domain"
	"funnelbot/internal/store"
)

const tracerName = "funnelbot/internal/worker"

// ErrAlreadyRunning is returned by Run when the poller loop is already active.
var ErrAlreadyRunning = errors.New("worker: poller already running")

type Handler interface {
	HandleJob(ctx context.Context, job domain.Job) error
}

type HandlerFunc func(ctx context.Context, job domain.Job) error

func (f HandlerFunc) HandleJob(ctx context.Context, job domain.Job) error { return f(ctx, job) }

// Poller claims due jobs one at a time and applies the retry policy to the
// handler's outcome. A single poller per database is the expected deployment;
// more are safe because claims are exclusive.
type Poller struct {
	repo     store.Repository
	handler  Handler
	interval time.Duration
	batch    int
	retry    RetryPolicy
	claimant string
	nowFn    func() time.Time
	tracer   trace.Tracer

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
}

type Option func(*Poller)

// WithInterval sets the sleep between batches. Values under a second are raised
// to one second.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

func WithBatch(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.batch = n
		}
	}
}

func WithRetryPolicy(rp RetryPolicy) Option {
	return func(p *Poller) { p.retry = rp }
}

func WithClaimant(id string) Option {
	return func(p *Poller) {
		if id != "" {
			p.claimant = id
		}
	}
}

func WithNowFunc(fn func() time.Time) Option {
	return func(p *Poller) {
		if fn != nil {
			p.nowFn = fn
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(p *Poller) {
		if t != nil {
			p.tracer = t
		}
	}
}

func NewPoller(repo store.Repository, h Handler, opts ...Option) *Poller {
	p := &Poller{
		repo:     repo,
		handler:  h,
		interval: 10 * time.Second,
		batch:    50,
		retry:    DefaultRetryPolicy,
		claimant: "sch_" + uuid.NewString(),
		nowFn:    time.Now,
		tracer:   otel.Tracer(tracerName),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.interval < time.Second {
		p.interval = time.Second
	}
	return p
}

func (p *Poller) Claimant() string { return p.claimant }

func (p *Poller) Running() bool { return p.running.Load() }

// Run sleeps, processes one batch, and repeats until ctx is cancelled or Stop
// is called. A job already handed to the handler is always finished.
func (p *Poller) Run(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer p.running.Store(false)

	t := time.NewTicker(p.interval)
	defer t.Stop()

	log.Info().Dur("interval", p.interval).Int("batch", p.batch).Str("claimant", p.claimant).Msg("job poller started")
	defer log.Info().Str("claimant", p.claimant).Msg("job poller stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stop:
			return nil
		case <-t.C:
			p.RunOnce(ctx)
		}
	}
}

// Stop asks the loop to exit after the job in flight, if any.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

func (p *Poller) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

// RunOnce fetches one batch of due jobs and executes those it manages to
// claim. It returns how many jobs were executed.
func (p *Poller) RunOnce(ctx context.Context) int {
	jobs, err := p.repo.FetchDueJobs(ctx, p.nowFn(), p.batch)
	if err != nil {
		log.Error().Err(err).Msg("fetch due jobs")
		return 0
	}

	n := 0
	for _, j := range jobs {
		if p.stopping(ctx) {
			break
		}
		won, err := p.repo.ClaimJob(ctx, j.ID, p.claimant)
		if err != nil {
			log.Error().Err(err).Int64("job_id", j.ID).Msg("claim job")
			continue
		}
		if !won {
			log.Debug().Int64("job_id", j.ID).Msg("job claimed elsewhere")
			continue
		}
		// shutdown must not cut the handler or its bookkeeping short
		p.execute(context.WithoutCancel(ctx), j)
		n++
	}
	return n
}

func (p *Poller) execute(ctx context.Context, j domain.Job) {
	ctx, span := p.tracer.Start(ctx, "funnel.job.execute",
		trace.WithAttributes(
			attribute.Int64("funnel.job.id", j.ID),
			attribute.String("funnel.job.kind", string(j.Kind)),
			attribute.Int64("funnel.recipient.id", j.RecipientID),
			attribute.Int("funnel.job.attempts", j.Attempts),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	start := time.Now()
	err := p.invoke(ctx, j)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	p.settle(ctx, j, err, time.Since(start))
}

func (p *Poller) invoke(ctx context.Context, j domain.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Int64("job_id", j.ID).
				Str("kind", string(j.Kind)).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("job handler panicked")
			err = fmt.Errorf("panic in job %d (%s): %v", j.ID, j.Kind, r)
		}
	}()
	return p.handler.HandleJob(ctx, j)
}

// settle records the outcome. Store errors are logged; the job stays RUNNING
// until stale-claim recovery returns it to the queue.
func (p *Poller) settle(ctx context.Context, j domain.Job, err error, took time.Duration) {
	attempts := j.Attempts + 1
	l := log.With().Int64("job_id", j.ID).Str("kind", string(j.Kind)).Int64("recipient_id", j.RecipientID).Int("attempts", attempts).Logger()

	if err == nil {
		if serr := p.repo.CompleteJob(ctx, j.ID); serr != nil {
			l.Error().Err(serr).Msg("complete job")
			return
		}
		l.Info().Dur("took", took).Msg("job done")
		return
	}

	switch {
	case delivery.IsUnreachable(err):
		if serr := p.repo.FailJob(ctx, j.ID, attempts, err.Error()); serr != nil {
			l.Error().Err(serr).Msg("fail job")
			return
		}
		l.Warn().Err(err).Msg("recipient unreachable, job failed")
	case !p.retry.ShouldRetry(attempts):
		if serr := p.repo.FailJob(ctx, j.ID, attempts, err.Error()); serr != nil {
			l.Error().Err(serr).Msg("fail job")
			return
		}
		l.Error().Err(err).Msg("retries exhausted, job failed")
	default:
		next := p.nowFn().Add(p.retry.Backoff(attempts))
		if serr := p.repo.RescheduleJob(ctx, j.ID, attempts, next, err.Error()); serr != nil {
			l.Error().Err(serr).Msg("reschedule job")
			return
		}
		l.Warn().Err(err).Time("next_run", next).Msg("job failed, retrying")
	}
}
