// Package dispatch routes inbound events and due jobs through the funnel and
// executes the resulting decisions against the store and the delivery sink.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"funnelbot/internal/content"
	"funnelbot/internal/delivery"
	"funnelbot/internal/domain"
	"funnelbot/internal/funnel"
	"funnelbot/internal/store"
)

// ErrContentMissing is returned after a diagnostic was sent because a media
// file is absent and no cached handle could stand in for it.
var ErrContentMissing = errors.New("dispatch: content missing")

type Facade struct {
	repo      store.Repository
	sink      delivery.Sink
	members   delivery.MembershipChecker
	catalog   *content.Catalog
	channelID int64
	nowFn     func() time.Time
}

type Option func(*Facade)

func WithNowFunc(fn func() time.Time) Option {
	return func(f *Facade) {
		if fn != nil {
			f.nowFn = fn
		}
	}
}

// New wires a facade. channelID is the channel whose membership gates entry.
func New(repo store.Repository, sink delivery.Sink, members delivery.MembershipChecker, catalog *content.Catalog, channelID int64, opts ...Option) *Facade {
	f := &Facade{
		repo:      repo,
		sink:      sink,
		members:   members,
		catalog:   catalog,
		channelID: channelID,
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// HandleEvent processes one inbound interaction. Store and delivery errors
// are returned for the transport loop to log.
func (f *Facade) HandleEvent(ctx context.Context, ev delivery.Event) error {
	if ev.RecipientID == 0 {
		return nil
	}
	if err := f.repo.UpsertRecipient(ctx, ev.RecipientID); err != nil {
		return err
	}
	chatID := ev.ChatID
	if chatID == 0 {
		chatID = ev.RecipientID
	}

	var err error
	switch ev.Kind {
	case delivery.EventStart:
		op := funnel.TokenClear
		if ev.Token != "" {
			op = funnel.TokenSet
		}
		err = f.entry(ctx, ev.RecipientID, chatID, op, ev.Token)
	case delivery.EventText:
		if !isStartWord(ev.Text) {
			return nil
		}
		err = f.entry(ctx, ev.RecipientID, chatID, funnel.TokenKeep, "")
	case delivery.EventButton:
		err = f.button(ctx, ev, chatID)
	default:
		log.Warn().Int("kind", int(ev.Kind)).Int64("recipient_id", ev.RecipientID).Msg("unhandled event kind")
		return nil
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrContentMissing):
		// the recipient already got the diagnostic
		log.Warn().Err(err).Int64("recipient_id", ev.RecipientID).Msg("content missing")
		return nil
	case delivery.KindOf(err) == delivery.KindTransient:
		f.apologize(ctx, chatID)
	}
	return err
}

func (f *Facade) button(ctx context.Context, ev delivery.Event, chatID int64) error {
	if ev.EventID != "" {
		if err := f.sink.AnswerEvent(ctx, ev.EventID); err != nil {
			log.Debug().Err(err).Str("event_id", ev.EventID).Msg("answer event failed")
		}
	}
	b, ok := funnel.ParseButton(ev.Data)
	if !ok {
		log.Debug().Str("data", ev.Data).Int64("recipient_id", ev.RecipientID).Msg("unknown button")
		return nil
	}
	switch b {
	case funnel.ButtonStart:
		// legacy welcome button: same as a bare /start
		return f.entry(ctx, ev.RecipientID, chatID, funnel.TokenClear, "")
	case funnel.ButtonCheckSub:
		return f.entry(ctx, ev.RecipientID, chatID, funnel.TokenKeep, "")
	}
	t, _ := funnel.TriggerFor(b)
	return f.apply(ctx, ev.RecipientID, chatID, t)
}

func (f *Facade) entry(ctx context.Context, recipientID, chatID int64, op funnel.TokenOp, token string) error {
	subscribed, err := f.members.IsMember(ctx, f.channelID, recipientID)
	if err != nil {
		log.Warn().Err(err).Int64("recipient_id", recipientID).Msg("subscription check failed")
	}
	return f.apply(ctx, recipientID, chatID, funnel.Entry(op, token, subscribed, err != nil))
}

// HandleJob runs a due job. Guards are evaluated against the recipient as it
// is now, not as it was when the job was scheduled.
func (f *Facade) HandleJob(ctx context.Context, job domain.Job) error {
	err := f.apply(ctx, job.RecipientID, job.RecipientID, funnel.JobFired(job.Kind))
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Int64("job_id", job.ID).Int64("recipient_id", job.RecipientID).Msg("job recipient missing")
		return nil
	}
	return err
}

func (f *Facade) apply(ctx context.Context, recipientID, chatID int64, t funnel.Trigger) error {
	rec, err := f.repo.GetRecipient(ctx, recipientID)
	if err != nil {
		return err
	}

	d := funnel.Decide(rec, t)
	if d.Unhandled {
		log.Warn().Int64("recipient_id", recipientID).Str("reason", d.Skip).Msg("unhandled trigger")
		return nil
	}
	if d.Skip != "" {
		log.Debug().Int64("recipient_id", recipientID).Str("reason", d.Skip).Msg("trigger skipped")
		return nil
	}

	if err := f.send(ctx, chatID, d.Action); err != nil {
		return fmt.Errorf("%s for %d: %w", d.Action, recipientID, err)
	}
	return f.persist(ctx, rec, d)
}

// persist applies the decision's mutations once its content went out.
func (f *Facade) persist(ctx context.Context, rec domain.Recipient, d funnel.Decision) error {
	id := rec.ID
	now := f.nowFn()

	if d.Subscribed != nil && *d.Subscribed != rec.Subscribed {
		if err := f.repo.SetSubscribed(ctx, id, *d.Subscribed); err != nil {
			return err
		}
	}
	switch d.StartParamOp {
	case funnel.TokenSet:
		token := d.StartParam
		if err := f.repo.SetStartParam(ctx, id, &token); err != nil {
			return err
		}
	case funnel.TokenClear:
		if rec.StartParam != nil {
			if err := f.repo.SetStartParam(ctx, id, nil); err != nil {
				return err
			}
		}
	}

	schedule := d.Schedule
	if d.Milestone != "" {
		set, err := f.repo.MarkMilestone(ctx, id, d.Milestone, now)
		if err != nil {
			return err
		}
		if !set {
			// a concurrent event got there first and owns the follow-up
			schedule = nil
		}
	}
	if d.Flag != "" {
		if err := f.repo.MarkFlag(ctx, id, d.Flag); err != nil {
			return err
		}
	}
	if d.Stage != "" {
		if _, err := f.repo.AdvanceStage(ctx, id, d.Stage); err != nil {
			return err
		}
	}
	if schedule != nil {
		inserted, err := f.repo.ScheduleJobIfAbsent(ctx, id, schedule.Kind, now.Add(schedule.Delay), nil)
		if err != nil {
			return err
		}
		log.Debug().
			Int64("recipient_id", id).
			Str("kind", string(schedule.Kind)).
			Bool("inserted", inserted).
			Msg("follow-up scheduled")
	}

	log.Info().
		Int64("recipient_id", id).
		Str("action", d.Action.String()).
		Str("stage", string(rec.Stage.Advance(d.Stage))).
		Msg("funnel step")
	return nil
}

func (f *Facade) apologize(ctx context.Context, chatID int64) {
	err := f.sink.SendText(ctx, delivery.Text{ChatID: chatID, Body: f.catalog.Apology(), DisablePreview: true})
	if err != nil {
		log.Debug().Err(err).Int64("chat_id", chatID).Msg("apology not delivered")
	}
}

func isStartWord(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "start", "старт":
		return true
	}
	return false
}
