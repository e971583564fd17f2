// Package funnel decides what happens to a recipient when something occurs:
// an inbound event or a scheduled job coming due. It performs no I/O; callers
// execute the returned Decision against the store and the delivery sink.
package funnel

import (
	"time"

	"funnelbot/internal/domain"
)

// AlternateEntryToken is the deep-link token that skips the practice intro and
// lands the recipient on the checkup prompt.
const AlternateEntryToken = "2"

// Delays between funnel steps.
const (
	CheckupPromptDelay = 24 * time.Hour
	VideoPromptDelay   = 4 * time.Hour
	CallInviteDelay    = 24 * time.Hour
	StoryADelay        = 4 * time.Hour
	StoryBDelay        = 24 * time.Hour
	FinalPushDelay     = 5 * time.Second
	ReminderDelay      = 3 * time.Hour
)

type TriggerKind int

const (
	TriggerEntry TriggerKind = iota + 1
	TriggerIntroRequested
	TriggerPracticeRequested
	TriggerCheckupDownloadRequested
	TriggerVideoWatchRequested
	TriggerTimeChosen
	TriggerJobFired
)

// TokenOp says what an entry does with the persisted deep-link token.
type TokenOp int

const (
	TokenKeep TokenOp = iota
	TokenSet
	TokenClear
)

type Trigger struct {
	Kind TriggerKind

	// Entry only.
	TokenOp     TokenOp
	Token       string
	Subscribed  bool
	CheckFailed bool

	// JobFired only.
	Job domain.JobKind
}

// Entry builds the trigger for a start signal once the subscription check
// has been attempted.
func Entry(op TokenOp, token string, subscribed, checkFailed bool) Trigger {
	return Trigger{Kind: TriggerEntry, TokenOp: op, Token: token, Subscribed: subscribed, CheckFailed: checkFailed}
}

func JobFired(kind domain.JobKind) Trigger {
	return Trigger{Kind: TriggerJobFired, Job: kind}
}

func On(kind TriggerKind) Trigger { return Trigger{Kind: kind} }

// Schedule asks for a job of Kind to run Delay from now.
type Schedule struct {
	Kind  domain.JobKind
	Delay time.Duration
}

// Decision describes every effect of one trigger. Zero values mean "leave as is".
type Decision struct {
	Action       Action
	Stage        domain.Stage
	Subscribed   *bool
	StartParamOp TokenOp
	StartParam   string
	Milestone    domain.Milestone
	Flag         domain.Flag
	Schedule     *Schedule

	// Skip names the guard that turned the trigger into a no-op.
	Skip string
	// Unhandled is set for job kinds this build does not know.
	Unhandled bool
}

// NoOp reports whether the decision changes nothing and sends nothing.
func (d Decision) NoOp() bool {
	return d.Action == ActionNone && d.Stage == "" && d.Subscribed == nil &&
		d.StartParamOp == TokenKeep && d.Milestone == "" && d.Flag == "" && d.Schedule == nil
}

// Decide maps the recipient snapshot and trigger to a Decision. The snapshot
// must be read right before the call; guards are evaluated against it.
func Decide(rec domain.Recipient, t Trigger) Decision {
	switch t.Kind {
	case TriggerEntry:
		return decideEntry(rec, t)
	case TriggerIntroRequested:
		d := Decision{Action: ActionPracticeIntro}
		if rec.Stage == domain.StageNew || rec.Stage == domain.StageWaitingSubscribe {
			d.Stage = advance(rec, domain.StageReady)
		}
		return d
	case TriggerPracticeRequested:
		return decidePractice(rec)
	case TriggerCheckupDownloadRequested:
		if rec.CheckupSentAt != nil {
			return Decision{Skip: "checkup already sent"}
		}
		return Decision{
			Action:    ActionCheckup,
			Milestone: domain.MilestoneCheckupSent,
			Stage:     advance(rec, domain.StageCheckupSent),
			Schedule:  &Schedule{Kind: domain.JobVideoPrompt, Delay: VideoPromptDelay},
		}
	case TriggerVideoWatchRequested:
		return Decision{Action: ActionWatchVideo}
	case TriggerTimeChosen:
		return Decision{Action: ActionContactLink, Flag: domain.FlagChooseTimeClicked}
	case TriggerJobFired:
		return decideJob(rec, t.Job)
	default:
		return Decision{Unhandled: true, Skip: "unknown trigger"}
	}
}

func decideEntry(rec domain.Recipient, t Trigger) Decision {
	if t.CheckFailed {
		return Decision{Action: ActionRetryLater}
	}

	token := ""
	switch t.TokenOp {
	case TokenSet:
		token = t.Token
	case TokenKeep:
		if rec.StartParam != nil {
			token = *rec.StartParam
		}
	}

	if !t.Subscribed {
		d := Decision{
			Action:       ActionNeedSubscribe,
			Stage:        advance(rec, domain.StageWaitingSubscribe),
			Subscribed:   boolPtr(false),
			StartParamOp: t.TokenOp,
			StartParam:   t.Token,
		}
		if t.TokenOp == TokenSet && t.Token == "" {
			d.StartParamOp = TokenClear
		}
		return d
	}

	d := Decision{Subscribed: boolPtr(true)}
	if rec.StartParam != nil || t.TokenOp == TokenSet {
		d.StartParamOp = TokenClear
	}
	if token == AlternateEntryToken {
		d.Action = ActionCheckupPromptDeepLink
		d.Stage = advance(rec, domain.StageCheckupPromptSent)
		return d
	}
	d.Action = ActionPracticeIntro
	d.Stage = advance(rec, domain.StageReady)
	return d
}

func decidePractice(rec domain.Recipient) Decision {
	if rec.PracticeSentAt != nil {
		return Decision{Skip: "practice already sent"}
	}
	d := Decision{
		Action:    ActionPractice,
		Milestone: domain.MilestonePracticeSent,
		Stage:     advance(rec, domain.StagePracticeSent),
	}
	if rec.CheckupSentAt == nil && !rec.Stage.AtLeast(domain.StageCheckupPromptSent) {
		d.Schedule = &Schedule{Kind: domain.JobCheckupPrompt, Delay: CheckupPromptDelay}
	}
	return d
}

func decideJob(rec domain.Recipient, kind domain.JobKind) Decision {
	switch kind {
	case domain.JobCheckupPrompt:
		if rec.PracticeSentAt == nil {
			return Decision{Skip: "practice not sent"}
		}
		// A deep link or an early download already covered the prompt.
		if rec.CheckupSentAt != nil || rec.Stage.AtLeast(domain.StageCheckupPromptSent) {
			return Decision{Skip: "checkup already prompted"}
		}
		return Decision{Action: ActionCheckupPrompt, Stage: advance(rec, domain.StageCheckupPromptSent)}
	case domain.JobVideoPrompt:
		if rec.CheckupSentAt == nil {
			return Decision{Skip: "checkup not sent"}
		}
		return Decision{
			Action:   ActionVideoPrompt,
			Stage:    advance(rec, domain.StageVideoPromptSent),
			Schedule: &Schedule{Kind: domain.JobCallInvite, Delay: CallInviteDelay},
		}
	case domain.JobCallInvite:
		return Decision{
			Action:   ActionCallInvite,
			Stage:    advance(rec, domain.StageCallInviteSent),
			Schedule: &Schedule{Kind: domain.JobStoryA, Delay: StoryADelay},
		}
	case domain.JobStoryA:
		return Decision{
			Action:   ActionStoryA,
			Stage:    advance(rec, domain.StageAnnaStorySent),
			Schedule: &Schedule{Kind: domain.JobStoryB, Delay: StoryBDelay},
		}
	case domain.JobStoryB:
		return Decision{
			Action:   ActionStoryB,
			Stage:    advance(rec, domain.StageMaximStorySent),
			Schedule: &Schedule{Kind: domain.JobFinalPush, Delay: FinalPushDelay},
		}
	case domain.JobFinalPush:
		return Decision{
			Action:   ActionFinalPush,
			Stage:    advance(rec, domain.StageFinalPushSent),
			Schedule: &Schedule{Kind: domain.JobReminder, Delay: ReminderDelay},
		}
	case domain.JobReminder:
		if rec.ChooseTimeClicked {
			return Decision{Skip: "time already chosen"}
		}
		return Decision{Action: ActionReminder}
	default:
		return Decision{Unhandled: true, Skip: "unknown job kind " + string(kind)}
	}
}

// advance returns the stage to persist, or "" when target would not move the
// recipient forward.
func advance(rec domain.Recipient, target domain.Stage) domain.Stage {
	if next := rec.Stage.Advance(target); next != rec.Stage {
		return next
	}
	return ""
}

func boolPtr(b bool) *bool { return &b }
