package domain

import "time"

// Stage is a recipient's position in the funnel. Values are persisted verbatim.
type Stage string

const (
	StageNew               Stage = "NEW"
	StageWaitingSubscribe  Stage = "WAITING_SUBSCRIBE"
	StageReady             Stage = "READY"
	StagePracticeSent      Stage = "PRACTICE_SENT"
	StageCheckupPromptSent Stage = "CHECKUP_PROMPT_SENT"
	StageCheckupSent       Stage = "CHECKUP_SENT"
	StageVideoPromptSent   Stage = "VIDEO_PROMPT_SENT"
	StageCallInviteSent    Stage = "CALL_INVITE_SENT"
	StageAnnaStorySent     Stage = "ANNA_STORY_SENT"
	StageMaximStorySent    Stage = "MAXIM_STORY_SENT"
	StageFinalPushSent     Stage = "FINAL_PUSH_SENT"
)

var stageOrder = []Stage{
	StageNew,
	StageWaitingSubscribe,
	StageReady,
	StagePracticeSent,
	StageCheckupPromptSent,
	StageCheckupSent,
	StageVideoPromptSent,
	StageCallInviteSent,
	StageAnnaStorySent,
	StageMaximStorySent,
	StageFinalPushSent,
}

// Stages returns the funnel stages in order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// ParseStage maps a persisted value back to a Stage. Unknown values read as NEW.
func ParseStage(s string) Stage {
	for _, st := range stageOrder {
		if string(st) == s {
			return st
		}
	}
	return StageNew
}

// Rank is the stage's position in the funnel ordering; -1 for unknown values.
func (s Stage) Rank() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// AtLeast reports whether s is at or after other.
func (s Stage) AtLeast(other Stage) bool { return s.Rank() >= other.Rank() }

// Advance returns the later of s and target. Stages never move backwards.
func (s Stage) Advance(target Stage) Stage {
	if target.Rank() > s.Rank() {
		return target
	}
	return s
}

type Recipient struct {
	ID                int64
	Stage             Stage
	Subscribed        bool
	PracticeSentAt    *time.Time
	CheckupSentAt     *time.Time
	ChooseTimeClicked bool
	StartParam        *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Milestone is a one-shot timestamp on a recipient.
type Milestone string

const (
	MilestonePracticeSent Milestone = "practice_sent_at"
	MilestoneCheckupSent  Milestone = "checkup_sent_at"
)

// Flag is a monotonic boolean on a recipient.
type Flag string

const (
	FlagChooseTimeClicked Flag = "choose_time_clicked"
)

// JobKind names a funnel step that runs later. The set is open on the storage
// side: rows with kinds this build does not know are still loaded.
type JobKind string

const (
	JobCheckupPrompt JobKind = "checkup-prompt"
	JobVideoPrompt   JobKind = "video-prompt"
	JobCallInvite    JobKind = "call-invite"
	JobStoryA        JobKind = "story-a"
	JobStoryB        JobKind = "story-b"
	JobFinalPush     JobKind = "final-push"
	JobReminder      JobKind = "reminder"
)

type JobStatus string

const (
	JobPending JobStatus = "PENDING"
	JobRunning JobStatus = "RUNNING"
	JobDone    JobStatus = "DONE"
	JobFailed  JobStatus = "FAILED"
)

// Terminal reports whether no further transition leaves s.
func (s JobStatus) Terminal() bool { return s == JobDone || s == JobFailed }

type Job struct {
	ID          int64
	RecipientID int64
	Kind        JobKind
	RunAt       time.Time
	Payload     *string
	Status      JobStatus
	Attempts    int
	LastError   *string
	ClaimedBy   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type CacheEntry struct {
	Key       string
	Handle    string
	UpdatedAt time.Time
}
