package store

import (
	"context"
	"errors"
	"time"

	"funnelbot/internal/domain"
)

var (
	ErrNotFound     = errors.New("store: not found")
	ErrConflict     = errors.New("store: live job of the same kind already exists")
	ErrInvalidState = errors.New("store: invalid state transition")
)

// Repository is the durable state behind the funnel. Every method is a single
// statement or a single transaction scoped to one row or one keyed row-set.
type Repository interface {
	UpsertRecipient(ctx context.Context, id int64) error
	GetRecipient(ctx context.Context, id int64) (domain.Recipient, error)
	SetStage(ctx context.Context, id int64, stage domain.Stage) error
	AdvanceStage(ctx context.Context, id int64, stage domain.Stage) (bool, error)
	SetSubscribed(ctx context.Context, id int64, subscribed bool) error
	SetStartParam(ctx context.Context, id int64, param *string) error
	MarkMilestone(ctx context.Context, id int64, m domain.Milestone, at time.Time) (bool, error)
	MarkFlag(ctx context.Context, id int64, f domain.Flag) error

	ScheduleJobIfAbsent(ctx context.Context, recipientID int64, kind domain.JobKind, runAt time.Time, payload *string) (bool, error)
	FetchDueJobs(ctx context.Context, now time.Time, limit int) ([]domain.Job, error)
	ClaimJob(ctx context.Context, id int64, claimant string) (bool, error)
	CompleteJob(ctx context.Context, id int64) error
	RescheduleJob(ctx context.Context, id int64, attempts int, runAt time.Time, errMsg string) error
	FailJob(ctx context.Context, id int64, attempts int, errMsg string) error

	GetCachedHandle(ctx context.Context, key string) (string, bool, error)
	PutCachedHandle(ctx context.Context, key, handle string) error

	// Inspection and maintenance
	GetJob(ctx context.Context, id int64) (domain.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]domain.Job, error)
	RequeueJob(ctx context.Context, id int64, runAt time.Time) error
	RecoverStale(ctx context.Context, before time.Time) (int, error)
	PruneTerminal(ctx context.Context, before time.Time) (int, error)
	Stats(ctx context.Context) (Stats, error)
}

type JobFilter struct {
	RecipientID *int64
	Status      domain.JobStatus
	Limit       int
}

type Stats struct {
	JobsByStatus      map[domain.JobStatus]int
	RecipientsByStage map[domain.Stage]int
	CachedHandles     int
}
