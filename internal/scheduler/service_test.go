package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"funnelbot/internal/domain"
	"funnelbot/internal/store"
)

func TestValidateCronExpression(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"*/15 * * * *", false},
		{"@hourly", false},
		{"0 3 * * *", false},
		{"not a cron", true},
		{"* * *", true},
	}
	for _, tt := range tests {
		err := ValidateCronExpression(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Fatalf("ValidateCronExpression(%q) err=%v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestNextRunTime(t *testing.T) {
	from := time.Date(2026, 4, 1, 10, 7, 0, 0, time.UTC)
	next, err := NextRunTime("*/15 * * * *", from)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := time.Date(2026, 4, 1, 10, 15, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next=%v, want %v", next, want)
	}
}

func TestNewService_RejectsBadConfig(t *testing.T) {
	if _, err := NewService(nil, "nope", time.Hour, 0); err == nil {
		t.Fatalf("expected error for invalid cron")
	}
	if _, err := NewService(nil, "@hourly", 0, 0); err == nil {
		t.Fatalf("expected error for zero stale-after")
	}
}

func TestService_RunOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	nowFn := func() time.Time { return now }

	repo, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "m.db"), store.WithNowFunc(nowFn))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	for _, id := range []int64{1, 2} {
		if err := repo.UpsertRecipient(ctx, id); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if _, err := repo.ScheduleJobIfAbsent(ctx, id, domain.JobCallInvite, now, nil); err != nil {
			t.Fatalf("schedule: %v", err)
		}
	}
	due, _ := repo.FetchDueJobs(ctx, now, 10)
	if len(due) != 2 {
		t.Fatalf("due=%d, want 2", len(due))
	}
	// one crashed mid-run, one finished long ago
	if ok, _ := repo.ClaimJob(ctx, due[0].ID, "sch_dead"); !ok {
		t.Fatalf("claim failed")
	}
	if ok, _ := repo.ClaimJob(ctx, due[1].ID, "sch_dead"); !ok {
		t.Fatalf("claim failed")
	}
	if err := repo.CompleteJob(ctx, due[1].ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	now = now.Add(48 * time.Hour)
	svc, err := NewService(repo, "@hourly", time.Hour, 24*time.Hour, WithNowFunc(nowFn))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	res := svc.RunOnce(ctx)
	if res.Recovered != 1 || res.Pruned != 1 {
		t.Fatalf("result=%+v, want 1 recovered and 1 pruned", res)
	}

	j, err := repo.GetJob(ctx, due[0].ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Status != domain.JobPending || j.ClaimedBy != nil {
		t.Fatalf("recovered job status=%s claimed_by=%v", j.Status, j.ClaimedBy)
	}
	if _, err := repo.GetJob(ctx, due[1].ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("pruned job err=%v, want ErrNotFound", err)
	}

	if next := svc.Next(); !next.Equal(now.Add(time.Hour)) {
		t.Fatalf("next=%v, want %v", next, now.Add(time.Hour))
	}
}

func TestService_RunOnceKeepsFreshClaims(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	nowFn := func() time.Time { return now }

	repo, err := store.Open(ctx, store.DriverSQLite, filepath.Join(t.TempDir(), "m.db"), store.WithNowFunc(nowFn))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	if err := repo.UpsertRecipient(ctx, 1); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := repo.ScheduleJobIfAbsent(ctx, 1, domain.JobCallInvite, now, nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	due, _ := repo.FetchDueJobs(ctx, now, 10)
	if len(due) != 1 {
		t.Fatalf("due=%d, want 1", len(due))
	}
	id := due[0].ID
	if ok, _ := repo.ClaimJob(ctx, id, "sch_live"); !ok {
		t.Fatalf("claim failed")
	}

	// a second process starting a minute later must not take the claim back
	now = now.Add(time.Minute)
	svc, err := NewService(repo, "@hourly", time.Hour, 0, WithNowFunc(nowFn))
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	if res := svc.RunOnce(ctx); res.Recovered != 0 {
		t.Fatalf("recovered=%d, want 0", res.Recovered)
	}
	j, err := repo.GetJob(ctx, id)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Status != domain.JobRunning || j.ClaimedBy == nil || *j.ClaimedBy != "sch_live" {
		t.Fatalf("job status=%s claimed_by=%v, want RUNNING by sch_live", j.Status, j.ClaimedBy)
	}
	if due, _ := repo.FetchDueJobs(ctx, now, 10); len(due) != 0 {
		t.Fatalf("due=%d, want 0 while claimed", len(due))
	}
}

func TestService_StartStops(t *testing.T) {
	svc, err := NewService(nil, "@every 1h", time.Hour, 0)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Start did not return after cancel")
	}
}
