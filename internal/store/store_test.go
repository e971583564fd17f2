package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"funnelbot/internal/domain"
)

func newRepoForTest(t *testing.T, nowFn func() time.Time) *SQLRepo {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "funnel.db")
	r, err := Open(context.Background(), DriverSQLite, dbPath, WithNowFunc(nowFn))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func mustRecipient(t *testing.T, r *SQLRepo, id int64) {
	t.Helper()
	if err := r.UpsertRecipient(context.Background(), id); err != nil {
		t.Fatalf("upsert recipient: %v", err)
	}
}

func TestSQLRepo_JournalModeIsWAL(t *testing.T) {
	r := newRepoForTest(t, time.Now)

	var mode string
	if err := r.db.QueryRow(`PRAGMA journal_mode;`).Scan(&mode); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if strings.ToLower(mode) != "wal" {
		t.Fatalf("journal_mode=%q, want wal", mode)
	}
}

func TestSQLRepo_SchemaVersionRecorded(t *testing.T) {
	r := newRepoForTest(t, time.Now)

	var v int
	if err := r.db.QueryRow(`SELECT version FROM schema_migrations LIMIT 1;`).Scan(&v); err != nil {
		t.Fatalf("schema_version: %v", err)
	}
	if v != schemaVersion {
		t.Fatalf("schema_version=%d, want %d", v, schemaVersion)
	}
	if err := EnsureSchema(context.Background(), r.db, DriverSQLite); err != nil {
		t.Fatalf("re-run migrations: %v", err)
	}
}

func TestSQLRepo_UpsertRecipientIsIdempotent(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	r := newRepoForTest(t, func() time.Time { return now })

	mustRecipient(t, r, 42)
	if err := r.SetStage(ctx, 42, domain.StageReady); err != nil {
		t.Fatalf("set stage: %v", err)
	}
	mustRecipient(t, r, 42)

	rec, err := r.GetRecipient(ctx, 42)
	if err != nil {
		t.Fatalf("get recipient: %v", err)
	}
	if rec.Stage != domain.StageReady {
		t.Fatalf("stage=%q, want %q (upsert must not reset)", rec.Stage, domain.StageReady)
	}
	if rec.Subscribed || rec.ChooseTimeClicked || rec.PracticeSentAt != nil || rec.StartParam != nil {
		t.Fatalf("unexpected defaults: %+v", rec)
	}
	if !rec.CreatedAt.Equal(now) {
		t.Fatalf("created_at=%v, want %v", rec.CreatedAt, now)
	}
}

func TestSQLRepo_GetRecipientNotFound(t *testing.T) {
	r := newRepoForTest(t, time.Now)
	if _, err := r.GetRecipient(context.Background(), 7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
	if err := r.SetStage(context.Background(), 7, domain.StageReady); !errors.Is(err, ErrNotFound) {
		t.Fatalf("set stage on missing recipient: err=%v, want ErrNotFound", err)
	}
}

func TestSQLRepo_RecipientAttributes(t *testing.T) {
	ctx := context.Background()
	r := newRepoForTest(t, time.Now)
	mustRecipient(t, r, 1)

	token := "2"
	if err := r.SetStartParam(ctx, 1, &token); err != nil {
		t.Fatalf("set start param: %v", err)
	}
	if err := r.SetSubscribed(ctx, 1, true); err != nil {
		t.Fatalf("set subscribed: %v", err)
	}
	if err := r.MarkFlag(ctx, 1, domain.FlagChooseTimeClicked); err != nil {
		t.Fatalf("mark flag: %v", err)
	}
	rec, err := r.GetRecipient(ctx, 1)
	if err != nil {
		t.Fatalf("get recipient: %v", err)
	}
	if rec.StartParam == nil || *rec.StartParam != "2" {
		t.Fatalf("start_param=%v, want 2", rec.StartParam)
	}
	if !rec.Subscribed || !rec.ChooseTimeClicked {
		t.Fatalf("flags not persisted: %+v", rec)
	}

	if err := r.SetStartParam(ctx, 1, nil); err != nil {
		t.Fatalf("clear start param: %v", err)
	}
	rec, _ = r.GetRecipient(ctx, 1)
	if rec.StartParam != nil {
		t.Fatalf("start_param=%q, want cleared", *rec.StartParam)
	}

	if err := r.SetStage(ctx, 1, domain.Stage("BOGUS")); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
}

func TestSQLRepo_AdvanceStageIsForwardOnly(t *testing.T) {
	ctx := context.Background()
	r := newRepoForTest(t, time.Now)
	mustRecipient(t, r, 9)

	moved, err := r.AdvanceStage(ctx, 9, domain.StageCheckupPromptSent)
	if err != nil || !moved {
		t.Fatalf("advance: moved=%v err=%v", moved, err)
	}
	moved, err = r.AdvanceStage(ctx, 9, domain.StageReady)
	if err != nil || moved {
		t.Fatalf("backward advance: moved=%v err=%v, want false", moved, err)
	}
	moved, _ = r.AdvanceStage(ctx, 9, domain.StageCheckupPromptSent)
	if moved {
		t.Fatalf("same-stage advance reported a change")
	}
	rec, _ := r.GetRecipient(ctx, 9)
	if rec.Stage != domain.StageCheckupPromptSent {
		t.Fatalf("stage=%q, want %q", rec.Stage, domain.StageCheckupPromptSent)
	}
	if moved, _ := r.AdvanceStage(ctx, 9, domain.StageNew); moved {
		t.Fatalf("advance to NEW reported a change")
	}
	if _, err := r.AdvanceStage(ctx, 9, domain.Stage("BOGUS")); err == nil {
		t.Fatalf("expected error for unknown stage")
	}
}

func TestSQLRepo_MarkMilestoneSetsOnce(t *testing.T) {
	ctx := context.Background()
	r := newRepoForTest(t, time.Now)
	mustRecipient(t, r, 5)

	first := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	set, err := r.MarkMilestone(ctx, 5, domain.MilestonePracticeSent, first)
	if err != nil || !set {
		t.Fatalf("first mark: set=%v err=%v", set, err)
	}
	set, err = r.MarkMilestone(ctx, 5, domain.MilestonePracticeSent, first.Add(time.Hour))
	if err != nil || set {
		t.Fatalf("second mark: set=%v err=%v, want false", set, err)
	}

	rec, _ := r.GetRecipient(ctx, 5)
	if rec.PracticeSentAt == nil || !rec.PracticeSentAt.Equal(first) {
		t.Fatalf("practice_sent_at=%v, want %v", rec.PracticeSentAt, first)
	}
	if rec.CheckupSentAt != nil {
		t.Fatalf("checkup_sent_at=%v, want nil", rec.CheckupSentAt)
	}
}

func TestSQLRepo_ScheduleJobIfAbsent_OneLiveRowPerKind(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newRepoForTest(t, func() time.Time { return now })
	mustRecipient(t, r, 9)

	ok1, err := r.ScheduleJobIfAbsent(ctx, 9, domain.JobCheckupPrompt, now.Add(time.Hour), nil)
	if err != nil || !ok1 {
		t.Fatalf("first schedule: ok=%v err=%v", ok1, err)
	}
	ok2, err := r.ScheduleJobIfAbsent(ctx, 9, domain.JobCheckupPrompt, now.Add(2*time.Hour), nil)
	if err != nil || ok2 {
		t.Fatalf("second schedule: ok=%v err=%v, want no-op", ok2, err)
	}
	if _, err := r.ScheduleJobIfAbsent(ctx, 9, domain.JobVideoPrompt, now, nil); err != nil {
		t.Fatalf("other kind: %v", err)
	}

	rid := int64(9)
	jobs, err := r.ListJobs(ctx, JobFilter{RecipientID: &rid})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	count := 0
	for _, j := range jobs {
		if j.Kind == domain.JobCheckupPrompt {
			count++
			if !j.RunAt.Equal(now.Add(time.Hour)) {
				t.Fatalf("run_at=%v, want first scheduling kept", j.RunAt)
			}
		}
	}
	if count != 1 {
		t.Fatalf("checkup-prompt rows=%d, want 1", count)
	}
}

func TestSQLRepo_TerminalRowDoesNotBlockReschedule(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newRepoForTest(t, func() time.Time { return now })
	mustRecipient(t, r, 3)

	if _, err := r.ScheduleJobIfAbsent(ctx, 3, domain.JobReminder, now, nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	due, _ := r.FetchDueJobs(ctx, now, 10)
	if len(due) != 1 {
		t.Fatalf("due=%d, want 1", len(due))
	}
	if ok, _ := r.ClaimJob(ctx, due[0].ID, "test"); !ok {
		t.Fatalf("claim failed")
	}
	if ok, _ := r.ScheduleJobIfAbsent(ctx, 3, domain.JobReminder, now, nil); ok {
		t.Fatalf("schedule while RUNNING must be a no-op")
	}
	if err := r.CompleteJob(ctx, due[0].ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	ok, err := r.ScheduleJobIfAbsent(ctx, 3, domain.JobReminder, now, nil)
	if err != nil || !ok {
		t.Fatalf("schedule after DONE: ok=%v err=%v, want inserted", ok, err)
	}
}

func TestSQLRepo_FetchDueJobsOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newRepoForTest(t, func() time.Time { return now })
	for _, id := range []int64{1, 2, 3, 4} {
		mustRecipient(t, r, id)
	}

	_, _ = r.ScheduleJobIfAbsent(ctx, 1, domain.JobStoryA, now.Add(-time.Minute), nil)
	_, _ = r.ScheduleJobIfAbsent(ctx, 2, domain.JobStoryA, now.Add(-time.Hour), nil)
	_, _ = r.ScheduleJobIfAbsent(ctx, 3, domain.JobStoryA, now.Add(time.Minute), nil)
	_, _ = r.ScheduleJobIfAbsent(ctx, 4, domain.JobStoryA, now, nil)

	due, err := r.FetchDueJobs(ctx, now, 50)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	var got []int64
	for _, j := range due {
		got = append(got, j.RecipientID)
	}
	want := []int64{2, 1, 4}
	if len(got) != len(want) {
		t.Fatalf("due recipients=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("due recipients=%v, want %v", got, want)
		}
	}

	limited, _ := r.FetchDueJobs(ctx, now, 1)
	if len(limited) != 1 || limited[0].RecipientID != 2 {
		t.Fatalf("limit=1 returned %+v", limited)
	}

	if ok, _ := r.ClaimJob(ctx, due[0].ID, "test"); !ok {
		t.Fatalf("claim failed")
	}
	after, _ := r.FetchDueJobs(ctx, now, 50)
	if len(after) != 2 {
		t.Fatalf("RUNNING job still fetched: %d rows", len(after))
	}
}

func TestSQLRepo_ClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	r := newRepoForTest(t, time.Now)
	mustRecipient(t, r, 11)
	_, _ = r.ScheduleJobIfAbsent(ctx, 11, domain.JobCallInvite, now.Add(-time.Second), nil)
	due, _ := r.FetchDueJobs(ctx, now, 1)
	if len(due) != 1 {
		t.Fatalf("due=%d, want 1", len(due))
	}

	const claimants = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := r.ClaimJob(ctx, due[0].ID, "claimant")
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins=%d, want exactly 1", wins)
	}

	j, _ := r.GetJob(ctx, due[0].ID)
	if j.Status != domain.JobRunning || j.ClaimedBy == nil || *j.ClaimedBy != "claimant" {
		t.Fatalf("job after claim: %+v", j)
	}
}

func TestSQLRepo_RetryTransitions(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newRepoForTest(t, func() time.Time { return now })
	mustRecipient(t, r, 1)
	_, _ = r.ScheduleJobIfAbsent(ctx, 1, domain.JobFinalPush, now, nil)
	due, _ := r.FetchDueJobs(ctx, now, 1)
	id := due[0].ID

	_, _ = r.ClaimJob(ctx, id, "a")
	retryAt := now.Add(5 * time.Minute)
	if err := r.RescheduleJob(ctx, id, 1, retryAt, "boom"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	j, _ := r.GetJob(ctx, id)
	if j.Status != domain.JobPending || j.Attempts != 1 || !j.RunAt.Equal(retryAt) || j.LastError == nil || *j.LastError != "boom" {
		t.Fatalf("after reschedule: %+v", j)
	}
	if j.ClaimedBy != nil {
		t.Fatalf("claimed_by=%q, want cleared", *j.ClaimedBy)
	}

	_, _ = r.ClaimJob(ctx, id, "a")
	if err := r.FailJob(ctx, id, 2, "blocked"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	j, _ = r.GetJob(ctx, id)
	if j.Status != domain.JobFailed || j.Attempts != 2 {
		t.Fatalf("after fail: %+v", j)
	}
	if ok, _ := r.ClaimJob(ctx, id, "a"); ok {
		t.Fatalf("claimed a FAILED job")
	}

	if err := r.CompleteJob(ctx, 9999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("complete missing job: err=%v, want ErrNotFound", err)
	}
}

func TestSQLRepo_RequeueJob(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newRepoForTest(t, func() time.Time { return now })
	mustRecipient(t, r, 1)
	_, _ = r.ScheduleJobIfAbsent(ctx, 1, domain.JobStoryB, now, nil)
	due, _ := r.FetchDueJobs(ctx, now, 1)
	id := due[0].ID

	if err := r.RequeueJob(ctx, id, now); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("requeue PENDING: err=%v, want ErrInvalidState", err)
	}
	_, _ = r.ClaimJob(ctx, id, "a")
	_ = r.FailJob(ctx, id, 5, "exhausted")

	_, _ = r.ScheduleJobIfAbsent(ctx, 1, domain.JobStoryB, now, nil)
	if err := r.RequeueJob(ctx, id, now); !errors.Is(err, ErrConflict) {
		t.Fatalf("requeue with live sibling: err=%v, want ErrConflict", err)
	}

	sibling, _ := r.FetchDueJobs(ctx, now, 1)
	_, _ = r.ClaimJob(ctx, sibling[0].ID, "a")
	_ = r.CompleteJob(ctx, sibling[0].ID)

	if err := r.RequeueJob(ctx, id, now.Add(time.Minute)); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	j, _ := r.GetJob(ctx, id)
	if j.Status != domain.JobPending || j.Attempts != 0 {
		t.Fatalf("after requeue: %+v", j)
	}
	if err := r.RequeueJob(ctx, 424242, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("requeue missing: err=%v, want ErrNotFound", err)
	}
}

func TestSQLRepo_RecoverStaleAndPrune(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	nowVar := now
	r := newRepoForTest(t, func() time.Time { return nowVar })
	mustRecipient(t, r, 1)
	mustRecipient(t, r, 2)

	_, _ = r.ScheduleJobIfAbsent(ctx, 1, domain.JobCallInvite, now, nil)
	_, _ = r.ScheduleJobIfAbsent(ctx, 2, domain.JobCallInvite, now, nil)
	due, _ := r.FetchDueJobs(ctx, now, 10)
	_, _ = r.ClaimJob(ctx, due[0].ID, "crashed")
	_, _ = r.ClaimJob(ctx, due[1].ID, "a")
	_ = r.CompleteJob(ctx, due[1].ID)

	nowVar = now.Add(2 * time.Hour)
	n, err := r.RecoverStale(ctx, nowVar.Add(-time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("recover: n=%d err=%v, want 1", n, err)
	}
	j, _ := r.GetJob(ctx, due[0].ID)
	if j.Status != domain.JobPending {
		t.Fatalf("recovered status=%q, want PENDING", j.Status)
	}

	n, err = r.PruneTerminal(ctx, nowVar.Add(-time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("prune: n=%d err=%v, want 1", n, err)
	}
	if _, err := r.GetJob(ctx, due[1].ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("pruned job still present: %v", err)
	}
}

func TestSQLRepo_FileCache(t *testing.T) {
	ctx := context.Background()
	r := newRepoForTest(t, time.Now)

	h, ok, err := r.GetCachedHandle(ctx, "practice_audio")
	if err != nil || ok || h != "" {
		t.Fatalf("cold cache: h=%q ok=%v err=%v", h, ok, err)
	}
	if err := r.PutCachedHandle(ctx, "practice_audio", "file-1"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := r.PutCachedHandle(ctx, "practice_audio", "file-2"); err != nil {
		t.Fatalf("put again: %v", err)
	}
	if err := r.PutCachedHandle(ctx, "practice_audio", "   "); err != nil {
		t.Fatalf("put blank: %v", err)
	}
	h, ok, err = r.GetCachedHandle(ctx, "practice_audio")
	if err != nil || !ok || h != "file-2" {
		t.Fatalf("warm cache: h=%q ok=%v err=%v, want file-2", h, ok, err)
	}

	st, err := r.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.CachedHandles != 1 {
		t.Fatalf("cached handles=%d, want 1", st.CachedHandles)
	}
}

func TestSQLRepo_PostgresPlaceholders(t *testing.T) {
	r := &SQLRepo{driver: DriverPostgres}
	got := r.q(`UPDATE jobs SET a = ?, b = ? WHERE id = ?`)
	want := `UPDATE jobs SET a = $1, b = $2 WHERE id = $3`
	if got != want {
		t.Fatalf("q()=%q, want %q", got, want)
	}
	sqlite := &SQLRepo{driver: DriverSQLite}
	if sqlite.q(`a = ?`) != `a = ?` {
		t.Fatalf("sqlite query rewritten")
	}
}
