package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"funnelbot/internal/domain"
)

func (r *SQLRepo) UpsertRecipient(ctx context.Context, id int64) error {
	now := millis(r.now())
	_, err := r.db.ExecContext(ctx, r.q(`
INSERT INTO recipients (id, stage, created_at, updated_at)
VALUES (?, 'NEW', ?, ?)
ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`), id, now, now)
	if err != nil {
		return fmt.Errorf("upsert recipient %d: %w", id, err)
	}
	return nil
}

func (r *SQLRepo) GetRecipient(ctx context.Context, id int64) (domain.Recipient, error) {
	row := r.db.QueryRowContext(ctx, r.q(`
SELECT id, stage, subscribed, practice_sent_at, checkup_sent_at, choose_time_clicked, start_param, created_at, updated_at
FROM recipients WHERE id = ?`), id)

	var (
		rec                    domain.Recipient
		stage                  string
		subscribed, chooseTime bool
		practiceAt, checkupAt  sql.NullInt64
		startParam             sql.NullString
		createdAt, updatedAt   int64
	)
	err := row.Scan(&rec.ID, &stage, &subscribed, &practiceAt, &checkupAt, &chooseTime, &startParam, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Recipient{}, ErrNotFound
	}
	if err != nil {
		return domain.Recipient{}, fmt.Errorf("get recipient %d: %w", id, err)
	}
	rec.Stage = domain.ParseStage(stage)
	rec.Subscribed = subscribed
	rec.PracticeSentAt = nullTime(practiceAt)
	rec.CheckupSentAt = nullTime(checkupAt)
	rec.ChooseTimeClicked = chooseTime
	rec.StartParam = nullString(startParam)
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return rec, nil
}

func (r *SQLRepo) SetStage(ctx context.Context, id int64, stage domain.Stage) error {
	if stage.Rank() < 0 {
		return fmt.Errorf("set stage %d: unknown stage %q", id, stage)
	}
	return r.updateRecipient(ctx, "set stage", id, `stage = ?`, string(stage))
}

// AdvanceStage moves the recipient to stage only when its persisted stage is
// earlier in the funnel, and reports whether the row changed.
func (r *SQLRepo) AdvanceStage(ctx context.Context, id int64, stage domain.Stage) (bool, error) {
	rank := stage.Rank()
	if rank < 0 {
		return false, fmt.Errorf("advance stage %d: unknown stage %q", id, stage)
	}
	earlier := domain.Stages()[:rank]
	if len(earlier) == 0 {
		return false, nil
	}
	args := []any{string(stage), millis(r.now()), id}
	for _, st := range earlier {
		args = append(args, string(st))
	}
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE recipients SET stage = ?, updated_at = ?
WHERE id = ? AND stage IN (`+placeholders(len(earlier))+`)`), args...)
	if err != nil {
		return false, fmt.Errorf("advance stage %d: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SQLRepo) SetSubscribed(ctx context.Context, id int64, subscribed bool) error {
	return r.updateRecipient(ctx, "set subscribed", id, `subscribed = ?`, boolInt(subscribed))
}

func (r *SQLRepo) SetStartParam(ctx context.Context, id int64, param *string) error {
	var v any
	if param != nil {
		v = *param
	}
	return r.updateRecipient(ctx, "set start param", id, `start_param = ?`, v)
}

// MarkMilestone stamps the milestone only if it is still NULL and reports
// whether this call was the one that set it.
func (r *SQLRepo) MarkMilestone(ctx context.Context, id int64, m domain.Milestone, at time.Time) (bool, error) {
	var col string
	switch m {
	case domain.MilestonePracticeSent:
		col = "practice_sent_at"
	case domain.MilestoneCheckupSent:
		col = "checkup_sent_at"
	default:
		return false, fmt.Errorf("mark milestone %d: unknown milestone %q", id, m)
	}
	res, err := r.db.ExecContext(ctx, r.q(`
UPDATE recipients SET `+col+` = ?, updated_at = ?
WHERE id = ? AND `+col+` IS NULL`), millis(at), millis(r.now()), id)
	if err != nil {
		return false, fmt.Errorf("mark milestone %s %d: %w", m, id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *SQLRepo) MarkFlag(ctx context.Context, id int64, f domain.Flag) error {
	switch f {
	case domain.FlagChooseTimeClicked:
		return r.updateRecipient(ctx, "mark flag", id, `choose_time_clicked = ?`, 1)
	default:
		return fmt.Errorf("mark flag %d: unknown flag %q", id, f)
	}
}

func (r *SQLRepo) updateRecipient(ctx context.Context, op string, id int64, set string, v any) error {
	res, err := r.db.ExecContext(ctx, r.q(`UPDATE recipients SET `+set+`, updated_at = ? WHERE id = ?`), v, millis(r.now()), id)
	if err != nil {
		return fmt.Errorf("%s %d: %w", op, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %d: %w", op, id, ErrNotFound)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
