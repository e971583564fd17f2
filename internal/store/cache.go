package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"funnelbot/internal/domain"
)

// GetCachedHandle returns the stored content handle for key. A missing or
// blank entry is reported as ok=false, never as an error.
func (r *SQLRepo) GetCachedHandle(ctx context.Context, key string) (string, bool, error) {
	var handle string
	err := r.db.QueryRowContext(ctx, r.q(`SELECT file_id FROM file_cache WHERE key = ?`), key).Scan(&handle)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get cached handle %q: %w", key, err)
	}
	handle = strings.TrimSpace(handle)
	return handle, handle != "", nil
}

// PutCachedHandle upserts the handle. Blank keys or handles are ignored.
func (r *SQLRepo) PutCachedHandle(ctx context.Context, key, handle string) error {
	key, handle = strings.TrimSpace(key), strings.TrimSpace(handle)
	if key == "" || handle == "" {
		return nil
	}
	_, err := r.db.ExecContext(ctx, r.q(`
INSERT INTO file_cache (key, file_id, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
    file_id = excluded.file_id,
    updated_at = excluded.updated_at`), key, handle, millis(r.now()))
	if err != nil {
		return fmt.Errorf("put cached handle %q: %w", key, err)
	}
	return nil
}

func (r *SQLRepo) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		JobsByStatus:      map[domain.JobStatus]int{},
		RecipientsByStage: map[domain.Stage]int{},
	}

	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("stats jobs: %w", err)
	}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return Stats{}, err
		}
		st.JobsByStatus[domain.JobStatus(status)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	rows, err = r.db.QueryContext(ctx, `SELECT stage, COUNT(*) FROM recipients GROUP BY stage`)
	if err != nil {
		return Stats{}, fmt.Errorf("stats recipients: %w", err)
	}
	for rows.Next() {
		var (
			stage string
			n     int
		)
		if err := rows.Scan(&stage, &n); err != nil {
			rows.Close()
			return Stats{}, err
		}
		st.RecipientsByStage[domain.ParseStage(stage)] += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_cache`).Scan(&st.CachedHandles); err != nil {
		return Stats{}, fmt.Errorf("stats cache: %w", err)
	}
	return st, nil
}
