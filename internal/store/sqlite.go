package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "arbatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- time helpers (unix millis, 0 = unset) ----

func msOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOf(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

// ---- jobs ----

const jobColumns = `id, type, status, schedule_type, scheduled_at, priority, config,
	progress, total_items, processed_items, failed_items, error_message,
	started_at, completed_at, created_at`

func scanJob(row interface{ Scan(...any) error }) (*BatchJob, error) {
	var (
		j                                             BatchJob
		status, scheduleType                          string
		cfg, errMsg                                   sql.NullString
		scheduledMS, startedMS, completedMS, createdMS int64
	)
	err := row.Scan(&j.ID, &j.Type, &status, &scheduleType, &scheduledMS, &j.Priority, &cfg,
		&j.Progress, &j.TotalItems, &j.ProcessedItems, &j.FailedItems, &errMsg,
		&startedMS, &completedMS, &createdMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.Status = JobStatus(status)
	j.ScheduleType = ScheduleType(scheduleType)
	j.ScheduledAt = timeOf(scheduledMS)
	if cfg.Valid {
		j.Config = json.RawMessage(cfg.String)
	}
	j.ErrorMessage = errMsg.String
	j.StartedAt = timeOf(startedMS)
	j.CompletedAt = timeOf(completedMS)
	j.CreatedAt = timeOf(createdMS)
	return &j, nil
}

func (s *sqliteStore) InsertJob(ctx context.Context, job *BatchJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_jobs(`+jobColumns+`)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		job.ID, job.Type, string(job.Status), string(job.ScheduleType), msOf(job.ScheduledAt),
		job.Priority, nullStr(string(job.Config)),
		job.Progress, job.TotalItems, job.ProcessedItems, job.FailedItems, nullStr(job.ErrorMessage),
		msOf(job.StartedAt), msOf(job.CompletedAt), msOf(job.CreatedAt),
	)
	return err
}

func (s *sqliteStore) Job(ctx context.Context, id string) (*BatchJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM batch_jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (s *sqliteStore) ClaimNextQueued(ctx context.Context, now time.Time) (*BatchJob, error) {
	// Conditional update: at most one dispatcher wins a given job, even with
	// several scheduler processes sharing the database.
	row := s.db.QueryRowContext(ctx,
		`UPDATE batch_jobs
		    SET status = ?, started_at = ?
		  WHERE id = (SELECT id FROM batch_jobs WHERE status = ?
		              ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1)
		    AND status = ?
		 RETURNING `+jobColumns,
		string(StatusProcessing), msOf(now), string(StatusQueued), string(StatusQueued),
	)
	return scanJob(row)
}

func (s *sqliteStore) SetJobTotals(ctx context.Context, id string, total int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batch_jobs SET total_items = ? WHERE id = ?`, total, id)
	return err
}

func (s *sqliteStore) SetJobCounts(ctx context.Context, id string, processed, failed, progress int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batch_jobs SET processed_items = ?, failed_items = ?, progress = ? WHERE id = ?`,
		processed, failed, progress, id)
	return err
}

func (s *sqliteStore) FinishJob(ctx context.Context, id string, status JobStatus, processed, failed, progress int, errMsg string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_jobs
		    SET status = ?, processed_items = ?, failed_items = ?, progress = ?,
		        error_message = ?, completed_at = ?
		  WHERE id = ? AND status = ?`,
		string(status), processed, failed, progress, nullStr(errMsg), msOf(at),
		id, string(StatusProcessing),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) CancelJob(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_jobs SET status = ?, completed_at = ?
		  WHERE id = ? AND status IN (?,?,?)`,
		string(StatusCancelled), msOf(at), id,
		string(StatusPending), string(StatusQueued), string(StatusProcessing),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Job(ctx, id); err != nil {
		return err
	}
	return ErrNotCancellable
}

func (s *sqliteStore) RequeueFailed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE batch_jobs
		    SET status = ?, error_message = NULL, progress = 0,
		        processed_items = 0, failed_items = 0, started_at = 0, completed_at = 0
		  WHERE id = ? AND status = ?`,
		string(StatusQueued), id, string(StatusFailed),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Job(ctx, id); err != nil {
		return err
	}
	return ErrNotRetryable
}

func (s *sqliteStore) PromoteDueScheduled(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`UPDATE batch_jobs SET status = ?
		  WHERE status = ? AND schedule_type IN (?, ?) AND scheduled_at > 0 AND scheduled_at <= ?
		 RETURNING id`,
		string(StatusQueued), string(StatusPending), string(ScheduleScheduled), string(ScheduleRecurring), msOf(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqliteStore) JobsByStatus(ctx context.Context, status JobStatus, limit int) ([]*BatchJob, error) {
	order := "priority DESC, created_at ASC, id ASC"
	switch status {
	case StatusProcessing:
		order = "started_at ASC, id ASC"
	case StatusCompleted, StatusFailed, StatusCancelled:
		order = "completed_at DESC, id ASC"
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM batch_jobs WHERE status = ? ORDER BY `+order+` LIMIT ?`,
		string(status), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*BatchJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *sqliteStore) CountByStatus(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM batch_jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[JobStatus]int{}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[JobStatus(st)] = n
	}
	return out, rows.Err()
}

// ---- history ----

func (s *sqliteStore) AppendHistory(ctx context.Context, e HistoryEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_job_history(job_id, status, started_at, completed_at,
		        total_items, processed_items, failed_items, result_summary, error_log, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.JobID, string(e.Status), msOf(e.StartedAt), msOf(e.CompletedAt),
		e.TotalItems, e.ProcessedItems, e.FailedItems,
		nullStr(e.ResultSummary), nullStr(e.ErrorLog), msOf(e.CreatedAt),
	)
	return err
}

func (s *sqliteStore) HistoryForJob(ctx context.Context, jobID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, status, started_at, completed_at, total_items, processed_items,
		        failed_items, result_summary, error_log, created_at
		   FROM batch_job_history WHERE job_id = ?
		  ORDER BY created_at DESC, id DESC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			e                                  HistoryEntry
			status                             string
			startedMS, completedMS, createdMS  int64
			summary, errLog                    sql.NullString
		)
		if err := rows.Scan(&e.JobID, &status, &startedMS, &completedMS,
			&e.TotalItems, &e.ProcessedItems, &e.FailedItems, &summary, &errLog, &createdMS); err != nil {
			return nil, err
		}
		e.Status = JobStatus(status)
		e.StartedAt = timeOf(startedMS)
		e.CompletedAt = timeOf(completedMS)
		e.ResultSummary = summary.String
		e.ErrorLog = errLog.String
		e.CreatedAt = timeOf(createdMS)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM batch_job_history WHERE created_at < ?`, msOf(olderThan))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- queue items ----

func (s *sqliteStore) InsertQueueItem(ctx context.Context, it QueueItem) error {
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO batch_queue_items(id, job_id, item_type, item_id, status,
		        metadata, error_message, completed_at, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		it.ID, it.JobID, it.ItemType, it.ItemID, string(it.Status),
		nullStr(it.Metadata), nullStr(it.ErrorMessage), msOf(it.CompletedAt), msOf(it.CreatedAt),
	)
	return err
}

func (s *sqliteStore) FinishQueueItem(ctx context.Context, id string, status ItemStatus, metadata, errMsg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE batch_queue_items
		    SET status = ?, metadata = ?, error_message = ?, completed_at = ?
		  WHERE id = ?`,
		string(status), nullStr(metadata), nullStr(errMsg), msOf(at), id,
	)
	return err
}

func (s *sqliteStore) QueueItemsForJob(ctx context.Context, jobID string) ([]QueueItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, item_type, item_id, status, metadata, error_message, completed_at, created_at
		   FROM batch_queue_items WHERE job_id = ? ORDER BY created_at ASC, id ASC`,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []QueueItem
	for rows.Next() {
		var (
			it                      QueueItem
			status                  string
			meta, errMsg            sql.NullString
			completedMS, createdMS  int64
		)
		if err := rows.Scan(&it.ID, &it.JobID, &it.ItemType, &it.ItemID, &status,
			&meta, &errMsg, &completedMS, &createdMS); err != nil {
			return nil, err
		}
		it.Status = ItemStatus(status)
		it.Metadata = meta.String
		it.ErrorMessage = errMsg.String
		it.CompletedAt = timeOf(completedMS)
		it.CreatedAt = timeOf(createdMS)
		out = append(out, it)
	}
	return out, rows.Err()
}

// ---- content domain ----

func (s *sqliteStore) InsertMarker(ctx context.Context, m Marker) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO markers(id, owner_id, name, image_path, file_size, quality,
		        optimized_at, mind_path, mind_generated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		m.ID, m.OwnerID, m.Name, m.ImagePath, m.FileSize, m.Quality,
		msOf(m.OptimizedAt), nullStr(m.MindPath), msOf(m.MindGeneratedAt),
	)
	return err
}

func (s *sqliteStore) markersQuery(ctx context.Context, where string, args ...any) ([]Marker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, image_path, file_size, quality, optimized_at, mind_path, mind_generated_at
		   FROM markers `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Marker
	for rows.Next() {
		var (
			m                      Marker
			mindPath               sql.NullString
			optimizedMS, mindGenMS int64
		)
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.Name, &m.ImagePath, &m.FileSize,
			&m.Quality, &optimizedMS, &mindPath, &mindGenMS); err != nil {
			return nil, err
		}
		m.OptimizedAt = timeOf(optimizedMS)
		m.MindPath = mindPath.String
		m.MindGeneratedAt = timeOf(mindGenMS)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkersByIDs(ctx context.Context, ids []string) ([]Marker, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ph := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		ph[i] = "?"
		args[i] = id
	}
	return s.markersQuery(ctx, `WHERE id IN (`+strings.Join(ph, ",")+`)`, args...)
}

func (s *sqliteStore) MarkersByOwner(ctx context.Context, ownerID string) ([]Marker, error) {
	return s.markersQuery(ctx, `WHERE owner_id = ?`, ownerID)
}

func (s *sqliteStore) UpdateMarkerOptimization(ctx context.Context, id string, fileSize int64, quality int, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE markers SET file_size = ?, quality = ?, optimized_at = ? WHERE id = ?`,
		fileSize, quality, msOf(at), id)
	return err
}

func (s *sqliteStore) UpdateMarkerMind(ctx context.Context, id, mindPath string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE markers SET mind_path = ?, mind_generated_at = ? WHERE id = ?`,
		mindPath, msOf(at), id)
	return err
}

func (s *sqliteStore) InsertContent(ctx context.Context, c Content) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contents(id, marker_id, owner_id, title, category, status, view_count, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		c.ID, c.MarkerID, c.OwnerID, c.Title, nullStr(c.Category), c.Status, c.ViewCount, msOf(c.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) Contents(ctx context.Context, f ContentFilter) ([]Content, error) {
	var (
		conds []string
		args  []any
	)
	if len(f.IDs) > 0 {
		ph := make([]string, len(f.IDs))
		for i, id := range f.IDs {
			ph[i] = "?"
			args = append(args, id)
		}
		conds = append(conds, `id IN (`+strings.Join(ph, ",")+`)`)
	}
	if f.OwnerID != "" {
		conds = append(conds, `owner_id = ?`)
		args = append(args, f.OwnerID)
	}
	if f.Category != "" {
		conds = append(conds, `category = ?`)
		args = append(args, f.Category)
	}
	where := ""
	if len(conds) > 0 {
		where = `WHERE ` + strings.Join(conds, " AND ")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, marker_id, owner_id, title, category, status, view_count, updated_at
		   FROM contents `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Content
	for rows.Next() {
		var (
			c         Content
			category  sql.NullString
			updatedMS int64
		)
		if err := rows.Scan(&c.ID, &c.MarkerID, &c.OwnerID, &c.Title, &category,
			&c.Status, &c.ViewCount, &updatedMS); err != nil {
			return nil, err
		}
		c.Category = category.String
		c.UpdatedAt = timeOf(updatedMS)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpdateContentFields(ctx context.Context, id string, set ContentFieldSet, at time.Time) error {
	var (
		assigns []string
		args    []any
	)
	if set.Title != nil {
		assigns = append(assigns, `title = ?`)
		args = append(args, *set.Title)
	}
	if set.Category != nil {
		assigns = append(assigns, `category = ?`)
		args = append(args, nullStr(*set.Category))
	}
	if set.Status != nil {
		assigns = append(assigns, `status = ?`)
		args = append(args, *set.Status)
	}
	if len(assigns) == 0 {
		return nil
	}
	assigns = append(assigns, `updated_at = ?`)
	args = append(args, msOf(at), id)

	_, err := s.db.ExecContext(ctx,
		`UPDATE contents SET `+strings.Join(assigns, ", ")+` WHERE id = ?`, args...)
	return err
}

func (s *sqliteStore) AddDailyStat(ctx context.Context, day, ownerID string, views, contents int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO daily_stats(day, owner_id, views, contents) VALUES(?,?,?,?)
		 ON CONFLICT(day, owner_id) DO UPDATE SET
		   views = views + excluded.views,
		   contents = contents + excluded.contents`,
		day, ownerID, views, contents,
	)
	return err
}

func (s *sqliteStore) DailyStat(ctx context.Context, day, ownerID string) (int, int, error) {
	var views, contents int
	err := s.db.QueryRowContext(ctx,
		`SELECT views, contents FROM daily_stats WHERE day = ? AND owner_id = ?`,
		day, ownerID).Scan(&views, &contents)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, err
	}
	return views, contents, nil
}
