package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dharsanguruparan/SlideFill/internal/model"
)

// sqliteSchema mirrors database.Schema. Timestamps are unix nanoseconds so
// that ordering and range scans are plain integer comparisons.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	template_id TEXT NOT NULL,
	input_key TEXT NOT NULL,
	input_url TEXT NOT NULL,
	image_mappings TEXT,
	pair_count INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	result_key TEXT,
	result_url TEXT,
	error_message TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_jobs_owner_created ON jobs(owner_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status_updated ON jobs(status, updated_at);

CREATE TABLE IF NOT EXISTS templates (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	name TEXT NOT NULL,
	file_key TEXT NOT NULL,
	file_url TEXT NOT NULL,
	slide_count INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_templates_owner ON templates(owner_id, created_at DESC);

CREATE TABLE IF NOT EXISTS subscriptions (
	owner_id TEXT PRIMARY KEY,
	tier TEXT NOT NULL,
	status TEXT NOT NULL,
	expires_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLiteStore keeps jobs, templates and subscriptions in a single SQLite
// file. It is meant for single-node deployments and local development.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection serializes writers, which is what SQLite wants anyway.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateJob inserts a job.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	mappings, err := encodeMappings(job.ImageMappings)
	if err != nil {
		return err
	}
	var mappingText any
	if mappings != nil {
		mappingText = string(mappings)
	}
	created, updated := stamps(job.CreatedAt, job.UpdatedAt)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?,?,?,?,?,?,?,?,NULL,NULL,NULL,?,?)
	`, job.ID, job.OwnerID, job.TemplateID, job.Input.Key, job.Input.URL, mappingText, job.PairCount, string(job.Status),
		created.UnixNano(), updated.UnixNano())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns a job by id.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// UpdateJob applies patch only while the job is in the predecessor status.
func (s *SQLiteStore) UpdateJob(ctx context.Context, id string, patch model.JobPatch) (*model.Job, error) {
	from, ok := patch.Status.Predecessor()
	if !ok {
		return nil, fmt.Errorf("%w: nothing transitions into %s", model.ErrInvalidTransition, patch.Status)
	}
	var resultKey, resultURL any
	if patch.Result != nil {
		resultKey, resultURL = patch.Result.Key, patch.Result.URL
	}
	var errorText any
	if patch.ErrorMessage != nil {
		errorText = *patch.ErrorMessage
	}
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status=?,
			result_key = COALESCE(?, result_key),
			result_url = COALESCE(?, result_url),
			error_message = COALESCE(?, error_message),
			updated_at=?
		WHERE id=? AND status=?
		RETURNING `+jobColumns,
		string(patch.Status), resultKey, resultURL, errorText, s.now().UnixNano(), id, string(from)))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update job: %w", err)
	}
	current, getErr := s.GetJob(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, current.Status, patch.Status)
}

// ListJobsByOwner returns the owner's jobs, newest first.
func (s *SQLiteStore) ListJobsByOwner(ctx context.Context, ownerID string) ([]*model.Job, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE owner_id=? ORDER BY created_at DESC, id DESC`, ownerID)
}

// ListJobsByStatus returns jobs in status last updated before cutoff.
func (s *SQLiteStore) ListJobsByStatus(ctx context.Context, status model.JobStatus, updatedBefore time.Time) ([]*model.Job, error) {
	return s.listJobs(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=? AND updated_at < ? ORDER BY updated_at`, string(status), updatedBefore.UnixNano())
}

func (s *SQLiteStore) listJobs(ctx context.Context, query string, args ...any) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return out, nil
}

// CreateTemplate inserts a template.
func (s *SQLiteStore) CreateTemplate(ctx context.Context, tpl *model.Template) error {
	created, updated := stamps(tpl.CreatedAt, tpl.UpdatedAt)
	_, err := s.db.ExecContext(ctx, `INSERT INTO templates (`+templateColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		tpl.ID, tpl.OwnerID, tpl.Name, tpl.File.Key, tpl.File.URL, tpl.SlideCount, created.UnixNano(), updated.UnixNano())
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// GetTemplate returns a template by id.
func (s *SQLiteStore) GetTemplate(ctx context.Context, id string) (*model.Template, error) {
	tpl, err := scanSQLiteTemplate(s.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("template %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("select template: %w", err)
	}
	return tpl, nil
}

// ListTemplatesByOwner returns the owner's templates, newest first.
func (s *SQLiteStore) ListTemplatesByOwner(ctx context.Context, ownerID string) ([]*model.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+templateColumns+` FROM templates WHERE owner_id=? ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	var out []*model.Template
	for rows.Next() {
		tpl, err := scanSQLiteTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

// CountTemplatesByOwner returns how many templates the owner has registered.
func (s *SQLiteStore) CountTemplatesByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM templates WHERE owner_id=?`, ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count templates: %w", err)
	}
	return n, nil
}

// DeleteTemplate removes a template.
func (s *SQLiteStore) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("template %s: %w", id, model.ErrNotFound)
	}
	return nil
}

// GetSubscription returns the owner's quota record.
func (s *SQLiteStore) GetSubscription(ctx context.Context, ownerID string) (*model.Subscription, error) {
	var (
		sub              model.Subscription
		tier, status     string
		expires          *int64
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_id, tier, status, expires_at, created_at, updated_at
		FROM subscriptions WHERE owner_id=?
	`, ownerID).Scan(&sub.OwnerID, &tier, &status, &expires, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("subscription %s: %w", ownerID, model.ErrNotFound)
		}
		return nil, fmt.Errorf("select subscription: %w", err)
	}
	sub.Tier = model.Tier(tier)
	sub.Status = model.SubscriptionStatus(status)
	if expires != nil {
		at := fromNanos(*expires)
		sub.ExpiresAt = &at
	}
	sub.CreatedAt, sub.UpdatedAt = fromNanos(created), fromNanos(updated)
	return &sub, nil
}

// CreateSubscription inserts sub unless the owner already has a record.
func (s *SQLiteStore) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	created, updated := stamps(sub.CreatedAt, sub.UpdatedAt)
	var expires any
	if sub.ExpiresAt != nil {
		expires = sub.ExpiresAt.UnixNano()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (owner_id, tier, status, expires_at, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (owner_id) DO NOTHING
	`, sub.OwnerID, string(sub.Tier), string(sub.Status), expires, created.UnixNano(), updated.UnixNano())
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

func scanSQLiteJob(row rowScanner) (*model.Job, error) {
	var (
		job                             model.Job
		status                          string
		mappings                        []byte
		resultKey, resultURL, errorText *string
		created, updated                int64
	)
	if err := row.Scan(&job.ID, &job.OwnerID, &job.TemplateID, &job.Input.Key, &job.Input.URL, &mappings, &job.PairCount,
		&status, &resultKey, &resultURL, &errorText, &created, &updated); err != nil {
		return nil, err
	}
	job.Status = model.JobStatus(status)
	if err := fillJob(&job, mappings, resultKey, resultURL, errorText); err != nil {
		return nil, err
	}
	job.CreatedAt, job.UpdatedAt = fromNanos(created), fromNanos(updated)
	return &job, nil
}

func scanSQLiteTemplate(row rowScanner) (*model.Template, error) {
	var (
		tpl              model.Template
		created, updated int64
	)
	if err := row.Scan(&tpl.ID, &tpl.OwnerID, &tpl.Name, &tpl.File.Key, &tpl.File.URL, &tpl.SlideCount, &created, &updated); err != nil {
		return nil, err
	}
	tpl.CreatedAt, tpl.UpdatedAt = fromNanos(created), fromNanos(updated)
	return &tpl, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
