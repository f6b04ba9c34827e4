// Package repository implements the job, template and subscription stores on
// top of Postgres (pgx) and SQLite.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dharsanguruparan/SlideFill/internal/database"
	"github.com/dharsanguruparan/SlideFill/internal/model"
)

// rowScanner is satisfied by pgx.Row, pgx.Rows and *sql.Row(s).
type rowScanner interface {
	Scan(dest ...any) error
}

const jobColumns = `id, owner_id, template_id, input_key, input_url, image_mappings, pair_count, status, result_key, result_url, error_message, created_at, updated_at`

// JobRepository wraps the SQL for the jobs table.
type JobRepository struct {
	db *database.Handle
}

// NewJobRepository constructs a repository.
func NewJobRepository(db *database.Handle) *JobRepository {
	return &JobRepository{db: db}
}

// CreateJob inserts a pending job.
func (r *JobRepository) CreateJob(ctx context.Context, job *model.Job) error {
	pool, err := r.db.Pool(ctx)
	if err != nil {
		return err
	}
	mappings, err := encodeMappings(job.ImageMappings)
	if err != nil {
		return err
	}
	created, updated := stamps(job.CreatedAt, job.UpdatedAt)
	_, err = pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,NULL,NULL,NULL,$9,$10)
	`, job.ID, job.OwnerID, job.TemplateID, job.Input.Key, job.Input.URL, mappings, job.PairCount, job.Status, created, updated)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns a job by id.
func (r *JobRepository) GetJob(ctx context.Context, id string) (*model.Job, error) {
	pool, err := r.db.Pool(ctx)
	if err != nil {
		return nil, err
	}
	job, err := scanJob(pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("select job: %w", err)
	}
	return job, nil
}

// UpdateJob applies patch with a conditional UPDATE so that only the
// predecessor status can be replaced. Concurrent claims race on the row lock
// and exactly one of them matches.
func (r *JobRepository) UpdateJob(ctx context.Context, id string, patch model.JobPatch) (*model.Job, error) {
	from, ok := patch.Status.Predecessor()
	if !ok {
		return nil, fmt.Errorf("%w: nothing transitions into %s", model.ErrInvalidTransition, patch.Status)
	}
	pool, err := r.db.Pool(ctx)
	if err != nil {
		return nil, err
	}
	var resultKey, resultURL *string
	if patch.Result != nil {
		resultKey, resultURL = &patch.Result.Key, &patch.Result.URL
	}
	job, err := scanJob(pool.QueryRow(ctx, `
		UPDATE jobs
		SET status=$1,
			result_key = COALESCE($2, result_key),
			result_url = COALESCE($3, result_url),
			error_message = COALESCE($4, error_message),
			updated_at=$5
		WHERE id=$6 AND status=$7
		RETURNING `+jobColumns,
		patch.Status, resultKey, resultURL, patch.ErrorMessage, time.Now().UTC(), id, from))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update job: %w", err)
	}
	current, getErr := r.GetJob(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, current.Status, patch.Status)
}

// ListJobsByOwner returns the owner's jobs, newest first.
func (r *JobRepository) ListJobsByOwner(ctx context.Context, ownerID string) ([]*model.Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE owner_id=$1 ORDER BY created_at DESC, id DESC`, ownerID)
}

// ListJobsByStatus returns jobs in status last updated before cutoff.
func (r *JobRepository) ListJobsByStatus(ctx context.Context, status model.JobStatus, updatedBefore time.Time) ([]*model.Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE status=$1 AND updated_at < $2 ORDER BY updated_at`, status, updatedBefore.UTC())
}

func (r *JobRepository) list(ctx context.Context, query string, args ...any) ([]*model.Job, error) {
	pool, err := r.db.Pool(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
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

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job                             model.Job
		mappings                        []byte
		resultKey, resultURL, errorText *string
	)
	if err := row.Scan(&job.ID, &job.OwnerID, &job.TemplateID, &job.Input.Key, &job.Input.URL, &mappings, &job.PairCount,
		&job.Status, &resultKey, &resultURL, &errorText, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	if err := fillJob(&job, mappings, resultKey, resultURL, errorText); err != nil {
		return nil, err
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

func fillJob(job *model.Job, mappings []byte, resultKey, resultURL, errorText *string) error {
	if len(mappings) > 0 && string(mappings) != "null" {
		if err := json.Unmarshal(mappings, &job.ImageMappings); err != nil {
			return fmt.Errorf("decode image mappings: %w", err)
		}
	}
	if resultKey != nil {
		ref := model.BlobRef{Key: *resultKey}
		if resultURL != nil {
			ref.URL = *resultURL
		}
		job.Result = &ref
	}
	if errorText != nil {
		job.ErrorMessage = *errorText
	}
	return nil
}

func encodeMappings(m map[string]string) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode image mappings: %w", err)
	}
	return data, nil
}

func stamps(created, updated time.Time) (time.Time, time.Time) {
	if created.IsZero() {
		created = time.Now()
	}
	if updated.IsZero() {
		updated = created
	}
	return created.UTC(), updated.UTC()
}
