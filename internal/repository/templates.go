package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/dharsanguruparan/SlideFill/internal/database"
	"github.com/dharsanguruparan/SlideFill/internal/model"
)

const templateColumns = `id, owner_id, name, file_key, file_url, slide_count, created_at, updated_at`

// TemplateRepository wraps the SQL for the templates table.
type TemplateRepository struct {
	db *database.Handle
}

// NewTemplateRepository constructs a repository.
func NewTemplateRepository(db *database.Handle) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// CreateTemplate inserts a template.
func (r *TemplateRepository) CreateTemplate(ctx context.Context, tpl *model.Template) error {
	pool, err := r.db.Pool(ctx)
	if err != nil {
		return err
	}
	created, updated := stamps(tpl.CreatedAt, tpl.UpdatedAt)
	_, err = pool.Exec(ctx, `INSERT INTO templates (`+templateColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		tpl.ID, tpl.OwnerID, tpl.Name, tpl.File.Key, tpl.File.URL, tpl.SlideCount, created, updated)
	if err != nil {
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

// GetTemplate returns a template by id.
func (r *TemplateRepository) GetTemplate(ctx context.Context, id string) (*model.Template, error) {
	pool, err := r.db.Pool(ctx)
	if err != nil {
		return nil, err
	}
	tpl, err := scanTemplate(pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM templates WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("template %s: %w", id, model.ErrNotFound)
		}
		return nil, fmt.Errorf("select template: %w", err)
	}
	return tpl, nil
}

// ListTemplatesByOwner returns the owner's templates, newest first.
func (r *TemplateRepository) ListTemplatesByOwner(ctx context.Context, ownerID string) ([]*model.Template, error) {
	pool, err := r.db.Pool(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, `SELECT `+templateColumns+` FROM templates WHERE owner_id=$1 ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()
	var out []*model.Template
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

// CountTemplatesByOwner returns how many templates the owner has registered.
func (r *TemplateRepository) CountTemplatesByOwner(ctx context.Context, ownerID string) (int, error) {
	pool, err := r.db.Pool(ctx)
	if err != nil {
		return 0, err
	}
	var n int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM templates WHERE owner_id=$1`, ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count templates: %w", err)
	}
	return n, nil
}

// DeleteTemplate removes a template.
func (r *TemplateRepository) DeleteTemplate(ctx context.Context, id string) error {
	pool, err := r.db.Pool(ctx)
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, `DELETE FROM templates WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("template %s: %w", id, model.ErrNotFound)
	}
	return nil
}

func scanTemplate(row rowScanner) (*model.Template, error) {
	var tpl model.Template
	if err := row.Scan(&tpl.ID, &tpl.OwnerID, &tpl.Name, &tpl.File.Key, &tpl.File.URL, &tpl.SlideCount, &tpl.CreatedAt, &tpl.UpdatedAt); err != nil {
		return nil, err
	}
	tpl.CreatedAt = tpl.CreatedAt.UTC()
	tpl.UpdatedAt = tpl.UpdatedAt.UTC()
	return &tpl, nil
}
