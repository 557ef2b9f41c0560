package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/screensplit/server/internal/domain/projects"
)

var _ projects.Repository = (*ProjectRepository)(nil)

type ProjectRepository struct {
	pool *pgxpool.Pool
	tx   pgx.Tx
}

func NewProjectRepository(pool *pgxpool.Pool) *ProjectRepository {
	return &ProjectRepository{pool: pool}
}

const projectColumns = `id, user_id::text, title, description, media_type, before_key, after_key,
       before_label, after_label, settings, share_slug, is_private, password_hash,
       view_count, created_at, updated_at`

func scanProject(row pgx.Row) (*projects.Project, error) {
	var (
		p    projects.Project
		hash *string
	)
	if err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Title,
		&p.Description,
		&p.MediaType,
		&p.BeforeKey,
		&p.AfterKey,
		&p.BeforeLabel,
		&p.AfterLabel,
		&p.Settings,
		&p.ShareSlug,
		&p.IsPrivate,
		&hash,
		&p.ViewCount,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.PasswordHash = derefString(hash)
	return &p, nil
}

func (r *ProjectRepository) Create(ctx context.Context, p *projects.Project) error {
	_, err := pick(r.pool, r.tx).Exec(ctx, `
INSERT INTO projects (
	id, user_id, title, description, media_type, before_key, after_key,
	before_label, after_label, settings, share_slug, is_private, password_hash,
	created_at, updated_at
) VALUES ($1, $2::uuid, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		p.ID,
		p.UserID,
		p.Title,
		p.Description,
		string(p.MediaType),
		p.BeforeKey,
		p.AfterKey,
		p.BeforeLabel,
		p.AfterLabel,
		p.Settings,
		p.ShareSlug,
		p.IsPrivate,
		nullableString(p.PasswordHash),
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "projects_share_slug_key") {
			return projects.ErrSlugTaken
		}
		return fmt.Errorf("create project: %w", err)
	}
	return nil
}

func (r *ProjectRepository) GetByID(ctx context.Context, userID, id string) (*projects.Project, error) {
	if !validUUID(userID) {
		return nil, projects.ErrNotFound
	}
	row := pick(r.pool, r.tx).QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1 AND user_id = $2::uuid`, id, userID)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, projects.ErrNotFound
		}
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

func (r *ProjectRepository) GetBySlug(ctx context.Context, slug string) (*projects.Project, error) {
	row := pick(r.pool, r.tx).QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE share_slug = $1`, slug)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, projects.ErrNotFound
		}
		return nil, fmt.Errorf("get project by slug: %w", err)
	}
	return p, nil
}

func (r *ProjectRepository) List(ctx context.Context, params projects.ListParams) ([]projects.Project, error) {
	if !validUUID(params.UserID) {
		return []projects.Project{}, nil
	}

	query := `SELECT ` + projectColumns + ` FROM projects WHERE user_id = $1::uuid`
	args := []any{params.UserID}
	if params.AfterCreatedAt != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, *params.AfterCreatedAt, params.AfterID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, params.Limit)

	rows, err := pick(r.pool, r.tx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	items := make([]projects.Project, 0, params.Limit)
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		items = append(items, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return items, nil
}

func (r *ProjectRepository) Update(ctx context.Context, p *projects.Project) error {
	tag, err := pick(r.pool, r.tx).Exec(ctx, `
UPDATE projects
   SET title = $3,
       description = $4,
       before_label = $5,
       after_label = $6,
       settings = $7,
       is_private = $8,
       password_hash = $9,
       updated_at = $10
 WHERE id = $1 AND user_id = $2::uuid`,
		p.ID,
		p.UserID,
		p.Title,
		p.Description,
		p.BeforeLabel,
		p.AfterLabel,
		p.Settings,
		p.IsPrivate,
		nullableString(p.PasswordHash),
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return projects.ErrNotFound
	}
	return nil
}

func (r *ProjectRepository) Delete(ctx context.Context, userID, id string) (*projects.Project, error) {
	if !validUUID(userID) {
		return nil, projects.ErrNotFound
	}
	row := pick(r.pool, r.tx).QueryRow(ctx,
		`DELETE FROM projects WHERE id = $1 AND user_id = $2::uuid RETURNING `+projectColumns, id, userID)
	p, err := scanProject(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, projects.ErrNotFound
		}
		return nil, fmt.Errorf("delete project: %w", err)
	}
	return p, nil
}

func (r *ProjectRepository) IncrementViews(ctx context.Context, id string) error {
	if _, err := pick(r.pool, r.tx).Exec(ctx, `UPDATE projects SET view_count = view_count + 1 WHERE id = $1`, id); err != nil {
		return fmt.Errorf("increment views: %w", err)
	}
	return nil
}
