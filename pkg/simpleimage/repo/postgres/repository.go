package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-image/pkg/simpleimage"
)

//go:embed schema.sql
var schemaSQL string

// DBTX is an interface that allows us to use either a database connection or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// DB is a DBTX that can open transactions. *pgxpool.Pool, *pgx.Conn and
// pgx.Tx all satisfy it.
type DB interface {
	DBTX
	Begin(context.Context) (pgx.Tx, error)
}

// Repository implements simpleimage.Repository using PostgreSQL
type Repository struct {
	db DB
}

// New creates a new PostgreSQL repository
func New(db DB) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// Migrate creates the tables and indexes if they do not exist.
func Migrate(ctx context.Context, db DBTX) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Error handling helper
func (r *Repository) handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if strings.Contains(pgErr.ConstraintName, "primary_uidx") {
				return simpleimage.ErrLinkConflict
			}
			if strings.Contains(pgErr.ConstraintName, "entity_image") {
				return simpleimage.ErrDuplicateLink
			}
			return fmt.Errorf("duplicate entry in %s: %s", operation, pgErr.ConstraintName)
		case "23503": // foreign_key_violation
			return simpleimage.ErrImageNotFound
		case "23502": // not_null_violation
			return fmt.Errorf("required field %s is missing", pgErr.ColumnName)
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return simpleimage.ErrLinkConflict
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required")
		default:
			return fmt.Errorf("database error in %s: %s (code: %s)", operation, pgErr.Message, pgErr.Code)
		}
	}

	return fmt.Errorf("database error in %s: %w", operation, err)
}

// inTx runs fn in a transaction holding the advisory lock of entity.
func (r *Repository) inTx(ctx context.Context, entity simpleimage.EntityRef, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return r.handlePostgresError("begin", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "entity:"+entity.String()); err != nil {
		return r.handlePostgresError("lock entity", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return r.handlePostgresError("commit", err)
	}
	return nil
}

// Image operations

const imageColumns = `id, file_name, original_size, content_type, extension, width, height,
	uploaded_at, processed_size, original_key, original_url, variants, alt_text,
	attribution, entity_type, entity_id`

func imageArgs(image *simpleimage.Image) ([]interface{}, error) {
	variants, err := json.Marshal(image.Variants)
	if err != nil {
		return nil, fmt.Errorf("encode variants: %w", err)
	}
	var attribution interface{}
	if !image.Attribution.IsZero() {
		b, err := json.Marshal(image.Attribution)
		if err != nil {
			return nil, fmt.Errorf("encode attribution: %w", err)
		}
		attribution = b
	}
	var entityType, entityID *string
	if image.Entity != nil {
		kind := string(image.Entity.Kind)
		entityType, entityID = &kind, &image.Entity.ID
	}
	return []interface{}{
		image.ID, image.FileName, image.OriginalSize, image.ContentType, image.Extension,
		image.Width, image.Height, image.UploadedAt, image.ProcessedSize, image.OriginalKey,
		image.OriginalURL, variants, image.AltText, attribution, entityType, entityID,
	}, nil
}

func scanImage(row pgx.Row) (*simpleimage.Image, error) {
	var (
		image                simpleimage.Image
		variants             []byte
		attribution          []byte
		entityType, entityID *string
	)
	err := row.Scan(
		&image.ID, &image.FileName, &image.OriginalSize, &image.ContentType, &image.Extension,
		&image.Width, &image.Height, &image.UploadedAt, &image.ProcessedSize, &image.OriginalKey,
		&image.OriginalURL, &variants, &image.AltText, &attribution, &entityType, &entityID)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(variants, &image.Variants); err != nil {
		return nil, fmt.Errorf("decode variants of image %s: %w", image.ID, err)
	}
	if len(attribution) > 0 {
		image.Attribution = &simpleimage.Attribution{}
		if err := json.Unmarshal(attribution, image.Attribution); err != nil {
			return nil, fmt.Errorf("decode attribution of image %s: %w", image.ID, err)
		}
	}
	if entityType != nil && entityID != nil {
		image.Entity = &simpleimage.EntityRef{Kind: simpleimage.EntityKind(*entityType), ID: *entityID}
	}
	return &image, nil
}

func (r *Repository) CreateImage(ctx context.Context, image *simpleimage.Image) error {
	args, err := imageArgs(image)
	if err != nil {
		return err
	}
	query := `INSERT INTO images (` + imageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	if _, err := r.db.Exec(ctx, query, args...); err != nil {
		return r.handlePostgresError("create image", err)
	}
	return nil
}

func (r *Repository) GetImage(ctx context.Context, id uuid.UUID) (*simpleimage.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE id = $1`

	image, err := scanImage(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simpleimage.ErrImageNotFound
		}
		return nil, r.handlePostgresError("get image", err)
	}
	return image, nil
}

func (r *Repository) ListImages(ctx context.Context) ([]*simpleimage.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images ORDER BY uploaded_at DESC, id`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, r.handlePostgresError("list images", err)
	}
	defer rows.Close()

	images := []*simpleimage.Image{}
	for rows.Next() {
		image, err := scanImage(rows)
		if err != nil {
			return nil, r.handlePostgresError("scan image", err)
		}
		images = append(images, image)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError("list images", err)
	}
	return images, nil
}

func (r *Repository) UpdateImage(ctx context.Context, image *simpleimage.Image) error {
	args, err := imageArgs(image)
	if err != nil {
		return err
	}
	query := `
		UPDATE images SET
			file_name = $2, original_size = $3, content_type = $4, extension = $5,
			width = $6, height = $7, uploaded_at = $8, processed_size = $9,
			original_key = $10, original_url = $11, variants = $12, alt_text = $13,
			attribution = $14, entity_type = $15, entity_id = $16
		WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		return r.handlePostgresError("update image", err)
	}
	if tag.RowsAffected() == 0 {
		return simpleimage.ErrImageNotFound
	}
	return nil
}

// DeleteImage removes the image; its links go with it through ON DELETE CASCADE.
func (r *Repository) DeleteImage(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM images WHERE id = $1`, id)
	if err != nil {
		return r.handlePostgresError("delete image", err)
	}
	if tag.RowsAffected() == 0 {
		return simpleimage.ErrImageNotFound
	}
	return nil
}

// Entity link operations

const linkColumns = `id, image_id, entity_type, entity_id, is_primary, sort_order, created_at, updated_at`

func scanLink(row pgx.Row) (*simpleimage.EntityLink, error) {
	var (
		link  simpleimage.EntityLink
		kind  string
		order *int32
	)
	err := row.Scan(&link.ID, &link.ImageID, &kind, &link.Entity.ID, &link.IsPrimary,
		&order, &link.CreatedAt, &link.UpdatedAt)
	if err != nil {
		return nil, err
	}
	link.Entity.Kind = simpleimage.EntityKind(kind)
	if order != nil {
		o := int(*order)
		link.Order = &o
	}
	return &link, nil
}

func orderArg(order *int) interface{} {
	if order == nil {
		return nil
	}
	return int32(*order)
}

func (r *Repository) CreateLink(ctx context.Context, link *simpleimage.EntityLink) error {
	return r.inTx(ctx, link.Entity, func(tx pgx.Tx) error {
		if link.IsPrimary {
			_, err := tx.Exec(ctx, `
				UPDATE image_links SET is_primary = FALSE, updated_at = $3
				WHERE entity_type = $1 AND entity_id = $2 AND is_primary`,
				string(link.Entity.Kind), link.Entity.ID, link.UpdatedAt)
			if err != nil {
				return r.handlePostgresError("clear primary", err)
			}
		}

		query := `INSERT INTO image_links (` + linkColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
		_, err := tx.Exec(ctx, query,
			link.ID, link.ImageID, string(link.Entity.Kind), link.Entity.ID,
			link.IsPrimary, orderArg(link.Order), link.CreatedAt, link.UpdatedAt)
		if err != nil {
			return r.handlePostgresError("create link", err)
		}
		return nil
	})
}

func (r *Repository) GetLink(ctx context.Context, id uuid.UUID) (*simpleimage.EntityLink, error) {
	query := `SELECT ` + linkColumns + ` FROM image_links WHERE id = $1`

	link, err := scanLink(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simpleimage.ErrLinkNotFound
		}
		return nil, r.handlePostgresError("get link", err)
	}
	return link, nil
}

func (r *Repository) FindLink(ctx context.Context, entity simpleimage.EntityRef, imageID uuid.UUID) (*simpleimage.EntityLink, error) {
	query := `SELECT ` + linkColumns + ` FROM image_links
		WHERE entity_type = $1 AND entity_id = $2 AND image_id = $3`

	link, err := scanLink(r.db.QueryRow(ctx, query, string(entity.Kind), entity.ID, imageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simpleimage.ErrLinkNotFound
		}
		return nil, r.handlePostgresError("find link", err)
	}
	return link, nil
}

func (r *Repository) queryLinks(ctx context.Context, operation, query string, args ...interface{}) ([]*simpleimage.EntityLink, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, r.handlePostgresError(operation, err)
	}
	defer rows.Close()

	links := []*simpleimage.EntityLink{}
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, r.handlePostgresError(operation, err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, r.handlePostgresError(operation, err)
	}
	return links, nil
}

func (r *Repository) ListLinks(ctx context.Context, entity simpleimage.EntityRef) ([]*simpleimage.EntityLink, error) {
	query := `SELECT ` + linkColumns + ` FROM image_links
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at, id`
	return r.queryLinks(ctx, "list links", query, string(entity.Kind), entity.ID)
}

func (r *Repository) ListLinksByImage(ctx context.Context, imageID uuid.UUID) ([]*simpleimage.EntityLink, error) {
	query := `SELECT ` + linkColumns + ` FROM image_links
		WHERE image_id = $1
		ORDER BY created_at, id`
	return r.queryLinks(ctx, "list links by image", query, imageID)
}

func (r *Repository) GetPrimaryLink(ctx context.Context, entity simpleimage.EntityRef) (*simpleimage.EntityLink, error) {
	query := `SELECT ` + linkColumns + ` FROM image_links
		WHERE entity_type = $1 AND entity_id = $2 AND is_primary`

	link, err := scanLink(r.db.QueryRow(ctx, query, string(entity.Kind), entity.ID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simpleimage.ErrLinkNotFound
		}
		return nil, r.handlePostgresError("get primary link", err)
	}
	return link, nil
}

func (r *Repository) UpdateLink(ctx context.Context, link *simpleimage.EntityLink) error {
	current, err := r.GetLink(ctx, link.ID)
	if err != nil {
		return err
	}
	entity := current.Entity

	return r.inTx(ctx, entity, func(tx pgx.Tx) error {
		if link.IsPrimary {
			_, err := tx.Exec(ctx, `
				UPDATE image_links SET is_primary = FALSE, updated_at = $4
				WHERE entity_type = $1 AND entity_id = $2 AND is_primary AND id <> $3`,
				string(entity.Kind), entity.ID, link.ID, link.UpdatedAt)
			if err != nil {
				return r.handlePostgresError("clear primary", err)
			}
		}

		tag, err := tx.Exec(ctx, `
			UPDATE image_links SET is_primary = $2, sort_order = $3, updated_at = $4
			WHERE id = $1`,
			link.ID, link.IsPrimary, orderArg(link.Order), link.UpdatedAt)
		if err != nil {
			return r.handlePostgresError("update link", err)
		}
		if tag.RowsAffected() == 0 {
			return simpleimage.ErrLinkNotFound
		}
		return nil
	})
}

func (r *Repository) DeleteLink(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM image_links WHERE id = $1`, id)
	if err != nil {
		return r.handlePostgresError("delete link", err)
	}
	if tag.RowsAffected() == 0 {
		return simpleimage.ErrLinkNotFound
	}
	return nil
}
