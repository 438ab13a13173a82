package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/surface-annotator/backend/internal/models"
)

const commentColumns = `
	c.id, c.annotation_id, c.parent_id, c.author_id, c.text, c.status, c.image_urls, c.created_at,
	u.id, u.name, u.email, u.avatar_url
`

// AppendCommentImages adds urls to a comment's image list, skipping URLs
// already stored, and returns the resulting list.
func (r *PostgresRepository) AppendCommentImages(ctx context.Context, commentID uuid.UUID, urls []string) ([]string, error) {
	query := `
		UPDATE comments
		SET image_urls = image_urls || ARRAY(
			SELECT u FROM unnest($2::text[]) WITH ORDINALITY AS t(u, n)
			WHERE u <> ALL(image_urls)
			ORDER BY n
		)
		WHERE id = $1
		RETURNING image_urls
	`

	var stored []string
	err := r.pool.QueryRow(ctx, query, commentID, dedupe(urls)).Scan(&stored)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error("Failed to append comment images", zap.String("comment_id", commentID.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to append comment images: %w", err)
	}

	r.logger.Info("Attached comment images",
		zap.String("comment_id", commentID.String()),
		zap.Int("count", len(urls)),
	)
	return stored, nil
}

// CreateReply stores a reply to a top-level comment of the same annotation.
// created is false when the reply already existed.
func (r *PostgresRepository) CreateReply(ctx context.Context, reply *models.Comment) (_ *models.CommentView, created bool, _ error) {
	if reply.ParentID == nil {
		return nil, false, ErrInvalidParent
	}

	var view *models.CommentView
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		parent, err := r.getComment(ctx, tx, *reply.ParentID)
		if err != nil {
			return err
		}
		if parent.ParentID != nil || parent.AnnotationID != reply.AnnotationID {
			return ErrInvalidParent
		}

		view, created, err = r.insertComment(ctx, tx, reply)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return view, created, nil
}

// GetComment retrieves a comment by its ID.
func (r *PostgresRepository) GetComment(ctx context.Context, id uuid.UUID) (*models.CommentView, error) {
	return r.getComment(ctx, r.pool, id)
}

// UpdateCommentStatus sets a comment's workflow status.
func (r *PostgresRepository) UpdateCommentStatus(ctx context.Context, id uuid.UUID, status models.CommentStatus) (*models.CommentView, error) {
	result, err := r.pool.Exec(ctx, `UPDATE comments SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		r.logger.Error("Failed to update comment", zap.String("id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to update comment: %w", err)
	}
	if result.RowsAffected() == 0 {
		return nil, ErrNotFound
	}

	r.logger.Info("Updated comment status", zap.String("id", id.String()), zap.String("status", string(status)))
	return r.getComment(ctx, r.pool, id)
}

// DeleteComment removes a comment by its ID. Replies cascade.
func (r *PostgresRepository) DeleteComment(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM comments WHERE id = $1`, id)
	if err != nil {
		r.logger.Error("Failed to delete comment", zap.String("id", id.String()), zap.Error(err))
		return fmt.Errorf("failed to delete comment: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	r.logger.Info("Deleted comment", zap.String("id", id.String()))
	return nil
}

// insertComment writes c unless a row with its id exists, then reads the row
// back. A stored row with another author or annotation is a conflict.
// created reports whether this call wrote the row.
func (r *PostgresRepository) insertComment(ctx context.Context, q querier, c *models.Comment) (*models.CommentView, bool, error) {
	urls := c.ImageURLs
	if urls == nil {
		urls = []string{}
	}
	result, err := q.Exec(ctx, `
		INSERT INTO comments (id, annotation_id, parent_id, author_id, text, status, image_urls, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`,
		c.ID,
		c.AnnotationID,
		c.ParentID,
		c.AuthorID,
		c.Text,
		string(c.Status),
		urls,
		c.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert comment: %w", err)
	}

	stored, err := r.getComment(ctx, q, c.ID)
	if err != nil {
		return nil, false, err
	}
	if stored.AuthorID != c.AuthorID || stored.AnnotationID != c.AnnotationID {
		return nil, false, fmt.Errorf("comment %s: %w", c.ID, ErrIDConflict)
	}
	return stored, result.RowsAffected() == 1, nil
}

func (r *PostgresRepository) getComment(ctx context.Context, q querier, id uuid.UUID) (*models.CommentView, error) {
	query := `
		SELECT ` + commentColumns + `
		FROM comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.id = $1
	`

	view, err := scanComment(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error("Failed to get comment", zap.String("id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to get comment: %w", err)
	}
	return view, nil
}

func (r *PostgresRepository) listComments(ctx context.Context, annotationIDs []uuid.UUID) ([]models.CommentView, error) {
	query := `
		SELECT ` + commentColumns + `
		FROM comments c
		JOIN users u ON u.id = c.author_id
		WHERE c.annotation_id = ANY($1)
		ORDER BY c.created_at, c.id
	`

	rows, err := r.pool.Query(ctx, query, annotationIDs)
	if err != nil {
		r.logger.Error("Failed to list comments", zap.Error(err))
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var comments []models.CommentView
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			r.logger.Error("Failed to scan comment row", zap.Error(err))
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, *c)
	}
	return comments, rows.Err()
}

func scanComment(row pgx.Row) (*models.CommentView, error) {
	var (
		view   models.CommentView
		author models.Author
		status string
	)
	err := row.Scan(
		&view.ID,
		&view.AnnotationID,
		&view.ParentID,
		&view.AuthorID,
		&view.Text,
		&status,
		&view.ImageURLs,
		&view.CreatedAt,
		&author.ID,
		&author.Name,
		&author.Email,
		&author.AvatarURL,
	)
	if err != nil {
		return nil, err
	}
	view.Status = models.CommentStatus(status)
	if view.ImageURLs == nil {
		view.ImageURLs = []string{}
	}
	view.Author = &author
	return &view, nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
