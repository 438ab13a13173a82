package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/surface-annotator/backend/internal/models"
)

const annotationColumns = `
	a.id, a.file_id, a.author_id, a.annotation_type, a.target, a.style, a.viewport,
	a.created_at, a.updated_at,
	u.id, u.name, u.email, u.avatar_url
`

// CreateAnnotationWithComment inserts both rows in one transaction. Existing
// rows with the same ids are returned as stored when they belong to the same
// author and parent, so a retried submission creates nothing new. created
// reports whether the comment row was written by this call.
func (r *PostgresRepository) CreateAnnotationWithComment(ctx context.Context, annotation *models.Annotation, comment *models.Comment) (_ *models.AnnotationView, created bool, _ error) {
	target, err := json.Marshal(annotation.Target)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode target: %w", err)
	}
	style, err := encodeStyle(annotation.Style)
	if err != nil {
		return nil, false, err
	}

	var view *models.AnnotationView
	err = pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO annotations (id, file_id, author_id, annotation_type, target, style, viewport, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			ON CONFLICT (id) DO NOTHING
		`,
			annotation.ID,
			annotation.FileID,
			annotation.AuthorID,
			string(annotation.AnnotationType),
			target,
			style,
			viewportArg(annotation.Viewport),
			annotation.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert annotation: %w", err)
		}

		stored, err := r.getAnnotationView(ctx, tx, annotation.ID)
		if err != nil {
			return err
		}
		if stored.AuthorID != annotation.AuthorID || stored.FileID != annotation.FileID {
			return fmt.Errorf("annotation %s: %w", annotation.ID, ErrIDConflict)
		}

		c, inserted, err := r.insertComment(ctx, tx, comment)
		if err != nil {
			return err
		}
		created = inserted
		stored.Comments = []models.CommentThread{{CommentView: *c, Replies: []models.CommentView{}}}
		view = stored
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrIDConflict) {
			r.logger.Error("Failed to create annotation", zap.String("id", annotation.ID.String()), zap.Error(err))
		}
		return nil, false, err
	}

	r.logger.Info("Created annotation",
		zap.String("id", annotation.ID.String()),
		zap.String("comment_id", comment.ID.String()),
		zap.Bool("created", created),
	)
	return view, created, nil
}

// ListAnnotations returns a file's annotations, oldest first, each with its
// comment threads.
func (r *PostgresRepository) ListAnnotations(ctx context.Context, fileID uuid.UUID, viewport *models.Viewport) ([]models.AnnotationView, error) {
	query := `
		SELECT ` + annotationColumns + `
		FROM annotations a
		JOIN users u ON u.id = a.author_id
		WHERE a.file_id = $1 AND ($2::text IS NULL OR a.viewport = $2::text)
		ORDER BY a.created_at, a.id
	`

	rows, err := r.pool.Query(ctx, query, fileID, viewportArg(viewport))
	if err != nil {
		r.logger.Error("Failed to list annotations", zap.String("file_id", fileID.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to list annotations: %w", err)
	}
	defer rows.Close()

	annotations := []models.AnnotationView{}
	index := make(map[uuid.UUID]int)
	for rows.Next() {
		view, err := scanAnnotation(rows)
		if err != nil {
			r.logger.Error("Failed to scan annotation row", zap.Error(err))
			return nil, fmt.Errorf("failed to scan annotation: %w", err)
		}
		index[view.ID] = len(annotations)
		annotations = append(annotations, *view)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list annotations: %w", err)
	}
	if len(annotations) == 0 {
		return annotations, nil
	}

	ids := make([]uuid.UUID, 0, len(annotations))
	for _, a := range annotations {
		ids = append(ids, a.ID)
	}
	comments, err := r.listComments(ctx, ids)
	if err != nil {
		return nil, err
	}

	grouped := make(map[uuid.UUID][]models.CommentView)
	for _, c := range comments {
		grouped[c.AnnotationID] = append(grouped[c.AnnotationID], c)
	}
	for id, i := range index {
		annotations[i].Comments = models.BuildThreads(grouped[id])
	}

	return annotations, nil
}

// GetAnnotation retrieves an annotation by its ID.
func (r *PostgresRepository) GetAnnotation(ctx context.Context, id uuid.UUID) (*models.Annotation, error) {
	view, err := r.getAnnotationView(ctx, r.pool, id)
	if err != nil {
		return nil, err
	}
	return &view.Annotation, nil
}

// DeleteAnnotation removes an annotation by its ID. Comments cascade.
func (r *PostgresRepository) DeleteAnnotation(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM annotations WHERE id = $1`, id)
	if err != nil {
		r.logger.Error("Failed to delete annotation", zap.String("id", id.String()), zap.Error(err))
		return fmt.Errorf("failed to delete annotation: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}

	r.logger.Info("Deleted annotation", zap.String("id", id.String()))
	return nil
}

func (r *PostgresRepository) getAnnotationView(ctx context.Context, q querier, id uuid.UUID) (*models.AnnotationView, error) {
	query := `
		SELECT ` + annotationColumns + `
		FROM annotations a
		JOIN users u ON u.id = a.author_id
		WHERE a.id = $1
	`

	view, err := scanAnnotation(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error("Failed to get annotation", zap.String("id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to get annotation: %w", err)
	}
	return view, nil
}

func scanAnnotation(row pgx.Row) (*models.AnnotationView, error) {
	var (
		view           models.AnnotationView
		author         models.Author
		annotationType string
		target         []byte
		style          []byte
		viewport       *string
	)
	err := row.Scan(
		&view.ID,
		&view.FileID,
		&view.AuthorID,
		&annotationType,
		&target,
		&style,
		&viewport,
		&view.CreatedAt,
		&view.UpdatedAt,
		&author.ID,
		&author.Name,
		&author.Email,
		&author.AvatarURL,
	)
	if err != nil {
		return nil, err
	}

	view.AnnotationType = models.AnnotationType(annotationType)
	if err := json.Unmarshal(target, &view.Target); err != nil {
		return nil, fmt.Errorf("failed to decode target: %w", err)
	}
	if len(style) > 0 {
		view.Style = &models.Style{}
		if err := json.Unmarshal(style, view.Style); err != nil {
			return nil, fmt.Errorf("failed to decode style: %w", err)
		}
	}
	if viewport != nil {
		v := models.Viewport(*viewport)
		view.Viewport = &v
	}
	view.Author = &author
	view.Comments = []models.CommentThread{}
	return &view, nil
}

func encodeStyle(style *models.Style) ([]byte, error) {
	if style == nil {
		return nil, nil
	}
	data, err := json.Marshal(style)
	if err != nil {
		return nil, fmt.Errorf("failed to encode style: %w", err)
	}
	return data, nil
}

func viewportArg(v *models.Viewport) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
