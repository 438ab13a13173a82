// Package database provides PostgreSQL database operations for annotations
// and their comment threads.
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/surface-annotator/backend/internal/config"
	"github.com/surface-annotator/backend/internal/models"
)

var (
	// ErrNotFound is returned when a row does not exist or is not visible to
	// the caller.
	ErrNotFound = errors.New("not found")

	// ErrIDConflict is returned when a client-generated id is already taken
	// by a row with a different author or parent.
	ErrIDConflict = errors.New("id already in use")

	// ErrInvalidParent is returned when a reply targets a comment that is
	// itself a reply, or belongs to another annotation.
	ErrInvalidParent = errors.New("invalid parent comment")
)

// Repository defines the interface for annotation data operations.
type Repository interface {
	// FileAccess resolves the caller's role on a file together with the
	// file's surface type and lock state.
	FileAccess(ctx context.Context, userID, fileID uuid.UUID) (*models.FileAccess, error)

	// CreateAnnotationWithComment stores an annotation and its first comment
	// atomically. Repeating the call with the same ids returns the stored
	// rows without writing again; created is false in that case.
	CreateAnnotationWithComment(ctx context.Context, annotation *models.Annotation, comment *models.Comment) (_ *models.AnnotationView, created bool, _ error)

	// AppendCommentImages adds image URLs to a comment and returns the
	// stored set. URLs already present are not duplicated.
	AppendCommentImages(ctx context.Context, commentID uuid.UUID, urls []string) ([]string, error)

	// ListAnnotations returns a file's annotations with threaded comments.
	// A non-nil viewport restricts the result to that viewport.
	ListAnnotations(ctx context.Context, fileID uuid.UUID, viewport *models.Viewport) ([]models.AnnotationView, error)

	// GetAnnotation retrieves an annotation by its ID.
	GetAnnotation(ctx context.Context, id uuid.UUID) (*models.Annotation, error)

	// DeleteAnnotation removes an annotation and its comments.
	DeleteAnnotation(ctx context.Context, id uuid.UUID) error

	// CreateReply stores a reply idempotently, like the first comment.
	CreateReply(ctx context.Context, reply *models.Comment) (_ *models.CommentView, created bool, _ error)

	// GetComment retrieves a comment by its ID.
	GetComment(ctx context.Context, id uuid.UUID) (*models.CommentView, error)

	// UpdateCommentStatus sets a comment's workflow status.
	UpdateCommentStatus(ctx context.Context, id uuid.UUID, status models.CommentStatus) (*models.CommentView, error)

	// DeleteComment removes a comment and its replies.
	DeleteComment(ctx context.Context, id uuid.UUID) error

	// Close closes the database connection.
	Close()
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository creates a new PostgreSQL repository.
func NewPostgresRepository(cfg *config.Config, logger *zap.Logger) (Repository, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	repo := &PostgresRepository{
		pool:   pool,
		logger: logger,
	}

	if err := repo.migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Connected to PostgreSQL database")
	return repo, nil
}

// migrate creates the necessary database tables if they don't exist.
func (r *PostgresRepository) migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS users (
			id UUID PRIMARY KEY,
			name VARCHAR(256) NOT NULL DEFAULT '',
			email VARCHAR(320) NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS projects (
			id UUID PRIMARY KEY,
			name VARCHAR(256) NOT NULL,
			owner_id UUID NOT NULL REFERENCES users(id),
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS project_members (
			project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
			role VARCHAR(16) NOT NULL,
			PRIMARY KEY (project_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS files (
			id UUID PRIMARY KEY,
			project_id UUID NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			name VARCHAR(256) NOT NULL,
			surface_type VARCHAR(16) NOT NULL,
			signed_off BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS annotations (
			id UUID PRIMARY KEY,
			file_id UUID NOT NULL REFERENCES files(id) ON DELETE CASCADE,
			author_id UUID NOT NULL REFERENCES users(id),
			annotation_type VARCHAR(16) NOT NULL,
			target JSONB NOT NULL,
			style JSONB,
			viewport VARCHAR(16),
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_annotations_file ON annotations(file_id, viewport, created_at);

		CREATE TABLE IF NOT EXISTS comments (
			id UUID PRIMARY KEY,
			annotation_id UUID NOT NULL REFERENCES annotations(id) ON DELETE CASCADE,
			parent_id UUID REFERENCES comments(id) ON DELETE CASCADE,
			author_id UUID NOT NULL REFERENCES users(id),
			text TEXT NOT NULL DEFAULT '',
			status VARCHAR(16) NOT NULL DEFAULT 'OPEN',
			image_urls TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_comments_annotation ON comments(annotation_id, created_at);
	`

	_, err := r.pool.Exec(ctx, query)
	return err
}

// FileAccess resolves the caller's role on a file. Project owners are
// OWNER regardless of membership rows.
func (r *PostgresRepository) FileAccess(ctx context.Context, userID, fileID uuid.UUID) (*models.FileAccess, error) {
	query := `
		SELECT f.id, f.project_id, f.surface_type, f.signed_off,
			CASE WHEN p.owner_id = $1 THEN 'OWNER' ELSE pm.role END
		FROM files f
		JOIN projects p ON p.id = f.project_id
		LEFT JOIN project_members pm ON pm.project_id = f.project_id AND pm.user_id = $1
		WHERE f.id = $2
	`

	var (
		access  models.FileAccess
		surface string
		role    *string
	)
	err := r.pool.QueryRow(ctx, query, userID, fileID).Scan(
		&access.FileID,
		&access.ProjectID,
		&surface,
		&access.Locked,
		&role,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		r.logger.Error("Failed to resolve file access", zap.String("file_id", fileID.String()), zap.Error(err))
		return nil, fmt.Errorf("failed to resolve file access: %w", err)
	}
	if role == nil {
		// Non-members cannot learn that the file exists.
		return nil, ErrNotFound
	}

	access.Surface = models.SurfaceType(surface)
	access.Role = models.Role(*role)
	return &access, nil
}

// Close closes the database connection pool.
func (r *PostgresRepository) Close() {
	r.pool.Close()
	r.logger.Info("Closed database connection")
}
