// Package access decides whether a user may act on a file.
package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/surface-annotator/backend/internal/cache"
	"github.com/surface-annotator/backend/internal/database"
	"github.com/surface-annotator/backend/internal/models"
)

var (
	// ErrNotFound hides both missing files and files the user cannot see.
	ErrNotFound = errors.New("file not found")

	// ErrForbidden means the user's role is below the one required.
	ErrForbidden = errors.New("insufficient role")

	// ErrLocked means the file's revision has been signed off.
	ErrLocked = errors.New("file revision is signed off")
)

// Store is the part of the repository the authorizer reads.
type Store interface {
	FileAccess(ctx context.Context, userID, fileID uuid.UUID) (*models.FileAccess, error)
}

// Authorizer checks file permissions, memoizing lookups in an access cache.
type Authorizer struct {
	store  Store
	cache  cache.Cache
	logger *zap.Logger
}

// NewAuthorizer creates an authorizer. cache may be nil.
func NewAuthorizer(store Store, c cache.Cache, logger *zap.Logger) *Authorizer {
	return &Authorizer{store: store, cache: c, logger: logger}
}

// Authorize returns the user's access to the file if their role is at least
// need. Mutations (any need above VIEWER) are refused on locked files.
func (a *Authorizer) Authorize(ctx context.Context, userID, fileID uuid.UUID, need models.Role) (*models.FileAccess, error) {
	fa, err := a.lookup(ctx, userID, fileID)
	if err != nil {
		return nil, err
	}
	if !fa.Role.AtLeast(need) {
		a.logger.Debug("Access denied",
			zap.String("user_id", userID.String()),
			zap.String("file_id", fileID.String()),
			zap.String("role", string(fa.Role)),
			zap.String("need", string(need)),
		)
		return nil, ErrForbidden
	}
	if fa.Locked && need != models.RoleViewer {
		return nil, ErrLocked
	}
	return fa, nil
}

func (a *Authorizer) lookup(ctx context.Context, userID, fileID uuid.UUID) (*models.FileAccess, error) {
	if a.cache != nil {
		if fa, ok := a.cache.Get(userID, fileID); ok {
			return fa, nil
		}
	}

	fa, err := a.store.FileAccess(ctx, userID, fileID)
	if errors.Is(err, database.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve access: %w", err)
	}

	if a.cache != nil {
		a.cache.Set(userID, fileID, fa)
	}
	return fa, nil
}
