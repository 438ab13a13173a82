// Package service implements the annotation use cases on top of the store,
// the authorizer and the realtime publisher.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/surface-annotator/backend/internal/access"
	"github.com/surface-annotator/backend/internal/attachments"
	"github.com/surface-annotator/backend/internal/database"
	"github.com/surface-annotator/backend/internal/models"
)

var (
	// ErrNotFound covers missing entities and files the caller cannot see.
	ErrNotFound = errors.New("not found")

	// ErrForbidden means the caller lacks the required role.
	ErrForbidden = errors.New("forbidden")

	// ErrLocked means the file's revision is signed off.
	ErrLocked = errors.New("file is locked")

	// ErrConflict means a client-generated id belongs to someone else's data.
	ErrConflict = errors.New("id conflict")
)

var tracer = otel.Tracer("github.com/surface-annotator/backend/internal/service")

// Store is the persistence the service needs.
type Store interface {
	CreateAnnotationWithComment(ctx context.Context, annotation *models.Annotation, comment *models.Comment) (_ *models.AnnotationView, created bool, _ error)
	ListAnnotations(ctx context.Context, fileID uuid.UUID, viewport *models.Viewport) ([]models.AnnotationView, error)
	GetAnnotation(ctx context.Context, id uuid.UUID) (*models.Annotation, error)
	DeleteAnnotation(ctx context.Context, id uuid.UUID) error
	CreateReply(ctx context.Context, reply *models.Comment) (_ *models.CommentView, created bool, _ error)
	GetComment(ctx context.Context, id uuid.UUID) (*models.CommentView, error)
	UpdateCommentStatus(ctx context.Context, id uuid.UUID, status models.CommentStatus) (*models.CommentView, error)
	DeleteComment(ctx context.Context, id uuid.UUID) error
}

// Authorizer resolves file permissions.
type Authorizer interface {
	Authorize(ctx context.Context, userID, fileID uuid.UUID, need models.Role) (*models.FileAccess, error)
}

// Publisher announces committed changes.
type Publisher interface {
	Publish(ctx context.Context, fileID uuid.UUID, kind models.EventKind, payload any)
}

// Attacher uploads images of a committed comment.
type Attacher interface {
	Attach(ctx context.Context, t attachments.Target, images []attachments.Image) []string
}

// Service implements the annotation use cases.
type Service struct {
	store     Store
	authz     Authorizer
	publisher Publisher
	attacher  Attacher
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a service.
func New(store Store, authz Authorizer, publisher Publisher, attacher Attacher, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		authz:     authz,
		publisher: publisher,
		attacher:  attacher,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateAnnotation stores an annotation with its first comment, announces
// both, then attaches images. Checks run in order: request shape, file
// permission, file-dependent shape. Once the checks pass the write and the
// uploads run to completion even if the caller goes away. Retrying with the
// same ids returns the stored annotation without creating another or
// uploading its images again.
func (s *Service) CreateAnnotation(ctx context.Context, userID uuid.UUID, req *models.CreateAnnotationRequest, images []attachments.Image) (_ *models.CreateAnnotationResponse, err error) {
	ctx, span := tracer.Start(ctx, "service.CreateAnnotation", trace.WithAttributes(
		attribute.String("annotation.id", req.AnnotationID.String()),
		attribute.String("file.id", req.FileID.String()),
	))
	defer func() { endSpan(span, err) }()

	if err := req.Validate(len(images)); err != nil {
		return nil, err
	}

	fa, err := s.authz.Authorize(ctx, userID, req.FileID, models.RoleEditor)
	if err != nil {
		return nil, translate(err)
	}
	if err := req.CheckSurface(fa.Surface); err != nil {
		return nil, err
	}

	commentID := uuid.New()
	if req.CommentID != nil {
		commentID = *req.CommentID
	}
	now := s.now().UTC()

	annotation := &models.Annotation{
		ID:             req.AnnotationID,
		FileID:         req.FileID,
		AuthorID:       userID,
		AnnotationType: req.AnnotationType,
		Target:         req.Target,
		Style:          req.Style,
		Viewport:       req.Viewport,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	comment := &models.Comment{
		ID:           commentID,
		AnnotationID: req.AnnotationID,
		AuthorID:     userID,
		Text:         req.Text,
		Status:       models.CommentStatusOpen,
		ImageURLs:    nonNil(req.ImageURLs),
		CreatedAt:    now,
	}

	ctx = context.WithoutCancel(ctx)

	view, created, err := s.store.CreateAnnotationWithComment(ctx, annotation, comment)
	if err != nil {
		return nil, translate(err)
	}
	first := &view.Comments[0]

	s.publisher.Publish(ctx, view.FileID, models.EventAnnotationCreated, view)
	s.publisher.Publish(ctx, view.FileID, models.EventCommentCreated, first.CommentView)

	switch {
	case len(images) > 0 && !created:
		s.logger.Info("Skipping images of a repeated submission",
			zap.String("comment_id", first.ID.String()),
			zap.Int("images", len(images)),
		)
	case len(images) > 0:
		urls := s.attacher.Attach(ctx, attachments.Target{
			FileID:       view.FileID,
			AnnotationID: view.ID,
			CommentID:    first.ID,
		}, images)
		first.ImageURLs = appendUnique(first.ImageURLs, urls)
	}

	s.logger.Info("Annotation created",
		zap.String("id", view.ID.String()),
		zap.String("file_id", view.FileID.String()),
		zap.Int("images", len(first.ImageURLs)),
	)
	return &models.CreateAnnotationResponse{Annotation: *view, Comment: first.Comment}, nil
}

// ListAnnotations returns a file's annotations, optionally for one viewport.
func (s *Service) ListAnnotations(ctx context.Context, userID, fileID uuid.UUID, viewport *models.Viewport) (_ []models.AnnotationView, err error) {
	ctx, span := tracer.Start(ctx, "service.ListAnnotations", trace.WithAttributes(
		attribute.String("file.id", fileID.String()),
	))
	defer func() { endSpan(span, err) }()

	if viewport != nil && !viewport.Valid() {
		return nil, &models.ValidationError{Field: "viewport", Message: "must be DESKTOP, TABLET or MOBILE"}
	}
	if _, err := s.authz.Authorize(ctx, userID, fileID, models.RoleViewer); err != nil {
		return nil, translate(err)
	}

	views, err := s.store.ListAnnotations(ctx, fileID, viewport)
	if err != nil {
		return nil, translate(err)
	}
	return views, nil
}

// AuthorizeStream checks that the caller may follow a file's events.
func (s *Service) AuthorizeStream(ctx context.Context, userID, fileID uuid.UUID) error {
	if _, err := s.authz.Authorize(ctx, userID, fileID, models.RoleViewer); err != nil {
		return translate(err)
	}
	return nil
}

// DeleteAnnotation removes an annotation and its comments. Authors need
// EDITOR; anyone else needs OWNER.
func (s *Service) DeleteAnnotation(ctx context.Context, userID, id uuid.UUID) (err error) {
	ctx, span := tracer.Start(ctx, "service.DeleteAnnotation", trace.WithAttributes(
		attribute.String("annotation.id", id.String()),
	))
	defer func() { endSpan(span, err) }()

	ann, err := s.store.GetAnnotation(ctx, id)
	if err != nil {
		return translate(err)
	}
	if err := s.authorizeAuthor(ctx, userID, ann.FileID, ann.AuthorID, models.RoleEditor); err != nil {
		return err
	}
	if err := s.store.DeleteAnnotation(ctx, id); err != nil {
		return translate(err)
	}

	s.publisher.Publish(ctx, ann.FileID, models.EventAnnotationDeleted, models.Deleted{ID: id, AnnotationID: id})
	return nil
}

// CreateReply adds a reply under a top-level comment of an annotation.
func (s *Service) CreateReply(ctx context.Context, userID, annotationID uuid.UUID, req *models.CreateReplyRequest, images []attachments.Image) (_ *models.CommentView, err error) {
	ctx, span := tracer.Start(ctx, "service.CreateReply", trace.WithAttributes(
		attribute.String("annotation.id", annotationID.String()),
	))
	defer func() { endSpan(span, err) }()

	if err := req.Validate(len(images)); err != nil {
		return nil, err
	}

	ann, err := s.store.GetAnnotation(ctx, annotationID)
	if err != nil {
		return nil, translate(err)
	}
	if _, err := s.authz.Authorize(ctx, userID, ann.FileID, models.RoleCommenter); err != nil {
		return nil, translate(err)
	}

	replyID := uuid.New()
	if req.CommentID != nil {
		replyID = *req.CommentID
	}
	parentID := req.ParentID
	reply := &models.Comment{
		ID:           replyID,
		AnnotationID: annotationID,
		AuthorID:     userID,
		Text:         req.Text,
		Status:       models.CommentStatusOpen,
		ImageURLs:    nonNil(req.ImageURLs),
		ParentID:     &parentID,
		CreatedAt:    s.now().UTC(),
	}

	ctx = context.WithoutCancel(ctx)

	view, created, err := s.store.CreateReply(ctx, reply)
	switch {
	case errors.Is(err, database.ErrInvalidParent), errors.Is(err, database.ErrNotFound):
		return nil, &models.ValidationError{Field: "parentId", Message: "must be a top-level comment of this annotation"}
	case err != nil:
		return nil, translate(err)
	}

	s.publisher.Publish(ctx, ann.FileID, models.EventCommentCreated, view)

	if len(images) > 0 && created {
		urls := s.attacher.Attach(ctx, attachments.Target{
			FileID:       ann.FileID,
			AnnotationID: annotationID,
			CommentID:    view.ID,
		}, images)
		view.ImageURLs = appendUnique(view.ImageURLs, urls)
	}
	return view, nil
}

// UpdateCommentStatus moves a comment through OPEN, IN_PROGRESS and RESOLVED.
func (s *Service) UpdateCommentStatus(ctx context.Context, userID, commentID uuid.UUID, status models.CommentStatus) (_ *models.CommentView, err error) {
	ctx, span := tracer.Start(ctx, "service.UpdateCommentStatus", trace.WithAttributes(
		attribute.String("comment.id", commentID.String()),
	))
	defer func() { endSpan(span, err) }()

	if !status.Valid() {
		return nil, &models.ValidationError{Field: "status", Message: "must be OPEN, IN_PROGRESS or RESOLVED"}
	}

	_, ann, err := s.commentWithAnnotation(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if _, err := s.authz.Authorize(ctx, userID, ann.FileID, models.RoleCommenter); err != nil {
		return nil, translate(err)
	}

	view, err := s.store.UpdateCommentStatus(ctx, commentID, status)
	if err != nil {
		return nil, translate(err)
	}

	s.publisher.Publish(ctx, ann.FileID, models.EventCommentUpdated, view)
	return view, nil
}

// DeleteComment removes a comment and its replies. Authors need COMMENTER;
// anyone else needs OWNER.
func (s *Service) DeleteComment(ctx context.Context, userID, commentID uuid.UUID) (err error) {
	ctx, span := tracer.Start(ctx, "service.DeleteComment", trace.WithAttributes(
		attribute.String("comment.id", commentID.String()),
	))
	defer func() { endSpan(span, err) }()

	c, ann, err := s.commentWithAnnotation(ctx, commentID)
	if err != nil {
		return err
	}
	if err := s.authorizeAuthor(ctx, userID, ann.FileID, c.AuthorID, models.RoleCommenter); err != nil {
		return err
	}
	if err := s.store.DeleteComment(ctx, commentID); err != nil {
		return translate(err)
	}

	s.publisher.Publish(ctx, ann.FileID, models.EventCommentDeleted, models.Deleted{ID: commentID, AnnotationID: ann.ID})
	return nil
}

func (s *Service) commentWithAnnotation(ctx context.Context, commentID uuid.UUID) (*models.CommentView, *models.Annotation, error) {
	c, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, nil, translate(err)
	}
	ann, err := s.store.GetAnnotation(ctx, c.AnnotationID)
	if err != nil {
		return nil, nil, translate(err)
	}
	return c, ann, nil
}

// authorizeAuthor requires need from the author of the content and OWNER
// from anyone else.
func (s *Service) authorizeAuthor(ctx context.Context, userID, fileID, authorID uuid.UUID, need models.Role) error {
	if userID != authorID {
		need = models.RoleOwner
	}
	if _, err := s.authz.Authorize(ctx, userID, fileID, need); err != nil {
		return translate(err)
	}
	return nil
}

// translate maps collaborator errors onto the service's error set.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, access.ErrNotFound), errors.Is(err, database.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, access.ErrForbidden):
		return ErrForbidden
	case errors.Is(err, access.ErrLocked):
		return ErrLocked
	case errors.Is(err, database.ErrIDConflict):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func nonNil(urls []string) []string {
	if urls == nil {
		return []string{}
	}
	return urls
}

func appendUnique(have, add []string) []string {
	seen := make(map[string]struct{}, len(have))
	for _, u := range have {
		seen[u] = struct{}{}
	}
	for _, u := range add {
		if _, ok := seen[u]; !ok {
			seen[u] = struct{}{}
			have = append(have, u)
		}
	}
	return have
}
