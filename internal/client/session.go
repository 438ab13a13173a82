package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/surface-annotator/backend/internal/attachments"
	"github.com/surface-annotator/backend/internal/geometry"
	"github.com/surface-annotator/backend/internal/models"
	"github.com/surface-annotator/backend/internal/pending"
	"github.com/surface-annotator/backend/internal/reconcile"
	"github.com/surface-annotator/backend/internal/target"
)

// Session is one open file on a client: the pending annotation of the
// active tool, the reconciled view of the file, and the connection that
// keeps it current. Pointer handling, responses and stream events are
// serialized through the session lock.
type Session struct {
	mu       sync.Mutex
	client   *Client
	fileID   uuid.UUID
	viewport *models.Viewport
	surface  models.SurfaceType
	mapper   *geometry.Mapper
	observer *geometry.ContainerObserver
	pending  *pending.Manager
	state    *reconcile.State
	logger   *zap.Logger
}

// NewSession opens fileID rendered on surface and mapped by mapper. viewport
// is nil for image files. overlay may be nil.
func NewSession(c *Client, fileID uuid.UUID, surface models.SurfaceType, viewport *models.Viewport, mapper *geometry.Mapper, overlay pending.Overlay, logger *zap.Logger) *Session {
	return &Session{
		client:   c,
		fileID:   fileID,
		viewport: viewport,
		surface:  surface,
		mapper:   mapper,
		observer: geometry.NewContainerObserver(mapper, geometry.DefaultObserveRate),
		pending:  pending.NewManager(fileID, viewport, overlay),
		state:    reconcile.New(),
		logger:   logger,
	}
}

// Resize records a new container rectangle for the rendered surface. Bursts
// are coalesced and the latest rectangle is applied before the next
// placement at the latest.
func (s *Session) Resize(r geometry.Rect) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer.Observe(r)
}

// Place resolves a pointer interaction against the current container and
// records it as the pending annotation of the active tool. Interactions that
// do not yield a target leave the pending state untouched.
func (s *Session) Place(in target.Interaction, style *models.Style) (*pending.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tool := s.pending.Tool()
	if tool == "" {
		return nil, pending.ErrNoTool
	}
	if err := s.observer.Flush(); err != nil {
		return nil, err
	}
	t, err := target.Resolve(s.mapper, s.surface, tool, in)
	if err != nil {
		return nil, err
	}
	return s.pending.Place(t, style)
}

// Pending runs fn with exclusive access to the pending annotation manager.
func (s *Session) Pending(fn func(m *pending.Manager) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.pending)
}

// Sync merges the server's current listing into the local view.
func (s *Session) Sync(ctx context.Context) error {
	views, err := s.client.List(ctx, s.fileID, s.viewport)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.state.Load(views)
	s.mu.Unlock()
	return nil
}

// Submit confirms the pending annotation with text and images and sends it.
// On failure the entry returns to pending with the same ids so a retry is
// idempotent. On success the response is merged like any other event.
func (s *Session) Submit(ctx context.Context, text string, images []attachments.Image) (*models.CreateAnnotationResponse, error) {
	s.mu.Lock()
	req, err := s.pending.Confirm(text, len(images))
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Submit(ctx, req, images)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		// The entry may have been deselected while the request was out.
		if ferr := s.pending.Fail(); ferr != nil && !errors.Is(ferr, pending.ErrNotSubmitting) {
			s.logger.Warn("Failed to reset pending annotation", zap.Error(ferr))
		}
		return nil, err
	}
	// The annotation carries the comment thread with its author.
	s.state.UpsertAnnotation(resp.Annotation)
	s.pending.Acknowledge(resp.Annotation.ID)
	return resp, nil
}

// Follow applies the file's event stream until ctx ends or the stream
// closes. A created event for the pending annotation discards it.
func (s *Session) Follow(ctx context.Context) error {
	return s.client.Subscribe(ctx, s.fileID, s.apply)
}

func (s *Session) apply(ev models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.state.Apply(ev); err != nil {
		s.logger.Warn("Failed to apply event", zap.String("event", string(ev.Event)), zap.Error(err))
		return
	}
	if ev.Event != models.EventAnnotationCreated {
		return
	}
	var created struct {
		ID uuid.UUID `json:"id"`
	}
	if err := json.Unmarshal(ev.Data, &created); err == nil {
		s.pending.Acknowledge(created.ID)
	}
}

// Annotations returns the local view for the session's viewport.
func (s *Session) Annotations() []models.AnnotationView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Annotations(s.viewport)
}
