// Package pending holds not-yet-persisted annotations on a client. At most
// one pending annotation exists at a time, owned by the active tool.
package pending

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/surface-annotator/backend/internal/models"
)

// State is the manager's position in the tool state machine.
type State int

const (
	StateIdle State = iota
	StateArmed
	StatePending
	StateSubmitting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StatePending:
		return "pending"
	case StateSubmitting:
		return "submitting"
	}
	return "unknown"
}

var (
	ErrNoTool        = errors.New("no tool selected")
	ErrWrongShape    = errors.New("target shape does not match the active tool")
	ErrNoPending     = errors.New("no pending annotation")
	ErrSubmitting    = errors.New("pending annotation is being submitted")
	ErrInvalidTool   = errors.New("unknown tool")
	ErrNotSubmitting = errors.New("pending annotation is not being submitted")
)

// Overlay is the scoped visual feedback layer of an armed tool. It is
// attached when a tool is armed and always detached when the tool is
// deselected or the manager is closed.
type Overlay interface {
	Attach(tool models.AnnotationType) error
	Show(entry *Entry)
	Detach()
}

// Entry is a client-only annotation awaiting its comment text.
type Entry struct {
	ID             uuid.UUID
	CommentID      uuid.UUID
	FileID         uuid.UUID
	AnnotationType models.AnnotationType
	Target         models.Target
	Style          *models.Style
	Viewport       *models.Viewport
	IsSubmitting   bool
	CreatedAt      time.Time
}

// Manager is the pending annotation state machine of one open file. Like
// the rest of the client it is driven from a single event loop and is not
// safe for concurrent use.
type Manager struct {
	fileID   uuid.UUID
	viewport *models.Viewport
	overlay  Overlay

	tool     models.AnnotationType
	attached bool
	entry    *Entry

	newID func() uuid.UUID
	now   func() time.Time
}

// NewManager returns an idle manager. overlay may be nil.
func NewManager(fileID uuid.UUID, viewport *models.Viewport, overlay Overlay) *Manager {
	return &Manager{
		fileID:   fileID,
		viewport: viewport,
		overlay:  overlay,
		newID:    uuid.New,
		now:      time.Now,
	}
}

// State returns the current state.
func (m *Manager) State() State {
	switch {
	case m.tool == "":
		return StateIdle
	case m.entry == nil:
		return StateArmed
	case m.entry.IsSubmitting:
		return StateSubmitting
	}
	return StatePending
}

// Tool returns the active tool, empty when idle.
func (m *Manager) Tool() models.AnnotationType { return m.tool }

// Entry returns a copy of the pending entry, or nil.
func (m *Manager) Entry() *Entry {
	if m.entry == nil {
		return nil
	}
	e := *m.entry
	return &e
}

// Select arms tool. Selecting a different tool discards the other tool's
// pending entry; re-selecting the active tool is a no-op.
func (m *Manager) Select(tool models.AnnotationType) error {
	if !tool.Valid() {
		return ErrInvalidTool
	}
	if tool == m.tool {
		return nil
	}
	m.Deselect()
	if m.overlay != nil {
		if err := m.overlay.Attach(tool); err != nil {
			return err
		}
		m.attached = true
	}
	m.tool = tool
	return nil
}

// Deselect discards any pending entry, detaches the overlay and returns to
// idle. An entry already sent to the server is dropped locally; the
// server-side operation runs to completion and arrives by broadcast.
func (m *Manager) Deselect() {
	m.entry = nil
	m.tool = ""
	m.detach()
}

// Close releases the overlay. It is safe to call more than once.
func (m *Manager) Close() { m.Deselect() }

func (m *Manager) detach() {
	if m.overlay != nil && m.attached {
		m.overlay.Show(nil)
		m.overlay.Detach()
	}
	m.attached = false
}

// Place records a new pending annotation for a resolved target, replacing an
// unsubmitted one. It fails while a submission is in flight.
func (m *Manager) Place(target models.Target, style *models.Style) (*Entry, error) {
	if m.tool == "" {
		return nil, ErrNoTool
	}
	if m.entry != nil && m.entry.IsSubmitting {
		return nil, ErrSubmitting
	}
	if target.Shape() != m.tool {
		return nil, ErrWrongShape
	}
	m.entry = &Entry{
		ID:             m.newID(),
		CommentID:      m.newID(),
		FileID:         m.fileID,
		AnnotationType: m.tool,
		Target:         target,
		Style:          style,
		Viewport:       m.viewport,
		CreatedAt:      m.now().UTC(),
	}
	m.show()
	return m.Entry(), nil
}

// Cancel discards the pending entry. Once submitted it can no longer be
// cancelled.
func (m *Manager) Cancel() error {
	if m.entry == nil {
		return ErrNoPending
	}
	if m.entry.IsSubmitting {
		return ErrSubmitting
	}
	m.entry = nil
	m.show()
	return nil
}

// Confirm marks the entry as submitting and returns the creation request.
// images is the number of image files that will be uploaded with it.
func (m *Manager) Confirm(text string, images int) (models.CreateAnnotationRequest, error) {
	if m.entry == nil {
		return models.CreateAnnotationRequest{}, ErrNoPending
	}
	if m.entry.IsSubmitting {
		return models.CreateAnnotationRequest{}, ErrSubmitting
	}

	commentID := m.entry.CommentID
	req := models.CreateAnnotationRequest{
		AnnotationID:   m.entry.ID,
		FileID:         m.entry.FileID,
		AnnotationType: m.entry.AnnotationType,
		Target:         m.entry.Target,
		Style:          m.entry.Style,
		Viewport:       m.entry.Viewport,
		CommentID:      &commentID,
		Text:           text,
	}
	if err := req.Validate(images); err != nil {
		return models.CreateAnnotationRequest{}, err
	}

	m.entry.IsSubmitting = true
	m.show()
	return req, nil
}

// Fail returns a submitting entry to pending after a failed request so the
// user can retry. Retries reuse the same ids.
func (m *Manager) Fail() error {
	if m.entry == nil || !m.entry.IsSubmitting {
		return ErrNotSubmitting
	}
	m.entry.IsSubmitting = false
	m.show()
	return nil
}

// Acknowledge handles the authoritative "created" event for annotationID.
// It reports whether it discarded the matching pending entry.
func (m *Manager) Acknowledge(annotationID uuid.UUID) bool {
	if m.entry == nil || m.entry.ID != annotationID {
		return false
	}
	m.entry = nil
	m.show()
	return true
}

func (m *Manager) show() {
	if m.overlay != nil && m.attached {
		m.overlay.Show(m.Entry())
	}
}
