// Package reconcile merges authoritative broadcast events into a client's
// local view of a file's annotations.
//
// Every event is applied as insert-or-replace or remove-if-present keyed by
// entity id, so duplicated deliveries and the echo of the client's own
// writes are harmless. Ordering is last-write-wins by arrival.
package reconcile

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/surface-annotator/backend/internal/models"
)

// State is the local view of one file. It is driven from the client's event
// loop and is not safe for concurrent use.
type State struct {
	annotations map[uuid.UUID]*models.AnnotationView
	order       []uuid.UUID

	// commentOwner maps comment ids to their annotation.
	commentOwner map[uuid.UUID]uuid.UUID

	// Events that arrived before the entity they refer to.
	early       map[uuid.UUID][]models.CommentView
	earlyImages map[uuid.UUID][]string
}

// New returns an empty state.
func New() *State {
	return &State{
		annotations:  make(map[uuid.UUID]*models.AnnotationView),
		commentOwner: make(map[uuid.UUID]uuid.UUID),
		early:        make(map[uuid.UUID][]models.CommentView),
		earlyImages:  make(map[uuid.UUID][]string),
	}
}

// Load merges a full listing, typically fetched on subscribe.
func (s *State) Load(views []models.AnnotationView) {
	for _, v := range views {
		s.UpsertAnnotation(v)
	}
}

// Apply merges one broadcast event.
func (s *State) Apply(ev models.Event) error {
	switch ev.Event {
	case models.EventAnnotationCreated, models.EventAnnotationUpdated:
		var v models.AnnotationView
		if err := json.Unmarshal(ev.Data, &v); err != nil {
			return fmt.Errorf("failed to decode %s: %w", ev.Event, err)
		}
		s.UpsertAnnotation(v)
	case models.EventCommentCreated, models.EventCommentUpdated:
		var c models.CommentView
		if err := json.Unmarshal(ev.Data, &c); err != nil {
			return fmt.Errorf("failed to decode %s: %w", ev.Event, err)
		}
		s.UpsertComment(c)
	case models.EventCommentImagesAttached:
		var p models.ImagesAttached
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			return fmt.Errorf("failed to decode %s: %w", ev.Event, err)
		}
		s.AttachImages(p)
	case models.EventAnnotationDeleted:
		var d models.Deleted
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return fmt.Errorf("failed to decode %s: %w", ev.Event, err)
		}
		s.RemoveAnnotation(d.ID)
	case models.EventCommentDeleted:
		var d models.Deleted
		if err := json.Unmarshal(ev.Data, &d); err != nil {
			return fmt.Errorf("failed to decode %s: %w", ev.Event, err)
		}
		s.RemoveComment(d.ID)
	default:
		return fmt.Errorf("unknown event %q", ev.Event)
	}
	return nil
}

// UpsertAnnotation inserts v or replaces the annotation with the same id in
// place. Comments already known locally but absent from v are kept.
func (s *State) UpsertAnnotation(v models.AnnotationView) {
	incoming := v.Comments
	if existing, ok := s.annotations[v.ID]; ok {
		v.Comments = existing.Comments
	} else {
		v.Comments = nil
		s.order = append(s.order, v.ID)
	}
	if v.Comments == nil {
		v.Comments = []models.CommentThread{}
	}
	s.annotations[v.ID] = &v

	for _, thread := range incoming {
		s.UpsertComment(thread.CommentView)
		for _, reply := range thread.Replies {
			s.UpsertComment(reply)
		}
	}
	if early := s.early[v.ID]; len(early) > 0 {
		delete(s.early, v.ID)
		for _, c := range early {
			s.UpsertComment(c)
		}
	}
}

// UpsertComment inserts c under its annotation, or replaces the comment with
// the same id in place. Image URLs only ever accumulate, so a late echo of
// the creation event cannot hide images attached since. Comments for unknown
// annotations are held until the annotation arrives.
func (s *State) UpsertComment(c models.CommentView) {
	ann, ok := s.annotations[c.AnnotationID]
	if !ok {
		s.early[c.AnnotationID] = appendOrReplace(s.early[c.AnnotationID], c)
		return
	}
	if c.ImageURLs == nil {
		c.ImageURLs = []string{}
	}
	if urls, ok := s.earlyImages[c.ID]; ok {
		delete(s.earlyImages, c.ID)
		c.ImageURLs = mergeURLs(c.ImageURLs, urls)
	}
	s.commentOwner[c.ID] = ann.ID

	if c.ParentID == nil {
		for i := range ann.Comments {
			if ann.Comments[i].ID == c.ID {
				c.ImageURLs = mergeURLs(ann.Comments[i].ImageURLs, c.ImageURLs)
				ann.Comments[i].CommentView = c
				return
			}
		}
		ann.Comments = append(ann.Comments, models.CommentThread{CommentView: c, Replies: []models.CommentView{}})
		return
	}

	for i := range ann.Comments {
		if ann.Comments[i].ID == *c.ParentID {
			ann.Comments[i].Replies = appendOrReplace(ann.Comments[i].Replies, c)
			return
		}
	}
	// Parent unknown: keep the reply visible at top level.
	ann.Comments = append(ann.Comments, models.CommentThread{CommentView: c, Replies: []models.CommentView{}})
}

// AttachImages merges new image URLs into a comment without touching its
// other fields. URLs already present are not duplicated.
func (s *State) AttachImages(p models.ImagesAttached) {
	c := s.comment(p.CommentID)
	if c == nil {
		s.earlyImages[p.CommentID] = mergeURLs(s.earlyImages[p.CommentID], p.ImageURLs)
		return
	}
	c.ImageURLs = mergeURLs(c.ImageURLs, p.ImageURLs)
}

// RemoveAnnotation deletes an annotation and its comments. Unknown ids are
// ignored.
func (s *State) RemoveAnnotation(id uuid.UUID) {
	ann, ok := s.annotations[id]
	if !ok {
		delete(s.early, id)
		return
	}
	for _, thread := range ann.Comments {
		delete(s.commentOwner, thread.ID)
		for _, r := range thread.Replies {
			delete(s.commentOwner, r.ID)
		}
	}
	delete(s.annotations, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// RemoveComment deletes a comment, and the replies of a top-level comment.
// Comments still held for an annotation that has not arrived are dropped
// too. Unknown ids are ignored.
func (s *State) RemoveComment(id uuid.UUID) {
	delete(s.earlyImages, id)
	owner, ok := s.commentOwner[id]
	if !ok {
		s.dropEarly(id)
		return
	}
	delete(s.commentOwner, id)
	ann := s.annotations[owner]
	if ann == nil {
		return
	}
	for i := range ann.Comments {
		thread := &ann.Comments[i]
		if thread.ID == id {
			for _, r := range thread.Replies {
				delete(s.commentOwner, r.ID)
			}
			ann.Comments = append(ann.Comments[:i], ann.Comments[i+1:]...)
			return
		}
		for j := range thread.Replies {
			if thread.Replies[j].ID == id {
				thread.Replies = append(thread.Replies[:j], thread.Replies[j+1:]...)
				return
			}
		}
	}
}

// dropEarly removes a held comment and the replies held under it.
func (s *State) dropEarly(id uuid.UUID) {
	for annID, held := range s.early {
		kept := held[:0]
		for _, c := range held {
			if c.ID == id || (c.ParentID != nil && *c.ParentID == id) {
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(s.early, annID)
		} else {
			s.early[annID] = kept
		}
	}
}

// Annotation returns the annotation with the given id.
func (s *State) Annotation(id uuid.UUID) (models.AnnotationView, bool) {
	v, ok := s.annotations[id]
	if !ok {
		return models.AnnotationView{}, false
	}
	return *v, true
}

// Comment returns the comment with the given id.
func (s *State) Comment(id uuid.UUID) (models.CommentView, bool) {
	c := s.comment(id)
	if c == nil {
		return models.CommentView{}, false
	}
	return *c, true
}

// Len returns the number of annotations.
func (s *State) Len() int { return len(s.order) }

// Annotations returns annotations in arrival order. A non-nil viewport
// restricts the result to annotations created on that viewport.
func (s *State) Annotations(viewport *models.Viewport) []models.AnnotationView {
	out := make([]models.AnnotationView, 0, len(s.order))
	for _, id := range s.order {
		v := s.annotations[id]
		if viewport != nil && (v.Viewport == nil || *v.Viewport != *viewport) {
			continue
		}
		out = append(out, *v)
	}
	return out
}

func (s *State) comment(id uuid.UUID) *models.CommentView {
	owner, ok := s.commentOwner[id]
	if !ok {
		return nil
	}
	ann := s.annotations[owner]
	if ann == nil {
		return nil
	}
	for i := range ann.Comments {
		thread := &ann.Comments[i]
		if thread.ID == id {
			return &thread.CommentView
		}
		for j := range thread.Replies {
			if thread.Replies[j].ID == id {
				return &thread.Replies[j]
			}
		}
	}
	return nil
}

func appendOrReplace(list []models.CommentView, c models.CommentView) []models.CommentView {
	for i := range list {
		if list[i].ID == c.ID {
			c.ImageURLs = mergeURLs(list[i].ImageURLs, c.ImageURLs)
			list[i] = c
			return list
		}
	}
	return append(list, c)
}

func mergeURLs(have, add []string) []string {
	seen := make(map[string]struct{}, len(have)+len(add))
	out := make([]string, 0, len(have)+len(add))
	for _, u := range append(append([]string{}, have...), add...) {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}
