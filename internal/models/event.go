package models

import (
	"encoding/json"

	"github.com/google/uuid"
)

// EventKind names a broadcast event.
type EventKind string

const (
	EventAnnotationCreated     EventKind = "annotation-created"
	EventAnnotationUpdated     EventKind = "annotation-updated"
	EventAnnotationDeleted     EventKind = "annotation-deleted"
	EventCommentCreated        EventKind = "comment-created"
	EventCommentUpdated        EventKind = "comment-updated"
	EventCommentDeleted        EventKind = "comment-deleted"
	EventCommentImagesAttached EventKind = "comment-images-attached"
)

// Event is one message on a per-file broadcast channel.
type Event struct {
	Channel string          `json:"channel"`
	Event   EventKind       `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// FileChannel returns the broadcast channel name of a file.
func FileChannel(fileID uuid.UUID) string {
	return "file:" + fileID.String()
}

// NewEvent encodes payload as an event on the file's channel.
func NewEvent(fileID uuid.UUID, kind EventKind, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Channel: FileChannel(fileID), Event: kind, Data: data}, nil
}

// ImagesAttached is the payload of comment-images-attached. It carries only
// the new URLs, not the full comment.
type ImagesAttached struct {
	AnnotationID uuid.UUID `json:"annotationId"`
	CommentID    uuid.UUID `json:"commentId"`
	ImageURLs    []string  `json:"imageUrls"`
}

// Deleted is the payload of the deletion events.
type Deleted struct {
	ID           uuid.UUID `json:"id"`
	AnnotationID uuid.UUID `json:"annotationId"`
}
