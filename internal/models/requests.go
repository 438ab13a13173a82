package models

import (
	"github.com/google/uuid"
)

// MaxImagesPerComment bounds the number of images attached to one comment.
const MaxImagesPerComment = 10

// CreateAnnotationRequest is the payload of the creation endpoint. The
// annotation id, and optionally the comment id, are generated by the client
// so that retries are idempotent.
type CreateAnnotationRequest struct {
	AnnotationID   uuid.UUID      `json:"annotationId" binding:"required"`
	FileID         uuid.UUID      `json:"fileId" binding:"required"`
	AnnotationType AnnotationType `json:"annotationType" binding:"required,oneof=POINT REGION"`
	Target         Target         `json:"target"`
	Style          *Style         `json:"style,omitempty"`
	Viewport       *Viewport      `json:"viewport,omitempty" binding:"omitempty,oneof=DESKTOP TABLET MOBILE"`
	CommentID      *uuid.UUID     `json:"commentId,omitempty"`
	Text           string         `json:"text" binding:"max=2000"`
	ImageURLs      []string       `json:"imageUrls,omitempty" binding:"omitempty,max=10,dive,url"`
}

// Validate performs structural validation that does not depend on the file.
// attached is the number of image parts uploaded with the request.
func (r *CreateAnnotationRequest) Validate(attached int) error {
	if r.AnnotationID == uuid.Nil {
		return invalid("annotationId", "is required")
	}
	if r.FileID == uuid.Nil {
		return invalid("fileId", "is required")
	}
	if !r.AnnotationType.Valid() {
		return invalid("annotationType", "must be POINT or REGION")
	}
	if err := r.Target.Validate(); err != nil {
		return err
	}
	if r.Target.Shape() != r.AnnotationType {
		return invalid("target", "%s does not describe a %s annotation", r.Target.Kind, r.AnnotationType)
	}
	if r.Viewport != nil && !r.Viewport.Valid() {
		return invalid("viewport", "must be DESKTOP, TABLET or MOBILE")
	}
	if r.CommentID != nil && *r.CommentID == uuid.Nil {
		return invalid("commentId", "must not be the nil uuid")
	}
	if err := r.Style.Validate(); err != nil {
		return err
	}
	images := attached + len(r.ImageURLs)
	if images > MaxImagesPerComment {
		return invalid("images", "at most %d images may be attached", MaxImagesPerComment)
	}
	return ValidateCommentText(r.Text, images)
}

// CheckSurface validates the parts of the request that depend on the file
// type: the target variant and the presence of a viewport.
func (r *CreateAnnotationRequest) CheckSurface(surface SurfaceType) error {
	if r.Target.Surface() != surface {
		return invalid("target", "%s cannot be placed on a %s file", r.Target.Kind, surface)
	}
	switch {
	case surface == SurfaceWebsite && r.Viewport == nil:
		return invalid("viewport", "is required for website files")
	case surface != SurfaceWebsite && r.Viewport != nil:
		return invalid("viewport", "is only allowed for website files")
	}
	return nil
}

// CreateReplyRequest is the payload for replying to a top-level comment.
type CreateReplyRequest struct {
	CommentID *uuid.UUID `json:"commentId,omitempty"`
	ParentID  uuid.UUID  `json:"parentId" binding:"required"`
	Text      string     `json:"text" binding:"max=2000"`
	ImageURLs []string   `json:"imageUrls,omitempty" binding:"omitempty,max=10,dive,url"`
}

// Validate performs structural validation of the reply.
func (r *CreateReplyRequest) Validate(attached int) error {
	if r.ParentID == uuid.Nil {
		return invalid("parentId", "is required")
	}
	if r.CommentID != nil && *r.CommentID == uuid.Nil {
		return invalid("commentId", "must not be the nil uuid")
	}
	images := attached + len(r.ImageURLs)
	if images > MaxImagesPerComment {
		return invalid("images", "at most %d images may be attached", MaxImagesPerComment)
	}
	return ValidateCommentText(r.Text, images)
}

// UpdateCommentRequest changes the workflow status of a comment.
type UpdateCommentRequest struct {
	Status CommentStatus `json:"status" binding:"required,oneof=OPEN IN_PROGRESS RESOLVED"`
}

// CreateAnnotationResponse is returned by the creation endpoint.
type CreateAnnotationResponse struct {
	Annotation AnnotationView `json:"annotation"`
	Comment    Comment        `json:"comment"`
}

// CommentResponse wraps a single comment in the API response.
type CommentResponse struct {
	Data CommentView `json:"data"`
}

// AnnotationsResponse wraps multiple annotations in the API response.
type AnnotationsResponse struct {
	Data []AnnotationView `json:"data"`
}

// ErrorResponse represents an error response from the API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message,omitempty"`
}
