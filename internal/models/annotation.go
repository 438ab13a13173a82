// Package models contains the data models shared by the annotation service
// and its collaborating clients.
package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// AnnotationType is the shape of an annotation.
type AnnotationType string

const (
	AnnotationTypePoint  AnnotationType = "POINT"
	AnnotationTypeRegion AnnotationType = "REGION"
)

// Valid reports whether t is a known annotation type.
func (t AnnotationType) Valid() bool {
	return t == AnnotationTypePoint || t == AnnotationTypeRegion
}

// Viewport is one of the fixed website rendering presets.
type Viewport string

const (
	ViewportDesktop Viewport = "DESKTOP"
	ViewportTablet  Viewport = "TABLET"
	ViewportMobile  Viewport = "MOBILE"
)

// Valid reports whether v is a known viewport preset.
func (v Viewport) Valid() bool {
	switch v {
	case ViewportDesktop, ViewportTablet, ViewportMobile:
		return true
	}
	return false
}

// SurfaceType is the kind of rendered content a file holds.
type SurfaceType string

const (
	SurfaceImage   SurfaceType = "IMAGE"
	SurfaceWebsite SurfaceType = "WEBSITE"
)

// CommentStatus is the workflow state of a comment thread.
type CommentStatus string

const (
	CommentStatusOpen       CommentStatus = "OPEN"
	CommentStatusInProgress CommentStatus = "IN_PROGRESS"
	CommentStatusResolved   CommentStatus = "RESOLVED"
)

// Valid reports whether s is a known comment status.
func (s CommentStatus) Valid() bool {
	switch s {
	case CommentStatusOpen, CommentStatusInProgress, CommentStatusResolved:
		return true
	}
	return false
}

// MaxCommentLength is the maximum comment text length in characters.
const MaxCommentLength = 2000

// Style holds optional presentation attributes of an annotation.
type Style struct {
	Color       string  `json:"color,omitempty"`
	Opacity     float64 `json:"opacity,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
}

// Annotation is a persisted spatial annotation on a file.
type Annotation struct {
	ID             uuid.UUID      `json:"id"`
	FileID         uuid.UUID      `json:"fileId"`
	AuthorID       uuid.UUID      `json:"authorId"`
	AnnotationType AnnotationType `json:"annotationType"`
	Target         Target         `json:"target"`
	Style          *Style         `json:"style,omitempty"`
	Viewport       *Viewport      `json:"viewport,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// Comment is a single comment row. Replies reference their top-level
// comment through ParentID and never nest further.
type Comment struct {
	ID           uuid.UUID     `json:"id"`
	AnnotationID uuid.UUID     `json:"annotationId"`
	AuthorID     uuid.UUID     `json:"authorId"`
	Text         string        `json:"text"`
	Status       CommentStatus `json:"status"`
	ImageURLs    []string      `json:"imageUrls"`
	ParentID     *uuid.UUID    `json:"parentId"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// Author is the public profile of a user shown next to their content.
type Author struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email,omitempty"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
}

// CommentView is a comment together with its author.
type CommentView struct {
	Comment
	Author *Author `json:"author,omitempty"`
}

// CommentThread is a top-level comment and its direct replies.
type CommentThread struct {
	CommentView
	Replies []CommentView `json:"replies"`
}

// AnnotationView is the read model of an annotation sent to clients.
type AnnotationView struct {
	Annotation
	Author   *Author         `json:"author,omitempty"`
	Comments []CommentThread `json:"comments"`
}

// BuildThreads groups flat comment rows into one level of replies, ordered
// by creation time. A reply whose parent is missing is kept as a top-level
// comment so it is never lost.
func BuildThreads(comments []CommentView) []CommentThread {
	sorted := make([]CommentView, len(comments))
	copy(sorted, comments)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	index := make(map[uuid.UUID]int)
	threads := make([]CommentThread, 0, len(sorted))
	for _, c := range sorted {
		if c.ParentID == nil {
			index[c.ID] = len(threads)
			threads = append(threads, CommentThread{CommentView: c, Replies: []CommentView{}})
		}
	}
	for _, c := range sorted {
		if c.ParentID == nil {
			continue
		}
		if i, ok := index[*c.ParentID]; ok {
			threads[i].Replies = append(threads[i].Replies, c)
			continue
		}
		threads = append(threads, CommentThread{CommentView: c, Replies: []CommentView{}})
	}
	return threads
}

// Role is a project membership level.
type Role string

const (
	RoleViewer    Role = "VIEWER"
	RoleCommenter Role = "COMMENTER"
	RoleEditor    Role = "EDITOR"
	RoleOwner     Role = "OWNER"
)

func (r Role) rank() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleCommenter:
		return 2
	case RoleEditor:
		return 3
	case RoleOwner:
		return 4
	}
	return 0
}

// AtLeast reports whether r grants at least the access of need.
func (r Role) AtLeast(need Role) bool {
	return r.rank() > 0 && r.rank() >= need.rank()
}

// FileAccess describes what a user may do with a file.
type FileAccess struct {
	FileID    uuid.UUID   `json:"fileId"`
	ProjectID uuid.UUID   `json:"projectId"`
	Surface   SurfaceType `json:"surface"`
	Role      Role        `json:"role"`
	Locked    bool        `json:"locked"`
}
