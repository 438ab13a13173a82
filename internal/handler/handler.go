// Package handler provides the HTTP handlers for annotation operations.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/surface-annotator/backend/internal/attachments"
	"github.com/surface-annotator/backend/internal/auth"
	"github.com/surface-annotator/backend/internal/models"
	"github.com/surface-annotator/backend/internal/realtime"
	"github.com/surface-annotator/backend/internal/service"
)

const (
	defaultMaxUploadBytes = 32 << 20

	// Multipart layout: the JSON payload in "data", images in image_0..N.
	dataPart        = "data"
	imagePartPrefix = "image_"
)

// AnnotationService is the use-case layer behind the handlers.
type AnnotationService interface {
	CreateAnnotation(ctx context.Context, userID uuid.UUID, req *models.CreateAnnotationRequest, images []attachments.Image) (*models.CreateAnnotationResponse, error)
	ListAnnotations(ctx context.Context, userID, fileID uuid.UUID, viewport *models.Viewport) ([]models.AnnotationView, error)
	AuthorizeStream(ctx context.Context, userID, fileID uuid.UUID) error
	DeleteAnnotation(ctx context.Context, userID, id uuid.UUID) error
	CreateReply(ctx context.Context, userID, annotationID uuid.UUID, req *models.CreateReplyRequest, images []attachments.Image) (*models.CommentView, error)
	UpdateCommentStatus(ctx context.Context, userID, commentID uuid.UUID, status models.CommentStatus) (*models.CommentView, error)
	DeleteComment(ctx context.Context, userID, commentID uuid.UUID) error
}

// Handler provides HTTP handlers for annotation operations.
type Handler struct {
	svc            AnnotationService
	hub            *realtime.Hub
	requireAuth    gin.HandlerFunc
	maxUploadBytes int64
	logger         *zap.Logger
}

// NewHandler creates a new annotation handler. requireAuth must set the
// caller with auth.SetUserID.
func NewHandler(svc AnnotationService, hub *realtime.Hub, requireAuth gin.HandlerFunc, maxUploadBytes int, logger *zap.Logger) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &Handler{
		svc:            svc,
		hub:            hub,
		requireAuth:    requireAuth,
		maxUploadBytes: int64(maxUploadBytes),
		logger:         logger,
	}
}

// RegisterRoutes registers the handler routes on the given router group.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	api := rg.Group("", h.requireAuth)

	api.POST("/annotations", h.CreateAnnotation)
	api.DELETE("/annotations/:id", h.DeleteAnnotation)
	api.POST("/annotations/:id/comments", h.CreateReply)
	api.PATCH("/comments/:id", h.UpdateComment)
	api.DELETE("/comments/:id", h.DeleteComment)
	api.GET("/files/:fileId/annotations", h.ListAnnotations)
	api.GET("/files/:fileId/events", h.Events)
}

// CreateAnnotation handles the creation of an annotation with its first
// comment. The body is either JSON, or multipart with the JSON in the
// "data" part and images in image_0..N.
// @Summary Create annotation
// @Tags annotations
// @Accept json,mpfd
// @Produce json
// @Success 201 {object} models.CreateAnnotationResponse
// @Failure 400,403,404,409 {object} models.ErrorResponse
// @Router /api/v1/annotations [post]
func (h *Handler) CreateAnnotation(c *gin.Context) {
	var req models.CreateAnnotationRequest
	images, err := h.bind(c, &req)
	if err != nil {
		h.badRequest(c, err)
		return
	}

	resp, err := h.svc.CreateAnnotation(c.Request.Context(), userID(c), &req, images)
	if err != nil {
		h.writeError(c, err, "failed to create annotation")
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// ListAnnotations returns a file's annotations with their comment threads.
// @Summary List annotations of a file
// @Tags annotations
// @Produce json
// @Param fileId path string true "File ID"
// @Param viewport query string false "DESKTOP, TABLET or MOBILE"
// @Success 200 {object} models.AnnotationsResponse
// @Router /api/v1/files/{fileId}/annotations [get]
func (h *Handler) ListAnnotations(c *gin.Context) {
	fileID, ok := h.pathID(c, "fileId")
	if !ok {
		return
	}

	var viewport *models.Viewport
	if v := strings.TrimSpace(c.Query("viewport")); v != "" {
		vp := models.Viewport(strings.ToUpper(v))
		viewport = &vp
	}

	views, err := h.svc.ListAnnotations(c.Request.Context(), userID(c), fileID, viewport)
	if err != nil {
		h.writeError(c, err, "failed to retrieve annotations")
		return
	}

	c.JSON(http.StatusOK, models.AnnotationsResponse{Data: views})
}

// DeleteAnnotation handles deleting an annotation and its comments.
// @Summary Delete annotation
// @Tags annotations
// @Param id path string true "Annotation ID"
// @Success 204 "No Content"
// @Router /api/v1/annotations/{id} [delete]
func (h *Handler) DeleteAnnotation(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}

	if err := h.svc.DeleteAnnotation(c.Request.Context(), userID(c), id); err != nil {
		h.writeError(c, err, "failed to delete annotation")
		return
	}

	c.Status(http.StatusNoContent)
}

// CreateReply handles replying to a top-level comment of an annotation.
// @Summary Reply to a comment
// @Tags comments
// @Accept json,mpfd
// @Produce json
// @Param id path string true "Annotation ID"
// @Success 201 {object} models.CommentResponse
// @Router /api/v1/annotations/{id}/comments [post]
func (h *Handler) CreateReply(c *gin.Context) {
	annotationID, ok := h.pathID(c, "id")
	if !ok {
		return
	}

	var req models.CreateReplyRequest
	images, err := h.bind(c, &req)
	if err != nil {
		h.badRequest(c, err)
		return
	}

	view, err := h.svc.CreateReply(c.Request.Context(), userID(c), annotationID, &req, images)
	if err != nil {
		h.writeError(c, err, "failed to create reply")
		return
	}

	c.JSON(http.StatusCreated, models.CommentResponse{Data: *view})
}

// UpdateComment handles comment status changes.
// @Summary Update comment status
// @Tags comments
// @Accept json
// @Produce json
// @Param id path string true "Comment ID"
// @Success 200 {object} models.CommentResponse
// @Router /api/v1/comments/{id} [patch]
func (h *Handler) UpdateComment(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}

	var req models.UpdateCommentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	view, err := h.svc.UpdateCommentStatus(c.Request.Context(), userID(c), id, req.Status)
	if err != nil {
		h.writeError(c, err, "failed to update comment")
		return
	}

	c.JSON(http.StatusOK, models.CommentResponse{Data: *view})
}

// DeleteComment handles deleting a comment and its replies.
// @Summary Delete comment
// @Tags comments
// @Param id path string true "Comment ID"
// @Success 204 "No Content"
// @Router /api/v1/comments/{id} [delete]
func (h *Handler) DeleteComment(c *gin.Context) {
	id, ok := h.pathID(c, "id")
	if !ok {
		return
	}

	if err := h.svc.DeleteComment(c.Request.Context(), userID(c), id); err != nil {
		h.writeError(c, err, "failed to delete comment")
		return
	}

	c.Status(http.StatusNoContent)
}

// Events streams a file's events as server-sent events.
// @Summary Subscribe to file events
// @Tags realtime
// @Produce text/event-stream
// @Param fileId path string true "File ID"
// @Router /api/v1/files/{fileId}/events [get]
func (h *Handler) Events(c *gin.Context) {
	fileID, ok := h.pathID(c, "fileId")
	if !ok {
		return
	}

	user := userID(c)
	if err := h.svc.AuthorizeStream(c.Request.Context(), user, fileID); err != nil {
		h.writeError(c, err, "failed to subscribe")
		return
	}

	client := h.hub.NewClient(user)
	h.hub.Subscribe(client, models.FileChannel(fileID))
	defer h.hub.CloseClient(client)

	h.logger.Debug("Event stream opened",
		zap.String("file_id", fileID.String()),
		zap.String("client_id", client.ID.String()),
	)
	h.hub.ServeHTTP(c.Writer, c.Request, client)
}

// bind decodes a JSON or multipart body into req and returns the uploaded
// images in index order.
func (h *Handler) bind(c *gin.Context, req any) ([]attachments.Image, error) {
	if c.ContentType() != binding.MIMEMultipartPOSTForm {
		return nil, c.ShouldBindJSON(req)
	}

	if err := c.Request.ParseMultipartForm(h.maxUploadBytes); err != nil {
		return nil, fmt.Errorf("invalid multipart body: %w", err)
	}
	form := c.Request.MultipartForm

	data := form.Value[dataPart]
	if len(data) == 0 {
		return nil, fmt.Errorf("missing %q part", dataPart)
	}
	if err := json.Unmarshal([]byte(data[0]), req); err != nil {
		return nil, fmt.Errorf("invalid %q part: %w", dataPart, err)
	}
	if err := binding.Validator.ValidateStruct(req); err != nil {
		return nil, err
	}

	return readImages(form)
}

func readImages(form *multipart.Form) ([]attachments.Image, error) {
	type part struct {
		index int
		file  *multipart.FileHeader
	}
	var parts []part
	for name, files := range form.File {
		if !strings.HasPrefix(name, imagePartPrefix) || len(files) == 0 {
			continue
		}
		index, err := strconv.Atoi(strings.TrimPrefix(name, imagePartPrefix))
		if err != nil || index < 0 {
			return nil, fmt.Errorf("invalid image part %q", name)
		}
		parts = append(parts, part{index, files[0]})
	}
	if len(parts) > models.MaxImagesPerComment {
		return nil, &models.ValidationError{Field: "images", Message: fmt.Sprintf("at most %d images may be attached", models.MaxImagesPerComment)}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].index < parts[j].index })

	images := make([]attachments.Image, 0, len(parts))
	for _, p := range parts {
		f, err := p.file.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s%d: %w", imagePartPrefix, p.index, err)
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s%d: %w", imagePartPrefix, p.index, err)
		}
		images = append(images, attachments.Image{Filename: p.file.Filename, Data: data})
	}
	return images, nil
}

func (h *Handler) pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "invalid_request",
			Field:   name,
			Message: "must be a UUID",
		})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	h.logger.Warn("Invalid request", zap.String("path", c.FullPath()), zap.Error(err))
	resp := models.ErrorResponse{Error: "invalid_request", Message: err.Error()}
	var verr *models.ValidationError
	if errors.As(err, &verr) {
		resp.Field, resp.Message = verr.Field, verr.Message
	}
	c.JSON(http.StatusBadRequest, resp)
}

// writeError maps service errors onto status codes.
func (h *Handler) writeError(c *gin.Context, err error, internalMessage string) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid_request", Field: verr.Field, Message: verr.Message})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "not_found", Message: "resource not found"})
	case errors.Is(err, service.ErrLocked):
		c.JSON(http.StatusForbidden, models.ErrorResponse{Error: "locked", Message: "file revision is signed off"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, models.ErrorResponse{Error: "forbidden", Message: "insufficient permissions"})
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, models.ErrorResponse{Error: "conflict", Message: "id already used by another resource"})
	default:
		h.logger.Error(internalMessage, zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "internal_error", Message: internalMessage})
	}
}

func userID(c *gin.Context) uuid.UUID {
	id, _ := auth.UserID(c)
	return id
}
