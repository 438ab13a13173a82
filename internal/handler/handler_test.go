package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/surface-annotator/backend/internal/attachments"
	"github.com/surface-annotator/backend/internal/auth"
	"github.com/surface-annotator/backend/internal/models"
	"github.com/surface-annotator/backend/internal/realtime"
	"github.com/surface-annotator/backend/internal/service"
)

// MockService implements AnnotationService for testing
type MockService struct {
	mock.Mock
}

func (m *MockService) CreateAnnotation(ctx context.Context, userID uuid.UUID, req *models.CreateAnnotationRequest, images []attachments.Image) (*models.CreateAnnotationResponse, error) {
	args := m.Called(ctx, userID, req, images)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CreateAnnotationResponse), args.Error(1)
}

func (m *MockService) ListAnnotations(ctx context.Context, userID, fileID uuid.UUID, viewport *models.Viewport) ([]models.AnnotationView, error) {
	args := m.Called(ctx, userID, fileID, viewport)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.AnnotationView), args.Error(1)
}

func (m *MockService) AuthorizeStream(ctx context.Context, userID, fileID uuid.UUID) error {
	return m.Called(ctx, userID, fileID).Error(0)
}

func (m *MockService) DeleteAnnotation(ctx context.Context, userID, id uuid.UUID) error {
	return m.Called(ctx, userID, id).Error(0)
}

func (m *MockService) CreateReply(ctx context.Context, userID, annotationID uuid.UUID, req *models.CreateReplyRequest, images []attachments.Image) (*models.CommentView, error) {
	args := m.Called(ctx, userID, annotationID, req, images)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CommentView), args.Error(1)
}

func (m *MockService) UpdateCommentStatus(ctx context.Context, userID, commentID uuid.UUID, status models.CommentStatus) (*models.CommentView, error) {
	args := m.Called(ctx, userID, commentID, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.CommentView), args.Error(1)
}

func (m *MockService) DeleteComment(ctx context.Context, userID, commentID uuid.UUID) error {
	return m.Called(ctx, userID, commentID).Error(0)
}

type testEnv struct {
	engine *gin.Engine
	svc    *MockService
	hub    *realtime.Hub
	user   uuid.UUID
	token  string
}

func setupTestHandler(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop()
	authenticator := auth.NewAuthenticator("test-secret", logger)
	user := uuid.New()
	token, err := authenticator.Issue(user, time.Hour)
	require.NoError(t, err)

	svc := new(MockService)
	hub := realtime.NewHub(logger)
	handler := NewHandler(svc, hub, authenticator.RequireAuth(), 0, logger)

	engine := gin.New()
	rg := engine.Group("/api/v1")
	handler.RegisterRoutes(rg)

	return &testEnv{engine: engine, svc: svc, hub: hub, user: user, token: token}
}

func (e *testEnv) do(method, path, contentType string, body *bytes.Buffer) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+e.token)
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

func createBody(annotationID, fileID uuid.UUID) string {
	return fmt.Sprintf(`{
		"annotationId": %q,
		"fileId": %q,
		"annotationType": "POINT",
		"target": {"kind": "image_point", "x": 0.5, "y": 0.5, "w": 0, "h": 0},
		"text": "fix alignment"
	}`, annotationID, fileID)
}

func TestCreateAnnotation_JSON(t *testing.T) {
	env := setupTestHandler(t)
	annotationID, fileID := uuid.New(), uuid.New()

	expected := &models.CreateAnnotationResponse{
		Annotation: models.AnnotationView{Annotation: models.Annotation{ID: annotationID, FileID: fileID}},
		Comment:    models.Comment{ID: uuid.New(), AnnotationID: annotationID, Text: "fix alignment"},
	}
	env.svc.On("CreateAnnotation", mock.Anything, env.user, mock.MatchedBy(func(req *models.CreateAnnotationRequest) bool {
		return req.AnnotationID == annotationID && req.FileID == fileID &&
			req.Target.Kind == models.TargetImagePoint && req.Text == "fix alignment"
	}), []attachments.Image(nil)).Return(expected, nil)

	w := env.do(http.MethodPost, "/api/v1/annotations", "application/json", bytes.NewBufferString(createBody(annotationID, fileID)))

	assert.Equal(t, http.StatusCreated, w.Code)
	var response models.CreateAnnotationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, annotationID, response.Annotation.ID)
	assert.Equal(t, expected.Comment.ID, response.Comment.ID)
	env.svc.AssertExpectations(t)
}

func TestCreateAnnotation_InvalidRequest(t *testing.T) {
	env := setupTestHandler(t)

	w := env.do(http.MethodPost, "/api/v1/annotations", "application/json", bytes.NewBufferString(`{"text": "no ids"}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	env.svc.AssertNotCalled(t, "CreateAnnotation", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateAnnotation_UnknownTargetKind(t *testing.T) {
	env := setupTestHandler(t)
	body := strings.Replace(createBody(uuid.New(), uuid.New()), "image_point", "image_blob", 1)

	w := env.do(http.MethodPost, "/api/v1/annotations", "application/json", bytes.NewBufferString(body))

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateAnnotation_Multipart(t *testing.T) {
	env := setupTestHandler(t)
	annotationID, fileID := uuid.New(), uuid.New()

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("data", createBody(annotationID, fileID)))
	for _, name := range []string{"image_1", "image_0"} {
		part, err := mw.CreateFormFile(name, name+".png")
		require.NoError(t, err)
		_, _ = part.Write([]byte("bytes of " + name))
	}
	require.NoError(t, mw.Close())

	env.svc.On("CreateAnnotation", mock.Anything, env.user, mock.Anything, mock.MatchedBy(func(images []attachments.Image) bool {
		return len(images) == 2 &&
			images[0].Filename == "image_0.png" && string(images[0].Data) == "bytes of image_0" &&
			images[1].Filename == "image_1.png"
	})).Return(&models.CreateAnnotationResponse{}, nil)

	w := env.do(http.MethodPost, "/api/v1/annotations", mw.FormDataContentType(), body)

	assert.Equal(t, http.StatusCreated, w.Code)
	env.svc.AssertExpectations(t)
}

func TestCreateAnnotation_MultipartWithoutData(t *testing.T) {
	env := setupTestHandler(t)

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	require.NoError(t, mw.WriteField("other", "x"))
	require.NoError(t, mw.Close())

	w := env.do(http.MethodPost, "/api/v1/annotations", mw.FormDataContentType(), body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateAnnotation_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &models.ValidationError{Field: "viewport", Message: "is required for website files"}, http.StatusBadRequest, "invalid_request"},
		{"not found", service.ErrNotFound, http.StatusNotFound, "not_found"},
		{"forbidden", service.ErrForbidden, http.StatusForbidden, "forbidden"},
		{"locked", service.ErrLocked, http.StatusForbidden, "locked"},
		{"conflict", fmt.Errorf("%w: annotation", service.ErrConflict), http.StatusConflict, "conflict"},
		{"internal", errors.New("connection reset"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestHandler(t)
			env.svc.On("CreateAnnotation", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, tt.err)

			w := env.do(http.MethodPost, "/api/v1/annotations", "application/json", bytes.NewBufferString(createBody(uuid.New(), uuid.New())))

			assert.Equal(t, tt.status, w.Code)
			var response models.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
			assert.Equal(t, tt.code, response.Error)
		})
	}
}

func TestCreateAnnotation_ValidationFieldReported(t *testing.T) {
	env := setupTestHandler(t)
	env.svc.On("CreateAnnotation", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &models.ValidationError{Field: "target", Message: "bad"})

	w := env.do(http.MethodPost, "/api/v1/annotations", "application/json", bytes.NewBufferString(createBody(uuid.New(), uuid.New())))

	var response models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "target", response.Field)
}

func TestRequiresAuthentication(t *testing.T) {
	env := setupTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/files/"+uuid.NewString()+"/annotations", nil)
	w := httptest.NewRecorder()
	env.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	env.svc.AssertNotCalled(t, "ListAnnotations", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestListAnnotations(t *testing.T) {
	env := setupTestHandler(t)
	fileID := uuid.New()
	mobile := models.ViewportMobile

	env.svc.On("ListAnnotations", mock.Anything, env.user, fileID, &mobile).
		Return([]models.AnnotationView{{Annotation: models.Annotation{ID: uuid.New(), Viewport: &mobile}}}, nil)

	w := env.do(http.MethodGet, "/api/v1/files/"+fileID.String()+"/annotations?viewport=mobile", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var response models.AnnotationsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Len(t, response.Data, 1)
	env.svc.AssertExpectations(t)
}

func TestListAnnotations_InvalidFileID(t *testing.T) {
	env := setupTestHandler(t)

	w := env.do(http.MethodGet, "/api/v1/files/not-a-uuid/annotations", "", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "fileId")
}

func TestDeleteAnnotation(t *testing.T) {
	env := setupTestHandler(t)
	id := uuid.New()
	env.svc.On("DeleteAnnotation", mock.Anything, env.user, id).Return(nil)

	w := env.do(http.MethodDelete, "/api/v1/annotations/"+id.String(), "", nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	env.svc.AssertExpectations(t)
}

func TestDeleteAnnotation_NotFound(t *testing.T) {
	env := setupTestHandler(t)
	env.svc.On("DeleteAnnotation", mock.Anything, env.user, mock.Anything).Return(service.ErrNotFound)

	w := env.do(http.MethodDelete, "/api/v1/annotations/"+uuid.NewString(), "", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateReply(t *testing.T) {
	env := setupTestHandler(t)
	annotationID, parentID := uuid.New(), uuid.New()
	reply := &models.CommentView{Comment: models.Comment{ID: uuid.New(), AnnotationID: annotationID, ParentID: &parentID, Text: "done"}}

	env.svc.On("CreateReply", mock.Anything, env.user, annotationID, mock.MatchedBy(func(req *models.CreateReplyRequest) bool {
		return req.ParentID == parentID && req.Text == "done"
	}), []attachments.Image(nil)).Return(reply, nil)

	body := fmt.Sprintf(`{"parentId": %q, "text": "done"}`, parentID)
	w := env.do(http.MethodPost, "/api/v1/annotations/"+annotationID.String()+"/comments", "application/json", bytes.NewBufferString(body))

	assert.Equal(t, http.StatusCreated, w.Code)
	var response models.CommentResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, reply.ID, response.Data.ID)
	assert.Equal(t, parentID, *response.Data.ParentID)
}

func TestUpdateComment(t *testing.T) {
	env := setupTestHandler(t)
	id := uuid.New()
	env.svc.On("UpdateCommentStatus", mock.Anything, env.user, id, models.CommentStatusResolved).
		Return(&models.CommentView{Comment: models.Comment{ID: id, Status: models.CommentStatusResolved}}, nil)

	w := env.do(http.MethodPatch, "/api/v1/comments/"+id.String(), "application/json", bytes.NewBufferString(`{"status": "RESOLVED"}`))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"RESOLVED"`)
}

func TestUpdateComment_InvalidStatus(t *testing.T) {
	env := setupTestHandler(t)

	w := env.do(http.MethodPatch, "/api/v1/comments/"+uuid.NewString(), "application/json", bytes.NewBufferString(`{"status": "DONE"}`))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	env.svc.AssertNotCalled(t, "UpdateCommentStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDeleteComment_Forbidden(t *testing.T) {
	env := setupTestHandler(t)
	env.svc.On("DeleteComment", mock.Anything, env.user, mock.Anything).Return(service.ErrForbidden)

	w := env.do(http.MethodDelete, "/api/v1/comments/"+uuid.NewString(), "", nil)

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestEvents_Unauthorized(t *testing.T) {
	env := setupTestHandler(t)
	env.svc.On("AuthorizeStream", mock.Anything, env.user, mock.Anything).Return(service.ErrNotFound)

	w := env.do(http.MethodGet, "/api/v1/files/"+uuid.NewString()+"/events", "", nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEvents_Streams(t *testing.T) {
	env := setupTestHandler(t)
	fileID := uuid.New()
	env.svc.On("AuthorizeStream", mock.Anything, env.user, fileID).Return(nil)

	server := httptest.NewServer(env.engine)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		server.URL+"/api/v1/files/"+fileID.String()+"/events?token="+env.token, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	ev, err := models.NewEvent(fileID, models.EventAnnotationDeleted, models.Deleted{ID: uuid.New()})
	require.NoError(t, err)
	env.hub.Broadcast(ev)

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: annotation-deleted\n", line)
}
