package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/surface-annotator/backend/internal/attachments"
	"github.com/surface-annotator/backend/internal/geometry"
	"github.com/surface-annotator/backend/internal/models"
	"github.com/surface-annotator/backend/internal/pending"
	"github.com/surface-annotator/backend/internal/target"
)

const testToken = "test-token"

func createRequest(fileID uuid.UUID) models.CreateAnnotationRequest {
	commentID := uuid.New()
	return models.CreateAnnotationRequest{
		AnnotationID:   uuid.New(),
		FileID:         fileID,
		AnnotationType: models.AnnotationTypePoint,
		Target:         models.NewImagePoint(0.25, 0.75),
		CommentID:      &commentID,
		Text:           "misaligned",
	}
}

var testAuthor = &models.Author{ID: uuid.New(), Name: "Reviewer"}

func responseFor(req models.CreateAnnotationRequest) models.CreateAnnotationResponse {
	now := time.Now().UTC()
	comment := models.Comment{
		ID:           *req.CommentID,
		AnnotationID: req.AnnotationID,
		Text:         req.Text,
		Status:       models.CommentStatusOpen,
		ImageURLs:    []string{},
		CreatedAt:    now,
	}
	return models.CreateAnnotationResponse{
		Annotation: models.AnnotationView{
			Annotation: models.Annotation{
				ID:             req.AnnotationID,
				FileID:         req.FileID,
				AnnotationType: req.AnnotationType,
				Target:         req.Target,
				CreatedAt:      now,
				UpdatedAt:      now,
			},
			Comments: []models.CommentThread{{
				CommentView: models.CommentView{Comment: comment, Author: testAuthor},
				Replies:     []models.CommentView{},
			}},
		},
		Comment: comment,
	}
}

// imageSession opens an image file rendered 1:1 in a 1000x500 container.
func imageSession(t *testing.T, c *Client, fileID uuid.UUID) *Session {
	t.Helper()
	m, err := geometry.NewMapper(geometry.Size{Width: 1000, Height: 500}, geometry.Rect{Width: 1000, Height: 500})
	require.NoError(t, err)
	return NewSession(c, fileID, models.SurfaceImage, nil, m, nil, zap.NewNop())
}

func widePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4000, 20))
	for x := 0; x < 4000; x++ {
		for y := 0; y < 20; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestSubmit_SendsJSONWithBearerToken(t *testing.T) {
	fileID := uuid.New()
	req := createRequest(fileID)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/annotations", r.URL.Path)
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var got models.CreateAnnotationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, req.AnnotationID, got.AnnotationID)
		assert.Equal(t, models.TargetImagePoint, got.Target.Kind)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(responseFor(got))
	}))
	defer srv.Close()

	c := New(srv.URL, testToken, zap.NewNop())
	resp, err := c.Submit(t.Context(), req, nil)
	require.NoError(t, err)
	assert.Equal(t, req.AnnotationID, resp.Annotation.ID)
	assert.Equal(t, *req.CommentID, resp.Comment.ID)
}

func TestSubmit_MultipartCompressesImagesInOrder(t *testing.T) {
	fileID := uuid.New()
	req := createRequest(fileID)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(32<<20))

		var got models.CreateAnnotationRequest
		require.NoError(t, json.Unmarshal([]byte(r.MultipartForm.Value["data"][0]), &got))
		assert.Equal(t, req.AnnotationID, got.AnnotationID)

		first := r.MultipartForm.File["image_0"]
		require.Len(t, first, 1)
		assert.Equal(t, "wide.jpg", first[0].Filename)

		second := r.MultipartForm.File["image_1"]
		require.Len(t, second, 1)
		f, err := second[0].Open()
		require.NoError(t, err)
		data, _ := io.ReadAll(f)
		_ = f.Close()
		assert.Equal(t, "not an image", string(data))

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(responseFor(got))
	}))
	defer srv.Close()

	c := New(srv.URL, testToken, zap.NewNop(), WithMaxImageEdge(1024))
	_, err := c.Submit(t.Context(), req, []attachments.Image{
		{Filename: "wide.png", Data: widePNG(t)},
		{Filename: "notes.txt", Data: []byte("not an image")},
	})
	require.NoError(t, err)
}

func TestSubmit_ReturnsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: "validation_error", Field: "viewport", Message: "is required for website files"})
	}))
	defer srv.Close()

	c := New(srv.URL, testToken, zap.NewNop())
	_, err := c.Submit(t.Context(), createRequest(uuid.New()), nil)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "validation_error", apiErr.Code)
	assert.Equal(t, "viewport", apiErr.Field)
}

func TestList_PassesViewport(t *testing.T) {
	fileID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/files/"+fileID.String()+"/annotations", r.URL.Path)
		assert.Equal(t, "MOBILE", r.URL.Query().Get("viewport"))
		_ = json.NewEncoder(w).Encode(models.AnnotationsResponse{Data: []models.AnnotationView{}})
	}))
	defer srv.Close()

	vp := models.ViewportMobile
	views, err := New(srv.URL, testToken, zap.NewNop()).List(t.Context(), fileID, &vp)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func writeEvent(t *testing.T, w io.Writer, fileID uuid.UUID, kind models.EventKind, payload any) {
	t.Helper()
	ev, err := models.NewEvent(fileID, kind, payload)
	require.NoError(t, err)
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", kind, data)
}

func TestSubscribe_DeliversEventsInOrder(t *testing.T) {
	fileID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer "+testToken, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = fmt.Fprint(w, ": ping\n\n")
		writeEvent(t, w, fileID, models.EventCommentDeleted, models.Deleted{ID: uuid.New()})
		writeEvent(t, w, fileID, models.EventAnnotationDeleted, models.Deleted{ID: uuid.New()})
	}))
	defer srv.Close()

	var got []models.EventKind
	err := New(srv.URL, testToken, zap.NewNop()).Subscribe(t.Context(), fileID, func(ev models.Event) {
		assert.Equal(t, models.FileChannel(fileID), ev.Channel)
		got = append(got, ev.Event)
	})
	require.NoError(t, err)
	assert.Equal(t, []models.EventKind{models.EventCommentDeleted, models.EventAnnotationDeleted}, got)
}

func TestSubscribe_RejectedStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: "not_found"})
	}))
	defer srv.Close()

	err := New(srv.URL, testToken, zap.NewNop()).Subscribe(t.Context(), uuid.New(), func(models.Event) {})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
}

func TestReadEvents_SkipsMalformedData(t *testing.T) {
	stream := "event: comment-created\ndata: {not json\n\n" +
		"event: comment-deleted\ndata: {\"event\":\"comment-deleted\",\"data\":{}}\n\n"

	var got []models.EventKind
	err := readEvents(strings.NewReader(stream), func(ev models.Event) { got = append(got, ev.Event) }, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, []models.EventKind{models.EventCommentDeleted}, got)
}

func placePoint(t *testing.T, s *Session) *pending.Entry {
	t.Helper()
	var entry *pending.Entry
	require.NoError(t, s.Pending(func(m *pending.Manager) error {
		if err := m.Select(models.AnnotationTypePoint); err != nil {
			return err
		}
		var err error
		entry, err = m.Place(models.NewImagePoint(0.5, 0.5), nil)
		return err
	}))
	return entry
}

func pendingState(t *testing.T, s *Session) pending.State {
	var state pending.State
	require.NoError(t, s.Pending(func(m *pending.Manager) error {
		state = m.State()
		return nil
	}))
	return state
}

func TestSession_SubmitMergesResponse(t *testing.T) {
	fileID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got models.CreateAnnotationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(responseFor(got))
	}))
	defer srv.Close()

	s := imageSession(t, New(srv.URL, testToken, zap.NewNop()), fileID)
	entry := placePoint(t, s)

	resp, err := s.Submit(t.Context(), "button is clipped", nil)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, resp.Annotation.ID)
	assert.Equal(t, entry.CommentID, resp.Comment.ID)

	assert.Equal(t, pending.StateArmed, pendingState(t, s))
	views := s.Annotations()
	require.Len(t, views, 1)
	require.Len(t, views[0].Comments, 1)
	assert.Equal(t, "button is clipped", views[0].Comments[0].Text)
	assert.Equal(t, testAuthor, views[0].Comments[0].Author)
}

func TestSession_FailedSubmitKeepsEntryForRetry(t *testing.T) {
	var seen []uuid.UUID
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got models.CreateAnnotationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		seen = append(seen, got.AnnotationID)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(models.ErrorResponse{Error: "internal_error"})
	}))
	defer srv.Close()

	s := imageSession(t, New(srv.URL, testToken, zap.NewNop()), uuid.New())
	entry := placePoint(t, s)

	_, err := s.Submit(t.Context(), "first try", nil)
	require.Error(t, err)
	assert.Equal(t, pending.StatePending, pendingState(t, s))

	_, err = s.Submit(t.Context(), "second try", nil)
	require.Error(t, err)
	assert.Equal(t, []uuid.UUID{entry.ID, entry.ID}, seen)
	assert.Empty(t, s.Annotations())
}

func TestSession_FollowAcknowledgesPendingEntry(t *testing.T) {
	fileID := uuid.New()
	s := imageSession(t, New("", testToken, zap.NewNop()), fileID)
	entry := placePoint(t, s)

	var req models.CreateAnnotationRequest
	require.NoError(t, s.Pending(func(m *pending.Manager) error {
		var err error
		req, err = m.Confirm("from another tab", 0)
		return err
	}))
	resp := responseFor(req)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeEvent(t, w, fileID, models.EventCommentCreated, models.CommentView{Comment: resp.Comment})
		writeEvent(t, w, fileID, models.EventAnnotationCreated, resp.Annotation)
	}))
	defer srv.Close()
	s.client = New(srv.URL, testToken, zap.NewNop())

	require.NoError(t, s.Follow(t.Context()))

	assert.Equal(t, pending.StateArmed, pendingState(t, s))
	views := s.Annotations()
	require.Len(t, views, 1)
	assert.Equal(t, entry.ID, views[0].ID)
	require.Len(t, views[0].Comments, 1)
	assert.Equal(t, entry.CommentID, views[0].Comments[0].ID)
}

func TestSession_PlaceResolvesAgainstLatestContainer(t *testing.T) {
	s := imageSession(t, New("", testToken, zap.NewNop()), uuid.New())
	require.NoError(t, s.Pending(func(m *pending.Manager) error { return m.Select(models.AnnotationTypePoint) }))

	s.Resize(geometry.Rect{Left: 100, Top: 50, Width: 500, Height: 250})
	s.Resize(geometry.Rect{Left: 100, Top: 50, Width: 500, Height: 250})

	entry, err := s.Place(target.Interaction{Start: geometry.Point{X: 225, Y: 175}, CapturedAt: time.Now()}, nil)
	require.NoError(t, err)
	require.NotNil(t, entry.Target.Box)
	assert.InDelta(t, 0.25, entry.Target.Box.X, 1e-9)
	assert.InDelta(t, 0.5, entry.Target.Box.Y, 1e-9)
	assert.Equal(t, pending.StatePending, pendingState(t, s))
}

func TestSession_PlaceRejectsUnresolvableInteraction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
	}))
	defer srv.Close()

	tests := []struct {
		name    string
		surface models.SurfaceType
		tool    models.AnnotationType
		in      target.Interaction
		want    error
	}{
		{
			name:    "region below minimum size",
			surface: models.SurfaceImage,
			tool:    models.AnnotationTypeRegion,
			in:      target.Interaction{Start: geometry.Point{X: 100, Y: 100}, End: &geometry.Point{X: 102, Y: 300}},
			want:    target.ErrTooSmall,
		},
		{
			name:    "website point without element",
			surface: models.SurfaceWebsite,
			tool:    models.AnnotationTypePoint,
			in:      target.Interaction{Start: geometry.Point{X: 100, Y: 100}},
			want:    target.ErrMissingElement,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := geometry.NewMapper(geometry.Size{Width: 1000, Height: 500}, geometry.Rect{Width: 1000, Height: 500})
			require.NoError(t, err)
			viewport := models.ViewportDesktop
			var vp *models.Viewport
			if tt.surface == models.SurfaceWebsite {
				vp = &viewport
			}
			s := NewSession(New(srv.URL, testToken, zap.NewNop()), uuid.New(), tt.surface, vp, m, nil, zap.NewNop())
			require.NoError(t, s.Pending(func(m *pending.Manager) error { return m.Select(tt.tool) }))

			_, err = s.Place(tt.in, nil)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, pending.StateArmed, pendingState(t, s))

			_, err = s.Submit(t.Context(), "nothing to send", nil)
			require.ErrorIs(t, err, pending.ErrNoPending)
		})
	}
}

func TestSession_PlaceWithoutToolFails(t *testing.T) {
	s := imageSession(t, New("", testToken, zap.NewNop()), uuid.New())
	_, err := s.Place(target.Interaction{Start: geometry.Point{X: 1, Y: 1}}, nil)
	require.ErrorIs(t, err, pending.ErrNoTool)
}
