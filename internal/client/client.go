// Package client is a Go client for the annotation API. It submits
// annotations, lists them and follows a file's event stream.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/surface-annotator/backend/internal/attachments"
	"github.com/surface-annotator/backend/internal/imaging"
	"github.com/surface-annotator/backend/internal/models"
)

const apiPrefix = "/api/v1"

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status  int
	Code    string
	Field   string
	Message string
}

func (e *APIError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%d %s: %s %s", e.Status, e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

// Client talks to the gateway or a handler directly.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxEdge    int
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for requests. Event streams
// use it too, so it should not carry a timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithMaxImageEdge sets the longest edge images are scaled to before upload.
func WithMaxImageEdge(px int) Option {
	return func(c *Client) { c.maxEdge = px }
}

// New creates a client for baseURL authenticating with a bearer token.
func New(baseURL, token string, logger *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
		maxEdge:    imaging.DefaultMaxEdge,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit creates an annotation with its first comment. Images are
// compressed and sent as multipart parts image_0..N in order.
func (c *Client) Submit(ctx context.Context, req models.CreateAnnotationRequest, images []attachments.Image) (*models.CreateAnnotationResponse, error) {
	var resp models.CreateAnnotationResponse
	if err := c.send(ctx, http.MethodPost, "/annotations", req, images, http.StatusCreated, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Reply adds a reply under a top-level comment of annotationID.
func (c *Client) Reply(ctx context.Context, annotationID uuid.UUID, req models.CreateReplyRequest, images []attachments.Image) (*models.CommentView, error) {
	var resp models.CommentResponse
	p := "/annotations/" + annotationID.String() + "/comments"
	if err := c.send(ctx, http.MethodPost, p, req, images, http.StatusCreated, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// UpdateStatus changes a comment's workflow status.
func (c *Client) UpdateStatus(ctx context.Context, commentID uuid.UUID, status models.CommentStatus) (*models.CommentView, error) {
	var resp models.CommentResponse
	body := models.UpdateCommentRequest{Status: status}
	if err := c.send(ctx, http.MethodPatch, "/comments/"+commentID.String(), body, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// DeleteAnnotation removes an annotation and its comments.
func (c *Client) DeleteAnnotation(ctx context.Context, id uuid.UUID) error {
	return c.send(ctx, http.MethodDelete, "/annotations/"+id.String(), nil, nil, http.StatusNoContent, nil)
}

// DeleteComment removes a comment and its replies.
func (c *Client) DeleteComment(ctx context.Context, id uuid.UUID) error {
	return c.send(ctx, http.MethodDelete, "/comments/"+id.String(), nil, nil, http.StatusNoContent, nil)
}

// List returns a file's annotations, filtered by viewport when given.
func (c *Client) List(ctx context.Context, fileID uuid.UUID, viewport *models.Viewport) ([]models.AnnotationView, error) {
	p := "/files/" + fileID.String() + "/annotations"
	if viewport != nil {
		p += "?viewport=" + url.QueryEscape(string(*viewport))
	}
	var resp models.AnnotationsResponse
	if err := c.send(ctx, http.MethodGet, p, nil, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Subscribe reads the file's event stream and calls onEvent for every
// event, in arrival order, until ctx ends or the server closes the stream.
// A stream closed by the server returns nil.
func (c *Client) Subscribe(ctx context.Context, fileID uuid.UUID, onEvent func(models.Event)) error {
	req, err := c.newRequest(ctx, http.MethodGet, "/files/"+fileID.String()+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	err = readEvents(resp.Body, func(ev models.Event) {
		if ev.Channel == "" {
			ev.Channel = models.FileChannel(fileID)
		}
		onEvent(ev)
	}, c.logger)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readEvents parses a text/event-stream body. Comment lines are heartbeats.
func readEvents(r io.Reader, onEvent func(models.Event), logger *zap.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)

	var kind string
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				var ev models.Event
				if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
					logger.Warn("Dropping malformed event", zap.String("event", kind), zap.Error(err))
				} else {
					if ev.Event == "" {
						ev.Event = models.EventKind(kind)
					}
					onEvent(ev)
				}
			}
			kind = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "event:"):
			kind = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to read event stream: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, p string, body any, images []attachments.Image, want int, out any) error {
	var (
		payload     io.Reader
		contentType string
	)
	switch {
	case len(images) > 0:
		buf, ct, err := c.multipartBody(body, images)
		if err != nil {
			return err
		}
		payload, contentType = buf, ct
	case body != nil:
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		payload, contentType = bytes.NewReader(data), "application/json"
	}

	req, err := c.newRequest(ctx, method, p, payload)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", method, p, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("API request",
		zap.String("method", method),
		zap.String("path", p),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode != want {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// multipartBody writes the JSON payload into "data" and each image,
// compressed, into image_<index>.
func (c *Client) multipartBody(body any, images []attachments.Image) (*bytes.Buffer, string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode request: %w", err)
	}

	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	if err := mw.WriteField("data", string(data)); err != nil {
		return nil, "", err
	}
	for i, img := range images {
		compressed := imaging.Compress(img.Data, c.maxEdge)
		name := strings.TrimSuffix(img.Filename, path.Ext(img.Filename)) + compressed.Ext
		if img.Filename == "" {
			name = fmt.Sprintf("image-%d%s", i, compressed.Ext)
		}
		w, err := mw.CreateFormFile(fmt.Sprintf("image_%d", i), name)
		if err != nil {
			return nil, "", err
		}
		if _, err := w.Write(compressed.Data); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf, mw.FormDataContentType(), nil
}

func (c *Client) newRequest(ctx context.Context, method, p string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+p, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body models.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil {
		apiErr.Code = body.Error
		apiErr.Field = body.Field
		apiErr.Message = body.Message
	}
	if apiErr.Code == "" {
		apiErr.Code = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
