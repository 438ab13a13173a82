// Package attachments uploads the images of a committed comment and records
// the ones that made it.
package attachments

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/surface-annotator/backend/internal/config"
	"github.com/surface-annotator/backend/internal/imaging"
	"github.com/surface-annotator/backend/internal/models"
	"github.com/surface-annotator/backend/internal/storage"
)

// DefaultUploadTimeout bounds a single image upload.
const DefaultUploadTimeout = 30 * time.Second

var tracer = otel.Tracer("github.com/surface-annotator/backend/internal/attachments")

// Image is one uploaded image part.
type Image struct {
	Filename string
	Data     []byte
}

// Store persists the URLs of uploaded images.
type Store interface {
	AppendCommentImages(ctx context.Context, commentID uuid.UUID, urls []string) ([]string, error)
}

// Publisher announces attached images.
type Publisher interface {
	Publish(ctx context.Context, fileID uuid.UUID, kind models.EventKind, payload any)
}

// Pipeline uploads images in parallel. Each image succeeds or fails on its
// own; failures are logged and skipped.
type Pipeline struct {
	objects   storage.ObjectStore
	store     Store
	publisher Publisher
	logger    *zap.Logger
	timeout   time.Duration
	maxEdge   int
}

// NewPipeline creates a pipeline.
func NewPipeline(objects storage.ObjectStore, store Store, publisher Publisher, cfg *config.Config, logger *zap.Logger) *Pipeline {
	timeout := cfg.UploadTimeout
	if timeout <= 0 {
		timeout = DefaultUploadTimeout
	}
	return &Pipeline{
		objects:   objects,
		store:     store,
		publisher: publisher,
		logger:    logger,
		timeout:   timeout,
		maxEdge:   cfg.MaxImageEdge,
	}
}

// Target identifies the comment the images belong to.
type Target struct {
	FileID       uuid.UUID
	AnnotationID uuid.UUID
	CommentID    uuid.UUID
}

// Attach uploads images, appends the successful URLs to the comment and
// publishes comment-images-attached. It returns the URLs in completion
// order, or nil when nothing was attached. Cancelling ctx does not stop the
// uploads; each one is bounded by the upload timeout only.
func (p *Pipeline) Attach(ctx context.Context, t Target, images []Image) []string {
	if len(images) == 0 {
		return nil
	}
	ctx, span := tracer.Start(context.WithoutCancel(ctx), "attachments.Attach")
	defer span.End()
	span.SetAttributes(
		attribute.String("comment.id", t.CommentID.String()),
		attribute.Int("images", len(images)),
	)

	var (
		mu   sync.Mutex
		urls []string
		g    errgroup.Group
	)
	for i, img := range images {
		g.Go(func() error {
			url, err := p.uploadOne(ctx, t.CommentID, i, img)
			if err != nil {
				p.logger.Warn("Failed to attach image",
					zap.String("comment_id", t.CommentID.String()),
					zap.Int("index", i),
					zap.Error(err),
				)
				return nil
			}
			mu.Lock()
			urls = append(urls, url)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.Int("images.attached", len(urls)))
	if len(urls) == 0 {
		return nil
	}

	if _, err := p.store.AppendCommentImages(ctx, t.CommentID, urls); err != nil {
		p.logger.Error("Failed to record comment images",
			zap.String("comment_id", t.CommentID.String()),
			zap.Error(err),
		)
		return nil
	}

	p.publisher.Publish(ctx, t.FileID, models.EventCommentImagesAttached, models.ImagesAttached{
		AnnotationID: t.AnnotationID,
		CommentID:    t.CommentID,
		ImageURLs:    urls,
	})
	return urls
}

// uploadOne compresses and uploads one image, giving up after the upload
// timeout even if the store does not honor cancellation.
func (p *Pipeline) uploadOne(ctx context.Context, commentID uuid.UUID, index int, img Image) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	compressed := imaging.Compress(img.Data, p.maxEdge)
	key := ObjectKey(commentID, index, extension(compressed.Ext, img.Filename))

	done := make(chan error, 1)
	go func() {
		done <- p.objects.Upload(ctx, key, compressed.Data)
	}()
	select {
	case err := <-done:
		if err != nil {
			return "", fmt.Errorf("failed to upload %s: %w", key, err)
		}
	case <-ctx.Done():
		return "", fmt.Errorf("upload of %s: %w", key, ctx.Err())
	}

	url, err := p.objects.SignedURL(ctx, key)
	if err != nil {
		return "", err
	}
	return url, nil
}

// ObjectKey is the storage key of a comment image. The random part keeps
// re-uploads of the same index from overwriting each other.
func ObjectKey(commentID uuid.UUID, index int, ext string) string {
	return fmt.Sprintf("comments/%s/%d-%s%s", commentID, index, uuid.New(), ext)
}

// extension prefers the sniffed extension and falls back to the filename's.
func extension(sniffed, filename string) string {
	if sniffed != "" && sniffed != ".bin" {
		return sniffed
	}
	if ext := strings.ToLower(path.Ext(filename)); ext != "" {
		return ext
	}
	return sniffed
}
