package realtime

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/surface-annotator/backend/internal/models"
)

const publishTimeout = 5 * time.Second

// Publisher announces changes on a file's channel. Delivery is best effort:
// failures are logged and never retried or reported to the caller, whose
// write has already committed.
type Publisher struct {
	bus    Bus
	logger *zap.Logger
}

// NewPublisher creates a publisher on bus.
func NewPublisher(bus Bus, logger *zap.Logger) *Publisher {
	return &Publisher{bus: bus, logger: logger}
}

// Publish sends payload as a kind event on the file's channel. The request
// context's cancellation does not abort the send.
func (p *Publisher) Publish(ctx context.Context, fileID uuid.UUID, kind models.EventKind, payload any) {
	ev, err := models.NewEvent(fileID, kind, payload)
	if err != nil {
		p.logger.Error("Failed to encode event", zap.String("event", string(kind)), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := p.bus.Publish(ctx, ev); err != nil {
		p.logger.Warn("Failed to publish event",
			zap.String("event", string(kind)),
			zap.String("channel", ev.Channel),
			zap.Error(err),
		)
	}
}
