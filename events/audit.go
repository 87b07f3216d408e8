package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.uber.org/zap"

	"github.com/warp/railbook/booking"
)

// AuditRecorder consumes booking events and appends them to the audit log.
type AuditRecorder struct {
	router *message.Router
	log    booking.AuditLog
	logger *zap.Logger
}

// NewAuditRecorder wires a router that reads Topic from bus.Subscriber.
func NewAuditRecorder(bus *Bus, log booking.AuditLog, logger *zap.Logger) (*AuditRecorder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: 10 * time.Second}, bus.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}

	r := &AuditRecorder{router: router, log: log, logger: logger}

	router.AddMiddleware(
		middleware.Recoverer,
		middleware.Retry{
			MaxRetries:      3,
			InitialInterval: 100 * time.Millisecond,
			Multiplier:      2,
			Logger:          bus.Logger,
		}.Middleware,
	)
	router.AddNoPublisherHandler("audit-recorder", Topic, bus.Subscriber, r.handle)

	return r, nil
}

// Run blocks until ctx is cancelled or Close is called.
func (r *AuditRecorder) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running is closed once the recorder is subscribed.
func (r *AuditRecorder) Running() chan struct{} {
	return r.router.Running()
}

// Close stops the router, waiting for in-flight handlers.
func (r *AuditRecorder) Close() error {
	return r.router.Close()
}

func (r *AuditRecorder) handle(msg *message.Message) error {
	var e booking.Event
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		// Malformed payloads are acked and dropped.
		r.logger.Error("dropping undecodable event", zap.String("message_id", msg.UUID), zap.Error(err))
		return nil
	}

	entry := booking.AuditEntry{
		ID:        msg.UUID,
		At:        e.At,
		ActorID:   e.ActorID,
		Action:    string(e.Type),
		BookingID: e.BookingID,
		TrainID:   e.TrainID,
		UserID:    e.UserID,
		Payload:   string(msg.Payload),
	}
	if err := r.log.AppendAudit(msg.Context(), entry); err != nil {
		return fmt.Errorf("failed to record %s: %w", e.Type, err)
	}
	r.logger.Debug("audit recorded", zap.String("action", entry.Action), zap.String("booking_id", entry.BookingID))
	return nil
}
