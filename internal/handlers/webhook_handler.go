package handlers

import (
	"context"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/wilgrace/session-sub001/internal/payments"
)

type paymentEventProcessor interface {
	ProcessEvent(ctx context.Context, event *payments.Event) error
}

// WebhookHandler receives signed payment provider events. An unverifiable
// signature gets 400; an authenticated payload always gets 200, with
// processing failures recorded by the reconciler instead.
type WebhookHandler struct {
	reconciler paymentEventProcessor
	secret     string
	logger     *slog.Logger
}

func NewWebhookHandler(reconciler paymentEventProcessor, secret string, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{reconciler: reconciler, secret: secret, logger: logger}
}

func (h *WebhookHandler) HandlePaymentEvent(c *fiber.Ctx) error {
	payload := c.Body()
	header := c.Get(payments.SignatureHeader)

	if err := payments.VerifySignature(payload, header, h.secret, time.Now(), payments.DefaultSignatureTolerance); err != nil {
		h.logger.Warn("rejected webhook with bad signature", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid signature"})
	}

	event, err := payments.ParseEvent(payload)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid event payload"})
	}

	if err := h.reconciler.ProcessEvent(c.Context(), event); err != nil {
		h.logger.Error("payment event processing failed",
			"event_id", event.ID, "type", event.Type, "error", err)
	}
	return c.JSON(fiber.Map{"received": true})
}
