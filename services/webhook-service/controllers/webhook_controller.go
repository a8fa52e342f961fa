package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/yashrajoria/commerce-webhooks/services/common/errors"
	"github.com/yashrajoria/commerce-webhooks/services/common/logger"
	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/services"
)

// MaxBodyBytes caps a webhook body. Stripe events stay well below it.
const MaxBodyBytes = int64(65536)

// WebhookProcessor is the delivery pipeline as seen by the HTTP layer.
type WebhookProcessor interface {
	HandleStripe(ctx context.Context, payload []byte, sigHeader string) (services.Delivery, error)
	HandleShipping(ctx context.Context, payload []byte, signature, token string) (services.Delivery, error)
	Reprocess(ctx context.Context, eventID string, payload []byte) (services.Delivery, error)
}

// WebhookController handles inbound provider webhooks and manual reprocessing.
type WebhookController struct {
	processor WebhookProcessor
	logger    *zap.Logger
}

func NewWebhookController(processor WebhookProcessor, logger *zap.Logger) *WebhookController {
	return &WebhookController{processor: processor, logger: logger}
}

// Checkout handles POST /webhooks/checkout
func (wc *WebhookController) Checkout(c *gin.Context) {
	payload, ok := wc.readBody(c)
	if !ok {
		return
	}
	d, err := wc.processor.HandleStripe(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	wc.respond(c, d, err)
}

// Shipping handles POST /webhooks/shipping
func (wc *WebhookController) Shipping(c *gin.Context) {
	payload, ok := wc.readBody(c)
	if !ok {
		return
	}
	token := c.GetHeader("X-Shipping-Token")
	if token == "" {
		token = c.Query("token")
	}
	d, err := wc.processor.HandleShipping(c.Request.Context(), payload, c.GetHeader("X-Shipping-Signature"), token)
	wc.respond(c, d, err)
}

type reprocessRequest struct {
	EventID string          `json:"eventId"`
	Event   json.RawMessage `json:"event"`
}

// Reprocess handles POST /admin/webhooks/reprocess
func (wc *WebhookController) Reprocess(c *gin.Context) {
	var req reprocessRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, apperrors.ErrBadRequest.Wrap(err))
		return
	}
	if req.EventID == "" && len(req.Event) == 0 {
		abort(c, apperrors.New(http.StatusBadRequest, "eventId or event is required", nil))
		return
	}

	d, err := wc.processor.Reprocess(c.Request.Context(), req.EventID, req.Event)
	if errors.Is(err, services.ErrPayloadNotFound) {
		abort(c, apperrors.ErrNotFound.Wrap(err))
		return
	}
	if err == nil {
		logger.With(c.Request.Context(), wc.logger).Info("Manual reprocess",
			zap.String("event_id", d.EventID),
			zap.String("status", string(d.Status)),
		)
	}
	wc.respond(c, d, err)
}

func (wc *WebhookController) readBody(c *gin.Context) ([]byte, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxBodyBytes)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			abort(c, apperrors.New(http.StatusRequestEntityTooLarge, "Webhook body too large", err))
			return nil, false
		}
		abort(c, apperrors.ErrBadRequest.Wrap(err))
		return nil, false
	}
	return payload, true
}

// respond maps a delivery to the provider-facing status: 2xx stops
// retries, 5xx asks for redelivery.
func (wc *WebhookController) respond(c *gin.Context, d services.Delivery, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": string(d.Status), "eventId": d.EventID})
	case errors.Is(err, services.ErrInvalidSignature):
		abort(c, apperrors.ErrInvalidSignature.Wrap(err))
	case errors.Is(err, services.ErrMalformedEvent):
		abort(c, apperrors.ErrMalformedPayload.Wrap(err))
	default:
		logger.With(c.Request.Context(), wc.logger).Error("Webhook delivery not completed",
			zap.String("event_id", d.EventID),
			zap.String("event_type", d.EventType),
			zap.Error(err),
		)
		abort(c, apperrors.ErrProcessing.Wrap(err))
	}
}

func abort(c *gin.Context, appErr *apperrors.Error) {
	_ = c.Error(appErr)
	c.AbortWithStatusJSON(appErr.Code, appErr)
}
