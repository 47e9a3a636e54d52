package controllers

import (
	"encoding/json"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/uzmarket/paygate/app/models"
	"github.com/uzmarket/paygate/internal/pkg/webhook"
)

// Payme JSON-RPC error codes sent on the synchronous ack path.
const (
	paymeErrAuth     = -32504
	paymeErrParse    = -32700
	paymeErrInternal = -32400
)

// Click error codes for the synchronous ack path.
const (
	clickErrSignCheck = -1
	clickErrRequest   = -8
	clickErrInternal  = -7
)

var webhookService *webhook.Service

// InitializeWebhookController injects the webhook service used by the
// provider callback handlers.
func InitializeWebhookController(svc *webhook.Service) {
	webhookService = svc
}

// HandlePaymeWebhook accepts Payme JSON-RPC callbacks. A delivery that
// authenticates and persists is acknowledged immediately; the business result
// is produced asynchronously by the worker.
func HandlePaymeWebhook(c *fiber.Ctx) error {
	body := c.Body()
	requestID := paymeRequestID(body)

	delivery := webhook.Delivery{Body: body, AuthHeader: c.Get(fiber.HeaderAuthorization)}
	if err := webhookService.VerifyDelivery(models.ProviderPayme, delivery); err != nil {
		log.Warnf("[WebhookController] Payme auth rejected: %v", err)
		return c.Status(fiber.StatusOK).JSON(paymeError(requestID, paymeErrAuth, "Insufficient privileges to perform the operation"))
	}

	var probe struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Method == "" {
		log.Warnf("[WebhookController] Payme request rejected: unparsable JSON-RPC body")
		return c.Status(fiber.StatusOK).JSON(paymeError(requestID, paymeErrParse, "Could not parse JSON-RPC request"))
	}

	result, err := webhookService.SubmitEvent(c.Context(), models.ProviderPayme, delivery)
	if err != nil {
		log.Errorf("[WebhookController] Payme submit failed: %v", err)
		return c.Status(fiber.StatusOK).JSON(paymeError(requestID, paymeErrInternal, "System error"))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"jsonrpc": "2.0",
		"id":      requestID,
		"result": fiber.Map{
			"received":  true,
			"duplicate": result.Duplicate,
		},
	})
}

// HandleClickWebhook accepts Click form callbacks for the prepare and
// complete phases.
func HandleClickWebhook(c *fiber.Ctx) error {
	body := c.Body()
	clickTransID := c.FormValue("click_trans_id")
	merchantTransID := c.FormValue("merchant_trans_id")
	if clickTransID == "" || merchantTransID == "" {
		return c.Status(fiber.StatusOK).JSON(clickReply(clickTransID, merchantTransID, clickErrRequest, "Error in request from click"))
	}

	delivery := webhook.Delivery{Body: body}
	if err := webhookService.VerifyDelivery(models.ProviderClick, delivery); err != nil {
		if errors.Is(err, webhook.ErrAuthentication) {
			log.Warnf("[WebhookController] Click sign check failed for trx %s", clickTransID)
			return c.Status(fiber.StatusOK).JSON(clickReply(clickTransID, merchantTransID, clickErrSignCheck, "SIGN CHECK FAILED!"))
		}
		return c.Status(fiber.StatusOK).JSON(clickReply(clickTransID, merchantTransID, clickErrRequest, "Error in request from click"))
	}

	if _, err := webhookService.SubmitEvent(c.Context(), models.ProviderClick, delivery); err != nil {
		log.Errorf("[WebhookController] Click submit failed: %v", err)
		return c.Status(fiber.StatusOK).JSON(clickReply(clickTransID, merchantTransID, clickErrInternal, "Failed to update"))
	}

	return c.Status(fiber.StatusOK).JSON(clickReply(clickTransID, merchantTransID, 0, "Success"))
}

// paymeRequestID extracts the JSON-RPC id so error replies can echo it even
// when the rest of the body is unusable.
func paymeRequestID(body []byte) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || len(probe.ID) == 0 {
		return json.RawMessage("null")
	}
	return probe.ID
}

func paymeError(requestID json.RawMessage, code int, message string) fiber.Map {
	return fiber.Map{
		"jsonrpc": "2.0",
		"id":      requestID,
		"error": fiber.Map{
			"code":    code,
			"message": message,
		},
	}
}

func clickReply(clickTransID, merchantTransID string, errCode int, note string) fiber.Map {
	return fiber.Map{
		"click_trans_id":    clickTransID,
		"merchant_trans_id": merchantTransID,
		"error":             errCode,
		"error_note":        note,
	}
}
