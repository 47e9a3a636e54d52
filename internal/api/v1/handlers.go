package apiv1

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"github.com/uzmarket/paygate/app/models"
	"github.com/uzmarket/paygate/internal/pkg/webhook"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

var webhookService *webhook.Service

// Initialize injects the webhook service used by the API handlers.
func Initialize(svc *webhook.Service) {
	webhookService = svc
}

// APIServer implements the v1 operator API
type APIServer struct{}

// NewAPIServer creates a new API server instance
func NewAPIServer() *APIServer {
	return &APIServer{}
}

// RegisterHandlers attaches the v1 routes to the given router group.
func RegisterHandlers(router fiber.Router, s *APIServer) {
	router.Get("/ping", s.GetPing)
	router.Get("/events", s.ListEvents)
	router.Get("/events/:provider/:event_id", s.GetEventStatus)
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"ping": "pong",
	})
}

// GetEventStatus returns the stored state of a single webhook event.
func (s *APIServer) GetEventStatus(c *fiber.Ctx) error {
	provider := c.Params("provider")
	eventID := c.Params("event_id")
	if provider == "" || eventID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "provider and event_id are required",
		})
	}

	event, err := webhookService.GetEventStatus(c.Context(), provider, eventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
				"error": "event not found",
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to load event",
		})
	}

	return c.Status(fiber.StatusOK).JSON(eventResponse(event))
}

// ListEvents returns events filtered by status, dead-lettered by default.
func (s *APIServer) ListEvents(c *fiber.Ctx) error {
	status := strings.TrimSpace(c.Query("status", models.EventStatusDeadLettered))
	switch status {
	case models.EventStatusPending, models.EventStatusProcessing, models.EventStatusProcessed,
		models.EventStatusFailed, models.EventStatusDeadLettered:
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "unknown status: " + status,
		})
	}

	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}
	limit := c.QueryInt("limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	events, err := webhookService.ListEventsByStatus(c.Context(), status, offset, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to list events",
		})
	}
	total, err := webhookService.CountEventsByStatus(c.Context(), status)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to count events",
		})
	}

	items := make([]fiber.Map, 0, len(events))
	for i := range events {
		items = append(items, eventResponse(&events[i]))
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": status,
		"total":  total,
		"offset": offset,
		"limit":  limit,
		"events": items,
	})
}

func eventResponse(event *models.WebhookEvent) fiber.Map {
	return fiber.Map{
		"provider":          event.Provider,
		"provider_event_id": event.ProviderEventID,
		"status":            event.Status,
		"retry_count":       event.RetryCount,
		"last_error":        event.LastError,
		"related_order_id":  event.RelatedOrderID,
		"related_payment":   event.RelatedPayment,
		"created_at":        event.CreatedAt,
		"updated_at":        event.UpdatedAt,
	}
}
