package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/uzmarket/paygate/app/controllers"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Provider callbacks. No rate limiter here: providers retry aggressively
	// and a 429 would only delay settlement.
	webhooks := app.Group("/webhooks")
	webhooks.Post("/payme", controllers.HandlePaymeWebhook)
	webhooks.Post("/click", controllers.HandleClickWebhook)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}
