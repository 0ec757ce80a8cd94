package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/example/feepay/internal/config"
	"github.com/example/feepay/internal/handlers"
	"github.com/example/feepay/internal/middleware"
	"github.com/example/feepay/internal/services"
)

// Register wires up all HTTP routes.
func Register(app *fiber.App, cfg *config.Config, payments *services.PaymentService, ingestor handlers.Ingestor) {
	mpesaHandler := handlers.NewMpesaHandler(payments, ingestor)

	app.Get("/health", handlers.Health)

	api := app.Group("/api")

	// Gateway webhook, no caller auth
	api.Post("/mpesa/callback",
		middleware.CallbackSourceMiddleware(cfg.CallbackAllowedIPs, handlers.Acknowledge),
		mpesaHandler.Callback,
	)

	// Protected routes
	protected := api.Group("", middleware.AuthMiddleware(cfg.JWTSecret))

	mpesa := protected.Group("/mpesa")
	mpesa.Post("/stk-push", mpesaHandler.InitiatePush)
	mpesa.Get("/transactions", mpesaHandler.ListTransactions)
	mpesa.Get("/transactions/:id", mpesaHandler.TransactionStatus)

	protected.Get("/students/:id/balance", mpesaHandler.StudentBalance)
}

// ErrorHandler renders errors as {"error": message}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "internal server error"

	if fe, ok := err.(*fiber.Error); ok {
		code = fe.Code
		message = fe.Message
	}

	return c.Status(code).JSON(fiber.Map{"error": message})
}
