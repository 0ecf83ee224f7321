package routes

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wilgrace/session-sub001/internal/cache"
	"github.com/wilgrace/session-sub001/internal/config"
	"github.com/wilgrace/session-sub001/internal/events"
	"github.com/wilgrace/session-sub001/internal/handlers"
	"github.com/wilgrace/session-sub001/internal/middleware"
	"github.com/wilgrace/session-sub001/internal/repository"
	"github.com/wilgrace/session-sub001/internal/services"
)

// Dependencies carries the process-level collaborators routes need beyond
// the database: the tenant lookup cache and the domain event publisher.
type Dependencies struct {
	Cache     cache.Cache
	Publisher events.Publisher
	Logger    *slog.Logger
}

func RegisterRoutes(app *fiber.App, cfg *config.Config, db *pgxpool.Pool, deps Dependencies) error {
	if deps.Cache == nil {
		deps.Cache = cache.Noop{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Publisher == nil {
		deps.Publisher = events.NewNoopPublisher(deps.Logger)
	}

	userRepo := repository.NewUserRepository(db)
	orgRepo := repository.NewOrganizationRepository(db)
	templateRepo := repository.NewTemplateRepository(db)
	instanceRepo := repository.NewInstanceRepository(db)
	bookingRepo := repository.NewBookingRepository(db)
	membershipRepo := repository.NewMembershipRepository(db)
	reconciliationRepo := repository.NewReconciliationRepository(db)

	instanceService := services.NewInstanceService(db, instanceRepo, templateRepo, deps.Publisher)
	bookingService := services.NewBookingService(db, bookingRepo, instanceRepo, templateRepo, membershipRepo, userRepo, deps.Publisher)
	membershipService := services.NewMembershipService(membershipRepo, deps.Publisher)
	reconciler := services.NewReconcilerService(
		bookingService,
		bookingRepo,
		membershipService,
		userRepo,
		instanceService,
		reconciliationRepo,
		deps.Publisher,
		deps.Logger,
	)

	authHandler := handlers.NewAuthHandler(userRepo, cfg.JWTSecret)
	templateHandler := handlers.NewTemplateHandler(templateRepo, instanceService)
	catalogHandler := handlers.NewCatalogHandler(templateRepo, instanceService)
	bookingHandler := handlers.NewBookingHandler(bookingService)
	membershipHandler := handlers.NewMembershipHandler(membershipService)
	webhookHandler := handlers.NewWebhookHandler(reconciler, cfg.PaymentWebhookSecret, deps.Logger)

	api := app.Group("/api")

	auth := api.Group("/auth")
	auth.Post("/register", authHandler.Register)
	auth.Post("/login", authHandler.Login)
	auth.Post("/external", authHandler.ExternalLogin)
	auth.Get("/me", middleware.AuthRequired(cfg.JWTSecret), authHandler.Me)

	api.Post("/webhooks/payments", webhookHandler.HandlePaymentEvent)

	tenant := api.Group("/v1/:org", middleware.TenantResolver(orgRepo, deps.Cache, cfg.TenantCacheTTL))

	// Public browse surface; a valid token enriches quotes with member
	// pricing but is not required.
	tenant.Get("/sessions", catalogHandler.ListTemplates)
	tenant.Get("/sessions/:id", catalogHandler.GetTemplate)
	tenant.Get("/sessions/:id/quote", middleware.AuthOptional(cfg.JWTSecret), bookingHandler.PriceQuote)
	tenant.Get("/instances/:id", catalogHandler.GetInstance)
	tenant.Get("/instances/:id/spots", bookingHandler.SpotsRemaining)
	tenant.Get("/memberships", membershipHandler.ListTiers)
	tenant.Get("/bookings/:reference/status", bookingHandler.StatusByReference)

	protected := tenant.Group("", middleware.AuthRequired(cfg.JWTSecret))

	bookings := protected.Group("/bookings")
	bookings.Post("", bookingHandler.Create)
	bookings.Get("", bookingHandler.List)
	bookings.Get("/:id", bookingHandler.Get)
	bookings.Post("/:id/cancel", bookingHandler.Cancel)
	bookings.Post("/:id/check-in", bookingHandler.CheckIn)

	protected.Get("/membership", membershipHandler.MyMembership)
	protected.Post("/memberships", membershipHandler.CreateTier)

	admin := protected.Group("/admin")
	admin.Get("/templates", templateHandler.List)
	admin.Post("/templates", templateHandler.Create)
	admin.Put("/templates/:id", templateHandler.Update)
	admin.Delete("/templates/:id", templateHandler.Delete)
	admin.Get("/templates/:id/schedules", templateHandler.ListSchedules)
	admin.Post("/templates/:id/schedules", templateHandler.AddSchedule)
	admin.Delete("/templates/:id/schedules/:scheduleId", templateHandler.DeleteSchedule)
	admin.Post("/templates/:id/expand", templateHandler.Expand)
	admin.Post("/instances/:id/cancel", templateHandler.CancelInstance)

	return registerDocsRoutes(app, cfg)
}
