package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/payfriend/payfriend/internal/auth"
	"github.com/payfriend/payfriend/internal/authorization"
	"github.com/payfriend/payfriend/internal/config"
	"github.com/payfriend/payfriend/internal/identity"
	"github.com/payfriend/payfriend/internal/middleware"
	"github.com/payfriend/payfriend/internal/notification"
	"github.com/payfriend/payfriend/internal/payments"
	"github.com/payfriend/payfriend/internal/verification"
	"github.com/payfriend/payfriend/internal/verification/authy"
)

// Deps aggregates shared dependencies required to wire routes. DB and Dynamo
// are set according to Cfg.StoreBackend; SNS only when SNS is enabled.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Dynamo   *dynamodb.Client
	SNS      *sns.Client
	Cache    *redis.Client
	Logger   *slog.Logger
	Provider verification.Provider
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce Redis presence outside of dev, even though config also checks.
	if !d.Cfg.IsDev() && d.Cache == nil {
		return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
	}

	userRepo, paymentRepo, err := repositories(d)
	if err != nil {
		return err
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
	app.Use(logger.New(logger.Config{
		Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
		TimeFormat: "15:04:05",
		TimeZone:   "Local",
	}))
	app.Use(middleware.Audit(d.Logger))

	// Services and handlers
	identitySvc := identity.NewService(userRepo)
	paymentSvc := payments.NewService(paymentRepo, d.Logger)
	provider := d.Provider
	if provider == nil {
		provider = newProvider(d.Cfg, d.Logger)
	}
	orchestrator := verification.NewOrchestrator(provider, d.Logger)
	ctrl := authorization.NewController(identitySvc, paymentSvc, orchestrator, newNotifier(d), d.Logger)

	tokens := auth.NewService(d.Cfg)
	authHandler := auth.NewHandler(identitySvc, tokens, ctrl, d.Logger)
	paymentHandler := authorization.NewHandler(ctrl, d.Cfg.PublicBaseURL)

	// Health
	RegisterHealthRoutes(app, d, identitySvc, paymentSvc)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	// Public routes
	jwtmw := middleware.JWTAuth(tokens)
	rateLimiter := middleware.LoginRateLimit(d.Cache, d.Cfg.LoginAttemptsPerMinute)
	RegisterAuthRoutes(api, authHandler, rateLimiter, jwtmw)

	callbackLimiter := middleware.NewIPRateLimiter(d.Cfg.CallbackRatePerSecond, d.Cfg.CallbackBurst)
	RegisterWebhookRoutes(api, paymentHandler, callbackLimiter.Handler())

	// Protected routes
	var idempotency fiber.Handler
	if d.Cache != nil {
		idempotency = middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger)
	}
	protected := api.Group("", jwtmw)
	RegisterPaymentRoutes(protected, paymentHandler, idempotency)

	return nil
}

func repositories(d Deps) (identity.Repository, payments.Repository, error) {
	switch d.Cfg.StoreBackend {
	case config.StorePostgres:
		if d.DB == nil {
			return nil, nil, fmt.Errorf("database is required for STORE_BACKEND=%s", d.Cfg.StoreBackend)
		}
		return identity.NewPostgresRepository(d.DB), payments.NewPostgresRepository(d.DB), nil
	case config.StoreDynamo:
		if d.Dynamo == nil {
			return nil, nil, fmt.Errorf("dynamodb client is required for STORE_BACKEND=%s", d.Cfg.StoreBackend)
		}
		return identity.NewDynamoRepository(d.Dynamo, d.Cfg.DynamoTables.Users),
			payments.NewDynamoRepository(d.Dynamo, d.Cfg.DynamoTables.Payments), nil
	default:
		return identity.NewMemoryRepository(), payments.NewMemoryRepository(), nil
	}
}

func newProvider(cfg config.Config, logger *slog.Logger) verification.Provider {
	if cfg.UseSandboxProvider() {
		logger.Warn("using sandbox verification provider", slog.String("code", cfg.SandboxCode))
		return verification.NewSandboxProvider(cfg.SandboxCode, cfg.SandboxSigningSecret(), logger)
	}
	return authy.NewClient(cfg.ProviderBaseURL, cfg.ProviderAPIKey, cfg.ProviderTimeout)
}

func newNotifier(d Deps) notification.Notifier {
	if d.SNS != nil {
		return notification.NewSNSNotifier(d.SNS, d.Cfg.AppName)
	}
	return notification.NewLoggerNotifier(d.Logger)
}
