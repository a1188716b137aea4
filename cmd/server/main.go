package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/affine/identity/internal/cache"
	"github.com/affine/identity/internal/config"
	"github.com/affine/identity/internal/database"
	"github.com/affine/identity/internal/handlers"
	"github.com/affine/identity/internal/middleware"
	"github.com/affine/identity/internal/services"
	"github.com/affine/identity/pkg/logger"
	"github.com/affine/identity/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.Auth.JWTSecret, cfg.Auth.JWTExpirationHrs)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	store := cache.New(rdb, "idn")

	mailer := services.NewSMTPMailer(cfg.SMTP, cfg.Server.FrontendURL)

	credentials := services.NewCredentialService(db)
	sessions := services.NewSessionService(db, cfg.Auth)
	magicLinks := services.NewMagicLinkService(db, store, mailer, cfg.Auth)
	mfa := services.NewMFAService(db, store, mailer, cfg.Auth)
	oauthStates := services.NewOAuthStateService(store, cfg.Auth)
	oauthProviders := services.NewOAuthProviderService(cfg)
	audit := services.NewAuditService(db)

	authHandler := handlers.NewAuthHandler(db, cfg, credentials, sessions, magicLinks, mfa, audit)
	mfaHandler := handlers.NewMFAHandler(cfg, sessions, mfa, audit)
	oauthHandler := handlers.NewOAuthHandler(db, cfg, oauthStates, oauthProviders, authHandler, audit)

	authMiddleware := middleware.NewAuthMiddleware(sessions, cfg.Server.HTTPS)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS(cfg.Server.FrontendURL))
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())
	if cfg.Server.MinClientVersion != "" {
		app.Use(middleware.ClientVersionGuard(cfg.Server.MinClientVersion, sessions, cfg.Server.HTTPS))
	}

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/sign-in", authHandler.SignIn)
	authRoutes.Post("/magic-link", authHandler.MagicLink)
	authRoutes.Post("/sign-out", authHandler.SignOut)
	authRoutes.Get("/sign-out", authHandler.SignOut)
	authRoutes.Get("/session", authMiddleware.OptionalAuth, authHandler.Session)
	authRoutes.Get("/sessions", authHandler.ListSessions)

	authRoutes.Post("/admin/verify-mfa", mfaHandler.Verify)
	authRoutes.Post("/admin/resend-mfa", mfaHandler.Resend)

	deviceRoutes := api.Group("/auth/admin/trusted-devices", authMiddleware.RequireAuth, middleware.AdminOnly)
	deviceRoutes.Get("/", mfaHandler.TrustedDevices)
	deviceRoutes.Delete("/", mfaHandler.RevokeTrustedDevices)

	oauthRoutes := api.Group("/oauth")
	oauthRoutes.Post("/preflight", oauthHandler.Preflight)
	oauthRoutes.Post("/callback", oauthHandler.Callback)

	adminRoutes := api.Group("/admin", authMiddleware.RequireAuth, middleware.AdminOnly)
	adminRoutes.Post("/users/:id/disable", authHandler.DisableAccount)

	listenAddr := fmt.Sprintf(":%s", cfg.Server.Port)

	logger.Info("server_starting", map[string]interface{}{
		"port":    cfg.Server.Port,
		"address": listenAddr,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(listenAddr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("shutting down server due to signal: %s", sig)
		shutdownDone := make(chan struct{})
		go func() {
			_ = app.Shutdown()
			close(shutdownDone)
		}()
		select {
		case <-shutdownDone:
		case <-time.After(10 * time.Second):
			log.Print("forced shutdown timeout reached")
		}
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	}
}
