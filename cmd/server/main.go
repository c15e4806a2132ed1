package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/ledgerline/backend/internal/config"
	"github.com/ledgerline/backend/internal/database"
	"github.com/ledgerline/backend/internal/handlers"
	"github.com/ledgerline/backend/internal/middleware"
	"github.com/ledgerline/backend/internal/services"
	"github.com/ledgerline/backend/internal/storage"
	"github.com/ledgerline/backend/pkg/logger"
	"github.com/ledgerline/backend/pkg/utils"
)

func main() {
	logger.Init()

	cfg := config.Load()
	utils.ConfigureJWT(cfg.JWT.Secret, cfg.JWT.AccessExpiryMins, cfg.JWT.RefreshExpiryHours)
	utils.ConfigureEncryption(cfg.JWT.Secret)
	handlers.ConfigureCookies(cfg.Server.SecureCookies)

	db, err := database.Connect(cfg.DB)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}

	var storageClient *storage.MinIOClient
	if cfg.MinIO.Endpoint != "" {
		storageClient, err = storage.NewMinIOClient(cfg.MinIO)
		if err != nil {
			log.Fatalf("minio initialization failed: %v", err)
		}
		if err := storageClient.EnsureBucket(context.Background()); err != nil {
			log.Fatalf("failed ensuring minio bucket: %v", err)
		}
	}

	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.WebAuthn.RPID,
		RPDisplayName: cfg.WebAuthn.RPDisplayName,
		RPOrigins:     cfg.WebAuthn.RPOrigins,
	})
	if err != nil {
		log.Fatalf("webauthn initialization failed: %v", err)
	}

	var mailer services.Mailer = services.LogMailer{}
	if cfg.SMTP.Host != "" {
		mailer = services.NewSMTPMailer(cfg.SMTP)
	}

	auditService := services.NewAuditService(db, storageClient)
	auditService.StartExporter(cfg.Audit.ExportInterval)
	mailService := services.NewMailService(mailer)
	sessionService := services.NewSessionService(db)

	stopSweeper := make(chan struct{})
	services.StartSweeper(db, time.Minute, stopSweeper)

	otpTTL := time.Duration(cfg.MFA.OTPExpiryMinutes) * time.Minute

	authHandler := handlers.NewAuthHandler(db, auditService, mailService, sessionService, otpTTL, cfg.MFA.OTPDigits)
	mfaHandler := handlers.NewMFAHandler(db, auditService, mailService, sessionService, cfg.MFA.BackupCodeCount)
	passkeyHandler := handlers.NewPasskeyHandler(db, wa, auditService, sessionService, cfg.WebAuthn.ChallengeTTL)
	invitationHandler := handlers.NewInvitationHandler(db, auditService, mailService)
	tenantHandler := handlers.NewTenantHandler(db, auditService, sessionService)

	authMiddleware := middleware.NewAuthMiddleware(db)

	app := fiber.New(fiber.Config{BodyLimit: 1 * 1024 * 1024})
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(middleware.CORS())
	app.Use(middleware.RequestLogger())
	app.Use(middleware.SecurityLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api")

	authRoutes := api.Group("/auth")
	authRoutes.Post("/login", authHandler.Login)
	authRoutes.Post("/refresh", authHandler.Refresh)
	authRoutes.Post("/logout", authMiddleware.RequireAuth, authHandler.Logout)
	authRoutes.Post("/forgot-password", authHandler.ForgotPassword)
	authRoutes.Post("/reset-password", authHandler.ResetPassword)
	authRoutes.Put("/password", authMiddleware.RequireAuth, authHandler.ChangePassword)
	authRoutes.Get("/me", authMiddleware.RequireAuth, authHandler.Me)
	authRoutes.Put("/me", authMiddleware.RequireAuth, authHandler.UpdateMe)

	mfaRoutes := api.Group("/auth/mfa")
	mfaRoutes.Post("/verify-otp", mfaHandler.VerifyEmailOTP)
	mfaRoutes.Post("/verify-totp", mfaHandler.VerifyTOTPLogin)
	mfaRoutes.Put("/email", authMiddleware.RequireAuth, authHandler.ToggleEmailMFA)
	mfaRoutes.Get("/status", authMiddleware.RequireAuth, mfaHandler.Status)
	mfaRoutes.Post("/totp/setup", authMiddleware.RequireAuth, mfaHandler.TOTPSetup)
	mfaRoutes.Post("/totp/verify", authMiddleware.RequireAuth, mfaHandler.TOTPVerifySetup)
	mfaRoutes.Delete("/totp", authMiddleware.RequireAuth, mfaHandler.TOTPDisable)
	mfaRoutes.Post("/recovery/regenerate", authMiddleware.RequireAuth, mfaHandler.RegenerateRecovery)

	passkeyRoutes := api.Group("/auth/passkeys")
	passkeyRoutes.Post("/register/options", authMiddleware.RequireAuth, passkeyHandler.RegisterOptions)
	passkeyRoutes.Post("/register/verify", authMiddleware.RequireAuth, passkeyHandler.RegisterVerify)
	passkeyRoutes.Post("/authenticate/options", passkeyHandler.AuthOptions)
	passkeyRoutes.Post("/authenticate/verify", passkeyHandler.AuthVerify)
	passkeyRoutes.Get("/", authMiddleware.RequireAuth, passkeyHandler.List)
	passkeyRoutes.Put("/:id", authMiddleware.RequireAuth, passkeyHandler.Rename)
	passkeyRoutes.Delete("/:id", authMiddleware.RequireAuth, passkeyHandler.Delete)

	invitationRoutes := api.Group("/invitations")
	invitationRoutes.Post("/", authMiddleware.RequireAuth, invitationHandler.Create)
	invitationRoutes.Get("/", authMiddleware.RequireAuth, invitationHandler.List)
	invitationRoutes.Get("/verify", invitationHandler.VerifyToken)
	invitationRoutes.Post("/accept", invitationHandler.Accept)
	invitationRoutes.Post("/:id/resend", authMiddleware.RequireAuth, invitationHandler.Resend)
	invitationRoutes.Delete("/:id", authMiddleware.RequireAuth, invitationHandler.Revoke)

	tenantRoutes := api.Group("/tenants", authMiddleware.RequireAuth)
	tenantRoutes.Get("/", tenantHandler.ListMine)
	tenantRoutes.Post("/switch", tenantHandler.Switch)

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
		close(stopSweeper)
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
