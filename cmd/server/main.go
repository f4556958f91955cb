package main

import (
	"fmt"
	"log"
	"net/http"

	"gatekeeper/internal/api"
	"gatekeeper/internal/api/handlers"
	"gatekeeper/internal/api/middleware"
	"gatekeeper/internal/engine/device"
	"gatekeeper/internal/engine/flow"
	"gatekeeper/internal/engine/mfa"
	"gatekeeper/internal/engine/notify"
	"gatekeeper/internal/engine/providers"
	"gatekeeper/internal/engine/risk"
	"gatekeeper/internal/engine/session"
	"gatekeeper/internal/pkg/geoip"
	"gatekeeper/internal/pkg/logger"
	"gatekeeper/internal/platform/audit"
	"gatekeeper/internal/platform/auth"
	"gatekeeper/internal/platform/config"
	"gatekeeper/internal/platform/directory"
	"gatekeeper/internal/platform/models"
	"gatekeeper/internal/platform/store"
)

func main() {
	cfg, err := config.Load("configs/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Init(cfg.Logging)

	// Storage
	kv, err := store.Open(cfg.Store)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer kv.Close()
	db := kv.DB()

	// Platform services
	auditLog := audit.NewLogger(db, cfg.Audit.BufferSize)
	defer auditLog.Close()

	userDir := directory.NewSQLDirectory(db)
	tokenSvc := auth.NewTokenService(cfg.JWT)
	geo := geoip.NewStaticResolver()
	notifier := notify.NewNotifier(cfg.Notify)
	defer notifier.Close()

	// Protocol adapters and provider registry
	registry := providers.NewRegistry(kv, auditLog)
	registry.RegisterAdapter(providers.NewSAMLAdapter(cfg.SAML), models.ProtocolSAML2)
	registry.RegisterAdapter(
		providers.NewOAuthAdapter(models.ProtocolOAuth2, cfg.Providers.UpstreamTimeout),
		models.ProtocolOAuth2, models.ProtocolOIDC)
	registry.RegisterAdapter(
		providers.NewLDAPAdapter(models.ProtocolLDAP, cfg.Providers.UpstreamTimeout),
		models.ProtocolLDAP, models.ProtocolAD)

	// Engines
	flows := flow.NewMachine(kv, registry, userDir, auditLog, cfg.Providers.FlowTTL)
	mfaEngine := mfa.NewEngine(kv, auditLog, cfg.MFA)
	devices := device.NewManager(kv, auditLog, geo)
	history := risk.NewSQLHistory(db)
	risks := risk.NewEngine(history, auditLog, cfg.Risk)
	sessions := session.NewManager(kv, auditLog, cfg.Session)

	// Handlers
	ssoHandler := handlers.NewSSOHandler(flows, registry, devices, risks, history,
		mfaEngine, sessions, tokenSvc, kv, auditLog, notifier, geo, userDir)
	mfaHandler := handlers.NewMFAHandler(mfaEngine, devices, sessions, tokenSvc, userDir, history, kv)
	sessionHandler := handlers.NewSessionHandler(sessions, mfaEngine)
	deviceHandler := handlers.NewDeviceHandler(devices)
	providerHandler := handlers.NewProviderHandler(registry)
	auditHandler := handlers.NewAuditHandler(auditLog)
	healthHandler := handlers.NewHealthHandler(db, kv)

	// Middleware
	authMiddleware := middleware.NewAuthMiddleware(tokenSvc, sessions)
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit)

	deps := &api.Dependencies{
		SSOHandler:      ssoHandler,
		MFAHandler:      mfaHandler,
		SessionHandler:  sessionHandler,
		DeviceHandler:   deviceHandler,
		ProviderHandler: providerHandler,
		AuditHandler:    auditHandler,
		HealthHandler:   healthHandler,
		AuthMiddleware:  authMiddleware,
		RateLimiter:     rateLimiter,
	}
	router := api.NewRouter(deps)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	log.Printf("Server starting on %s", addr)
	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
