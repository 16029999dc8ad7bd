// Package main is the entry point for the control plane process.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noncelogic/cortex-plane/internal/approval"
	"github.com/noncelogic/cortex-plane/internal/auth"
	"github.com/noncelogic/cortex-plane/internal/backend"
	"github.com/noncelogic/cortex-plane/internal/breaker"
	"github.com/noncelogic/cortex-plane/internal/channeladapter/telegram"
	"github.com/noncelogic/cortex-plane/internal/channeladapter/wsadapter"
	"github.com/noncelogic/cortex-plane/internal/config"
	"github.com/noncelogic/cortex-plane/internal/database"
	"github.com/noncelogic/cortex-plane/internal/dispatch"
	"github.com/noncelogic/cortex-plane/internal/handlers"
	"github.com/noncelogic/cortex-plane/internal/hydrator"
	"github.com/noncelogic/cortex-plane/internal/lifecycle"
	"github.com/noncelogic/cortex-plane/internal/metrics"
	"github.com/noncelogic/cortex-plane/internal/models"
	"github.com/noncelogic/cortex-plane/internal/scheduler"
	"github.com/noncelogic/cortex-plane/internal/storage"
	"github.com/noncelogic/cortex-plane/internal/streammanager"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("critical error loading configuration: %v", err)
	}

	// --- Dependency Injection ---
	db, err := database.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("critical error! failed to connect to the database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(cfg.DBPath, cfg.MigrationsPath); err != nil {
		log.Fatalf("critical error during database migration: %v", err)
	}

	archive, err := storage.NewArchiveService(cfg.S3)
	if err != nil {
		log.Fatalf("critical error! failed to create archive service: %v", err)
	}

	authSvc, err := auth.NewAuthService(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("critical error: failed to create authentication service: %v", err)
	}

	streams := streammanager.New(cfg.SSEReplayBufferSize, cfg.SSEPendingQueueSize, cfg.SSEHeartbeatInterval)

	router := buildRouter(cfg)

	lifecycleMgr := lifecycle.New(lifecycle.Config{
		CrashWindow:          cfg.CrashWindow,
		CrashCooldownBase:    cfg.CrashCooldownBase,
		CrashCooldownMax:     cfg.CrashCooldownMax,
		IdleScaleToZeroAfter: cfg.IdleScaleToZeroAfter,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		MissedHeartbeatLimit: cfg.MissedHeartbeatLimit,
	}, streams, hydrator.New(db))

	approvalGate := approval.New(db, cfg.APIEncryptionKey, approval.Config{
		MinTTL:    cfg.ApprovalMinTTL,
		MaxTTL:    cfg.ApprovalMaxTTL,
		SweepCron: cfg.ApprovalSweepCron,
	}, streams)

	sched := scheduler.New(db, router, streams, lifecycleMgr, approvalGate, archive, scheduler.Config{
		WorkerCount:      cfg.SchedulerWorkerCount,
		PollInterval:     cfg.SchedulerPollInterval,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
		RetryMultiplier:  cfg.RetryMultiplier,
		SessionBufferDir: cfg.SessionBufferDir,
	})

	_, adapters := buildDispatcher(cfg, db)

	// --- Background Goroutines ---
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sched.Run(ctx)
	if err := approvalGate.StartExpirySweeper(ctx); err != nil {
		log.Fatalf("critical error starting approval expiry sweeper: %v", err)
	}
	go reportBreakerMetrics(ctx, router)
	go reportQueueMetrics(ctx, db)

	for name, adapter := range adapters {
		switch a := adapter.(type) {
		case *telegram.Bot:
			go a.StartPolling(ctx)
		case *wsadapter.Hub:
			go a.Run(ctx)
		}
		log.Printf("channel adapter %q ready", name)
	}

	// --- Router and Server Setup ---
	mux := setupRouter(cfg, db, authSvc, streams, lifecycleMgr, approvalGate, adapters)
	srv := &http.Server{Addr: cfg.ServerAddr, Handler: mux}

	go func() {
		log.Printf("control plane listening on %s", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed with error: %v", err)
		}
	}()

	<-ctx.Done()

	log.Println("shutdown signal received, starting graceful shutdown")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("error during graceful server shutdown: %v", err)
	}
	streams.Shutdown()
	lifecycleMgr.Shutdown()

	log.Printf("server stopped, background tasks may continue for up to %v", cfg.ShutdownFinalSleep)
	time.Sleep(cfg.ShutdownFinalSleep)
	log.Println("exiting")
}

// buildRouter constructs the circuit-breaker provider router from
// cfg.ProviderEndpointsCSV (spec.md §4.3).
func buildRouter(cfg *config.AppConfig) *breaker.Router {
	breakerCfg := breaker.Config{
		FailureThreshold:    cfg.BreakerFailureThreshold,
		OpenDuration:        cfg.BreakerOpenDuration,
		HalfOpenMaxAttempts: cfg.BreakerHalfOpenMaxAttempts,
		SuccessToClose:      cfg.BreakerSuccessToClose,
	}

	var providers []breaker.Provider
	for i, entry := range strings.Split(cfg.ProviderEndpointsCSV, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		id, baseURL := entry, ""
		if len(parts) == 2 {
			id, baseURL = parts[0], parts[1]
		}

		var exec backend.ExecutionBackend
		if baseURL == "" || baseURL == "echo" {
			exec = backend.NewEchoBackend()
		} else {
			exec = backend.NewHTTPBackend(baseURL, cfg.HTTPClientTimeout)
		}

		providers = append(providers, breaker.Provider{
			ID:       id,
			Backend:  exec,
			Priority: i,
			Breaker:  breakerCfg,
		})
	}

	return breaker.NewRouter(providers, cfg.ProviderSemaphoreWeight, func(ev breaker.RouteEvent) {
		metrics.RouteEventsTotal.WithLabelValues(ev.Name, ev.ProviderID).Inc()
	})
}

// buildDispatcher wires the message dispatcher and every configured
// ChannelAdapter (spec.md §4.8).
func buildDispatcher(cfg *config.AppConfig, db *database.DB) (*dispatch.Dispatcher, map[string]dispatch.ChannelAdapter) {
	adapters := make(map[string]dispatch.ChannelAdapter)

	d := dispatch.New(db, adapters, dispatch.Config{
		MaxHistoryMessages: cfg.MaxHistoryMessages,
		DispatchPollEvery:  cfg.DispatchPollEvery,
		DispatchPollFor:    cfg.DispatchPollFor,
	})

	onInput := func(ctx context.Context, chatID, text string) {
		if err := d.Handle(ctx, dispatch.RoutedMessage{ChannelType: "telegram", ChatID: chatID, Text: text}); err != nil {
			log.Printf("dispatch handle failed for chat %q: %v", chatID, err)
		}
	}
	wsInput := func(ctx context.Context, chatID, text string) {
		if err := d.Handle(ctx, dispatch.RoutedMessage{ChannelType: "ws", ChatID: chatID, Text: text}); err != nil {
			log.Printf("dispatch handle failed for chat %q: %v", chatID, err)
		}
	}

	if cfg.TelegramBotToken != "" {
		bot := telegram.New(cfg.TelegramBotToken, onInput)
		adapters["telegram"] = bot
	}
	hub := wsadapter.NewHub(wsInput)
	adapters["ws"] = hub

	return d, adapters
}

func reportBreakerMetrics(ctx context.Context, router *breaker.Router) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, snap := range router.Snapshot() {
				metrics.BreakerState.WithLabelValues(snap.ProviderID).Set(metrics.BreakerStateValue(string(snap.State)))
			}
		}
	}
}

// reportQueueMetrics polls job and approval counts that have no natural
// event to hook into, the same way reportBreakerMetrics polls breaker state.
func reportQueueMetrics(ctx context.Context, db *database.DB) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := db.CountClaimableJobs(); err == nil {
				metrics.QueueDepth.Set(float64(n))
			}
			if n, err := db.CountPendingApprovals(); err == nil {
				metrics.ApprovalsPending.Set(float64(n))
			}
		}
	}
}

// setupRouter assembles the chi router, mirroring the teacher's
// setupRouter/setupCORS split in cmd/api/main.go.
func setupRouter(
	cfg *config.AppConfig,
	db *database.DB,
	authSvc *auth.AuthService,
	streams *streammanager.Manager,
	lifecycleMgr *lifecycle.Manager,
	approvalGate *approval.Gate,
	adapters map[string]dispatch.ChannelAdapter,
) *chi.Mux {
	authHandler := &handlers.AuthHandler{DB: db, AuthService: authSvc, GoogleClientID: cfg.GoogleClientID}
	approvalHandler := &handlers.ApprovalHandler{DB: db, Gate: approvalGate}
	agentHandler := &handlers.AgentHandler{DB: db, Lifecycle: lifecycleMgr}
	sessionHandler := &handlers.SessionHandler{DB: db}
	streamHandler := &handlers.StreamHandler{Streams: streams}
	wsHandler := &handlers.WebSocketHandler{Hub: adapters["ws"].(*wsadapter.Hub), AuthService: authSvc}
	credentialHandler := &handlers.CredentialHandler{DB: db, MasterKey: cfg.APIEncryptionKey}

	r := chi.NewRouter()
	setupCORS(r, cfg)
	r.Use(chimiddleware.Logger, chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/register", authHandler.Register)
	r.Post("/auth/login", authHandler.Login)
	r.Post("/auth/google", authHandler.GoogleLogin)
	r.Post("/auth/refresh", authHandler.Refresh)

	r.Get("/ws/{chatId}", wsHandler.Accept)

	r.Group(func(r chi.Router) {
		r.Use(authHandler.AuthMiddleware)

		r.Get("/me", authHandler.Me)

		r.Route("/me/credentials", func(r chi.Router) {
			r.Put("/{provider}", credentialHandler.Store)
			r.Get("/{provider}", credentialHandler.Get)
		})

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", agentHandler.List)
			r.Post("/", agentHandler.Create)
			r.Get("/{agentId}", agentHandler.Get)
			r.Delete("/{agentId}", agentHandler.Deactivate)
			r.Get("/{agentId}/state", agentHandler.State)
			r.Post("/{agentId}/steer", agentHandler.Steer)
			r.Get("/{agentId}/stream", streamHandler.Agent)
			r.Get("/{agentId}/sessions", sessionHandler.ListForAgent)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/{sessionId}/messages", sessionHandler.Messages)
			r.Delete("/{sessionId}", sessionHandler.Delete)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.With(handlers.RequireRole(models.RoleOperator, models.RoleAdmin)).
				Post("/{jobId}/approval", approvalHandler.Create)
		})

		r.Route("/approvals", func(r chi.Router) {
			r.Get("/", approvalHandler.List)
			r.Get("/stream", streamHandler.Approvals)
			r.Get("/{id}", approvalHandler.Get)
			r.Get("/{id}/audit", approvalHandler.Audit)

			decideOnly := handlers.RequireRole(models.RoleApprover, models.RoleAdmin)
			r.With(decideOnly).Post("/{id}/decide", approvalHandler.Decide)
			r.With(decideOnly).Post("/token/decide", approvalHandler.Decide)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) })
	return r
}

func setupCORS(r *chi.Mux, cfg *config.AppConfig) {
	allowedOrigins := strings.Split(cfg.CORSAllowedOrigins, ",")
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Origin", "X-Requested-With"},
		ExposedHeaders:   []string{"Content-Length", "Content-Type"},
		MaxAge:           cfg.CORSMaxAge,
	}).Handler)
}
