// Command protectogram runs the panic-incident orchestrator core as a
// single daemon process: the durable scheduler, the cascade policy
// engine's bus subscription, and the three HTTP surfaces (webhook
// intake, admin/trigger, and operational health/metrics) all share one
// process and one database connection pool, per spec §5's single-core
// deployment model.
package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/protectogram/panic-core/internal/admin"
	"github.com/protectogram/panic-core/internal/audit"
	"github.com/protectogram/panic-core/internal/bus"
	"github.com/protectogram/panic-core/internal/cascade"
	"github.com/protectogram/panic-core/internal/chatport"
	"github.com/protectogram/panic-core/internal/config"
	"github.com/protectogram/panic-core/internal/httpapi"
	"github.com/protectogram/panic-core/internal/inbox"
	"github.com/protectogram/panic-core/internal/incident"
	"github.com/protectogram/panic-core/internal/otel"
	"github.com/protectogram/panic-core/internal/outbox"
	"github.com/protectogram/panic-core/internal/scheduler"
	"github.com/protectogram/panic-core/internal/store"
	"github.com/protectogram/panic-core/internal/telemetry"
	"github.com/protectogram/panic-core/internal/voiceport"
	"github.com/protectogram/panic-core/internal/webhook"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg, err := config.Load()
	if err != nil {
		bootLogger.Error("startup failed", "phase", "config_load", "error", err)
		os.Exit(1)
	}

	quiet := cfg.AppEnv == config.EnvProduction
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		bootLogger.Error("startup failed", "phase", "logger_init", "error", err)
		os.Exit(1)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "app_env", cfg.AppEnv)

	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Error("startup failed", "phase", "audit_init", "error", err)
		os.Exit(1)
	}
	defer audit.Close()

	otelProvider, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.OtelEnabled,
		Exporter:    cfg.OtelExporter,
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: cfg.OtelServiceName,
		SampleRate:  cfg.OtelSampleRate,
	})
	if err != nil {
		logger.Error("startup failed", "phase", "otel_init", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("otel shutdown failed", "error", err)
		}
	}()
	metrics, err := otel.NewMetrics(otelProvider.Meter)
	if err != nil {
		logger.Error("startup failed", "phase", "otel_metrics_init", "error", err)
		os.Exit(1)
	}

	eventBus := bus.New()

	st, err := store.Open(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("startup failed", "phase", "store_open", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	st.SetMetrics(metrics)
	audit.SetDB(st.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	requeued, err := st.RequeueExpiredLeases(ctx)
	if err != nil {
		logger.Error("startup failed", "phase", "recovery_scan", "error", err)
		os.Exit(1)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", requeued)

	var chatProvider *chatport.TelegramProvider
	if cfg.ChatBotToken != "" {
		chatProvider, err = chatport.NewTelegramProvider(cfg.ChatBotToken, logger)
		if err != nil {
			logger.Error("startup failed", "phase", "chat_provider_init", "error", err)
			os.Exit(1)
		}
		chatProvider.SetTracer(otelProvider.Tracer)
	} else {
		logger.Warn("CHAT_BOT_TOKEN not set; chat surface runs with no provider wired")
	}

	voiceProvider := voiceport.NewHTTPProvider(cfg.VoiceAPIKey, cfg.VoiceConnectionID, "", logger)
	voiceProvider.SetTracer(otelProvider.Tracer)

	ob := outbox.New(st, logger)
	ob.SetMetrics(metrics)
	if chatProvider != nil {
		ob.Register("chat", chatport.NewOutboxSender(chatProvider, st))
	}

	inboxDeduper := inbox.New(st, logger)
	incidentMachine := incident.New(st, ob, voiceProvider, eventBus, logger)
	incidentMachine.SetMetrics(metrics)

	voiceResultWebhookURL := cfg.PublicBaseURL + "/webhook/voice"
	voiceActionBaseURL := cfg.PublicBaseURL
	cascadeEngine := cascade.New(st, ob, voiceProvider, incidentMachine, eventBus, logger, voiceResultWebhookURL, voiceActionBaseURL)
	cascadeEngine.SetWhitelist(cfg.AllowOnlyWhitelist, cfg.AllowedE164Numbers)

	runner := scheduler.New(scheduler.Config{Store: st, Logger: logger, Metrics: metrics})
	cascadeEngine.RegisterHandlers(runner)

	if cfg.SchedulerEnabled {
		runner.Start(ctx)
		defer runner.Stop()
		logger.Info("startup phase", "phase", "scheduler_started")
	} else {
		logger.Warn("SCHEDULER_ENABLED is false; no scheduled actions will fire")
	}

	cascadeEngine.Start(ctx)
	logger.Info("startup phase", "phase", "cascade_subscribed")

	// The yaml/allowlist-file hot-reload watch loop is a staging
	// convenience only: production always restarts to pick up a new
	// allowlist, and development rarely edits these files fast enough
	// to need live reload.
	if cfg.AppEnv == config.EnvStaging {
		watcher := config.NewWatcher(cfg.HomeDir, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Error("config watcher failed to start", "error", err)
		} else {
			go func() {
				for range watcher.Events() {
					enabled, numbers, err := config.ReloadWhitelist(cfg.HomeDir)
					if err != nil {
						logger.Error("whitelist reload failed", "error", err)
						continue
					}
					cascadeEngine.SetWhitelist(enabled, numbers)
					logger.Info("whitelist reloaded", "enabled", enabled, "count", len(numbers))
				}
			}()
		}
	}

	var chatProviderPort chatport.Provider
	if chatProvider != nil {
		chatProviderPort = chatProvider
	}
	webhookSrv := webhook.New(webhook.Config{
		Store:              st,
		Inbox:              inboxDeduper,
		Chat:               chatProviderPort,
		Incident:           incidentMachine,
		Cascade:            cascadeEngine,
		Logger:             logger,
		ChatWebhookSecret:  cfg.ChatWebhookSecret,
		VoiceWebhookSecret: cfg.VoiceWebhookSecret,
		RateLimitEnabled:   cfg.WebhookRateLimitEnabled,
		RateLimitPerMin:    cfg.WebhookRateLimitPerMin,
		RateLimitBurst:     cfg.WebhookRateLimitBurst,
	})
	webhookSrv.SetMetrics(metrics)
	webhookSrv.SetTracer(otelProvider.Tracer)
	webhookSrv.StartRateLimitEviction(ctx)

	// Crash-recovery sweep for stuck inbox rows, mirroring the scheduler's
	// own lease-expiry sweep but on a slower cadence since inbox rows only
	// get stuck when a process dies between Record and MarkProcessed.
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stuck, err := inboxDeduper.SweepStuck(ctx, 10*time.Minute, 100)
				if err != nil {
					logger.Error("inbox sweep failed", "error", err)
					continue
				}
				if len(stuck) > 0 {
					logger.Warn("inbox sweep found stuck events", "count", len(stuck))
				}
				for _, ev := range stuck {
					if err := webhookSrv.Reconcile(ctx, ev); err != nil {
						logger.Error("inbox sweep reconcile failed", "event_id", ev.ID, "provider", ev.Provider, "error", err)
					}
				}
			}
		}
	}()

	adminSrv := admin.New(admin.Config{
		Store:    st,
		Incident: incidentMachine,
		Logger:   logger,
		AdminKey: cfg.AdminKey,
	})

	opsSrv := httpapi.New(httpapi.Config{
		Store:  st,
		DupCtr: webhookSrv,
	})

	mux := http.NewServeMux()
	mux.Handle("/webhook/", webhookSrv.Handler())
	mux.Handle("/admin/", adminSrv.Handler())
	mux.Handle("/health/", opsSrv.Handler())
	mux.Handle("/metrics", opsSrv.Handler())

	// With no push webhook secret configured in a non-production
	// environment, fall back to Telegram long-polling so the chat
	// surface still works without a public HTTPS endpoint — the
	// production default is the push webhook above.
	if chatProvider != nil && cfg.ChatWebhookSecret == "" && cfg.AppEnv != config.EnvProduction {
		logger.Info("no CHAT_WEBHOOK_SECRET set; falling back to long-polling for local development")
		go func() {
			if err := chatProvider.PollUpdates(ctx, func(update tgbotapi.Update) {
				webhookSrv.DispatchPolledUpdate(ctx, update)
			}); err != nil && ctx.Err() == nil {
				logger.Error("chat long-poll exited with error", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: mux,
	}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		logger.Error("startup failed", "phase", "listener_bind", "error", err)
		os.Exit(1)
	}
	go func() {
		logger.Info("http listening", "addr", cfg.BindAddr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}
