package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/Gizmo3030/lgsm-hub/internal/agentapi"
	"github.com/Gizmo3030/lgsm-hub/internal/auth"
	"github.com/Gizmo3030/lgsm-hub/internal/db"
	"github.com/Gizmo3030/lgsm-hub/internal/dispatch"
	"github.com/Gizmo3030/lgsm-hub/internal/handlers"
	"github.com/Gizmo3030/lgsm-hub/internal/heartbeat"
	"github.com/Gizmo3030/lgsm-hub/internal/logrelay"
	"github.com/Gizmo3030/lgsm-hub/internal/notify"
	"github.com/Gizmo3030/lgsm-hub/internal/registry"
	"github.com/Gizmo3030/lgsm-hub/internal/server"
	"github.com/Gizmo3030/lgsm-hub/internal/services"
)

const (
	defaultAdminUser     = "admin"
	defaultAdminPassword = "admin123"
)

func main() {
	var (
		port              = flag.Int("port", 49950, "Port to run the hub API on")
		dbPath            = flag.String("db", "./hub.db", "Path to SQLite database file")
		secret            = flag.String("secret", "", "Session token signing secret (required)")
		interval          = flag.Duration("heartbeat-interval", 60*time.Second, "Heartbeat poll interval")
		pollTimeout       = flag.Duration("heartbeat-timeout", 10*time.Second, "Per-poll timeout")
		jitter            = flag.Duration("heartbeat-jitter", 5*time.Second, "Startup jitter per spoke")
		maxPolls          = flag.Int("heartbeat-concurrency", 8, "Maximum concurrent heartbeat polls")
		degradedThreshold = flag.Int("degraded-after", registry.DefaultDegradedThreshold, "Consecutive failures before a spoke is degraded")
		offlineThreshold  = flag.Int("offline-after", registry.DefaultOfflineThreshold, "Consecutive failures before a spoke is offline")
		dispatchDegraded  = flag.Bool("dispatch-degraded", true, "Allow dispatching commands to degraded spokes")
		ackTimeout        = flag.Duration("ack-timeout", dispatch.DefaultAckTimeout, "Time to wait for a spoke to acknowledge a command")
		completionTimeout = flag.Duration("completion-timeout", dispatch.DefaultCompletionTimeout, "Time to wait for a command result after acknowledgement")
		replayLines       = flag.Int("log-replay", logrelay.DefaultReplayLines, "Console log lines replayed to a new subscriber")
		subscriberLines   = flag.Int("log-buffer", logrelay.DefaultSubscriberLines, "Per-subscriber console log buffer size")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if *secret == "" {
		logger.Fatal("a session signing secret is required (-secret)")
	}

	logger.Info("starting hub", zap.String("db", *dbPath))

	database, err := db.NewDB(*dbPath)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer database.Close()

	if err := db.RunMigrations(*dbPath); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	store := db.NewStore(database)

	// Bootstrap credentials so a fresh hub is reachable
	adminHash, err := bcrypt.GenerateFromPassword([]byte(defaultAdminPassword), bcrypt.DefaultCost)
	if err != nil {
		logger.Fatal("failed to hash bootstrap password", zap.Error(err))
	}
	if err := db.EnsureDefaultAdmin(store.UserRepo, defaultAdminUser, string(adminHash)); err != nil {
		logger.Fatal("failed to ensure default admin", zap.Error(err))
	}

	fleet := registry.NewFleetRegistry(registry.Config{
		DegradedThreshold: *degradedThreshold,
		OfflineThreshold:  *offlineThreshold,
		Logger:            logger,
	})

	agentClient := agentapi.NewClient(*pollTimeout)

	monitor := heartbeat.NewMonitor(heartbeat.Config{
		Fleet:         fleet,
		Poller:        agentClient,
		Interval:      *interval,
		Timeout:       *pollTimeout,
		Jitter:        *jitter,
		MaxConcurrent: *maxPolls,
		Logger:        logger,
	})

	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Fleet:             fleet,
		Commands:          store.CommandRepo,
		Sender:            agentClient,
		AckTimeout:        *ackTimeout,
		CompletionTimeout: *completionTimeout,
		AllowDegraded:     *dispatchDegraded,
		Logger:            logger,
	})

	relay := logrelay.NewRelay(logrelay.Config{
		Fleet: fleet,
		Dial: func(ctx context.Context, address, keyDigest, instance string) (logrelay.LineSource, error) {
			return agentClient.TailLogs(ctx, address, keyDigest, instance)
		},
		ReplayLines:     *replayLines,
		SubscriberLines: *subscriberLines,
		Logger:          logger,
	})

	notifier := notify.NewNotifier(notify.Config{
		Settings: store.SettingRepo,
		Logger:   logger,
	})
	notifier.Start()
	fleet.Subscribe(notifier)

	spokeService := services.NewSpokeService(services.SpokeServiceConfig{
		Fleet:      fleet,
		SpokeRepo:  store.SpokeRepo,
		EventRepo:  store.EventRepo,
		Monitor:    monitor,
		Dispatcher: dispatcher,
		LogRelay:   relay,
		Logger:     logger,
	})

	// Resume watching spokes that were registered before the restart
	if err := spokeService.Load(); err != nil {
		logger.Fatal("failed to load persisted spokes", zap.Error(err))
	}

	gate := auth.NewGate(auth.GateConfig{
		Secret:  []byte(*secret),
		Users:   store.UserRepo,
		Fleet:   fleet,
		Limiter: auth.NewFailureLimiter(10, time.Minute),
		Logger:  logger,
	})

	httpServer := server.NewHTTPServer(server.HTTPServerConfig{
		AuthHandler:     handlers.NewAuthHandler(gate),
		SpokeHandler:    handlers.NewSpokeHandler(spokeService, store.EventRepo),
		CommandHandler:  handlers.NewCommandHandler(dispatcher, store.CommandRepo, gate),
		LogHandler:      handlers.NewLogHandler(relay, logger),
		SettingsHandler: handlers.NewSettingsHandler(store.SettingRepo, store.UserRepo),
		Logger:          logger,
		Port:            *port,
	})

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal("http server stopped", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("received shutdown signal, stopping")

	if err := httpServer.Shutdown(); err != nil {
		logger.Error("error shutting down http server", zap.Error(err))
	}
	monitor.Shutdown()
	dispatcher.Shutdown()
	relay.Shutdown()
	notifier.Shutdown()

	logger.Info("hub stopped")
}
