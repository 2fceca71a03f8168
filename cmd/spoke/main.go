package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Gizmo3030/lgsm-hub/internal/agent"
	"github.com/Gizmo3030/lgsm-hub/internal/auth"
)

func main() {
	var (
		port       = flag.Int("port", 8090, "Port to run the agent API on")
		installDir = flag.String("install-dir", ".", "LGSM installation directory")
		apiKey     = flag.String("api-key", "", "Provisioned API key (or set SPOKE_API_KEY)")
		hubURL     = flag.String("hub-url", "", "Hub base URL for result callbacks, e.g. http://hub.example:49950")
		spokeID    = flag.String("spoke-id", "", "Spoke id assigned by the hub at registration")
		runTimeout = flag.Duration("run-timeout", agent.DefaultRunTimeout, "Timeout for a single control action")
	)
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	key := *apiKey
	if key == "" {
		key = os.Getenv("SPOKE_API_KEY")
	}
	if key == "" {
		logger.Fatal("an api key is required (-api-key or SPOKE_API_KEY)")
	}
	if *hubURL == "" || *spokeID == "" {
		logger.Fatal("hub url and spoke id are required (-hub-url, -spoke-id)")
	}

	// The plaintext key never goes on the wire; both sides speak its digest
	keyDigest := auth.DigestAPIKey(key)

	manager := agent.NewLGSMManager(agent.LGSMManagerConfig{
		InstallDir: *installDir,
	})

	reporter := agent.NewReporter(agent.ReporterConfig{
		HubURL:    *hubURL,
		SpokeID:   *spokeID,
		KeyDigest: keyDigest,
		Timeout:   10 * time.Second,
	})

	srv := agent.NewServer(agent.ServerConfig{
		Manager:    manager,
		Reporter:   reporter,
		KeyDigest:  keyDigest,
		RunTimeout: *runTimeout,
		Logger:     logger,
		Port:       *port,
	})

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("agent server stopped", zap.Error(err))
		}
	}()

	logger.Info("spoke agent running",
		zap.Int("port", *port),
		zap.String("install_dir", *installDir))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("received shutdown signal, stopping")
	if err := srv.Shutdown(); err != nil {
		logger.Error("error shutting down agent server", zap.Error(err))
	}
	logger.Info("spoke agent stopped")
}
