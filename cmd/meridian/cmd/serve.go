package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/meridianchat/meridian/pkg/meridian/audit"
	"github.com/meridianchat/meridian/pkg/meridian/bus"
	"github.com/meridianchat/meridian/pkg/meridian/config"
	"github.com/meridianchat/meridian/pkg/meridian/event"
	"github.com/meridianchat/meridian/pkg/meridian/gateway"
	"github.com/meridianchat/meridian/pkg/meridian/otel"
	"github.com/meridianchat/meridian/pkg/meridian/publisher"
	"github.com/meridianchat/meridian/pkg/meridian/registry"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve [config-file]",
	Short: "Start the meridian delivery server",
	Long: `Start the realtime delivery server with the given HCL
configuration file, or built-in defaults when none is given.

Examples:
  meridian serve
  meridian serve meridian.hcl --log-level debug`,
	Args: cobra.MaximumNArgs(1),
	RunE: runServe,
}

var logLevel string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")
}

func runServe(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	cfg := config.Default()
	if len(args) == 1 {
		cfg, err = config.Load(args[0])
		if err != nil {
			return err
		}
	}

	logger.Info("starting meridian server",
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("log-level", logLevel),
	)

	metrics := otel.NewProvider("meridian", "0.1.0")

	topicBus, err := bus.NewBus().
		WithLogger(logger.Named("bus")).
		WithMetrics(metrics).
		WithTracing(metrics).
		Build()
	if err != nil {
		return err
	}
	if err := topicBus.Start(); err != nil {
		return err
	}
	defer topicBus.Stop()

	reg := registry.New(logger.Named("registry"))

	var transport publisher.Transport
	pubBuilder := publisher.NewPublisher().
		WithLogger(logger.Named("publisher")).
		WithMetrics(metrics).
		WithTracing(metrics).
		WithBackoff(
			config.Duration(cfg.Publisher.BaseDelay),
			config.Duration(cfg.Publisher.MaxDelay),
			cfg.Publisher.MaxAttempts,
		)

	var pub *publisher.Publisher
	if cfg.Publisher.RelayURL != "" {
		relay, err := publisher.NewRelay().
			WithURL(cfg.Publisher.RelayURL).
			WithLogger(logger.Named("relay")).
			WithLocalBus(topicBus).
			WithDisconnectHandler(func(err error) {
				pub.OnTransportDisconnect(err)
			}).
			Build()
		if err != nil {
			return err
		}
		transport = relay
	} else {
		transport = publisher.NewBusTransport(topicBus)
	}

	pub, err = pubBuilder.WithTransport(transport).Build()
	if err != nil {
		return err
	}
	defer pub.Close()

	if err := pub.Connect(cmd.Context()); err != nil {
		// The reconnect cycle is already scheduled; keep serving.
		logger.Warn("initial transport connect failed", zap.Error(err))
	}

	recorder := audit.NewRecorder(logger.Named("audit"), 1024)
	if err := recorder.Attach(cmd.Context(), topicBus); err != nil {
		return err
	}
	defer recorder.Detach(context.Background(), topicBus)

	listener, err := gateway.NewListenerConfig().
		WithRegistry(reg).
		WithPublisher(pub).
		WithBus(topicBus).
		WithLogger(logger.Named("gateway")).
		WithAuthFunc(authFromEnv(logger)).
		WithQueueSize(cfg.Gateway.QueueSize).
		WithPingInterval(config.Duration(cfg.Gateway.PingInterval)).
		WithReadTimeout(config.Duration(cfg.Gateway.ReadTimeout)).
		WithWriteTimeout(config.Duration(cfg.Gateway.WriteTimeout)).
		Build()
	if err != nil {
		return err
	}

	sweeper := cron.New()
	staleAfter := config.Duration(cfg.Registry.StaleAfter)
	_, err = sweeper.AddFunc(cfg.Registry.SweepSchedule, func() {
		for _, userID := range reg.EvictStale(staleAfter) {
			listener.DisconnectUser(userID)
			env := event.NewEnvelope(
				event.KindUserStatus,
				event.PresenceChannel,
				event.UserRoutingKey(userID, event.KindUserStatus),
				gateway.PresenceNotice{UserID: userID, Online: false},
			)
			if err := topicBus.Publish(context.Background(), env); err != nil {
				logger.Warn("failed to broadcast eviction", zap.String("user_id", userID), zap.Error(err))
			}
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule: %w", err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", listener.ServeWebsocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pub.Status())
	})
	mux.HandleFunc("/reconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := pub.ForceReconnect(r.Context()); err != nil {
			logger.Warn("forced reconnect failed", zap.Error(err))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(pub.Status())
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := listener.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", zap.Error(err))
	}
	return server.Shutdown(shutdownCtx)
}

// authFromEnv builds the handshake policy from MERIDIAN_TOKENS
// ("token=user,token=user"). Production deployments replace this with
// a real authentication service collaborator.
func authFromEnv(logger *zap.Logger) gateway.AuthFunc {
	raw := os.Getenv("MERIDIAN_TOKENS")
	if raw == "" {
		logger.Warn("MERIDIAN_TOKENS not set, all handshakes will be denied")
		return gateway.DenyAll
	}

	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		token, user, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && token != "" && user != "" {
			tokens[token] = user
		}
	}
	return gateway.StaticTokenAuth(tokens)
}

func setupLogger() (*zap.Logger, error) {
	level := logLevel
	if GetDebug() {
		level = "debug"
	} else if GetVerbose() && level == "info" {
		level = "debug"
	}

	var zapLevel zap.AtomicLevel
	switch strings.ToLower(level) {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn", "warning":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zapLevel
	cfg.Development = GetDebug()

	return cfg.Build()
}
