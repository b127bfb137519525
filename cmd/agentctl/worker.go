package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cuemby/agentctl/internal/agentcard"
	"github.com/cuemby/agentctl/internal/authclient"
	"github.com/cuemby/agentctl/internal/backend"
	"github.com/cuemby/agentctl/internal/cluster"
	"github.com/cuemby/agentctl/internal/dispatcher"
	"github.com/cuemby/agentctl/internal/events"
	"github.com/cuemby/agentctl/internal/healthserver"
	"github.com/cuemby/agentctl/internal/ledger"
	"github.com/cuemby/agentctl/internal/metrics"
	"github.com/cuemby/agentctl/internal/obslog"
	"github.com/cuemby/agentctl/internal/observability"
	"github.com/cuemby/agentctl/internal/statusstore"
	"github.com/cuemby/agentctl/internal/stream"
	"github.com/cuemby/agentctl/internal/version"
)

var workerDataDir string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the orchestration worker",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Consume orchestration commands until interrupted",
	RunE:  runWorker,
}

func init() {
	workerRunCmd.Flags().StringVar(&workerDataDir, "data-dir", "/var/lib/agentctl", "local ledger database directory")
	workerCmd.AddCommand(workerRunCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisAddr := fmt.Sprintf("%s:%s", cfg.Redis.Host, cfg.Redis.Port)

	consumer, err := stream.NewConsumer(ctx, stream.Config{
		Addr:         redisAddr,
		DB:           cfg.Redis.DB,
		ConsumerName: cfg.ConsumerName,
	})
	if err != nil {
		return fmt.Errorf("worker: start stream consumer: %w", err)
	}
	defer consumer.Close()

	statusRedis := redis.NewClient(&redis.Options{Addr: redisAddr, DB: cfg.Redis.DB})
	defer statusRedis.Close()

	backendClient := backend.New(cfg.BackendBaseURL)
	authClient := authclient.New(cfg.AuthServiceURL)
	statusStore := statusstore.New(statusRedis, backendClient)

	driver, err := cluster.NewK8sDriver(cfg.Namespace, "agent-builder:latest")
	if err != nil {
		return fmt.Errorf("worker: build cluster driver: %w", err)
	}

	ledgerStore, err := ledger.Open(workerDataDir)
	if err != nil {
		return fmt.Errorf("worker: open ledger: %w", err)
	}
	defer ledgerStore.Close()

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	versionEngine := version.New(backendClient, driver)
	obsStager := observability.New(backendClient, driver, observability.Config{
		InjectorBinary:   cfg.TracingInjectorBinary,
		CollectorURL:     cfg.ObservabilityCollectorURL,
		TracingEnabled:   cfg.ObservabilityTracingEnabled,
		InjectionEnabled: cfg.ObservabilityInjectionEnabled,
	})
	cardResolver := agentcard.New(backendClient, cfg.AgentCardGeneratorBinary, cfg.LLMAPIKey != "")

	disp := dispatcher.New(dispatcher.Dispatcher{
		Backend:       backendClient,
		Auth:          authClient,
		Cluster:       driver,
		Status:        statusStore,
		Version:       versionEngine,
		Observability: obsStager,
		AgentCard:     cardResolver,
		Ledger:        ledgerStore,
		Events:        broker,
		GatewayBase:   cfg.GatewayURL,
		Namespace:     cfg.Namespace,
		RegistryURL:   cfg.RegistryURL,
		LLMAPIKey:     cfg.LLMAPIKey,

		ObservabilityCollectorURL:   cfg.ObservabilityCollectorURL,
		ObservabilityTracingEnabled: cfg.ObservabilityTracingEnabled,
	})

	health := healthserver.New(Version, redisChecker{client: statusRedis})
	httpServer := health.Start(cfg.MetricsAddr)
	defer httpServer.Close()

	go pollStreamLag(ctx, consumer)

	obslog.Info(fmt.Sprintf("worker: listening on stream as consumer %q", cfg.ConsumerName))

	return consumer.Run(ctx, func(ctx context.Context, msg stream.Message) {
		disp.Handle(ctx, msg.ID, msg.Fields)
	})
}

func pollStreamLag(ctx context.Context, consumer *stream.Consumer) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n, err := consumer.PendingCount(ctx); err == nil {
				metrics.StreamLag.Set(float64(n))
			}
		case <-ctx.Done():
			return
		}
	}
}

type redisChecker struct {
	client *redis.Client
}

func (r redisChecker) Name() string { return "redis" }

func (r redisChecker) Ready() (bool, string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return false, err.Error()
	}
	return true, "ok"
}
