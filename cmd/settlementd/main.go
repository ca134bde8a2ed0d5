package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agoramesh-ai/settlement/internal/admin"
	"github.com/agoramesh-ai/settlement/internal/alert"
	"github.com/agoramesh-ai/settlement/internal/config"
	"github.com/agoramesh-ai/settlement/internal/custody"
	"github.com/agoramesh-ai/settlement/internal/dispute"
	"github.com/agoramesh-ai/settlement/internal/domain/model"
	"github.com/agoramesh-ai/settlement/internal/escrow"
	"github.com/agoramesh-ai/settlement/internal/events"
	"github.com/agoramesh-ai/settlement/internal/store"
	"github.com/agoramesh-ai/settlement/internal/store/memory"
	"github.com/agoramesh-ai/settlement/internal/store/postgres"
	"github.com/agoramesh-ai/settlement/internal/stream"
	"github.com/agoramesh-ai/settlement/internal/tracing"
	"github.com/agoramesh-ai/settlement/internal/trust"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

const migrationsDir = "migrations"

// repos groups the repository set behind either backend.
type repos struct {
	tx       store.TxRunner
	agents   store.AgentRepository
	trust    store.TrustRepository
	escrows  store.EscrowRepository
	streams  store.StreamRepository
	disputes store.DisputeRepository
	balances store.BalanceRepository
	events   store.EventRepository
}

func main() {
	logLevel := slog.LevelInfo
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting settlementd",
		"store_backend", cfg.Store.Backend,
		"admin_port", cfg.Server.AdminPort,
		"metrics_port", cfg.Server.MetricsPort,
		"stake_token", cfg.Trust.StakeToken,
		"oracle_enabled", cfg.Oracle.Endpoint != "",
		"redis_enabled", cfg.Redis.URL != "",
	)

	shutdownTracing, err := tracing.Init(context.Background(), "settlementd", cfg.Tracing.OTLPEndpoint, cfg.Tracing.SampleRatio)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.OTLPEndpoint != "" {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.OTLPEndpoint)
	}

	var r repos
	switch cfg.Store.Backend {
	case "postgres":
		db, err := postgres.New(postgres.Config{
			URL:             cfg.DB.URL,
			MaxOpenConns:    cfg.DB.MaxOpenConns,
			MaxIdleConns:    cfg.DB.MaxIdleConns,
			ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		})
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.RunMigrations(migrationsDir); err != nil {
			logger.Error("failed to run migrations", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to database")
		r = repos{
			tx:       db,
			agents:   postgres.NewAgentRepo(db),
			trust:    postgres.NewTrustRepo(db),
			escrows:  postgres.NewEscrowRepo(db),
			streams:  postgres.NewStreamRepo(db),
			disputes: postgres.NewDisputeRepo(db),
			balances: postgres.NewBalanceRepo(db),
			events:   postgres.NewEventRepo(db),
		}
	case "memory":
		ms := memory.New()
		r = repos{
			tx:       ms,
			agents:   ms.Agents(),
			trust:    ms.Trust(),
			escrows:  ms.Escrows(),
			streams:  ms.Streams(),
			disputes: ms.Disputes(),
			balances: ms.Balances(),
			events:   ms.Events(),
		}
		logger.Warn("using in-memory store; state is lost on restart")
	}

	ledger := custody.NewLedger(r.balances)

	var pub events.Publisher
	if cfg.Redis.URL != "" {
		rp, err := events.NewRedisPublisher(cfg.Redis.URL, cfg.Redis.Stream, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err, "redis_url", cfg.Redis.URL)
			os.Exit(1)
		}
		pub = rp
		logger.Info("publishing events to redis stream", "stream", cfg.Redis.Stream)
	} else {
		pub = events.NewInMemoryPublisher(1024)
	}
	defer func() {
		if err := pub.Close(); err != nil {
			logger.Warn("publisher close error", "error", err)
		}
	}()

	trustParams, err := buildTrustParams(cfg)
	if err != nil {
		logger.Error("invalid trust parameters", "error", err)
		os.Exit(1)
	}
	trustEng := trust.New(r.tx, r.agents, r.trust, ledger, r.events, pub, trustParams, logger)
	escrowEng := escrow.New(r.tx, r.escrows, r.agents, ledger, r.events, pub, logger)
	streamEng := stream.New(r.tx, r.streams, r.agents, ledger, r.events, pub, logger)

	var oracle dispute.ArbiterOracle
	if cfg.Oracle.Endpoint != "" {
		oracle = dispute.NewHTTPOracle(cfg.Oracle.Endpoint, time.Duration(cfg.Oracle.TimeoutSec)*time.Second, logger)
		logger.Info("advisory oracle enabled", "endpoint", cfg.Oracle.Endpoint)
	}
	disputeEng := dispute.New(
		r.tx, r.disputes, r.agents, r.trust, r.escrows, r.streams,
		trustEng, escrowEng, streamEng,
		ledger, r.events, pub, oracle, buildDisputeParams(cfg), logger,
	)

	onramp := custody.NewOnramp(r.tx, ledger, r.events, pub, logger)
	adminSrv := admin.NewServer(trustEng, escrowEng, streamEng, disputeEng, ledger, onramp, r.events, logger)
	rateLimiter := admin.NewRateLimitMiddleware(cfg.Server.RateLimitPerSec, cfg.Server.RateLimitBurst, logger)
	defer rateLimiter.Stop()

	channels := make([]alert.Alerter, 0, 1)
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	notifier := alert.NewMultiAlerter(time.Duration(cfg.Alert.CooldownSec)*time.Second, logger, channels...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runServer(gCtx, "admin", cfg.Server.AdminPort, rateLimiter.Wrap(adminSrv.Handler()), logger)
	})

	g.Go(func() error {
		return runServer(gCtx, "metrics", cfg.Server.MetricsPort, metricsHandler(logger), logger)
	})

	g.Go(func() error {
		return runReconcileLoop(gCtx, ledger, notifier, cfg.Alert.ReconcileEvery, logger)
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("settlementd exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("settlementd shut down gracefully")
}

func buildTrustParams(cfg *config.Config) (trust.Params, error) {
	refStake, err := model.ParsePositiveAmount(cfg.Trust.ReferenceStake)
	if err != nil {
		return trust.Params{}, fmt.Errorf("REFERENCE_STAKE: %w", err)
	}
	refVolume, err := model.ParsePositiveAmount(cfg.Trust.ReferenceVolume)
	if err != nil {
		return trust.Params{}, fmt.Errorf("REFERENCE_VOLUME: %w", err)
	}
	return trust.Params{
		ReferenceStake:   refStake,
		ReferenceVolume:  refVolume,
		StakeToken:       cfg.Trust.StakeToken,
		WithdrawCooldown: time.Duration(cfg.Trust.WithdrawCooldownHrs) * time.Hour,
		ScoreCacheSize:   cfg.Trust.ScoreCacheSize,
		ScoreCacheTTL:    time.Duration(cfg.Trust.ScoreCacheTTLSec) * time.Second,
	}, nil
}

func buildDisputeParams(cfg *config.Config) dispute.Params {
	return dispute.Params{
		Tier1MaxAmount:   cfg.Dispute.Tier1MaxAmount,
		Tier2MaxAmount:   cfg.Dispute.Tier2MaxAmount,
		VotingWindow:     time.Duration(cfg.Dispute.VotingWindowHrs) * time.Hour,
		AppealWindow:     time.Duration(cfg.Dispute.AppealWindowHrs) * time.Hour,
		MaxAppealRounds:  cfg.Dispute.MaxAppealRounds,
		FeeBps:           int64(cfg.Dispute.FeeBps),
		MinoritySlashBps: int64(cfg.Dispute.MinoritySlashBps),
		MinJurorStake:    cfg.Dispute.MinJurorStake,
		MinJurorScore:    int64(cfg.Dispute.MinJurorScore),
		DeliveryGrace:    time.Duration(cfg.Escrow.DeliveryGraceHrs) * time.Hour,
	}
}

func metricsHandler(logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func runServer(ctx context.Context, name string, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("server started", "server", name, "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

// runReconcileLoop periodically verifies that per-token custody supply equals
// the sum of account balances and alerts the operator on any mismatch.
func runReconcileLoop(ctx context.Context, ledger *custody.Ledger, notifier *alert.MultiAlerter, every time.Duration, logger *slog.Logger) error {
	if every <= 0 {
		every = 5 * time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		checks, err := ledger.Reconcile(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Warn("custody reconciliation failed", "error", err)
			continue
		}
		for _, c := range checks {
			if c.IsMatch {
				continue
			}
			logger.Error("custody mismatch detected",
				"token", c.Token,
				"supply", c.Supply,
				"sum_balances", c.SumBalances,
				"difference", c.Difference,
			)
			if err := notifier.Send(ctx, alert.Alert{
				Type:    alert.TypeCustodyMismatch,
				Entity:  c.Token,
				Title:   "Custody reconciliation mismatch",
				Message: fmt.Sprintf("token %s: supply %s, sum of balances %s", c.Token, c.Supply, c.SumBalances),
				Fields: map[string]string{
					"token":        c.Token,
					"supply":       c.Supply,
					"sum_balances": c.SumBalances,
					"difference":   c.Difference,
				},
			}); err != nil {
				logger.Warn("custody mismatch alert failed", "token", c.Token, "error", err)
			}
		}
	}
}
