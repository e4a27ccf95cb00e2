// cmd/focus-sync/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"focus-sync/internal/channel"
	"focus-sync/internal/cloud"
	"focus-sync/internal/common/aws"
	"focus-sync/internal/common/config"
	"focus-sync/internal/common/database"
	"focus-sync/internal/common/logger"
	"focus-sync/internal/common/observability"
	"focus-sync/internal/coordinator"
	"focus-sync/internal/models"
	"focus-sync/internal/reconcile"
	"focus-sync/internal/store"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting focus-sync...")

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var rdb *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return rdb.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rdb.Close()
	zapLog.Info("Redis connected successfully")

	// --- Metrics endpoint ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		zapLog.Info("metrics server listening", zap.String("addr", cfg.App.MetricsAddr))
		if err := http.ListenAndServe(cfg.App.MetricsAddr, mux); err != nil {
			zapLog.Error("metrics server stopped", zap.Error(err))
		}
	}()

	// --- Session store and coordinator ---
	st, err := store.NewStore(cfg.Store.Dir, log)
	if err != nil {
		zapLog.Fatal("session store failed to open", zap.Error(err))
	}
	coord := coordinator.New(cfg, st, log)

	// --- Conflict notifier ---
	var notifier reconcile.ConflictNotifier = reconcile.NoopNotifier{}
	if cfg.Notifications.SNS.Enabled {
		snsClient, err := aws.NewSNSClient(ctx, cfg.Notifications.SNS.Region)
		if err != nil {
			zapLog.Fatal("sns client failed", zap.Error(err))
		}
		notifier = reconcile.NewSNSNotifier(snsClient, cfg.Notifications.SNS.TopicARN, log)
		zapLog.Info("SNS conflict notifications enabled")
	}

	// --- Reconciliation engine ---
	repo := cloud.NewSessionRepository(pg, log)
	engine, err := reconcile.NewEngine(cfg.Reconcile, coord, repo, notifier, obs, log)
	if err != nil {
		zapLog.Fatal("reconcile engine failed", zap.Error(err))
	}

	go engine.Run(ctx, func() []string {
		return localUsers(coord, cfg.Reconcile.WindowDays, log)
	})

	// --- Channel server ---
	server := channel.NewServer(cfg.App.Name, rdb, coord, log)
	go server.Run(ctx)

	// --- Stale-session sweep, once a day ---
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := st.CleanupStale(cfg.Store.MaxAgeDays); err != nil {
					log.WithError(err).Error("stale-session sweep failed", nil)
				}
			}
		}
	}()

	zapLog.Info("focus-sync running",
		zap.String("channelName", cfg.App.Name),
		zap.String("peer", cfg.Channel.PeerName),
	)

	<-ctx.Done()
	zapLog.Info("shutting down...")
	coord.Shutdown()
}

// localUsers collects the distinct users with sessions in the reconcile
// window, so every one of them gets a pass.
func localUsers(coord *coordinator.Coordinator, windowDays int, log logger.Logger) []string {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -(windowDays - 1))
	sessions, err := coord.Sessions(
		start.Format(models.PartitionDateLayout),
		end.Format(models.PartitionDateLayout),
	)
	if err != nil {
		log.WithError(err).Error("could not list local sessions", nil)
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	for _, session := range sessions {
		if !seen[session.UserID] {
			seen[session.UserID] = true
			out = append(out, session.UserID)
		}
	}
	return out
}
