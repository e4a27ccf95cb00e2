// cmd/companion-agent/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"focus-sync/internal/channel"
	"focus-sync/internal/common/config"
	"focus-sync/internal/common/database"
	"focus-sync/internal/common/logger"
	"focus-sync/internal/coordinator"
	"focus-sync/internal/store"
	"focus-sync/internal/timer"
)

// tickInterval is how often running timers are folded back into their
// sessions' recorded durations.
const tickInterval = time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting companion agent...")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Redis, the only shared infrastructure on this side ---
	var rdb *database.RedisClient
	for attempt := 1; ; attempt++ {
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err == nil {
			err = rdb.Ping(ctx)
		}
		if err == nil {
			break
		}
		if attempt >= 10 {
			zapLog.Fatal("redis failed after retries", zap.Error(err))
		}
		zapLog.Warn("Redis connection failed, retrying...",
			zap.Error(err),
			zap.Int("attempt", attempt),
		)
		time.Sleep(2 * time.Second)
	}
	defer rdb.Close()
	zapLog.Info("Redis connected successfully")

	// --- Local session store and coordinator ---
	st, err := store.NewStore(cfg.Store.Dir, log)
	if err != nil {
		zapLog.Fatal("session store failed to open", zap.Error(err))
	}
	coord := coordinator.New(cfg, st, log)

	// --- Channel: serve our own requests, talk to the peer ---
	server := channel.NewServer(cfg.App.Name, rdb, coord, log)
	go server.Run(ctx)

	client := channel.NewClient(rdb, cfg.Channel, log)

	// --- Timer tick loop ---
	go runTickLoop(ctx, cfg, coord, log)

	// --- Flush queued messages whenever the peer is reachable ---
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if client.PendingCount() == 0 {
					continue
				}
				if err := client.Ping(ctx); err != nil {
					continue
				}
				if err := client.Flush(ctx); err != nil {
					log.WithError(err).Warn("queued message flush failed", nil)
				}
			}
		}
	}()

	zapLog.Info("companion agent running",
		zap.String("channelName", cfg.App.Name),
		zap.String("peer", cfg.Channel.PeerName),
	)

	<-ctx.Done()
	zapLog.Info("shutting down...")
	coord.Shutdown()
}

// runTickLoop folds running timers back into session durations and keeps
// each timezone-aware timer watching the ambient zone.
func runTickLoop(ctx context.Context, cfg *config.Config, coord *coordinator.Coordinator, log logger.Logger) {
	pollInterval := config.GetDuration(cfg.Timer.TimezonePollInterval)
	watched := make(map[*timer.Subsystem]context.CancelFunc)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			current := make(map[*timer.Subsystem]bool)
			for _, userID := range coord.TimerUsers() {
				sub := coord.Timer(userID)
				if sub == nil {
					continue
				}
				current[sub] = true

				if _, ok := watched[sub]; !ok && sub.Flag() != timer.FlagDisabled {
					watchCtx, cancel := context.WithCancel(ctx)
					watched[sub] = cancel
					sub.WatchTimezone(watchCtx, pollInterval, ambientZone, func(oldZone, newZone string) {
						relabelled, err := coord.RelabelTimezone(userID, newZone)
						if err != nil {
							log.WithError(err).Warn("timezone re-label failed", map[string]interface{}{
								"userId": userID,
							})
							return
						}
						if relabelled {
							log.Info("session timezone re-labelled", map[string]interface{}{
								"userId": userID,
								"from":   oldZone,
								"to":     newZone,
							})
						}
					})
				}

				sub.CheckShadow()

				state := coord.FocusState(userID)
				if !state.Active {
					continue
				}
				minutes := sub.State().ElapsedSeconds / 60
				if _, err := coord.UpdateDuration(state.SessionID, minutes); err != nil {
					log.WithError(err).Warn("duration tick failed", map[string]interface{}{
						"sessionId": state.SessionID,
					})
				}
			}

			// Timers the coordinator dropped take their timezone watchers
			// with them.
			for sub, cancel := range watched {
				if !current[sub] {
					cancel()
					delete(watched, sub)
				}
			}
		}
	}
}

func ambientZone() string {
	zone, _ := time.Now().Zone()
	return zone
}
