// Package main is the entry point for the Threadline gateway.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/constants"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/events/bus"
	"github.com/threadline/threadline/internal/gateway"
	"github.com/threadline/threadline/internal/gateway/api"
	"github.com/threadline/threadline/internal/provider"
	"github.com/threadline/threadline/internal/provider/acp"
	"github.com/threadline/threadline/internal/query"
	"github.com/threadline/threadline/internal/ratelimit"
	"github.com/threadline/threadline/internal/scheduler"
	"github.com/threadline/threadline/internal/session"
	"github.com/threadline/threadline/internal/store"
)

const serviceName = "threadline"

func main() {
	// 1. Configuration and logger.
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Threadline gateway...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Event bus: in-memory unless a NATS URL is configured.
	var eventBus bus.EventBus
	if cfg.NATS.URL == "" {
		eventBus = bus.NewMemoryEventBus(log)
	} else {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
	}
	defer eventBus.Close()

	// 3. State directories and stores.
	for _, dir := range []string{cfg.Sessions.Dir, cfg.Sessions.WorkdirRoot, cfg.Sessions.DataDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatal("Failed to create state directory", zap.String("dir", dir), zap.Error(err))
		}
	}

	snapshots, err := store.NewSnapshotStore(cfg.Sessions.Dir, log)
	if err != nil {
		log.Fatal("Failed to open snapshot store", zap.Error(err))
	}
	forms := store.NewFormStore(cfg.Sessions.DataDir+"/pending-forms.json", log)
	if err := forms.Load(); err != nil {
		log.Warn("Failed to load pending forms", zap.Error(err))
	}
	restart := store.NewRestartStore(serviceName, cfg.Sessions.DefaultWorkingDir, log)

	// 4. Provider stack.
	orch := provider.NewOrchestrator(log)
	orch.Register(acp.New(cfg.Provider, log))
	if policies, err := provider.ParsePolicies(cfg.Provider.RetryPolicies); err != nil {
		log.Warn("Ignoring invalid retry policies", zap.Error(err))
	} else if len(policies) > 0 {
		orch.SetPolicies(policies)
	}
	runtime := query.NewRuntime(orch, log)

	// 5. Session manager.
	manager := session.NewManager(session.Deps{
		Runtime:   runtime,
		Snapshots: snapshots,
		Bus:       eventBus,
		Logger:    log,
		Config:    cfg.Sessions,
		Provider:  cfg.Provider,
		Safety: &query.SafetyPolicy{
			AllowedDirs: cfg.Safety.AllowedDirs,
			TempDirs:    cfg.Safety.TempDirs,
		},
	})
	if err := manager.Start(ctx); err != nil {
		log.Fatal("Failed to start session manager", zap.Error(err))
	}
	if n, err := manager.LoadAllSessions(); err != nil {
		log.Warn("Failed to restore some sessions", zap.Error(err))
	} else if n > 0 {
		log.Info("Restored sessions from disk", zap.Int("count", n))
	}

	// 6. Transport-facing service.
	limiter := ratelimit.New(cfg.RateLimit.Requests, cfg.RateLimit.RatePeriod())
	svc := gateway.NewService(cfg.Sessions, manager, limiter, forms, restart, log)

	// 7. Scheduler with cron-file hot reload.
	var sched *scheduler.Scheduler
	var watcher *scheduler.Watcher
	if cfg.Scheduler.Enabled {
		sched = scheduler.NewScheduler(cfg.Scheduler, manager, eventBus, log)
		if err := sched.Start(); err != nil {
			log.Error("Scheduler disabled: failed to start", zap.Error(err))
			sched = nil
		} else {
			watcher = scheduler.NewWatcher(cfg.Scheduler, sched.Reload, log)
			if err := watcher.Start(); err != nil {
				log.Warn("Cron hot reload unavailable", zap.Error(err))
				watcher = nil
			}
		}
	}

	// 8. Boot protocol: restart hand-off into the primary session.
	runBootProtocol(svc, cfg.Sessions, log)

	// 9. Admin API.
	apiServer := api.NewServer(cfg.Server, svc, sched, log)
	var group errgroup.Group
	group.Go(apiServer.Start)

	log.Info("Threadline gateway started")

	// 10. Signal handling. SIGTERM runs the graceful shutdown protocol;
	// SIGINT exits without saving.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	graceful := sig == syscall.SIGTERM
	log.Info("Shutting down Threadline gateway...",
		zap.String("signal", sig.String()),
		zap.Bool("graceful", graceful))

	if graceful {
		if n := svc.DrainAllSteering(); n > 0 {
			log.Info("Drained pending steering to disk", zap.Int("count", n))
		}
		writeShutdownContext(manager, restart, log)
		if watcher != nil {
			watcher.Stop()
		}
		if sched != nil {
			sched.Stop()
		}
		if n := manager.SaveAllSessions(); n > 0 {
			log.Info("Snapshotted sessions", zap.Int("count", n))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Admin API shutdown error", zap.Error(err))
	}
	cancel()
	manager.Stop()
	if err := group.Wait(); err != nil {
		log.Error("Server error", zap.Error(err))
	}

	if graceful {
		// Let queued outbound messages flush.
		time.Sleep(constants.OutboundDrainSleep)
	}
	log.Info("Threadline gateway stopped")
}

// runBootProtocol applies the restart hand-off files to the primary session:
// carried-over steering, verification tasks, and either a load-directive from
// .last-save-id or the latest restart-context markdown.
func runBootProtocol(svc *gateway.Service, cfg config.SessionsConfig, log *logger.Logger) {
	restart := svc.Restart()

	if ps, err := restart.ConsumePendingSteering(); err != nil {
		log.Warn("Failed to read pending-steering carry-over", zap.Error(err))
	} else if ps != nil && cfg.PrimaryChat != "" {
		if s, err := svc.GetSession(cfg.PrimaryChat, ""); err == nil {
			if _, err := s.EnqueueSteering(ps.Content, 1); err != nil {
				log.Warn("Failed to restore carried-over steering", zap.Error(err))
			} else {
				log.Info("Restored steering from previous run", zap.Int("count", ps.Count))
			}
		}
	}

	notice, err := restart.ConsumeRestartNotice()
	if err != nil {
		log.Warn("Failed to read restart notice", zap.Error(err))
	}

	var verificationContext string
	if notice != nil && notice.Verification != nil {
		verificationContext = runVerification(notice.Verification, cfg.DefaultWorkingDir, log)
	}

	if cfg.PrimaryChat == "" {
		return
	}
	primary, err := svc.GetSession(cfg.PrimaryChat, "")
	if err != nil {
		log.Warn("No primary session for restart context", zap.Error(err))
		return
	}

	if verificationContext != "" {
		primary.SetNextQueryContext(verificationContext)
		return
	}

	if saveID, err := restart.ConsumeLastSaveID(); err != nil {
		log.Warn("Failed to read last-save-id", zap.Error(err))
	} else if saveID != "" {
		primary.SetNextQueryContext(fmt.Sprintf("Load the saved state with id %s and continue from it.", saveID))
		return
	}

	if content, err := restart.LatestRestartContext(); err != nil {
		log.Warn("Failed to read restart context", zap.Error(err))
	} else if content != "" {
		primary.SetNextQueryContext(content)
	}
}

// runVerification runs the handed-off verification command. A failure
// returns a fix-request context for the primary session; success returns "".
func runVerification(task *store.VerificationTask, workdir string, log *logger.Logger) string {
	if task.Command == "" {
		return ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", task.Command)
	cmd.Dir = workdir
	out, err := cmd.CombinedOutput()
	if err == nil {
		log.Info("Post-restart verification passed",
			zap.String("task_id", task.TaskID),
			zap.String("command", task.Command))
		return ""
	}

	log.Error("Post-restart verification failed",
		zap.String("task_id", task.TaskID),
		zap.String("command", task.Command),
		zap.Error(err))
	detail := string(out)
	if len(detail) > 1000 {
		detail = detail[:1000]
	}
	return fmt.Sprintf(
		"The verification for task %s failed after the restart.\nCommand: %s\nOutput:\n%s\nPlease investigate and fix it.",
		task.TaskID, task.Command, detail)
}

// writeShutdownContext writes the restart-context markdown summarizing what
// was in flight, bounded by the shutdown timeout.
func writeShutdownContext(manager *session.Manager, restart *store.RestartStore, log *logger.Logger) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		stats := manager.GetGlobalStats()
		content := fmt.Sprintf(
			"# Restart context (%s)\n\nSessions: %d (processing: %d)\nTotal queries: %d\nSteering buffered: %d\n",
			time.Now().Format(time.RFC3339),
			stats.Sessions, stats.Processing, stats.TotalQueries, stats.SteeringBuffered)
		for _, st := range manager.ListStats() {
			content += fmt.Sprintf("\n- %s: %d queries, context %d%%", st.Key, st.TotalQueries, st.ContextPercent)
		}
		if path, err := restart.WriteRestartContext(content); err != nil {
			log.Error("Failed to write restart context", zap.Error(err))
		} else {
			log.Info("Wrote restart context", zap.String("path", path))
		}
	}()

	select {
	case <-done:
	case <-time.After(constants.ShutdownContextTimeout):
		log.Warn("Restart-context write timed out")
	}
}
