// Package daemon wires the resilience core together and runs it until the
// process is told to stop. Each worker process in the fleet runs one daemon.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentfleet/cache"
	"agentfleet/config"
	"agentfleet/leaktrack"
	"agentfleet/log"
	"agentfleet/monitoring"
	"agentfleet/registry"
	"agentfleet/scheduler"
	"agentfleet/store"
)

// sweepInterval is how often finished conversations are swept from the
// registry on the normal completion path.
const sweepInterval = time.Minute

// Services are the long-lived core objects, constructed once at process start
// and passed by reference to anything that needs them.
type Services struct {
	Store     *store.Store
	Cache     *cache.SharedCache
	Leaks     *leaktrack.Tracker
	Registry  *registry.ConversationRegistry
	Monitor   *monitoring.ResourceMonitor
	Scheduler *scheduler.Scheduler
}

// Build constructs the service graph from configuration. executor runs task
// payloads; the daemon does not interpret them.
func Build(cfg *config.Config, executor scheduler.TaskExecutor) (*Services, error) {
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	leaks := leaktrack.New(cfg.LeakThreshold(), cfg.HardLeakThreshold())

	monitor := monitoring.NewResourceMonitor(monitoring.Config{
		Interval:        cfg.MonitorInterval(),
		MemoryCeilingMB: uint64(cfg.MemoryCeilingMB),
		MaxTaskDuration: cfg.MaxTaskDuration(),
	}, leaks)

	reg := registry.New(cfg.StopGrace())

	sched := scheduler.New(st, executor, monitor, reg, scheduler.Config{
		WorkerCount:    cfg.WorkerCount,
		PollInterval:   cfg.PollInterval(),
		PollJitter:     cfg.PollJitter(),
		TaskTimeout:    cfg.TaskTimeout(),
		StartupStagger: cfg.StartupStagger(),
	})

	return &Services{
		Store: st,
		Cache: cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}),
		Leaks:     leaks,
		Registry:  reg,
		Monitor:   monitor,
		Scheduler: sched,
	}, nil
}

// Run builds the services and blocks until SIGINT or SIGTERM, then shuts
// everything down in reverse dependency order.
func Run(cfg *config.Config, executor scheduler.TaskExecutor) error {
	svc, err := Build(cfg, executor)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.Monitor.Start(); err != nil {
		return fmt.Errorf("start resource monitor: %w", err)
	}
	svc.Scheduler.Start()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go svc.sweepLoop(sweepCtx)

	log.InfoLog.Printf("agentfleet daemon running as worker %d of %d", svc.Scheduler.WorkerID(), cfg.WorkerCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.InfoLog.Printf("received %v, shutting down", sig)

	stopSweep()
	svc.Scheduler.Stop()
	if err := svc.Monitor.Stop(); err != nil {
		log.WarningLog.Printf("stopping resource monitor: %v", err)
	}
	return nil
}

// sweepLoop periodically removes finished conversations and evicts leaked
// session bookkeeping.
func (s *Services) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Registry.SweepFinished(); n > 0 {
				log.DebugLog.Printf("swept %d finished conversations", n)
			}
			if n := s.Leaks.CleanupLeaked(); n > 0 {
				log.WarningLog.Printf("evicted %d leaked sessions", n)
			}
		}
	}
}

// Close releases the services' external resources.
func (s *Services) Close() {
	if err := s.Cache.Close(); err != nil {
		log.WarningLog.Printf("closing cache: %v", err)
	}
	if err := s.Store.Close(); err != nil {
		log.WarningLog.Printf("closing task store: %v", err)
	}
}
