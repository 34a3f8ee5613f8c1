package app

import (
	"context"
	"sync"
	"time"

	"github.com/archivist/tgarchiver/internal/infra/lifecycle"
	"github.com/archivist/tgarchiver/internal/infra/logger"
)

// Run opens the Telegram session, logs in, and keeps every service running
// until ctx is cancelled. It blocks for the life of the process.
func (a *App) Run(ctx context.Context) error {
	return a.tgc.Run(ctx, a.cfg.PhoneNumber, func(runCtx context.Context) error {
		return a.runServices(runCtx)
	})
}

// runServices builds the lifecycle tree, starts every node in dependency
// order, and on cancellation shuts them down in reverse order under the
// configured deadline. Work past the deadline is abandoned — the broker's
// pending-entry auto-claim recovers anything in flight.
func (a *App) runServices(ctx context.Context) error {
	mgr := lifecycle.New(ctx)
	deadline := time.Duration(a.cfg.ShutdownTimeoutSeconds) * time.Second

	must := func(err error) {
		if err != nil {
			panic(err) // registration errors are programmer mistakes, not runtime conditions
		}
	}

	must(mgr.Register("peers_cache", "", nil,
		func(nodeCtx context.Context) (context.Context, error) {
			if err := a.peers.LoadFromStorage(nodeCtx); err != nil {
				logger.Warnf("peers cache load: %v", err)
			}
			if err := a.peers.WarmupIfEmpty(nodeCtx, a.tgc.API); err != nil {
				logger.Warnf("peers cache warmup: %v", err)
			}
			return nil, nil
		},
		nil,
	))

	updStart, updStop := a.goNode("updates_manager", deadline, a.tgc.RunUpdates)
	must(mgr.Register("updates_manager", "", []string{"peers_cache"}, updStart, updStop))

	must(mgr.Register("download_throttle", "", nil,
		func(nodeCtx context.Context) (context.Context, error) {
			a.dlThrottle.Start(nodeCtx)
			return nil, nil
		},
		func(context.Context) error {
			a.dlThrottle.Stop()
			return nil
		},
	))

	procStart, procStop := a.goNode("processor", deadline, a.worker.Run)
	must(mgr.Register("processor", "", []string{"download_throttle"}, procStart, procStop))

	must(mgr.Register("listener", "", []string{"updates_manager", "processor"},
		func(nodeCtx context.Context) (context.Context, error) {
			a.listener.Start(nodeCtx)
			return nil, nil
		},
		func(context.Context) error {
			a.listener.Stop()
			return nil
		},
	))

	discStart, discStop := a.goNode("discovery", deadline, a.discovery.RunForever)
	must(mgr.Register("discovery", "", []string{"listener"}, discStart, discStop))

	bfStart, bfStop := a.goNode("backfill", deadline, a.backfill.Run)
	must(mgr.Register("backfill", "", []string{"discovery"}, bfStart, bfStop))

	impStart, impStop := a.goNode("import_worker", deadline, a.importWorker.Run)
	must(mgr.Register("import_worker", "", nil, impStart, impStop))

	metricsStart, metricsStop := a.goNode("metrics_reporter", deadline, a.reportMetrics)
	must(mgr.Register("metrics_reporter", "", nil, metricsStart, metricsStop))

	if err := mgr.StartAll(); err != nil {
		mgr.Shutdown()
		return err
	}
	logger.Infof("archiver running")

	<-ctx.Done()
	logger.Infof("shutdown signal received")

	done := make(chan error, 1)
	go func() { done <- mgr.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-time.After(deadline + 5*time.Second):
		logger.Errorf("shutdown exceeded %s, abandoning in-flight work", deadline)
		return nil
	}
}

// goNode adapts a blocking run function into a lifecycle start/stop pair:
// start launches the goroutine, stop waits for it to drain to its
// checkpoint, bounded by the shutdown deadline.
func (a *App) goNode(name string, deadline time.Duration, run func(context.Context) error) (lifecycle.StartFunc, lifecycle.StopFunc) {
	var wg sync.WaitGroup

	start := func(nodeCtx context.Context) (context.Context, error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := run(nodeCtx); err != nil && nodeCtx.Err() == nil {
				logger.Errorf("%s exited: %v", name, err)
			}
		}()
		return nil, nil
	}

	stop := func(context.Context) error {
		waited := make(chan struct{})
		go func() {
			wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
			return nil
		case <-time.After(deadline):
			logger.Warnf("%s did not drain within %s", name, deadline)
			return nil
		}
	}

	return start, stop
}

// reportMetrics logs queue depths and worker counters once a minute —
// the operator-visible surface for DLQ depth and per-stream backlog.
func (a *App) reportMetrics(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			depths, err := a.brk.StreamDepths(ctx)
			if err != nil {
				logger.Warnf("metrics: stream depths: %v", err)
				continue
			}
			dlq, err := a.brk.DLQDepth(ctx)
			if err != nil {
				logger.Warnf("metrics: dlq depth: %v", err)
				continue
			}
			logger.Infof("metrics: streams=%v dlq=%d processed=%d phantoms=%d transient=%d dead_lettered=%d",
				depths, dlq,
				a.metrics.Processed.Load(), a.metrics.Phantoms.Load(),
				a.metrics.Transient.Load(), a.metrics.DeadLetter.Load())
		}
	}
}
