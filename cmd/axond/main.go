// Command axond runs the inference and simulation orchestration service:
// upload intake, the GPU job scheduler, both simulation schedulers and the
// HTTP surface, all sharing one Redis-backed state.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wholehead/axon/internal/audit"
	"github.com/wholehead/axon/internal/config"
	"github.com/wholehead/axon/internal/events"
	"github.com/wholehead/axon/internal/gpu"
	"github.com/wholehead/axon/internal/httpapi"
	"github.com/wholehead/axon/internal/ident"
	"github.com/wholehead/axon/internal/metrics"
	"github.com/wholehead/axon/internal/orchestrator"
	"github.com/wholehead/axon/internal/pipeline"
	"github.com/wholehead/axon/internal/predictor"
	"github.com/wholehead/axon/internal/scheduler"
	"github.com/wholehead/axon/internal/seslog"
	"github.com/wholehead/axon/internal/sessionfs"
	"github.com/wholehead/axon/internal/sim"
	"github.com/wholehead/axon/internal/state"
	"github.com/wholehead/axon/internal/supervise"
	"github.com/wholehead/axon/internal/volume"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "axond:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfg.DefaultSecret() {
		log.Warn("HMAC_SECRET is unset; event signatures offer no protection")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st := state.Open(cfg.SharedAddr(), cfg.SharedDB)
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("shared state at %s: %w", cfg.SharedAddr(), err)
	}
	keys := state.Keys{Prefix: cfg.SharedPrefix}

	met := metrics.New(prometheus.NewRegistry())

	fs, err := sessionfs.New(cfg.SessionRoot)
	if err != nil {
		return err
	}

	slog := seslog.New(fs, log)
	defer slog.CloseAll()

	var auditStore *audit.Store
	if cfg.AuditDSN != "" {
		auditStore, err = audit.Open(cfg.AuditDSN, log)
		if err != nil {
			return fmt.Errorf("audit store: %w", err)
		}
		defer auditStore.Close()
	}

	bus := events.NewBus(st, keys, cfg.HMACSecret, log, met,
		events.WithMirror(func(sid string, ev events.Event) {
			slog.Event(sid, ev.Event, ev.AsMap())
			auditStore.Record(context.Background(), sid, ev.Model, ev.Event, ev.Detail)
		}))

	var (
		prober  gpu.Prober
		gpuOpts []gpu.Option
	)
	if _, err := exec.LookPath("nvidia-smi"); err == nil {
		prober = gpu.NewSMIProber()
		gpuOpts = append(gpuOpts, gpu.WithProber(prober, cfg.GPUMinFreeMiB))
	} else {
		log.Warn("nvidia-smi not found; device stats disabled")
	}
	arbiter := gpu.NewArbiter(st, keys, cfg.GPUCount, log, met, gpuOpts...)
	if err := arbiter.Init(ctx); err != nil {
		return fmt.Errorf("gpu slots: %w", err)
	}

	vols := volume.FSStore{}
	factory := predictor.NewWASMFactory(cfg.ModelRoot, log)

	var kernel *volume.ResizeKernel
	if k, err := volume.LoadResizeKernel(filepath.Join(cfg.KernelDir, "resize.wasm")); err == nil {
		kernel = k
	} else {
		log.Warn("resize kernel unavailable, falling back to pure-Go resampling", zap.Error(err))
	}

	runner := pipeline.NewRunner(fs, vols, factory, bus, st, keys, cfg.ResampleBin, kernel, log, met)

	var schedOpts []scheduler.Option
	if cfg.JobTimeout > 0 {
		schedOpts = append(schedOpts, scheduler.WithJobTimeout(cfg.JobTimeout))
	}
	sched := scheduler.New(st, keys, arbiter, runner, bus, log, met, schedOpts...)

	simDeps := sim.Deps{State: st, Keys: keys, Bus: bus, FS: fs, Vols: vols, Log: log, Met: met}
	roast := sim.NewRoast(simDeps, sim.RoastOptions{
		BuildDir:      cfg.RoastBuildDir,
		MatlabRuntime: cfg.MatlabRuntime,
		Workers:       cfg.SimMaxWorkers,
		Timeout:       cfg.RoastTimeout,
	})
	simnibs := sim.NewSimnibs(simDeps, sim.SimnibsOptions{
		Home:    cfg.SimnibsHome,
		Workers: cfg.SimMaxWorkers,
		Timeout: cfg.SimnibsTimeout,
	})

	orch := orchestrator.New(fs, st, keys, bus, sched, roast, simnibs, cfg.ResampleBin, log)

	purge := func(ctx context.Context, sid string) error {
		slog.Close(sid)
		return orch.PurgeState(ctx, sid)
	}
	reaper := sessionfs.NewReaper(fs, cfg.SessionRetention, cfg.ReapInterval,
		orch.Busy, purge, ident.SystemClock(), log, met)

	sup := supervise.New(log)
	sup.Spawn("scheduler", sched.Run, 5)
	sup.Spawn("roast", roast.Run, 5)
	sup.Spawn("simnibs", simnibs.Run, 5)
	sup.Spawn("reaper", reaper.Run, 5)
	sup.Spawn("gauges", func(ctx context.Context) error {
		return refreshGauges(ctx, st, keys, arbiter, met)
	}, 5)

	api := httpapi.NewServer(httpapi.Deps{
		Orchestrator: orch,
		Bus:          bus,
		FS:           fs,
		State:        st,
		Keys:         keys,
		Arbiter:      arbiter,
		Prober:       prober,
		Roast:        roast,
		Simnibs:      simnibs,
		Audit:        auditStore,
		Metrics:      met,
		Log:          log,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	graceful := supervise.NewGraceful(30*time.Second, log)
	graceful.Register("shared state", func(context.Context) error { return st.Close() })
	graceful.Register("workers", func(context.Context) error { sup.Stop(); return nil })
	graceful.Register("http", srv.Shutdown)

	errCh := make(chan error, 1)
	go func() {
		log.Info("axond listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case runErr = <-errCh:
		log.Error("http server failed", zap.Error(runErr))
	}
	if err := graceful.Shutdown(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// refreshGauges keeps the sampled gauges current: job queue depth and the
// number of held GPU slots.
func refreshGauges(ctx context.Context, st state.State, keys state.Keys, arbiter *gpu.Arbiter, met *metrics.Set) error {
	t := time.NewTicker(5 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if depth, err := st.LLen(ctx, keys.JobQueue()); err == nil {
				met.QueueDepth.Set(float64(depth))
			}
			locks, err := arbiter.Usage(ctx)
			if err != nil {
				continue
			}
			busy := 0
			for _, owner := range locks {
				if owner != gpu.SlotFree {
					busy++
				}
			}
			met.GPUSlotsBusy.Set(float64(busy))
		}
	}
}
