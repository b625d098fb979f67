package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/szibis/batch-governor/internal/circuit"
	"github.com/szibis/batch-governor/internal/clock"
	"github.com/szibis/batch-governor/internal/config"
	"github.com/szibis/batch-governor/internal/dispatch"
	"github.com/szibis/batch-governor/internal/logging"
	"github.com/szibis/batch-governor/internal/receiver"
	"github.com/szibis/batch-governor/internal/scheduler"
	"github.com/szibis/batch-governor/internal/stats"
)

func main() {
	cfg := config.ParseFlags()

	if cfg.ShowHelp {
		config.PrintUsage()
		os.Exit(0)
	}
	if cfg.ShowVersion {
		config.PrintVersion()
		os.Exit(0)
	}

	if err := cfg.Validate(); err != nil {
		logging.Fatal("invalid configuration", logging.F("error", err.Error()))
	}

	logging.SetResource(map[string]string{"service.name": "batch-governor"})
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		logging.SetMinLevel(logging.LevelDebug)
	case "warn":
		logging.SetMinLevel(logging.LevelWarn)
	case "error":
		logging.SetMinLevel(logging.LevelError)
	}

	// Respect container memory limits.
	if _, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithRatio(0.9),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	); err != nil {
		logging.Warn("memory limit detection failed", logging.F("error", err.Error()))
	}

	dispatcher, err := dispatch.NewHTTP(cfg.HTTPConfig())
	if err != nil {
		logging.Fatal("failed to create dispatcher", logging.F("error", err.Error()))
	}
	defer dispatcher.Close()

	breakers := circuit.NewRegistry(cfg.BreakerConfig())
	statsAgg := stats.New(nil)
	executor := dispatch.NewExecutor(dispatcher, breakers, statsAgg, cfg.ExecutorConfig())

	sched, err := scheduler.New(cfg.SchedulerConfig(), executor, clock.System(), statsAgg)
	if err != nil {
		logging.Fatal("failed to create scheduler", logging.F("error", err.Error()))
	}
	statsAgg.SetWindow(sched)

	ingest := receiver.New(cfg.ReceiverConfig(), sched)
	go func() {
		if err := ingest.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal("ingest server failed", logging.F("error", err.Error()))
		}
	}()

	statsMux := http.NewServeMux()
	statsMux.Handle("/stats", statsAgg.Handler())
	statsMux.Handle("/metrics", promhttp.Handler())
	statsSrv := &http.Server{Addr: cfg.StatsAddr, Handler: statsMux}
	go func() {
		logging.Info("stats server listening", logging.F("addr", cfg.StatsAddr))
		if err := statsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Fatal("stats server failed", logging.F("error", err.Error()))
		}
	}()

	logging.Info("batch-governor started", logging.F(
		"ingest_addr", cfg.ListenAddr,
		"dispatch_endpoint", cfg.DispatchEndpoint,
		"initial_window", cfg.InitialWindow.String(),
		"hard_cap", cfg.HardCap,
	))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logging.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop accepting work first, then drain the engine.
	if err := ingest.Shutdown(shutdownCtx); err != nil {
		logging.Warn("ingest shutdown", logging.F("error", err.Error()))
	}
	if err := sched.Shutdown(shutdownCtx); err != nil {
		logging.Warn("scheduler shutdown", logging.F("error", err.Error()))
	}
	if err := statsSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("stats shutdown", logging.F("error", err.Error()))
	}
	logging.Info("shutdown complete")
}
