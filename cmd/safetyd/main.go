package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	grpcstatus "google.golang.org/grpc/status"

	queue "github.com/bpalas/street-safety-vision/internal/async"
	"github.com/bpalas/street-safety-vision/internal/common"
	"github.com/bpalas/street-safety-vision/internal/core"
	"github.com/bpalas/street-safety-vision/internal/core/async"
	"github.com/bpalas/street-safety-vision/internal/entity"
	"github.com/bpalas/street-safety-vision/internal/export"
	"github.com/bpalas/street-safety-vision/internal/metrics"
	"github.com/bpalas/street-safety-vision/internal/repository"
)

func main() {
	var (
		runsFile = flag.String("runs", os.Getenv("RUNS_FILE"), "YAML run file listing the districts to process")
		workers  = flag.Int("workers", 0, "runs executed in parallel (default: one per run)")
		serve    = flag.Bool("serve", false, "keep serving health and metrics after every run finished")
		every    = flag.Duration("progress-every", time.Minute, "how often each run logs its job progress (0 disables)")
	)
	flag.Parse()

	_ = godotenv.Load()
	cfg := common.LoadConfig()
	logger := common.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	if *runsFile == "" {
		logger.Error("a run file is required (--runs or RUNS_FILE)")
		os.Exit(2)
	}
	rf, err := common.LoadRunFile(*runsFile)
	if err != nil {
		logger.Error("invalid run file", "path", *runsFile, "error", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	// Context with signal
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := repository.NewRunStateRepository(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("failed to open state store", "kind", cfg.Store.Kind, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics serve", "error", err)
		}
	}()
	logger.Info("metrics serving", "addr", cfg.Server.MetricsAddr)

	// gRPC server
	grpcServer := grpc.NewServer()
	// Health service: "" for the daemon, "run/<run_id>" per run
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	// Reflection for grpcurl
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("listen", "addr", cfg.Server.GRPCAddr, "error", err)
		os.Exit(1)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc serve", "error", err)
		}
	}()
	logger.Info("gRPC serving", "addr", cfg.Server.GRPCAddr)

	provider := core.NewProvider(cfg.LLM, logger)
	exporter := export.NewService(store, logger)

	run := func(ctx context.Context, job queue.Job) (entity.RunReport, error) {
		orch, err := core.Build(job.Config, cfg.LLM, provider, store, logger, m, core.Options{})
		if err != nil {
			return entity.RunReport{RunID: job.RunID}, err
		}
		stopProgress := logProgress(ctx, orch, *every, logger)
		report, err := orch.Run(ctx)
		stopProgress()
		if err != nil {
			return report, err
		}
		if paths, err := exporter.WriteRunFiles(ctx, job.RunID, job.Config.OutputDir); err != nil {
			logger.Error("failed to export results", "run_id", job.RunID, "error", err)
		} else {
			logger.Info("results exported", "run_id", job.RunID, "paths", paths)
		}
		return report, nil
	}
	onDone := func(job queue.Job, report entity.RunReport, err error) {
		status := healthpb.HealthCheckResponse_SERVING
		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus(healthName(job.RunID), status)
		logger.Info("run report", "run_id", job.RunID, "code", grpcstatus.Code(common.ToGRPCStatus(err)).String(),
			"phase", report.Phase, "total", report.Total,
			"ok", report.OK, "schema_error", report.SchemaErrors, "missing", report.Missing,
			"resolution_errors", report.ResolutionErrors, "submission_errors", report.SubmissionErrors,
			"polling_timeouts", report.PollingTimeouts, "annotations", report.Annotations)
	}

	n := *workers
	if n <= 0 {
		n = len(rf.Runs)
	}
	q := async.NewRunQueue(ctx, run, logger, async.WithWorkers(n), async.WithQueueSize(len(rf.Runs)), async.WithOnDone(onDone))
	for _, rc := range rf.Runs {
		hs.SetServingStatus(healthName(rc.RunID), healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
		if err := q.Enqueue(ctx, queue.Job{RunID: rc.RunID, Config: rc}); err != nil {
			logger.Error("failed to enqueue run", "run_id", rc.RunID, "error", err)
		}
	}

	done := make(chan struct{})
	go func() { q.Wait(); close(done) }()

	select {
	case <-done:
		logger.Info("all runs finished", "runs", len(rf.Runs))
		if *serve {
			<-ctx.Done()
		}
	case <-ctx.Done():
		logger.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		q.Shutdown(shutdownCtx)
		cancel()
	}

	hs.Shutdown()
	grpcServer.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = metricsSrv.Shutdown(shutdownCtx)
	cancel()
	fmt.Println("stopped.")
}

// logProgress logs the phase and tracked jobs of orch every interval until
// the returned func is called.
func logProgress(ctx context.Context, orch *core.Orchestrator, every time.Duration, logger *slog.Logger) func() {
	if every <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, v := range orch.Progress() {
					logger.Info("run progress", "run_id", orch.RunID(), "phase", orch.Phase(),
						"job_id", v.Handle, "sub_batch", v.SubBatch, "status", v.Status,
						"completed", v.Completed, "failed", v.Errored, "requested", v.Requested,
						"elapsed", v.Elapsed.Round(time.Second).String())
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func healthName(runID string) string {
	return "run/" + runID
}
