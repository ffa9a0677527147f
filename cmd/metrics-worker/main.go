package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/killkrill/killkrill/internal/config"
	"github.com/killkrill/killkrill/internal/control"
	"github.com/killkrill/killkrill/internal/metricsworker"
	"github.com/killkrill/killkrill/internal/streambus"
	v "github.com/killkrill/killkrill/internal/version"
)

func main() {
	klog.InitFlags(nil)
	klog.SetOutput(os.Stdout)

	opts := config.NewOptions(klog.Background())
	opts.Declare()
	gateway := flag.String("prometheus-gateway", os.Getenv("PROMETHEUS_GATEWAY"), "Prometheus push gateway origin (PROMETHEUS_GATEWAY).")
	workerCount := flag.Int("processor-workers", 2, "Number of concurrent consumer-group workers (PROCESSOR_WORKERS).")
	metricsPort := flag.Int("worker-metrics-port", 9103, "Port for the /healthz and /metrics endpoints.")
	opts.Read()

	if *opts.Version {
		fmt.Println(v.Version())
		os.Exit(0)
	}

	ctx, cancel := config.SignalContext()
	defer cancel()
	ctx = klog.NewContext(ctx, klog.NewKlogr())
	logger := klog.FromContext(ctx)

	config.TuneRuntime(logger, *opts.AutoGOMAXPROCS, *opts.RatioGOMEMLIMIT)

	redisClient, err := streambus.Dial(ctx, *opts.RedisURL)
	if err != nil {
		logger.Error(err, "failed to reach redis")
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}
	defer redisClient.Close()
	bus := streambus.NewRedisBus(redisClient, config.NewLogrusLogger())

	pusher := &metricsworker.HTTPPusher{Client: &http.Client{Timeout: 10 * time.Second}, Gateway: *gateway}

	registry := prometheus.NewRegistry()
	sinkFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "killkrill",
		Subsystem: "metrics_worker",
		Name:      "sink_failures_total",
		Help:      "Total secondary-sink AddMetric failures, labeled by sink name.",
	}, []string{"sink"})
	registry.MustRegister(sinkFailures)

	var wg sync.WaitGroup
	for i := 0; i < *workerCount; i++ {
		w := &metricsworker.Worker{
			Consumer: fmt.Sprintf("metrics-worker-%d-%d", os.Getpid(), i),
			Bus:      bus,
			Buffer:   metricsworker.NewGatewayBuffer(pusher),
			Logger:   logger,
			SinkFail: func(name string) { sinkFailures.WithLabelValues(name).Inc() },
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", control.MetricsHandler(registry, logger))
	mux.HandleFunc("/healthz", control.HealthHandler([]control.DependencyProbe{
		control.FuncProbe{ProbeName: "redis", CheckFn: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
	}))
	server := &http.Server{Addr: ":" + strconv.Itoa(*metricsPort), Handler: mux}
	go func() {
		logger.Info("metrics worker health/metrics listening", "port", *metricsPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "health server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down metrics worker, waiting for in-flight batches")
	wg.Wait()
}
