package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/killkrill/killkrill/internal/config"
	"github.com/killkrill/killkrill/internal/control"
	"github.com/killkrill/killkrill/internal/logworker"
	"github.com/killkrill/killkrill/internal/streambus"
	v "github.com/killkrill/killkrill/internal/version"
)

func main() {
	klog.InitFlags(nil)
	klog.SetOutput(os.Stdout)

	opts := config.NewOptions(klog.Background())
	opts.Declare()
	esHosts := flag.String("elasticsearch-hosts", os.Getenv("ELASTICSEARCH_HOSTS"), "Comma-separated OpenSearch/Elasticsearch host addresses.")
	indexPrefix := flag.String("log-index-prefix", "killkrill", "Index name prefix; daily indices are named {prefix}-logs-YYYY.MM.DD.")
	workerCount := flag.Int("processor-workers", 2, "Number of concurrent consumer-group workers (PROCESSOR_WORKERS).")
	metricsPort := flag.Int("worker-metrics-port", 9102, "Port for the /healthz and /metrics endpoints.")
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

	hosts := strings.Split(*esHosts, ",")
	indexer, err := logworker.NewOpenSearchIndexer(hosts)
	if err != nil {
		logger.Error(err, "failed to build elasticsearch client")
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}

	registry := prometheus.NewRegistry()
	transformErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "killkrill",
		Subsystem: "log_worker",
		Name:      "transform_errors_total",
		Help:      "Total log stream entries dropped for failing ECS transform.",
	})
	registry.MustRegister(transformErrors)

	var wg sync.WaitGroup
	for i := 0; i < *workerCount; i++ {
		w := &logworker.Worker{
			Consumer:     fmt.Sprintf("log-worker-%d-%d", os.Getpid(), i),
			Bus:          bus,
			Index:        indexer,
			Logger:       logger,
			IndexPrefix:  *indexPrefix,
			TransformErr: func(error) { transformErrors.Inc() },
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
		logger.Info("log worker health/metrics listening", "port", *metricsPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "health server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down log worker, waiting for in-flight batches")
	wg.Wait()
}
