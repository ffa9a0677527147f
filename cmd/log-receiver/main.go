package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/killkrill/killkrill/internal/admission"
	"github.com/killkrill/killkrill/internal/config"
	"github.com/killkrill/killkrill/internal/control"
	"github.com/killkrill/killkrill/internal/entitlement"
	"github.com/killkrill/killkrill/internal/logs"
	"github.com/killkrill/killkrill/internal/model"
	"github.com/killkrill/killkrill/internal/store"
	"github.com/killkrill/killkrill/internal/streambus"
	v "github.com/killkrill/killkrill/internal/version"
)

// sourceResolver composes the Postgres-backed Store with a local Prometheus
// counter vector, so a single accepted/dropped batch updates both the durable
// per-source counters (spec.md §3) and the Control Surface's exported metrics
// (SPEC_FULL.md's Supplemented Features §3) in one place instead of the Log
// Receiver's hot path reaching into two separate clients.
type sourceResolver struct {
	store *store.Store
	stats *control.SourceStats

	// totalReceived mirrors the sum of every source's received counter, read by the
	// Entitlement Gate's keepalive loop without a round-trip through Postgres.
	totalReceived atomic.Uint64
}

func (r *sourceResolver) LookupByID(ctx context.Context, id string) (model.LogSource, bool, error) {
	return r.store.LookupByID(ctx, id)
}

func (r *sourceResolver) RecordReceived(ctx context.Context, id string, n uint64) {
	r.store.RecordReceived(ctx, id, n)
	r.stats.Received.WithLabelValues(id).Add(float64(n))
	r.totalReceived.Add(n)
}

func (r *sourceResolver) RecordDropped(ctx context.Context, id string, n uint64) {
	r.store.RecordDropped(ctx, id, n)
	r.stats.Dropped.WithLabelValues(id).Add(float64(n))
}

func main() {
	klog.InitFlags(nil)
	klog.SetOutput(os.Stdout)

	opts := config.NewOptions(klog.Background())
	opts.Declare()
	httpPort := flag.Int("receiver-http-port", 8080, "HTTP port for the log ingest API.")
	syslogPortStart := flag.Int("receiver-syslog-port-start", 5140, "First UDP syslog port to bind, one per enabled source.")
	syslogPortEnd := flag.Int("receiver-syslog-port-end", 5240, "Last UDP syslog port to bind.")
	jwtSecret := flag.String("jwt-secret", os.Getenv("JWT_SECRET"), "Secret used to verify bearer JWTs.")
	licenseKey := flag.String("license-key", os.Getenv("LICENSE_KEY"), "Entitlement license key.")
	productName := flag.String("product-name", os.Getenv("PRODUCT_NAME"), "Entitlement product name.")
	entitlementValidateURL := flag.String("entitlement-validate-url", "", "Licensing server validate endpoint.")
	entitlementKeepaliveURL := flag.String("entitlement-keepalive-url", "", "Licensing server keepalive endpoint.")
	rateLimitRPS := flag.Float64("source-rate-limit-rps", 0, "Per-source sustained requests/datagrams per second (<=0 disables).")
	rateLimitBurst := flag.Int("source-rate-limit-burst", 50, "Per-source burst allowance.")
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

	st, err := store.Open(ctx, *opts.DatabaseURL)
	if err != nil {
		logger.Error(err, "failed to open control-plane store")
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		logger.Error(err, "failed to migrate control-plane store")
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}

	redisClient, err := streambus.Dial(ctx, *opts.RedisURL)
	if err != nil {
		logger.Error(err, "failed to reach redis")
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}
	defer redisClient.Close()
	bus := streambus.NewRedisBus(redisClient, config.NewLogrusLogger())

	registry := prometheus.NewRegistry()
	stats := control.NewSourceStats(registry)
	resolver := &sourceResolver{store: st, stats: stats}
	packetsDropped := control.NewPacketsDroppedCounter(registry)
	dropReason := func(reason string) { packetsDropped.WithLabelValues(reason).Inc() }

	gate := entitlement.NewGate(entitlement.Config{
		ValidationURL: *entitlementValidateURL,
		KeepaliveURL:  *entitlementKeepaliveURL,
		LicenseKey:    *licenseKey,
		Product:       *productName,
	})
	if *licenseKey != "" {
		if err := gate.Validate(ctx); err != nil {
			logger.Error(err, "license validation failed")
			klog.FlushAndExit(klog.ExitFlushTimeout, 1)
		}
		go gate.RunKeepalive(ctx, func() entitlement.UsageStats {
			active := 0
			if sources, err := st.ListSources(ctx); err == nil {
				for _, src := range sources {
					if src.Enabled {
						active++
					}
				}
			}
			return entitlement.UsageStats{
				LogsProcessed: resolver.totalReceived.Load(),
				ActiveSources: active,
			}
		})
	}

	filter := admission.New()
	if snap, err := st.BuildAdmissionSnapshot(ctx, *httpPort); err != nil {
		logger.Error(err, "failed to build initial admission snapshot")
	} else {
		filter.Reload(snap)
	}

	rateLimiter := admission.NewRateLimiter(*rateLimitRPS, *rateLimitBurst)

	handler := &logs.Handler{
		Filter:      filter,
		Bus:         bus,
		Sources:     resolver,
		Audit:       st,
		Logger:      logger,
		PortHTTP:    *httpPort,
		RateLimiter: rateLimiter,
		DropReason:  dropReason,
	}

	mux := http.NewServeMux()
	logs.RegisterRoutes(mux, handler, st, []byte(*jwtSecret))
	mux.Handle("/metrics", control.MetricsHandler(registry, logger))
	mux.HandleFunc("/healthz", control.HealthHandler([]control.DependencyProbe{
		control.FuncProbe{ProbeName: "database", CheckFn: func(ctx context.Context) error { return pingStore(ctx, st) }},
		control.FuncProbe{ProbeName: "redis", CheckFn: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
	}))

	server := &http.Server{Addr: ":" + strconv.Itoa(*httpPort), Handler: mux}
	go func() {
		logger.Info("log receiver HTTP listening", "port", *httpPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "http server stopped unexpectedly")
		}
	}()

	sources, err := st.ListEnabledSyslogSources(ctx)
	if err != nil {
		logger.Error(err, "failed to list enabled syslog sources")
	}
	for i := range sources {
		src := sources[i]
		if src.SyslogPort < *syslogPortStart || src.SyslogPort > *syslogPortEnd {
			logger.Info("skipping syslog source outside configured port range", "source", src.ID, "port", src.SyslogPort)
			continue
		}
		listener := &logs.UDPListener{
			Source:      &src,
			Filter:      filter,
			Bus:         bus,
			Logger:      logger,
			RateLimiter: rateLimiter,
			DropReason:  dropReason,
		}
		go listener.Run(ctx)
	}

	<-ctx.Done()
	logger.Info("shutting down log receiver")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "graceful shutdown failed")
	}
}

func pingStore(ctx context.Context, st *store.Store) error {
	_, err := st.ListSources(ctx)
	return err
}
