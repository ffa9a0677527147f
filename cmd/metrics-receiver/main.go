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
	"github.com/killkrill/killkrill/internal/metrics"
	"github.com/killkrill/killkrill/internal/store"
	"github.com/killkrill/killkrill/internal/streambus"
	v "github.com/killkrill/killkrill/internal/version"
)

func main() {
	klog.InitFlags(nil)
	klog.SetOutput(os.Stdout)

	opts := config.NewOptions(klog.Background())
	opts.Declare()
	httpPort := flag.Int("receiver-http-port", 8081, "HTTP port for the metrics ingest API.")
	jwtSecret := flag.String("jwt-secret", os.Getenv("JWT_SECRET"), "Secret used to verify bearer JWTs.")
	licenseKey := flag.String("license-key", os.Getenv("LICENSE_KEY"), "Entitlement license key.")
	productName := flag.String("product-name", os.Getenv("PRODUCT_NAME"), "Entitlement product name.")
	entitlementValidateURL := flag.String("entitlement-validate-url", "", "Licensing server validate endpoint.")
	entitlementKeepaliveURL := flag.String("entitlement-keepalive-url", "", "Licensing server keepalive endpoint.")
	rateLimitRPS := flag.Float64("source-rate-limit-rps", 0, "Per-source sustained requests per second (<=0 disables).")
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

	redisClient, err := streambus.Dial(ctx, *opts.RedisURL)
	if err != nil {
		logger.Error(err, "failed to reach redis")
		klog.FlushAndExit(klog.ExitFlushTimeout, 1)
	}
	defer redisClient.Close()
	bus := streambus.NewRedisBus(redisClient, config.NewLogrusLogger())

	registry := prometheus.NewRegistry()
	packetsDropped := control.NewPacketsDroppedCounter(registry)
	dropReason := func(reason string) { packetsDropped.WithLabelValues(reason).Inc() }
	var metricsProcessed atomic.Uint64

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
				MetricsProcessed: metricsProcessed.Load(),
				ActiveSources:    active,
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

	handler := &metrics.Handler{
		Filter:      filter,
		Bus:         bus,
		PortHTTP:    *httpPort,
		RateLimiter: rateLimiter,
		DropReason:  dropReason,
		Processed:   func(n int) { metricsProcessed.Add(uint64(n)) },
	}

	mux := http.NewServeMux()
	metrics.RegisterRoutes(mux, handler, st, []byte(*jwtSecret))
	mux.Handle("/metrics", control.MetricsHandler(registry, logger))
	mux.HandleFunc("/healthz", control.HealthHandler([]control.DependencyProbe{
		control.FuncProbe{ProbeName: "database", CheckFn: func(ctx context.Context) error {
			_, err := st.ListSources(ctx)
			return err
		}},
		control.FuncProbe{ProbeName: "redis", CheckFn: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
	}))

	server := &http.Server{Addr: ":" + strconv.Itoa(*httpPort), Handler: mux}
	go func() {
		logger.Info("metrics receiver HTTP listening", "port", *httpPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "http server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down metrics receiver")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "graceful shutdown failed")
	}
}
