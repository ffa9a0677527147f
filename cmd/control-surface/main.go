package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/killkrill/killkrill/internal/admission"
	"github.com/killkrill/killkrill/internal/checkassert"
	"github.com/killkrill/killkrill/internal/config"
	"github.com/killkrill/killkrill/internal/control"
	"github.com/killkrill/killkrill/internal/entitlement"
	"github.com/killkrill/killkrill/internal/store"
	"github.com/killkrill/killkrill/internal/streambus"
	v "github.com/killkrill/killkrill/internal/version"
)

func main() {
	klog.InitFlags(nil)
	klog.SetOutput(os.Stdout)

	opts := config.NewOptions(klog.Background())
	opts.Declare()
	httpPort := flag.Int("control-http-port", 8090, "HTTP port for the control surface API.")
	receiverHTTPPort := flag.Int("receiver-http-port", 8080, "HTTP port the admission reload rebuilds rules for.")
	licenseKey := flag.String("license-key", os.Getenv("LICENSE_KEY"), "Entitlement license key.")
	productName := flag.String("product-name", os.Getenv("PRODUCT_NAME"), "Entitlement product name.")
	entitlementValidateURL := flag.String("entitlement-validate-url", "", "Licensing server validate endpoint.")
	entitlementKeepaliveURL := flag.String("entitlement-keepalive-url", "", "Licensing server keepalive endpoint.")
	esHosts := flag.String("elasticsearch-hosts", os.Getenv("ELASTICSEARCH_HOSTS"), "Comma-separated OpenSearch/Elasticsearch host addresses, for /healthz only.")
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
			return entitlement.UsageStats{ActiveSources: active}
		})
	}

	registry := prometheus.NewRegistry()
	control.NewSourceStats(registry)

	filter := admission.New()
	if snap, err := st.BuildAdmissionSnapshot(ctx, *receiverHTTPPort); err != nil {
		logger.Error(err, "failed to build initial admission snapshot")
	} else {
		filter.Reload(snap)
	}

	sensorDeps := control.SensorDeps{
		Lookup:       st.LookupSensorByAPIKeyHash,
		ActiveChecks: st.ActiveChecksForAgent,
		WriteResult:  st.WriteCheckResult,
		Heartbeat:    st.Heartbeat,
		CheckByID:    st.CheckByID,
		CreateAgent:  st.CreateSensorAgent,
		Logger:       logger,
		Assert:       checkassert.NewEvaluator(logger),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/admission/reload", control.AdmissionReloadHandler(filter, st, *receiverHTTPPort, logger))
	mux.HandleFunc("/sensors/register", control.SensorRegisterHandler(sensorDeps))
	mux.HandleFunc("/sensors/config/", control.SensorConfigHandler(sensorDeps))
	mux.HandleFunc("/sensors/results", control.SensorResultsHandler(sensorDeps))
	mux.HandleFunc("/sensors/", control.HeartbeatHandler(sensorDeps))
	mux.HandleFunc("/api/v1/sources", control.StatsHandler(st.ListSources, logger))
	mux.Handle("/metrics", control.MetricsHandler(registry, logger))
	mux.HandleFunc("/healthz", control.HealthHandler([]control.DependencyProbe{
		control.FuncProbe{ProbeName: "database", CheckFn: func(ctx context.Context) error {
			_, err := st.ListSources(ctx)
			return err
		}},
		control.FuncProbe{ProbeName: "redis", CheckFn: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
		control.FuncProbe{ProbeName: "elasticsearch", CheckFn: func(ctx context.Context) error {
			if *esHosts == "" {
				return nil
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, *esHosts, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return nil
		}},
		control.FuncProbe{ProbeName: "license", CheckFn: func(ctx context.Context) error {
			if *licenseKey == "" {
				return nil
			}
			_, err := gate.Tier(ctx)
			return err
		}},
	}))

	server := &http.Server{Addr: ":" + strconv.Itoa(*httpPort), Handler: mux}
	go func() {
		logger.Info("control surface HTTP listening", "port", *httpPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error(err, "http server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down control surface")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "graceful shutdown failed")
	}
}
