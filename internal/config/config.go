// Package config loads per-daemon command-line flags with environment-variable
// overrides, generalizing the flag/env merge internal/options.go used for the
// CRSM_* overrides.
package config

import (
	"flag"
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

// Options holds the flags common to every KillKrill daemon. Daemon-specific flags are
// declared alongside these with flag.* calls in each cmd/*/main.go before Read is called.
type Options struct {
	AutoGOMAXPROCS  *bool
	RatioGOMEMLIMIT *float64
	DatabaseURL     *string
	RedisURL        *string
	Version         *bool

	logger klog.Logger
}

// NewOptions returns a new Options bound to logger for override diagnostics.
func NewOptions(logger klog.Logger) *Options {
	return &Options{logger: logger}
}

// Declare registers the common flags. Call before any daemon-specific flag.* calls so
// that flag.Parse (invoked from Read) sees every flag.
func (o *Options) Declare() {
	o.AutoGOMAXPROCS = flag.Bool("auto-gomaxprocs", true, "Automatically set GOMAXPROCS to match CPU quota.")
	o.RatioGOMEMLIMIT = flag.Float64("ratio-gomemlimit", 0.9, "GOMEMLIMIT to memory quota ratio.")
	o.DatabaseURL = flag.String("database-url", os.Getenv("DATABASE_URL"), "Postgres connection string for control-plane storage.")
	o.RedisURL = flag.String("redis-url", os.Getenv("REDIS_URL"), "Redis connection string backing the Stream Bus.")
	o.Version = flag.Bool("version", false, "Print version information and quit")
}

// Read parses flags and applies environment-variable overrides for any flag left at
// its default. Flags explicitly set on the command line take precedence over the
// environment, matching internal/options.go's own precedence rule. Flag names map to
// env vars by upper-snake-casing (e.g. "receiver-http-port" -> "RECEIVER_HTTP_PORT"),
// so daemon flags should be declared using the spec's own env var names, hyphenated.
func (o *Options) Read() {
	flag.Parse()
	o.ApplyEnvOverrides()
}

// ApplyEnvOverrides re-reads every declared flag, overriding any still at its default
// value from the upper-snake-cased flag name.
func (o *Options) ApplyEnvOverrides() {
	flag.VisitAll(func(f *flag.Flag) {
		if f.Value.String() != f.DefValue {
			return
		}
		name := envVarName(f.Name)
		value, ok := os.LookupEnv(name)
		if !ok {
			return
		}
		o.logger.V(1).Info(fmt.Sprintf("overriding flag %s with %s=%s", f.Name, name, value))
		if err := flag.Set(f.Name, value); err != nil {
			panic(fmt.Sprintf("failed to set flag %s to %s: %v", f.Name, value, err))
		}
	})
}

func envVarName(flagName string) string {
	out := make([]byte, 0, len(flagName))
	for _, r := range flagName {
		if r == '-' {
			out = append(out, '_')
			continue
		}
		if r >= 'a' && r <= 'z' {
			r -= 'a' - 'A'
		}
		out = append(out, byte(r))
	}

	return string(out)
}
