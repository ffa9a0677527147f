package config

import (
	"context"
	"os/signal"
	"syscall"
)

// SignalContext returns a context canceled on SIGINT/SIGTERM, generalizing the
// teacher's signals.SetupSignalHandler() (pulled in via main.go's
// klog.NewContext(signals.SetupSignalHandler(), ...)) with the stdlib's own
// signal.NotifyContext instead of copying the teacher's hand-rolled, once-only channel
// helper — the standard library has carried this exact shape since Go 1.16.
// SIGINT/SIGTERM stay captured by the returned context until the returned cancel func
// is called; callers defer it.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
