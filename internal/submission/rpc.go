package submission

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// handshakeTimeout bounds how long dialing and the readiness probe may take before the
// Client gives up on RPC and falls back to HTTP, per spec.md §4.7.
const handshakeTimeout = 5 * time.Second

const (
	submitLogsMethod    = "/killkrill.submission.v1.Submission/SubmitLogs"
	submitMetricsMethod = "/killkrill.submission.v1.Submission/SubmitMetrics"
)

// rpcTransport is the binary RPC channel the Submission Client prefers when reachable.
// It carries no generated protobuf stubs: requests and responses are plain Go values
// marshaled through jsonCodec and invoked by method name, so the backend's wire contract
// can evolve without a codegen step on this side.
type rpcTransport struct {
	conn   *grpc.ClientConn
	health grpc_health_v1.HealthClient
}

// dialRPC opens the channel and blocks until either the gRPC health-check handshake
// succeeds or handshakeTimeout elapses. A non-nil error means the caller should fall
// back to HTTP; the partially-opened connection is always closed on failure.
func dialRPC(ctx context.Context, addr string, creds credentials.TransportCredentials) (*rpcTransport, error) {
	if creds == nil {
		creds = insecure.NewCredentials()
	}

	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	t := &rpcTransport{conn: conn, health: grpc_health_v1.NewHealthClient(conn)}

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	if _, err := t.health.Check(hsCtx, &grpc_health_v1.HealthCheckRequest{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}

	return t, nil
}

func (t *rpcTransport) SubmitLogs(ctx context.Context, records []map[string]string) error {
	return t.invoke(ctx, submitLogsMethod, records)
}

func (t *rpcTransport) SubmitMetrics(ctx context.Context, records []map[string]string) error {
	return t.invoke(ctx, submitMetricsMethod, records)
}

func (t *rpcTransport) invoke(ctx context.Context, method string, records []map[string]string) error {
	req := submitRequest{Records: records}
	var resp submitResponse
	return t.conn.Invoke(ctx, method, &req, &resp, grpc.ForceCodec(jsonCodec{}))
}

func (t *rpcTransport) Close() error {
	return t.conn.Close()
}

type submitRequest struct {
	Records []map[string]string `json:"records"`
}

type submitResponse struct {
	Accepted int `json:"accepted"`
}

var _ Transport = (*rpcTransport)(nil)
