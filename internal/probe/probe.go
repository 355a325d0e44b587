// ABOUTME: Liveness probes that tell "service unreachable" apart from "request rejected"
// ABOUTME: Any server answer counts as reachable; only transport failures count as unreachable

package probe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 10 * time.Second

// Result is the outcome of one probe.
type Result struct {
	Reachable  bool
	StatusCode int // HTTP status, or gRPC code for GRPCProber
	Err        error
	Latency    time.Duration
}

// Prober checks whether the sync service can be reached.
type Prober interface {
	Probe(ctx context.Context) Result
}

// TokenFunc supplies the bearer token sent with a probe. An empty token sends
// no Authorization header.
type TokenFunc func(ctx context.Context) string

// HTTPProber issues an authenticated GET.
type HTTPProber struct {
	URL     string
	Token   TokenFunc
	Timeout time.Duration
	Client  *http.Client
	Logger  *slog.Logger
}

// Probe performs the GET. A 401 or 503 is still reachable.
func (p *HTTPProber) Probe(ctx context.Context) Result {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return Result{Err: fmt.Errorf("building probe request: %w", err)}
	}
	if p.Token != nil {
		if tok := p.Token(ctx); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := client.Do(req)
	latency := time.Since(start)
	if err != nil {
		p.logger().Debug("probe failed", "url", p.URL, "error", err, "latency", latency)
		return Result{Err: err, Latency: latency}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return Result{Reachable: true, StatusCode: resp.StatusCode, Latency: latency}
}

func (p *HTTPProber) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// GRPCProber calls the standard gRPC health service.
type GRPCProber struct {
	conn    *grpc.ClientConn
	service string
	timeout time.Duration
	logger  *slog.Logger
}

// GRPCOption configures a GRPCProber.
type GRPCOption func(*grpcConfig)

type grpcConfig struct {
	service  string
	timeout  time.Duration
	logger   *slog.Logger
	dialOpts []grpc.DialOption
}

// WithService checks a named service instead of the server as a whole.
func WithService(name string) GRPCOption {
	return func(c *grpcConfig) { c.service = name }
}

// WithTimeout bounds each probe.
func WithTimeout(d time.Duration) GRPCOption {
	return func(c *grpcConfig) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) GRPCOption {
	return func(c *grpcConfig) { c.logger = l }
}

// WithDialOptions appends dial options, such as transport credentials or a
// custom dialer.
func WithDialOptions(opts ...grpc.DialOption) GRPCOption {
	return func(c *grpcConfig) { c.dialOpts = append(c.dialOpts, opts...) }
}

// NewGRPCProber creates a prober for target. Without dial options the
// connection is plaintext. No connection is made until the first Probe.
func NewGRPCProber(target string, opts ...GRPCOption) (*GRPCProber, error) {
	cfg := grpcConfig{timeout: DefaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.dialOpts) == 0 {
		cfg.dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}

	conn, err := grpc.NewClient(target, cfg.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating grpc client for %s: %w", target, err)
	}
	return &GRPCProber{
		conn:    conn,
		service: cfg.service,
		timeout: cfg.timeout,
		logger:  cfg.logger.With("component", "probe"),
	}, nil
}

// Probe calls Health.Check. Only Unavailable and DeadlineExceeded count as
// unreachable; NOT_SERVING and Unimplemented mean a server answered.
func (p *GRPCProber) Probe(ctx context.Context) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	_, err := healthpb.NewHealthClient(p.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	latency := time.Since(start)

	code := status.Code(err)
	res := Result{StatusCode: int(code), Err: err, Latency: latency}
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		p.logger.Debug("grpc probe failed", "code", code.String(), "latency", latency)
	default:
		res.Reachable = true
	}
	return res
}

// Close releases the connection.
func (p *GRPCProber) Close() error {
	return p.conn.Close()
}

var (
	_ Prober = (*HTTPProber)(nil)
	_ Prober = (*GRPCProber)(nil)
)
