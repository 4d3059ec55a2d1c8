package shipper

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/nestlog/nestlog/agent/internal/config"
	"github.com/nestlog/nestlog/pkg/ingest"
	"github.com/nestlog/nestlog/pkg/types"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
	sendTimeout       = 10 * time.Second
)

// Shipper buffers submissions and sends them to nestlog-server via gRPC.
// Ship() is non-blocking; when the buffer is full the oldest submission is
// evicted. Run() must be called in a goroutine to drain the buffer and
// handle reconnection.
type Shipper struct {
	cfg    config.AgentConfig
	buf    chan types.Submission
	dialFn dialFunc // injectable for tests
}

// dialFunc opens a gRPC connection to the server.
type dialFunc func(endpoint string, cfg config.AgentConfig) (*grpc.ClientConn, error)

// New creates a Shipper using the given agent config.
func New(cfg config.AgentConfig) *Shipper {
	return &Shipper{
		cfg:    cfg,
		buf:    make(chan types.Submission, cfg.BufferSize),
		dialFn: defaultDial,
	}
}

// Ship enqueues sub. If the buffer is full the oldest entry is evicted to
// make room.
func (s *Shipper) Ship(sub types.Submission) {
	select {
	case s.buf <- sub:
	default:
		select {
		case old := <-s.buf:
			slog.Warn("shipper: buffer full, evicted oldest submission",
				"caregiver", old.CaregiverKey, "buffer_cap", cap(s.buf))
		default:
		}
		s.buf <- sub
	}
}

// Pending returns the number of buffered submissions.
func (s *Shipper) Pending() int { return len(s.buf) }

// Run drains the buffer, sending submissions to the server.
// It reconnects with exponential backoff when the connection is lost.
// Run blocks until ctx is cancelled.
func (s *Shipper) Run(ctx context.Context) {
	bo := newBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dialFn(s.cfg.ServerEndpoint, s.cfg)
		if err != nil {
			wait := bo.next()
			slog.Error("shipper: dial failed, will retry",
				"endpoint", s.cfg.ServerEndpoint,
				"err", err,
				"retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
				continue
			}
		}

		err = s.drain(ctx, ingest.NewClient(conn), bo)
		conn.Close()

		if ctx.Err() != nil {
			return
		}

		wait := bo.next()
		slog.Warn("shipper: connection lost, will reconnect",
			"endpoint", s.cfg.ServerEndpoint,
			"err", err,
			"retry_in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// drain reads from the buffer and sends submissions until a transient send
// error occurs or ctx is cancelled. The backoff resets after every delivery.
func (s *Shipper) drain(ctx context.Context, client *ingest.Client, bo *backoff) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case sub := <-s.buf:
			sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
			if s.cfg.ServerAuth.Mode == "apikey" && s.cfg.ServerAuth.KeyEnv != "" {
				sendCtx = metadata.AppendToOutgoingContext(sendCtx,
					s.cfg.ServerAuth.EffectiveHeader(), s.cfg.ServerAuth.Key())
			}

			enqueued, err := client.Submit(sendCtx, sub)
			cancel()

			if err != nil {
				// Permanent errors mean the submission itself is bad; retrying
				// would fail the same way.
				if isPermanentError(err) {
					slog.Error("shipper: permanent send error, discarding submission",
						"caregiver", sub.CaregiverKey, "err", err)
					continue
				}
				select {
				case s.buf <- sub:
				default:
					slog.Warn("shipper: buffer full, submission lost",
						"caregiver", sub.CaregiverKey)
				}
				return fmt.Errorf("send: %w", err)
			}

			bo.reset()
			slog.Debug("shipper: submission delivered",
				"caregiver", sub.CaregiverKey,
				"samples", len(sub.Samples),
				"enqueued", enqueued)
		}
	}
}

// isPermanentError returns true for gRPC errors that indicate the submission
// itself is unacceptable and should not be retried.
func isPermanentError(err error) bool {
	switch status.Code(err) {
	case codes.InvalidArgument, codes.NotFound, codes.Unauthenticated, codes.PermissionDenied:
		return true
	}
	return false
}

// defaultDial creates a lazily-connecting gRPC client for endpoint with
// transport credentials from cfg.
func defaultDial(endpoint string, cfg config.AgentConfig) (*grpc.ClientConn, error) {
	opts, err := dialOptions(cfg)
	if err != nil {
		return nil, err
	}
	return grpc.NewClient(endpoint, opts...)
}

// dialOptions builds grpc.DialOption slice based on the server auth config.
func dialOptions(cfg config.AgentConfig) ([]grpc.DialOption, error) {
	switch cfg.ServerAuth.Mode {
	case "mtls":
		creds, err := buildMTLSCreds(cfg.ServerAuth)
		if err != nil {
			return nil, fmt.Errorf("shipper: build mtls creds: %w", err)
		}
		return []grpc.DialOption{grpc.WithTransportCredentials(creds)}, nil

	default:
		// "apikey" sends its key per call in drain(); "none" is for local dev.
		return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, nil
	}
}

// buildMTLSCreds loads client certificate and optional CA from the auth config.
func buildMTLSCreds(auth config.AuthConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(auth.CertFile, auth.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}

	if auth.CAFile != "" {
		caPEM, err := os.ReadFile(auth.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("no valid certs in ca file %q", auth.CAFile)
		}
		tlsCfg.RootCAs = pool
	}

	return credentials.NewTLS(tlsCfg), nil
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffInitial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	// ±25% jitter.
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

func (b *backoff) reset() {
	b.current = backoffInitial
}
