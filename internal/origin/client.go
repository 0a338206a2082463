// Package origin forwards requests to the single upstream server behind the
// proxy. Every call dials a fresh connection; there is no pooling and no
// keep-alive. The response is read until the origin closes the connection or
// the per-response read timeout expires.
package origin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/ferro-labs/cache-proxy/internal/circuitbreaker"
	"github.com/ferro-labs/cache-proxy/internal/metrics"
	"github.com/ferro-labs/cache-proxy/internal/wire"
)

// Default timeouts.
const (
	DefaultDialTimeout = 5 * time.Second
	DefaultReadTimeout = 5 * time.Second
)

var (
	// ErrConnectionRefused is returned when the origin is not accepting
	// connections.
	ErrConnectionRefused = errors.New("origin connection refused")
	// ErrTransportReset is returned when the origin closes the socket
	// abnormally mid-exchange.
	ErrTransportReset = errors.New("origin connection reset")
	// ErrTimeout is returned when the origin does not produce a status line
	// before the read deadline, or the dial times out.
	ErrTimeout = errors.New("origin timeout")
	// ErrMalformedResponse is returned when the origin's first line is not a
	// status line.
	ErrMalformedResponse = wire.ErrMalformedResponse
	// ErrCircuitOpen is returned without dialing while the breaker is open.
	ErrCircuitOpen = circuitbreaker.ErrCircuitOpen
)

// Config holds the origin address and timeouts. Zero timeouts select the
// defaults.
type Config struct {
	Host        string
	Port        int
	DialTimeout time.Duration
	ReadTimeout time.Duration
}

// Client forwards requests to one origin. It is safe for concurrent use.
type Client struct {
	addr        string
	dialer      net.Dialer
	readTimeout time.Duration
	breaker     *circuitbreaker.CircuitBreaker
	sink        metrics.Sink
}

// Option configures a Client.
type Option func(*Client)

// WithBreaker guards every dial with cb.
func WithBreaker(cb *circuitbreaker.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

// WithSink reports truncated responses to s as warnings.
func WithSink(s metrics.Sink) Option {
	return func(c *Client) { c.sink = s }
}

// New creates a Client for cfg.
func New(cfg Config, opts ...Option) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	c := &Client{
		addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		dialer:      net.Dialer{Timeout: cfg.DialTimeout},
		readTimeout: cfg.ReadTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Addr returns the origin address in host:port form.
func (c *Client) Addr() string { return c.addr }

// Forward sends req to the origin and reads its response.
//
// The request head is written verbatim; req.Body, if set, is streamed to the
// origin concurrently and the origin's write side is closed once the body
// ends. A read timeout after the status line yields the partial response with
// Truncated set and a nil error.
func (c *Client) Forward(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	if c.breaker == nil {
		return c.roundTrip(ctx, req)
	}
	var resp *wire.Response
	err := c.breaker.Do(func() error {
		var err error
		resp, err = c.roundTrip(ctx, req)
		return err
	}, isFailure)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, req *wire.Request) (*wire.Response, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, classify("dial", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.readTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, classify("set deadline", err)
	}
	// Cancelling ctx cuts the exchange short through the same deadline path.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := conn.Write(req.Raw); err != nil {
		return nil, classify("write request", err)
	}

	join := pumpBody(conn, req.Body)
	resp, err := wire.ReadResponse(bufio.NewReader(conn))
	join()
	if err != nil {
		if errors.Is(err, wire.ErrMalformedResponse) {
			return nil, err
		}
		return nil, classify("read response", err)
	}

	if resp.Truncated && c.sink != nil {
		metrics.Emit(ctx, c.sink, metrics.CategoryWarning, req.Key(), "ORIGIN",
			fmt.Sprintf("WARN: response truncated after %s", c.readTimeout))
	}
	return resp, nil
}

// deadlineReader is a body whose blocking reads can be interrupted.
type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

// pumpBody copies body to conn on its own goroutine and closes conn's write
// side when body reaches EOF. The returned join func stops the copy and waits
// for it; bodies that cannot be interrupted are left to finish on their own.
func pumpBody(conn net.Conn, body io.Reader) (join func()) {
	if body == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := io.Copy(conn, body); err != nil {
			return
		}
		if cw, ok := conn.(interface{ CloseWrite() error }); ok {
			_ = cw.CloseWrite()
		}
	}()
	return func() {
		dr, ok := body.(deadlineReader)
		if !ok {
			return
		}
		_ = dr.SetReadDeadline(time.Now())
		<-done
	}
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %s: %v", ErrConnectionRefused, op, err)
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %s: %v", ErrTransportReset, op, err)
	case wire.IsTimeout(err):
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, err)
	default:
		return fmt.Errorf("origin %s: %w", op, err)
	}
}

// isFailure reports whether err says the origin itself is unhealthy. A
// malformed response still proves the origin is reachable.
func isFailure(err error) bool {
	return errors.Is(err, ErrConnectionRefused) ||
		errors.Is(err, ErrTransportReset) ||
		errors.Is(err, ErrTimeout)
}

// Kind returns a short label for err, used for metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrConnectionRefused):
		return "refused"
	case errors.Is(err, ErrTransportReset):
		return "reset"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	default:
		return "other"
	}
}
