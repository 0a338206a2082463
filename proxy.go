// Package cacheproxy provides a caching reverse proxy that sits between
// clients and a single origin server.
//
// The Proxy type is the main entry point: create one with New, bind and
// begin serving with Start, and shut down with Stop. Each accepted connection
// carries exactly one request. GET responses whose status line contains
// "200 OK" are kept in an LRU cache keyed by method and path, and repeated
// requests are answered without contacting the origin.
//
// Configuration is described by [Config], which can be loaded from a YAML or
// JSON file using [LoadConfig].
package cacheproxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ferro-labs/cache-proxy/internal/cache"
	"github.com/ferro-labs/cache-proxy/internal/circuitbreaker"
	"github.com/ferro-labs/cache-proxy/internal/logging"
	"github.com/ferro-labs/cache-proxy/internal/metrics"
	"github.com/ferro-labs/cache-proxy/internal/origin"
	"github.com/ferro-labs/cache-proxy/internal/ratelimit"
	"github.com/ferro-labs/cache-proxy/internal/wire"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a Proxy.
type State int32

// Proxy lifecycle states. Transitions only move forward.
const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

var (
	// ErrBind is returned by Start when the listen address cannot be bound.
	ErrBind = errors.New("listener bind failed")
	// ErrProxyStopped is returned by Start once the proxy has been stopped.
	ErrProxyStopped = errors.New("proxy stopped")
	// ErrProxyRunning is returned by Start when the proxy is already running.
	ErrProxyRunning = errors.New("proxy already running")
)

// Forwarder sends one request to the origin and returns its response.
type Forwarder interface {
	Forward(ctx context.Context, req *wire.Request) (*wire.Response, error)
}

// instrumentation is the optional Prometheus side of a metrics sink.
type instrumentation interface {
	ObserveRequest(outcome string, d time.Duration)
	OriginError(kind string)
	CacheEvicted()
	SetCacheEntries(n int)
	SetBreakerState(state int)
}

type noopInstrumentation struct{}

func (noopInstrumentation) ObserveRequest(string, time.Duration) {}
func (noopInstrumentation) OriginError(string)                   {}
func (noopInstrumentation) CacheEvicted()                        {}
func (noopInstrumentation) SetCacheEntries(int)                  {}
func (noopInstrumentation) SetBreakerState(int)                  {}

// Option configures a Proxy.
type Option func(*Proxy)

// WithCache replaces the default in-memory LRU cache.
func WithCache(c cache.Cache) Option {
	return func(p *Proxy) { p.cache = c }
}

// WithForwarder replaces the default origin client.
func WithForwarder(f Forwarder) Option {
	return func(p *Proxy) { p.origin = f }
}

// WithSink sets the metrics sink. When omitted a metrics.Recorder is used.
func WithSink(s metrics.Sink) Option {
	return func(p *Proxy) { p.sink = s }
}

// WithLogger sets the logger. Defaults to logging.Logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) { p.logger = l }
}

// Proxy accepts client connections and serves each one from the cache or
// the origin on a fixed pool of workers.
type Proxy struct {
	cfg    Config
	cache  cache.Cache
	origin Forwarder
	sink   metrics.Sink
	instr  instrumentation
	logger *slog.Logger

	// limiter is nil when listen.rate_limit is disabled.
	limiter *ratelimit.Clients

	mu     sync.Mutex
	state  State
	ln     net.Listener
	queue  chan net.Conn
	group  *errgroup.Group
	stopCh chan struct{}
	done   chan struct{}

	// baseCtx is cancelled when Stop gives up waiting for in-flight work.
	baseCtx context.Context
	cancel  context.CancelFunc

	connMu sync.Mutex
	active map[net.Conn]struct{}
}

// New creates a Proxy for cfg. cfg is expected to have defaults applied (see
// DefaultConfig); a listen port of 0 binds an ephemeral port.
func New(cfg Config, opts ...Option) (*Proxy, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	p := &Proxy{
		cfg:    cfg,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
		active: make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logging.Logger
	}
	if p.sink == nil {
		p.sink = metrics.NewRecorder(metrics.WithLogger(p.logger))
	}
	if in, ok := p.sink.(instrumentation); ok {
		p.instr = in
	} else {
		p.instr = noopInstrumentation{}
	}
	if p.cache == nil {
		p.cache = cache.NewMemory(cfg.Cache.Capacity, cache.WithEvictCallback(func(string) {
			p.instr.CacheEvicted()
		}))
	}
	if p.origin == nil {
		p.origin = p.newOriginClient()
	}
	if rl := cfg.Listen.RateLimit; rl.RequestsPerSecond > 0 {
		p.limiter = ratelimit.NewClients(rl.RequestsPerSecond, rl.Burst)
	}
	p.baseCtx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

func (p *Proxy) newOriginClient() *origin.Client {
	opts := []origin.Option{origin.WithSink(p.sink)}
	if cb := p.cfg.CircuitBreaker; cb.Enabled {
		addr := net.JoinHostPort(p.cfg.Origin.Host, strconv.Itoa(p.cfg.Origin.Port))
		opts = append(opts, origin.WithBreaker(circuitbreaker.New(circuitbreaker.Settings{
			FailureThreshold: cb.FailureThreshold,
			SuccessThreshold: cb.SuccessThreshold,
			Timeout:          cb.Timeout.Std(),
			OnStateChange: func(from, to circuitbreaker.State) {
				p.instr.SetBreakerState(int(to))
				p.sink.OnLog(metrics.CategoryWarning, addr, "ORIGIN",
					fmt.Sprintf("WARN: circuit breaker %s -> %s", from, to))
			},
		})))
	}
	return origin.New(origin.Config{
		Host:        p.cfg.Origin.Host,
		Port:        p.cfg.Origin.Port,
		DialTimeout: p.cfg.Origin.DialTimeout.Std(),
		ReadTimeout: p.cfg.Origin.ReadTimeout.Std(),
	}, opts...)
}

// Cache returns the proxy's response cache.
func (p *Proxy) Cache() cache.Cache { return p.cache }

// Sink returns the proxy's metrics sink.
func (p *Proxy) Sink() metrics.Sink { return p.sink }

// Config returns the configuration the proxy was created with.
func (p *Proxy) Config() Config { return p.cfg }

// State returns the current lifecycle state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Addr returns the bound listen address, or nil before Start.
func (p *Proxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ln == nil {
		return nil
	}
	return p.ln.Addr()
}

// Done is closed once the proxy reaches StateStopped.
func (p *Proxy) Done() <-chan struct{} { return p.done }

// Start binds the listen address and starts the accept loop and the worker
// pool. A bind failure is returned wrapped in ErrBind and leaves the proxy in
// StateCreated.
func (p *Proxy) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateRunning:
		return ErrProxyRunning
	case StateStopping, StateStopped:
		return ErrProxyStopped
	}

	addr := net.JoinHostPort(p.cfg.Listen.Host, strconv.Itoa(p.cfg.Listen.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		p.sink.OnLog(metrics.CategoryError, addr, "SERVER", "ERROR: "+err.Error())
		return fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
	}
	p.ln = ln
	p.queue = make(chan net.Conn, p.cfg.Workers.QueueSize)
	p.group = new(errgroup.Group)

	for i := 0; i < p.cfg.Workers.PoolSize; i++ {
		p.group.Go(p.worker)
	}
	p.group.Go(p.acceptLoop)
	p.state = StateRunning

	p.logger.Info("proxy started",
		"addr", ln.Addr().String(),
		"origin", net.JoinHostPort(p.cfg.Origin.Host, strconv.Itoa(p.cfg.Origin.Port)),
		"workers", p.cfg.Workers.PoolSize,
		"cache_capacity", p.cfg.Cache.Capacity,
	)
	p.sink.OnLog(metrics.CategoryServer, ln.Addr().String(), "SERVER", "Started")
	return nil
}

// Stop closes the listener, drops queued connections that no worker has
// started, and waits for in-flight connections to finish. If ctx expires
// first their sockets are force-closed and ctx.Err() is returned. Stop is
// idempotent; calls after the first return nil.
func (p *Proxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case StateCreated:
		p.state = StateStopped
		p.cancel()
		close(p.done)
		p.mu.Unlock()
		return nil
	case StateStopping, StateStopped:
		p.mu.Unlock()
		return nil
	}
	p.state = StateStopping
	close(p.stopCh)
	if err := p.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		p.logger.Warn("closing listener", "error", err.Error())
	}
	addr := p.ln.Addr().String()
	p.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(waited)
	}()

	var stopErr error
	select {
	case <-waited:
	case <-ctx.Done():
		stopErr = ctx.Err()
		p.cancel()
		n := p.closeActive()
		p.logger.Warn("stop deadline exceeded, closed active connections", "count", n)
		<-waited
	}
	p.cancel()

	p.mu.Lock()
	p.state = StateStopped
	close(p.done)
	p.mu.Unlock()

	p.logger.Info("proxy stopped", "addr", addr)
	p.sink.OnLog(metrics.CategoryServer, addr, "SERVER", "Stopped")
	return stopErr
}

func (p *Proxy) stopping() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// acceptLoop owns the queue: it is the only sender and closes it on exit.
func (p *Proxy) acceptLoop() error {
	defer close(p.queue)

	var backoff time.Duration
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			if p.stopping() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			backoff = nextBackoff(backoff)
			p.sink.OnLog(metrics.CategoryError, p.ln.Addr().String(), "SERVER",
				fmt.Sprintf("ERROR: accept: %v (retry in %s)", err, backoff))
			select {
			case <-time.After(backoff):
				continue
			case <-p.stopCh:
				return nil
			}
		}
		backoff = 0

		if !p.admit(conn) {
			continue
		}

		select {
		case p.queue <- conn:
		case <-p.stopCh:
			_ = conn.Close()
			return nil
		}
	}
}

// admit applies the per-client rate limit. Rejected connections are closed
// without a response.
func (p *Proxy) admit(conn net.Conn) bool {
	if p.limiter == nil {
		return true
	}
	remote := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	if p.limiter.Allow(host) {
		return true
	}
	_ = conn.Close()
	p.instr.ObserveRequest(outcomeRateLimited, 0)
	p.sink.OnLog(metrics.CategoryWarning, remote, "SERVER", "WARN: rate limited")
	return false
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		return time.Second
	}
	return d
}

func (p *Proxy) worker() error {
	for conn := range p.queue {
		if p.stopping() {
			_ = conn.Close()
			continue
		}
		p.handle(conn)
	}
	return nil
}

func (p *Proxy) track(conn net.Conn) {
	p.connMu.Lock()
	p.active[conn] = struct{}{}
	p.connMu.Unlock()
}

func (p *Proxy) untrack(conn net.Conn) {
	p.connMu.Lock()
	delete(p.active, conn)
	p.connMu.Unlock()
}

func (p *Proxy) closeActive() int {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	for conn := range p.active {
		_ = conn.Close()
	}
	return len(p.active)
}
