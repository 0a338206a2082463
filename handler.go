package cacheproxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"github.com/ferro-labs/cache-proxy/internal/logging"
	"github.com/ferro-labs/cache-proxy/internal/metrics"
	"github.com/ferro-labs/cache-proxy/internal/origin"
	"github.com/ferro-labs/cache-proxy/internal/wire"
)

// Request outcomes used to label the request duration histogram.
const (
	outcomeHit         = "hit"
	outcomeMiss        = "miss"
	outcomeForwarded   = "forwarded"
	outcomeTruncated   = "truncated"
	outcomeMalformed   = "malformed"
	outcomeError       = "error"
	outcomePanic       = "panic"
	outcomeRateLimited = "rate_limited"
)

// clientBody is the part of the client stream that follows the request head.
// It exposes the connection's read deadline so the origin client can stop
// streaming once the response has arrived.
type clientBody struct {
	*bufio.Reader
	conn net.Conn
}

func (b *clientBody) SetReadDeadline(t time.Time) error {
	return b.conn.SetReadDeadline(t)
}

// handle serves exactly one request on conn and always closes it.
func (p *Proxy) handle(conn net.Conn) {
	start := time.Now()
	remote := conn.RemoteAddr().String()
	traceID := logging.NewTraceID()
	ctx := logging.WithTraceID(p.baseCtx, traceID)
	log := p.logger.With("trace_id", traceID, "remote", remote)
	outcome := outcomeError

	p.track(conn)
	defer p.untrack(conn)
	defer conn.Close()
	defer func() { p.instr.ObserveRequest(outcome, time.Since(start)) }()
	defer func() {
		if r := recover(); r != nil {
			outcome = outcomePanic
			log.Debug("connection handler panic", "stack", string(debug.Stack()))
			metrics.Emit(ctx, p.sink, metrics.CategoryError, remote, "PROXY", fmt.Sprintf("ERROR: panic: %v", r))
		}
	}()

	if t := p.cfg.Listen.ClientReadTimeout.Std(); t > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t))
	}
	br := bufio.NewReader(conn)
	req, err := wire.ReadRequest(br, p.cfg.Listen.MaxHeaderBytes)
	if err != nil {
		outcome = outcomeMalformed
		if errors.Is(err, net.ErrClosed) {
			log.Debug("connection closed while reading request")
			return
		}
		metrics.Emit(ctx, p.sink, metrics.CategoryError, remote, "CLIENT", "ERROR: "+err.Error())
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	req.Body = &clientBody{Reader: br, conn: conn}

	p.sink.IncrementTotal()
	key := req.Key()
	log = log.With("key", key)
	log.Debug("request received")
	metrics.Emit(ctx, p.sink, metrics.CategoryProxy, key, remote, "Received")

	cacheable := req.Cacheable()
	if cacheable {
		if cached, ok := p.cache.Get(key); ok {
			outcome = outcomeHit
			p.sink.IncrementHit()
			metrics.Emit(ctx, p.sink, metrics.CategoryCacheHit, key, "CACHE", "SUCCESS")
			if _, err := conn.Write(cached); err != nil {
				log.Debug("writing cached response", "error", err.Error())
			}
			return
		}
		p.sink.IncrementMiss()
		metrics.Emit(ctx, p.sink, metrics.CategoryCacheMiss, key, "CACHE", "MISS")
	}

	resp, err := p.origin.Forward(ctx, req)
	if err != nil {
		p.originFailed(ctx, key, err)
		return
	}

	switch {
	case resp.Truncated:
		outcome = outcomeTruncated
	case cacheable:
		outcome = outcomeMiss
	default:
		outcome = outcomeForwarded
	}
	if cacheable && resp.OK() && !resp.Truncated {
		p.cache.Put(key, resp.Raw)
		p.instr.SetCacheEntries(p.cache.Len())
	}

	if _, err := resp.WriteTo(conn); err != nil {
		log.Debug("writing response", "error", err.Error())
		return
	}
	log.Debug("response forwarded", "status", resp.StatusLine, "bytes", len(resp.Raw))
	metrics.Emit(ctx, p.sink, metrics.CategoryProxy, key, "ORIGIN", resp.StatusLine)
}

// originFailed reports a failed origin round-trip. Resets and timeouts are
// transient and reported as warnings; everything else is an error.
func (p *Proxy) originFailed(ctx context.Context, key string, err error) {
	kind := origin.Kind(err)
	p.instr.OriginError(kind)

	switch {
	case errors.Is(err, origin.ErrTransportReset), errors.Is(err, origin.ErrTimeout):
		metrics.Emit(ctx, p.sink, metrics.CategoryWarning, key, "ORIGIN", "WARN: "+err.Error())
	default:
		metrics.Emit(ctx, p.sink, metrics.CategoryError, key, "ORIGIN", "ERROR: "+err.Error())
	}
}
