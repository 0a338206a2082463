// Package demo contains the sample origin server and the load generator used
// to exercise the proxy by hand.
package demo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ferro-labs/cache-proxy/internal/logging"
	"github.com/ferro-labs/cache-proxy/internal/wire"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultOriginAddr is where the demo origin listens when no address is
	// given. It matches the proxy's default origin.
	DefaultOriginAddr = "localhost:8010"
	// DefaultOriginWorkers bounds concurrently served connections.
	DefaultOriginWorkers = 10
)

// Respond returns the content type and body the demo origin serves for
// method and path.
//
//	/api/data?id=N   GET: {"data":"Response for ID N"}, POST: success, other: error
//	/static/<file>   an HTML page naming the file
//	anything else    a greeting page echoing the path
func Respond(method, path string) (contentType, body string) {
	switch {
	case strings.HasPrefix(path, "/api/data"):
		switch method {
		case "GET":
			id := "unknown"
			if _, after, ok := strings.Cut(path, "id="); ok {
				id = after
			}
			body = fmt.Sprintf(`{"data":"Response for ID %s"}`, id)
		case "POST":
			body = `{"status":"success","message":"Data received"}`
		default:
			body = `{"error":"Unsupported method"}`
		}
	case strings.HasPrefix(path, "/static/"):
		body = "<html><body><h1>Static file: " + strings.TrimPrefix(path, "/static/") + "</h1></body></html>"
	default:
		body = "<html><body><h1>Hello from Server</h1><p>Path: " + path + "</p></body></html>"
	}

	contentType = "text/html"
	if strings.HasSuffix(path, ".json") || strings.Contains(path, "/api") {
		contentType = "application/json"
	}
	return contentType, body
}

// FormatResponse renders a complete 200 response for method and path.
func FormatResponse(method, path string) []byte {
	contentType, body := Respond(method, path)
	var b strings.Builder
	b.WriteString("HTTP/1.1 200 OK\r\n")
	fmt.Fprintf(&b, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Cache-Control: max-age=60\r\n")
	b.WriteString("Connection: close\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

// Origin is a minimal one-request-per-connection server answering with
// FormatResponse.
type Origin struct {
	addr    string
	workers int
	logger  *slog.Logger

	mu     sync.Mutex
	ln     net.Listener
	group  *errgroup.Group
	closed bool
}

// NewOrigin creates an origin for addr. workers <= 0 selects
// DefaultOriginWorkers.
func NewOrigin(addr string, workers int) *Origin {
	if addr == "" {
		addr = DefaultOriginAddr
	}
	if workers <= 0 {
		workers = DefaultOriginWorkers
	}
	return &Origin{addr: addr, workers: workers, logger: logging.Logger.With("component", "demo-origin")}
}

// Start binds the listen address and serves in the background.
func (o *Origin) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ln != nil {
		return errors.New("demo origin already started")
	}
	ln, err := net.Listen("tcp", o.addr)
	if err != nil {
		return fmt.Errorf("demo origin listen %s: %w", o.addr, err)
	}
	o.ln = ln

	handlers := new(errgroup.Group)
	handlers.SetLimit(o.workers)
	o.group = new(errgroup.Group)
	o.group.Go(func() error {
		defer func() { _ = handlers.Wait() }()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				o.logger.Error("accept failed", "error", err.Error())
				return err
			}
			handlers.Go(func() error {
				o.serve(conn)
				return nil
			})
		}
	})
	o.logger.Info("demo origin started", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (o *Origin) Addr() net.Addr {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ln == nil {
		return nil
	}
	return o.ln.Addr()
}

// Stop closes the listener and waits for in-flight connections.
func (o *Origin) Stop() error {
	o.mu.Lock()
	if o.ln == nil || o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	err := o.ln.Close()
	o.mu.Unlock()

	if werr := o.group.Wait(); werr != nil && err == nil {
		err = werr
	}
	o.logger.Info("demo origin stopped")
	return err
}

// Serve runs the origin until ctx is cancelled.
func (o *Origin) Serve(ctx context.Context) error {
	if err := o.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return o.Stop()
}

func (o *Origin) serve(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))

	remote := conn.RemoteAddr().String()
	req, err := wire.ReadRequest(bufio.NewReader(conn), 0)
	if err != nil {
		o.logger.Warn("bad request", "remote", remote, "error", err.Error())
		return
	}
	o.logger.Debug("request received", "remote", remote, "method", req.Method, "path", req.Path, "host", req.Header("Host"))
	if _, err := conn.Write(FormatResponse(req.Method, req.Path)); err != nil {
		o.logger.Warn("writing response", "remote", remote, "error", err.Error())
	}
}
