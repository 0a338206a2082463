package demo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// Load generator defaults.
const (
	DefaultClients     = 100
	DefaultParallelism = 20
	DefaultLoadTimeout = 10 * time.Second
)

// LoadOptions configures RunLoad.
type LoadOptions struct {
	// Addr is the proxy address, host:port.
	Addr string
	// Clients is the number of requests sent, one connection each.
	Clients int
	// Parallelism bounds how many clients run at once.
	Parallelism int
	// Path is the requested path. Defaults to "/".
	Path string
	// Timeout bounds each client's exchange.
	Timeout time.Duration
}

// LoadResult tallies a load run.
type LoadResult struct {
	Clients int           `json:"clients"`
	OK      int64         `json:"ok"`
	Refused int64         `json:"refused"`
	Failed  int64         `json:"failed"`
	Elapsed time.Duration `json:"elapsed"`
}

func (r LoadResult) String() string {
	return fmt.Sprintf("%d clients: %d ok, %d refused, %d failed in %s",
		r.Clients, r.OK, r.Refused, r.Failed, r.Elapsed.Round(time.Millisecond))
}

// RunLoad sends opts.Clients concurrent GET requests and counts responses
// containing "200 OK". Individual client failures are tallied, not returned;
// the error is non-nil only when ctx ends before all clients finish.
func RunLoad(ctx context.Context, opts LoadOptions) (LoadResult, error) {
	if opts.Clients <= 0 {
		opts.Clients = DefaultClients
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultLoadTimeout
	}
	host, _, err := net.SplitHostPort(opts.Addr)
	if err != nil {
		return LoadResult{}, fmt.Errorf("invalid address %q: %w", opts.Addr, err)
	}
	if host == "" {
		host = "localhost"
	}
	request := []byte("GET " + opts.Path + " HTTP/1.1\r\nHost: " + host + "\r\n\r\n")

	var ok, refused, failed atomic.Int64
	start := time.Now()
	g := new(errgroup.Group)
	g.SetLimit(opts.Parallelism)
	for i := 0; i < opts.Clients; i++ {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			switch err := sendOne(ctx, opts.Addr, request, opts.Timeout); {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, syscall.ECONNREFUSED):
				refused.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return LoadResult{
		Clients: opts.Clients,
		OK:      ok.Load(),
		Refused: refused.Load(),
		Failed:  failed.Load(),
		Elapsed: time.Since(start),
	}, ctx.Err()
}

var errNotOK = errors.New("response did not contain 200 OK")

func sendOne(ctx context.Context, addr string, request []byte, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if _, err := conn.Write(request); err != nil {
		return err
	}
	resp, err := io.ReadAll(conn)
	if err != nil && len(resp) == 0 {
		return err
	}
	if !bytes.Contains(resp, []byte("200 OK")) {
		return errNotOK
	}
	return nil
}
