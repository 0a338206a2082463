package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	cacheproxy "github.com/ferro-labs/cache-proxy"
	"github.com/ferro-labs/cache-proxy/internal/admin"
	"github.com/ferro-labs/cache-proxy/internal/logging"
	"github.com/ferro-labs/cache-proxy/internal/metrics"
	"github.com/ferro-labs/cache-proxy/internal/requestlog"
	"github.com/ferro-labs/cache-proxy/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const (
	shutdownTimeout   = 15 * time.Second
	eventBufferSize   = 4096
	envConfigPath     = "CACHEPROXY_CONFIG"
	envAdminToken     = "CACHEPROXY_ADMIN_TOKEN"
	adminReadTimeout  = 30 * time.Second
	adminWriteTimeout = 30 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy and the admin server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Flags())
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("log-level") && !cmd.Flags().Changed("log-format") {
				logging.Setup(firstNonEmpty(os.Getenv("LOG_LEVEL"), cfg.Logging.Level),
					firstNonEmpty(os.Getenv("LOG_FORMAT"), cfg.Logging.Format))
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringP("config", "c", os.Getenv(envConfigPath), "config file, JSON or YAML (env "+envConfigPath+")")
	f.IntP("port", "p", cacheproxy.DefaultListenPort, "proxy listen port")
	f.String("origin-host", cacheproxy.DefaultOriginHost, "origin host")
	f.Int("origin-port", cacheproxy.DefaultOriginPort, "origin port")
	f.Int("capacity", cacheproxy.DefaultCacheCapacity, "cache capacity in entries")
	f.Int("workers", cacheproxy.DefaultPoolSize, "worker pool size")
	f.String("admin-addr", cacheproxy.DefaultAdminAddr, `admin listen address, "-" disables`)
	f.String("admin-token", "", "bearer token for /admin (env "+envAdminToken+")")
	return cmd
}

// resolveConfig loads the config file, if any, and applies flags that were
// set explicitly on the command line.
func resolveConfig(f *pflag.FlagSet) (cacheproxy.Config, error) {
	cfg := cacheproxy.DefaultConfig()
	if path, _ := f.GetString("config"); path != "" {
		loaded, err := cacheproxy.LoadConfig(path)
		if err != nil {
			return cacheproxy.Config{}, fmt.Errorf("loading config: %w", err)
		}
		cfg = *loaded
	}

	overrides := []struct {
		flag string
		intp *int
		strp *string
	}{
		{flag: "port", intp: &cfg.Listen.Port},
		{flag: "origin-host", strp: &cfg.Origin.Host},
		{flag: "origin-port", intp: &cfg.Origin.Port},
		{flag: "capacity", intp: &cfg.Cache.Capacity},
		{flag: "workers", intp: &cfg.Workers.PoolSize},
		{flag: "admin-addr", strp: &cfg.Admin.Addr},
		{flag: "admin-token", strp: &cfg.Admin.Token},
	}
	for _, o := range overrides {
		if !f.Changed(o.flag) {
			continue
		}
		var err error
		if o.intp != nil {
			*o.intp, err = f.GetInt(o.flag)
		} else {
			*o.strp, err = f.GetString(o.flag)
		}
		if err != nil {
			return cacheproxy.Config{}, err
		}
	}
	if cfg.Admin.Token == "" {
		cfg.Admin.Token = os.Getenv(envAdminToken)
	}

	if err := cacheproxy.ValidateConfig(cfg); err != nil {
		return cacheproxy.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// server is the assembled serve process: proxy, metrics recorder, event log
// and the optional admin HTTP server.
type server struct {
	cfg     cacheproxy.Config
	proxy   *cacheproxy.Proxy
	rec     *metrics.Recorder
	store   requestlog.Store
	admin   *http.Server
	adminLn net.Listener
}

func newServer(cfg cacheproxy.Config) (*server, error) {
	store, err := requestlog.Open(cfg.EventLog.Driver, cfg.EventLog.DSN, cfg.EventLog.Limit)
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	rec := metrics.NewRecorder(
		metrics.WithEventWriter(store, eventBufferSize),
		metrics.WithLogger(logging.Logger),
	)
	p, err := cacheproxy.New(cfg, cacheproxy.WithSink(rec), cacheproxy.WithLogger(logging.Logger))
	if err != nil {
		_ = rec.Close(context.Background())
		_ = store.Close()
		return nil, err
	}
	return &server{cfg: cfg, proxy: p, rec: rec, store: store}, nil
}

func (s *server) start() error {
	if err := s.proxy.Start(); err != nil {
		return err
	}
	if !s.cfg.AdminEnabled() {
		return nil
	}

	h := &admin.Handlers{
		Stats:    s.rec,
		State:    func() string { return s.proxy.State().String() },
		Logs:     s.store,
		LogAdmin: s.store,
		Events:   s.rec,
	}
	if inspector, ok := s.proxy.Cache().(admin.CacheInspector); ok {
		h.Cache = inspector
	}
	router, err := admin.NewRouter(h, admin.RouterOptions{
		Token:      s.cfg.Admin.Token,
		Gatherer:   s.rec.Registry(),
		Version:    version.Short(),
		OriginAddr: net.JoinHostPort(s.cfg.Origin.Host, strconv.Itoa(s.cfg.Origin.Port)),
		ListenAddr: s.proxy.Addr().String(),
	})
	if err != nil {
		return s.abort(err)
	}
	ln, err := net.Listen("tcp", s.cfg.Admin.Addr)
	if err != nil {
		return s.abort(fmt.Errorf("admin listen %s: %w", s.cfg.Admin.Addr, err))
	}
	s.adminLn = ln
	s.admin = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       adminReadTimeout,
		WriteTimeout:      adminWriteTimeout,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := s.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Logger.Error("admin server failed", "error", err.Error())
		}
	}()
	logging.Logger.Info("admin server listening", "addr", ln.Addr().String(), "auth", s.cfg.Admin.Token != "")
	return nil
}

func (s *server) abort(err error) error {
	_ = s.proxy.Stop(context.Background())
	return err
}

// shutdown stops the proxy first so its final events reach the event log,
// then the admin server, the recorder and the store.
func (s *server) shutdown(ctx context.Context) error {
	var errs []error
	if err := s.proxy.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping proxy: %w", err))
	}
	if s.admin != nil {
		if err := s.admin.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping admin server: %w", err))
		}
	}
	if err := s.rec.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flushing events: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing event log: %w", err))
	}
	return errors.Join(errs...)
}

func runServe(ctx context.Context, cfg cacheproxy.Config) error {
	s, err := newServer(cfg)
	if err != nil {
		return err
	}
	if err := s.start(); err != nil {
		_ = s.shutdown(context.Background())
		return err
	}
	logging.Logger.Info("cacheproxy running", "version", version.Short(), "addr", s.proxy.Addr().String())

	select {
	case <-ctx.Done():
		logging.Logger.Info("shutting down gracefully")
	case <-s.proxy.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.shutdown(shutdownCtx); err != nil {
		logging.Logger.Error("shutdown error", "error", err.Error())
		return err
	}
	logging.Logger.Info("cacheproxy stopped")
	return nil
}
