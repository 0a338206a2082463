package admin

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"

	"github.com/ferro-labs/cache-proxy/internal/logging"
	"github.com/ferro-labs/cache-proxy/web"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// Token guards /admin/*. Empty disables authentication.
	Token string
	// Gatherer backs GET /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// CORSOrigins lists allowed origins; empty allows any.
	CORSOrigins []string
	Version     string
	OriginAddr  string
	ListenAddr  string
}

type dashboardData struct {
	Version       string
	OriginAddr    string
	ListenAddr    string
	TokenRequired bool
}

// NewRouter returns the admin HTTP handler: health, Prometheus metrics, the
// dashboard and the /admin API.
func NewRouter(h *Handlers, opts RouterOptions) (http.Handler, error) {
	tmpl, err := template.ParseFS(web.Templates, "dashboard.html")
	if err != nil {
		return nil, fmt.Errorf("parsing dashboard template: %w", err)
	}
	data := dashboardData{
		Version:       opts.Version,
		OriginAddr:    opts.OriginAddr,
		ListenAddr:    opts.ListenAddr,
		TokenRequired: opts.Token != "",
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware)
	r.Use(corsMiddleware(opts.CORSOrigins...))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	if opts.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			logging.FromContext(r.Context()).Error("rendering dashboard", "error", err.Error())
			writeError(w, http.StatusInternalServerError, "failed to render dashboard", "server_error", "internal_error")
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = buf.WriteTo(w)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(TokenAuth(opts.Token))
		r.Mount("/", h.Routes())
	})
	return r, nil
}
