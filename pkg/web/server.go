package web

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/fgrzl/mux"
	"github.com/fgrzl/pushkit/pkg/endpoint"
	"github.com/fgrzl/pushkit/pkg/metrics"
	"github.com/fgrzl/pushkit/pkg/transport/wskit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const MetricsPath = "/metrics"

type Options struct {
	// Addr is the listen address, for example ":8080".
	Addr string

	// Gatherer serves MetricsPath. Nil leaves the route out.
	Gatherer prometheus.Gatherer

	Metrics   *metrics.Collector
	WebSocket wskit.ServerOptions

	ShutdownTimeout time.Duration
}

// NewRouter routes /healthz, the metrics page and one websocket per endpoint.
func NewRouter(manager endpoint.Manager, options *Options) *mux.Router {
	if options == nil {
		options = &Options{}
	}

	router := mux.NewRouter(nil)
	router.Healthz().AllowAnonymous()

	if options.Gatherer != nil {
		handler := promhttp.HandlerFor(options.Gatherer, promhttp.HandlerOpts{})
		router.GET(MetricsPath, func(c *mux.RouteContext) {
			handler.ServeHTTP(c.Response, c.Request)
		})
	}

	ws := options.WebSocket
	if ws.Metrics == nil {
		ws.Metrics = options.Metrics
	}
	wskit.ConfigureWebSocketServer(router, manager, &ws)
	return router
}

// Server runs the router on a listener until stopped.
type Server struct {
	httpServer      *http.Server
	shutdownTimeout time.Duration
	listener        net.Listener
	done            chan struct{}

	// cancelBase ends every request context, including the hijacked websocket
	// connections that Shutdown does not track.
	cancelBase context.CancelFunc
}

func NewServer(manager endpoint.Manager, options *Options) *Server {
	if options == nil {
		options = &Options{}
	}
	timeout := options.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base, cancelBase := context.WithCancel(context.Background())
	return &Server{
		httpServer: &http.Server{
			Addr:              options.Addr,
			Handler:           NewRouter(manager, options),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return base },
		},
		shutdownTimeout: timeout,
		done:            make(chan struct{}),
		cancelBase:      cancelBase,
	}
}

// Addr returns the bound address once Start has returned.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Start binds the listen address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	s.listener = listener

	slog.InfoContext(ctx, "web: listening", slog.String("addr", s.Addr()))
	go func() {
		defer close(s.done)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("web: server stopped", slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Stop refuses new connections, closes every websocket and waits for open
// requests to drain.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()

	s.cancelBase()
	err := s.httpServer.Shutdown(ctx)
	if s.listener != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
		}
	}
	return err
}
