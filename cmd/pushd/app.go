package main

import (
	"context"
	"log/slog"
	"net/http"
	"slices"

	"github.com/fgrzl/pushkit/examples/countdown"
	"github.com/fgrzl/pushkit/pkg/endpoint"
	"github.com/fgrzl/pushkit/pkg/metrics"
	"github.com/fgrzl/pushkit/pkg/transport/wskit"
	"github.com/fgrzl/pushkit/pkg/web"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

// endpointGroup collects every endpoint binding provided to the app.
const endpointGroup = `group:"endpoints"`

// Endpoints is the fx module that contributes the built-in endpoints. A new
// endpoint joins the server by providing a binding into the same group.
var Endpoints = fx.Module("endpoints",
	fx.Provide(
		fx.Annotate(newCountdownBinding, fx.ResultTags(endpointGroup)),
	),
)

type managerParams struct {
	fx.In

	Bindings []endpoint.Binding `group:"endpoints"`
}

func newApp(cfg config) *fx.App {
	return fx.New(appOptions(cfg))
}

func appOptions(cfg config) fx.Option {
	return fx.Options(
		fx.WithLogger(func() fxevent.Logger {
			logger := &fxevent.SlogLogger{Logger: slog.Default()}
			logger.UseLogLevel(slog.LevelDebug)
			return logger
		}),
		fx.Supply(cfg),
		Endpoints,
		fx.Provide(
			newPrometheusRegistry,
			newCollector,
			newManager,
			newServer,
		),
		fx.Invoke(registerServer),
	)
}

func newCountdownBinding(cfg config) endpoint.Binding {
	options := countdown.DefaultOptions()
	options.Interval = cfg.Interval
	return endpoint.Binding{Name: countdown.Name, Handler: countdown.New(options)}
}

func newPrometheusRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newCollector(reg *prometheus.Registry) *metrics.Collector {
	return metrics.NewCollector(reg)
}

func newManager(p managerParams) (endpoint.Manager, error) {
	manager, err := endpoint.NewManager(p.Bindings...)
	if err != nil {
		return nil, err
	}
	slog.Info("pushd: endpoints registered", slog.Any("endpoints", manager.Names()))
	return manager, nil
}

func newServer(cfg config, manager endpoint.Manager, reg *prometheus.Registry, collector *metrics.Collector) *web.Server {
	return web.NewServer(manager, &web.Options{
		Addr:     cfg.Addr,
		Gatherer: reg,
		Metrics:  collector,
		WebSocket: wskit.ServerOptions{
			MaxFrameBytes: cfg.MaxFrameBytes,
			CheckOrigin:   originChecker(cfg.AllowedOrigins),
		},
		ShutdownTimeout: cfg.ShutdownTimeout,
	})
}

func registerServer(lc fx.Lifecycle, server *web.Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return server.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return server.Stop(ctx)
		},
	})
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	return func(r *http.Request) bool {
		return slices.Contains(allowed, r.Header.Get("Origin"))
	}
}
