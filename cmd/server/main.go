package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/mcpmux/mcpmux/internal/bots"
	"github.com/mcpmux/mcpmux/internal/bots/builtin"
	"github.com/mcpmux/mcpmux/internal/channels"
	"github.com/mcpmux/mcpmux/internal/config"
	"github.com/mcpmux/mcpmux/internal/handlers"
	"github.com/mcpmux/mcpmux/internal/logger"
	"github.com/mcpmux/mcpmux/internal/metrics"
	"github.com/mcpmux/mcpmux/internal/rpc"
	"github.com/mcpmux/mcpmux/internal/sandbox"
	"github.com/mcpmux/mcpmux/internal/server"
	"github.com/mcpmux/mcpmux/internal/version"
)

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideMetrics() *metrics.Metrics {
	return metrics.New()
}

func provideDispatcher(m *metrics.Metrics) *channels.Dispatcher {
	return channels.NewDispatcher(m.LongpollWaiters)
}

func provideSandbox(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) *sandbox.Sandbox {
	sb := sandbox.New(log, cfg.Sandbox.HookTimeoutDuration(), cfg.Sandbox.WorkspaceRoot)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return sb.Cleanup()
		},
	})
	return sb
}

func provideBotRegistry() *bots.Registry {
	registry := bots.NewRegistry()
	builtin.Register(registry)
	return registry
}

func provideRPCHandler(log *slog.Logger, facade *rpc.Facade, cfg config.Config) *handlers.RPCHandler {
	return handlers.NewRPCHandler(log, facade, cfg.Server.SessionIDHeader)
}

func provideMetricsHandler(m *metrics.Metrics, cfg config.Config) *handlers.MetricsHandler {
	return handlers.NewMetricsHandler(m, cfg.Metrics.Enabled)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.ServerHandlers...)
}

func startServer(
	lc fx.Lifecycle,
	logger *slog.Logger,
	srv *server.Server,
	shutdowner fx.Shutdowner,
	cfg config.Config,
) {
	fmt.Printf("Starting mcpmux %s\n", version.GetInfo())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil { // block until server is stopped
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown() // shutdown the application if the server fails to start
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func main() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideMetrics,
			provideDispatcher,
			provideSandbox,
			provideBotRegistry,

			channels.NewStore,
			bots.NewManager,
			rpc.NewFacade,

			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideRPCHandler),
			provideServerHandler(provideMetricsHandler),
			provideServerHandler(handlers.NewWSHandler),

			provideServer,
		),
		fx.Invoke(
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}
