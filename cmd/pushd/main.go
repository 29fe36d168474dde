// Command pushd serves the registered push endpoints over websockets.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

type config struct {
	Addr            string
	LogLevel        string
	LogFormat       string
	Interval        time.Duration
	MaxFrameBytes   int
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
}

var cfg = config{
	Addr:            ":8080",
	LogLevel:        "info",
	LogFormat:       "text",
	Interval:        time.Second,
	ShutdownTimeout: 10 * time.Second,
}

var rootCmd = &cobra.Command{
	Use:   "pushd",
	Short: "Serve push endpoints over websockets",
	Long: `pushd serves every registered endpoint at ws://<addr>/<endpoint>.

Clients send {"method":"startCountdown","id":0,"args":["World",3]} and receive
{"id":0,"item":...} envelopes followed by {"id":0,"done":true}.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return run(ctx, cfg)
	},
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	flags.DurationVar(&cfg.Interval, "interval", cfg.Interval, "countdown tick interval")
	flags.IntVar(&cfg.MaxFrameBytes, "max-frame-bytes", cfg.MaxFrameBytes, "largest accepted request frame (0: websocket default)")
	flags.StringSliceVar(&cfg.AllowedOrigins, "allowed-origin", nil, "accepted Origin header values (default: any)")
	flags.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "time allowed for a graceful stop")

	rootCmd.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format: text|json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	app := newApp(cfg)
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	<-ctx.Done()
	slog.Info("pushd: shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return app.Stop(stopCtx)
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}
