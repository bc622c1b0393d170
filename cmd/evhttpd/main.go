package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vincentwuo/evhttpd"
	"github.com/vincentwuo/evhttpd/pkg/admin"
	"github.com/vincentwuo/evhttpd/pkg/config"
	"github.com/vincentwuo/evhttpd/pkg/httpd"
	"github.com/vincentwuo/evhttpd/pkg/util"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	logLevel   string
	logOutputs []string
	drain      bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "evhttpd <config-file>",
		Short: "evhttpd serves static files from an epoll-driven engine",
		Long: `evhttpd serves a document root over HTTP/1.x using one event loop and a
worker pool. The config file holds key=value lines; root, port and threadnum
are required.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return cmd.Usage()
			}
			return run(cmd.Context(), args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "", "debug, info, warn or error; overrides log_level")
	cmd.Flags().StringSliceVar(&opts.logOutputs, "log-output", nil, `log destinations: "stdout", "stderr" or file paths`)
	cmd.Flags().BoolVar(&opts.drain, "drain", false, "process queued connections before shutting down")
	return cmd
}

func run(ctx context.Context, path string, opts *options) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	if len(opts.logOutputs) > 0 {
		if err := util.LoggerOutputPaths(opts.logOutputs); err != nil {
			return fmt.Errorf("log output: %w", err)
		}
	}
	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	util.LoggerLevel(util.ParseLogLevel(level))
	logger := util.Logger()
	defer logger.Sync()

	// a peer closing mid-write must not kill the process
	signal.Ignore(syscall.SIGPIPE)

	srv, err := httpd.New(cfg, httpd.WithLogger(logger))
	if err != nil {
		return err
	}
	eng, err := evhttpd.New(cfg, srv,
		evhttpd.WithLogger(logger),
		evhttpd.WithDrainOnStop(opts.drain))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		router := admin.NewRouter(eng, eng.Metrics().Registry(), logger)
		go func() {
			if err := admin.Serve(ctx, cfg.MetricsAddr, router, logger); err != nil {
				logger.Error("admin server", zap.Error(err))
			}
		}()
	}

	logger.Info("serving",
		zap.String("root", cfg.Root),
		zap.String("addr", eng.Addr().String()),
		zap.Int("threadnum", cfg.Workers))
	return eng.Run(ctx)
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "evhttpd:", err)
		os.Exit(1)
	}
}
