package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/quaywire/mediadriver/internal/config"
	"github.com/quaywire/mediadriver/internal/driver"
)

func submain() int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("MEDIADRIVER_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "mediadriverd")

	cmd := newRootCommand(baseLogger)
	ctx := withSignalCancel(context.Background())
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "mediadriverd [properties-file]",
		Short:         "mediadriverd is a reliable UDP publish/subscribe media driver",
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		Example: `
  # run against the default aeron directory
  mediadriverd

  # run against an explicit aeron directory with the shared threading mode
  mediadriverd --aeron-dir /var/run/mediadriver --threading-mode shared

  # load overrides from a Java-style properties file
  mediadriverd /etc/mediadriver/driver.properties
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()

			var propertiesFile string
			if len(args) == 1 {
				propertiesFile = args[0]
			}
			cfg, err := config.Load(propertiesFile, cmd.Flags())
			if err != nil {
				return err
			}

			logger := baseLogger
			if level, ok := pslog.ParseLevel(cfg.LogLevel); ok {
				logger = logger.LogLevel(level)
			}

			logger.Info("mediadriverd.starting",
				"aeronDir", cfg.AeronDir,
				"threadingMode", string(cfg.ThreadingMode),
				"metricsListen", cfg.MetricsListen,
			)

			if watcher, err := config.WatchFile(propertiesFile, func() {
				logger.Warn("mediadriverd.config_file_changed", "path", propertiesFile,
					"note", "restart mediadriverd to apply changes")
			}); err != nil {
				logger.Warn("mediadriverd.config_watch_failed", "error", err)
			} else {
				defer watcher.Close()
			}

			d, err := driver.New(cfg, logger, nil)
			if err != nil {
				return err
			}
			d.Start(ctx)

			<-ctx.Done()
			logger.Info("mediadriverd.stopping")
			d.Stop()
			return nil
		},
	}

	config.BindFlags(cmd.Flags())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
