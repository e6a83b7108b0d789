package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/smartsensor/smartsensor-ai/internal/config"
	"github.com/smartsensor/smartsensor-ai/internal/logging"
	"github.com/smartsensor/smartsensor-ai/internal/server"
)

const defaultConfigPath = "/etc/smartsensor/config.yaml"

type app struct {
	configPath string
	jsonOutput bool
	stdout     io.Writer
}

func newRootCommand() *cobra.Command {
	return newRootCommandWithOutput(os.Stdout)
}

func newRootCommandWithOutput(out io.Writer) *cobra.Command {
	a := &app{stdout: out}

	cmd := &cobra.Command{
		Use:           "smartsensor-ai",
		Short:         "Environmental sensor anomaly detection and decision service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", defaultConfigPath, "path to the YAML config file")

	cmd.AddCommand(
		a.newServeCmd(),
		a.newTrainCmd(),
		a.newStatusCmd(),
		a.newValidateCmd(),
	)
	return cmd
}

// loadConfig reads and validates the configuration.
func (a *app) loadConfig(ctx context.Context) (config.ConfigManager, *config.Config, error) {
	mgr, err := config.NewConfigManager(a.configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, err
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, nil, err
	}
	return mgr, mgr.Get(ctx), nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Path:       cfg.Logging.AppLogPath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
}

func (a *app) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion, detection, training and decision service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			mgr, cfg, err := a.loadConfig(ctx)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			srv, err := server.New(cfg, logger)
			if err != nil {
				return err
			}
			if err := srv.Start(ctx); err != nil {
				srv.Close()
				return err
			}

			changes := mgr.Watch(ctx)
			for {
				select {
				case <-ctx.Done():
					logger.Info("received shutdown signal")
					return srv.Stop()
				case <-changes:
					logger.Warn("configuration file changed; restart to apply", zap.String("path", a.configPath))
				}
			}
		},
	}
}

func (a *app) newTrainCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run one training cycle over every device with enough new data",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, cfg, err := a.loadConfig(ctx)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			srv, err := server.New(cfg, logger)
			if err != nil {
				return err
			}
			defer srv.Close()

			trained, err := srv.TrainOnce(ctx)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return json.NewEncoder(a.stdout).Encode(trained)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DEVICE\tFIELD\tDETECTOR\tACCURACY\tREADINGS")
			for _, m := range trained {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%d\n", m.DeviceID, m.Field, m.DetectorKind, m.Accuracy, m.ReadingsCount)
			}
			fmt.Fprintf(tw, "\n%d model(s) trained\n", len(trained))
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&a.jsonOutput, "json", false, "print JSON instead of a table")
	return cmd
}

func (a *app) newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List the persisted model of every (device, field)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, cfg, err := a.loadConfig(ctx)
			if err != nil {
				return err
			}
			srv, err := server.New(cfg, zap.NewNop())
			if err != nil {
				return err
			}
			defer srv.Close()

			status, err := srv.ModelStatus(ctx)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return json.NewEncoder(a.stdout).Encode(status)
			}
			tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DEVICE\tFIELD\tDETECTOR\tACCURACY\tREADINGS\tTRAINED")
			for _, m := range status {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%d\t%s\n",
					m.DeviceID, m.Field, m.DetectorKind, m.Accuracy, m.ReadingsCount, m.TrainedAt.Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&a.jsonOutput, "json", false, "print JSON instead of a table")
	return cmd
}

func (a *app) newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := a.loadConfig(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "configuration %s is valid\n", a.configPath)
			return nil
		},
	}
}
