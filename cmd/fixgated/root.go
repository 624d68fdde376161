package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/danmuck/fixgate/internal/config"
	"github.com/danmuck/fixgate/internal/engine"
	"github.com/danmuck/fixgate/internal/logging"
	"github.com/danmuck/fixgate/internal/observability"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fixgated",
		Short: "FIX gateway engine",
		Long: `fixgated accepts and initiates FIX sessions, hands them to libraries
over the in-process bus, and archives traffic for catchup and resend.`,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newValidateCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var (
		path   string
		listen string
		admin  string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway engine",
		Long: `Run the gateway engine until interrupted.

Examples:
  fixgated run --config cmd/fixgated/config.toml
  fixgated run --listen 0.0.0.0:9880 --admin ""`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.ConfigureRuntime()
			observability.InitLogger("fixgated", log.Logger)
			cfg := engine.DefaultConfig()
			if path != "" {
				loaded, err := loadEngineConfig(path)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("listen") {
				cfg.ListenAddr = listen
			}
			if cmd.Flags().Changed("admin") {
				cfg.AdminAddr = admin
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "path to a fixgated TOML config")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "counterparty listen address")
	cmd.Flags().StringVar(&admin, "admin", "", "admin HTTP address; empty disables it")
	return cmd
}

func run(parent context.Context, cfg engine.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := engine.New(cfg, log.Logger)
	if err != nil {
		return err
	}
	started := log.Info().Str("node", e.NodeID())
	if addr := e.Addr(); addr != nil {
		started = started.Str("listen", addr.String())
	}
	started.Msg("fixgated started")
	runErr := e.Run(ctx)
	if err := e.Close(); err != nil {
		log.Warn().Err(err).Msg("fixgated close")
	}
	log.Info().Msg("fixgated stopped")
	return runErr
}

func newValidateCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a config file without starting the engine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.LoadGatewayFile(path); err != nil {
				return err
			}
			cfg, err := loadEngineConfig(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: node=%q listen=%s admin=%s bus=%d\n",
				cfg.NodeID, cfg.ListenAddr, cfg.AdminAddr, cfg.BusCapacity)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "cmd/fixgated/config.toml", "path to a fixgated TOML config")
	return cmd
}
