package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"funnelbot/internal/app"
	"funnelbot/internal/config"
)

var (
	cfgPath string
	envPath string
)

var rootCmd = &cobra.Command{
	Use:   "funnelbot",
	Short: "Follow-up funnel and agenda reminder bot",
	Long: `funnelbot runs one or more messaging bots that follow up with contacts,
send agenda reminders and deferred starts, all behind an allowed-hours
window and a rate-limit gate.

Run without a subcommand to start the bots.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envPath); err != nil {
			return fmt.Errorf("load %s: %w", envPath, err)
		}
		return nil
	},
	RunE: runBots,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bots and block until SIGINT/SIGTERM",
	RunE:  runBots,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the config file and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.NewManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		if err := app.CheckConfig(cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d bots)\n", cfgPath, len(cfg.Bots))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json)")
	rootCmd.PersistentFlags().StringVar(&envPath, "env", ".env", "dotenv file loaded before the config (missing is fine)")
	rootCmd.AddCommand(runCmd, validateCmd)
}

func runBots(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	sctx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer scancel()
	_ = a.Stop(sctx, reason)
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
