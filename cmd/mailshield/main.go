package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mailshield/internal/app"
	"mailshield/internal/config"
	pkgconfig "mailshield/pkg/config"
	"mailshield/pkg/logger"
)

var (
	configEnv string
	configDir string

	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "mailshield",
	Short: "MailShield email classification pipeline",
	Long: `mailshield runs the stages of the MailShield pipeline.

Each stage is a subcommand and can be scaled on its own:
  ingest      webhook intake, writes emails and fans out work items
  intent      intent classification
  sandbox     URL and attachment analysis
  aggregator  combines stage results into one verdict per email
  action      applies the verdict label in the mailbox
  all         every stage in one process

Operator commands:
  migrate up|down|version      database schema
  action failed                list labels that could not be applied
  action retry <email-id>      re-apply a failed label
  outbox replay                republish parked outbox events`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		var err error
		cfg, err = config.Load(configEnv, configDir)
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		log, err = logger.NewLogger(logger.Config(cfg.Log))
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configEnv, "env", pkgconfig.GetConfigEnv(), "configuration environment (config/<env>.yaml)")
	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "config", "directory holding the configuration files")

	for _, stage := range app.AllStages {
		if stage == app.StageAction {
			continue
		}
		rootCmd.AddCommand(newStageCommand(stage))
	}
	rootCmd.AddCommand(newAllCommand())
	rootCmd.AddCommand(newActionCommand())
	rootCmd.AddCommand(newMigrateCommand())
	rootCmd.AddCommand(newOutboxCommand())
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// withApp connects to the configured infrastructure, runs fn and closes
// everything again.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("Error during shutdown", zap.Error(err))
		}
	}()
	return fn(a)
}
