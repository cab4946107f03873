package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Dhoini/entitlement-service/internal/app"
	"github.com/Dhoini/entitlement-service/internal/config"
	"github.com/Dhoini/entitlement-service/internal/db"
	"github.com/Dhoini/entitlement-service/internal/health"
	"github.com/Dhoini/entitlement-service/pkg/logger"
	"github.com/spf13/cobra"
)

var (
	configPathFlag string
	logLevelFlag   string
)

var rootCmd = &cobra.Command{
	Use:   "entitlementctl",
	Short: "Operator tool for the entitlement service",
	Long: `Runs one-off maintenance against the entitlement store: manual
subscription sync, consistency sweeps, fallback replay and schema migration.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPathFlag, "config", "", "Directory containing config.yml (default: current directory)")
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "warn", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(syncCmd, sweepCmd, replayCmd, statusCmd, migrateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// withApp загружает конфигурацию и собирает приложение без HTTP слоя.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	log := logger.New(logger.ParseLevel(logLevelFlag))
	cfg, err := config.LoadConfig(configPathFlag)
	if err != nil {
		return err
	}
	a, err := app.NewApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Errorw("Error releasing resources", "error", err)
		}
	}()
	return fn(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var syncCmd = &cobra.Command{
	Use:   "sync <user-id>",
	Short: "Reconcile one user's subscription with Stripe",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			result, err := a.Reconciler.SyncSubscriptionStatus(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("sync %s: %w", args[0], err)
			}
			return printJSON(result)
		})
	},
}

// sweepReport - итог ручного прохода: сверка и истечение grace периодов.
type sweepReport struct {
	health.SweepReport
	GraceExpired int `json:"graceExpired"`
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one consistency sweep and expire ended grace periods",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			report, err := a.Sweeper.Sweep(cmd.Context())
			if err != nil {
				return err
			}
			expired, err := a.Reconciler.ExpireGracePeriods(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(sweepReport{SweepReport: report, GraceExpired: expired})
		})
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Move queued degraded-mode usage into the store",
	Long: `Replays the fallback queue through the normal usage path. Only useful
with entitlement.shared_fallback: a process-local queue belongs to the
service instance that filled it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			n, err := a.Entitlements.Replay(cmd.Context())
			fmt.Printf("Replayed %d usage events\n", n)
			return err
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <user-id>",
	Short: "Print plan, usage and features for a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			status, err := a.Entitlements.GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(status)
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the entitlement tables if they do not exist",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.New(logger.ParseLevel(logLevelFlag))
		cfg, err := config.LoadConfig(configPathFlag)
		if err != nil {
			return err
		}
		if cfg.Database.Driver != "postgres" {
			return fmt.Errorf("migrate needs the postgres driver, got %q", cfg.Database.Driver)
		}

		client, err := db.NewDBClient(cfg.Database.DSN, db.Options{}, log)
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Migrate(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Schema is up to date")
		return nil
	},
}
