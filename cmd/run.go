// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/droidpilot/droidpilot/api/schemas"
	"github.com/droidpilot/droidpilot/internal/agent"
	"github.com/droidpilot/droidpilot/internal/config"
	"github.com/droidpilot/droidpilot/internal/device"
	"github.com/droidpilot/droidpilot/internal/llmclient"
	"github.com/droidpilot/droidpilot/internal/observability"
	"github.com/droidpilot/droidpilot/internal/reporting"
	"github.com/droidpilot/droidpilot/internal/runstore"
	"github.com/droidpilot/droidpilot/internal/scenario"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [scenario files or directories...]",
		Short: "Runs test scenarios against a connected device",
		Args:  cobra.MinimumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags to their corresponding Viper keys so command-line
			// flags correctly override config file and environment values.
			if err := viper.BindPFlag("device.serial", cmd.Flags().Lookup("serial")); err != nil {
				return err
			}
			if err := viper.BindPFlag("engine.mode", cmd.Flags().Lookup("mode")); err != nil {
				return err
			}
			if err := viper.BindPFlag("engine.max_steps", cmd.Flags().Lookup("max-steps")); err != nil {
				return err
			}
			if err := viper.BindPFlag("report.dir", cmd.Flags().Lookup("report-dir")); err != nil {
				return err
			}
			if err := viper.BindPFlag("store.init_schema", cmd.Flags().Lookup("init-store")); err != nil {
				return err
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := config.NewConfigFromViper(viper.GetViper())
			if err != nil {
				return err
			}
			if cfg.Device.ScreenshotsDir, err = homedir.Expand(cfg.Device.ScreenshotsDir); err != nil {
				return fmt.Errorf("expanding screenshots dir: %w", err)
			}
			if cfg.Report.Dir, err = homedir.Expand(cfg.Report.Dir); err != nil {
				return fmt.Errorf("expanding report dir: %w", err)
			}

			scenarios, err := collectScenarios(args)
			if err != nil {
				return err
			}
			logger.Info("Scenarios loaded", zap.Int("count", len(scenarios)))

			components, err := initializeRunComponents(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer components.Shutdown()

			var failed int
			for _, sc := range scenarios {
				if ctx.Err() != nil {
					return fmt.Errorf("run aborted by user signal")
				}

				session := agent.NewSessionWithMatcher(cfg.Engine, cfg.Matcher, components.Client, components.Device, logger)
				report := session.Run(ctx, sc)

				if err := persistReport(ctx, components, report, logger); err != nil {
					logger.Warn("Report persistence incomplete", zap.Error(err))
				}
				if report.Status != schemas.StatusCompleteSuccess {
					failed++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", sc.Name, report.Status)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d scenarios did not complete successfully", failed, len(scenarios))
			}
			return nil
		},
	}

	runCmd.Flags().StringP("serial", "s", "", "device serial (required when multiple devices are attached)")
	runCmd.Flags().StringP("mode", "m", "", "session mode: step, goal or hybrid")
	runCmd.Flags().Int("max-steps", 0, "step budget for goal-driven sessions")
	runCmd.Flags().StringP("report-dir", "o", "", "directory for report artifacts")
	runCmd.Flags().Bool("init-store", false, "create the run archive tables before running")
	return runCmd
}

// runComponents bundles the collaborators a run needs, so setup and teardown
// stay in one place.
type runComponents struct {
	Client   schemas.DecisionClient
	Device   schemas.DeviceController
	Reporter schemas.ReportWriter
	Store    schemas.RunStore

	pool *pgxpool.Pool
}

func (c *runComponents) Shutdown() {
	if c.pool != nil {
		c.pool.Close()
	}
}

func initializeRunComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runComponents, error) {
	client, err := llmclient.NewClient(cfg.LLM, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing decision client: %w", err)
	}
	controller, err := device.NewADBController(cfg.Device, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing device controller: %w", err)
	}
	reporter, err := reporting.NewJSONReporter(cfg.Report.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing reporter: %w", err)
	}

	components := &runComponents{Client: client, Device: controller, Reporter: reporter}
	if cfg.Store.Enabled {
		pool, err := pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("connecting to run archive: %w", err)
		}
		store, err := runstore.New(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("initializing run archive: %w", err)
		}
		if cfg.Store.InitSchema {
			if err := store.InitSchema(ctx); err != nil {
				pool.Close()
				return nil, err
			}
		}
		components.pool = pool
		components.Store = store
	}
	return components, nil
}

// persistReport writes the JSON artifact and the optional archive row
// concurrently. Neither failure changes the session outcome.
func persistReport(ctx context.Context, components *runComponents, report *schemas.SessionReport, logger *zap.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		path, err := components.Reporter.Write(report)
		if err != nil {
			return err
		}
		logger.Info("Report artifact written", zap.String("path", path))
		return nil
	})
	if components.Store != nil {
		g.Go(func() error {
			return components.Store.SaveReport(gctx, report)
		})
	}
	return g.Wait()
}

// collectScenarios resolves each argument to one or more scenario files.
func collectScenarios(args []string) ([]schemas.TestScenario, error) {
	var scenarios []schemas.TestScenario
	for _, arg := range args {
		path, err := homedir.Expand(arg)
		if err != nil {
			return nil, fmt.Errorf("expanding path %q: %w", arg, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("scenario path %q: %w", arg, err)
		}
		if info.IsDir() {
			batch, err := scenario.LoadAll(path)
			if err != nil {
				return nil, err
			}
			scenarios = append(scenarios, batch...)
			continue
		}
		sc, err := scenario.Load(path)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, sc)
	}
	if len(scenarios) == 0 {
		return nil, errors.New("no scenarios to run")
	}
	return scenarios, nil
}

func init() {
	rootCmd.AddCommand(newRunCmd())
}
