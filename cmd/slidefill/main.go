package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dharsanguruparan/SlideFill/internal/api"
	"github.com/dharsanguruparan/SlideFill/internal/app"
	"github.com/dharsanguruparan/SlideFill/internal/config"
	"github.com/dharsanguruparan/SlideFill/internal/conversion"
	"github.com/dharsanguruparan/SlideFill/internal/database"
	"github.com/dharsanguruparan/SlideFill/internal/model"
	pdfutil "github.com/dharsanguruparan/SlideFill/internal/pdf"
	"github.com/dharsanguruparan/SlideFill/internal/repository"
	"github.com/dharsanguruparan/SlideFill/internal/transformer"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "slidefill: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slidefill",
		Short: "SlideFill operator CLI",
		Long: `SlideFill CLI runs the API in a single process, applies the database schema,
reconciles stale conversion jobs and measures templates without going through the API.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newSweepCmd(),
		newSlideCountCmd(),
		newQuotaCmd(),
		newRunCmd(),
	)
	return cmd
}

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API with the configured dispatcher in this process",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Address = addr
			}
			logger := cfg.NewLogger()
			pipeline, err := app.Build(ctx, cfg, logger, true)
			if err != nil {
				return err
			}
			defer pipeline.Close()
			if err := pipeline.Dispatch(ctx); err != nil {
				return err
			}
			go pipeline.Sweeper.Run(ctx, cfg.SweepInterval)
			return api.New(cfg, pipeline.Controller, pipeline.Blobs, pipeline.Files, logger).Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides SLIDEFILL_ADDRESS)")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the jobs, templates and subscriptions tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			switch {
			case cfg.DatabaseURL != "":
				pool, err := database.Connect(ctx, cfg.DatabaseURL)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := database.EnsureSchema(ctx, pool); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "postgres schema is up to date")
			case cfg.SQLitePath != "":
				store, err := repository.OpenSQLite(ctx, cfg.SQLitePath)
				if err != nil {
					return err
				}
				defer store.Close()
				fmt.Fprintf(cmd.OutOrStdout(), "sqlite schema is up to date (%s)\n", cfg.SQLitePath)
			default:
				return errors.New("set DATABASE_URL or SLIDEFILL_SQLITE_PATH")
			}
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail abandoned conversions and re-dispatch ones that never started",
		Long: `sweep runs one reconciliation pass. With SLIDEFILL_DISPATCH=asynq stale pending jobs are
re-enqueued; otherwise they are executed inline before the command returns.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pipeline, err := app.Build(ctx, cfg, cfg.NewLogger(), false)
			if err != nil {
				return err
			}
			defer pipeline.Close()
			if cfg.DispatchMode == config.DispatchAsynq {
				pipeline.UseQueue()
			} else {
				ctrl := pipeline.Controller
				ctrl.SetDispatcher(conversion.DispatcherFunc(ctrl.Execute))
			}
			report, err := pipeline.Sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "abandoned: %d\nredispatched: %d\ndeferred: %d\n", report.Abandoned, report.Redispatched, report.Deferred)
			return nil
		},
	}
}

func newSlideCountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "slide-count <file>",
		Short: "Print the number of slides or pages in a local template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := countSlides(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), count)
			return nil
		},
	}
}

func countSlides(ctx context.Context, path string) (int, error) {
	if pdfutil.IsPDF(path) {
		return pdfutil.PageCountFile(path)
	}
	cfg, err := config.Load()
	if err != nil {
		return 0, err
	}
	t := transformer.New(
		transformer.NewInvoker(cfg.TransformTimeout),
		transformer.Command(cfg.TransformerCommand),
		transformer.Command(cfg.SlideCountCommand),
		cfg.TransformerEnv,
	)
	return t.SlideCount(ctx, path)
}

func newQuotaCmd() *cobra.Command {
	var tier string
	cmd := &cobra.Command{
		Use:   "quota",
		Short: "Print the effective quota policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			var out any = cfg.Quota
			if tier != "" {
				out = cfg.Quota.LimitsFor(model.Tier(tier))
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("encode policy: %w", err)
			}
			return enc.Close()
		},
	}
	cmd.Flags().StringVar(&tier, "tier", "", "Only print the limits that apply to this tier")
	return cmd
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run individual Go binaries directly",
	}
	cmd.AddCommand(
		newServiceRunner("server", "./cmd/server"),
		newServiceRunner("worker", "./cmd/worker"),
	)
	return cmd
}

func newServiceRunner(name, path string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("go run %s", path),
		RunE: func(cmd *cobra.Command, args []string) error {
			goArgs := append([]string{"run", path}, args...)
			return runCommand(cmd.Context(), "go", goArgs...)
		},
	}
}

func runCommand(ctx context.Context, name string, args ...string) error {
	execCmd := exec.CommandContext(ctx, name, args...)
	execCmd.Stdout = os.Stdout
	execCmd.Stderr = os.Stderr
	execCmd.Stdin = os.Stdin
	return execCmd.Run()
}
