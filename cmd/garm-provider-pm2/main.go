package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/terrpan/garm-provider-pm2/internal/audit"
	"github.com/terrpan/garm-provider-pm2/internal/buildinfo"
	"github.com/terrpan/garm-provider-pm2/internal/config"
	"github.com/terrpan/garm-provider-pm2/internal/dispatch"
	"github.com/terrpan/garm-provider-pm2/internal/garm"
	"github.com/terrpan/garm-provider-pm2/internal/otel"
	"github.com/terrpan/garm-provider-pm2/internal/provider"
	"github.com/terrpan/garm-provider-pm2/internal/provision"
	"github.com/terrpan/garm-provider-pm2/internal/registry"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

// loggedError marks an error run has already reported through the
// logger.
type loggedError struct{ error }

func (e loggedError) Unwrap() error { return e.error }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var logged loggedError
		if !errors.As(err, &logged) {
			fmt.Fprintf(os.Stderr, "%v\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "garm-provider-pm2",
	Short: "GARM external provider running GitHub Actions runners under a local process supervisor",
	Long: `garm-provider-pm2 is invoked by GARM once per lifecycle command.  The
command is read from GARM_COMMAND; CreateInstance reads its bootstrap
request from standard input.  Results are printed to standard output as
JSON; logs go to standard error.

Runners are supervised by pm2 (default) or run as Docker containers.
Configuration is read from a YAML file (--config, else
GARM_PROVIDER_CONFIG_FILE) with optional CLI flag overrides.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), buildinfo.Summary())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)

	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "", "Path to YAML configuration file (default: $GARM_PROVIDER_CONFIG_FILE)")

	// Supervisor overrides
	f.StringVar(&flagOverrides.Supervisor.Type, "supervisor", "", "Process supervisor (pm2, docker)")
	f.StringVar(&flagOverrides.WorkDir, "work-dir", "", "Directory holding stash/ and job/<name>/")
	f.StringVar(&flagOverrides.LogsDir, "logs-dir", "", "Directory receiving per-invocation audit logs")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Supervisor.Type != "" {
		cfg.Supervisor.Type = flagOverrides.Supervisor.Type
	}
	if flagOverrides.WorkDir != "" {
		cfg.WorkDir = flagOverrides.WorkDir
	}
	if flagOverrides.LogsDir != "" {
		cfg.LogsDir = flagOverrides.LogsDir
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context, stdin io.Reader, stdout io.Writer) (err error) {
	// ---------------------------------------------------------------
	// 1. Read the invocation and load configuration
	// ---------------------------------------------------------------
	inv := config.LoadInvocation(os.Environ())
	path := config.ResolvePath(cfgPath, inv)

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger (stderr: stdout carries the result)
	// ---------------------------------------------------------------
	logger := cfg.NewLogger(os.Stderr).With(
		slog.String("command", inv.Command),
		slog.String("poolID", inv.PoolID),
	)
	logger.Debug("configuration loaded",
		slog.String("configFile", path),
		slog.String("supervisor", cfg.Supervisor.Type),
		slog.String("workDir", cfg.WorkDir),
	)

	// ---------------------------------------------------------------
	// 3. Telemetry
	// ---------------------------------------------------------------
	shutdown, err := otel.SetupOTelSDK(ctx, buildinfo.Name, cfg.OTelSetup())
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if serr := shutdown(context.WithoutCancel(ctx)); serr != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", serr.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Audit log (best-effort: the command runs without it)
	// ---------------------------------------------------------------
	var (
		dispatchAudit  dispatch.Auditor
		provisionAudit provision.Auditor
		auditPath      string
	)
	if store, aerr := audit.New(audit.Config{Dir: cfg.LogsDir}); aerr != nil {
		logger.Warn("audit log unavailable", slog.String("error", aerr.Error()))
	} else {
		dispatchAudit, provisionAudit, auditPath = store, store, store.Path()
		logger.Debug("audit log", slog.String("path", auditPath))
	}

	// ---------------------------------------------------------------
	// 5. Supervisor, registry, workflow
	// ---------------------------------------------------------------
	sup, err := cfg.NewSupervisor(logger)
	if err != nil {
		return provider.NewError(provider.KindSupervisor, err, "initializing supervisor")
	}

	layout := registry.Layout{WorkDir: cfg.WorkDir}

	reg := registry.New(registry.Config{
		Supervisor: sup,
		Codec:      cfg.Codec(),
		Defaults:   cfg.InstanceDefaults(),
		Layout:     layout,
		Logger:     logger.WithGroup("registry"),
	})

	wf := provision.New(provision.Config{
		Supervisor: sup,
		Metadata:   garm.New(garm.Config{Logger: logger.WithGroup("garm")}),
		Runner:     provision.ExecRunner{Output: os.Stderr},
		Auditor:    provisionAudit,
		Codec:      cfg.Codec(),
		Defaults:   cfg.InstanceDefaults(),
		Layout:     layout,
		Scripts: provision.Scripts{
			Download:    cfg.Scripts.Download,
			Bootstrap:   cfg.Scripts.Bootstrap,
			Interpreter: cfg.Scripts.Interpreter,
		},
		Logger: logger.WithGroup("provision"),
	})

	// ---------------------------------------------------------------
	// 6. Dispatch
	// ---------------------------------------------------------------
	d := dispatch.New(dispatch.Config{
		Invocation:  inv,
		Supervisor:  sup,
		Registry:    reg,
		Provisioner: wf,
		Auditor:     dispatchAudit,
		Stdin:       stdin,
		Stdout:      stdout,
		Logger:      logger,
	})

	if err := d.Run(ctx); err != nil {
		logger.Error("command failed",
			slog.String("kind", string(provider.KindOf(err))),
			slog.String("error", err.Error()),
			slog.String("auditLog", auditPath),
		)
		return loggedError{err}
	}
	return nil
}
