package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/copyleftdev/qvopt/internal/backend"
	_ "github.com/copyleftdev/qvopt/internal/backend/sim"
	"github.com/copyleftdev/qvopt/internal/config"
	"github.com/copyleftdev/qvopt/internal/logging"
	_ "github.com/copyleftdev/qvopt/internal/optimization/bayesian"
	_ "github.com/copyleftdev/qvopt/internal/optimization/local"
	"github.com/copyleftdev/qvopt/internal/qrt"
)

const version = "0.1.0"

var (
	logLevel    string
	backendFlag string
	shotsFlag   int

	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "qvopt",
	Short: "Variational optimization runtime",
	Long: `qvopt captures parameterized kernels, measures cost observables on an
execution backend and drives classical optimizers over them, either from
job files or as an HTTP/JSON-RPC service.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("loading configuration: %w", err)
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if cmd.Flags().Changed("backend") {
			cfg.Runtime.Backend = backendFlag
		}
		if cmd.Flags().Changed("shots") {
			cfg.Runtime.Shots = shotsFlag
		}

		logger, err = logging.NewLogger(cfg.LoggerConfig())
		if err != nil {
			return fmt.Errorf("initializing logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides LOG_LEVEL")
	rootCmd.PersistentFlags().StringVar(&backendFlag, "backend", "sim", "Execution backend; overrides QV_BACKEND")
	rootCmd.PersistentFlags().IntVar(&shotsFlag, "shots", 0, "Shots per measured program, 0 for exact; overrides QV_SHOTS")
}

// zapLogger adapts the command logger for the runtime packages.
func zapLogger() *zap.Logger {
	return logging.NewZapLogger(logger)
}

// newRuntime opens the configured backend and makes it the process default.
func newRuntime(zl *zap.Logger) (*qrt.Runtime, error) {
	rt, err := qrt.Open(cfg.Runtime.Backend, backend.Options{
		Shots: cfg.Runtime.Shots,
		Seed:  cfg.Runtime.Seed,
	}, zl)
	if err != nil {
		return nil, fmt.Errorf("opening backend %q (have %v): %w", cfg.Runtime.Backend, backend.Names(), err)
	}
	rt.SetVerbose(cfg.Runtime.Verbose)
	qrt.SetDefault(rt)
	return rt, nil
}
