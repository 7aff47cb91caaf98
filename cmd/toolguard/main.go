// Command toolguard synthesizes verified guard functions that enforce a
// natural-language policy before an agent's tool calls run.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"toolguard/internal/config"
	"toolguard/internal/logging"
)

var (
	// Global flags
	verbose    bool
	configPath string
	envFiles   []string

	// Set by the pre-run hook
	logger *zap.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "toolguard",
	Short: "Synthesize policy guards for agent tools",
	Long: `toolguard turns a natural-language policy and a catalog of agent tools into
one Go guard function per constrained tool.

Each guard is generated by an LLM, then linted, compiled and run against
fixture tests. Rejected candidates go back to the generator with review
comments until they pass or the iteration budget is spent.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(envFiles...); err != nil {
			return err
		}
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		return initLogging(cfg)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.Sync()
	},
}

// initLogging builds the zap logger. A logging directory in the config
// switches to the file-backed logger from internal/logging.
func initLogging(c *config.Config) error {
	if verbose {
		c.Logging.Level = "debug"
	}
	if c.Logging.Dir != "" {
		if err := logging.Initialize(c.Logging); err != nil {
			return err
		}
		logger = zap.NewNop()
		return nil
	}

	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if lvl, err := zapcore.ParseLevel(c.Logging.Level); err == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	var err error
	logger, err = zc.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logging.SetBase(logger)
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "toolguard.yaml", "Config file (missing file means defaults)")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "Env files loaded before the config")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(mapCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
