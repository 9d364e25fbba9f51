// Package cmd wires the amelia command line interface.
package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/amelia-dev/amelia/internal/config"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "amelia",
	Short:   "Workflow orchestration server for agent-driven development",
	Long: `Amelia drives issues through a plan, approve, execute, and review
pipeline against git worktrees. Agents draft a plan, a human approves
or rejects it over the REST API, and the execute/review loop iterates
until the reviewer signs off.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .amelia/config.yaml)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("host", defaults.Host)
	viper.SetDefault("port", defaults.Port)
	viper.SetDefault("database_path", defaults.DatabasePath)
	viper.SetDefault("profiles_path", defaults.ProfilesPath)
	viper.SetDefault("log_retention_days", defaults.LogRetentionDays)
	viper.SetDefault("log_retention_max_events", defaults.LogRetentionMaxEvents)
	viper.SetDefault("websocket_idle_timeout_seconds", defaults.WebsocketIdleTimeoutSeconds)
	viper.SetDefault("workflow_start_timeout_seconds", defaults.WorkflowStartTimeoutSeconds)
	viper.SetDefault("max_concurrent", defaults.MaxConcurrent)
	viper.SetDefault("driver_provider", defaults.DriverProvider)
	viper.SetDefault("retry.max_retries", defaults.Retry.MaxRetries)
	viper.SetDefault("retry.base_delay", defaults.Retry.BaseDelay)
	viper.SetDefault("retry.max_delay", defaults.Retry.MaxDelay)
	viper.SetDefault("max_review_iterations", defaults.MaxReviewIterations)
	viper.SetDefault("max_task_review_iterations", defaults.MaxTaskReviewIterations)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	viper.SetEnvPrefix("AMELIA")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if _, err := os.Stat(".amelia/config.yaml"); err == nil {
		viper.SetConfigFile(".amelia/config.yaml")
	} else {
		viper.AddConfigPath(".amelia")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// A missing config file is fine; defaults and env vars carry it.
	_ = viper.ReadInConfig()
	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
