package cmd

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/amelia-dev/amelia/internal/config"
)

func TestInitConfig_DefaultsUnmarshal(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfgFile = ""
	cfg = config.Config{}
	initConfig()

	defaults := config.Defaults()
	require.Equal(t, defaults.Host, cfg.Host)
	require.Equal(t, defaults.Port, cfg.Port)
	require.Equal(t, defaults.DriverProvider, cfg.DriverProvider)
	require.Equal(t, defaults.Retry, cfg.Retry)
	require.NoError(t, cfg.Validate())
}

func TestInitConfig_EnvOverride(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("AMELIA_PORT", "9000")
	t.Setenv("AMELIA_RETRY_MAX_RETRIES", "5")

	cfgFile = ""
	cfg = config.Config{}
	initConfig()

	require.Equal(t, 9000, cfg.Port)
	require.Equal(t, 5, cfg.Retry.MaxRetries)
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3 (commit: abc, built: now)")
	require.Equal(t, "1.2.3 (commit: abc, built: now)", rootCmd.Version)
}
