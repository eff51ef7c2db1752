package config_test

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/intermodal-go/ociimage/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, config.Default().Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroConcurrency(t *testing.T) {
	cfg := config.Default()
	cfg.Concurrency = 0
	assert.Error(t, cfg.Validate())
}

func TestEffectiveLogLevelQuietOverride(t *testing.T) {
	cfg := config.Default()
	cfg.Quiet = true
	assert.Equal(t, config.LogLevelError, cfg.EffectiveLogLevel())
}

func TestLoadAppliesDefaults(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.PersistentFlags().String("log-level", "info", "")
	cmd.PersistentFlags().String("log-format", "text", "")
	cmd.PersistentFlags().Bool("no-color", false, "")
	cmd.PersistentFlags().Bool("quiet", false, "")
	cmd.PersistentFlags().String("root", "", "")
	cmd.PersistentFlags().Int("concurrency", 0, "")

	cfg, err := config.Load(cmd, "")
	require.NoError(t, err)
	assert.Equal(t, config.LogLevelInfo, cfg.LogLevel)
	assert.Equal(t, 3, cfg.Concurrency)
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	got := config.FromContext(t.Context())
	assert.Equal(t, config.Default().LogLevel, got.LogLevel)
}

func TestContextRoundTrip(t *testing.T) {
	cfg := config.Default()
	cfg.Root = "/tmp/custom-root"
	ctx := config.NewContext(t.Context(), cfg)
	assert.Equal(t, "/tmp/custom-root", config.FromContext(ctx).Root)
}
