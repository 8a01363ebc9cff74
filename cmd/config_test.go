package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"
	null "gopkg.in/guregu/null.v3"
)

func TestConfigApplyOverlaysOnlyValidFields(t *testing.T) {
	base := defaultConfig()
	overlay := Config{IngestAddr: null.StringFrom(":9999")}

	merged := base.Apply(overlay)

	require.Equal(t, ":9999", merged.IngestAddr.ValueOrZero())
	require.Equal(t, base.ClientAddr, merged.ClientAddr)
	require.Equal(t, base.LogFormat, merged.LogFormat)
}

func TestConfigApplyPrecedenceFlagsWinOverFile(t *testing.T) {
	fileConf := Config{LogFormat: null.StringFrom("json")}
	cliConf := Config{LogFormat: null.StringFrom("raw")}

	merged := defaultConfig().Apply(fileConf).Apply(cliConf)

	require.Equal(t, "raw", merged.LogFormat.ValueOrZero())
}

func TestConfigFromFlagsOnlyReportsChangedFlags(t *testing.T) {
	flags := configFlagSet()
	require.NoError(t, flags.Parse([]string{"--binary", "/tmp/a.out"}))

	cfg := configFromFlags(flags)

	require.True(t, cfg.BinaryPath.Valid)
	require.Equal(t, "/tmp/a.out", cfg.BinaryPath.String)
	require.False(t, cfg.IngestAddr.Valid)
	require.False(t, cfg.OnlyUserCode.Valid)
}

func TestConfigFromFlagsBoolFlag(t *testing.T) {
	flags := configFlagSet()
	require.NoError(t, flags.Parse([]string{"--only-user-code"}))

	cfg := configFromFlags(flags)

	require.True(t, cfg.OnlyUserCode.Valid)
	require.True(t, cfg.OnlyUserCode.Bool)
}

func TestDefaultConfigHasListenAddresses(t *testing.T) {
	cfg := defaultConfig()
	require.Equal(t, ":9000", cfg.IngestAddr.ValueOrZero())
	require.Equal(t, ":9001", cfg.ClientAddr.ValueOrZero())
}
