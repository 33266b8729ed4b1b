package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"maskbrowser/internal/shared/types"
)

func TestLoadIni_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "maskbrowser.ini")
	content := `
[log]
level = debug

[tunnel]
retry_attempts = 5
probe_target = example.com:443

[rpa]
concurrency_limit = 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	t.Setenv("MASKBROWSER_WEB_PASSWORD", "s3cret")

	cfg := Default()
	require.NoError(t, LoadIni(cfg, path))

	assert.Equal(t, "debug", cfg.LogConf.Level)
	assert.Equal(t, 5, cfg.TunnelConf.RetryAttempts)
	assert.Equal(t, "example.com:443", cfg.TunnelConf.ProbeTarget)
	assert.Equal(t, 4, cfg.RPAConf.ConcurrencyLimit)
	assert.Equal(t, "s3cret", cfg.WebConf.Password)
	// 未出现的键保持默认值
	assert.Equal(t, 5000, cfg.GeoConf.RequestTimeoutMs)
}

func TestLoadProfiles_MissingFileReturnsEmpty(t *testing.T) {
	profiles, err := LoadProfiles(filepath.Join(t.TempDir(), "none.json"))
	require.NoError(t, err)
	assert.Empty(t, profiles)
}

func TestSaveAndLoadProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.json")
	in := []*types.ProfileSpec{{ID: "p1", Name: "first", Proxy: "1.2.3.4:1080", Scheme: "socks5", Enabled: true}}
	require.NoError(t, SaveProfiles(path, in))

	out, err := LoadProfiles(path)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, *in[0], *out[0])
}
