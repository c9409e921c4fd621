package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "walletd.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv(EnvToken, "")
	path := writeConfig(t, `{}`)
	dir := filepath.Dir(path)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8787", cfg.Server.Address)
	assert.Empty(t, cfg.Server.Token)
	assert.Empty(t, cfg.Server.ExtensionOrigins)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, filepath.Join(dir, "data"), cfg.Runtime.DataDir)
	assert.Equal(t, filepath.Join(dir, "data", "keystore"), cfg.Keystore.Dir)
	assert.Equal(t, filepath.Join(dir, "chains.yaml"), cfg.Chains.DefinitionsPath)
	assert.Equal(t, 15*time.Second, cfg.Chains.ProbeInterval.Std())
	assert.Equal(t, 10*time.Second, cfg.Chains.DialTimeout.Std())
	require.NotNil(t, cfg.Chains.RunJobsOnSwitch)
	assert.True(t, *cfg.Chains.RunJobsOnSwitch)
	assert.Equal(t, 300*time.Millisecond, cfg.Debounce.Quiet.Std())
	assert.Equal(t, 3*time.Second, cfg.Debounce.MaxWait.Std())

	assert.Equal(t, 60*time.Second, cfg.Cron.Price.Std())
	assert.Equal(t, 600*time.Second, cfg.Cron.NFT.Std())
	assert.Equal(t, 900*time.Second, cfg.Cron.StakingSlow.Std())
	assert.Equal(t, 180*time.Second, cfg.Cron.StakingFast.Std())
	assert.Equal(t, 600*time.Second, cfg.Cron.Crowdloan.Std())
	assert.Equal(t, 300*time.Second, cfg.Cron.StakeUnlocking.Std())

	assert.Equal(t, DefaultDenylist, cfg.Phishing.Denylist)
	assert.Equal(t, "https://api.coingecko.com/api/v3", cfg.Prices.BaseURL)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	t.Setenv(EnvToken, "")
	path := writeConfig(t, `{
		"server": {"address": "127.0.0.1:9000", "token": "abc", "extension_origins": ["chrome-extension://abcdef"]},
		"storage": {"driver": "sqlite", "dsn": "file:wallet.db"},
		"keystore": {"dir": "/var/lib/walletd/keys", "light": true},
		"chains": {"definitions_path": "defs/chains.yaml", "probe_interval": "5s", "dial_timeout": 2500, "run_jobs_on_switch": false},
		"debounce": {"quiet": "100ms"},
		"cron": {"price": "30s"},
		"phishing": {"denylist": []},
		"logging": {"level": "debug", "audit": {"enabled": true}}
	}`)
	dir := filepath.Dir(path)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Address)
	assert.Equal(t, "abc", cfg.Server.Token)
	assert.Equal(t, []string{"chrome-extension://abcdef"}, cfg.Server.ExtensionOrigins)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/var/lib/walletd/keys", cfg.Keystore.Dir)
	assert.True(t, cfg.Keystore.Light)
	assert.Equal(t, filepath.Join(dir, "defs", "chains.yaml"), cfg.Chains.DefinitionsPath)
	assert.Equal(t, 5*time.Second, cfg.Chains.ProbeInterval.Std())
	assert.Equal(t, 2500*time.Millisecond, cfg.Chains.DialTimeout.Std())
	assert.False(t, *cfg.Chains.RunJobsOnSwitch)
	assert.Equal(t, 100*time.Millisecond, cfg.Debounce.Quiet.Std())
	assert.Equal(t, 3*time.Second, cfg.Debounce.MaxWait.Std())
	assert.Equal(t, 30*time.Second, cfg.Cron.Price.Std())
	assert.Empty(t, cfg.Phishing.Denylist)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, filepath.Join(dir, "data", "audit.log"), cfg.Logging.Audit.Path)
}

func TestTokenFromEnvironment(t *testing.T) {
	t.Setenv(EnvToken, "from-env")
	cfg, err := Load(writeConfig(t, `{"server": {"token": "from-file"}}`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Server.Token)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load("")
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `{"chains": {"probe_interval": "soon"}}`))
	assert.ErrorContains(t, err, "无效的时间间隔")
}

func TestDefaultWithoutFile(t *testing.T) {
	t.Setenv(EnvToken, "")
	cfg := Default("/opt/walletd")
	assert.Equal(t, "/opt/walletd/data/keystore", cfg.Keystore.Dir)
	assert.Equal(t, "/opt/walletd/chains.yaml", cfg.Chains.DefinitionsPath)
}
