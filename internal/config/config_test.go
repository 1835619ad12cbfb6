package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "http://127.0.0.1:8545", cfg.RPCEndpoint)
	assert.Equal(t, "https://gateway.pinata.cloud/ipfs/", cfg.IPFSGateway)
	assert.Equal(t, 8, cfg.MetadataConcurrency)
	assert.Equal(t, 10*time.Second, cfg.MetadataTimeout)
	assert.Equal(t, 3, cfg.MetadataRetries)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.RevealAbandonAfter)
	assert.False(t, cfg.UseMemory)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("GACHA_CHAIN_ID", "11155111")
	t.Setenv("GACHA_USE_MEMORY", "true")
	t.Setenv("GACHA_METADATA_TIMEOUT", "2s")
	t.Setenv("GACHA_MINT_FEE", "0.002")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, int64(11155111), cfg.ChainID)
	assert.True(t, cfg.UseMemory)
	assert.Equal(t, 2*time.Second, cfg.MetadataTimeout)

	fee, err := cfg.MintFeeWei()
	require.NoError(t, err)
	assert.Equal(t, "2000000000000000", fee.String())
}

func TestLoad_Error(t *testing.T) {
	t.Setenv("GACHA_METADATA_CONCURRENCY", "many")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestValidate(t *testing.T) {
	valid := Config{
		RPCEndpoint: "http://node",
		Contract:    "0x5FbDB2315678afecb367f032d93F642f64180aa3",
		MintFee:     "0.001",
		UseMemory:   true,
		LogFormat:   "json",
	}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no contract", func(c *Config) { c.Contract = "" }},
		{"no rpc", func(c *Config) { c.RPCEndpoint = "" }},
		{"no dsn", func(c *Config) { c.UseMemory = false }},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }},
		{"bad fee", func(c *Config) { c.MintFee = "free" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := `# local node
GACHA_TEST_CONTRACT="0xabc"
export GACHA_TEST_ENDPOINT=http://127.0.0.1:8545 # anvil
GACHA_TEST_KEY='0x01#02'
GACHA_TEST_GREETING="line\nbreak"

GACHA_TEST_KEPT=file
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("GACHA_TEST_KEPT", "env")
	for _, key := range []string{"GACHA_TEST_CONTRACT", "GACHA_TEST_ENDPOINT", "GACHA_TEST_KEY", "GACHA_TEST_GREETING"} {
		key := key
		os.Unsetenv(key)
		t.Cleanup(func() { os.Unsetenv(key) })
	}

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "0xabc", os.Getenv("GACHA_TEST_CONTRACT"))
	assert.Equal(t, "http://127.0.0.1:8545", os.Getenv("GACHA_TEST_ENDPOINT"))
	assert.Equal(t, "0x01#02", os.Getenv("GACHA_TEST_KEY"))
	assert.Equal(t, "line\nbreak", os.Getenv("GACHA_TEST_GREETING"))
	assert.Equal(t, "env", os.Getenv("GACHA_TEST_KEPT"))
}

func TestLoadEnvFile_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("GACHA_TEST_BROKEN=\"unterminated\n"), 0o600))
	assert.Error(t, LoadEnvFile(path))
}

func TestLoadEnvFile_Missing(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), "nope")))
}
