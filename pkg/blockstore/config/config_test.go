package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tvandijck/longtail/internal/bytesize"
)

const minimalYAML = `
logging:
  level: info
  format: text
  output: stdout
fs:
  store_path: /data/chunks
  hash_identifier: 1
`

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "longtail.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, minimalYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/chunks", cfg.FS.StorePath)
	assert.Equal(t, bytesize.ByteSize(8*1024*1024), cfg.FS.MaxBlockSize)
	assert.Equal(t, uint32(1024), cfg.FS.MaxChunksPerBlock)
	assert.Equal(t, ".lrb", cfg.FS.Extension)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.False(t, cfg.Cache.Enabled)
}

func TestLoad_UppercasesLogLevel(t *testing.T) {
	path := writeConfigFile(t, minimalYAML)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "INFO", cfg.Logging.Level)
}

func TestLoad_ByteSizeDecodeHookParsesHumanReadableSizes(t *testing.T) {
	yaml := minimalYAML + "  max_block_size: 16Mi\n"
	path := writeConfigFile(t, yaml)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, bytesize.ByteSize(16*1024*1024), cfg.FS.MaxBlockSize)
}

func TestLoad_MissingFileUsesDefaultsAndFailsRequiredValidation(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "does-not-exist.yaml"))
	require.Error(t, err, "fs.store_path is required and has no default")
}

func TestLoad_CacheEnabledAppliesLocalDefaults(t *testing.T) {
	yaml := minimalYAML + "cache:\n  enabled: true\n  local:\n    store_path: /data/cache\n    hash_identifier: 1\n"
	path := writeConfigFile(t, yaml)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "/data/cache", cfg.Cache.Local.StorePath)
	assert.Equal(t, bytesize.ByteSize(8*1024*1024), cfg.Cache.Local.MaxBlockSize)
}

func TestValidate_RejectsMissingRequiredFields(t *testing.T) {
	cfg := &Config{}
	err := Validate(cfg)
	require.Error(t, err)
}

func TestValidate_RejectsBadLogLevel(t *testing.T) {
	cfg := defaultConfig()
	cfg.FS.StorePath = "/data"
	cfg.Logging.Level = "VERBOSE"
	cfg.Logging.Format = "text"
	cfg.Logging.Output = "stdout"
	applyFSDefaults(&cfg.FS)
	err := Validate(cfg)
	require.Error(t, err)
}

func TestValidate_AcceptsWellFormedConfig(t *testing.T) {
	cfg := defaultConfig()
	cfg.FS.StorePath = "/data"
	cfg.Logging.Level = "INFO"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stdout"
	cfg.FS.HashIdentifier = 1
	applyFSDefaults(&cfg.FS)
	require.NoError(t, Validate(cfg))
}

func TestSaveConfig_RoundTripsThroughLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "longtail.yaml")

	cfg := defaultConfig()
	cfg.Logging.Level = "INFO"
	cfg.Logging.Format = "text"
	cfg.Logging.Output = "stdout"
	cfg.FS.StorePath = "/data/chunks"
	cfg.FS.HashIdentifier = 1
	applyFSDefaults(&cfg.FS)

	require.NoError(t, SaveConfig(cfg, path))
	require.FileExists(t, path)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.FS.StorePath, loaded.FS.StorePath)
	assert.Equal(t, cfg.FS.MaxBlockSize, loaded.FS.MaxBlockSize)
}
