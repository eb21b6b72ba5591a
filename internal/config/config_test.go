package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pufattest/internal/challenge"
	"pufattest/internal/logging"
)

func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(EnvPrefix+"DATA_DIR", dir)
	return dir
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	dir := isolate(t)
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
	if cfg.Protocol.IDSet != "standard" {
		t.Errorf("expected standard id set, got %s", cfg.Protocol.IDSet)
	}
	if !strings.HasPrefix(cfg.Storage.Path, dir) {
		t.Errorf("storage path should live under %s: %s", dir, cfg.Storage.Path)
	}
	if !strings.HasSuffix(ConfigPath(), "config.toml") {
		t.Errorf("expected path ending with config.toml, got %s", ConfigPath())
	}
}

func TestLoadNonexistent(t *testing.T) {
	isolate(t)
	cfg, err := Load("/nonexistent/path/config.toml")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadFormats(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	cases := map[string]string{
		"config.toml": `
[protocol]
id_set = "compact"
pacing_delay_ms = 25
setup_pattern = [32, 0, 0, 0]

[listen]
address = "127.0.0.1:7000"
`,
		"config.json": `{
  "protocol": {"id_set": "compact", "pacing_delay_ms": 25, "setup_pattern": [32, 0, 0, 0]},
  "listen": {"address": "127.0.0.1:7000"}
}`,
		"config.yaml": `
protocol:
  id_set: compact
  pacing_delay_ms: 25
  setup_pattern: [32, 0, 0, 0]
listen:
  address: 127.0.0.1:7000
`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			writeFile(t, path, content)

			cfg, err := Load(path)
			require.NoError(t, err)
			require.NoError(t, cfg.Validate())

			assert.Equal(t, "compact", cfg.Protocol.IDSet)
			assert.Equal(t, 25, cfg.Protocol.PacingDelayMs)
			assert.Equal(t, []int{32, 0, 0, 0}, cfg.Protocol.SetupPattern)
			assert.Equal(t, "127.0.0.1:7000", cfg.Listen.Address)
			// Untouched sections keep their defaults.
			assert.Equal(t, 30000, cfg.Protocol.ReadTimeoutMs)
			assert.True(t, cfg.Storage.Enabled)
		})
	}
}

func TestLoadInvalidTOML(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[protocol\nid_set = ")

	_, err := Load(path)
	if err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestLoadKeepsDefaultSetupPattern(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[http]\nenabled = false\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 0, 0, 0}, cfg.Protocol.SetupPattern)
	assert.False(t, cfg.HTTP.Enabled)
}

func TestValidateRejects(t *testing.T) {
	isolate(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad version", func(c *Config) { c.Version = 9 }, "version"},
		{"bad address", func(c *Config) { c.Listen.Address = "nope" }, "listen.address"},
		{"public without tls", func(c *Config) { c.Listen.Address = "0.0.0.0:9443" }, "listen.cert_file"},
		{"cert without key", func(c *Config) { c.Listen.CertFile = "server.pem" }, "listen.key_file"},
		{"mutual auth without ca", func(c *Config) { c.Listen.RequireClientCert = true }, "listen.ca_file"},
		{"unknown id set", func(c *Config) { c.Protocol.IDSet = "legacy" }, "protocol.id_set"},
		{"short pattern", func(c *Config) { c.Protocol.SetupPattern = []int{0, 0} }, "protocol.setup_pattern"},
		{"wide pattern", func(c *Config) { c.Protocol.SetupPattern = []int{256, 0, 0, 0} }, "protocol.setup_pattern"},
		{"negative timeout", func(c *Config) { c.Protocol.ReadTimeoutMs = -1 }, "protocol.read_timeout_ms"},
		{"pacing range", func(c *Config) { c.Protocol.PacingDelayMs = 70000 }, "protocol.pacing_delay_ms"},
		{"bad challenge hex", func(c *Config) { c.Challenges.CommitmentP1 = "zz" }, "challenges"},
		{"short nonce", func(c *Config) { c.Challenges.Nonce = "00ff" }, "challenges"},
		{"storage without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"bad http address", func(c *Config) { c.HTTP.Address = "" }, "http.address"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"file without path", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))

			var verrs ValidationErrors
			require.True(t, errors.As(err, &verrs))
			assert.True(t, verrs.Has(tt.field), "expected %s in %v", tt.field, verrs)
		})
	}
}

func TestValidateDisabledSections(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Storage.Enabled = false
	cfg.Storage.Path = ""
	cfg.HTTP.Enabled = false
	cfg.HTTP.Address = ""
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnvOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("PUFATTEST_LISTEN_ADDRESS", "127.0.0.1:1234")
	t.Setenv("PUFATTEST_PROTOCOL_ID_SET", "compact")
	t.Setenv("PUFATTEST_PROTOCOL_READ_TIMEOUT_MS", "500")
	t.Setenv("PUFATTEST_STORAGE_ENABLED", "false")
	t.Setenv("PUFATTEST_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	require.NoError(t, cfg.ApplyEnvOverrides())

	assert.Equal(t, "127.0.0.1:1234", cfg.Listen.Address)
	assert.Equal(t, "compact", cfg.Protocol.IDSet)
	assert.Equal(t, 500, cfg.Protocol.ReadTimeoutMs)
	assert.False(t, cfg.Storage.Enabled)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestApplyEnvOverridesBadInt(t *testing.T) {
	isolate(t)
	t.Setenv("PUFATTEST_PROTOCOL_PACING_DELAY_MS", "soon")

	err := DefaultConfig().ApplyEnvOverrides()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PUFATTEST_PROTOCOL_PACING_DELAY_MS")
}

func TestClone(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	clone := cfg.Clone()
	clone.Protocol.SetupPattern[0] = 7
	clone.Listen.Address = "127.0.0.1:1"

	assert.Equal(t, 0, cfg.Protocol.SetupPattern[0])
	assert.Equal(t, "127.0.0.1:9443", cfg.Listen.Address)
}

func TestAttestationConfig(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Protocol.IDSet = "compact"
	cfg.Protocol.PacingDelayMs = 10
	cfg.Protocol.ReadTimeoutMs = 2500
	cfg.Protocol.SetupPattern = []int{32, 32, 0, 0}
	cfg.Challenges.ProofsP1 = strings.Repeat("ab", 32)

	ac, err := cfg.Attestation()
	require.NoError(t, err)

	assert.Equal(t, challenge.CompactIDs, ac.IDs)
	assert.Equal(t, challenge.Pattern{32, 32, 0, 0}, ac.SetupPattern)
	assert.Equal(t, challenge.FixedPacing(10*time.Millisecond), ac.Pacer)
	assert.Equal(t, 2500*time.Millisecond, ac.ReadTimeout)
	assert.Equal(t, time.Millisecond, ac.RetryInterval)
	assert.Equal(t, challenge.DefaultSet().CommitmentP1, ac.Challenges.CommitmentP1)
	assert.Equal(t, []byte(strings.Repeat("\xab", 32)), ac.Challenges.ProofsP1)

	dc, err := cfg.Device()
	require.NoError(t, err)
	assert.Equal(t, ac.IDs, dc.IDs)
	assert.Equal(t, ac.SetupPattern, dc.SetupPattern)
}

func TestLoggerConfig(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.Logging.Level = "warn"
	cfg.Logging.Format = "json"

	lc, err := cfg.LoggerConfig("pufprover")
	require.NoError(t, err)
	assert.Equal(t, logging.LevelWarn, lc.Level)
	assert.Equal(t, logging.FormatJSON, lc.Format)
	assert.Equal(t, "pufprover", lc.Component)
	assert.Equal(t, int64(50), lc.MaxSize)
}

func TestLoadOrCreate(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.True(t, created)
	assert.FileExists(t, path)

	again, created, err := LoadOrCreate(path)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, cfg, again)
}

func TestEnsureDirectories(t *testing.T) {
	isolate(t)
	root := t.TempDir()
	cfg := DefaultConfig()
	cfg.Storage.Path = filepath.Join(root, "db", "attestations.db")
	cfg.Logging.Output = "both"
	cfg.Logging.FilePath = filepath.Join(root, "logs", "pufattestd.log")

	require.NoError(t, cfg.EnsureDirectories())
	assert.DirExists(t, filepath.Join(root, "db"))
	assert.DirExists(t, filepath.Join(root, "logs"))
}

func TestFindConfigFile(t *testing.T) {
	dir := isolate(t)
	assert.Equal(t, filepath.Join(dir, "config.toml"), FindConfigFile())

	writeFile(t, filepath.Join(dir, "config.yaml"), "version: 1\n")
	assert.Equal(t, filepath.Join(dir, "config.yaml"), FindConfigFile())
}

func TestLoaderWatchReloads(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[protocol]\npacing_delay_ms = 1\n")

	loader := NewLoader(path)
	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Protocol.PacingDelayMs)

	changed := make(chan *Config, 4)
	loader.OnChange(func(c *Config) { changed <- c })
	require.NoError(t, loader.Watch())
	defer loader.Close()

	writeFile(t, path, "[protocol]\npacing_delay_ms = 42\n")

	deadline := time.After(5 * time.Second)
	for {
		select {
		case c := <-changed:
			if c.Protocol.PacingDelayMs != 42 {
				continue
			}
			assert.Equal(t, 42, loader.Config().Protocol.PacingDelayMs)
			return
		case <-deadline:
			t.Fatal("no reload after rewrite")
		}
	}
}

func TestLoaderRejectsInvalidReload(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[protocol]\nid_set = \"standard\"\n")

	loader := NewLoader(path)
	_, err := loader.Load()
	require.NoError(t, err)
	require.NoError(t, loader.Watch())
	defer loader.Close()

	writeFile(t, path, "[protocol]\nid_set = \"legacy\"\n")

	select {
	case err := <-loader.Errors():
		assert.ErrorIs(t, err, ErrInvalidConfig)
	case <-time.After(5 * time.Second):
		t.Fatal("no error reported for invalid reload")
	}
	assert.Equal(t, "standard", loader.Config().Protocol.IDSet)
}
