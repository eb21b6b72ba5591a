// Package config handles configuration loading, validation, and management
// for the attestation daemon and its companion tools.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"pufattest/internal/attestation"
	"pufattest/internal/challenge"
	"pufattest/internal/device"
	"pufattest/internal/logging"
)

// Version is the current configuration schema version.
const Version = 1

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PUFATTEST_"

// Config holds the complete configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Listen configures the attestation TLS listener.
	Listen ListenConfig `toml:"listen" json:"listen" yaml:"listen"`

	// Protocol configures framing and envelope behaviour.
	Protocol ProtocolConfig `toml:"protocol" json:"protocol" yaml:"protocol"`

	// Challenges overrides the challenge table. Empty values keep the
	// built-in table.
	Challenges ChallengesConfig `toml:"challenges" json:"challenges" yaml:"challenges"`

	// Storage configures the attestation journal.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// HTTP configures the status endpoint.
	HTTP HTTPConfig `toml:"http" json:"http" yaml:"http"`

	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Prover configures the device-side client.
	Prover ProverConfig `toml:"prover" json:"prover" yaml:"prover"`
}

// ListenConfig holds the attestation listener settings.
type ListenConfig struct {
	// Address is the host:port the daemon accepts provers on.
	Address string `toml:"address" json:"address" yaml:"address"`

	// CertFile and KeyFile hold the server certificate. Both empty means
	// plain TCP, which is only accepted on loopback addresses.
	CertFile string `toml:"cert_file" json:"cert_file" yaml:"cert_file"`
	KeyFile  string `toml:"key_file" json:"key_file" yaml:"key_file"`

	// CAFile verifies client certificates.
	CAFile string `toml:"ca_file" json:"ca_file" yaml:"ca_file"`

	// RequireClientCert enables mutual authentication.
	RequireClientCert bool `toml:"require_client_cert" json:"require_client_cert" yaml:"require_client_cert"`

	// SessionTimeoutSec bounds a whole session including the greeting.
	SessionTimeoutSec int `toml:"session_timeout_sec" json:"session_timeout_sec" yaml:"session_timeout_sec"`

	// MaxFailures consecutive failed attestations lock a peer out for
	// LockoutSec. Zero disables the lockout.
	MaxFailures int `toml:"max_failures" json:"max_failures" yaml:"max_failures"`
	LockoutSec  int `toml:"lockout_sec" json:"lockout_sec" yaml:"lockout_sec"`
}

// ProtocolConfig holds the wire protocol settings.
type ProtocolConfig struct {
	// PacingDelayMs is slept before every acknowledgment wait. Zero
	// disables pacing.
	PacingDelayMs int `toml:"pacing_delay_ms" json:"pacing_delay_ms" yaml:"pacing_delay_ms"`

	// ReadTimeoutMs bounds each frame or acknowledgment read. Zero waits
	// indefinitely.
	ReadTimeoutMs int `toml:"read_timeout_ms" json:"read_timeout_ms" yaml:"read_timeout_ms"`

	// PollIntervalMs is the would-block retry interval of the socket.
	PollIntervalMs int `toml:"poll_interval_ms" json:"poll_interval_ms" yaml:"poll_interval_ms"`

	// IDSet is "standard" or "compact".
	IDSet string `toml:"id_set" json:"id_set" yaml:"id_set"`

	// SetupPattern is the portion length layout of the INIT request.
	SetupPattern []int `toml:"setup_pattern" json:"setup_pattern" yaml:"setup_pattern"`
}

// ChallengesConfig holds hex encoded challenge constants.
type ChallengesConfig struct {
	CommitmentP1 string `toml:"commitment_p1" json:"commitment_p1" yaml:"commitment_p1"`
	CommitmentP2 string `toml:"commitment_p2" json:"commitment_p2" yaml:"commitment_p2"`
	ProofsP1     string `toml:"proofs_p1" json:"proofs_p1" yaml:"proofs_p1"`
	ProofsP2     string `toml:"proofs_p2" json:"proofs_p2" yaml:"proofs_p2"`
	Nonce        string `toml:"nonce" json:"nonce" yaml:"nonce"`
}

// StorageConfig holds the journal settings.
type StorageConfig struct {
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// RetentionDays prunes older journal rows at startup. Zero keeps
	// everything.
	RetentionDays int `toml:"retention_days" json:"retention_days" yaml:"retention_days"`
}

// HTTPConfig holds the status endpoint settings.
type HTTPConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Address string `toml:"address" json:"address" yaml:"address"`
}

// LoggingConfig holds the logging settings.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int    `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`
}

// ProverConfig holds the device-side client settings.
type ProverConfig struct {
	// ServerAddress is the daemon's host:port.
	ServerAddress string `toml:"server_address" json:"server_address" yaml:"server_address"`

	// ServerName overrides the TLS server name.
	ServerName string `toml:"server_name" json:"server_name" yaml:"server_name"`

	CertFile string `toml:"cert_file" json:"cert_file" yaml:"cert_file"`
	KeyFile  string `toml:"key_file" json:"key_file" yaml:"key_file"`

	// CAFile verifies the server certificate. Empty with a TLS server
	// uses the system pool.
	CAFile string `toml:"ca_file" json:"ca_file" yaml:"ca_file"`

	// Insecure dials plain TCP. It matches the default loopback listener,
	// which has no certificate.
	Insecure bool `toml:"insecure" json:"insecure" yaml:"insecure"`

	// SeedPath is the software PUF seed file.
	SeedPath string `toml:"seed_path" json:"seed_path" yaml:"seed_path"`

	// Message is sent after a successful attestation.
	Message string `toml:"message" json:"message" yaml:"message"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dataDir := DataDir()
	return &Config{
		Version: Version,
		Listen: ListenConfig{
			Address:           "127.0.0.1:9443",
			SessionTimeoutSec: 120,
			MaxFailures:       5,
			LockoutSec:        300,
		},
		Protocol: ProtocolConfig{
			PacingDelayMs:  0,
			ReadTimeoutMs:  30000,
			PollIntervalMs: 1,
			IDSet:          "standard",
			SetupPattern:   []int{0, 0, 0, 0},
		},
		Storage: StorageConfig{
			Enabled:       true,
			Path:          filepath.Join(dataDir, "attestations.db"),
			RetentionDays: 90,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Address: "127.0.0.1:9444",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   logging.DefaultLogPath(),
			MaxSizeMB:  50,
			MaxAgeDays: 14,
			MaxBackups: 5,
			Compress:   true,
		},
		Prover: ProverConfig{
			ServerAddress: "127.0.0.1:9443",
			Insecure:      true,
			SeedPath:      filepath.Join(dataDir, "puf_seed"),
			Message:       "Hello from pufprover",
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFromFile reads and parses a config file based on its extension.
func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	// Decoding merges into the defaults; a present list replaces the
	// default list instead of overlaying it.
	cfg.Protocol.SetupPattern = nil

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode config (unknown format): %w", err)
		}
	}

	if cfg.Protocol.SetupPattern == nil {
		cfg.Protocol.SetupPattern = []int{0, 0, 0, 0}
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories holding the journal, log file
// and prover seed.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Storage.Enabled {
		dirs = append(dirs, filepath.Dir(c.Storage.Path))
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// envString and envInt map PUFATTEST_<NAME> variables onto fields.
type envString struct {
	name string
	dst  *string
}

type envInt struct {
	name string
	dst  *int
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. Variables are prefixed with PUFATTEST_ and use underscores.
func (c *Config) ApplyEnvOverrides() error {
	strs := []envString{
		{"LISTEN_ADDRESS", &c.Listen.Address},
		{"LISTEN_CERT_FILE", &c.Listen.CertFile},
		{"LISTEN_KEY_FILE", &c.Listen.KeyFile},
		{"LISTEN_CA_FILE", &c.Listen.CAFile},
		{"PROTOCOL_ID_SET", &c.Protocol.IDSet},
		{"CHALLENGE_COMMITMENT_P1", &c.Challenges.CommitmentP1},
		{"CHALLENGE_COMMITMENT_P2", &c.Challenges.CommitmentP2},
		{"CHALLENGE_PROOFS_P1", &c.Challenges.ProofsP1},
		{"CHALLENGE_PROOFS_P2", &c.Challenges.ProofsP2},
		{"CHALLENGE_NONCE", &c.Challenges.Nonce},
		{"STORAGE_PATH", &c.Storage.Path},
		{"HTTP_ADDRESS", &c.HTTP.Address},
		{"LOG_LEVEL", &c.Logging.Level},
		{"LOG_FORMAT", &c.Logging.Format},
		{"LOG_OUTPUT", &c.Logging.Output},
		{"LOG_PATH", &c.Logging.FilePath},
		{"PROVER_SERVER_ADDRESS", &c.Prover.ServerAddress},
		{"PROVER_SEED_PATH", &c.Prover.SeedPath},
	}
	for _, e := range strs {
		if v := os.Getenv(EnvPrefix + e.name); v != "" {
			*e.dst = v
		}
	}

	ints := []envInt{
		{"PROTOCOL_PACING_DELAY_MS", &c.Protocol.PacingDelayMs},
		{"PROTOCOL_READ_TIMEOUT_MS", &c.Protocol.ReadTimeoutMs},
		{"PROTOCOL_POLL_INTERVAL_MS", &c.Protocol.PollIntervalMs},
	}
	for _, e := range ints {
		v := os.Getenv(EnvPrefix + e.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, e.name, err)
		}
		*e.dst = n
	}

	if v := os.Getenv(EnvPrefix + "STORAGE_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sSTORAGE_ENABLED: %w", EnvPrefix, err)
		}
		c.Storage.Enabled = b
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Protocol.SetupPattern = append([]int(nil), c.Protocol.SetupPattern...)
	return &clone
}

// ChallengeSet decodes the challenge table.
func (c *Config) ChallengeSet() (challenge.Set, error) {
	ch := c.Challenges
	return challenge.ParseSet(ch.CommitmentP1, ch.CommitmentP2, ch.ProofsP1, ch.ProofsP2, ch.Nonce)
}

// Pattern converts the configured setup pattern.
func (p ProtocolConfig) Pattern() (challenge.Pattern, error) {
	var pat challenge.Pattern
	if len(p.SetupPattern) != challenge.MaxPortions {
		return pat, fmt.Errorf("setup pattern needs %d entries, got %d", challenge.MaxPortions, len(p.SetupPattern))
	}
	for i, n := range p.SetupPattern {
		if n < 0 || n > 255 {
			return pat, fmt.Errorf("setup pattern entry %d out of range: %d", i, n)
		}
		pat[i] = uint8(n)
	}
	return pat, nil
}

func (p ProtocolConfig) readTimeout() time.Duration {
	return time.Duration(p.ReadTimeoutMs) * time.Millisecond
}

// PollInterval is the would-block retry interval of the socket adapter.
func (p ProtocolConfig) PollInterval() time.Duration {
	if d := time.Duration(p.PollIntervalMs) * time.Millisecond; d > 0 {
		return d
	}
	return time.Millisecond
}

// Attestation builds the orchestrator configuration.
func (c *Config) Attestation() (attestation.Config, error) {
	set, err := c.ChallengeSet()
	if err != nil {
		return attestation.Config{}, fmt.Errorf("challenges: %w", err)
	}
	ids, err := challenge.IDSetByName(c.Protocol.IDSet)
	if err != nil {
		return attestation.Config{}, err
	}
	pat, err := c.Protocol.Pattern()
	if err != nil {
		return attestation.Config{}, err
	}

	ac := attestation.DefaultConfig()
	ac.Challenges = set
	ac.IDs = ids
	ac.SetupPattern = pat
	ac.Pacer = challenge.PacerFor(time.Duration(c.Protocol.PacingDelayMs) * time.Millisecond)
	ac.ReadTimeout = c.Protocol.readTimeout()
	ac.RetryInterval = c.Protocol.PollInterval()
	return ac, nil
}

// Device builds the prover responder configuration.
func (c *Config) Device() (device.Config, error) {
	ids, err := challenge.IDSetByName(c.Protocol.IDSet)
	if err != nil {
		return device.Config{}, err
	}
	pat, err := c.Protocol.Pattern()
	if err != nil {
		return device.Config{}, err
	}

	dc := device.DefaultConfig()
	dc.IDs = ids
	dc.SetupPattern = pat
	dc.Pacer = challenge.PacerFor(time.Duration(c.Protocol.PacingDelayMs) * time.Millisecond)
	dc.ReadTimeout = c.Protocol.readTimeout()
	dc.RetryInterval = c.Protocol.PollInterval()
	return dc, nil
}

// LoggerConfig converts the logging section.
func (c *Config) LoggerConfig(component string) (*logging.Config, error) {
	lc := logging.DefaultConfig()
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return nil, err
	}
	lc.Level = level
	lc.Format = format
	lc.Output = c.Logging.Output
	lc.FilePath = c.Logging.FilePath
	lc.MaxSize = int64(c.Logging.MaxSizeMB)
	lc.MaxAge = c.Logging.MaxAgeDays
	lc.MaxBackups = c.Logging.MaxBackups
	lc.Compress = c.Logging.Compress
	if component != "" {
		lc.Component = component
	}
	return lc, nil
}

// SaveConfig writes cfg as TOML.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	return f.Close()
}
