// Package config loads the service configuration from YAML, an optional .env
// file and BALLOT_* environment variables, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"ballot-core/encryption"
	"ballot-core/storage"
)

const (
	DriverSQLite = storage.DriverSQLite
	DriverMySQL  = storage.DriverMySQL
	DriverJSON   = storage.DriverJSON
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Keys      KeysConfig      `yaml:"keys"`
	KeyGen    KeyGenConfig    `yaml:"keygen"`
	Anchoring AnchoringConfig `yaml:"anchoring"`
	Registry  RegistryConfig  `yaml:"registry"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Dir    string `yaml:"dir"`
}

type KeysConfig struct {
	DefaultSize       int    `yaml:"default_size"`
	PersistPrivateKey bool   `yaml:"persist_private_key"`
	AtRestSecret      string `yaml:"at_rest_secret"`
	PBKDF2Iterations  int    `yaml:"pbkdf2_iterations"`
}

type KeyGenConfig struct {
	Workers   int           `yaml:"workers"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

type AnchoringConfig struct {
	Enabled       bool          `yaml:"enabled"`
	QueueSize     int           `yaml:"queue_size"`
	Timeout       time.Duration `yaml:"timeout"`
	Difficulty    uint8         `yaml:"difficulty"`
	ChainDir      string        `yaml:"chain_dir"`
	KeepSnapshots int           `yaml:"keep_snapshots"`
	SignerKeyPath string        `yaml:"signer_key_path"`
}

type RegistryConfig struct {
	VotersFile string `yaml:"voters_file"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns a configuration that runs locally with SQLite.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver: DriverSQLite,
			DSN:    "file:data/ballot.db?_pragma=busy_timeout(5000)",
			Dir:    "data",
		},
		Keys: KeysConfig{
			DefaultSize:      encryption.KeySize2048,
			PBKDF2Iterations: encryption.DefaultPBKDF2Iterations,
		},
		KeyGen: KeyGenConfig{
			Workers:   2,
			QueueSize: 64,
			Timeout:   time.Minute,
		},
		Anchoring: AnchoringConfig{
			Enabled:       true,
			QueueSize:     1024,
			Timeout:       10 * time.Second,
			Difficulty:    1,
			ChainDir:      "data/chain",
			KeepSnapshots: 5,
			SignerKeyPath: "data/anchor_signer.key",
		},
		Registry: RegistryConfig{
			VotersFile: "data/voters.json",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadEnvFile loads a .env file into the process environment. A missing file
// is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &encryption.ConfigurationError{Field: key, Message: "must be a boolean"}
		}
		*dst = b
		return nil
	}
	integer := func(key string, dst *int) error {
		v, ok := lookup(key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return &encryption.ConfigurationError{Field: key, Message: "must be an integer"}
		}
		*dst = n
		return nil
	}

	str("BALLOT_SERVER_ADDR", &c.Server.Addr)
	if v, ok := lookup("BALLOT_SERVER_CORS_ORIGINS"); ok {
		c.Server.CORSOrigins = splitList(v)
	}
	str("BALLOT_STORAGE_DRIVER", &c.Storage.Driver)
	str("BALLOT_STORAGE_DSN", &c.Storage.DSN)
	str("BALLOT_STORAGE_DIR", &c.Storage.Dir)
	str("BALLOT_KEYS_AT_REST_SECRET", &c.Keys.AtRestSecret)
	str("BALLOT_ANCHORING_CHAIN_DIR", &c.Anchoring.ChainDir)
	str("BALLOT_REGISTRY_VOTERS_FILE", &c.Registry.VotersFile)
	str("BALLOT_LOG_LEVEL", &c.Log.Level)

	for _, err := range []error{
		integer("BALLOT_KEYS_DEFAULT_SIZE", &c.Keys.DefaultSize),
		boolean("BALLOT_KEYS_PERSIST_PRIVATE_KEY", &c.Keys.PersistPrivateKey),
		integer("BALLOT_KEYGEN_WORKERS", &c.KeyGen.Workers),
		boolean("BALLOT_ANCHORING_ENABLED", &c.Anchoring.Enabled),
		boolean("BALLOT_LOG_PRETTY", &c.Log.Pretty),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate fails fast on settings the service cannot run with.
func (c *Config) Validate() error {
	invalid := func(field, msg string) error {
		return &encryption.ConfigurationError{Field: field, Message: msg}
	}

	if c.Server.Addr == "" {
		return invalid("server.addr", "is required")
	}

	switch c.Storage.Driver {
	case DriverSQLite, DriverMySQL:
		if c.Storage.DSN == "" {
			return invalid("storage.dsn", "is required for "+c.Storage.Driver)
		}
	case DriverJSON:
	default:
		return invalid("storage.driver", fmt.Sprintf("unknown driver %q", c.Storage.Driver))
	}

	if c.Keys.DefaultSize != encryption.KeySize2048 && c.Keys.DefaultSize != encryption.KeySize4096 {
		return invalid("keys.default_size", "must be 2048 or 4096")
	}
	if c.Keys.PersistPrivateKey && c.Keys.AtRestSecret == "" {
		return invalid("keys.at_rest_secret", "required when keys.persist_private_key is set")
	}
	if c.Keys.PBKDF2Iterations < 10000 {
		return invalid("keys.pbkdf2_iterations", "must be at least 10000")
	}

	if c.KeyGen.Workers <= 0 {
		return invalid("keygen.workers", "must be positive")
	}
	if c.KeyGen.QueueSize <= 0 {
		return invalid("keygen.queue_size", "must be positive")
	}

	if c.Anchoring.Enabled {
		if c.Anchoring.Difficulty > 3 {
			return invalid("anchoring.difficulty", "must be at most 3")
		}
		if c.Anchoring.ChainDir == "" {
			return invalid("anchoring.chain_dir", "is required when anchoring is enabled")
		}
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", err.Error())
	}
	return nil
}
