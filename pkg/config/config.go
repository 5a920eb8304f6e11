package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/nspcc-dev/vdb/pkg/core/storage/dbconfig"
	"github.com/nspcc-dev/vdb/pkg/crypto/hash"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultMaxKey is the largest key of the default key domain.
	DefaultMaxKey = 65535
	// DefaultJournalCacheSize is the default number of proofs kept in the
	// journal's memory cache.
	DefaultJournalCacheSize = 1024
	// DefaultConfigPath is the default path to the config file.
	DefaultConfigPath = "./config/vdb.yml"
)

// Version is the version of the store, set at build time.
var Version string

// Config top level struct representing the config for the store.
type Config struct {
	StoreConfiguration       StoreConfiguration       `yaml:"StoreConfiguration"`
	ApplicationConfiguration ApplicationConfiguration `yaml:"ApplicationConfiguration"`
}

// StoreConfiguration describes the verifiable store itself.
type StoreConfiguration struct {
	// MaxKey is the largest key of the [0, MaxKey] key domain.
	MaxKey uint16 `yaml:"MaxKey"`
	// Hash is the name of the hash function used for leaves and tree nodes.
	Hash string `yaml:"Hash"`
	// LockTimeout limits the time a transaction waits for exclusive access
	// to the store, zero means waiting for as long as the context allows.
	LockTimeout time.Duration `yaml:"LockTimeout"`
	// SkipProofs disables path capturing on commit, committed transactions
	// return no proof then.
	SkipProofs bool `yaml:"SkipProofs"`
}

// ApplicationConfiguration config specific to the node.
type ApplicationConfiguration struct {
	Logger `yaml:",inline"`

	Journal    Journal      `yaml:"Journal"`
	Pprof      BasicService `yaml:"Pprof"`
	Prometheus BasicService `yaml:"Prometheus"`
}

// Logger contains node logger configuration.
type Logger struct {
	LogEncoding  string `yaml:"LogEncoding"`
	LogLevel     string `yaml:"LogLevel"`
	LogPath      string `yaml:"LogPath"`
	LogTimestamp *bool  `yaml:"LogTimestamp,omitempty"`
}

// Journal configures the proof journal.
type Journal struct {
	Enabled         bool                     `yaml:"Enabled"`
	CacheSize       int                      `yaml:"CacheSize"`
	DBConfiguration dbconfig.DBConfiguration `yaml:"DBConfiguration"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		StoreConfiguration: StoreConfiguration{
			MaxKey: DefaultMaxKey,
			Hash:   hash.SHA256,
		},
		ApplicationConfiguration: ApplicationConfiguration{
			Journal: Journal{
				CacheSize: DefaultJournalCacheSize,
				DBConfiguration: dbconfig.DBConfiguration{
					Type: dbconfig.InMemoryDB,
				},
			},
		},
	}
}

// LoadFile loads config from the provided path.
func LoadFile(configPath string) (Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config '%s' doesn't exist", configPath)
	}

	configData, err := os.ReadFile(configPath)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read config: %w", err)
	}

	return Unmarshal(configData)
}

// Unmarshal decodes YAML config data over the defaults and validates the
// result.
func Unmarshal(data []byte) (Config, error) {
	config := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	err := decoder.Decode(&config)
	if err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}

	err = config.Validate()
	if err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// Validate checks Config for errors.
func (c Config) Validate() error {
	if err := c.StoreConfiguration.Validate(); err != nil {
		return err
	}
	return c.ApplicationConfiguration.Validate()
}

// Validate checks StoreConfiguration for errors.
func (s StoreConfiguration) Validate() error {
	if _, err := hash.ByName(s.Hash); err != nil {
		return err
	}
	if s.LockTimeout < 0 {
		return fmt.Errorf("negative LockTimeout: %s", s.LockTimeout)
	}
	return nil
}

// Validate checks ApplicationConfiguration for errors.
func (a ApplicationConfiguration) Validate() error {
	if a.Journal.CacheSize < 0 {
		return fmt.Errorf("negative journal CacheSize: %d", a.Journal.CacheSize)
	}
	switch a.Journal.DBConfiguration.Type {
	case dbconfig.InMemoryDB, dbconfig.LevelDB, dbconfig.BoltDB, "":
	default:
		return fmt.Errorf("unknown journal DB type: %s", a.Journal.DBConfiguration.Type)
	}
	switch a.LogEncoding {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid LogEncoding: %s", a.LogEncoding)
	}
	return nil
}
