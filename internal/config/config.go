package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables that override the file.
const (
	EnvPrivateKey = "NOSTRDM_PRIVATE_KEY"
	EnvBunkerURL  = "NOSTRDM_BUNKER_URL"
	EnvRelays     = "NOSTRDM_RELAYS"
)

// DefaultRelays are used when neither the file nor the environment names any.
var DefaultRelays = []string{"wss://relay.damus.io", "wss://nos.lol", "wss://relay.nostr.band"}

// Config represents the global ~/.nostrdm/config.toml.
type Config struct {
	DefaultSession string       `toml:"default_session"`
	Relays         []string     `toml:"relays,omitempty"`
	LogLevel       string       `toml:"log_level,omitempty"`
	Signer         SignerConfig `toml:"signer"`
	Sync           SyncConfig   `toml:"sync"`
	Cache          CacheConfig  `toml:"cache"`
	Upload         UploadConfig `toml:"upload"`
}

// SignerConfig selects how events are signed. A private key wins over a bunker URL.
type SignerConfig struct {
	PrivateKey string `toml:"private_key,omitempty"`
	BunkerURL  string `toml:"bunker_url,omitempty"`
}

// SyncConfig bounds the background polling interval.
type SyncConfig struct {
	MinInterval Duration `toml:"min_interval,omitempty"`
	MaxInterval Duration `toml:"max_interval,omitempty"`
	Factor      float64  `toml:"factor,omitempty"`
}

type CacheConfig struct {
	TTL Duration `toml:"ttl,omitempty"`
}

type UploadConfig struct {
	Server string `toml:"server,omitempty"`
}

// Duration is a time.Duration written as a string ("90s", "10m") in TOML.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault reads path if it exists and applies environment overrides.
// A missing file yields an empty config rather than an error.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = &Config{}, nil
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// LoadDotEnv loads variables from the given .env files into the process
// environment. Missing files are ignored; existing variables are kept.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		err := godotenv.Load(p)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// ApplyEnv overrides signer and relay settings from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvPrivateKey); v != "" {
		c.Signer.PrivateKey = v
	}
	if v := os.Getenv(EnvBunkerURL); v != "" {
		c.Signer.BunkerURL = v
	}
	if v := os.Getenv(EnvRelays); v != "" {
		var relays []string
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				relays = append(relays, r)
			}
		}
		c.Relays = relays
	}
}

// RelayURLs returns the configured relays or DefaultRelays.
func (c *Config) RelayURLs() []string {
	if len(c.Relays) == 0 {
		return append([]string(nil), DefaultRelays...)
	}
	return c.Relays
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
