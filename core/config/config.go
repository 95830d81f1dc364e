package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

var (
	ErrConfigInvalid = errors.New("config invalid")
)

// Strategy names accepted for balancing_strategy.
const (
	StrategyLeastUsed           = "least_used"
	StrategyRoundRobinLeastUsed = "round_robin_least_used"
)

// Config is the immutable configuration value threaded through component
// constructors. It is loaded from a JSON file; unrecognized keys are ignored.
type Config struct {
	Remotes            []string `json:"remotes"`
	CryptRemotes       []string `json:"crypt_remotes"`
	UseCrypt           bool     `json:"use_crypt"`
	ChunkSize          int64    `json:"chunk_size"`
	DataPrefix         string   `json:"data_prefix"`
	ManifestPrefix     string   `json:"manifest_prefix"`
	TempDir            string   `json:"temp_dir"`
	RcloneBinary       string   `json:"rclone_binary"`
	RcloneFlags        []string `json:"rclone_flags"`
	WebDAVHost         string   `json:"webdav_host"`
	WebDAVPort         int      `json:"webdav_port"`
	MaxParallelWorkers int      `json:"max_parallel_workers"`
	MaxRetries         int      `json:"max_retries"`
	RetryDelay         float64  `json:"retry_delay"`
	TransportTimeout   float64  `json:"transport_timeout"`
	BalancingStrategy  string   `json:"balancing_strategy"`

	EnableManifestCache bool   `json:"enable_manifest_cache"`
	ManifestCacheDir    string `json:"manifest_cache_dir"`
	OverwriteExisting   bool   `json:"overwrite_existing"`
}

// envOverrides are operational knobs that may be set from the environment,
// taking precedence over the config file.
type envOverrides struct {
	WebDAVHost string `envconfig:"WEBDAV_HOST"`
	WebDAVPort int    `envconfig:"WEBDAV_PORT"`
	TempDir    string `envconfig:"TEMP_DIR"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Remotes:             []string{},
		CryptRemotes:        []string{},
		UseCrypt:            true,
		ChunkSize:           100 * 1024 * 1024,
		DataPrefix:          "rclonepool_data",
		ManifestPrefix:      "rclonepool_manifests",
		TempDir:             "/dev/shm/rclonepool",
		RcloneBinary:        "rclone",
		RcloneFlags:         []string{"--fast-list", "--no-traverse"},
		WebDAVHost:          "0.0.0.0",
		WebDAVPort:          8080,
		MaxParallelWorkers:  4,
		MaxRetries:          3,
		RetryDelay:          1.0,
		TransportTimeout:    600.0,
		BalancingStrategy:   StrategyLeastUsed,
		EnableManifestCache: true,
		ManifestCacheDir:    expandHome("~/.cache/rclonepool"),
		OverwriteExisting:   true,
	}
}

// DefaultPath is the conventional config file location.
func DefaultPath() string {
	return expandHome("~/.config/rclonepool/config.json")
}

// Load reads the config file at path (DefaultPath when empty), overlays it on
// the defaults, applies RCLONEPOOL_* environment overrides and validates.
// A missing file yields the defaults, which fail validation until remotes
// are configured.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}
	path = expandHome(path)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: parse %s: %v", ErrConfigInvalid, path, err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return cfg, fmt.Errorf("%w: read %s: %v", ErrConfigInvalid, path, err)
	}

	var env envOverrides
	if err := envconfig.Process("RCLONEPOOL", &env); err != nil {
		return cfg, fmt.Errorf("%w: environment: %v", ErrConfigInvalid, err)
	}
	if env.WebDAVHost != "" {
		cfg.WebDAVHost = env.WebDAVHost
	}
	if env.WebDAVPort != 0 {
		cfg.WebDAVPort = env.WebDAVPort
	}
	if env.TempDir != "" {
		cfg.TempDir = env.TempDir
	}

	cfg.ManifestCacheDir = expandHome(cfg.ManifestCacheDir)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Save writes the config as indented JSON, creating parent directories.
func (c Config) Save(path string) error {
	if path == "" {
		path = DefaultPath()
	}
	path = expandHome(path)

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, append(data, '\n'), 0600)
}

// ActiveRemotes is the remote list operations run against: the crypt-wrapped
// remotes when encryption is enabled and they are configured, otherwise the
// base remotes.
func (c Config) ActiveRemotes() []string {
	if c.UseCrypt && len(c.CryptRemotes) > 0 {
		return c.CryptRemotes
	}
	return c.Remotes
}

func (c Config) Validate() error {
	if len(c.ActiveRemotes()) == 0 {
		return fmt.Errorf("%w: no remotes configured", ErrConfigInvalid)
	}
	for _, r := range c.ActiveRemotes() {
		if !strings.HasSuffix(r, ":") {
			return fmt.Errorf("%w: remote %q must end with ':'", ErrConfigInvalid, r)
		}
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive", ErrConfigInvalid)
	}
	if c.MaxParallelWorkers <= 0 {
		return fmt.Errorf("%w: max_parallel_workers must be positive", ErrConfigInvalid)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must not be negative", ErrConfigInvalid)
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("%w: retry_delay must not be negative", ErrConfigInvalid)
	}
	if c.TransportTimeout <= 0 {
		return fmt.Errorf("%w: transport_timeout must be positive", ErrConfigInvalid)
	}
	switch c.BalancingStrategy {
	case StrategyLeastUsed, StrategyRoundRobinLeastUsed:
	default:
		return fmt.Errorf("%w: unknown balancing_strategy %q", ErrConfigInvalid, c.BalancingStrategy)
	}
	if c.DataPrefix == "" || c.ManifestPrefix == "" {
		return fmt.Errorf("%w: data_prefix and manifest_prefix must be set", ErrConfigInvalid)
	}
	if c.TempDir == "" {
		return fmt.Errorf("%w: temp_dir must be set", ErrConfigInvalid)
	}
	return nil
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}
