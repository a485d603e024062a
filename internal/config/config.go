package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bgiplan/layerd/internal/upload"
)

type PersistConfig struct {
	Enabled        bool          `json:"enabled"`
	DebounceWindow time.Duration `json:"debounce_window"`
}

type CacheConfig struct {
	Capabilities int `json:"capabilities"`
	Features     int `json:"features"`
}

type ProxyConfig struct {
	Addr            string        `json:"addr"`
	UpstreamTimeout time.Duration `json:"upstream_timeout"`
	CacheSize       int           `json:"cache_size"`
}

type Config struct {
	SocketPath    string        `json:"socket_path"`
	DatabasePath  string        `json:"database_path"`
	MapConfigPath string        `json:"map_config"`
	LogLevel      string        `json:"log_level"`
	LogFormat     string        `json:"log_format"`
	ProxyURL      string        `json:"proxy_url"`
	HTTPTimeout   time.Duration `json:"http_timeout"`
	Persist       PersistConfig `json:"persist"`
	Upload        upload.Config `json:"upload"`
	Cache         CacheConfig   `json:"cache"`
	Proxy         ProxyConfig   `json:"proxy"`
}

// Dir is the daemon's home directory, ~/.layerd unless LAYERD_HOME is set.
func Dir() string {
	if dir := os.Getenv("LAYERD_HOME"); dir != "" {
		return dir
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".layerd")
}

func Load() *Config {
	dir := Dir()

	uploads := upload.DefaultConfig()
	uploads.Dir = filepath.Join(dir, "uploads")

	cfg := &Config{
		SocketPath:    filepath.Join(dir, "daemon.sock"),
		DatabasePath:  filepath.Join(dir, "layers.db"),
		MapConfigPath: filepath.Join(dir, "map.json"),
		LogLevel:      "info",
		LogFormat:     "text",
		HTTPTimeout:   15 * time.Second,
		Persist: PersistConfig{
			Enabled:        true,
			DebounceWindow: 500 * time.Millisecond,
		},
		Upload: uploads,
		Cache: CacheConfig{
			Capabilities: 64,
			Features:     256,
		},
		Proxy: ProxyConfig{
			Addr:            "127.0.0.1:8766",
			UpstreamTimeout: 20 * time.Second,
			CacheSize:       512,
		},
	}
	cfg.applyEnv()
	return cfg
}

// LoadFile starts from Load and overlays the JSON document at path. A missing
// file is not an error. Environment overrides win over the file.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	setString("LAYERD_SOCKET", &c.SocketPath)
	setString("LAYERD_DB", &c.DatabasePath)
	setString("LAYERD_MAP_CONFIG", &c.MapConfigPath)
	setString("LAYERD_LOG_LEVEL", &c.LogLevel)
	setString("LAYERD_LOG_FORMAT", &c.LogFormat)
	setString("LAYERD_PROXY_URL", &c.ProxyURL)
	setString("LAYERD_PROXY_ADDR", &c.Proxy.Addr)
	setString("LAYERD_UPLOAD_DIR", &c.Upload.Dir)
	setString("LAYERD_UPLOAD_PROJECT", &c.Upload.Project)
	setBool("LAYERD_UPLOAD", &c.Upload.Enabled)
	setBool("LAYERD_PERSIST", &c.Persist.Enabled)
	setDuration("LAYERD_PERSIST_DEBOUNCE", &c.Persist.DebounceWindow)
	setDuration("LAYERD_HTTP_TIMEOUT", &c.HTTPTimeout)

	c.LogLevel = strings.ToLower(c.LogLevel)
}

func (c *Config) EnsureDirectories() error {
	dirs := []string{Dir(), filepath.Dir(c.SocketPath), filepath.Dir(c.DatabasePath)}
	if c.Upload.Enabled {
		dirs = append(dirs, c.Upload.Dir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}
	return nil
}
