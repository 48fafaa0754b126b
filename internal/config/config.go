package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    Server    `yaml:"server"`
	Storage   Storage   `yaml:"storage"`
	Index     Index     `yaml:"index"`
	Registry  Registry  `yaml:"registry"`
	Auth      Auth      `yaml:"auth"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Log       Log       `yaml:"log"`
}

type Server struct {
	Port int `yaml:"port"`
}

type Storage struct {
	Backend string `yaml:"backend"` // local, minio
	Path    string `yaml:"path"`    // local backend root
	Minio   Minio  `yaml:"minio"`
}

type Minio struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

type Index struct {
	Path          string        `yaml:"path"`           // index working tree
	Remote        string        `yaml:"remote"`         // git remote URL, empty for local-only
	AuthorName    string        `yaml:"author_name"`    // commit signature
	AuthorEmail   string        `yaml:"author_email"`   // commit signature
	FlushInterval time.Duration `yaml:"flush_interval"` // pending shard retry interval
}

type Registry struct {
	BaseURL      string `yaml:"base_url"`       // public URL of this registry
	MaxCrateSize int64  `yaml:"max_crate_size"` // bytes
}

type Auth struct {
	Enabled bool `yaml:"enabled"`
}

type RateLimit struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
}

type Log struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Filename   string `yaml:"filename"`    // log file path
	MaxSize    int    `yaml:"max_size"`    // megabytes
	MaxBackups int    `yaml:"max_backups"` // number of backups
	MaxAge     int    `yaml:"max_age"`     // days
	Compress   bool   `yaml:"compress"`    // compress rotated files
}

// Load loads the configuration from the default config file
func Load() (*Config, error) {
	return LoadFromFile("config/config.yaml")
}

// LoadFromFile loads the configuration from the specified file
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.ensureDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data"
	}
	if c.Index.Path == "" {
		c.Index.Path = filepath.Join(c.Storage.Path, "index")
	}
	if c.Index.FlushInterval == 0 {
		c.Index.FlushInterval = 30 * time.Second
	}
	if c.Registry.MaxCrateSize == 0 {
		c.Registry.MaxCrateSize = 10 << 20 // 10 MiB
	}
}

// ensureDirs creates necessary directories if they don't exist
func (c *Config) ensureDirs() error {
	dirs := []string{
		c.Storage.Path,
		c.Index.Path,
	}
	if c.Storage.Backend == "local" {
		dirs = append(dirs, filepath.Join(c.Storage.Path, "crates"))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
