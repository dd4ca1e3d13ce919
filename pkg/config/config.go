package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultFileName is resolved relative to the working directory so the
// bridge stays compatible with configs written by earlier versions.
const DefaultFileName = "svbridge-config.json"

type TLSConfig struct {
	Enabled  bool   `json:"enabled"`
	Domain   string `json:"domain,omitempty"`
	Email    string `json:"email,omitempty"`
	CacheDir string `json:"cache_dir,omitempty"`
}

type Config struct {
	Port             int        `json:"port"`
	Bind             string     `json:"bind"`
	Key              string     `json:"key"`
	AccessToken      string     `json:"access_token"`
	TokenExpiry      string     `json:"token_expiry"`
	AutoRefresh      bool       `json:"auto_refresh"`
	FilterModelNames bool       `json:"filter_model_names"`
	Location         string     `json:"location,omitempty"`
	Project          string     `json:"project,omitempty"`
	TLS              *TLSConfig `json:"tls,omitempty"`
}

func New() *Config {
	return &Config{
		Port:             8086,
		Bind:             "localhost",
		Key:              "",
		AutoRefresh:      true,
		FilterModelNames: true,
		Location:         "us-central1",
	}
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "svbridge", "tls-autocert")
}

func Load(path string) (*Config, error) {
	cfg := New()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreate loads path, writing a default config file when none exists.
func LoadOrCreate(path string) (*Config, error) {
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := New()
		cfg.Normalize()
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	return Load(path)
}

func Save(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	b, err := json.MarshalIndent(cfg, "", "    ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	b = append(b, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c *Config) Normalize() {
	c.Bind = strings.TrimSpace(c.Bind)
	if c.Bind == "" {
		c.Bind = "localhost"
	}
	if c.Port <= 0 {
		c.Port = 8086
	}
	c.Key = strings.TrimSpace(c.Key)
	c.AccessToken = strings.TrimSpace(c.AccessToken)
	c.TokenExpiry = strings.TrimSpace(c.TokenExpiry)
	c.Location = strings.TrimSpace(c.Location)
	if c.Location == "" {
		c.Location = "us-central1"
	}
	c.Project = strings.TrimSpace(c.Project)
	if c.TLS != nil {
		c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
		c.TLS.Email = strings.TrimSpace(c.TLS.Email)
		c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
		if c.TLS.CacheDir == "" {
			c.TLS.CacheDir = DefaultTLSCacheDir()
		}
	}
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.TokenExpiry != "" {
		if _, err := time.Parse(time.RFC3339, c.TokenExpiry); err != nil {
			return fmt.Errorf("token_expiry must be RFC3339: %w", err)
		}
	}
	if c.TLS != nil && c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls is enabled")
	}
	return nil
}

func (c *Config) TLSEnabled() bool {
	return c.TLS != nil && c.TLS.Enabled
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Bind, strconv.Itoa(c.Port))
}

// BindIsLoopback reports whether the configured bind host only accepts
// local connections. Used for the exposed-without-a-key startup warning.
func (c *Config) BindIsLoopback() bool {
	if strings.EqualFold(c.Bind, "localhost") {
		return true
	}
	if ip := net.ParseIP(c.Bind); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// Store hands immutable snapshots to the request path and serializes
// writes back to disk.
type Store struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

func NewStore(path string, cfg *Config) *Store {
	return &Store{path: path, cfg: cfg}
}

func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s.cfg
	if s.cfg.TLS != nil {
		tls := *s.cfg.TLS
		cp.TLS = &tls
	}
	return cp
}

func (s *Store) Update(mutator func(*Config) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.cfg
	if s.cfg.TLS != nil {
		tls := *s.cfg.TLS
		cp.TLS = &tls
	}
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, &cp); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}
