package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "chatuser.toml"
	clientConfigFileName  = "chat.toml"

	ReplayMemory = "memory"
	ReplayRedis  = "redis"
	ReplayOff    = "off"

	TLSModeLetsEncrypt = "letsencrypt"
	TLSModePEM         = "pem"
)

type UpstreamConfig struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key,omitempty"`
	Model          string `toml:"model,omitempty"`
	ProxyURL       string `toml:"proxy_url,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

type SignatureConfig struct {
	Enabled          bool   `toml:"enabled"`
	Secret           string `toml:"secret,omitempty"`
	ToleranceSeconds int    `toml:"tolerance_seconds"`
	Replay           string `toml:"replay"`
	RedisURL         string `toml:"redis_url,omitempty"`
}

type AccountConfig struct {
	BaseURL        string `toml:"base_url"`
	AppKey         string `toml:"app_key,omitempty"`
	InfoPath       string `toml:"info_path,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `toml:"requests_per_minute"`
	Burst             int `toml:"burst"`
}

type UsageConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// LogsConfig sizes the recent-log ring served at /admin/logs. An empty Path
// keeps it in memory only.
type LogsConfig struct {
	MaxLines int    `toml:"max_lines"`
	Path     string `toml:"path,omitempty"`
}

type TLSConfig struct {
	Enabled    bool   `toml:"enabled"`
	Mode       string `toml:"mode"`
	ListenAddr string `toml:"listen_addr"`
	Domain     string `toml:"domain"`
	Email      string `toml:"email"`
	CacheDir   string `toml:"cache_dir"`
	CertPEM    string `toml:"cert_pem,omitempty"`
	KeyPEM     string `toml:"key_pem,omitempty"`
}

type ServerConfig struct {
	ListenAddr   string `toml:"listen_addr"`
	SitePassword string `toml:"site_password,omitempty"`
	AdminToken   string `toml:"admin_token,omitempty"`

	// TrustedProxies lists peers (addresses or CIDRs) whose X-Real-IP and
	// X-Forwarded-For headers are believed.
	TrustedProxies []string        `toml:"trusted_proxies,omitempty"`
	Upstream       UpstreamConfig  `toml:"upstream"`
	Signature      SignatureConfig `toml:"signature"`
	Account        AccountConfig   `toml:"account"`
	RateLimit      RateLimitConfig `toml:"rate_limit"`
	Usage          UsageConfig     `toml:"usage"`
	Logs           LogsConfig      `toml:"logs"`
	TLS            TLSConfig       `toml:"tls"`
}

type ClientConfig struct {
	ServerURL          string `toml:"server_url"`
	Token              string `toml:"token,omitempty"`
	Password           string `toml:"password,omitempty"`
	SignSecret         string `toml:"sign_secret,omitempty"`
	ContinuousDialogue bool   `toml:"continuous_dialogue"`
	SystemRole         string `toml:"system_role,omitempty"`
	ProfilePath        string `toml:"profile_path"`
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "chatuser")
}

func cacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cache", "chatuser")
}

func DefaultServerConfigPath() string {
	return filepath.Join(configDir(), defaultConfigFileName)
}

func DefaultClientConfigPath() string {
	return filepath.Join(configDir(), clientConfigFileName)
}

func DefaultUsageDir() string {
	return filepath.Join(cacheDir(), "usage")
}

func DefaultProfilePath() string {
	return filepath.Join(cacheDir(), "profile.json")
}

func DefaultTLSCacheDir() string {
	return filepath.Join(cacheDir(), "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr: "127.0.0.1:8080",
		Upstream: UpstreamConfig{
			BaseURL: "https://api.openai.com",
		},
		Signature: SignatureConfig{
			Enabled:          true,
			ToleranceSeconds: 300,
			Replay:           ReplayMemory,
		},
		Account: AccountConfig{
			InfoPath:       "/api/user/info",
			TimeoutSeconds: 30,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 60,
			Burst:             10,
		},
		Usage: UsageConfig{
			Enabled: true,
			Dir:     DefaultUsageDir(),
		},
		Logs: LogsConfig{
			MaxLines: 2000,
		},
		TLS: TLSConfig{
			Enabled:    false,
			Mode:       TLSModeLetsEncrypt,
			ListenAddr: ":443",
			CacheDir:   DefaultTLSCacheDir(),
		},
	}
}

func NewDefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		ServerURL:          "http://127.0.0.1:8080",
		ContinuousDialogue: true,
		ProfilePath:        DefaultProfilePath(),
	}
}

func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := NewDefaultClientConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateClientConfig(path string) (*ClientConfig, error) {
	cfg := NewDefaultClientConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServerConfigEnv loads path and overlays the environment before
// validating. A missing file is tolerated when the environment names the
// account service.
func LoadServerConfigEnv(path string, getenv func(string) string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := load(path, cfg); err != nil {
		if !errors.Is(err, os.ErrNotExist) || strings.TrimSpace(getenv("API_URL")) == "" {
			return nil, err
		}
	}
	cfg.ApplyEnv(getenv)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := loadOrCreate(path, cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadOrCreate(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := writeAtomic(path, v); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	return load(path, v)
}

func load(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, v); err != nil {
		return fmt.Errorf("parse toml: %w", err)
	}
	return nil
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

// LoadDotEnv reads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overlays deployment variables onto c. getenv is usually os.Getenv.
func (c *ServerConfig) ApplyEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.ListenAddr, "LISTEN_ADDR")
	set(&c.Upstream.APIKey, "OPENAI_API_KEY")
	set(&c.Upstream.BaseURL, "OPENAI_API_BASE_URL")
	set(&c.Upstream.ProxyURL, "HTTPS_PROXY")
	set(&c.SitePassword, "SITE_PASSWORD")
	set(&c.Account.BaseURL, "API_URL")
	set(&c.Account.AppKey, "APP_KEY")
	set(&c.Signature.Secret, "SIGN_SECRET")
	set(&c.AdminToken, "ADMIN_TOKEN")
	if v := strings.TrimSpace(getenv("TRUSTED_PROXIES")); v != "" {
		c.TrustedProxies = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(getenv("REDIS_URL")); v != "" {
		c.Signature.RedisURL = v
		c.Signature.Replay = ReplayRedis
	}
	if v := strings.TrimSpace(getenv("SIGN_CHECK")); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Signature.Enabled = enabled
		}
	}
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	c.Upstream.BaseURL = strings.TrimRight(strings.TrimSpace(c.Upstream.BaseURL), "/")
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://api.openai.com"
	}
	c.Upstream.APIKey = strings.TrimSpace(c.Upstream.APIKey)
	c.Upstream.Model = strings.TrimSpace(c.Upstream.Model)
	c.Upstream.ProxyURL = strings.TrimSpace(c.Upstream.ProxyURL)
	if c.Upstream.TimeoutSeconds < 0 {
		c.Upstream.TimeoutSeconds = 0
	}

	c.Signature.Replay = strings.ToLower(strings.TrimSpace(c.Signature.Replay))
	if c.Signature.Replay == "" {
		c.Signature.Replay = ReplayMemory
	}
	if c.Signature.ToleranceSeconds <= 0 {
		c.Signature.ToleranceSeconds = 300
	}

	c.Account.BaseURL = strings.TrimRight(strings.TrimSpace(c.Account.BaseURL), "/")
	c.Account.AppKey = strings.TrimSpace(c.Account.AppKey)
	c.Account.InfoPath = strings.TrimSpace(c.Account.InfoPath)
	if c.Account.InfoPath == "" {
		c.Account.InfoPath = "/api/user/info"
	}
	if !strings.HasPrefix(c.Account.InfoPath, "/") {
		c.Account.InfoPath = "/" + c.Account.InfoPath
	}
	if c.Account.TimeoutSeconds <= 0 {
		c.Account.TimeoutSeconds = 30
	}

	proxies := c.TrustedProxies[:0]
	for _, p := range c.TrustedProxies {
		if p = strings.TrimSpace(p); p != "" {
			proxies = append(proxies, p)
		}
	}
	c.TrustedProxies = proxies

	if c.RateLimit.RequestsPerMinute > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 1
	}
	c.Usage.Dir = strings.TrimSpace(c.Usage.Dir)
	if c.Usage.Dir == "" {
		c.Usage.Dir = DefaultUsageDir()
	}

	if c.Logs.MaxLines <= 0 {
		c.Logs.MaxLines = 2000
	}
	c.Logs.Path = strings.TrimSpace(c.Logs.Path)

	c.TLS.Mode = strings.ToLower(strings.TrimSpace(c.TLS.Mode))
	if c.TLS.Mode == "" {
		c.TLS.Mode = TLSModeLetsEncrypt
	}
	c.TLS.ListenAddr = strings.TrimSpace(c.TLS.ListenAddr)
	if c.TLS.ListenAddr == "" {
		c.TLS.ListenAddr = ":443"
	}
	if strings.TrimSpace(c.TLS.CacheDir) == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *ServerConfig) Validate() error {
	if c.Signature.Enabled && c.Signature.Secret == "" {
		return errors.New("signature.secret is required when signature.enabled=true")
	}
	switch c.Signature.Replay {
	case ReplayMemory, ReplayOff:
	case ReplayRedis:
		if strings.TrimSpace(c.Signature.RedisURL) == "" {
			return errors.New("signature.redis_url is required when signature.replay=redis")
		}
	default:
		return errors.New("signature.replay must be one of memory, redis, off")
	}
	if c.Account.BaseURL == "" {
		return errors.New("account.base_url is required")
	}
	if c.RateLimit.RequestsPerMinute < 0 {
		return errors.New("rate_limit.requests_per_minute must be >= 0")
	}
	for _, p := range c.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			return fmt.Errorf("trusted_proxies: %q is not an address or CIDR", p)
		}
	}
	if c.TLS.Enabled {
		switch c.TLS.Mode {
		case TLSModeLetsEncrypt:
			if c.TLS.Domain == "" {
				return errors.New("tls.domain is required when tls.enabled=true and tls.mode=letsencrypt")
			}
		case TLSModePEM:
			if c.TLS.CertPEM == "" || c.TLS.KeyPEM == "" {
				return errors.New("tls.cert_pem and tls.key_pem are required when tls.enabled=true and tls.mode=pem")
			}
		default:
			return errors.New("tls.mode must be one of letsencrypt, pem")
		}
	}
	return nil
}

func (c *ServerConfig) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutSeconds) * time.Second
}

func (c *ServerConfig) SignatureTolerance() time.Duration {
	return time.Duration(c.Signature.ToleranceSeconds) * time.Second
}

func (c *ClientConfig) Normalize() {
	c.ServerURL = strings.TrimRight(strings.TrimSpace(c.ServerURL), "/")
	c.Token = strings.TrimSpace(c.Token)
	c.SignSecret = strings.TrimSpace(c.SignSecret)
	if c.ServerURL == "" {
		c.ServerURL = "http://127.0.0.1:8080"
	}
	if strings.TrimSpace(c.ProfilePath) == "" {
		c.ProfilePath = DefaultProfilePath()
	}
}

func (c *ClientConfig) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return errors.New("server_url cannot be empty")
	}
	if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return fmt.Errorf("server_url %q must start with http:// or https://", c.ServerURL)
	}
	return nil
}

type ServerConfigStore struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewServerConfigStore(path string, cfg *ServerConfig) *ServerConfigStore {
	return &ServerConfigStore{path: path, cfg: cfg}
}

func (s *ServerConfigStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.cfg
}

// Update applies mutator to a copy and persists it when the result validates.
func (s *ServerConfigStore) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.cfg
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if s.path != "" {
		if err := Save(s.path, &cp); err != nil {
			return err
		}
	}
	s.cfg = &cp
	return nil
}
