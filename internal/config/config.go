package config

import (
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config application configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
	Log         LogConfig         `yaml:"log" mapstructure:"log"`
	Output      OutputConfig      `yaml:"output" mapstructure:"output"`
	Storage     StorageConfig     `yaml:"storage" mapstructure:"storage"`
	Auth        AuthConfig        `yaml:"auth" mapstructure:"auth"`
	Pull        PullConfig        `yaml:"pull" mapstructure:"pull"`
	Replication ReplicationConfig `yaml:"replication" mapstructure:"replication"`
	Push        PushConfig        `yaml:"push" mapstructure:"push"`
	Forward     ForwardConfig     `yaml:"forward" mapstructure:"forward"`
	Metrics     MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
}

// ServerConfig HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port" mapstructure:"port"`
	Path string `yaml:"path" mapstructure:"path"`
	// MaxBodyBytes limits the size of accepted request bodies (0 = unlimited)
	MaxBodyBytes    int64                     `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	ShutdownTimeout time.Duration             `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
	Responses       []ImmediateResponseConfig `yaml:"responses" mapstructure:"responses"`
}

// ImmediateResponseConfig describes an inline response rule for captured requests
type ImmediateResponseConfig struct {
	Name       string            `yaml:"name" mapstructure:"name"`
	Methods    []string          `yaml:"methods" mapstructure:"methods"`
	Path       string            `yaml:"path" mapstructure:"path"`
	PathPrefix string            `yaml:"path_prefix" mapstructure:"path_prefix"`
	Status     int               `yaml:"status" mapstructure:"status"`
	Body       string            `yaml:"body" mapstructure:"body"`
	Headers    map[string]string `yaml:"headers" mapstructure:"headers"`
}

// LogConfig log configuration
type LogConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	// Format is console or json
	Format      string        `yaml:"format" mapstructure:"format"`
	FileLogging FileLogConfig `yaml:"file_logging" mapstructure:"file_logging"`
}

// FileLogConfig file log configuration
type FileLogConfig struct {
	Enable     bool   `yaml:"enable" mapstructure:"enable"`
	Path       string `yaml:"path" mapstructure:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// OutputConfig controls CLI output of recorded requests
type OutputConfig struct {
	Mode    string `yaml:"mode" mapstructure:"mode"`
	Silence bool   `yaml:"silence" mapstructure:"silence"`
}

// StorageConfig persistent store parameters
type StorageConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"`
	// Path is the sqlite database file
	Path string `yaml:"path" mapstructure:"path"`
	// DSN is the postgres connection string
	DSN        string        `yaml:"dsn" mapstructure:"dsn"`
	Table      string        `yaml:"table" mapstructure:"table"`
	MaxRecords int           `yaml:"max_records" mapstructure:"max_records"`
	Retention  time.Duration `yaml:"retention" mapstructure:"retention"`
}

// AuthConfig credentials protecting this node and the shared payload secret
type AuthConfig struct {
	Key          string `yaml:"key" mapstructure:"key"`
	Secret       string `yaml:"secret" mapstructure:"secret"`
	SharedSecret string `yaml:"shared_secret" mapstructure:"shared_secret"`
}

// PullConfig pull endpoint configuration
type PullConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ReplicationConfig listener configuration
type ReplicationConfig struct {
	// Mode is poll or push
	Mode         string        `yaml:"mode" mapstructure:"mode"`
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	// ReconcileInterval is how often push mode pulls while subscribed
	ReconcileInterval time.Duration `yaml:"reconcile_interval" mapstructure:"reconcile_interval"`
	// SkewMargin must be positive; zero falls back to the default
	SkewMargin   time.Duration `yaml:"skew_margin" mapstructure:"skew_margin"`
	LocalBaseURL string        `yaml:"local_base_url" mapstructure:"local_base_url"`
	Timeout      time.Duration `yaml:"timeout" mapstructure:"timeout"`
	Retries      int           `yaml:"retries" mapstructure:"retries"`
	// MaxResponseBytes bounds one pull response
	MaxResponseBytes int64        `yaml:"max_response_bytes" mapstructure:"max_response_bytes"`
	Peers            []PeerConfig `yaml:"peers" mapstructure:"peers"`
}

// PeerConfig a remote node this node replicates from
type PeerConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	URL  string `yaml:"url" mapstructure:"url"`
	// Key and Secret default to auth.key and auth.secret
	Key    string `yaml:"key" mapstructure:"key"`
	Secret string `yaml:"secret" mapstructure:"secret"`
	// PushURL overrides the push endpoint: the websocket url derived from URL
	// and push.path, or push.redis.url for the redis driver
	PushURL string `yaml:"push_url" mapstructure:"push_url"`
	// Channel defaults to push.channel
	Channel string `yaml:"channel" mapstructure:"channel"`
}

// PushConfig push channel configuration
type PushConfig struct {
	Enable           bool          `yaml:"enable" mapstructure:"enable"`
	Driver           string        `yaml:"driver" mapstructure:"driver"`
	Path             string        `yaml:"path" mapstructure:"path"`
	Channel          string        `yaml:"channel" mapstructure:"channel"`
	Event            string        `yaml:"event" mapstructure:"event"`
	PingInterval     time.Duration `yaml:"ping_interval" mapstructure:"ping_interval"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	Redis            RedisConfig   `yaml:"redis" mapstructure:"redis"`
}

// RedisConfig redis connection used by the redis push driver
type RedisConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// ForwardConfig outbound transport configuration
type ForwardConfig struct {
	URLs                  []string `yaml:"urls" mapstructure:"urls"`
	Timeout               int      `yaml:"timeout" mapstructure:"timeout"`
	MaxRetries            int      `yaml:"max_retries" mapstructure:"max_retries"`
	MaxConcurrent         int      `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	MaxIdleConns          int      `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	MaxIdleConnsPerHost   int      `yaml:"max_idle_conns_per_host" mapstructure:"max_idle_conns_per_host"`
	MaxConnsPerHost       int      `yaml:"max_conns_per_host" mapstructure:"max_conns_per_host"`
	IdleConnTimeout       int      `yaml:"idle_conn_timeout" mapstructure:"idle_conn_timeout"`
	ResponseHeaderTimeout int      `yaml:"response_header_timeout" mapstructure:"response_header_timeout"`
	TLSHandshakeTimeout   int      `yaml:"tls_handshake_timeout" mapstructure:"tls_handshake_timeout"`
	TLSInsecureSkipVerify bool     `yaml:"tls_insecure_skip_verify" mapstructure:"tls_insecure_skip_verify"`
	HeaderBlacklist       []string `yaml:"header_blacklist" mapstructure:"header_blacklist"`
}

// MetricsConfig prometheus endpoint configuration
type MetricsConfig struct {
	Enable bool   `yaml:"enable" mapstructure:"enable"`
	Path   string `yaml:"path" mapstructure:"path"`
}

// LoadConfig load configuration
// If v is nil, a new viper instance will be created
func LoadConfig(configPath string, v *viper.Viper) (*Config, error) {
	if v == nil {
		v = viper.New()
	}

	setDefaults(v)

	// PROPAGATOR_AUTH_SHARED_SECRET overrides auth.shared_secret
	v.SetEnvPrefix("PROPAGATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.propagator")
		v.AddConfigPath("/etc/propagator")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		log.Printf("Config file loaded: %s", v.ConfigFileUsed())
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	applyDefaults(&config, v)

	return &config, nil
}

// applyDefaults fills zero-value fields that Unmarshal leaves empty when a
// config file sets a section without every key.
func applyDefaults(cfg *Config, v *viper.Viper) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = v.GetInt("server.port")
	}
	if cfg.Server.Path == "" {
		cfg.Server.Path = v.GetString("server.path")
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = v.GetDuration("server.shutdown_timeout")
	}
	if len(cfg.Server.Responses) == 0 {
		var defaults []ImmediateResponseConfig
		if err := v.UnmarshalKey("server.responses", &defaults); err == nil {
			cfg.Server.Responses = defaults
		}
	}
	for i := range cfg.Server.Responses {
		cfg.Server.Responses[i].Headers = canonicalizeHeaders(cfg.Server.Responses[i].Headers)
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = v.GetString("log.level")
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = v.GetString("log.format")
	}
	if cfg.Log.FileLogging.Path == "" {
		cfg.Log.FileLogging.Path = v.GetString("log.file_logging.path")
	}
	if cfg.Log.FileLogging.MaxSizeMB == 0 {
		cfg.Log.FileLogging.MaxSizeMB = v.GetInt("log.file_logging.max_size_mb")
	}

	if cfg.Output.Mode == "" {
		cfg.Output.Mode = v.GetString("output.mode")
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = v.GetString("storage.driver")
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = v.GetString("storage.path")
	}
	if cfg.Storage.Table == "" {
		cfg.Storage.Table = v.GetString("storage.table")
	}

	if cfg.Pull.Path == "" {
		cfg.Pull.Path = v.GetString("pull.path")
	}

	if cfg.Replication.Mode == "" {
		cfg.Replication.Mode = v.GetString("replication.mode")
	}
	if cfg.Replication.PollInterval == 0 {
		cfg.Replication.PollInterval = v.GetDuration("replication.poll_interval")
	}
	if cfg.Replication.ReconcileInterval == 0 {
		cfg.Replication.ReconcileInterval = v.GetDuration("replication.reconcile_interval")
	}
	if cfg.Replication.SkewMargin == 0 {
		cfg.Replication.SkewMargin = time.Second
	}
	if cfg.Replication.MaxResponseBytes == 0 {
		cfg.Replication.MaxResponseBytes = v.GetInt64("replication.max_response_bytes")
	}
	if cfg.Replication.LocalBaseURL == "" {
		cfg.Replication.LocalBaseURL = v.GetString("replication.local_base_url")
	}
	if cfg.Replication.Timeout == 0 {
		cfg.Replication.Timeout = v.GetDuration("replication.timeout")
	}
	for i := range cfg.Replication.Peers {
		peer := &cfg.Replication.Peers[i]
		if peer.Key == "" {
			peer.Key = cfg.Auth.Key
		}
		if peer.Secret == "" {
			peer.Secret = cfg.Auth.Secret
		}
		if peer.Name == "" {
			peer.Name = peer.URL
		}
	}

	if cfg.Push.Driver == "" {
		cfg.Push.Driver = v.GetString("push.driver")
	}
	if cfg.Push.Path == "" {
		cfg.Push.Path = v.GetString("push.path")
	}
	if cfg.Push.Channel == "" {
		cfg.Push.Channel = v.GetString("push.channel")
	}
	if cfg.Push.Event == "" {
		cfg.Push.Event = v.GetString("push.event")
	}
	if cfg.Push.PingInterval == 0 {
		cfg.Push.PingInterval = v.GetDuration("push.ping_interval")
	}
	if cfg.Push.HandshakeTimeout == 0 {
		cfg.Push.HandshakeTimeout = v.GetDuration("push.handshake_timeout")
	}
	for i := range cfg.Replication.Peers {
		if cfg.Replication.Peers[i].Channel == "" {
			cfg.Replication.Peers[i].Channel = cfg.Push.Channel
		}
	}

	if cfg.Forward.Timeout == 0 {
		cfg.Forward.Timeout = v.GetInt("forward.timeout")
	}
	if cfg.Forward.MaxConcurrent == 0 {
		cfg.Forward.MaxConcurrent = v.GetInt("forward.max_concurrent")
	}
	if cfg.Forward.MaxIdleConns == 0 {
		cfg.Forward.MaxIdleConns = v.GetInt("forward.max_idle_conns")
	}
	if cfg.Forward.MaxIdleConnsPerHost == 0 {
		cfg.Forward.MaxIdleConnsPerHost = v.GetInt("forward.max_idle_conns_per_host")
	}
	if cfg.Forward.MaxConnsPerHost == 0 {
		cfg.Forward.MaxConnsPerHost = v.GetInt("forward.max_conns_per_host")
	}
	if cfg.Forward.IdleConnTimeout == 0 {
		cfg.Forward.IdleConnTimeout = v.GetInt("forward.idle_conn_timeout")
	}
	if cfg.Forward.ResponseHeaderTimeout == 0 {
		cfg.Forward.ResponseHeaderTimeout = v.GetInt("forward.response_header_timeout")
	}
	if cfg.Forward.TLSHandshakeTimeout == 0 {
		cfg.Forward.TLSHandshakeTimeout = v.GetInt("forward.tls_handshake_timeout")
	}
	if len(cfg.Forward.HeaderBlacklist) == 0 {
		cfg.Forward.HeaderBlacklist = v.GetStringSlice("forward.header_blacklist")
	}
	cfg.Forward.HeaderBlacklist = normalizeHeaderList(cfg.Forward.HeaderBlacklist)

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = v.GetString("metrics.path")
	}
}

// setDefaults set default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.path", "/")
	v.SetDefault("server.max_body_bytes", int64(10*1024*1024))
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.responses", []map[string]interface{}{
		{
			"name":   "default-ok",
			"status": 200,
			"body":   "ok",
			"headers": map[string]string{
				"Content-Type": "text/plain",
			},
		},
	})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file_logging.enable", false)
	v.SetDefault("log.file_logging.path", "./propagator.log")
	v.SetDefault("log.file_logging.max_size_mb", 10)
	v.SetDefault("log.file_logging.max_backups", 5)
	v.SetDefault("log.file_logging.max_age_days", 30)
	v.SetDefault("log.file_logging.compress", true)

	v.SetDefault("output.mode", "console")
	v.SetDefault("output.silence", false)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "./data/propagator.db")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.table", "propagator_requests")
	v.SetDefault("storage.max_records", 0)
	v.SetDefault("storage.retention", "0s")

	v.SetDefault("auth.key", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.shared_secret", "")

	v.SetDefault("pull.path", "/propagator/pull")

	v.SetDefault("replication.mode", "poll")
	v.SetDefault("replication.poll_interval", "1s")
	v.SetDefault("replication.reconcile_interval", "30s")
	v.SetDefault("replication.skew_margin", "1s")
	v.SetDefault("replication.max_response_bytes", 256<<20)
	v.SetDefault("replication.local_base_url", "http://localhost")
	v.SetDefault("replication.timeout", "30s")
	v.SetDefault("replication.retries", 0)
	v.SetDefault("replication.peers", []map[string]string{})

	v.SetDefault("push.enable", false)
	v.SetDefault("push.driver", "websocket")
	v.SetDefault("push.path", "/propagator/ws")
	v.SetDefault("push.channel", "propagator.requests")
	v.SetDefault("push.event", "request.recorded")
	v.SetDefault("push.ping_interval", "30s")
	v.SetDefault("push.handshake_timeout", "10s")
	v.SetDefault("push.redis.url", "redis://localhost:6379/0")

	v.SetDefault("forward.urls", []string{})
	v.SetDefault("forward.timeout", 30)
	v.SetDefault("forward.max_retries", 3)
	v.SetDefault("forward.max_concurrent", 10)
	v.SetDefault("forward.max_idle_conns", 200)
	v.SetDefault("forward.max_idle_conns_per_host", 50)
	v.SetDefault("forward.max_conns_per_host", 100)
	v.SetDefault("forward.idle_conn_timeout", 90)
	v.SetDefault("forward.response_header_timeout", 15)
	v.SetDefault("forward.tls_handshake_timeout", 10)
	v.SetDefault("forward.tls_insecure_skip_verify", false)
	v.SetDefault("forward.header_blacklist", []string{
		"host",
		"connection",
		"keep-alive",
		"proxy-authenticate",
		"proxy-authorization",
		"te",
		"trailers",
		"transfer-encoding",
		"upgrade",
		"content-length",
	})

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks the configuration and normalizes enum values
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.Path == "" {
		return fmt.Errorf("server path cannot be empty")
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server max body bytes cannot be negative")
	}
	if len(c.Server.Responses) == 0 {
		return fmt.Errorf("server responses configuration cannot be empty")
	}
	for i, resp := range c.Server.Responses {
		if resp.Status < 100 || resp.Status > 599 {
			return fmt.Errorf("server response %d status must be between 100 and 599", i+1)
		}
		if resp.Path != "" && !strings.HasPrefix(resp.Path, "/") {
			return fmt.Errorf("server response %d path must start with '/'", i+1)
		}
		if resp.PathPrefix != "" && !strings.HasPrefix(resp.PathPrefix, "/") {
			return fmt.Errorf("server response %d path_prefix must start with '/'", i+1)
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		return fmt.Errorf("log format must be 'console' or 'json'")
	}
	if c.Log.FileLogging.Enable {
		if c.Log.FileLogging.Path == "" {
			return fmt.Errorf("log file path cannot be empty when file logging is enabled")
		}
		if c.Log.FileLogging.MaxSizeMB < 1 {
			return fmt.Errorf("log file max size must be at least 1MB")
		}
	}

	switch strings.ToLower(c.Output.Mode) {
	case "", "console", "json":
		if c.Output.Mode == "" {
			c.Output.Mode = "console"
		}
	default:
		return fmt.Errorf("output mode must be 'console' or 'json'")
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch c.Storage.Driver {
	case "", "sqlite", "sqlite3":
		c.Storage.Driver = "sqlite"
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage path cannot be empty")
		}
	case "postgres", "postgresql", "pgx":
		c.Storage.Driver = "postgres"
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("storage dsn cannot be empty for postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("storage driver must be sqlite, postgres or memory")
	}
	if !validIdentifier(c.Storage.Table) {
		return fmt.Errorf("storage table %q is not a valid identifier", c.Storage.Table)
	}
	if c.Storage.MaxRecords < 0 {
		return fmt.Errorf("storage max_records cannot be negative")
	}
	if c.Storage.Retention < 0 {
		return fmt.Errorf("storage retention cannot be negative")
	}

	if !strings.HasPrefix(c.Pull.Path, "/") {
		return fmt.Errorf("pull path must start with '/'")
	}

	c.Replication.Mode = strings.ToLower(strings.TrimSpace(c.Replication.Mode))
	switch c.Replication.Mode {
	case "", "poll":
		c.Replication.Mode = "poll"
	case "push":
	default:
		return fmt.Errorf("replication mode must be 'poll' or 'push'")
	}
	if c.Replication.PollInterval < 0 {
		return fmt.Errorf("replication poll interval cannot be negative")
	}
	if c.Replication.SkewMargin < 0 {
		return fmt.Errorf("replication skew margin cannot be negative")
	}
	if c.Replication.ReconcileInterval < 0 {
		return fmt.Errorf("replication reconcile interval cannot be negative")
	}
	if c.Replication.MaxResponseBytes < 0 {
		return fmt.Errorf("replication max response bytes cannot be negative")
	}
	if c.Replication.Timeout < 0 {
		return fmt.Errorf("replication timeout cannot be negative")
	}
	if c.Replication.Retries < 0 {
		return fmt.Errorf("replication retries cannot be negative")
	}
	if len(c.Replication.Peers) > 0 {
		if _, err := parseHTTPURL(c.Replication.LocalBaseURL); err != nil {
			return fmt.Errorf("replication local_base_url: %w", err)
		}
	}
	for i, peer := range c.Replication.Peers {
		if strings.TrimSpace(peer.URL) == "" {
			return fmt.Errorf("replication peer %d url cannot be empty", i+1)
		}
	}

	c.Push.Driver = strings.ToLower(strings.TrimSpace(c.Push.Driver))
	switch c.Push.Driver {
	case "", "websocket":
		c.Push.Driver = "websocket"
	case "redis":
		if c.Push.Enable && strings.TrimSpace(c.Push.Redis.URL) == "" {
			return fmt.Errorf("push redis url cannot be empty")
		}
	default:
		return fmt.Errorf("push driver must be 'websocket' or 'redis'")
	}
	if c.Push.Enable {
		if !strings.HasPrefix(c.Push.Path, "/") {
			return fmt.Errorf("push path must start with '/'")
		}
		if c.Push.Channel == "" || c.Push.Event == "" {
			return fmt.Errorf("push channel and event cannot be empty")
		}
		if c.Push.HandshakeTimeout <= 0 {
			return fmt.Errorf("push handshake timeout must be greater than zero")
		}
	}

	for i, u := range c.Forward.URLs {
		if u == "" {
			return fmt.Errorf("forward URL %d cannot be empty", i+1)
		}
	}
	if c.Forward.Timeout < 0 {
		return fmt.Errorf("forward timeout cannot be negative")
	}
	if c.Forward.MaxRetries < 0 {
		return fmt.Errorf("forward max retries cannot be negative")
	}
	if c.Forward.MaxConcurrent < 1 {
		return fmt.Errorf("forward max concurrent must be at least 1")
	}

	if c.Metrics.Enable && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with '/'")
	}

	return nil
}

// AddPeer appends a peer given only its url, filling credentials and
// channel from the node defaults.
func (c *Config) AddPeer(rawURL string) {
	c.Replication.Peers = append(c.Replication.Peers, PeerConfig{
		Name:    rawURL,
		URL:     rawURL,
		Key:     c.Auth.Key,
		Secret:  c.Auth.Secret,
		Channel: c.Push.Channel,
	})
}

// Masked returns a copy with credentials replaced, for display.
func (c *Config) Masked() *Config {
	out := *c
	out.Auth.Key = mask(c.Auth.Key)
	out.Auth.Secret = mask(c.Auth.Secret)
	out.Auth.SharedSecret = mask(c.Auth.SharedSecret)
	out.Storage.DSN = maskURL(c.Storage.DSN)
	out.Push.Redis.URL = maskURL(c.Push.Redis.URL)
	out.Replication.Peers = make([]PeerConfig, len(c.Replication.Peers))
	for i, peer := range c.Replication.Peers {
		peer.Key = mask(peer.Key)
		peer.Secret = mask(peer.Secret)
		out.Replication.Peers[i] = peer
	}
	return &out
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "******"
}

func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "******")
	}
	return u.String()
}

func parseHTTPURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("host cannot be empty")
	}
	return u, nil
}

func validIdentifier(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func canonicalizeHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return headers
	}
	canonical := make(map[string]string, len(headers))
	for key, value := range headers {
		canonical[http.CanonicalHeaderKey(key)] = value
	}
	return canonical
}

func normalizeHeaderList(list []string) []string {
	if len(list) == 0 {
		return list
	}
	set := make(map[string]struct{}, len(list))
	result := make([]string, 0, len(list))
	for _, h := range list {
		norm := strings.ToLower(strings.TrimSpace(h))
		if norm == "" {
			continue
		}
		if _, exists := set[norm]; exists {
			continue
		}
		set[norm] = struct{}{}
		result = append(result, norm)
	}
	return result
}
