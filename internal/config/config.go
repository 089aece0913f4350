// Package config provides configuration management for the agent session
// runtime. It supports loading configuration from environment variables, a
// config file, and defaults, using github.com/spf13/viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/brendanlong/burrow-runtime/internal/common/constants"
)

// Config holds all configuration sections for the runtime.
type Config struct {
	Namespace   string            `mapstructure:"namespace"`
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Workspace   WorkspaceConfig   `mapstructure:"workspace"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Reconciler  ReconcilerConfig  `mapstructure:"reconciler"`
}

// ServerConfig holds HTTP server configuration for the facade.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // seconds
}

// DatabaseConfig holds the PostgreSQL connection configuration for the
// session/message/agent-execution/auth-session store.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// EngineConfig holds the container engine (Docker) client configuration.
type EngineConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
	Image          string `mapstructure:"image"`
}

// WorkspaceConfig holds configuration for the workspace provisioner.
type WorkspaceConfig struct {
	ReferenceCacheVolume string `mapstructure:"referenceCacheVolume"`
	CloneImage           string `mapstructure:"cloneImage"`
}

// AuthConfig holds bearer-token session configuration.
type AuthConfig struct {
	IdleTimeout            int `mapstructure:"idleTimeout"`            // seconds of inactivity before expiry
	RotationIntervalSec    int `mapstructure:"rotationInterval"`       // seconds of idle time before a token rotates
	ActivityThrottleSec    int `mapstructure:"activityUpdateThrottle"` // minimum seconds between last-activity writes
	SessionLifetimeSeconds int `mapstructure:"sessionLifetime"`        // seconds from issue until hard expiry
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// CredentialsConfig holds configuration for the credential propagator.
type CredentialsConfig struct {
	WatchDir       string   `mapstructure:"watchDir"`
	AllowedFiles   []string `mapstructure:"allowedFiles"`
	DebounceMillis int      `mapstructure:"debounceMillis"`
}

// ReconcilerConfig holds configuration for the reconciler.
type ReconcilerConfig struct {
	IntervalSeconds int `mapstructure:"intervalSeconds"`
}

// AgentConfig holds agent CLI invocation configuration.
type AgentConfig struct {
	// BinaryPath is the path to the agent CLI inside the session container.
	BinaryPath string `mapstructure:"binaryPath"`
	// SystemPrompt is appended via --append-system-prompt on every launch.
	SystemPrompt string `mapstructure:"systemPrompt"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleTimeoutDuration returns the auth idle timeout as a time.Duration.
func (a *AuthConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(a.IdleTimeout) * time.Second
}

// RotationInterval returns the token rotation interval as a time.Duration.
func (a *AuthConfig) RotationInterval() time.Duration {
	return time.Duration(a.RotationIntervalSec) * time.Second
}

// ActivityUpdateThrottle returns the minimum spacing between last-activity
// writes as a time.Duration.
func (a *AuthConfig) ActivityUpdateThrottle() time.Duration {
	return time.Duration(a.ActivityThrottleSec) * time.Second
}

// SessionLifetime returns the hard token lifetime as a time.Duration.
func (a *AuthConfig) SessionLifetime() time.Duration {
	return time.Duration(a.SessionLifetimeSeconds) * time.Second
}

// DebounceDuration returns the credential watcher debounce as a time.Duration.
func (c *CredentialsConfig) DebounceDuration() time.Duration {
	return time.Duration(c.DebounceMillis) * time.Millisecond
}

// IntervalDuration returns the reconciler sweep interval as a time.Duration.
func (r *ReconcilerConfig) IntervalDuration() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("BURROW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("namespace", "burrow")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "burrow")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "burrow")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	v.SetDefault("engine.host", defaultEngineHost())
	v.SetDefault("engine.apiVersion", "1.41")
	v.SetDefault("engine.tlsVerify", false)
	v.SetDefault("engine.defaultNetwork", "burrow-network")
	v.SetDefault("engine.volumeBasePath", defaultVolumePath())
	v.SetDefault("engine.image", "burrow-agent:latest")

	v.SetDefault("workspace.referenceCacheVolume", "burrow-refcache")
	v.SetDefault("workspace.cloneImage", "burrow-agent:latest")

	v.SetDefault("agent.binaryPath", "claude")
	v.SetDefault("agent.systemPrompt", "")

	v.SetDefault("auth.idleTimeout", 86400)         // 24h
	v.SetDefault("auth.rotationInterval", 604800)   // 7d
	v.SetDefault("auth.activityUpdateThrottle", 60) // 1m
	v.SetDefault("auth.sessionLifetime", 2592000)   // 30d

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("credentials.watchDir", "~/.burrow/credentials")
	v.SetDefault("credentials.allowedFiles", []string{".credentials.json", "settings.json"})
	v.SetDefault("credentials.debounceMillis", constants.CredentialDebounceInterval.Milliseconds())

	v.SetDefault("reconciler.intervalSeconds", int(constants.ReconcileInterval.Seconds()))
}

// defaultEngineHost returns the platform-appropriate Docker socket path,
// respecting DOCKER_HOST as an override.
func defaultEngineHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

func defaultVolumePath() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		return filepath.Join(localAppData, "burrow", "volumes")
	}
	return "/var/lib/burrow/volumes"
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix BURROW_.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BURROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "BURROW_LOG_LEVEL")
	_ = v.BindEnv("engine.host", "DOCKER_HOST")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/burrow/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
		errs = append(errs, "database.port must be between 1 and 65535")
	}
	if cfg.Database.User == "" {
		errs = append(errs, "database.user is required")
	}
	if cfg.Database.DBName == "" {
		errs = append(errs, "database.dbName is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Auth.IdleTimeout <= 0 {
		errs = append(errs, "auth.idleTimeout must be positive")
	}
	if cfg.Reconciler.IntervalSeconds <= 0 {
		errs = append(errs, "reconciler.intervalSeconds must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
