// Package config loads deskhost configuration from a YAML file, DESKHOST_*
// environment variables and command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jrepp/deskhost/pkg/bundle"
	"github.com/jrepp/deskhost/pkg/health"
	"github.com/jrepp/deskhost/pkg/launcher"
	"github.com/jrepp/deskhost/pkg/secretgate"
)

// AppName names the config directory, env prefix and log directory
const AppName = "deskhost"

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid configuration")

// Config holds the deskhost configuration
type Config struct {
	Mode      string          `mapstructure:"mode"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Port      PortConfig      `mapstructure:"port"`
	Health    HealthConfig    `mapstructure:"health"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Log       LogConfig       `mapstructure:"log"`
	UI        UIConfig        `mapstructure:"ui"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// File is the config file that was read, empty when none was found
	File string `mapstructure:"-"`
}

// PathsConfig locates the backend artifacts
type PathsConfig struct {
	DevRoot   string `mapstructure:"dev_root"`
	Resources string `mapstructure:"resources"`
	Manifest  string `mapstructure:"manifest"`
}

// PortConfig holds the port policy
type PortConfig struct {
	Policy          string        `mapstructure:"policy"`
	Default         int           `mapstructure:"default"`
	AnnouncePrefix  string        `mapstructure:"announce_prefix"`
	AnnounceTimeout time.Duration `mapstructure:"announce_timeout"`
}

// HealthConfig holds health polling parameters
type HealthConfig struct {
	Path           string        `mapstructure:"path"`
	Interval       time.Duration `mapstructure:"interval"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ShutdownConfig holds termination parameters
type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

// SecretsConfig configures the secret provisioning gate
type SecretsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	KeyEnv     string `mapstructure:"key_env"`
	Ciphertext string `mapstructure:"ciphertext"`
	Plaintext  string `mapstructure:"plaintext"`
}

// LogConfig configures deskhost's own logging and the backend log file
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Dir    string `mapstructure:"dir"`
}

// UIConfig holds settings handed to the UI
type UIConfig struct {
	DevURL string `mapstructure:"dev_url"`
}

// BridgeConfig configures the local readiness and metrics server
type BridgeConfig struct {
	Listen string `mapstructure:"listen"`
}

// TelemetryConfig toggles tracing
type TelemetryConfig struct {
	Tracing bool `mapstructure:"tracing"`
}

// Loader wraps a viper instance with deskhost defaults
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a loader with defaults and environment overrides.
// DESKHOST_PORT_DEFAULT overrides port.default, and so on.
func NewLoader() *Loader {
	v := viper.New()

	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	return &Loader{v: v}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", string(bundle.ModeProduction))

	v.SetDefault("paths.dev_root", ".")
	v.SetDefault("paths.resources", executableDir())
	v.SetDefault("paths.manifest", "")

	v.SetDefault("port.policy", string(launcher.PortPolicyAnnounce))
	v.SetDefault("port.default", 5001)
	v.SetDefault("port.announce_prefix", launcher.DefaultAnnouncePrefix)
	v.SetDefault("port.announce_timeout", 5*time.Second)

	v.SetDefault("health.path", health.DefaultPath)
	v.SetDefault("health.interval", health.DefaultInterval)
	v.SetDefault("health.max_attempts", health.DefaultMaxAttempts)
	v.SetDefault("health.request_timeout", health.DefaultRequestTimeout)

	v.SetDefault("shutdown.grace_period", 5*time.Second)

	v.SetDefault("secrets.enabled", true)
	v.SetDefault("secrets.key_env", secretgate.DefaultKeyEnv)
	v.SetDefault("secrets.ciphertext", "")
	v.SetDefault("secrets.plaintext", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.dir", "")

	v.SetDefault("ui.dev_url", "http://localhost:5173")
	v.SetDefault("bridge.listen", "")
	v.SetDefault("telemetry.tracing", false)
}

// executableDir is where packaged resources live next to the binary
func executableDir() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return filepath.Dir(exe)
}

// BindFlag lets a command-line flag override key
func (l *Loader) BindFlag(key string, flag *pflag.Flag) error {
	if flag == nil {
		return fmt.Errorf("bind %s: flag not defined", key)
	}
	return l.v.BindPFlag(key, flag)
}

// Viper exposes the underlying instance
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load reads configFile, or deskhost.yaml from $HOME/.deskhost or the
// working directory when configFile is empty. A missing default file is not
// an error; a missing explicit file is.
func (l *Loader) Load(configFile string) (*Config, error) {
	v := l.v

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(AppName)
		v.SetConfigType("yaml")
		v.AddConfigPath("$HOME/." + AppName)
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads configuration with a fresh loader
func Load(configFile string) (*Config, error) {
	return NewLoader().Load(configFile)
}

// Validate rejects values the supervisor cannot run with
func (c *Config) Validate() error {
	var errs []error

	if _, err := bundle.ParseMode(c.Mode); err != nil {
		errs = append(errs, err)
	}
	if _, err := launcher.ParsePortPolicy(c.Port.Policy); err != nil {
		errs = append(errs, err)
	}
	if !launcher.ValidPort(c.Port.Default) {
		errs = append(errs, fmt.Errorf("port.default %d out of range", c.Port.Default))
	}
	if strings.TrimSpace(c.Port.AnnouncePrefix) == "" {
		errs = append(errs, errors.New("port.announce_prefix is empty"))
	}
	if c.Port.AnnounceTimeout <= 0 {
		errs = append(errs, fmt.Errorf("port.announce_timeout must be positive, got %s", c.Port.AnnounceTimeout))
	}
	if !strings.HasPrefix(c.Health.Path, "/") {
		errs = append(errs, fmt.Errorf("health.path %q must start with /", c.Health.Path))
	}
	if c.Health.Interval <= 0 {
		errs = append(errs, fmt.Errorf("health.interval must be positive, got %s", c.Health.Interval))
	}
	if c.Health.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("health.max_attempts must be at least 1, got %d", c.Health.MaxAttempts))
	}
	if c.Health.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("health.request_timeout must be positive, got %s", c.Health.RequestTimeout))
	}
	if c.Shutdown.GracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("shutdown.grace_period must be positive, got %s", c.Shutdown.GracePeriod))
	}
	if c.Secrets.Enabled && c.Secrets.KeyEnv == "" {
		errs = append(errs, errors.New("secrets.key_env is empty"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q (want text or json)", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// RunMode returns the parsed mode
func (c *Config) RunMode() bundle.Mode {
	mode, _ := bundle.ParseMode(c.Mode)
	return mode
}

// PortPolicy returns the parsed port policy
func (c *Config) PortPolicy() launcher.PortPolicy {
	policy, _ := launcher.ParsePortPolicy(c.Port.Policy)
	return policy
}

// Layout converts the path settings into a bundle layout with absolute roots
func (c *Config) Layout() (bundle.Layout, error) {
	devRoot, err := filepath.Abs(c.Paths.DevRoot)
	if err != nil {
		return bundle.Layout{}, fmt.Errorf("resolve paths.dev_root: %w", err)
	}
	resources := c.Paths.Resources
	if resources != "" {
		if resources, err = filepath.Abs(resources); err != nil {
			return bundle.Layout{}, fmt.Errorf("resolve paths.resources: %w", err)
		}
	}
	return bundle.Layout{DevRoot: devRoot, ResourcesDir: resources}, nil
}

// SecretPaths returns the ciphertext and plaintext locations, defaulting to
// .env.enc and .env inside backendDir.
func (c *Config) SecretPaths(backendDir string) (ciphertext, plaintext string) {
	ciphertext = c.Secrets.Ciphertext
	if ciphertext == "" {
		ciphertext = filepath.Join(backendDir, ".env.enc")
	}
	plaintext = c.Secrets.Plaintext
	if plaintext == "" {
		plaintext = filepath.Join(backendDir, ".env")
	}
	return ciphertext, plaintext
}

// SlogLevel parses the configured level
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// LogDir returns the backend log directory
func (l LogConfig) LogDir(defaultDir string) string {
	if l.Dir != "" {
		return l.Dir
	}
	return defaultDir
}
