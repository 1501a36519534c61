package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/spf13/viper"

	"github.com/angeloszaimis/experella/internal/backend"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// DefaultTimeout is the idle timeout in seconds.
const DefaultTimeout = 15.0

type ServerConfig struct {
	Environment string `mapstructure:"environment"`
	// Timeout is the client idle timeout in seconds.
	Timeout float64 `mapstructure:"timeout"`
}

type TLSConfig struct {
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

type ListenerConfig struct {
	Host string     `mapstructure:"host"`
	Port int        `mapstructure:"port"`
	TLS  *TLSConfig `mapstructure:"tls"`
}

// Address returns host:port. An empty host listens on every interface.
func (l ListenerConfig) Address() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

type ErrorPagesConfig struct {
	NotFound    string `mapstructure:"not_found"`
	Unavailable string `mapstructure:"unavailable"`
}

type BackendConfig struct {
	Name        string            `mapstructure:"name"`
	Host        string            `mapstructure:"host"`
	Port        int               `mapstructure:"port"`
	HostPort    string            `mapstructure:"host_port"`
	Concurrency int               `mapstructure:"concurrency"`
	Accepts     map[string]string `mapstructure:"accepts"`
	// Mangle values are either a literal string or a map with the keys
	// pattern and replace.
	Mangle map[string]any `mapstructure:"mangle"`
}

type MetricsConfig struct {
	Address string `mapstructure:"address"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Listeners  []ListenerConfig `mapstructure:"listeners"`
	ErrorPages ErrorPagesConfig `mapstructure:"error_pages"`
	Backends   []BackendConfig  `mapstructure:"backends"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`

	// dir resolves relative file paths; it is the config file's directory.
	dir string
}

// IdleTimeout returns Server.Timeout as a duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Server.Timeout * float64(time.Second))
}

// Resolve makes path relative to the directory of the config file.
func (c *Config) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.dir, path)
}

// Pages holds the bodies of the proxy-generated error responses. A nil
// body means the built-in page.
type Pages struct {
	NotFound    []byte
	Unavailable []byte
}

// ReadErrorPages loads the configured 404 and 503 bodies.
func (c *Config) ReadErrorPages() (Pages, error) {
	var pages Pages
	var err error
	if c.ErrorPages.NotFound != "" {
		if pages.NotFound, err = os.ReadFile(c.Resolve(c.ErrorPages.NotFound)); err != nil {
			return Pages{}, fmt.Errorf("read not_found page: %w", err)
		}
	}
	if c.ErrorPages.Unavailable != "" {
		if pages.Unavailable, err = os.ReadFile(c.Resolve(c.ErrorPages.Unavailable)); err != nil {
			return Pages{}, fmt.Errorf("read unavailable page: %w", err)
		}
	}
	return pages, nil
}

// Loader reads one configuration source. Path may name a file; otherwise
// config.yaml is searched in ./config and the working directory.
type Loader struct {
	v      *viper.Viper
	path   string
	logger *slog.Logger
}

func NewLoader(path string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}

	v := viper.New()
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.timeout", DefaultTimeout)
	v.SetDefault("listeners", []map[string]any{{"host": "", "port": 8080}})
	v.SetDefault("logging.level", LogLevelInfo)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	return &Loader{v: v, path: path, logger: logger}
}

// Load reads a config file from path, or searches the default locations
// when path is empty.
func Load(path string) (*Config, error) {
	return NewLoader(path, nil).Load()
}

func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			l.logger.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		l.logger.Warn("config file not found, using defaults and environment variables")
	} else {
		l.logger.Info("loaded config file", slog.String("file", l.v.ConfigFileUsed()))
	}

	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		l.logger.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	cfg.dir = "."
	if used := l.v.ConfigFileUsed(); used != "" {
		cfg.dir = filepath.Dir(used)
	}

	if err := cfg.normalize(); err != nil {
		l.logger.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		l.logger.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

// Watch re-reads the config file whenever it changes and passes every
// valid result to onChange. Invalid edits are logged and skipped. Changes
// arriving after ctx is done are ignored.
func (l *Loader) Watch(ctx context.Context, onChange func(*Config)) {
	var stopped atomic.Bool
	context.AfterFunc(ctx, func() { stopped.Store(true) })

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if stopped.Load() || !e.Has(fsnotify.Write|fsnotify.Create) {
			return
		}

		l.logger.Info("config file changed", slog.String("file", e.Name))
		cfg, err := l.decode()
		if err != nil {
			l.logger.Warn("ignoring config change", slog.Any("err", err))
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// normalize expands host_port and fills per-backend defaults.
func (c *Config) normalize() error {
	for i := range c.Backends {
		b := &c.Backends[i]
		if b.HostPort != "" {
			host, port, err := net.SplitHostPort(b.HostPort)
			if err != nil {
				return fmt.Errorf("backend %d: host_port: %w", i, err)
			}
			p, err := strconv.Atoi(port)
			if err != nil {
				return fmt.Errorf("backend %d: host_port: invalid port %q", i, port)
			}
			b.Host, b.Port = host, p
		}
		if b.Concurrency == 0 {
			b.Concurrency = 1
		}
		if b.Name == "" {
			b.Name = net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
		}
	}
	return nil
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Timeout,
						validation.Required,
						validation.Min(0.001),
					),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
				)
			}),
		),
		validation.Field(&c.Listeners,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validateListenerConfig)),
		),
		validation.Field(&c.ErrorPages,
			validation.By(func(value interface{}) error {
				pc, ok := value.(ErrorPagesConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an ErrorPagesConfig")
				}
				return validation.ValidateStruct(&pc,
					validation.Field(&pc.NotFound, validation.By(c.validateReadable)),
					validation.Field(&pc.Unavailable, validation.By(c.validateReadable)),
				)
			}),
		),
		validation.Field(&c.Backends,
			validation.Each(validation.By(validateBackendConfig)),
			validation.By(validateUniqueNames),
		),
		validation.Field(&c.Metrics,
			validation.By(func(value interface{}) error {
				mc, ok := value.(MetricsConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a MetricsConfig")
				}
				return validation.ValidateStruct(&mc,
					validation.Field(&mc.Address, validation.By(validateHostPort)),
				)
			}),
		),
	)
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if addr == "" {
		return nil
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateListenerConfig(value interface{}) error {
	lc, ok := value.(ListenerConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a ListenerConfig")
	}

	return validation.ValidateStruct(&lc,
		validation.Field(&lc.Host, is.Host),
		validation.Field(&lc.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&lc.TLS, validation.By(func(value interface{}) error {
			tc, ok := value.(*TLSConfig)
			if !ok || tc == nil {
				return nil
			}
			return validation.ValidateStruct(tc,
				validation.Field(&tc.CertFile, validation.Required),
				validation.Field(&tc.KeyFile, validation.Required),
			)
		})),
	)
}

func validateBackendConfig(value interface{}) error {
	bc, ok := value.(BackendConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a BackendConfig")
	}

	return validation.ValidateStruct(&bc,
		validation.Field(&bc.Host, validation.Required, is.Host),
		validation.Field(&bc.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&bc.Concurrency, validation.Min(1)),
		validation.Field(&bc.Accepts, validation.By(validatePatterns)),
		validation.Field(&bc.Mangle, validation.By(validateMangle)),
	)
}

func validatePatterns(value interface{}) error {
	accepts, ok := value.(map[string]string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a map of patterns")
	}
	for key, pattern := range accepts {
		if _, err := backend.CompilePattern(pattern); err != nil {
			return validation.NewError("validation_invalid_pattern", fmt.Sprintf("%s: %v", key, err))
		}
	}
	return nil
}

func validateMangle(value interface{}) error {
	mangle, ok := value.(map[string]any)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a map")
	}
	for key, raw := range mangle {
		if _, err := mangleAction(raw); err != nil {
			return validation.NewError("validation_invalid_mangle", fmt.Sprintf("%s: %v", key, err))
		}
	}
	return nil
}

func validateUniqueNames(value interface{}) error {
	backends, ok := value.([]BackendConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of backends")
	}
	seen := make(map[string]bool, len(backends))
	for _, b := range backends {
		if seen[b.Name] {
			return validation.NewError("validation_duplicate_name", fmt.Sprintf("duplicate backend name %q", b.Name))
		}
		seen[b.Name] = true
	}
	return nil
}

func (c *Config) validateReadable(value interface{}) error {
	path, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if path == "" {
		return nil
	}
	f, err := os.Open(c.Resolve(path))
	if err != nil {
		return validation.NewError("validation_unreadable_file", err.Error())
	}
	return f.Close()
}
