package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string          `mapstructure:"mode" validate:"oneof=debug release test"`
	Port       int             `mapstructure:"port" validate:"min=1,max=65535"`
	StaticPath string          `mapstructure:"static_path"`
	ReadLimit  int64           `mapstructure:"read_limit" validate:"min=0"`
	PingPeriod time.Duration   `mapstructure:"ping_period" validate:"min=0"`
	Secret     string          `mapstructure:"secret"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	Client     ClientConfig    `mapstructure:"client"`
	Call       CallConfig      `mapstructure:"call"`
	Log        LogConfig       `mapstructure:"log"`
}

type RateLimitConfig struct {
	Count    int           `mapstructure:"count" validate:"min=1"`
	Interval time.Duration `mapstructure:"interval" validate:"gt=0"`
}

type ClientConfig struct {
	URL          string        `mapstructure:"url" validate:"required,url"`
	UserID       string        `mapstructure:"user_id" validate:"max=36"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	QueueCap     int           `mapstructure:"queue_cap" validate:"min=1"`
	Backoff      BackoffConfig `mapstructure:"backoff"`
}

type BackoffConfig struct {
	Base        time.Duration `mapstructure:"base" validate:"gt=0"`
	Max         time.Duration `mapstructure:"max" validate:"gtefield=Base"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1"`
	Jitter      bool          `mapstructure:"jitter"`
}

type CallConfig struct {
	Media           string        `mapstructure:"media" validate:"oneof=audio video"`
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace" validate:"gt=0"`
	EndingHold      time.Duration `mapstructure:"ending_hold" validate:"min=0"`
	ICEServers      []string      `mapstructure:"ice_servers"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	JSON       bool   `mapstructure:"json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"min=1"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"mode":      "mode",
	"port":      "port",
	"url":       "client.url",
	"user":      "client.user_id",
	"log-level": "log.level",
	"log-json":  "log.json",
	"log-file":  "log.file",
}

// Flags returns the flag set understood by Loader. Binaries add their own
// flags to it before parsing.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("mode", "", "gin mode: debug, release or test")
	fs.Int("port", 0, "listen port")
	fs.String("url", "", "bus websocket url")
	fs.String("user", "", "user id to connect as")
	fs.String("log-level", "", "log level")
	fs.Bool("log-json", false, "log as json")
	fs.String("log-file", "", "also log to this file")
	return fs
}

type Loader struct {
	fs    afero.Fs
	dir   string
	env   string
	flags *pflag.FlagSet

	mu sync.Mutex
	v  *viper.Viper
}

type Option func(*Loader)

func WithFs(fs afero.Fs) Option          { return func(l *Loader) { l.fs = fs } }
func WithDir(dir string) Option          { return func(l *Loader) { l.dir = dir } }
func WithEnv(env string) Option          { return func(l *Loader) { l.env = env } }
func WithFlags(fs *pflag.FlagSet) Option { return func(l *Loader) { l.flags = fs } }

func NewLoader(opts ...Option) *Loader {
	l := &Loader{fs: afero.NewOsFs(), dir: ".", env: os.Getenv("CONFIG_ENV")}
	for _, opt := range opts {
		opt(l)
	}
	if l.env == "" {
		l.env = "dev"
	}
	return l
}

// Load reads config/config.<env>.yaml on top of the defaults, then
// VOICELINK_* environment variables, then flags that were set.
func Load(opts ...Option) (*Config, error) {
	return NewLoader(opts...).Load()
}

func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	v.SetFs(l.fs)
	v.SetConfigType("yaml")
	fileName := filepath.Join(l.dir, "config", fmt.Sprintf("config.%s.yaml", l.env))
	v.SetConfigFile(fileName)

	setDefaults(v)

	v.SetEnvPrefix("VOICELINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.flags != nil {
		for name, key := range flagKeys {
			if f := l.flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Err(err).Msg("config file not loaded, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.v = v
	l.mu.Unlock()
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("url", cfg.Client.URL).Msg("config ready")
	return cfg, nil
}

// Watch re-decodes the config file on every change and hands valid
// results to onChange. Load must have succeeded first.
func (l *Loader) Watch(onChange func(*Config)) error {
	l.mu.Lock()
	v := l.v
	l.mu.Unlock()
	if v == nil {
		return fmt.Errorf("config: watch before load")
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			log.Error().Str("module", "config").Str("file", e.Name).Err(err).Msg("ignoring invalid config change")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Str("op", e.Op.String()).Msg("config changed")
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "voicelink-dev-secret")
	v.SetDefault("rate_limit.count", 20)
	v.SetDefault("rate_limit.interval", "1s")

	v.SetDefault("client.url", "ws://localhost:8080/api/ws")
	v.SetDefault("client.user_id", "")
	v.SetDefault("client.dial_timeout", "10s")
	v.SetDefault("client.write_timeout", "5s")
	v.SetDefault("client.queue_cap", 32)
	v.SetDefault("client.backoff.base", "1s")
	v.SetDefault("client.backoff.max", "30s")
	v.SetDefault("client.backoff.max_attempts", 8)
	v.SetDefault("client.backoff.jitter", true)

	v.SetDefault("call.media", "audio")
	v.SetDefault("call.disconnect_grace", "10s")
	v.SetDefault("call.ending_hold", "1500ms")
	v.SetDefault("call.ice_servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
