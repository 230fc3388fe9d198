package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/Panel/internal/adapters/rtc"
	"github.com/dkeye/Panel/internal/core"
	"github.com/dkeye/Panel/internal/domain"
	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const envPrefix = "PANEL"

type Config struct {
	Mode       string        `mapstructure:"mode" validate:"oneof=debug release test"`
	Port       int           `mapstructure:"port" validate:"min=1,max=65535"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit" validate:"min=1024"`
	PingPeriod time.Duration `mapstructure:"ping_period" validate:"min=1s"`
	Secret     string        `mapstructure:"secret" validate:"required"`
	LogLevel   string        `mapstructure:"log_level"`
	// Backpressure is "kick" or "drop".
	Backpressure string `mapstructure:"backpressure" validate:"oneof=kick drop"`

	Chat        ChatConfig       `mapstructure:"chat"`
	Rooms       RoomsConfig      `mapstructure:"rooms"`
	Media       MediaConfig      `mapstructure:"media"`
	RTC         rtc.Config       `mapstructure:"rtc"`
	Transcripts TranscriptConfig `mapstructure:"transcripts"`
}

type ChatConfig struct {
	Limit    int           `mapstructure:"limit" validate:"min=1"`
	Interval time.Duration `mapstructure:"interval"`
}

type RoomsConfig struct {
	ReapEmpty    bool          `mapstructure:"reap_empty"`
	UsageTimeout time.Duration `mapstructure:"usage_timeout"`
}

type MediaConfig struct {
	// Workers <= 0 starts one worker per CPU.
	Workers int              `mapstructure:"workers"`
	Codecs  []core.CodecSpec `mapstructure:"codecs"`
}

type TranscriptConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// DefaultCodecs is the router codec set when none is configured.
var DefaultCodecs = []core.CodecSpec{
	{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000},
}

// ResolveEnv picks the config environment: the flag wins over CONFIG_ENV,
// dev is the fallback.
func ResolveEnv(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("CONFIG_ENV"); env != "" {
		return env
	}
	return "dev"
}

// Loader reads config/config.<env>.yaml with PANEL_ prefixed environment
// overrides on top of the defaults.
type Loader struct {
	v   *viper.Viper
	env string
}

func NewLoader(env string) *Loader {
	return NewFileLoader(env, fmt.Sprintf("config/config.%s.yaml", env))
}

func NewFileLoader(env, file string) *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(file)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return &Loader{v: v, env: env}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "panel-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("backpressure", "kick")

	v.SetDefault("chat.limit", 5)
	v.SetDefault("chat.interval", "3s")
	v.SetDefault("rooms.reap_empty", false)
	v.SetDefault("rooms.usage_timeout", "1s")
	v.SetDefault("media.workers", 0)
	v.SetDefault("transcripts.capacity", 1000)

	v.SetDefault("rtc.port_min", 0)
	v.SetDefault("rtc.port_max", 0)
	v.SetDefault("rtc.ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("rtc.max_incoming_bitrate", 1500000)
	v.SetDefault("rtc.gather_timeout", "5s")
	v.SetDefault("rtc.track_timeout", "10s")
}

// Viper exposes the underlying instance so callers can bind CLI flags.
func (l *Loader) Viper() *viper.Viper { return l.v }

func (l *Loader) Env() string { return l.env }

func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		log.Warn().Err(err).Str("module", "config").Str("file", l.v.ConfigFileUsed()).Msg("config file not read, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", l.v.ConfigFileUsed()).Msg("config loaded")
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := l.v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if len(cfg.Media.Codecs) == 0 {
		cfg.Media.Codecs = append([]core.CodecSpec(nil), DefaultCodecs...)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log.Info().Str("module", "config").Str("env", l.env).Str("mode", cfg.Mode).Int("port", cfg.Port).Int("codecs", len(cfg.Media.Codecs)).Msg("config ready")
	return &cfg, nil
}

// Watch calls fn with the re-decoded config whenever the file changes.
// Configs that no longer decode are logged and skipped.
func (l *Loader) Watch(fn func(*Config)) {
	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			log.Error().Err(err).Str("module", "config").Str("file", e.Name).Msg("reload failed")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Msg("config reloaded")
		fn(cfg)
	})
	l.v.WatchConfig()
}
