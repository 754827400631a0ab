package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "CARROT"

const (
	KeyAPIURL         = "api_url"
	KeyWSURL          = "ws_url"
	KeyDBFile         = "db_file"
	KeyReconnectDelay = "reconnect_delay"
	KeyTypingDebounce = "typing_debounce"
	KeyTypingStop     = "typing_stop"
	KeyPageSize       = "page_size"
	KeyRequestTimeout = "request_timeout"
	KeyLogLevel       = "log_level"
	KeyLogFormat      = "log_format"
	KeyStripMarkup    = "strip_markup"
)

const MaxPageSize = 200

type Config struct {
	APIURL         string
	WSURL          string
	DBFile         string
	ReconnectDelay time.Duration
	TypingDebounce time.Duration
	TypingStop     time.Duration
	PageSize       int
	RequestTimeout time.Duration
	LogLevel       string
	LogFormat      string
	StripMarkup    bool
}

// NewViper returns a viper instance with defaults and CARROT_* environment
// lookup set up. Callers may bind flags to it before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault(KeyAPIURL, "http://localhost:8088/api")
	v.SetDefault(KeyWSURL, "ws://localhost:8088/ws")
	v.SetDefault(KeyDBFile, "carrot.db")
	v.SetDefault(KeyReconnectDelay, 5*time.Second)
	v.SetDefault(KeyTypingDebounce, 300*time.Millisecond)
	v.SetDefault(KeyTypingStop, 2*time.Second)
	v.SetDefault(KeyPageSize, 50)
	v.SetDefault(KeyRequestTimeout, 15*time.Second)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyStripMarkup, false)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads .env when present, then the optional config file, and
// validates the result. Flags bound to v take precedence over both.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		APIURL:         strings.TrimRight(v.GetString(KeyAPIURL), "/"),
		WSURL:          v.GetString(KeyWSURL),
		DBFile:         v.GetString(KeyDBFile),
		ReconnectDelay: v.GetDuration(KeyReconnectDelay),
		TypingDebounce: v.GetDuration(KeyTypingDebounce),
		TypingStop:     v.GetDuration(KeyTypingStop),
		PageSize:       v.GetInt(KeyPageSize),
		RequestTimeout: v.GetDuration(KeyRequestTimeout),
		LogLevel:       v.GetString(KeyLogLevel),
		LogFormat:      v.GetString(KeyLogFormat),
		StripMarkup:    v.GetBool(KeyStripMarkup),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if err := checkURL(KeyAPIURL, c.APIURL, "http", "https"); err != nil {
		return err
	}
	if err := checkURL(KeyWSURL, c.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if c.DBFile == "" {
		return fmt.Errorf("%s is required", KeyDBFile)
	}

	for key, d := range map[string]time.Duration{
		KeyReconnectDelay: c.ReconnectDelay,
		KeyTypingDebounce: c.TypingDebounce,
		KeyTypingStop:     c.TypingStop,
		KeyRequestTimeout: c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", key)
		}
	}

	if c.PageSize < 1 || c.PageSize > MaxPageSize {
		return fmt.Errorf("%s must be between 1 and %d", KeyPageSize, MaxPageSize)
	}

	if _, err := c.level(); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("%s must be text or json", KeyLogFormat)
	}

	return nil
}

// NewLogger builds the slog logger described by the log settings.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := c.level()
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (c *Config) level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%s: %w", KeyLogLevel, err)
	}
	return level, nil
}

func checkURL(key, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be a %s URL with a host", key, strings.Join(schemes, " or "))
}
