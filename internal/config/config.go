package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"slack-thread-exporter/internal/conversation"
	"slack-thread-exporter/internal/logging"
	"slack-thread-exporter/internal/ratelimit"
	"slack-thread-exporter/internal/slack"
)

const DefaultFile = "config.yaml"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Slack     SlackConfig     `yaml:"slack"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`

	// DotEnv reports whether a .env file was found.
	DotEnv bool `yaml:"-"`
	// File is the YAML file that was read, empty if none existed.
	File string `yaml:"-"`
}

type ServerConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

type SlackConfig struct {
	APIURL    string `yaml:"api_url"`
	PageLimit int    `yaml:"page_limit"`
}

type RateLimitConfig struct {
	BaseDelay  Duration `yaml:"base_delay"`
	MaxDelay   Duration `yaml:"max_delay"`
	MaxRetries int      `yaml:"max_retries"`
	RPS        float64  `yaml:"rps"`
	Burst      int      `yaml:"burst"`
}

type FetchConfig struct {
	Workers         int      `yaml:"workers"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	Order           string   `yaml:"order"`
	Timezone        string   `yaml:"timezone"`
	SkipBots        bool     `yaml:"skip_bots"`
	ResolveMentions bool     `yaml:"resolve_mentions"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type SecurityConfig struct {
	SigningSecret string `yaml:"signing_secret"`
}

// Duration parses YAML values like "750ms" or plain numbers of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, nil
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return time.Duration(f * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration %q", raw)
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{Address: "0.0.0.0", Port: 5000},
		Slack:  SlackConfig{APIURL: "https://slack.com/api/", PageLimit: slack.DefaultPageLimit},
		RateLimit: RateLimitConfig{
			BaseDelay:  Duration(ratelimit.DefaultBase),
			MaxDelay:   Duration(ratelimit.DefaultMax),
			MaxRetries: ratelimit.DefaultMaxRetries,
			Burst:      1,
		},
		Fetch: FetchConfig{
			Workers:         conversation.DefaultWorkers,
			RequestTimeout:  Duration(2 * time.Minute),
			Order:           string(conversation.OrderAPI),
			Timezone:        "UTC",
			ResolveMentions: true,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (CONFIG_FILE or config.yaml when empty; a missing file is fine), then the
// environment, which may be seeded from a .env file.
func Load(path string) (*Config, error) {
	// a missing .env is normal outside development
	dotenv := godotenv.Load() == nil

	if path == "" {
		path = getEnvOrDefault("CONFIG_FILE", DefaultFile)
	}
	cfg := Default()
	cfg.DotEnv = dotenv
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	c.File = path
	return nil
}

// applyEnv overrides file values with any environment variables that are set.
func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = f
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = Duration(d)
		}
	}

	str("HOST", &c.Server.Address)
	num("PORT", &c.Server.Port)
	str("SLACK_API_URL", &c.Slack.APIURL)
	num("SLACK_PAGE_LIMIT", &c.Slack.PageLimit)
	dur("RATE_BASE_DELAY", &c.RateLimit.BaseDelay)
	dur("RATE_MAX_DELAY", &c.RateLimit.MaxDelay)
	num("RATE_MAX_RETRIES", &c.RateLimit.MaxRetries)
	float("RATE_RPS", &c.RateLimit.RPS)
	num("RATE_BURST", &c.RateLimit.Burst)
	num("FETCH_WORKERS", &c.Fetch.Workers)
	dur("FETCH_TIMEOUT", &c.Fetch.RequestTimeout)
	str("FETCH_ORDER", &c.Fetch.Order)
	str("FETCH_TIMEZONE", &c.Fetch.Timezone)
	boolean("FETCH_SKIP_BOTS", &c.Fetch.SkipBots)
	boolean("FETCH_RESOLVE_MENTIONS", &c.Fetch.ResolveMentions)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("SIGNING_SECRET", &c.Security.SigningSecret)
	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Slack.APIURL != "" && !strings.HasSuffix(c.Slack.APIURL, "/") {
		errs = append(errs, fmt.Errorf("slack.api_url must end with a slash: %q", c.Slack.APIURL))
	}
	if c.Slack.PageLimit <= 0 || c.Slack.PageLimit > 1000 {
		errs = append(errs, fmt.Errorf("slack.page_limit %d out of range", c.Slack.PageLimit))
	}
	if c.RateLimit.BaseDelay <= 0 {
		errs = append(errs, errors.New("rate_limit.base_delay must be positive"))
	}
	if c.RateLimit.MaxDelay < c.RateLimit.BaseDelay {
		errs = append(errs, errors.New("rate_limit.max_delay must not be below base_delay"))
	}
	if c.RateLimit.MaxRetries <= 0 {
		errs = append(errs, errors.New("rate_limit.max_retries must be positive"))
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit.rps and burst must not be negative"))
	}
	if c.Fetch.Workers <= 0 {
		errs = append(errs, errors.New("fetch.workers must be positive"))
	}
	if c.Fetch.RequestTimeout <= 0 {
		errs = append(errs, errors.New("fetch.request_timeout must be positive"))
	}
	if _, err := conversation.ParseOrder(c.Fetch.Order); err != nil {
		errs = append(errs, fmt.Errorf("fetch.order: %w", err))
	}
	if _, err := time.LoadLocation(c.Fetch.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("fetch.timezone: %w", err))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	return errors.Join(errs...)
}

// Addr returns host:port for the HTTP listener.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Address, c.Server.Port)
}

func (c *Config) Policy() ratelimit.Policy {
	return ratelimit.Policy{
		Base:       c.RateLimit.BaseDelay.Duration(),
		Max:        c.RateLimit.MaxDelay.Duration(),
		MaxRetries: c.RateLimit.MaxRetries,
	}
}

// FetchOptions converts the fetch section for the assembler. Validate must
// have succeeded.
func (c *Config) FetchOptions() conversation.Options {
	order, _ := conversation.ParseOrder(c.Fetch.Order)
	loc, err := time.LoadLocation(c.Fetch.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return conversation.Options{
		Workers:         c.Fetch.Workers,
		Timeout:         c.Fetch.RequestTimeout.Duration(),
		Order:           order,
		Location:        loc,
		SkipBots:        c.Fetch.SkipBots,
		ResolveMentions: c.Fetch.ResolveMentions,
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
