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
)

// Default configuration values
const (
	DefaultHTTPAddr    = ":8080"
	DefaultDatabaseURL = "host=localhost user=user password=password dbname=senvodb port=5432 sslmode=disable"
	DefaultRedisAddr   = "localhost:6380"
	DefaultFeed        = FeedRedis
	DefaultSessionTTL  = 12 * time.Hour
	DefaultMediaDir    = "./media"
	DefaultMediaURL    = "/media"

	DefaultHeartbeat         = 10 * time.Second
	DefaultStaleAfter        = 30 * time.Second
	DefaultMatchedStaleAfter = 2 * time.Minute
	DefaultDataRetention     = 24 * time.Hour
	DefaultReapInterval      = 15 * time.Second

	DefaultOfferDelay         = time.Second
	DefaultNegotiationTimeout = 30 * time.Second
	DefaultMaxICERestarts     = 3

	devSessionSecret = "senvo-dev-secret"
)

// Change feed backends
const (
	FeedRedis    = "redis"
	FeedPostgres = "postgres"
	FeedMemory   = "memory"
)

// DefaultSTUNServers are the public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// Config holds application configuration
type Config struct {
	HTTPAddr    string
	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Feed selects how row changes reach subscribers.
	Feed string

	SessionSecret  string
	SessionTTL     time.Duration
	AllowedOrigins []string

	// MediaDir holds uploaded chat media, served under MediaURL.
	MediaDir string
	MediaURL string
	// PublicBaseURL is the externally reachable origin of this server.
	PublicBaseURL string

	TelegramToken string
	LocalesDir    string
	LogLevel      string

	Match       MatchConfig
	Negotiation NegotiationConfig
	ICEServers  []ICEServer
}

// MatchConfig holds queue timing. A zero MaxWait waits forever.
type MatchConfig struct {
	MaxWait           time.Duration
	Heartbeat         time.Duration
	StaleAfter        time.Duration
	MatchedStaleAfter time.Duration
	DataRetention     time.Duration
	ReapInterval      time.Duration
}

type NegotiationConfig struct {
	OfferDelay     time.Duration
	Timeout        time.Duration
	MaxICERestarts int
}

// ICEServer mirrors one entry of the ICE server file.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

type iceFile struct {
	ICEServers []ICEServer `yaml:"ice_servers"`
}

// Options for loading config with CLI flag overrides
type Options struct {
	EnvFile     string
	HTTPAddr    string
	DatabaseURL string
	RedisAddr   string
	Feed        string
	ICEFile     string
	LogLevel    string
}

// Load reads configuration with the following priority:
// 1. CLI flags (passed via Options) - highest priority
// 2. Environment variables
// 3. The .env file (never overrides variables already set)
// 4. Hardcoded defaults - lowest priority
func Load(opts Options) (*Config, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	r := &reader{}
	cfg := &Config{
		HTTPAddr:      pick(opts.HTTPAddr, os.Getenv("HTTP_ADDR"), DefaultHTTPAddr),
		DatabaseURL:   pick(opts.DatabaseURL, os.Getenv("DATABASE_URL"), DefaultDatabaseURL),
		RedisAddr:     pick(opts.RedisAddr, os.Getenv("REDIS_ADDR"), DefaultRedisAddr),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       r.int("REDIS_DB", 0),
		Feed:          pick(opts.Feed, os.Getenv("FEED_BACKEND"), DefaultFeed),
		SessionSecret: os.Getenv("SESSION_SECRET"),
		SessionTTL:    r.duration("SESSION_TTL", DefaultSessionTTL),
		MediaDir:      pick(os.Getenv("MEDIA_DIR"), DefaultMediaDir),
		MediaURL:      pick(os.Getenv("MEDIA_BASE_URL"), DefaultMediaURL),
		PublicBaseURL: os.Getenv("PUBLIC_BASE_URL"),
		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		LocalesDir:    os.Getenv("LOCALES_DIR"),
		LogLevel:      pick(opts.LogLevel, os.Getenv("LOG_LEVEL"), "info"),
		Match: MatchConfig{
			MaxWait:           r.duration("MATCH_MAX_WAIT", 0),
			Heartbeat:         r.duration("MATCH_HEARTBEAT", DefaultHeartbeat),
			StaleAfter:        r.duration("MATCH_STALE_AFTER", DefaultStaleAfter),
			MatchedStaleAfter: r.duration("MATCH_MATCHED_STALE_AFTER", DefaultMatchedStaleAfter),
			DataRetention:     r.duration("DATA_RETENTION", DefaultDataRetention),
			ReapInterval:      r.duration("REAP_INTERVAL", DefaultReapInterval),
		},
		Negotiation: NegotiationConfig{
			OfferDelay:     r.duration("OFFER_DELAY", DefaultOfferDelay),
			Timeout:        r.duration("NEGOTIATION_TIMEOUT", DefaultNegotiationTimeout),
			MaxICERestarts: r.int("MAX_ICE_RESTARTS", DefaultMaxICERestarts),
		},
	}
	if r.err != nil {
		return nil, r.err
	}

	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}
	if cfg.SessionSecret == "" {
		cfg.SessionSecret = devSessionSecret
	}

	iceFile := pick(opts.ICEFile, os.Getenv("ICE_CONFIG_FILE"), "")
	if iceFile != "" {
		servers, err := LoadICEServers(iceFile)
		if err != nil {
			return nil, err
		}
		cfg.ICEServers = servers
	} else {
		stun := DefaultSTUNServers
		if v := os.Getenv("STUN_SERVERS"); v != "" {
			stun = splitList(v)
		}
		cfg.ICEServers = []ICEServer{{URLs: stun}}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadICEServers reads a YAML file with an ice_servers list.
func LoadICEServers(path string) ([]ICEServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ice config: %w", err)
	}
	var f iceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse ice config %s: %w", path, err)
	}
	if len(f.ICEServers) == 0 {
		return nil, fmt.Errorf("ice config %s: no ice_servers", path)
	}
	return f.ICEServers, nil
}

// Validate checks values that would make the matcher misbehave.
func (c *Config) Validate() error {
	switch c.Feed {
	case FeedRedis, FeedPostgres, FeedMemory:
	default:
		return fmt.Errorf("unknown feed backend %q", c.Feed)
	}
	if c.Match.Heartbeat <= 0 {
		return errors.New("match heartbeat must be positive")
	}
	if c.Match.StaleAfter <= c.Match.Heartbeat {
		return fmt.Errorf("stale threshold %s must exceed heartbeat %s", c.Match.StaleAfter, c.Match.Heartbeat)
	}
	if c.Match.MatchedStaleAfter <= c.Match.Heartbeat {
		return fmt.Errorf("matched stale threshold %s must exceed heartbeat %s", c.Match.MatchedStaleAfter, c.Match.Heartbeat)
	}
	if c.Match.MaxWait < 0 || c.Negotiation.OfferDelay < 0 || c.Negotiation.Timeout < 0 {
		return errors.New("durations must not be negative")
	}
	if c.Negotiation.MaxICERestarts < 0 {
		return errors.New("max ice restarts must not be negative")
	}
	return nil
}

// UsingDevSecret reports whether tokens are signed with the built-in secret.
func (c *Config) UsingDevSecret() bool {
	return c.SessionSecret == devSessionSecret
}

func pick(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// reader keeps the first parse error so Load can report it once.
type reader struct {
	err error
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		if r.err == nil {
			r.err = fmt.Errorf("%s: %w", key, err)
		}
		return def
	}
	return d
}

func (r *reader) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		if r.err == nil {
			r.err = fmt.Errorf("%s: %w", key, err)
		}
		return def
	}
	return n
}
