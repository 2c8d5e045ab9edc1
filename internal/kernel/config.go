package kernel

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ScrapeProfile bundles the §4.6 scraper tunables under a named preset
// (Design Note: "Scraping config selection ... is a compile-time or
// startup-time configuration blob ... not three mutually exclusive code
// paths").
type ScrapeProfile struct {
	MaxScrapesPerDay       int           `yaml:"maxScrapesPerDay"`
	CooldownBetweenScrapes time.Duration `yaml:"cooldownBetweenScrapes"`
	MinDelayBetweenGroups  time.Duration `yaml:"minDelayBetweenGroups"`
	MaxDelayBetweenGroups  time.Duration `yaml:"maxDelayBetweenGroups"`
	ContactsPerBatch       int           `yaml:"contactsPerBatch"`
	BatchSaveDelay         time.Duration `yaml:"batchSaveDelay"`
	MaxContactsPerScrape   int           `yaml:"maxContactsPerScrape"`
}

// RateLimitConfig mirrors the option table in spec §4.5.
type RateLimitConfig struct {
	MessagesPerMinute     int           `yaml:"messagesPerMinute"`
	MessagesPerHour       int           `yaml:"messagesPerHour"`
	MessagesPerDay        int           `yaml:"messagesPerDay"`
	MinDelay              time.Duration `yaml:"minDelay"`
	MaxDelay              time.Duration `yaml:"maxDelay"`
	CooldownAfterMessages int           `yaml:"cooldownAfterMessages"`
	CooldownDuration      time.Duration `yaml:"cooldownDuration"`
}

// BroadcastConfig holds the defaults named in spec §4.4.
type BroadcastConfig struct {
	DefaultBatchSize  int           `yaml:"defaultBatchSize"`
	DefaultBatchDelay time.Duration `yaml:"defaultBatchDelay"`
	MaxRecipients     int           `yaml:"maxRecipients"`
	ProgressEveryN    int           `yaml:"progressEveryN"`
}

// SessionConfig holds the §4.1 reconnection tunables.
type SessionConfig struct {
	BackoffBase      time.Duration `yaml:"backoffBase"`
	BackoffMax       time.Duration `yaml:"backoffMax"`
	MaxQuickAttempts int           `yaml:"maxQuickAttempts"`
	CoolOff          time.Duration `yaml:"coolOff"`
	QRTTL            time.Duration `yaml:"qrTTL"`
	ConnectTimeout   time.Duration `yaml:"connectTimeout"`
}

// Config is the gateway's full runtime configuration, loaded by
// internal/kernel.LoadConfig in three layers: YAML file, then .env, then the
// real process environment, each overriding the previous.
type Config struct {
	DatabaseDSN        string                   `yaml:"databaseDSN"`
	AIAPIKey           string                   `yaml:"aiAPIKey"`
	ShippingAPIKey     string                   `yaml:"shippingAPIKey"`
	CORSOrigins        []string                 `yaml:"corsOrigins"`
	SessionStoragePath string                   `yaml:"sessionStoragePath"`
	MediaStoragePath   string                   `yaml:"mediaStoragePath"`
	ListenAddr         string                   `yaml:"listenAddr"`
	ScrapeProfileName  string                   `yaml:"scrapeProfile"`
	ScrapeProfiles     map[string]ScrapeProfile `yaml:"scrapeProfiles"`
	RateLimit          RateLimitConfig          `yaml:"rateLimit"`
	Broadcast          BroadcastConfig          `yaml:"broadcast"`
	Session            SessionConfig            `yaml:"session"`
}

// DefaultConfig returns spec-default values (spec §4.1, §4.4, §4.5, §4.6).
func DefaultConfig() Config {
	return Config{
		ListenAddr:         ":8080",
		SessionStoragePath: "./data/sessions",
		MediaStoragePath:   "./data/media",
		ScrapeProfileName:  "balanced",
		ScrapeProfiles: map[string]ScrapeProfile{
			"safe": {
				MaxScrapesPerDay: 2, CooldownBetweenScrapes: 12 * time.Hour,
				MinDelayBetweenGroups: 8 * time.Second, MaxDelayBetweenGroups: 15 * time.Second,
				ContactsPerBatch: 25, BatchSaveDelay: 2 * time.Second, MaxContactsPerScrape: 2000,
			},
			"balanced": {
				MaxScrapesPerDay: 5, CooldownBetweenScrapes: 4 * time.Hour,
				MinDelayBetweenGroups: 5 * time.Second, MaxDelayBetweenGroups: 12 * time.Second,
				ContactsPerBatch: 50, BatchSaveDelay: 1 * time.Second, MaxContactsPerScrape: 5000,
			},
			"aggressive": {
				MaxScrapesPerDay: 10, CooldownBetweenScrapes: 1 * time.Hour,
				MinDelayBetweenGroups: 2 * time.Second, MaxDelayBetweenGroups: 5 * time.Second,
				ContactsPerBatch: 100, BatchSaveDelay: 500 * time.Millisecond, MaxContactsPerScrape: 20000,
			},
		},
		RateLimit: RateLimitConfig{
			MessagesPerMinute: 10, MessagesPerHour: 100, MessagesPerDay: 1000,
			MinDelay: 2 * time.Second, MaxDelay: 5 * time.Second,
			CooldownAfterMessages: 50, CooldownDuration: 5 * time.Minute,
		},
		Broadcast: BroadcastConfig{
			DefaultBatchSize: 20, DefaultBatchDelay: 60 * time.Second,
			MaxRecipients: 10000, ProgressEveryN: 5,
		},
		Session: SessionConfig{
			BackoffBase: 3 * time.Second, BackoffMax: 60 * time.Second,
			MaxQuickAttempts: 20, CoolOff: 2 * time.Minute,
			QRTTL: 60 * time.Second, ConnectTimeout: 60 * time.Second,
		},
	}
}

// ActiveScrapeProfile resolves the configured profile name, falling back to
// "balanced" if unset or unknown.
func (c Config) ActiveScrapeProfile() ScrapeProfile {
	if p, ok := c.ScrapeProfiles[c.ScrapeProfileName]; ok {
		return p
	}
	return c.ScrapeProfiles["balanced"]
}

// LoadConfig layers a YAML file (if it exists), a .env file (if it exists),
// and real environment variables on top of DefaultConfig.
func LoadConfig(yamlPath, envPath string) (Config, error) {
	cfg := DefaultConfig()

	if data, err := os.ReadFile(yamlPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	_ = godotenv.Load(envPath)

	if v := os.Getenv("GATEWAY_DATABASE_DSN"); v != "" {
		cfg.DatabaseDSN = v
	}
	if v := os.Getenv("GATEWAY_AI_API_KEY"); v != "" {
		cfg.AIAPIKey = v
	}
	if v := os.Getenv("GATEWAY_SHIPPING_API_KEY"); v != "" {
		cfg.ShippingAPIKey = v
	}
	if v := os.Getenv("GATEWAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("GATEWAY_SCRAPE_PROFILE"); v != "" {
		cfg.ScrapeProfileName = v
	}
	if v := os.Getenv("GATEWAY_RATE_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.MessagesPerHour = n
		}
	}
	if v := os.Getenv("GATEWAY_RATE_PER_DAY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.MessagesPerDay = n
		}
	}

	return cfg, nil
}
