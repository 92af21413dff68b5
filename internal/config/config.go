package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brandon/omnicom/pkg/types"
)

// Config holds the application configuration
type Config struct {
	// Cache settings
	CacheDSN          string
	SearchResultLimit int
	LogLevel          string

	// External collaborators
	CredentialsFile  string
	SummaryURL       string
	SummaryThreshold int
	SummaryCacheSize int
	SummaryTimeout   time.Duration

	// Client-side provider rate limits, in requests per second
	GmailRateQPS  float64
	BridgeRateQPS float64

	Sync      SyncConfig
	Providers map[types.ProviderKind]ProviderConfig

	// Accounts linked at startup. More can be linked at runtime.
	Accounts []AccountConfig
}

// SyncConfig holds scheduler defaults
type SyncConfig struct {
	Concurrency int
	Interval    time.Duration
	MaxInterval time.Duration
	Timeout     time.Duration
	Tick        time.Duration
}

// ProviderConfig holds per-kind overrides and endpoints. Zero durations
// fall back to the sync defaults.
type ProviderConfig struct {
	SyncInterval time.Duration
	SyncTimeout  time.Duration

	IMAP MailServer
	SMTP MailServer

	// BridgeURL is the HTTP bridge serving chat-style kinds.
	BridgeURL string
}

// MailServer is one IMAP or SMTP endpoint
type MailServer struct {
	Host     string
	Port     int
	Security string
}

// AccountConfig holds configuration for a single account
type AccountConfig struct {
	Name       string
	Provider   types.ProviderKind
	AuthHandle string
}

var mailDefaults = map[types.ProviderKind][2]MailServer{
	types.ProviderOutlook: {
		{Host: "outlook.office365.com", Port: 993, Security: "tls"},
		{Host: "smtp.office365.com", Port: 587, Security: "starttls"},
	},
	// Proton Bridge listens on localhost.
	types.ProviderProton: {
		{Host: "127.0.0.1", Port: 1143, Security: "plain"},
		{Host: "127.0.0.1", Port: 1025, Security: "plain"},
	},
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		CacheDSN:          getEnv("CACHE_DSN", "file:/data/omnicom.db"),
		SearchResultLimit: getEnvInt("SEARCH_RESULT_LIMIT", 100),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		CredentialsFile:   getEnv("CREDENTIALS_FILE", ""),
		SummaryURL:        getEnv("SUMMARY_URL", ""),
		SummaryThreshold:  getEnvInt("SUMMARY_THRESHOLD", 2),
		SummaryCacheSize:  getEnvInt("SUMMARY_CACHE_SIZE", 256),
		SummaryTimeout:    getEnvDuration("SUMMARY_TIMEOUT", 10*time.Second),
		GmailRateQPS:      getEnvFloat("GMAIL_RATE_QPS", 0),
		BridgeRateQPS:     getEnvFloat("BRIDGE_RATE_QPS", 10),
		Sync: SyncConfig{
			Concurrency: getEnvInt("SYNC_CONCURRENCY", 4),
			Interval:    getEnvDuration("SYNC_INTERVAL", 15*time.Second),
			MaxInterval: getEnvDuration("SYNC_MAX_INTERVAL", 15*time.Minute),
			Timeout:     getEnvDuration("SYNC_TIMEOUT", 30*time.Second),
			Tick:        getEnvDuration("SCHEDULER_TICK", time.Second),
		},
		Providers: make(map[types.ProviderKind]ProviderConfig),
	}

	for _, kind := range types.AllProviders() {
		cfg.Providers[kind] = loadProvider(kind)
	}

	accounts, err := loadAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	cfg.Accounts = accounts
	return cfg, nil
}

func loadProvider(kind types.ProviderKind) ProviderConfig {
	prefix := strings.ToUpper(string(kind)) + "_"
	pc := ProviderConfig{
		SyncInterval: getEnvDuration(prefix+"SYNC_INTERVAL", 0),
		SyncTimeout:  getEnvDuration(prefix+"SYNC_TIMEOUT", 0),
		BridgeURL:    getEnv(prefix+"BRIDGE_URL", ""),
	}
	if kind.Class() == types.ClassEmail && kind != types.ProviderGmail {
		def := mailDefaults[kind]
		pc.IMAP = MailServer{
			Host:     getEnv(prefix+"IMAP_HOST", def[0].Host),
			Port:     getEnvInt(prefix+"IMAP_PORT", def[0].Port),
			Security: strings.ToLower(getEnv(prefix+"IMAP_SECURITY", def[0].Security)),
		}
		pc.SMTP = MailServer{
			Host:     getEnv(prefix+"SMTP_HOST", def[1].Host),
			Port:     getEnvInt(prefix+"SMTP_PORT", def[1].Port),
			Security: strings.ToLower(getEnv(prefix+"SMTP_SECURITY", def[1].Security)),
		}
	}
	return pc
}

// loadAccounts reads ACCOUNT_1_*, ACCOUNT_2_*, ... until a number has no NAME
func loadAccounts() ([]AccountConfig, error) {
	var accounts []AccountConfig
	for num := 1; ; num++ {
		prefix := fmt.Sprintf("ACCOUNT_%d_", num)
		name := getEnv(prefix+"NAME", "")
		if name == "" {
			break
		}
		kind, err := types.ParseProviderKind(getEnv(prefix+"PROVIDER", ""))
		if err != nil {
			return nil, fmt.Errorf("account %d: %w", num, err)
		}
		auth := getEnv(prefix+"AUTH", "")
		if auth == "" {
			return nil, fmt.Errorf("account %d: AUTH is required", num)
		}
		accounts = append(accounts, AccountConfig{
			Name:       name,
			Provider:   kind,
			AuthHandle: auth,
		})
	}
	return accounts, nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an environment variable as an integer or returns a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// Provider returns the settings of one kind
func (c *Config) Provider(kind types.ProviderKind) ProviderConfig {
	return c.Providers[kind]
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.CacheDSN == "" {
		return fmt.Errorf("CACHE_DSN is required")
	}

	if c.SearchResultLimit < 1 || c.SearchResultLimit > 1000 {
		return fmt.Errorf("SEARCH_RESULT_LIMIT must be between 1 and 1000")
	}

	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("SYNC_CONCURRENCY must be at least 1")
	}
	if c.Sync.Interval <= 0 || c.Sync.Timeout <= 0 || c.Sync.Tick <= 0 {
		return fmt.Errorf("SYNC_INTERVAL, SYNC_TIMEOUT and SCHEDULER_TICK must be positive")
	}
	if c.Sync.MaxInterval < c.Sync.Interval {
		return fmt.Errorf("SYNC_MAX_INTERVAL must not be below SYNC_INTERVAL")
	}

	if c.SummaryThreshold < 0 {
		return fmt.Errorf("SUMMARY_THRESHOLD must not be negative")
	}
	if c.SummaryTimeout <= 0 {
		return fmt.Errorf("SUMMARY_TIMEOUT must be positive")
	}
	if c.GmailRateQPS < 0 || c.BridgeRateQPS < 0 {
		return fmt.Errorf("rate limits must not be negative")
	}

	for kind, pc := range c.Providers {
		name := strings.ToUpper(string(kind))
		for proto, srv := range map[string]MailServer{"IMAP": pc.IMAP, "SMTP": pc.SMTP} {
			if srv.Host == "" {
				continue
			}
			if srv.Port < 1 || srv.Port > 65535 {
				return fmt.Errorf("invalid %s_%s_PORT", name, proto)
			}
			switch srv.Security {
			case "", "tls", "starttls", "plain":
			default:
				return fmt.Errorf("%s_%s_SECURITY must be tls, starttls or plain", name, proto)
			}
		}
	}

	seen := make(map[string]bool)
	for _, acc := range c.Accounts {
		if seen[acc.Name] {
			return fmt.Errorf("account %s is configured twice", acc.Name)
		}
		seen[acc.Name] = true
		if acc.Provider.Class() == types.ClassEmail && acc.Provider != types.ProviderGmail {
			continue
		}
		if acc.Provider != types.ProviderGmail && c.Provider(acc.Provider).BridgeURL == "" {
			return fmt.Errorf("account %s: %s_BRIDGE_URL is required", acc.Name, strings.ToUpper(string(acc.Provider)))
		}
	}

	return nil
}

// AccountNames returns a list of all account names
func (c *Config) AccountNames() []string {
	names := make([]string, len(c.Accounts))
	for i := range c.Accounts {
		names[i] = c.Accounts[i].Name
	}
	return names
}
