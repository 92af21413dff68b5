package config

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/brandon/omnicom/pkg/types"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	want := SyncConfig{
		Concurrency: 4,
		Interval:    15 * time.Second,
		MaxInterval: 15 * time.Minute,
		Timeout:     30 * time.Second,
		Tick:        time.Second,
	}
	if diff := cmp.Diff(want, cfg.Sync); diff != "" {
		t.Errorf("sync defaults (-want +got):\n%s", diff)
	}
	if cfg.CacheDSN != "file:/data/omnicom.db" || cfg.SummaryThreshold != 2 || cfg.SummaryTimeout != 10*time.Second || len(cfg.Accounts) != 0 {
		t.Errorf("config = %+v", cfg)
	}
	outlook := cfg.Provider(types.ProviderOutlook)
	if outlook.IMAP.Host != "outlook.office365.com" || outlook.SMTP.Security != "starttls" {
		t.Errorf("outlook endpoints = %+v", outlook)
	}
	if gm := cfg.Provider(types.ProviderGmail); gm.IMAP.Host != "" {
		t.Errorf("gmail has mail servers: %+v", gm)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("CACHE_DSN", "postgres://localhost/omnicom")
	t.Setenv("SYNC_INTERVAL", "45")
	t.Setenv("SYNC_TIMEOUT", "1m")
	t.Setenv("TELEGRAM_SYNC_INTERVAL", "5s")
	t.Setenv("TELEGRAM_BRIDGE_URL", "http://bridge:8080")
	t.Setenv("PROTON_IMAP_PORT", "1993")
	t.Setenv("PROTON_IMAP_SECURITY", "STARTTLS")
	t.Setenv("GMAIL_RATE_QPS", "50.5")
	t.Setenv("ACCOUNT_1_NAME", "work")
	t.Setenv("ACCOUNT_1_PROVIDER", "Gmail")
	t.Setenv("ACCOUNT_1_AUTH", "env:WORK")
	t.Setenv("ACCOUNT_2_NAME", "phone")
	t.Setenv("ACCOUNT_2_PROVIDER", "telegram")
	t.Setenv("ACCOUNT_2_AUTH", "file:phone")
	t.Setenv("ACCOUNT_4_NAME", "skipped")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Sync.Interval != 45*time.Second || cfg.Sync.Timeout != time.Minute || cfg.GmailRateQPS != 50.5 {
		t.Errorf("sync = %+v, gmail qps = %v", cfg.Sync, cfg.GmailRateQPS)
	}
	tg := cfg.Provider(types.ProviderTelegram)
	if tg.SyncInterval != 5*time.Second || tg.BridgeURL != "http://bridge:8080" {
		t.Errorf("telegram = %+v", tg)
	}
	proton := cfg.Provider(types.ProviderProton)
	if proton.IMAP.Port != 1993 || proton.IMAP.Security != "starttls" || proton.SMTP.Port != 1025 {
		t.Errorf("proton = %+v", proton)
	}
	want := []AccountConfig{
		{Name: "work", Provider: types.ProviderGmail, AuthHandle: "env:WORK"},
		{Name: "phone", Provider: types.ProviderTelegram, AuthHandle: "file:phone"},
	}
	if diff := cmp.Diff(want, cfg.Accounts); diff != "" {
		t.Errorf("accounts (-want +got):\n%s", diff)
	}
}

func TestLoadConfigBadAccount(t *testing.T) {
	t.Setenv("ACCOUNT_1_NAME", "x")
	t.Setenv("ACCOUNT_1_PROVIDER", "pager")
	t.Setenv("ACCOUNT_1_AUTH", "env:X")
	if _, err := LoadConfig(); err == nil || !strings.Contains(err.Error(), "unknown provider") {
		t.Errorf("LoadConfig() = %v, want unknown provider", err)
	}

	t.Setenv("ACCOUNT_1_PROVIDER", "sms")
	t.Setenv("ACCOUNT_1_AUTH", "")
	if _, err := LoadConfig(); err == nil || !strings.Contains(err.Error(), "AUTH is required") {
		t.Errorf("LoadConfig() = %v, want missing AUTH", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig()
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"search limit", func(c *Config) { c.SearchResultLimit = 0 }, "SEARCH_RESULT_LIMIT"},
		{"concurrency", func(c *Config) { c.Sync.Concurrency = 0 }, "SYNC_CONCURRENCY"},
		{"summary timeout", func(c *Config) { c.SummaryTimeout = 0 }, "SUMMARY_TIMEOUT"},
		{"max interval", func(c *Config) { c.Sync.MaxInterval = time.Second }, "SYNC_MAX_INTERVAL"},
		{"security", func(c *Config) {
			pc := c.Providers[types.ProviderOutlook]
			pc.IMAP.Security = "ssl"
			c.Providers[types.ProviderOutlook] = pc
		}, "OUTLOOK_IMAP_SECURITY"},
		{"port", func(c *Config) {
			pc := c.Providers[types.ProviderProton]
			pc.SMTP.Port = 70000
			c.Providers[types.ProviderProton] = pc
		}, "PROTON_SMTP_PORT"},
		{"bridge missing", func(c *Config) {
			c.Accounts = []AccountConfig{{Name: "chat", Provider: types.ProviderWhatsApp, AuthHandle: "env:W"}}
		}, "WHATSAPP_BRIDGE_URL"},
		{"duplicate", func(c *Config) {
			acc := AccountConfig{Name: "mail", Provider: types.ProviderOutlook, AuthHandle: "env:O"}
			c.Accounts = []AccountConfig{acc, acc}
		}, "configured twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %s", err, tt.want)
			}
		})
	}
}
