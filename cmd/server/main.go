package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/brandon/omnicom/internal/cache"
	"github.com/brandon/omnicom/internal/chat"
	"github.com/brandon/omnicom/internal/config"
	"github.com/brandon/omnicom/internal/credentials"
	"github.com/brandon/omnicom/internal/email"
	"github.com/brandon/omnicom/internal/gmail"
	"github.com/brandon/omnicom/internal/inbox"
	"github.com/brandon/omnicom/internal/mcp"
	"github.com/brandon/omnicom/internal/outbound"
	"github.com/brandon/omnicom/internal/provider"
	"github.com/brandon/omnicom/internal/scheduler"
	"github.com/brandon/omnicom/internal/store"
	"github.com/brandon/omnicom/internal/summary"
	"github.com/brandon/omnicom/internal/tools"
	"github.com/brandon/omnicom/internal/tracehttp"
	"github.com/brandon/omnicom/pkg/types"
)

var (
	version     = "dev"
	showVersion = flag.Bool("version", false, "Show version information")
	trace       = flag.Bool("trace", false, "Log every provider HTTP round trip")
	envFile     = flag.String("env", ".env", "Environment file to load before reading configuration")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("omnicom version %s\n", version)
		os.Exit(0)
	}

	// A missing env file is fine; the process environment still applies.
	_ = godotenv.Load(*envFile)

	// Stdout carries the MCP stream, so logs go to stderr.
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stderr)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	if *trace {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	logger.WithField("version", version).Info("Starting omnicom")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server error")
	}
	logger.Info("Shutting down omnicom")
}

func run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	// Credentials
	var fileStore *credentials.FileStore
	creds := credentials.Chain{}
	if cfg.CredentialsFile != "" {
		fs, err := credentials.NewFileStore(cfg.CredentialsFile, logger)
		if err != nil {
			return fmt.Errorf("failed to load credentials: %w", err)
		}
		fileStore = fs
		creds = append(creds, fs)
	}
	creds = append(creds, credentials.EnvStore{})

	var transport http.RoundTripper = http.DefaultTransport
	if *trace {
		transport = tracehttp.Wrap(transport, logger)
	}

	// Persistent cache behind the in-memory store
	db, err := cache.NewCache(cfg.CacheDSN, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer db.Close()
	cacheStore := cache.NewStore(db, logger)

	st := store.New(logger, store.WithPersister(cacheStore))
	if err := st.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore cached data: %w", err)
	}

	// The chat notifiers need the scheduler, which needs the registry.
	var sched *scheduler.Scheduler
	adapters := provider.NewRegistry(logger)
	defer func() {
		if err := adapters.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close provider adapters")
		}
	}()
	if err := registerProviders(cfg, adapters, creds, transport, func(accountID string) {
		if err := sched.SyncNow(accountID); err != nil {
			logger.WithError(err).WithField("account", accountID).Debug("Push-triggered sync skipped")
		}
	}, logger); err != nil {
		return err
	}

	sched = scheduler.New(schedulerConfig(cfg), st, adapters, logger)
	timeout := func(kind types.ProviderKind) time.Duration { return sched.Policy(kind).Timeout }
	dispatcher := outbound.NewDispatcher(st, adapters, timeout, logger)

	var summarizer summary.Summarizer = summary.Disabled{}
	if cfg.SummaryURL != "" {
		summarizer = summary.NewClient(cfg.SummaryURL, &http.Client{Transport: transport, Timeout: cfg.SummaryTimeout}, logger)
	}

	mgr, err := inbox.NewManager(inbox.Components{
		Store:      st,
		Scheduler:  sched,
		Adapters:   adapters,
		Outbound:   dispatcher,
		Summarizer: summarizer,
		Search:     cacheStore,
	}, inbox.Config{
		SummaryThreshold: cfg.SummaryThreshold,
		SummaryCacheSize: cfg.SummaryCacheSize,
		SummaryTimeout:   cfg.SummaryTimeout,
		SearchLimit:      cfg.SearchResultLimit,
		Timeout:          timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create inbox manager: %w", err)
	}
	defer mgr.Close()

	linkConfiguredAccounts(ctx, cfg, st, mgr, logger)

	registry, err := tools.NewRegistry(mgr, logger)
	if err != nil {
		return fmt.Errorf("failed to create tool registry: %w", err)
	}
	server := mcp.NewServer(registry, version, logger)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	if fileStore != nil {
		g.Go(func() error { return fileStore.Watch(gctx) })
	}
	g.Go(func() error {
		// The client closing stdin ends the session.
		defer cancel()
		return server.Run(gctx)
	})
	return g.Wait()
}

func registerProviders(cfg *config.Config, adapters *provider.Registry, creds credentials.Store, transport http.RoundTripper, onChange func(string), logger *logrus.Logger) error {
	for _, kind := range types.AllProviders() {
		pc := cfg.Provider(kind)
		switch {
		case kind == types.ProviderGmail:
			adapters.Register(kind, gmail.NewFactory(gmail.Options{
				QPS:       cfg.GmailRateQPS,
				Transport: transport,
			}, creds, logger))

		case pc.IMAP.Host != "":
			servers, err := mailServers(pc)
			if err != nil {
				return fmt.Errorf("%s: %w", kind, err)
			}
			adapters.Register(kind, email.NewFactory(servers, creds, logger))

		case pc.BridgeURL != "":
			adapters.Register(kind, chat.NewFactory(chat.Options{
				BaseURL:   pc.BridgeURL,
				QPS:       cfg.BridgeRateQPS,
				Transport: transport,
				OnChange:  onChange,
			}, creds, logger))

		default:
			logger.WithField("provider", kind).Debug("No endpoint configured, provider disabled")
		}
	}
	return nil
}

func mailServers(pc config.ProviderConfig) (email.Servers, error) {
	imapSec, err := email.ParseSecurity(pc.IMAP.Security)
	if err != nil {
		return email.Servers{}, err
	}
	smtpSec, err := email.ParseSecurity(pc.SMTP.Security)
	if err != nil {
		return email.Servers{}, err
	}
	return email.Servers{
		IMAP: email.Endpoint{Host: pc.IMAP.Host, Port: pc.IMAP.Port, Security: imapSec},
		SMTP: email.Endpoint{Host: pc.SMTP.Host, Port: pc.SMTP.Port, Security: smtpSec},
	}, nil
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	sc := scheduler.Config{
		Concurrency: cfg.Sync.Concurrency,
		Tick:        cfg.Sync.Tick,
		Default: scheduler.Policy{
			Interval:    cfg.Sync.Interval,
			MaxInterval: cfg.Sync.MaxInterval,
			Timeout:     cfg.Sync.Timeout,
		},
		PerKind: make(map[types.ProviderKind]scheduler.Policy),
	}
	for kind, pc := range cfg.Providers {
		if pc.SyncInterval == 0 && pc.SyncTimeout == 0 {
			continue
		}
		sc.PerKind[kind] = scheduler.Policy{Interval: pc.SyncInterval, Timeout: pc.SyncTimeout}
	}
	return sc
}

// linkConfiguredAccounts links every configured account that the cache does
// not already hold. Accounts match on provider and display name.
func linkConfiguredAccounts(ctx context.Context, cfg *config.Config, st *store.Store, mgr *inbox.Manager, logger *logrus.Logger) {
	existing := make(map[string]types.Account)
	for _, acc := range st.Snapshot().Accounts() {
		existing[string(acc.Kind)+"/"+acc.DisplayName] = acc
	}

	for _, ac := range cfg.Accounts {
		log := logger.WithFields(logrus.Fields{"account": ac.Name, "provider": ac.Provider})
		acc, ok := existing[string(ac.Provider)+"/"+ac.Name]
		switch {
		case !ok:
			if _, err := mgr.LinkAccount(ctx, ac.Provider, ac.Name, ac.AuthHandle); err != nil {
				log.WithError(err).Warn("Failed to link configured account")
			}
		case acc.AuthHandle != ac.AuthHandle:
			if _, err := mgr.Reactivate(ctx, acc.ID, ac.AuthHandle); err != nil {
				log.WithError(err).Warn("Failed to update account credentials")
			}
		default:
			log.Debug("Account already linked")
		}
	}
}
