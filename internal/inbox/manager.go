// Package inbox is the client-facing API over the store, scheduler and
// outbound dispatcher.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/brandon/omnicom/internal/cache"
	"github.com/brandon/omnicom/internal/outbound"
	"github.com/brandon/omnicom/internal/provider"
	"github.com/brandon/omnicom/internal/query"
	"github.com/brandon/omnicom/internal/store"
	"github.com/brandon/omnicom/internal/summary"
	"github.com/brandon/omnicom/pkg/types"
)

// ErrUnsupportedProvider is returned when linking a kind no adapter serves
var ErrUnsupportedProvider = errors.New("no adapter configured for provider")

// Syncer is the part of the scheduler the manager drives
type Syncer interface {
	SyncNow(accountID string) error
	Reset(accountID string)
	Forget(accountID string)
}

// AdapterSource opens and releases per-account adapters
type AdapterSource interface {
	Adapter(ctx context.Context, acc types.Account) (provider.Adapter, error)
	Supports(kind types.ProviderKind) bool
	Release(accountID string) error
}

// Searcher finds messages in a persistent full-text index
type Searcher interface {
	Search(ctx context.Context, opts cache.SearchOptions) ([]cache.Hit, error)
}

// Components are the collaborators of a Manager. Search and Summarizer
// are optional.
type Components struct {
	Store      *store.Store
	Scheduler  Syncer
	Adapters   AdapterSource
	Outbound   *outbound.Dispatcher
	Summarizer summary.Summarizer
	Search     Searcher
}

// Config tunes a Manager
type Config struct {
	// SummaryThreshold is the message count above which a summary is
	// requested. Zero disables summaries.
	SummaryThreshold int
	SummaryCacheSize int
	// SummaryTimeout bounds one summarization call; a slow service yields
	// a detail without summary.
	SummaryTimeout time.Duration
	SearchLimit    int
	// Timeout bounds provider round trips made on behalf of a request.
	Timeout outbound.TimeoutFunc
}

// Manager serves every client operation
type Manager struct {
	store      *store.Store
	scheduler  Syncer
	adapters   AdapterSource
	outbound   *outbound.Dispatcher
	summarizer summary.Summarizer
	search     Searcher
	summaries  *lru.Cache[string, string]
	cfg        Config
	logger     *logrus.Logger

	// pending tracks fire-and-forget provider calls.
	pending sync.WaitGroup
}

// NewManager creates a manager
func NewManager(c Components, cfg Config, logger *logrus.Logger) (*Manager, error) {
	if c.Store == nil || c.Scheduler == nil || c.Adapters == nil || c.Outbound == nil {
		return nil, errors.New("inbox manager needs a store, scheduler, adapters and dispatcher")
	}
	if c.Summarizer == nil {
		c.Summarizer = summary.Disabled{}
	}
	if cfg.SummaryCacheSize <= 0 {
		cfg.SummaryCacheSize = 256
	}
	if cfg.SummaryTimeout <= 0 {
		cfg.SummaryTimeout = 10 * time.Second
	}
	if cfg.SearchLimit <= 0 {
		cfg.SearchLimit = 50
	}
	if cfg.Timeout == nil {
		cfg.Timeout = func(types.ProviderKind) time.Duration { return 30 * time.Second }
	}
	summaries, err := lru.New[string, string](cfg.SummaryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create summary cache: %w", err)
	}
	return &Manager{
		store:      c.Store,
		scheduler:  c.Scheduler,
		adapters:   c.Adapters,
		outbound:   c.Outbound,
		summarizer: c.Summarizer,
		search:     c.Search,
		summaries:  summaries,
		cfg:        cfg,
		logger:     logger,
	}, nil
}

// ListAccounts returns every linked account
func (m *Manager) ListAccounts() []types.Account {
	return m.store.Snapshot().Accounts()
}

// ListThreads returns the threads of a tab matching q, most recent first
func (m *Manager) ListThreads(tab types.Tab, q string, limit int) []types.Thread {
	return query.List(m.store.Snapshot(), query.Filter{Tab: tab, Query: q, Limit: limit})
}

// Badges returns the unread total of every tab
func (m *Manager) Badges() types.Badges {
	return m.store.Snapshot().Badges()
}

// GetThread returns a thread with its messages. Long threads carry a
// summary when the summarization service answers.
func (m *Manager) GetThread(ctx context.Context, threadID string) (types.ThreadDetail, error) {
	detail, ok := m.store.Snapshot().Thread(threadID)
	if !ok {
		return types.ThreadDetail{}, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	if m.cfg.SummaryThreshold <= 0 || len(detail.Messages) <= m.cfg.SummaryThreshold {
		return detail, nil
	}

	key := summaryKey(detail)
	if text, ok := m.summaries.Get(key); ok {
		detail.Summary = text
		return detail, nil
	}
	sctx, cancel := context.WithTimeout(ctx, m.cfg.SummaryTimeout)
	defer cancel()
	text, err := m.summarizer.Summarize(sctx, detail.Messages)
	if err != nil {
		m.logger.WithError(err).WithField("thread", threadID).Debug("Summary unavailable")
		return detail, nil
	}
	m.summaries.Add(key, text)
	detail.Summary = text
	return detail, nil
}

// summaryKey changes whenever a message is added to the thread
func summaryKey(d types.ThreadDetail) string {
	last := d.Messages[len(d.Messages)-1]
	return d.Thread.ID + "|" + strconv.Itoa(len(d.Messages)) + "|" + last.ID
}

// Send posts a reply to a thread
func (m *Manager) Send(ctx context.Context, threadID, body string) (types.Message, error) {
	return m.outbound.Send(ctx, threadID, body)
}

// Resend sends a failed outbound message again
func (m *Manager) Resend(ctx context.Context, threadID, messageID string) (types.Message, error) {
	return m.outbound.Resend(ctx, threadID, messageID)
}

// MarkRead marks a thread read locally, then tells the provider in the
// background. Provider failures are logged and not retried.
func (m *Manager) MarkRead(ctx context.Context, threadID string) (types.Thread, error) {
	res, err := m.store.MarkThreadRead(ctx, threadID)
	if err != nil {
		return types.Thread{}, err
	}
	if len(res.ProviderMessageIDs) == 0 || res.Account.Status != types.AccountActive {
		return res.Thread, nil
	}

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		m.reportRead(context.WithoutCancel(ctx), res)
	}()
	return res.Thread, nil
}

func (m *Manager) reportRead(ctx context.Context, res store.ReadResult) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout(res.Account.Kind))
	defer cancel()

	log := m.logger.WithFields(logrus.Fields{
		"account":  res.Account.ID,
		"thread":   res.Thread.ID,
		"messages": len(res.ProviderMessageIDs),
	})
	adapter, err := m.adapters.Adapter(ctx, res.Account)
	if err == nil {
		err = adapter.MarkRead(ctx, res.Thread.ProviderThreadID, res.ProviderMessageIDs)
	}
	if err != nil {
		log.WithError(err).WithField("kind", provider.KindOf(err)).Warn("Failed to mark read at provider")
		return
	}
	log.Debug("Marked read at provider")
}

// LinkAccount adds an account and schedules its first sync
func (m *Manager) LinkAccount(ctx context.Context, kind types.ProviderKind, name, authHandle string) (types.Account, error) {
	if !kind.Valid() {
		return types.Account{}, fmt.Errorf("unknown provider: %q", kind)
	}
	if !m.adapters.Supports(kind) {
		return types.Account{}, fmt.Errorf("%s: %w", kind, ErrUnsupportedProvider)
	}
	acc, err := m.store.LinkAccount(ctx, types.Account{
		Kind:        kind,
		DisplayName: name,
		AuthHandle:  authHandle,
	})
	if err != nil {
		return types.Account{}, err
	}
	if err := m.scheduler.SyncNow(acc.ID); err != nil {
		m.logger.WithError(err).WithField("account", acc.ID).Warn("Failed to schedule first sync")
	}
	return acc, nil
}

// UnlinkAccount stops syncing an account and removes everything it owns
func (m *Manager) UnlinkAccount(ctx context.Context, accountID string) error {
	if _, ok := m.store.Snapshot().Account(accountID); !ok {
		return fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
	}
	// Remove the account first so no scheduler tick can reopen its adapter.
	if err := m.store.UnlinkAccount(ctx, accountID); err != nil {
		return err
	}
	m.scheduler.Forget(accountID)
	if err := m.adapters.Release(accountID); err != nil {
		m.logger.WithError(err).WithField("account", accountID).Warn("Failed to close adapter")
	}
	return nil
}

// SyncNow requests an immediate sync of an account
func (m *Manager) SyncNow(accountID string) error {
	return m.scheduler.SyncNow(accountID)
}

// Reactivate returns an account to rotation, optionally with a new auth
// handle, and syncs it right away
func (m *Manager) Reactivate(ctx context.Context, accountID, authHandle string) (types.Account, error) {
	// The open adapter still holds the old handle.
	if err := m.adapters.Release(accountID); err != nil {
		m.logger.WithError(err).WithField("account", accountID).Warn("Failed to close adapter")
	}
	acc, err := m.store.Reactivate(ctx, accountID, authHandle)
	if err != nil {
		return types.Account{}, err
	}
	m.scheduler.Reset(accountID)
	if err := m.scheduler.SyncNow(accountID); err != nil {
		m.logger.WithError(err).WithField("account", accountID).Warn("Failed to schedule sync")
	}
	return acc, nil
}

// SearchMessages finds messages by body or sender, newest first. The
// persistent index is used when configured; results always reflect the
// current snapshot.
func (m *Manager) SearchMessages(ctx context.Context, q string, limit int) ([]query.MessageHit, error) {
	if limit <= 0 || limit > m.cfg.SearchLimit {
		limit = m.cfg.SearchLimit
	}
	snap := m.store.Snapshot()
	if m.search == nil {
		return query.SearchMessages(snap, q, limit), nil
	}

	hits, err := m.search.Search(ctx, cache.SearchOptions{Query: q, Limit: limit})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.logger.WithError(err).Warn("Index search failed, scanning snapshot")
		return query.SearchMessages(snap, q, limit), nil
	}

	threads := make(map[string]types.ThreadDetail)
	out := make([]query.MessageHit, 0, len(hits))
	for _, h := range hits {
		detail, ok := threads[h.ThreadID]
		if !ok {
			if detail, ok = snap.Thread(h.ThreadID); !ok {
				continue
			}
			threads[h.ThreadID] = detail
		}
		for _, msg := range detail.Messages {
			if msg.ID == h.MessageID {
				out = append(out, query.MessageHit{Thread: detail.Thread, Message: msg})
				break
			}
		}
	}
	return out, nil
}

// Close waits for background provider calls to finish
func (m *Manager) Close() {
	m.pending.Wait()
}
