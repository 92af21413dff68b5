package inbox

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/brandon/omnicom/internal/cache"
	"github.com/brandon/omnicom/internal/outbound"
	"github.com/brandon/omnicom/internal/provider"
	"github.com/brandon/omnicom/internal/store"
	"github.com/brandon/omnicom/internal/summary"
	"github.com/brandon/omnicom/pkg/types"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeAdapter struct {
	mu     sync.Mutex
	read   []string
	closed bool
}

func (a *fakeAdapter) FetchIncremental(ctx context.Context, cursor string) (provider.Batch, string, error) {
	return provider.Batch{}, cursor, nil
}

func (a *fakeAdapter) SendMessage(ctx context.Context, providerThreadID, body string) (string, error) {
	return "sent-" + body, nil
}

func (a *fakeAdapter) MarkRead(ctx context.Context, providerThreadID string, ids []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.read = append(a.read, ids...)
	return nil
}

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *fakeAdapter) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

type fakeScheduler struct {
	synced    []string
	reset     []string
	forgotten []string
	onForget  func(id string)
}

func (s *fakeScheduler) SyncNow(id string) error {
	s.synced = append(s.synced, id)
	return nil
}
func (s *fakeScheduler) Reset(id string)  { s.reset = append(s.reset, id) }
func (s *fakeScheduler) Forget(id string) {
	s.forgotten = append(s.forgotten, id)
	if s.onForget != nil {
		s.onForget(id)
	}
}

type countingSummarizer struct {
	calls int
	err   error
}

func (s *countingSummarizer) Summarize(ctx context.Context, msgs []types.Message) (string, error) {
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	return "summary of " + msgs[len(msgs)-1].Body, nil
}

type fixture struct {
	mgr     *Manager
	store   *store.Store
	sched   *fakeScheduler
	adapter *fakeAdapter
}

func newFixture(t *testing.T, sum summary.Summarizer, search Searcher) *fixture {
	t.Helper()
	return newFixtureConfig(t, sum, search, Config{SummaryThreshold: 2})
}

func newFixtureConfig(t *testing.T, sum summary.Summarizer, search Searcher, cfg Config) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	st := store.New(logger)
	adapter := &fakeAdapter{}
	reg := provider.NewRegistry(logger)
	reg.Register(types.ProviderTelegram, func(ctx context.Context, acc types.Account) (provider.Adapter, error) {
		return adapter, nil
	})
	sched := &fakeScheduler{}
	mgr, err := NewManager(Components{
		Store:      st,
		Scheduler:  sched,
		Adapters:   reg,
		Outbound:   outbound.NewDispatcher(st, reg, nil, logger),
		Summarizer: sum,
		Search:     search,
	}, cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{mgr: mgr, store: st, sched: sched, adapter: adapter}
}

func (f *fixture) link(t *testing.T) types.Account {
	t.Helper()
	acc, err := f.mgr.LinkAccount(context.Background(), types.ProviderTelegram, "me", "env:TG")
	if err != nil {
		t.Fatalf("LinkAccount() = %v", err)
	}
	return acc
}

func (f *fixture) deliver(t *testing.T, accountID string, msgs ...provider.RawMessage) string {
	t.Helper()
	b := provider.Batch{Threads: []provider.RawThread{{ProviderThreadID: "chat", Title: "Chat", Messages: msgs}}}
	if _, err := f.store.ApplyBatch(context.Background(), accountID, b, "c"); err != nil {
		t.Fatal(err)
	}
	return store.ThreadID(accountID, "chat")
}

func msg(id, body string, minute int) provider.RawMessage {
	return provider.RawMessage{ProviderMessageID: id, Sender: "bob", Body: body, Timestamp: t0.Add(time.Duration(minute) * time.Minute)}
}

func TestGetThreadSummary(t *testing.T) {
	sum := &countingSummarizer{}
	f := newFixture(t, sum, nil)
	acc := f.link(t)
	ctx := context.Background()

	tid := f.deliver(t, acc.ID, msg("1", "a", 0), msg("2", "b", 1))
	detail, err := f.mgr.GetThread(ctx, tid)
	if err != nil {
		t.Fatal(err)
	}
	if detail.Summary != "" || sum.calls != 0 {
		t.Errorf("summary at threshold = %q after %d calls", detail.Summary, sum.calls)
	}

	f.deliver(t, acc.ID, msg("3", "c", 2))
	for i := 0; i < 2; i++ {
		detail, err = f.mgr.GetThread(ctx, tid)
		if err != nil {
			t.Fatal(err)
		}
	}
	if detail.Summary != "summary of c" || sum.calls != 1 {
		t.Errorf("summary = %q after %d calls, want cached summary of c", detail.Summary, sum.calls)
	}

	f.deliver(t, acc.ID, msg("4", "d", 3))
	detail, _ = f.mgr.GetThread(ctx, tid)
	if detail.Summary != "summary of d" || sum.calls != 2 {
		t.Errorf("summary after new message = %q after %d calls", detail.Summary, sum.calls)
	}
}

func TestGetThreadSummaryUnavailable(t *testing.T) {
	f := newFixture(t, &countingSummarizer{err: summary.ErrUnavailable}, nil)
	acc := f.link(t)
	tid := f.deliver(t, acc.ID, msg("1", "a", 0), msg("2", "b", 1), msg("3", "c", 2))

	detail, err := f.mgr.GetThread(context.Background(), tid)
	if err != nil {
		t.Fatalf("GetThread() = %v, want summary failure to be silent", err)
	}
	if detail.Summary != "" || len(detail.Messages) != 3 {
		t.Errorf("detail = %+v", detail)
	}

	if _, err := f.mgr.GetThread(context.Background(), "nope:x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetThread(missing) = %v, want ErrNotFound", err)
	}
}

func TestGetThreadSummaryTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	client := summary.NewClient(srv.URL, srv.Client(), logger)
	f := newFixtureConfig(t, client, nil, Config{SummaryThreshold: 2, SummaryTimeout: 50 * time.Millisecond})
	acc := f.link(t)
	tid := f.deliver(t, acc.ID, msg("1", "a", 0), msg("2", "b", 1), msg("3", "c", 2))

	done := make(chan types.ThreadDetail, 1)
	go func() {
		detail, err := f.mgr.GetThread(context.Background(), tid)
		if err != nil {
			t.Errorf("GetThread() = %v", err)
		}
		done <- detail
	}()
	select {
	case detail := <-done:
		if detail.Summary != "" || len(detail.Messages) != 3 {
			t.Errorf("detail = %+v, want messages without summary", detail)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("GetThread blocked on a stalled summarizer")
	}
}

func TestMarkReadReportsToProvider(t *testing.T) {
	f := newFixture(t, nil, nil)
	acc := f.link(t)
	tid := f.deliver(t, acc.ID, msg("1", "a", 0), msg("2", "b", 1))
	if got := f.mgr.Badges()[types.TabInstant]; got != 2 {
		t.Fatalf("instant badge = %d, want 2", got)
	}

	th, err := f.mgr.MarkRead(context.Background(), tid)
	if err != nil {
		t.Fatal(err)
	}
	if th.UnreadCount != 0 || f.mgr.Badges()[types.TabInstant] != 0 {
		t.Errorf("after MarkRead thread unread = %d, badges = %v", th.UnreadCount, f.mgr.Badges())
	}
	f.mgr.Close()

	f.adapter.mu.Lock()
	defer f.adapter.mu.Unlock()
	if diff := cmp.Diff([]string{"1", "2"}, f.adapter.read); diff != "" {
		t.Errorf("provider mark-read ids (-want +got):\n%s", diff)
	}
}

func TestLinkAndUnlink(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	if _, err := f.mgr.LinkAccount(ctx, types.ProviderGmail, "work", "h"); !errors.Is(err, ErrUnsupportedProvider) {
		t.Errorf("LinkAccount(unsupported) = %v", err)
	}
	if _, err := f.mgr.LinkAccount(ctx, "fax", "x", "h"); err == nil {
		t.Error("LinkAccount(unknown kind) succeeded")
	}

	acc := f.link(t)
	if diff := cmp.Diff([]string{acc.ID}, f.sched.synced); diff != "" {
		t.Errorf("first sync requests (-want +got):\n%s", diff)
	}
	tid := f.deliver(t, acc.ID, msg("1", "a", 0))
	// Open the adapter so unlinking has something to close.
	if _, err := f.mgr.Send(ctx, tid, "hi"); err != nil {
		t.Fatal(err)
	}

	f.sched.onForget = func(id string) {
		if _, ok := f.store.Snapshot().Account(id); ok {
			t.Error("scheduler forgot the account while it was still linked")
		}
		if f.adapter.isClosed() {
			t.Error("adapter released before the scheduler forgot the account")
		}
	}
	if err := f.mgr.UnlinkAccount(ctx, acc.ID); err != nil {
		t.Fatal(err)
	}
	if len(f.mgr.ListAccounts()) != 0 || len(f.mgr.ListThreads(types.TabUnified, "", 0)) != 0 {
		t.Error("unlinked account still visible")
	}
	if f.mgr.Badges()[types.TabUnified] != 0 {
		t.Errorf("badges after unlink = %v", f.mgr.Badges())
	}
	if diff := cmp.Diff([]string{acc.ID}, f.sched.forgotten); diff != "" {
		t.Errorf("forgotten (-want +got):\n%s", diff)
	}
	if !f.adapter.isClosed() {
		t.Error("adapter not closed on unlink")
	}
	if err := f.mgr.UnlinkAccount(ctx, acc.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("second UnlinkAccount() = %v", err)
	}
}

func TestReactivate(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	acc := f.link(t)
	if _, err := f.store.SetAccountStatus(ctx, acc.ID, types.AccountAuthExpired, "token expired"); err != nil {
		t.Fatal(err)
	}

	got, err := f.mgr.Reactivate(ctx, acc.ID, "env:TG2")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.AccountActive || got.AuthHandle != "env:TG2" || got.LastError != "" {
		t.Errorf("reactivated account = %+v", got)
	}
	if diff := cmp.Diff([]string{acc.ID}, f.sched.reset); diff != "" {
		t.Errorf("reset (-want +got):\n%s", diff)
	}
	if n := len(f.sched.synced); n != 2 {
		t.Errorf("sync requests = %d, want link + reactivate", n)
	}
}

func TestSendAndScanSearch(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()
	acc := f.link(t)
	tid := f.deliver(t, acc.ID, msg("1", "where is the invoice", 0))

	sent, err := f.mgr.Send(ctx, tid, "invoice attached")
	if err != nil {
		t.Fatal(err)
	}
	if sent.Status != types.StatusSent || sent.ProviderMessageID != "sent-invoice attached" {
		t.Errorf("sent = %+v", sent)
	}

	hits, err := f.mgr.SearchMessages(ctx, "INVOICE", 10)
	if err != nil {
		t.Fatal(err)
	}
	var bodies []string
	for _, h := range hits {
		bodies = append(bodies, h.Message.Body)
	}
	if diff := cmp.Diff([]string{"invoice attached", "where is the invoice"}, bodies); diff != "" {
		t.Errorf("search bodies (-want +got):\n%s", diff)
	}
}

type fakeSearcher struct {
	hits []cache.Hit
	err  error
	opts cache.SearchOptions
}

func (s *fakeSearcher) Search(ctx context.Context, opts cache.SearchOptions) ([]cache.Hit, error) {
	s.opts = opts
	return s.hits, s.err
}

func TestSearchResolvesIndexHits(t *testing.T) {
	search := &fakeSearcher{}
	f := newFixture(t, nil, search)
	ctx := context.Background()
	acc := f.link(t)
	tid := f.deliver(t, acc.ID, msg("1", "alpha", 0), msg("2", "beta", 1))

	search.hits = []cache.Hit{
		{ThreadID: tid, MessageID: "2"},
		{ThreadID: "gone:thread", MessageID: "9"},
		{ThreadID: tid, MessageID: "missing"},
		{ThreadID: tid, MessageID: "1"},
	}
	hits, err := f.mgr.SearchMessages(ctx, "a", 500)
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, h := range hits {
		ids = append(ids, h.Message.ID)
	}
	if diff := cmp.Diff([]string{"2", "1"}, ids); diff != "" {
		t.Errorf("resolved ids (-want +got):\n%s", diff)
	}
	if search.opts.Limit != 50 {
		t.Errorf("limit passed to index = %d, want capped 50", search.opts.Limit)
	}

	search.err = errors.New("disk I/O error")
	hits, err = f.mgr.SearchMessages(ctx, "beta", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].Message.ID != "2" {
		t.Errorf("fallback hits = %+v", hits)
	}
}
