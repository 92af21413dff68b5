package cache

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/sirupsen/logrus"

	"github.com/brandon/omnicom/internal/provider"
	"github.com/brandon/omnicom/internal/store"
	"github.com/brandon/omnicom/pkg/types"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func quiet() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestCache(t *testing.T) *Store {
	t.Helper()
	c, err := NewCache(filepath.Join(t.TempDir(), "sub", "cache.db"), quiet())
	if err != nil {
		t.Fatalf("NewCache() = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return NewStore(c, quiet())
}

func newMemStore(p store.Persister) *store.Store {
	clock := t0
	return store.New(quiet(), store.WithPersister(p), store.WithClock(func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}))
}

func details(snap *store.Snapshot) map[string]types.ThreadDetail {
	out := make(map[string]types.ThreadDetail)
	for _, th := range snap.Threads() {
		d, _ := snap.Thread(th.ID)
		out[th.ID] = d
	}
	return out
}

func TestDialectFor(t *testing.T) {
	tests := []struct {
		dsn  string
		want Dialect
	}{
		{"file:/data/omnicom.db", DialectSQLite},
		{"/tmp/x.db", DialectSQLite},
		{"postgres://u:p@localhost/omnicom?sslmode=disable", DialectPostgres},
		{"postgresql://localhost/omnicom", DialectPostgres},
	}
	for _, tt := range tests {
		if got := DialectFor(tt.dsn); got != tt.want {
			t.Errorf("DialectFor(%q) = %s, want %s", tt.dsn, got, tt.want)
		}
	}
}

func TestRebind(t *testing.T) {
	pg := &Cache{dialect: DialectPostgres}
	got := pg.rebind("SELECT a FROM t WHERE b = ? AND c = ?")
	if want := "SELECT a FROM t WHERE b = $1 AND c = $2"; got != want {
		t.Errorf("rebind() = %q, want %q", got, want)
	}
	lite := &Cache{dialect: DialectSQLite}
	if got := lite.rebind("x = ?"); got != "x = ?" {
		t.Errorf("sqlite rebind() = %q", got)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := newTestCache(t)
	s := newMemStore(p)

	if _, err := s.LinkAccount(ctx, types.Account{ID: "a", Kind: types.ProviderGmail, DisplayName: "work", AuthHandle: "env:WORK"}); err != nil {
		t.Fatal(err)
	}
	batch := provider.Batch{Threads: []provider.RawThread{{
		ProviderThreadID: "t1",
		Title:            "Lunch",
		Participants:     []string{"bob@example.com"},
		Tags:             []string{"INBOX"},
		Messages: []provider.RawMessage{
			{ProviderMessageID: "m1", Sender: "Bob", Body: "pizza at noon?", Timestamp: t0, Direction: types.Inbound},
			{ProviderMessageID: "m2", Sender: "Bob", Body: "or sushi", Timestamp: t0.Add(time.Minute), Direction: types.Inbound, Status: types.StatusRead},
		},
	}}}
	if _, err := s.ApplyBatch(ctx, "a", batch, "cursor-7"); err != nil {
		t.Fatal(err)
	}
	msg, _, err := s.AppendOutbound(ctx, store.ThreadID("a", "t1"), "pizza")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateOutbound(ctx, msg.ThreadID, msg.ID, types.StatusFailed, "", "rejected"); err != nil {
		t.Fatal(err)
	}

	restored := newMemStore(p)
	if err := restored.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(details(s.Snapshot()), details(restored.Snapshot())); diff != "" {
		t.Errorf("restored threads differ (-orig +restored):\n%s", diff)
	}
	want, _ := s.Snapshot().Account("a")
	got, ok := restored.Snapshot().Account("a")
	if !ok {
		t.Fatal("account not restored")
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("restored account differs (-orig +restored):\n%s", diff)
	}
	if diff := cmp.Diff(s.Snapshot().Badges(), restored.Snapshot().Badges()); diff != "" {
		t.Errorf("restored badges differ:\n%s", diff)
	}
}

func TestDeleteAccountCascades(t *testing.T) {
	ctx := context.Background()
	p := newTestCache(t)
	s := newMemStore(p)
	for _, id := range []string{"a", "b"} {
		if _, err := s.LinkAccount(ctx, types.Account{ID: id, Kind: types.ProviderTelegram}); err != nil {
			t.Fatal(err)
		}
		batch := provider.Batch{Threads: []provider.RawThread{{
			ProviderThreadID: "chat",
			Messages:         []provider.RawMessage{{ProviderMessageID: "1", Sender: "x", Body: "hello " + id, Timestamp: t0}},
		}}}
		if _, err := s.ApplyBatch(ctx, id, batch, "1"); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.UnlinkAccount(ctx, "a"); err != nil {
		t.Fatal(err)
	}

	states, err := p.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 || states[0].Account.ID != "b" {
		t.Fatalf("LoadAll() accounts = %+v, want only b", states)
	}
	if len(states[0].Threads) != 1 || len(states[0].Messages) != 1 {
		t.Errorf("account b = %d threads, %d messages", len(states[0].Threads), len(states[0].Messages))
	}

	hits, err := p.Search(ctx, SearchOptions{Query: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ThreadID != store.ThreadID("b", "chat") {
		t.Errorf("Search() after unlink = %+v", hits)
	}
}

func TestOutboundFoldReplacesLocalRow(t *testing.T) {
	ctx := context.Background()
	p := newTestCache(t)
	s := newMemStore(p)
	if _, err := s.LinkAccount(ctx, types.Account{ID: "a", Kind: types.ProviderTelegram}); err != nil {
		t.Fatal(err)
	}
	thread := func(msgs ...provider.RawMessage) provider.Batch {
		return provider.Batch{Threads: []provider.RawThread{{ProviderThreadID: "chat", Messages: msgs}}}
	}
	if _, err := s.ApplyBatch(ctx, "a", thread(provider.RawMessage{ProviderMessageID: "1", Sender: "bob", Body: "ping", Timestamp: t0}), "1"); err != nil {
		t.Fatal(err)
	}
	tid := store.ThreadID("a", "chat")
	msg, _, err := s.AppendOutbound(ctx, tid, "pong")
	if err != nil {
		t.Fatal(err)
	}
	fetched := provider.RawMessage{ProviderMessageID: "2", Sender: "me", Body: "pong", Timestamp: t0.Add(time.Minute), Direction: types.Outbound, Status: types.StatusDelivered}
	if _, err := s.ApplyBatch(ctx, "a", thread(fetched), "2"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.UpdateOutbound(ctx, tid, msg.ID, types.StatusSent, "2", ""); err != nil {
		t.Fatal(err)
	}

	states, err := p.LoadAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(states) != 1 {
		t.Fatalf("LoadAll() accounts = %d, want 1", len(states))
	}
	var ids []string
	for _, m := range states[0].Messages {
		ids = append(ids, m.ID)
	}
	if diff := cmp.Diff([]string{"1", "2"}, ids, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("persisted messages (-want +got):\n%s", diff)
	}

	hits, err := p.Search(ctx, SearchOptions{Query: "pong"})
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].MessageID != "2" {
		t.Errorf("Search() after fold = %+v", hits)
	}
}

func TestSearch(t *testing.T) {
	ctx := context.Background()
	p := newTestCache(t)
	s := newMemStore(p)
	if _, err := s.LinkAccount(ctx, types.Account{ID: "a", Kind: types.ProviderWhatsApp}); err != nil {
		t.Fatal(err)
	}
	batch := provider.Batch{Threads: []provider.RawThread{
		{ProviderThreadID: "t1", Messages: []provider.RawMessage{
			{ProviderMessageID: "m1", Sender: "Alice", Body: "The quarterly report is ready", Timestamp: t0},
			{ProviderMessageID: "m2", Sender: "Alice", Body: "see the \"report\" draft", Timestamp: t0.Add(2 * time.Minute)},
		}},
		{ProviderThreadID: "t2", Messages: []provider.RawMessage{
			{ProviderMessageID: "m3", Sender: "Reporter Bob", Body: "nothing here", Timestamp: t0.Add(time.Minute)},
			{ProviderMessageID: "m4", Sender: "Carol", Body: "lunch?", Timestamp: t0.Add(3 * time.Minute)},
		}},
	}}
	if _, err := s.ApplyBatch(ctx, "a", batch, "c1"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		opts SearchOptions
		want []string
	}{
		{"prefix matches body and sender newest first", SearchOptions{Query: "REPO"}, []string{"m2", "m3", "m1"}},
		{"limit", SearchOptions{Query: "report", Limit: 1}, []string{"m2"}},
		{"quotes are not syntax", SearchOptions{Query: `"report"`}, []string{"m2", "m3", "m1"}},
		{"account filter", SearchOptions{Query: "lunch", AccountID: "other"}, nil},
		{"blank", SearchOptions{Query: "  "}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits, err := p.Search(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			var got []string
			for _, h := range hits {
				got = append(got, h.MessageID)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Search(%+v) (-want +got):\n%s", tt.opts, diff)
			}
		})
	}
}

func TestFTSQuery(t *testing.T) {
	if got, want := ftsQuery(`quarterly re"port`), `"quarterly" "re""port"*`; got != want {
		t.Errorf("ftsQuery() = %q, want %q", got, want)
	}
}
