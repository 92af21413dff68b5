package credentials

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }

	s.Put("a", Credential{Username: "u", Secret: "s"})
	s.Put("old", Credential{Secret: "s", Expiry: now.Add(-time.Minute)})

	got, err := s.Lookup(ctx, "a")
	if err != nil {
		t.Fatalf("Lookup(a) = %v", err)
	}
	if diff := cmp.Diff(Credential{Username: "u", Secret: "s"}, got); diff != "" {
		t.Errorf("Lookup(a) mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.Lookup(ctx, "old"); !errors.Is(err, ErrExpired) {
		t.Errorf("Lookup(old) = %v, want ErrExpired", err)
	}
	if _, err := s.Lookup(ctx, "missing"); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("Lookup(missing) = %v, want ErrUnknownHandle", err)
	}
	s.Delete("a")
	if _, err := s.Lookup(ctx, "a"); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("Lookup after Delete = %v, want ErrUnknownHandle", err)
	}
}

func TestEnvStore(t *testing.T) {
	t.Setenv("OMNI_TEST_USERNAME", "me@example.com")
	t.Setenv("OMNI_TEST_SECRET", "hunter2")

	got, err := EnvStore{}.Lookup(context.Background(), "env:OMNI_TEST")
	if err != nil {
		t.Fatalf("Lookup = %v", err)
	}
	if got.Username != "me@example.com" || got.Secret != "hunter2" {
		t.Errorf("Lookup = %+v", got)
	}
	if _, err := (EnvStore{}).Lookup(context.Background(), "vault:x"); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("Lookup(vault:x) = %v, want ErrUnknownHandle", err)
	}
	if _, err := (EnvStore{}).Lookup(context.Background(), "env:OMNI_MISSING"); !errors.Is(err, ErrExpired) {
		t.Errorf("Lookup(env:OMNI_MISSING) = %v, want ErrExpired", err)
	}
}

func TestChain(t *testing.T) {
	first := NewMemoryStore()
	second := NewMemoryStore()
	second.Put("b", Credential{Secret: "from-second"})
	first.Put("c", Credential{Secret: "x", Expiry: time.Unix(1, 0)})

	chain := Chain{first, second}
	got, err := chain.Lookup(context.Background(), "b")
	if err != nil || got.Secret != "from-second" {
		t.Errorf("Lookup(b) = %+v, %v", got, err)
	}
	if _, err := chain.Lookup(context.Background(), "c"); !errors.Is(err, ErrExpired) {
		t.Errorf("Lookup(c) = %v, want ErrExpired", err)
	}
	if _, err := chain.Lookup(context.Background(), "z"); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("Lookup(z) = %v, want ErrUnknownHandle", err)
	}
}

func TestTokenSource(t *testing.T) {
	s := NewMemoryStore()
	s.Put("tok", Credential{Secret: "abc"})

	tok, err := TokenSource(context.Background(), s, "tok").Token()
	if err != nil {
		t.Fatalf("Token() = %v", err)
	}
	if tok.AccessToken != "abc" || tok.Type() != "Bearer" {
		t.Errorf("Token() = %+v", tok)
	}
	if _, err := TokenSource(context.Background(), s, "nope").Token(); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("Token() for unknown handle = %v", err)
	}
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds.json")
	if err := os.WriteFile(path, []byte(`{"h1":{"username":"a","secret":"one"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	s, err := NewFileStore(path, quietLogger())
	if err != nil {
		t.Fatalf("NewFileStore = %v", err)
	}
	got, err := s.Lookup(context.Background(), "h1")
	if err != nil || got.Secret != "one" {
		t.Fatalf("Lookup(h1) = %+v, %v", got, err)
	}

	if err := os.WriteFile(path, []byte(`{"h1":{"username":"a","secret":"two"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	if err := s.reload(); err != nil {
		t.Fatalf("reload = %v", err)
	}
	got, _ = s.Lookup(context.Background(), "h1")
	if got.Secret != "two" {
		t.Errorf("after reload secret = %q, want two", got.Secret)
	}
}

func TestFileStoreWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	if err := os.WriteFile(path, []byte(`{}`), 0600); err != nil {
		t.Fatal(err)
	}
	s, err := NewFileStore(path, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		// Rewrite until the watcher has been installed and picks it up.
		if err := os.WriteFile(path, []byte(`{"late":{"secret":"x"}}`), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Lookup(context.Background(), "late"); err == nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("watcher never reloaded the credentials file")
}
