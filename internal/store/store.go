// Package store is the single source of truth for accounts, threads and
// messages. Every mutation of an account is serialized under that account's
// lock and published as a new immutable Snapshot.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/brandon/omnicom/internal/provider"
	"github.com/brandon/omnicom/pkg/types"
)

var (
	// ErrNotFound is returned for unknown accounts, threads and messages
	ErrNotFound = errors.New("not found")
	// ErrAccountInactive is returned when an operation needs an active account
	ErrAccountInactive = errors.New("account is not active")
	// ErrAccountExists is returned when linking an id that is already linked
	ErrAccountExists = errors.New("account already exists")
	// ErrInvalidTransition is returned when an outbound status would regress
	ErrInvalidTransition = errors.New("invalid status transition")
)

// AccountState is everything persisted for one account
type AccountState struct {
	Account  types.Account
	Threads  []types.Thread
	Messages []types.Message
}

// Persister makes store mutations durable. Each call happens while the
// account lock is held and before the new snapshot is published; an error
// abandons the mutation.
type Persister interface {
	SaveAccount(ctx context.Context, acc types.Account) error
	DeleteAccount(ctx context.Context, accountID string) error
	// SaveMerge writes the changed threads and messages together with the
	// account cursor in one transaction.
	SaveMerge(ctx context.Context, acc types.Account, threads []types.Thread, messages []types.Message) error
	// SaveFold replaces the folded local copy of an outbound message with the
	// kept message in one transaction.
	SaveFold(ctx context.Context, acc types.Account, thread types.Thread, kept types.Message, foldedID string) error
	LoadAll(ctx context.Context) ([]AccountState, error)
}

// MergeResult describes the effect of one ApplyBatch call
type MergeResult struct {
	Inserted       int
	Changed        int
	ThreadsTouched int
}

// ReadResult describes the effect of marking a thread read
type ReadResult struct {
	Account            types.Account
	Thread             types.Thread
	ProviderMessageIDs []string
}

// Store holds the current snapshot and serializes writers per account
type Store struct {
	logger    *logrus.Logger
	persister Persister
	now       func() time.Time

	current  atomic.Pointer[Snapshot]
	commitMu sync.Mutex

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Option configures a Store
type Option func(*Store)

// WithPersister makes every mutation durable through p
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store
func New(logger *logrus.Logger, opts ...Option) *Store {
	s := &Store{
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(emptySnapshot())
	return s
}

// Snapshot returns the current consistent view
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

func (s *Store) lockAccount(id string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[id] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// publish swaps in a snapshot with one partition replaced. Callers hold the
// account lock, so only other accounts can have changed since they read.
func (s *Store) publish(accountID string, next *partition) *Snapshot {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	snap := s.current.Load().with(accountID, next)
	s.current.Store(snap)
	return snap
}

func (s *Store) partition(id string) (*partition, error) {
	p, ok := s.current.Load().accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ErrNotFound)
	}
	return p, nil
}

// LinkAccount adds a new account. An empty id is generated.
func (s *Store) LinkAccount(ctx context.Context, acc types.Account) (types.Account, error) {
	if !acc.Kind.Valid() {
		return types.Account{}, fmt.Errorf("unknown provider: %q", acc.Kind)
	}
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	if strings.Contains(acc.ID, ":") {
		return types.Account{}, fmt.Errorf("account id must not contain ':': %q", acc.ID)
	}
	if acc.DisplayName == "" {
		acc.DisplayName = string(acc.Kind)
	}
	if acc.Status == "" {
		acc.Status = types.AccountActive
	}
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = s.now().UTC()
	}

	unlock := s.lockAccount(acc.ID)
	defer unlock()

	if _, ok := s.current.Load().accounts[acc.ID]; ok {
		return types.Account{}, fmt.Errorf("account %s: %w", acc.ID, ErrAccountExists)
	}
	if s.persister != nil {
		if err := s.persister.SaveAccount(ctx, acc); err != nil {
			return types.Account{}, fmt.Errorf("failed to persist account: %w", err)
		}
	}
	s.publish(acc.ID, &partition{
		account:          acc,
		threads:          make(map[string]*threadState),
		byProviderThread: make(map[string]string),
	})
	s.logger.WithFields(logrus.Fields{
		"account":  acc.ID,
		"provider": acc.Kind,
	}).Info("Linked account")
	return acc, nil
}

// UnlinkAccount removes an account with all its threads and messages
func (s *Store) UnlinkAccount(ctx context.Context, id string) error {
	unlock := s.lockAccount(id)
	defer unlock()

	if _, err := s.partition(id); err != nil {
		return err
	}
	if s.persister != nil {
		if err := s.persister.DeleteAccount(ctx, id); err != nil {
			return fmt.Errorf("failed to delete account: %w", err)
		}
	}
	s.publish(id, nil)
	s.logger.WithField("account", id).Info("Unlinked account")
	return nil
}

// ApplyBatch reconciles a fetched batch into the account and advances its
// cursor. Applying the same batch twice leaves the store unchanged.
func (s *Store) ApplyBatch(ctx context.Context, accountID string, batch provider.Batch, newCursor string) (MergeResult, error) {
	unlock := s.lockAccount(accountID)
	defer unlock()

	prev, err := s.partition(accountID)
	if err != nil {
		return MergeResult{}, err
	}
	next := prev.clone()

	var (
		result   MergeResult
		threads  []types.Thread
		messages []types.Message
		touched  = make(map[string]bool)
	)
	for _, raw := range batch.Threads {
		if raw.ProviderThreadID == "" {
			continue
		}
		ts, ok := next.threads[next.byProviderThread[raw.ProviderThreadID]]
		if !ok {
			ts = newThreadState(next.account, raw.ProviderThreadID)
		}
		merged, changed, inserted := mergeThread(ts, raw)
		next.setThread(merged)
		touched[merged.thread.ID] = true
		messages = append(messages, changed...)
		result.Inserted += inserted
		result.Changed += len(changed) - inserted
	}
	for id := range touched {
		threads = append(threads, next.threads[id].thread)
	}
	result.ThreadsTouched = len(touched)

	now := s.now().UTC()
	next.account.Cursor = types.SyncCursor{
		Token:       newCursor,
		LastSuccess: &now,
		LastAttempt: &now,
	}
	next.account.LastError = ""

	if s.persister != nil {
		if err := s.persister.SaveMerge(ctx, next.account, threads, messages); err != nil {
			return MergeResult{}, fmt.Errorf("failed to persist merge: %w", err)
		}
	}
	s.publish(accountID, next)
	return result, nil
}

// MarkThreadRead marks every inbound message of a thread read. It returns
// the provider ids that should be reported back to the provider.
func (s *Store) MarkThreadRead(ctx context.Context, threadID string) (ReadResult, error) {
	accountID, _, _ := strings.Cut(threadID, ":")
	unlock := s.lockAccount(accountID)
	defer unlock()

	prev, err := s.partition(accountID)
	if err != nil {
		return ReadResult{}, err
	}
	ts, ok := prev.threads[threadID]
	if !ok {
		return ReadResult{}, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	result := ReadResult{Account: prev.account, Thread: ts.thread}
	if ts.thread.UnreadCount == 0 {
		return result, nil
	}

	updated := ts.clone()
	var changed []types.Message
	for i, m := range updated.messages {
		if !m.Unread() {
			continue
		}
		m.Status = types.StatusRead
		updated.messages[i] = m
		changed = append(changed, m)
		if m.ProviderMessageID != "" {
			result.ProviderMessageIDs = append(result.ProviderMessageIDs, m.ProviderMessageID)
		}
	}
	updated.refresh()
	next := prev.clone()
	next.setThread(updated)

	if s.persister != nil {
		if err := s.persister.SaveMerge(ctx, next.account, []types.Thread{updated.thread}, changed); err != nil {
			return ReadResult{}, fmt.Errorf("failed to persist read state: %w", err)
		}
	}
	s.publish(accountID, next)
	result.Thread = updated.thread
	return result, nil
}

// AppendOutbound adds a locally composed message in composing status
func (s *Store) AppendOutbound(ctx context.Context, threadID, body string) (types.Message, types.Account, error) {
	accountID, _, _ := strings.Cut(threadID, ":")
	unlock := s.lockAccount(accountID)
	defer unlock()

	prev, err := s.partition(accountID)
	if err != nil {
		return types.Message{}, types.Account{}, err
	}
	if prev.account.Status != types.AccountActive {
		return types.Message{}, prev.account, fmt.Errorf("account %s is %s: %w", accountID, prev.account.Status, ErrAccountInactive)
	}
	ts, ok := prev.threads[threadID]
	if !ok {
		return types.Message{}, prev.account, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}

	msg := types.Message{
		ID:        "local-" + uuid.NewString(),
		ThreadID:  threadID,
		AccountID: accountID,
		Sender:    prev.account.DisplayName,
		Body:      body,
		CreatedAt: s.now().UTC(),
		Direction: types.Outbound,
		Status:    types.StatusComposing,
	}
	updated := ts.clone()
	updated.messages = append(updated.messages, msg)
	updated.refresh()
	next := prev.clone()
	next.setThread(updated)

	if s.persister != nil {
		if err := s.persister.SaveMerge(ctx, next.account, []types.Thread{updated.thread}, []types.Message{msg}); err != nil {
			return types.Message{}, prev.account, fmt.Errorf("failed to persist outbound message: %w", err)
		}
	}
	s.publish(accountID, next)
	return msg, prev.account, nil
}

// UpdateOutbound moves a local outbound message to a new status. When the
// provider id was already delivered by a fetch, the local copy is folded
// into the fetched message instead of keeping both.
func (s *Store) UpdateOutbound(ctx context.Context, threadID, messageID string, status types.DeliveryStatus, providerMessageID, errText string) (types.Message, error) {
	accountID, _, _ := strings.Cut(threadID, ":")
	unlock := s.lockAccount(accountID)
	defer unlock()

	prev, err := s.partition(accountID)
	if err != nil {
		return types.Message{}, err
	}
	ts, ok := prev.threads[threadID]
	if !ok {
		return types.Message{}, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	idx := ts.indexOf(messageID)
	if idx < 0 {
		return types.Message{}, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	current := ts.messages[idx]
	if current.Direction != types.Outbound {
		return types.Message{}, fmt.Errorf("message %s is inbound: %w", messageID, ErrInvalidTransition)
	}
	if !current.Status.CanAdvance(status) {
		return types.Message{}, fmt.Errorf("message %s %s -> %s: %w", messageID, current.Status, status, ErrInvalidTransition)
	}

	updated := ts.clone()
	var deleted string
	result := current
	result.Status = status
	result.Error = errText
	if providerMessageID != "" {
		result.ProviderMessageID = providerMessageID
	}
	if dup, ok := updated.keys["p:"+providerMessageID]; ok && providerMessageID != "" && dup != idx {
		fetched := updated.messages[dup]
		if fetched.Status.CanAdvance(status) {
			fetched.Status = status
		}
		updated.messages[dup] = fetched
		updated.messages = slices.Delete(updated.messages, idx, idx+1)
		deleted = current.ID
		result = fetched
	} else {
		updated.messages[idx] = result
	}
	updated.refresh()
	next := prev.clone()
	next.setThread(updated)

	if s.persister != nil {
		var err error
		if deleted != "" {
			err = s.persister.SaveFold(ctx, next.account, updated.thread, result, deleted)
		} else {
			err = s.persister.SaveMerge(ctx, next.account, []types.Thread{updated.thread}, []types.Message{result})
		}
		if err != nil {
			return types.Message{}, fmt.Errorf("failed to persist outbound status: %w", err)
		}
	}
	s.publish(accountID, next)
	return result, nil
}

// RecordSyncFailure counts a failed sync attempt. A non-empty status also
// moves the account to that status.
func (s *Store) RecordSyncFailure(ctx context.Context, accountID string, reason string, status types.AccountStatus) (types.Account, error) {
	return s.updateAccount(ctx, accountID, func(acc *types.Account) {
		now := s.now().UTC()
		acc.Cursor.LastAttempt = &now
		acc.Cursor.ConsecutiveFailures++
		acc.LastError = reason
		if status != "" {
			acc.Status = status
		}
	})
}

// SetAccountStatus changes an account's status
func (s *Store) SetAccountStatus(ctx context.Context, accountID string, status types.AccountStatus, reason string) (types.Account, error) {
	return s.updateAccount(ctx, accountID, func(acc *types.Account) {
		acc.Status = status
		acc.LastError = reason
	})
}

// Reactivate puts an account back into rotation after re-authorization or
// manual intervention. A non-empty handle replaces the stored one.
func (s *Store) Reactivate(ctx context.Context, accountID, authHandle string) (types.Account, error) {
	return s.updateAccount(ctx, accountID, func(acc *types.Account) {
		acc.Status = types.AccountActive
		acc.LastError = ""
		acc.Cursor.ConsecutiveFailures = 0
		if authHandle != "" {
			acc.AuthHandle = authHandle
		}
	})
}

func (s *Store) updateAccount(ctx context.Context, accountID string, fn func(*types.Account)) (types.Account, error) {
	unlock := s.lockAccount(accountID)
	defer unlock()

	prev, err := s.partition(accountID)
	if err != nil {
		return types.Account{}, err
	}
	next := prev.clone()
	fn(&next.account)
	if s.persister != nil {
		if err := s.persister.SaveAccount(ctx, next.account); err != nil {
			return types.Account{}, fmt.Errorf("failed to persist account: %w", err)
		}
	}
	s.publish(accountID, next)
	return next.account, nil
}

// Restore replaces the store contents with the persisted state. It is meant
// to run once at startup before any other mutation.
func (s *Store) Restore(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	states, err := s.persister.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load persisted state: %w", err)
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	snap := emptySnapshot()
	snap.version = s.current.Load().version
	for _, st := range states {
		p := &partition{
			account:          st.Account,
			threads:          make(map[string]*threadState, len(st.Threads)),
			byProviderThread: make(map[string]string, len(st.Threads)),
		}
		loaded := make(map[string]*threadState, len(st.Threads))
		for _, t := range st.Threads {
			t.AccountID = st.Account.ID
			t.Kind = st.Account.Kind
			t.ID = ThreadID(st.Account.ID, t.ProviderThreadID)
			if t.Participants == nil {
				t.Participants = []string{}
			}
			loaded[t.ID] = &threadState{thread: t}
		}
		for _, m := range st.Messages {
			ts, ok := loaded[m.ThreadID]
			if !ok {
				s.logger.WithFields(logrus.Fields{
					"account": st.Account.ID,
					"thread":  m.ThreadID,
				}).Warn("Dropping persisted message without thread")
				continue
			}
			ts.messages = append(ts.messages, m)
		}
		for _, ts := range loaded {
			ts.refresh()
			p.setThread(ts)
		}
		snap = snap.with(st.Account.ID, p)
	}
	s.current.Store(snap)
	s.logger.WithField("accounts", len(states)).Info("Restored store from cache")
	return nil
}
