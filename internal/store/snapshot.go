package store

import (
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/brandon/omnicom/pkg/types"
)

// Snapshot is an immutable view of every account, thread and message at
// one version. Readers may hold a snapshot for as long as they like.
type Snapshot struct {
	version  uint64
	accounts map[string]*partition
	badges   types.Badges

	derivedOnce sync.Once
	derived     any
}

// partition holds everything owned by one account. Partitions are never
// mutated after they are published; a merge builds a new one.
type partition struct {
	account types.Account
	threads map[string]*threadState
	// byProviderThread maps provider thread ids to canonical thread ids.
	byProviderThread map[string]string
	unread           int
}

type threadState struct {
	thread   types.Thread
	messages []types.Message
	// keys maps dedup keys to positions in messages.
	keys map[string]int
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		accounts: make(map[string]*partition),
		badges:   zeroBadges(),
	}
}

// Version increases with every committed mutation
func (s *Snapshot) Version() uint64 {
	return s.version
}

// Accounts returns every account ordered by creation time
func (s *Snapshot) Accounts() []types.Account {
	out := make([]types.Account, 0, len(s.accounts))
	for _, p := range s.accounts {
		out = append(out, p.account)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Account returns one account
func (s *Snapshot) Account(id string) (types.Account, bool) {
	p, ok := s.accounts[id]
	if !ok {
		return types.Account{}, false
	}
	return p.account, true
}

// Threads returns every thread in no particular order
func (s *Snapshot) Threads() []types.Thread {
	n := 0
	for _, p := range s.accounts {
		n += len(p.threads)
	}
	out := make([]types.Thread, 0, n)
	for _, p := range s.accounts {
		for _, ts := range p.threads {
			out = append(out, ts.thread)
		}
	}
	return out
}

// Thread returns a thread and its ordered messages
func (s *Snapshot) Thread(id string) (types.ThreadDetail, bool) {
	ts, ok := s.lookupThread(id)
	if !ok {
		return types.ThreadDetail{}, false
	}
	msgs := make([]types.Message, len(ts.messages))
	copy(msgs, ts.messages)
	return types.ThreadDetail{Thread: ts.thread, Messages: msgs}, true
}

// Messages calls fn for every message of every thread until fn returns false
func (s *Snapshot) Messages(fn func(types.Thread, types.Message) bool) {
	for _, p := range s.accounts {
		for _, ts := range p.threads {
			for _, m := range ts.messages {
				if !fn(ts.thread, m) {
					return
				}
			}
		}
	}
}

// Badges returns a copy of the per-tab unread totals
func (s *Snapshot) Badges() types.Badges {
	out := make(types.Badges, len(s.badges))
	for k, v := range s.badges {
		out[k] = v
	}
	return out
}

// Derived returns a value computed once per snapshot. Read-side engines use
// it to cache indexes that are only valid for this version.
func (s *Snapshot) Derived(build func(*Snapshot) any) any {
	s.derivedOnce.Do(func() {
		s.derived = build(s)
	})
	return s.derived
}

func (s *Snapshot) lookupThread(id string) (*threadState, bool) {
	accountID, _, ok := strings.Cut(id, ":")
	if !ok {
		return nil, false
	}
	p, ok := s.accounts[accountID]
	if !ok {
		return nil, false
	}
	ts, ok := p.threads[id]
	return ts, ok
}

// with returns a new snapshot where one account's partition is replaced.
// A nil partition removes the account.
func (s *Snapshot) with(accountID string, next *partition) *Snapshot {
	accounts := make(map[string]*partition, len(s.accounts)+1)
	for id, p := range s.accounts {
		accounts[id] = p
	}
	badges := s.Badges()
	if prev, ok := s.accounts[accountID]; ok {
		addContribution(badges, prev, -1)
	}
	if next == nil {
		delete(accounts, accountID)
	} else {
		accounts[accountID] = next
		addContribution(badges, next, 1)
	}
	return &Snapshot{
		version:  s.version + 1,
		accounts: accounts,
		badges:   badges,
	}
}

func (p *partition) clone() *partition {
	threads := make(map[string]*threadState, len(p.threads))
	for id, ts := range p.threads {
		threads[id] = ts
	}
	byProvider := make(map[string]string, len(p.byProviderThread))
	for k, v := range p.byProviderThread {
		byProvider[k] = v
	}
	return &partition{
		account:          p.account,
		threads:          threads,
		byProviderThread: byProvider,
		unread:           p.unread,
	}
}

// setThread installs a rebuilt thread and keeps the partition unread total
// in step.
func (p *partition) setThread(ts *threadState) {
	if prev, ok := p.threads[ts.thread.ID]; ok {
		p.unread -= prev.thread.UnreadCount
	}
	p.threads[ts.thread.ID] = ts
	p.byProviderThread[ts.thread.ProviderThreadID] = ts.thread.ID
	p.unread += ts.thread.UnreadCount
}

func (ts *threadState) clone() *threadState {
	msgs := make([]types.Message, len(ts.messages))
	copy(msgs, ts.messages)
	keys := make(map[string]int, len(ts.keys))
	for k, v := range ts.keys {
		keys[k] = v
	}
	thread := ts.thread
	thread.Participants = slices.Clone(ts.thread.Participants)
	thread.Tags = slices.Clone(ts.thread.Tags)
	return &threadState{thread: thread, messages: msgs, keys: keys}
}
