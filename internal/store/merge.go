package store

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/brandon/omnicom/internal/provider"
	"github.com/brandon/omnicom/pkg/types"
)

const snippetRunes = 140

// ThreadID derives the canonical thread id from its account and the
// provider's own thread id.
func ThreadID(accountID, providerThreadID string) string {
	return accountID + ":" + providerThreadID
}

// FallbackMessageID identifies a message that arrived without a provider id
func FallbackMessageID(sender string, ts time.Time, body string) string {
	sum := sha256.Sum256([]byte(sender + "|" + strconv.FormatInt(ts.UnixNano(), 10) + "|" + body))
	return "h-" + hex.EncodeToString(sum[:8])
}

func dedupKey(m types.Message) string {
	if m.ProviderMessageID != "" {
		return "p:" + m.ProviderMessageID
	}
	return "h:" + FallbackMessageID(m.Sender, m.CreatedAt, m.Body)
}

func newThreadState(acc types.Account, providerThreadID string) *threadState {
	return &threadState{
		thread: types.Thread{
			ID:               ThreadID(acc.ID, providerThreadID),
			AccountID:        acc.ID,
			Kind:             acc.Kind,
			ProviderThreadID: providerThreadID,
			Participants:     []string{},
		},
		keys: make(map[string]int),
	}
}

// canonicalMessage maps a raw record onto the thread it belongs to.
// Missing directions default to inbound and missing statuses to the first
// status a message in that direction can have after leaving the provider.
func canonicalMessage(ts *threadState, raw provider.RawMessage) types.Message {
	dir := raw.Direction
	if dir == "" {
		dir = types.Inbound
	}
	status := raw.Status
	if status == "" || status == types.StatusComposing || status == types.StatusFailed {
		if dir == types.Inbound {
			status = types.StatusDelivered
		} else {
			status = types.StatusSent
		}
	}
	m := types.Message{
		ThreadID:          ts.thread.ID,
		AccountID:         ts.thread.AccountID,
		Sender:            raw.Sender,
		Body:              raw.Body,
		CreatedAt:         raw.Timestamp.UTC(),
		Direction:         dir,
		Status:            status,
		ProviderMessageID: raw.ProviderMessageID,
	}
	m.ID = raw.ProviderMessageID
	if m.ID == "" {
		m.ID = FallbackMessageID(m.Sender, m.CreatedAt, m.Body)
	}
	return m
}

// mergeThread reconciles one raw thread into a copy of ts. It returns the
// messages that were inserted or changed.
func mergeThread(ts *threadState, raw provider.RawThread) (*threadState, []types.Message, int) {
	next := ts.clone()
	if raw.Title != "" {
		next.thread.Title = raw.Title
	}
	next.thread.Participants = appendUnique(next.thread.Participants, raw.Participants...)
	next.thread.Tags = mergeTags(next.thread.Tags, raw.Tags)

	var changed []types.Message
	inserted := 0
	for _, rm := range raw.Messages {
		m := canonicalMessage(next, rm)
		if idx, ok := next.keys[dedupKey(m)]; ok {
			existing := next.messages[idx]
			// Only the delivery status of a stored message may move, and
			// only forward.
			if rm.Status != "" && rm.Status != types.StatusFailed && existing.Status.CanAdvance(rm.Status) {
				existing.Status = rm.Status
				next.messages[idx] = existing
				changed = append(changed, existing)
			}
			continue
		}
		next.messages = append(next.messages, m)
		next.keys[dedupKey(m)] = len(next.messages) - 1
		if m.Direction == types.Inbound && m.Sender != "" {
			next.thread.Participants = appendUnique(next.thread.Participants, m.Sender)
		}
		changed = append(changed, m)
		inserted++
	}
	next.refresh()
	return next, changed, inserted
}

// refresh restores message order and recomputes every derived thread field
func (ts *threadState) refresh() {
	slices.SortStableFunc(ts.messages, func(a, b types.Message) int {
		switch {
		case a.Before(b):
			return -1
		case b.Before(a):
			return 1
		}
		return 0
	})
	ts.keys = make(map[string]int, len(ts.messages))
	unread := 0
	var last time.Time
	for i, m := range ts.messages {
		ts.keys[dedupKey(m)] = i
		if m.Unread() {
			unread++
		}
		if m.CreatedAt.After(last) {
			last = m.CreatedAt
		}
	}
	ts.thread.UnreadCount = unread
	ts.thread.LastActivity = last
	ts.thread.Snippet = ""
	if n := len(ts.messages); n > 0 {
		ts.thread.Snippet = truncate(ts.messages[n-1].Body, snippetRunes)
	}
}

func (ts *threadState) indexOf(messageID string) int {
	for i, m := range ts.messages {
		if m.ID == messageID {
			return i
		}
	}
	return -1
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + "..."
		}
		count++
	}
	return s
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || slices.Contains(list, v) {
			continue
		}
		list = append(list, v)
	}
	return list
}

func mergeTags(existing, add []string) []string {
	out := appendUnique(append([]string(nil), existing...), add...)
	slices.Sort(out)
	return out
}
