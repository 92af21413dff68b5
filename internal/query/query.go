// Package query serves tab and search filtered thread lists over a store
// snapshot.
package query

import (
	"sort"
	"strings"

	"github.com/brandon/omnicom/internal/store"
	"github.com/brandon/omnicom/pkg/types"
)

// Filter selects threads for a list view
type Filter struct {
	Tab   types.Tab
	Query string
	// Limit caps the result size; zero means no limit.
	Limit int
}

type entry struct {
	thread  types.Thread
	title   string
	snippet string
}

type index struct {
	entries []entry
}

// buildIndex sorts every thread once per snapshot so a query is a single
// linear filter.
func buildIndex(snap *store.Snapshot) any {
	threads := snap.Threads()
	sort.Slice(threads, func(i, j int) bool {
		return Less(threads[i], threads[j])
	})
	idx := &index{entries: make([]entry, len(threads))}
	for i, t := range threads {
		idx.entries[i] = entry{
			thread:  t,
			title:   strings.ToLower(t.Title),
			snippet: strings.ToLower(t.Snippet),
		}
	}
	return idx
}

// Less orders threads by last activity descending, then by id
func Less(a, b types.Thread) bool {
	if !a.LastActivity.Equal(b.LastActivity) {
		return a.LastActivity.After(b.LastActivity)
	}
	return a.ID < b.ID
}

// List returns the threads of snap matching f in display order
func List(snap *store.Snapshot, f Filter) []types.Thread {
	tab := f.Tab
	if tab == "" {
		tab = types.TabUnified
	}
	q := strings.ToLower(strings.TrimSpace(f.Query))
	idx := snap.Derived(buildIndex).(*index)

	out := make([]types.Thread, 0)
	for _, e := range idx.entries {
		if !tab.Includes(e.thread.Kind) {
			continue
		}
		if q != "" && !strings.Contains(e.title, q) && !strings.Contains(e.snippet, q) {
			continue
		}
		out = append(out, e.thread)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// MessageHit is one message matched by SearchMessages
type MessageHit struct {
	Thread  types.Thread  `json:"thread"`
	Message types.Message `json:"message"`
}

// SearchMessages scans message bodies and senders of snap for q, newest
// first. It serves searches when no persistent full-text index is
// configured.
func SearchMessages(snap *store.Snapshot, q string, limit int) []MessageHit {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return nil
	}
	var hits []MessageHit
	snap.Messages(func(t types.Thread, m types.Message) bool {
		if strings.Contains(strings.ToLower(m.Body), q) || strings.Contains(strings.ToLower(m.Sender), q) {
			hits = append(hits, MessageHit{Thread: t, Message: m})
		}
		return true
	})
	sort.Slice(hits, func(i, j int) bool {
		return hits[j].Message.Before(hits[i].Message)
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}
