package tools

import (
	"context"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/brandon/omnicom/pkg/types"
)

// threadView adds a relative activity time for display
type threadView struct {
	types.Thread
	LastActivityAgo string `json:"last_activity_ago"`
}

type messageView struct {
	types.Message
	Ago string `json:"ago"`
}

func ago(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func toThreadView(t types.Thread, now time.Time) threadView {
	return threadView{Thread: t, LastActivityAgo: ago(t.LastActivity, now)}
}

func toMessageView(m types.Message, now time.Time) messageView {
	return messageView{Message: m, Ago: ago(m.CreatedAt, now)}
}

func tabEnum() []interface{} {
	tabs := make([]interface{}, 0, len(types.AllTabs()))
	for _, tab := range types.AllTabs() {
		tabs = append(tabs, string(tab))
	}
	return tabs
}

type listThreadsTool struct {
	inbox Inbox
	now   func() time.Time
}

func (t *listThreadsTool) Name() string { return "list_threads" }

func (t *listThreadsTool) Description() string {
	return "List conversations of a tab, most recent first, optionally filtered by text in the title or latest message"
}

func (t *listThreadsTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"tab": map[string]interface{}{
			"type":        "string",
			"enum":        tabEnum(),
			"description": "Optional: tab to list (default unified)",
		},
		"query": stringProp("Optional: case-insensitive text to match"),
		"limit": map[string]interface{}{
			"type":        "integer",
			"minimum":     1,
			"maximum":     1000,
			"description": "Optional: maximum number of threads",
		},
	})
}

func (t *listThreadsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	tab, err := types.ParseTab(stringParam(params, "tab"))
	if err != nil {
		return nil, err
	}
	threads := t.inbox.ListThreads(tab, stringParam(params, "query"), intParam(params, "limit"))
	now := t.now()
	views := make([]threadView, len(threads))
	for i, th := range threads {
		views[i] = toThreadView(th, now)
	}
	return map[string]interface{}{
		"tab":     tab,
		"threads": views,
		"count":   len(views),
	}, nil
}

type getThreadTool struct {
	inbox Inbox
	now   func() time.Time
}

func (t *getThreadTool) Name() string { return "get_thread" }

func (t *getThreadTool) Description() string {
	return "Get a conversation with all its messages, oldest first, and a summary for longer threads when available"
}

func (t *getThreadTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"thread_id": idProp("Thread ID (from list_threads)"),
	}, "thread_id")
}

func (t *getThreadTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	detail, err := t.inbox.GetThread(ctx, stringParam(params, "thread_id"))
	if err != nil {
		return nil, err
	}
	now := t.now()
	msgs := make([]messageView, len(detail.Messages))
	for i, m := range detail.Messages {
		msgs[i] = toMessageView(m, now)
	}
	result := map[string]interface{}{
		"thread":   toThreadView(detail.Thread, now),
		"messages": msgs,
	}
	if detail.Summary != "" {
		result["summary"] = detail.Summary
	}
	return result, nil
}

type markReadTool struct {
	inbox Inbox
}

func (t *markReadTool) Name() string { return "mark_read" }

func (t *markReadTool) Description() string {
	return "Mark every message of a conversation read"
}

func (t *markReadTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"thread_id": idProp("Thread ID"),
	}, "thread_id")
}

func (t *markReadTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return t.inbox.MarkRead(ctx, stringParam(params, "thread_id"))
}

type badgesTool struct {
	inbox Inbox
}

func (t *badgesTool) Name() string { return "get_badges" }

func (t *badgesTool) Description() string {
	return "Get the unread message count of every tab"
}

func (t *badgesTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{})
}

func (t *badgesTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return t.inbox.Badges(), nil
}
