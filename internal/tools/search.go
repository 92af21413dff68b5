package tools

import (
	"context"
	"time"
)

type searchMessagesTool struct {
	inbox Inbox
	now   func() time.Time
}

func (t *searchMessagesTool) Name() string { return "search_messages" }

func (t *searchMessagesTool) Description() string {
	return "Search message bodies and senders across all accounts, newest first"
}

func (t *searchMessagesTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"query": map[string]interface{}{
			"type":        "string",
			"minLength":   1,
			"description": "Text to search for",
		},
		"limit": map[string]interface{}{
			"type":        "integer",
			"minimum":     1,
			"maximum":     1000,
			"description": "Optional: maximum number of results",
		},
	}, "query")
}

type searchHit struct {
	ThreadID    string      `json:"thread_id"`
	ThreadTitle string      `json:"thread_title"`
	Provider    string      `json:"provider"`
	Message     messageView `json:"message"`
}

func (t *searchMessagesTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	hits, err := t.inbox.SearchMessages(ctx, stringParam(params, "query"), intParam(params, "limit"))
	if err != nil {
		return nil, err
	}
	now := t.now()
	results := make([]searchHit, len(hits))
	for i, h := range hits {
		results[i] = searchHit{
			ThreadID:    h.Thread.ID,
			ThreadTitle: h.Thread.Title,
			Provider:    string(h.Thread.Kind),
			Message:     toMessageView(h.Message, now),
		}
	}
	return map[string]interface{}{
		"results": results,
		"count":   len(results),
	}, nil
}
