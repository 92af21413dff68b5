package tools

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/brandon/omnicom/internal/outbound"
	"github.com/brandon/omnicom/internal/query"
	"github.com/brandon/omnicom/internal/store"
	"github.com/brandon/omnicom/pkg/types"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeInbox struct {
	calls   []string
	threads []types.Thread
	detail  types.ThreadDetail
	sendErr error
	linked  types.Account
}

func (f *fakeInbox) record(call string) { f.calls = append(f.calls, call) }

func (f *fakeInbox) ListAccounts() []types.Account {
	f.record("ListAccounts")
	return []types.Account{{ID: "a", Kind: types.ProviderGmail, AuthHandle: "secret-ref", Status: types.AccountActive}}
}

func (f *fakeInbox) ListThreads(tab types.Tab, q string, limit int) []types.Thread {
	f.record("ListThreads " + string(tab) + " " + q)
	if limit > 0 && limit < len(f.threads) {
		return f.threads[:limit]
	}
	return f.threads
}

func (f *fakeInbox) GetThread(ctx context.Context, id string) (types.ThreadDetail, error) {
	f.record("GetThread " + id)
	if id != f.detail.Thread.ID {
		return types.ThreadDetail{}, store.ErrNotFound
	}
	return f.detail, nil
}

func (f *fakeInbox) Send(ctx context.Context, threadID, body string) (types.Message, error) {
	f.record("Send " + threadID + " " + body)
	msg := types.Message{ID: "local-1", ThreadID: threadID, Body: body, Direction: types.Outbound, Status: types.StatusSent}
	if f.sendErr != nil {
		msg.Status = types.StatusFailed
		return msg, f.sendErr
	}
	return msg, nil
}

func (f *fakeInbox) Resend(ctx context.Context, threadID, messageID string) (types.Message, error) {
	f.record("Resend " + threadID + " " + messageID)
	return types.Message{}, outbound.ErrNotResendable
}

func (f *fakeInbox) MarkRead(ctx context.Context, threadID string) (types.Thread, error) {
	f.record("MarkRead " + threadID)
	return types.Thread{ID: threadID}, nil
}

func (f *fakeInbox) LinkAccount(ctx context.Context, kind types.ProviderKind, name, handle string) (types.Account, error) {
	f.record("LinkAccount " + string(kind) + " " + name + " " + handle)
	f.linked = types.Account{ID: "new", Kind: kind, DisplayName: name, AuthHandle: handle}
	return f.linked, nil
}

func (f *fakeInbox) UnlinkAccount(ctx context.Context, id string) error {
	f.record("UnlinkAccount " + id)
	return nil
}

func (f *fakeInbox) SyncNow(id string) error {
	f.record("SyncNow " + id)
	return nil
}

func (f *fakeInbox) Reactivate(ctx context.Context, id, handle string) (types.Account, error) {
	f.record("Reactivate " + id + " " + handle)
	return types.Account{ID: id, Status: types.AccountActive}, nil
}

func (f *fakeInbox) Badges() types.Badges {
	f.record("Badges")
	return types.Badges{types.TabUnified: 3, types.TabEmail: 1, types.TabInstant: 2, types.TabCommunities: 0}
}

func (f *fakeInbox) SearchMessages(ctx context.Context, q string, limit int) ([]query.MessageHit, error) {
	f.record("SearchMessages " + q)
	return []query.MessageHit{{
		Thread:  types.Thread{ID: "a:t1", Title: "Lunch", Kind: types.ProviderGmail},
		Message: types.Message{ID: "m1", Body: "pizza", CreatedAt: now.Add(-2 * time.Hour)},
	}}, nil
}

func newTestRegistry(t *testing.T, inbox Inbox) *Registry {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	reg, err := NewRegistry(inbox, logger)
	if err != nil {
		t.Fatalf("NewRegistry() = %v", err)
	}
	reg.now = func() time.Time { return now }
	return reg
}

func call(t *testing.T, reg *Registry, name, args string) map[string]interface{} {
	t.Helper()
	result, err := reg.Call(context.Background(), name, json.RawMessage(args))
	if err != nil {
		t.Fatalf("Call(%s, %s) = %v", name, args, err)
	}
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("result of %s is not an object: %s", name, raw)
	}
	return out
}

func TestRegistryHasEveryTool(t *testing.T) {
	reg := newTestRegistry(t, &fakeInbox{})
	var names []string
	for _, tool := range reg.ListTools() {
		names = append(names, tool.Name())
	}
	want := []string{
		"get_badges", "get_thread", "link_account", "list_accounts", "list_threads", "mark_read",
		"reactivate_account", "resend_message", "search_messages", "send_message", "sync_now", "unlink_account",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("tools (-want +got):\n%s", diff)
	}
	for _, def := range reg.GetToolDefinitions() {
		if def["inputSchema"] == nil || def["description"] == "" {
			t.Errorf("incomplete definition %v", def)
		}
	}
}

func TestArgumentValidation(t *testing.T) {
	reg := newTestRegistry(t, &fakeInbox{})
	tests := []struct {
		tool string
		args string
	}{
		{"send_message", `{"thread_id": "a:t1"}`},
		{"send_message", `{"thread_id": "a:t1", "body": ""}`},
		{"list_threads", `{"tab": "spam"}`},
		{"list_threads", `{"limit": 0}`},
		{"list_threads", `{"limit": "ten"}`},
		{"link_account", `{"provider": "myspace", "auth_handle": "x"}`},
		{"get_thread", `{"thread_id": "a:t1", "extra": true}`},
		{"unlink_account", `[]`},
		{"get_badges", `not json`},
	}
	for _, tt := range tests {
		_, err := reg.Call(context.Background(), tt.tool, json.RawMessage(tt.args))
		if !errors.Is(err, ErrInvalidArguments) {
			t.Errorf("Call(%s, %s) = %v, want ErrInvalidArguments", tt.tool, tt.args, err)
		}
	}

	if _, err := reg.Call(context.Background(), "delete_everything", nil); !errors.Is(err, ErrUnknownTool) {
		t.Errorf("unknown tool error = %v", err)
	}
	if _, err := reg.Call(context.Background(), "get_badges", nil); err != nil {
		t.Errorf("Call(get_badges, nil) = %v", err)
	}
}

func TestListThreadsHumanizesTimes(t *testing.T) {
	inbox := &fakeInbox{threads: []types.Thread{
		{ID: "a:t1", Title: "Lunch", LastActivity: now.Add(-3 * time.Minute)},
		{ID: "a:t2", Title: "Old", LastActivity: now.Add(-48 * time.Hour)},
	}}
	reg := newTestRegistry(t, inbox)

	out := call(t, reg, "list_threads", `{"tab": "email", "query": "lu", "limit": 5}`)
	if out["count"].(float64) != 2 || out["tab"] != "email" {
		t.Errorf("list_threads result = %v", out)
	}
	threads := out["threads"].([]interface{})
	first := threads[0].(map[string]interface{})
	if first["id"] != "a:t1" || first["last_activity_ago"] != "3 minutes ago" {
		t.Errorf("first thread = %v", first)
	}
	if second := threads[1].(map[string]interface{}); second["last_activity_ago"] != "2 days ago" {
		t.Errorf("second thread = %v", second)
	}
	if diff := cmp.Diff([]string{"ListThreads email lu"}, inbox.calls); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
}

func TestGetThread(t *testing.T) {
	inbox := &fakeInbox{detail: types.ThreadDetail{
		Thread:   types.Thread{ID: "a:t1"},
		Messages: []types.Message{{ID: "m1", Body: "hi", CreatedAt: now.Add(-time.Hour)}},
		Summary:  "they said hi",
	}}
	reg := newTestRegistry(t, inbox)

	out := call(t, reg, "get_thread", `{"thread_id": "a:t1"}`)
	if out["summary"] != "they said hi" {
		t.Errorf("summary = %v", out["summary"])
	}
	msgs := out["messages"].([]interface{})
	if m := msgs[0].(map[string]interface{}); m["body"] != "hi" || m["ago"] != "1 hour ago" {
		t.Errorf("message = %v", m)
	}

	if _, err := reg.Call(context.Background(), "get_thread", json.RawMessage(`{"thread_id": "x:y"}`)); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing thread error = %v", err)
	}
}

func TestSendReportsFailureAsData(t *testing.T) {
	inbox := &fakeInbox{sendErr: errors.New("failed to send message: recipient rejected")}
	reg := newTestRegistry(t, inbox)

	out := call(t, reg, "send_message", `{"thread_id": "a:t1", "body": "yo"}`)
	if out["success"] != false || out["error"] != "recipient rejected" {
		t.Errorf("send result = %v", out)
	}
	if msg := out["message"].(map[string]interface{}); msg["status"] != "failed" || msg["id"] != "local-1" {
		t.Errorf("failed message = %v", msg)
	}

	_, err := reg.Call(context.Background(), "resend_message", json.RawMessage(`{"thread_id": "a:t1", "message_id": "m1"}`))
	if !errors.Is(err, outbound.ErrNotResendable) {
		t.Errorf("resend error = %v", err)
	}
}

func TestAccountTools(t *testing.T) {
	inbox := &fakeInbox{}
	reg := newTestRegistry(t, inbox)

	out := call(t, reg, "list_accounts", `{}`)
	accounts := out["accounts"].([]interface{})
	if acc := accounts[0].(map[string]interface{}); acc["auth_handle"] != nil || acc["provider"] != "gmail" {
		t.Errorf("account view = %v", acc)
	}

	call(t, reg, "link_account", `{"provider": "telegram", "name": "phone", "auth_handle": "env:TG"}`)
	call(t, reg, "sync_now", `{"account_id": "new"}`)
	call(t, reg, "reactivate_account", `{"account_id": "new"}`)
	call(t, reg, "unlink_account", `{"account_id": "new"}`)
	call(t, reg, "mark_read", `{"thread_id": "new:t"}`)
	badges := call(t, reg, "get_badges", `{}`)
	if badges["unified"].(float64) != 3 {
		t.Errorf("badges = %v", badges)
	}
	search := call(t, reg, "search_messages", `{"query": "pizza"}`)
	hit := search["results"].([]interface{})[0].(map[string]interface{})
	if hit["thread_title"] != "Lunch" || hit["provider"] != "gmail" {
		t.Errorf("search hit = %v", hit)
	}

	want := []string{
		"ListAccounts",
		"LinkAccount telegram phone env:TG",
		"SyncNow new",
		"Reactivate new ",
		"UnlinkAccount new",
		"MarkRead new:t",
		"Badges",
		"SearchMessages pizza",
	}
	if diff := cmp.Diff(want, inbox.calls); diff != "" {
		t.Errorf("calls (-want +got):\n%s", diff)
	}
}
