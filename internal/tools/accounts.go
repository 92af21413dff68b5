package tools

import (
	"context"

	"github.com/brandon/omnicom/pkg/types"
)

type listAccountsTool struct {
	inbox Inbox
}

func (t *listAccountsTool) Name() string { return "list_accounts" }

func (t *listAccountsTool) Description() string {
	return "List linked accounts with their provider, sync status and last error"
}

func (t *listAccountsTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{})
}

func (t *listAccountsTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	accounts := t.inbox.ListAccounts()
	return map[string]interface{}{
		"accounts": accounts,
		"count":    len(accounts),
	}, nil
}

type linkAccountTool struct {
	inbox Inbox
}

func (t *linkAccountTool) Name() string { return "link_account" }

func (t *linkAccountTool) Description() string {
	return "Connect a new account. The auth handle references credentials held outside this server."
}

func (t *linkAccountTool) InputSchema() map[string]interface{} {
	kinds := make([]interface{}, 0, len(types.AllProviders()))
	for _, k := range types.AllProviders() {
		kinds = append(kinds, string(k))
	}
	return objectSchema(map[string]interface{}{
		"provider": map[string]interface{}{
			"type":        "string",
			"enum":        kinds,
			"description": "Provider kind",
		},
		"name":        stringProp("Optional: display name"),
		"auth_handle": idProp("Credential store reference, e.g. env:WORK_GMAIL"),
	}, "provider", "auth_handle")
}

func (t *linkAccountTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	kind, err := types.ParseProviderKind(stringParam(params, "provider"))
	if err != nil {
		return nil, err
	}
	return t.inbox.LinkAccount(ctx, kind, stringParam(params, "name"), stringParam(params, "auth_handle"))
}

type unlinkAccountTool struct {
	inbox Inbox
}

func (t *unlinkAccountTool) Name() string { return "unlink_account" }

func (t *unlinkAccountTool) Description() string {
	return "Disconnect an account and remove all of its threads and messages"
}

func (t *unlinkAccountTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"account_id": idProp("Account ID"),
	}, "account_id")
}

func (t *unlinkAccountTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id := stringParam(params, "account_id")
	if err := t.inbox.UnlinkAccount(ctx, id); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success":    true,
		"account_id": id,
	}, nil
}

type syncNowTool struct {
	inbox Inbox
}

func (t *syncNowTool) Name() string { return "sync_now" }

func (t *syncNowTool) Description() string {
	return "Request an immediate sync of an account. Accounts backing off after a failure wait for the backoff to end."
}

func (t *syncNowTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"account_id": idProp("Account ID"),
	}, "account_id")
}

func (t *syncNowTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	id := stringParam(params, "account_id")
	if err := t.inbox.SyncNow(id); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success":    true,
		"account_id": id,
		"message":    "Sync scheduled",
	}, nil
}

type reactivateAccountTool struct {
	inbox Inbox
}

func (t *reactivateAccountTool) Name() string { return "reactivate_account" }

func (t *reactivateAccountTool) Description() string {
	return "Resume syncing an account that stopped on expired credentials or a fatal error"
}

func (t *reactivateAccountTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"account_id":  idProp("Account ID"),
		"auth_handle": stringProp("Optional: replacement credential store reference"),
	}, "account_id")
}

func (t *reactivateAccountTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return t.inbox.Reactivate(ctx, stringParam(params, "account_id"), stringParam(params, "auth_handle"))
}
