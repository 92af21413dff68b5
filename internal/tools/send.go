package tools

import (
	"context"
	"strings"

	"github.com/brandon/omnicom/pkg/types"
)

type sendMessageTool struct {
	inbox Inbox
}

func (t *sendMessageTool) Name() string { return "send_message" }

func (t *sendMessageTool) Description() string {
	return "Reply in a conversation through its provider. Failed sends stay in the thread marked failed and can be resent."
}

func (t *sendMessageTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"thread_id": idProp("Thread ID"),
		"body": map[string]interface{}{
			"type":        "string",
			"minLength":   1,
			"description": "Plain text message body",
		},
	}, "thread_id", "body")
}

func (t *sendMessageTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	msg, err := t.inbox.Send(ctx, stringParam(params, "thread_id"), stringParam(params, "body"))
	return sendResult(msg, err)
}

type resendMessageTool struct {
	inbox Inbox
}

func (t *resendMessageTool) Name() string { return "resend_message" }

func (t *resendMessageTool) Description() string {
	return "Send the body of a failed outbound message again as a new message"
}

func (t *resendMessageTool) InputSchema() map[string]interface{} {
	return objectSchema(map[string]interface{}{
		"thread_id":  idProp("Thread ID"),
		"message_id": idProp("ID of the failed message"),
	}, "thread_id", "message_id")
}

func (t *resendMessageTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	msg, err := t.inbox.Resend(ctx, stringParam(params, "thread_id"), stringParam(params, "message_id"))
	return sendResult(msg, err)
}

// sendResult reports a failed delivery as data when the message was
// recorded, so the caller learns the id to resend.
func sendResult(msg types.Message, err error) (interface{}, error) {
	if err != nil && msg.ID == "" {
		return nil, err
	}
	result := map[string]interface{}{
		"success": err == nil,
		"message": msg,
	}
	if err != nil {
		result["error"] = strings.TrimPrefix(err.Error(), "failed to send message: ")
	}
	return result, nil
}
