// Package provider defines the contract every external service integration
// satisfies and the registry that opens adapters per account.
package provider

import (
	"context"
	"time"

	"github.com/brandon/omnicom/pkg/types"
)

// Adapter translates one external account's sync and send operations into
// canonical records.
type Adapter interface {
	// FetchIncremental returns everything new since cursor. Batches must be
	// safe to merge more than once.
	FetchIncremental(ctx context.Context, cursor string) (Batch, string, error)
	// SendMessage posts body to a provider thread and returns the provider
	// message id.
	SendMessage(ctx context.Context, providerThreadID, body string) (string, error)
	// MarkRead is best effort.
	MarkRead(ctx context.Context, providerThreadID string, providerMessageIDs []string) error
	Close() error
}

// Batch is the raw result of one fetch
type Batch struct {
	Threads []RawThread `json:"threads"`
}

// RawThread is a provider thread record as reported by an adapter
type RawThread struct {
	ProviderThreadID string       `json:"id"`
	Title            string       `json:"title"`
	Participants     []string     `json:"participants"`
	Tags             []string     `json:"tags"`
	Messages         []RawMessage `json:"messages"`
}

// RawMessage is a provider message record as reported by an adapter
type RawMessage struct {
	ProviderMessageID string               `json:"id"`
	Sender            string               `json:"sender"`
	Body              string               `json:"body"`
	Timestamp         time.Time            `json:"timestamp"`
	Direction         types.Direction      `json:"direction"`
	Status            types.DeliveryStatus `json:"status"`
}
