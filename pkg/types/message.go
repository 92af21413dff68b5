package types

import "time"

// AccountStatus is the sync health of an account
type AccountStatus string

const (
	AccountActive      AccountStatus = "active"
	AccountAuthExpired AccountStatus = "auth_expired"
	AccountError       AccountStatus = "error"
	AccountDisabled    AccountStatus = "disabled"
)

// Direction tells whether a message was received or sent by the account owner
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// DeliveryStatus is the lifecycle state of a message
type DeliveryStatus string

const (
	StatusComposing DeliveryStatus = "composing"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

var statusRank = map[DeliveryStatus]int{
	StatusComposing: 0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// CanAdvance reports whether a message in status s may move to next.
// Statuses only move forward; failed is terminal and only reachable before
// delivery.
func (s DeliveryStatus) CanAdvance(next DeliveryStatus) bool {
	if s == next || s == StatusFailed {
		return false
	}
	if next == StatusFailed {
		return s == StatusComposing || s == StatusSent
	}
	cur, ok := statusRank[s]
	if !ok {
		return true
	}
	nxt, ok := statusRank[next]
	if !ok {
		return false
	}
	return nxt > cur
}

// SyncCursor tracks incremental sync progress for an account
type SyncCursor struct {
	Token               string     `json:"token,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	LastAttempt         *time.Time `json:"last_attempt,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// Account represents one connected external identity
type Account struct {
	ID          string        `json:"id"`
	Kind        ProviderKind  `json:"provider"`
	DisplayName string        `json:"display_name"`
	Cursor      SyncCursor    `json:"cursor"`
	AuthHandle  string        `json:"-"`
	Status      AccountStatus `json:"status"`
	LastError   string        `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Thread represents a conversation tied to exactly one account
type Thread struct {
	ID               string       `json:"id"`
	AccountID        string       `json:"account_id"`
	Kind             ProviderKind `json:"provider"`
	ProviderThreadID string       `json:"provider_thread_id"`
	Title            string       `json:"title"`
	Participants     []string     `json:"participants"`
	Snippet          string       `json:"snippet"`
	LastActivity     time.Time    `json:"last_activity"`
	UnreadCount      int          `json:"unread_count"`
	Tags             []string     `json:"tags,omitempty"`
}

// Message is a single unit of content within a thread
type Message struct {
	ID                string         `json:"id"`
	ThreadID          string         `json:"thread_id"`
	AccountID         string         `json:"account_id"`
	Sender            string         `json:"sender"`
	Body              string         `json:"body"`
	CreatedAt         time.Time      `json:"created_at"`
	Direction         Direction      `json:"direction"`
	Status            DeliveryStatus `json:"status"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	Error             string         `json:"error,omitempty"`
}

// Unread reports whether the message counts towards a thread's unread total
func (m Message) Unread() bool {
	return m.Direction == Inbound && m.Status != StatusRead
}

// Before orders messages by creation time, breaking ties by id
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// ThreadDetail is a thread with its ordered messages
type ThreadDetail struct {
	Thread   Thread    `json:"thread"`
	Messages []Message `json:"messages"`
	Summary  string    `json:"summary,omitempty"`
}

// Badges maps each tab to its unread total
type Badges map[Tab]int
