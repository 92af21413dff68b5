package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/omnicom/internal/store"
	"github.com/brandon/omnicom/pkg/types"
)

var _ store.Persister = (*Store)(nil)

// Store persists accounts, threads and messages for the in-memory store
type Store struct {
	cache  *Cache
	logger *logrus.Logger
}

// NewStore creates a new store instance
func NewStore(cache *Cache, logger *logrus.Logger) *Store {
	return &Store{
		cache:  cache,
		logger: logger,
	}
}

const upsertAccount = `
	INSERT INTO accounts (id, kind, display_name, auth_handle, status, last_error,
		cursor_token, last_success, last_attempt, consecutive_failures, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		kind = excluded.kind,
		display_name = excluded.display_name,
		auth_handle = excluded.auth_handle,
		status = excluded.status,
		last_error = excluded.last_error,
		cursor_token = excluded.cursor_token,
		last_success = excluded.last_success,
		last_attempt = excluded.last_attempt,
		consecutive_failures = excluded.consecutive_failures
`

const upsertThread = `
	INSERT INTO threads (id, account_id, provider_thread_id, title, participants,
		snippet, last_activity, unread_count, tags)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		title = excluded.title,
		participants = excluded.participants,
		snippet = excluded.snippet,
		last_activity = excluded.last_activity,
		unread_count = excluded.unread_count,
		tags = excluded.tags
`

const upsertMessage = `
	INSERT INTO messages (thread_id, id, account_id, sender, body, created_at,
		direction, status, provider_message_id, error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(thread_id, id) DO UPDATE SET
		sender = excluded.sender,
		body = excluded.body,
		created_at = excluded.created_at,
		direction = excluded.direction,
		status = excluded.status,
		provider_message_id = excluded.provider_message_id,
		error = excluded.error
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveAccount upserts an account
func (s *Store) SaveAccount(ctx context.Context, acc types.Account) error {
	if err := s.saveAccount(ctx, s.cache.db, acc); err != nil {
		return err
	}
	s.logger.WithField("account", acc.ID).Debug("Persisted account")
	return nil
}

func (s *Store) saveAccount(ctx context.Context, ex execer, acc types.Account) error {
	_, err := ex.ExecContext(ctx, s.cache.rebind(upsertAccount),
		acc.ID, string(acc.Kind), acc.DisplayName, acc.AuthHandle, string(acc.Status), acc.LastError,
		acc.Cursor.Token, nanos(acc.Cursor.LastSuccess), nanos(acc.Cursor.LastAttempt),
		acc.Cursor.ConsecutiveFailures, acc.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert account: %w", err)
	}
	return nil
}

// DeleteAccount removes an account with its threads and messages
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			"DELETE FROM messages WHERE account_id = ?",
			"DELETE FROM threads WHERE account_id = ?",
			"DELETE FROM accounts WHERE id = ?",
		} {
			if _, err := tx.ExecContext(ctx, s.cache.rebind(q), accountID); err != nil {
				return fmt.Errorf("failed to delete account: %w", err)
			}
		}
		return nil
	})
}

// SaveMerge writes threads and messages together with the account row
func (s *Store) SaveMerge(ctx context.Context, acc types.Account, threads []types.Thread, messages []types.Message) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.saveAccount(ctx, tx, acc); err != nil {
			return err
		}
		for _, t := range threads {
			if err := s.saveThread(ctx, tx, t); err != nil {
				return err
			}
		}
		for _, m := range messages {
			if err := s.saveMessage(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"account":  acc.ID,
		"threads":  len(threads),
		"messages": len(messages),
	}).Debug("Persisted merge")
	return nil
}

func (s *Store) saveThread(ctx context.Context, ex execer, t types.Thread) error {
	participants, err := json.Marshal(nonNil(t.Participants))
	if err != nil {
		return fmt.Errorf("failed to marshal participants: %w", err)
	}
	tags, err := json.Marshal(nonNil(t.Tags))
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	_, err = ex.ExecContext(ctx, s.cache.rebind(upsertThread),
		t.ID, t.AccountID, t.ProviderThreadID, t.Title, string(participants),
		t.Snippet, t.LastActivity.UnixNano(), t.UnreadCount, string(tags))
	if err != nil {
		return fmt.Errorf("failed to upsert thread %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) saveMessage(ctx context.Context, ex execer, m types.Message) error {
	_, err := ex.ExecContext(ctx, s.cache.rebind(upsertMessage),
		m.ThreadID, m.ID, m.AccountID, m.Sender, m.Body, m.CreatedAt.UnixNano(),
		string(m.Direction), string(m.Status), m.ProviderMessageID, m.Error)
	if err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", m.ID, err)
	}
	return nil
}

// SaveFold deletes the folded message and upserts the kept one together with
// its thread and account.
func (s *Store) SaveFold(ctx context.Context, acc types.Account, thread types.Thread, kept types.Message, foldedID string) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			s.cache.rebind("DELETE FROM messages WHERE account_id = ? AND thread_id = ? AND id = ?"),
			acc.ID, thread.ID, foldedID)
		if err != nil {
			return fmt.Errorf("failed to delete folded message: %w", err)
		}
		if err := s.saveAccount(ctx, tx, acc); err != nil {
			return err
		}
		if err := s.saveThread(ctx, tx, thread); err != nil {
			return err
		}
		return s.saveMessage(ctx, tx, kept)
	})
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"account": acc.ID,
		"thread":  thread.ID,
		"folded":  foldedID,
	}).Debug("Persisted outbound fold")
	return nil
}

// LoadAll reads every persisted account with its threads and messages
func (s *Store) LoadAll(ctx context.Context) ([]store.AccountState, error) {
	states, index, err := s.loadAccounts(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.loadThreads(ctx, states, index); err != nil {
		return nil, err
	}
	if err := s.loadMessages(ctx, states, index); err != nil {
		return nil, err
	}
	return states, nil
}

func (s *Store) loadAccounts(ctx context.Context) ([]store.AccountState, map[string]int, error) {
	rows, err := s.cache.db.QueryContext(ctx, `
		SELECT id, kind, display_name, auth_handle, status, last_error,
			cursor_token, last_success, last_attempt, consecutive_failures, created_at
		FROM accounts
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var states []store.AccountState
	index := make(map[string]int)
	for rows.Next() {
		var (
			acc                               types.Account
			kind, status                      string
			lastSuccess, lastAttempt, created int64
		)
		if err := rows.Scan(&acc.ID, &kind, &acc.DisplayName, &acc.AuthHandle, &status, &acc.LastError,
			&acc.Cursor.Token, &lastSuccess, &lastAttempt, &acc.Cursor.ConsecutiveFailures, &created); err != nil {
			return nil, nil, fmt.Errorf("failed to scan account: %w", err)
		}
		acc.Kind = types.ProviderKind(kind)
		acc.Status = types.AccountStatus(status)
		acc.Cursor.LastSuccess = fromNanosPtr(lastSuccess)
		acc.Cursor.LastAttempt = fromNanosPtr(lastAttempt)
		acc.CreatedAt = fromNanos(created)

		index[acc.ID] = len(states)
		states = append(states, store.AccountState{Account: acc})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read accounts: %w", err)
	}
	return states, index, nil
}

func (s *Store) loadThreads(ctx context.Context, states []store.AccountState, index map[string]int) error {
	rows, err := s.cache.db.QueryContext(ctx, `
		SELECT id, account_id, provider_thread_id, title, participants,
			snippet, last_activity, unread_count, tags
		FROM threads
	`)
	if err != nil {
		return fmt.Errorf("failed to query threads: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t                  types.Thread
			participants, tags string
			lastActivity       int64
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &t.ProviderThreadID, &t.Title, &participants,
			&t.Snippet, &lastActivity, &t.UnreadCount, &tags); err != nil {
			return fmt.Errorf("failed to scan thread: %w", err)
		}
		if err := json.Unmarshal([]byte(participants), &t.Participants); err != nil {
			s.logger.WithError(err).WithField("thread", t.ID).Warn("Failed to unmarshal participants")
		}
		if err := json.Unmarshal([]byte(tags), &t.Tags); err != nil {
			s.logger.WithError(err).WithField("thread", t.ID).Warn("Failed to unmarshal tags")
		}
		if len(t.Tags) == 0 {
			t.Tags = nil
		}
		t.LastActivity = fromNanos(lastActivity)

		i, ok := index[t.AccountID]
		if !ok {
			continue
		}
		t.Kind = states[i].Account.Kind
		states[i].Threads = append(states[i].Threads, t)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read threads: %w", err)
	}
	return nil
}

func (s *Store) loadMessages(ctx context.Context, states []store.AccountState, index map[string]int) error {
	rows, err := s.cache.db.QueryContext(ctx, `
		SELECT thread_id, id, account_id, sender, body, created_at,
			direction, status, provider_message_id, error
		FROM messages
		ORDER BY created_at, id
	`)
	if err != nil {
		return fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m                 types.Message
			direction, status string
			created           int64
		)
		if err := rows.Scan(&m.ThreadID, &m.ID, &m.AccountID, &m.Sender, &m.Body, &created,
			&direction, &status, &m.ProviderMessageID, &m.Error); err != nil {
			return fmt.Errorf("failed to scan message: %w", err)
		}
		m.CreatedAt = fromNanos(created)
		m.Direction = types.Direction(direction)
		m.Status = types.DeliveryStatus(status)

		i, ok := index[m.AccountID]
		if !ok {
			continue
		}
		states[i].Messages = append(states[i].Messages, m)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to read messages: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.cache.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.WithError(rbErr).Warn("Rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func nanos(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func fromNanosPtr(n int64) *time.Time {
	if n == 0 {
		return nil
	}
	t := fromNanos(n)
	return &t
}

func nonNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}
