package cache

import (
	"context"
	"fmt"
	"strings"
)

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
)

// SearchOptions contains search parameters
type SearchOptions struct {
	Query     string
	AccountID string
	Limit     int
}

// Hit identifies one matching message. Callers resolve hits against the
// current snapshot so results never show state the store has moved past.
type Hit struct {
	ThreadID  string
	MessageID string
}

// Search finds messages whose sender or body matches the query, newest first
func (s *Store) Search(ctx context.Context, opts SearchOptions) ([]Hit, error) {
	q := strings.TrimSpace(opts.Query)
	if q == "" {
		return nil, nil
	}

	var conditions []string
	var args []any

	if s.cache.dialect == DialectSQLite {
		conditions = append(conditions, "m.rowid IN (SELECT rowid FROM messages_fts WHERE messages_fts MATCH ?)")
		args = append(args, ftsQuery(q))
	} else {
		conditions = append(conditions, "(m.body ILIKE ? OR m.sender ILIKE ?)")
		term := "%" + escapeLike(q) + "%"
		args = append(args, term, term)
	}

	if opts.AccountID != "" {
		conditions = append(conditions, "m.account_id = ?")
		args = append(args, opts.AccountID)
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT m.thread_id, m.id
		FROM messages m
		WHERE %s
		ORDER BY m.created_at DESC, m.id DESC
		LIMIT ?
	`, strings.Join(conditions, " AND "))

	rows, err := s.cache.db.QueryContext(ctx, s.cache.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.ThreadID, &h.MessageID); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read search results: %w", err)
	}
	return hits, nil
}

// ftsQuery quotes every term so user input is never parsed as FTS5 syntax.
// The last term is a prefix match to serve search-as-you-type.
func ftsQuery(q string) string {
	fields := strings.Fields(q)
	for i, f := range fields {
		fields[i] = `"` + strings.ReplaceAll(f, `"`, `""`) + `"`
	}
	fields[len(fields)-1] += "*"
	return strings.Join(fields, " ")
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
