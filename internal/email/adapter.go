// Package email implements the IMAP/SMTP provider adapter used by the
// outlook and proton kinds.
package email

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"github.com/brandon/omnicom/internal/credentials"
	"github.com/brandon/omnicom/internal/mailparse"
	"github.com/brandon/omnicom/internal/provider"
	"github.com/brandon/omnicom/pkg/types"
)

// Security selects how a connection is protected
type Security string

const (
	SecurityTLS      Security = "tls"
	SecurityStartTLS Security = "starttls"
	// SecurityPlain is meant for local bridges such as Proton Bridge.
	SecurityPlain Security = "plain"
)

// ParseSecurity accepts tls, starttls or plain
func ParseSecurity(s string) (Security, error) {
	switch sec := Security(strings.ToLower(strings.TrimSpace(s))); sec {
	case SecurityTLS, SecurityStartTLS, SecurityPlain:
		return sec, nil
	case "":
		return SecurityTLS, nil
	default:
		return "", fmt.Errorf("unknown connection security %q", s)
	}
}

// Endpoint is one mail server address
type Endpoint struct {
	Host     string
	Port     int
	Security Security
}

// Servers are the mail servers of one provider kind
type Servers struct {
	IMAP Endpoint
	SMTP Endpoint
}

// Adapter syncs INBOX over IMAP and replies over SMTP
type Adapter struct {
	accountID string
	imap      *IMAPClient
	smtp      *SMTPClient
	creds     credentials.Store
	handle    string
	logger    *logrus.Logger
}

// NewFactory returns a provider factory for accounts on servers
func NewFactory(servers Servers, creds credentials.Store, logger *logrus.Logger) provider.Factory {
	return func(ctx context.Context, acc types.Account) (provider.Adapter, error) {
		if servers.IMAP.Host == "" || servers.SMTP.Host == "" {
			return nil, provider.NewFatal(fmt.Sprintf("no mail servers configured for %s", acc.Kind), nil)
		}
		return &Adapter{
			accountID: acc.ID,
			imap:      NewIMAPClient(servers.IMAP, creds, acc.AuthHandle, logger),
			smtp:      NewSMTPClient(servers.SMTP, creds, acc.AuthHandle, logger),
			creds:     creds,
			handle:    acc.AuthHandle,
			logger:    logger,
		}, nil
	}
}

// FetchIncremental returns INBOX messages newer than cursor grouped into
// conversations
func (a *Adapter) FetchIncremental(ctx context.Context, cursor string) (provider.Batch, string, error) {
	self, err := a.self(ctx)
	if err != nil {
		return provider.Batch{}, "", err
	}
	msgs, next, err := a.imap.FetchSince(ctx, ParseCursor(cursor))
	if err != nil {
		return provider.Batch{}, "", err
	}

	var batch provider.Batch
	index := make(map[string]int)
	for _, f := range msgs {
		key := f.Parsed.ThreadKey()
		id := f.Parsed.MessageID
		if id == "" {
			id = uidID(f.UID)
		}
		if key == "" {
			key = id
		}

		raw := toRaw(f, id, self)
		i, ok := index[key]
		if !ok {
			i = len(batch.Threads)
			index[key] = i
			batch.Threads = append(batch.Threads, provider.RawThread{ProviderThreadID: key})
		}
		t := &batch.Threads[i]
		if subject := mailparse.NormalizeSubject(f.Parsed.Subject); subject != "" {
			t.Title = subject
		}
		t.Participants = appendUnique(t.Participants, without(f.Parsed.Participants(), self)...)
		t.Messages = append(t.Messages, raw)
	}

	a.logger.WithFields(logrus.Fields{
		"account":  a.accountID,
		"messages": len(msgs),
		"cursor":   next.String(),
	}).Debug("Fetched INBOX")
	return batch, next.String(), nil
}

// SendMessage replies to the newest message of a conversation
func (a *Adapter) SendMessage(ctx context.Context, providerThreadID, body string) (string, error) {
	self, err := a.self(ctx)
	if err != nil {
		return "", err
	}
	latest, err := a.imap.FindLatest(ctx, providerThreadID)
	if err != nil {
		return "", err
	}
	if latest == nil {
		return "", provider.NewRejected("conversation not found on the mail server")
	}

	reply, err := buildReply(latest, providerThreadID, self, body)
	if err != nil {
		return "", err
	}
	return a.smtp.Send(ctx, reply)
}

func toRaw(f fetched, id, self string) provider.RawMessage {
	raw := provider.RawMessage{
		ProviderMessageID: id,
		Sender:            f.Parsed.SenderName(),
		Body:              f.Parsed.Body,
		Timestamp:         f.Parsed.Date,
		Direction:         types.Inbound,
		Status:            types.StatusDelivered,
	}
	if raw.Timestamp.IsZero() {
		raw.Timestamp = f.InternalDate.UTC()
	}
	if f.Seen {
		raw.Status = types.StatusRead
	}
	if self != "" && f.Parsed.SenderAddress() == self {
		raw.Direction = types.Outbound
		raw.Status = types.StatusSent
	}
	return raw
}

// buildReply addresses a reply to everyone on latest except self. The
// thread root stays first in References so the reply threads back.
func buildReply(latest *fetched, providerThreadID, self, body string) (*mailparse.Reply, error) {
	var to []*mail.Address
	for _, addr := range without(latest.Parsed.Participants(), self) {
		to = append(to, &mail.Address{Address: addr})
	}
	if len(to) == 0 {
		return nil, provider.NewRejected("conversation has no other participants")
	}

	reply := &mailparse.Reply{
		To:      to,
		Subject: mailparse.ReplySubject(latest.Parsed.Subject),
		Body:    body,
	}
	if _, ok := uidFromID(providerThreadID); !ok {
		reply.References = []string{providerThreadID}
	}
	if id := latest.Parsed.MessageID; id != "" {
		reply.InReplyTo = id
		if id != providerThreadID {
			reply.References = append(reply.References, id)
		}
	}
	return reply, nil
}

// MarkRead sets \Seen on the given messages
func (a *Adapter) MarkRead(ctx context.Context, providerThreadID string, providerMessageIDs []string) error {
	if len(providerMessageIDs) == 0 {
		return nil
	}
	return a.imap.MarkSeen(ctx, providerMessageIDs)
}

// Close closes the IMAP session
func (a *Adapter) Close() error {
	return a.imap.Close()
}

func (a *Adapter) self(ctx context.Context) (string, error) {
	cred, err := a.creds.Lookup(ctx, a.handle)
	if err != nil {
		return "", provider.NewAuthExpired(err)
	}
	return strings.ToLower(cred.Username), nil
}

func without(list []string, drop string) []string {
	out := make([]string, 0, len(list))
	for _, s := range list {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}

func appendUnique(list []string, items ...string) []string {
	for _, it := range items {
		found := false
		for _, s := range list {
			if s == it {
				found = true
				break
			}
		}
		if !found {
			list = append(list, it)
		}
	}
	return list
}
