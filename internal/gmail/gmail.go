// Package gmail implements the provider adapter for Gmail accounts over the
// Gmail REST API.
package gmail

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"sync"
	"time"

	msgmail "github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gmail_api "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/brandon/omnicom/internal/credentials"
	"github.com/brandon/omnicom/internal/mailparse"
	"github.com/brandon/omnicom/internal/provider"
	"github.com/brandon/omnicom/pkg/types"
)

const (
	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsPerGetProfile   = 1
	quotaUnitsPerHistoryList  = 2
	quotaUnitsPerMessagesList = 5
	quotaUnitsPerThreadsGet   = 10
	quotaUnitsPerSend         = 100
	quotaUnitsPerBatchModify  = 50

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	fullSyncQuery    = "in:inbox OR in:sent"
	fullSyncPageSize = 100
	fullSyncMaxPages = 5

	labelUnread = "UNREAD"
	labelSent   = "SENT"
	labelInbox  = "INBOX"
)

// Labels that take a message out of sync scope even when it also carries
// INBOX or SENT.
var excludedLabels = []string{"DRAFT", "SPAM", "TRASH"}

var (
	ErrMessageNotFound = errors.New("gmail message not found")

	errStopPaging = errors.New("stop paging")
)

// Options configures the Gmail adapter
type Options struct {
	// QPS is the client-side budget in quota units per second.
	QPS float64
	// Endpoint overrides the API base URL.
	Endpoint  string
	Transport http.RoundTripper
}

// Adapter talks to one Gmail mailbox
type Adapter struct {
	accountID string
	service   *gmail_api.Service
	limiter   *rate.Limiter
	logger    *logrus.Logger

	mu      sync.Mutex
	address string
}

// NewFactory returns a provider factory for Gmail accounts
func NewFactory(opts Options, creds credentials.Store, logger *logrus.Logger) provider.Factory {
	return func(ctx context.Context, acc types.Account) (provider.Adapter, error) {
		ts := credentials.TokenSource(context.Background(), creds, acc.AuthHandle)
		client := &http.Client{Transport: &oauth2.Transport{Source: oauth2.ReuseTokenSource(nil, ts), Base: opts.Transport}}
		return New(ctx, acc.ID, client, opts, logger)
	}
}

// New creates an adapter that sends every API call through client
func New(ctx context.Context, accountID string, client *http.Client, opts Options, logger *logrus.Logger) (*Adapter, error) {
	clientOpts := []option.ClientOption{option.WithHTTPClient(client)}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	s, err := gmail_api.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, provider.NewFatal("unable to create gmail service", err)
	}
	limit := rate.Limit(rateLimitPerSecond)
	if opts.QPS > 0 {
		limit = rate.Limit(opts.QPS)
	}
	return &Adapter{
		accountID: accountID,
		service:   s,
		limiter:   rate.NewLimiter(limit, rateLimitBurst),
		logger:    logger,
	}, nil
}

// FetchIncremental lists changes since the history id in cursor. An empty
// or expired cursor falls back to a bounded full listing.
func (a *Adapter) FetchIncremental(ctx context.Context, cursor string) (provider.Batch, string, error) {
	var (
		ids  []string
		next string
		err  error
	)
	if cursor != "" {
		historyID, perr := strconv.ParseUint(cursor, 10, 64)
		if perr != nil {
			a.logger.WithField("cursor", cursor).Warn("Discarding malformed Gmail cursor")
			cursor = ""
		} else {
			ids, next, err = a.listFrom(ctx, historyID)
			if isNotFound(err) {
				a.logger.WithField("account", a.accountID).Info("Gmail history expired, running full sync")
				cursor = ""
			} else if err != nil {
				return provider.Batch{}, "", classify(ctx, err, false)
			}
		}
	}
	if cursor == "" {
		ids, next, err = a.listAll(ctx)
		if err != nil {
			return provider.Batch{}, "", classify(ctx, err, false)
		}
	}

	self, err := a.self(ctx)
	if err != nil {
		return provider.Batch{}, "", classify(ctx, err, false)
	}

	var batch provider.Batch
	index := make(map[string]int)
	for _, id := range ids {
		msg, err := a.getMessage(ctx, id)
		if errors.Is(err, ErrMessageNotFound) {
			continue
		}
		if err != nil {
			return provider.Batch{}, "", classify(ctx, err, false)
		}
		if !inScope(msg.LabelIds) {
			a.logger.WithFields(logrus.Fields{"message": id, "labels": msg.LabelIds}).Debug("Skipping Gmail message outside inbox and sent")
			continue
		}
		raw, parsed, err := toRaw(msg, self)
		if err != nil {
			a.logger.WithError(err).WithField("message", id).Warn("Skipping unparseable Gmail message")
			continue
		}

		i, ok := index[msg.ThreadId]
		if !ok {
			i = len(batch.Threads)
			index[msg.ThreadId] = i
			batch.Threads = append(batch.Threads, provider.RawThread{ProviderThreadID: msg.ThreadId})
		}
		t := &batch.Threads[i]
		if subject := mailparse.NormalizeSubject(parsed.Subject); subject != "" {
			t.Title = subject
		}
		for _, p := range parsed.Participants() {
			if p != self && !contains(t.Participants, p) {
				t.Participants = append(t.Participants, p)
			}
		}
		t.Tags = labels(t.Tags, msg.LabelIds)
		t.Messages = append(t.Messages, raw)
	}

	a.logger.WithFields(logrus.Fields{
		"account":  a.accountID,
		"messages": len(ids),
		"cursor":   next,
	}).Debug("Fetched Gmail changes")
	return batch, next, nil
}

// listAll lists recent inbox and sent messages and returns the profile's
// history id as the new cursor
func (a *Adapter) listAll(ctx context.Context) ([]string, string, error) {
	profile, err := a.profile(ctx)
	if err != nil {
		return nil, "", err
	}
	if err := a.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return nil, "", err
	}

	var ids []string
	pages := 0
	req := a.service.Users.Messages.List("me").Q(fullSyncQuery).MaxResults(fullSyncPageSize)
	err = req.Pages(ctx, func(page *gmail_api.ListMessagesResponse) error {
		pages++
		for _, msg := range page.Messages {
			ids = append(ids, msg.Id)
		}
		if page.NextPageToken == "" {
			return nil
		}
		if pages >= fullSyncMaxPages {
			return errStopPaging
		}
		return a.limiter.WaitN(ctx, quotaUnitsPerMessagesList)
	})
	if err != nil && !errors.Is(err, errStopPaging) {
		return nil, "", errors.Wrap(err, "unable to retrieve all messages")
	}
	return ids, strconv.FormatUint(profile.HistoryId, 10), nil
}

// listFrom lists messages touched since historyID
func (a *Adapter) listFrom(ctx context.Context, historyID uint64) ([]string, string, error) {
	wait := func() error {
		return a.limiter.WaitN(ctx, quotaUnitsPerHistoryList)
	}
	if err := wait(); err != nil {
		return nil, "", err
	}

	var ids []string
	seen := make(map[string]bool)
	add := func(m *gmail_api.Message) {
		if m != nil && !seen[m.Id] {
			seen[m.Id] = true
			ids = append(ids, m.Id)
		}
	}
	next := historyID
	req := a.service.Users.History.List("me").
		HistoryTypes("messageAdded", "labelAdded", "labelRemoved").
		StartHistoryId(historyID)
	err := req.Pages(ctx, func(page *gmail_api.ListHistoryResponse) error {
		if page.HistoryId > next {
			next = page.HistoryId
		}
		for _, h := range page.History {
			for _, added := range h.MessagesAdded {
				add(added.Message)
			}
			for _, l := range h.LabelsAdded {
				add(l.Message)
			}
			for _, l := range h.LabelsRemoved {
				add(l.Message)
			}
		}
		if page.NextPageToken != "" {
			return wait()
		}
		return nil
	})
	if err != nil {
		return nil, "", errors.Wrapf(err, "unable to list history from %d", historyID)
	}
	return ids, strconv.FormatUint(next, 10), nil
}

func (a *Adapter) getMessage(ctx context.Context, id string) (*gmail_api.Message, error) {
	if err := a.limiter.WaitN(ctx, quotaUnitsMessagesGet); err != nil {
		return nil, err
	}
	msg, err := a.service.Users.Messages.Get("me", id).Context(ctx).Format("raw").Do()
	if err != nil {
		if isNotFound(err) {
			a.logger.WithField("message", id).Warn("Gmail message vanished before fetch")
			return nil, ErrMessageNotFound
		}
		return nil, errors.Wrapf(err, "getting message %v from gmail", id)
	}
	return msg, nil
}

func (a *Adapter) profile(ctx context.Context) (*gmail_api.Profile, error) {
	if err := a.limiter.WaitN(ctx, quotaUnitsPerGetProfile); err != nil {
		return nil, err
	}
	p, err := a.service.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, errors.Wrap(err, "getting gmail profile")
	}
	a.mu.Lock()
	a.address = strings.ToLower(p.EmailAddress)
	a.mu.Unlock()
	return p, nil
}

// self returns the mailbox address, asking the profile once
func (a *Adapter) self(ctx context.Context) (string, error) {
	a.mu.Lock()
	addr := a.address
	a.mu.Unlock()
	if addr != "" {
		return addr, nil
	}
	p, err := a.profile(ctx)
	if err != nil {
		return "", err
	}
	return strings.ToLower(p.EmailAddress), nil
}

// SendMessage replies in a Gmail thread
func (a *Adapter) SendMessage(ctx context.Context, providerThreadID, body string) (string, error) {
	self, err := a.self(ctx)
	if err != nil {
		return "", classify(ctx, err, true)
	}
	if err := a.limiter.WaitN(ctx, quotaUnitsPerThreadsGet); err != nil {
		return "", err
	}
	thread, err := a.service.Users.Threads.Get("me", providerThreadID).Context(ctx).
		Format("metadata").MetadataHeaders("From", "To", "Cc", "Subject", "Message-Id").Do()
	if err != nil {
		if isNotFound(err) {
			return "", provider.NewRejected("conversation not found in gmail")
		}
		return "", classify(ctx, errors.Wrapf(err, "getting thread %v", providerThreadID), true)
	}
	if len(thread.Messages) == 0 {
		return "", provider.NewRejected("conversation is empty")
	}
	reply, err := buildReply(thread, self, body)
	if err != nil {
		return "", err
	}

	raw, _, err := mailparse.Compose(self, reply, time.Now())
	if err != nil {
		return "", errors.Wrap(err, "composing reply")
	}
	if err := a.limiter.WaitN(ctx, quotaUnitsPerSend); err != nil {
		return "", err
	}
	sent, err := a.service.Users.Messages.Send("me", &gmail_api.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: providerThreadID,
	}).Context(ctx).Do()
	if err != nil {
		return "", classify(ctx, errors.Wrap(err, "sending gmail message"), true)
	}
	return sent.Id, nil
}

// MarkRead removes the UNREAD label from the given messages
func (a *Adapter) MarkRead(ctx context.Context, providerThreadID string, providerMessageIDs []string) error {
	if len(providerMessageIDs) == 0 {
		return nil
	}
	if err := a.limiter.WaitN(ctx, quotaUnitsPerBatchModify); err != nil {
		return err
	}
	err := a.service.Users.Messages.BatchModify("me", &gmail_api.BatchModifyMessagesRequest{
		Ids:            providerMessageIDs,
		RemoveLabelIds: []string{labelUnread},
	}).Context(ctx).Do()
	if err != nil {
		return classify(ctx, errors.Wrap(err, "marking gmail messages read"), false)
	}
	return nil
}

// Close is a no-op; the HTTP client holds no per-account session
func (a *Adapter) Close() error {
	return nil
}

// toRaw decodes a raw-format Gmail message
func toRaw(msg *gmail_api.Message, self string) (provider.RawMessage, *mailparse.Message, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(msg.Raw, "="))
	if err != nil {
		return provider.RawMessage{}, nil, errors.Wrapf(err, "decoding message %v from gmail", msg.Id)
	}
	parsed, err := mailparse.Parse(strings.NewReader(string(data)))
	if err != nil {
		return provider.RawMessage{}, nil, err
	}

	raw := provider.RawMessage{
		ProviderMessageID: msg.Id,
		Sender:            parsed.SenderName(),
		Body:              parsed.Body,
		Timestamp:         time.UnixMilli(msg.InternalDate).UTC(),
		Direction:         types.Inbound,
		Status:            types.StatusRead,
	}
	if msg.InternalDate == 0 {
		raw.Timestamp = parsed.Date
	}
	if hasLabel(msg.LabelIds, labelUnread) {
		raw.Status = types.StatusDelivered
	}
	if hasLabel(msg.LabelIds, labelSent) || (self != "" && parsed.SenderAddress() == self) {
		raw.Direction = types.Outbound
		raw.Status = types.StatusSent
	}
	return raw, parsed, nil
}

// buildReply addresses a reply to the participants of the newest message
func buildReply(thread *gmail_api.Thread, self, body string) (*mailparse.Reply, error) {
	latest := thread.Messages[len(thread.Messages)-1]
	headers := make(map[string]string)
	if latest.Payload != nil {
		for _, h := range latest.Payload.Headers {
			headers[strings.ToLower(h.Name)] = h.Value
		}
	}

	var to []*msgmail.Address
	seen := make(map[string]bool)
	for _, key := range []string{"from", "to", "cc"} {
		list, err := mail.ParseAddressList(headers[key])
		if err != nil {
			continue
		}
		for _, addr := range list {
			a := strings.ToLower(addr.Address)
			if a == self || seen[a] {
				continue
			}
			seen[a] = true
			to = append(to, &msgmail.Address{Address: a})
		}
	}
	if len(to) == 0 {
		return nil, provider.NewRejected("conversation has no other participants")
	}

	reply := &mailparse.Reply{
		To:      to,
		Subject: mailparse.ReplySubject(headers["subject"]),
		Body:    body,
	}
	if id := strings.Trim(headers["message-id"], "<> "); id != "" {
		reply.InReplyTo = id
		reply.References = []string{id}
	}
	return reply, nil
}

// classify maps Gmail API failures onto the adapter taxonomy
func classify(ctx context.Context, err error, sending bool) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, credentials.ErrExpired) || errors.Is(err, credentials.ErrUnknownHandle) {
		return provider.NewAuthExpired(err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var perr *provider.Error
	if errors.As(err, &perr) {
		return err
	}

	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return provider.NewTransient(err)
	}
	switch code := gerr.Code; {
	case code == http.StatusUnauthorized:
		return provider.NewAuthExpired(err)
	case code == http.StatusTooManyRequests || (code == http.StatusForbidden && hasReason(gerr, "rateLimitExceeded", "userRateLimitExceeded")):
		return provider.NewRateLimited(retryAfter(gerr.Header), err)
	case code >= 500:
		return provider.NewTransient(err)
	case code == http.StatusBadRequest && sending:
		return provider.NewRejected(gerr.Message)
	default:
		return provider.NewFatal(gerr.Message, err)
	}
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

func hasReason(gerr *googleapi.Error, reasons ...string) bool {
	for _, item := range gerr.Errors {
		for _, r := range reasons {
			if item.Reason == r {
				return true
			}
		}
	}
	return false
}

func retryAfter(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h.Get("Retry-After"))); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func hasLabel(ids []string, label string) bool {
	for _, id := range ids {
		if id == label {
			return true
		}
	}
	return false
}

// inScope mirrors fullSyncQuery for messages reported by history
func inScope(ids []string) bool {
	for _, l := range excludedLabels {
		if hasLabel(ids, l) {
			return false
		}
	}
	return hasLabel(ids, labelInbox) || hasLabel(ids, labelSent)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// labels keeps user-visible labels as thread tags
func labels(tags, ids []string) []string {
	for _, id := range ids {
		if id == labelUnread || strings.HasPrefix(id, "CATEGORY_") || contains(tags, id) {
			continue
		}
		tags = append(tags, id)
	}
	return tags
}
