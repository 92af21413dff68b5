package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/sirupsen/logrus"

	"github.com/brandon/omnicom/internal/credentials"
	"github.com/brandon/omnicom/internal/mailparse"
	"github.com/brandon/omnicom/internal/provider"
)

const (
	inbox         = "INBOX"
	initialWindow = 100
)

// Cursor is the IMAP sync position of INBOX
type Cursor struct {
	UIDValidity uint32
	LastUID     uint32
}

// ParseCursor reads "<uidvalidity>:<lastuid>". Empty or malformed cursors
// yield the zero cursor, which triggers an initial window.
func ParseCursor(s string) Cursor {
	v, u, ok := strings.Cut(s, ":")
	if !ok {
		return Cursor{}
	}
	validity, err1 := strconv.ParseUint(v, 10, 32)
	last, err2 := strconv.ParseUint(u, 10, 32)
	if err1 != nil || err2 != nil {
		return Cursor{}
	}
	return Cursor{UIDValidity: uint32(validity), LastUID: uint32(last)}
}

func (c Cursor) String() string {
	return fmt.Sprintf("%d:%d", c.UIDValidity, c.LastUID)
}

// fetched is one INBOX message with its IMAP metadata
type fetched struct {
	UID          uint32
	Seen         bool
	InternalDate time.Time
	Parsed       *mailparse.Message
}

// IMAPClient keeps one lazily dialed IMAP session for an account
type IMAPClient struct {
	endpoint Endpoint
	creds    credentials.Store
	handle   string
	logger   *logrus.Logger

	mu     sync.Mutex
	client *client.Client
}

// NewIMAPClient creates a new IMAP client (does not connect immediately)
func NewIMAPClient(endpoint Endpoint, creds credentials.Store, handle string, logger *logrus.Logger) *IMAPClient {
	return &IMAPClient{
		endpoint: endpoint,
		creds:    creds,
		handle:   handle,
		logger:   logger,
	}
}

// connect establishes a session if none is open. Callers hold c.mu.
func (c *IMAPClient) connect(ctx context.Context) error {
	if c.client != nil {
		return nil
	}
	cred, err := c.creds.Lookup(ctx, c.handle)
	if err != nil {
		return provider.NewAuthExpired(err)
	}

	addr := net.JoinHostPort(c.endpoint.Host, strconv.Itoa(c.endpoint.Port))
	tlsConfig := &tls.Config{
		ServerName: c.endpoint.Host,
		MinVersion: tls.VersionTLS12,
	}

	var cl *client.Client
	switch c.endpoint.Security {
	case SecurityTLS:
		cl, err = client.DialTLS(addr, tlsConfig)
	default:
		cl, err = client.Dial(addr)
		if err == nil && c.endpoint.Security == SecurityStartTLS {
			if err = cl.StartTLS(tlsConfig); err != nil {
				cl.Logout() //nolint:errcheck
			}
		}
	}
	if err != nil {
		return provider.NewTransient(fmt.Errorf("failed to connect to IMAP server: %w", err))
	}
	cl.Timeout = time.Minute

	if err := cl.Login(cred.Username, cred.Secret); err != nil {
		c.logger.WithError(err).WithField("host", c.endpoint.Host).Error("Failed to login to IMAP server")
		cl.Logout() //nolint:errcheck
		return provider.NewAuthExpired(fmt.Errorf("failed to login to IMAP server: %w", err))
	}

	c.client = cl
	c.logger.WithField("host", c.endpoint.Host).Info("Connected to IMAP server")
	return nil
}

// session runs fn against a connected client. The connection is torn down
// when ctx ends mid-call or fn fails, so the next call redials.
func (c *IMAPClient) session(ctx context.Context, fn func(cl *client.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connect(ctx); err != nil {
		return err
	}
	cl := c.client
	stop := context.AfterFunc(ctx, func() { cl.Terminate() }) //nolint:errcheck
	err := fn(cl)
	if !stop() || err != nil {
		cl.Terminate() //nolint:errcheck
		c.client = nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Close logs out of the IMAP session
func (c *IMAPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Logout()
	c.client = nil
	return err
}

// FetchSince returns INBOX messages after cursor and the advanced cursor.
// A zero cursor or a UIDVALIDITY change fetches the latest initialWindow
// messages instead.
func (c *IMAPClient) FetchSince(ctx context.Context, cur Cursor) ([]fetched, Cursor, error) {
	var out []fetched
	next := cur
	err := c.session(ctx, func(cl *client.Client) error {
		mbox, err := cl.Select(inbox, true)
		if err != nil {
			return provider.NewTransient(fmt.Errorf("failed to select folder: %w", err))
		}

		initial := cur.LastUID == 0 || cur.UIDValidity != mbox.UidValidity
		next = Cursor{UIDValidity: mbox.UidValidity, LastUID: cur.LastUID}
		if initial {
			next.LastUID = 0
		}
		if mbox.Messages == 0 {
			return nil
		}

		seqSet := new(imap.SeqSet)
		if initial {
			start := uint32(1)
			if mbox.Messages > initialWindow {
				start = mbox.Messages - initialWindow + 1
			}
			seqSet.AddRange(start, mbox.Messages)
		} else {
			seqSet.AddRange(cur.LastUID+1, 0)
		}

		section := &imap.BodySectionName{Peek: true}
		items := []imap.FetchItem{imap.FetchFlags, imap.FetchInternalDate, imap.FetchUid, section.FetchItem()}

		messages := make(chan *imap.Message, 10)
		done := make(chan error, 1)
		go func() {
			if initial {
				done <- cl.Fetch(seqSet, items, messages)
			} else {
				done <- cl.UidFetch(seqSet, items, messages)
			}
		}()

		for msg := range messages {
			// "n:*" always matches the highest UID even when it is not new.
			if msg.Uid <= next.LastUID && !initial {
				continue
			}
			f, err := c.parseMessage(msg, section)
			if err != nil {
				c.logger.WithError(err).WithField("uid", msg.Uid).Warn("Skipping unparseable message")
			} else {
				out = append(out, f)
			}
			if msg.Uid > next.LastUID {
				next.LastUID = msg.Uid
			}
		}
		if err := <-done; err != nil {
			return provider.NewTransient(fmt.Errorf("failed to fetch messages: %w", err))
		}
		return nil
	})
	if err != nil {
		return nil, cur, err
	}
	return out, next, nil
}

// parseMessage parses an IMAP message with its full RFC822 body
func (c *IMAPClient) parseMessage(msg *imap.Message, section *imap.BodySectionName) (fetched, error) {
	literal := msg.GetBody(section)
	if literal == nil {
		for _, l := range msg.Body {
			if l != nil {
				literal = l
				break
			}
		}
	}
	if literal == nil {
		return fetched{}, fmt.Errorf("no body content found")
	}
	raw, err := io.ReadAll(literal)
	if err != nil {
		return fetched{}, fmt.Errorf("failed to read literal: %w", err)
	}
	parsed, err := mailparse.Parse(bytes.NewReader(raw))
	if err != nil {
		return fetched{}, err
	}

	f := fetched{UID: msg.Uid, InternalDate: msg.InternalDate, Parsed: parsed}
	for _, flag := range msg.Flags {
		if flag == imap.SeenFlag {
			f.Seen = true
		}
	}
	return f, nil
}

// FindLatest returns the newest INBOX message belonging to a thread key
func (c *IMAPClient) FindLatest(ctx context.Context, threadKey string) (*fetched, error) {
	var found *fetched
	err := c.session(ctx, func(cl *client.Client) error {
		if _, err := cl.Select(inbox, true); err != nil {
			return provider.NewTransient(fmt.Errorf("failed to select folder: %w", err))
		}
		uids, err := c.threadUIDs(cl, threadKey)
		if err != nil {
			return err
		}
		if len(uids) == 0 {
			return nil
		}
		latest := uids[0]
		for _, u := range uids {
			if u > latest {
				latest = u
			}
		}

		seqSet := new(imap.SeqSet)
		seqSet.AddNum(latest)
		section := &imap.BodySectionName{Peek: true}
		items := []imap.FetchItem{imap.FetchFlags, imap.FetchInternalDate, imap.FetchUid, section.FetchItem()}
		messages := make(chan *imap.Message, 1)
		done := make(chan error, 1)
		go func() {
			done <- cl.UidFetch(seqSet, items, messages)
		}()
		for msg := range messages {
			f, err := c.parseMessage(msg, section)
			if err == nil {
				found = &f
			}
		}
		if err := <-done; err != nil {
			return provider.NewTransient(fmt.Errorf("failed to fetch message: %w", err))
		}
		return nil
	})
	return found, err
}

// MarkSeen sets \Seen on the INBOX messages with the given provider ids
func (c *IMAPClient) MarkSeen(ctx context.Context, providerMessageIDs []string) error {
	return c.session(ctx, func(cl *client.Client) error {
		if _, err := cl.Select(inbox, false); err != nil {
			return provider.NewTransient(fmt.Errorf("failed to select folder: %w", err))
		}
		seqSet := new(imap.SeqSet)
		for _, id := range providerMessageIDs {
			if uid, ok := uidFromID(id); ok {
				seqSet.AddNum(uid)
				continue
			}
			criteria := imap.NewSearchCriteria()
			criteria.Header.Add("Message-Id", id)
			uids, err := cl.UidSearch(criteria)
			if err != nil {
				return provider.NewTransient(fmt.Errorf("failed to search emails: %w", err))
			}
			seqSet.AddNum(uids...)
		}
		if seqSet.Empty() {
			return nil
		}
		item := imap.FormatFlagsOp(imap.AddFlags, true)
		if err := cl.UidStore(seqSet, item, []interface{}{imap.SeenFlag}, nil); err != nil {
			return provider.NewTransient(fmt.Errorf("failed to store flags: %w", err))
		}
		return nil
	})
}

// threadUIDs finds messages that are the thread root or reference it
func (c *IMAPClient) threadUIDs(cl *client.Client, threadKey string) ([]uint32, error) {
	if uid, ok := uidFromID(threadKey); ok {
		return []uint32{uid}, nil
	}
	var all []uint32
	for _, header := range []string{"Message-Id", "References", "In-Reply-To"} {
		criteria := imap.NewSearchCriteria()
		criteria.Header.Add(header, threadKey)
		uids, err := cl.UidSearch(criteria)
		if err != nil {
			return nil, provider.NewTransient(fmt.Errorf("failed to search emails: %w", err))
		}
		all = append(all, uids...)
	}
	return all, nil
}

// uidID names a message that carries no Message-Id
func uidID(uid uint32) string {
	return "uid-" + strconv.FormatUint(uint64(uid), 10)
}

func uidFromID(id string) (uint32, bool) {
	n, ok := strings.CutPrefix(id, "uid-")
	if !ok {
		return 0, false
	}
	uid, err := strconv.ParseUint(n, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(uid), true
}
