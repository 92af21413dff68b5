// Package mailparse turns raw RFC 5322 messages into the fields the mail
// adapters need for threading and display.
package mailparse

import (
	"fmt"
	"io"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/jaytaylor/html2text"
	"github.com/jhillyerd/enmime"
)

var replyPrefix = regexp.MustCompile(`(?i)^\s*((re|fwd?|aw|sv)\s*(\[\d+\])?\s*:\s*)+`)

// Message is a parsed mail message
type Message struct {
	MessageID  string
	InReplyTo  string
	References []string
	Subject    string
	From       *mail.Address
	Recipients []*mail.Address
	Date       time.Time
	Body       string
}

// Parse reads a raw message with enmime. Plain text is preferred; HTML-only
// bodies are converted to text.
func Parse(r io.Reader) (*Message, error) {
	env, err := enmime.ReadEnvelope(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	msg := &Message{
		MessageID:  firstID(env.GetHeader("Message-Id")),
		InReplyTo:  firstID(env.GetHeader("In-Reply-To")),
		References: ids(env.GetHeader("References")),
		Subject:    strings.TrimSpace(env.GetHeader("Subject")),
	}
	if from, err := env.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0]
	}
	for _, key := range []string{"To", "Cc"} {
		if list, err := env.AddressList(key); err == nil {
			msg.Recipients = append(msg.Recipients, list...)
		}
	}
	if d, err := mail.ParseDate(env.GetHeader("Date")); err == nil {
		msg.Date = d.UTC()
	}

	msg.Body = strings.TrimSpace(env.Text)
	if msg.Body == "" && env.HTML != "" {
		text, err := html2text.FromString(env.HTML, html2text.Options{OmitLinks: true})
		if err != nil {
			return nil, fmt.Errorf("failed to convert html body: %w", err)
		}
		msg.Body = strings.TrimSpace(text)
	}
	return msg, nil
}

// ThreadKey returns the id that groups a message with its conversation: the
// root of References, else In-Reply-To, else its own Message-Id. Empty when
// the message carries none of them.
func (m *Message) ThreadKey() string {
	if len(m.References) > 0 {
		return m.References[0]
	}
	if m.InReplyTo != "" {
		return m.InReplyTo
	}
	return m.MessageID
}

// SenderAddress returns the bare From address, lowercased
func (m *Message) SenderAddress() string {
	if m.From == nil {
		return ""
	}
	return strings.ToLower(m.From.Address)
}

// SenderName prefers the display name over the address
func (m *Message) SenderName() string {
	if m.From == nil {
		return ""
	}
	if m.From.Name != "" {
		return m.From.Name
	}
	return m.From.Address
}

// Participants returns every address on the message, sender first
func (m *Message) Participants() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(a *mail.Address) {
		if a == nil {
			return
		}
		addr := strings.ToLower(a.Address)
		if addr == "" || seen[addr] {
			return
		}
		seen[addr] = true
		out = append(out, addr)
	}
	add(m.From)
	for _, r := range m.Recipients {
		add(r)
	}
	return out
}

// NormalizeSubject strips reply and forward prefixes
func NormalizeSubject(s string) string {
	return strings.TrimSpace(replyPrefix.ReplaceAllString(s, ""))
}

// ReplySubject prefixes a thread title for a reply
func ReplySubject(title string) string {
	title = NormalizeSubject(title)
	if title == "" {
		return "Re:"
	}
	return "Re: " + title
}

func ids(v string) []string {
	var out []string
	for _, f := range strings.Fields(v) {
		if id := strings.Trim(f, "<>,"); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func firstID(v string) string {
	if all := ids(v); len(all) > 0 {
		return all[0]
	}
	return ""
}
