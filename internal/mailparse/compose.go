package mailparse

import (
	"bytes"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
)

// Reply is an outgoing message in an existing conversation
type Reply struct {
	To         []*mail.Address
	Subject    string
	InReplyTo  string
	References []string
	Body       string
}

// Compose renders a plain text reply from the given sender. It returns the
// raw message and its generated Message-Id.
func Compose(from string, r *Reply, date time.Time) ([]byte, string, error) {
	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", r.To)
	h.SetSubject(r.Subject)
	if r.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{r.InReplyTo})
	}
	if len(r.References) > 0 {
		h.SetMsgIDList("References", r.References)
	}
	if err := h.GenerateMessageID(); err != nil {
		return nil, "", err
	}
	messageID, err := h.MessageID()
	if err != nil {
		return nil, "", err
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.WriteString(w, r.Body); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), messageID, nil
}
