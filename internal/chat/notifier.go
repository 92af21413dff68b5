package chat

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/brandon/omnicom/internal/provider"
)

type event struct {
	Type string `json:"type"`
}

// Notifier listens on the bridge event stream and calls onChange for every
// change hint. It reconnects with capped exponential backoff.
type Notifier struct {
	url      string
	tokens   oauth2.TokenSource
	onChange func()
	logger   *logrus.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewNotifier creates a notifier for the bridge at baseURL
func NewNotifier(baseURL string, tokens oauth2.TokenSource, onChange func(), logger *logrus.Logger) *Notifier {
	u := strings.TrimRight(baseURL, "/") + "/v1/events"
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return &Notifier{
		url:        u,
		tokens:     tokens,
		onChange:   onChange,
		logger:     logger,
		minBackoff: time.Second,
		maxBackoff: time.Minute,
	}
}

// Run keeps the event stream open until ctx is done
func (n *Notifier) Run(ctx context.Context) error {
	backoff := n.minBackoff
	for {
		connected, err := n.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = n.minBackoff
		}
		n.logger.WithError(err).WithFields(logrus.Fields{
			"url":      n.url,
			"retry_in": backoff.String(),
		}).Warn("Bridge event stream closed")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > n.maxBackoff {
			backoff = n.maxBackoff
		}
	}
}

func (n *Notifier) listen(ctx context.Context) (bool, error) {
	header := http.Header{}
	if n.tokens != nil {
		tok, err := n.tokens.Token()
		if err != nil {
			return false, fmt.Errorf("failed to get token: %w", err)
		}
		tok.SetAuthHeader(&http.Request{Header: header})
	}

	conn, _, err := websocket.Dial(ctx, n.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return false, fmt.Errorf("failed to dial event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck

	n.logger.WithField("url", n.url).Debug("Connected to bridge event stream")
	for {
		var ev event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if provider.Canceled(ctx, err) {
				return true, nil
			}
			return true, err
		}
		if ev.Type == "changed" {
			n.onChange()
		}
	}
}
