// Package summary talks to the external summarization service.
package summary

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/omnicom/pkg/types"
)

// ErrUnavailable is returned whenever no summary can be produced
var ErrUnavailable = errors.New("summary unavailable")

// Summarizer turns an ordered message sequence into a short text
type Summarizer interface {
	Summarize(ctx context.Context, msgs []types.Message) (string, error)
}

// Disabled is used when no summarization service is configured
type Disabled struct{}

// Summarize always fails with ErrUnavailable
func (Disabled) Summarize(ctx context.Context, msgs []types.Message) (string, error) {
	return "", ErrUnavailable
}

type summaryMessage struct {
	Sender    string    `json:"sender"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Outbound  bool      `json:"is_me"`
}

type summaryRequest struct {
	Messages []summaryMessage `json:"messages"`
}

type summaryResponse struct {
	Summary string `json:"summary"`
}

// Client posts threads to an HTTP summarization endpoint
type Client struct {
	url    string
	http   *http.Client
	logger *logrus.Logger
}

// NewClient creates a client for the service at url
func NewClient(url string, httpClient *http.Client, logger *logrus.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{url: url, http: httpClient, logger: logger}
}

// Summarize returns the service's summary of msgs
func (c *Client) Summarize(ctx context.Context, msgs []types.Message) (string, error) {
	req := summaryRequest{Messages: make([]summaryMessage, len(msgs))}
	for i, m := range msgs {
		req.Messages[i] = summaryMessage{
			Sender:    m.Sender,
			Body:      m.Body,
			CreatedAt: m.CreatedAt,
			Outbound:  m.Direction == types.Outbound,
		}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var out summaryResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if out.Summary == "" {
		return "", ErrUnavailable
	}
	c.logger.WithField("messages", len(msgs)).Debug("Summarized thread")
	return out.Summary, nil
}
