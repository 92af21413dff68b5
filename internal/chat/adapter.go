// Package chat implements the provider adapter for instant messaging and
// community kinds. Each kind is served by a bridge that speaks one small
// HTTP/JSON contract, so the adapter itself is provider agnostic.
package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/brandon/omnicom/internal/credentials"
	"github.com/brandon/omnicom/internal/provider"
	"github.com/brandon/omnicom/pkg/types"
)

const maxErrorBody = 4 << 10

// Options configures adapters for one bridge
type Options struct {
	BaseURL string
	// QPS bounds requests per second per account; zero disables the limit.
	QPS float64
	// Transport is the base transport under the bearer token layer.
	Transport http.RoundTripper
	// OnChange, when set, starts a push notifier per account and is called
	// with the account id whenever the bridge reports new data.
	OnChange func(accountID string)
}

// Adapter talks to a chat bridge on behalf of one account
type Adapter struct {
	accountID string
	base      string
	http      *http.Client
	limiter   *rate.Limiter
	logger    *logrus.Logger

	stopNotifier context.CancelFunc
}

type syncResponse struct {
	Threads []provider.RawThread `json:"threads"`
	Cursor  string               `json:"cursor"`
}

type sendRequest struct {
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotency_key"`
}

type sendResponse struct {
	ID string `json:"id"`
}

type readRequest struct {
	MessageIDs []string `json:"message_ids"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewFactory returns a provider factory for accounts served by one bridge
func NewFactory(opts Options, creds credentials.Store, logger *logrus.Logger) provider.Factory {
	return func(ctx context.Context, acc types.Account) (provider.Adapter, error) {
		if opts.BaseURL == "" {
			return nil, provider.NewFatal(fmt.Sprintf("no bridge configured for %s", acc.Kind), nil)
		}
		// The token source outlives the opening call.
		ts := credentials.TokenSource(context.Background(), creds, acc.AuthHandle)
		client := &http.Client{Transport: &oauth2.Transport{Source: oauth2.ReuseTokenSource(nil, ts), Base: opts.Transport}}
		a := New(acc.ID, opts.BaseURL, client, opts.QPS, logger)
		if opts.OnChange != nil {
			nctx, cancel := context.WithCancel(context.Background())
			a.stopNotifier = cancel
			n := NewNotifier(opts.BaseURL, ts, func() { opts.OnChange(acc.ID) }, logger)
			go n.Run(nctx) //nolint:errcheck
		}
		return a, nil
	}
}

// New creates an adapter that sends every request through client
func New(accountID, baseURL string, client *http.Client, qps float64, logger *logrus.Logger) *Adapter {
	limit := rate.Inf
	burst := 1
	if qps > 0 {
		limit = rate.Limit(qps)
		burst = int(qps)
		if burst < 1 {
			burst = 1
		}
	}
	return &Adapter{
		accountID: accountID,
		base:      strings.TrimRight(baseURL, "/"),
		http:      client,
		limiter:   rate.NewLimiter(limit, burst),
		logger:    logger,
	}
}

// FetchIncremental asks the bridge for everything after cursor
func (a *Adapter) FetchIncremental(ctx context.Context, cursor string) (provider.Batch, string, error) {
	u := a.base + "/v1/sync"
	if cursor != "" {
		u += "?cursor=" + url.QueryEscape(cursor)
	}
	resp, err := a.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return provider.Batch{}, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return provider.Batch{}, "", classify(resp, false)
	}
	var out syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return provider.Batch{}, "", provider.NewFatal("undecodable sync response", err)
	}
	if out.Cursor == "" {
		out.Cursor = cursor
	}
	a.logger.WithFields(logrus.Fields{
		"account": a.accountID,
		"threads": len(out.Threads),
	}).Debug("Fetched bridge sync page")
	return provider.Batch{Threads: out.Threads}, out.Cursor, nil
}

// SendMessage posts a message to a bridge thread
func (a *Adapter) SendMessage(ctx context.Context, providerThreadID, body string) (string, error) {
	payload, err := json.Marshal(sendRequest{Body: body, IdempotencyKey: uuid.NewString()})
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	u := a.base + "/v1/threads/" + url.PathEscape(providerThreadID) + "/messages"
	resp, err := a.do(ctx, http.MethodPost, u, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", classify(resp, true)
	}
	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.ID == "" {
		return "", provider.NewTransient(fmt.Errorf("bridge acknowledged send without an id: %v", err))
	}
	return out.ID, nil
}

// MarkRead reports read messages to the bridge
func (a *Adapter) MarkRead(ctx context.Context, providerThreadID string, providerMessageIDs []string) error {
	payload, err := json.Marshal(readRequest{MessageIDs: providerMessageIDs})
	if err != nil {
		return fmt.Errorf("failed to encode read request: %w", err)
	}
	u := a.base + "/v1/threads/" + url.PathEscape(providerThreadID) + "/read"
	resp, err := a.do(ctx, http.MethodPost, u, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return classify(resp, false)
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	return nil
}

// Close stops the push notifier, if any
func (a *Adapter) Close() error {
	if a.stopNotifier != nil {
		a.stopNotifier()
	}
	a.http.CloseIdleConnections()
	return nil
}

func (a *Adapter) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return nil, provider.NewFatal("invalid bridge request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		if errors.Is(err, credentials.ErrExpired) || errors.Is(err, credentials.ErrUnknownHandle) {
			return nil, provider.NewAuthExpired(err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, provider.NewTransient(err)
	}
	return resp, nil
}

// classify maps a non-success bridge response onto the adapter taxonomy
func classify(resp *http.Response, sending bool) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	reason := strings.TrimSpace(string(raw))
	var body errorResponse
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		reason = body.Error
	}
	if reason == "" {
		reason = resp.Status
	}
	status := fmt.Errorf("bridge returned %s", resp.Status)

	switch code := resp.StatusCode; {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return provider.NewAuthExpired(status)
	case code == http.StatusTooManyRequests:
		return provider.NewRateLimited(retryAfter(resp.Header.Get("Retry-After")), status)
	case code >= 500:
		return provider.NewTransient(status)
	case sending:
		return provider.NewRejected(reason)
	default:
		return provider.NewFatal(reason, status)
	}
}

// retryAfter parses a Retry-After header given in seconds or as a date
func retryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
