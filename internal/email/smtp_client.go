package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/sirupsen/logrus"

	"github.com/brandon/omnicom/internal/credentials"
	"github.com/brandon/omnicom/internal/mailparse"
	"github.com/brandon/omnicom/internal/provider"
)

// SMTPClient delivers replies for one account
type SMTPClient struct {
	endpoint Endpoint
	creds    credentials.Store
	handle   string
	logger   *logrus.Logger
	now      func() time.Time
}

// NewSMTPClient creates a new SMTP client
func NewSMTPClient(endpoint Endpoint, creds credentials.Store, handle string, logger *logrus.Logger) *SMTPClient {
	return &SMTPClient{
		endpoint: endpoint,
		creds:    creds,
		handle:   handle,
		logger:   logger,
		now:      time.Now,
	}
}

// Send delivers a reply and returns its generated Message-Id
func (c *SMTPClient) Send(ctx context.Context, msg *mailparse.Reply) (string, error) {
	cred, err := c.creds.Lookup(ctx, c.handle)
	if err != nil {
		return "", provider.NewAuthExpired(err)
	}

	raw, messageID, err := mailparse.Compose(cred.Username, msg, c.now())
	if err != nil {
		return "", fmt.Errorf("failed to create message: %w", err)
	}

	cl, err := c.dial()
	if err != nil {
		return "", provider.NewTransient(fmt.Errorf("failed to connect to SMTP server: %w", err))
	}
	defer cl.Close()
	stop := context.AfterFunc(ctx, func() { cl.Close() }) //nolint:errcheck
	defer stop()

	if cred.Secret != "" {
		if err := cl.Auth(sasl.NewPlainClient("", cred.Username, cred.Secret)); err != nil {
			return "", classifySMTP("failed to authenticate", err)
		}
	}

	recipients := make([]string, len(msg.To))
	for i, to := range msg.To {
		recipients[i] = to.Address
	}
	if err := cl.SendMail(cred.Username, recipients, bytes.NewReader(raw)); err != nil {
		return "", classifySMTP("failed to send message", err)
	}
	if err := cl.Quit(); err != nil {
		c.logger.WithError(err).Debug("SMTP quit failed after delivery")
	}

	c.logger.WithFields(logrus.Fields{
		"host":       c.endpoint.Host,
		"recipients": len(recipients),
	}).Info("Sent email")
	return messageID, nil
}

func (c *SMTPClient) dial() (*smtp.Client, error) {
	addr := net.JoinHostPort(c.endpoint.Host, strconv.Itoa(c.endpoint.Port))
	tlsConfig := &tls.Config{ServerName: c.endpoint.Host}
	switch c.endpoint.Security {
	case SecurityTLS:
		return smtp.DialTLS(addr, tlsConfig)
	case SecurityStartTLS:
		return smtp.DialStartTLS(addr, tlsConfig)
	default:
		return smtp.Dial(addr)
	}
}

// classifySMTP maps SMTP reply codes onto the adapter taxonomy
func classifySMTP(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	var smtpErr *smtp.SMTPError
	if !errors.As(err, &smtpErr) {
		return provider.NewTransient(wrapped)
	}
	switch code := smtpErr.Code; {
	case code == 530 || code == 535:
		return provider.NewAuthExpired(wrapped)
	case code >= 500:
		return &provider.Error{Kind: provider.Rejected, Reason: smtpErr.Message, Err: wrapped}
	default:
		return provider.NewTransient(wrapped)
	}
}
