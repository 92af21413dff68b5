// Package outbound sends composed messages through provider adapters and
// tracks their delivery status in the store.
package outbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandon/omnicom/internal/provider"
	"github.com/brandon/omnicom/internal/store"
	"github.com/brandon/omnicom/pkg/types"
)

var (
	// ErrEmptyBody is returned for blank messages
	ErrEmptyBody = errors.New("message body is empty")
	// ErrNotResendable is returned when resending anything but a failed
	// outbound message
	ErrNotResendable = errors.New("only failed outbound messages can be resent")
)

// AdapterSource opens adapters for accounts
type AdapterSource interface {
	Adapter(ctx context.Context, acc types.Account) (provider.Adapter, error)
}

// TimeoutFunc returns the round-trip budget for a provider kind
type TimeoutFunc func(types.ProviderKind) time.Duration

// Dispatcher delivers outbound messages
type Dispatcher struct {
	store    *store.Store
	adapters AdapterSource
	timeout  TimeoutFunc
	logger   *logrus.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(st *store.Store, adapters AdapterSource, timeout TimeoutFunc, logger *logrus.Logger) *Dispatcher {
	if timeout == nil {
		timeout = func(types.ProviderKind) time.Duration { return 30 * time.Second }
	}
	return &Dispatcher{
		store:    st,
		adapters: adapters,
		timeout:  timeout,
		logger:   logger,
	}
}

// Send appends a composing message to the thread, performs one adapter
// round trip and records the outcome. A failed send is returned to the
// caller and never retried.
func (d *Dispatcher) Send(ctx context.Context, threadID, body string) (types.Message, error) {
	if strings.TrimSpace(body) == "" {
		return types.Message{}, ErrEmptyBody
	}
	detail, ok := d.store.Snapshot().Thread(threadID)
	if !ok {
		return types.Message{}, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}

	msg, acc, err := d.store.AppendOutbound(ctx, threadID, body)
	if err != nil {
		return types.Message{}, err
	}
	log := d.logger.WithFields(logrus.Fields{
		"account":  acc.ID,
		"provider": acc.Kind,
		"thread":   threadID,
		"message":  msg.ID,
	})

	sendCtx, cancel := context.WithTimeout(ctx, d.timeout(acc.Kind))
	defer cancel()

	var providerID string
	adapter, err := d.adapters.Adapter(sendCtx, acc)
	if err == nil {
		providerID, err = adapter.SendMessage(sendCtx, detail.Thread.ProviderThreadID, body)
	}

	// The outcome is recorded even when the caller has gone away.
	recordCtx := context.WithoutCancel(ctx)
	if err != nil {
		log.WithError(err).WithField("kind", provider.KindOf(err)).Warn("Send failed")
		failed, uerr := d.store.UpdateOutbound(recordCtx, threadID, msg.ID, types.StatusFailed, "", provider.Describe(err))
		if uerr != nil {
			log.WithError(uerr).Error("Failed to record send failure")
			failed = msg
		}
		if provider.KindOf(err) == provider.AuthExpired {
			if _, serr := d.store.SetAccountStatus(recordCtx, acc.ID, types.AccountAuthExpired, provider.Describe(err)); serr != nil {
				log.WithError(serr).Error("Failed to mark account expired")
			}
		}
		return failed, fmt.Errorf("failed to send message: %w", err)
	}

	sent, err := d.store.UpdateOutbound(recordCtx, threadID, msg.ID, types.StatusSent, providerID, "")
	if err != nil {
		return msg, fmt.Errorf("failed to record sent message: %w", err)
	}
	log.WithField("provider_message_id", providerID).Info("Message sent")
	return sent, nil
}

// Resend sends the body of a failed message again as a new message
func (d *Dispatcher) Resend(ctx context.Context, threadID, messageID string) (types.Message, error) {
	detail, ok := d.store.Snapshot().Thread(threadID)
	if !ok {
		return types.Message{}, fmt.Errorf("thread %s: %w", threadID, store.ErrNotFound)
	}
	for _, m := range detail.Messages {
		if m.ID != messageID {
			continue
		}
		if m.Direction != types.Outbound || m.Status != types.StatusFailed {
			return types.Message{}, fmt.Errorf("message %s is %s: %w", messageID, m.Status, ErrNotResendable)
		}
		return d.Send(ctx, threadID, m.Body)
	}
	return types.Message{}, fmt.Errorf("message %s: %w", messageID, store.ErrNotFound)
}
