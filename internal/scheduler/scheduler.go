// Package scheduler decides when each account syncs, bounds how many sync at
// once and applies backoff after failures.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/brandon/omnicom/internal/provider"
	"github.com/brandon/omnicom/internal/store"
	"github.com/brandon/omnicom/pkg/types"
)

var (
	// ErrBackingOff is returned when an on-demand sync falls inside the
	// post-failure window
	ErrBackingOff = errors.New("account is backing off after a failed sync")
	// ErrInProgress is returned when a sync for the account is already running
	ErrInProgress = errors.New("sync already in progress")
)

// Policy holds the timing of one provider kind
type Policy struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Timeout     time.Duration
}

// Config configures a Scheduler
type Config struct {
	Concurrency int
	Tick        time.Duration
	Default     Policy
	PerKind     map[types.ProviderKind]Policy
}

// AdapterSource opens adapters for accounts
type AdapterSource interface {
	Adapter(ctx context.Context, acc types.Account) (provider.Adapter, error)
}

type accountState struct {
	// nextAttempt is when the regular interval makes the account due.
	nextAttempt time.Time
	// notBefore is the end of the backoff or rate-limit window.
	notBefore time.Time
	forced    bool
	running   bool
	cancel    context.CancelFunc
}

// Scheduler drives FetchIncremental for every active account
type Scheduler struct {
	cfg      Config
	logger   *logrus.Logger
	store    *store.Store
	adapters AdapterSource
	sem      *semaphore.Weighted
	now      func() time.Time

	mu     sync.Mutex
	states map[string]*accountState
	wake   chan struct{}
	wg     sync.WaitGroup
}

// New creates a scheduler. Zero config values fall back to defaults.
func New(cfg Config, st *store.Store, adapters AdapterSource, logger *logrus.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	cfg.Default = withDefaults(cfg.Default, Policy{
		Interval:    15 * time.Second,
		MaxInterval: 15 * time.Minute,
		Timeout:     30 * time.Second,
	})
	return &Scheduler{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		adapters: adapters,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		now:      time.Now,
		states:   make(map[string]*accountState),
		wake:     make(chan struct{}, 1),
	}
}

func withDefaults(p, def Policy) Policy {
	if p.Interval <= 0 {
		p.Interval = def.Interval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = def.MaxInterval
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	return p
}

// Policy returns the effective timing for a kind
func (s *Scheduler) Policy(kind types.ProviderKind) Policy {
	if p, ok := s.cfg.PerKind[kind]; ok {
		return withDefaults(p, s.cfg.Default)
	}
	return s.cfg.Default
}

// Backoff is the wait after the n-th consecutive failure: the base interval
// doubled n times, capped at the maximum interval.
func (p Policy) Backoff(n int) time.Duration {
	if n <= 0 {
		return p.Interval
	}
	d := p.Interval
	for i := 0; i < n; i++ {
		d *= 2
		if d >= p.MaxInterval || d <= 0 {
			return p.MaxInterval
		}
	}
	return d
}

// Run schedules syncs until ctx is cancelled, then waits for in-flight
// syncs to stop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.WithFields(logrus.Fields{
		"concurrency": s.cfg.Concurrency,
		"interval":    s.cfg.Default.Interval.String(),
	}).Info("Starting sync scheduler")

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	defer s.wg.Wait()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping sync scheduler")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		case <-s.wake:
			s.tick(ctx)
		}
	}
}

// tick starts a sync for every due account
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, acc := range s.store.Snapshot().Accounts() {
		if acc.Status != types.AccountActive {
			continue
		}
		s.mu.Lock()
		st := s.stateLocked(acc, now)
		due := !st.running && (!now.Before(st.nextAttempt) || (st.forced && !now.Before(st.notBefore)))
		if due {
			st.running = true
			st.forced = false
		}
		s.mu.Unlock()
		if !due {
			continue
		}

		s.wg.Add(1)
		go func(acc types.Account) {
			defer s.wg.Done()
			if err := s.sem.Acquire(ctx, 1); err != nil {
				s.finish(acc.ID)
				return
			}
			defer s.sem.Release(1)
			s.cycle(ctx, acc.ID) //nolint:errcheck
		}(acc)
	}
}

// stateLocked returns the in-memory schedule of an account, seeding it from
// the persisted cursor the first time the account is seen.
func (s *Scheduler) stateLocked(acc types.Account, now time.Time) *accountState {
	st, ok := s.states[acc.ID]
	if ok {
		return st
	}
	st = &accountState{nextAttempt: now}
	pol := s.Policy(acc.Kind)
	cur := acc.Cursor
	switch {
	case cur.ConsecutiveFailures > 0 && cur.LastAttempt != nil:
		st.nextAttempt = cur.LastAttempt.Add(pol.Backoff(cur.ConsecutiveFailures))
		st.notBefore = st.nextAttempt
	case cur.LastSuccess != nil:
		st.nextAttempt = cur.LastSuccess.Add(pol.Interval)
	}
	s.states[acc.ID] = st
	return st
}

func (s *Scheduler) finish(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[accountID]; ok {
		st.running = false
		st.cancel = nil
	}
}

// SyncNow asks for a sync of one account on the next scheduler pass. The
// regular interval is skipped; the backoff window and the concurrency limit
// still apply.
func (s *Scheduler) SyncNow(accountID string) error {
	acc, ok := s.store.Snapshot().Account(accountID)
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
	}
	if acc.Status != types.AccountActive {
		return fmt.Errorf("account %s is %s: %w", accountID, acc.Status, store.ErrAccountInactive)
	}
	s.mu.Lock()
	s.stateLocked(acc, s.now()).forced = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// SyncOnce runs one synchronous sync cycle for an account, subject to the
// backoff window and the concurrency limit.
func (s *Scheduler) SyncOnce(ctx context.Context, accountID string) error {
	acc, ok := s.store.Snapshot().Account(accountID)
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
	}
	if acc.Status != types.AccountActive {
		return fmt.Errorf("account %s is %s: %w", accountID, acc.Status, store.ErrAccountInactive)
	}

	now := s.now()
	s.mu.Lock()
	st := s.stateLocked(acc, now)
	if st.running {
		s.mu.Unlock()
		return ErrInProgress
	}
	if now.Before(st.notBefore) {
		until := st.notBefore
		s.mu.Unlock()
		return fmt.Errorf("%w until %s", ErrBackingOff, until.Format(time.RFC3339))
	}
	st.running = true
	s.mu.Unlock()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.finish(accountID)
		return err
	}
	defer s.sem.Release(1)
	return s.cycle(ctx, accountID)
}

// Reset clears the backoff window of an account, used after reactivation
func (s *Scheduler) Reset(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[accountID]; ok && !st.running {
		delete(s.states, accountID)
	}
}

// Forget cancels any in-flight sync of an account and drops its schedule.
// A cancelled sync never applies its batch.
func (s *Scheduler) Forget(accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[accountID]; ok && st.cancel != nil {
		st.cancel()
	}
	delete(s.states, accountID)
}

// cycle performs one fetch and merge. The caller holds a semaphore slot and
// has marked the account running.
func (s *Scheduler) cycle(parent context.Context, accountID string) error {
	defer s.finish(accountID)

	acc, ok := s.store.Snapshot().Account(accountID)
	if !ok || acc.Status != types.AccountActive {
		return nil
	}
	pol := s.Policy(acc.Kind)
	ctx, cancel := context.WithTimeout(parent, pol.Timeout)
	defer cancel()

	s.mu.Lock()
	st, tracked := s.states[accountID]
	if !tracked {
		// Forgotten while waiting for a slot.
		s.mu.Unlock()
		return nil
	}
	st.cancel = cancel
	s.mu.Unlock()

	log := s.logger.WithFields(logrus.Fields{
		"account":  acc.ID,
		"provider": acc.Kind,
	})
	started := s.now()

	var (
		batch  provider.Batch
		cursor string
	)
	adapter, err := s.adapters.Adapter(ctx, acc)
	if err == nil {
		batch, cursor, err = adapter.FetchIncremental(ctx, acc.Cursor.Token)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		log.Debug("Sync cancelled")
		return ctx.Err()
	}
	if err == nil {
		var res store.MergeResult
		res, err = s.store.ApplyBatch(ctx, acc.ID, batch, cursor)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err == nil {
			s.succeeded(acc.ID, pol)
			log.WithFields(logrus.Fields{
				"inserted": res.Inserted,
				"changed":  res.Changed,
				"threads":  res.ThreadsTouched,
				"duration": s.now().Sub(started).String(),
			}).Debug("Sync complete")
			return nil
		}
	}

	s.failed(context.WithoutCancel(parent), acc, pol, err, log)
	return err
}

func (s *Scheduler) succeeded(accountID string, pol Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[accountID]; ok {
		st.nextAttempt = s.now().Add(pol.Interval)
		st.notBefore = time.Time{}
	}
}

func (s *Scheduler) failed(ctx context.Context, acc types.Account, pol Policy, err error, log *logrus.Entry) {
	kind := provider.KindOf(err)
	n := acc.Cursor.ConsecutiveFailures + 1
	wait := pol.Backoff(n)

	var status types.AccountStatus
	switch kind {
	case provider.AuthExpired:
		status = types.AccountAuthExpired
	case provider.Fatal:
		status = types.AccountError
	case provider.RateLimited:
		if ra := provider.RetryAfter(err); ra > wait {
			wait = ra
		}
	}

	log = log.WithError(err).WithFields(logrus.Fields{
		"kind":     kind,
		"failures": n,
	})
	if status != "" {
		log.WithField("status", status).Warn("Sync failed, account needs attention")
	} else {
		log.WithField("retry_in", wait.String()).Warn("Sync failed")
	}

	if _, rerr := s.store.RecordSyncFailure(ctx, acc.ID, provider.Describe(err), status); rerr != nil && !errors.Is(rerr, store.ErrNotFound) {
		log.WithError(rerr).Error("Failed to record sync failure")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[acc.ID]; ok {
		next := s.now().Add(wait)
		st.nextAttempt = next
		st.notBefore = next
	}
}
