package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/mfakit/pkg/credential"
	"github.com/dmitrymomot/mfakit/pkg/credstore"
)

// Config configures replay behavior.
type Config struct {
	MaxAttempts int           `env:"MFA_SYNC_MAX_ATTEMPTS" envDefault:"5"`
	BaseBackoff time.Duration `env:"MFA_SYNC_BASE_BACKOFF" envDefault:"500ms"`
}

type opKind int

const (
	opPut opKind = iota
	opDelete
)

type pendingOp struct {
	userID     string
	kind       opKind
	enqueuedAt time.Time
}

// Coordinator replays writes that degraded to the cache while the durable
// backend was unreachable. It tracks a per-user sync state and a FIFO queue
// of pending operations; Reconnect drains the queue with exponential backoff
// and flags what it cannot deliver instead of dropping it.
type Coordinator struct {
	store *credstore.Store
	log   *slog.Logger

	maxAttempts int
	baseBackoff time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error

	mu     sync.Mutex
	states map[string]State
	queue  []pendingOp
}

// Option configures the coordinator.
type Option func(*Coordinator)

// WithConfig applies replay settings loaded from the environment.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) {
		if cfg.MaxAttempts > 0 {
			c.maxAttempts = cfg.MaxAttempts
		}
		if cfg.BaseBackoff > 0 {
			c.baseBackoff = cfg.BaseBackoff
		}
	}
}

// WithLogger sets the logger for replay progress and failures.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSleep overrides the backoff sleeper, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) {
		if sleep != nil {
			c.sleep = sleep
		}
	}
}

// NewCoordinator creates a coordinator over the given store.
func NewCoordinator(store *credstore.Store, opts ...Option) *Coordinator {
	if store == nil {
		panic("syncer: store cannot be nil")
	}
	c := &Coordinator{
		store:       store,
		log:         slog.Default(),
		maxAttempts: 5,
		baseBackoff: 500 * time.Millisecond,
		now:         time.Now,
		states:      make(map[string]State),
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StateOf reports the sync state for a user. Users with no history are
// considered synced.
func (c *Coordinator) StateOf(userID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.states[userID]; ok {
		return s
	}
	return StateSynced
}

// Pending reports how many operations await replay.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Enqueue records that a write for the user landed only in the cache. The
// user transitions to disconnected and the write joins the FIFO replay queue.
func (c *Coordinator) Enqueue(userID string) error {
	return c.enqueue(userID, opPut)
}

// EnqueueDelete records a delete that did not reach the durable backend.
func (c *Coordinator) EnqueueDelete(userID string) error {
	return c.enqueue(userID, opDelete)
}

func (c *Coordinator) enqueue(userID string, kind opKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if state := c.stateLocked(userID); state != StateDisconnected {
		if err := c.setStateLocked(userID, StateDisconnected); err != nil {
			return err
		}
	}
	c.queue = append(c.queue, pendingOp{userID: userID, kind: kind, enqueuedAt: c.now()})
	return nil
}

// Reconnect replays all queued operations in arrival order. Each operation is
// retried with exponential backoff up to the attempt limit; records that
// still cannot reach the durable backend are flagged sync_failed in the cache
// and their failure surfaces as ErrSyncFailed. Users whose operations all
// land become synced. An empty queue is a successful no-op, so the routine
// reconnect-on-network-restore path can call this unconditionally.
func (c *Coordinator) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	ops := c.queue
	c.queue = nil
	users := make(map[string]bool, len(ops))
	for _, op := range ops {
		users[op.userID] = true
	}
	for userID := range users {
		if err := c.setStateLocked(userID, StateReconciling); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	c.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}

	var errs []error
	failed := make(map[string]bool)
	for _, op := range ops {
		if failed[op.userID] {
			// Preserve order per user: once one op fails, later ones wait
			// for the next reconnect.
			c.requeue(op)
			continue
		}
		if err := c.replayWithBackoff(ctx, op); err != nil {
			failed[op.userID] = true
			c.requeue(op)
			c.markSyncFailed(ctx, op.userID)
			errs = append(errs, err)
		}
	}

	c.mu.Lock()
	for userID := range users {
		target := StateSynced
		if failed[userID] {
			target = StateDisconnected
		}
		if err := c.setStateLocked(userID, target); err != nil {
			errs = append(errs, err)
		}
	}
	c.mu.Unlock()

	if len(errs) > 0 {
		return errors.Join(append([]error{ErrSyncFailed}, errs...)...)
	}
	return nil
}

// ForceSync pushes the durable record down to the cache unconditionally,
// clearing pending flags and dropping any queued operations for the user.
// This is the "sync to all devices" action.
func (c *Coordinator) ForceSync(ctx context.Context, userID string) error {
	cred, err := c.store.Durable().Get(ctx, userID)
	if err != nil {
		return err
	}

	now := c.now()
	cred.PendingSync = false
	cred.SyncFailed = false
	cred.SyncedAt = &now
	if err := c.store.Durable().Put(ctx, cred); err != nil {
		return err
	}
	if err := c.store.Cache().Put(ctx, cred); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.queue[:0]
	for _, op := range c.queue {
		if op.userID != userID {
			kept = append(kept, op)
		}
	}
	c.queue = kept

	switch c.stateLocked(userID) {
	case StateSynced:
		return nil
	case StateDisconnected:
		if err := c.setStateLocked(userID, StateReconciling); err != nil {
			return err
		}
	}
	return c.setStateLocked(userID, StateSynced)
}

func (c *Coordinator) replayWithBackoff(ctx context.Context, op pendingOp) error {
	var lastErr error
	for attempt := range c.maxAttempts {
		err := c.replay(ctx, op)
		if err == nil {
			return nil
		}
		if !errors.Is(err, credstore.ErrStorageUnavailable) {
			return err
		}
		lastErr = err

		if attempt == c.maxAttempts-1 {
			break
		}
		delay := c.baseBackoff << attempt
		c.log.InfoContext(ctx, "replay attempt failed, backing off",
			slog.String("user_id", op.userID),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay))
		if err := c.sleep(ctx, delay); err != nil {
			return errors.Join(lastErr, err)
		}
	}
	return lastErr
}

func (c *Coordinator) replay(ctx context.Context, op pendingOp) error {
	if op.kind == opDelete {
		return c.store.Durable().Delete(ctx, op.userID)
	}

	cached, err := c.store.Cache().Get(ctx, op.userID)
	if err != nil {
		if errors.Is(err, credstore.ErrCredentialNotFound) {
			// The record was deleted after the write was queued; nothing
			// left to replay.
			return nil
		}
		return err
	}

	durCred, err := c.store.Durable().Get(ctx, op.userID)
	switch {
	case err == nil && durCred.NewerThan(cached):
		// Another device won the race while we were offline. The newer
		// mutation wins wholesale; refresh the cache and move on.
		if err := c.resolveConflict(ctx, op.userID, durCred); err != nil {
			return err
		}
		return nil
	case err != nil && !errors.Is(err, credstore.ErrCredentialNotFound):
		return err
	}

	now := c.now()
	cached.PendingSync = false
	cached.SyncFailed = false
	cached.SyncedAt = &now
	if err := c.store.Durable().Put(ctx, cached); err != nil {
		return err
	}
	if err := c.store.Cache().Put(ctx, cached); err != nil {
		c.log.WarnContext(ctx, "cache refresh failed after replay",
			slog.String("user_id", op.userID), slog.Any("error", err))
	}
	return nil
}

func (c *Coordinator) resolveConflict(ctx context.Context, userID string, winner *credential.Credential) error {
	c.mu.Lock()
	if err := c.setStateLocked(userID, StateConflictDetected); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.log.InfoContext(ctx, "durable record is newer, discarding queued write",
		slog.String("user_id", userID))

	if err := c.store.Cache().Put(ctx, winner); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setStateLocked(userID, StateSynced)
}

func (c *Coordinator) requeue(op pendingOp) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queue = append(c.queue, op)
}

func (c *Coordinator) markSyncFailed(ctx context.Context, userID string) {
	cached, err := c.store.Cache().Get(ctx, userID)
	if err != nil {
		return
	}
	cached.SyncFailed = true
	if err := c.store.Cache().Put(ctx, cached); err != nil {
		c.log.WarnContext(ctx, "failed to flag record as sync_failed",
			slog.String("user_id", userID), slog.Any("error", err))
	}
}

func (c *Coordinator) stateLocked(userID string) State {
	if s, ok := c.states[userID]; ok {
		return s
	}
	return StateSynced
}

func (c *Coordinator) setStateLocked(userID string, to State) error {
	from := c.stateLocked(userID)
	if from == to {
		return nil
	}
	if !canTransition(from, to) {
		return ErrInvalidTransition
	}
	c.states[userID] = to
	return nil
}
