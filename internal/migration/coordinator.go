// Package migration drives a passcode change from the client: it submits the
// new passcode and the installation salt, then follows the server's
// re-encryption job until it finishes.
package migration

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"calmkit/internal/client"
	"calmkit/internal/keymgr"
	"calmkit/internal/passphrase"
)

const (
	DefaultPollInterval = 1500 * time.Millisecond
	DefaultGraceDelay   = 1200 * time.Millisecond

	// FallbackMessage is shown when a rejected change carries no server message.
	FallbackMessage = "Failed to update passcode. Please try again."
)

type State string

const (
	StateIdle       State = "idle"
	StateSubmitting State = "submitting"
	StatePolling    State = "polling"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("migration coordinator closed")

// API is the server surface the coordinator needs. *client.Client
// implements it.
type API interface {
	UpdatePassphrase(ctx context.Context, passcode, clientSalt string) error
	PassphraseStatus(ctx context.Context) (*passphrase.Job, error)
}

// PasscodeSaver keeps the new passcode for the session. *keymgr.Manager
// implements it.
type PasscodeSaver interface {
	SavePasscode(ctx context.Context, code string) error
}

// Snapshot is what a UI renders. Job is nil until the server reports one;
// Outcome is set once State is StateDone.
type Snapshot struct {
	State   State
	Job     *passphrase.Job
	Message string
	Outcome passphrase.State
}

type Coordinator struct {
	api      API
	keys     PasscodeSaver
	interval time.Duration
	grace    time.Duration
	onUpdate func(Snapshot)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	closed  bool
	gen     uint64
	state   State
	job     *passphrase.Job
	message string
	outcome passphrase.State
	poller  *Poller
	timer   *time.Timer
	settled chan struct{}
}

type Option func(*Coordinator)

func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.interval = d
		}
	}
}

func WithGraceDelay(d time.Duration) Option {
	return func(c *Coordinator) {
		if d >= 0 {
			c.grace = d
		}
	}
}

// WithOnUpdate registers fn to receive every state change in order. fn runs
// with the coordinator locked and must not call back into it.
func WithOnUpdate(fn func(Snapshot)) Option {
	return func(c *Coordinator) { c.onUpdate = fn }
}

func New(api API, keys PasscodeSaver, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		api:      api,
		keys:     keys,
		interval: DefaultPollInterval,
		grace:    DefaultGraceDelay,
		ctx:      ctx,
		cancel:   cancel,
		state:    StateIdle,
		settled:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit starts a passcode change. Any poll loop left from an earlier
// attempt is stopped first. The passcode is saved to the session before the
// request is sent, so the session holds it whatever the server answers.
// A rejected change leaves the coordinator in StateFailed and returns the
// error; the user-facing text is in Snapshot().Message.
func (c *Coordinator) Submit(ctx context.Context, code, clientSalt string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.resetLocked()
	gen := c.gen
	c.state = StateSubmitting
	c.emitLocked()
	c.mu.Unlock()

	if err := c.keys.SavePasscode(ctx, code); err != nil {
		msg := FallbackMessage
		if errors.Is(err, keymgr.ErrInvalidPasscode) {
			msg = "Passcode must be exactly 4 digits."
		}
		c.fail(gen, msg)
		return err
	}

	err := c.api.UpdatePassphrase(ctx, code, clientSalt)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if gen != c.gen {
		return err
	}
	if err != nil {
		c.failLocked(rejectionMessage(err))
		return err
	}

	c.state = StatePolling
	c.emitLocked()
	c.poller = StartPoller(c.ctx, c.interval, func(ctx context.Context) {
		c.poll(ctx, gen)
	})
	return nil
}

// PollStatus fetches the job once. The result is applied only while the
// coordinator is polling.
func (c *Coordinator) PollStatus(ctx context.Context) (*passphrase.Job, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	gen := c.gen
	c.mu.Unlock()
	return c.poll(ctx, gen)
}

func (c *Coordinator) poll(ctx context.Context, gen uint64) (*passphrase.Job, error) {
	job, err := c.api.PassphraseStatus(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("migration: poll status: %v", err)
		}
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if gen != c.gen || c.state != StatePolling {
		return job, nil
	}

	c.job = job
	c.emitLocked()
	if job != nil && job.State.Terminal() && c.timer == nil {
		c.stopPollerLocked()
		terminal := job.State
		c.timer = time.AfterFunc(c.grace, func() {
			c.finish(gen, terminal)
		})
	}
	return job, nil
}

func (c *Coordinator) finish(gen uint64, outcome passphrase.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return
	}
	c.timer = nil
	c.state = StateDone
	c.outcome = outcome
	if outcome == passphrase.StateFailed && c.job != nil {
		c.message = c.job.Message
	}
	c.emitLocked()
	close(c.settled)
}

func (c *Coordinator) fail(gen uint64, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.gen {
		return
	}
	c.failLocked(msg)
}

func (c *Coordinator) failLocked(msg string) {
	c.state = StateFailed
	c.message = msg
	c.emitLocked()
	close(c.settled)
}

func rejectionMessage(err error) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.Msg != "" {
		return apiErr.Msg
	}
	return FallbackMessage
}

// Wait blocks until the current attempt is done or failed.
func (c *Coordinator) Wait(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	settled := c.settled
	c.mu.Unlock()

	select {
	case <-settled:
	case <-ctx.Done():
		return c.Snapshot(), ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.snapshotLocked(), ErrClosed
	}
	return c.snapshotLocked(), nil
}

func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Close tears the coordinator down. The poll loop and any pending grace
// timer stop, in-flight requests are canceled, and results that arrive
// later are dropped without an update.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.gen++
	c.stopPollerLocked()
	c.stopTimerLocked()
	c.cancel()
	if c.state != StateDone && c.state != StateFailed {
		close(c.settled)
	}
}

func (c *Coordinator) resetLocked() {
	c.gen++
	c.stopPollerLocked()
	c.stopTimerLocked()
	if c.state == StateSubmitting || c.state == StatePolling {
		close(c.settled)
	}
	c.settled = make(chan struct{})
	c.job = nil
	c.message = ""
	c.outcome = ""
}

func (c *Coordinator) stopPollerLocked() {
	if c.poller != nil {
		c.poller.Stop()
		c.poller = nil
	}
}

func (c *Coordinator) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:   c.state,
		Message: c.message,
		Outcome: c.outcome,
	}
	if c.job != nil {
		job := *c.job
		snap.Job = &job
	}
	return snap
}

func (c *Coordinator) emitLocked() {
	if c.onUpdate != nil {
		c.onUpdate(c.snapshotLocked())
	}
}
