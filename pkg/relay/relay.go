package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/psantana5/yolotrain/pkg/logging"
	"github.com/psantana5/yolotrain/pkg/models"
	"github.com/psantana5/yolotrain/pkg/store"
)

// DefaultInterval is how often a pump polls when it is not woken early
const DefaultInterval = time.Second

// ErrPumpRunning is returned when a second pump is started for the same job
var ErrPumpRunning = errors.New("relay pump already running for job")

// Source reports the current state of a job
type Source interface {
	GetJob(id string) (*models.Job, error)
}

// Sink delivers relayed messages to subscribers
type Sink interface {
	Broadcast(jobID string, msg models.Message) int
}

// Observer counts relayed messages
type Observer interface {
	MessagesRelayed(n int)
}

// Relay holds one append-only mailbox per job. Producers push from any
// goroutine; a single pump per job drains the mailbox in order.
type Relay struct {
	mu       sync.Mutex
	boxes    map[string]*mailbox
	interval time.Duration
	wake     bool
	logger   *logging.Logger
	observer Observer
}

type mailbox struct {
	msgs    []models.Message
	wake    chan struct{}
	pumping bool
}

// Option configures a Relay
type Option func(*Relay)

// WithWake lets Push wake the pump instead of waiting for the next tick
func WithWake(enabled bool) Option {
	return func(r *Relay) { r.wake = enabled }
}

// WithLogger sets the relay logger
func WithLogger(l *logging.Logger) Option {
	return func(r *Relay) { r.logger = l.WithComponent("relay") }
}

// WithObserver reports delivery counts
func WithObserver(o Observer) Option {
	return func(r *Relay) { r.observer = o }
}

// New creates a relay polling at interval
func New(interval time.Duration, opts ...Option) *Relay {
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Relay{
		boxes:    make(map[string]*mailbox),
		interval: interval,
		wake:     true,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// box returns the mailbox for jobID, creating it; caller holds r.mu
func (r *Relay) box(jobID string) *mailbox {
	b, ok := r.boxes[jobID]
	if !ok {
		b = &mailbox{wake: make(chan struct{}, 1)}
		r.boxes[jobID] = b
	}
	return b
}

// Push appends msg to the job's mailbox. It never blocks on delivery.
func (r *Relay) Push(jobID string, msg models.Message) {
	r.mu.Lock()
	b := r.box(jobID)
	b.msgs = append(b.msgs, msg)
	wake := b.wake
	r.mu.Unlock()

	if r.wake {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// Drain returns the buffered messages in push order and empties the mailbox
func (r *Relay) Drain(jobID string) []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.boxes[jobID]
	if !ok {
		return nil
	}
	msgs := b.msgs
	b.msgs = nil
	return msgs
}

// Pending returns the number of buffered messages for jobID
func (r *Relay) Pending(jobID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.boxes[jobID]; ok {
		return len(b.msgs)
	}
	return 0
}

// Forget drops the mailbox for jobID, discarding anything still buffered
func (r *Relay) Forget(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.boxes[jobID]; ok && !b.pumping {
		delete(r.boxes, jobID)
	}
}

// Run pumps messages for jobID until the job reaches a terminal state, is
// deleted, or ctx is canceled. On a terminal state the remaining messages are
// delivered, followed by one final status message.
func (r *Relay) Run(ctx context.Context, jobID string, src Source, sink Sink) error {
	r.mu.Lock()
	b := r.box(jobID)
	if b.pumping {
		r.mu.Unlock()
		return ErrPumpRunning
	}
	b.pumping = true
	wake := b.wake
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		b.pumping = false
		if len(b.msgs) == 0 && r.boxes[jobID] == b {
			delete(r.boxes, jobID)
		}
		r.mu.Unlock()
	}()

	logger := r.logger.WithField("job_id", jobID)
	logger.Debug("Relay pump started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if r.tick(jobID, src, sink, logger) {
			logger.Debug("Relay pump finished")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

// tick delivers buffered messages and reports whether the pump is done.
// Status is read before draining: anything pushed before the job turned
// terminal is therefore delivered ahead of the final status message.
func (r *Relay) tick(jobID string, src Source, sink Sink, logger *logging.Logger) bool {
	job, err := src.GetJob(jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		r.Drain(jobID)
		return true
	}
	if err != nil {
		logger.Warn("Relay could not read job status", map[string]interface{}{"error": err.Error()})
		return false
	}

	msgs := r.Drain(jobID)
	for _, msg := range msgs {
		sink.Broadcast(jobID, msg)
	}
	if r.observer != nil && len(msgs) > 0 {
		r.observer.MessagesRelayed(len(msgs))
	}

	if models.IsTerminalState(job.Status) {
		sink.Broadcast(jobID, models.NewStatusMessage(jobID, job.Status, job.Progress))
		return true
	}
	return false
}
