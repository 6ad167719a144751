package fanout

import (
	"fmt"
	"sync"

	"github.com/psantana5/yolotrain/pkg/logging"
	"github.com/psantana5/yolotrain/pkg/models"
)

// Subscriber receives messages for one job. Implementations must be
// comparable (normally a pointer) since they key the subscriber set.
type Subscriber interface {
	Send(msg models.Message) error
}

// Source provides the job snapshot sent to new subscribers
type Source interface {
	GetJob(id string) (*models.Job, error)
}

// Observer tracks subscriber counts and delivery failures
type Observer interface {
	SetSubscribers(n int)
	DeliveryFailed()
}

type entry struct {
	mu  sync.Mutex // serializes sends to one subscriber
	sub Subscriber
	// last epoch carried by the snapshot; older metrics frames are skipped
	seenEpoch int
}

// Hub fans relayed messages out to every subscriber of a job
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[Subscriber]*entry
	total    int
	source   Source
	logger   *logging.Logger
	observer Observer
}

// NewHub creates a hub reading initial snapshots from source
func NewHub(source Source, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{
		subs:   make(map[string]map[Subscriber]*entry),
		source: source,
		logger: logger.WithComponent("fanout"),
	}
}

// WithObserver reports subscriber counts and failures to o
func (h *Hub) WithObserver(o Observer) *Hub {
	h.observer = o
	return h
}

// Register adds sub to jobID and sends it the current job record as its
// first message. The subscriber is visible to broadcasts only after that
// message has been sent, and metrics frames for epochs the snapshot already
// holds are not delivered to it.
func (h *Hub) Register(jobID string, sub Subscriber) error {
	e := &entry{sub: sub}
	e.mu.Lock()
	defer e.mu.Unlock()

	h.mu.Lock()
	set, ok := h.subs[jobID]
	if !ok {
		set = make(map[Subscriber]*entry)
		h.subs[jobID] = set
	}
	if _, dup := set[sub]; !dup {
		h.total++
	}
	set[sub] = e
	h.reportLocked()
	h.mu.Unlock()

	job, err := h.source.GetJob(jobID)
	if err != nil {
		h.Unregister(jobID, sub)
		return err
	}
	if err := sub.Send(models.NewSnapshotMessage(job)); err != nil {
		h.Unregister(jobID, sub)
		return fmt.Errorf("send initial status: %w", err)
	}
	e.seenEpoch = job.LastEpoch()
	return nil
}

// Unregister removes sub from jobID; unknown subscribers are ignored
func (h *Hub) Unregister(jobID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(jobID, sub)
}

func (h *Hub) removeLocked(jobID string, sub Subscriber) bool {
	set, ok := h.subs[jobID]
	if !ok {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	h.total--
	if len(set) == 0 {
		delete(h.subs, jobID)
	}
	h.reportLocked()
	return true
}

func (h *Hub) reportLocked() {
	if h.observer != nil {
		h.observer.SetSubscribers(h.total)
	}
}

// Broadcast delivers msg to every subscriber of jobID and returns the number
// of successful deliveries. A subscriber whose send fails is dropped; the
// remaining subscribers still receive the message.
func (h *Hub) Broadcast(jobID string, msg models.Message) int {
	h.mu.RLock()
	entries := make([]*entry, 0, len(h.subs[jobID]))
	for _, e := range h.subs[jobID] {
		entries = append(entries, e)
	}
	h.mu.RUnlock()

	delivered := 0
	var failed []Subscriber
	epoch, isMetrics := epochOf(msg)
	for _, e := range entries {
		e.mu.Lock()
		if isMetrics && epoch <= e.seenEpoch {
			e.mu.Unlock()
			continue
		}
		err := e.sub.Send(msg)
		e.mu.Unlock()
		if err != nil {
			h.logger.Warn("Dropping subscriber after failed send", map[string]interface{}{
				"job_id": jobID,
				"type":   string(msg.Type),
				"error":  err.Error(),
			})
			failed = append(failed, e.sub)
			continue
		}
		delivered++
	}

	if len(failed) > 0 {
		h.mu.Lock()
		for _, sub := range failed {
			if h.removeLocked(jobID, sub) && h.observer != nil {
				h.observer.DeliveryFailed()
			}
		}
		h.mu.Unlock()
		for _, sub := range failed {
			closeSubscriber(sub)
		}
	}
	return delivered
}

// CloseJob removes every subscriber of jobID, closing those that support it
func (h *Hub) CloseJob(jobID string) {
	h.mu.Lock()
	set := h.subs[jobID]
	delete(h.subs, jobID)
	h.total -= len(set)
	h.reportLocked()
	h.mu.Unlock()

	for sub := range set {
		closeSubscriber(sub)
	}
}

// Count returns the number of subscribers for jobID
func (h *Hub) Count(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

// Total returns the number of subscribers across all jobs
func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

func epochOf(msg models.Message) (int, bool) {
	if msg.Type != models.MessageMetrics {
		return 0, false
	}
	switch u := msg.Data.(type) {
	case models.EpochUpdate:
		return u.Epoch, true
	case *models.EpochUpdate:
		return u.Epoch, u != nil
	}
	return 0, false
}

func closeSubscriber(sub Subscriber) {
	if c, ok := sub.(interface{ Close() error }); ok {
		c.Close()
	}
}
