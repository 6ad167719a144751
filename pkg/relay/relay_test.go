package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/psantana5/yolotrain/pkg/models"
	"github.com/psantana5/yolotrain/pkg/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newFakeSource(id string, status models.JobStatus) *fakeSource {
	return &fakeSource{jobs: map[string]*models.Job{id: {ID: id, Status: status}}}
}

func (f *fakeSource) GetJob(id string) (*models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (f *fakeSource) set(id string, status models.JobStatus, progress float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[id] = &models.Job{ID: id, Status: status, Progress: progress}
}

func (f *fakeSource) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, id)
}

type recordingSink struct {
	mu   sync.Mutex
	msgs []models.Message
}

func (s *recordingSink) Broadcast(jobID string, msg models.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return 1
}

func (s *recordingSink) snapshot() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.msgs...)
}

func (r *Relay) pumping(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.boxes[jobID]
	return ok && b.pumping
}

func TestPushDrainOrder(t *testing.T) {
	r := New(time.Second)
	for i := 0; i < 5; i++ {
		r.Push("job", models.NewLogMessage("job", fmt.Sprint(i)))
	}

	msgs := r.Drain("job")
	if len(msgs) != 5 {
		t.Fatalf("Drain() returned %d messages, want 5", len(msgs))
	}
	for i, m := range msgs {
		if m.Data != fmt.Sprint(i) {
			t.Errorf("message %d = %v", i, m.Data)
		}
	}
	if again := r.Drain("job"); len(again) != 0 {
		t.Errorf("second Drain() returned %d messages", len(again))
	}
	if r.Pending("job") != 0 {
		t.Error("Pending() not zero after drain")
	}
}

func TestConcurrentPushNoLoss(t *testing.T) {
	r := New(time.Second)
	const producers, perProducer = 8, 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				r.Push("job", models.Message{Type: models.MessageLog, JobID: "job", Data: [2]int{p, i}})
			}
		}(p)
	}

	var got []models.Message
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		default:
		}
		got = append(got, r.Drain("job")...)
	}
	got = append(got, r.Drain("job")...)

	if len(got) != producers*perProducer {
		t.Fatalf("received %d messages, want %d", len(got), producers*perProducer)
	}
	next := make([]int, producers)
	for _, m := range got {
		v := m.Data.([2]int)
		if v[1] != next[v[0]] {
			t.Fatalf("producer %d: got message %d, want %d", v[0], v[1], next[v[0]])
		}
		next[v[0]]++
	}
}

func TestRunDeliversThenFinalStatus(t *testing.T) {
	r := New(10 * time.Millisecond)
	src := newFakeSource("job", models.JobStatusRunning)
	sink := &recordingSink{}

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background(), "job", src, sink) }()

	r.Push("job", models.NewLogMessage("job", "one"))
	r.Push("job", models.NewLogMessage("job", "two"))
	r.Push("job", models.NewLogMessage("job", "three"))
	src.set("job", models.JobStatusCompleted, 100)

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not exit after terminal state")
	}

	msgs := sink.snapshot()
	if len(msgs) != 4 {
		t.Fatalf("delivered %d messages, want 4: %+v", len(msgs), msgs)
	}
	for i, want := range []string{"one", "two", "three"} {
		if msgs[i].Data != want {
			t.Errorf("message %d = %v, want %s", i, msgs[i].Data, want)
		}
	}
	final := msgs[3]
	status, ok := final.Data.(models.StatusUpdate)
	if final.Type != models.MessageStatus || !ok {
		t.Fatalf("last message = %+v, want status", final)
	}
	if status.Status != models.JobStatusCompleted || status.Progress != 100 {
		t.Errorf("final status = %+v", status)
	}
}

func TestRunSinglePumpPerJob(t *testing.T) {
	r := New(10 * time.Millisecond)
	src := newFakeSource("job", models.JobStatusRunning)
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx, "job", src, sink) }()

	deadline := time.Now().Add(time.Second)
	for !r.pumping("job") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := r.Run(ctx, "job", src, sink); !errors.Is(err, ErrPumpRunning) {
		t.Errorf("second Run() = %v, want ErrPumpRunning", err)
	}

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() after cancel = %v, want context.Canceled", err)
	}
}

func TestRunStopsWhenJobDeleted(t *testing.T) {
	r := New(10 * time.Millisecond)
	src := newFakeSource("job", models.JobStatusRunning)
	sink := &recordingSink{}

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background(), "job", src, sink) }()
	src.remove("job")

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not exit after job deletion")
	}
}

func TestPollingWithoutWake(t *testing.T) {
	r := New(20*time.Millisecond, WithWake(false))
	src := newFakeSource("job", models.JobStatusRunning)
	sink := &recordingSink{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx, "job", src, sink) }()

	r.Push("job", models.NewLogMessage("job", "tick"))

	deadline := time.Now().Add(2 * time.Second)
	for len(sink.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(sink.snapshot()) != 1 {
		t.Errorf("message not delivered by periodic poll")
	}
	cancel()
	<-errCh
}

type countingObserver struct {
	mu sync.Mutex
	n  int
}

func (o *countingObserver) MessagesRelayed(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.n += n
}

func TestObserverCountsDeliveries(t *testing.T) {
	obs := &countingObserver{}
	r := New(10*time.Millisecond, WithObserver(obs))
	src := newFakeSource("job", models.JobStatusCompleted)
	r.Push("job", models.NewLogMessage("job", "a"))
	r.Push("job", models.NewLogMessage("job", "b"))

	if err := r.Run(context.Background(), "job", src, &recordingSink{}); err != nil {
		t.Fatal(err)
	}
	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.n != 2 {
		t.Errorf("observer counted %d, want 2", obs.n)
	}
}
