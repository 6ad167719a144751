package shutdown

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

type closer struct{ err error }

func (c closer) Close() error { return c.err }

func TestShutdownRunsInReverseOrder(t *testing.T) {
	m := New(time.Second, nil)
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		m.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	m.Register("failing", CloseResource(closer{err: errors.New("busy")}, "db"))

	if failures := m.Shutdown(); failures != 1 {
		t.Errorf("Shutdown() = %d failures, want 1", failures)
	}
	if want := []string{"third", "second", "first"}; !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestShutdownPassesDeadline(t *testing.T) {
	m := New(50*time.Millisecond, nil)
	m.Register("deadline", func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		if !ok {
			return errors.New("no deadline")
		}
		return nil
	})
	if failures := m.Shutdown(); failures != 0 {
		t.Errorf("Shutdown() = %d failures, want 0", failures)
	}
}

func TestWaitReturnsOnContext(t *testing.T) {
	m := New(time.Second, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Wait(ctx)

	select {
	case <-m.Done():
	default:
		t.Fatal("Done channel not closed")
	}
}

type server struct{ err error }

func (s server) Shutdown(context.Context) error { return s.err }

func TestStopHTTPServer(t *testing.T) {
	if err := StopHTTPServer(server{}, "api")(context.Background()); err != nil {
		t.Errorf("StopHTTPServer() = %v, want nil", err)
	}
	err := StopHTTPServer(server{err: errors.New("x")}, "api")(context.Background())
	if err == nil || !strings.Contains(err.Error(), "failed to stop api server") {
		t.Errorf("StopHTTPServer() = %v, want a stop failure", err)
	}
}
