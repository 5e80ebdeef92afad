package shutdown

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) component(name string) Func {
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.order = append(r.order, name)
	}
}

func TestShutdownReverseOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	r := &recorder{}
	m := NewManager(nil)
	m.Register("watcher", r.component("watcher"))
	m.Register("layer", r.component("layer"))
	m.Register("viewer", r.component("viewer"))

	m.Shutdown()
	m.Shutdown()

	assert.Equal(t, []string{"viewer", "layer", "watcher"}, r.order)
	assert.Error(t, m.Context().Err())
	select {
	case <-m.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestRegisterAfterShutdownStopsImmediately(t *testing.T) {
	r := &recorder{}
	m := NewManager(nil)
	m.Shutdown()

	m.Register("late", r.component("late"))
	assert.Equal(t, []string{"late"}, r.order)
}

func TestShutdownTimesOutStuckComponent(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	r := &recorder{}
	m := NewManager(nil)
	m.SetComponentTimeout(20 * time.Millisecond)
	m.Register("first", r.component("first"))
	m.Register("stuck", Func(func() { <-release }))

	start := time.Now()
	m.Shutdown()
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"first"}, r.order, "later components still stop after a timeout")
}

func TestListenStopsOnShutdown(t *testing.T) {
	r := &recorder{}
	m := NewManager(nil)
	m.Register("layer", r.component("layer"))
	m.Listen()
	m.Shutdown()

	assert.Equal(t, []string{"layer"}, r.order)
}
