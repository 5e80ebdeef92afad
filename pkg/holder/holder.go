// Package holder provides observable values shared between models and layers.
// A holder pairs a current value with a Notifier that fires whenever the value
// changes, which is how layers learn that the selected segmenter or the
// visibility toggle moved.
package holder

import (
	"sync"
)

// Notifier keeps a list of listeners and calls them on Notify.
type Notifier struct {
	mu        sync.Mutex
	nextID    uint64
	listeners map[uint64]func()
	order     []uint64
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{listeners: make(map[uint64]func())}
}

// Add registers a listener and returns a function that removes it again.
// Calling the returned function more than once is a no-op.
func (n *Notifier) Add(listener func()) (remove func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.listeners == nil {
		n.listeners = make(map[uint64]func())
	}
	id := n.nextID
	n.nextID++
	n.listeners[id] = listener
	n.order = append(n.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(id) })
	}
}

func (n *Notifier) remove(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.listeners, id)
	for i, v := range n.order {
		if v == id {
			n.order = append(n.order[:i], n.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of registered listeners.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.listeners)
}

// Notify calls every listener in registration order. The listener list is
// snapshotted first, so listeners may add or remove listeners while running.
func (n *Notifier) Notify() {
	n.mu.Lock()
	snapshot := make([]func(), 0, len(n.order))
	for _, id := range n.order {
		snapshot = append(snapshot, n.listeners[id])
	}
	n.mu.Unlock()

	for _, listener := range snapshot {
		listener()
	}
}

// Holder is a read-only observable value.
type Holder[T any] interface {
	Get() T
	Notifier() *Notifier
}

// MutableHolder is an observable value that can be replaced.
type MutableHolder[T any] interface {
	Holder[T]
	Set(value T)
}

// Value is the default MutableHolder implementation.
type Value[T comparable] struct {
	mu       sync.RWMutex
	value    T
	notifier *Notifier
}

// NewHolder creates a holder with an initial value.
func NewHolder[T comparable](initial T) *Value[T] {
	return &Value[T]{value: initial, notifier: NewNotifier()}
}

// Get returns the current value.
func (h *Value[T]) Get() T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.value
}

// Set stores a new value and notifies listeners if it differs from the old one.
func (h *Value[T]) Set(value T) {
	h.mu.Lock()
	changed := h.value != value
	h.value = value
	h.mu.Unlock()

	if changed {
		h.notifier.Notify()
	}
}

// Notifier returns the change notifier.
func (h *Value[T]) Notifier() *Notifier {
	return h.notifier
}

type mapped[S, T any] struct {
	source Holder[S]
	fn     func(S) T
}

// Mapped derives a read-only holder from another one. The derived value is
// computed on every Get and shares the source's notifier.
func Mapped[S, T any](source Holder[S], fn func(S) T) Holder[T] {
	return &mapped[S, T]{source: source, fn: fn}
}

func (m *mapped[S, T]) Get() T {
	return m.fn(m.source.Get())
}

func (m *mapped[S, T]) Notifier() *Notifier {
	return m.source.Notifier()
}
