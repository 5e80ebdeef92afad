package holder

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotifierAddRemove(t *testing.T) {
	n := NewNotifier()
	var calls []string

	removeA := n.Add(func() { calls = append(calls, "a") })
	n.Add(func() { calls = append(calls, "b") })

	n.Notify()
	assert.Equal(t, []string{"a", "b"}, calls)

	removeA()
	removeA()
	assert.Equal(t, 1, n.Len())

	calls = nil
	n.Notify()
	assert.Equal(t, []string{"b"}, calls)
}

func TestNotifierListenerMayRegister(t *testing.T) {
	n := NewNotifier()
	count := 0
	n.Add(func() {
		count++
		n.Add(func() { count += 10 })
	})

	n.Notify()
	assert.Equal(t, 1, count, "listeners added during Notify run on the next round")

	n.Notify()
	assert.Equal(t, 12, count)
}

func TestValueNotifiesOnlyOnChange(t *testing.T) {
	h := NewHolder(false)
	fired := 0
	h.Notifier().Add(func() { fired++ })

	h.Set(false)
	assert.Equal(t, 0, fired)

	h.Set(true)
	assert.Equal(t, 1, fired)
	assert.True(t, h.Get())
}

func TestMappedFollowsSource(t *testing.T) {
	src := NewHolder(2)
	doubled := Mapped[int, int](src, func(v int) int { return v * 2 })

	assert.Equal(t, 4, doubled.Get())
	assert.Same(t, src.Notifier(), doubled.Notifier())

	src.Set(5)
	assert.Equal(t, 10, doubled.Get())
}
