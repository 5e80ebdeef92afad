package volatile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"segview/internal/models"
	"segview/pkg/view"
)

// gatedSource blocks every block read until release is closed.
type gatedSource struct {
	*view.Labels
	release chan struct{}
	started atomic.Int32
	reads   atomic.Int32
	fail    atomic.Bool
}

func (g *gatedSource) ReadBlock(ctx context.Context, block models.Interval) ([]uint16, error) {
	g.started.Add(1)
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	g.reads.Add(1)
	if g.fail.Load() {
		return nil, errors.New("classifier crashed")
	}
	return g.Labels.ReadBlock(ctx, block)
}

func newGatedSource(w, h int64) *gatedSource {
	vol := models.NewLabelVolume(models.IntervalFromSize(w, h))
	for i := range vol.Data {
		vol.Data[i] = uint16(i % 7)
	}
	return &gatedSource{Labels: view.FromLabelVolume(vol), release: make(chan struct{})}
}

func TestVolatileViewReturnsInvalidUntilLoaded(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewSharedQueue(2, nil)
	defer q.Shutdown()

	src := newGatedSource(8, 8)
	v, err := WrapAsVolatile(src, q, Options{Name: "pred", TileSize: []int64{4}})
	require.NoError(t, err)

	ready := make(chan struct{}, 16)
	v.Notifier().Add(func() { ready <- struct{}{} })

	p := models.Point{5, 2}
	assert.Equal(t, Missing, v.TileState(p))

	sample := v.At(p)
	assert.False(t, sample.Valid)
	assert.Equal(t, Pending, v.TileState(p))

	close(src.release)
	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("tile never became ready")
	}

	sample = v.At(p)
	require.True(t, sample.Valid)
	assert.Equal(t, uint16((2*8+5)%7), sample.Value)
	assert.Equal(t, Ready, v.TileState(p))
	assert.Equal(t, 1, v.CachedTiles())

	// another voxel of the same tile needs no further load
	assert.True(t, v.At(models.Point{4, 3}).Valid)
	assert.Equal(t, int32(1), src.reads.Load())
}

func TestVolatileViewOutsideIntervalIsInvalid(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewSharedQueue(1, nil)
	defer q.Shutdown()

	v, err := WrapAsVolatile(view.FromLabelVolume(models.NewLabelVolume(models.IntervalFromSize(4, 4))), q, Options{})
	require.NoError(t, err)

	assert.False(t, v.At(models.Point{-1, 0}).Valid)
	assert.Equal(t, Missing, v.TileState(models.Point{10, 10}))
	assert.Error(t, v.Await(context.Background(), models.Point{10, 10}))
}

func TestVolatileViewAwaitAndInvalidate(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewSharedQueue(2, nil)
	defer q.Shutdown()

	src := newGatedSource(6, 6)
	close(src.release)
	v, err := WrapAsVolatile(src, q, Options{Name: "pred", TileSize: []int64{3, 3}})
	require.NoError(t, err)

	p := models.Point{4, 4}
	require.NoError(t, v.Await(context.Background(), p))
	assert.True(t, v.At(p).Valid)

	v.Invalidate()
	assert.Equal(t, 0, v.CachedTiles())
	assert.False(t, v.At(p).Valid, "invalidated tiles read as not ready")

	require.NoError(t, v.Await(context.Background(), p))
	assert.True(t, v.At(p).Valid)
}

func TestVolatileViewInvalidateDiscardsInFlightLoad(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewSharedQueue(1, nil)
	defer q.Shutdown()

	src := newGatedSource(4, 4)
	v, err := WrapAsVolatile(src, q, Options{Name: "pred", TileSize: []int64{4}})
	require.NoError(t, err)

	ready := make(chan struct{}, 4)
	v.Notifier().Add(func() { ready <- struct{}{} })

	p := models.Point{2, 2}
	assert.False(t, v.At(p).Valid)
	require.Eventually(t, func() bool { return src.started.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	v.Invalidate()
	close(src.release)

	// the single worker runs this only after the stale load has returned
	done := make(chan struct{})
	require.NoError(t, q.Enqueue("marker", 0, func(context.Context) { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stale load never finished")
	}

	assert.Equal(t, int32(1), src.reads.Load())
	assert.Equal(t, 0, v.CachedTiles(), "stale tile must not be cached")
	assert.Equal(t, Missing, v.TileState(p))
	assert.Empty(t, ready, "stale tile must not notify")

	require.NoError(t, v.Await(context.Background(), p))
	assert.True(t, v.At(p).Valid)
}

func TestVolatileViewRetriesFailedTiles(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewSharedQueue(1, nil)
	defer q.Shutdown()

	src := newGatedSource(4, 4)
	src.fail.Store(true)
	close(src.release)
	v, err := WrapAsVolatile(src, q, Options{Name: "pred", TileSize: []int64{4}})
	require.NoError(t, err)

	p := models.Point{1, 1}
	v.At(p)
	require.Eventually(t, func() bool { return v.TileState(p) == Missing }, 2*time.Second, 5*time.Millisecond)

	src.fail.Store(false)
	v.At(p)
	require.Eventually(t, func() bool { return v.At(p).Valid }, 2*time.Second, 5*time.Millisecond)
}

func TestVolatileViewConcurrentReaders(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewSharedQueue(4, nil)
	defer q.Shutdown()

	src := newGatedSource(32, 32)
	close(src.release)
	v, err := WrapAsVolatile(src, q, Options{Name: "pred", TileSize: []int64{8}, CacheTiles: 64})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for y := int64(0); y < 32; y++ {
				for x := int64(0); x < 32; x++ {
					if s := v.At(models.Point{x, y}); s.Valid && s.Value != uint16((y*32+x)%7) {
						t.Errorf("wrong value at %d,%d", x, y)
					}
				}
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return v.CachedTiles() == 16 }, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, src.reads.Load(), int32(16), "each tile is computed once")
}

func TestWrapAsVolatileRejectsBadTileSize(t *testing.T) {
	defer goleak.VerifyNone(t)

	q := NewSharedQueue(1, nil)
	defer q.Shutdown()

	_, err := WrapAsVolatile(view.FromLabelVolume(models.NewLabelVolume(models.IntervalFromSize(4, 4))), q, Options{TileSize: []int64{0}})
	assert.Error(t, err)
}
