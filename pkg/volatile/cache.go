package volatile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"segview/internal/logger"
	"segview/internal/models"
	"segview/pkg/holder"
)

// TileState describes how far a tile has come.
type TileState int

const (
	// Missing tiles have not been requested in the current generation.
	Missing TileState = iota
	// Pending tiles are queued or being loaded.
	Pending
	// Ready tiles are cached and can be read without blocking.
	Ready
)

func (s TileState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	default:
		return "missing"
	}
}

// Tile is one loaded block of voxels.
type Tile[T any] struct {
	Bounds models.Interval
	Data   []T

	generation uint64
}

// Generation returns the cache generation the tile was loaded in.
func (t *Tile[T]) Generation() uint64 {
	return t.generation
}

// At returns the value at p, which must lie inside Bounds.
func (t *Tile[T]) At(p models.Point) T {
	idx := int64(0)
	stride := int64(1)
	for d := range t.Bounds.Min {
		idx += (p[d] - t.Bounds.Min[d]) * stride
		stride *= t.Bounds.Dimension(d)
	}
	return t.Data[idx]
}

// Loader computes the voxels of one tile.
type Loader[T any] func(ctx context.Context, bounds models.Interval) ([]T, error)

// Cache holds loaded tiles and schedules missing ones on a SharedQueue.
//
// Ready tiles live in a bounded LRU. Invalidate starts a new generation: the
// LRU is purged and loads that were started for an older generation are
// discarded when they finish.
type Cache[T any] struct {
	name     string
	queue    *SharedQueue
	load     Loader[T]
	priority int
	log      logger.Logger

	ready  *lru.Cache[string, *Tile[T]]
	flight singleflight.Group

	mu         sync.Mutex
	generation atomic.Uint64
	pending    map[string]uint64

	notifier *holder.Notifier
}

// NewCache creates a cache holding at most capacity ready tiles.
func NewCache[T any](name string, queue *SharedQueue, capacity, priority int, load Loader[T], log logger.Logger) (*Cache[T], error) {
	if queue == nil {
		return nil, fmt.Errorf("cache %s: queue is required", name)
	}
	ready, err := lru.New[string, *Tile[T]](capacity)
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", name, err)
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Cache[T]{
		name:     name,
		queue:    queue,
		load:     load,
		priority: priority,
		log:      log,
		ready:    ready,
		pending:  make(map[string]uint64),
		notifier: holder.NewNotifier(),
	}, nil
}

// Notifier fires every time a tile becomes ready.
func (c *Cache[T]) Notifier() *holder.Notifier {
	return c.notifier
}

// Generation returns the current invalidation generation.
func (c *Cache[T]) Generation() uint64 {
	return c.generation.Load()
}

// GetIfReady returns the tile if it is cached. Otherwise it schedules the
// tile, unless it is already pending, and returns false without waiting.
func (c *Cache[T]) GetIfReady(key string, bounds models.Interval) (*Tile[T], bool) {
	if t, ok := c.ready.Get(key); ok {
		return t, true
	}

	c.mu.Lock()
	gen := c.generation.Load()
	if g, ok := c.pending[key]; ok && g == gen {
		c.mu.Unlock()
		return nil, false
	}
	c.pending[key] = gen
	c.mu.Unlock()

	err := c.queue.Enqueue(c.name+"/"+key, c.priority, func(ctx context.Context) {
		if _, err := c.fetch(ctx, gen, key, bounds); err != nil {
			c.log.Warning("TileCache", "tile load failed", map[string]interface{}{
				"cache": c.name,
				"tile":  key,
				"error": err.Error(),
			})
		}
	})
	if err != nil {
		c.clearPending(key, gen)
	}
	return nil, false
}

// Get returns the tile, loading it if needed and waiting for the result.
func (c *Cache[T]) Get(ctx context.Context, key string, bounds models.Interval) (*Tile[T], error) {
	if t, ok := c.ready.Get(key); ok {
		return t, nil
	}

	gen := c.Generation()
	ch := c.flight.DoChan(flightKey(gen, key), func() (interface{}, error) {
		return c.loadTile(c.queue.Context(), gen, key, bounds)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Tile[T]), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// State reports the state of a tile in the current generation.
func (c *Cache[T]) State(key string) TileState {
	if c.ready.Contains(key) {
		return Ready
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.pending[key]; ok && g == c.generation.Load() {
		return Pending
	}
	return Missing
}

// Len returns the number of ready tiles.
func (c *Cache[T]) Len() int {
	return c.ready.Len()
}

// Invalidate drops every cached tile and ignores loads still in flight.
func (c *Cache[T]) Invalidate() {
	c.mu.Lock()
	gen := c.generation.Add(1)
	c.pending = make(map[string]uint64)
	c.ready.Purge()
	c.mu.Unlock()

	c.log.Debug("TileCache", "cache invalidated", map[string]interface{}{
		"cache":      c.name,
		"generation": gen,
	})
}

func (c *Cache[T]) fetch(ctx context.Context, gen uint64, key string, bounds models.Interval) (*Tile[T], error) {
	if t, ok := c.ready.Get(key); ok {
		c.clearPending(key, gen)
		return t, nil
	}

	v, err, _ := c.flight.Do(flightKey(gen, key), func() (interface{}, error) {
		return c.loadTile(ctx, gen, key, bounds)
	})
	if err != nil {
		c.clearPending(key, gen)
		return nil, err
	}
	return v.(*Tile[T]), nil
}

func (c *Cache[T]) loadTile(ctx context.Context, gen uint64, key string, bounds models.Interval) (*Tile[T], error) {
	data, err := c.load(ctx, bounds)
	if err != nil {
		return nil, fmt.Errorf("tile %s: %w", key, err)
	}
	tile := &Tile[T]{Bounds: bounds, Data: data, generation: gen}

	c.mu.Lock()
	stale := gen != c.generation.Load()
	if !stale {
		c.ready.Add(key, tile)
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !stale {
		c.notifier.Notify()
	}
	return tile, nil
}

func (c *Cache[T]) clearPending(key string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.pending[key]; ok && g == gen {
		delete(c.pending, key)
	}
}

func flightKey(gen uint64, key string) string {
	return fmt.Sprintf("%d/%s", gen, key)
}
