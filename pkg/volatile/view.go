package volatile

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"

	"segview/internal/logger"
	"segview/internal/models"
	"segview/pkg/holder"
	"segview/pkg/view"
)

// DefaultTileSize is used along every axis when Options.TileSize is empty.
const DefaultTileSize = 64

// DefaultCacheTiles bounds the number of ready tiles per view.
const DefaultCacheTiles = 1024

// Options configures WrapAsVolatile.
type Options struct {
	// Name identifies the view in logs and queue keys
	Name string

	// TileSize is the tile extent per axis. Missing axes use the last entry,
	// or DefaultTileSize when the slice is empty.
	TileSize []int64

	// CacheTiles is the maximum number of ready tiles kept
	CacheTiles int

	// Priority of this view's loads on the shared queue
	Priority int

	Logger logger.Logger
}

// View is a non-blocking label view backed by a tile cache.
type View struct {
	src      view.RandomAccessibleInterval[uint16]
	interval models.Interval
	tileSize []int64
	cache    *Cache[uint16]

	last atomic.Pointer[Tile[uint16]]
}

// WrapAsVolatile wraps a label source so that reads never block. Values are
// computed tile by tile on the shared queue through the source's BlockReader
// when it has one.
func WrapAsVolatile(src view.RandomAccessibleInterval[uint16], queue *SharedQueue, opts Options) (*View, error) {
	interval := src.Interval()
	if interval.IsEmpty() {
		return nil, fmt.Errorf("wrap %q: source interval %v is empty", opts.Name, interval)
	}

	tileSize := make([]int64, interval.NumDimensions())
	for d := range tileSize {
		switch {
		case d < len(opts.TileSize):
			tileSize[d] = opts.TileSize[d]
		case len(opts.TileSize) > 0:
			tileSize[d] = opts.TileSize[len(opts.TileSize)-1]
		default:
			tileSize[d] = DefaultTileSize
		}
		if tileSize[d] < 1 {
			return nil, fmt.Errorf("wrap %q: tile size %d on axis %d", opts.Name, tileSize[d], d)
		}
	}

	capacity := opts.CacheTiles
	if capacity < 1 {
		capacity = DefaultCacheTiles
	}

	load := func(ctx context.Context, bounds models.Interval) ([]uint16, error) {
		return view.ReadBlock[uint16](ctx, src, bounds)
	}
	cache, err := NewCache[uint16](opts.Name, queue, capacity, opts.Priority, load, opts.Logger)
	if err != nil {
		return nil, err
	}

	return &View{
		src:      src,
		interval: interval,
		tileSize: tileSize,
		cache:    cache,
	}, nil
}

func (v *View) NumDimensions() int { return v.interval.NumDimensions() }
func (v *View) Interval() models.Interval { return v.interval }
func (v *View) Notifier() *holder.Notifier { return v.cache.Notifier() }

// At returns the label at pos if its tile has been computed and an invalid
// sample otherwise. Positions outside the interval are always invalid.
func (v *View) At(pos models.Point) models.VolatileLabel {
	if !v.interval.Contains(pos) {
		return models.VolatileLabel{}
	}

	if t := v.last.Load(); t != nil && t.Generation() == v.cache.Generation() && t.Bounds.Contains(pos) {
		return models.VolatileLabel{Value: t.At(pos), Valid: true}
	}

	key, bounds := v.tileFor(pos)
	t, ok := v.cache.GetIfReady(key, bounds)
	if !ok {
		return models.VolatileLabel{}
	}
	v.last.Store(t)
	return models.VolatileLabel{Value: t.At(pos), Valid: true}
}

// TileState reports the state of the tile containing pos.
func (v *View) TileState(pos models.Point) TileState {
	if !v.interval.Contains(pos) {
		return Missing
	}
	key, _ := v.tileFor(pos)
	return v.cache.State(key)
}

// Await blocks until the tile containing pos is loaded.
func (v *View) Await(ctx context.Context, pos models.Point) error {
	if !v.interval.Contains(pos) {
		return fmt.Errorf("position %v outside %v", pos, v.interval)
	}
	key, bounds := v.tileFor(pos)
	_, err := v.cache.Get(ctx, key, bounds)
	return err
}

// Invalidate forgets every loaded tile. Subsequent reads are invalid until
// their tiles are loaded again.
func (v *View) Invalidate() {
	v.last.Store(nil)
	v.cache.Invalidate()
}

// CachedTiles returns the number of ready tiles.
func (v *View) CachedTiles() int {
	return v.cache.Len()
}

// tileFor returns the cache key and bounds of the tile holding pos.
func (v *View) tileFor(pos models.Point) (string, models.Interval) {
	n := v.interval.NumDimensions()
	min := make([]int64, n)
	max := make([]int64, n)
	key := make([]byte, 0, 8*n)

	for d := 0; d < n; d++ {
		cell := (pos[d] - v.interval.Min[d]) / v.tileSize[d]
		min[d] = v.interval.Min[d] + cell*v.tileSize[d]
		max[d] = min[d] + v.tileSize[d] - 1
		if max[d] > v.interval.Max[d] {
			max[d] = v.interval.Max[d]
		}
		if d > 0 {
			key = append(key, ',')
		}
		key = strconv.AppendInt(key, cell, 10)
	}
	return string(key), models.Interval{Min: min, Max: max}
}
