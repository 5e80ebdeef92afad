// Package view provides lazy, composable read views over voxel data.
//
// Views never copy data. Each one forwards At calls to its source, optionally
// transforming the position or the value on the way. This lets a renderer read
// from a chain of views (interval, extension, color conversion, container)
// while the data underneath is computed somewhere else.
package view

import (
	"context"
	"fmt"
	"sync/atomic"

	"segview/internal/models"
)

// RandomAccessible is an unbounded source of values addressed by position.
type RandomAccessible[T any] interface {
	NumDimensions() int
	At(pos models.Point) T
}

// RandomAccessibleInterval is a source that is defined on a bounded interval.
type RandomAccessibleInterval[T any] interface {
	RandomAccessible[T]
	Interval() models.Interval
}

// BlockReader is implemented by sources that compute whole blocks at once.
// The returned slice is row-major with x varying fastest and has exactly
// block.Size() elements.
type BlockReader[T any] interface {
	ReadBlock(ctx context.Context, block models.Interval) ([]T, error)
}

// ReadBlock reads a block from src, using its BlockReader implementation when
// there is one and falling back to per-voxel access otherwise.
func ReadBlock[T any](ctx context.Context, src RandomAccessible[T], block models.Interval) ([]T, error) {
	if br, ok := src.(BlockReader[T]); ok {
		data, err := br.ReadBlock(ctx, block)
		if err != nil {
			return nil, err
		}
		if int64(len(data)) != block.Size() {
			return nil, fmt.Errorf("block %v: got %d values, want %d", block, len(data), block.Size())
		}
		return data, nil
	}

	out := make([]T, block.Size())
	pos := make(models.Point, block.NumDimensions())
	copy(pos, block.Min)
	for i := range out {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		out[i] = src.At(pos)
		advance(pos, block)
	}
	return out, nil
}

// advance steps pos to the next voxel of block in row-major order.
func advance(pos models.Point, block models.Interval) {
	for d := range pos {
		if pos[d] < block.Max[d] {
			pos[d]++
			return
		}
		pos[d] = block.Min[d]
	}
}

type constant[T any] struct {
	value T
	n     int
}

// Constant returns a source that yields value everywhere. Positions of any
// dimensionality are accepted.
func Constant[T any](value T, numDimensions int) RandomAccessible[T] {
	return constant[T]{value: value, n: numDimensions}
}

func (c constant[T]) NumDimensions() int { return c.n }
func (c constant[T]) At(models.Point) T { return c.value }

type extended[T any] struct {
	src  RandomAccessibleInterval[T]
	fill T
}

// ExtendValue makes a bounded source unbounded. Positions outside the
// source's interval read as fill.
func ExtendValue[T any](src RandomAccessibleInterval[T], fill T) RandomAccessible[T] {
	return extended[T]{src: src, fill: fill}
}

func (e extended[T]) NumDimensions() int { return e.src.NumDimensions() }

func (e extended[T]) At(pos models.Point) T {
	if !e.src.Interval().Contains(pos) {
		return e.fill
	}
	return e.src.At(pos)
}

type bounded[T any] struct {
	src      RandomAccessible[T]
	interval models.Interval
}

// Interval restricts an unbounded source to the given interval.
func Interval[T any](src RandomAccessible[T], interval models.Interval) RandomAccessibleInterval[T] {
	return bounded[T]{src: src, interval: interval}
}

func (b bounded[T]) NumDimensions() int { return b.interval.NumDimensions() }
func (b bounded[T]) Interval() models.Interval { return b.interval }
func (b bounded[T]) At(pos models.Point) T { return b.src.At(pos) }

type converted[A, B any] struct {
	src RandomAccessibleInterval[A]
	fn  func(A) B
}

// Convert applies fn to every value read from src.
func Convert[A, B any](src RandomAccessibleInterval[A], fn func(A) B) RandomAccessibleInterval[B] {
	return converted[A, B]{src: src, fn: fn}
}

func (c converted[A, B]) NumDimensions() int { return c.src.NumDimensions() }
func (c converted[A, B]) Interval() models.Interval { return c.src.Interval() }
func (c converted[A, B]) At(pos models.Point) B { return c.fn(c.src.At(pos)) }

// Container is a source whose delegate can be replaced while readers are
// active. Every At call reads the delegate once, so a reader sees either the
// previous or the new source for a given voxel.
type Container[T any] struct {
	n      int
	source atomic.Pointer[RandomAccessible[T]]
}

// NewContainer creates a container with an initial delegate.
func NewContainer[T any](initial RandomAccessible[T]) *Container[T] {
	c := &Container[T]{n: initial.NumDimensions()}
	c.SetSource(initial)
	return c
}

// SetSource swaps the delegate.
func (c *Container[T]) SetSource(src RandomAccessible[T]) {
	c.source.Store(&src)
}

// Source returns the current delegate.
func (c *Container[T]) Source() RandomAccessible[T] {
	return *c.source.Load()
}

// NumDimensions is fixed when the container is created.
func (c *Container[T]) NumDimensions() int { return c.n }

func (c *Container[T]) At(pos models.Point) T {
	return c.Source().At(pos)
}

// Labels is a bounded view over a dense label volume.
type Labels struct {
	vol *models.LabelVolume
}

// FromLabelVolume wraps a dense label volume.
func FromLabelVolume(vol *models.LabelVolume) *Labels {
	return &Labels{vol: vol}
}

func (l *Labels) NumDimensions() int { return l.vol.Bounds.NumDimensions() }
func (l *Labels) Interval() models.Interval { return l.vol.Bounds }
func (l *Labels) At(pos models.Point) uint16 { return l.vol.At(pos) }

// ReadBlock copies a block out of the volume. Parts of the block outside the
// volume read as zero.
func (l *Labels) ReadBlock(ctx context.Context, block models.Interval) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]uint16, block.Size())
	pos := make(models.Point, block.NumDimensions())
	copy(pos, block.Min)
	for i := range out {
		out[i] = l.vol.At(pos)
		advance(pos, block)
	}
	return out, nil
}

// Intensities is a bounded view over a dense intensity volume.
type Intensities struct {
	vol *models.Volume
}

// FromVolume wraps a dense intensity volume.
func FromVolume(vol *models.Volume) *Intensities {
	return &Intensities{vol: vol}
}

func (i *Intensities) NumDimensions() int { return i.vol.Bounds.NumDimensions() }
func (i *Intensities) Interval() models.Interval { return i.vol.Bounds }
func (i *Intensities) At(pos models.Point) float64 { return i.vol.At(pos) }
