package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIntervalFromSize(t *testing.T) {
	iv := IntervalFromSize(4, 3, 2)

	assert.Equal(t, 3, iv.NumDimensions())
	assert.Equal(t, int64(24), iv.Size())
	assert.Equal(t, int64(3), iv.Dimension(1))
	assert.True(t, iv.Contains(Point{3, 2, 1}))
	assert.False(t, iv.Contains(Point{4, 0, 0}))
	assert.False(t, iv.Contains(Point{0, 0}), "lower-dimensional points never match")
}

func TestIntervalIntersect(t *testing.T) {
	a := NewInterval([]int64{0, 0}, []int64{9, 9})
	b := NewInterval([]int64{5, -3}, []int64{20, 4})

	got := a.Intersect(b)
	assert.True(t, got.Equal(NewInterval([]int64{5, 0}, []int64{9, 4})), "got %v", got)

	c := NewInterval([]int64{10, 10}, []int64{12, 12})
	assert.True(t, a.Intersect(c).IsEmpty())
}

func TestLabelVolumeIndexing(t *testing.T) {
	v := NewLabelVolume(NewInterval([]int64{1, 1}, []int64{3, 2}))
	assert.Len(t, v.Data, 6)

	v.Set(Point{3, 2}, 7)
	assert.Equal(t, 5, v.Index(Point{3, 2}))
	assert.Equal(t, uint16(7), v.At(Point{3, 2}))

	// outside reads as zero and writes are dropped
	v.Set(Point{0, 0}, 9)
	assert.Equal(t, uint16(0), v.At(Point{0, 0}))
	assert.Equal(t, -1, v.Index(Point{0, 0}))
}

func TestARGBChannels(t *testing.T) {
	c := NewARGB(0xff, 0x10, 0x20, 0x30)
	assert.Equal(t, ARGB(0xff102030), c)
	assert.Equal(t, uint8(0x20), c.G())
	assert.Equal(t, uint8(0xff), c.NRGBA().A)
}
