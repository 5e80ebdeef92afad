package models

import (
	"fmt"
)

// Point is a position in an n-dimensional voxel grid.
type Point []int64

// Interval is an axis-aligned box of voxels. Both Min and Max are inclusive,
// so an interval with Min == Max holds exactly one voxel per axis.
type Interval struct {
	Min []int64
	Max []int64
}

// NewInterval creates an interval from inclusive min and max corners.
func NewInterval(min, max []int64) Interval {
	return Interval{
		Min: append([]int64(nil), min...),
		Max: append([]int64(nil), max...),
	}
}

// IntervalFromSize creates an interval starting at the origin with the given
// extent along every axis.
func IntervalFromSize(size ...int64) Interval {
	min := make([]int64, len(size))
	max := make([]int64, len(size))
	for d, s := range size {
		max[d] = s - 1
	}
	return Interval{Min: min, Max: max}
}

// NumDimensions returns the number of axes of the interval.
func (iv Interval) NumDimensions() int {
	return len(iv.Min)
}

// Dimension returns the number of voxels along axis d.
func (iv Interval) Dimension(d int) int64 {
	return iv.Max[d] - iv.Min[d] + 1
}

// Size returns the total number of voxels in the interval.
func (iv Interval) Size() int64 {
	if len(iv.Min) == 0 {
		return 0
	}
	size := int64(1)
	for d := range iv.Min {
		n := iv.Dimension(d)
		if n <= 0 {
			return 0
		}
		size *= n
	}
	return size
}

// IsEmpty reports whether the interval contains no voxels.
func (iv Interval) IsEmpty() bool {
	return iv.Size() == 0
}

// Contains reports whether p lies inside the interval. Points with fewer
// dimensions than the interval never match.
func (iv Interval) Contains(p Point) bool {
	if len(p) < len(iv.Min) {
		return false
	}
	for d := range iv.Min {
		if p[d] < iv.Min[d] || p[d] > iv.Max[d] {
			return false
		}
	}
	return true
}

// Intersect returns the overlap of two intervals of equal dimensionality.
// The result may be empty.
func (iv Interval) Intersect(other Interval) Interval {
	n := iv.NumDimensions()
	out := Interval{Min: make([]int64, n), Max: make([]int64, n)}
	for d := 0; d < n; d++ {
		out.Min[d] = max(iv.Min[d], other.Min[d])
		out.Max[d] = min(iv.Max[d], other.Max[d])
	}
	return out
}

// Equal reports whether both intervals cover the same voxels.
func (iv Interval) Equal(other Interval) bool {
	if len(iv.Min) != len(other.Min) {
		return false
	}
	for d := range iv.Min {
		if iv.Min[d] != other.Min[d] || iv.Max[d] != other.Max[d] {
			return false
		}
	}
	return true
}

func (iv Interval) String() string {
	return fmt.Sprintf("[%v..%v]", iv.Min, iv.Max)
}

// LabelVolume is a dense block of per-voxel integer labels.
type LabelVolume struct {
	// Data holds the labels in row-major order, x varying fastest
	Data []uint16

	// Bounds is the region of voxel space covered by Data
	Bounds Interval
}

// NewLabelVolume allocates a zero-filled label volume over the interval.
func NewLabelVolume(bounds Interval) *LabelVolume {
	return &LabelVolume{
		Data:   make([]uint16, bounds.Size()),
		Bounds: NewInterval(bounds.Min, bounds.Max),
	}
}

// Index returns the offset of p in Data, or -1 if p lies outside the bounds.
func (v *LabelVolume) Index(p Point) int {
	return offset(v.Bounds, p)
}

// offset returns the row-major position of p within bounds, or -1.
func offset(bounds Interval, p Point) int {
	if !bounds.Contains(p) {
		return -1
	}
	idx := int64(0)
	stride := int64(1)
	for d := range bounds.Min {
		idx += (p[d] - bounds.Min[d]) * stride
		stride *= bounds.Dimension(d)
	}
	return int(idx)
}

// At returns the label at p. Positions outside the bounds read as zero.
func (v *LabelVolume) At(p Point) uint16 {
	idx := v.Index(p)
	if idx < 0 {
		return 0
	}
	return v.Data[idx]
}

// Set stores a label at p. Positions outside the bounds are ignored.
func (v *LabelVolume) Set(p Point, label uint16) {
	if idx := v.Index(p); idx >= 0 {
		v.Data[idx] = label
	}
}

// Volume is a dense block of intensities, typically the raw image that a
// segmenter classifies.
type Volume struct {
	// Data holds intensities in row-major order, x varying fastest
	Data []float64

	// Bounds is the region of voxel space covered by Data
	Bounds Interval
}

// NewVolume allocates a zero-filled intensity volume.
func NewVolume(bounds Interval) *Volume {
	return &Volume{
		Data:   make([]float64, bounds.Size()),
		Bounds: NewInterval(bounds.Min, bounds.Max),
	}
}

// At returns the intensity at p. Positions outside the bounds read as zero.
func (v *Volume) At(p Point) float64 {
	idx := offset(v.Bounds, p)
	if idx < 0 {
		return 0
	}
	return v.Data[idx]
}

// Set stores an intensity at p. Positions outside the bounds are ignored.
func (v *Volume) Set(p Point, value float64) {
	if idx := offset(v.Bounds, p); idx >= 0 {
		v.Data[idx] = value
	}
}
