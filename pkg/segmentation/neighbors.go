package segmentation

import (
	"context"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/kdtree"

	"segview/internal/models"
	"segview/pkg/view"
)

// DefaultNeighbors is the number of labeled voxels that vote on each label.
const DefaultNeighbors = 5

// DefaultSpatialWeight scales voxel coordinates against intensity, so that
// a one voxel step counts as much as a 1% change in intensity.
const DefaultSpatialWeight = 0.01

// sample is a labeled voxel in feature space: intensity followed by the
// weighted position.
type sample struct {
	features [4]float64
	label    uint16
}

// Compare implements the kdtree.Comparable interface
func (s sample) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return s.features[d] - c.(sample).features[d]
}

func (s sample) Dims() int { return len(s.features) }

// Distance returns the squared Euclidean distance in feature space
func (s sample) Distance(c kdtree.Comparable) float64 {
	q := c.(sample)
	var sum float64
	for d := range s.features {
		diff := s.features[d] - q.features[d]
		sum += diff * diff
	}
	return sum
}

// samples satisfies kdtree.Interface
type samples []sample

func (p samples) Index(i int) kdtree.Comparable { return p[i] }
func (p samples) Len() int { return len(p) }
func (p samples) Slice(start, end int) kdtree.Interface { return p[start:end] }

func (p samples) Pivot(d kdtree.Dim) int {
	return kdtree.Partition(samplePlane{samples: p, Dim: d}, kdtree.MedianOfRandoms(samplePlane{samples: p, Dim: d}, 100))
}

// samplePlane implements sort.Interface and kdtree.SortSlicer for samples
type samplePlane struct {
	samples
	kdtree.Dim
}

func (p samplePlane) Less(i, j int) bool {
	return p.samples[i].features[p.Dim] < p.samples[j].features[p.Dim]
}

func (p samplePlane) Slice(start, end int) kdtree.SortSlicer {
	return samplePlane{samples: p.samples[start:end], Dim: p.Dim}
}

func (p samplePlane) Swap(i, j int) {
	p.samples[i], p.samples[j] = p.samples[j], p.samples[i]
}

// NearestNeighborSegmenter labels each voxel by majority vote of the k
// labeled voxels closest in intensity and position. Unlike ThresholdSegmenter
// it can separate regions of equal brightness that lie apart.
type NearestNeighborSegmenter struct {
	k             int
	spatialWeight float64

	mu       sync.RWMutex
	tree     *kdtree.Tree
	maxLabel uint16
}

// NewNearestNeighborSegmenter creates an untrained segmenter. Non-positive
// arguments select the defaults.
func NewNearestNeighborSegmenter(k int, spatialWeight float64) *NearestNeighborSegmenter {
	if k < 1 {
		k = DefaultNeighbors
	}
	if spatialWeight <= 0 {
		spatialWeight = DefaultSpatialWeight
	}
	return &NearestNeighborSegmenter{k: k, spatialWeight: spatialWeight}
}

func (s *NearestNeighborSegmenter) features(v float64, pos models.Point) [4]float64 {
	f := [4]float64{v}
	for d := 0; d < len(pos) && d < 3; d++ {
		f[d+1] = float64(pos[d]) * s.spatialWeight
	}
	return f
}

func (s *NearestNeighborSegmenter) Train(ctx context.Context, image view.RandomAccessibleInterval[float64], labeling *models.LabelVolume) error {
	if labeling == nil {
		return fmt.Errorf("train: labeling is required")
	}

	var points samples
	var maxLabel uint16
	pos := make(models.Point, labeling.Bounds.NumDimensions())
	copy(pos, labeling.Bounds.Min)

	for i, label := range labeling.Data {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if label != 0 {
			points = append(points, sample{features: s.features(image.At(pos), pos), label: label})
			maxLabel = max(maxLabel, label)
		}
		step(pos, labeling.Bounds)
	}

	if len(points) == 0 {
		return fmt.Errorf("train: labeling has no labeled voxels")
	}

	tree := kdtree.New(points, true)

	s.mu.Lock()
	s.tree = tree
	s.maxLabel = maxLabel
	s.mu.Unlock()
	return nil
}

func (s *NearestNeighborSegmenter) IsTrained() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree != nil
}

func (s *NearestNeighborSegmenter) NumClasses() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.maxLabel)
}

func (s *NearestNeighborSegmenter) Classify(ctx context.Context, image view.RandomAccessibleInterval[float64], block models.Interval) ([]uint16, error) {
	s.mu.RLock()
	tree := s.tree
	s.mu.RUnlock()

	if tree == nil {
		return nil, ErrNotTrained
	}

	out := make([]uint16, block.Size())
	pos := make(models.Point, block.NumDimensions())
	copy(pos, block.Min)
	for i := range out {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		out[i] = s.vote(tree, sample{features: s.features(image.At(pos), pos)})
		step(pos, block)
	}
	return out, nil
}

// vote returns the most frequent label among the nearest samples. Ties go to
// the label whose samples are closer in total.
func (s *NearestNeighborSegmenter) vote(tree *kdtree.Tree, query sample) uint16 {
	keeper := kdtree.NewNKeeper(s.k)
	tree.NearestSet(keeper, query)

	counts := map[uint16]int{}
	dists := map[uint16]float64{}
	for _, item := range keeper.Heap {
		// Skip the sentinel value
		if item.Comparable == nil {
			continue
		}
		label := item.Comparable.(sample).label
		counts[label]++
		dists[label] += item.Dist
	}

	var best uint16
	bestCount, bestDist := 0, math.Inf(1)
	for label, n := range counts {
		if n > bestCount || (n == bestCount && dists[label] < bestDist) {
			best, bestCount, bestDist = label, n, dists[label]
		}
	}
	return best
}
