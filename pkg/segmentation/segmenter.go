package segmentation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"

	"segview/internal/models"
	"segview/pkg/view"
)

// ErrNotTrained is returned when classifying with an untrained segmenter.
var ErrNotTrained = errors.New("segmentation: segmenter is not trained")

// Segmenter is a trainable per-voxel classifier.
type Segmenter interface {
	// Train fits the segmenter to the labeled voxels of labeling. Label 0
	// marks unlabeled voxels.
	Train(ctx context.Context, image view.RandomAccessibleInterval[float64], labeling *models.LabelVolume) error

	IsTrained() bool

	// Classify predicts a label for every voxel of block, row-major
	Classify(ctx context.Context, image view.RandomAccessibleInterval[float64], block models.Interval) ([]uint16, error)

	// NumClasses is the highest label the segmenter can predict
	NumClasses() int
}

// ThresholdSegmenter assigns each voxel the label whose mean training
// intensity is closest to the voxel's intensity.
type ThresholdSegmenter struct {
	mu     sync.RWMutex
	labels []uint16
	means  []float64
}

// NewThresholdSegmenter creates an untrained segmenter.
func NewThresholdSegmenter() *ThresholdSegmenter {
	return &ThresholdSegmenter{}
}

func (s *ThresholdSegmenter) Train(ctx context.Context, image view.RandomAccessibleInterval[float64], labeling *models.LabelVolume) error {
	if labeling == nil {
		return fmt.Errorf("train: labeling is required")
	}

	sums := map[uint16]float64{}
	counts := map[uint16]int{}
	pos := make(models.Point, labeling.Bounds.NumDimensions())
	copy(pos, labeling.Bounds.Min)

	for i, label := range labeling.Data {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if label != 0 {
			sums[label] += image.At(pos)
			counts[label]++
		}
		step(pos, labeling.Bounds)
	}

	if len(counts) == 0 {
		return fmt.Errorf("train: labeling has no labeled voxels")
	}

	labels := make([]uint16, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	slices.Sort(labels)

	means := make([]float64, len(labels))
	for i, label := range labels {
		means[i] = sums[label] / float64(counts[label])
	}

	s.mu.Lock()
	s.labels = labels
	s.means = means
	s.mu.Unlock()
	return nil
}

func (s *ThresholdSegmenter) IsTrained() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.labels) > 0
}

func (s *ThresholdSegmenter) NumClasses() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.labels) == 0 {
		return 0
	}
	return int(s.labels[len(s.labels)-1])
}

func (s *ThresholdSegmenter) Classify(ctx context.Context, image view.RandomAccessibleInterval[float64], block models.Interval) ([]uint16, error) {
	s.mu.RLock()
	labels, means := s.labels, s.means
	s.mu.RUnlock()

	if len(labels) == 0 {
		return nil, ErrNotTrained
	}

	out := make([]uint16, block.Size())
	pos := make(models.Point, block.NumDimensions())
	copy(pos, block.Min)
	for i := range out {
		if i%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		v := image.At(pos)
		best, bestDist := 0, math.Inf(1)
		for k, m := range means {
			if d := math.Abs(v - m); d < bestDist {
				best, bestDist = k, d
			}
		}
		out[i] = labels[best]
		step(pos, block)
	}
	return out, nil
}

// Classified is the lazily computed segmentation of an image. Nothing is
// classified until a block is read.
type Classified struct {
	segmenter Segmenter
	image     view.RandomAccessibleInterval[float64]
}

// NewClassified creates a lazy segmentation of image.
func NewClassified(segmenter Segmenter, image view.RandomAccessibleInterval[float64]) *Classified {
	return &Classified{segmenter: segmenter, image: image}
}

func (c *Classified) NumDimensions() int { return c.image.NumDimensions() }
func (c *Classified) Interval() models.Interval { return c.image.Interval() }

// At classifies a single voxel. Errors read as background.
func (c *Classified) At(pos models.Point) uint16 {
	block := models.NewInterval(pos, pos)
	out, err := c.segmenter.Classify(context.Background(), c.image, block)
	if err != nil {
		return 0
	}
	return out[0]
}

func (c *Classified) ReadBlock(ctx context.Context, block models.Interval) ([]uint16, error) {
	return c.segmenter.Classify(ctx, c.image, block)
}

func step(pos models.Point, bounds models.Interval) {
	for d := range pos {
		if pos[d] < bounds.Max[d] {
			pos[d]++
			return
		}
		pos[d] = bounds.Min[d]
	}
}

