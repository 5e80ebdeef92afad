// Package segmentation holds the models a prediction layer observes: the
// trained segmenters, the selection among them, and the most recent results
// each segmenter produced for an image.
package segmentation

import (
	"sync"

	"segview/internal/models"
	"segview/pkg/holder"
	"segview/pkg/view"
)

// ResultsModel is the most recent prediction of one segmenter for one image.
// SegmentationChanged identifies the model and must return the same notifier
// on every call. Implementations stored in a holder.Value must be comparable.
type ResultsModel interface {
	// HasResults reports whether a segmentation is available
	HasResults() bool

	// Segmentation returns the per-voxel labels; nil without results
	Segmentation() view.RandomAccessibleInterval[uint16]

	// Colors returns the display color of every label
	Colors() []models.ARGB

	// SegmentationChanged fires whenever new results are published
	SegmentationChanged() *holder.Notifier
}

// Results is the in-memory ResultsModel.
type Results struct {
	mu           sync.RWMutex
	segmentation view.RandomAccessibleInterval[uint16]
	colors       []models.ARGB
	changed      *holder.Notifier
}

// NewResults creates an empty results model.
func NewResults() *Results {
	return &Results{changed: holder.NewNotifier()}
}

func (r *Results) HasResults() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.segmentation != nil
}

func (r *Results) Segmentation() view.RandomAccessibleInterval[uint16] {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.segmentation
}

// Colors returns a copy of the label colors.
func (r *Results) Colors() []models.ARGB {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.ARGB(nil), r.colors...)
}

func (r *Results) SegmentationChanged() *holder.Notifier {
	return r.changed
}

// Update publishes a new segmentation and notifies listeners.
func (r *Results) Update(segmentation view.RandomAccessibleInterval[uint16], colors []models.ARGB) {
	r.mu.Lock()
	r.segmentation = segmentation
	r.colors = append([]models.ARGB(nil), colors...)
	r.mu.Unlock()

	r.changed.Notify()
}

// Clear drops the current segmentation and notifies listeners.
func (r *Results) Clear() {
	r.mu.Lock()
	r.segmentation = nil
	r.colors = nil
	r.mu.Unlock()

	r.changed.Notify()
}
