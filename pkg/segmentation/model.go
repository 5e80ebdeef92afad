package segmentation

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"segview/internal/logger"
	"segview/internal/models"
	"segview/pkg/holder"
	"segview/pkg/palette"
	"segview/pkg/transform"
	"segview/pkg/view"
)

// ImageLabelingModel pairs an image with the user's sparse labeling of it.
type ImageLabelingModel struct {
	image     view.RandomAccessibleInterval[float64]
	labeling  *models.LabelVolume
	transform transform.Affine3D

	mu     sync.RWMutex
	colors []models.ARGB
}

// NewImageLabelingModel validates that image and labeling cover the same
// interval. The transformation places label voxels in world space.
func NewImageLabelingModel(image view.RandomAccessibleInterval[float64], labeling *models.LabelVolume, labelTransform transform.Affine3D) (*ImageLabelingModel, error) {
	if image == nil || labeling == nil {
		return nil, fmt.Errorf("image labeling model: image and labeling are required")
	}
	if !image.Interval().Equal(labeling.Bounds) {
		return nil, fmt.Errorf("image labeling model: image %v and labeling %v differ", image.Interval(), labeling.Bounds)
	}
	return &ImageLabelingModel{
		image:     image,
		labeling:  labeling,
		transform: labelTransform,
	}, nil
}

func (m *ImageLabelingModel) Image() view.RandomAccessibleInterval[float64] { return m.image }
func (m *ImageLabelingModel) Labeling() *models.LabelVolume { return m.labeling }

// LabelTransformation maps label voxel coordinates to world coordinates.
func (m *ImageLabelingModel) LabelTransformation() transform.Affine3D {
	return m.transform
}

// Interval is the region covered by the labeling.
func (m *ImageLabelingModel) Interval() models.Interval {
	return m.labeling.Bounds
}

// LabelColors returns user-chosen colors, indexed by label. Empty means the
// default palette.
func (m *ImageLabelingModel) LabelColors() []models.ARGB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.ARGB(nil), m.colors...)
}

// SetLabelColors overrides the default palette.
func (m *ImageLabelingModel) SetLabelColors(colors []models.ARGB) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.colors = append([]models.ARGB(nil), colors...)
}

// LabelColorsFor returns at least numLabels colors: the user's choice where
// set, the default palette for the rest.
func (m *ImageLabelingModel) LabelColorsFor(numLabels int) []models.ARGB {
	colors := m.LabelColors()
	if len(colors) >= numLabels {
		return colors
	}
	defaults := palette.Generate(numLabels)
	copy(defaults, colors)
	return defaults
}

// colorsFor returns enough colors for labels 0..numClasses.
func (m *ImageLabelingModel) colorsFor(numClasses int) []models.ARGB {
	return m.LabelColorsFor(numClasses + 1)
}

// SegmenterItem is one trained or untrained classifier the user can select.
type SegmenterItem struct {
	id        uuid.UUID
	name      string
	segmenter Segmenter

	mu      sync.Mutex
	results map[*ImageLabelingModel]*Results
}

// NewSegmenterItem wraps a segmenter under a display name.
func NewSegmenterItem(name string, segmenter Segmenter) *SegmenterItem {
	return &SegmenterItem{
		id:        uuid.New(),
		name:      name,
		segmenter: segmenter,
		results:   make(map[*ImageLabelingModel]*Results),
	}
}

func (s *SegmenterItem) ID() uuid.UUID { return s.id }
func (s *SegmenterItem) Name() string { return s.name }
func (s *SegmenterItem) Segmenter() Segmenter { return s.segmenter }

// Results returns the results model of this segmenter for the image. The same
// model is returned for the same image on every call.
func (s *SegmenterItem) Results(image *ImageLabelingModel) *Results {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.results[image]
	if !ok {
		r = NewResults()
		s.results[image] = r
	}
	return r
}

// Train fits the segmenter to the image's labeling and publishes a lazily
// classified segmentation into the image's results model.
func (s *SegmenterItem) Train(ctx context.Context, image *ImageLabelingModel) error {
	if err := s.segmenter.Train(ctx, image.Image(), image.Labeling()); err != nil {
		return fmt.Errorf("train %s: %w", s.name, err)
	}
	colors := image.colorsFor(s.segmenter.NumClasses())
	s.Results(image).Update(NewClassified(s.segmenter, image.Image()), colors)
	return nil
}

// SegmenterList is the set of segmenters plus the user's selection and the
// visibility toggle of the segmentation overlay.
type SegmenterList struct {
	mu    sync.RWMutex
	items []*SegmenterItem

	selected   *holder.Value[*SegmenterItem]
	visibility *holder.Value[bool]
	log        logger.Logger
}

// NewSegmenterList creates an empty list with nothing selected and the
// overlay visible.
func NewSegmenterList(log logger.Logger) *SegmenterList {
	if log == nil {
		log = logger.Nop()
	}
	return &SegmenterList{
		selected:   holder.NewHolder[*SegmenterItem](nil),
		visibility: holder.NewHolder(true),
		log:        log,
	}
}

// Items returns a snapshot of the list.
func (l *SegmenterList) Items() []*SegmenterItem {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]*SegmenterItem(nil), l.items...)
}

// Add appends an item. The first item added becomes the selection.
func (l *SegmenterList) Add(item *SegmenterItem) {
	l.mu.Lock()
	l.items = append(l.items, item)
	first := len(l.items) == 1
	l.mu.Unlock()

	l.log.Debug("SegmenterList", "segmenter added", map[string]interface{}{
		"id":   item.ID().String(),
		"name": item.Name(),
	})
	if first {
		l.selected.Set(item)
	}
}

// Remove deletes an item. Removing the selected item selects the first
// remaining one, or nothing.
func (l *SegmenterList) Remove(item *SegmenterItem) {
	l.mu.Lock()
	for i, it := range l.items {
		if it == item {
			l.items = append(l.items[:i], l.items[i+1:]...)
			break
		}
	}
	var next *SegmenterItem
	if len(l.items) > 0 {
		next = l.items[0]
	}
	l.mu.Unlock()

	if l.selected.Get() == item {
		l.selected.Set(next)
	}
}

// Select makes item the selected segmenter. nil clears the selection.
func (l *SegmenterList) Select(item *SegmenterItem) {
	l.selected.Set(item)
}

// SelectedSegmenter holds the currently selected item, possibly nil.
func (l *SegmenterList) SelectedSegmenter() holder.MutableHolder[*SegmenterItem] {
	return l.selected
}

// SegmentationVisibility holds whether the segmentation overlay is shown.
func (l *SegmenterList) SegmentationVisibility() holder.MutableHolder[bool] {
	return l.visibility
}

// Train trains item on image and logs the outcome.
func (l *SegmenterList) Train(ctx context.Context, item *SegmenterItem, image *ImageLabelingModel) error {
	l.log.Info("SegmenterList", "training started", map[string]interface{}{"name": item.Name()})
	if err := item.Train(ctx, image); err != nil {
		l.log.Error("SegmenterList", err, map[string]interface{}{"name": item.Name()})
		return err
	}
	l.log.Info("SegmenterList", "training completed", map[string]interface{}{
		"name":    item.Name(),
		"classes": item.Segmenter().NumClasses(),
	})
	return nil
}

// SegmentationModel ties one image labeling to the segmenters trained on it.
type SegmentationModel struct {
	imageLabeling *ImageLabelingModel
	segmenters    *SegmenterList
}

// NewSegmentationModel creates a model with an empty segmenter list.
func NewSegmentationModel(imageLabeling *ImageLabelingModel, log logger.Logger) *SegmentationModel {
	return &SegmentationModel{
		imageLabeling: imageLabeling,
		segmenters:    NewSegmenterList(log),
	}
}

func (m *SegmentationModel) ImageLabelingModel() *ImageLabelingModel { return m.imageLabeling }
func (m *SegmentationModel) SegmenterList() *SegmenterList { return m.segmenters }
