package layer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"segview/internal/logger"
	"segview/internal/models"
	"segview/pkg/holder"
	"segview/pkg/palette"
	"segview/pkg/segmentation"
	"segview/pkg/transform"
	"segview/pkg/view"
	"segview/pkg/volatile"
)

// PredictionTitle is the title of every prediction layer.
const PredictionTitle = "Segmentation"

// transparent is what the layer shows where there is nothing to compute:
// outside the segmentation and while no results exist.
var transparent = models.VolatileARGB{Value: models.Transparent, Valid: true}

// Options configures a PredictionLayer.
type Options struct {
	// TileSize is the extent of a cached tile per axis
	TileSize []int64

	// CacheTiles bounds the ready tiles kept per segmentation
	CacheTiles int

	// Workers computing tiles; below one means one per CPU
	Workers int

	Logger logger.Logger
}

// PredictionLayer shows the selected segmenter's results, colored by label.
// Voxels whose tile has not been computed yet are invalid, so the viewer can
// draw them as missing and repaint once TileReady fires.
type PredictionLayer struct {
	model      holder.Holder[segmentation.ResultsModel]
	visibility holder.MutableHolder[bool]
	transform  transform.Affine3D
	interval   models.Interval
	opts       Options
	log        logger.Logger

	queue     *volatile.SharedQueue
	container *view.Container[models.VolatileARGB]
	view      view.RandomAccessibleInterval[models.VolatileARGB]
	listeners *holder.Notifier
	tileReady *holder.Notifier
	seq       atomic.Uint64

	// swapMu serializes rebuilds so the last event always wins
	swapMu sync.Mutex

	mu          sync.Mutex
	closed      bool
	registered  map[*holder.Notifier]func()
	removeModel func()
	current     *volatile.View
	currentName string
	removeTile  func()
}

// NewPredictionLayer creates the layer for a segmentation model. It follows
// the model's selected segmenter and shares the segmenter list's visibility
// toggle.
func NewPredictionLayer(m *segmentation.SegmentationModel, opts Options) *PredictionLayer {
	image := m.ImageLabelingModel()
	list := m.SegmenterList()

	selected := holder.Mapped[*segmentation.SegmenterItem, segmentation.ResultsModel](
		list.SelectedSegmenter(),
		func(item *segmentation.SegmenterItem) segmentation.ResultsModel {
			if item == nil {
				return nil
			}
			return item.Results(image)
		})

	return newPredictionLayer(selected, list.SegmentationVisibility(), image.LabelTransformation(), image.Interval(), opts)
}

func newPredictionLayer(
	model holder.Holder[segmentation.ResultsModel],
	visibility holder.MutableHolder[bool],
	labelTransform transform.Affine3D,
	interval models.Interval,
	opts Options,
) *PredictionLayer {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	l := &PredictionLayer{
		model:      model,
		visibility: visibility,
		transform:  labelTransform,
		interval:   interval,
		opts:       opts,
		log:        log,
		queue:      volatile.NewSharedQueue(opts.Workers, log),
		listeners:  holder.NewNotifier(),
		tileReady:  holder.NewNotifier(),
		registered: make(map[*holder.Notifier]func()),
	}
	l.container = view.NewContainer(emptyPrediction(interval.NumDimensions()))
	l.view = view.Interval[models.VolatileARGB](l.container, interval)

	l.removeModel = model.Notifier().Add(l.classifierChanged)
	l.registerListener(model.Get())
	l.classifierChanged()
	return l
}

// Image returns the layer's source. It stays the same object for the life of
// the layer.
func (l *PredictionLayer) Image() Showable {
	return Showable{Source: l.view, Transform: l.transform}
}

func (l *PredictionLayer) Listeners() *holder.Notifier { return l.listeners }

func (l *PredictionLayer) Visibility() holder.MutableHolder[bool] { return l.visibility }

func (l *PredictionLayer) Title() string { return PredictionTitle }

// TileReady fires whenever a tile of the current segmentation is computed.
func (l *PredictionLayer) TileReady() *holder.Notifier { return l.tileReady }

// Queue returns the worker pool shared by every segmentation this layer shows.
func (l *PredictionLayer) Queue() *volatile.SharedQueue { return l.queue }

// Shutdown detaches the layer from its models and stops the tile workers.
func (l *PredictionLayer) Shutdown() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	removals := make([]func(), 0, len(l.registered)+2)
	for _, remove := range l.registered {
		removals = append(removals, remove)
	}
	l.registered = nil
	removals = append(removals, l.removeModel)
	if l.removeTile != nil {
		removals = append(removals, l.removeTile)
	}
	l.mu.Unlock()

	for _, remove := range removals {
		remove()
	}
	l.queue.Shutdown()
}

// registerListener subscribes to training results of a results model, once
// per model.
func (l *PredictionLayer) registerListener(results segmentation.ResultsModel) {
	if results == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	changed := results.SegmentationChanged()
	if _, ok := l.registered[changed]; ok {
		return
	}
	l.registered[changed] = changed.Add(func() {
		l.onTrainingCompleted(results)
	})
}

// onTrainingCompleted reacts to new results. Results of segmenters that are
// no longer selected are ignored.
func (l *PredictionLayer) onTrainingCompleted(results segmentation.ResultsModel) {
	if !sameResults(l.model.Get(), results) {
		return
	}
	l.classifierChanged()
	l.visibility.Set(true)
}

// classifierChanged rebuilds the source from the selected results and swaps
// it into the container.
func (l *PredictionLayer) classifierChanged() {
	if l.swap() {
		l.listeners.Notify()
	}
}

// swap replaces the container's source and reports whether it did.
func (l *PredictionLayer) swap() bool {
	l.swapMu.Lock()
	defer l.swapMu.Unlock()

	if l.isClosed() {
		return false
	}

	results := l.model.Get()
	l.registerListener(results)

	var source view.RandomAccessible[models.VolatileARGB]
	var next *volatile.View
	var nextName string

	if results != nil && results.HasResults() {
		colored, vv, name, err := l.coloredVolatileView(results)
		if err != nil {
			l.log.Error("PredictionLayer", err, nil)
		} else {
			source = view.ExtendValue(colored, transparent)
			next, nextName = vv, name
		}
	}
	if source == nil {
		source = emptyPrediction(l.interval.NumDimensions())
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		if next != nil {
			l.release(next, nextName)
		}
		return false
	}
	previous, previousName, removePrevious := l.current, l.currentName, l.removeTile
	l.current, l.currentName, l.removeTile = next, nextName, nil
	if next != nil {
		l.removeTile = next.Notifier().Add(l.tileReady.Notify)
	}
	l.container.SetSource(source)
	l.mu.Unlock()

	if removePrevious != nil {
		removePrevious()
	}
	if previous != nil {
		l.release(previous, previousName)
	}

	l.log.Info("PredictionLayer", "source swapped", map[string]interface{}{
		"has_results": next != nil,
		"view":        nextName,
	})
	return true
}

// release drops the queued loads of a volatile view and forgets its tiles.
func (l *PredictionLayer) release(v *volatile.View, name string) {
	dropped := l.queue.DropPrefix(name + "/")
	v.Invalidate()
	l.log.Debug("PredictionLayer", "segmentation released", map[string]interface{}{
		"view":          name,
		"dropped_tiles": dropped,
	})
}

func (l *PredictionLayer) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// sameResults compares results models by their change notifier, which works
// for implementations that are not comparable.
func sameResults(a, b segmentation.ResultsModel) bool {
	if a == nil || b == nil {
		return false
	}
	return a.SegmentationChanged() == b.SegmentationChanged()
}

// coloredVolatileView wraps the results' segmentation as volatile on the
// layer's queue and maps labels to colors. Invalid samples stay invalid.
func (l *PredictionLayer) coloredVolatileView(results segmentation.ResultsModel) (view.RandomAccessibleInterval[models.VolatileARGB], *volatile.View, string, error) {
	segmentationSource := results.Segmentation()
	if segmentationSource == nil {
		return nil, nil, "", fmt.Errorf("results report a segmentation but returned none")
	}

	name := fmt.Sprintf("prediction-%d", l.seq.Add(1))
	vv, err := volatile.WrapAsVolatile(segmentationSource, l.queue, volatile.Options{
		Name:       name,
		TileSize:   l.opts.TileSize,
		CacheTiles: l.opts.CacheTiles,
		Logger:     l.log,
	})
	if err != nil {
		return nil, nil, "", fmt.Errorf("wrap segmentation: %w", err)
	}
	return mapColors(results.Colors(), vv), vv, name, nil
}

func mapColors(colors []models.ARGB, source view.RandomAccessibleInterval[models.VolatileLabel]) view.RandomAccessibleInterval[models.VolatileARGB] {
	return view.Convert(source, func(in models.VolatileLabel) models.VolatileARGB {
		if !in.Valid {
			return models.VolatileARGB{}
		}
		return models.VolatileARGB{Value: palette.Lookup(colors, in.Value), Valid: true}
	})
}

func emptyPrediction(numDimensions int) view.RandomAccessible[models.VolatileARGB] {
	return view.Constant(transparent, numDimensions)
}
