package visualization

import (
	"context"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"segview/internal/models"
	"segview/pkg/holder"
	"segview/pkg/layer"
	"segview/pkg/palette"
	"segview/pkg/segmentation"
	"segview/pkg/transform"
	"segview/pkg/view"
)

// staticLayer shows a fixed source.
type staticLayer struct {
	source     view.RandomAccessibleInterval[models.VolatileARGB]
	transform  transform.Affine3D
	visibility *holder.Value[bool]
	listeners  *holder.Notifier
}

func newStaticLayer(value models.VolatileARGB, bounds models.Interval) *staticLayer {
	return &staticLayer{
		source:     view.Interval(view.Constant(value, bounds.NumDimensions()), bounds),
		transform:  transform.Identity(),
		visibility: holder.NewHolder(true),
		listeners:  holder.NewNotifier(),
	}
}

func (s *staticLayer) Image() layer.Showable {
	return layer.Showable{Source: s.source, Transform: s.transform}
}
func (s *staticLayer) Listeners() *holder.Notifier { return s.listeners }
func (s *staticLayer) Visibility() holder.MutableHolder[bool] { return s.visibility }
func (s *staticLayer) Title() string { return "static" }

// trainedLayer builds a prediction layer over an image whose left half is
// label 1 and right half label 2.
func trainedLayer(t *testing.T, tr transform.Affine3D) (*layer.PredictionLayer, *segmentation.SegmentationModel) {
	t.Helper()
	bounds := models.IntervalFromSize(8, 4, 3)
	img := models.NewVolume(bounds)
	for z := int64(0); z < 3; z++ {
		for y := int64(0); y < 4; y++ {
			for x := int64(0); x < 8; x++ {
				v := 0.1
				if x >= 4 {
					v = 0.9
				}
				img.Set(models.Point{x, y, z}, v)
			}
		}
	}
	labeling := models.NewLabelVolume(bounds)
	labeling.Set(models.Point{0, 0, 0}, 1)
	labeling.Set(models.Point{7, 3, 2}, 2)

	im, err := segmentation.NewImageLabelingModel(view.FromVolume(img), labeling, tr)
	require.NoError(t, err)
	m := segmentation.NewSegmentationModel(im, nil)

	item := segmentation.NewSegmenterItem("threshold", segmentation.NewThresholdSegmenter())
	m.SegmenterList().Add(item)
	require.NoError(t, m.SegmenterList().Train(context.Background(), item, im))

	return layer.NewPredictionLayer(m, layer.Options{Workers: 2, TileSize: []int64{4, 4, 1}}), m
}

func TestWorldBounds(t *testing.T) {
	min, max := worldBounds(models.IntervalFromSize(8, 4, 2), transform.Scale(2, 2, 4))
	assert.Equal(t, [3]int64{0, 0, 0}, min)
	assert.Equal(t, [3]int64{14, 6, 4}, max)

	min, max = worldBounds(models.IntervalFromSize(4, 4), transform.Translation(-2, 1, 5))
	assert.Equal(t, [3]int64{-2, 1, 5}, min)
	assert.Equal(t, [3]int64{1, 4, 5}, max)
}

func TestRenderCompletePrediction(t *testing.T) {
	defer goleak.VerifyNone(t)

	l, _ := trainedLayer(t, transform.Identity())
	defer l.Shutdown()
	v := NewViewer(l, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frame, err := v.RenderComplete(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, frame.Pending)
	assert.Equal(t, 8, frame.Image.Bounds().Dx())
	assert.Equal(t, 4, frame.Image.Bounds().Dy())
	assert.Equal(t, palette.Color(1).NRGBA(), frame.Image.NRGBAAt(1, 1))
	assert.Equal(t, palette.Color(2).NRGBA(), frame.Image.NRGBAAt(6, 3))
}

func TestRenderFollowsTransform(t *testing.T) {
	defer goleak.VerifyNone(t)

	l, _ := trainedLayer(t, transform.Scale(2, 1, 1))
	defer l.Shutdown()
	v := NewViewer(l, Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	frame, err := v.RenderComplete(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 15, frame.Image.Bounds().Dx())
	assert.Equal(t, palette.Color(1).NRGBA(), frame.Image.NRGBAAt(6, 0), "world x 6 is voxel x 3")
	assert.Equal(t, palette.Color(2).NRGBA(), frame.Image.NRGBAAt(8, 0), "world x 8 is voxel x 4")
}

func TestRenderHiddenLayer(t *testing.T) {
	defer goleak.VerifyNone(t)

	l, m := trainedLayer(t, transform.Identity())
	defer l.Shutdown()
	m.SegmenterList().SegmentationVisibility().Set(false)

	frame, err := NewViewer(l, Options{}).Render(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, frame.Pending)
	assert.Equal(t, color.NRGBA{}, frame.Image.NRGBAAt(1, 1))
}

func TestRenderBackgroundAndScale(t *testing.T) {
	bounds := models.IntervalFromSize(4, 2)
	l := newStaticLayer(models.VolatileARGB{Value: models.Transparent, Valid: true}, bounds)

	bg := models.NewVolume(bounds)
	bg.Set(models.Point{1, 1}, 1)

	frame, err := NewViewer(l, Options{Scale: 3, Background: view.FromVolume(bg)}).Render(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 12, frame.Image.Bounds().Dx())
	assert.Equal(t, 6, frame.Image.Bounds().Dy())
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, frame.Image.NRGBAAt(4, 4))
	assert.Equal(t, color.NRGBA{A: 255}, frame.Image.NRGBAAt(0, 0))
}

func TestRenderCompleteTimesOut(t *testing.T) {
	l := newStaticLayer(models.VolatileARGB{}, models.IntervalFromSize(3, 3))
	v := NewViewer(l, Options{RetryInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	frame, err := v.RenderComplete(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 9, frame.Pending)
	assert.Zero(t, l.listeners.Len(), "listeners are removed on return")
}

func TestRenderRejectsOneDimensionalLayer(t *testing.T) {
	l := newStaticLayer(models.VolatileARGB{Valid: true}, models.IntervalFromSize(5))
	_, err := NewViewer(l, Options{}).Render(context.Background(), 0)
	assert.Error(t, err)
}

func TestSaveSliceSequence(t *testing.T) {
	defer goleak.VerifyNone(t)

	l, _ := trainedLayer(t, transform.Identity())
	defer l.Shutdown()
	v := NewViewer(l, Options{})
	dir := filepath.Join(t.TempDir(), "slices")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	files, err := v.SaveSliceSequence(ctx, dir)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, filepath.Join(dir, "slice_z_000.png"), files[0])

	f, err := os.Open(files[2])
	require.NoError(t, err)
	defer f.Close()
	img, err := png.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, 8, img.Bounds().Dx())
	assert.Equal(t, 4, img.Bounds().Dy())
}

func TestOver(t *testing.T) {
	red := color.NRGBA{R: 255, A: 255}
	half := color.NRGBA{B: 255, A: 128}

	assert.Equal(t, red, over(red, color.NRGBA{G: 255, A: 255}))
	assert.Equal(t, half, over(half, color.NRGBA{}))

	got := over(half, red)
	assert.Equal(t, uint8(255), got.A)
	assert.InDelta(t, 127, int(got.R), 1)
	assert.InDelta(t, 128, int(got.B), 1)
}
