package visualization

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"segview/internal/logger"
	"segview/internal/models"
	"segview/pkg/holder"
	"segview/pkg/layer"
	"segview/pkg/transform"
	"segview/pkg/view"
)

// DefaultRetryInterval is how often RenderComplete re-renders without a
// notification, so tiles whose load failed are requested again.
const DefaultRetryInterval = 250 * time.Millisecond

// Options configures a Viewer.
type Options struct {
	// Scale enlarges rendered slices by an integer factor with nearest
	// neighbour sampling. Values below two leave slices at world resolution.
	Scale int

	// Background is an optional intensity image in the layer's voxel space,
	// drawn in gray below the layer.
	Background view.RandomAccessibleInterval[float64]

	// RetryInterval bounds how long RenderComplete waits between renders
	RetryInterval time.Duration

	Logger logger.Logger
}

// Frame is one rendered slice.
type Frame struct {
	Image *image.NRGBA

	// Z is the world coordinate of the rendered plane
	Z float64

	// Pending counts pixels whose voxel had not been computed yet
	Pending int
}

// Viewer renders axis-aligned world slices of a layer, the way a viewer
// window would paint them.
type Viewer struct {
	layer     layer.Layer
	tileReady *holder.Notifier
	opts      Options
	log       logger.Logger
}

// NewViewer creates a viewer for l. Layers that expose a TileReady notifier
// are repainted as their tiles arrive.
func NewViewer(l layer.Layer, opts Options) *Viewer {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}

	v := &Viewer{layer: l, opts: opts, log: log}
	if tr, ok := l.(interface{ TileReady() *holder.Notifier }); ok {
		v.tileReady = tr.TileReady()
	}
	return v
}

// Bounds returns the world-space bounding box of the layer as integer
// min and max corners.
func (v *Viewer) Bounds() (min, max [3]int64) {
	img := v.layer.Image()
	return worldBounds(img.Source.Interval(), img.Transform)
}

// Render paints the plane at world z. It never blocks on data: voxels that
// are not computed yet are left transparent and counted in Frame.Pending.
func (v *Viewer) Render(ctx context.Context, z float64) (Frame, error) {
	img := v.layer.Image()
	if img.Source.NumDimensions() < 2 {
		return Frame{}, fmt.Errorf("render: layer has %d dimensions, need at least 2", img.Source.NumDimensions())
	}
	toVoxel, err := img.Transform.Inverse()
	if err != nil {
		return Frame{}, fmt.Errorf("render: %w", err)
	}

	min, max := worldBounds(img.Source.Interval(), img.Transform)
	width := int(max[0] - min[0] + 1)
	height := int(max[1] - min[1] + 1)
	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	visible := v.layer.Visibility().Get()

	var pending atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for py := 0; py < height; py++ {
		py := py
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			n := img.Source.NumDimensions()
			pos := make(models.Point, n)
			for px := 0; px < width; px++ {
				x, y, vz := toVoxel.Apply(float64(min[0]+int64(px)), float64(min[1]+int64(py)), z)
				pos[0], pos[1] = round(x), round(y)
				if n > 2 {
					pos[2] = round(vz)
				}

				var c color.NRGBA
				if v.opts.Background != nil && v.opts.Background.Interval().Contains(pos) {
					c = gray(v.opts.Background.At(pos))
				}
				if visible {
					sample := img.Source.At(pos)
					if !sample.Valid {
						pending.Add(1)
					} else if sample.Value.A() > 0 {
						c = over(sample.Value.NRGBA(), c)
					}
				}
				out.SetNRGBA(px, py, c)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Frame{}, err
	}

	frame := Frame{Image: out, Z: z, Pending: int(pending.Load())}
	if v.opts.Scale > 1 {
		frame.Image = upscale(out, v.opts.Scale)
	}
	return frame, nil
}

// RenderComplete renders the plane at world z until no pixel is pending. It
// re-renders whenever the layer swaps its source or a tile becomes ready.
// When ctx ends first the last partial frame is returned with ctx's error.
func (v *Viewer) RenderComplete(ctx context.Context, z float64) (Frame, error) {
	changed := make(chan struct{}, 1)
	wake := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	defer v.layer.Listeners().Add(wake)()
	if v.tileReady != nil {
		defer v.tileReady.Add(wake)()
	}

	ticker := time.NewTicker(v.opts.RetryInterval)
	defer ticker.Stop()

	renders := 0
	for {
		frame, err := v.Render(ctx, z)
		if err != nil {
			return frame, err
		}
		renders++
		if frame.Pending == 0 {
			v.log.Debug("Viewer", "slice complete", map[string]interface{}{
				"z":       z,
				"renders": renders,
			})
			return frame, nil
		}

		select {
		case <-ctx.Done():
			return frame, ctx.Err()
		case <-changed:
		case <-ticker.C:
		}
	}
}

// SaveSlice saves a rendered slice as a PNG image.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return fmt.Errorf("encode %s: %w", filename, err)
	}
	return file.Close()
}

// SaveSliceSequence renders every integer world z plane of the layer to
// outputDir and returns the written file names.
func (v *Viewer) SaveSliceSequence(ctx context.Context, outputDir string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	min, max := v.Bounds()
	var files []string
	for z := min[2]; z <= max[2]; z++ {
		frame, err := v.RenderComplete(ctx, float64(z))
		if err != nil {
			return files, fmt.Errorf("slice z=%d: %w", z, err)
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_z_%03d.png", z-min[2]))
		if err := v.SaveSlice(frame.Image, filename); err != nil {
			return files, err
		}
		files = append(files, filename)
	}

	v.log.Info("Viewer", "slice sequence saved", map[string]interface{}{
		"dir":    outputDir,
		"slices": len(files),
	})
	return files, nil
}

// worldBounds maps the corners of a voxel interval into world space. Missing
// third dimensions are treated as a single plane at zero.
func worldBounds(iv models.Interval, t transform.Affine3D) (min, max [3]int64) {
	var lo, hi [3]float64
	for d := 0; d < 3; d++ {
		if d < iv.NumDimensions() {
			lo[d], hi[d] = float64(iv.Min[d]), float64(iv.Max[d])
		}
	}

	first := true
	var wmin, wmax [3]float64
	for corner := 0; corner < 8; corner++ {
		var c [3]float64
		for d := 0; d < 3; d++ {
			if corner&(1<<d) == 0 {
				c[d] = lo[d]
			} else {
				c[d] = hi[d]
			}
		}
		x, y, z := t.Apply(c[0], c[1], c[2])
		w := [3]float64{x, y, z}
		for d := 0; d < 3; d++ {
			if first || w[d] < wmin[d] {
				wmin[d] = w[d]
			}
			if first || w[d] > wmax[d] {
				wmax[d] = w[d]
			}
		}
		first = false
	}

	for d := 0; d < 3; d++ {
		min[d] = int64(math.Floor(wmin[d] + 1e-9))
		max[d] = int64(math.Ceil(wmax[d] - 1e-9))
	}
	return min, max
}

func round(v float64) int64 {
	return int64(math.Floor(v + 0.5))
}

func gray(v float64) color.NRGBA {
	y := uint8(math.Max(0, math.Min(255, v*255)))
	return color.NRGBA{R: y, G: y, B: y, A: 255}
}

// over composites src over dst with non-premultiplied alpha.
func over(src, dst color.NRGBA) color.NRGBA {
	if src.A == 255 || dst.A == 0 {
		return src
	}
	sa := float64(src.A) / 255
	da := float64(dst.A) / 255
	oa := sa + da*(1-sa)
	mix := func(s, d uint8) uint8 {
		return uint8((float64(s)*sa + float64(d)*da*(1-sa)) / oa)
	}
	return color.NRGBA{
		R: mix(src.R, dst.R),
		G: mix(src.G, dst.G),
		B: mix(src.B, dst.B),
		A: uint8(oa*255 + 0.5),
	}
}

func upscale(src *image.NRGBA, factor int) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}
