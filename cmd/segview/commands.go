package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"segview/internal/models"
	"segview/internal/shutdown"
	"segview/pkg/config"
	"segview/pkg/labelio"
	"segview/pkg/layer"
	"segview/pkg/palette"
	"segview/pkg/segmentation"
	"segview/pkg/transform"
	"segview/pkg/view"
	"segview/pkg/visualization"
)

var (
	imageDir   string
	labelDir   string
	outputDir  string
	exportPath string
	resultPath string
	segmenter  string
	neighbors  int
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Train on a labeled stack and write the prediction as PNG slices",
	Long: `Loads a numbered image stack and a stack of sparse label slices of the same
size, trains a segmenter on the labeled voxels and renders every z
slice of the prediction layer over the image.

Example:
  segview render --image scans/ --labels scribbles/ --out prediction/`,
	RunE: runRender,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Re-render slices whenever a prediction file is rewritten",
	Long: `Shows the label volume stored in --results over the image stack and writes
a fresh slice sequence every time another process rewrites the file. Runs until
interrupted.`,
	RunE: runWatch,
}

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write the default configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.CreateDefaultConfigFile(configPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Default configuration written to %s\n", configPath)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{renderCmd, watchCmd} {
		cmd.Flags().StringVar(&imageDir, "image", "", "Directory containing numbered image slices")
		cmd.Flags().StringVar(&outputDir, "out", "prediction_slices", "Directory for rendered slices")
		_ = cmd.MarkFlagRequired("image")
	}

	renderCmd.Flags().StringVar(&labelDir, "labels", "", "Directory containing numbered label slices")
	renderCmd.Flags().StringVar(&exportPath, "export", "", "Also save the full prediction as a label volume file")
	renderCmd.Flags().StringVar(&segmenter, "segmenter", "threshold", "Segmenter to train: threshold or knn")
	renderCmd.Flags().IntVar(&neighbors, "neighbors", segmentation.DefaultNeighbors, "Voting neighbours of the knn segmenter")
	_ = renderCmd.MarkFlagRequired("labels")

	watchCmd.Flags().StringVar(&resultPath, "results", "", "Label volume file to follow")
	_ = watchCmd.MarkFlagRequired("results")
}

func runRender(cmd *cobra.Command, args []string) error {
	image, err := labelio.LoadImageStack(imageDir)
	if err != nil {
		return err
	}
	labeling, err := labelio.LoadLabelStack(labelDir)
	if err != nil {
		return err
	}

	seg, err := newSegmenter(segmenter)
	if err != nil {
		return err
	}
	model, err := buildModel(image, labeling)
	if err != nil {
		return err
	}
	list := model.SegmenterList()
	item := segmentation.NewSegmenterItem(segmenter, seg)
	list.Add(item)

	mgr := shutdown.NewManager(log)
	mgr.Listen()
	defer mgr.Shutdown()

	predictions := newLayer(model)
	mgr.Register("prediction layer", predictions)

	ctx, cancel := context.WithTimeout(mgr.Context(), cfg.Render.Timeout)
	defer cancel()

	start := time.Now()
	if err := list.Train(ctx, item, model.ImageLabelingModel()); err != nil {
		return err
	}

	files, err := newViewer(predictions, image).SaveSliceSequence(ctx, outputDir)
	if err != nil {
		return err
	}

	if exportPath != "" {
		results := item.Results(model.ImageLabelingModel())
		if err := exportSegmentation(ctx, results.Segmentation(), exportPath); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Rendered %d slices to %s in %.2f seconds\n",
		len(files), outputDir, time.Since(start).Seconds())
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	mgr := shutdown.NewManager(log)
	mgr.Listen()
	defer mgr.Shutdown()

	return watchResults(mgr, cmd.OutOrStdout())
}

// watchResults renders the results file once and again after every rewrite
// until mgr shuts down. Components it starts are registered with mgr.
func watchResults(mgr *shutdown.Manager, out io.Writer) error {
	image, err := labelio.LoadImageStack(imageDir)
	if err != nil {
		return err
	}
	model, err := buildModel(image, models.NewLabelVolume(image.Bounds))
	if err != nil {
		return err
	}

	item := segmentation.NewSegmenterItem(filepath.Base(resultPath), segmentation.NewThresholdSegmenter())
	model.SegmenterList().Add(item)

	predictions := newLayer(model)
	mgr.Register("prediction layer", predictions)

	changed := make(chan struct{}, 1)
	predictions.Listeners().Add(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	watcher, err := segmentation.NewResultsWatcher(resultPath, item.Results(model.ImageLabelingModel()), segmentation.WatcherOptions{
		Colors: model.ImageLabelingModel().LabelColorsFor,
		Logger: log,
	})
	if err != nil {
		return err
	}
	mgr.Register("results watcher", watcher)

	viewer := newViewer(predictions, image)
	fmt.Fprintf(out, "Watching %s, press Ctrl+C to stop\n", resultPath)

	for {
		ctx, cancel := context.WithTimeout(mgr.Context(), cfg.Render.Timeout)
		files, err := viewer.SaveSliceSequence(ctx, outputDir)
		cancel()
		switch {
		case mgr.Context().Err() != nil:
			return nil
		case err != nil:
			log.Error("Watch", err, map[string]interface{}{"results": resultPath})
		default:
			fmt.Fprintf(out, "Rendered %d slices to %s\n", len(files), outputDir)
		}

		select {
		case <-mgr.Done():
			return nil
		case <-changed:
		}
	}
}

func newSegmenter(kind string) (segmentation.Segmenter, error) {
	switch kind {
	case "threshold":
		return segmentation.NewThresholdSegmenter(), nil
	case "knn":
		return segmentation.NewNearestNeighborSegmenter(neighbors, segmentation.DefaultSpatialWeight), nil
	default:
		return nil, fmt.Errorf("unknown segmenter %q (must be threshold or knn)", kind)
	}
}

// buildModel places the image and labeling in world space using the
// configured voxel size and label colors.
func buildModel(image *models.Volume, labeling *models.LabelVolume) (*segmentation.SegmentationModel, error) {
	vs := cfg.Render.VoxelSize
	im, err := segmentation.NewImageLabelingModel(view.FromVolume(image), labeling, transform.Scale(vs[0], vs[1], vs[2]))
	if err != nil {
		return nil, err
	}
	if len(cfg.Layer.Colors) > 0 {
		im.SetLabelColors(palette.FromHex(cfg.Layer.Colors))
	}
	return segmentation.NewSegmentationModel(im, log), nil
}

func newLayer(model *segmentation.SegmentationModel) *layer.PredictionLayer {
	return layer.NewPredictionLayer(model, layer.Options{
		TileSize:   cfg.Layer.TileSize,
		CacheTiles: cfg.Layer.CacheTiles,
		Workers:    cfg.Layer.Workers,
		Logger:     log,
	})
}

func newViewer(l layer.Layer, image *models.Volume) *visualization.Viewer {
	opts := visualization.Options{Scale: cfg.Render.Scale, Logger: log}
	if cfg.Render.Background {
		opts.Background = view.FromVolume(image)
	}
	return visualization.NewViewer(l, opts)
}

// exportSegmentation computes the whole segmentation and saves it.
func exportSegmentation(ctx context.Context, seg view.RandomAccessibleInterval[uint16], path string) error {
	if seg == nil {
		return errors.New("export: no segmentation available")
	}
	vol := models.NewLabelVolume(seg.Interval())
	data, err := view.ReadBlock[uint16](ctx, seg, seg.Interval())
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	copy(vol.Data, data)
	if err := labelio.SaveLabelVolume(path, vol); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	log.Info("Export", "segmentation saved", map[string]interface{}{"path": path})
	return nil
}
