package segmentation

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"segview/internal/logger"
	"segview/internal/models"
	"segview/pkg/labelio"
	"segview/pkg/view"
)

// ResultsWatcher follows a label volume file written by an external trainer
// and publishes every new version into a Results model.
type ResultsWatcher struct {
	path     string
	results  *Results
	colors   func(numLabels int) []models.ARGB
	debounce time.Duration
	log      logger.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// WatcherOptions configures NewResultsWatcher.
type WatcherOptions struct {
	// Colors returns the palette for a volume whose highest label is
	// numLabels-1
	Colors func(numLabels int) []models.ARGB

	// Debounce coalesces bursts of file events
	Debounce time.Duration

	Logger logger.Logger
}

// NewResultsWatcher loads path if it already exists and starts watching its
// directory for rewrites.
func NewResultsWatcher(path string, results *Results, opts WatcherOptions) (*ResultsWatcher, error) {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Colors == nil {
		return nil, fmt.Errorf("results watcher: colors function is required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 100 * time.Millisecond
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("results watcher: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("results watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("results watcher: watch %s: %w", filepath.Dir(abs), err)
	}

	w := &ResultsWatcher{
		path:     abs,
		results:  results,
		colors:   opts.Colors,
		debounce: opts.Debounce,
		log:      opts.Logger,
		watcher:  fw,
		done:     make(chan struct{}),
	}

	if err := w.reload(); err != nil && !errors.Is(err, errNoFile) {
		w.log.Warning("ResultsWatcher", "initial load failed", map[string]interface{}{
			"path":  w.path,
			"error": err.Error(),
		})
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

var errNoFile = errors.New("results file does not exist")

func (w *ResultsWatcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if err := w.reload(); err != nil && !errors.Is(err, errNoFile) {
				w.log.Warning("ResultsWatcher", "reload failed", map[string]interface{}{
					"path":  w.path,
					"error": err.Error(),
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("ResultsWatcher", err, map[string]interface{}{"path": w.path})
		}
	}
}

func (w *ResultsWatcher) reload() error {
	vol, err := labelio.LoadLabelVolume(w.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return errNoFile
		}
		return err
	}

	highest := uint16(0)
	for _, v := range vol.Data {
		highest = max(highest, v)
	}
	w.results.Update(view.FromLabelVolume(vol), w.colors(int(highest)+1))

	w.log.Info("ResultsWatcher", "results reloaded", map[string]interface{}{
		"path":     w.path,
		"interval": vol.Bounds.String(),
		"labels":   int(highest) + 1,
	})
	return nil
}

// Shutdown stops watching. It is safe to call more than once.
func (w *ResultsWatcher) Shutdown() {
	w.once.Do(func() {
		close(w.done)
		w.wg.Wait()
		w.watcher.Close()
	})
}
