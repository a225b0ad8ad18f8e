package deepsleep

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// MarkerWatcher is a best-effort fsnotify watch over the deep-sleep
// override marker directory. It never gates anything itself — the
// controller always re-Stats the markers synchronously at the point of
// use — it only logs transitions so an operator can see override
// changes land without waiting for the next deep-sleep cycle.
//
// Grounded on ManuGH-xg2g's internal/config.ConfigHolder.watchLoop: a
// debounce timer reset on every fsnotify event, select over
// Events/Errors/ctx.Done.
type MarkerWatcher struct {
	watcher *fsnotify.Watcher
	logger  *log.Logger
	dir     string
}

// NewMarkerWatcher watches the directory containing the deep-sleep
// override marker files.
func NewMarkerWatcher(markerPath string, logger *log.Logger) (*MarkerWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(markerPath)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	return &MarkerWatcher{watcher: watcher, logger: logger, dir: dir}, nil
}

// Run blocks, logging debounced marker-directory change notices until
// ctx is cancelled.
func (w *MarkerWatcher) Run(ctx context.Context) {
	defer w.watcher.Close()

	var debounce *time.Timer
	const debounceDuration = 200 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, func() {
				w.logger.Printf("deepsleep: override marker directory %s changed (%s)", w.dir, event.Op)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("deepsleep: marker watcher error: %v", err)
		}
	}
}
