package notify

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/scrypster/companion/internal/imaging"
)

const eventExt = ".event"

// EventWatcher watches the events directory and hands each render event to
// a callback.
type EventWatcher struct {
	dir      string
	callback func(imaging.RenderEvent)
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewEventWatcher creates a watcher for dir.
func NewEventWatcher(dir string, callback func(imaging.RenderEvent)) *EventWatcher {
	return &EventWatcher{
		dir:      dir,
		callback: callback,
		done:     make(chan struct{}),
	}
}

// Start drains event files already present, then watches for new ones.
// Call Stop to clean up.
func (ew *EventWatcher) Start() error {
	if err := os.MkdirAll(ew.dir, 0o700); err != nil {
		return err
	}

	ew.drainExisting()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(ew.dir); err != nil {
		_ = w.Close()
		return err
	}
	ew.watcher = w

	go ew.loop()
	log.WithField("dir", ew.dir).Info("notify: watching for render events")
	return nil
}

// Stop shuts down the watcher and waits for the loop to exit.
func (ew *EventWatcher) Stop() {
	if ew.watcher == nil {
		return
	}
	_ = ew.watcher.Close()
	<-ew.done
}

func (ew *EventWatcher) loop() {
	defer close(ew.done)
	for {
		select {
		case evt, ok := <-ew.watcher.Events:
			if !ok {
				return
			}
			// Writers rename into place, so a finished file shows up as Create.
			if evt.Op&(fsnotify.Create|fsnotify.Rename) != 0 && strings.HasSuffix(evt.Name, eventExt) {
				ew.processFile(evt.Name)
			}
		case err, ok := <-ew.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("notify: watcher error")
		}
	}
}

func (ew *EventWatcher) drainExisting() {
	entries, err := os.ReadDir(ew.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), eventExt) {
			ew.processFile(filepath.Join(ew.dir, entry.Name()))
		}
	}
}

func (ew *EventWatcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // consumed by another process
	}
	_ = os.Remove(path)

	var ev imaging.RenderEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		log.WithError(err).WithField("file", filepath.Base(path)).Warn("notify: invalid event file")
		return
	}
	if err := ev.Validate(); err != nil {
		log.WithError(err).WithField("file", filepath.Base(path)).Warn("notify: rejected event file")
		return
	}

	if ew.callback != nil {
		ew.callback(ev)
	}
}
