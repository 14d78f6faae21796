// Package notify carries render completion events between processes through
// a shared directory. A render worker (or the replay command) drops an event
// file; the server's watcher picks it up and applies it.
package notify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/scrypster/companion/internal/imaging"
)

// EventWriter writes render event files to a shared directory.
type EventWriter struct {
	dir string
}

// NewEventWriter creates a writer that emits events into dir.
func NewEventWriter(dir string) *EventWriter {
	return &EventWriter{dir: dir}
}

// Write validates ev and stores it as an event file. The file is written
// under a temporary name and renamed so watchers never read a partial event.
// Safe to call concurrently.
func (w *EventWriter) Write(ev imaging.RenderEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("notify: mkdir %s: %w", w.dir, err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}
	name := fmt.Sprintf("%d-%s", time.Now().UnixNano(), sanitizeID(ev.PlaceholderID))
	tmp := filepath.Join(w.dir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("notify: write event: %w", err)
	}
	return os.Rename(tmp, filepath.Join(w.dir, name+eventExt))
}

// sanitizeID replaces characters unsafe for filenames.
func sanitizeID(id string) string {
	out := make([]byte, len(id))
	for i := 0; i < len(id); i++ {
		switch id[i] {
		case '/', ':', '\\', '.':
			out[i] = '_'
		default:
			out[i] = id[i]
		}
	}
	return string(out)
}
