package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/scrypster/companion/internal/imaging"
	"github.com/scrypster/companion/internal/notify"
)

// ReplayEventFlags select the render event to drop into the event directory.
type ReplayEventFlags struct {
	EventDir string
	File     string

	PlaceholderID string
	TaskID        string
	Failed        bool
	Error         string
	ImageURLs     []string
}

func NewReplayEventFlags() *ReplayEventFlags {
	return &ReplayEventFlags{EventDir: os.Getenv("COMPANION_EVENT_DIR")}
}

func (f *ReplayEventFlags) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&f.EventDir, "event-dir", f.EventDir, "Directory watched by the server (default $COMPANION_EVENT_DIR)")
	fs.StringVarP(&f.File, "file", "f", f.File, "Read the event as JSON from this file, - for stdin")
	fs.StringVar(&f.PlaceholderID, "placeholder", f.PlaceholderID, "Placeholder id of the task")
	fs.StringVar(&f.TaskID, "task-id", f.TaskID, "Image engine task id")
	fs.BoolVar(&f.Failed, "failed", f.Failed, "Report the task as failed")
	fs.StringVar(&f.Error, "error", f.Error, "Failure reason, with --failed")
	fs.StringSliceVar(&f.ImageURLs, "image-url", f.ImageURLs, "URL of a rendered image, repeatable")
}

func (f *ReplayEventFlags) Validate() error {
	if f.EventDir == "" {
		return errors.New("--event-dir is required")
	}
	if f.File == "" && f.PlaceholderID == "" {
		return errors.New("either --file or --placeholder is required")
	}
	if f.File != "" && f.PlaceholderID != "" {
		return errors.New("--file and --placeholder are mutually exclusive")
	}
	return nil
}

// Event builds the render event from the flags or the input file.
func (f *ReplayEventFlags) Event(stdin io.Reader) (imaging.RenderEvent, error) {
	var ev imaging.RenderEvent
	if f.File != "" {
		var data []byte
		var err error
		if f.File == "-" {
			data, err = io.ReadAll(stdin)
		} else {
			data, err = os.ReadFile(f.File)
		}
		if err != nil {
			return ev, err
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			return ev, fmt.Errorf("invalid event JSON: %w", err)
		}
		return ev, ev.Validate()
	}

	ev = imaging.RenderEvent{
		PlaceholderID: f.PlaceholderID,
		TaskID:        f.TaskID,
		Status:        imaging.StatusCompleted,
	}
	if f.Failed {
		ev.Status = imaging.StatusFailed
		ev.Error = f.Error
	}
	for i, url := range f.ImageURLs {
		ev.Images = append(ev.Images, imaging.RenderedImage{
			ID:  fmt.Sprintf("%s-%d", f.PlaceholderID, i),
			URL: url,
		})
	}
	return ev, ev.Validate()
}

func newReplayEventCommand() *cobra.Command {
	f := NewReplayEventFlags()

	cmd := &cobra.Command{
		Use:   "replay-event",
		Short: "Write a render completion event for a running server to pick up",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := f.Validate(); err != nil {
				return err
			}
			ev, err := f.Event(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if err := notify.NewEventWriter(f.EventDir).Write(ev); err != nil {
				return err
			}
			log.WithFields(log.Fields{
				"placeholder_id": ev.PlaceholderID,
				"status":         ev.Status,
				"dir":            f.EventDir,
			}).Info("render event written")
			return nil
		},
	}

	f.BindFlags(cmd.Flags())
	return cmd
}
