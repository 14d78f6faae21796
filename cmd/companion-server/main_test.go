package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/companion/internal/config"
	"github.com/scrypster/companion/internal/imaging"
)

func TestServeFlags_Validate(t *testing.T) {
	f := NewServeFlags()
	assert.NoError(t, f.Validate())

	f.Port = 70000
	assert.Error(t, f.Validate())

	f = NewServeFlags()
	f.ConfigPath = filepath.Join(t.TempDir(), "missing.yaml")
	assert.Error(t, f.Validate())
}

func TestServeFlags_Apply(t *testing.T) {
	cfg := &config.Config{Server: config.ServerConfig{Host: "127.0.0.1", Port: 8383}}
	f := &ServeFlags{Port: 9000, EventDir: "/tmp/events"}
	f.Apply(cfg)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "/tmp/events", cfg.Notify.EventDir)
}

func TestServeFlags_LoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "companion.yaml")
	require.NoError(t, os.WriteFile(path, []byte("turn:\n  price_per_image: 75\nlogging:\n  level: warn\n"), 0o600))

	f := &ServeFlags{ConfigPath: path, DataPath: t.TempDir()}
	cfg, err := f.loadConfig()
	require.NoError(t, err)
	t.Cleanup(func() { log.SetLevel(log.InfoLevel) })

	assert.Equal(t, 75, cfg.Turn.PricePerImage)
	assert.Equal(t, log.WarnLevel, log.GetLevel())
}

func TestConfigureLogging(t *testing.T) {
	t.Cleanup(func() {
		log.SetLevel(log.InfoLevel)
		log.SetFormatter(&log.TextFormatter{})
		logLevel = ""
	})

	require.NoError(t, configureLogging(config.LoggingConfig{Level: "debug", Format: "json"}))
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	assert.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)

	logLevel = "error"
	require.NoError(t, configureLogging(config.LoggingConfig{Level: "debug"}))
	assert.Equal(t, log.ErrorLevel, log.GetLevel())

	logLevel = "loud"
	assert.Error(t, configureLogging(config.LoggingConfig{}))
}

func TestEngineConfig(t *testing.T) {
	cfg := &config.Config{
		Server: config.ServerConfig{ShutdownTimeout: 5 * time.Second},
		Turn:   config.TurnConfig{MaxTokens: 300, MaxPendingTasks: 2, GoalWindow: 6},
	}
	ec := engineConfig(cfg)

	assert.Equal(t, 300, ec.MaxTokens)
	assert.Equal(t, 2, ec.MaxPendingTasks)
	assert.Equal(t, 6, ec.GoalWindow)
	assert.Equal(t, 5*time.Second, ec.ShutdownTimeout)
	assert.NoError(t, ec.Validate())
}

func TestOpenStore_SQLite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	store, err := openStore(config.StorageConfig{Engine: "sqlite", DataPath: dir})
	require.NoError(t, err)
	defer store.Close()

	assert.FileExists(t, filepath.Join(dir, "companion.db"))

	_, err = openStore(config.StorageConfig{Engine: "mongo"})
	assert.Error(t, err)
}

func TestReplayEventFlags_Validate(t *testing.T) {
	tests := []struct {
		name    string
		flags   ReplayEventFlags
		wantErr bool
	}{
		{"no dir", ReplayEventFlags{PlaceholderID: "ph"}, true},
		{"no source", ReplayEventFlags{EventDir: "/tmp/ev"}, true},
		{"both sources", ReplayEventFlags{EventDir: "/tmp/ev", File: "x.json", PlaceholderID: "ph"}, true},
		{"placeholder", ReplayEventFlags{EventDir: "/tmp/ev", PlaceholderID: "ph"}, false},
		{"file", ReplayEventFlags{EventDir: "/tmp/ev", File: "-"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.flags.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReplayEventFlags_Event(t *testing.T) {
	f := &ReplayEventFlags{PlaceholderID: "ph-1", TaskID: "job-9", ImageURLs: []string{"https://cdn/a.png", "https://cdn/b.png"}}
	ev, err := f.Event(nil)
	require.NoError(t, err)
	assert.Equal(t, imaging.StatusCompleted, ev.Status)
	require.Len(t, ev.Images, 2)
	assert.Equal(t, "ph-1-1", ev.Images[1].ID)

	// A completed event needs images.
	_, err = (&ReplayEventFlags{PlaceholderID: "ph-1"}).Event(nil)
	assert.Error(t, err)

	ev, err = (&ReplayEventFlags{PlaceholderID: "ph-1", Failed: true, Error: "nsfw filter"}).Event(nil)
	require.NoError(t, err)
	assert.Equal(t, imaging.StatusFailed, ev.Status)

	ev, err = (&ReplayEventFlags{File: "-"}).Event(strings.NewReader(`{"placeholder_id":"ph-2","status":"failed"}`))
	require.NoError(t, err)
	assert.Equal(t, "ph-2", ev.PlaceholderID)
}

func TestReplayEventCommand_WritesFile(t *testing.T) {
	dir := t.TempDir()
	cmd := newRootCommand()
	cmd.SetArgs([]string{"replay-event", "--event-dir", dir, "--placeholder", "ph-3", "--failed"})
	require.NoError(t, cmd.Execute())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasSuffix(entries[0].Name(), ".event"))
}
