package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/scrypster/companion/internal/config"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

var logLevel = ""

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "companion-server",
		Short:         "Companion chat turn pipeline: conversations, goals, image generation and notifications.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (trace,debug,info,warn,error), overrides COMPANION_LOG_LEVEL")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newReplayEventCommand())
	return cmd
}

// configureLogging applies the logging section of cfg to the global logrus
// logger. The --log-level flag wins over the config.
func configureLogging(cfg config.LoggingConfig) error {
	levelName := cfg.Level
	if logLevel != "" {
		levelName = logLevel
	}
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	log.SetReportCaller(cfg.ReportCaller)

	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		// Millisecond precision in timestamps.
		formatter := new(log.TextFormatter)
		formatter.TimestampFormat = "2006-01-02T15:04:05.999Z07:00"
		formatter.FullTimestamp = true
		log.SetFormatter(formatter)
	}
	log.Debug("debug logging enabled")
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.WithError(err).Error("companion-server failed")
		os.Exit(1)
	}
}
