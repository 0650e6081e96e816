package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-avatar/internal/config"
)

var (
	version   = "0.1.0-dev"
	gitCommit string
)

func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v + " " + runtime.Version()
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "avatard",
		Short:         "Speech synthesis and lip-sync service for the avatar front-end",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "avatar.yaml", "Path to configuration file")

	load := func() (config.Config, *slog.Logger, error) {
		path := configPath
		if _, err := os.Stat(path); os.IsNotExist(err) && !root.PersistentFlags().Changed("config") {
			path = ""
		}
		cfg, err := config.Load(path)
		if err != nil {
			return config.Config{}, nil, err
		}
		return cfg, newLogger(cfg.Telemetry.LogLevel), nil
	}

	root.AddCommand(
		newServeCommand(load),
		newSayCommand(load),
		newLanguagesCommand(load),
		newVersionCommand(),
	)
	return root
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
