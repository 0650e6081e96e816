package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/runtime"
	"github.com/loqalabs/loqa-avatar/internal/voices"
)

type loader func() (config.Config, *slog.Logger, error)

func newServeCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := runtime.New(cfg, logger).Start(ctx); err != nil {
				logger.Error("runtime exited with error", slog.String("error", err.Error()))
				return err
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}

func newSayCommand(load loader) *cobra.Command {
	var req voices.SynthesisRequest

	cmd := &cobra.Command{
		Use:   "say",
		Short: "Render one utterance to audio and visemes, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := runtime.Render(ctx, cfg, logger, req)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(struct {
				AudioID         string  `json:"audioId"`
				AudioPath       string  `json:"audioPath"`
				LipsyncPath     string  `json:"lipsyncPath"`
				Cues            int     `json:"cues"`
				Seconds         float64 `json:"seconds"`
				CatalogDegraded bool    `json:"catalogDegraded,omitempty"`
			}{
				AudioID:         res.Artifact.AudioID,
				AudioPath:       res.Artifact.AudioPath,
				LipsyncPath:     res.Artifact.LipsyncPath,
				Cues:            len(res.Timeline.MouthCues),
				Seconds:         res.Audio.Duration.Seconds(),
				CatalogDegraded: res.CatalogDegraded,
			})
		},
	}

	cmd.Flags().StringVarP(&req.Text, "text", "t", "", "Text to speak")
	cmd.Flags().StringVarP(&req.Lang, "lang", "l", "fr", "Language code")
	cmd.Flags().StringVar(&req.AudioID, "audio-id", "", "Artifact id (generated when empty)")
	cmd.Flags().StringVar(&req.Speaker, "speaker", "", "Speaker name from the voice catalog")
	_ = cmd.MarkFlagRequired("text")
	return cmd
}

func newLanguagesCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "languages",
		Short: "List the languages and speakers accepted by the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			catalog := voices.LoadCatalog(cfg.Voices.CatalogPath, logger)
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Languages:")
			for _, l := range catalog.Languages() {
				fmt.Fprintf(out, "  %s\n", l)
			}
			fmt.Fprintln(out, "Speakers:")
			for _, s := range catalog.Speakers() {
				fmt.Fprintf(out, "  %s\n", s)
			}
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "avatard", formatVersion())
		},
	}
}

