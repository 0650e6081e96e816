package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/api"
	"github.com/loqalabs/loqa-avatar/internal/assets"
	"github.com/loqalabs/loqa-avatar/internal/audio"
	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/lipsync"
	"github.com/loqalabs/loqa-avatar/internal/llm"
	"github.com/loqalabs/loqa-avatar/internal/natsserver"
	"github.com/loqalabs/loqa-avatar/internal/pipeline"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/router"
	"github.com/loqalabs/loqa-avatar/internal/stt"
	"github.com/loqalabs/loqa-avatar/internal/tts"
	"github.com/loqalabs/loqa-avatar/internal/voices"
)

const (
	drainTimeout    = 30 * time.Second
	eventStreamTTL  = 24 * time.Hour
	busStartTimeout = 5 * time.Second
)

type components struct {
	embedded   *natsserver.EmbeddedServer
	bus        *bus.Client
	busService *pipeline.Service
	router     *router.Service
	store      *eventstore.Store
	dispatcher *pipeline.Dispatcher
	api        *api.Server
	cancel     context.CancelFunc
}

// build constructs the component graph. On error everything already started
// is torn down.
func build(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *components, err error) {
	ctx, cancel := context.WithCancel(ctx)
	c := &components{cancel: cancel}
	defer func() {
		if err != nil {
			c.close(log)
		}
	}()

	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	catalog := voices.LoadCatalog(cfg.Voices.CatalogPath, log)

	synth, err := tts.New(cfg.Synth, cfg.Audio.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("init synthesizer: %w", err)
	}
	decoder, err := audio.NewFFmpegDecoder(cfg.Audio.ConverterCommand, time.Duration(cfg.Audio.TimeoutMS)*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("init audio decoder: %w", err)
	}
	tool, err := lipsync.ResolveRhubarb(cfg.Lipsync.ToolPath, cfg.Lipsync.ExtraArgs)
	if err != nil {
		return nil, err
	}
	tool.WithTimeout(time.Duration(cfg.Lipsync.TimeoutMS) * time.Millisecond)
	log.Info("lip-sync tool resolved", slog.String("path", tool.Path()))

	c.store, err = eventstore.Open(ctx, cfg.EventStore, log)
	if err != nil {
		return nil, fmt.Errorf("open run journal: %w", err)
	}

	deps := pipeline.Deps{
		Validator:   voices.NewValidator(catalog),
		Synthesizer: synth,
		Normalizer:  audio.NewNormalizer(decoder, cfg.Audio.SampleRate, log),
		Extractor:   lipsync.NewExtractor(tool, log),
		Catalog:     assets.NewCatalog(cfg.Assets.CatalogPath, log),
		Journal:     c.store,
	}

	if cfg.Bus.Enabled {
		if err := c.startBus(ctx, cfg.Bus, log); err != nil {
			return nil, err
		}
		deps.Publisher = pipeline.NewBusPublisher(c.bus, log)
	}

	orchestrator := pipeline.NewOrchestrator(deps, pipeline.Options{
		OutputDir:   cfg.Output.Dir,
		PublicBase:  cfg.Output.PublicBase,
		LabelPrefix: cfg.Assets.LabelPrefix,
		Animation:   cfg.Assets.Animation,
	}, log)

	c.dispatcher, err = pipeline.NewDispatcher(orchestrator, cfg.Pipeline, log)
	if err != nil {
		return nil, err
	}

	var responder *llm.Responder
	if cfg.LLM.Enabled {
		gen, err := llm.New(cfg.LLM)
		if err != nil {
			return nil, fmt.Errorf("init llm: %w", err)
		}
		responder = llm.NewResponder(gen, cfg.LLM, log)
		log.Info("chat enabled", slog.String("mode", cfg.LLM.Mode))
	}

	if c.bus != nil {
		c.busService = pipeline.NewService(ctx, c.bus, c.dispatcher, log)
		if err := c.busService.Start(); err != nil {
			return nil, fmt.Errorf("start bus tts service: %w", err)
		}
		log.Info("bus tts service listening", slog.String("subject", protocol.SubjectTTSRequest))

		if cfg.Router.Enabled && responder != nil {
			c.router = router.NewService(ctx, cfg.Router, c.bus, responder, c.dispatcher, log)
			if err := c.router.Start(); err != nil {
				return nil, fmt.Errorf("start chat relay: %w", err)
			}
			log.Info("chat relay listening", slog.String("subject", protocol.SubjectChatRequest))
		}
	}

	apiDeps := api.Deps{
		Pipeline: c.dispatcher,
		Catalog:  catalog,
		Journal:  c.store,
	}
	if responder != nil {
		apiDeps.Responder = responder
	}
	if cfg.STT.Enabled {
		rec, err := stt.New(cfg.STT)
		if err != nil {
			return nil, fmt.Errorf("init stt: %w", err)
		}
		transcriber, err := stt.NewTranscriber(rec, cfg.STT, log)
		if err != nil {
			return nil, err
		}
		apiDeps.Transcriber = transcriber
		log.Info("transcription endpoint enabled", slog.String("mode", cfg.STT.Mode))
	}

	c.api = api.New(apiDeps, api.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
	}, log)
	return c, nil
}

func (c *components) startBus(ctx context.Context, cfg config.BusConfig, log *slog.Logger) error {
	embedded, err := natsserver.Start(cfg, log)
	if err != nil {
		return err
	}
	c.embedded = embedded
	if embedded != nil {
		cfg.Servers = []string{embedded.ClientURL()}
	}

	cctx, cancel := context.WithTimeout(ctx, busStartTimeout)
	defer cancel()
	c.bus, err = bus.Connect(cctx, cfg, log)
	if err != nil {
		return err
	}

	if cfg.EventStream != "" {
		if err := c.bus.EnsureStream(cfg.EventStream, []string{protocol.SubjectTTSCompleted}, eventStreamTTL); err != nil {
			log.Warn("completion event stream unavailable", slog.String("error", err.Error()))
		}
	}
	return nil
}

func (c *components) healthy() bool {
	if c.bus != nil && !c.bus.Healthy() {
		return false
	}
	if c.busService != nil && !c.busService.Healthy() {
		return false
	}
	if c.router != nil && !c.router.Healthy() {
		return false
	}
	return true
}

// close stops intake first, then drains runs, then releases storage and the
// bus.
func (c *components) close(log *slog.Logger) {
	if c.router != nil {
		c.router.Close()
	}
	if c.busService != nil {
		c.busService.Close()
	}
	if c.dispatcher != nil {
		if err := c.dispatcher.Close(drainTimeout); err != nil {
			log.Warn("pipeline drain incomplete", slog.String("error", err.Error()))
		}
	}
	if c.cancel != nil {
		c.cancel()
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			log.Warn("run journal close error", slog.String("error", err.Error()))
		}
	}
	c.bus.Close()
	c.embedded.Shutdown()
}
