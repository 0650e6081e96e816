package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-avatar/internal/assets"
	"github.com/loqalabs/loqa-avatar/internal/audio"
	"github.com/loqalabs/loqa-avatar/internal/lipsync"
	"github.com/loqalabs/loqa-avatar/internal/tts"
	"github.com/loqalabs/loqa-avatar/internal/voices"
)

const instrumentationName = "github.com/loqalabs/loqa-avatar/internal/pipeline"

type Validator interface {
	Validate(req voices.SynthesisRequest) (voices.Validated, error)
}

type Normalizer interface {
	Normalize(ctx context.Context, raw []byte, format, target string) (audio.Info, error)
}

type VisemeExtractor interface {
	Extract(ctx context.Context, wavPath, outPath string) (lipsync.Timeline, error)
}

type CatalogAppender interface {
	Append(ctx context.Context, entry assets.Entry) error
}

// Journal records state transitions. Failures are logged, never fatal.
type Journal interface {
	RecordTransition(ctx context.Context, audioID, state, detail string) error
}

// Publisher is told about completed runs.
type Publisher interface {
	PublishCompleted(ctx context.Context, res Result)
}

type Deps struct {
	Validator   Validator
	Synthesizer tts.Synthesizer
	Normalizer  Normalizer
	Extractor   VisemeExtractor
	Catalog     CatalogAppender
	Journal     Journal
	Publisher   Publisher
}

type Options struct {
	OutputDir   string
	PublicBase  string
	LabelPrefix string
	Animation   string
}

// Artifact is what the caller gets back: where the waveform and viseme files
// can be fetched.
type Artifact struct {
	AudioID     string `json:"audioId"`
	AudioPath   string `json:"audioPath"`
	LipsyncPath string `json:"lipsyncPath"`
}

type Result struct {
	Artifact        Artifact
	Timeline        lipsync.Timeline
	Audio           audio.Info
	CatalogDegraded bool
	CatalogErr      error
	Elapsed         time.Duration
}

// Orchestrator runs validation, synthesis, normalization, viseme extraction
// and the catalog update in order, and owns the files a run creates.
type Orchestrator struct {
	deps   Deps
	opts   Options
	log    *slog.Logger
	newID  func() string
	tracer trace.Tracer

	runs          metric.Int64Counter
	stageDuration metric.Float64Histogram

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewOrchestrator(deps Deps, opts Options, log *slog.Logger) *Orchestrator {
	log = log.With(slog.String("component", "pipeline"))
	meter := otel.Meter(instrumentationName)
	runs, err := meter.Int64Counter("avatar_pipeline_runs_total",
		metric.WithDescription("Pipeline runs by outcome"))
	if err != nil {
		log.Warn("failed to create runs counter", slogError(err))
	}
	stageDuration, err := meter.Float64Histogram("avatar_pipeline_stage_duration_seconds",
		metric.WithDescription("Time spent in each pipeline stage"),
		metric.WithUnit("s"))
	if err != nil {
		log.Warn("failed to create stage histogram", slogError(err))
	}
	return &Orchestrator{
		deps:          deps,
		opts:          opts,
		log:           log,
		newID:         NewAudioID,
		tracer:        otel.Tracer(instrumentationName),
		runs:          runs,
		stageDuration: stageDuration,
		inflight:      make(map[string]struct{}),
	}
}

// NewAudioID returns "audio-" followed by 32 hex characters.
func NewAudioID() string {
	id := uuid.New()
	return "audio-" + hex.EncodeToString(id[:])
}

// ArtifactFor maps an audio id to its public paths.
func (o *Orchestrator) ArtifactFor(audioID string) Artifact {
	return Artifact{
		AudioID:     audioID,
		AudioPath:   path.Join(o.opts.PublicBase, audioID+".wav"),
		LipsyncPath: path.Join(o.opts.PublicBase, audioID+".json"),
	}
}

// Run takes req through every stage. Any stage failure other than the
// catalog update ends the run in StateFailed with every file it created
// removed. A catalog failure is reported through Result.CatalogDegraded.
func (o *Orchestrator) Run(ctx context.Context, req voices.SynthesisRequest) (Result, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "pipeline.run")
	defer span.End()

	v, err := o.deps.Validator.Validate(req)
	if err != nil {
		o.countRun(ctx, "invalid")
		span.SetStatus(codes.Error, err.Error())
		return Result{}, &StageError{Stage: StateValidating, AudioID: req.AudioID, Err: err}
	}

	id := v.AudioID
	if id == "" {
		id = o.newID()
	}
	span.SetAttributes(attribute.String("audio.id", id), attribute.String("audio.language", v.Language))

	if !o.claim(id) {
		o.countRun(ctx, "conflict")
		return Result{}, fmt.Errorf("%w: %s", ErrRunInProgress, id)
	}
	defer o.release(id)

	r := newRun(o, id)
	o.record(ctx, id, StateValidating, "")

	res, err := r.execute(ctx, v)
	res.Elapsed = time.Since(start)
	if err != nil {
		r.cleanup()
		o.record(ctx, id, StateFailed, err.Error())
		o.countRun(ctx, "failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.log.Warn("pipeline run failed", slogError(err), slog.Duration("elapsed", res.Elapsed))
		return Result{}, err
	}

	detail := ""
	outcome := "completed"
	if res.CatalogDegraded {
		detail = "catalog update failed: " + res.CatalogErr.Error()
		outcome = "degraded"
	}
	o.record(ctx, id, StateCompleted, detail)
	o.countRun(ctx, outcome)
	r.log.Info("pipeline run completed",
		slog.Duration("elapsed", res.Elapsed),
		slog.String("size", humanize.Bytes(uint64(res.Audio.Size))),
		slog.Duration("audio_duration", res.Audio.Duration),
		slog.Int("cues", len(res.Timeline.MouthCues)),
		slog.Bool("catalog_degraded", res.CatalogDegraded))
	if o.deps.Publisher != nil {
		o.deps.Publisher.PublishCompleted(context.WithoutCancel(ctx), res)
	}
	return res, nil
}

// run writes its waveform and timeline under names private to itself and
// only renames them over <id>.wav and <id>.json once both are valid. The
// staged list therefore never holds a path another run may own.
type run struct {
	o        *Orchestrator
	id       string
	wavPath  string
	jsonPath string
	partWav  string
	partJSON string
	staged   []string
	log      *slog.Logger
}

func newRun(o *Orchestrator, id string) *run {
	nonce := uuid.New()
	part := filepath.Join(o.opts.OutputDir, id+"."+hex.EncodeToString(nonce[:4])+".part")
	return &run{
		o:        o,
		id:       id,
		wavPath:  filepath.Join(o.opts.OutputDir, id+".wav"),
		jsonPath: filepath.Join(o.opts.OutputDir, id+".json"),
		partWav:  part + ".wav",
		partJSON: part + ".json",
		log:      o.log.With(slog.String("audio_id", id)),
	}
}

func (r *run) execute(ctx context.Context, v voices.Validated) (Result, error) {
	var synth tts.Audio
	err := r.stage(ctx, StateSynthesizing, func(ctx context.Context) (err error) {
		synth, err = r.o.deps.Synthesizer.Synthesize(ctx, tts.Request{Text: v.Text, Language: v.Language, Speaker: v.Speaker})
		return err
	})
	if err != nil {
		return Result{}, err
	}

	var info audio.Info
	r.staged = append(r.staged, audio.StagingPath(r.partWav, synth.Format), r.partWav)
	err = r.stage(ctx, StateNormalizing, func(ctx context.Context) (err error) {
		info, err = r.o.deps.Normalizer.Normalize(ctx, synth.Data, synth.Format, r.partWav)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	var timeline lipsync.Timeline
	r.staged = append(r.staged, r.partJSON)
	err = r.stage(ctx, StateExtractingVisemes, func(ctx context.Context) (err error) {
		timeline, err = r.o.deps.Extractor.Extract(ctx, r.partWav, r.partJSON)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	// Cancellation is honoured up to here. After the commit the artifacts
	// stand on their own and only the soft catalog step remains.
	if err := ctx.Err(); err != nil {
		return Result{}, &StageError{Stage: StateUpdatingCatalog, AudioID: r.id, Err: err}
	}
	if err := r.commit(); err != nil {
		return Result{}, &StageError{Stage: StateExtractingVisemes, AudioID: r.id, Err: err}
	}
	info.Path = r.wavPath

	res := Result{Artifact: r.o.ArtifactFor(r.id), Timeline: timeline, Audio: info}
	entry := assets.NewEntry(r.id, r.o.opts.LabelPrefix, r.o.opts.Animation)
	catErr := r.stage(ctx, StateUpdatingCatalog, func(ctx context.Context) error {
		return r.o.deps.Catalog.Append(ctx, entry)
	})
	if catErr != nil {
		var se *StageError
		if errors.As(catErr, &se) {
			catErr = se.Err
		}
		res.CatalogDegraded = true
		res.CatalogErr = catErr
		r.log.Warn("catalog update failed, returning artifact anyway", slogError(catErr))
	}
	return res, nil
}

// stage enters state, runs fn under its own span and timing, and wraps any
// error in a StageError.
func (r *run) stage(ctx context.Context, state State, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return &StageError{Stage: state, AudioID: r.id, Err: err}
	}
	r.o.record(ctx, r.id, state, "")

	ctx, span := r.o.tracer.Start(ctx, "pipeline."+string(state))
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	if r.o.stageDuration != nil {
		r.o.stageDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("stage", string(state)), attribute.Bool("ok", err == nil)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &StageError{Stage: state, AudioID: r.id, Err: err}
	}
	return nil
}

// commit renames the run's files over the public artifact paths, timeline
// last, so a reader that finds <id>.json also finds the matching waveform.
func (r *run) commit() error {
	if err := os.Rename(r.partWav, r.wavPath); err != nil {
		return fmt.Errorf("commit waveform: %w", err)
	}
	if err := os.Rename(r.partJSON, r.jsonPath); err != nil {
		return fmt.Errorf("commit timeline: %w", err)
	}
	return nil
}

// cleanup removes everything the run may have written. It does not take a
// context: it must run even when the run was cancelled.
func (r *run) cleanup() {
	for _, p := range r.staged {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			r.log.Warn("failed to remove run artifact", slog.String("path", p), slogError(err))
		}
	}
}

func (o *Orchestrator) claim(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[id]; busy {
		return false
	}
	o.inflight[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.inflight, id)
	o.mu.Unlock()
}

// record journals a transition. It detaches from ctx so terminal states are
// written even for cancelled runs.
func (o *Orchestrator) record(ctx context.Context, id string, state State, detail string) {
	if o.deps.Journal == nil {
		return
	}
	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := o.deps.Journal.RecordTransition(jctx, id, string(state), detail); err != nil {
		o.log.Warn("failed to journal transition",
			slog.String("audio_id", id), slog.String("state", string(state)), slogError(err))
	}
}

func (o *Orchestrator) countRun(ctx context.Context, outcome string) {
	if o.runs == nil {
		return
	}
	o.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
