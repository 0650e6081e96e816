package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/llm"
	"github.com/loqalabs/loqa-avatar/internal/pipeline"
	"github.com/loqalabs/loqa-avatar/internal/stt"
	"github.com/loqalabs/loqa-avatar/internal/voices"
)

const (
	maxUploadBytes  = 64 << 20
	transitionLimit = 100

	detailChatFailed  = "Erreur lors de la génération de la réponse."
	detailSTTFailed   = "Impossible de générer le texte."
	detailSTTBadModel = "Modèle non supporté."
)

type Catalog interface {
	Languages() []string
	Speakers() []string
}

type RunJournal interface {
	GetRun(ctx context.Context, audioID string) (eventstore.Run, error)
	ListTransitions(ctx context.Context, audioID string, limit int) ([]eventstore.Transition, error)
}

type Responder interface {
	Reply(ctx context.Context, history []llm.Message) (string, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, filename string, r io.Reader, model string) (stt.TranscriptResult, error)
}

// Deps are the collaborators behind the HTTP surface. Responder and
// Transcriber are optional; their routes are only mounted when set.
type Deps struct {
	Pipeline    pipeline.Submitter
	Catalog     Catalog
	Journal     RunJournal
	Responder   Responder
	Transcriber Transcriber
}

type Options struct {
	AllowedOrigins []string
	MaxBodyBytes   int64
}

type Server struct {
	deps Deps
	opts Options
	log  *slog.Logger
}

func New(deps Deps, opts Options, log *slog.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &Server{deps: deps, opts: opts, log: log.With(slog.String("component", "http-api"))}
}

// Register mounts the API routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /generate-tts", s.handleGenerateTTS)
	mux.HandleFunc("POST /generate-tts/{$}", s.handleGenerateTTS)
	mux.HandleFunc("GET /languages", s.handleLanguages)
	mux.HandleFunc("GET /languages/{$}", s.handleLanguages)
	mux.HandleFunc("GET /speakers", s.handleSpeakers)
	mux.HandleFunc("GET /speakers/{$}", s.handleSpeakers)
	if s.deps.Journal != nil {
		mux.HandleFunc("GET /runs/{audioId}", s.handleRun)
	}
	if s.deps.Responder != nil {
		mux.HandleFunc("POST /api/generate", s.handleChat)
	}
	if s.deps.Transcriber != nil {
		mux.HandleFunc("POST /generate-stt", s.handleSTT)
		mux.HandleFunc("POST /generate-stt/{$}", s.handleSTT)
		mux.HandleFunc("GET /models", s.handleModels)
	}
}

// Handler returns the routes wrapped in request logging and CORS.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Register(mux)
	return s.Wrap(mux)
}

func (s *Server) Wrap(h http.Handler) http.Handler {
	return CORS(s.opts.AllowedOrigins, s.logRequests(h))
}

type ttsRequest struct {
	Text    string `json:"text"`
	Lang    string `json:"lang"`
	AudioID string `json:"audio_id,omitempty"`
	Speaker string `json:"speaker,omitempty"`
}

type ttsResponse struct {
	pipeline.Artifact
	CatalogDegraded bool `json:"catalogDegraded,omitempty"`
}

func (s *Server) handleGenerateTTS(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	if err := s.decode(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	res, err := s.deps.Pipeline.Submit(r.Context(), voices.SynthesisRequest{
		Text:    req.Text,
		Lang:    req.Lang,
		AudioID: req.AudioID,
		Speaker: req.Speaker,
	})
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			s.log.Error("synthesis failed", slog.String("error", err.Error()))
			writeDetail(w, status, "Failed to generate speech: "+err.Error())
			return
		}
		var verr *voices.ValidationError
		if errors.As(err, &verr) {
			writeDetail(w, status, verr.Error())
			return
		}
		writeDetail(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ttsResponse{Artifact: res.Artifact, CatalogDegraded: res.CatalogDegraded})
}

func statusFor(err error) int {
	switch pipeline.ErrorCode(err) {
	case pipeline.CodeInvalidRequest:
		return http.StatusBadRequest
	case pipeline.CodeRunInProgress:
		return http.StatusConflict
	case pipeline.CodeBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleLanguages(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"languages": s.deps.Catalog.Languages()})
}

func (s *Server) handleSpeakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"speakers": s.deps.Catalog.Speakers()})
}

type runResponse struct {
	Run         eventstore.Run          `json:"run"`
	Transitions []eventstore.Transition `json:"transitions"`
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("audioId")
	run, err := s.deps.Journal.GetRun(r.Context(), id)
	if errors.Is(err, eventstore.ErrNotFound) {
		writeDetail(w, http.StatusNotFound, "no run recorded for "+id)
		return
	}
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	transitions, err := s.deps.Journal.ListTransitions(r.Context(), id, transitionLimit)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if transitions == nil {
		transitions = []eventstore.Transition{}
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run, Transitions: transitions})
}

type chatRequest struct {
	History []llm.Message `json:"history"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := s.decode(w, r, &req); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	text, err := s.deps.Responder.Reply(r.Context(), req.History)
	if err != nil {
		s.log.Error("chat reply failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusInternalServerError, detailChatFailed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": text})
}

func (s *Server) handleSTT(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.log.Warn("stt upload rejected", slog.String("error", err.Error()))
		writeDetail(w, http.StatusBadRequest, detailSTTFailed)
		return
	}
	defer file.Close()

	model := r.URL.Query().Get("model_size")
	if model == "" {
		model = r.FormValue("model_size")
	}

	res, err := s.deps.Transcriber.Transcribe(r.Context(), header.Filename, file, model)
	if errors.Is(err, stt.ErrUnsupportedModel) {
		writeDetail(w, http.StatusBadRequest, detailSTTBadModel)
		return
	}
	if err != nil {
		s.log.Error("transcription failed", slog.String("error", err.Error()))
		writeDetail(w, http.StatusBadRequest, detailSTTFailed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": res.Text})
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, stt.Models)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if strings.HasPrefix(r.URL.Path, "/healthz") || strings.HasPrefix(r.URL.Path, "/readyz") {
			return
		}
		s.log.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status),
			slog.Duration("latency", time.Since(start)))
	})
}
