package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/eventstore"
	"github.com/loqalabs/loqa-avatar/internal/llm"
	"github.com/loqalabs/loqa-avatar/internal/pipeline"
	"github.com/loqalabs/loqa-avatar/internal/stt"
	"github.com/loqalabs/loqa-avatar/internal/voices"
)

type fakeSubmitter struct {
	res  pipeline.Result
	err  error
	seen voices.SynthesisRequest
}

func (f *fakeSubmitter) Submit(_ context.Context, req voices.SynthesisRequest) (pipeline.Result, error) {
	f.seen = req
	return f.res, f.err
}

type fakeJournal struct {
	runs map[string][]eventstore.Transition
}

func (f *fakeJournal) GetRun(_ context.Context, id string) (eventstore.Run, error) {
	ts, ok := f.runs[id]
	if !ok {
		return eventstore.Run{}, eventstore.ErrNotFound
	}
	last := ts[len(ts)-1]
	return eventstore.Run{AudioID: id, State: last.State, CreatedAt: ts[0].CreatedAt, UpdatedAt: last.CreatedAt}, nil
}

func (f *fakeJournal) ListTransitions(_ context.Context, id string, _ int) ([]eventstore.Transition, error) {
	return f.runs[id], nil
}

type fakeResponder struct {
	reply   string
	err     error
	history []llm.Message
}

func (f *fakeResponder) Reply(_ context.Context, history []llm.Message) (string, error) {
	f.history = history
	return f.reply, f.err
}

type fakeTranscriber struct {
	model string
	data  string
	err   error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ string, r io.Reader, model string) (stt.TranscriptResult, error) {
	b, _ := io.ReadAll(r)
	f.data = string(b)
	f.model = model
	if f.err != nil {
		return stt.TranscriptResult{}, f.err
	}
	return stt.TranscriptResult{Text: "bonjour"}, nil
}

type fixture struct {
	sub         *fakeSubmitter
	responder   *fakeResponder
	transcriber *fakeTranscriber
	handler     http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		sub:         &fakeSubmitter{},
		responder:   &fakeResponder{reply: "Bonjour !"},
		transcriber: &fakeTranscriber{},
	}
	journal := &fakeJournal{runs: map[string][]eventstore.Transition{
		"audio-1": {
			{ID: 1, AudioID: "audio-1", State: "validating", CreatedAt: time.Unix(10, 0).UTC()},
			{ID: 2, AudioID: "audio-1", State: "completed", CreatedAt: time.Unix(12, 0).UTC()},
		},
	}}
	srv := New(Deps{
		Pipeline:    f.sub,
		Catalog:     voices.NewCatalog(nil, nil),
		Journal:     journal,
		Responder:   f.responder,
		Transcriber: f.transcriber,
	}, Options{AllowedOrigins: []string{"http://localhost:5173"}}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(t *testing.T, method, target string, body io.Reader, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestGenerateTTSSuccess(t *testing.T) {
	f := newFixture(t)
	f.sub.res = pipeline.Result{Artifact: pipeline.Artifact{
		AudioID:     "audio-abc",
		AudioPath:   "/audios/audio-abc.wav",
		LipsyncPath: "/audios/audio-abc.json",
	}}

	for _, path := range []string{"/generate-tts", "/generate-tts/"} {
		rec := f.do(t, http.MethodPost, path, strings.NewReader(`{"text":"Bonjour","lang":"fr","speaker":"male-en-1"}`), nil)
		require.Equal(t, http.StatusOK, rec.Code, path)
		body := decodeBody(t, rec)
		assert.Equal(t, "audio-abc", body["audioId"])
		assert.Equal(t, "/audios/audio-abc.wav", body["audioPath"])
		assert.Equal(t, "/audios/audio-abc.json", body["lipsyncPath"])
		assert.NotContains(t, body, "catalogDegraded")
	}
	assert.Equal(t, voices.SynthesisRequest{Text: "Bonjour", Lang: "fr", Speaker: "male-en-1"}, f.sub.seen)
}

func TestGenerateTTSDegradedCatalog(t *testing.T) {
	f := newFixture(t)
	f.sub.res = pipeline.Result{Artifact: pipeline.Artifact{AudioID: "a"}, CatalogDegraded: true}
	rec := f.do(t, http.MethodPost, "/generate-tts", strings.NewReader(`{"text":"Hi","lang":"en"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["catalogDegraded"])
}

func TestGenerateTTSErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		detail string
	}{
		{
			name:   "validation",
			err:    &pipeline.StageError{Stage: pipeline.StateValidating, Err: &voices.ValidationError{Kind: voices.UnsupportedLanguage, Value: "xx", Allowed: []string{"fr-fr", "en-us"}}},
			status: http.StatusBadRequest,
			detail: "Supported: fr-fr, en-us",
		},
		{name: "in progress", err: pipeline.ErrRunInProgress, status: http.StatusConflict, detail: "already in progress"},
		{name: "busy", err: pipeline.ErrBusy, status: http.StatusServiceUnavailable, detail: "capacity"},
		{
			name:   "stage failure",
			err:    &pipeline.StageError{Stage: pipeline.StateExtractingVisemes, Err: errors.New("rhubarb exited with status 1")},
			status: http.StatusInternalServerError,
			detail: "rhubarb exited with status 1",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.sub.err = tc.err
			rec := f.do(t, http.MethodPost, "/generate-tts", strings.NewReader(`{"text":"Hi","lang":"xx"}`), nil)
			assert.Equal(t, tc.status, rec.Code)
			assert.Contains(t, decodeBody(t, rec)["detail"], tc.detail)
		})
	}
}

func TestGenerateTTSMalformedBody(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/generate-tts", strings.NewReader(`{"text":`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.sub.seen.Text, "pipeline must not run")
}

func TestGenerateTTSRejectsOversizedBody(t *testing.T) {
	f := newFixture(t)
	big := fmt.Sprintf(`{"text":"%s","lang":"fr"}`, strings.Repeat("a", 2<<20))
	rec := f.do(t, http.MethodPost, "/generate-tts", strings.NewReader(big), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCatalogListings(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/languages", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"languages":["fr-fr","en-us","ar-MA"]}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/speakers", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"speakers":["female-pt-4","male-en-1"]}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/speakers/", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/languages/", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunLookup(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/runs/audio-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var out runResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "completed", out.Run.State)
	assert.Len(t, out.Transitions, 2)

	rec = f.do(t, http.MethodGet, "/runs/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChat(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/api/generate", strings.NewReader(`{"history":[{"role":"user","content":"Salut"}]}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"text":"Bonjour !"}`, rec.Body.String())
	assert.Equal(t, []llm.Message{{Role: "user", Content: "Salut"}}, f.responder.history)

	f.responder.err = errors.New("backend down")
	rec = f.do(t, http.MethodPost, "/api/generate", strings.NewReader(`{"history":[]}`), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, detailChatFailed, decodeBody(t, rec)["detail"])
}

func multipartUpload(t *testing.T, content string) (io.Reader, http.Header) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "clip.webm")
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, http.Header{"Content-Type": {mw.FormDataContentType()}}
}

func TestSTT(t *testing.T) {
	f := newFixture(t)
	body, header := multipartUpload(t, "audio-bytes")
	rec := f.do(t, http.MethodPost, "/generate-stt/?model_size=tiny", body, header)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"text":"bonjour"}`, rec.Body.String())
	assert.Equal(t, "tiny", f.transcriber.model)
	assert.Equal(t, "audio-bytes", f.transcriber.data)
}

func TestSTTFailures(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/generate-stt", strings.NewReader("not multipart"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	f.transcriber.err = fmt.Errorf("%w %q", stt.ErrUnsupportedModel, "huge")
	body, header := multipartUpload(t, "x")
	rec = f.do(t, http.MethodPost, "/generate-stt?model_size=huge", body, header)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, detailSTTBadModel, decodeBody(t, rec)["detail"])

	f.transcriber.err = errors.New("whisper crashed")
	body, header = multipartUpload(t, "x")
	rec = f.do(t, http.MethodPost, "/generate-stt", body, header)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, detailSTTFailed, decodeBody(t, rec)["detail"])
}

func TestModels(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/models", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["tiny","base","small","medium","large"]`, rec.Body.String())
}

func TestOptionalRoutesAbsent(t *testing.T) {
	srv := New(Deps{Pipeline: &fakeSubmitter{}, Catalog: voices.NewCatalog(nil, nil)}, Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h := srv.Handler()
	for _, target := range []string{"/api/generate", "/generate-stt"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, target, strings.NewReader("{}")))
		assert.Equal(t, http.StatusNotFound, rec.Code, target)
	}
}

func TestCORS(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodOptions, "/generate-tts", nil, http.Header{
		"Origin":                         {"http://localhost:5173"},
		"Access-Control-Request-Method":  {"POST"},
		"Access-Control-Request-Headers": {"content-type"},
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "content-type", rec.Header().Get("Access-Control-Allow-Headers"))

	rec = f.do(t, http.MethodGet, "/languages", nil, http.Header{"Origin": {"http://evil.test"}})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = f.do(t, http.MethodOptions, "/generate-tts", nil, http.Header{
		"Origin":                        {"http://evil.test"},
		"Access-Control-Request-Method": {"POST"},
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCORSWildcard(t *testing.T) {
	h := CORS([]string{"*"}, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://anywhere.test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "http://anywhere.test", rec.Header().Get("Access-Control-Allow-Origin"))
}
