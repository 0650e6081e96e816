package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/voices"
)

// Service serves synthesis requests arriving over NATS request/reply.
type Service struct {
	bus       *bus.Client
	submitter Submitter
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func NewService(parent context.Context, busClient *bus.Client, submitter Submitter, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		bus:       busClient,
		submitter: submitter,
		ctx:       ctx,
		cancel:    cancel,
		logger:    log.With(slog.String("component", "pipeline-bus")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectTTSRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.TTSRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode tts request", slogError(err))
		s.respond(msg, protocol.TTSReply{Code: CodeInvalidRequest, Error: "malformed request: " + err.Error()})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.submitter.Submit(s.ctx, voices.SynthesisRequest{
			Text:    req.Text,
			Lang:    req.Lang,
			AudioID: req.AudioID,
			Speaker: req.Speaker,
		})
		if err != nil {
			s.respond(msg, protocol.TTSReply{Code: ErrorCode(err), Error: err.Error()})
			return
		}
		s.respond(msg, protocol.TTSReply{
			AudioID:         res.Artifact.AudioID,
			AudioPath:       res.Artifact.AudioPath,
			LipsyncPath:     res.Artifact.LipsyncPath,
			CatalogDegraded: res.CatalogDegraded,
		})
	}()
}

func (s *Service) respond(msg *nats.Msg, reply protocol.TTSReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("failed to marshal tts reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send tts reply", slogError(err))
	}
}

// BusPublisher broadcasts completed runs on the bus.
type BusPublisher struct {
	bus    *bus.Client
	logger *slog.Logger
}

func NewBusPublisher(busClient *bus.Client, log *slog.Logger) *BusPublisher {
	return &BusPublisher{bus: busClient, logger: log.With(slog.String("component", "pipeline-events"))}
}

func (p *BusPublisher) PublishCompleted(_ context.Context, res Result) {
	event := protocol.TTSCompleted{
		AudioID:         res.Artifact.AudioID,
		AudioPath:       res.Artifact.AudioPath,
		LipsyncPath:     res.Artifact.LipsyncPath,
		Cues:            len(res.Timeline.MouthCues),
		DurationMS:      res.Audio.Duration.Milliseconds(),
		CatalogDegraded: res.CatalogDegraded,
		Timestamp:       time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("failed to marshal completion event", slogError(err))
		return
	}
	if err := p.bus.Conn().Publish(protocol.SubjectTTSCompleted, data); err != nil {
		p.logger.Warn("failed to publish completion event", slogError(err))
	}
}
