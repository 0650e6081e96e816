package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/llm"
	"github.com/loqalabs/loqa-avatar/internal/pipeline"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/voices"
)

// CodeReplyFailed marks a chat request whose reply could not be generated.
const CodeReplyFailed = "reply_failed"

type Responder interface {
	Reply(ctx context.Context, history []llm.Message) (string, error)
}

// Service answers chat requests on the bus with a spoken reply: the
// responder writes the line, the pipeline renders it.
type Service struct {
	cfg       config.RouterConfig
	bus       *bus.Client
	responder Responder
	submitter pipeline.Submitter
	logger    *slog.Logger
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewService(parent context.Context, cfg config.RouterConfig, busClient *bus.Client, responder Responder, submitter pipeline.Submitter, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		responder: responder,
		submitter: submitter,
		logger:    logger.With(slog.String("component", "router")),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectChatRequest, s.handleChat)
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

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || (s.sub != nil && s.sub.IsValid())
}

func (s *Service) handleChat(msg *nats.Msg) {
	var req protocol.ChatRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("router failed to decode chat request", slogError(err))
		s.respond(msg, protocol.ChatReply{TTSReply: protocol.TTSReply{
			Code:  pipeline.CodeInvalidRequest,
			Error: "malformed request: " + err.Error(),
		}})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.respond(msg, s.relay(req))
	}()
}

func (s *Service) relay(req protocol.ChatRequest) protocol.ChatReply {
	history := make([]llm.Message, 0, len(req.History))
	for _, m := range req.History {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}

	text, err := s.responder.Reply(s.ctx, history)
	if err != nil {
		s.logger.Warn("router failed to generate reply", slogError(err))
		return protocol.ChatReply{TTSReply: protocol.TTSReply{Code: CodeReplyFailed, Error: err.Error()}}
	}

	lang := strings.TrimSpace(req.Lang)
	if lang == "" {
		lang = s.cfg.DefaultLang
	}
	speaker := strings.TrimSpace(req.Speaker)
	if speaker == "" {
		speaker = s.cfg.DefaultSpeaker
	}

	res, err := s.submitter.Submit(s.ctx, voices.SynthesisRequest{
		Text:    text,
		Lang:    lang,
		AudioID: req.AudioID,
		Speaker: speaker,
	})
	if err != nil {
		s.logger.Warn("router failed to render reply", slogError(err))
		return protocol.ChatReply{Text: text, TTSReply: protocol.TTSReply{Code: pipeline.ErrorCode(err), Error: err.Error()}}
	}
	return protocol.ChatReply{Text: text, TTSReply: protocol.TTSReply{
		AudioID:         res.Artifact.AudioID,
		AudioPath:       res.Artifact.AudioPath,
		LipsyncPath:     res.Artifact.LipsyncPath,
		CatalogDegraded: res.CatalogDegraded,
	}}
}

func (s *Service) respond(msg *nats.Msg, reply protocol.ChatReply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Warn("router failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("router failed to respond", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
