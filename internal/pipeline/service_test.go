package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/loqa-avatar/internal/bus"
	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/lipsync"
	"github.com/loqalabs/loqa-avatar/internal/protocol"
	"github.com/loqalabs/loqa-avatar/internal/voices"
)

type submitterFunc func(ctx context.Context, req voices.SynthesisRequest) (Result, error)

func (f submitterFunc) Submit(ctx context.Context, req voices.SynthesisRequest) (Result, error) {
	return f(ctx, req)
}

func startBus(t *testing.T) (*server.Server, *bus.Client) {
	t.Helper()
	opts := test.DefaultTestOptions
	opts.Port = -1
	natsServer := test.RunServer(&opts)
	t.Cleanup(natsServer.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{
		Servers:        []string{natsServer.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return natsServer, client
}

func TestServiceRepliesWithArtifact(t *testing.T) {
	_, client := startBus(t)

	got := make(chan voices.SynthesisRequest, 1)
	svc := NewService(context.Background(), client, submitterFunc(func(_ context.Context, req voices.SynthesisRequest) (Result, error) {
		got <- req
		return Result{
			Artifact:        Artifact{AudioID: "audio-1", AudioPath: "/audios/audio-1.wav", LipsyncPath: "/audios/audio-1.json"},
			CatalogDegraded: true,
		}, nil
	}), newLogger())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)
	assert.True(t, svc.Healthy())

	data, err := json.Marshal(protocol.TTSRequest{Text: "Bonjour", Lang: "fr", Speaker: "male-en-1"})
	require.NoError(t, err)
	msg, err := client.Conn().Request(protocol.SubjectTTSRequest, data, 2*time.Second)
	require.NoError(t, err)

	var reply protocol.TTSReply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	assert.Equal(t, protocol.TTSReply{
		AudioID:         "audio-1",
		AudioPath:       "/audios/audio-1.wav",
		LipsyncPath:     "/audios/audio-1.json",
		CatalogDegraded: true,
	}, reply)
	assert.Equal(t, voices.SynthesisRequest{Text: "Bonjour", Lang: "fr", Speaker: "male-en-1"}, <-got)
}

func TestServiceRepliesWithErrorCode(t *testing.T) {
	_, client := startBus(t)
	svc := NewService(context.Background(), client, submitterFunc(func(context.Context, voices.SynthesisRequest) (Result, error) {
		return Result{}, ErrBusy
	}), newLogger())
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)

	msg, err := client.Conn().Request(protocol.SubjectTTSRequest, []byte(`{"text":"x","lang":"en"}`), 2*time.Second)
	require.NoError(t, err)
	var reply protocol.TTSReply
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	assert.Equal(t, CodeBusy, reply.Code)

	msg, err = client.Conn().Request(protocol.SubjectTTSRequest, []byte(`not json`), 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	assert.Equal(t, CodeInvalidRequest, reply.Code)
}

func TestBusPublisherBroadcastsCompletion(t *testing.T) {
	_, client := startBus(t)

	events := make(chan *nats.Msg, 1)
	sub, err := client.Conn().ChanSubscribe(protocol.SubjectTTSCompleted, events)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, client.Conn().Flush())

	NewBusPublisher(client, newLogger()).PublishCompleted(context.Background(), Result{
		Artifact: Artifact{AudioID: "audio-9", AudioPath: "/audios/audio-9.wav", LipsyncPath: "/audios/audio-9.json"},
		Timeline: lipsync.Timeline{MouthCues: []lipsync.Cue{{Start: 0, End: 0.2, Value: "A"}}},
	})

	select {
	case msg := <-events:
		var evt protocol.TTSCompleted
		require.NoError(t, json.Unmarshal(msg.Data, &evt))
		assert.Equal(t, "audio-9", evt.AudioID)
		assert.Equal(t, 1, evt.Cues)
	case <-time.After(2 * time.Second):
		t.Fatal("no completion event received")
	}
}
