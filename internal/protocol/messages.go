package protocol

import "time"

// TTSRequest asks the pipeline to render text into an avatar asset.
type TTSRequest struct {
	Text    string `json:"text"`
	Lang    string `json:"lang"`
	AudioID string `json:"audio_id,omitempty"`
	Speaker string `json:"speaker,omitempty"`
}

// TTSReply answers a TTSRequest. Code is empty on success.
type TTSReply struct {
	AudioID         string `json:"audio_id,omitempty"`
	AudioPath       string `json:"audio_path,omitempty"`
	LipsyncPath     string `json:"lipsync_path,omitempty"`
	CatalogDegraded bool   `json:"catalog_degraded,omitempty"`
	Code            string `json:"code,omitempty"`
	Error           string `json:"error,omitempty"`
}

// TTSCompleted is broadcast after every successful run, whichever transport
// started it.
type TTSCompleted struct {
	AudioID         string    `json:"audio_id"`
	AudioPath       string    `json:"audio_path"`
	LipsyncPath     string    `json:"lipsync_path"`
	Cues            int       `json:"cues"`
	DurationMS      int64     `json:"duration_ms"`
	CatalogDegraded bool      `json:"catalog_degraded"`
	Timestamp       time.Time `json:"timestamp"`
}

// ChatMessage is one conversation turn.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest asks for the avatar's next line, spoken.
type ChatRequest struct {
	History []ChatMessage `json:"history"`
	Lang    string        `json:"lang,omitempty"`
	Speaker string        `json:"speaker,omitempty"`
	AudioID string        `json:"audio_id,omitempty"`
}

// ChatReply carries the reply text and, when synthesis succeeded, the
// rendered artifact. Text is set even when Code reports a synthesis failure.
type ChatReply struct {
	Text string `json:"text,omitempty"`
	TTSReply
}

const (
	SubjectTTSRequest   = "avatar.tts.request"
	SubjectTTSCompleted = "avatar.tts.completed"
	SubjectChatRequest  = "avatar.chat.request"
)
