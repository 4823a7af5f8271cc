package transport

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageTypeText              MessageType = "text"
	MessageTypeThinking          MessageType = "thinking"
	MessageTypeSystem            MessageType = "system"
	MessageTypeError             MessageType = "error"
	MessageTypeSentenceDisplay   MessageType = "live2d_sentence_display"
	MessageTypeSentenceAudio     MessageType = "live2d_sentence_audio"
	MessageTypeAudioFailed       MessageType = "live2d_audio_failed"
	MessageTypeAllComplete       MessageType = "live2d_all_complete"
	MessageTypePlaybackCompleted MessageType = "audio_playback_completed"
	MessageTypeASRAudioChunk     MessageType = "asr_audio_chunk"
	MessageTypeASRToggle         MessageType = "asr_toggle"
	MessageTypeASRStartSession   MessageType = "asr_start_session"
	MessageTypeASREndSession     MessageType = "asr_end_session"
	MessageTypeASRResult         MessageType = "asr_result"
	MessageTypeASRStatus         MessageType = "asr_status"
	MessageTypeASRError          MessageType = "asr_error"
)

// System commands carried in the content of an inbound system message.
const (
	CommandCheckService    = "check_service"
	CommandToggleThinking  = "toggle_thinking"
	CommandToggleWebSearch = "toggle_web_search"
	CommandInterrupt       = "interrupt"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is the single envelope used in both directions on the chat socket.
type Message struct {
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	SessionID string         `json:"sessionId"`
	Role      string         `json:"role,omitempty"`
	UserID    string         `json:"userId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`

	Streaming      bool `json:"streaming,omitempty"`
	StreamComplete bool `json:"streamComplete,omitempty"`

	SentenceID    string `json:"sentenceId,omitempty"`
	SentenceOrder *int   `json:"sentenceOrder,omitempty"`
	Audio         string `json:"audio,omitempty"`
	Format        string `json:"format,omitempty"`
	Error         string `json:"error,omitempty"`
	Code          string `json:"code,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

func NewMessage(t MessageType, sessionID, content string) Message {
	return Message{
		Type:      t,
		SessionID: sessionID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

func (m Message) WithRole(role string) Message {
	m.Role = role
	return m
}

func (m Message) WithMeta(key string, value any) Message {
	meta := make(map[string]any, len(m.Metadata)+1)
	for k, v := range m.Metadata {
		meta[k] = v
	}
	meta[key] = value
	m.Metadata = meta
	return m
}

func (m Message) WithSentence(id string, order int) Message {
	m.SentenceID = id
	m.SentenceOrder = &order
	return m
}

// MetaString returns a string metadata value, or "" when absent or not a string.
func (m Message) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	s, _ := m.Metadata[key].(string)
	return s
}

func (m Message) MetaBool(key string) (bool, bool) {
	if m.Metadata == nil {
		return false, false
	}
	b, ok := m.Metadata[key].(bool)
	return b, ok
}

func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("decode message: missing type")
	}
	return msg, nil
}

func Encode(msg Message) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return json.Marshal(msg)
}

// Response text builders shared by the dispatcher and the chat handler.

func TextChunk(sessionID, text string) Message {
	m := NewMessage(MessageTypeText, sessionID, text).WithRole(RoleAssistant)
	m.Streaming = true
	return m
}

func TextComplete(sessionID string) Message {
	m := NewMessage(MessageTypeText, sessionID, "").WithRole(RoleAssistant)
	m.Streaming = true
	m.StreamComplete = true
	return m
}

func Thinking(sessionID, text string) Message {
	m := NewMessage(MessageTypeThinking, sessionID, text).WithRole(RoleAssistant)
	m.Streaming = true
	return m
}

func ErrorMessage(sessionID, code, message string) Message {
	m := NewMessage(MessageTypeError, sessionID, message)
	m.Error = message
	m.Code = code
	return m
}
