package preferences

import "time"

const (
	ChannelText   = "text"
	ChannelLive2D = "live2d"
)

// ChannelPreference is one user's delivery settings. A user without a row
// gets Default.
type ChannelPreference struct {
	UserID        string    `gorm:"primaryKey" json:"user_id"`
	TextEnabled   bool      `json:"text_enabled"`
	Live2DEnabled bool      `json:"live2d_enabled"`
	SpeakerID     string    `json:"speaker_id,omitempty"`
	SpeechSpeed   float64   `json:"speech_speed"`
	AudioFormat   string    `json:"audio_format,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func Default(userID string) *ChannelPreference {
	return &ChannelPreference{
		UserID:      userID,
		TextEnabled: true,
		SpeechSpeed: 1,
	}
}

func (p *ChannelPreference) Enabled(channel string) bool {
	switch channel {
	case ChannelText:
		return p.TextEnabled
	case ChannelLive2D:
		return p.Live2DEnabled
	default:
		return false
	}
}

type UpdateRequest struct {
	TextEnabled   *bool    `json:"text_enabled,omitempty"`
	Live2DEnabled *bool    `json:"live2d_enabled,omitempty"`
	SpeakerID     *string  `json:"speaker_id,omitempty"`
	SpeechSpeed   *float64 `json:"speech_speed,omitempty"`
	AudioFormat   *string  `json:"audio_format,omitempty"`
}

func (r UpdateRequest) Apply(p *ChannelPreference) {
	if r.TextEnabled != nil {
		p.TextEnabled = *r.TextEnabled
	}
	if r.Live2DEnabled != nil {
		p.Live2DEnabled = *r.Live2DEnabled
	}
	if r.SpeakerID != nil {
		p.SpeakerID = *r.SpeakerID
	}
	if r.SpeechSpeed != nil {
		p.SpeechSpeed = *r.SpeechSpeed
	}
	if r.AudioFormat != nil {
		p.AudioFormat = *r.AudioFormat
	}
}
