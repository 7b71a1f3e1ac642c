package models

import "time"

// NarrationProvider - выбор провайдера озвучки.
type NarrationProvider string

const (
	NarrationBuiltin    NarrationProvider = "builtin"    // Синтез на устройстве
	NarrationOpenAI     NarrationProvider = "openai"     // Хостинговый провайдер A
	NarrationElevenLabs NarrationProvider = "elevenlabs" // Хостинговый провайдер B
)

// IsHosted сообщает, является ли провайдер сетевым (платным).
func (p NarrationProvider) IsHosted() bool {
	return p == NarrationOpenAI || p == NarrationElevenLabs
}

// VoiceSettings - настройки голоса конкретного провайдера.
type VoiceSettings struct {
	VoiceID  string  `json:"voice_id"`
	Speed    float64 `json:"speed"`
	Autoplay bool    `json:"autoplay"`
	// APIKey переопределяет ключ из конфигурации сервера (если задан пользователем).
	APIKey string `json:"api_key,omitempty"`
}

// MediaTierSettings - флаги платных медиа-уровней.
type MediaTierSettings struct {
	ClipsEnabled         bool `json:"clips_enabled"`
	ImageFallbackEnabled bool `json:"image_fallback_enabled"`
	// ClipUsageCeiling - потолок использования клипов в пределах окна.
	ClipUsageCeiling int `json:"clip_usage_ceiling"`
}

// UsageCounter - скользящий счетчик использования ограниченного сервиса.
type UsageCounter struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"window_start"`
}

// Current возвращает значение счетчика с учетом истечения окна.
func (u UsageCounter) Current(now time.Time, window time.Duration) int {
	if window > 0 && !u.WindowStart.IsZero() && now.Sub(u.WindowStart) >= window {
		return 0
	}
	return u.Count
}

// Increment увеличивает счетчик, начиная новое окно при необходимости.
func (u UsageCounter) Increment(now time.Time, window time.Duration) UsageCounter {
	if u.WindowStart.IsZero() || (window > 0 && now.Sub(u.WindowStart) >= window) {
		return UsageCounter{Count: 1, WindowStart: now}
	}
	return UsageCounter{Count: u.Count + 1, WindowStart: u.WindowStart}
}

// Settings - персистентные пользовательские настройки.
// Изменяются только через явные сеттеры; при загрузке сливаются с дефолтами.
type Settings struct {
	NarrationProvider NarrationProvider                   `json:"narration_provider"`
	Voices            map[NarrationProvider]VoiceSettings `json:"voices"`
	MediaTiers        MediaTierSettings                   `json:"media_tiers"`
	ClipUsage         UsageCounter                        `json:"clip_usage"`
}

// DefaultSettings возвращает настройки по умолчанию.
func DefaultSettings() Settings {
	return Settings{
		NarrationProvider: NarrationBuiltin,
		Voices: map[NarrationProvider]VoiceSettings{
			NarrationBuiltin:    {VoiceID: "default", Speed: 1.0},
			NarrationOpenAI:     {VoiceID: "alloy", Speed: 1.0},
			NarrationElevenLabs: {VoiceID: "21m00Tcm4TlvDq8ikWAM", Speed: 1.0},
		},
		MediaTiers: MediaTierSettings{
			ClipsEnabled:         false,
			ImageFallbackEnabled: true,
			ClipUsageCeiling:     5,
		},
	}
}

// MergeWithDefaults дополняет отсутствующие поля значениями по умолчанию,
// чтобы новые поля не ломали старые сохраненные данные.
func (s Settings) MergeWithDefaults() Settings {
	def := DefaultSettings()
	out := s
	switch out.NarrationProvider {
	case NarrationBuiltin, NarrationOpenAI, NarrationElevenLabs:
	default:
		out.NarrationProvider = def.NarrationProvider
	}
	voices := make(map[NarrationProvider]VoiceSettings, len(def.Voices))
	for p, v := range def.Voices {
		voices[p] = v
	}
	for p, v := range s.Voices {
		d := voices[p]
		if v.VoiceID == "" {
			v.VoiceID = d.VoiceID
		}
		if v.Speed <= 0 {
			v.Speed = d.Speed
		}
		voices[p] = v
	}
	out.Voices = voices
	if out.MediaTiers.ClipUsageCeiling <= 0 {
		out.MediaTiers.ClipUsageCeiling = def.MediaTiers.ClipUsageCeiling
	}
	return out
}

// Voice возвращает настройки голоса для провайдера.
func (s Settings) Voice(p NarrationProvider) VoiceSettings {
	if v, ok := s.Voices[p]; ok {
		return v
	}
	return DefaultSettings().Voices[p]
}

// WithNarrationProvider - явный сеттер провайдера озвучки.
func (s Settings) WithNarrationProvider(p NarrationProvider) Settings {
	out := s.clone()
	out.NarrationProvider = p
	return out
}

// WithVoice - явный сеттер настроек голоса.
func (s Settings) WithVoice(p NarrationProvider, v VoiceSettings) Settings {
	out := s.clone()
	out.Voices[p] = v
	return out
}

// WithMediaTiers - явный сеттер медиа-уровней.
func (s Settings) WithMediaTiers(t MediaTierSettings) Settings {
	out := s.clone()
	out.MediaTiers = t
	return out
}

// WithClipUsage - явный сеттер счетчика использования клипов.
func (s Settings) WithClipUsage(u UsageCounter) Settings {
	out := s.clone()
	out.ClipUsage = u
	return out
}

func (s Settings) clone() Settings {
	out := s
	out.Voices = make(map[NarrationProvider]VoiceSettings, len(s.Voices))
	for p, v := range s.Voices {
		out.Voices[p] = v
	}
	return out
}
