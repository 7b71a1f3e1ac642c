package models

import "time"

// MediaKind - тип кешируемого артефакта.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaClip  MediaKind = "clip"
	MediaAudio MediaKind = "audio"
)

// CacheEntry - запись кеша генераций.
type CacheEntry struct {
	Key       string    `json:"key" db:"key"`
	Kind      MediaKind `json:"kind" db:"kind"`
	Model     string    `json:"model" db:"model"`
	Variant   int       `json:"variant" db:"variant"`
	Prompt    string    `json:"prompt" db:"prompt"` // Исходный текст запроса (provenance)
	Payload   []byte    `json:"-" db:"payload"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// CacheEntryMeta - метаданные записи без полезной нагрузки (для вытеснения).
type CacheEntryMeta struct {
	Key       string    `db:"key"`
	CreatedAt time.Time `db:"created_at"`
}

// NarrativeResult - нормализованный ответ нарративного сервиса.
type NarrativeResult struct {
	Narrative    string   `json:"narrative"`
	MediaPrompt  string   `json:"media_prompt"`
	Choices      []string `json:"choices"`
	Lessons      []string `json:"lessons"`
	IsComplete   bool     `json:"is_complete"`
	IsImportant  bool     `json:"is_important"`
	LocationHint *string  `json:"location_hint,omitempty"`
	// Degraded - ответ-заглушка после ошибки. Такие ответы не попадают в историю.
	Degraded  bool      `json:"degraded,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`
}
