package models

import (
	"time"
)

// SegmentKind определяет тип сегмента сессии.
type SegmentKind string

const (
	SegmentNarrator SegmentKind = "narrator" // Текст рассказчика, может нести медиа
	SegmentUser     SegmentKind = "user"     // Выбор пользователя
	SegmentLesson   SegmentKind = "lesson"   // Выводы (уроки) из сцены
	SegmentQuestion SegmentKind = "question" // Вопрос пользователя вне сюжета
	SegmentAnswer   SegmentKind = "answer"   // Ответ на вопрос
)

// SessionKey идентифицирует сессию: одна сессия на пару (история, пользователь).
type SessionKey struct {
	StoryID string `json:"story_id"`
	UserID  string `json:"user_id"`
}

// String возвращает ключ хранилища для сессии.
func (k SessionKey) String() string {
	return "session:" + k.StoryID + ":" + k.UserID
}

// Segment - атомарная единица содержимого сессии.
// Медиа (изображение/клип) допустимы только у сегментов типа narrator.
type Segment struct {
	ID           string      `json:"id"`
	Kind         SegmentKind `json:"kind"`
	Text         string      `json:"text,omitempty"`
	Lessons      []string    `json:"lessons,omitempty"`
	MediaPrompt  string      `json:"media_prompt,omitempty"`
	ImageRef     string      `json:"image_ref,omitempty"`
	ClipRef      string      `json:"clip_ref,omitempty"`
	ImageLoading bool        `json:"image_loading,omitempty"`
	ClipLoading  bool        `json:"clip_loading,omitempty"`
	Important    bool        `json:"important,omitempty"`
	Degraded     bool        `json:"degraded,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// IsLoadingMedia сообщает, ожидает ли сегмент результата генерации медиа.
func (s Segment) IsLoadingMedia() bool {
	return s.ImageLoading || s.ClipLoading
}

// HistoryRole - роль записи в истории генерации.
type HistoryRole string

const (
	HistoryRoleUser      HistoryRole = "user"
	HistoryRoleAssistant HistoryRole = "assistant"
)

// HistoryEntry - одна запись в истории, которая передается как контекст генерации.
type HistoryEntry struct {
	Role    HistoryRole `json:"role"`
	Content string      `json:"content"`
}

// Session - состояние интерактивной истории конкретного пользователя.
type Session struct {
	Key                SessionKey     `json:"key"`
	Segments           []Segment      `json:"segments"`
	Choices            []string       `json:"choices"`
	StoryHistory       []HistoryEntry `json:"story_history"`
	UserChoiceCount    int            `json:"user_choice_count"`
	ClipCount          int            `json:"clip_count"`
	CurrentEnvironment string         `json:"current_environment,omitempty"`
	IsCompleted        bool           `json:"is_completed"`
	CompletionDate     *time.Time     `json:"completion_date,omitempty"`
	LastUpdated        time.Time      `json:"last_updated"`
}

// NewSession создает пустую сессию для ключа.
func NewSession(key SessionKey, now time.Time) Session {
	return Session{
		Key:          key,
		Segments:     []Segment{},
		Choices:      []string{},
		StoryHistory: []HistoryEntry{},
		LastUpdated:  now,
	}
}

// Clone возвращает глубокую копию сессии. Обновления состояния всегда работают
// с копией, чтобы читатели не видели частично примененных изменений.
func (s Session) Clone() Session {
	out := s
	out.Segments = make([]Segment, len(s.Segments))
	for i, seg := range s.Segments {
		if seg.Lessons != nil {
			seg.Lessons = append([]string(nil), seg.Lessons...)
		}
		out.Segments[i] = seg
	}
	out.Choices = append([]string{}, s.Choices...)
	out.StoryHistory = append([]HistoryEntry{}, s.StoryHistory...)
	if s.CompletionDate != nil {
		t := *s.CompletionDate
		out.CompletionDate = &t
	}
	return out
}

// SegmentIndex возвращает индекс сегмента по ID или -1.
func (s Session) SegmentIndex(id string) int {
	for i := len(s.Segments) - 1; i >= 0; i-- {
		if s.Segments[i].ID == id {
			return i
		}
	}
	return -1
}

// ForPersistence снимает флаги загрузки у сегментов, чьи задачи не выполняются,
// чтобы после перезагрузки не оставалось "вечных" индикаторов загрузки.
func (s Session) ForPersistence(inFlight func(segmentID string) bool) Session {
	out := s.Clone()
	for i := range out.Segments {
		seg := &out.Segments[i]
		if !seg.IsLoadingMedia() {
			continue
		}
		if inFlight != nil && inFlight(seg.ID) {
			continue
		}
		seg.ImageLoading = false
		seg.ClipLoading = false
	}
	return out
}

// Lessons собирает все уроки сессии в порядке появления.
func (s Session) Lessons() []string {
	var lessons []string
	for _, seg := range s.Segments {
		if seg.Kind == SegmentLesson {
			lessons = append(lessons, seg.Lessons...)
		}
	}
	return lessons
}

// Profile - профиль пользователя (экран создания профиля вне ядра).
type Profile struct {
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	AvatarRef string    `json:"avatar_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
