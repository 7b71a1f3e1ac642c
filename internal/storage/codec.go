package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"parable-server/internal/models"
)

// Версии формата сохраненной сессии.
const (
	FormatLegacy  = 1 // Голый JSON models.Session без конверта
	FormatVerbose = 2 // Конверт {"v":2,"session":{...}}
	FormatCompact = 3 // Конверт {"v":3,"s":{...}} с короткими именами и усеченной историей
)

// ErrUnknownFormat - данные не удалось разобрать ни в одном из известных форматов.
var ErrUnknownFormat = errors.New("unknown persisted session format")

type envelope struct {
	Version int             `json:"v"`
	Session json.RawMessage `json:"session,omitempty"`
	Compact json.RawMessage `json:"s,omitempty"`
}

type compactSegment struct {
	ID        string   `json:"i"`
	Kind      string   `json:"k"`
	Text      string   `json:"t,omitempty"`
	Lessons   []string `json:"l,omitempty"`
	Prompt    string   `json:"p,omitempty"`
	Image     string   `json:"im,omitempty"`
	Clip      string   `json:"c,omitempty"`
	Important bool     `json:"x,omitempty"`
	Degraded  bool     `json:"d,omitempty"`
	At        int64    `json:"a"`
}

type compactHistory struct {
	Role    string `json:"r"`
	Content string `json:"c"`
}

type compactSession struct {
	Story       string           `json:"st"`
	User        string           `json:"u"`
	Segments    []compactSegment `json:"sg"`
	Choices     []string         `json:"ch,omitempty"`
	History     []compactHistory `json:"h,omitempty"`
	ChoiceCount int              `json:"n,omitempty"`
	ClipCount   int              `json:"cc,omitempty"`
	Environment string           `json:"e,omitempty"`
	Completed   bool             `json:"f,omitempty"`
	CompletedAt int64            `json:"fd,omitempty"`
	Updated     int64            `json:"lu"`
}

// EncodeVerbose кодирует сессию в полном формате.
func EncodeVerbose(s models.Session) ([]byte, error) {
	inner, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	return json.Marshal(envelope{Version: FormatVerbose, Session: inner})
}

// EncodeCompact кодирует сессию в сжатом формате, оставляя только последние
// historyLimit записей истории (historyLimit <= 0 - без усечения).
// Флаги загрузки медиа в сжатый формат не попадают.
func EncodeCompact(s models.Session, historyLimit int) ([]byte, error) {
	c := compactSession{
		Story:       s.Key.StoryID,
		User:        s.Key.UserID,
		Segments:    make([]compactSegment, len(s.Segments)),
		Choices:     s.Choices,
		ChoiceCount: s.UserChoiceCount,
		ClipCount:   s.ClipCount,
		Environment: s.CurrentEnvironment,
		Completed:   s.IsCompleted,
		Updated:     s.LastUpdated.UnixMilli(),
	}
	if s.CompletionDate != nil {
		c.CompletedAt = s.CompletionDate.UnixMilli()
	}
	for i, seg := range s.Segments {
		c.Segments[i] = compactSegment{
			ID:        seg.ID,
			Kind:      string(seg.Kind),
			Text:      seg.Text,
			Lessons:   seg.Lessons,
			Prompt:    seg.MediaPrompt,
			Image:     seg.ImageRef,
			Clip:      seg.ClipRef,
			Important: seg.Important,
			Degraded:  seg.Degraded,
			At:        seg.CreatedAt.UnixMilli(),
		}
	}
	history := s.StoryHistory
	if historyLimit > 0 && len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	for _, h := range history {
		c.History = append(c.History, compactHistory{Role: string(h.Role), Content: h.Content})
	}

	inner, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal compact session: %w", err)
	}
	return json.Marshal(envelope{Version: FormatCompact, Compact: inner})
}

// Decode разбирает сохраненную сессию любого известного формата и приводит
// ее к текущей модели. Возвращает также версию исходного формата.
func Decode(data []byte) (models.Session, int, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.Session{}, 0, fmt.Errorf("%w: %v", ErrUnknownFormat, err)
	}
	switch {
	case env.Version == FormatVerbose && env.Session != nil:
		s, err := decodeVerbose(env.Session)
		return s, FormatVerbose, err
	case env.Version == FormatCompact && env.Compact != nil:
		s, err := decodeCompact(env.Compact)
		return s, FormatCompact, err
	case env.Version == 0:
		s, err := decodeVerbose(data)
		return s, FormatLegacy, err
	}
	return models.Session{}, env.Version, fmt.Errorf("%w: version %d", ErrUnknownFormat, env.Version)
}

func decodeVerbose(raw []byte) (models.Session, error) {
	var s models.Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return models.Session{}, fmt.Errorf("%w: %v", ErrUnknownFormat, err)
	}
	if s.Key.StoryID == "" {
		return models.Session{}, fmt.Errorf("%w: missing story id", ErrUnknownFormat)
	}
	return migrate(s), nil
}

func decodeCompact(raw []byte) (models.Session, error) {
	var c compactSession
	if err := json.Unmarshal(raw, &c); err != nil {
		return models.Session{}, fmt.Errorf("%w: %v", ErrUnknownFormat, err)
	}
	s := models.Session{
		Key:                models.SessionKey{StoryID: c.Story, UserID: c.User},
		Segments:           make([]models.Segment, len(c.Segments)),
		Choices:            c.Choices,
		UserChoiceCount:    c.ChoiceCount,
		ClipCount:          c.ClipCount,
		CurrentEnvironment: c.Environment,
		IsCompleted:        c.Completed,
		LastUpdated:        time.UnixMilli(c.Updated).UTC(),
	}
	if c.CompletedAt != 0 {
		t := time.UnixMilli(c.CompletedAt).UTC()
		s.CompletionDate = &t
	}
	for i, seg := range c.Segments {
		s.Segments[i] = models.Segment{
			ID:          seg.ID,
			Kind:        models.SegmentKind(seg.Kind),
			Text:        seg.Text,
			Lessons:     seg.Lessons,
			MediaPrompt: seg.Prompt,
			ImageRef:    seg.Image,
			ClipRef:     seg.Clip,
			Important:   seg.Important,
			Degraded:    seg.Degraded,
			CreatedAt:   time.UnixMilli(seg.At).UTC(),
		}
	}
	for _, h := range c.History {
		s.StoryHistory = append(s.StoryHistory, models.HistoryEntry{Role: models.HistoryRole(h.Role), Content: h.Content})
	}
	return migrate(s), nil
}

// migrate приводит сессию, прочитанную из старого формата, к инвариантам текущей модели.
func migrate(s models.Session) models.Session {
	if s.Segments == nil {
		s.Segments = []models.Segment{}
	}
	if s.Choices == nil {
		s.Choices = []string{}
	}
	if s.StoryHistory == nil {
		s.StoryHistory = []models.HistoryEntry{}
	}
	for i := range s.Segments {
		seg := &s.Segments[i]
		if seg.Kind == "" {
			seg.Kind = models.SegmentNarrator
		}
		// Медиа допустимы только у narrator; старые данные могли нарушать это.
		if seg.Kind != models.SegmentNarrator {
			seg.ImageRef, seg.ClipRef = "", ""
			seg.ImageLoading, seg.ClipLoading = false, false
		}
	}
	if s.IsCompleted && s.CompletionDate == nil && !s.LastUpdated.IsZero() {
		t := s.LastUpdated
		s.CompletionDate = &t
	}
	return s
}
