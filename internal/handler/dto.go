package handler

import (
	"parable-server/internal/models"
	"parable-server/internal/narration"
)

// StorySummary - история в списке каталога.
type StorySummary struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// SessionResponse - состояние сессии. TurnInProgress выставляется, если
// запрос отклонен из-за незавершенного хода.
type SessionResponse struct {
	Session        models.Session `json:"session"`
	TurnInProgress bool           `json:"turn_in_progress,omitempty"`
}

// ChoiceRequest - выбор пользователя.
type ChoiceRequest struct {
	Choice string `json:"choice" binding:"required"`
}

// QuestionRequest - свободный вопрос.
type QuestionRequest struct {
	Question string `json:"question" binding:"required"`
}

// LessonsResponse - собранные уроки.
type LessonsResponse struct {
	Lessons []string `json:"lessons"`
}

// NarrationResponse - состояние озвучки.
type NarrationResponse struct {
	Status narration.Status `json:"status"`
}

// ProfileRequest - данные профиля.
type ProfileRequest struct {
	Name      string `json:"name" binding:"required"`
	AvatarRef string `json:"avatar_ref"`
}
