package models

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Application-wide standard errors
var (
	ErrNotFound              = errors.New("resource not found")
	ErrInvalidInput          = errors.New("invalid input data")
	ErrTurnInProgress        = errors.New("a turn is already in progress for this session")
	ErrSessionCompleted      = errors.New("session is already completed")
	ErrStorageCapacity       = errors.New("storage capacity exceeded")
	ErrProviderNotConfigured = errors.New("provider is not configured")
	ErrEmptyPayload          = errors.New("provider returned an empty payload")
	ErrNarrationBusy         = errors.New("narration is not active for this segment")
)

// ErrorKind - закрытая таксономия ошибок на границе с провайдерами.
type ErrorKind string

const (
	KindUnknown         ErrorKind = "unknown"
	KindConfiguration   ErrorKind = "configuration"    // Нет/неверный ключ: провайдер недоступен, сессия жива
	KindQuota           ErrorKind = "quota"            // Исчерпана квота/лимит: иногда лечится сменой провайдера
	KindTimeout         ErrorKind = "timeout"          // Провайдер слишком медленный: всегда fallback, без ретраев
	KindValidation      ErrorKind = "validation"       // Пустой/битый ответ: считается провалом
	KindTransient       ErrorKind = "transient"        // Сеть/5xx: ретраится согласно политике
	KindStorageCapacity ErrorKind = "storage_capacity" // Хранилище переполнено: compress -> prune
)

// ProviderError - нормализованная ошибка провайдера.
// Дальше границы провайдера никто не разбирает "сырые" ошибки вендора.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s provider error (%s): %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError создает нормализованную ошибку провайдера.
func NewProviderError(provider string, kind ErrorKind, err error) *ProviderError {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &ProviderError{Provider: provider, Kind: kind, Err: err}
}

// KindOf возвращает категорию ошибки.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrStorageCapacity):
		return KindStorageCapacity
	case errors.Is(err, ErrProviderNotConfigured):
		return KindConfiguration
	case errors.Is(err, ErrEmptyPayload):
		return KindValidation
	}
	return KindUnknown
}

// IsQuota сообщает, является ли ошибка исчерпанием квоты.
func IsQuota(err error) bool {
	return KindOf(err) == KindQuota
}

// KindFromHTTPStatus отображает HTTP-статус ответа провайдера в категорию ошибки.
func KindFromHTTPStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindConfiguration
	case status == http.StatusTooManyRequests || status == http.StatusPaymentRequired:
		return KindQuota
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return KindValidation
	case status >= 500:
		return KindTransient
	}
	return KindUnknown
}

// KindFromTransportError классифицирует ошибку транспорта (до получения ответа).
func KindFromTransportError(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	return KindTransient
}

var quotaMarkers = []string{"quota", "rate limit", "rate_limit", "billing", "credits", "too many requests"}

// LooksLikeQuota проверяет текст ошибки провайдера на признаки исчерпания квоты.
func LooksLikeQuota(message string) bool {
	m := strings.ToLower(message)
	for _, marker := range quotaMarkers {
		if strings.Contains(m, marker) {
			return true
		}
	}
	return false
}
