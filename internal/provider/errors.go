// Package provider содержит функции нормализации ошибок вендорских клиентов
// в закрытую таксономию models.ErrorKind. Вызываются только на границе с провайдером.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"parable-server/internal/models"

	openaigo "github.com/sashabaranov/go-openai"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MapOpenAIError нормализует ошибку клиента go-openai для провайдера name.
func MapOpenAIError(name string, err error) *models.ProviderError {
	var apiErr *openaigo.APIError
	if errors.As(err, &apiErr) {
		if models.LooksLikeQuota(apiErr.Message) || apiErr.Type == "insufficient_quota" {
			return models.NewProviderError(name, models.KindQuota, err)
		}
		if code, ok := apiErr.Code.(string); ok && (code == "insufficient_quota" || code == "rate_limit_exceeded") {
			return models.NewProviderError(name, models.KindQuota, err)
		}
		return models.NewProviderError(name, models.KindFromHTTPStatus(apiErr.HTTPStatusCode), err)
	}
	var reqErr *openaigo.RequestError
	if errors.As(err, &reqErr) {
		if kind := models.KindFromHTTPStatus(reqErr.HTTPStatusCode); kind != models.KindUnknown {
			return models.NewProviderError(name, kind, err)
		}
	}
	return MapTransportError(name, err)
}

// MapTransportError нормализует ошибку уровня транспорта (сеть, дедлайн, отмена).
func MapTransportError(name string, err error) *models.ProviderError {
	if errors.Is(err, context.Canceled) {
		return models.NewProviderError(name, models.KindUnknown, err)
	}
	return models.NewProviderError(name, models.KindFromTransportError(err), err)
}

// MapHTTPStatus нормализует неуспешный HTTP-ответ провайдера. Тело ответа
// учитывается для распознавания квоты, которую часть сервисов отдает с кодом 400/403.
func MapHTTPStatus(name string, status int, body []byte) *models.ProviderError {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	err := fmt.Errorf("status %d: %s", status, msg)
	if models.LooksLikeQuota(msg) {
		return models.NewProviderError(name, models.KindQuota, err)
	}
	return models.NewProviderError(name, models.KindFromHTTPStatus(status), err)
}

// MapGoogleError нормализует ошибку клиентов Google AI. gRPC-транспорт отдает
// статус через GRPCStatus, REST-транспорт - *googleapi.Error.
func MapGoogleError(name string, err error) *models.ProviderError {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		return MapHTTPStatus(name, gErr.Code, []byte(gErr.Message))
	}
	switch status.Code(err) {
	case codes.ResourceExhausted:
		return models.NewProviderError(name, models.KindQuota, err)
	case codes.Unauthenticated, codes.PermissionDenied, codes.NotFound:
		return models.NewProviderError(name, models.KindConfiguration, err)
	case codes.DeadlineExceeded:
		return models.NewProviderError(name, models.KindTimeout, err)
	case codes.Unavailable, codes.Internal, codes.Aborted:
		return models.NewProviderError(name, models.KindTransient, err)
	case codes.InvalidArgument:
		if models.LooksLikeQuota(err.Error()) {
			return models.NewProviderError(name, models.KindQuota, err)
		}
		return models.NewProviderError(name, models.KindValidation, err)
	}
	return MapTransportError(name, err)
}
