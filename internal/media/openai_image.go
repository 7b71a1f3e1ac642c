package media

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"parable-server/internal/models"
	"parable-server/internal/provider"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIImageProvider - основной провайдер изображений (Images API, ответ в base64).
type OpenAIImageProvider struct {
	client *openaigo.Client
	apiKey string
	model  string
	logger *zap.Logger
}

var _ ImageProvider = (*OpenAIImageProvider)(nil)

func NewOpenAIImageProvider(apiKey, baseURL, model string, logger *zap.Logger) *OpenAIImageProvider {
	cfg := openaigo.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openaigo.CreateImageModelDallE3
	}
	return &OpenAIImageProvider{
		client: openaigo.NewClientWithConfig(cfg),
		apiKey: apiKey,
		model:  model,
		logger: logger.Named("OpenAIImage"),
	}
}

func (p *OpenAIImageProvider) Name() string     { return "openai-image" }
func (p *OpenAIImageProvider) Model() string    { return p.model }
func (p *OpenAIImageProvider) Configured() bool { return p.apiKey != "" }

func (p *OpenAIImageProvider) GenerateImage(ctx context.Context, prompt, aspect string) ([]byte, error) {
	if !p.Configured() {
		return nil, models.NewProviderError(p.Name(), models.KindConfiguration, models.ErrProviderNotConfigured)
	}
	resp, err := p.client.CreateImage(ctx, openaigo.ImageRequest{
		Prompt:         prompt,
		Model:          p.model,
		N:              1,
		Size:           openAISize(aspect),
		ResponseFormat: openaigo.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		perr := provider.MapOpenAIError(p.Name(), err)
		mediaRequests.WithLabelValues(p.Name(), string(models.MediaImage), string(perr.Kind)).Inc()
		p.logger.Warn("Image request failed", zap.String("model", p.model), zap.String("kind", string(perr.Kind)), zap.Error(err))
		return nil, perr
	}
	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		mediaRequests.WithLabelValues(p.Name(), string(models.MediaImage), string(models.KindValidation)).Inc()
		return nil, models.NewProviderError(p.Name(), models.KindValidation, models.ErrEmptyPayload)
	}
	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		mediaRequests.WithLabelValues(p.Name(), string(models.MediaImage), string(models.KindValidation)).Inc()
		return nil, models.NewProviderError(p.Name(), models.KindValidation, fmt.Errorf("decode image: %w", err))
	}
	mediaRequests.WithLabelValues(p.Name(), string(models.MediaImage), "success").Inc()
	return data, nil
}

// openAISize переводит подсказку соотношения сторон в поддерживаемый размер.
func openAISize(aspect string) string {
	switch strings.TrimSpace(aspect) {
	case "16:9", "3:2":
		return openaigo.CreateImageSize1792x1024
	case "9:16", "2:3":
		return openaigo.CreateImageSize1024x1792
	default:
		return openaigo.CreateImageSize1024x1024
	}
}
