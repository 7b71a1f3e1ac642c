package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"parable-server/internal/models"
	"parable-server/internal/provider"

	"go.uber.org/zap"
)

// SanaImageProvider - резервный провайдер изображений: self-hosted SANA сервер.
type SanaImageProvider struct {
	baseURL     string
	model       string
	styleSuffix string
	client      *http.Client
	logger      *zap.Logger
}

var _ ImageProvider = (*SanaImageProvider)(nil)

// sanaRequest - тело запроса к SANA API.
type sanaRequest struct {
	Prompt string `json:"prompt"`
	Ratio  string `json:"ratio"`
}

// NewSanaImageProvider создает провайдера. Пустой baseURL означает "не настроен".
func NewSanaImageProvider(baseURL, model, styleSuffix string, timeout time.Duration, logger *zap.Logger) *SanaImageProvider {
	if model == "" {
		model = "sana-sprint"
	}
	return &SanaImageProvider{
		baseURL:     strings.TrimRight(baseURL, "/"),
		model:       model,
		styleSuffix: styleSuffix,
		client:      &http.Client{Timeout: timeout},
		logger:      logger.Named("SanaImage"),
	}
}

func (p *SanaImageProvider) Name() string     { return "sana" }
func (p *SanaImageProvider) Model() string    { return p.model }
func (p *SanaImageProvider) Configured() bool { return p.baseURL != "" }

func (p *SanaImageProvider) GenerateImage(ctx context.Context, prompt, aspect string) ([]byte, error) {
	if !p.Configured() {
		return nil, models.NewProviderError(p.Name(), models.KindConfiguration, models.ErrProviderNotConfigured)
	}
	if aspect == "" {
		aspect = "16:9"
	}
	data, err := p.callSanaAPI(ctx, prompt+p.styleSuffix, aspect)
	if err != nil {
		kind := models.KindOf(err)
		mediaRequests.WithLabelValues(p.Name(), string(models.MediaImage), string(kind)).Inc()
		p.logger.Warn("SANA request failed", zap.String("kind", string(kind)), zap.Error(err))
		return nil, err
	}
	mediaRequests.WithLabelValues(p.Name(), string(models.MediaImage), "success").Inc()
	p.logger.Debug("Image data received from SANA", zap.Int("size_bytes", len(data)))
	return data, nil
}

func (p *SanaImageProvider) callSanaAPI(ctx context.Context, prompt, ratio string) ([]byte, error) {
	body, err := json.Marshal(sanaRequest{Prompt: prompt, Ratio: ratio})
	if err != nil {
		return nil, models.NewProviderError(p.Name(), models.KindValidation, fmt.Errorf("marshal request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, models.NewProviderError(p.Name(), models.KindConfiguration, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/*")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, provider.MapTransportError(p.Name(), err)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, provider.MapHTTPStatus(p.Name(), resp.StatusCode, data)
	}
	if readErr != nil {
		return nil, provider.MapTransportError(p.Name(), readErr)
	}
	if len(data) == 0 {
		return nil, models.NewProviderError(p.Name(), models.KindValidation, models.ErrEmptyPayload)
	}
	return data, nil
}
