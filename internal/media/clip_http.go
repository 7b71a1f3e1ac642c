package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"parable-server/internal/models"
	"parable-server/internal/provider"

	"go.uber.org/zap"
)

const (
	defaultPollInterval = 2 * time.Second
	maxPollAttempts     = 150
)

// ClipConfig - параметры HTTP-провайдера клипов.
type ClipConfig struct {
	BaseURL string
	APIKey  string
	// AnimationModels перебираются по порядку для шага image-to-video.
	AnimationModels []string
	// TextToVideoModel используется, если ни одна модель анимации не справилась.
	TextToVideoModel string
	PollInterval     time.Duration
	RequestTimeout   time.Duration
}

// HTTPClipProvider делает клип в два шага: кадр через still-провайдера, затем анимация
// этого кадра. Задачи анимации асинхронные: создание, опрос статуса, загрузка результата.
type HTTPClipProvider struct {
	cfg    ClipConfig
	still  ImageProvider
	client *http.Client
	logger *zap.Logger
}

var _ ClipProvider = (*HTTPClipProvider)(nil)

type clipJobRequest struct {
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	Image    string `json:"image,omitempty"` // base64 кадра для image-to-video
	Duration int    `json:"duration"`
}

type clipJobResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func NewHTTPClipProvider(cfg ClipConfig, still ImageProvider, logger *zap.Logger) *HTTPClipProvider {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPClipProvider{
		cfg:    cfg,
		still:  still,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger.Named("ClipProvider"),
	}
}

func (p *HTTPClipProvider) Name() string { return "clip" }

func (p *HTTPClipProvider) Model() string {
	if len(p.cfg.AnimationModels) > 0 {
		return p.cfg.AnimationModels[0]
	}
	return p.cfg.TextToVideoModel
}

func (p *HTTPClipProvider) Configured() bool {
	return p.cfg.BaseURL != "" && p.cfg.APIKey != "" &&
		(len(p.cfg.AnimationModels) > 0 || p.cfg.TextToVideoModel != "")
}

// GenerateClip пробует image-to-video по каждой модели, затем text-to-video.
// Квота и ошибки конфигурации прерывают перебор сразу.
func (p *HTTPClipProvider) GenerateClip(ctx context.Context, prompt string, durationSec int) ([]byte, error) {
	if !p.Configured() {
		return nil, models.NewProviderError(p.Name(), models.KindConfiguration, models.ErrProviderNotConfigured)
	}
	log := p.logger.With(zap.Int("duration", durationSec))

	var lastErr error
	if len(p.cfg.AnimationModels) > 0 && p.still != nil {
		still, err := p.still.GenerateImage(ctx, prompt, "16:9")
		if err != nil {
			log.Warn("Still frame generation failed, trying text-to-video", zap.Error(err))
			lastErr = err
		} else {
			encoded := base64.StdEncoding.EncodeToString(still)
			for _, model := range p.cfg.AnimationModels {
				data, err := p.runJob(ctx, "/image-to-video", clipJobRequest{
					Model: model, Prompt: prompt, Image: encoded, Duration: durationSec,
				})
				if err == nil {
					mediaRequests.WithLabelValues(p.Name(), string(models.MediaClip), "success").Inc()
					return data, nil
				}
				lastErr = err
				log.Warn("Animation model failed", zap.String("model", model), zap.Error(err))
				if stopsClipChain(err) || ctx.Err() != nil {
					return nil, p.fail(err)
				}
			}
		}
	}

	if p.cfg.TextToVideoModel == "" {
		if lastErr == nil {
			lastErr = models.NewProviderError(p.Name(), models.KindConfiguration, models.ErrProviderNotConfigured)
		}
		return nil, p.fail(lastErr)
	}
	data, err := p.runJob(ctx, "/text-to-video", clipJobRequest{
		Model: p.cfg.TextToVideoModel, Prompt: prompt, Duration: durationSec,
	})
	if err != nil {
		return nil, p.fail(err)
	}
	mediaRequests.WithLabelValues(p.Name(), string(models.MediaClip), "success").Inc()
	return data, nil
}

func (p *HTTPClipProvider) fail(err error) error {
	mediaRequests.WithLabelValues(p.Name(), string(models.MediaClip), string(models.KindOf(err))).Inc()
	return err
}

func stopsClipChain(err error) bool {
	switch models.KindOf(err) {
	case models.KindQuota, models.KindConfiguration:
		return true
	}
	return false
}

// runJob создает задачу, дожидается ее завершения и загружает видео.
func (p *HTTPClipProvider) runJob(ctx context.Context, path string, reqBody clipJobRequest) ([]byte, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, models.NewProviderError(p.Name(), models.KindValidation, err)
	}
	var job clipJobResponse
	if err := p.doJSON(ctx, http.MethodPost, path, body, &job); err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, models.NewProviderError(p.Name(), models.KindValidation, errors.New("job id is empty"))
	}
	if err := p.pollJob(ctx, job.ID); err != nil {
		return nil, err
	}
	return p.download(ctx, job.ID)
}

func (p *HTTPClipProvider) pollJob(ctx context.Context, jobID string) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < maxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return provider.MapTransportError(p.Name(), ctx.Err())
		case <-ticker.C:
			var job clipJobResponse
			if err := p.doJSON(ctx, http.MethodGet, "/jobs/"+jobID, nil, &job); err != nil {
				return err
			}
			switch job.Status {
			case "completed":
				return nil
			case "failed":
				msg := job.Error
				if msg == "" {
					msg = "clip generation failed"
				}
				kind := models.KindValidation
				if models.LooksLikeQuota(msg) {
					kind = models.KindQuota
				}
				return models.NewProviderError(p.Name(), kind, errors.New(msg))
			case "queued", "in_progress", "processing":
				continue
			default:
				return models.NewProviderError(p.Name(), models.KindValidation, fmt.Errorf("unknown job status: %s", job.Status))
			}
		}
	}
	return models.NewProviderError(p.Name(), models.KindTimeout, errors.New("exceeded maximum poll attempts"))
}

func (p *HTTPClipProvider) download(ctx context.Context, jobID string) ([]byte, error) {
	resp, err := p.do(ctx, http.MethodGet, "/jobs/"+jobID+"/content", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, provider.MapTransportError(p.Name(), err)
	}
	if len(data) == 0 {
		return nil, models.NewProviderError(p.Name(), models.KindValidation, models.ErrEmptyPayload)
	}
	return data, nil
}

func (p *HTTPClipProvider) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	resp, err := p.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return models.NewProviderError(p.Name(), models.KindValidation, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// do выполняет запрос и возвращает ответ только со статусом 2xx.
func (p *HTTPClipProvider) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, models.NewProviderError(p.Name(), models.KindConfiguration, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, provider.MapTransportError(p.Name(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, provider.MapHTTPStatus(p.Name(), resp.StatusCode, data)
	}
	return resp, nil
}
