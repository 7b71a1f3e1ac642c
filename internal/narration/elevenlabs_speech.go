package narration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"parable-server/internal/models"
	"parable-server/internal/provider"

	"go.uber.org/zap"
)

const defaultElevenLabsURL = "https://api.elevenlabs.io"

// ElevenLabsSpeech - второй хостинговый провайдер озвучки (HTTP API text-to-speech).
type ElevenLabsSpeech struct {
	apiKey  string
	baseURL string
	modelID string
	client  *http.Client
	logger  *zap.Logger
}

var _ Speech = (*ElevenLabsSpeech)(nil)

type elevenLabsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id,omitempty"`
}

func NewElevenLabsSpeech(apiKey, baseURL, modelID string, timeout time.Duration, logger *zap.Logger) *ElevenLabsSpeech {
	if baseURL == "" {
		baseURL = defaultElevenLabsURL
	}
	return &ElevenLabsSpeech{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		modelID: modelID,
		client:  &http.Client{Timeout: timeout},
		logger:  logger.Named("ElevenLabsSpeech"),
	}
}

func (s *ElevenLabsSpeech) Provider() models.NarrationProvider { return models.NarrationElevenLabs }

func (s *ElevenLabsSpeech) Configured(voice models.VoiceSettings) bool {
	return s.apiKey != "" || voice.APIKey != ""
}

func (s *ElevenLabsSpeech) Synthesize(ctx context.Context, text string, voice models.VoiceSettings) ([]byte, error) {
	name := string(s.Provider())
	if !s.Configured(voice) {
		return nil, models.NewProviderError(name, models.KindConfiguration, models.ErrProviderNotConfigured)
	}
	apiKey := s.apiKey
	if voice.APIKey != "" {
		apiKey = voice.APIKey
	}

	body, err := json.Marshal(elevenLabsRequest{Text: text, ModelID: s.modelID})
	if err != nil {
		return nil, models.NewProviderError(name, models.KindValidation, err)
	}
	endpoint := fmt.Sprintf("%s/v1/text-to-speech/%s", s.baseURL, url.PathEscape(voice.VoiceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, models.NewProviderError(name, models.KindConfiguration, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")
	req.Header.Set("xi-api-key", apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		perr := provider.MapTransportError(name, err)
		speechRequests.WithLabelValues(name, string(perr.Kind)).Inc()
		return nil, perr
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		perr := provider.MapHTTPStatus(name, resp.StatusCode, data)
		speechRequests.WithLabelValues(name, string(perr.Kind)).Inc()
		s.logger.Warn("Speech request failed", zap.Int("status", resp.StatusCode), zap.String("kind", string(perr.Kind)))
		return nil, perr
	}
	if readErr != nil {
		return nil, provider.MapTransportError(name, readErr)
	}
	if len(data) == 0 {
		speechRequests.WithLabelValues(name, string(models.KindValidation)).Inc()
		return nil, models.NewProviderError(name, models.KindValidation, models.ErrEmptyPayload)
	}
	speechRequests.WithLabelValues(name, "success").Inc()
	return data, nil
}
