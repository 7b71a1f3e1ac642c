package narration

import (
	"context"
	"io"

	"parable-server/internal/models"
	"parable-server/internal/provider"

	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAISpeech - хостинговый провайдер озвучки через Audio Speech API.
type OpenAISpeech struct {
	apiKey  string
	baseURL string
	model   openaigo.SpeechModel
	client  *openaigo.Client
	logger  *zap.Logger
}

var _ Speech = (*OpenAISpeech)(nil)

func NewOpenAISpeech(apiKey, baseURL, model string, logger *zap.Logger) *OpenAISpeech {
	if model == "" {
		model = string(openaigo.TTSModel1)
	}
	s := &OpenAISpeech{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   openaigo.SpeechModel(model),
		logger:  logger.Named("OpenAISpeech"),
	}
	s.client = s.newClient(apiKey)
	return s
}

func (s *OpenAISpeech) newClient(apiKey string) *openaigo.Client {
	cfg := openaigo.DefaultConfig(apiKey)
	if s.baseURL != "" {
		cfg.BaseURL = s.baseURL
	}
	return openaigo.NewClientWithConfig(cfg)
}

func (s *OpenAISpeech) Provider() models.NarrationProvider { return models.NarrationOpenAI }

func (s *OpenAISpeech) Configured(voice models.VoiceSettings) bool {
	return s.apiKey != "" || voice.APIKey != ""
}

func (s *OpenAISpeech) Synthesize(ctx context.Context, text string, voice models.VoiceSettings) ([]byte, error) {
	name := string(s.Provider())
	if !s.Configured(voice) {
		return nil, models.NewProviderError(name, models.KindConfiguration, models.ErrProviderNotConfigured)
	}
	client := s.client
	if voice.APIKey != "" {
		client = s.newClient(voice.APIKey)
	}
	resp, err := client.CreateSpeech(ctx, openaigo.CreateSpeechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          openaigo.SpeechVoice(voice.VoiceID),
		ResponseFormat: openaigo.SpeechResponseFormatMp3,
		Speed:          voice.Speed,
	})
	if err != nil {
		perr := provider.MapOpenAIError(name, err)
		speechRequests.WithLabelValues(name, string(perr.Kind)).Inc()
		s.logger.Warn("Speech request failed", zap.String("kind", string(perr.Kind)), zap.Error(err))
		return nil, perr
	}
	defer resp.Close()
	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, provider.MapTransportError(name, err)
	}
	if len(data) == 0 {
		speechRequests.WithLabelValues(name, string(models.KindValidation)).Inc()
		return nil, models.NewProviderError(name, models.KindValidation, models.ErrEmptyPayload)
	}
	speechRequests.WithLabelValues(name, "success").Inc()
	return data, nil
}
