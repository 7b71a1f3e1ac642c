package narrative_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"parable-server/internal/mocks"
	"parable-server/internal/models"
	"parable-server/internal/narrative"
	"parable-server/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func noSleepPolicy(maxRetries int) retry.Policy {
	return retry.Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		Sleep:        func(context.Context, time.Duration) error { return nil },
	}
}

func newClient(t *testing.T, backend narrative.Backend, cfg narrative.Config) *narrative.Client {
	t.Helper()
	return narrative.NewClient(backend, cfg, nil, zap.NewNop())
}

const validResponse = `{
  "narrative": "The sea parts before you.",
  "mediaPrompt": "a path through a parted sea",
  "choices": ["Walk forward", "Look back"],
  "lessons": ["Trust takes a first step"],
  "isComplete": false,
  "isImportant": true,
  "locationHint": "Red Sea shore"
}`

func TestNextSegment_Success(t *testing.T) {
	backend := mocks.NewMockNarrativeBackend(t)
	backend.On("Complete", mock.Anything, mock.Anything).Return(validResponse, nil).Once()
	client := newClient(t, backend, narrative.Config{Retry: noSleepPolicy(2)})

	res := client.NextSegment(context.Background(), narrative.Request{System: "sys", Prompt: "Begin"})

	assert.False(t, res.Degraded)
	assert.Equal(t, "The sea parts before you.", res.Narrative)
	assert.Equal(t, []string{"Walk forward", "Look back"}, res.Choices)
	assert.Equal(t, []string{"Trust takes a first step"}, res.Lessons)
	assert.True(t, res.IsImportant)
	require.NotNil(t, res.LocationHint)
	assert.Equal(t, "Red Sea shore", *res.LocationHint)
}

func TestNextSegment_QuotaErrorReturnsDegradedWithoutRetry(t *testing.T) {
	backend := mocks.NewMockNarrativeBackend(t)
	quota := models.NewProviderError("mock", models.KindQuota, errors.New("insufficient_quota"))
	backend.On("Complete", mock.Anything, mock.Anything).Return("", quota).Once()
	client := newClient(t, backend, narrative.Config{Retry: noSleepPolicy(3)})

	res := client.NextSegment(context.Background(), narrative.Request{Prompt: "Next"})

	assert.True(t, res.Degraded)
	assert.Equal(t, models.KindQuota, res.ErrorKind)
	assert.Equal(t, narrative.DegradedQuotaNarrative, res.Narrative)
	assert.Equal(t, []string{narrative.RetryChoice}, res.Choices)
}

func TestNextSegment_QuotaSignaledByMessageContent(t *testing.T) {
	backend := mocks.NewMockNarrativeBackend(t)
	backend.On("Complete", mock.Anything, mock.Anything).
		Return("", errors.New("You exceeded your current quota")).Once()
	client := newClient(t, backend, narrative.Config{Retry: noSleepPolicy(3)})

	res := client.NextSegment(context.Background(), narrative.Request{Prompt: "Next"})

	assert.True(t, res.Degraded)
	assert.Equal(t, models.KindQuota, res.ErrorKind)
}

func TestNextSegment_TransientErrorIsRetried(t *testing.T) {
	backend := mocks.NewMockNarrativeBackend(t)
	transient := models.NewProviderError("mock", models.KindTransient, errors.New("502 bad gateway"))
	backend.On("Complete", mock.Anything, mock.Anything).Return("", transient).Twice()
	backend.On("Complete", mock.Anything, mock.Anything).Return(validResponse, nil).Once()
	client := newClient(t, backend, narrative.Config{Retry: noSleepPolicy(3)})

	res := client.NextSegment(context.Background(), narrative.Request{Prompt: "Next"})

	assert.False(t, res.Degraded)
	backend.AssertNumberOfCalls(t, "Complete", 3)
}

func TestNextSegment_MalformedResponseIsDegraded(t *testing.T) {
	backend := mocks.NewMockNarrativeBackend(t)
	backend.On("Complete", mock.Anything, mock.Anything).Return(`{"choices": []}`, nil).Once()
	client := newClient(t, backend, narrative.Config{Retry: noSleepPolicy(3)})

	res := client.NextSegment(context.Background(), narrative.Request{Prompt: "Next"})

	assert.True(t, res.Degraded)
	assert.Equal(t, models.KindValidation, res.ErrorKind)
}

func TestNextSegment_TimeoutFallsBack(t *testing.T) {
	backend := mocks.NewMockNarrativeBackend(t)
	backend.On("Complete", mock.Anything, mock.Anything).
		Return(func(ctx context.Context, _ []narrative.Message) string {
			<-ctx.Done()
			return ""
		}, func(ctx context.Context, _ []narrative.Message) error {
			return ctx.Err()
		}).Once()
	client := newClient(t, backend, narrative.Config{Timeout: 20 * time.Millisecond, Retry: noSleepPolicy(3)})

	res := client.NextSegment(context.Background(), narrative.Request{Prompt: "Next"})

	assert.True(t, res.Degraded)
	assert.Equal(t, models.KindTimeout, res.ErrorKind)
}

func TestBuildMessages_HistoryOrderAndBudget(t *testing.T) {
	backend := mocks.NewMockNarrativeBackend(t)
	client := narrative.NewClient(backend, narrative.Config{HistoryBudget: 2}, narrative.ApproxCounter{}, zap.NewNop())
	history := []models.HistoryEntry{
		{Role: models.HistoryRoleUser, Content: "first choice"},
		{Role: models.HistoryRoleAssistant, Content: "abcd"},
		{Role: models.HistoryRoleUser, Content: "efgh"},
	}

	msgs := client.BuildMessages(narrative.Request{System: "sys", History: history, Prompt: "now"})

	require.Len(t, msgs, 4)
	assert.Equal(t, narrative.RoleSystem, msgs[0].Role)
	assert.Equal(t, "abcd", msgs[1].Content)
	assert.Equal(t, narrative.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "efgh", msgs[2].Content)
	assert.Equal(t, narrative.Message{Role: narrative.RoleUser, Content: "now"}, msgs[3])
}

func TestAnswer(t *testing.T) {
	backend := mocks.NewMockNarrativeBackend(t)
	backend.On("Complete", mock.Anything, mock.Anything).Return(`{"answer": "Because the path was new."}`, nil).Once()
	client := newClient(t, backend, narrative.Config{Retry: noSleepPolicy(0)})

	answer, err := client.Answer(context.Background(), narrative.Request{Prompt: "Why?"})

	require.NoError(t, err)
	assert.Equal(t, "Because the path was new.", answer)
}
