package messaging

import (
	"context"
	"errors"
	"testing"

	"parable-server/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestMultiNotifier(t *testing.T) {
	var got []EventType
	ok := NotifierFunc(func(_ context.Context, ev Event) error {
		got = append(got, ev.Type)
		return nil
	})
	failing := NotifierFunc(func(context.Context, Event) error { return errors.New("broker down") })

	m := MultiNotifier{ok, nil, failing, ok}
	ev := NewEvent(EventAdvisory, models.SessionKey{StoryID: "exodus", UserID: "u1"}, "seg", "hello")
	err := m.Notify(context.Background(), ev)

	assert.EqualError(t, err, "broker down")
	assert.Equal(t, []EventType{EventAdvisory, EventAdvisory}, got)
	assert.False(t, ev.Timestamp.IsZero())
	assert.NoError(t, NopNotifier{}.Notify(context.Background(), ev))
}
