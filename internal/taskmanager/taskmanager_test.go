package taskmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func waitStatus(t *testing.T, tm *TaskManager, id uuid.UUID, want TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		task, err := tm.GetTask(id)
		return err == nil && task.Status == want
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubmit_CompletesAndNotifies(t *testing.T) {
	tm := New(Config{}, zap.NewNop())
	defer tm.Close()

	var mu sync.Mutex
	var statuses []TaskStatus
	tm.OnUpdate(func(task Task) {
		mu.Lock()
		statuses = append(statuses, task.Status)
		mu.Unlock()
	})

	release := make(chan struct{})
	id, err := tm.Submit(context.Background(), "seg-1", "media", func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return tm.InFlight("seg-1") }, time.Second, time.Millisecond)
	assert.False(t, tm.InFlight("seg-2"))

	close(release)
	waitStatus(t, tm, id, TaskStatusCompleted)
	assert.False(t, tm.InFlight("seg-1"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(statuses) == 2
	}, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []TaskStatus{TaskStatusRunning, TaskStatusCompleted}, statuses)
}

func TestSubmit_Failure(t *testing.T) {
	tm := New(Config{}, zap.NewNop())
	defer tm.Close()

	id, err := tm.Submit(context.Background(), "seg", "media", func(context.Context) error {
		return errors.New("provider down")
	})
	require.NoError(t, err)
	waitStatus(t, tm, id, TaskStatusFailed)

	task, err := tm.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, "provider down", task.Message)
}

func TestCancelTask(t *testing.T) {
	tm := New(Config{}, zap.NewNop())
	defer tm.Close()

	id, err := tm.Submit(context.Background(), "seg", "media", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	require.NoError(t, tm.CancelTask(id))
	waitStatus(t, tm, id, TaskStatusCancelled)

	assert.Error(t, tm.CancelTask(id))
	_, err = tm.GetTask(uuid.New())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestSubmit_MaxTasks(t *testing.T) {
	tm := New(Config{MaxTasks: 1}, zap.NewNop())
	defer tm.Close()

	block := func(ctx context.Context) error { <-ctx.Done(); return nil }
	_, err := tm.Submit(context.Background(), "a", "media", block)
	require.NoError(t, err)
	_, err = tm.Submit(context.Background(), "b", "media", block)
	assert.ErrorIs(t, err, ErrTooManyTasks)
}

func TestShutdown_WaitsThenRejects(t *testing.T) {
	tm := New(Config{}, zap.NewNop())

	finished := make(chan struct{})
	_, err := tm.Submit(context.Background(), "seg", "media", func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		close(finished)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, tm.Shutdown(context.Background()))
	select {
	case <-finished:
	default:
		t.Fatal("shutdown returned before the task finished")
	}

	_, err = tm.Submit(context.Background(), "seg", "media", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestShutdown_TimeoutCancelsTasks(t *testing.T) {
	tm := New(Config{}, zap.NewNop())
	id, err := tm.Submit(context.Background(), "seg", "media", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, tm.Shutdown(ctx))

	task, err := tm.GetTask(id)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusCancelled, task.Status)
}

func TestCleanupTasks(t *testing.T) {
	tm := New(Config{}, zap.NewNop())
	defer tm.Close()

	id, err := tm.Submit(context.Background(), "seg", "media", func(context.Context) error { return nil })
	require.NoError(t, err)
	waitStatus(t, tm, id, TaskStatusCompleted)

	assert.Equal(t, 0, tm.CleanupTasks(time.Hour))
	assert.Equal(t, 1, tm.CleanupTasks(0))
	assert.Equal(t, 0, tm.ActiveCount())
}

type ctxKey struct{}

func TestSubmit_DetachedFromCallerCancellation(t *testing.T) {
	tm := New(Config{}, zap.NewNop())
	defer tm.Close()

	callerCtx, cancel := context.WithCancel(context.WithValue(context.Background(), ctxKey{}, "request-42"))
	got := make(chan any, 1)
	id, err := tm.Submit(callerCtx, "seg", "media", func(ctx context.Context) error {
		time.Sleep(10 * time.Millisecond)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		got <- ctx.Value(ctxKey{})
		return nil
	})
	require.NoError(t, err)
	cancel()

	waitStatus(t, tm, id, TaskStatusCompleted)
	assert.Equal(t, "request-42", <-got)
}
