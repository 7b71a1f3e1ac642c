// Package taskmanager запускает фоновые (detached) задачи, отслеживает их статус
// и дожидается их при остановке сервиса.
package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrTooManyTasks = errors.New("превышено максимальное количество активных задач")
	ErrTaskNotFound = errors.New("задача не найдена")
	ErrClosed       = errors.New("менеджер задач остановлен")
)

// TaskStatus представляет статус задачи
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) active() bool {
	return s == TaskStatusPending || s == TaskStatusRunning
}

// Task - снимок задачи.
type Task struct {
	ID        uuid.UUID  `json:"id"`
	Owner     string     `json:"owner"` // Идентификатор объекта, к которому относится задача (сегмент)
	Kind      string     `json:"kind"`
	Status    TaskStatus `json:"status"`
	Message   string     `json:"message,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TaskFunc - функция задачи. ctx отменяется при CancelTask или Close.
type TaskFunc func(ctx context.Context) error

// Listener вызывается при каждом изменении статуса задачи.
type Listener func(task Task)

// Config содержит конфигурацию для TaskManager
type Config struct {
	MaxTasks int
}

type entry struct {
	task   Task
	cancel context.CancelFunc
}

// TaskManager управляет фоновыми задачами.
type TaskManager struct {
	mu        sync.RWMutex
	tasks     map[uuid.UUID]*entry
	maxTasks  int
	listeners []Listener
	closed    bool
	baseCtx   context.Context
	stop      context.CancelFunc
	wg        sync.WaitGroup
	logger    *zap.Logger
}

// New создает менеджер задач.
func New(cfg Config, logger *zap.Logger) *TaskManager {
	maxTasks := cfg.MaxTasks
	if maxTasks <= 0 {
		maxTasks = 32
	}
	baseCtx, stop := context.WithCancel(context.Background())
	return &TaskManager{
		tasks:    make(map[uuid.UUID]*entry),
		maxTasks: maxTasks,
		baseCtx:  baseCtx,
		stop:     stop,
		logger:   logger.Named("TaskManager"),
	}
}

// OnUpdate регистрирует слушателя изменений статуса.
func (tm *TaskManager) OnUpdate(l Listener) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.listeners = append(tm.listeners, l)
}

// Submit запускает задачу. Контекст задачи не зависит от ctx вызывающего
// (запрос может завершиться раньше задачи), но наследует его значения.
func (tm *TaskManager) Submit(ctx context.Context, owner, kind string, fn TaskFunc) (uuid.UUID, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if tm.closed {
		return uuid.UUID{}, ErrClosed
	}
	active := 0
	for _, e := range tm.tasks {
		if e.task.Status.active() {
			active++
		}
	}
	if active >= tm.maxTasks {
		return uuid.UUID{}, ErrTooManyTasks
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stopOnClose := context.AfterFunc(tm.baseCtx, cancel)
	now := time.Now()
	e := &entry{
		task: Task{
			ID:        uuid.New(),
			Owner:     owner,
			Kind:      kind,
			Status:    TaskStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		cancel: cancel,
	}
	tm.tasks[e.task.ID] = e

	tm.wg.Add(1)
	go func() {
		defer tm.wg.Done()
		defer stopOnClose()
		defer cancel()
		tm.run(taskCtx, e, fn)
	}()
	return e.task.ID, nil
}

func (tm *TaskManager) run(ctx context.Context, e *entry, fn TaskFunc) {
	log := tm.logger.With(zap.String("taskID", e.task.ID.String()), zap.String("owner", e.task.Owner), zap.String("kind", e.task.Kind))
	tm.update(e, TaskStatusRunning, "")

	err := fn(ctx)
	switch {
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled):
		log.Info("Task cancelled")
		tm.update(e, TaskStatusCancelled, "cancelled")
	case err != nil:
		log.Error("Task failed", zap.Error(err))
		tm.update(e, TaskStatusFailed, err.Error())
	default:
		log.Debug("Task completed")
		tm.update(e, TaskStatusCompleted, "")
	}
}

func (tm *TaskManager) update(e *entry, status TaskStatus, message string) {
	tm.mu.Lock()
	if !e.task.Status.active() {
		// Финальный статус не меняется.
		tm.mu.Unlock()
		return
	}
	e.task.Status = status
	e.task.Message = message
	e.task.UpdatedAt = time.Now()
	snapshot := e.task
	listeners := append([]Listener(nil), tm.listeners...)
	tm.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

// GetTask возвращает снимок задачи.
func (tm *TaskManager) GetTask(id uuid.UUID) (Task, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	e, ok := tm.tasks[id]
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return e.task, nil
}

// InFlight сообщает, есть ли у владельца активные задачи.
func (tm *TaskManager) InFlight(owner string) bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	for _, e := range tm.tasks {
		if e.task.Owner == owner && e.task.Status.active() {
			return true
		}
	}
	return false
}

// ActiveCount возвращает количество активных задач.
func (tm *TaskManager) ActiveCount() int {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	n := 0
	for _, e := range tm.tasks {
		if e.task.Status.active() {
			n++
		}
	}
	return n
}

// CancelTask отменяет выполнение задачи
func (tm *TaskManager) CancelTask(id uuid.UUID) error {
	tm.mu.Lock()
	e, ok := tm.tasks[id]
	if !ok {
		tm.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !e.task.Status.active() {
		tm.mu.Unlock()
		return fmt.Errorf("невозможно отменить задачу в статусе %s", e.task.Status)
	}
	e.cancel()
	tm.mu.Unlock()
	return nil
}

// CleanupTasks удаляет завершенные задачи, которые старше указанного времени
func (tm *TaskManager) CleanupTasks(age time.Duration) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	removed := 0
	for id, e := range tm.tasks {
		if !e.task.Status.active() && now.Sub(e.task.UpdatedAt) > age {
			delete(tm.tasks, id)
			removed++
		}
	}
	return removed
}

// Shutdown перестает принимать задачи и ждет завершения активных. По истечении ctx
// оставшиеся задачи отменяются.
func (tm *TaskManager) Shutdown(ctx context.Context) error {
	tm.mu.Lock()
	tm.closed = true
	tm.mu.Unlock()

	done := make(chan struct{})
	go func() {
		tm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		tm.stop()
		return nil
	case <-ctx.Done():
		tm.stop()
		<-done
		return fmt.Errorf("таймаут при ожидании завершения задач: %w", ctx.Err())
	}
}

// Close отменяет все задачи и ждет их завершения.
func (tm *TaskManager) Close() {
	tm.mu.Lock()
	tm.closed = true
	tm.mu.Unlock()
	tm.stop()
	tm.wg.Wait()
}
