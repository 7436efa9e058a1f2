package relay

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/sipeed/maxbridge/pkg/logger"
)

// TaskGroup runs fire-and-forget work. A task's error or panic is logged and
// counted; it never reaches the caller that spawned it.
type TaskGroup struct {
	wg     sync.WaitGroup
	mu     sync.Mutex
	active map[string]string // task id -> name
	failed atomic.Int64
}

func NewTaskGroup() *TaskGroup {
	return &TaskGroup{active: make(map[string]string)}
}

// Go starts fn in its own goroutine and returns the task id used in logs.
func (g *TaskGroup) Go(ctx context.Context, name string, fn func(context.Context) error) string {
	id := uuid.NewString()

	g.mu.Lock()
	g.active[id] = name
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.cleanup(id)

		if err := g.run(ctx, fn); err != nil {
			g.failed.Add(1)
			logger.WarnCF("relay", "Task failed", map[string]any{
				"task":    name,
				"task_id": id,
				"error":   err.Error(),
			})
		}
	}()
	return id
}

func (g *TaskGroup) run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

func (g *TaskGroup) cleanup(id string) {
	g.mu.Lock()
	delete(g.active, id)
	g.mu.Unlock()
}

// Active returns the number of running tasks.
func (g *TaskGroup) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Failed returns how many tasks ended with an error or panic.
func (g *TaskGroup) Failed() int64 {
	return g.failed.Load()
}

// Wait blocks until every started task has returned.
func (g *TaskGroup) Wait() {
	g.wg.Wait()
}
