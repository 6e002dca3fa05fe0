// Package scheduler runs periodic background tasks such as key persistence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevoDB/diskcache/pkg/common/log"
)

var (
	// ErrShutdown is returned when scheduling on a scheduler that was shut down
	ErrShutdown = errors.New("scheduler is shut down")
	// ErrInvalidInterval is returned for non-positive intervals
	ErrInvalidInterval = errors.New("interval must be positive")
)

// Task is a handle on a scheduled task.
type Task interface {
	// Cancel stops future runs and waits for a run in progress to finish.
	Cancel()
}

// Scheduler runs tasks at a fixed rate.
type Scheduler interface {
	ScheduleAtFixedRate(name string, interval time.Duration, task func()) (Task, error)
	// Shutdown cancels every task, waiting until they finish or ctx is done.
	Shutdown(ctx context.Context) error
}

// TickerScheduler runs each task on its own goroutine driven by a time.Ticker.
type TickerScheduler struct {
	logger log.Logger

	mu       sync.Mutex
	tasks    map[*tickerTask]struct{}
	shutdown bool
}

// NewTickerScheduler creates a scheduler. A nil logger selects the default.
func NewTickerScheduler(logger log.Logger) *TickerScheduler {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &TickerScheduler{
		logger: logger.WithField("component", "scheduler"),
		tasks:  make(map[*tickerTask]struct{}),
	}
}

// ScheduleAtFixedRate runs task every interval until the returned Task is
// cancelled. The first run happens one interval from now. Runs never overlap:
// a tick that fires while the task is still running is dropped.
func (s *TickerScheduler) ScheduleAtFixedRate(name string, interval time.Duration, task func()) (Task, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return nil, ErrShutdown
	}

	t := &tickerTask{
		name:   name,
		fn:     task,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: s.logger.WithField("task", name),
		owner:  s,
	}
	s.tasks[t] = struct{}{}
	go t.run(interval)

	s.logger.Debug("Scheduled %s every %s", name, interval)
	return t, nil
}

// Shutdown cancels all tasks and rejects new ones.
func (s *TickerScheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	tasks := make([]*tickerTask, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		for _, t := range tasks {
			t.Cancel()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of active tasks.
func (s *TickerScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *TickerScheduler) forget(t *tickerTask) {
	s.mu.Lock()
	delete(s.tasks, t)
	s.mu.Unlock()
}

type tickerTask struct {
	name   string
	fn     func()
	logger log.Logger
	owner  *TickerScheduler

	once   sync.Once
	stopCh chan struct{}
	doneCh chan struct{}
}

func (t *tickerTask) run(interval time.Duration) {
	defer close(t.doneCh)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.runOnce()
		}
	}
}

func (t *tickerTask) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Task %s panicked: %v", t.name, r)
		}
	}()
	t.fn()
}

// Cancel stops the task. It is safe to call more than once, but must not be
// called from within the task itself.
func (t *tickerTask) Cancel() {
	t.once.Do(func() {
		close(t.stopCh)
		t.owner.forget(t)
	})
	<-t.doneCh
}
