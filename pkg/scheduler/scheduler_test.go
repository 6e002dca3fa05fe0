package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunsAtFixedRate(t *testing.T) {
	s := NewTickerScheduler(nil)
	var runs atomic.Int32

	task, err := s.ScheduleAtFixedRate("count", 10*time.Millisecond, func() {
		runs.Add(1)
	})
	require.NoError(t, err)
	require.Equal(t, 1, s.Len())

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)

	task.Cancel()
	task.Cancel()
	require.Equal(t, 0, s.Len())

	after := runs.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, after, runs.Load())
}

func TestCancelWaitsForRunningTask(t *testing.T) {
	s := NewTickerScheduler(nil)
	started := make(chan struct{}, 1)
	var finished atomic.Bool

	task, err := s.ScheduleAtFixedRate("slow", 5*time.Millisecond, func() {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	})
	require.NoError(t, err)

	<-started
	task.Cancel()
	require.True(t, finished.Load())
}

func TestPanickingTaskKeepsRunning(t *testing.T) {
	s := NewTickerScheduler(nil)
	var runs atomic.Int32

	task, err := s.ScheduleAtFixedRate("panics", 5*time.Millisecond, func() {
		runs.Add(1)
		panic("boom")
	})
	require.NoError(t, err)
	defer task.Cancel()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestInvalidInterval(t *testing.T) {
	s := NewTickerScheduler(nil)
	_, err := s.ScheduleAtFixedRate("bad", 0, func() {})
	require.True(t, errors.Is(err, ErrInvalidInterval))
}

func TestShutdown(t *testing.T) {
	s := NewTickerScheduler(nil)
	for i := 0; i < 3; i++ {
		_, err := s.ScheduleAtFixedRate("t", time.Hour, func() {})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.Equal(t, 0, s.Len())

	_, err := s.ScheduleAtFixedRate("late", time.Second, func() {})
	require.True(t, errors.Is(err, ErrShutdown))
}

func TestShutdownHonoursContext(t *testing.T) {
	s := NewTickerScheduler(nil)
	release := make(chan struct{})
	started := make(chan struct{})
	var once atomic.Bool

	_, err := s.ScheduleAtFixedRate("stuck", time.Millisecond, func() {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-release
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.True(t, errors.Is(s.Shutdown(ctx), context.DeadlineExceeded))
	close(release)
}
