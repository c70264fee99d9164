package scheduler

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestHighPriorityTasksRunInOrder(t *testing.T) {
	s := NewScheduler(10)
	s.RunScheduler()

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		err := s.ScheduleHighPriorityTask(Task{Name: name, Execute: func() error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		}})
		if err != nil {
			t.Fatal(err)
		}
	}
	s.StopScheduler()

	if len(order) != 3 || order[0] != "a" || order[2] != "c" {
		t.Errorf("unexpected order %v", order)
	}
	if err := s.ScheduleHighPriorityTask(Task{Name: "late", Execute: func() error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
}

func TestPeriodicTask(t *testing.T) {
	s := NewScheduler(1)
	s.RunScheduler()

	var runs atomic.Int32
	s.SchedulePeriodicTask(5*time.Millisecond, Task{Name: "rescan", Execute: func() error {
		runs.Add(1)
		return errors.New("failures are logged, not fatal")
	}})

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.StopScheduler()

	if runs.Load() < 3 {
		t.Errorf("expected at least 3 runs, got %d", runs.Load())
	}
	// stopping twice is harmless
	s.StopScheduler()
}

func TestRunOnce(t *testing.T) {
	s := NewScheduler(1)
	var runs atomic.Int32
	s.SchedulePeriodicTask(0, Task{Name: "once", Execute: func() error {
		runs.Add(1)
		return nil
	}})
	// queued before the loop starts, run by the drain on stop
	s.RunScheduler()
	s.StopScheduler()
	if runs.Load() != 1 {
		t.Errorf("expected a single run, got %d", runs.Load())
	}
}
