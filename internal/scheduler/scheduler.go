package scheduler

import (
	"errors"
	"sync"
	"time"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("apparmor.scheduler")

var ErrStopped = errors.New("scheduler: stopped")

type Task struct {
	Name    string
	Execute func() error
}

// Scheduler runs tasks one at a time. High-priority tasks run before any
// queued periodic task.
type Scheduler struct {
	high     chan Task
	low      chan Task
	stopChan chan struct{}

	mu      sync.RWMutex
	stopped bool

	loops  sync.WaitGroup
	worker sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the specified queue size
func NewScheduler(queueSize int) *Scheduler {
	return &Scheduler{
		high:     make(chan Task, queueSize),
		low:      make(chan Task, queueSize),
		stopChan: make(chan struct{}),
	}
}

// RunScheduler starts the scheduler loop
func (s *Scheduler) RunScheduler() {
	s.worker.Add(1)
	go func() {
		defer s.worker.Done()
		for {
			select {
			case task := <-s.high:
				run(task)
				continue
			default:
			}

			select {
			case task := <-s.high:
				run(task)
			case task := <-s.low:
				run(task)
			case <-s.stopChan:
				s.drain()
				return
			}
		}
	}()
}

// drain runs what was queued before the stop.
func (s *Scheduler) drain() {
	for {
		select {
		case task := <-s.high:
			log.Debugf("draining task: %s", task.Name)
			run(task)
		case task := <-s.low:
			log.Debugf("draining task: %s", task.Name)
			run(task)
		default:
			return
		}
	}
}

func run(task Task) {
	log.Debugf("executing %s task", task.Name)
	start := time.Now()
	if err := task.Execute(); err != nil {
		log.Errorf("task %s failed: %s", task.Name, err)
		return
	}
	log.Debugf("task %s done in %s", task.Name, time.Since(start))
}

// SchedulePeriodicTask queues lowTask now and then every interval. A run
// is skipped when the queue is full. Zero or negative intervals run the
// task once.
func (s *Scheduler) SchedulePeriodicTask(interval time.Duration, lowTask Task) {
	s.enqueueLow(lowTask)
	if interval <= 0 {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}

	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.enqueueLow(lowTask)
			case <-s.stopChan:
				// Stop scheduling periodic tasks
				return
			}
		}
	}()
}

func (s *Scheduler) enqueueLow(task Task) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return
	}
	select {
	case s.low <- task:
		log.Debugf("scheduled %s", task.Name)
	default:
		log.Infof("skipped scheduling %s, queue is full", task.Name)
	}
}

// ScheduleHighPriorityTask runs a high-priority task asap
func (s *Scheduler) ScheduleHighPriorityTask(task Task) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		return ErrStopped
	}
	select {
	case s.high <- task:
		return nil
	case <-s.stopChan:
		return ErrStopped
	}
}

// StopScheduler runs the queued tasks and stops the scheduler. It must be
// called after RunScheduler.
func (s *Scheduler) StopScheduler() {
	log.Info("stopping scheduler")
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopChan) // Signal the scheduler to stop
	s.mu.Unlock()

	s.loops.Wait()
	s.worker.Wait()
	log.Info("scheduler stopped")
}
