package worker

import (
	"sync"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

type TaskStop struct{}

type Task interface{}

// Worker runs tasks one at a time on its own goroutine, in the order they were sent.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

func (w *Worker) Start(handler TaskHandler) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		log.Debug("worker started", zap.String("worker", w.name))
		for {
			task := <-w.receiver
			if _, ok := task.(TaskStop); ok {
				log.Debug("worker stopped", zap.String("worker", w.name))
				return
			}
			handler.Handle(task)
		}
	}()
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

// Schedule queues t without blocking. It reports false when the queue is full or the worker is stopped, in which
// case t is dropped.
func (w *Worker) Schedule(t Task) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	select {
	case w.sender <- t:
		return true
	default:
		return false
	}
}

// Stop asks the worker to exit after the tasks already queued. Later calls are no-ops.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()
	w.sender <- TaskStop{}
}

func (w *Worker) Name() string {
	return w.name
}

const defaultWorkerCapacity = 128

func NewWorker(name string, wg *sync.WaitGroup) *Worker {
	ch := make(chan Task, defaultWorkerCapacity)
	return &Worker{
		sender:   (chan<- Task)(ch),
		receiver: (<-chan Task)(ch),
		name:     name,
		wg:       wg,
	}
}
