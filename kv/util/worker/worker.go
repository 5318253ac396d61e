package worker

import (
	"sync"

	"github.com/pingcap/errors"
	"github.com/tinypg/tinypg/log"
)

type TaskStop struct{}

type Task interface{}

// ErrBusy is returned by Submit when the queue is full.
var ErrBusy = errors.New("worker: queue full")

// Worker runs the tasks sent to it one at a time on its own goroutine.
type Worker struct {
	name     string
	sender   chan<- Task
	receiver <-chan Task
	wg       *sync.WaitGroup
}

type TaskHandler interface {
	Handle(t Task)
}

type Starter interface {
	Start()
}

// Stopper is notified after the worker received TaskStop.
type Stopper interface {
	Stop()
}

func (w *Worker) Start(handler TaskHandler) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		if s, ok := handler.(Starter); ok {
			s.Start()
		}
		log.Debugf("worker %s started", w.name)
		for {
			task := <-w.receiver
			if _, ok := task.(TaskStop); ok {
				if s, ok := handler.(Stopper); ok {
					s.Stop()
				}
				log.Debugf("worker %s stopped", w.name)
				return
			}
			handler.Handle(task)
		}
	}()
}

func (w *Worker) Name() string {
	return w.name
}

func (w *Worker) Sender() chan<- Task {
	return w.sender
}

// Submit queues t without blocking.
func (w *Worker) Submit(t Task) error {
	select {
	case w.sender <- t:
		return nil
	default:
		return errors.Annotatef(ErrBusy, "worker %s", w.name)
	}
}

func (w *Worker) Stop() {
	w.sender <- TaskStop{}
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
