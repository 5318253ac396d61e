package checkpoint

import (
	"sync"
	"time"

	"github.com/tinypg/tinypg/kv/heap"
	"github.com/tinypg/tinypg/kv/util/worker"
	"github.com/tinypg/tinypg/log"
)

const defaultTickInterval = time.Second

type checkpointTask struct {
	trigger Trigger
	done    chan<- checkpointDone
}

type checkpointDone struct {
	res *Result
	err error
}

type vacuumTask struct {
	freeze bool
	done   chan<- heap.VacuumStats
}

type taskHandler struct {
	c *Checkpointer
}

func (h *taskHandler) Handle(t worker.Task) {
	switch task := t.(type) {
	case *checkpointTask:
		res, err := h.c.Run(task.trigger)
		if task.done != nil {
			task.done <- checkpointDone{res: res, err: err}
		}
	case *vacuumTask:
		stats := h.c.Vacuum(task.freeze)
		if task.done != nil {
			task.done <- stats
		}
	default:
		log.Errorf("checkpoint worker: unexpected task %T", t)
	}
}

// Runner executes checkpoints and vacuums on one background worker, on a
// schedule and on request.
type Runner struct {
	c      *Checkpointer
	worker *worker.Worker
	wg     sync.WaitGroup

	tick           time.Duration
	vacuumInterval time.Duration

	closeCh chan struct{}
	mu      sync.Mutex
	stopped bool
}

func NewRunner(c *Checkpointer) *Runner {
	r := &Runner{
		c:              c,
		tick:           defaultTickInterval,
		vacuumInterval: c.cfg.VacuumInterval.Duration,
		closeCh:        make(chan struct{}),
	}
	r.worker = worker.NewWorker("checkpointer", &r.wg)
	return r
}

// SetTickInterval changes how often the schedule is checked. Call before Start.
func (r *Runner) SetTickInterval(d time.Duration) {
	r.tick = d
}

func (r *Runner) Start() {
	r.worker.Start(&taskHandler{c: r.c})
	r.wg.Add(1)
	go r.schedule()
}

func (r *Runner) schedule() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	lastVacuum := time.Now()
	for {
		select {
		case <-r.closeCh:
			return
		case now := <-ticker.C:
			if trigger, ok := r.c.Due(now); ok && r.c.State() == StateIdle {
				r.submit(&checkpointTask{trigger: trigger})
			}
			if r.vacuumInterval > 0 && now.Sub(lastVacuum) >= r.vacuumInterval {
				lastVacuum = now
				r.submit(&vacuumTask{})
			}
		}
	}
}

func (r *Runner) submit(t worker.Task) {
	if err := r.worker.Submit(t); err != nil {
		log.Warnf("skip scheduled %T: %v", t, err)
	}
}

// Checkpoint runs a checkpoint on the worker and waits for it.
func (r *Runner) Checkpoint(trigger Trigger) (*Result, error) {
	done := make(chan checkpointDone, 1)
	if err := r.send(&checkpointTask{trigger: trigger, done: done}); err != nil {
		return nil, err
	}
	d := <-done
	return d.res, d.err
}

// Vacuum runs a vacuum on the worker and waits for it.
func (r *Runner) Vacuum(freeze bool) (heap.VacuumStats, error) {
	done := make(chan heap.VacuumStats, 1)
	if err := r.send(&vacuumTask{freeze: freeze, done: done}); err != nil {
		return heap.VacuumStats{}, err
	}
	return <-done, nil
}

func (r *Runner) send(t worker.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return errStopped
	}
	r.worker.Sender() <- t
	return nil
}

// Stop ends the schedule, hurries a checkpoint in progress, runs a shutdown
// checkpoint and waits for the worker.
func (r *Runner) Stop() error {
	return r.stop(true)
}

// Halt ends the schedule and waits for the worker without a final checkpoint.
// The next start recovers from the log.
func (r *Runner) Halt() {
	r.stop(false)
}

func (r *Runner) stop(final bool) error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	close(r.closeCh)
	r.c.Hurry()
	done := make(chan checkpointDone, 1)
	if final {
		r.worker.Sender() <- &checkpointTask{trigger: TriggerShutdown, done: done}
	} else {
		done <- checkpointDone{}
	}
	r.worker.Stop()
	r.mu.Unlock()

	d := <-done
	r.wg.Wait()
	return d.err
}
