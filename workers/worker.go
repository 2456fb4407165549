package workers

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Worker is a single goroutine draining one job queue.
type Worker struct {
	id   string
	jobs chan Job
	done chan struct{}
	log  *logrus.Entry
	wg   *sync.WaitGroup

	mu     sync.Mutex
	closed bool

	performed atomic.Int64
}

func newWorker(pool string, idx, depth int, log *logrus.Entry, wg *sync.WaitGroup) *Worker {
	id := fmt.Sprintf("%s-%03d", pool, idx)
	return &Worker{
		id:   id,
		jobs: make(chan Job, depth),
		done: make(chan struct{}),
		log:  log.WithField("worker", id),
		wg:   wg,
	}
}

func (w *Worker) start() {
	go w.run()
}

func (w *Worker) run() {
	defer close(w.done)
	for job := range w.jobs {
		w.perform(job)
	}
}

func (w *Worker) perform(job Job) {
	defer w.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			w.log.WithFields(logrus.Fields{"key": job.Key, "panic": r}).
				Error("job panicked")
		}
	}()

	job.Run()
	w.performed.Add(1)
}

// enqueue hands a job to the worker. It blocks while the queue is full and
// reports false once the worker is stopped.
func (w *Worker) enqueue(job Job) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.jobs <- job
	return true
}

// stop closes the queue, lets the worker drain it, and waits for the run
// loop to exit.
func (w *Worker) stop() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.jobs)
	}
	w.mu.Unlock()
	<-w.done
}

// Performed returns the number of jobs this worker has completed.
func (w *Worker) Performed() int64 { return w.performed.Load() }
