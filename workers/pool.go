package workers

import (
	"errors"
	"hash/fnv"
	"sync"

	"github.com/sirupsen/logrus"
)

var ErrPoolStopped = errors.New("pool is stopped and not accepting jobs")

// Job is a unit of work bound to a shard key. Jobs sharing a key run on the
// same worker in submission order; jobs with different keys run in
// parallel.
type Job struct {
	Key string
	Run func()
}

// Pool is a fixed-size set of workers with key-affine routing. It exists so
// an event dispatch loop can offload listener invocation without giving up
// per-topic ordering.
type Pool struct {
	name    string
	workers []*Worker
	log     *logrus.Entry

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// NewPool creates a pool of size workers, each with a queue of the given
// depth. The pool is inert until Start.
func NewPool(name string, size, depth int) *Pool {
	if size < 1 {
		size = 1
	}
	if depth < 1 {
		depth = 1
	}

	p := &Pool{
		name: name,
		log:  logrus.WithField("pool", name),
	}
	for i := 0; i < size; i++ {
		p.workers = append(p.workers, newWorker(name, i, depth, p.log, &p.wg))
	}
	return p
}

func (p *Pool) Name() string { return p.name }

// Start spins up the worker goroutines. Calling Start on a running pool is
// a no-op.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	for _, w := range p.workers {
		w.start()
	}
	p.log.WithField("workers", len(p.workers)).Debug("pool started")
}

// Submit routes fn to the worker owning key. It blocks while that worker's
// queue is full and returns ErrPoolStopped once Stop has been called.
func (p *Pool) Submit(key string, fn func()) error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return ErrPoolStopped
	}

	p.wg.Add(1)
	if ok := p.workers[p.shard(key)].enqueue(Job{Key: key, Run: fn}); !ok {
		p.wg.Done()
		return ErrPoolStopped
	}
	return nil
}

// Stop closes the queues, waits for in-flight jobs to drain, and leaves the
// pool unusable.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	for _, w := range p.workers {
		w.stop()
	}
	p.wg.Wait()
	p.log.Debug("pool drained")
}

// Wait blocks until every submitted job has finished, without stopping the
// pool.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) shard(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.workers)))
}
