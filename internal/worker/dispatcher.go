package worker

import (
	"container/list"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrDispatcherBusy = errors.New("too many pending requests, try again later")
	ErrSessionClosed  = errors.New("session closed")
)

type sessionQueue struct {
	jobs     []Job
	enqueued bool // is in the ready list
	busy     bool // one of its jobs is running
}

// Dispatcher runs the jobs of one session strictly one after another, in
// submission order, while different sessions share the worker pool.
type Dispatcher struct {
	pool     *jobChannelPool
	JobQueue chan Job // interface for outer jobs get in the dispatcher

	mu        sync.Mutex
	queues    map[int64]*sessionQueue // pending jobs per session
	ready     *list.List              // sessions with a runnable job, LRU order
	positions map[int64]*list.Element
	wake      chan struct{}
	quit      chan struct{}
	stopOnce  sync.Once
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, manager *Manager, idleTimeout time.Duration) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	d := &Dispatcher{
		queues:    make(map[int64]*sessionQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		JobQueue:  make(chan Job, queueSize),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
	d.pool = newJobChannelPool(minWorkers, maxWorkers, idleTimeout, manager, d)

	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues job without blocking.
func (d *Dispatcher) Submit(job Job) error {
	if d.stopped() {
		return ErrSessionClosed
	}
	select {
	case d.JobQueue <- job:
		return nil
	default:
		return ErrDispatcherBusy
	}
}

func (d *Dispatcher) run() {
	for {
		if d.dispatchOne() {
			select {
			case job := <-d.JobQueue:
				d.enqueueJob(job)
			default:
			}
			continue
		}
		select {
		case job := <-d.JobQueue:
			d.enqueueJob(job)
		case <-d.wake:
		case <-d.quit:
			return
		}
	}
}

// Stop ends dispatching and fails every pending job.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.quit)
		d.pool.stop()
		d.mu.Lock()
		for id := range d.queues {
			d.dropLocked(id)
		}
		d.mu.Unlock()
		d.drainJobQueue()
	})
}

func (d *Dispatcher) drainJobQueue() {
	for {
		select {
		case job := <-d.JobQueue:
			job.reply(jobResult{err: ErrSessionClosed})
		default:
			return
		}
	}
}

func (d *Dispatcher) stopped() bool {
	select {
	case <-d.quit:
		return true
	default:
		return false
	}
}

// CancelSession fails the session's pending jobs. A running job finishes.
func (d *Dispatcher) CancelSession(sessionID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropLocked(sessionID)
}

func (d *Dispatcher) dropLocked(sessionID int64) {
	q := d.queues[sessionID]
	if q == nil {
		return
	}
	for _, job := range q.jobs {
		job.reply(jobResult{err: ErrSessionClosed})
	}
	q.jobs = nil
	if elem, ok := d.positions[sessionID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, sessionID)
	}
	q.enqueued = false
	if !q.busy {
		delete(d.queues, sessionID)
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	sessionID := job.SessionID

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped() {
		job.reply(jobResult{err: ErrSessionClosed})
		return
	}
	q := d.queues[sessionID]
	if q == nil {
		q = &sessionQueue{}
		d.queues[sessionID] = q
	}
	q.jobs = append(q.jobs, job)
	d.markReadyLocked(sessionID, q)
}

func (d *Dispatcher) markReadyLocked(sessionID int64, q *sessionQueue) {
	if q.enqueued || q.busy || len(q.jobs) == 0 {
		return
	}
	q.enqueued = true
	d.positions[sessionID] = d.ready.PushBack(sessionID)
}

// dispatchOne hands the next job of the least recently served session to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	sessionID := elem.Value.(int64)
	q := d.queues[sessionID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.busy = true
	q.enqueued = false
	d.ready.Remove(elem)
	delete(d.positions, sessionID)
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	if workerChan == nil {
		d.finish(sessionID)
		job.reply(jobResult{err: ErrSessionClosed})
		return false
	}
	debugLog("dispatch job",
		zap.String("job", job.Type.String()),
		zap.Int64("session_id", sessionID),
		zap.Int("worker_id", d.pool.workerID(workerChan)),
	)
	workerChan <- job
	return true
}

// finish is called by a worker once a session's job is done.
func (d *Dispatcher) finish(sessionID int64) {
	d.mu.Lock()
	if q := d.queues[sessionID]; q != nil {
		q.busy = false
		if len(q.jobs) == 0 {
			delete(d.queues, sessionID)
		} else {
			d.markReadyLocked(sessionID, q)
		}
	}
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// pending reports the number of queued jobs of a session, excluding a running one.
func (d *Dispatcher) pending(sessionID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q := d.queues[sessionID]; q != nil {
		return len(q.jobs)
	}
	return 0
}
