package worker

import (
	"context"

	"go.uber.org/zap"

	"csvai/internal/models"
)

type JobType int

const (
	Stop JobType = iota
	Load
	Ask
	Summarize
	Reset
)

func (t JobType) String() string {
	switch t {
	case Stop:
		return "stop"
	case Load:
		return "load"
	case Ask:
		return "ask"
	case Summarize:
		return "summarize"
	case Reset:
		return "reset"
	}
	return "unknown"
}

// Job is one unit of work on a session.
type Job struct {
	Type      JobType
	SessionID int64

	ctx      context.Context
	question string
	onChunk  func(string) error
	resultCh chan jobResult
}

type jobResult struct {
	answer       string
	conversation *models.Conversation
	err          error
}

func (j Job) context() context.Context {
	if j.ctx == nil {
		return context.Background()
	}
	return j.ctx
}

// reply never blocks: resultCh is buffered for exactly one result.
func (j Job) reply(res jobResult) {
	if j.resultCh == nil {
		return
	}
	select {
	case j.resultCh <- res:
	default:
	}
}

type Worker struct {
	id         int
	manager    *Manager
	pool       *jobChannelPool
	dispatcher *Dispatcher
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool, manager *Manager, dispatcher *Dispatcher) *Worker {
	return &Worker{
		id:         id,
		manager:    manager,
		pool:       pool,
		dispatcher: dispatcher,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	w.start(true)
}

// startAssigned starts a worker whose first job is already promised to the caller.
func (w *Worker) startAssigned() {
	w.start(false)
}

func (w *Worker) start(idleFirst bool) {
	go func() {
		release := idleFirst
		for {
			if release && !w.pool.Release(w.jobChannel) {
				w.pool.retire(w.jobChannel)
				return
			}
			release = true
			job := <-w.jobChannel
			if job.Type == Stop {
				w.pool.retire(w.jobChannel)
				return
			}
			w.run(job)
		}
	}()
}

func (w *Worker) run(job Job) {
	defer w.dispatcher.finish(job.SessionID)
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("worker job panicked",
				zap.Int("worker_id", w.id),
				zap.String("job", job.Type.String()),
				zap.Int64("session_id", job.SessionID),
				zap.Any("panic", r),
			)
			job.reply(jobResult{err: errPanic})
		}
	}()
	job.reply(w.manager.handle(job))
}
