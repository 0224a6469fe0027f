package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"csvai/internal/logger"
	"csvai/internal/models"
	"csvai/internal/redis"
	"csvai/internal/service/assistant"
)

var (
	ErrWrongMode      = errors.New("operation not available for this functionality")
	ErrUploadRequired = errors.New("upload a csv file first")
	errPanic          = errors.New("internal error while running the request")
)

// Store is the persistence used by the manager.
type Store interface {
	GetSession(ctx context.Context, sessionID int64) (*models.Session, error)
	ActiveUpload(ctx context.Context, sessionID int64) (*models.Upload, error)
	MarkUploadRemoved(ctx context.Context, uploadID int64) error
	SeedGreeting(ctx context.Context, sessionID int64, greeting string) (bool, error)
	AppendExchange(ctx context.Context, sessionID int64, question, answer string) (int, error)
	Conversation(ctx context.Context, sessionID int64) (*models.Conversation, error)
	ResetConversation(ctx context.Context, sessionID int64) error
	SaveSummary(ctx context.Context, sessionID int64, summary string) error
}

// Engine builds session runtimes and runs the pipelines on them.
type Engine interface {
	Prepare(ctx context.Context, session *models.Session, upload *models.Upload, sessionKey string) (Runtime, error)
	// Usable reports whether rt can still serve requests made with sessionKey.
	Usable(rt Runtime, sessionKey string) bool
	Ask(ctx context.Context, session *models.Session, rt Runtime, sessionKey, question string, onChunk func(string) error) (string, error)
	Summarize(ctx context.Context, session *models.Session, rt Runtime, sessionKey string) (string, error)
	Release(ctx context.Context, sessionID int64)
}

type DispatcherConfig struct {
	MinWorkers  int
	MaxWorkers  int
	QueueSize   int
	IdleTimeout time.Duration
}

// Manager is the entry point for everything that touches a session's runtime.
type Manager struct {
	store      Store
	engine     Engine
	state      *sessionState
	cache      *stateRedis
	dispatcher *Dispatcher
	cancel     context.CancelFunc
}

func NewManager(store Store, engine Engine, cfg DispatcherConfig, rdb *redis.Client) *Manager {
	m := &Manager{
		store:  store,
		engine: engine,
		state:  newSessionState(),
	}
	m.dispatcher = NewDispatcher(cfg.MinWorkers, cfg.MaxWorkers, cfg.QueueSize, m, cfg.IdleTimeout)
	if rdb != nil {
		ctx, cancel := context.WithCancel(context.Background())
		m.cancel = cancel
		m.cache = newStateCache(rdb)
		m.cache.startListener(ctx, m.handleInvalidation)
	}
	return m
}

// Close stops the dispatcher; pending requests fail with ErrSessionClosed.
func (m *Manager) Close() {
	m.dispatcher.Stop()
	if m.cancel != nil {
		m.cancel()
	}
	m.state.reset()
}

// SetAPIKey remembers the key entered for a session. Keys are kept in memory only.
func (m *Manager) SetAPIKey(sessionID int64, key string) {
	m.state.setKey(sessionID, key)
}

// Load builds the runtime from the session's active upload and seeds the
// greeting for chat and analyze sessions.
func (m *Manager) Load(ctx context.Context, sessionID int64) (*models.Conversation, error) {
	res, err := m.submit(ctx, Job{Type: Load, SessionID: sessionID})
	return res.conversation, err
}

// Ask answers question and appends the exchange to the conversation.
func (m *Manager) Ask(ctx context.Context, sessionID int64, question string, onChunk func(string) error) (string, error) {
	res, err := m.submit(ctx, Job{Type: Ask, SessionID: sessionID, question: question, onChunk: onChunk})
	return res.answer, err
}

// Summarize summarizes the loaded file and stores the result on the session.
func (m *Manager) Summarize(ctx context.Context, sessionID int64) (string, error) {
	res, err := m.submit(ctx, Job{Type: Summarize, SessionID: sessionID})
	return res.answer, err
}

// Reset clears the conversation after every earlier job of the session ran.
func (m *Manager) Reset(ctx context.Context, sessionID int64) error {
	_, err := m.submit(ctx, Job{Type: Reset, SessionID: sessionID})
	return err
}

// Conversation reads the log, from redis when it holds a snapshot.
func (m *Manager) Conversation(ctx context.Context, sessionID int64) (*models.Conversation, error) {
	if conv, ok := m.cache.loadConversation(sessionID); ok {
		return conv, nil
	}
	conv, err := m.store.Conversation(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	m.cache.cacheConversation(sessionID, conv)
	return conv, nil
}

// Purge forgets everything held in memory for a session.
func (m *Manager) Purge(ctx context.Context, sessionID int64) {
	m.dispatcher.CancelSession(sessionID)
	m.state.purge(sessionID)
	m.engine.Release(ctx, sessionID)
	m.cache.invalidateConversation(sessionID)
	m.cache.publishInvalidation(invalidateMessage{SessionID: sessionID, Scope: scopeRuntime})
}

func (m *Manager) handleInvalidation(msg invalidateMessage) {
	if msg.Scope == scopeRuntime {
		m.state.dropRuntime(msg.SessionID)
	}
}

func (m *Manager) submit(ctx context.Context, job Job) (jobResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	job.ctx = ctx
	job.resultCh = make(chan jobResult, 1)
	if err := m.dispatcher.Submit(job); err != nil {
		return jobResult{}, err
	}
	select {
	case res := <-job.resultCh:
		return res, res.err
	case <-ctx.Done():
		return jobResult{}, ctx.Err()
	}
}

func (m *Manager) handle(job Job) jobResult {
	ctx := logger.AddFields(job.context(),
		zap.Int64("session_id", job.SessionID),
		zap.String("job", job.Type.String()),
	)
	if err := ctx.Err(); err != nil {
		return jobResult{err: err}
	}
	start := time.Now()
	var res jobResult
	switch job.Type {
	case Load:
		res = m.handleLoad(ctx, job)
	case Ask:
		res = m.handleAsk(ctx, job)
	case Summarize:
		res = m.handleSummarize(ctx, job)
	case Reset:
		res = m.handleReset(ctx, job)
	default:
		res = jobResult{err: fmt.Errorf("unknown job type %d", job.Type)}
	}
	log := logger.Extract(ctx)
	if res.err != nil {
		log.Warn("job failed", zap.Error(res.err), zap.Duration("took", time.Since(start)))
	} else {
		log.Debug("job done", zap.Duration("took", time.Since(start)))
	}
	return res
}

func (m *Manager) handleLoad(ctx context.Context, job Job) jobResult {
	session, err := m.store.GetSession(ctx, job.SessionID)
	if err != nil {
		return jobResult{err: err}
	}
	upload, err := m.activeUpload(ctx, job.SessionID)
	if err != nil {
		return jobResult{err: err}
	}

	m.state.dropRuntime(job.SessionID)
	rt, err := m.engine.Prepare(ctx, session, upload, m.state.key(job.SessionID))
	if err != nil {
		return jobResult{err: err}
	}
	m.state.setRuntime(job.SessionID, rt)

	switch session.Mode {
	case models.ModeSummarize:
		// the chunks stay in memory; the file itself is no longer needed
		assistant.RemoveFiles(ctx, []string{upload.StoredPath})
		if err := m.store.MarkUploadRemoved(ctx, upload.ID); err != nil {
			logger.Extract(ctx).Warn("mark upload removed", zap.Int64("upload_id", upload.ID), zap.Error(err))
		}
	default:
		if _, err := m.store.SeedGreeting(ctx, job.SessionID, models.Greeting(session.Mode, upload.FileName)); err != nil {
			return jobResult{err: err}
		}
		m.cache.invalidateConversation(job.SessionID)
	}

	conv, err := m.store.Conversation(ctx, job.SessionID)
	if err != nil {
		return jobResult{err: err}
	}
	return jobResult{conversation: conv}
}

func (m *Manager) handleAsk(ctx context.Context, job Job) jobResult {
	session, err := m.store.GetSession(ctx, job.SessionID)
	if err != nil {
		return jobResult{err: err}
	}
	if session.Mode == models.ModeSummarize {
		return jobResult{err: fmt.Errorf("%w: %s", ErrWrongMode, session.Mode.DisplayName())}
	}
	key := m.state.key(job.SessionID)
	rt, err := m.ensureRuntime(ctx, session, key)
	if err != nil {
		return jobResult{err: err}
	}
	answer, err := m.engine.Ask(ctx, session, rt, key, job.question, job.onChunk)
	if err != nil {
		return jobResult{err: err}
	}
	if _, err := m.store.AppendExchange(ctx, job.SessionID, job.question, answer); err != nil {
		return jobResult{err: err}
	}
	m.cache.invalidateConversation(job.SessionID)
	return jobResult{answer: answer}
}

func (m *Manager) handleSummarize(ctx context.Context, job Job) jobResult {
	session, err := m.store.GetSession(ctx, job.SessionID)
	if err != nil {
		return jobResult{err: err}
	}
	if session.Mode != models.ModeSummarize {
		return jobResult{err: fmt.Errorf("%w: %s", ErrWrongMode, session.Mode.DisplayName())}
	}
	key := m.state.key(job.SessionID)
	rt, err := m.ensureRuntime(ctx, session, key)
	if err != nil {
		return jobResult{err: err}
	}
	summary, err := m.engine.Summarize(ctx, session, rt, key)
	if err != nil {
		return jobResult{err: err}
	}
	if err := m.store.SaveSummary(ctx, job.SessionID, summary); err != nil {
		return jobResult{err: err}
	}
	return jobResult{answer: summary}
}

func (m *Manager) handleReset(ctx context.Context, job Job) jobResult {
	if err := m.store.ResetConversation(ctx, job.SessionID); err != nil {
		return jobResult{err: err}
	}
	m.cache.invalidateConversation(job.SessionID)
	return jobResult{conversation: &models.Conversation{Past: []string{}, Generated: []string{}}}
}

// ensureRuntime returns the cached runtime, rebuilding it from the active
// upload when it is missing or was built for another key.
func (m *Manager) ensureRuntime(ctx context.Context, session *models.Session, key string) (Runtime, error) {
	if rt := m.state.runtime(session.ID); rt != nil && m.engine.Usable(rt, key) {
		return rt, nil
	}
	upload, err := m.activeUpload(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	debugLog("rebuild runtime", zap.Int64("session_id", session.ID), zap.String("mode", string(session.Mode)))
	rt, err := m.engine.Prepare(ctx, session, upload, key)
	if err != nil {
		return nil, err
	}
	m.state.setRuntime(session.ID, rt)
	return rt, nil
}

func (m *Manager) activeUpload(ctx context.Context, sessionID int64) (*models.Upload, error) {
	upload, err := m.store.ActiveUpload(ctx, sessionID)
	if errors.Is(err, assistant.ErrUploadNotFound) {
		return nil, ErrUploadRequired
	}
	return upload, err
}
