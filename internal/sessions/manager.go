package sessions

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/cua/internal/computer"
	"github.com/haasonsaas/cua/internal/config"
	"github.com/haasonsaas/cua/internal/observability"
)

// ErrShuttingDown reports a request against a manager that stopped
// accepting new sessions.
var ErrShuttingDown = errors.New("session manager is shutting down")

// Session is one client-addressable container of runs. It leases at most
// one computer at a time; ActiveTasks is empty exactly when the session is
// idle. Tasks reference their session by ID, never by pointer, so the task
// slab and the session map stay cycle-free.
type Session struct {
	ID           string
	Computer     computer.Computer
	LastActivity time.Time
	ActiveTasks  map[string]struct{}
}

// Task is one tracked run execution owned by the manager's slab.
type Task struct {
	ID        string
	SessionID string
	Cancel    context.CancelFunc
	Done      chan struct{}
}

// Manager tracks sessions, their tasks and the pool. All maps are guarded
// by one mutex held only across map mutations.
type Manager struct {
	pool   *Pool
	cfg    config.SessionConfig
	logger *observability.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	tasks    map[string]*Task
	closed   bool

	sweepStop chan struct{}
	sweepDone chan struct{}
	shutdown  sync.Once
	metrics   *observability.Metrics
}

// NewManager builds a manager over the pool and starts the idle sweeper.
func NewManager(pool *Pool, cfg config.SessionConfig, logger *observability.Logger, metrics *observability.Metrics) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 300 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{Level: "error"})
	}
	m := &Manager{
		pool:      pool,
		cfg:       cfg,
		logger:    logger,
		sessions:  make(map[string]*Session),
		tasks:     make(map[string]*Task),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
		metrics:   metrics,
	}
	go m.sweep()
	return m
}

// Acquire returns the session for sessionID, creating it and leasing a
// computer on first use. An empty sessionID creates an anonymous session.
func (m *Manager) Acquire(ctx context.Context, sessionID string, spec computer.Spec) (*Session, error) {
	if sessionID == "" {
		sessionID = "session-" + uuid.NewString()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &Session{
			ID:           sessionID,
			LastActivity: time.Now(),
			ActiveTasks:  make(map[string]struct{}),
		}
		m.sessions[sessionID] = s
	}
	s.LastActivity = time.Now()
	needsComputer := s.Computer == nil
	m.mu.Unlock()
	m.gaugeSessions()

	if !needsComputer {
		return s, nil
	}

	c, err := m.pool.Acquire(ctx, spec)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.pool.Release(c)
		return nil, ErrShuttingDown
	}
	if s.Computer != nil {
		// A concurrent caller on the same session won the lease.
		m.mu.Unlock()
		m.pool.Release(c)
		return s, nil
	}
	s.Computer = c
	m.mu.Unlock()
	return s, nil
}

// StartTask registers a run on the session and returns a context the
// manager can cancel. The caller must call EndTask when the run finishes.
func (m *Manager) StartTask(ctx context.Context, sessionID string) (*Task, context.Context, error) {
	runCtx, cancel := context.WithCancel(ctx)
	task := &Task{
		ID:        "task-" + uuid.NewString(),
		SessionID: sessionID,
		Cancel:    cancel,
		Done:      make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cancel()
		return nil, nil, ErrShuttingDown
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		cancel()
		return nil, nil, errors.New("sessions: unknown session " + sessionID)
	}
	s.ActiveTasks[task.ID] = struct{}{}
	s.LastActivity = time.Now()
	m.tasks[task.ID] = task
	m.mu.Unlock()

	return task, observability.WithSessionID(runCtx, sessionID), nil
}

// EndTask removes a finished task and refreshes the session's idle clock.
func (m *Manager) EndTask(task *Task) {
	task.Cancel()
	close(task.Done)

	m.mu.Lock()
	delete(m.tasks, task.ID)
	if s, ok := m.sessions[task.SessionID]; ok {
		delete(s.ActiveTasks, task.ID)
		s.LastActivity = time.Now()
	}
	m.mu.Unlock()
}

// CancelSession cancels every task of the session.
func (m *Manager) CancelSession(sessionID string) {
	m.mu.Lock()
	var cancels []context.CancelFunc
	for _, task := range m.tasks {
		if task.SessionID == sessionID {
			cancels = append(cancels, task.Cancel)
		}
	}
	m.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

// Close releases a session's computer and forgets it. Active tasks are
// cancelled first.
func (m *Manager) Close(sessionID string) {
	m.CancelSession(sessionID)

	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()
	m.gaugeSessions()

	if ok && s.Computer != nil {
		m.pool.Release(s.Computer)
	}
}

// sweep evicts idle sessions in the background.
func (m *Manager) sweep() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.evictIdle(time.Now())
		}
	}
}

// evictIdle releases sessions with no active task whose idle clock expired.
// Exposed to tests through sweepNow.
func (m *Manager) evictIdle(now time.Time) {
	m.mu.Lock()
	var victims []*Session
	for id, s := range m.sessions {
		if len(s.ActiveTasks) == 0 && now.Sub(s.LastActivity) >= m.cfg.IdleTimeout {
			victims = append(victims, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range victims {
		m.logger.Info(context.Background(), "evicting idle session", "session_id", s.ID)
		if s.Computer != nil {
			m.pool.Release(s.Computer)
		}
	}
	if len(victims) > 0 {
		m.gaugeSessions()
	}
}

// Shutdown stops intake, awaits active tasks up to the shutdown deadline,
// cancels stragglers, releases every leased computer and closes the pool.
// It is idempotent.
func (m *Manager) Shutdown(ctx context.Context) {
	m.shutdown.Do(func() {
		m.mu.Lock()
		m.closed = true
		var pending []*Task
		for _, task := range m.tasks {
			pending = append(pending, task)
		}
		m.mu.Unlock()

		close(m.sweepStop)
		<-m.sweepDone

		deadline := time.After(m.cfg.ShutdownTimeout)
		for _, task := range pending {
			select {
			case <-task.Done:
			case <-deadline:
				m.logger.Warn(ctx, "cancelling task at shutdown deadline", "task_id", task.ID)
				task.Cancel()
				<-task.Done
			case <-ctx.Done():
				task.Cancel()
				<-task.Done
			}
		}

		m.mu.Lock()
		var handles []computer.Computer
		for id, s := range m.sessions {
			if s.Computer != nil {
				handles = append(handles, s.Computer)
			}
			delete(m.sessions, id)
		}
		m.mu.Unlock()

		for _, c := range handles {
			m.pool.Release(c)
		}
		m.pool.Shutdown(ctx)
		m.gaugeSessions()
	})
}

func (m *Manager) gaugeSessions() {
	if m.metrics == nil {
		return
	}
	m.mu.Lock()
	n := len(m.sessions)
	m.mu.Unlock()
	m.metrics.SessionsAlive.Set(float64(n))
}

// Healthy reports whether the manager accepts work and the pool can satisfy
// a probe.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	return !closed && m.pool.Healthy()
}
