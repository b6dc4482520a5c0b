package session

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Session is the continuity state kept for one chat identity.
type Session struct {
	Key    string
	handle string
	mgr    *Manager
}

// Handle returns the upstream conversation handle; empty means no context yet.
// Callers must hold the session lock (see Manager.WithLock).
func (s *Session) Handle() string {
	return s.handle
}

// SetHandle replaces the handle. Callers must hold the session lock.
func (s *Session) SetHandle(handle string) {
	if handle == s.handle {
		return
	}
	s.handle = handle
	s.mgr.persist(s.Key, handle)
}

// ClearHandle forgets the handle so the next request starts fresh. Callers
// must hold the session lock.
func (s *Session) ClearHandle() {
	s.SetHandle("")
}

type entry struct {
	lock    chan struct{} // 1-slot semaphore, so acquisition can honour ctx
	session *Session
}

// Manager maps chat identities to sessions. Each identity has its own lock;
// the map lock is only held to look entries up, never while waiting on one.
type Manager struct {
	logger    *zap.Logger
	persister Persister
	entries   map[string]*entry
	mu        sync.RWMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used for persistence failures.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPersister mirrors every handle change into p. Previously saved handles
// are loaded when the manager is created.
func WithPersister(p Persister) Option {
	return func(m *Manager) {
		m.persister = p
	}
}

// NewManager creates a new session manager.
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{
		logger:  zap.NewNop(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.persister != nil {
		saved, err := m.persister.Load()
		if err != nil {
			return nil, err
		}
		for key, handle := range saved {
			e := m.entry(key)
			e.session.handle = handle
		}
		m.logger.Info("restored conversation handles", zap.Int("count", len(saved)))
	}
	return m, nil
}

func (m *Manager) entry(key string) *entry {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e
	}
	e = &entry{
		lock:    make(chan struct{}, 1),
		session: &Session{Key: key, mgr: m},
	}
	m.entries[key] = e
	return e
}

// WithLock runs fn while holding the lock for key. Calls for the same key are
// serialized in arrival order at the lock; different keys run concurrently.
// It returns ctx.Err() if the context ends before the lock is acquired.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(*Session) error) error {
	e := m.entry(key)
	select {
	case e.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.lock }()
	return fn(e.session)
}

// Handle returns the current handle for key and whether one is set.
func (m *Manager) Handle(key string) (string, bool) {
	var handle string
	_ = m.WithLock(context.Background(), key, func(s *Session) error {
		handle = s.Handle()
		return nil
	})
	return handle, handle != ""
}

// SetHandle stores a handle for key.
func (m *Manager) SetHandle(key, handle string) {
	_ = m.WithLock(context.Background(), key, func(s *Session) error {
		s.SetHandle(handle)
		return nil
	})
}

// ClearHandle removes the handle for key.
func (m *Manager) ClearHandle(key string) {
	_ = m.WithLock(context.Background(), key, func(s *Session) error {
		s.ClearHandle()
		return nil
	})
}

// Len returns the number of identities seen so far.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Snapshot returns the non-empty handles. Sessions busy in a request are
// skipped rather than waited on.
func (m *Manager) Snapshot() map[string]string {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make(map[string]string)
	for _, e := range entries {
		select {
		case e.lock <- struct{}{}:
			if h := e.session.handle; h != "" {
				out[e.session.Key] = h
			}
			<-e.lock
		default:
		}
	}
	return out
}

// Close releases the persister, if any.
func (m *Manager) Close() error {
	if m.persister == nil {
		return nil
	}
	return m.persister.Close()
}

func (m *Manager) persist(key, handle string) {
	if m.persister == nil {
		return
	}
	var err error
	if handle == "" {
		err = m.persister.Delete(key)
	} else {
		err = m.persister.Save(key, handle)
	}
	if err != nil {
		m.logger.Warn("persist conversation handle failed", zap.String("chat", key), zap.Error(err))
	}
}
