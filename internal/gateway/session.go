package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrSessionNotFound is returned for lookups of identifiers absent from the
// session table.
var ErrSessionNotFound = errors.New("gateway: session not found")

// Session binds one client conversation to its transport and its own
// protocol server instance.
type Session struct {
	ID        string
	CreatedAt time.Time

	transport *sessionTransport
	server    *mcp.Server
	conn      *mcp.ServerSession
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() {
	// Closing the transport unblocks the protocol layer's read loop and
	// fires the manager's removal callback.
	_ = s.transport.Close()
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// SessionManager owns the process-wide table of live sessions. The table is
// the only structure here needing synchronization; each session's transport
// is independent once created.
type SessionManager struct {
	newServer func() *mcp.Server
	mode      deliveryMode
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	onCreate    func()
	onTerminate func()
}

// NewSessionManager builds an empty session table. newServer must return a
// freshly constructed server (with tools registered) per call: sessions do
// not share protocol state.
func NewSessionManager(newServer func() *mcp.Server, mode deliveryMode, logger *slog.Logger) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		newServer: newServer,
		mode:      mode,
		logger:    logger,
		sessions:  make(map[string]*Session),
	}
}

// Create allocates a session with a never-before-issued identifier, connects
// a fresh server instance to its transport, and registers it.
func (m *SessionManager) Create(ctx context.Context) (*Session, error) {
	id := uuid.NewString()
	transport := newSessionTransport(id, m.mode)
	session := &Session{
		ID:        id,
		CreatedAt: time.Now(),
		transport: transport,
		server:    m.newServer(),
	}
	transport.onClose = func() { m.remove(id) }

	conn, err := session.server.Connect(ctx, transport, nil)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}
	session.conn = conn

	m.mu.Lock()
	m.sessions[id] = session
	m.mu.Unlock()

	if m.onCreate != nil {
		m.onCreate()
	}
	m.logger.Debug("session created", "session", id)
	return session, nil
}

// Get looks up an open session.
func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Terminate closes and removes a session. Terminating an unknown identifier
// is a successful no-op.
func (m *SessionManager) Terminate(id string) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	session.Close()
	m.logger.Debug("session terminated", "session", id)
}

// Count reports the number of open sessions.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll tears down every session, for process shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		open = append(open, session)
	}
	m.mu.Unlock()
	for _, session := range open {
		session.Close()
	}
}

// remove drops the table entry; invoked by the transport's close hook so
// that sessions vanish however their transport ends.
func (m *SessionManager) remove(id string) {
	m.mu.Lock()
	_, existed := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if existed && m.onTerminate != nil {
		m.onTerminate()
	}
}
