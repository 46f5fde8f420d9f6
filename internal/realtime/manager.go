package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/frame"
	"github.com/matheus3301/campus/internal/status"
	"go.uber.org/zap"
)

// Conn is one open socket.
type Conn interface {
	// Read blocks for the next text frame. A peer close is reported as *CloseError.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Dialer opens a socket to endpoint. A rejected handshake is reported as *AuthError.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (Conn, error)
}

// Handler receives every inbound frame, one at a time, in arrival order.
type Handler func(ctx context.Context, raw []byte)

// Options configures a Manager.
type Options struct {
	Dialer      Dialer
	Machine     *status.Machine
	Bus         *bus.Bus
	Logger      *zap.Logger
	RetryDelay  time.Duration
	DialTimeout time.Duration
}

// Manager owns the single live connection and drives the state machine.
type Manager struct {
	dialer      Dialer
	machine     *status.Machine
	bus         *bus.Bus
	logger      *zap.Logger
	retryDelay  time.Duration
	dialTimeout time.Duration

	handlerMu sync.RWMutex
	handler   Handler

	mu       sync.Mutex
	endpoint string
	token    string
	conn     Conn
	cancel   context.CancelFunc
	timer    *time.Timer
	closed   bool
	gen      uint64
}

// NewManager creates a manager in the disconnected state.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Machine == nil {
		opts.Machine = status.NewMachine(opts.Bus, true)
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 15 * time.Second
	}
	return &Manager{
		dialer:      opts.Dialer,
		machine:     opts.Machine,
		bus:         opts.Bus,
		logger:      opts.Logger,
		retryDelay:  opts.RetryDelay,
		dialTimeout: opts.DialTimeout,
	}
}

// SetHandler registers the frame handler. It replaces any previous one.
func (m *Manager) SetHandler(h Handler) {
	m.handlerMu.Lock()
	m.handler = h
	m.handlerMu.Unlock()
}

// State returns the current connection state.
func (m *Manager) State() status.State {
	return m.machine.Current()
}

// Generation counts successful opens. It changes every time a new socket
// replaces the previous one.
func (m *Manager) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// Connect opens the connection. It is a no-op while a connection is open or
// being established.
func (m *Manager) Connect(ctx context.Context, endpoint, token string) error {
	m.mu.Lock()
	switch m.machine.Current() {
	case status.Connecting, status.Connected, status.Reconnecting:
		m.mu.Unlock()
		return nil
	}
	m.endpoint, m.token = endpoint, token
	m.closed = false
	m.mu.Unlock()

	if _, err := m.machine.Fire(status.EventConnect); err != nil {
		return err
	}
	return m.dial(ctx)
}

func (m *Manager) dial(ctx context.Context) error {
	m.mu.Lock()
	endpoint, token := m.endpoint, m.token
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	conn, err := m.dialer.Dial(ctx, endpoint, token)
	cancel()
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			m.rejectAuth(authErr)
			return authErr
		}
		connErr := &ConnectionError{Op: "dial", Err: err}
		m.logger.Warn("dial failed", zap.Error(err))
		m.fail()
		return connErr
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Close(CloseNormal, "client disconnect")
		return ErrClosed
	}
	readCtx, readCancel := context.WithCancel(context.Background())
	m.conn = conn
	m.cancel = readCancel
	m.gen++
	m.mu.Unlock()

	if _, err := m.machine.Fire(status.EventOpen); err != nil {
		m.logger.Warn("open after state change", zap.Error(err))
	}
	m.logger.Info("connected", zap.String("endpoint", endpoint))

	go m.readLoop(readCtx, conn)
	return nil
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) {
	first := true
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			m.readFailed(conn, err)
			return
		}
		if first {
			first = false
			if reason, ok := authErrorFrame(data); ok {
				if m.detach(conn) {
					_ = conn.Close(CloseNormal, "")
					m.rejectAuth(&AuthError{Reason: reason})
				}
				return
			}
		}
		m.deliver(ctx, data)
	}
}

func (m *Manager) deliver(ctx context.Context, data []byte) {
	m.handlerMu.RLock()
	defer m.handlerMu.RUnlock()
	if m.handler != nil {
		m.handler(ctx, data)
	}
}

// detach forgets conn if it is still the current connection. It reports
// false when conn was superseded or closed on purpose.
func (m *Manager) detach(conn Conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != conn || m.closed {
		return false
	}
	m.conn = nil
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	return true
}

func (m *Manager) readFailed(conn Conn, err error) {
	if !m.detach(conn) {
		return
	}
	var ce *CloseError
	switch {
	case errors.As(err, &ce) && isAuthClose(ce.Code):
		m.rejectAuth(&AuthError{Code: ce.Code, Reason: ce.Reason})
	case errors.As(err, &ce) && ce.Code == CloseNormal:
		m.logger.Info("connection closed by peer", zap.String("reason", ce.Reason))
		if _, err := m.machine.Fire(status.EventClose); err != nil {
			m.logger.Debug("close transition", zap.Error(err))
		}
	default:
		m.logger.Warn("connection lost", zap.Error(err))
		m.fail()
	}
}

func (m *Manager) rejectAuth(err *AuthError) {
	m.logger.Error("authentication rejected", zap.Error(err))
	if _, ferr := m.machine.Fire(status.EventAuthRejected); ferr != nil {
		m.logger.Debug("auth transition", zap.Error(ferr))
	}
	m.bus.Emit(bus.KindAuthFailed, err)
}

func (m *Manager) fail() {
	st, err := m.machine.Fire(status.EventError)
	if err != nil || st != status.Reconnecting {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.logger.Info("reconnecting", zap.Duration("delay", m.retryDelay))
	m.timer = time.AfterFunc(m.retryDelay, m.retry)
}

func (m *Manager) retry() {
	m.mu.Lock()
	m.timer = nil
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	if _, err := m.machine.Fire(status.EventRetry); err != nil {
		return
	}
	_ = m.dial(context.Background())
}

// Send encodes f and writes it as one text frame. It fails fast with
// ErrNotConnected when the connection is not open.
func (m *Manager) Send(ctx context.Context, f frame.Outbound) error {
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil || m.machine.Current() != status.Connected {
		return ErrNotConnected
	}
	if err := conn.Write(ctx, data); err != nil {
		return &ConnectionError{Op: "write", Err: err}
	}
	return nil
}

// Close deregisters the frame handler, cancels any pending retry and closes
// the socket. No handler call starts after Close returns.
func (m *Manager) Close() error {
	m.SetHandler(nil)

	m.mu.Lock()
	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	conn, cancel := m.conn, m.cancel
	m.conn, m.cancel = nil, nil
	m.mu.Unlock()

	if m.machine.Current() != status.Disconnected {
		if _, err := m.machine.Fire(status.EventClose); err != nil {
			m.logger.Debug("close transition", zap.Error(err))
		}
	}

	var err error
	if conn != nil {
		err = conn.Close(CloseNormal, "client disconnect")
	}
	if cancel != nil {
		cancel()
	}
	return err
}

func authErrorFrame(data []byte) (string, bool) {
	var env struct {
		Type    string `json:"type"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &env) != nil || env.Type != frame.TypeAuthError {
		return "", false
	}
	if env.Reason == "" {
		env.Reason = env.Message
	}
	return env.Reason, true
}
