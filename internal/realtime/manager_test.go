package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/frame"
	"github.com/matheus3301/campus/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	in     chan []byte
	errc   chan error
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written [][]byte
	code    int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		errc:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case d := <-c.in:
		return d, nil
	case err := <-c.errc:
		return nil, err
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.code = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) Written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, w := range c.written {
		out[i] = string(w)
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	errs  []error
	conns []*fakeConn
	dials int
}

func (d *fakeDialer) Dial(_ context.Context, _, _ string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type recorder struct {
	mu     sync.Mutex
	frames []string
}

func (r *recorder) handle(_ context.Context, raw []byte) {
	r.mu.Lock()
	r.frames = append(r.frames, string(raw))
	r.mu.Unlock()
}

func (r *recorder) Frames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func newTestManager(t *testing.T, d *fakeDialer, retry bool) (*Manager, *bus.Bus, *recorder) {
	t.Helper()
	b := bus.New()
	m := NewManager(Options{
		Dialer:     d,
		Machine:    status.NewMachine(b, retry),
		Bus:        b,
		RetryDelay: 10 * time.Millisecond,
	})
	rec := &recorder{}
	m.SetHandler(rec.handle)
	t.Cleanup(func() { _ = m.Close() })
	return m, b, rec
}

func TestConnectDeliversFramesInOrder(t *testing.T) {
	d := &fakeDialer{}
	m, _, rec := newTestManager(t, d, true)

	require.NoError(t, m.Connect(context.Background(), "ws://x", "tok"))
	assert.Equal(t, status.Connected, m.State())

	conn := d.Last()
	for _, f := range []string{`{"n":1}`, `{"n":2}`, `{"n":3}`} {
		conn.in <- []byte(f)
	}
	require.Eventually(t, func() bool { return len(rec.Frames()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, rec.Frames())
}

func TestConnectIsNoopWhenConnected(t *testing.T) {
	d := &fakeDialer{}
	m, _, _ := newTestManager(t, d, true)

	require.NoError(t, m.Connect(context.Background(), "ws://x", "tok"))
	require.NoError(t, m.Connect(context.Background(), "ws://x", "tok"))
	assert.Equal(t, 1, d.Dials())
}

func TestSendRequiresConnection(t *testing.T) {
	d := &fakeDialer{}
	m, _, _ := newTestManager(t, d, true)

	err := m.Send(context.Background(), frame.Join("7"))
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, m.Connect(context.Background(), "ws://x", "tok"))
	require.NoError(t, m.Send(context.Background(), frame.Join("7")))
	assert.Equal(t, []string{`{"type":"join_community","community_id":7}`}, d.Last().Written())
}

func TestPeerNormalCloseDisconnectsWithoutRetry(t *testing.T) {
	d := &fakeDialer{}
	m, _, _ := newTestManager(t, d, true)

	require.NoError(t, m.Connect(context.Background(), "ws://x", "tok"))
	d.Last().errc <- &CloseError{Code: CloseNormal, Reason: "bye"}

	require.Eventually(t, func() bool { return m.State() == status.Disconnected }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
}

func TestTransportErrorReconnects(t *testing.T) {
	d := &fakeDialer{}
	m, b, rec := newTestManager(t, d, true)
	events, unsub := b.Subscribe(bus.KindStateChanged, 32)
	defer unsub()

	require.NoError(t, m.Connect(context.Background(), "ws://x", "tok"))
	d.Last().errc <- errors.New("connection reset")

	require.Eventually(t, func() bool { return d.Dials() == 2 && m.State() == status.Connected }, time.Second, 5*time.Millisecond)

	var path []status.State
	for len(path) < 5 {
		select {
		case evt := <-events:
			path = append(path, evt.Payload.(status.StatusChange).To)
		case <-time.After(time.Second):
			t.Fatalf("state path so far: %v", path)
		}
	}
	assert.Equal(t, []status.State{
		status.Connecting, status.Connected,
		status.Reconnecting, status.Connecting, status.Connected,
	}, path)

	assert.Equal(t, uint64(2), m.Generation())

	d.Last().in <- []byte(`{"after":"reconnect"}`)
	require.Eventually(t, func() bool { return len(rec.Frames()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestTransportErrorWithoutRetryDisconnects(t *testing.T) {
	d := &fakeDialer{}
	m, _, _ := newTestManager(t, d, false)

	require.NoError(t, m.Connect(context.Background(), "ws://x", "tok"))
	d.Last().errc <- errors.New("connection reset")

	require.Eventually(t, func() bool { return m.State() == status.Disconnected }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
}

func TestDialFailureRetriesUntilOpen(t *testing.T) {
	d := &fakeDialer{errs: []error{nil, errors.New("refused"), errors.New("refused")}}
	m, _, _ := newTestManager(t, d, true)

	require.NoError(t, m.Connect(context.Background(), "ws://x", "tok"))
	d.Last().errc <- errors.New("reset")

	require.Eventually(t, func() bool { return d.Dials() == 4 && m.State() == status.Connected }, time.Second, 5*time.Millisecond)
}

func TestAuthRejectedAtDialIsTerminal(t *testing.T) {
	d := &fakeDialer{errs: []error{&AuthError{Status: 401}}}
	m, b, _ := newTestManager(t, d, true)
	authEvents, unsub := b.Subscribe(bus.KindAuthFailed, 1)
	defer unsub()

	err := m.Connect(context.Background(), "ws://x", "bad")
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 401, authErr.Status)
	assert.Equal(t, status.Disconnected, m.State())

	select {
	case <-authEvents:
	case <-time.After(time.Second):
		t.Fatal("no session.auth_failed event")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
}

func TestAuthCloseCodeIsTerminal(t *testing.T) {
	d := &fakeDialer{}
	m, b, _ := newTestManager(t, d, true)
	authEvents, unsub := b.Subscribe(bus.KindAuthFailed, 1)
	defer unsub()

	require.NoError(t, m.Connect(context.Background(), "ws://x", "tok"))
	d.Last().errc <- &CloseError{Code: CloseUnauthorized, Reason: "token expired"}

	select {
	case evt := <-authEvents:
		assert.Equal(t, CloseUnauthorized, evt.Payload.(*AuthError).Code)
	case <-time.After(time.Second):
		t.Fatal("no session.auth_failed event")
	}
	assert.Equal(t, status.Disconnected, m.State())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
}

func TestAuthErrorFirstFrameIsTerminal(t *testing.T) {
	d := &fakeDialer{}
	m, _, rec := newTestManager(t, d, true)

	require.NoError(t, m.Connect(context.Background(), "ws://x", "tok"))
	d.Last().in <- []byte(`{"type":"auth_error","reason":"invalid token"}`)

	require.Eventually(t, func() bool { return m.State() == status.Disconnected }, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.Frames())
}

func TestCloseDeregistersHandlerAndCancelsRetry(t *testing.T) {
	d := &fakeDialer{}
	m, _, rec := newTestManager(t, d, true)

	require.NoError(t, m.Connect(context.Background(), "ws://x", "tok"))
	conn := d.Last()
	require.NoError(t, m.Close())

	assert.Equal(t, status.Disconnected, m.State())
	conn.mu.Lock()
	assert.Equal(t, CloseNormal, conn.code)
	conn.mu.Unlock()
	assert.Empty(t, rec.Frames())
	assert.ErrorIs(t, m.Send(context.Background(), frame.Join("1")), ErrNotConnected)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
}

func TestCloseDuringBackoffStopsRetry(t *testing.T) {
	d := &fakeDialer{}
	b := bus.New()
	m := NewManager(Options{
		Dialer:     d,
		Machine:    status.NewMachine(b, true),
		Bus:        b,
		RetryDelay: 100 * time.Millisecond,
	})

	require.NoError(t, m.Connect(context.Background(), "ws://x", "tok"))
	d.Last().errc <- errors.New("reset")
	require.Eventually(t, func() bool { return m.State() == status.Reconnecting }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Close())
	assert.Equal(t, status.Disconnected, m.State())
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
}
