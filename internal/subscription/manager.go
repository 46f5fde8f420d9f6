// Package subscription keeps the live connection joined to every community
// the user belongs to, across reconnects.
package subscription

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/frame"
	"github.com/matheus3301/campus/internal/realtime"
	"github.com/matheus3301/campus/internal/restapi"
	"github.com/matheus3301/campus/internal/status"
	"github.com/matheus3301/campus/internal/store"
	"go.uber.org/zap"
)

// Conn is the live connection.
type Conn interface {
	Send(ctx context.Context, f frame.Outbound) error
	State() status.State
	Generation() uint64
}

// Directory lists the communities the user is known to belong to.
type Directory interface {
	Conversations(ctx context.Context) ([]restapi.Conversation, error)
	ForgetConversation(id string) error
}

// Manager tracks the wanted and joined community sets.
type Manager struct {
	db           *store.DB
	conn         Conn
	dir          Directory
	bus          *bus.Bus
	logger       *zap.Logger
	fetchHistory bool

	mu      sync.Mutex
	wanted  map[string]bool
	left    map[string]bool
	joined  map[string]bool // for connection generation bootGen
	bootGen uint64
	pending []*frame.Control

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a subscription manager. When fetchHistory is set every
// join is followed by a fetch_history request.
func NewManager(db *store.DB, conn Conn, dir Directory, b *bus.Bus, logger *zap.Logger, fetchHistory bool) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:           db,
		conn:         conn,
		dir:          dir,
		bus:          b,
		logger:       logger,
		fetchHistory: fetchHistory,
		wanted:       make(map[string]bool),
		left:         make(map[string]bool),
		joined:       make(map[string]bool),
	}
}

// Start bootstraps on every transition into connected.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	ch, unsub := m.bus.Subscribe(bus.KindStateChanged, 16)

	go func() {
		defer close(m.done)
		defer unsub()
		for {
			select {
			case evt := <-ch:
				change, ok := evt.Payload.(status.StatusChange)
				if ok && change.To == status.Connected {
					if err := m.Bootstrap(ctx); err != nil {
						m.logger.Warn("bootstrap incomplete", zap.Error(err))
					}
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// The connection may already be open.
	if m.conn.State() == status.Connected {
		go func() {
			if err := m.Bootstrap(ctx); err != nil {
				m.logger.Warn("bootstrap incomplete", zap.Error(err))
			}
		}()
	}
}

// Stop stops reacting to connection changes.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// live reports whether frames can go out directly: the socket is open and
// this connection has been bootstrapped. Callers hold m.mu.
func (m *Manager) live() bool {
	return m.conn.State() == status.Connected && m.conn.Generation() == m.bootGen && m.bootGen != 0
}

// Subscribe joins a community. It is idempotent within one connection and
// queues the join while disconnected.
func (m *Manager) Subscribe(ctx context.Context, id string) error {
	if err := m.mirror(id); err != nil {
		m.logger.Warn("mirror community", zap.String("community_id", id), zap.Error(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.wanted[id] = true
	delete(m.left, id)

	if !m.live() {
		m.enqueue(frame.Join(frame.ID(id)))
		return nil
	}
	err := m.joinOnce(ctx, id)
	if errors.Is(err, realtime.ErrNotConnected) {
		m.enqueue(frame.Join(frame.ID(id)))
		return nil
	}
	return err
}

// Unsubscribe leaves a community and drops its local data.
func (m *Manager) Unsubscribe(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.wanted, id)
	delete(m.joined, id)
	m.left[id] = true
	leave := frame.Leave(frame.ID(id))
	if m.live() {
		if err := m.conn.Send(ctx, leave); err != nil {
			m.logger.Debug("leave deferred", zap.String("community_id", id), zap.Error(err))
			m.enqueue(leave)
		}
	} else {
		m.enqueue(leave)
	}
	m.mu.Unlock()

	if err := m.dir.ForgetConversation(id); err != nil {
		m.logger.Warn("forget conversation", zap.String("community_id", id), zap.Error(err))
	}
	if err := m.db.DeleteCommunity(ctx, id); err != nil {
		return err
	}
	m.bus.Emit(bus.KindLeft, id)
	return nil
}

// Bootstrap re-subscribes the current connection to every known and wanted
// community, flushing control frames queued while disconnected. Running it
// again on the same connection does nothing.
func (m *Manager) Bootstrap(ctx context.Context) error {
	gen := m.conn.Generation()
	m.mu.Lock()
	if gen == m.bootGen {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	known, dirErr := m.dir.Conversations(ctx)
	if dirErr != nil {
		m.logger.Warn("known conversations unavailable", zap.Error(dirErr))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen == m.bootGen || gen != m.conn.Generation() {
		return nil
	}
	m.bootGen = gen
	m.joined = make(map[string]bool)

	for _, c := range known {
		id := c.ID.String()
		if !m.left[id] {
			m.wanted[id] = true
		}
	}

	queued := m.pending
	m.pending = nil
	for i, f := range queued {
		var err error
		switch f.Type {
		case frame.TypeJoinCommunity:
			if m.wanted[f.CommunityID.String()] {
				err = m.joinOnce(ctx, f.CommunityID.String())
			}
		default:
			err = m.conn.Send(ctx, f)
		}
		if unsendable(err) {
			m.logger.Warn("dropping queued frame", zap.String("type", f.Type),
				zap.String("community_id", f.CommunityID.String()), zap.Error(err))
			continue
		}
		if err != nil {
			m.pending = append(m.pending, queued[i:]...)
			m.bootGen = 0
			return err
		}
	}

	ids := make([]string, 0, len(m.wanted))
	for id := range m.wanted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		err := m.joinOnce(ctx, id)
		if unsendable(err) {
			m.logger.Warn("skipping community", zap.String("community_id", id), zap.Error(err))
			continue
		}
		if err != nil {
			m.bootGen = 0
			return err
		}
	}

	m.logger.Info("subscriptions bootstrapped", zap.Int("communities", len(m.joined)), zap.Uint64("generation", gen))
	return nil
}

// Joined returns the communities joined on the current connection.
func (m *Manager) Joined() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.joined))
	for id := range m.joined {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// joinOnce sends join (and fetch_history) unless id is already joined.
// Callers hold m.mu.
func (m *Manager) joinOnce(ctx context.Context, id string) error {
	if m.joined[id] {
		return nil
	}
	if err := m.conn.Send(ctx, frame.Join(frame.ID(id))); err != nil {
		return err
	}
	m.joined[id] = true
	if m.fetchHistory {
		if err := m.conn.Send(ctx, frame.FetchHistory(frame.ID(id))); err != nil {
			m.logger.Debug("fetch_history not sent", zap.String("community_id", id), zap.Error(err))
		}
	}
	m.bus.Emit(bus.KindJoined, id)
	return nil
}

// unsendable reports an error that retrying the same frame cannot fix.
func unsendable(err error) bool {
	var encErr *frame.EncodeError
	return errors.As(err, &encErr)
}

// enqueue appends f unless an identical control frame is already queued.
// A leave cancels a queued join for the same community and vice versa.
func (m *Manager) enqueue(f *frame.Control) {
	out := make([]*frame.Control, 0, len(m.pending)+1)
	for _, p := range m.pending {
		if p.CommunityID == f.CommunityID {
			if p.Type == f.Type {
				return
			}
			continue
		}
		out = append(out, p)
	}
	m.pending = append(out, f)
}

func (m *Manager) mirror(id string) error {
	c, err := m.db.GetCommunity(id)
	if err != nil || c != nil {
		return err
	}
	return m.db.UpsertCommunity(&store.Community{ID: id})
}
