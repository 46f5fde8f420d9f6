package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/frame"
	"github.com/matheus3301/campus/internal/realtime"
	"github.com/matheus3301/campus/internal/status"
	"github.com/matheus3301/campus/internal/store"
	"go.uber.org/zap"
)

// mockConn records frames and returns configurable results.
type mockConn struct {
	mu    sync.Mutex
	state status.State
	sent  []*frame.SendMessage
	err   error
}

func (m *mockConn) Send(_ context.Context, f frame.Outbound) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, f.(*frame.SendMessage))
	return nil
}

func (m *mockConn) State() status.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *mockConn) Sent() []*frame.SendMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*frame.SendMessage(nil), m.sent...)
}

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func draft(body string) Draft {
	return Draft{CommunityID: "5", SenderID: "1", SenderName: "Ana", Body: body}
}

func TestQueueWritesOptimisticEntry(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindMessageUpserted, 1)
	defer unsub()

	tempID, err := Queue(context.Background(), db, b, draft("hello"))
	if err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("5", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	m := msgs[0]
	if m.MsgID != tempID || m.TempID != tempID || m.Status != store.StatusPending || !m.FromMe {
		t.Errorf("optimistic entry = %+v", m)
	}

	lm, err := db.GetLastMessage("5")
	if err != nil {
		t.Fatal(err)
	}
	if lm == nil || lm.MsgID != tempID || lm.Status != store.StatusPending {
		t.Errorf("projection = %+v, want pending %s", lm, tempID)
	}

	entry, err := db.GetOutbox(tempID)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || entry.Status != store.OutboxQueued {
		t.Fatalf("outbox entry = %+v, want queued", entry)
	}

	select {
	case evt := <-ch:
		if ref := evt.Payload.(bus.MessageRef); ref.TempID != tempID {
			t.Errorf("event ref = %+v", ref)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.upserted")
	}
}

func TestQueueRejectsEmptyDraft(t *testing.T) {
	db := testDB(t)
	_, err := Queue(context.Background(), db, bus.New(), draft(""))
	if !errors.Is(err, ErrEmptyDraft) {
		t.Fatalf("err = %v, want ErrEmptyDraft", err)
	}

	d := draft("")
	d.Image = "https://cdn/x.png"
	if _, err := Queue(context.Background(), db, bus.New(), d); err != nil {
		t.Fatalf("attachment-only draft: %v", err)
	}
}

func TestQueueCarriesReply(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	err := db.WithConversation(ctx, "5", func(tx *store.Tx) error {
		return tx.UpsertMessage(&store.Message{MsgID: "10", SenderName: "Bo", Body: "quiz at 3?", Status: store.StatusRead, SentAt: 1000})
	})
	if err != nil {
		t.Fatal(err)
	}

	d := draft("yes")
	d.ReplyToID = "10"
	tempID, err := Queue(ctx, db, bus.New(), d)
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := db.ListMessages("5", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].MsgID != tempID || msgs[0].ReplySnippet != "quiz at 3?" || msgs[0].ReplySender != "Bo" {
		t.Errorf("head = %+v", msgs[0])
	}
	entry, err := db.GetOutbox(tempID)
	if err != nil {
		t.Fatal(err)
	}
	want := fmt.Sprintf(`{"type":"send_message","community_id":5,"message":"yes","sender":"Ana","sender_id":1,"temp_id":%q,"reply_to":10}`, tempID)
	if entry.Payload != want {
		t.Errorf("payload = %s\nwant      %s", entry.Payload, want)
	}
}

func TestSenderTransmitsWhenConnected(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	conn := &mockConn{state: status.Disconnected}
	logger, _ := zap.NewDevelopment()
	s := NewSender(db, conn, b, logger, Options{Rate: 1000})

	tempID, err := Queue(context.Background(), db, b, draft("hello"))
	if err != nil {
		t.Fatal(err)
	}

	// Nothing goes out while disconnected.
	s.Flush(context.Background())
	if len(conn.Sent()) != 0 {
		t.Fatalf("sent %d frames while disconnected", len(conn.Sent()))
	}

	conn.mu.Lock()
	conn.state = status.Connected
	conn.mu.Unlock()
	s.Flush(context.Background())

	sent := conn.Sent()
	if len(sent) != 1 {
		t.Fatalf("got %d frames, want 1", len(sent))
	}
	if sent[0].TempID != tempID || sent[0].Message != "hello" || sent[0].CommunityID != "5" {
		t.Errorf("frame = %+v", sent[0])
	}
	entry, err := db.GetOutbox(tempID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != store.OutboxSent {
		t.Errorf("outbox status = %q, want sent", entry.Status)
	}

	// A second flush does not resend.
	s.Flush(context.Background())
	if len(conn.Sent()) != 1 {
		t.Errorf("resent frame: %d", len(conn.Sent()))
	}
}

func TestSenderRequeuesWhenConnectionDrops(t *testing.T) {
	db := testDB(t)
	conn := &mockConn{state: status.Connected, err: realtime.ErrNotConnected}
	s := NewSender(db, conn, bus.New(), nil, Options{Rate: 1000})

	tempID, err := Queue(context.Background(), db, bus.New(), draft("hello"))
	if err != nil {
		t.Fatal(err)
	}
	s.Flush(context.Background())

	entry, err := db.GetOutbox(tempID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != store.OutboxQueued {
		t.Errorf("outbox status = %q, want queued", entry.Status)
	}
}

func TestSenderHandlesFailure(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	conn := &mockConn{state: status.Connected, err: errors.New("encode: frame has no type")}
	s := NewSender(db, conn, b, nil, Options{Rate: 1000})

	ch, unsub := b.Subscribe(bus.KindSendFailed, 10)
	defer unsub()

	tempID, err := Queue(context.Background(), db, b, draft("hello"))
	if err != nil {
		t.Fatal(err)
	}
	s.Flush(context.Background())

	msgs, err := db.ListMessages("5", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].Status != store.StatusFailed {
		t.Errorf("message status = %q, want failed", msgs[0].Status)
	}
	select {
	case evt := <-ch:
		if got := evt.Payload.(SendFailed); got.TempID != tempID {
			t.Errorf("payload = %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for send_failed event")
	}
}

func TestUnconfirmedMessageFailsAfterTimeout(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	conn := &mockConn{state: status.Connected}
	s := NewSender(db, conn, b, nil, Options{Rate: 1000, ConfirmTimeout: 20 * time.Millisecond})

	tempID, err := Queue(context.Background(), db, b, draft("hello"))
	if err != nil {
		t.Fatal(err)
	}
	s.Flush(context.Background())
	s.ExpireUnconfirmed(context.Background())

	lm, err := db.GetLastMessage("5")
	if err != nil {
		t.Fatal(err)
	}
	if lm.Status != store.StatusPending {
		t.Fatalf("expired too early: %q", lm.Status)
	}

	time.Sleep(50 * time.Millisecond)
	s.ExpireUnconfirmed(context.Background())

	lm, err = db.GetLastMessage("5")
	if err != nil {
		t.Fatal(err)
	}
	if lm.Status != store.StatusFailed {
		t.Errorf("projection status = %q, want failed", lm.Status)
	}
	entry, err := db.GetOutbox(tempID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != store.OutboxFailed {
		t.Errorf("outbox status = %q, want failed", entry.Status)
	}
}

func TestConfirmedMessageNeverExpires(t *testing.T) {
	db := testDB(t)
	conn := &mockConn{state: status.Connected}
	s := NewSender(db, conn, bus.New(), nil, Options{Rate: 1000, ConfirmTimeout: time.Millisecond})

	tempID, err := Queue(context.Background(), db, bus.New(), draft("hello"))
	if err != nil {
		t.Fatal(err)
	}
	s.Flush(context.Background())
	err = db.WithConversation(context.Background(), "5", func(tx *store.Tx) error {
		_, err := tx.MarkOutboxConfirmed(tempID, "99")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)
	s.ExpireUnconfirmed(context.Background())

	entry, err := db.GetOutbox(tempID)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != store.OutboxConfirmed {
		t.Errorf("outbox status = %q, want confirmed", entry.Status)
	}
}

func TestStartRequeuesInFlight(t *testing.T) {
	db := testDB(t)
	conn := &mockConn{state: status.Connected}

	tempID, err := Queue(context.Background(), db, bus.New(), draft("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.MarkOutboxSending(tempID); err != nil {
		t.Fatal(err)
	}

	s := NewSender(db, conn, bus.New(), nil, Options{Interval: 10 * time.Millisecond, Rate: 1000})
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(conn.Sent()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("in-flight entry was never retransmitted")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
