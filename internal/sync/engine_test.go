package sync

import (
	"context"
	"errors"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/frame"
	"github.com/matheus3301/campus/internal/realtime"
	"github.com/matheus3301/campus/internal/store"
)

const self = "1"

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

type fakeSender struct {
	mu     gosync.Mutex
	frames []frame.Outbound
	err    error
}

func (s *fakeSender) Send(_ context.Context, f frame.Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSender) Sent() []frame.Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame.Outbound(nil), s.frames...)
}

func newEngine(t *testing.T) (*Engine, *store.DB, *fakeSender, *bus.Bus) {
	t.Helper()
	db := testDB(t)
	b := bus.New()
	s := &fakeSender{}
	return NewEngine(db, b, s, self, nil), db, s, b
}

func chat(community, id, sender string, at int64, body string) frame.ChatMessage {
	return frame.ChatMessage{
		ID:          frame.ID(id),
		CommunityID: frame.ID(community),
		Sender:      "user " + sender,
		SenderID:    frame.ID(sender),
		Message:     body,
		SentAt:      frame.Time(at),
	}
}

// logOf returns the community log without row ids so snapshots compare by content.
func logOf(t *testing.T, db *store.DB, community string) []store.Message {
	t.Helper()
	msgs, err := db.ListMessages(community, 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

var ignoreRowID = cmpopts.IgnoreFields(store.Message{}, "ID")

func ids(msgs []store.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.MsgID
	}
	return out
}

func queueOptimistic(t *testing.T, db *store.DB, community, tempID, body string, at int64) {
	t.Helper()
	err := db.WithConversation(context.Background(), community, func(tx *store.Tx) error {
		if err := tx.UpsertMessage(&store.Message{
			MsgID: tempID, TempID: tempID, SenderID: self, Body: body,
			Status: store.StatusPending, FromMe: true, SentAt: at,
		}); err != nil {
			return err
		}
		if err := tx.QueueOutbox(tempID, "{}"); err != nil {
			return err
		}
		_, err := tx.RefreshLastMessage()
		return err
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLogStaysSortedAfterEveryInsert(t *testing.T) {
	e, db, _, _ := newEngine(t)
	ctx := context.Background()

	for i, at := range []int64{3000, 1000, 5000, 2000, 4000} {
		m := chat("c1", string(rune('a'+i)), "2", at, "x")
		if err := e.ApplyIncomingMessage(ctx, &m); err != nil {
			t.Fatal(err)
		}
		log := logOf(t, db, "c1")
		for j := 1; j < len(log); j++ {
			if log[j-1].SentAt < log[j].SentAt {
				t.Fatalf("after insert %d log not descending: %v", i, ids(log))
			}
		}
	}
}

func TestHistorySnapshotBuildsLogAndProjection(t *testing.T) {
	e, db, _, b := newEngine(t)
	ch, unsub := b.Subscribe(bus.KindHistoryReplaced, 1)
	defer unsub()

	snapshot := []frame.ChatMessage{
		chat("c1", "1", "2", 1000, "first"),
		chat("c1", "3", "2", 3000, "third"),
		chat("c1", "2", "2", 2000, "second"),
	}
	if err := e.ApplyHistorySnapshot(context.Background(), "c1", snapshot); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"3", "2", "1"}, ids(logOf(t, db, "c1"))); diff != "" {
		t.Errorf("log order (-want +got):\n%s", diff)
	}
	lm, err := db.GetLastMessage("c1")
	if err != nil {
		t.Fatal(err)
	}
	if lm == nil || lm.MsgID != "3" || lm.Body != "third" {
		t.Errorf("projection = %+v, want message 3", lm)
	}

	select {
	case evt := <-ch:
		if got := evt.Payload.(HistoryReplaced); got.CommunityID != "c1" || got.Count != 3 {
			t.Errorf("payload = %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for history.replaced")
	}

	at, err := e.Reconciler().LastHistory("c1")
	if err != nil {
		t.Fatal(err)
	}
	if at.IsZero() {
		t.Error("history checkpoint not recorded")
	}
}

func TestHistorySnapshotIdempotent(t *testing.T) {
	e, db, _, _ := newEngine(t)
	ctx := context.Background()

	queueOptimistic(t, db, "c1", "tmp-1", "draft", 9000)
	snapshot := []frame.ChatMessage{
		chat("c1", "1", "2", 1000, "a"),
		chat("c1", "2", self, 2000, "b"),
		chat("c1", "2", self, 2000, "b duplicate"),
	}

	if err := e.ApplyHistorySnapshot(ctx, "c1", snapshot); err != nil {
		t.Fatal(err)
	}
	once := logOf(t, db, "c1")
	if err := e.ApplyHistorySnapshot(ctx, "c1", snapshot); err != nil {
		t.Fatal(err)
	}
	twice := logOf(t, db, "c1")

	if diff := cmp.Diff(once, twice, ignoreRowID); diff != "" {
		t.Errorf("second snapshot changed the log (-once +twice):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"tmp-1", "2", "1"}, ids(twice)); diff != "" {
		t.Errorf("log (-want +got):\n%s", diff)
	}
	if twice[1].Body != "b" {
		t.Errorf("duplicate id replaced first occurrence: %q", twice[1].Body)
	}
}

func TestHistorySnapshotDropsEchoedOptimisticEntry(t *testing.T) {
	e, db, _, _ := newEngine(t)

	queueOptimistic(t, db, "c1", "tmp-1", "hi", 1000)
	echo := chat("c1", "7", self, 1001, "hi")
	echo.TempID = "tmp-1"

	if err := e.ApplyHistorySnapshot(context.Background(), "c1", []frame.ChatMessage{echo}); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"7"}, ids(logOf(t, db, "c1"))); diff != "" {
		t.Errorf("log (-want +got):\n%s", diff)
	}
	entry, err := db.GetOutbox("tmp-1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != store.OutboxConfirmed || entry.ServerMsgID != "7" {
		t.Errorf("outbox = %+v, want confirmed as 7", entry)
	}
}

func TestEchoedTempIDReplacesOptimisticEntry(t *testing.T) {
	e, db, sender, b := newEngine(t)
	ack, unsub := b.Subscribe(bus.KindSendAck, 1)
	defer unsub()

	queueOptimistic(t, db, "c1", "abc", "hello", 1000)
	pending := logOf(t, db, "c1")
	if len(pending) != 1 || pending[0].Status != store.StatusPending {
		t.Fatalf("optimistic entry = %+v", pending)
	}

	confirmed := chat("c1", "99", self, 1002, "hello")
	confirmed.TempID = "abc"
	if err := e.ApplyIncomingMessage(context.Background(), &confirmed); err != nil {
		t.Fatal(err)
	}

	log := logOf(t, db, "c1")
	want := []store.Message{{
		CommunityID: "c1", MsgID: "99", SenderID: self, SenderName: "user 1",
		Body: "hello", Status: store.StatusSent, FromMe: true, SentAt: 1002,
	}}
	if diff := cmp.Diff(want, log, ignoreRowID); diff != "" {
		t.Errorf("log (-want +got):\n%s", diff)
	}
	if len(sender.Sent()) != 0 {
		t.Errorf("own message produced read receipt: %v", sender.Sent())
	}

	entry, err := db.GetOutbox("abc")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != store.OutboxConfirmed {
		t.Errorf("outbox status = %q, want confirmed", entry.Status)
	}
	select {
	case <-ack:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message.send_ack")
	}
}

func TestConfirmedMessageTwiceDoesNotDuplicate(t *testing.T) {
	e, db, _, _ := newEngine(t)
	ctx := context.Background()

	queueOptimistic(t, db, "c1", "t1", "hi", 1000)
	m := chat("c1", "42", self, 1000, "hi")
	m.TempID = "t1"
	for i := 0; i < 2; i++ {
		if err := e.ApplyIncomingMessage(ctx, &m); err != nil {
			t.Fatal(err)
		}
	}
	if diff := cmp.Diff([]string{"42"}, ids(logOf(t, db, "c1"))); diff != "" {
		t.Errorf("log (-want +got):\n%s", diff)
	}
}

func TestEchoAfterSnapshotPurgesKeptOptimisticEntry(t *testing.T) {
	e, db, _, _ := newEngine(t)
	ctx := context.Background()

	queueOptimistic(t, db, "c1", "t1", "hi", 1000)
	// Snapshot already holds the confirmed message but without the temp id.
	if err := e.ApplyHistorySnapshot(ctx, "c1", []frame.ChatMessage{chat("c1", "42", self, 1001, "hi")}); err != nil {
		t.Fatal(err)
	}
	m := chat("c1", "42", self, 1001, "hi")
	m.TempID = "t1"
	if err := e.ApplyIncomingMessage(ctx, &m); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"42"}, ids(logOf(t, db, "c1"))); diff != "" {
		t.Errorf("log (-want +got):\n%s", diff)
	}
}

func TestIncomingFromOthersIsMarkedRead(t *testing.T) {
	e, db, sender, b := newEngine(t)
	scroll, unsub := b.Subscribe(bus.KindScrollToLatest, 1)
	defer unsub()

	m := chat("c1", "5", "2", 1000, "hey")
	if err := e.ApplyIncomingMessage(context.Background(), &m); err != nil {
		t.Fatal(err)
	}

	log := logOf(t, db, "c1")
	if log[0].Status != store.StatusRead {
		t.Errorf("status = %q, want read", log[0].Status)
	}
	want := []frame.Outbound{frame.MarkStatus("5", "read")}
	if diff := cmp.Diff(want, sender.Sent()); diff != "" {
		t.Errorf("receipts (-want +got):\n%s", diff)
	}
	select {
	case evt := <-scroll:
		if evt.Payload != "c1" {
			t.Errorf("scroll payload = %v", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for ui.scroll_to_latest")
	}

	// Redelivery of an already read message sends no second receipt.
	if err := e.ApplyIncomingMessage(context.Background(), &m); err != nil {
		t.Fatal(err)
	}
	if n := len(sender.Sent()); n != 1 {
		t.Errorf("got %d receipts, want 1", n)
	}
}

func TestReceiptWhileDisconnectedStillStores(t *testing.T) {
	e, db, sender, _ := newEngine(t)
	sender.err = realtime.ErrNotConnected

	m := chat("c1", "5", "2", 1000, "hey")
	if err := e.ApplyIncomingMessage(context.Background(), &m); err != nil {
		t.Fatal(err)
	}
	if got := len(logOf(t, db, "c1")); got != 1 {
		t.Errorf("got %d messages, want 1", got)
	}
}

func TestReplySnippetFilledFromLog(t *testing.T) {
	e, db, _, _ := newEngine(t)
	ctx := context.Background()

	target := chat("c1", "1", "2", 1000, "what time is class?")
	if err := e.ApplyIncomingMessage(ctx, &target); err != nil {
		t.Fatal(err)
	}
	reply := chat("c1", "2", "3", 2000, "at noon")
	reply.ReplyTo = &frame.Reply{ID: "1"}
	if err := e.ApplyIncomingMessage(ctx, &reply); err != nil {
		t.Fatal(err)
	}

	head := logOf(t, db, "c1")[0]
	if head.ReplyToID != "1" || head.ReplySnippet != "what time is class?" || head.ReplySender != "user 2" {
		t.Errorf("reply = %q/%q/%q", head.ReplyToID, head.ReplySnippet, head.ReplySender)
	}
}

func TestDeleteHeadRecomputesProjection(t *testing.T) {
	e, db, _, _ := newEngine(t)
	ctx := context.Background()

	snapshot := []frame.ChatMessage{chat("c1", "1", "2", 1000, "old"), chat("c1", "2", "2", 2000, "new")}
	if err := e.ApplyHistorySnapshot(ctx, "c1", snapshot); err != nil {
		t.Fatal(err)
	}

	if err := e.ApplyDelete(ctx, "", "2"); err != nil {
		t.Fatal(err)
	}
	lm, err := db.GetLastMessage("c1")
	if err != nil {
		t.Fatal(err)
	}
	if lm == nil || lm.MsgID != "1" || lm.Body != "old" {
		t.Fatalf("projection = %+v, want message 1", lm)
	}

	// Deleting again is a no-op.
	if err := e.ApplyDelete(ctx, "", "2"); err != nil {
		t.Fatal(err)
	}

	if err := e.ApplyDelete(ctx, "c1", "1"); err != nil {
		t.Fatal(err)
	}
	lm, err = db.GetLastMessage("c1")
	if err != nil {
		t.Fatal(err)
	}
	if lm != nil {
		t.Errorf("projection = %+v, want cleared", lm)
	}
}

func TestDeleteNonHeadKeepsProjection(t *testing.T) {
	e, db, _, _ := newEngine(t)
	ctx := context.Background()

	snapshot := []frame.ChatMessage{chat("c1", "1", "2", 1000, "old"), chat("c1", "2", "2", 2000, "new")}
	if err := e.ApplyHistorySnapshot(ctx, "c1", snapshot); err != nil {
		t.Fatal(err)
	}
	if err := e.ApplyDelete(ctx, "", "1"); err != nil {
		t.Fatal(err)
	}
	lm, err := db.GetLastMessage("c1")
	if err != nil {
		t.Fatal(err)
	}
	if lm == nil || lm.MsgID != "2" {
		t.Errorf("projection = %+v, want message 2", lm)
	}
}

func TestEditHeadUpdatesProjectionText(t *testing.T) {
	e, db, _, _ := newEngine(t)
	ctx := context.Background()

	m := chat("c1", "1", "2", 1000, "helo")
	if err := e.ApplyIncomingMessage(ctx, &m); err != nil {
		t.Fatal(err)
	}
	before, err := db.GetLastMessage("c1")
	if err != nil {
		t.Fatal(err)
	}

	if err := e.ApplyEdit(ctx, "", "1", "hello"); err != nil {
		t.Fatal(err)
	}

	head := logOf(t, db, "c1")[0]
	if head.Body != "hello" || !head.Edited {
		t.Errorf("head = %+v, want edited hello", head)
	}
	after, err := db.GetLastMessage("c1")
	if err != nil {
		t.Fatal(err)
	}
	if after.Body != "hello" {
		t.Errorf("projection body = %q, want hello", after.Body)
	}
	if after.Status != before.Status {
		t.Errorf("projection status changed %q -> %q", before.Status, after.Status)
	}
}

func TestEditNonHeadLeavesProjection(t *testing.T) {
	e, db, _, _ := newEngine(t)
	ctx := context.Background()

	snapshot := []frame.ChatMessage{chat("c1", "1", "2", 1000, "old"), chat("c1", "2", "2", 2000, "new")}
	if err := e.ApplyHistorySnapshot(ctx, "c1", snapshot); err != nil {
		t.Fatal(err)
	}
	if err := e.ApplyEdit(ctx, "", "1", "older"); err != nil {
		t.Fatal(err)
	}
	lm, err := db.GetLastMessage("c1")
	if err != nil {
		t.Fatal(err)
	}
	if lm.Body != "new" {
		t.Errorf("projection body = %q, want new", lm.Body)
	}
}

func TestStatusUpdateMirrorsHead(t *testing.T) {
	e, db, _, _ := newEngine(t)
	ctx := context.Background()

	queueOptimistic(t, db, "c1", "t1", "hi", 1000)
	m := chat("c1", "42", self, 1000, "hi")
	m.TempID = "t1"
	if err := e.ApplyIncomingMessage(ctx, &m); err != nil {
		t.Fatal(err)
	}
	if err := e.ApplyStatusUpdate(ctx, "42", store.StatusRead); err != nil {
		t.Fatal(err)
	}
	lm, err := db.GetLastMessage("c1")
	if err != nil {
		t.Fatal(err)
	}
	if lm.Status != store.StatusRead {
		t.Errorf("projection status = %q, want read", lm.Status)
	}
}

func TestStatusUpdateNeverLeavesRead(t *testing.T) {
	e, db, _, _ := newEngine(t)
	ctx := context.Background()

	m := chat("c1", "42", "other", 1000, "hi")
	if err := e.ApplyIncomingMessage(ctx, &m); err != nil {
		t.Fatal(err)
	}
	if err := e.ApplyStatusUpdate(ctx, "42", store.StatusRead); err != nil {
		t.Fatal(err)
	}
	if err := e.ApplyStatusUpdate(ctx, "42", store.StatusSent); err != nil {
		t.Fatal(err)
	}
	err := e.ApplyStatusUpdate(ctx, "42", "delivered-ish")
	if !errors.Is(err, ErrUnknownStatus) {
		t.Errorf("unknown status err = %v, want ErrUnknownStatus", err)
	}

	msgs, err := db.ListMessages("c1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Status != store.StatusRead {
		t.Errorf("messages = %+v, want one read message", msgs)
	}
	lm, err := db.GetLastMessage("c1")
	if err != nil {
		t.Fatal(err)
	}
	if lm.Status != store.StatusRead {
		t.Errorf("projection status = %q, want read", lm.Status)
	}
}

func TestCheckpoints(t *testing.T) {
	r := NewReconciler(testDB(t), nil)

	v, err := r.GetCheckpoint("missing")
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("missing checkpoint = %q", v)
	}
	if err := r.UpdateCheckpoint("k", "v1"); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateCheckpoint("k", "v2"); err != nil {
		t.Fatal(err)
	}
	v, err = r.GetCheckpoint("k")
	if err != nil {
		t.Fatal(err)
	}
	if v != "v2" {
		t.Errorf("checkpoint = %q, want v2", v)
	}
}
