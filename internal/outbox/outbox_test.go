package outbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pengpengno/Group-IM-sub000/internal/filecache"
	"github.com/pengpengno/Group-IM-sub000/internal/store"
	"github.com/pengpengno/Group-IM-sub000/internal/transport"
)

// recordingWire captures envelopes written to the wire.
type recordingWire struct {
	mu   sync.Mutex
	sent []*transport.MessageEnvelope
	err  error
}

func (w *recordingWire) SendMessage(_ context.Context, env *transport.MessageEnvelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.sent = append(w.sent, env)
	return nil
}

func (w *recordingWire) sentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.sent)
}

// stubResolver returns a fixed conversation id or error.
type stubResolver struct {
	mu    sync.Mutex
	id    string
	err   error
	calls int
}

func (r *stubResolver) ResolvePrivateConversation(_ context.Context, _ string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return r.id, nil
}

func (r *stubResolver) set(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id, r.err = id, err
}

// stubTransfer implements transport.FileTransfer for upload tests.
type stubTransfer struct {
	mu       sync.Mutex
	uploaded []string
	err      error
}

func (f *stubTransfer) Upload(_ context.Context, info *transport.FileInfo, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.uploaded = append(f.uploaded, info.FileID)
	return nil
}

func (f *stubTransfer) Download(context.Context, string) ([]byte, *transport.FileInfo, error) {
	return nil, nil, errors.New("not implemented")
}

type fixture struct {
	db       *store.DB
	wire     *recordingWire
	resolver *stubResolver
	transfer *stubTransfer
	files    *filecache.Manager
	pipeline *Pipeline
	sender   *Sender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		db:       db,
		wire:     &recordingWire{},
		resolver: &stubResolver{id: "conv-1"},
		transfer: &stubTransfer{},
	}
	f.files = filecache.NewManager(db, t.TempDir(), f.transfer, nil, zap.NewNop())
	f.sender = NewSender(db, f.wire, f.resolver, nil, zap.NewNop(), 0)
	f.pipeline = NewPipeline(db, f.resolver, f.transfer, f.files, nil, zap.NewNop(), 3, nil)
	return f
}

// drain runs one outbox round, spaced so the resend window test on
// millisecond timestamps cannot observe enqueue and dispatch in the same
// tick.
func (f *fixture) drain() {
	time.Sleep(2 * time.Millisecond)
	f.sender.Drain(context.Background())
}

func TestSendOptimisticInsert(t *testing.T) {
	f := newFixture(t)

	id, err := f.pipeline.Send(context.Background(), SendRequest{ConversationID: "c1", Body: "hello"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	// Visible locally before any wire activity.
	msgs, err := f.db.ListByConversation("c1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].ClientMsgID != id {
		t.Fatalf("messages = %+v, want one with id %s", msgs, id)
	}
	if msgs[0].Status != store.StatusSending {
		t.Errorf("status = %q, want sending", msgs[0].Status)
	}
	if f.wire.sentCount() != 0 {
		t.Errorf("wire touched before drain: %d sends", f.wire.sentCount())
	}

	entry, err := f.db.GetOutbox(id)
	if err != nil || entry == nil {
		t.Fatalf("GetOutbox() = %v, %v", entry, err)
	}
	if entry.Status != store.OutboxPending || entry.MaxRetry != 3 {
		t.Errorf("entry = %+v", entry)
	}
}

// TestSendThenAck walks the full happy path: compose, dispatch, server ack
// with an assigned sequence, reconciliation.
func TestSendThenAck(t *testing.T) {
	f := newFixture(t)

	id, err := f.pipeline.Send(context.Background(), SendRequest{ConversationID: "c1", Body: "hi"})
	if err != nil {
		t.Fatal(err)
	}

	f.drain()
	if f.wire.sentCount() != 1 {
		t.Fatalf("sent = %d, want 1", f.wire.sentCount())
	}
	if f.wire.sent[0].ClientMsgID != id || f.wire.sent[0].Body != "hi" {
		t.Errorf("envelope = %+v", f.wire.sent[0])
	}

	f.pipeline.OnAck(&transport.AckEnvelope{ClientMsgID: id, ConversationID: "c1", SequenceID: 101})

	msg, err := f.db.GetByClientMsgID(id)
	if err != nil || msg == nil {
		t.Fatalf("GetByClientMsgID() = %v, %v", msg, err)
	}
	if msg.SequenceID != 101 || msg.Status != store.StatusSent {
		t.Errorf("message = seq %d status %q, want 101/sent", msg.SequenceID, msg.Status)
	}

	entry, err := f.db.GetOutbox(id)
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		t.Errorf("outbox entry survived ack: %+v", entry)
	}

	// A duplicate ack changes nothing.
	f.pipeline.OnAck(&transport.AckEnvelope{ClientMsgID: id, ConversationID: "c1", SequenceID: 101})
	msg, _ = f.db.GetByClientMsgID(id)
	if msg.SequenceID != 101 {
		t.Errorf("duplicate ack changed seq to %d", msg.SequenceID)
	}
}

// TestFreshEntryDispatchedImmediately: with a production-sized resend
// window, a just-composed message goes to the wire on the first drain
// instead of waiting out the window; the window only gates re-dispatch.
func TestFreshEntryDispatchedImmediately(t *testing.T) {
	f := newFixture(t)
	f.sender = NewSender(f.db, f.wire, f.resolver, nil, zap.NewNop(), 10*time.Second)

	id, err := f.pipeline.Send(context.Background(), SendRequest{ConversationID: "c1", Body: "now"})
	if err != nil {
		t.Fatal(err)
	}

	f.sender.Drain(context.Background())
	if f.wire.sentCount() != 1 {
		t.Fatalf("fresh entry not dispatched on immediate drain: wire sends = %d", f.wire.sentCount())
	}
	if f.wire.sent[0].ClientMsgID != id {
		t.Errorf("dispatched %q, want %q", f.wire.sent[0].ClientMsgID, id)
	}

	// Still inside the resend window: no duplicate dispatch.
	f.sender.Drain(context.Background())
	if f.wire.sentCount() != 1 {
		t.Errorf("entry re-dispatched inside resend window: %d sends", f.wire.sentCount())
	}

	entry, _ := f.db.GetOutbox(id)
	if entry.RetryCount != 0 {
		t.Errorf("first dispatch counted as retry: %d", entry.RetryCount)
	}
}

// TestRetryTermination: with no ack ever arriving, re-dispatches stop after
// the retry budget and the message lands in terminal failed.
func TestRetryTermination(t *testing.T) {
	f := newFixture(t)

	id, err := f.pipeline.Send(context.Background(), SendRequest{ConversationID: "c1", Body: "lost"})
	if err != nil {
		t.Fatal(err)
	}

	// Each drain past the resend window books one retry. Budget is 3, so
	// the entry must go terminal within a bounded number of rounds.
	for i := 0; i < 6; i++ {
		f.drain()
	}

	entry, err := f.db.GetOutbox(id)
	if err != nil || entry == nil {
		t.Fatalf("GetOutbox() = %v, %v", entry, err)
	}
	if entry.Status != store.OutboxFailed {
		t.Errorf("entry status = %q, want failed", entry.Status)
	}
	if entry.RetryCount != 3 {
		t.Errorf("retry count = %d, want 3", entry.RetryCount)
	}

	msg, _ := f.db.GetByClientMsgID(id)
	if msg.Status != store.StatusFailed {
		t.Errorf("message status = %q, want failed", msg.Status)
	}

	// Terminal entries are never picked up again.
	sent := f.wire.sentCount()
	f.drain()
	if f.wire.sentCount() != sent {
		t.Errorf("terminal entry re-dispatched")
	}
}

// TestLazyConversationPatch: a message composed while the resolver is down
// keeps an empty conversation id and is patched before dispatch.
func TestLazyConversationPatch(t *testing.T) {
	f := newFixture(t)
	f.resolver.set("", errors.New("offline"))

	id, err := f.pipeline.Send(context.Background(), SendRequest{PeerID: "alice", Body: "hey"})
	if err != nil {
		t.Fatalf("Send() while resolver down error = %v", err)
	}
	entry, _ := f.db.GetOutbox(id)
	if entry.ConversationID != "" {
		t.Fatalf("conversation id = %q, want empty until resolved", entry.ConversationID)
	}

	f.resolver.set("conv-9", nil)
	f.drain()

	entry, _ = f.db.GetOutbox(id)
	if entry.ConversationID != "conv-9" {
		t.Errorf("entry conversation = %q, want conv-9", entry.ConversationID)
	}
	msg, _ := f.db.GetByClientMsgID(id)
	if msg.ConversationID != "conv-9" {
		t.Errorf("message conversation = %q, want conv-9", msg.ConversationID)
	}
	if f.wire.sentCount() != 1 || f.wire.sent[0].ConversationID != "conv-9" {
		t.Errorf("wire = %+v", f.wire.sent)
	}
}

// TestUploadFailureDegradesFileOnly: a failed binary upload marks the file
// record failed but leaves the message queued for delivery.
func TestUploadFailureDegradesFileOnly(t *testing.T) {
	f := newFixture(t)
	f.transfer.err = errors.New("blob store down")

	local := filepath.Join(t.TempDir(), "pic.jpg")
	if err := os.WriteFile(local, []byte("jpegdata"), 0600); err != nil {
		t.Fatal(err)
	}

	id, err := f.pipeline.Send(context.Background(), SendRequest{
		ConversationID: "c1",
		Type:           store.TypeImage,
		Attachment:     &Attachment{LocalPath: local, Name: "pic.jpg", ContentType: "image/jpeg"},
	})
	if err != nil {
		t.Fatal(err)
	}

	msg, _ := f.db.GetByClientMsgID(id)
	if msg.File == nil || msg.File.FileID == "" {
		t.Fatalf("message lacks file meta: %+v", msg)
	}
	fileID := msg.File.FileID

	// The upload runs in the background.
	deadline := time.After(2 * time.Second)
	for {
		rec, err := f.db.GetFileRecord(fileID)
		if err != nil {
			t.Fatal(err)
		}
		if rec != nil && rec.Status == store.FileFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("file record never marked failed: %+v", rec)
		case <-time.After(10 * time.Millisecond):
		}
	}

	entry, _ := f.db.GetOutbox(id)
	if entry == nil || entry.Status != store.OutboxPending {
		t.Errorf("message delivery affected by upload failure: %+v", entry)
	}
}

func TestUploadSuccessMarksStored(t *testing.T) {
	f := newFixture(t)

	local := filepath.Join(t.TempDir(), "note.ogg")
	if err := os.WriteFile(local, []byte("oggdata"), 0600); err != nil {
		t.Fatal(err)
	}
	id, err := f.pipeline.Send(context.Background(), SendRequest{
		ConversationID: "c1",
		Type:           store.TypeVoice,
		Attachment:     &Attachment{LocalPath: local, Name: "note.ogg", ContentType: "audio/ogg", DurationMs: 900},
	})
	if err != nil {
		t.Fatal(err)
	}
	msg, _ := f.db.GetByClientMsgID(id)
	fileID := msg.File.FileID

	deadline := time.After(2 * time.Second)
	for {
		if f.files.IsStored(fileID) {
			break
		}
		select {
		case <-deadline:
			t.Fatal("file never marked stored after upload")
		case <-time.After(10 * time.Millisecond):
		}
	}

	f.transfer.mu.Lock()
	uploaded := append([]string(nil), f.transfer.uploaded...)
	f.transfer.mu.Unlock()
	if len(uploaded) != 1 || uploaded[0] != fileID {
		t.Errorf("uploaded = %v, want [%s]", uploaded, fileID)
	}
}

func TestRetryMessageRearms(t *testing.T) {
	f := newFixture(t)

	id, err := f.pipeline.Send(context.Background(), SendRequest{ConversationID: "c1", Body: "x"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 6; i++ {
		f.drain()
	}
	msg, _ := f.db.GetByClientMsgID(id)
	if msg.Status != store.StatusFailed {
		t.Fatalf("precondition: message not failed, status %q", msg.Status)
	}

	if err := f.pipeline.RetryMessage(id); err != nil {
		t.Fatalf("RetryMessage() error = %v", err)
	}
	entry, _ := f.db.GetOutbox(id)
	if entry.Status != store.OutboxPending || entry.RetryCount != 0 {
		t.Errorf("entry after retry = %+v", entry)
	}
	msg, _ = f.db.GetByClientMsgID(id)
	if msg.Status != store.StatusSending {
		t.Errorf("message status = %q, want sending", msg.Status)
	}

	sent := f.wire.sentCount()
	f.drain()
	if f.wire.sentCount() != sent+1 {
		t.Errorf("re-armed entry not dispatched")
	}
}

func TestDiscardMessage(t *testing.T) {
	f := newFixture(t)

	id, err := f.pipeline.Send(context.Background(), SendRequest{ConversationID: "c1", Body: "oops"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.pipeline.DiscardMessage(id); err != nil {
		t.Fatalf("DiscardMessage() error = %v", err)
	}

	msg, _ := f.db.GetByClientMsgID(id)
	if msg != nil {
		t.Errorf("message survived discard: %+v", msg)
	}
	entry, _ := f.db.GetOutbox(id)
	if entry != nil {
		t.Errorf("outbox entry survived discard: %+v", entry)
	}
	f.drain()
	if f.wire.sentCount() != 0 {
		t.Errorf("discarded message dispatched")
	}
}
