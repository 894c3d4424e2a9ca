package bus

import (
	"encoding/json"
	"testing"

	"microclaw/host/internal/protocol"
)

func envelope(seq uint64, deviceID, messageID string) protocol.Envelope {
	return protocol.Envelope{
		Version:   protocol.Version,
		Seq:       seq,
		Source:    "device",
		DeviceID:  deviceID,
		SessionID: "boot",
		MessageID: messageID,
	}
}

func TestS8BusReplayAndIdempotency(t *testing.T) {
	b, err := Open(NewMemoryStore())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ok, err := b.Publish(envelope(1, "dev-1", "m1"), json.RawMessage(`{"n":1}`))
	if err != nil || !ok {
		t.Fatalf("expected first publish to insert, ok=%v err=%v", ok, err)
	}
	ok, err = b.Publish(envelope(2, "dev-1", "m2"), json.RawMessage(`{"n":2}`))
	if err != nil || !ok {
		t.Fatalf("expected second publish to insert, ok=%v err=%v", ok, err)
	}

	rows := b.ReplayFromSeq(0)
	if len(rows) != 2 || rows[0].MessageID != "m1" || rows[1].MessageID != "m2" {
		t.Fatalf("unexpected replay order: %+v", rows)
	}

	ok, err = b.Publish(envelope(3, "dev-1", "m1"), json.RawMessage(`{"n":3}`))
	if err != nil {
		t.Fatalf("republish error: %v", err)
	}
	if ok {
		t.Fatalf("expected republish of m1 to be rejected as duplicate")
	}
}

func TestPublishRewritesNonAdvancingSeq(t *testing.T) {
	b, _ := Open(NewMemoryStore())
	b.Publish(envelope(5, "dev-1", "m1"), nil)
	ok, err := b.Publish(envelope(1, "dev-1", "m2"), nil)
	if err != nil || !ok {
		t.Fatalf("expected insert, ok=%v err=%v", ok, err)
	}
	rows := b.ReplayFromSeq(0)
	if rows[1].Seq != 6 {
		t.Fatalf("expected rewritten seq 6, got %d", rows[1].Seq)
	}
}

func TestReplayFromSeqExcludesAtOrBelow(t *testing.T) {
	b, _ := Open(NewMemoryStore())
	b.Publish(envelope(1, "dev-1", "m1"), nil)
	b.Publish(envelope(2, "dev-1", "m2"), nil)
	b.Publish(envelope(3, "dev-1", "m3"), nil)

	rows := b.ReplayFromSeq(1)
	if len(rows) != 2 || rows[0].Seq != 2 || rows[1].Seq != 3 {
		t.Fatalf("unexpected replay: %+v", rows)
	}
}

func TestOpenRecomputesLastSeqFromStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	b, err := Open(store)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	b.Publish(envelope(1, "dev-1", "m1"), json.RawMessage(`{}`))
	b.Publish(envelope(2, "dev-1", "m2"), json.RawMessage(`{}`))

	reopenStore, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen file store: %v", err)
	}
	reopened, err := Open(reopenStore)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.LastSeq() != 2 {
		t.Fatalf("expected last_seq=2 after reopen, got %d", reopened.LastSeq())
	}
	rows := reopened.ReplayFromSeq(0)
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows after reopen, got %d", len(rows))
	}
}
