package uds

import (
	"strings"
	"testing"
)

func TestJournal_DropOldest(t *testing.T) {
	j := NewJournal(3)
	for i := 0; i < 5; i++ {
		j.Record(DirectionSent, []byte{byte(i)}, "entry")
	}

	entries := j.Snapshot()
	if len(entries) != 3 {
		t.Fatalf("expected 3 retained entries, got %d", len(entries))
	}
	if entries[0].Raw[0] != 2 || entries[2].Raw[0] != 4 {
		t.Errorf("wrong entries retained: %v", entries)
	}
}

func TestJournal_SubscriberNeverBlocksRecorder(t *testing.T) {
	j := NewJournal(100)
	ch, cancel := j.Subscribe(2)
	defer cancel()

	// Nobody reads ch; recording must still complete.
	for i := 0; i < 50; i++ {
		j.Record(DirectionReceived, []byte{byte(i)}, "flood")
	}

	// The small buffer holds the first entries; the rest were dropped.
	if len(ch) != 2 {
		t.Errorf("expected full subscriber buffer of 2, got %d", len(ch))
	}
}

func TestJournal_SubscribeAndCancel(t *testing.T) {
	j := NewJournal(10)
	ch, cancel := j.Subscribe(4)

	j.Record(DirectionSent, []byte{0x10, 0x03}, "session control")
	got := <-ch
	if got.Hex != "1003" {
		t.Errorf("unexpected hex: %q", got.Hex)
	}
	if got.Direction != DirectionSent {
		t.Errorf("wrong direction: %q", got.Direction)
	}

	cancel()
	j.Record(DirectionSent, []byte{0x3E, 0x80}, "after cancel")
	select {
	case e, ok := <-ch:
		if ok {
			t.Errorf("cancelled subscriber still received %v", e)
		}
	default:
	}
}

func TestJournal_Export(t *testing.T) {
	j := NewJournal(10)
	j.Record(DirectionSent, []byte{0x22, 0xF1, 0x90}, "ReadDataByIdentifier DID F190")
	j.Record(DirectionError, nil, "no response within 2s for SID 0x22")

	out := j.Export("x260diag 1.0 on linux")
	if !strings.Contains(out, "x260diag 1.0 on linux") {
		t.Error("export missing header")
	}
	if !strings.Contains(out, "22F190") {
		t.Error("export missing hex bytes")
	}
	if !strings.Contains(out, "ReadDataByIdentifier DID F190") {
		t.Error("export missing description")
	}
	if !strings.Contains(out, "error") {
		t.Error("export missing direction tag")
	}
}
