package features

import (
	"testing"
	"time"

	"mm-hedge-bot/internal/market"
)

func TestBufferDropsOldest(t *testing.T) {
	b := NewBuffer(3)
	base := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		b.Push(market.BookSnapshot{Symbol: "XBTUSD", Time: base.Add(time.Duration(i) * time.Second)})
	}
	if !b.Full() || b.Len() != 3 {
		t.Fatalf("expected full buffer of 3, got %d", b.Len())
	}
	snaps := b.Snapshots()
	if snaps[0].Time.Unix() != 2 || snaps[2].Time.Unix() != 4 {
		t.Fatalf("expected oldest-first window 2..4, got %v..%v", snaps[0].Time.Unix(), snaps[2].Time.Unix())
	}
	snaps[0].Symbol = "changed"
	if b.Snapshots()[0].Symbol != "XBTUSD" {
		t.Fatalf("expected Snapshots to return a copy")
	}
	b.Reset()
	if b.Len() != 0 || b.Full() {
		t.Fatalf("expected empty buffer after reset")
	}
}
