package stream

import (
	"context"
	"testing"
	"time"

	"github.com/adred/iptv-proxy/internal/config"
)

func TestBuildKeepAlivePacket(t *testing.T) {
	pkt := buildKeepAlivePacket()
	if len(pkt) != 188 {
		t.Fatalf("keepalive packet length = %d, want 188", len(pkt))
	}
	if pkt[0] != 0x47 {
		t.Fatalf("sync byte = %#x, want 0x47", pkt[0])
	}
	if pkt[1] != 0x1F || pkt[2] != 0xFF {
		t.Fatalf("PID bytes = %#x %#x, want 0x1F 0xFF (null packet PID 0x1FFF)", pkt[1], pkt[2])
	}
	for i := 4; i < len(pkt); i++ {
		if pkt[i] != 0 {
			t.Fatalf("expected payload byte %d to be zeroed, got %#x", i, pkt[i])
		}
	}
}

func TestProgressiveBackoffGrowsThenCaps(t *testing.T) {
	if got := progressiveBackoff(0); got != 50*time.Millisecond {
		t.Fatalf("progressiveBackoff(0) = %s, want 50ms floor", got)
	}
	if got := progressiveBackoff(10); got != 500*time.Millisecond {
		t.Fatalf("progressiveBackoff(10) = %s, want 500ms", got)
	}
	if got := progressiveBackoff(1000); got != time.Second {
		t.Fatalf("progressiveBackoff(1000) = %s, want 1s cap", got)
	}
}

func TestInitialCursorClampsToZero(t *testing.T) {
	c := &Core{cfg: &config.Config{InitialBehindChunks: 10}}

	entry := &channelEntry{buffer: NewChunkBuffer("ch1", nil, 0, nil, nil)}
	if got := c.initialCursor(entry); got != 0 {
		t.Fatalf("initialCursor() on empty buffer = %d, want 0", got)
	}

	for i := 0; i < 3; i++ {
		if _, err := entry.buffer.Append(context.Background(), []byte("x")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// latest index is 2, initial_behind_chunks (10) exceeds it: clamp to 0.
	if got := c.initialCursor(entry); got != 0 {
		t.Fatalf("initialCursor() with behind > latest = %d, want 0 (clamped)", got)
	}
}

func TestInitialCursorBehindLatest(t *testing.T) {
	c := &Core{cfg: &config.Config{InitialBehindChunks: 2}}
	entry := &channelEntry{buffer: NewChunkBuffer("ch1", nil, 0, nil, nil)}

	for i := 0; i < 10; i++ {
		if _, err := entry.buffer.Append(context.Background(), []byte("x")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	// latest index is 9, 2 behind is 7.
	if got := c.initialCursor(entry); got != 7 {
		t.Fatalf("initialCursor() = %d, want 7", got)
	}
}

func TestNewClientIDIsUniqueAndHex(t *testing.T) {
	a := newClientID()
	b := newClientID()
	if a == b {
		t.Fatal("expected distinct client IDs across calls")
	}
	if len(a) != 32 {
		t.Fatalf("client id length = %d, want 32 (16 bytes hex-encoded)", len(a))
	}
}
