package adminfeed

import "testing"

func TestRingBufferPushPop(t *testing.T) {
	rb := newRingBuffer()

	if msg := rb.pop(); msg != nil {
		t.Fatalf("pop() on empty buffer = %v, want nil", msg)
	}

	if !rb.push([]byte("hello")) {
		t.Fatal("push() on empty buffer should succeed")
	}

	got := rb.pop()
	if string(got) != "hello" {
		t.Fatalf("pop() = %q, want %q", got, "hello")
	}

	if msg := rb.pop(); msg != nil {
		t.Fatalf("pop() after draining = %v, want nil", msg)
	}
}

func TestRingBufferFIFOOrder(t *testing.T) {
	rb := newRingBuffer()
	want := []string{"a", "b", "c"}
	for _, s := range want {
		if !rb.push([]byte(s)) {
			t.Fatalf("push(%q) failed", s)
		}
	}
	for _, s := range want {
		got := rb.pop()
		if string(got) != s {
			t.Fatalf("pop() = %q, want %q", got, s)
		}
	}
}

func TestRingBufferFullReturnsFalseAndRecoversCapacity(t *testing.T) {
	rb := newRingBuffer()
	for i := 0; i < ringBufferSize; i++ {
		if !rb.push([]byte("x")) {
			t.Fatalf("push() %d should have succeeded", i)
		}
	}

	if rb.push([]byte("overflow")) {
		t.Fatal("push() on a full buffer should fail")
	}

	// A failed push on a full buffer must not leak its claimed slot: after
	// draining one message there should be exactly one free slot again.
	if rb.pop() == nil {
		t.Fatal("expected a message to pop after buffer was reported full")
	}
	if !rb.push([]byte("y")) {
		t.Fatal("push() should succeed again after a pop freed a slot")
	}
}
