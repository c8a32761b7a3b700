package adminfeed

import (
	"sync/atomic"
	"unsafe"
)

// ringBufferSize must be a power of two for the fast mask-based modulo.
const (
	ringBufferSize = 4096
	ringBufferMask = ringBufferSize - 1
)

// ringBuffer is a lock-free multi-producer single-consumer queue: the hub's
// broadcast loop (many logical producers, one per event) pushes without
// blocking, and each client's own writePump is the single consumer draining
// it. Adapted from go-server/pkg/websocket/ring_buffer.go's RingBuffer,
// resized from a 16K general-purpose buffer down to 4K (a dashboard feed
// has nowhere near the price-tick volume the teacher sized it for), field
// names otherwise unchanged.
type ringBuffer struct {
	_    [64]byte
	head uint64
	_    [64]byte
	tail uint64
	_    [64]byte

	slots [ringBufferSize]unsafe.Pointer
}

func newRingBuffer() *ringBuffer {
	return &ringBuffer{}
}

// push adds msg to the buffer, copying it so the caller can reuse its
// slice. Returns false if the buffer is full (the consumer has fallen too
// far behind); the caller drops the message rather than blocking.
func (rb *ringBuffer) push(msg []byte) bool {
	head := atomic.AddUint64(&rb.head, 1) - 1
	tail := atomic.LoadUint64(&rb.tail)

	if head-tail >= ringBufferSize {
		atomic.AddUint64(&rb.head, ^uint64(0)) // undo the claim
		return false
	}

	msgCopy := make([]byte, len(msg))
	copy(msgCopy, msg)

	slot := head & ringBufferMask
	atomic.StorePointer(&rb.slots[slot], unsafe.Pointer(&msgCopy))
	return true
}

// pop removes and returns the oldest message, or nil if the buffer is
// currently empty.
func (rb *ringBuffer) pop() []byte {
	tail := atomic.LoadUint64(&rb.tail)
	head := atomic.LoadUint64(&rb.head)

	if tail >= head {
		return nil
	}

	slot := tail & ringBufferMask
	msgPtr := atomic.LoadPointer(&rb.slots[slot])
	if msgPtr == nil {
		return nil
	}

	msg := *(*[]byte)(msgPtr)
	atomic.StorePointer(&rb.slots[slot], nil)
	atomic.StoreUint64(&rb.tail, tail+1)
	return msg
}
