package client

import "sync"

// inbox hands frames from the read loop to the handler goroutine. push never
// blocks, so a slow handler cannot stall file replies.
type inbox struct {
	mu     sync.Mutex
	items  []Message
	closed bool
	wake   chan struct{}
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1)}
}

func (b *inbox) push(msg Message) {
	b.mu.Lock()
	b.items = append(b.items, msg)
	b.mu.Unlock()
	b.signal()
}

// close lets pop return false once the queued frames are drained
func (b *inbox) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

// pop blocks until a frame is queued or the inbox is closed and empty
func (b *inbox) pop() (Message, bool) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			msg := b.items[0]
			b.items[0] = Message{}
			b.items = b.items[1:]
			b.mu.Unlock()
			return msg, true
		}
		closed := b.closed
		b.mu.Unlock()

		if closed {
			return Message{}, false
		}
		<-b.wake
	}
}

func (b *inbox) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
