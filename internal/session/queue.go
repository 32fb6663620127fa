package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/HyphaGroup/agentrelay/internal/agent"
	"github.com/HyphaGroup/agentrelay/internal/metrics"
)

// InputQueue is the FIFO of client turns waiting for the session.
// Enqueue never blocks; Next blocks until a turn is available and wakes as
// soon as one is enqueued.
type InputQueue struct {
	mu    sync.Mutex
	items []json.RawMessage
	wake  chan struct{}
}

var _ agent.TurnSource = (*InputQueue)(nil)

// NewInputQueue creates an empty queue
func NewInputQueue() *InputQueue {
	return &InputQueue{wake: make(chan struct{}, 1)}
}

// Enqueue appends turn to the tail and returns the new depth
func (q *InputQueue) Enqueue(turn json.RawMessage) int {
	q.mu.Lock()
	q.items = append(q.items, turn)
	depth := len(q.items)
	q.mu.Unlock()

	metrics.RecordTurn(depth)
	q.signal()
	return depth
}

// Next removes and returns the head of the queue, blocking while it is
// empty. It returns ctx.Err() once ctx is done.
func (q *InputQueue) Next(ctx context.Context) (json.RawMessage, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			turn := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()

			metrics.SetQueueDepth(remaining)
			if remaining > 0 {
				q.signal()
			}
			return turn, nil
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len returns the number of queued turns
func (q *InputQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *InputQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
