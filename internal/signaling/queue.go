package signaling

import "sync"

// sendQueue is a byte-bounded FIFO of encoded outbound frames.
//
// Enqueue is called with the matchmaking lock held and therefore never
// blocks; the connection's writer goroutine drains it with Dequeue.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes int
	curBytes int
	frames   [][]byte
}

func newSendQueue(maxBytes int) *sendQueue {
	q := &sendQueue{maxBytes: maxBytes}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends frame if the queue is open and the frame fits within the
// remaining byte budget.
func (q *sendQueue) Enqueue(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.curBytes+len(frame) > q.maxBytes {
		return false
	}
	q.frames = append(q.frames, frame)
	q.curBytes += len(frame)
	q.notEmpty.Signal()
	return true
}

// Dequeue blocks until a frame is available. It returns false once the queue
// is closed; frames still pending at that point are discarded.
func (q *sendQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if q.closed {
		return nil, false
	}
	frame := q.frames[0]
	q.frames[0] = nil
	q.frames = q.frames[1:]
	q.curBytes -= len(frame)
	return frame, true
}

func (q *sendQueue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.curBytes
}

func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.frames = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
