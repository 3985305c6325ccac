// internal/client/queue.go
package client

import "loadcell-service/internal/protocol"

// commandQueue is a bounded FIFO. Producers never block; a full queue
// rejects the newest command.
type commandQueue struct {
	ch chan protocol.CommandPacket
}

func newCommandQueue(capacity int) *commandQueue {
	return &commandQueue{ch: make(chan protocol.CommandPacket, capacity)}
}

func (q *commandQueue) push(cmd protocol.CommandPacket) error {
	select {
	case q.ch <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

// pop returns the oldest command, or false when the queue is empty.
func (q *commandQueue) pop() (protocol.CommandPacket, bool) {
	select {
	case cmd := <-q.ch:
		return cmd, true
	default:
		return protocol.CommandPacket{}, false
	}
}

func (q *commandQueue) len() int {
	return len(q.ch)
}

func (q *commandQueue) capacity() int {
	return cap(q.ch)
}
