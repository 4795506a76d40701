// Package queue backs the engine's single-threaded command queue with
// github.com/eapache/queue — a ring-buffer-backed FIFO that grows as
// needed, avoiding the repeated slice reallocation of append/shift. The
// donor's go.mod already listed this dependency without ever importing
// it; this is where it belongs: the engine's event loop drains connect/
// send/cast/notify/shutdown commands through exactly this structure.
package queue

import (
	"sync"

	"github.com/eapache/queue"
)

// Command is one command enqueued for the engine's event loop to process
// in order.
type Command struct {
	Kind    Kind
	Payload any
	Done    chan error // non-nil for synchronous commands (Send)
}

// Kind enumerates command types the engine loop recognizes.
type Kind int

const (
	CmdConnect Kind = iota
	CmdSend
	CmdCast
	CmdNotify
	CmdShutdown
)

// CommandQueue is a thread-safe FIFO of Command values. Producers (New,
// Send, Cast, Notify, Shutdown) push from arbitrary goroutines; only the
// engine's single loop goroutine pops.
type CommandQueue struct {
	mu sync.Mutex
	q  *queue.Queue
	// notify is signaled (non-blocking) whenever a command is pushed, so
	// the loop's select can wake without busy-polling.
	notify chan struct{}
}

// New returns an empty CommandQueue.
func New() *CommandQueue {
	return &CommandQueue{q: queue.New(), notify: make(chan struct{}, 1)}
}

// Push appends cmd to the tail of the queue and wakes the loop.
func (c *CommandQueue) Push(cmd Command) {
	c.mu.Lock()
	c.q.Add(cmd)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Pop removes and returns the head command, or (Command{}, false) if empty.
func (c *CommandQueue) Pop() (Command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.q.Length() == 0 {
		return Command{}, false
	}
	cmd := c.q.Peek().(Command)
	c.q.Remove()
	return cmd, true
}

// Notify returns the wake channel the loop selects on alongside socket
// and timer events.
func (c *CommandQueue) Notify() <-chan struct{} {
	return c.notify
}

// Len reports the current queue depth.
func (c *CommandQueue) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.q.Length()
}
