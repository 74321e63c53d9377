// Package queue implements the bounded packet FIFO that sits between a
// session's fetcher and each stream worker.
package queue

import (
	"sync"
	"time"

	"github.com/samber/mo"

	"github.com/zsiec/playsync/internal/media"
	"github.com/zsiec/playsync/internal/notify"
)

// Default sizing for a stream queue: a window of buffered presentation time,
// and a byte cap used when the stream's bitrate is unknown.
const (
	DefaultWindow      = 3 * time.Second
	DefaultWindowBytes = 256 << 10
)

// Limits bound a queue by the decode-time span it holds or by its total
// payload size, whichever is reached first.
type Limits struct {
	MaxSpan  time.Duration
	MaxBytes int
}

// LimitsFor derives limits for a window of buffered time. With a known
// bitrate the byte cap is the window's worth of data; otherwise fallback
// bytes (DefaultWindowBytes when <= 0) are used.
func LimitsFor(window time.Duration, bitrate mo.Option[uint64], fallback int) Limits {
	if window <= 0 {
		window = DefaultWindow
	}
	if fallback <= 0 {
		fallback = DefaultWindowBytes
	}
	maxBytes := fallback
	if bps, ok := bitrate.Get(); ok && bps > 0 {
		maxBytes = int(window.Seconds() * float64(bps) / 8)
	}
	return Limits{MaxSpan: window, MaxBytes: maxBytes}
}

// Queue is a thread-safe FIFO of packets that tracks its payload bytes.
// Consumers can wait for a push and producers for a pop without polling.
type Queue struct {
	mu      sync.Mutex
	packets []*media.Packet
	bytes   int

	pushed notify.Cond
	popped notify.Cond
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{}
}

// Push appends p at the tail.
func (q *Queue) Push(p *media.Packet) {
	q.mu.Lock()
	q.packets = append(q.packets, p)
	q.bytes += p.Size()
	q.mu.Unlock()
	q.pushed.Broadcast()
}

// Pop removes and returns the head packet. It reports false when the queue
// is empty.
func (q *Queue) Pop() (*media.Packet, bool) {
	q.mu.Lock()
	if len(q.packets) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	p := q.packets[0]
	q.packets[0] = nil
	q.packets = q.packets[1:]
	if len(q.packets) == 0 {
		q.packets = nil
	}
	q.bytes -= p.Size()
	q.mu.Unlock()
	q.popped.Broadcast()
	return p, true
}

// Flush discards every queued packet and returns how many were dropped.
func (q *Queue) Flush() int {
	q.mu.Lock()
	n := len(q.packets)
	clear(q.packets)
	q.packets = nil
	q.bytes = 0
	q.mu.Unlock()
	q.popped.Broadcast()
	return n
}

// IsFull reports whether the queue has reached either limit. The span check
// needs at least two packets with decode timestamps at the head and tail.
func (q *Queue) IsFull(l Limits) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if l.MaxBytes > 0 && q.bytes >= l.MaxBytes {
		return true
	}
	span, ok := q.spanLocked()
	return ok && l.MaxSpan > 0 && span >= l.MaxSpan
}

// Span returns the decode-time distance between head and tail. It reports
// false when fewer than two packets are queued or either end is unstamped.
func (q *Queue) Span() (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.spanLocked()
}

func (q *Queue) spanLocked() (time.Duration, bool) {
	if len(q.packets) < 2 {
		return 0, false
	}
	head, ok := q.packets[0].DecodeTime().Get()
	if !ok {
		return 0, false
	}
	tail, ok := q.packets[len(q.packets)-1].DecodeTime().Get()
	if !ok {
		return 0, false
	}
	return tail - head, true
}

// Size returns the total payload bytes queued.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.packets)
}

// Pushed returns a channel closed by the next Push.
func (q *Queue) Pushed() <-chan struct{} {
	return q.pushed.Wait()
}

// Popped returns a channel closed by the next Pop or Flush.
func (q *Queue) Popped() <-chan struct{} {
	return q.popped.Wait()
}
