package queue

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"

	"github.com/zsiec/playsync/internal/media"
)

func packetAt(dts time.Duration, size int) *media.Packet {
	return &media.Packet{DTS: mo.Some(dts), Payload: make([]byte, size)}
}

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := New()
	for i := range 10 {
		q.Push(packetAt(time.Duration(i)*time.Millisecond, i+1))
	}
	for i := range 10 {
		p, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d: queue empty", i)
		}
		if got := p.DTS.OrEmpty(); got != time.Duration(i)*time.Millisecond {
			t.Fatalf("Pop %d: DTS = %v, want %v", i, got, time.Duration(i)*time.Millisecond)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("Pop on empty queue returned a packet")
	}
}

func TestQueueBytesInvariant(t *testing.T) {
	t.Parallel()

	q := New()
	rng := rand.New(rand.NewSource(1))
	want := 0
	for range 500 {
		switch rng.Intn(4) {
		case 0, 1:
			n := rng.Intn(2000)
			q.Push(packetAt(0, n))
			want += n
		case 2:
			if p, ok := q.Pop(); ok {
				want -= p.Size()
			}
		case 3:
			if rng.Intn(10) == 0 {
				q.Flush()
				want = 0
			}
		}
		if got := q.Size(); got != want {
			t.Fatalf("Size = %d, want %d", got, want)
		}
	}
}

func TestQueueFlushIdempotent(t *testing.T) {
	t.Parallel()

	q := New()
	q.Push(packetAt(0, 10))
	q.Push(packetAt(time.Millisecond, 10))

	if n := q.Flush(); n != 2 {
		t.Errorf("first Flush dropped %d, want 2", n)
	}
	if n := q.Flush(); n != 0 {
		t.Errorf("second Flush dropped %d, want 0", n)
	}
	if q.Len() != 0 || q.Size() != 0 {
		t.Errorf("after Flush: Len=%d Size=%d, want 0/0", q.Len(), q.Size())
	}
}

func TestQueueIsFull(t *testing.T) {
	t.Parallel()

	limits := Limits{MaxSpan: time.Second, MaxBytes: 1000}

	tests := []struct {
		name    string
		packets []*media.Packet
		want    bool
	}{
		{"empty", nil, false},
		{"single packet over span", []*media.Packet{packetAt(5*time.Second, 1)}, false},
		{"span below limit", []*media.Packet{packetAt(0, 1), packetAt(999*time.Millisecond, 1)}, false},
		{"span at limit", []*media.Packet{packetAt(0, 1), packetAt(time.Second, 1)}, true},
		{"bytes at limit", []*media.Packet{packetAt(0, 1000)}, true},
		{"unstamped tail", []*media.Packet{packetAt(0, 1), {Payload: []byte{1}}}, false},
		{"pts fallback", []*media.Packet{{PTS: mo.Some(time.Duration(0))}, {PTS: mo.Some(2 * time.Second)}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := New()
			for _, p := range tt.packets {
				q.Push(p)
			}
			if got := q.IsFull(limits); got != tt.want {
				t.Errorf("IsFull = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLimitsFor(t *testing.T) {
	t.Parallel()

	l := LimitsFor(3*time.Second, mo.Some(uint64(8_000_000)), 0)
	if l.MaxBytes != 3_000_000 {
		t.Errorf("MaxBytes = %d, want 3000000", l.MaxBytes)
	}
	if l.MaxSpan != 3*time.Second {
		t.Errorf("MaxSpan = %v, want 3s", l.MaxSpan)
	}

	l = LimitsFor(0, mo.None[uint64](), 0)
	if l.MaxBytes != DefaultWindowBytes || l.MaxSpan != DefaultWindow {
		t.Errorf("defaults = %+v", l)
	}
}

func TestQueuePoppedSignal(t *testing.T) {
	t.Parallel()

	q := New()
	q.Push(packetAt(0, 1))
	popped := q.Popped()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.Pop()
	}()

	select {
	case <-popped:
	case <-time.After(2 * time.Second):
		t.Fatal("Popped not signalled")
	}
	wg.Wait()

	pushed := q.Pushed()
	q.Push(packetAt(0, 1))
	select {
	case <-pushed:
	default:
		t.Fatal("Pushed not signalled")
	}
}

func TestQueueConcurrent(t *testing.T) {
	t.Parallel()

	q := New()
	const n = 1000
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := range n {
			q.Push(packetAt(time.Duration(i), 4))
		}
	}()
	got := 0
	go func() {
		defer wg.Done()
		last := time.Duration(-1)
		for got < n {
			wake := q.Pushed()
			p, ok := q.Pop()
			if !ok {
				<-wake
				continue
			}
			dts := p.DTS.OrEmpty()
			if dts <= last {
				t.Errorf("out of order: %v after %v", dts, last)
				return
			}
			last = dts
			got++
		}
	}()
	wg.Wait()
	if q.Size() != 0 {
		t.Errorf("Size = %d after draining", q.Size())
	}
}
