package playback

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/playsync/internal/clock"
	"github.com/zsiec/playsync/internal/media"
	"github.com/zsiec/playsync/internal/queue"
)

// stream is the state shared by the fetcher and one stream worker.
type stream struct {
	info   media.StreamInfo
	queue  *queue.Queue
	limits queue.Limits

	// posMu orders advance against resetTo so a frame decoded before a seek
	// cannot overwrite the seek target.
	posMu       sync.Mutex
	pts         clock.Timestamp
	seekPending atomic.Bool

	decoded      atomic.Int64
	presented    atomic.Int64
	dropped      atomic.Int64
	decodeErrors atomic.Int64
}

func (st *stream) init(info media.StreamInfo, limits queue.Limits) {
	st.info = info
	st.queue = queue.New()
	st.limits = limits
}

// resetTo moves the stream to t after a seek. The worker flushes its decoder
// on the next packet.
func (st *stream) resetTo(t time.Duration) {
	st.posMu.Lock()
	defer st.posMu.Unlock()
	st.pts.Store(t)
	st.seekPending.Store(true)
}

// advance stores pts as the stream position unless a seek is pending. It
// reports false when the caller's data predates the seek and must not be
// presented.
func (st *stream) advance(pts time.Duration) bool {
	st.posMu.Lock()
	defer st.posMu.Unlock()
	if st.seekPending.Load() {
		return false
	}
	st.pts.Store(pts)
	return true
}

func (st *stream) prebuffered(span time.Duration) bool {
	if st.queue.IsFull(st.limits) {
		return true
	}
	got, ok := st.queue.Span()
	return ok && got >= span
}

func (st *stream) stats() StreamStats {
	span, _ := st.queue.Span()
	return StreamStats{
		Codec:        st.info.Codec,
		Queued:       st.queue.Len(),
		QueuedBytes:  st.queue.Size(),
		Span:         span,
		Timestamp:    st.pts.Load(),
		Decoded:      st.decoded.Load(),
		Presented:    st.presented.Load(),
		Dropped:      st.dropped.Load(),
		DecodeErrors: st.decodeErrors.Load(),
	}
}

// runnable reports whether workers may consume packets, along with the
// current speed and a channel closed by the next state change.
func (s *Session) runnable() (speed float64, wake <-chan struct{}, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok = s.state == StatusPlaying && s.gate != gateBuffering && s.speed > 0
	return s.speed, s.changed.Wait(), ok
}

// awaitRunnable parks the calling worker until it may run. It reports false
// when ctx ends.
func (s *Session) awaitRunnable(ctx context.Context) (float64, bool) {
	for {
		speed, wake, ok := s.runnable()
		if ok {
			return speed, true
		}
		select {
		case <-ctx.Done():
			return 0, false
		case <-wake:
		}
	}
}

// changedWait returns a channel closed by the next state change.
func (s *Session) changedWait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed.Wait()
}

// sleep blocks until d elapses, ctx ends, wake closes, or one of the extra
// signals fires. A non-positive d waits without a timer. Nil channels are
// ignored. It reports false when ctx ended.
func (s *Session) sleep(ctx context.Context, d time.Duration, wake, a, b <-chan struct{}) bool {
	var timeout <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-wake:
	case <-a:
	case <-b:
	case <-timeout:
	}
	return true
}
