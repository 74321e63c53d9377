// Package source implements playback sources: MPEG transport streams from
// files or any reader, SRT connections carrying transport streams, and RTP
// elementary streams over UDP.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/samber/mo"

	"github.com/zsiec/playsync/internal/demux"
	"github.com/zsiec/playsync/internal/media"
	"github.com/zsiec/playsync/internal/mpegts"
)

// ErrNotSeekable is returned by Seek on live input.
var ErrNotSeekable = errors.New("source: input is not seekable")

const (
	// probeUnits bounds how many PES units are read to discover streams.
	probeUnits = 512
	// tailScanBytes is how much of a file's end is read to find its length.
	tailScanBytes = 2 << 20
	minSeekStep   = mpegts.PacketSize * 1024
	liveBuffer    = 64
	timestampMask = 1<<33 - 1
)

// TS is a Source over an MPEG transport stream. Input that implements
// io.ReadSeeker is seekable; anything else is read as a live stream.
type TS struct {
	log     *slog.Logger
	rs      io.ReadSeeker
	closer  io.Closer
	size    int64
	streams []media.StreamInfo
	tracked map[uint16]media.StreamInfo
	seekPID uint16
	base    int64
	length  mo.Option[time.Duration]
	bitrate mo.Option[uint64]

	mu      sync.Mutex
	dmx     *mpegts.Demuxer
	pending []*media.Packet

	packets   chan *media.Packet
	pumpErr   error
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

// OpenTS opens a transport stream file as a seekable source.
func OpenTS(ctx context.Context, path string, log *slog.Logger) (*TS, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	s, err := NewTS(ctx, f, log)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// NewTS probes r for its program and returns a source over it. Closing the
// source closes r when r is an io.Closer. If log is nil, slog.Default() is
// used.
func NewTS(ctx context.Context, r io.Reader, log *slog.Logger) (*TS, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &TS{
		log:     log.With("component", "ts-source"),
		tracked: make(map[uint16]media.StreamInfo),
	}
	s.closer, _ = r.(io.Closer)
	if rs, ok := r.(io.ReadSeeker); ok {
		size, err := rs.Seek(0, io.SeekEnd)
		if err == nil {
			_, err = rs.Seek(0, io.SeekStart)
		}
		if err != nil {
			return nil, fmt.Errorf("source: sizing input: %w", err)
		}
		s.rs, s.size = rs, size
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.dmx = mpegts.NewDemuxer(pumpCtx, r)

	if s.closer != nil {
		// A blocked read on live input only returns once the input closes.
		stop := context.AfterFunc(ctx, func() { s.closer.Close() })
		defer stop()
	}
	if err := s.probe(ctx); err != nil {
		cancel()
		return nil, err
	}

	if s.rs != nil {
		if err := s.scanLength(); err != nil {
			s.log.Warn("length unknown", "error", err)
		}
	} else {
		s.packets = make(chan *media.Packet, liveBuffer)
		go s.pump(pumpCtx)
	}

	s.log.Info("opened",
		"streams", len(s.streams),
		"seekable", s.rs != nil,
		"length", s.length.OrEmpty(),
		"bitrate", s.bitrate.OrEmpty())
	return s, nil
}

type probed struct {
	pid  uint16
	data *mpegts.PESData
}

// probe reads until the PMT and a timestamped unit of every stream have
// been seen. Units read on the way are kept for ReadPacket.
func (s *TS) probe(ctx context.Context) error {
	var (
		units    []probed
		pmtSeen  bool
		firstPTS = make(map[uint16]int64)
		video    []int64
	)
	for len(units) < probeUnits {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("source: probe: %w", err)
		}
		data, err := s.dmx.NextData()
		if errors.Is(err, io.EOF) && pmtSeen {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return fmt.Errorf("source: probe: %w", err)
		}

		if data.PMT != nil && !pmtSeen {
			s.setStreams(data.PMT)
			pmtSeen = true
			continue
		}
		if data.PES == nil || !pmtSeen {
			continue
		}
		pid := data.FirstPacket.Header.PID
		info, ok := s.tracked[pid]
		if !ok {
			continue
		}
		pts, dts := data.PES.Timestamps()
		if pts == nil {
			continue
		}
		units = append(units, probed{pid, data.PES})

		start := pts.Base
		if dts != nil {
			start = dts.Base
		}
		if _, seen := firstPTS[pid]; !seen {
			firstPTS[pid] = start
		}
		switch info.Kind {
		case media.KindVideo:
			video = append(video, pts.Base)
		case media.KindAudio:
			if info.SampleRate == 0 {
				if frames, err := demux.ParseADTS(data.PES.Data); err == nil && len(frames) > 0 {
					info.SampleRate, info.Channels = frames[0].SampleRate, frames[0].Channels
					s.tracked[pid] = info
				}
			}
		}

		if len(firstPTS) == len(s.tracked) && (s.videoPID() == 0 || len(video) >= 2) {
			break
		}
	}
	if !pmtSeen {
		return errors.New("source: probe: no program map found")
	}
	if len(firstPTS) == 0 {
		return errors.New("source: probe: no timestamped media found")
	}

	s.base = slices.Min(lo.Values(firstPTS))
	if len(video) >= 2 {
		slices.Sort(video)
		if d := media.FromMPEGTime(video[1] - video[0]); d > 0 {
			info := s.tracked[s.videoPID()]
			info.FrameDuration = d
			s.tracked[uint16(info.ID)] = info
		}
	}
	for i, st := range s.streams {
		if info, ok := s.tracked[uint16(st.ID)]; ok {
			s.streams[i] = info
		}
	}
	for _, u := range units {
		s.pending = append(s.pending, s.packet(u.pid, u.data))
	}
	return nil
}

// setStreams adopts the program's elementary streams. Stream ids are PIDs.
func (s *TS) setStreams(pmt *mpegts.PMTData) {
	s.streams = s.streams[:0]
	for _, es := range pmt.ElementaryStreams {
		info := media.StreamInfo{ID: int(es.ElementaryPID), Kind: media.KindData}
		switch es.StreamType {
		case mpegts.StreamTypeH264:
			info.Kind, info.Codec = media.KindVideo, media.CodecH264
		case mpegts.StreamTypeH265:
			info.Kind, info.Codec = media.KindVideo, media.CodecH265
		case mpegts.StreamTypeAAC:
			info.Kind, info.Codec = media.KindAudio, media.CodecAAC
		}
		s.streams = append(s.streams, info)
		if info.Kind != media.KindData {
			s.tracked[es.ElementaryPID] = info
		}
	}

	// Seek on the video stream, or the first audio stream without one.
	s.seekPID = s.videoPID()
	if s.seekPID == 0 {
		for _, st := range s.streams {
			if st.Kind == media.KindAudio {
				s.seekPID = uint16(st.ID)
				break
			}
		}
	}
}

func (s *TS) videoPID() uint16 {
	for _, st := range s.streams {
		if st.Kind == media.KindVideo {
			return uint16(st.ID)
		}
	}
	return 0
}

// scanLength reads the end of the file for the last timestamp.
func (s *TS) scanLength() error {
	resume := s.dmx.Offset()
	defer s.rs.Seek(resume, io.SeekStart)

	from := max(0, s.size-tailScanBytes)
	from -= from % mpegts.PacketSize
	if _, err := s.rs.Seek(from, io.SeekStart); err != nil {
		return err
	}
	tail := mpegts.NewDemuxer(context.Background(), io.LimitReader(s.rs, s.size-from))

	var last mo.Option[time.Duration]
	for {
		data, err := tail.NextData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if data.PES == nil {
			continue
		}
		if _, ok := s.tracked[data.FirstPacket.Header.PID]; !ok {
			continue
		}
		if pts, _ := data.PES.Timestamps(); pts != nil {
			if t := s.norm(pts.Base); t > last.OrEmpty() {
				last = mo.Some(t)
			}
		}
	}

	end, ok := last.Get()
	if !ok {
		return errors.New("no timestamps near end of input")
	}
	if v, ok := s.tracked[s.videoPID()]; ok {
		end += v.FrameDuration
	}
	if end <= 0 {
		return errors.New("empty timeline")
	}
	s.length = mo.Some(end)
	s.bitrate = mo.Some(uint64(float64(s.size*8) / end.Seconds()))
	return nil
}

// norm maps a 90 kHz timestamp onto the source timeline, which starts at
// the earliest stream's first timestamp. Wraparound of the 33-bit clock is
// handled.
func (s *TS) norm(ts int64) time.Duration {
	d := (ts - s.base) & timestampMask
	if d >= 1<<32 {
		d -= 1 << 33
	}
	return media.FromMPEGTime(d)
}

// packet converts a PES unit on a tracked or untracked PID.
func (s *TS) packet(pid uint16, pes *mpegts.PESData) *media.Packet {
	p := &media.Packet{Stream: int(pid), Payload: pes.Data}
	pts, dts := pes.Timestamps()
	if pts != nil {
		p.PTS = mo.Some(s.norm(pts.Base))
	}
	if dts != nil {
		p.DTS = mo.Some(s.norm(dts.Base))
	}
	p.Keyframe = s.keyframe(pid, pes.Data)
	return p
}

func (s *TS) keyframe(pid uint16, data []byte) bool {
	info, ok := s.tracked[pid]
	if !ok {
		return false
	}
	switch info.Codec {
	case media.CodecH264:
		return slices.ContainsFunc(demux.ParseAnnexB(data), func(n demux.NALUnit) bool {
			return demux.IsKeyframe(n.Type)
		})
	case media.CodecH265:
		return slices.ContainsFunc(demux.ParseAnnexBHEVC(data), func(n demux.NALUnit) bool {
			return demux.IsHEVCKeyframe(n.Type)
		})
	}
	return info.Kind == media.KindAudio
}

// ReadPacket returns the next unit on any stream of the program.
func (s *TS) ReadPacket(ctx context.Context) (*media.Packet, error) {
	s.mu.Lock()
	if len(s.pending) > 0 {
		p := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()
		return p, nil
	}
	if s.rs == nil {
		s.mu.Unlock()
		return s.readLive(ctx)
	}
	defer s.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := s.dmx.NextData()
		if err != nil {
			return nil, err
		}
		if data.PES != nil {
			return s.packet(data.FirstPacket.Header.PID, data.PES), nil
		}
	}
}

func (s *TS) readLive(ctx context.Context) (*media.Packet, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p, ok := <-s.packets:
		if ok {
			return p, nil
		}
		if errors.Is(s.pumpErr, io.EOF) || errors.Is(s.pumpErr, context.Canceled) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("source: live input: %w", s.pumpErr)
	}
}

// pump demuxes live input ahead of ReadPacket. It ends when the input
// does or the source is closed.
func (s *TS) pump(ctx context.Context) {
	defer close(s.packets)
	for {
		data, err := s.dmx.NextData()
		if err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			s.pumpErr = err
			s.log.Debug("live input ended", "error", err)
			return
		}
		if data.PES == nil {
			continue
		}
		select {
		case s.packets <- s.packet(data.FirstPacket.Header.PID, data.PES):
		case <-ctx.Done():
			s.pumpErr = ctx.Err()
			return
		}
	}
}

type keyframe struct {
	pts    time.Duration
	offset int64
}

// Seek repositions onto the keyframe nearest to, on the side dir asks for.
func (s *TS) Seek(ctx context.Context, to time.Duration, dir media.SeekDirection) error {
	if s.rs == nil {
		return ErrNotSeekable
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.length.Get(); ok {
		to = lo.Clamp(to, 0, n)
	}
	off, err := s.locate(ctx, max(to, 0), dir)
	if err != nil {
		return fmt.Errorf("source: seek to %v: %w", to, err)
	}
	if err := s.reposition(off); err != nil {
		return fmt.Errorf("source: seek to %v: %w", to, err)
	}
	s.pending = nil
	s.log.Debug("seek", "to", to, "direction", dir, "offset", off)
	return nil
}

// locate finds the byte offset of the keyframe to resume from. It starts
// at the offset the bitrate suggests and steps back until it is before to.
func (s *TS) locate(ctx context.Context, to time.Duration, dir media.SeekDirection) (int64, error) {
	step := s.seekStep()
	start := s.estimate(to)

	var first keyframe
	var found bool
	for {
		found = false
		err := s.keyframes(ctx, start, func(k keyframe) bool {
			first, found = k, true
			return false
		})
		if err != nil {
			return 0, err
		}
		if (found && first.pts <= to) || start == 0 {
			break
		}
		start = max(0, start-step)
	}
	if !found {
		return 0, nil
	}
	if first.pts >= to {
		return first.offset, nil
	}

	best := first
	err := s.keyframes(ctx, first.offset+mpegts.PacketSize, func(k keyframe) bool {
		if k.pts < to {
			best = k
			return true
		}
		if k.pts == to || dir == media.SeekForward {
			best = k
		}
		return false
	})
	return best.offset, err
}

// keyframes repositions at from and calls fn for each keyframe on the seek
// stream until fn returns false or the input ends.
func (s *TS) keyframes(ctx context.Context, from int64, fn func(keyframe) bool) error {
	if err := s.reposition(from); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, err := s.dmx.NextData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if data.PES == nil || data.FirstPacket.Header.PID != s.seekPID {
			continue
		}
		pts, _ := data.PES.Timestamps()
		if pts == nil || !s.keyframe(s.seekPID, data.PES.Data) {
			continue
		}
		if !fn(keyframe{pts: s.norm(pts.Base), offset: data.FirstPacket.Offset}) {
			return nil
		}
	}
}

func (s *TS) reposition(off int64) error {
	if _, err := s.rs.Seek(off, io.SeekStart); err != nil {
		return err
	}
	s.dmx.Reset(s.rs, off)
	return nil
}

// estimate maps a position to a packet-aligned byte offset assuming a
// constant bitrate.
func (s *TS) estimate(to time.Duration) int64 {
	n, ok := s.length.Get()
	if !ok || n <= 0 {
		return 0
	}
	off := int64(float64(s.size) * (float64(to) / float64(n)))
	off = lo.Clamp(off, 0, s.size)
	return off - off%mpegts.PacketSize
}

// seekStep is about two seconds of input.
func (s *TS) seekStep() int64 {
	step := int64(minSeekStep)
	if br, ok := s.bitrate.Get(); ok {
		step = max(step, int64(br/4))
	}
	return step - step%mpegts.PacketSize
}

func (s *TS) Seekable() bool { return s.rs != nil }

func (s *TS) BitrateHint() mo.Option[uint64] { return s.bitrate }

func (s *TS) Streams() []media.StreamInfo { return slices.Clone(s.streams) }

func (s *TS) Length() mo.Option[time.Duration] { return s.length }

// Close stops live demuxing and closes the underlying input.
func (s *TS) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.closer != nil {
			s.closeErr = s.closer.Close()
		}
	})
	return s.closeErr
}
