package source

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/samber/mo"

	"github.com/zsiec/playsync/internal/demux"
	"github.com/zsiec/playsync/internal/media"
)

// Default RTP payload mapping: dynamic types for H.264 and ADTS audio.
const (
	DefaultVideoPayloadType = 96
	DefaultAudioPayloadType = 97
)

const (
	videoClockRate = 90000
	rtpReadBuffer  = 64 << 10
	rtpQueue       = 256

	nalSTAPA = 24
	nalFUA   = 28
)

// RTPConfig describes the streams an RTP source expects. Video is H.264
// packetized per RFC 6184; audio payloads carry whole ADTS frames on a clock
// of SampleRate.
type RTPConfig struct {
	Addr             string
	VideoPayloadType uint8
	AudioPayloadType uint8
	Audio            bool
	SampleRate       int
	Channels         int
	Logger           *slog.Logger
}

// RTP is a live source receiving RTP over UDP. Each stream's timeline
// starts at its own first timestamp.
type RTP struct {
	log     *slog.Logger
	conn    net.PacketConn
	streams []media.StreamInfo
	byType  map[uint8]*assembler
	packets chan *media.Packet
	done    chan struct{}

	received  atomic.Int64
	dropped   atomic.Int64
	closeOnce sync.Once
	recvErr   error
}

// ListenRTP binds cfg.Addr and starts receiving.
func ListenRTP(cfg RTPConfig) (*RTP, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.VideoPayloadType == 0 {
		cfg.VideoPayloadType = DefaultVideoPayloadType
	}
	if cfg.AudioPayloadType == 0 {
		cfg.AudioPayloadType = DefaultAudioPayloadType
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 48000
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 2
	}
	if cfg.Audio && cfg.AudioPayloadType == cfg.VideoPayloadType {
		return nil, fmt.Errorf("source: audio and video share payload type %d", cfg.VideoPayloadType)
	}

	conn, err := net.ListenPacket("udp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("source: RTP listen on %s: %w", cfg.Addr, err)
	}

	s := &RTP{
		log:     cfg.Logger.With("component", "rtp-source"),
		conn:    conn,
		byType:  make(map[uint8]*assembler),
		packets: make(chan *media.Packet, rtpQueue),
		done:    make(chan struct{}),
	}
	video := media.StreamInfo{ID: 0, Kind: media.KindVideo, Codec: media.CodecH264}
	s.streams = append(s.streams, video)
	s.byType[cfg.VideoPayloadType] = newAssembler(video, videoClockRate)
	if cfg.Audio {
		audio := media.StreamInfo{
			ID:         1,
			Kind:       media.KindAudio,
			Codec:      media.CodecAAC,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
		}
		s.streams = append(s.streams, audio)
		s.byType[cfg.AudioPayloadType] = newAssembler(audio, uint32(cfg.SampleRate))
	}

	go s.receive()
	s.log.Info("listening", "addr", conn.LocalAddr(), "streams", len(s.streams))
	return s, nil
}

// LocalAddr returns the bound UDP address.
func (s *RTP) LocalAddr() net.Addr { return s.conn.LocalAddr() }

func (s *RTP) receive() {
	defer close(s.packets)
	buf := make([]byte, rtpReadBuffer)
	for {
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.done:
			default:
				s.recvErr = err
			}
			return
		}
		s.received.Add(1)

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.dropped.Add(1)
			s.log.Debug("bad RTP packet", "error", err)
			continue
		}
		a, ok := s.byType[pkt.PayloadType]
		if !ok {
			s.dropped.Add(1)
			continue
		}
		for _, p := range a.push(&pkt) {
			select {
			case s.packets <- p:
			case <-s.done:
				return
			}
		}
	}
}

func (s *RTP) ReadPacket(ctx context.Context) (*media.Packet, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p, ok := <-s.packets:
		if ok {
			return p, nil
		}
		if s.recvErr != nil {
			return nil, fmt.Errorf("source: RTP receive: %w", s.recvErr)
		}
		return nil, io.EOF
	}
}

func (s *RTP) Seek(context.Context, time.Duration, media.SeekDirection) error {
	return ErrNotSeekable
}

func (s *RTP) Seekable() bool { return false }

func (s *RTP) BitrateHint() mo.Option[uint64] { return mo.None[uint64]() }

func (s *RTP) Streams() []media.StreamInfo { return slices.Clone(s.streams) }

func (s *RTP) Length() mo.Option[time.Duration] { return mo.None[time.Duration]() }

// Dropped returns how many datagrams were unparseable or of an unmapped
// payload type.
func (s *RTP) Dropped() int64 { return s.dropped.Load() }

func (s *RTP) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}

// unwrapper extends 32-bit RTP timestamps, relative to the first one seen.
type unwrapper struct {
	started bool
	last    uint32
	ext     int64
}

func (u *unwrapper) unwrap(ts uint32) int64 {
	if !u.started {
		u.started, u.last = true, ts
		return 0
	}
	u.ext += int64(int32(ts - u.last))
	u.last = ts
	return u.ext
}

// assembler groups the RTP packets of one stream into access units. A unit
// ends on the marker bit or when the timestamp changes; a unit that lost a
// packet is dropped whole.
type assembler struct {
	info    media.StreamInfo
	rate    uint32
	ts      unwrapper
	seq     uint16
	haveSeq bool

	unit     []byte
	unitTS   uint32
	inUnit   bool
	broken   bool
	fragment bool
}

func newAssembler(info media.StreamInfo, rate uint32) *assembler {
	return &assembler{info: info, rate: rate}
}

func (a *assembler) push(pkt *rtp.Packet) []*media.Packet {
	if a.haveSeq {
		switch d := int16(pkt.SequenceNumber - a.seq); {
		case d <= 0:
			return nil // late or duplicate
		case d > 1:
			a.broken = true
			a.fragment = false
		}
	}
	a.seq, a.haveSeq = pkt.SequenceNumber, true

	var out []*media.Packet
	if a.inUnit && pkt.Timestamp != a.unitTS {
		out = a.emit(out)
	}
	if !a.inUnit {
		a.inUnit, a.unitTS = true, pkt.Timestamp
	}

	if a.info.Kind == media.KindVideo {
		a.depacketizeH264(pkt.Payload)
	} else {
		a.unit = append(a.unit, pkt.Payload...)
	}

	if pkt.Marker {
		out = a.emit(out)
	}
	return out
}

// depacketizeH264 appends a payload's NAL units to the unit in Annex B
// form.
func (a *assembler) depacketizeH264(payload []byte) {
	if len(payload) < 1 {
		a.broken = true
		return
	}
	switch typ := payload[0] & 0x1F; {
	case typ >= 1 && typ < nalSTAPA:
		a.unit = demux.AppendAnnexB(a.unit, payload)
	case typ == nalSTAPA:
		for rest := payload[1:]; len(rest) > 0; {
			if len(rest) < 2 {
				a.broken = true
				return
			}
			size := int(binary.BigEndian.Uint16(rest))
			if size == 0 || 2+size > len(rest) {
				a.broken = true
				return
			}
			a.unit = demux.AppendAnnexB(a.unit, rest[2:2+size])
			rest = rest[2+size:]
		}
	case typ == nalFUA:
		if len(payload) < 2 {
			a.broken = true
			return
		}
		start, end := payload[1]&0x80 != 0, payload[1]&0x40 != 0
		switch {
		case start:
			header := payload[0]&0xE0 | payload[1]&0x1F
			a.unit = demux.AppendAnnexB(a.unit, []byte{header})
			a.fragment = true
		case !a.fragment:
			a.broken = true
			return
		}
		a.unit = append(a.unit, payload[2:]...)
		if end {
			a.fragment = false
		}
	default:
		a.broken = true
	}
}

func (a *assembler) emit(out []*media.Packet) []*media.Packet {
	unit, broken := a.unit, a.broken || a.fragment
	a.unit, a.inUnit, a.broken, a.fragment = nil, false, false, false
	if broken || len(unit) == 0 {
		return out
	}

	pts := time.Duration(a.ts.unwrap(a.unitTS)) * time.Second / time.Duration(a.rate)
	p := &media.Packet{
		Stream:   a.info.ID,
		PTS:      mo.Some(pts),
		Payload:  unit,
		Keyframe: a.info.Kind == media.KindAudio,
	}
	if a.info.Kind == media.KindVideo {
		p.Keyframe = slices.ContainsFunc(demux.ParseAnnexB(unit), func(n demux.NALUnit) bool {
			return demux.IsKeyframe(n.Type)
		})
	}
	return append(out, p)
}
