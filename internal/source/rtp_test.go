package source

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/zsiec/playsync/internal/demux"
	"github.com/zsiec/playsync/internal/media"
)

type rtpSender struct {
	t    *testing.T
	conn net.Conn
	seq  map[uint8]uint16
}

func newRTPSender(t *testing.T, to net.Addr) *rtpSender {
	t.Helper()
	conn, err := net.Dial("udp", to.String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &rtpSender{t: t, conn: conn, seq: make(map[uint8]uint16)}
}

// send writes one packet; skip advances the sequence number without
// sending, simulating loss.
func (s *rtpSender) send(pt uint8, ts uint32, marker, skip bool, payload []byte) {
	s.t.Helper()
	seq := s.seq[pt]
	s.seq[pt] = seq + 1
	if skip {
		return
	}
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           uint32(pt),
			Marker:         marker,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	if err != nil {
		s.t.Fatal(err)
	}
	if _, err := s.conn.Write(raw); err != nil {
		s.t.Fatal(err)
	}
	// Keep datagrams in order through the loopback socket buffer.
	time.Sleep(time.Millisecond)
}

func stapA(nalus ...[]byte) []byte {
	out := []byte{0x18}
	for _, n := range nalus {
		out = append(out, byte(len(n)>>8), byte(len(n)))
		out = append(out, n...)
	}
	return out
}

// fuA fragments nalu into n parts.
func fuA(nalu []byte, n int) [][]byte {
	body := nalu[1:]
	size := (len(body) + n - 1) / n
	var parts [][]byte
	for i := 0; i < len(body); i += size {
		header := nalu[0] & 0x1F
		if i == 0 {
			header |= 0x80
		}
		end := min(i+size, len(body))
		if end == len(body) {
			header |= 0x40
		}
		part := []byte{nalu[0]&0xE0 | nalFUA, header}
		parts = append(parts, append(part, body[i:end]...))
	}
	return parts
}

func TestRTPAssemblesAccessUnits(t *testing.T) {
	t.Parallel()

	s, err := ListenRTP(RTPConfig{Addr: "127.0.0.1:0", Audio: true, Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	tx := newRTPSender(t, s.LocalAddr())

	sps := []byte{0x67, 0x64, 0x00, 0x1f}
	pps := []byte{0x68, 0xee, 0x3c, 0x80}
	idr := append([]byte{0x65}, bytes.Repeat([]byte{0x11}, 3000)...)
	slice := []byte{0x41, 0x9a, 0x22}
	adts, err := demux.AppendADTS(nil, 48000, 2, []byte{0x21, 0x10})
	if err != nil {
		t.Fatal(err)
	}

	const vt, at = DefaultVideoPayloadType, DefaultAudioPayloadType
	base := uint32(1<<32 - 1800) // wraps within the test

	// Keyframe: parameter sets aggregated, IDR fragmented.
	tx.send(vt, base, false, false, stapA(sps, pps))
	parts := fuA(idr, 3)
	for i, p := range parts {
		tx.send(vt, base, i == len(parts)-1, false, p)
	}
	tx.send(at, 5000, true, false, adts)
	tx.send(vt, base+3600, true, false, slice)

	// A unit that loses its middle fragment is dropped whole.
	lost := fuA(idr, 3)
	tx.send(vt, base+7200, false, false, lost[0])
	tx.send(vt, base+7200, false, true, lost[1])
	tx.send(vt, base+7200, true, false, lost[2])
	tx.send(vt, base+10800, true, false, slice)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var video, audio []*media.Packet
	for len(video) < 3 || len(audio) < 1 {
		p, err := s.ReadPacket(ctx)
		if err != nil {
			t.Fatalf("after %d video, %d audio: %v", len(video), len(audio), err)
		}
		if p.Stream == 0 {
			video = append(video, p)
		} else {
			audio = append(audio, p)
		}
	}

	key := video[0]
	if !key.Keyframe {
		t.Error("first unit not a keyframe")
	}
	nalus := demux.ParseAnnexB(key.Payload)
	if len(nalus) != 3 || !bytes.Equal(nalus[0].Data, sps) || !bytes.Equal(nalus[2].Data, idr) {
		t.Errorf("keyframe NAL units = %d", len(nalus))
	}

	wantPTS := []time.Duration{0, 40 * time.Millisecond, 120 * time.Millisecond}
	for i, p := range video {
		if pts, _ := p.PTS.Get(); pts != wantPTS[i] {
			t.Errorf("video %d pts = %v, want %v", i, pts, wantPTS[i])
		}
	}
	if video[1].Keyframe || video[2].Keyframe {
		t.Error("slice flagged as keyframe")
	}
	if !bytes.Equal(audio[0].Payload, adts) || !audio[0].Keyframe {
		t.Errorf("audio unit = %x", audio[0].Payload)
	}
}

func TestRTPLiveProperties(t *testing.T) {
	t.Parallel()

	s, err := ListenRTP(RTPConfig{Addr: "127.0.0.1:0", Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if s.Seekable() || s.Length().IsPresent() {
		t.Error("RTP source reports file properties")
	}
	if err := s.Seek(context.Background(), 0, media.SeekForward); !errors.Is(err, ErrNotSeekable) {
		t.Errorf("Seek err = %v", err)
	}
	if got := s.Streams(); len(got) != 1 || got[0].Kind != media.KindVideo {
		t.Errorf("streams = %+v", got)
	}

	tx := newRTPSender(t, s.LocalAddr())
	tx.send(110, 0, true, false, []byte{0x41}) // unmapped payload type

	deadline := time.Now().Add(time.Second)
	for s.Dropped() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", s.Dropped())
	}

	s.Close()
	if _, err := s.ReadPacket(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("ReadPacket after Close = %v, want io.EOF", err)
	}
}

func TestRTPConfigRejectsSharedPayloadType(t *testing.T) {
	t.Parallel()

	_, err := ListenRTP(RTPConfig{Addr: "127.0.0.1:0", Audio: true, VideoPayloadType: 100, AudioPayloadType: 100})
	if err == nil {
		t.Error("expected error")
	}
}

func TestUnwrapper(t *testing.T) {
	t.Parallel()

	var u unwrapper
	steps := []struct {
		ts   uint32
		want int64
	}{
		{1<<32 - 100, 0},
		{1<<32 - 10, 90},
		{50, 150},
		{20, 120}, // reordered
		{3000, 3100},
	}
	for _, s := range steps {
		if got := u.unwrap(s.ts); got != s.want {
			t.Errorf("unwrap(%d) = %d, want %d", s.ts, got, s.want)
		}
	}
}
