package decode

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/samber/mo"

	"github.com/zsiec/playsync/internal/demux"
	"github.com/zsiec/playsync/internal/media"
	"github.com/zsiec/playsync/internal/source"
	"github.com/zsiec/playsync/internal/synth"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func h264Unit(key bool) []byte {
	slice := []byte{0x41, 0x9a, 0x02}
	nalus := [][]byte{{0x09, 0xf0}}
	if key {
		slice[0] = 0x65
		nalus = append(nalus, synth.SPS)
	}
	return demux.AppendAnnexB(nil, append(nalus, slice)...)
}

func TestAccessUnitWaitsForKeyframe(t *testing.T) {
	t.Parallel()

	d, err := NewAccessUnit(media.CodecH264, quietLogger())
	if err != nil {
		t.Fatal(err)
	}

	steps := []struct {
		name  string
		key   bool
		flush bool
		want  bool
	}{
		{name: "leading delta", key: false, want: false},
		{name: "keyframe", key: true, want: true},
		{name: "delta after keyframe", key: false, want: true},
		{name: "delta after flush", flush: true, key: false, want: false},
		{name: "keyframe after flush", key: true, want: true},
	}
	for i, step := range steps {
		if step.flush {
			d.Flush()
		}
		pts := time.Duration(i) * 40 * time.Millisecond
		f, err := d.Decode(&media.Packet{PTS: mo.Some(pts), Payload: h264Unit(step.key)})
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got := f != nil; got != step.want {
			t.Fatalf("%s: frame = %v, want %v", step.name, got, step.want)
		}
		if f == nil {
			continue
		}
		if f.Keyframe != step.key {
			t.Errorf("%s: Keyframe = %v", step.name, f.Keyframe)
		}
		if f.PTS.OrEmpty() != pts {
			t.Errorf("%s: PTS = %v, want %v", step.name, f.PTS.OrEmpty(), pts)
		}
		if f.Width != 1280 || f.Height != 720 {
			t.Errorf("%s: size = %dx%d, want 1280x720", step.name, f.Width, f.Height)
		}
	}
	if got := d.Skipped(); got != 2 {
		t.Errorf("Skipped = %d, want 2", got)
	}
}

func TestAccessUnitHEVC(t *testing.T) {
	t.Parallel()

	d, err := NewAccessUnit(media.CodecH265, nil)
	if err != nil {
		t.Fatal(err)
	}
	trail := demux.AppendAnnexB(nil, []byte{0x02, 0x01, 0xaa})
	idr := demux.AppendAnnexB(nil, []byte{0x40, 0x01, 0x0c}, []byte{0x26, 0x01, 0xaf})

	if f, _ := d.Decode(&media.Packet{Payload: trail}); f != nil {
		t.Fatal("trailing picture before IRAP should be skipped")
	}
	f, err := d.Decode(&media.Packet{Payload: idr})
	if err != nil {
		t.Fatal(err)
	}
	if f == nil || !f.Keyframe || f.Codec != media.CodecH265 {
		t.Fatalf("IDR frame = %+v", f)
	}
}

func TestAccessUnitRejects(t *testing.T) {
	t.Parallel()

	if _, err := NewAccessUnit("vp9", nil); err == nil {
		t.Error("NewAccessUnit(vp9) should fail")
	}
	d, _ := NewAccessUnit(media.CodecH264, nil)
	if _, err := d.Decode(&media.Packet{Payload: []byte{0xde, 0xad}}); !errors.Is(err, ErrEmptyUnit) {
		t.Errorf("Decode(garbage) error = %v, want ErrEmptyUnit", err)
	}
}

func TestSilentAAC(t *testing.T) {
	t.Parallel()

	d, err := NewSilentAAC(media.StreamInfo{Codec: media.CodecAAC, SampleRate: 44100, Channels: 1})
	if err != nil {
		t.Fatal(err)
	}

	var payload []byte
	for range 3 {
		payload, _ = demux.AppendADTS(payload, 48000, 2, []byte{0x21, 0x10, 0x04})
	}
	s, err := d.Decode(&media.Packet{PTS: mo.Some(time.Second), Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if s.SampleRate != 48000 || s.Channels != 2 {
		t.Errorf("format = %d Hz x %d, want 48000 x 2", s.SampleRate, s.Channels)
	}
	if len(s.Frames) != 3*demux.SamplesPerFrame {
		t.Errorf("frames = %d, want %d", len(s.Frames), 3*demux.SamplesPerFrame)
	}
	for _, f := range s.Frames {
		if f != [2]float64{} {
			t.Fatal("samples should be silent")
		}
	}
	if s.PTS.OrEmpty() != time.Second {
		t.Errorf("PTS = %v", s.PTS.OrEmpty())
	}

	if _, err := d.Decode(&media.Packet{Payload: []byte{1, 2, 3}}); !errors.Is(err, ErrNoFrames) {
		t.Errorf("Decode(no frames) error = %v, want ErrNoFrames", err)
	}
	if _, err := NewSilentAAC(media.StreamInfo{Codec: media.CodecH264}); err == nil {
		t.Error("NewSilentAAC(h264) should fail")
	}
}

// TestDecodeSyntheticStream decodes every unit of a generated file as a
// session would.
func TestDecodeSyntheticStream(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	cfg := synth.Config{Duration: 2 * time.Second, Audio: true, Captions: "HELLO WORLD"}
	sum, err := synth.Write(&buf, cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	src, err := source.NewTS(ctx, bytes.NewReader(buf.Bytes()), quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	var video *AccessUnit
	var audio *SilentAAC
	kinds := make(map[int]media.StreamKind)
	for _, info := range src.Streams() {
		kinds[info.ID] = info.Kind
		switch info.Kind {
		case media.KindVideo:
			video, err = NewAccessUnit(info.Codec, quietLogger())
		case media.KindAudio:
			audio, err = NewSilentAAC(info)
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	if video == nil || audio == nil {
		t.Fatalf("streams = %+v", src.Streams())
	}

	var frames, keyframes int
	var audioTime time.Duration
	for {
		p, err := src.ReadPacket(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		switch kinds[p.Stream] {
		case media.KindVideo:
			f, err := video.Decode(p)
			if err != nil {
				t.Fatal(err)
			}
			if f == nil {
				t.Fatal("stream starts on a keyframe, no unit should be skipped")
			}
			frames++
			if f.Keyframe {
				keyframes++
			}
			if f.Width != 1280 || f.Height != 720 {
				t.Fatalf("frame %d size = %dx%d", frames, f.Width, f.Height)
			}
		case media.KindAudio:
			s, err := audio.Decode(p)
			if err != nil {
				t.Fatal(err)
			}
			audioTime += s.Duration()
		}
	}

	if frames != sum.VideoFrames {
		t.Errorf("frames = %d, want %d", frames, sum.VideoFrames)
	}
	if keyframes != 2 {
		t.Errorf("keyframes = %d, want 2", keyframes)
	}
	want := time.Duration(sum.AudioFrames) * demux.SamplesPerFrame * time.Second / 48000
	if audioTime < want-time.Millisecond || audioTime > want+time.Millisecond {
		t.Errorf("audio duration = %v, want about %v", audioTime, want)
	}
	if video.CaptionPairs() == 0 {
		t.Error("no caption pairs decoded from SEI")
	}
}
