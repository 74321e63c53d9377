package synth

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/zsiec/ccx"

	"github.com/zsiec/playsync/internal/demux"
	"github.com/zsiec/playsync/internal/mpegts"
)

func TestWriteStructure(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	sum, err := Write(&buf, Config{Duration: 2 * time.Second, Audio: true, Captions: "HELLO"})
	if err != nil {
		t.Fatal(err)
	}
	if sum.VideoFrames != 50 {
		t.Errorf("video frames = %d, want 50", sum.VideoFrames)
	}
	if sum.AudioFrames != 93 {
		t.Errorf("audio frames = %d, want 93", sum.AudioFrames)
	}
	if sum.Bytes != int64(buf.Len()) || buf.Len()%mpegts.PacketSize != 0 {
		t.Errorf("bytes = %d, buffer = %d", sum.Bytes, buf.Len())
	}

	d := mpegts.NewDemuxer(context.Background(), &buf)
	var video, audio, keyframes, captionUnits int
	lastAudio := int64(-1)
	for {
		data, err := d.NextData()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		if data.PES == nil {
			continue
		}
		pts, _ := data.PES.Timestamps()
		switch data.FirstPacket.Header.PID {
		case VideoPID:
			if video == 0 && pts.Base != StartPTS {
				t.Errorf("first video pts = %d", pts.Base)
			}
			for _, n := range demux.ParseAnnexB(data.PES.Data) {
				switch n.Type {
				case demux.NALTypeIDR:
					keyframes++
					if !data.FirstPacket.Header.RandomAccessIndicator {
						t.Errorf("keyframe %d without random access flag", video)
					}
				case demux.NALTypeSPS:
					info, err := demux.ParseSPS(n.Data)
					if err != nil || info.Width != 1280 || info.Height != 720 {
						t.Errorf("SPS = %+v, %v", info, err)
					}
				case demux.NALTypeSEI:
					if cd := ccx.ExtractCaptions(n.Data); cd != nil && len(cd.CC608Pairs) > 0 {
						captionUnits++
					}
				}
			}
			video++
		case AudioPID:
			if pts.Base <= lastAudio {
				t.Errorf("audio pts %d after %d", pts.Base, lastAudio)
			}
			lastAudio = pts.Base
			frames, err := demux.ParseADTS(data.PES.Data)
			if err != nil || len(frames) != 1 || frames[0].SampleRate != 48000 {
				t.Errorf("audio unit %d: %d frames, %v", audio, len(frames), err)
			}
			audio++
		}
	}

	if video != 50 || audio != 93 {
		t.Errorf("demuxed %d video, %d audio", video, audio)
	}
	if keyframes != 2 {
		t.Errorf("keyframes = %d, want 2", keyframes)
	}
	// RU2, EDM, PAC twice each, three character pairs, CR twice; one
	// pair per frame.
	if captionUnits == 0 || captionUnits > 11 {
		t.Errorf("caption units = %d, want 1..11", captionUnits)
	}
}

func TestWriteRejectsZeroDuration(t *testing.T) {
	t.Parallel()

	if _, err := Write(io.Discard, Config{}); err == nil {
		t.Error("expected error")
	}
}

func TestCaptionPairs(t *testing.T) {
	t.Parallel()

	if captionPairs("") != nil {
		t.Error("empty text yields pairs")
	}
	pairs := captionPairs("ABC\n")
	// six control pairs, "AB", "C?", two CR
	if len(pairs) != 10 {
		t.Fatalf("pairs = %d", len(pairs))
	}
	if pairs[6] != (ccPair{'A', 'B'}) || pairs[7] != (ccPair{'C', '?'}) {
		t.Errorf("text pairs = %v %v", pairs[6], pairs[7])
	}
}

func TestOddParity(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want byte }{
		{0x14, 0x94}, // two bits set
		{0x25, 0x25}, // three bits set
		{0x80, 0x80}, // zero after masking
		{'A', 0xC1},
	}
	for _, tt := range tests {
		if got := oddParity(tt.in); got != tt.want {
			t.Errorf("oddParity(%#x) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}

func TestEscapeRBSP(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want []byte }{
		{[]byte{0, 0, 1}, []byte{0, 0, 3, 1}},
		{[]byte{0, 0, 0, 0}, []byte{0, 0, 3, 0, 0}},
		{[]byte{0, 0, 4}, []byte{0, 0, 4}},
		{[]byte{1, 0, 2}, []byte{1, 0, 2}},
	}
	for _, tt := range tests {
		if got := escapeRBSP(tt.in); !bytes.Equal(got, tt.want) {
			t.Errorf("escapeRBSP(%x) = %x, want %x", tt.in, got, tt.want)
		}
	}
}
