package mpegts

import (
	"bytes"
	"testing"
)

func TestTimestampRoundTrip(t *testing.T) {
	t.Parallel()

	for _, v := range []int64{0, 1, 90000, 0x1_2345_6789 & (1<<33 - 1), 1<<33 - 1} {
		b := appendTimestamp(nil, 0x02, v)
		if b[0]>>4 != 0x02 {
			t.Errorf("prefix = %x", b[0]>>4)
		}
		if b[0]&1 != 1 || b[2]&1 != 1 || b[4]&1 != 1 {
			t.Errorf("marker bits missing in %x", b)
		}
		if got := parsePTSOrDTS(b); got.Base != v {
			t.Errorf("round trip %d = %d", v, got.Base)
		}
	}
}

func TestParsePES(t *testing.T) {
	t.Parallel()

	payload := []byte{0xAA, 0xBB, 0xCC}
	tests := []struct {
		name     string
		streamID byte
		pts, dts *ClockReference
		wantDTS  bool
	}{
		{"audio pts only", StreamIDAudio, &ClockReference{Base: 90000}, nil, false},
		{"video pts and dts", StreamIDVideo, &ClockReference{Base: 93003}, &ClockReference{Base: 90000}, true},
		{"equal dts omitted", StreamIDVideo, &ClockReference{Base: 3600}, &ClockReference{Base: 3600}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pes, err := parsePES(buildPES(tt.streamID, tt.pts, tt.dts, payload))
			if err != nil {
				t.Fatal(err)
			}
			if pes.Header.StreamID != tt.streamID {
				t.Errorf("stream id = 0x%02X", pes.Header.StreamID)
			}
			pts, dts := pes.Timestamps()
			if pts == nil || pts.Base != tt.pts.Base {
				t.Errorf("pts = %v, want %d", pts, tt.pts.Base)
			}
			if (dts != nil) != tt.wantDTS {
				t.Errorf("dts present = %v, want %v", dts != nil, tt.wantDTS)
			}
			if tt.wantDTS && dts.Base != tt.dts.Base {
				t.Errorf("dts = %d, want %d", dts.Base, tt.dts.Base)
			}
			if !bytes.Equal(pes.Data, payload) {
				t.Errorf("data = %x", pes.Data)
			}
		})
	}
}

func TestParsePESBoundedLength(t *testing.T) {
	t.Parallel()

	unit := buildPES(StreamIDAudio, &ClockReference{Base: 1}, nil, []byte{1, 2, 3})
	// Trailing bytes past PES_packet_length are not part of the unit.
	unit = append(unit, 0xFF, 0xFF)
	pes, err := parsePES(unit)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pes.Data, []byte{1, 2, 3}) {
		t.Errorf("data = %x", pes.Data)
	}
}

func TestParsePESWithoutOptionalHeader(t *testing.T) {
	t.Parallel()

	unit := []byte{0, 0, 1, 0xBE, 0, 2, 0xFF, 0xFF}
	pes, err := parsePES(unit)
	if err != nil {
		t.Fatal(err)
	}
	if pts, _ := pes.Timestamps(); pts != nil {
		t.Error("padding stream has no timestamps")
	}
	if len(pes.Data) != 2 {
		t.Errorf("data length = %d", len(pes.Data))
	}
}

func TestParsePESRejects(t *testing.T) {
	t.Parallel()

	for _, b := range [][]byte{
		{0, 0, 1},
		{0, 0, 2, 0xE0, 0, 0},
		{0, 0, 1, 0xE0, 0, 0, 0x80},
	} {
		if _, err := parsePES(b); err == nil {
			t.Errorf("parsePES(%x) succeeded", b)
		}
	}
}
