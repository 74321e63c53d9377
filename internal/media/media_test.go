package media

import (
	"testing"
	"time"

	"github.com/samber/mo"
)

func TestMPEGTimeConversion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		base int64
		want time.Duration
	}{
		{0, 0},
		{90000, time.Second},
		{3003, 33366666 * time.Nanosecond},
		{1 << 33, time.Duration((1 << 33) * 100_000 / 9)},
	}
	for _, tt := range tests {
		if got := FromMPEGTime(tt.base); got != tt.want {
			t.Errorf("FromMPEGTime(%d) = %v, want %v", tt.base, got, tt.want)
		}
	}
	if got := ToMPEGTime(time.Second); got != 90000 {
		t.Errorf("ToMPEGTime(1s) = %d, want 90000", got)
	}
}

func TestPacketDecodeTime(t *testing.T) {
	t.Parallel()

	p := &Packet{PTS: mo.Some(2 * time.Second)}
	if got := p.DecodeTime().OrEmpty(); got != 2*time.Second {
		t.Errorf("DecodeTime without DTS = %v, want PTS", got)
	}

	p.DTS = mo.Some(time.Second)
	if got := p.DecodeTime().OrEmpty(); got != time.Second {
		t.Errorf("DecodeTime = %v, want DTS", got)
	}

	if (&Packet{}).DecodeTime().IsPresent() {
		t.Error("DecodeTime should be absent with no timestamps")
	}
}

func TestSamplesDuration(t *testing.T) {
	t.Parallel()

	s := &Samples{SampleRate: 48000, Frames: make([][2]float64, 1024)}
	want := 1024 * time.Second / 48000
	if got := s.Duration(); got != want {
		t.Errorf("Duration = %v, want %v", got, want)
	}
	if got := (&Samples{}).Duration(); got != 0 {
		t.Errorf("Duration with no rate = %v, want 0", got)
	}
}
