package demux

import (
	"errors"
	"time"
)

// ErrInvalidADTS is returned when an ADTS header is malformed.
var ErrInvalidADTS = errors.New("demux: invalid ADTS header")

// SamplesPerFrame is the number of PCM samples per channel in one AAC-LC
// frame.
const SamplesPerFrame = 1024

// ISO 14496-3 sampling frequency index table.
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// AACFrame is one ADTS-framed AAC frame.
type AACFrame struct {
	Data       []byte // header and payload
	SampleRate int
	Channels   int
}

// Duration returns the playback duration of the frame.
func (f AACFrame) Duration() time.Duration {
	if f.SampleRate == 0 {
		return 0
	}
	return SamplesPerFrame * time.Second / time.Duration(f.SampleRate)
}

// ParseADTS splits an ADTS byte stream into frames. Bytes before a sync word
// are skipped; a truncated trailing frame is dropped.
func ParseADTS(data []byte) ([]AACFrame, error) {
	var frames []AACFrame
	for off := 0; len(data)-off >= 7; {
		h := data[off:]
		if h[0] != 0xFF || h[1]&0xF0 != 0xF0 {
			off++
			continue
		}

		headerLen := 7
		if h[1]&0x01 == 0 { // protection_absent clear: CRC follows
			headerLen = 9
		}
		rateIdx := int(h[2]>>2) & 0x0F
		if rateIdx >= len(aacSampleRates) {
			return frames, ErrInvalidADTS
		}
		channels := int(h[2]&0x01)<<2 | int(h[3]>>6)
		frameLen := int(h[3]&0x03)<<11 | int(h[4])<<3 | int(h[5]>>5)
		if frameLen < headerLen || off+frameLen > len(data) {
			break
		}

		frames = append(frames, AACFrame{
			Data:       data[off : off+frameLen],
			SampleRate: aacSampleRates[rateIdx],
			Channels:   channels,
		})
		off += frameLen
	}
	return frames, nil
}

// AppendADTS appends an AAC-LC frame carrying payload behind a 7-byte ADTS
// header. An unknown sample rate yields ErrInvalidADTS.
func AppendADTS(dst []byte, sampleRate, channels int, payload []byte) ([]byte, error) {
	rateIdx := -1
	for i, r := range aacSampleRates {
		if r == sampleRate {
			rateIdx = i
			break
		}
	}
	frameLen := 7 + len(payload)
	if rateIdx < 0 || channels < 1 || channels > 7 || frameLen > 1<<13-1 {
		return dst, ErrInvalidADTS
	}

	const profileLC = 1 // audio object type 2, minus one
	dst = append(dst,
		0xFF,
		0xF1, // MPEG-4, layer 0, no CRC
		profileLC<<6|byte(rateIdx)<<2|byte(channels>>2),
		byte(channels&0x03)<<6|byte(frameLen>>11),
		byte(frameLen>>3),
		byte(frameLen&0x07)<<5|0x1F,
		0xFC,
	)
	return append(dst, payload...), nil
}
