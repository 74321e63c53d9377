// Package decode provides stand-in decoders for playback sessions. They
// parse stream structure (keyframes, dimensions, captions, frame sizes)
// without decoding pictures or sound, which is enough to drive the
// session's clocks and sinks end to end.
package decode

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/zsiec/ccx"

	"github.com/zsiec/playsync/internal/demux"
	"github.com/zsiec/playsync/internal/media"
)

// ErrEmptyUnit is returned for a packet with no NAL units.
var ErrEmptyUnit = errors.New("decode: access unit has no NAL units")

// AccessUnit passes H.264 or H.265 access units through as frames. After
// construction and after every Flush it discards units until a keyframe,
// since nothing before one can be decoded. CEA-608 and CEA-708 captions in
// SEI are decoded and attached to the frame that carried them.
type AccessUnit struct {
	log   *slog.Logger
	codec string
	hevc  bool

	needKey bool
	width   int
	height  int
	frames  int64

	cea608   map[int]*ccx.CEA608Decoder
	cea708   map[int]*ccx.CEA708Service
	dtvccBuf []byte

	lastCtrl      [2][2]byte
	lastWasCtrl   [2]bool
	lastCtrlFrame [2]int64

	skipped atomic.Int64
	ccPairs atomic.Int64
}

// NewAccessUnit returns a decoder for codec (media.CodecH264 or
// media.CodecH265). If log is nil, slog.Default() is used.
func NewAccessUnit(codec string, log *slog.Logger) (*AccessUnit, error) {
	if codec != media.CodecH264 && codec != media.CodecH265 {
		return nil, fmt.Errorf("decode: unsupported video codec %q", codec)
	}
	if log == nil {
		log = slog.Default()
	}
	d := &AccessUnit{
		log:     log.With("component", "decode", "codec", codec),
		codec:   codec,
		hevc:    codec == media.CodecH265,
		needKey: true,
	}
	d.resetCaptions()
	return d, nil
}

func (d *AccessUnit) resetCaptions() {
	d.cea608 = map[int]*ccx.CEA608Decoder{
		1: ccx.NewCEA608Decoder(),
		2: ccx.NewCEA608Decoder(),
		3: ccx.NewCEA608Decoder(),
		4: ccx.NewCEA608Decoder(),
	}
	d.cea708 = make(map[int]*ccx.CEA708Service, 6)
	for svc := 1; svc <= 6; svc++ {
		d.cea708[svc] = ccx.NewCEA708Service()
	}
	d.dtvccBuf = d.dtvccBuf[:0]
	d.lastWasCtrl = [2]bool{}
}

// Decode returns the frame for p, or nil while waiting for a keyframe.
func (d *AccessUnit) Decode(p *media.Packet) (*media.Frame, error) {
	var nalus []demux.NALUnit
	if d.hevc {
		nalus = demux.ParseAnnexBHEVC(p.Payload)
	} else {
		nalus = demux.ParseAnnexB(p.Payload)
	}
	if len(nalus) == 0 {
		return nil, ErrEmptyUnit
	}

	keyframe := false
	var sei [][]byte
	for _, n := range nalus {
		switch {
		case !d.hevc && demux.IsKeyframe(n.Type), d.hevc && demux.IsHEVCKeyframe(n.Type):
			keyframe = true
		case !d.hevc && n.Type == demux.NALTypeSPS:
			if info, err := demux.ParseSPS(n.Data); err == nil {
				d.width, d.height = info.Width, info.Height
			} else {
				d.log.Debug("bad SPS", "error", err)
			}
		case !d.hevc && n.Type == demux.NALTypeSEI, d.hevc && n.Type == demux.HEVCNALSEIPrefix:
			sei = append(sei, n.Data)
		}
	}

	if d.needKey && !keyframe {
		d.skipped.Add(1)
		return nil, nil
	}
	d.needKey = false
	d.frames++

	f := &media.Frame{
		PTS:      p.PTS,
		Keyframe: keyframe,
		Codec:    d.codec,
		Width:    d.width,
		Height:   d.height,
		Data:     p.Payload,
	}
	pts := media.ToMPEGTime(p.PTS.OrEmpty())
	for _, s := range sei {
		f.Captions = append(f.Captions, d.captions(s, pts)...)
	}
	return f, nil
}

// Flush drops caption state and waits for the next keyframe.
func (d *AccessUnit) Flush() {
	d.needKey = true
	d.resetCaptions()
}

// Skipped returns how many units were discarded waiting for a keyframe.
func (d *AccessUnit) Skipped() int64 { return d.skipped.Load() }

// CaptionPairs returns how many CEA-608 byte pairs were seen.
func (d *AccessUnit) CaptionPairs() int64 { return d.ccPairs.Load() }

// captions decodes the cc_data of one SEI NAL unit.
func (d *AccessUnit) captions(sei []byte, pts int64) []*ccx.CaptionFrame {
	if len(sei) <= 2 {
		return nil
	}
	cd := ccx.ExtractCaptions(sei)
	if cd == nil {
		return nil
	}

	var out []*ccx.CaptionFrame
	for _, pair := range cd.CC608Pairs {
		d.ccPairs.Add(1)
		cc1, cc2 := pair.Data[0], pair.Data[1]

		// Control codes are sent twice; act on the first copy only.
		f := pair.Field
		if cc1 >= 0x10 && cc1 <= 0x1F {
			cp := [2]byte{cc1, cc2}
			if d.lastWasCtrl[f] && d.lastCtrl[f] == cp && d.frames-d.lastCtrlFrame[f] <= 2 {
				d.lastWasCtrl[f] = false
				continue
			}
			d.lastCtrl[f], d.lastWasCtrl[f], d.lastCtrlFrame[f] = cp, true, d.frames
		} else {
			d.lastWasCtrl[f] = false
		}

		dec := d.cea608[pair.Channel]
		if dec == nil {
			continue
		}
		if text := dec.Decode(cc1, cc2); text != "" {
			out = append(out, &ccx.CaptionFrame{
				PTS:     pts,
				Text:    text,
				Channel: pair.Channel,
				Regions: dec.StyledRegions(),
			})
		}
	}

	for _, t := range cd.DTVCC {
		if t.Start {
			out = append(out, d.drainDTVCC(pts)...)
			d.dtvccBuf = d.dtvccBuf[:0]
		}
		d.dtvccBuf = append(d.dtvccBuf, t.Data[0], t.Data[1])
	}
	return out
}

// drainDTVCC decodes a complete DTVCC packet from the buffer.
func (d *AccessUnit) drainDTVCC(pts int64) []*ccx.CaptionFrame {
	if len(d.dtvccBuf) < 1 {
		return nil
	}
	size := ccx.DTVCCPacketSize(d.dtvccBuf[0])
	if len(d.dtvccBuf) < size {
		return nil
	}

	var out []*ccx.CaptionFrame
	for _, block := range ccx.ParseDTVCCPacket(d.dtvccBuf[:size]) {
		svc := d.cea708[block.ServiceNum]
		if svc == nil || !svc.ProcessBlock(block.Data) {
			continue
		}
		if text := svc.DisplayText(); text != "" {
			out = append(out, &ccx.CaptionFrame{
				PTS:     pts,
				Text:    text,
				Channel: block.ServiceNum + 6,
				Regions: svc.StyledRegions(),
			})
		}
	}
	d.dtvccBuf = d.dtvccBuf[size:]
	return out
}
