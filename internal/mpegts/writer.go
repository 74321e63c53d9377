package mpegts

import (
	"errors"
	"fmt"
	"io"
)

// WriterStream declares one elementary stream of the muxed program.
type WriterStream struct {
	PID        uint16
	StreamType uint8
}

// Writer muxes PES units of a single program into transport stream packets.
type Writer struct {
	w       io.Writer
	pmtPID  uint16
	streams []WriterStream
	cc      map[uint16]uint8
	pkt     [PacketSize]byte
}

// NewWriter returns a Writer for a program whose PMT lives on pmtPID. The
// first stream carries the PCR.
func NewWriter(w io.Writer, pmtPID uint16, streams ...WriterStream) (*Writer, error) {
	if len(streams) == 0 {
		return nil, errors.New("mpegts: writer needs at least one stream")
	}
	seen := map[uint16]bool{pidPAT: true, pmtPID: true}
	for _, s := range streams {
		if seen[s.PID] || s.PID > 0x1FFE {
			return nil, fmt.Errorf("mpegts: invalid stream PID 0x%04X", s.PID)
		}
		seen[s.PID] = true
	}
	return &Writer{
		w:       w,
		pmtPID:  pmtPID,
		streams: streams,
		cc:      make(map[uint16]uint8),
	}, nil
}

// WriteTables writes a PAT and a PMT. Call it before the first PES and
// periodically for receivers joining mid-stream.
func (w *Writer) WriteTables() error {
	pat := append([]byte{0}, buildPATSection(1, 1, w.pmtPID)...)
	if err := w.writeUnit(pidPAT, pat, false); err != nil {
		return err
	}
	pmt := append([]byte{0}, buildPMTSection(1, w.streams[0].PID, w.streams)...)
	return w.writeUnit(w.pmtPID, pmt, false)
}

// WritePES writes one PES unit on pid. Timestamps are on the 90 kHz clock;
// a negative dts omits it. keyframe sets the random access indicator.
func (w *Writer) WritePES(pid uint16, streamID byte, pts, dts int64, data []byte, keyframe bool) error {
	var dtsRef *ClockReference
	if dts >= 0 {
		dtsRef = &ClockReference{Base: dts}
	}
	unit := buildPES(streamID, &ClockReference{Base: pts}, dtsRef, data)
	return w.writeUnit(pid, unit, keyframe)
}

func (w *Writer) writeUnit(pid uint16, unit []byte, randomAccess bool) error {
	first := true
	for len(unit) > 0 {
		cc := w.cc[pid]
		w.cc[pid] = (cc + 1) & 0x0F
		n := buildPacket(&w.pkt, pid, cc, first, first && randomAccess, unit)
		if _, err := w.w.Write(w.pkt[:]); err != nil {
			return fmt.Errorf("mpegts: writing packet: %w", err)
		}
		unit = unit[n:]
		first = false
	}
	return nil
}
