package mpegts

import (
	"context"
	"errors"
	"io"
)

// Demuxer reads transport stream packets from a reader and produces PAT,
// PMT and PES units in stream order.
type Demuxer struct {
	ctx        context.Context
	reader     io.Reader
	readBuf    []byte
	offset     int64
	pool       *packetPool
	programMap *programMap
	pending    []*DemuxerData
	eof        bool
}

// NewDemuxer creates a demuxer reading from r. Reads stop with ctx's error
// once it is cancelled.
func NewDemuxer(ctx context.Context, r io.Reader) *Demuxer {
	pm := newProgramMap()
	return &Demuxer{
		ctx:        ctx,
		reader:     r,
		readBuf:    make([]byte, PacketSize),
		programMap: pm,
		pool:       newPacketPool(pm),
	}
}

// Offset returns the byte position of the next packet to be read.
func (d *Demuxer) Offset() int64 { return d.offset }

// Reset repositions the demuxer onto r, whose next byte is at offset.
// Partial units are discarded; the known PMT PIDs are kept so PSI on the
// new position is recognized without waiting for a PAT.
func (d *Demuxer) Reset(r io.Reader, offset int64) {
	d.reader = r
	d.offset = offset
	d.pending = nil
	d.eof = false
	d.pool.reset()
}

// NextData returns the next parsed unit. It returns io.EOF once the reader
// is exhausted and every buffered unit has been returned.
func (d *Demuxer) NextData() (*DemuxerData, error) {
	for {
		if len(d.pending) > 0 {
			data := d.pending[0]
			d.pending = d.pending[1:]
			return data, nil
		}
		if d.eof {
			return nil, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return nil, err
		}

		offset := d.offset
		n, err := io.ReadFull(d.reader, d.readBuf)
		d.offset += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				for _, packets := range d.pool.dump() {
					d.pending = append(d.pending, d.process(packets)...)
				}
				continue
			}
			return nil, err
		}

		pkt, err := parsePacket(d.readBuf, offset)
		if err != nil {
			continue
		}
		if flushed := d.pool.add(pkt); flushed != nil {
			d.pending = d.process(flushed)
		}
	}
}

// process parses a completed unit, learning PMT PIDs from any PAT in it.
func (d *Demuxer) process(packets []*Packet) []*DemuxerData {
	first := packets[0]
	payload := concatPayloads(packets)
	if len(payload) == 0 {
		return nil
	}

	if isPSIPayload(first.Header.PID, d.programMap) {
		results, _ := parsePSI(payload, first)
		for _, r := range results {
			if r.PAT == nil {
				continue
			}
			for _, p := range r.PAT.Programs {
				d.programMap.addPMTPID(p.ProgramMapID)
			}
		}
		return results
	}

	if !isPESPayload(payload) {
		return nil
	}
	pes, err := parsePES(payload)
	if err != nil {
		return nil
	}
	return []*DemuxerData{{FirstPacket: first, PES: pes}}
}
