// Package mpegts reads and writes MPEG transport streams. The Demuxer
// discovers programs through the PAT and PMT and reassembles PES units with
// their timestamps; the Writer muxes PES units back into 188-byte packets.
package mpegts

// PacketSize is the length of a transport stream packet.
const PacketSize = 188

// Stream types carried in the PMT.
const (
	StreamTypeAAC  uint8 = 0x0F
	StreamTypeH264 uint8 = 0x1B
	StreamTypeH265 uint8 = 0x24
)

// Packet is a parsed transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
	// Offset is the byte position of the packet in the demuxed stream.
	Offset int64
}

// PacketHeader contains the parsed header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
	RandomAccessIndicator     bool
}

// DemuxerData is one logical unit produced by the demuxer. Exactly one of
// PAT, PMT, or PES is set.
type DemuxerData struct {
	FirstPacket *Packet
	PAT         *PATData
	PMT         *PMTData
	PES         *PESData
}

// PATData contains the parsed Program Association Table.
type PATData struct {
	Programs []*PATProgram
}

// PATProgram maps a program number to its PMT PID.
type PATProgram struct {
	ProgramMapID  uint16
	ProgramNumber uint16
}

// PMTData contains the parsed Program Map Table.
type PMTData struct {
	ProgramNumber     uint16
	PCRPID            uint16
	ElementaryStreams []*PMTElementaryStream
}

// PMTElementaryStream describes a single elementary stream in a PMT.
type PMTElementaryStream struct {
	ElementaryPID uint16
	StreamType    uint8
}

// PESData contains a reassembled Packetized Elementary Stream unit.
type PESData struct {
	Data   []byte
	Header *PESHeader
}

// PESHeader contains the parsed PES packet header.
type PESHeader struct {
	OptionalHeader *PESOptionalHeader
	StreamID       uint8
}

// PESOptionalHeader carries the optional PES timestamps.
type PESOptionalHeader struct {
	PTS *ClockReference
	DTS *ClockReference
}

// ClockReference holds a 33-bit timestamp on the 90 kHz clock.
type ClockReference struct {
	Base int64
}

// Timestamps returns the unit's PTS and DTS, either of which may be nil.
func (p *PESData) Timestamps() (pts, dts *ClockReference) {
	if p.Header == nil || p.Header.OptionalHeader == nil {
		return nil, nil
	}
	return p.Header.OptionalHeader.PTS, p.Header.OptionalHeader.DTS
}
