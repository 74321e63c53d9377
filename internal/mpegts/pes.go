package mpegts

import "fmt"

// PES stream ids used by the Writer.
const (
	StreamIDVideo = 0xE0
	StreamIDAudio = 0xC0
)

// isPESPayload checks for the PES start code prefix (0x000001).
func isPESPayload(data []byte) bool {
	return len(data) >= 3 && data[0] == 0x00 && data[1] == 0x00 && data[2] == 0x01
}

// hasOptionalHeader reports whether a stream id carries the optional PES
// header. padding_stream, private_stream_2, ECM, EMM, DSMCC, H.222.1 type E
// and the program stream directory do not.
func hasOptionalHeader(streamID uint8) bool {
	switch streamID {
	case 0xBE, 0xBF, 0xF0, 0xF1, 0xF2, 0xF8, 0xFF:
		return false
	}
	return true
}

func parsePES(payload []byte) (*PESData, error) {
	if len(payload) < 6 {
		return nil, fmt.Errorf("mpegts: PES packet too short (%d bytes)", len(payload))
	}
	if !isPESPayload(payload) {
		return nil, fmt.Errorf("mpegts: invalid PES start code")
	}

	streamID := payload[3]
	packetLength := int(payload[4])<<8 | int(payload[5])
	pes := &PESData{Header: &PESHeader{StreamID: streamID}}

	end := len(payload)
	if packetLength > 0 && 6+packetLength <= len(payload) {
		end = 6 + packetLength
	}

	if !hasOptionalHeader(streamID) {
		pes.Data = payload[6:end]
		return pes, nil
	}

	if len(payload) < 9 {
		return nil, fmt.Errorf("mpegts: PES optional header too short")
	}

	// payload[7]: PTS_DTS_indicator(2) + ESCR(1) + ES_rate(1) + DSM_trick(1) + additional_copy(1) + CRC(1) + extension(1)
	// payload[8]: PES_header_data_length
	indicator := (payload[7] >> 6) & 0x03
	dataStart := min(9+int(payload[8]), end)

	opt := &PESOptionalHeader{}
	switch indicator {
	case 2:
		if len(payload) >= 14 {
			opt.PTS = parsePTSOrDTS(payload[9:14])
		}
	case 3:
		if len(payload) >= 19 {
			opt.PTS = parsePTSOrDTS(payload[9:14])
			opt.DTS = parsePTSOrDTS(payload[14:19])
		}
	}
	pes.Header.OptionalHeader = opt
	pes.Data = payload[dataStart:end]
	return pes, nil
}

// parsePTSOrDTS extracts a 33-bit timestamp from 5 PES timestamp bytes.
func parsePTSOrDTS(bs []byte) *ClockReference {
	if len(bs) < 5 {
		return nil
	}
	base := int64(bs[0]>>1&0x07)<<30 |
		int64(bs[1])<<22 |
		int64(bs[2]>>1&0x7F)<<15 |
		int64(bs[3])<<7 |
		int64(bs[4]>>1&0x7F)
	return &ClockReference{Base: base}
}

// appendTimestamp encodes a 33-bit timestamp with its 4-bit prefix and
// marker bits.
func appendTimestamp(b []byte, prefix byte, value int64) []byte {
	value &= 1<<33 - 1
	return append(b,
		prefix<<4|byte(value>>29)&0x0E|0x01,
		byte(value>>22),
		byte(value>>14)&0xFE|0x01,
		byte(value>>7),
		byte(value<<1)&0xFE|0x01,
	)
}

// buildPES assembles a PES unit. dts is written only when it differs from
// pts. Video units use an unbounded length when they do not fit.
func buildPES(streamID byte, pts, dts *ClockReference, data []byte) []byte {
	var opt []byte
	indicator := byte(0)
	switch {
	case pts != nil && dts != nil && dts.Base != pts.Base:
		indicator = 3
		opt = appendTimestamp(opt, 0x03, pts.Base)
		opt = appendTimestamp(opt, 0x01, dts.Base)
	case pts != nil:
		indicator = 2
		opt = appendTimestamp(opt, 0x02, pts.Base)
	}

	length := 3 + len(opt) + len(data)
	if length > 0xFFFF || streamID == StreamIDVideo {
		length = 0
	}

	buf := make([]byte, 0, 9+len(opt)+len(data))
	buf = append(buf, 0x00, 0x00, 0x01, streamID, byte(length>>8), byte(length))
	buf = append(buf, 0x80, indicator<<6, byte(len(opt)))
	buf = append(buf, opt...)
	return append(buf, data...)
}
