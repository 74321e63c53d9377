package mpegts

import "fmt"

const syncByte = 0x47

func parsePacket(buf []byte, offset int64) (*Packet, error) {
	if len(buf) != PacketSize {
		return nil, fmt.Errorf("mpegts: packet size %d, expected %d", len(buf), PacketSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("mpegts: invalid sync byte 0x%02X at offset %d", buf[0], offset)
	}

	p := &Packet{Offset: offset}
	p.Header.TransportErrorIndicator = buf[1]&0x80 != 0
	p.Header.PayloadUnitStartIndicator = buf[1]&0x40 != 0
	p.Header.PID = uint16(buf[1]&0x1F)<<8 | uint16(buf[2])
	p.Header.HasAdaptationField = buf[3]&0x20 != 0
	p.Header.HasPayload = buf[3]&0x10 != 0
	p.Header.ContinuityCounter = buf[3] & 0x0F

	pos := 4
	if p.Header.HasAdaptationField {
		afLen := int(buf[pos])
		if afLen > 0 && pos+1 < PacketSize {
			p.Header.DiscontinuityIndicator = buf[pos+1]&0x80 != 0
			p.Header.RandomAccessIndicator = buf[pos+1]&0x40 != 0
		}
		pos = min(pos+1+afLen, PacketSize)
	}

	if p.Header.HasPayload && pos < PacketSize {
		p.Payload = make([]byte, PacketSize-pos)
		copy(p.Payload, buf[pos:])
	}
	return p, nil
}

// buildPacket writes one packet into buf carrying as much of payload as
// fits and returns the number of payload bytes consumed. A short payload is
// padded with adaptation field stuffing.
func buildPacket(buf *[PacketSize]byte, pid uint16, cc uint8, pusi, randomAccess bool, payload []byte) int {
	buf[0] = syncByte
	buf[1] = byte(pid>>8) & 0x1F
	if pusi {
		buf[1] |= 0x40
	}
	buf[2] = byte(pid)

	n := min(len(payload), PacketSize-4)
	stuffing := PacketSize - 4 - n
	if randomAccess && stuffing < 2 {
		// The random access flag needs a two byte adaptation field.
		n = PacketSize - 6
		stuffing = 2
	}

	if stuffing == 0 {
		buf[3] = 0x10 | cc&0x0F
		copy(buf[4:], payload[:n])
		return n
	}

	buf[3] = 0x30 | cc&0x0F
	buf[4] = byte(stuffing - 1) // adaptation_field_length
	pos := 5
	if stuffing > 1 {
		buf[5] = 0x00
		if randomAccess {
			buf[5] = 0x40
		}
		pos = 6
		for i := pos; i < 4+stuffing; i++ {
			buf[i] = 0xFF
		}
		pos = 4 + stuffing
	}
	copy(buf[pos:], payload[:n])
	return n
}
