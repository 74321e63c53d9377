package mpegts

import (
	"encoding/binary"
	"fmt"
)

const (
	tableIDPAT = 0x00
	tableIDPMT = 0x02
)

func isPSIPayload(pid uint16, pm *programMap) bool {
	return pid == pidPAT || pm.isPMTPID(pid)
}

func parsePSI(payload []byte, firstPacket *Packet) ([]*DemuxerData, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("mpegts: PSI payload too short")
	}

	offset := 1 + int(payload[0]) // pointer field
	if offset >= len(payload) {
		return nil, fmt.Errorf("mpegts: PSI pointer field out of range")
	}

	var results []*DemuxerData
	for offset+3 <= len(payload) {
		tableID := payload[offset]
		// Stuffing, or zero padding with section_syntax_indicator clear.
		if tableID == 0xFF || payload[offset+1]&0x80 == 0 {
			break
		}

		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		sectionEnd := offset + 3 + sectionLength
		if sectionEnd > len(payload) {
			break
		}
		section := payload[offset:sectionEnd]

		switch tableID {
		case tableIDPAT:
			pat, err := parsePATSection(section)
			if err != nil {
				return results, err
			}
			results = append(results, &DemuxerData{FirstPacket: firstPacket, PAT: pat})
		case tableIDPMT:
			pmt, err := parsePMTSection(section)
			if err != nil {
				return results, err
			}
			results = append(results, &DemuxerData{FirstPacket: firstPacket, PMT: pmt})
		}
		offset = sectionEnd
	}
	return results, nil
}

func parsePATSection(data []byte) (*PATData, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PAT %w", err)
	}
	// 8 header bytes, 4-byte entries, CRC32.
	if len(data) < 12 {
		return nil, fmt.Errorf("mpegts: PAT too short")
	}

	pat := &PATData{}
	for i := 8; i+4 <= len(data)-4; i += 4 {
		number := binary.BigEndian.Uint16(data[i:])
		pid := binary.BigEndian.Uint16(data[i+2:]) & 0x1FFF
		if number == 0 {
			continue // network PID
		}
		pat.Programs = append(pat.Programs, &PATProgram{ProgramNumber: number, ProgramMapID: pid})
	}
	return pat, nil
}

func parsePMTSection(data []byte) (*PMTData, error) {
	if err := verifyCRC32(data); err != nil {
		return nil, fmt.Errorf("mpegts: PMT %w", err)
	}
	// 12 header bytes, program descriptors, stream entries, CRC32.
	if len(data) < 16 {
		return nil, fmt.Errorf("mpegts: PMT too short")
	}

	pmt := &PMTData{
		ProgramNumber: binary.BigEndian.Uint16(data[3:]),
		PCRPID:        binary.BigEndian.Uint16(data[8:]) & 0x1FFF,
	}
	end := len(data) - 4
	offset := 12 + int(binary.BigEndian.Uint16(data[10:])&0x0FFF)
	for offset+5 <= end {
		pmt.ElementaryStreams = append(pmt.ElementaryStreams, &PMTElementaryStream{
			StreamType:    data[offset],
			ElementaryPID: binary.BigEndian.Uint16(data[offset+1:]) & 0x1FFF,
		})
		offset += 5 + int(binary.BigEndian.Uint16(data[offset+3:])&0x0FFF)
	}
	return pmt, nil
}

// buildPATSection encodes a single-program PAT with CRC32.
func buildPATSection(tsID, programNumber, pmtPID uint16) []byte {
	const sectionLength = 5 + 4 + 4
	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPAT
	data[1] = 0xB0
	data[2] = sectionLength
	binary.BigEndian.PutUint16(data[3:], tsID)
	data[5] = 0xC1 // version 0, current
	binary.BigEndian.PutUint16(data[8:], programNumber)
	binary.BigEndian.PutUint16(data[10:], 0xE000|pmtPID)
	binary.BigEndian.PutUint32(data[12:], computeCRC32(data[:12]))
	return data
}

// buildPMTSection encodes a PMT listing streams, with CRC32.
func buildPMTSection(programNumber, pcrPID uint16, streams []WriterStream) []byte {
	sectionLength := 9 + 5*len(streams) + 4
	data := make([]byte, 3+sectionLength)
	data[0] = tableIDPMT
	data[1] = 0xB0 | byte(sectionLength>>8)&0x0F
	data[2] = byte(sectionLength)
	binary.BigEndian.PutUint16(data[3:], programNumber)
	data[5] = 0xC1
	binary.BigEndian.PutUint16(data[8:], 0xE000|pcrPID)
	binary.BigEndian.PutUint16(data[10:], 0xF000)

	offset := 12
	for _, s := range streams {
		data[offset] = s.StreamType
		binary.BigEndian.PutUint16(data[offset+1:], 0xE000|s.PID)
		binary.BigEndian.PutUint16(data[offset+3:], 0xF000)
		offset += 5
	}
	binary.BigEndian.PutUint32(data[offset:], computeCRC32(data[:offset]))
	return data
}
