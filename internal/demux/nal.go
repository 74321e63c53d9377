// Package demux splits elementary streams into their coded units: H.264 and
// H.265 Annex B NAL units, SPS dimensions, and ADTS-framed AAC.
package demux

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// H.265 NAL unit types (ITU-T H.265 Table 7-1).
const (
	HEVCNALBlaWLP     = 16
	HEVCNALIDRWRadl   = 19
	HEVCNALIDRNlp     = 20
	HEVCNALCraNut     = 21
	HEVCNALVPS        = 32
	HEVCNALSPS        = 33
	HEVCNALPPS        = 34
	HEVCNALAUD        = 35
	HEVCNALFillerData = 38
	HEVCNALSEIPrefix  = 39
)

// NALUnit is one NAL unit of an Annex B stream.
type NALUnit struct {
	Type byte   // 5-bit for H.264, 6-bit for H.265
	Data []byte // header byte(s) included, start code excluded
}

// ParseAnnexB splits an H.264 Annex B byte stream into NAL units. Both
// 3-byte and 4-byte start codes are recognized.
func ParseAnnexB(data []byte) []NALUnit {
	return splitAnnexB(data, 1, func(d []byte) byte { return d[0] & 0x1F })
}

// ParseAnnexBHEVC splits an H.265 Annex B byte stream, typing units by the
// 2-byte HEVC NAL header.
func ParseAnnexBHEVC(data []byte) []NALUnit {
	return splitAnnexB(data, 2, func(d []byte) byte { return HEVCNALType(d[0]) })
}

// HEVCNALType extracts the type from the first HEVC NAL header byte:
// forbidden(1) | type(6) | layerID_high(1).
func HEVCNALType(firstByte byte) byte {
	return (firstByte >> 1) & 0x3F
}

// IsKeyframe reports whether an H.264 NAL type is an IDR slice.
func IsKeyframe(nalType byte) bool {
	return nalType == NALTypeIDR
}

// IsHEVCKeyframe reports whether an H.265 NAL type is a random access point
// (BLA, IDR or CRA).
func IsHEVCKeyframe(nalType byte) bool {
	return nalType >= HEVCNALBlaWLP && nalType <= HEVCNALCraNut
}

// AppendAnnexB appends nalus to dst, each behind a 4-byte start code.
func AppendAnnexB(dst []byte, nalus ...[]byte) []byte {
	for _, n := range nalus {
		dst = append(dst, 0, 0, 0, 1)
		dst = append(dst, n...)
	}
	return dst
}

func splitAnnexB(data []byte, minLen int, typeOf func([]byte) byte) []NALUnit {
	var units []NALUnit
	start := -1 // first byte of the current unit
	emit := func(end int) {
		if start >= 0 && end-start >= minLen {
			units = append(units, NALUnit{Type: typeOf(data[start:end]), Data: data[start:end]})
		}
	}

	for i := 0; i+2 < len(data); {
		if data[i] != 0 || data[i+1] != 0 {
			i++
			continue
		}
		switch {
		case data[i+2] == 1:
			emit(i)
			i += 3
		case i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1:
			emit(i)
			i += 4
		default:
			i++
			continue
		}
		start = i
	}
	if start >= 0 && start < len(data) {
		emit(len(data))
	}
	return units
}

// unescapeRBSP removes emulation prevention bytes (00 00 03).
func unescapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data))
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b == 3 {
			zeros = 0
			continue
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		out = append(out, b)
	}
	return out
}
