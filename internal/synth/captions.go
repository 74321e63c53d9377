package synth

// ccPair is one CEA-608 byte pair for field 1.
type ccPair struct {
	cc1, cc2 byte
}

// captionPairs schedules text as a roll-up caption: mode and position
// control codes, each sent twice, then two characters per frame.
func captionPairs(text string) []ccPair {
	if text == "" {
		return nil
	}
	pairs := []ccPair{
		{0x14, 0x25}, {0x14, 0x25}, // RU2
		{0x14, 0x2c}, {0x14, 0x2c}, // EDM
		{0x14, 0x60}, {0x14, 0x60}, // PAC row 14
	}

	var chars []byte
	for _, r := range text {
		if r < 0x20 || r > 0x7e {
			r = '?'
		}
		chars = append(chars, byte(r))
		if len(chars) == 32 {
			break
		}
	}
	for i := 0; i < len(chars); i += 2 {
		p := ccPair{chars[i], 0x80}
		if i+1 < len(chars) {
			p.cc2 = chars[i+1]
		}
		pairs = append(pairs, p)
	}
	return append(pairs, ccPair{0x14, 0x2d}, ccPair{0x14, 0x2d}) // CR
}

// captionSEI builds an H.264 SEI NAL unit carrying ATSC A/53 cc_data in a
// user_data_registered_itu_t_t35 message.
func captionSEI(pairs []ccPair) []byte {
	payload := []byte{
		0xb5,       // country code: United States
		0x00, 0x31, // provider: ATSC
		'G', 'A', '9', '4',
		0x03, // cc_data
		0x40 | byte(len(pairs))&0x1f,
		0xff, // em_data
	}
	for _, p := range pairs {
		payload = append(payload, 0xfc, oddParity(p.cc1), oddParity(p.cc2))
	}
	payload = append(payload, 0xff)

	msg := []byte{0x04} // payload type 4
	size := len(payload)
	for ; size >= 255; size -= 255 {
		msg = append(msg, 0xff)
	}
	msg = append(msg, byte(size))
	msg = append(msg, payload...)
	msg = append(msg, 0x80) // rbsp trailing bits

	return append([]byte{0x06}, escapeRBSP(msg)...)
}

func oddParity(b byte) byte {
	b &= 0x7f
	ones := 0
	for v := b; v != 0; v >>= 1 {
		ones += int(v & 1)
	}
	if ones%2 == 0 {
		return b | 0x80
	}
	return b
}

// escapeRBSP inserts emulation prevention bytes.
func escapeRBSP(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/64)
	zeros := 0
	for _, b := range data {
		if zeros >= 2 && b <= 3 {
			out = append(out, 3)
			zeros = 0
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
