package demux

import "errors"

var errSPSTooShort = errors.New("demux: SPS data too short")

// SPSInfo holds the fields of an H.264 sequence parameter set the player
// uses.
type SPSInfo struct {
	Width      int
	Height     int
	ProfileIDC byte
	LevelIDC   byte
}

type bitReader struct {
	data []byte
	pos  int // in bits
}

func (br *bitReader) bit() (uint, error) {
	if br.pos>>3 >= len(br.data) {
		return 0, errSPSTooShort
	}
	v := uint(br.data[br.pos>>3]>>(7-br.pos&7)) & 1
	br.pos++
	return v, nil
}

func (br *bitReader) bits(n int) (uint, error) {
	var v uint
	for range n {
		b, err := br.bit()
		if err != nil {
			return 0, err
		}
		v = v<<1 | b
	}
	return v, nil
}

// ue reads an unsigned Exp-Golomb code.
func (br *bitReader) ue() (uint, error) {
	zeros := 0
	for {
		b, err := br.bit()
		if err != nil {
			return 0, err
		}
		if b == 1 {
			break
		}
		if zeros++; zeros > 31 {
			return 0, errSPSTooShort
		}
	}
	suffix, err := br.bits(zeros)
	if err != nil {
		return 0, err
	}
	return 1<<zeros - 1 + suffix, nil
}

// se reads a signed Exp-Golomb code.
func (br *bitReader) se() (int, error) {
	v, err := br.ue()
	if err != nil {
		return 0, err
	}
	if v%2 == 0 {
		return -int(v / 2), nil
	}
	return int(v+1) / 2, nil
}

// skip reads and discards a sequence of fields; negative widths are
// Exp-Golomb codes.
func (br *bitReader) skip(widths ...int) error {
	for _, w := range widths {
		var err error
		if w < 0 {
			_, err = br.ue()
		} else {
			_, err = br.bits(w)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (br *bitReader) skipScalingList(size int) error {
	last, next := 8, 8
	for range size {
		if next != 0 {
			delta, err := br.se()
			if err != nil {
				return err
			}
			next = (last + delta + 256) % 256
		}
		if next != 0 {
			last = next
		}
	}
	return nil
}

const expGolomb = -1

// highProfile reports whether profile_idc carries chroma format and
// scaling matrix fields.
func highProfile(idc uint) bool {
	switch idc {
	case 100, 110, 122, 244, 44, 83, 86, 118, 128, 138, 139, 134:
		return true
	}
	return false
}

// ParseSPS decodes the resolution and profile of an H.264 SPS. nalu
// includes the NAL header byte and excludes the start code.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, errSPSTooShort
	}
	br := &bitReader{data: unescapeRBSP(nalu[1:])}

	profile, err := br.bits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	if err := br.skip(8); err != nil { // constraint flags
		return SPSInfo{}, err
	}
	level, err := br.bits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	if err := br.skip(expGolomb); err != nil { // seq_parameter_set_id
		return SPSInfo{}, err
	}

	chroma := uint(1)
	if highProfile(profile) {
		if chroma, err = br.ue(); err != nil {
			return SPSInfo{}, err
		}
		if chroma == 3 {
			separate, err := br.bit()
			if err != nil {
				return SPSInfo{}, err
			}
			if separate == 1 {
				chroma = 0
			}
		}
		// bit depths, qpprime_y_zero_transform_bypass_flag
		if err := br.skip(expGolomb, expGolomb, 1); err != nil {
			return SPSInfo{}, err
		}
		matrix, err := br.bit()
		if err != nil {
			return SPSInfo{}, err
		}
		if matrix == 1 {
			lists := 8
			if chroma == 3 {
				lists = 12
			}
			for i := range lists {
				present, err := br.bit()
				if err != nil {
					return SPSInfo{}, err
				}
				if present == 0 {
					continue
				}
				size := 16
				if i >= 6 {
					size = 64
				}
				if err := br.skipScalingList(size); err != nil {
					return SPSInfo{}, err
				}
			}
		}
	}

	if err := br.skip(expGolomb); err != nil { // log2_max_frame_num_minus4
		return SPSInfo{}, err
	}
	pocType, err := br.ue()
	if err != nil {
		return SPSInfo{}, err
	}
	switch pocType {
	case 0:
		err = br.skip(expGolomb)
	case 1:
		if err = br.skip(1); err == nil {
			_, err = br.se()
		}
		if err == nil {
			_, err = br.se()
		}
		var cycle uint
		if err == nil {
			cycle, err = br.ue()
		}
		for i := uint(0); err == nil && i < cycle; i++ {
			_, err = br.se()
		}
	}
	if err != nil {
		return SPSInfo{}, err
	}

	// max_num_ref_frames, gaps_in_frame_num_value_allowed_flag
	if err := br.skip(expGolomb, 1); err != nil {
		return SPSInfo{}, err
	}
	widthMbs, err := br.ue()
	if err != nil {
		return SPSInfo{}, err
	}
	heightUnits, err := br.ue()
	if err != nil {
		return SPSInfo{}, err
	}
	frameMbsOnly, err := br.bit()
	if err != nil {
		return SPSInfo{}, err
	}
	if frameMbsOnly == 0 {
		if err := br.skip(1); err != nil { // mb_adaptive_frame_field_flag
			return SPSInfo{}, err
		}
	}
	if err := br.skip(1); err != nil { // direct_8x8_inference_flag
		return SPSInfo{}, err
	}

	var crop [4]uint // left, right, top, bottom
	cropping, err := br.bit()
	if err != nil {
		return SPSInfo{}, err
	}
	if cropping == 1 {
		for i := range crop {
			if crop[i], err = br.ue(); err != nil {
				return SPSInfo{}, err
			}
		}
	}

	subW, subH := uint(2), uint(2)
	switch chroma {
	case 0, 3:
		subW, subH = 1, 1
	case 2:
		subH = 1
	}
	fields := 2 - frameMbsOnly
	return SPSInfo{
		Width:      int((widthMbs+1)*16 - subW*(crop[0]+crop[1])),
		Height:     int((heightUnits+1)*16*fields - subH*fields*(crop[2]+crop[3])),
		ProfileIDC: byte(profile),
		LevelIDC:   byte(level),
	}, nil
}
