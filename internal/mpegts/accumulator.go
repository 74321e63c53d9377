package mpegts

import "slices"

const pidPAT = 0x0000

// programMap tracks which PIDs carry PMT sections.
type programMap struct {
	m map[uint16]bool
}

func newProgramMap() *programMap {
	return &programMap{m: make(map[uint16]bool)}
}

func (pm *programMap) addPMTPID(pid uint16) {
	pm.m[pid] = true
}

func (pm *programMap) isPMTPID(pid uint16) bool {
	return pm.m[pid]
}

// accumulator collects the packets of one PID until the unit they carry is
// complete.
type accumulator struct {
	pid        uint16
	packets    []*Packet
	programMap *programMap
}

func (a *accumulator) add(p *Packet) []*Packet {
	if p.Header.TransportErrorIndicator {
		a.packets = nil
		return nil
	}
	if !p.Header.HasPayload {
		return nil
	}

	if len(a.packets) > 0 && !p.Header.DiscontinuityIndicator {
		prev := a.packets[len(a.packets)-1].Header.ContinuityCounter
		if p.Header.ContinuityCounter != (prev+1)&0x0F {
			if p.Header.ContinuityCounter == prev {
				return nil // duplicate
			}
			a.packets = nil
		}
	}

	// Mid-unit packets are useless until the next unit start, which is
	// always the case right after a reposition.
	if len(a.packets) == 0 && !p.Header.PayloadUnitStartIndicator {
		return nil
	}

	var flushed []*Packet
	if p.Header.PayloadUnitStartIndicator && len(a.packets) > 0 {
		flushed = a.packets
		a.packets = nil
	}
	a.packets = append(a.packets, p)

	if flushed == nil && a.isPSI() && psiComplete(a.packets) {
		flushed = a.packets
		a.packets = nil
	}
	return flushed
}

func (a *accumulator) isPSI() bool {
	return a.pid == pidPAT || a.programMap.isPMTPID(a.pid)
}

func (a *accumulator) flush() []*Packet {
	flushed := a.packets
	a.packets = nil
	return flushed
}

// psiComplete reports whether the accumulated payloads hold every section
// they start.
func psiComplete(packets []*Packet) bool {
	payload := concatPayloads(packets)
	if len(payload) < 1 {
		return false
	}

	offset := 1 + int(payload[0])
	if offset >= len(payload) {
		return false
	}
	for offset < len(payload) {
		if payload[offset] == 0xFF {
			return true
		}
		if offset+3 > len(payload) {
			return false
		}
		if payload[offset+1]&0x80 == 0 {
			return true
		}
		sectionLength := int(payload[offset+1]&0x0F)<<8 | int(payload[offset+2])
		if offset+3+sectionLength > len(payload) {
			return false
		}
		offset += 3 + sectionLength
	}
	return true
}

func concatPayloads(packets []*Packet) []byte {
	n := 0
	for _, p := range packets {
		n += len(p.Payload)
	}
	payload := make([]byte, 0, n)
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	return payload
}

// packetPool holds one accumulator per PID.
type packetPool struct {
	accs       map[uint16]*accumulator
	programMap *programMap
}

func newPacketPool(pm *programMap) *packetPool {
	return &packetPool{
		accs:       make(map[uint16]*accumulator),
		programMap: pm,
	}
}

func (pp *packetPool) add(p *Packet) []*Packet {
	pid := p.Header.PID
	acc, ok := pp.accs[pid]
	if !ok {
		acc = &accumulator{pid: pid, programMap: pp.programMap}
		pp.accs[pid] = acc
	}
	return acc.add(p)
}

// dump flushes every accumulator in PID order, so PAT precedes PMTs.
func (pp *packetPool) dump() [][]*Packet {
	pids := make([]uint16, 0, len(pp.accs))
	for pid := range pp.accs {
		pids = append(pids, pid)
	}
	slices.Sort(pids)

	var all [][]*Packet
	for _, pid := range pids {
		if packets := pp.accs[pid].flush(); len(packets) > 0 {
			all = append(all, packets)
		}
	}
	return all
}

// reset discards partial units on every PID.
func (pp *packetPool) reset() {
	clear(pp.accs)
}
