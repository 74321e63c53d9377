// Package monitor streams presented video frames to a remote monitor over
// QUIC. A Sink dials a Receiver, announces itself on a control stream, and
// sends each group of pictures on its own unidirectional stream so a
// receiver that falls behind loses whole groups rather than stalling.
package monitor

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/quic-go/quic-go/quicvarint"
	"github.com/samber/mo"
	"github.com/zsiec/ccx"

	"github.com/zsiec/playsync/internal/media"
)

// ALPN is the TLS application protocol of the monitor link.
const ALPN = "playsync-monitor/1"

// Version is sent in the hello message.
const Version uint64 = 1

const (
	msgHello uint64 = 0x20

	streamTypeGroup uint64 = 0x04

	maxObjectSize = 16 << 20
	maxCaptions   = 64
)

const (
	flagKeyframe = 1 << iota
	flagPTS
)

var errObjectTooLarge = errors.New("monitor: object too large")

// Hello is the first message on the control stream.
type Hello struct {
	Version uint64
	Name    string
}

func writeControlMsg(w io.Writer, msgType uint64, payload []byte) error {
	if len(payload) > 0xFFFF {
		return errObjectTooLarge
	}
	buf := quicvarint.Append(nil, msgType)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

func readControlMsg(r io.Reader) (uint64, []byte, error) {
	br, ok := r.(quicvarint.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	msgType, err := quicvarint.Read(br)
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}
	var lenBuf [2]byte
	if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("read message length: %w", err)
	}
	payload := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(br, payload); err != nil {
		return 0, nil, fmt.Errorf("read message payload: %w", err)
	}
	return msgType, payload, nil
}

func (h Hello) marshal() []byte {
	buf := quicvarint.Append(nil, h.Version)
	return appendBytes(buf, []byte(h.Name))
}

func parseHello(data []byte) (Hello, error) {
	var h Hello
	v, n, err := quicvarint.Parse(data)
	if err != nil {
		return h, fmt.Errorf("monitor: hello version: %w", err)
	}
	h.Version = v
	data = data[n:]
	l, n, err := quicvarint.Parse(data)
	if err != nil || uint64(len(data)-n) < l {
		return h, errors.New("monitor: hello name truncated")
	}
	h.Name = string(data[n : n+int(l)])
	return h, nil
}

func appendBytes(buf, b []byte) []byte {
	buf = quicvarint.Append(buf, uint64(len(b)))
	return append(buf, b...)
}

func zigzag(v int64) uint64   { return uint64(v<<1) ^ uint64(v>>63) }
func unzigzag(u uint64) int64 { return int64(u>>1) ^ -int64(u&1) }

// appendGroupHeader starts a group stream.
func appendGroupHeader(buf []byte, group uint64) []byte {
	buf = quicvarint.Append(buf, streamTypeGroup)
	return quicvarint.Append(buf, group)
}

func readGroupHeader(r quicvarint.Reader) (uint64, error) {
	typ, err := quicvarint.Read(r)
	if err != nil {
		return 0, err
	}
	if typ != streamTypeGroup {
		return 0, fmt.Errorf("monitor: unknown stream type 0x%x", typ)
	}
	return quicvarint.Read(r)
}

// appendFrame encodes one frame object. Caption regions are not carried.
func appendFrame(buf []byte, f *media.Frame) []byte {
	var flags uint64
	if f.Keyframe {
		flags |= flagKeyframe
	}
	pts, hasPTS := f.PTS.Get()
	if hasPTS {
		flags |= flagPTS
	}
	buf = quicvarint.Append(buf, flags)
	if hasPTS {
		buf = quicvarint.Append(buf, zigzag(pts.Microseconds()))
	}
	buf = quicvarint.Append(buf, uint64(f.Width))
	buf = quicvarint.Append(buf, uint64(f.Height))
	buf = appendBytes(buf, []byte(f.Codec))

	buf = quicvarint.Append(buf, uint64(len(f.Captions)))
	for _, c := range f.Captions {
		buf = quicvarint.Append(buf, uint64(c.Channel))
		buf = quicvarint.Append(buf, zigzag(c.PTS))
		buf = appendBytes(buf, []byte(c.Text))
	}
	return appendBytes(buf, f.Data)
}

func readBytes(r quicvarint.Reader) ([]byte, error) {
	n, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}
	if n > maxObjectSize {
		return nil, errObjectTooLarge
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

// readFrame decodes one frame object. It returns io.EOF only at a clean
// object boundary.
func readFrame(r quicvarint.Reader) (*media.Frame, error) {
	flags, err := quicvarint.Read(r)
	if err != nil {
		return nil, err
	}

	f := &media.Frame{Keyframe: flags&flagKeyframe != 0}
	fail := func(err error) (*media.Frame, error) {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("monitor: read frame: %w", err)
	}

	if flags&flagPTS != 0 {
		us, err := quicvarint.Read(r)
		if err != nil {
			return fail(err)
		}
		f.PTS = mo.Some(time.Duration(unzigzag(us)) * time.Microsecond)
	}
	w, err := quicvarint.Read(r)
	if err != nil {
		return fail(err)
	}
	h, err := quicvarint.Read(r)
	if err != nil {
		return fail(err)
	}
	f.Width, f.Height = int(w), int(h)

	codec, err := readBytes(r)
	if err != nil {
		return fail(err)
	}
	f.Codec = string(codec)

	count, err := quicvarint.Read(r)
	if err != nil {
		return fail(err)
	}
	if count > maxCaptions {
		return fail(errObjectTooLarge)
	}
	for range count {
		ch, err := quicvarint.Read(r)
		if err != nil {
			return fail(err)
		}
		pts, err := quicvarint.Read(r)
		if err != nil {
			return fail(err)
		}
		text, err := readBytes(r)
		if err != nil {
			return fail(err)
		}
		f.Captions = append(f.Captions, &ccx.CaptionFrame{
			PTS:     unzigzag(pts),
			Text:    string(text),
			Channel: int(ch),
		})
	}

	if f.Data, err = readBytes(r); err != nil {
		return fail(err)
	}
	return f, nil
}
