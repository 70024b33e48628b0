package segment

import "encoding/binary"

// View is a zero-copy accessor over a single segment's bytes, in the
// style of a protocol frame view: it never allocates or copies,
// reading and writing fields directly in the caller-owned buffer.
// Callers needing only the conv id to route a datagram to a stream
// (the common case on the hot path) can use View instead of parsing
// the full datagram into Segment values.
type View struct {
	buf []byte
}

// NewView wraps buf, which must hold at least one full segment
// starting at offset 0 (header plus declared payload length).
func NewView(buf []byte) (View, error) {
	if len(buf) < Size {
		return View{}, ErrInvalidSegment
	}
	v := View{buf: buf}
	if int(v.Len())+Size > len(buf) {
		return View{}, ErrInvalidSegment
	}
	return v, nil
}

// RawData returns the bytes of this segment only, header plus payload.
func (v View) RawData() []byte { return v.buf[:Size+int(v.Len())] }

func (v View) Conv() uint32      { return binary.LittleEndian.Uint32(v.buf[0:4]) }
func (v View) SetConv(c uint32)  { binary.LittleEndian.PutUint32(v.buf[0:4], c) }
func (v View) Cmd() Cmd          { return Cmd(v.buf[4]) }
func (v View) SetCmd(c Cmd)      { v.buf[4] = byte(c) }
func (v View) Frg() uint8        { return v.buf[5] }
func (v View) SetFrg(f uint8)    { v.buf[5] = f }
func (v View) Wnd() uint16       { return binary.LittleEndian.Uint16(v.buf[6:8]) }
func (v View) SetWnd(w uint16)   { binary.LittleEndian.PutUint16(v.buf[6:8], w) }
func (v View) Ts() uint32        { return binary.LittleEndian.Uint32(v.buf[8:12]) }
func (v View) SetTs(ts uint32)   { binary.LittleEndian.PutUint32(v.buf[8:12], ts) }
func (v View) Sn() uint32        { return binary.LittleEndian.Uint32(v.buf[12:16]) }
func (v View) SetSn(sn uint32)   { binary.LittleEndian.PutUint32(v.buf[12:16], sn) }
func (v View) Una() uint32       { return binary.LittleEndian.Uint32(v.buf[16:20]) }
func (v View) SetUna(una uint32) { binary.LittleEndian.PutUint32(v.buf[16:20], una) }
func (v View) Len() uint32       { return binary.LittleEndian.Uint32(v.buf[20:24]) }
func (v View) Payload() []byte   { return v.buf[Size : Size+int(v.Len())] }
