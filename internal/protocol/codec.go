package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrMalformedFrame is returned when a header field implies more bytes
	// than the buffer holds, or a count is negative.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrSpuriousLength is returned for a negative vertex count other than
	// the end-of-stream sentinel. Devices emit these while restarting;
	// callers skip the frame and keep the connection.
	ErrSpuriousLength = errors.New("spurious frame length")
)

// EndOfStoredFrames is the vertex-count (and framing length) sentinel a
// device sends when it has no more stored frames.
const EndOfStoredFrames int32 = -1

const (
	vertexRecordSize = 3 + 3*2
	// JointRecordSize is type + state + 3 float position + 2 float color point.
	JointRecordSize = 4 + 4 + 3*4 + 2*4
)

// DecodeFrame decodes one uncompressed frame payload.
//
// more is false only when the payload starts with the EndOfStoredFrames
// sentinel; the returned snapshot is then empty and err is nil regardless of
// what follows the sentinel.
func DecodeFrame(buf []byte) (snap *FrameSnapshot, more bool, err error) {
	d := decoder{buf: buf}
	n := d.i32()
	if d.err != nil {
		return nil, true, d.err
	}
	if n == EndOfStoredFrames {
		return &FrameSnapshot{}, false, nil
	}
	if n < 0 {
		return nil, true, fmt.Errorf("%w: vertex count %d", ErrSpuriousLength, n)
	}
	if !d.has(int64(n) * vertexRecordSize) {
		return nil, true, fmt.Errorf("%w: %d vertices need %d bytes, have %d",
			ErrMalformedFrame, n, int64(n)*vertexRecordSize, d.remaining())
	}

	snap = &FrameSnapshot{
		Vertices: make([]Point3, n),
		Colors:   make([]Color, n),
	}
	for i := 0; i < int(n); i++ {
		snap.Colors[i] = Color{R: d.u8(), G: d.u8(), B: d.u8()}
		snap.Vertices[i] = Point3{
			X: millimetersToMeters(d.i16()),
			Y: millimetersToMeters(d.i16()),
			Z: millimetersToMeters(d.i16()),
		}
	}

	nBodies := d.i32()
	if d.err != nil {
		return nil, true, d.err
	}
	if nBodies < 0 {
		return nil, true, fmt.Errorf("%w: body count %d", ErrMalformedFrame, nBodies)
	}
	// Every body needs at least its tracked byte and joint count.
	if !d.has(int64(nBodies) * 5) {
		return nil, true, fmt.Errorf("%w: %d bodies exceed buffer", ErrMalformedFrame, nBodies)
	}
	snap.Bodies = make([]Body, nBodies)
	for b := range snap.Bodies {
		tracked := d.u8() != 0
		nJoints := d.i32()
		if d.err != nil {
			return nil, true, d.err
		}
		if nJoints < 0 || !d.has(int64(nJoints)*JointRecordSize) {
			return nil, true, fmt.Errorf("%w: body %d declares %d joints", ErrMalformedFrame, b, nJoints)
		}
		joints := make([]Joint, nJoints)
		for j := range joints {
			joints[j] = Joint{
				Type:       JointType(d.i32()),
				State:      TrackingState(d.i32()),
				Position:   Point3{X: d.f32(), Y: d.f32(), Z: d.f32()},
				ColorSpace: Point2{X: d.f32(), Y: d.f32()},
			}
		}
		snap.Bodies[b] = Body{Tracked: tracked, Joints: joints}
	}
	if d.err != nil {
		return nil, true, d.err
	}
	return snap, true, nil
}

// EncodeFrame is the inverse of DecodeFrame. Positions are rounded to whole
// millimeters and clamped to the int16 range.
func EncodeFrame(f *FrameSnapshot) []byte {
	if f == nil {
		f = &FrameSnapshot{}
	}
	size := 4 + len(f.Vertices)*vertexRecordSize + 4
	for _, b := range f.Bodies {
		size += 1 + 4 + len(b.Joints)*JointRecordSize
	}
	e := encoder{buf: make([]byte, 0, size)}
	e.i32(int32(len(f.Vertices)))
	for i, v := range f.Vertices {
		var c Color
		if i < len(f.Colors) {
			c = f.Colors[i]
		}
		e.u8(c.R)
		e.u8(c.G)
		e.u8(c.B)
		e.i16(metersToMillimeters(v.X))
		e.i16(metersToMillimeters(v.Y))
		e.i16(metersToMillimeters(v.Z))
	}
	e.i32(int32(len(f.Bodies)))
	for _, b := range f.Bodies {
		e.bool(b.Tracked)
		e.i32(int32(len(b.Joints)))
		for _, j := range b.Joints {
			e.i32(int32(j.Type))
			e.i32(int32(j.State))
			e.f32(j.Position.X)
			e.f32(j.Position.Y)
			e.f32(j.Position.Z)
			e.f32(j.ColorSpace.X)
			e.f32(j.ColorSpace.Y)
		}
	}
	return e.buf
}

// EncodeEndOfStoredFrames returns the payload a device sends when it has no
// more stored frames.
func EncodeEndOfStoredFrames() []byte {
	n := EndOfStoredFrames
	return binary.LittleEndian.AppendUint32(nil, uint32(n))
}

func millimetersToMeters(mm int16) float32 {
	return float32(mm) / 1000
}

func metersToMillimeters(m float32) int16 {
	mm := math.Round(float64(m) * 1000)
	switch {
	case mm > math.MaxInt16:
		return math.MaxInt16
	case mm < math.MinInt16:
		return math.MinInt16
	}
	return int16(mm)
}

// decoder reads little-endian fields and latches the first short read as
// ErrMalformedFrame. Reads after an error return zero values.
type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) remaining() int { return len(d.buf) - d.off }

func (d *decoder) has(n int64) bool {
	return d.err == nil && n >= 0 && n <= int64(d.remaining())
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n > d.remaining() {
		d.err = fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrMalformedFrame, n, d.off, d.remaining())
		return nil
	}
	b := d.buf[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) u8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) i16() int16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return int16(binary.LittleEndian.Uint16(b))
}

func (d *decoder) i32() int32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b))
}

func (d *decoder) u64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) f32() float32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b))
}

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8) { e.buf = append(e.buf, v) }

func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
		return
	}
	e.u8(0)
}

func (e *encoder) i16(v int16) {
	e.buf = binary.LittleEndian.AppendUint16(e.buf, uint16(v))
}

func (e *encoder) i32(v int32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(v))
}

func (e *encoder) u64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *encoder) f32(v float32) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, math.Float32bits(v))
}
