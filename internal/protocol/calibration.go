package protocol

import (
	"fmt"
)

// CalibrationRecordSize is marker id + 9 float rotation + 3 float translation.
const CalibrationRecordSize = 4 + 9*4 + 3*4

// WorldCalibrationSize is the payload of a ReceiveCalibration push.
const WorldCalibrationSize = 9*4 + 3*4

// CalibrationRecord is what a device reports after marker calibration: the
// marker it used and the sensor→world rotation (row-major) and translation.
type CalibrationRecord struct {
	MarkerID    int32
	Rotation    [9]float32
	Translation [3]float32
}

// MarshalBinary encodes the record.
func (c CalibrationRecord) MarshalBinary() ([]byte, error) {
	e := encoder{buf: make([]byte, 0, CalibrationRecordSize)}
	e.i32(c.MarkerID)
	for _, v := range c.Rotation {
		e.f32(v)
	}
	for _, v := range c.Translation {
		e.f32(v)
	}
	return e.buf, nil
}

// UnmarshalBinary decodes a record.
func (c *CalibrationRecord) UnmarshalBinary(b []byte) error {
	if len(b) < CalibrationRecordSize {
		return fmt.Errorf("%w: calibration record needs %d bytes, have %d", ErrMalformedFrame, CalibrationRecordSize, len(b))
	}
	d := decoder{buf: b}
	c.MarkerID = d.i32()
	for i := range c.Rotation {
		c.Rotation[i] = d.f32()
	}
	for i := range c.Translation {
		c.Translation[i] = d.f32()
	}
	return d.err
}

// EncodeWorldCalibration encodes the ReceiveCalibration push payload.
func EncodeWorldCalibration(r [9]float32, t [3]float32) []byte {
	e := encoder{buf: make([]byte, 0, WorldCalibrationSize)}
	for _, v := range r {
		e.f32(v)
	}
	for _, v := range t {
		e.f32(v)
	}
	return e.buf
}

// DecodeWorldCalibration decodes a ReceiveCalibration push payload.
func DecodeWorldCalibration(b []byte) (r [9]float32, t [3]float32, err error) {
	if len(b) < WorldCalibrationSize {
		return r, t, fmt.Errorf("%w: world calibration needs %d bytes, have %d", ErrMalformedFrame, WorldCalibrationSize, len(b))
	}
	d := decoder{buf: b}
	for i := range r {
		r[i] = d.f32()
	}
	for i := range t {
		t[i] = d.f32()
	}
	return r, t, d.err
}
