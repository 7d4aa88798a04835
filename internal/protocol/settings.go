package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ExportMode selects what a recording produces.
type ExportMode int32

const (
	ExportPointcloud ExportMode = 0
	ExportRawFrames  ExportMode = 1
)

func (m ExportMode) String() string {
	switch m {
	case ExportPointcloud:
		return "Pointcloud"
	case ExportRawFrames:
		return "RawFrames"
	}
	return fmt.Sprintf("ExportMode(%d)", int32(m))
}

// ExtrinsicsFormat selects the extrinsics file flavour written by exporters.
type ExtrinsicsFormat int32

const (
	ExtrinsicsNone    ExtrinsicsFormat = 0
	ExtrinsicsOpen3D  ExtrinsicsFormat = 1
	ExtrinsicsOpenMVS ExtrinsicsFormat = 2
)

// MarkerPose seeds marker-based calibration. Pose is a 4x4 row-major rigid
// transform.
type MarkerPose struct {
	ID   int32
	Pose [16]float32
}

// IdentityMarker returns a marker with an identity pose.
func IdentityMarker(id int32) MarkerPose {
	m := MarkerPose{ID: id}
	m.Pose[0], m.Pose[5], m.Pose[10], m.Pose[15] = 1, 1, 1, 1
	return m
}

// MarkerPoseFromRT builds a marker pose from a row-major rotation and a
// translation.
func MarkerPoseFromRT(id int32, r [9]float32, t [3]float32) MarkerPose {
	m := MarkerPose{ID: id}
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			m.Pose[row*4+col] = r[row*3+col]
		}
		m.Pose[row*4+3] = t[row]
	}
	m.Pose[15] = 1
	return m
}

// Settings is the session-wide block sent with ReceiveSettings.
type Settings struct {
	MinBounds        [3]float32
	MaxBounds        [3]float32
	Markers          []MarkerPose
	CompressionLevel int32
	AutoExposure     bool
	ExposureStep     int32
	AutoWhiteBalance bool
	Kelvin           int32
	ExportMode       ExportMode
	ExtrinsicsFormat ExtrinsicsFormat
	PreviewEnabled   bool
}

const markerRecordSize = 16*4 + 4

// SettingsBlockSize returns the encoded size for the given marker count.
func SettingsBlockSize(markers int) int {
	return 6*4 + 4 + markers*markerRecordSize + 4 + 1 + 4 + 1 + 4 + 4 + 4 + 1
}

// MarshalBinary encodes the settings block without its length prefix.
func (s Settings) MarshalBinary() ([]byte, error) {
	e := encoder{buf: make([]byte, 0, SettingsBlockSize(len(s.Markers)))}
	for _, v := range s.MinBounds {
		e.f32(v)
	}
	for _, v := range s.MaxBounds {
		e.f32(v)
	}
	e.i32(int32(len(s.Markers)))
	for _, m := range s.Markers {
		for _, v := range m.Pose {
			e.f32(v)
		}
		e.i32(m.ID)
	}
	e.i32(s.CompressionLevel)
	e.bool(s.AutoExposure)
	e.i32(s.ExposureStep)
	e.bool(s.AutoWhiteBalance)
	e.i32(s.Kelvin)
	e.i32(int32(s.ExportMode))
	e.i32(int32(s.ExtrinsicsFormat))
	e.bool(s.PreviewEnabled)
	return e.buf, nil
}

// UnmarshalBinary decodes a settings block.
func (s *Settings) UnmarshalBinary(b []byte) error {
	d := decoder{buf: b}
	var out Settings
	for i := range out.MinBounds {
		out.MinBounds[i] = d.f32()
	}
	for i := range out.MaxBounds {
		out.MaxBounds[i] = d.f32()
	}
	n := d.i32()
	if d.err != nil {
		return d.err
	}
	if n < 0 || !d.has(int64(n)*markerRecordSize) {
		return fmt.Errorf("%w: settings declare %d markers", ErrMalformedFrame, n)
	}
	out.Markers = make([]MarkerPose, n)
	for i := range out.Markers {
		for k := range out.Markers[i].Pose {
			out.Markers[i].Pose[k] = d.f32()
		}
		out.Markers[i].ID = d.i32()
	}
	out.CompressionLevel = d.i32()
	out.AutoExposure = d.u8() != 0
	out.ExposureStep = d.i32()
	out.AutoWhiteBalance = d.u8() != 0
	out.Kelvin = d.i32()
	out.ExportMode = ExportMode(d.i32())
	out.ExtrinsicsFormat = ExtrinsicsFormat(d.i32())
	out.PreviewEnabled = d.u8() != 0
	if d.err != nil {
		return d.err
	}
	*s = out
	return nil
}

// ReadSettings reads a length-prefixed settings block from r.
func ReadSettings(r io.Reader) (Settings, error) {
	var s Settings
	n, err := readCount(r)
	if err != nil {
		return s, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return s, err
	}
	err = s.UnmarshalBinary(b)
	return s, err
}

// AppendSettings appends the length-prefixed settings block.
func AppendSettings(dst []byte, s Settings) []byte {
	b, _ := s.MarshalBinary()
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}
