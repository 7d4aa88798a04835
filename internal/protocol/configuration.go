package protocol

import (
	"bytes"
	"fmt"
	"time"
)

// SyncState is a device's role in a synchronized capture.
type SyncState uint8

const (
	SyncMain SyncState = iota
	SyncSubordinate
	SyncStandalone
	SyncUnknown
)

func (s SyncState) String() string {
	switch s {
	case SyncMain:
		return "Main"
	case SyncSubordinate:
		return "Subordinate"
	case SyncStandalone:
		return "Standalone"
	case SyncUnknown:
		return "Unknown"
	}
	return fmt.Sprintf("SyncState(%d)", uint8(s))
}

// DepthMode is the depth-camera mode code.
type DepthMode uint8

const (
	DepthNFOV320Binned    DepthMode = 1
	DepthNFOV640Unbinned  DepthMode = 2
	DepthWFOV512Binned    DepthMode = 3
	DepthWFOV1024Unbinned DepthMode = 4
)

func (m DepthMode) String() string {
	switch m {
	case DepthNFOV320Binned:
		return "NFOV_320x288_BINNED"
	case DepthNFOV640Unbinned:
		return "NFOV_640x576_UNBINNED"
	case DepthWFOV512Binned:
		return "WFOV_512x512_BINNED"
	case DepthWFOV1024Unbinned:
		return "WFOV_1024x1024_UNBINNED"
	}
	return fmt.Sprintf("DepthMode(%d)", uint8(m))
}

// SyncOffsetUnit is the capture delay added per sync-offset step relative to
// the Main device.
const SyncOffsetUnit = 160 * time.Microsecond

// Configuration block layout. Offsets do not overlap:
//
//	[0]      depth mode
//	[1]      software sync state
//	[2]      hardware sync state
//	[3]      sync offset
//	[4:20]   serial number, ASCII, NUL padded
//	[20]     depth filter enabled
//	[21]     depth filter size
const (
	cfgDepthMode    = 0
	cfgSoftwareSync = 1
	cfgHardwareSync = 2
	cfgSyncOffset   = 3
	cfgSerialStart  = 4
	SerialFieldSize = 16
	cfgFilterOn     = cfgSerialStart + SerialFieldSize
	cfgFilterSize   = cfgFilterOn + 1

	// ConfigurationBlockSize is the fixed wire size of a DeviceConfiguration.
	ConfigurationBlockSize = cfgFilterSize + 1
)

// DeviceConfiguration is the per-device configuration exchanged with
// SetConfiguration and RequestConfiguration.
type DeviceConfiguration struct {
	DepthMode      DepthMode
	SoftwareSync   SyncState // role assigned by the server
	HardwareSync   SyncState // role the sync jacks report
	SyncOffset     uint8
	SerialNumber   string
	FilterDepthMap bool
	FilterSize     uint8
}

// DefaultDeviceConfiguration mirrors what a freshly started device reports.
func DefaultDeviceConfiguration() DeviceConfiguration {
	return DeviceConfiguration{
		DepthMode:    DepthNFOV640Unbinned,
		SoftwareSync: SyncStandalone,
		HardwareSync: SyncUnknown,
		FilterSize:   5,
	}
}

// SyncDelay is the configured capture delay relative to the Main device.
func (c DeviceConfiguration) SyncDelay() time.Duration {
	return time.Duration(c.SyncOffset) * SyncOffsetUnit
}

// Validate checks the fields that cannot be represented on the wire.
func (c DeviceConfiguration) Validate() error {
	if len(c.SerialNumber) > SerialFieldSize {
		return fmt.Errorf("serial number %q longer than %d bytes", c.SerialNumber, SerialFieldSize)
	}
	if bytes.IndexByte([]byte(c.SerialNumber), 0) >= 0 {
		return fmt.Errorf("serial number contains NUL")
	}
	if c.SoftwareSync > SyncUnknown || c.HardwareSync > SyncUnknown {
		return fmt.Errorf("sync state out of range (%d, %d)", c.SoftwareSync, c.HardwareSync)
	}
	return nil
}

// MarshalBinary encodes the fixed-layout configuration block. Serial numbers
// longer than the field are truncated.
func (c DeviceConfiguration) MarshalBinary() ([]byte, error) {
	b := make([]byte, ConfigurationBlockSize)
	b[cfgDepthMode] = byte(c.DepthMode)
	b[cfgSoftwareSync] = byte(c.SoftwareSync)
	b[cfgHardwareSync] = byte(c.HardwareSync)
	b[cfgSyncOffset] = c.SyncOffset
	copy(b[cfgSerialStart:cfgSerialStart+SerialFieldSize], c.SerialNumber)
	if c.FilterDepthMap {
		b[cfgFilterOn] = 1
	}
	b[cfgFilterSize] = c.FilterSize
	return b, nil
}

// UnmarshalBinary decodes a configuration block.
func (c *DeviceConfiguration) UnmarshalBinary(b []byte) error {
	if len(b) < ConfigurationBlockSize {
		return fmt.Errorf("configuration block needs %d bytes, have %d", ConfigurationBlockSize, len(b))
	}
	serial := b[cfgSerialStart : cfgSerialStart+SerialFieldSize]
	if i := bytes.IndexByte(serial, 0); i >= 0 {
		serial = serial[:i]
	}
	*c = DeviceConfiguration{
		DepthMode:      DepthMode(b[cfgDepthMode]),
		SoftwareSync:   SyncState(b[cfgSoftwareSync]),
		HardwareSync:   SyncState(b[cfgHardwareSync]),
		SyncOffset:     b[cfgSyncOffset],
		SerialNumber:   string(serial),
		FilterDepthMap: b[cfgFilterOn] != 0,
		FilterSize:     b[cfgFilterSize],
	}
	return nil
}
