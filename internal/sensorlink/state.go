package sensorlink

import (
	"fmt"

	"github.com/banshee-data/livescan/internal/protocol"
)

// State is the protocol state of one sensor connection.
type State int

const (
	StateAwaitingConfiguration State = iota
	StateReady
	StateCapturing
	StateCalibrating
	StateReinitializing
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateAwaitingConfiguration:
		return "AwaitingConfiguration"
	case StateReady:
		return "Ready"
	case StateCapturing:
		return "Capturing"
	case StateCalibrating:
		return "Calibrating"
	case StateReinitializing:
		return "Reinitializing"
	case StateDisconnected:
		return "Disconnected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) busy() bool {
	return s == StateCapturing || s == StateCalibrating || s == StateReinitializing
}

// Flags are the per-request readiness flags. Each is cleared when its request
// is sent and set by the matching reply.
type Flags struct {
	FrameCaptured         bool
	LatestFrameReceived   bool
	StoredFrameReceived   bool
	NoMoreStoredFrames    bool
	ConfigurationReceived bool
	Calibrated            bool
	Reinitialized         bool
	ReinitializationError bool
	PreRecordConfirmed    bool
	PostRecordConfirmed   bool
	DirectoryConfirmed    bool
	TimestampsReceived    bool
	PostSyncConfirmed     bool
}

// Status is a consistent copy of a link's observable state.
type Status struct {
	Endpoint       string
	State          State
	Flags          Flags
	Configuration  protocol.DeviceConfiguration
	WorldTransform AffineTransform
	CameraPose     AffineTransform
	MarkerID       int32
	FramesReceived uint64
	FramesSkipped  uint64
}

// Serial returns the device serial number, empty until a configuration arrives.
func (s Status) Serial() string { return s.Configuration.SerialNumber }

// String renders the one-line summary shown in sensor lists.
func (s Status) String() string {
	role := ""
	switch s.Configuration.SoftwareSync {
	case protocol.SyncMain:
		role = " [MAIN]"
	case protocol.SyncSubordinate:
		role = " [SUBORDINATE]"
	}
	return fmt.Sprintf("%s %s Calibrated = %t%s", s.Endpoint, s.State, s.Flags.Calibrated, role)
}

// EventKind distinguishes link notifications.
type EventKind int

const (
	// EventStateChanged follows every mutating operation and reply.
	EventStateChanged EventKind = iota
	// EventConfigurationUpdated carries a configuration received from the device.
	EventConfigurationUpdated
	// EventDisconnected is published once when the link goes down.
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state-changed"
	case EventConfigurationUpdated:
		return "configuration-updated"
	case EventDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is a link notification.
type Event struct {
	Kind          EventKind
	Link          *Link
	Configuration protocol.DeviceConfiguration
}
