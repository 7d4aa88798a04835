package protocol

import "fmt"

// Command is a single server→device command byte.
type Command byte

const (
	CmdCaptureFrame Command = iota
	CmdCalibrate
	CmdReceiveSettings
	CmdRequestStoredFrame
	CmdRequestLastFrame
	CmdReceiveCalibration
	CmdClearStoredFrames
	CmdStartCaptureFrames
	CmdStopCaptureFrames
	CmdPreRecordProcessStart
	CmdPostRecordProcessStart
	CmdRequestConfiguration
	CmdSetConfiguration
	CmdReinitializeWithCurrentSettings
	CmdCreateDirectory
	CmdRequestTimestampList
	CmdReceivePostSyncList
)

var commandNames = map[Command]string{
	CmdCaptureFrame:                    "CaptureFrame",
	CmdCalibrate:                       "Calibrate",
	CmdReceiveSettings:                 "ReceiveSettings",
	CmdRequestStoredFrame:              "RequestStoredFrame",
	CmdRequestLastFrame:                "RequestLastFrame",
	CmdReceiveCalibration:              "ReceiveCalibration",
	CmdClearStoredFrames:               "ClearStoredFrames",
	CmdStartCaptureFrames:              "StartCaptureFrames",
	CmdStopCaptureFrames:               "StopCaptureFrames",
	CmdPreRecordProcessStart:           "PreRecordProcessStart",
	CmdPostRecordProcessStart:          "PostRecordProcessStart",
	CmdRequestConfiguration:            "RequestConfiguration",
	CmdSetConfiguration:                "SetConfiguration",
	CmdReinitializeWithCurrentSettings: "ReinitializeWithCurrentSettings",
	CmdCreateDirectory:                 "CreateDirectory",
	CmdRequestTimestampList:            "RequestTimestampList",
	CmdReceivePostSyncList:             "ReceivePostSyncList",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("Command(%d)", byte(c))
}

// Message is a single device→server message byte. Payloads follow the byte
// directly on the stream.
type Message byte

const (
	MsgConfirmCaptured Message = iota
	MsgConfirmCalibrated
	MsgStoredFrame
	MsgLastFrame
	MsgConfiguration
	MsgConfirmRestart
	MsgConfirmPreRecordProcess
	MsgConfirmPostRecordProcess
	MsgConfirmDirCreation
	MsgTimestampList
	MsgConfirmPostSynced
	MsgConfigurationRejected
)

var messageNames = map[Message]string{
	MsgConfirmCaptured:          "ConfirmCaptured",
	MsgConfirmCalibrated:        "ConfirmCalibrated",
	MsgStoredFrame:              "StoredFrame",
	MsgLastFrame:                "LastFrame",
	MsgConfiguration:            "Configuration",
	MsgConfirmRestart:           "ConfirmRestart",
	MsgConfirmPreRecordProcess:  "ConfirmPreRecordProcess",
	MsgConfirmPostRecordProcess: "ConfirmPostRecordProcess",
	MsgConfirmDirCreation:       "ConfirmDirCreation",
	MsgTimestampList:            "TimestampList",
	MsgConfirmPostSynced:        "ConfirmPostSynced",
	MsgConfigurationRejected:    "ConfigurationRejected",
}

func (m Message) String() string {
	if s, ok := messageNames[m]; ok {
		return s
	}
	return fmt.Sprintf("Message(%d)", byte(m))
}

// Known reports whether m is a message code this package can parse.
func (m Message) Known() bool {
	_, ok := messageNames[m]
	return ok
}
