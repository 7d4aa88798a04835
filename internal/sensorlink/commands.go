package sensorlink

import (
	"context"
	"fmt"

	"github.com/banshee-data/livescan/internal/protocol"
)

// RequestCapture clears FrameCaptured and asks the device to capture a frame.
func (l *Link) RequestCapture() error {
	l.update(func() {
		l.flags.FrameCaptured = false
		l.enterLocked(StateCapturing)
	})
	return l.send(protocol.CmdCaptureFrame, nil)
}

// WaitCaptured blocks until the device confirms the requested capture.
func (l *Link) WaitCaptured(ctx context.Context) error {
	return l.await(ctx, l.replyTimeout, "capture", func() bool { return l.flags.FrameCaptured })
}

// RequestConfiguration asks the device for its configuration. The reply sets
// ConfigurationReceived and publishes EventConfigurationUpdated.
func (l *Link) RequestConfiguration() error {
	l.update(func() { l.flags.ConfigurationReceived = false })
	return l.send(protocol.CmdRequestConfiguration, nil)
}

// WaitConfiguration blocks until a configuration has been received.
func (l *Link) WaitConfiguration(ctx context.Context) (protocol.DeviceConfiguration, error) {
	err := l.await(ctx, l.replyTimeout, "configuration", func() bool { return l.flags.ConfigurationReceived })
	return l.Configuration(), err
}

// PushConfiguration sends cfg and reflects it locally at once. It then waits
// for the device to echo the configuration back or reject it; on rejection
// the previous configuration is restored and ErrConfigurationRejected is
// returned.
func (l *Link) PushConfiguration(ctx context.Context, cfg protocol.DeviceConfiguration) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	b, err := cfg.MarshalBinary()
	if err != nil {
		return err
	}

	var prev protocol.DeviceConfiguration
	var confSeq, rejectSeq uint64
	l.update(func() {
		prev = l.cfg
		l.cfg = cfg
		confSeq, rejectSeq = l.confSeq, l.rejectSeq
	})
	if err := l.send(protocol.CmdSetConfiguration, b); err != nil {
		return err
	}
	if err := l.await(ctx, l.replyTimeout, "configuration ack", func() bool {
		return l.confSeq > confSeq || l.rejectSeq > rejectSeq
	}); err != nil {
		return err
	}

	rejected := false
	l.update(func() {
		if l.rejectSeq > rejectSeq && l.confSeq == confSeq {
			l.cfg = prev
			rejected = true
		}
	})
	if rejected {
		return fmt.Errorf("%w: %s", ErrConfigurationRejected, l.endpoint)
	}
	return nil
}

// PushSettings sends the session-wide settings block.
func (l *Link) PushSettings(s protocol.Settings) error {
	return l.send(protocol.CmdReceiveSettings, protocol.AppendSettings(nil, s))
}

// RequestLastFrame asks for the device's latest live frame.
func (l *Link) RequestLastFrame() error {
	l.update(func() { l.flags.LatestFrameReceived = false })
	return l.send(protocol.CmdRequestLastFrame, nil)
}

// WaitLastFrame blocks until the requested live frame arrives and returns the
// current snapshot.
func (l *Link) WaitLastFrame(ctx context.Context) (*protocol.FrameSnapshot, error) {
	if err := l.await(ctx, l.replyTimeout, "last frame", func() bool { return l.flags.LatestFrameReceived }); err != nil {
		return nil, err
	}
	return l.Frame(), nil
}

// LastFrame requests and waits for the latest live frame.
func (l *Link) LastFrame(ctx context.Context) (*protocol.FrameSnapshot, error) {
	if err := l.RequestLastFrame(); err != nil {
		return nil, err
	}
	return l.WaitLastFrame(ctx)
}

// RequestStoredFrame asks for the next stored frame.
func (l *Link) RequestStoredFrame() error {
	l.update(func() {
		l.flags.StoredFrameReceived = false
		l.flags.NoMoreStoredFrames = false
		l.stored = nil
	})
	return l.send(protocol.CmdRequestStoredFrame, nil)
}

// WaitStoredFrame blocks until the requested stored frame is answered. more
// is false once the device reported that no stored frames remain. A nil
// snapshot with more set means the device answered with a frame that had to
// be skipped.
func (l *Link) WaitStoredFrame(ctx context.Context) (snap *protocol.FrameSnapshot, more bool, err error) {
	err = l.await(ctx, l.replyTimeout, "stored frame", func() bool { return l.flags.StoredFrameReceived })
	if err != nil {
		return nil, true, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stored, !l.flags.NoMoreStoredFrames, nil
}

// NextStoredFrame requests and waits for the next stored frame.
func (l *Link) NextStoredFrame(ctx context.Context) (*protocol.FrameSnapshot, bool, error) {
	if err := l.RequestStoredFrame(); err != nil {
		return nil, true, err
	}
	return l.WaitStoredFrame(ctx)
}

// ClearStoredFrames discards the frames stored on the device.
func (l *Link) ClearStoredFrames() error {
	return l.send(protocol.CmdClearStoredFrames, nil)
}

// Calibrate clears Calibrated and asks the device to run marker calibration.
func (l *Link) Calibrate() error {
	l.update(func() {
		l.flags.Calibrated = false
		l.enterLocked(StateCalibrating)
	})
	return l.send(protocol.CmdCalibrate, nil)
}

// WaitCalibrated blocks until the device reports a calibration record.
func (l *Link) WaitCalibrated(ctx context.Context) error {
	return l.await(ctx, l.replyTimeout, "calibration", func() bool { return l.flags.Calibrated })
}

// SendCalibrationData pushes the current world transform to the device.
func (l *Link) SendCalibrationData() error {
	w := l.WorldTransform()
	return l.send(protocol.CmdReceiveCalibration, protocol.EncodeWorldCalibration(w.RowMajor(), w.T))
}

// Reinitialize asks the device to restart with its current settings.
func (l *Link) Reinitialize() error {
	l.update(func() {
		l.flags.Reinitialized = false
		l.flags.ReinitializationError = false
		l.enterLocked(StateReinitializing)
	})
	return l.send(protocol.CmdReinitializeWithCurrentSettings, nil)
}

// WaitReinitialized blocks until the restart is confirmed. A reported failure
// is returned as ErrRestartFailed and is not retried.
func (l *Link) WaitReinitialized(ctx context.Context) error {
	if err := l.await(ctx, l.restartTimeout, "restart", func() bool { return l.flags.Reinitialized }); err != nil {
		return err
	}
	l.mu.Lock()
	failed := l.flags.ReinitializationError
	l.mu.Unlock()
	if failed {
		return fmt.Errorf("%w: %s", ErrRestartFailed, l.endpoint)
	}
	return nil
}

// StartCapture starts free-running capture for hardware-synced recording.
func (l *Link) StartCapture() error {
	l.update(func() { l.enterLocked(StateCapturing) })
	return l.send(protocol.CmdStartCaptureFrames, nil)
}

// StopCapture stops free-running capture.
func (l *Link) StopCapture() error {
	err := l.send(protocol.CmdStopCaptureFrames, nil)
	l.update(func() { l.settleLocked(StateCapturing) })
	return err
}

// PreRecord runs the pre-recording handshake.
func (l *Link) PreRecord(ctx context.Context) error {
	l.update(func() { l.flags.PreRecordConfirmed = false })
	if err := l.send(protocol.CmdPreRecordProcessStart, nil); err != nil {
		return err
	}
	return l.await(ctx, l.replyTimeout, "pre-record confirmation", func() bool { return l.flags.PreRecordConfirmed })
}

// PostRecord runs the post-recording handshake.
func (l *Link) PostRecord(ctx context.Context) error {
	l.update(func() { l.flags.PostRecordConfirmed = false })
	if err := l.send(protocol.CmdPostRecordProcessStart, nil); err != nil {
		return err
	}
	return l.await(ctx, l.replyTimeout, "post-record confirmation", func() bool { return l.flags.PostRecordConfirmed })
}

// CreateDirectory asks the device to create the take directory it stores
// frames under.
func (l *Link) CreateDirectory(ctx context.Context, path string) error {
	l.update(func() { l.flags.DirectoryConfirmed = false })
	if err := l.send(protocol.CmdCreateDirectory, protocol.EncodeDirectory(path)); err != nil {
		return err
	}
	if err := l.await(ctx, l.replyTimeout, "directory confirmation", func() bool { return l.flags.DirectoryConfirmed }); err != nil {
		return err
	}
	if !l.lastReplyOK() {
		return fmt.Errorf("%w: %s could not create %q", ErrCommandFailed, l.endpoint, path)
	}
	return nil
}

// RequestTimestampList fetches the per-stored-frame hardware timestamps.
func (l *Link) RequestTimestampList(ctx context.Context) (protocol.TimestampList, error) {
	l.update(func() { l.flags.TimestampsReceived = false })
	if err := l.send(protocol.CmdRequestTimestampList, nil); err != nil {
		return protocol.TimestampList{}, err
	}
	if err := l.await(ctx, l.replyTimeout, "timestamp list", func() bool { return l.flags.TimestampsReceived }); err != nil {
		return protocol.TimestampList{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timestamps, nil
}

// SendPostSyncList tells the device how to relabel its stored frames and
// waits for the confirmation.
func (l *Link) SendPostSyncList(ctx context.Context, list protocol.PostSyncList) error {
	b, err := list.MarshalBinary()
	if err != nil {
		return err
	}
	l.update(func() { l.flags.PostSyncConfirmed = false })
	if err := l.send(protocol.CmdReceivePostSyncList, b); err != nil {
		return err
	}
	if err := l.await(ctx, l.replyTimeout, "post-sync confirmation", func() bool { return l.flags.PostSyncConfirmed }); err != nil {
		return err
	}
	if !l.lastReplyOK() {
		return fmt.Errorf("%w: %s could not reorder stored frames", ErrCommandFailed, l.endpoint)
	}
	return nil
}

func (l *Link) lastReplyOK() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.replyOK
}
