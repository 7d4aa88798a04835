package sensorlink

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/banshee-data/livescan/internal/protocol"
)

// handle applies one device message. A returned error ends the link.
func (l *Link) handle(msg protocol.Message, r *bufio.Reader) error {
	switch msg {
	case protocol.MsgConfirmCaptured:
		l.update(func() {
			l.flags.FrameCaptured = true
			l.settleLocked(StateCapturing)
		})

	case protocol.MsgConfirmCalibrated:
		b := make([]byte, protocol.CalibrationRecordSize)
		if _, err := io.ReadFull(r, b); err != nil {
			return err
		}
		var rec protocol.CalibrationRecord
		if err := rec.UnmarshalBinary(b); err != nil {
			return err
		}
		world := TransformFromRecord(rec.Rotation, rec.Translation)
		l.update(func() {
			l.markerID = rec.MarkerID
			l.world = world
			l.pose = CameraPose(world)
			l.flags.Calibrated = true
			l.settleLocked(StateCalibrating)
		})

	case protocol.MsgStoredFrame, protocol.MsgLastFrame:
		return l.receiveFrame(msg, r)

	case protocol.MsgConfiguration:
		b := make([]byte, protocol.ConfigurationBlockSize)
		if _, err := io.ReadFull(r, b); err != nil {
			return err
		}
		var cfg protocol.DeviceConfiguration
		if err := cfg.UnmarshalBinary(b); err != nil {
			return err
		}
		l.update(func() {
			l.cfg = cfg
			l.confSeq++
			l.flags.ConfigurationReceived = true
			if l.state == StateAwaitingConfiguration {
				l.state = StateReady
			}
		})
		l.publish(Event{Kind: EventConfigurationUpdated, Link: l, Configuration: cfg})

	case protocol.MsgConfigurationRejected:
		logf("%s rejected configuration", l.endpoint)
		l.update(func() { l.rejectSeq++ })

	case protocol.MsgConfirmRestart:
		ok, err := r.ReadByte()
		if err != nil {
			return err
		}
		l.update(func() {
			l.flags.Reinitialized = true
			l.flags.ReinitializationError = ok != 0
			l.settleLocked(StateReinitializing)
		})

	case protocol.MsgConfirmPreRecordProcess:
		l.update(func() { l.flags.PreRecordConfirmed = true })

	case protocol.MsgConfirmPostRecordProcess:
		l.update(func() { l.flags.PostRecordConfirmed = true })

	case protocol.MsgConfirmDirCreation:
		ok, err := r.ReadByte()
		if err != nil {
			return err
		}
		l.update(func() {
			l.flags.DirectoryConfirmed = true
			l.replyOK = ok == 1
		})

	case protocol.MsgTimestampList:
		list, err := protocol.ReadTimestampList(r)
		if err != nil {
			return err
		}
		l.update(func() {
			l.timestamps = list
			l.flags.TimestampsReceived = true
		})

	case protocol.MsgConfirmPostSynced:
		ok, err := r.ReadByte()
		if err != nil {
			return err
		}
		l.update(func() {
			l.flags.PostSyncConfirmed = true
			l.replyOK = ok == 1
		})

	default:
		// Without a known length the stream cannot be resynchronised.
		return fmt.Errorf("unknown message byte %d", byte(msg))
	}
	return nil
}

// receiveFrame reads one framed snapshot. The payload is read whole before
// the snapshot is replaced, so a connection that dies mid-frame leaves the
// last good snapshot in place. Spurious and malformed frames answer the
// request without replacing anything.
func (l *Link) receiveFrame(msg protocol.Message, r *bufio.Reader) error {
	snap, more, err := protocol.ReadFrame(r, l.dec)
	skip := false
	switch {
	case err == nil:
	case errors.Is(err, protocol.ErrSpuriousLength), errors.Is(err, protocol.ErrMalformedFrame):
		logf("%s skipping %v: %v", l.endpoint, msg, err)
		skip = true
	default:
		return err
	}

	l.update(func() {
		if skip {
			l.skipped++
		}
		if msg == protocol.MsgStoredFrame {
			l.flags.StoredFrameReceived = true
			l.stored = nil
			if !more {
				l.flags.NoMoreStoredFrames = true
				return
			}
			if !skip {
				l.stored = snap
			}
		} else {
			l.flags.LatestFrameReceived = true
		}
		if !skip && more {
			l.frame = snap
			l.received++
		}
	})
	return nil
}
