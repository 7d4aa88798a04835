// Package protocol owns the sensor wire format.
//
// Responsibilities: command and message codes, frame payload decode/encode,
// the fixed-layout device configuration block, the session-settings block,
// calibration records, timestamp and post-sync lists, and the pluggable
// decompression step for compressed frames.
//
// Everything here is pure: no I/O beyond an io.Reader handed in by the
// caller and no shared mutable state, so every function is safe to call from
// any goroutine. All numeric fields are little-endian.
package protocol
