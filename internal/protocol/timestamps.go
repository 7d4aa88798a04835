package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxListEntries bounds the element count a peer may announce for timestamp
// and post-sync lists (roughly nine hours at 30 fps).
const MaxListEntries = 1 << 20

// TimestampList is a device's per-stored-frame hardware timestamps in
// microseconds, plus the frame numbers the timestamps belong to. When
// FrameNumbers is empty, the stored-frame index is the list position.
type TimestampList struct {
	Timestamps   []uint64
	FrameNumbers []int32
}

// FrameNumber returns the stored-frame id for list position i.
func (l TimestampList) FrameNumber(i int) int32 {
	if len(l.FrameNumbers) == len(l.Timestamps) {
		return l.FrameNumbers[i]
	}
	return int32(i)
}

// MarshalBinary encodes the list.
func (l TimestampList) MarshalBinary() ([]byte, error) {
	e := encoder{buf: make([]byte, 0, 8+8*len(l.Timestamps)+4*len(l.FrameNumbers))}
	e.i32(int32(len(l.Timestamps)))
	for _, ts := range l.Timestamps {
		e.u64(ts)
	}
	e.i32(int32(len(l.FrameNumbers)))
	for _, n := range l.FrameNumbers {
		e.i32(n)
	}
	return e.buf, nil
}

// ReadTimestampList reads a TimestampList payload from r.
func ReadTimestampList(r io.Reader) (TimestampList, error) {
	var l TimestampList
	n, err := readCount(r)
	if err != nil {
		return l, err
	}
	raw := make([]byte, 8*n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return l, err
	}
	l.Timestamps = make([]uint64, n)
	for i := range l.Timestamps {
		l.Timestamps[i] = binary.LittleEndian.Uint64(raw[8*i:])
	}
	m, err := readCount(r)
	if err != nil {
		return l, err
	}
	l.FrameNumbers, err = readInt32s(r, m)
	return l, err
}

// PostSyncList tells a device how to relabel its stored frames: stored frame
// FrameIDs[i] becomes synced frame SyncedFrameIDs[i]. Stored frames not
// listed are dropped.
type PostSyncList struct {
	FrameIDs       []int32
	SyncedFrameIDs []int32
}

// MarshalBinary encodes the list. Both slices must have the same length.
func (p PostSyncList) MarshalBinary() ([]byte, error) {
	if len(p.FrameIDs) != len(p.SyncedFrameIDs) {
		return nil, fmt.Errorf("post-sync list length mismatch: %d frame ids, %d synced ids", len(p.FrameIDs), len(p.SyncedFrameIDs))
	}
	e := encoder{buf: make([]byte, 0, 4+8*len(p.FrameIDs))}
	e.i32(int32(len(p.FrameIDs)))
	for _, id := range p.FrameIDs {
		e.i32(id)
	}
	for _, id := range p.SyncedFrameIDs {
		e.i32(id)
	}
	return e.buf, nil
}

// ReadPostSyncList reads a PostSyncList payload from r.
func ReadPostSyncList(r io.Reader) (PostSyncList, error) {
	var p PostSyncList
	n, err := readCount(r)
	if err != nil {
		return p, err
	}
	if p.FrameIDs, err = readInt32s(r, n); err != nil {
		return p, err
	}
	p.SyncedFrameIDs, err = readInt32s(r, n)
	return p, err
}

// EncodeDirectory encodes the CreateDirectory payload.
func EncodeDirectory(path string) []byte {
	e := encoder{buf: make([]byte, 0, 4+len(path))}
	e.i32(int32(len(path)))
	e.buf = append(e.buf, path...)
	return e.buf
}

// ReadDirectory reads a CreateDirectory payload from r.
func ReadDirectory(r io.Reader) (string, error) {
	n, err := readCount(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readCount(r io.Reader) (int, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	n := int32(binary.LittleEndian.Uint32(b[:]))
	if n < 0 || n > MaxListEntries {
		return 0, fmt.Errorf("%w: list length %d", ErrMalformedFrame, n)
	}
	return int(n), nil
}

func readInt32s(r io.Reader, n int) ([]int32, error) {
	raw := make([]byte, 4*n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}
