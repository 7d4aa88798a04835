package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// FrameHeaderSize is the framing prefix: int32 length + int32 compressed flag.
const FrameHeaderSize = 8

// MaxFramePayload bounds the length a device may announce. A Kinect-class
// sensor produces well under this even uncompressed.
const MaxFramePayload = 256 << 20

// FrameHeader precedes every frame payload on the stream.
type FrameHeader struct {
	Length     int32
	Compressed bool
}

// EndOfStream reports whether the header is the no-more-stored-frames sentinel.
func (h FrameHeader) EndOfStream() bool { return h.Length == EndOfStoredFrames }

// Spurious reports a non-positive length that is not the sentinel.
func (h FrameHeader) Spurious() bool { return h.Length <= 0 && !h.EndOfStream() }

// ParseFrameHeader decodes the 8-byte framing prefix.
func ParseFrameHeader(b []byte) (FrameHeader, error) {
	if len(b) < FrameHeaderSize {
		return FrameHeader{}, fmt.Errorf("%w: frame header needs %d bytes, have %d", ErrMalformedFrame, FrameHeaderSize, len(b))
	}
	return FrameHeader{
		Length:     int32(binary.LittleEndian.Uint32(b[0:4])),
		Compressed: binary.LittleEndian.Uint32(b[4:8]) == 1,
	}, nil
}

// AppendFrameHeader appends the framing prefix for a payload of length n.
func AppendFrameHeader(dst []byte, n int32, compressed bool) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(n))
	var flag uint32
	if compressed {
		flag = 1
	}
	return binary.LittleEndian.AppendUint32(dst, flag)
}

// ReadFrame reads one framed payload from r and decodes it. The payload is
// read completely before anything is decoded, so a connection that dies
// mid-payload returns the read error and no snapshot.
//
// When the header is spurious, ReadFrame consumes nothing further and
// returns ErrSpuriousLength. Any ErrMalformedFrame result leaves r positioned
// after the frame, so the caller may skip it and keep reading.
func ReadFrame(r io.Reader, dec Decompressor) (snap *FrameSnapshot, more bool, err error) {
	var hdr [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, true, err
	}
	h, _ := ParseFrameHeader(hdr[:])
	if h.EndOfStream() {
		return &FrameSnapshot{}, false, nil
	}
	if h.Spurious() {
		return nil, true, fmt.Errorf("%w: framing length %d", ErrSpuriousLength, h.Length)
	}
	if h.Length > MaxFramePayload {
		// Drain the payload so the stream stays aligned on the next message.
		if _, err := io.CopyN(io.Discard, r, int64(h.Length)); err != nil {
			return nil, true, err
		}
		return nil, true, fmt.Errorf("%w: framing length %d exceeds limit", ErrMalformedFrame, h.Length)
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, true, err
	}
	if h.Compressed {
		if dec == nil {
			return nil, true, fmt.Errorf("%w: compressed frame without decompressor", ErrMalformedFrame)
		}
		payload, err = dec.Decompress(payload)
		if err != nil {
			return nil, true, fmt.Errorf("%w: decompress: %v", ErrMalformedFrame, err)
		}
	}
	return DecodeFrame(payload)
}

// AppendFrame appends a framed, optionally compressed, encoded snapshot.
func AppendFrame(dst []byte, f *FrameSnapshot, comp Compressor) ([]byte, error) {
	payload := EncodeFrame(f)
	compressed := false
	if comp != nil {
		var err error
		payload, err = comp.Compress(payload)
		if err != nil {
			return dst, err
		}
		compressed = true
	}
	dst = AppendFrameHeader(dst, int32(len(payload)), compressed)
	return append(dst, payload...), nil
}

// AppendEndOfStoredFrames appends the framing used to signal that no stored
// frames remain.
func AppendEndOfStoredFrames(dst []byte) []byte {
	return AppendFrameHeader(dst, EndOfStoredFrames, false)
}

// Decompressor undoes the device-side compression of a frame payload.
type Decompressor interface {
	Decompress(src []byte) ([]byte, error)
}

// Compressor is the device-side counterpart, used by the simulator and tests.
type Compressor interface {
	Compress(src []byte) ([]byte, error)
}

// ZstdDecompressor decodes zstd frames. A single decoder is shared; DecodeAll
// is safe for concurrent use.
type ZstdDecompressor struct {
	once sync.Once
	dec  *zstd.Decoder
	err  error
}

// NewZstdDecompressor returns the default frame decompressor.
func NewZstdDecompressor() *ZstdDecompressor {
	return &ZstdDecompressor{}
}

// Decompress implements Decompressor.
func (z *ZstdDecompressor) Decompress(src []byte) ([]byte, error) {
	z.once.Do(func() {
		z.dec, z.err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	if z.err != nil {
		return nil, z.err
	}
	return z.dec.DecodeAll(src, nil)
}

// ZstdCompressor compresses at a zstd level derived from the session
// compression level (0 disables compression at the caller).
type ZstdCompressor struct {
	enc *zstd.Encoder
}

// NewZstdCompressor builds a compressor for the given session compression level.
func NewZstdCompressor(level int) (*ZstdCompressor, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, err
	}
	return &ZstdCompressor{enc: enc}, nil
}

// Compress implements Compressor.
func (z *ZstdCompressor) Compress(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, nil), nil
}
