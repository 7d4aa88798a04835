// Package export writes downloaded frames to disk as PLY point clouds, one
// directory per take.
package export

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/banshee-data/livescan/internal/fsutil"
	"github.com/banshee-data/livescan/internal/monitoring"
	"github.com/banshee-data/livescan/internal/protocol"
)

var logf = monitoring.Component("Export")

// ErrNoTake is returned when a frame arrives before BeginTake.
var ErrNoTake = errors.New("no take started")

// WritePLY writes the vertices and colors of f as a binary little-endian
// PLY. Vertices without a matching color are written grey.
func WritePLY(w io.Writer, f *protocol.FrameSnapshot) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "ply\nformat binary_little_endian 1.0\nelement vertex %d\n", len(f.Vertices))
	bw.WriteString("property float x\nproperty float y\nproperty float z\n")
	bw.WriteString("property uchar red\nproperty uchar green\nproperty uchar blue\nend_header\n")

	var rec [15]byte
	for i, v := range f.Vertices {
		c := protocol.Color{R: 128, G: 128, B: 128}
		if i < len(f.Colors) {
			c = f.Colors[i]
		}
		binary.LittleEndian.PutUint32(rec[0:], math.Float32bits(v.X))
		binary.LittleEndian.PutUint32(rec[4:], math.Float32bits(v.Y))
		binary.LittleEndian.PutUint32(rec[8:], math.Float32bits(v.Z))
		rec[12], rec[13], rec[14] = c.R, c.G, c.B
		if _, err := bw.Write(rec[:]); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// PLYSink is a capture.TakeSink writing <root>/<take>/<index>[_<serial>].ply,
// zstd-compressed to .ply.zst when Compress is set.
type PLYSink struct {
	fs       fsutil.FileSystem
	root     string
	compress bool

	mu  sync.Mutex
	dir string
}

// NewPLYSink returns a sink writing below root.
func NewPLYSink(fs fsutil.FileSystem, root string, compress bool) *PLYSink {
	return &PLYSink{fs: fs, root: filepath.Clean(root), compress: compress}
}

// BeginTake creates the take directory.
func (s *PLYSink) BeginTake(take string) error {
	dir := filepath.Join(s.root, SanitizeFilename(take))
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create take directory: %w", err)
	}
	s.mu.Lock()
	s.dir = dir
	s.mu.Unlock()
	logf("writing take %s to %s", take, dir)
	return nil
}

// WriteFrame writes one frame. device is empty for merged frames.
func (s *PLYSink) WriteFrame(ctx context.Context, index int, device string, f *protocol.FrameSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	dir := s.dir
	s.mu.Unlock()
	if dir == "" {
		return ErrNoTake
	}

	name := fmt.Sprintf("%06d", index)
	if device != "" {
		name += "_" + SanitizeFilename(device)
	}
	name += ".ply"
	if s.compress {
		name += ".zst"
	}
	path := filepath.Join(dir, name)

	out, err := s.fs.Create(path)
	if err != nil {
		return err
	}
	var w io.Writer = out
	var enc *zstd.Encoder
	if s.compress {
		enc, err = zstd.NewWriter(out)
		if err != nil {
			out.Close()
			return err
		}
		w = enc
	}
	err = WritePLY(w, f)
	if enc != nil {
		err = errors.Join(err, enc.Close())
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// SanitizeFilename makes a safe file name from an arbitrary identifier:
// anything other than ASCII letters, digits, dot, underscore or dash becomes
// a single underscore, and the result is capped at 128 bytes.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
			lastUnderscore = r == '_'
		case !lastUnderscore:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
