package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/livescan/internal/protocol"
	"github.com/banshee-data/livescan/internal/sensorlink"
)

// FrameSink receives the stored frames downloaded after a recording. With
// merge-on-save every index arrives once with an empty device; otherwise
// once per device.
type FrameSink interface {
	WriteFrame(ctx context.Context, index int, device string, frame *protocol.FrameSnapshot) error
}

// TakeSink is a FrameSink that groups frames by take. BeginTake is called
// before the first frame of every recording.
type TakeSink interface {
	FrameSink
	BeginTake(take string) error
}

// StoredFrames walks the stored frames of a fixed set of devices in lock
// step.
type StoredFrames struct {
	links []*sensorlink.Link
	done  []bool
}

// NewStoredFrames starts a download over links.
func NewStoredFrames(links []*sensorlink.Link) *StoredFrames {
	return &StoredFrames{links: links, done: make([]bool, len(links))}
}

// Next requests one stored frame from every device that still has frames.
// frames is parallel to the links; a device that has finished, or whose
// frame had to be skipped, contributes nil. more is false once every device
// has reported the end of its stored frames.
func (s *StoredFrames) Next(ctx context.Context) (frames []*protocol.FrameSnapshot, more bool, err error) {
	frames = make([]*protocol.FrameSnapshot, len(s.links))
	var mu sync.Mutex
	out := fanOut(ctx, s.links, func(ctx context.Context, l *sensorlink.Link) error {
		i := indexOf(s.links, l)
		if s.done[i] {
			return nil
		}
		f, more, err := l.NextStoredFrame(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		frames[i] = f
		if !more {
			s.done[i] = true
		}
		mu.Unlock()
		return nil
	})
	if out.Failed() {
		return nil, true, fmt.Errorf("stored frame download: %w", out.Err())
	}
	for _, d := range s.done {
		if !d {
			return frames, true, nil
		}
	}
	return frames, false, nil
}

// SaveStoredFrames downloads every stored frame from links into sink,
// merging per index when mergeOnSave is set. Only point cloud recordings
// are downloaded. It returns the number of frame indexes written.
func SaveStoredFrames(ctx context.Context, links []*sensorlink.Link, mode protocol.ExportMode, mergeOnSave bool, sink FrameSink) (int, error) {
	if mode != protocol.ExportPointcloud {
		return 0, fmt.Errorf("%w: stored frames are only downloaded in %v mode, not %v", ErrExportMode, protocol.ExportPointcloud, mode)
	}
	dl := NewStoredFrames(links)
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		frames, more, err := dl.Next(ctx)
		if err != nil {
			return n, err
		}
		if !more && allNil(frames) {
			return n, nil
		}
		if err := writeFrames(ctx, sink, n, links, frames, mergeOnSave); err != nil {
			return n, err
		}
		n++
		if !more {
			return n, nil
		}
	}
}

func writeFrames(ctx context.Context, sink FrameSink, index int, links []*sensorlink.Link, frames []*protocol.FrameSnapshot, merge bool) error {
	if merge {
		for i, f := range frames {
			frames[i] = toWorld(f, links[i].WorldTransform())
		}
		return sink.WriteFrame(ctx, index, "", protocol.Merge(frames...))
	}
	for i, f := range frames {
		if f == nil {
			continue
		}
		if err := sink.WriteFrame(ctx, index, links[i].Serial(), f); err != nil {
			return err
		}
	}
	return nil
}

func allNil(frames []*protocol.FrameSnapshot) bool {
	for _, f := range frames {
		if f != nil {
			return false
		}
	}
	return true
}
