package capture

import (
	"context"
	"fmt"

	"github.com/banshee-data/livescan/internal/calibration"
	"github.com/banshee-data/livescan/internal/protocol"
)

func (c *Coordinator) requirePointcloud() error {
	if m := c.conf.GetExportMode(); m != protocol.ExportPointcloud {
		return fmt.Errorf("%w: %v", ErrExportMode, m)
	}
	return nil
}

// Refine runs calibration refinement over every connected device with the
// configured iteration counts and pushes the refined transforms. The preview
// keeps running; recording cannot start until refinement returns.
func (c *Coordinator) Refine(ctx context.Context) (*calibration.Report, error) {
	if err := c.requirePointcloud(); err != nil {
		return nil, err
	}
	links, err := c.links()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	switch {
	case c.state != Idle:
		st := c.state
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: refine while %v", ErrInvalidState, st)
	case c.refining:
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: refinement already running", ErrInvalidState)
	}
	c.refining = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.refining = false
		c.mu.Unlock()
	}()

	devices := make([]calibration.Device, len(links))
	for i, l := range links {
		devices[i] = l
	}
	rf := &calibration.Refiner{
		Aligner:    calibration.ICPAligner{},
		Rounds:     c.conf.GetRefineIterations(),
		Iterations: c.conf.GetICPIterations(),
		Store:      c.calStore,
	}
	return rf.Refine(ctx, devices)
}
