package capture

import (
	"context"
	"fmt"

	"github.com/banshee-data/livescan/internal/config"
	"github.com/banshee-data/livescan/internal/protocol"
	"github.com/banshee-data/livescan/internal/sensorlink"
)

// CheckHardwareSyncValid verifies the sync-jack topology reported by the
// devices: exactly one Main, every other device Subordinate. It returns the
// main link first, followed by the subordinates in fleet order.
func CheckHardwareSyncValid(links []*sensorlink.Link) ([]*sensorlink.Link, error) {
	if len(links) == 0 {
		return nil, ErrNoDevices
	}
	var main *sensorlink.Link
	subs := make([]*sensorlink.Link, 0, len(links)-1)
	for _, l := range links {
		switch hw := l.Configuration().HardwareSync; hw {
		case protocol.SyncMain:
			if main != nil {
				return nil, fmt.Errorf("%w: %s and %s both report a main sync jack", ErrHardwareSyncInvalid, main.Endpoint(), l.Endpoint())
			}
			main = l
		case protocol.SyncSubordinate:
			subs = append(subs, l)
		default:
			return nil, fmt.Errorf("%w: %s reports sync jack state %v", ErrHardwareSyncInvalid, l.Endpoint(), hw)
		}
	}
	if main == nil {
		return nil, fmt.Errorf("%w: no device reports a main sync jack", ErrHardwareSyncInvalid)
	}
	return append([]*sensorlink.Link{main}, subs...), nil
}

// EnableHardwareSync configures the fleet for hardware-synchronized capture:
// the main device gets offset 0, subordinates offsets 1..n. Subordinates are
// restarted before the main device. The topology is validated before any
// command is sent.
func (c *Coordinator) EnableHardwareSync(ctx context.Context) (Outcomes, error) {
	if c.State() != Idle {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, c.State())
	}
	links, err := c.links()
	if err != nil {
		return nil, err
	}
	ordered, err := CheckHardwareSyncValid(links)
	if err != nil {
		return nil, err
	}

	out := fanOut(ctx, ordered, func(ctx context.Context, l *sensorlink.Link) error {
		cfg := l.Configuration()
		if l == ordered[0] {
			cfg.SoftwareSync = protocol.SyncMain
			cfg.SyncOffset = 0
		} else {
			cfg.SoftwareSync = protocol.SyncSubordinate
			cfg.SyncOffset = uint8(indexOf(ordered, l))
		}
		return l.PushConfiguration(ctx, cfg)
	})
	if out.Failed() {
		return out, fmt.Errorf("hardware sync configuration: %w", out.Err())
	}

	out, err = c.restartMainLast(ctx, ordered)
	if err != nil {
		return out, fmt.Errorf("hardware sync restart: %w", err)
	}

	c.mu.Lock()
	c.hwSync = true
	c.syncMode = config.SyncHardware
	c.mu.Unlock()
	logf("hardware sync enabled: main %s, %d subordinates", ordered[0].Endpoint(), len(ordered)-1)
	return out, nil
}

// DisableHardwareSync returns every device to standalone operation and
// restarts it.
func (c *Coordinator) DisableHardwareSync(ctx context.Context) (Outcomes, error) {
	if c.State() != Idle {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, c.State())
	}
	c.mu.Lock()
	c.hwSync = false
	if c.syncMode == config.SyncHardware {
		c.syncMode = config.SyncOff
	}
	c.mu.Unlock()

	links, err := c.links()
	if err != nil {
		return nil, err
	}
	out := fanOut(ctx, links, func(ctx context.Context, l *sensorlink.Link) error {
		cfg := l.Configuration()
		cfg.SoftwareSync = protocol.SyncStandalone
		cfg.SyncOffset = 0
		if err := l.PushConfiguration(ctx, cfg); err != nil {
			return err
		}
		return restart(ctx, l)
	})
	if out.Failed() {
		return out, fmt.Errorf("hardware sync disable: %w", out.Err())
	}
	logf("hardware sync disabled on %d devices", len(links))
	return out, nil
}

// restartMainLast restarts ordered[1:] concurrently, then ordered[0], so
// the main device starts emitting sync pulses only once every subordinate
// listens.
func (c *Coordinator) restartMainLast(ctx context.Context, ordered []*sensorlink.Link) (Outcomes, error) {
	subs := fanOut(ctx, ordered[1:], restart)
	main := fanOut(ctx, ordered[:1], restart)
	out := append(main, subs...)
	return out, out.Err()
}

func indexOf(links []*sensorlink.Link, l *sensorlink.Link) int {
	for i, x := range links {
		if x == l {
			return i
		}
	}
	return -1
}
