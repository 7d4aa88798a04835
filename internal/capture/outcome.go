package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/livescan/internal/sensorlink"
)

// Outcome is one device's result of a fleet operation.
type Outcome struct {
	Endpoint string
	Serial   string
	Err      error
}

// Outcomes holds one Outcome per device, in fleet order.
type Outcomes []Outcome

// Failed reports whether at least one device failed.
func (o Outcomes) Failed() bool {
	for _, x := range o {
		if x.Err != nil {
			return true
		}
	}
	return false
}

// FailedEndpoints lists the endpoints of the devices that failed, so a caller
// can retry only those.
func (o Outcomes) FailedEndpoints() []string {
	var out []string
	for _, x := range o {
		if x.Err != nil {
			out = append(out, x.Endpoint)
		}
	}
	return out
}

// Err joins every device error, prefixed with its endpoint. It is nil when
// every device succeeded.
func (o Outcomes) Err() error {
	var errs []error
	for _, x := range o {
		if x.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", x.Endpoint, x.Err))
		}
	}
	return errors.Join(errs...)
}

func (o Outcomes) String() string {
	var b strings.Builder
	for i, x := range o {
		if i > 0 {
			b.WriteString(", ")
		}
		status := "ok"
		if x.Err != nil {
			status = x.Err.Error()
		}
		fmt.Fprintf(&b, "%s=%s", x.Endpoint, status)
	}
	return b.String()
}

// succeeded returns the links whose outcome carries no error.
func succeeded(links []*sensorlink.Link, o Outcomes) []*sensorlink.Link {
	out := make([]*sensorlink.Link, 0, len(links))
	for i, l := range links {
		if o[i].Err == nil {
			out = append(out, l)
		}
	}
	return out
}

// fanOut runs fn against every link concurrently and collects one outcome per
// link. A failing device never stops the others.
func fanOut(ctx context.Context, links []*sensorlink.Link, fn func(context.Context, *sensorlink.Link) error) Outcomes {
	out := make(Outcomes, len(links))
	var g errgroup.Group
	for i, l := range links {
		out[i] = Outcome{Endpoint: l.Endpoint(), Serial: l.Serial()}
		g.Go(func() error {
			out[i].Err = fn(ctx, l)
			return nil
		})
	}
	g.Wait()
	return out
}
