// Package registry accepts sensor connections and keeps the ordered set of
// live SensorLinks.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/banshee-data/livescan/internal/monitoring"
	"github.com/banshee-data/livescan/internal/notify"
	"github.com/banshee-data/livescan/internal/sensorlink"
)

var logf = monitoring.Component("Registry")

// Options configures a Registry.
type Options struct {
	// Link is applied to every accepted connection. Its Notify hub is
	// replaced by the registry's event hub.
	Link sensorlink.Options
	// ConfigurationTimeout bounds the initial configuration request made for
	// every new link. Zero uses the link's reply timeout.
	ConfigurationTimeout time.Duration
}

// Registry owns the set of live links. The list may change at any time; every
// reader gets its own copy.
type Registry struct {
	opts    Options
	changes *notify.Hub[[]*sensorlink.Link]
	events  *notify.Hub[sensorlink.Event]

	mu    sync.Mutex
	links []*sensorlink.Link

	wg sync.WaitGroup
}

// New returns an empty registry.
func New(opts Options) *Registry {
	r := &Registry{
		opts:    opts,
		changes: notify.NewHub[[]*sensorlink.Link](),
		events:  notify.NewHub[sensorlink.Event](),
	}
	r.opts.Link.Notify = r.events
	return r
}

// ListenAndServe listens on addr and accepts sensors until ctx is cancelled.
func (r *Registry) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return r.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is cancelled or ln fails. The
// listener is closed on return.
func (r *Registry) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer ln.Close()

	logf("listening for sensors on %s", ln.Addr())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logf("accept loop stopping due to context cancellation")
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			// Back off on transient accept errors such as fd exhaustion.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff = min(2*backoff, time.Second)
			}
			logf("accept error: %v; retrying in %v", err, backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		backoff = 0
		r.Add(ctx, conn)
	}
}

// Add wraps conn in a link, starts its reader, requests its configuration and
// appends it to the list. The link is removed again once it disconnects.
func (r *Registry) Add(ctx context.Context, conn net.Conn) *sensorlink.Link {
	l := sensorlink.New(conn, r.opts.Link)

	r.mu.Lock()
	next := make([]*sensorlink.Link, len(r.links), len(r.links)+1)
	copy(next, r.links)
	r.links = append(next, l)
	r.publishLocked()
	r.mu.Unlock()
	logf("sensor connected from %s", l.Endpoint())

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		if err := l.Run(ctx); err != nil && ctx.Err() == nil {
			logf("%s: %v", l.Endpoint(), err)
		}
	}()
	go func() {
		defer r.wg.Done()
		r.greet(ctx, l)
		<-l.Done()
		if r.remove(l) {
			logf("sensor %s (%s) disconnected", l.Endpoint(), l.Serial())
		}
	}()
	return l
}

// greet requests the configuration of a new link.
func (r *Registry) greet(ctx context.Context, l *sensorlink.Link) {
	if err := l.RequestConfiguration(); err != nil {
		return
	}
	if r.opts.ConfigurationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.ConfigurationTimeout)
		defer cancel()
	}
	if _, err := l.WaitConfiguration(ctx); err != nil {
		logf("%s: no configuration: %v", l.Endpoint(), err)
		return
	}
	logf("sensor %s reports serial %q", l.Endpoint(), l.Serial())
}

// Remove drops l from the list and closes it. It reports whether l was
// registered.
func (r *Registry) Remove(l *sensorlink.Link) bool {
	ok := r.remove(l)
	l.Close()
	if ok {
		logf("sensor %s (%s) removed", l.Endpoint(), l.Serial())
	}
	return ok
}

func (r *Registry) remove(l *sensorlink.Link) bool {
	r.mu.Lock()
	idx := -1
	for i, x := range r.links {
		if x == l {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return false
	}
	// Build a new slice so copies handed out earlier stay intact.
	next := make([]*sensorlink.Link, 0, len(r.links)-1)
	next = append(next, r.links[:idx]...)
	next = append(next, r.links[idx+1:]...)
	r.links = next
	r.publishLocked()
	r.mu.Unlock()
	return true
}

// Links returns a snapshot of the live links in connection order. The
// registry never mutates a slice it has handed out; callers must not either.
func (r *Registry) Links() []*sensorlink.Link {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[:len(r.links):len(r.links)]
}

// Len returns the number of live links.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

// Find returns the link with the given endpoint, or nil.
func (r *Registry) Find(endpoint string) *sensorlink.Link {
	for _, l := range r.Links() {
		if l.Endpoint() == endpoint {
			return l
		}
	}
	return nil
}

// Statuses returns the status of every live link in list order.
func (r *Registry) Statuses() []sensorlink.Status {
	links := r.Links()
	out := make([]sensorlink.Status, len(links))
	for i, l := range links {
		out[i] = l.Status()
	}
	return out
}

// Subscribe registers for list-changed notifications. Each notification
// carries the list as it was after the change.
func (r *Registry) Subscribe() (string, <-chan []*sensorlink.Link) {
	return r.changes.Subscribe()
}

// Unsubscribe removes a list-changed subscription.
func (r *Registry) Unsubscribe(id string) { r.changes.Unsubscribe(id) }

// Events is the hub every link publishes its events to.
func (r *Registry) Events() *notify.Hub[sensorlink.Event] { return r.events }

// publishLocked sends the current list. r.links is never mutated in place,
// so subscribers can share the slice.
func (r *Registry) publishLocked() {
	r.changes.Publish(r.links)
}

// Close disconnects every link and waits for their goroutines.
func (r *Registry) Close() {
	for _, l := range r.Links() {
		r.Remove(l)
	}
	r.wg.Wait()
	r.changes.Close()
	r.events.Close()
}
