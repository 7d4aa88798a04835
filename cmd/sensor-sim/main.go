// Command sensor-sim connects simulated sensors to a livescan server. The
// sensors look at one shared random scene from poses spread around it, so
// calibration, refinement and both sync modes can be exercised without
// hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/livescan/internal/device"
	"github.com/banshee-data/livescan/internal/monitoring"
	"github.com/banshee-data/livescan/internal/protocol"
)

var (
	server      = flag.String("server", "127.0.0.1:48001", "livescan sensor address")
	count       = flag.Int("n", 3, "Number of simulated sensors")
	points      = flag.Int("points", 5000, "Points in the shared scene")
	seed        = flag.Int64("seed", 1, "Scene seed")
	hardware    = flag.Bool("hardware-sync", false, "Wire the sync jacks: first sensor main, the rest subordinate")
	framePeriod = flag.Duration("frame-period", 33*time.Millisecond, "Free-running frame period in hardware sync")
	jitter      = flag.Uint64("jitter", 200, "Hardware timestamp jitter in microseconds")
	level       = flag.Int("compress", 0, "zstd level for frame payloads (0 disables)")
	retry       = flag.Duration("retry", 2*time.Second, "Delay before reconnecting")
)

// simConfigs builds n sensors spread evenly around the scene.
func simConfigs(n int, scene []protocol.Point3, hardwareSync bool) []device.Config {
	confs := make([]device.Config, n)
	for i := range confs {
		yaw := 2 * math.Pi * float64(i) / float64(n)
		conf := device.Config{
			Serial:          fmt.Sprintf("%012d", 100000+i),
			HardwareSync:    protocol.SyncStandalone,
			Scene:           scene,
			Pose:            device.YawPose(yaw, [3]float32{float32(0.1 * float64(i)), 0, 0}),
			FramePeriod:     *framePeriod,
			TimestampOffset: uint64(i) * 160,
			TimestampJitter: *jitter,
		}
		if hardwareSync {
			conf.HardwareSync = protocol.SyncSubordinate
			if i == 0 {
				conf.HardwareSync = protocol.SyncMain
			}
		}
		confs[i] = conf
	}
	return confs
}

// run keeps one simulator connected until ctx ends.
func run(ctx context.Context, sim *device.Simulator, serial string) {
	for {
		err := sim.Dial(ctx, *server)
		if ctx.Err() != nil {
			return
		}
		log.Printf("[%s] connection ended: %v; retrying in %v", serial, err, *retry)
		select {
		case <-time.After(*retry):
		case <-ctx.Done():
			return
		}
	}
}

func main() {
	flag.Parse()
	monitoring.SetLogger(log.Printf)

	if *count < 1 {
		log.Fatal("at least one sensor is required")
	}

	var comp protocol.Compressor
	if *level > 0 {
		z, err := protocol.NewZstdCompressor(*level)
		if err != nil {
			log.Fatalf("failed to build compressor: %v", err)
		}
		comp = z
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scene := device.RandomScene(*points, *seed)
	var wg sync.WaitGroup
	for _, conf := range simConfigs(*count, scene, *hardware) {
		conf.Compressor = comp
		sim := device.New(conf)
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx, sim, conf.Serial)
		}()
	}
	log.Printf("%d simulated sensors dialing %s", *count, *server)

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
