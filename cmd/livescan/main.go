package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/banshee-data/livescan/internal/api"
	"github.com/banshee-data/livescan/internal/capture"
	"github.com/banshee-data/livescan/internal/config"
	"github.com/banshee-data/livescan/internal/db"
	"github.com/banshee-data/livescan/internal/export"
	"github.com/banshee-data/livescan/internal/fsutil"
	"github.com/banshee-data/livescan/internal/monitoring"
	"github.com/banshee-data/livescan/internal/registry"
	"github.com/banshee-data/livescan/internal/sensorlink"
	"github.com/banshee-data/livescan/internal/version"
)

var (
	listen     = flag.String("listen", ":48001", "Sensor TCP listen address")
	httpListen = flag.String("http", ":8080", "HTTP control and debug listen address")
	configFile = flag.String("config", "", "Session configuration JSON (defaults when empty)")
	dbFile     = flag.String("db", "livescan.db", "SQLite session store path")
	takeName   = flag.String("take", "", "Take name, overriding the configuration")
	outDir     = flag.String("out", "", "Directory for saved frames; frames stay on the sensors when empty")
	compress   = flag.Bool("compress", false, "zstd-compress saved frames")
	logFile    = flag.String("log-file", "", "Write logs to this file, rotated by size, instead of stderr")
	showVer    = flag.Bool("version", false, "Print the version and exit")
)

// logOutput returns where the process logs go.
func logOutput(path string) io.Writer {
	if path == "" {
		return os.Stderr
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}
}

// loadConfig reads the session configuration and applies flag overrides.
func loadConfig(path, take string) (*config.SessionConfig, error) {
	conf := config.DefaultSessionConfig()
	if path != "" {
		var err error
		if conf, err = config.LoadSessionConfig(path); err != nil {
			return nil, err
		}
	}
	if take != "" {
		conf.TakeName = &take
	}
	return conf, nil
}

func main() {
	flag.Parse()

	if *showVer {
		fmt.Println(version.String())
		return
	}

	log.SetOutput(logOutput(*logFile))
	monitoring.SetLogger(log.Printf)

	if *listen == "" || *httpListen == "" {
		log.Fatal("Listen addresses are required")
	}
	log.Print(version.String())

	conf, err := loadConfig(*configFile, *takeName)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store, err := db.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open session store: %v", err)
	}
	defer store.Close()

	reg := registry.New(registry.Options{
		Link: sensorlink.Options{
			ReplyTimeout:   conf.GetReplyTimeout(),
			RestartTimeout: conf.GetRestartTimeout(),
		},
	})
	defer reg.Close()

	opts := capture.Options{Config: conf, Store: store, Calibrations: store}
	if *outDir != "" {
		opts.Sink = export.NewPLYSink(fsutil.OSFileSystem{}, *outDir, *compress)
	}
	coord := capture.New(reg, opts)
	defer coord.Close()

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// accept sensor connections
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := reg.ListenAndServe(ctx, *listen); err != nil && err != context.Canceled {
			log.Printf("sensor listener stopped: %v", err)
			stop()
		}
		log.Print("sensor listener terminated")
	}()

	// live preview and fleet bookkeeping
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coord.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("coordinator stopped: %v", err)
		}
		// Let a recording in progress wind down and record its outcome.
		if s := coord.Session(); s != nil {
			s.Cancel()
			<-s.Done()
		}
		log.Print("coordinator routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(reg, coord, store).ServeMux()

		// mount the admin debugging routes (accessible only over localhost or Tailscale)
		reg.AttachAdminRoutes(mux)
		coord.Reconciler().AttachAdminRoutes(mux)
		if err := store.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach session store routes: %v", err)
		}

		server := &http.Server{
			Addr:    *httpListen,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
