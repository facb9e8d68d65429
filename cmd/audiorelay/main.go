// ABOUTME: Entry point for the audiorelay router daemon
// ABOUTME: Parses CLI flags, wires the pipeline, and handles shutdown signals
package main

import (
	"flag"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/AudioRelay-Project/audiorelay-go/internal/app"
	"github.com/AudioRelay-Project/audiorelay-go/internal/audio"
	"github.com/AudioRelay-Project/audiorelay-go/internal/version"
	"github.com/sirupsen/logrus"
)

var (
	listeners = flag.String("listen", "4010:raw", "Comma-separated listeners as port:framing[:clocked], framing one of raw|rtp|process")
	chunk     = flag.Int("chunk-bytes", 1152, "Chunk size in bytes")
	backend   = flag.String("backend", "oto", "Playback backend: oto, portaudio, or none")
	device    = flag.String("device", "", "Output device tag (default device if empty)")
	rate      = flag.Int("rate", 48000, "Output sample rate")
	channels  = flag.Int("channels", 2, "Output channel count")
	bitDepth  = flag.Int("bit-depth", 16, "Output bit depth")
	latencyMs = flag.Int("latency-ms", 40, "Target output latency in milliseconds")
	logFile   = flag.String("log-file", "", "Log file path (stdout if empty)")
	logLevel  = flag.String("log-level", "info", "Log level: debug, info, warn, error")
)

func main() {
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	logrus.SetLevel(level)

	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			logrus.Fatalf("error opening log file: %v", err)
		}
		defer func() { _ = f.Close() }()
		logrus.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	cfg := app.Config{
		ChunkBytes: *chunk,
		Backend:    *backend,
		DeviceTag:  *device,
		Format: audio.Format{
			SampleRate: *rate,
			Channels:   *channels,
			BitDepth:   *bitDepth,
			ChLayout1:  0x03, // stereo front left/right
		},
		TargetLatency: time.Duration(*latencyMs) * time.Millisecond,
	}

	for _, spec := range strings.Split(*listeners, ",") {
		lc, err := parseListener(spec)
		if err != nil {
			logrus.Fatalf("invalid -listen entry %q: %v", spec, err)
		}
		cfg.Listeners = append(cfg.Listeners, lc)
	}

	logrus.WithFields(logrus.Fields{
		"product": version.Product,
		"version": version.Version,
	}).Info("starting")

	router, err := app.New(cfg)
	if err != nil {
		logrus.Fatalf("failed to build pipeline: %v", err)
	}
	if err := router.Start(); err != nil {
		logrus.Fatalf("failed to start: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logrus.WithField("signal", sig.String()).Info("shutting down")
	router.Stop()
}

// parseListener parses "port:framing[:clocked]".
func parseListener(spec string) (app.ListenerConfig, error) {
	parts := strings.Split(strings.TrimSpace(spec), ":")
	port, err := strconv.Atoi(parts[0])
	if err != nil {
		return app.ListenerConfig{}, err
	}
	lc := app.ListenerConfig{Port: port, Framing: "raw"}
	if len(parts) > 1 && parts[1] != "" {
		lc.Framing = parts[1]
	}
	if len(parts) > 2 {
		lc.ClockPaced = parts[2] == "clocked"
	}
	return lc, nil
}
