// Command camlinkd streams two multiplexed MIPI cameras as fragmented MJPEG
// over UDP, alternating cameras after every frame.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/camlink/internal/capture"
	"github.com/e7canasta/camlink/internal/daemon"
)

const defaultConfigPath = "config/camlink.yaml"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	backend := flag.String("backend", "", fmt.Sprintf("Capture backend override (%s, %s)", capture.BackendGStreamer, capture.BackendV4L2))
	device := flag.String("device", "", "Capture device override, e.g. /dev/video0")
	printConfig := flag.Bool("print-config", false, "Print the resolved configuration as YAML and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	opts := []daemon.Option{daemon.WithBackend(*backend), daemon.WithDevice(*device)}

	if *printConfig {
		cfg, err := daemon.LoadConfig(*configPath, opts...)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		os.Stdout.Write(out)
		return 0
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	svc, err := daemon.NewDaemon(*configPath, opts...)
	if err != nil {
		slog.Error("failed to create camlink service", "config", *configPath, "error", err)
		return 1
	}

	cfg := svc.Config()
	slog.Info("starting camlinkd",
		"config", *configPath,
		"destination", cfg.DestinationAddr(),
		"backend", cfg.Capture.Backend,
		"device", cfg.Capture.Device,
		"initial_camera", cfg.Pipeline.InitialCamera,
		"health", cfg.Health.Addr,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exitCode := 0
	if err := svc.Run(ctx); err != nil {
		slog.Error("camlink service failed", "error", err)
		exitCode = 1
	} else if ctx.Err() == nil {
		slog.Info("camlink service stopped by control command")
	} else {
		slog.Info("received shutdown signal")
	}

	timeout := svc.ShutdownTimeout()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	slog.Info("shutting down camlinkd", "timeout", timeout)
	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		return 1
	}
	return exitCode
}
