package capture

import (
	"fmt"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/camlink"
)

// createPipeline builds the MJPEG capture pipeline
//
// Pipeline structure:
//
//	v4l2src → capsfilter → appsink
//
// The pipeline is configured but NOT started (state remains NULL).
func createPipeline(cfg camlink.CaptureConfig) (*gst.Pipeline, *app.Sink, error) {
	// Safe to call multiple times
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", cfg.Device)
	src.SetProperty("do-timestamp", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildCaps(cfg)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", uint(cfg.Buffers))
	sink.SetProperty("drop", true)

	if err := pipeline.AddMany(src, capsfilter, sink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, capsfilter, sink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to link elements: %w", err)
	}

	return pipeline, sink, nil
}

// buildCaps builds the MJPEG caps string
//
// Format: "image/jpeg[,width=W,height=H],framerate=N/1"
func buildCaps(cfg camlink.CaptureConfig) string {
	var b strings.Builder
	b.WriteString("image/jpeg")
	if cfg.Width > 0 && cfg.Height > 0 {
		fmt.Fprintf(&b, ",width=%d,height=%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS > 0 {
		fmt.Fprintf(&b, ",framerate=%d/1", cfg.FPS)
	}
	return b.String()
}
