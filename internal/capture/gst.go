package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/camlink"
)

// GstSource captures MJPEG through a GStreamer pipeline:
//
//	v4l2src → capsfilter(image/jpeg) → appsink
//
// The appsink keeps at most Buffers samples and drops older ones. Sample
// memory is handed to the frame callback while mapped, without a copy.
type GstSource struct {
	callbacks

	mu       sync.Mutex
	cfg      camlink.CaptureConfig
	pipeline *gst.Pipeline
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  time.Time
}

// NewGstSource creates a GStreamer capture source with default parameters
func NewGstSource() *GstSource {
	return &GstSource{cfg: withDefaults(camlink.CaptureConfig{})}
}

// Configure sets the parameters used by the next Start
func (s *GstSource) Configure(cfg camlink.CaptureConfig) error {
	if err := validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = withDefaults(cfg)
	return nil
}

// Start builds the pipeline and sets it PLAYING.
//
// Connected is reported by the bus monitor once the pipeline reaches
// PLAYING; Disconnected on error, end of stream or Stop.
func (s *GstSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("capture: gstreamer source already started")
	}

	pipeline, sink, err := createPipeline(s.cfg)
	if err != nil {
		return fmt.Errorf("capture: failed to create pipeline: %w", err)
	}

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return s.onNewSample(sink)
		},
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return fmt.Errorf("capture: failed to start pipeline: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.pipeline = pipeline
	s.cancel = cancel
	s.started = time.Now()
	s.restarts.Add(1)

	device, started := s.cfg.Device, s.started
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.monitor(runCtx, pipeline, device, started); err != nil {
			s.conn(camlink.Disconnected)
		}
	}()

	slog.Info("capture: gstreamer pipeline started",
		"device", s.cfg.Device,
		"caps", buildCaps(s.cfg),
	)
	return nil
}

// Stop sets the pipeline to NULL and waits for the bus monitor.
//
// Idempotent - safe to call multiple times.
func (s *GstSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()

	// NULL blocks until streaming threads have left the appsink callback.
	var stopErr error
	if err := s.pipeline.SetState(gst.StateNull); err != nil {
		stopErr = fmt.Errorf("capture: failed to set pipeline to NULL: %w", err)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		slog.Warn("capture: stop timeout exceeded, bus monitor may still be running")
	}

	s.conn(camlink.Disconnected)

	slog.Debug("capture: gstreamer pipeline stopped",
		"device", s.cfg.Device,
		"uptime", time.Since(s.started),
		"frames_read", s.frames.Load(),
	)

	s.pipeline = nil
	s.cancel = nil
	return stopErr
}

// Stats returns capture statistics
func (s *GstSource) Stats() Stats {
	s.mu.Lock()
	device, running := s.cfg.Device, s.cancel != nil
	s.mu.Unlock()
	return s.stats(BackendGStreamer, device, running)
}

// onNewSample maps the sample buffer and delivers it to the frame callback
func (s *GstSource) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		// skip, a single bad sample must not end the stream
		slog.Warn("capture: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("capture: failed to get buffer from sample, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	defer buffer.Unmap()

	s.frame(mapInfo.Bytes())
	return gst.FlowOK
}

// monitor polls the pipeline bus until ctx is cancelled or the pipeline fails
func (s *GstSource) monitor(ctx context.Context, pipeline *gst.Pipeline, device string, started time.Time) error {
	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Short timeout for responsive shutdown
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Warn("capture: end of stream", "device", device)
			return fmt.Errorf("end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyError(gerr.Error(), gerr.DebugString())
			s.countError(category)

			slog.Error("capture: pipeline error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"device", device,
				"uptime", time.Since(started),
			)
			return fmt.Errorf("pipeline error [%s]: %s", category.String(), gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			old, new := msg.ParseStateChanged()
			slog.Debug("capture: pipeline state changed", "from", old, "to", new)
			if new == gst.StatePlaying {
				s.conn(camlink.Connected)
			}
		}
	}
}

var _ Source = (*GstSource)(nil)
