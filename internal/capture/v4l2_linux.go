//go:build linux

package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"

	"github.com/e7canasta/camlink"
)

// V4L2Source captures MJPEG directly from a V4L2 device using MMAP streaming.
//
// Connected is reported with the first frame after Start, so a camera that
// enumerates but never streams is not considered connected.
type V4L2Source struct {
	callbacks

	mu      sync.Mutex
	cfg     camlink.CaptureConfig
	dev     *device.Device
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

// NewV4L2Source creates a V4L2 capture source with default parameters
func NewV4L2Source() *V4L2Source {
	return &V4L2Source{cfg: withDefaults(camlink.CaptureConfig{})}
}

func newV4L2Source() (Source, error) {
	return NewV4L2Source(), nil
}

// Configure sets the parameters used by the next Start
func (s *V4L2Source) Configure(cfg camlink.CaptureConfig) error {
	if err := validate(cfg); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = withDefaults(cfg)
	return nil
}

// Start opens the device and begins streaming
func (s *V4L2Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return fmt.Errorf("capture: v4l2 source already started")
	}

	cfg := s.cfg
	opts := []device.Option{
		device.WithIOType(v4l2.IOTypeMMAP),
		device.WithBufferSize(uint32(cfg.Buffers)),
		device.WithFPS(uint32(cfg.FPS)),
	}
	if cfg.Width > 0 && cfg.Height > 0 {
		opts = append(opts, device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: v4l2.PixelFmtMJPEG,
			Width:       uint32(cfg.Width),
			Height:      uint32(cfg.Height),
			Field:       v4l2.FieldNone,
		}))
	}

	dev, err := device.Open(cfg.Device, opts...)
	if err != nil {
		category := ClassifyError(err.Error(), "")
		s.countError(category)
		return fmt.Errorf("capture: open %s [%s]: %w", cfg.Device, category, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := dev.Start(runCtx); err != nil {
		cancel()
		dev.Close()
		category := ClassifyError(err.Error(), "")
		s.countError(category)
		return fmt.Errorf("capture: stream on %s [%s]: %w", cfg.Device, category, err)
	}

	s.dev = dev
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = time.Now()
	s.restarts.Add(1)

	go s.read(runCtx, dev.GetOutput(), s.done)

	slog.Info("capture: v4l2 streaming started",
		"device", cfg.Device,
		"fps", cfg.FPS,
		"buffers", cfg.Buffers,
	)
	return nil
}

// read forwards frames until ctx is cancelled or the device closes the stream
func (s *V4L2Source) read(ctx context.Context, frames <-chan []byte, done chan<- struct{}) {
	defer close(done)

	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-frames:
			if !ok {
				s.countError(ErrCategoryDevice)
				slog.Warn("capture: v4l2 stream ended")
				s.conn(camlink.Disconnected)
				return
			}
			if first && len(data) > 0 {
				first = false
				s.conn(camlink.Connected)
			}
			s.frame(data)
		}
	}
}

// Stop ends streaming and closes the device.
//
// Idempotent - safe to call multiple times.
func (s *V4L2Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()

	select {
	case <-s.done:
	case <-time.After(3 * time.Second):
		slog.Warn("capture: stop timeout exceeded, v4l2 reader may still be running")
	}

	var stopErr error
	if err := s.dev.Close(); err != nil {
		stopErr = fmt.Errorf("capture: close %s: %w", s.cfg.Device, err)
	}

	s.conn(camlink.Disconnected)

	slog.Debug("capture: v4l2 streaming stopped",
		"device", s.cfg.Device,
		"uptime", time.Since(s.started),
		"frames_read", s.frames.Load(),
	)

	s.dev = nil
	s.cancel = nil
	s.done = nil
	return stopErr
}

// Stats returns capture statistics
func (s *V4L2Source) Stats() Stats {
	s.mu.Lock()
	path, running := s.cfg.Device, s.cancel != nil
	s.mu.Unlock()
	return s.stats(BackendV4L2, path, running)
}

var _ Source = (*V4L2Source)(nil)
