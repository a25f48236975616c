// Package capture provides MJPEG capture sources for the camlink pipeline.
//
// Two backends are available:
//
//   - GstSource: GStreamer v4l2src into an appsink (go-gst)
//   - V4L2Source: direct V4L2 MMAP streaming (go4vl, Linux only)
//
// Both deliver compressed frames unchanged; frames are never decoded.
package capture

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/camlink"
)

// Backend names accepted by New
const (
	BackendGStreamer = "gstreamer"
	BackendV4L2      = "v4l2"
)

// Source is a camlink.CaptureSource with statistics
type Source interface {
	camlink.CaptureSource
	Stats() Stats
}

// New returns the capture source for backend
func New(backend string) (Source, error) {
	switch backend {
	case "", BackendGStreamer:
		return NewGstSource(), nil
	case BackendV4L2:
		return newV4L2Source()
	default:
		return nil, fmt.Errorf("capture: unknown backend %q", backend)
	}
}

// Stats contains capture statistics
type Stats struct {
	Backend       string    `json:"backend"`
	Device        string    `json:"device"`
	Running       bool      `json:"running"`
	FramesRead    uint64    `json:"frames_read"`
	BytesRead     uint64    `json:"bytes_read"`
	EmptyBuffers  uint64    `json:"empty_buffers"`
	Restarts      uint64    `json:"restarts"`
	ErrorsDevice  uint64    `json:"errors_device"`
	ErrorsCodec   uint64    `json:"errors_codec"`
	ErrorsPerm    uint64    `json:"errors_permission"`
	ErrorsUnknown uint64    `json:"errors_unknown"`
	LastFrameAt   time.Time `json:"last_frame_at"`
}

// callbacks holds the registered handlers and shared counters of a source
type callbacks struct {
	cbMu    sync.RWMutex
	onFrame camlink.FrameFunc
	onConn  camlink.ConnStateFunc

	frames      atomic.Uint64
	bytes       atomic.Uint64
	empty       atomic.Uint64
	restarts    atomic.Uint64
	errs        [4]atomic.Uint64 // indexed by ErrorCategory
	lastFrameAt atomic.Int64
	connected   atomic.Bool
}

func (c *callbacks) OnFrame(fn camlink.FrameFunc) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onFrame = fn
}

func (c *callbacks) OnConnState(fn camlink.ConnStateFunc) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.onConn = fn
}

// frame delivers data to the frame callback and updates counters
func (c *callbacks) frame(data []byte) {
	if len(data) == 0 {
		c.empty.Add(1)
		return
	}
	c.frames.Add(1)
	c.bytes.Add(uint64(len(data)))
	c.lastFrameAt.Store(time.Now().UnixNano())

	c.cbMu.RLock()
	fn := c.onFrame
	c.cbMu.RUnlock()
	if fn != nil {
		fn(data)
	}
}

// conn reports a connection change once per transition
func (c *callbacks) conn(s camlink.ConnState) {
	if !c.connected.CompareAndSwap(s != camlink.Connected, s == camlink.Connected) {
		return
	}
	c.cbMu.RLock()
	fn := c.onConn
	c.cbMu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

func (c *callbacks) countError(cat ErrorCategory) {
	if int(cat) < len(c.errs) {
		c.errs[cat].Add(1)
	}
}

func (c *callbacks) stats(backend, device string, running bool) Stats {
	var last time.Time
	if ns := c.lastFrameAt.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Backend:       backend,
		Device:        device,
		Running:       running,
		FramesRead:    c.frames.Load(),
		BytesRead:     c.bytes.Load(),
		EmptyBuffers:  c.empty.Load(),
		Restarts:      c.restarts.Load(),
		ErrorsDevice:  c.errs[ErrCategoryDevice].Load(),
		ErrorsCodec:   c.errs[ErrCategoryCodec].Load(),
		ErrorsPerm:    c.errs[ErrCategoryPermission].Load(),
		ErrorsUnknown: c.errs[ErrCategoryUnknown].Load(),
		LastFrameAt:   last,
	}
}

// withDefaults fills unset capture parameters
func withDefaults(cfg camlink.CaptureConfig) camlink.CaptureConfig {
	if cfg.Device == "" {
		cfg.Device = "/dev/video0"
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 15
	}
	if cfg.Buffers <= 0 {
		cfg.Buffers = 2
	}
	return cfg
}

// validate rejects parameters no backend can honour
func validate(cfg camlink.CaptureConfig) error {
	if cfg.Width < 0 || cfg.Height < 0 {
		return fmt.Errorf("capture: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if (cfg.Width == 0) != (cfg.Height == 0) {
		return fmt.Errorf("capture: width and height must be set together")
	}
	if cfg.FPS < 0 || cfg.Buffers < 0 {
		return fmt.Errorf("capture: invalid fps %d or buffers %d", cfg.FPS, cfg.Buffers)
	}
	return nil
}
