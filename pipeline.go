package camlink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/camlink/internal/retry"
)

// Config contains configuration for a Pipeline
type Config struct {
	// QueueDepth is the number of frame buffers (default: 1)
	QueueDepth int
	// CaptureInterval is the minimum spacing between captured frames (default: 10s)
	CaptureInterval time.Duration
	// PacketInterval is the pause after each data packet (default: 5ms)
	PacketInterval time.Duration
	// InitialCamera is routed at start (default: Camera1)
	InitialCamera CameraSelector
	// Switch configures the handoff controller
	Switch SwitchConfig
}

// DefaultConfig returns the reference board configuration
func DefaultConfig() Config {
	return Config{
		QueueDepth:      1,
		CaptureInterval: DefaultCaptureInterval,
		PacketInterval:  DefaultPacketInterval,
		InitialCamera:   Camera1,
		Switch: SwitchConfig{
			HandoffTimeout: DefaultHandoffTimeout,
			MuxSettle:      DefaultMuxSettle,
			ConnectTimeout: DefaultConnectTimeout,
			PowerSettle:    DefaultPowerSettle,
			EnableSettle:   DefaultEnableSettle,
			Pins:           DefaultPinMap(),
			Retry:          retry.DefaultConfig(),
			Capture:        CaptureConfig{FPS: 15, Buffers: 2},
		},
	}
}

// counters holds atomic statistics shared by the pipeline workers
type counters struct {
	framesSeen      atomic.Uint64
	framesCaptured  atomic.Uint64
	framesDropped   atomic.Uint64
	framesTruncated atomic.Uint64

	framesSent    atomic.Uint64
	partialFrames atomic.Uint64
	packetsSent   atomic.Uint64
	sendErrors    atomic.Uint64

	handoffs        atomic.Uint64
	handoffTimeouts atomic.Uint64
	handoffFailures atomic.Uint64
	hardwareRetries uint32 // atomic, shared with retry.State
	captureLost     atomic.Uint64
}

// Pipeline streams frames from two multiplexed cameras, alternating between
// them after every transmitted frame.
//
// Lifecycle: New -> OnEvent (optional) -> Start -> Stop. Stop is idempotent
// and a stopped pipeline may be started again.
type Pipeline struct {
	// Configuration
	cfg Config

	// Collaborators
	io        IOExpander
	src       CaptureSource
	transport Transport

	// Shared state
	state    *State
	counters counters
	onEvent  EventFunc

	// Workers (rebuilt on every Start)
	switcher *SwitchController
	frames   chan *FrameDescriptor
	free     chan []byte

	// Lifecycle
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started time.Time

	now func() time.Time
}

// New creates a pipeline with fail-fast validation.
//
// Zero durations and counts in cfg are replaced by DefaultConfig values.
// Negative values, an invalid initial camera or nil collaborators are errors.
func New(cfg Config, io IOExpander, src CaptureSource, transport Transport) (*Pipeline, error) {
	if io == nil || src == nil || transport == nil {
		return nil, fmt.Errorf("camlink: io expander, capture source and transport are required")
	}

	cfg, err := withDefaults(cfg)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:       cfg,
		io:        io,
		src:       src,
		transport: transport,
		state:     newState(cfg.InitialCamera, cfg.CaptureInterval),
		now:       time.Now,
	}

	slog.Info("camlink: pipeline created",
		"initial_camera", cfg.InitialCamera.String(),
		"capture_interval", cfg.CaptureInterval,
		"packet_interval", cfg.PacketInterval,
		"queue_depth", cfg.QueueDepth,
		"handoff_timeout", cfg.Switch.HandoffTimeout,
	)

	return p, nil
}

func withDefaults(cfg Config) (Config, error) {
	def := DefaultConfig()

	if cfg.QueueDepth < 0 {
		return cfg, fmt.Errorf("camlink: invalid queue depth %d", cfg.QueueDepth)
	}
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.InitialCamera == 0 {
		cfg.InitialCamera = def.InitialCamera
	}
	if !cfg.InitialCamera.Valid() {
		return cfg, fmt.Errorf("camlink: invalid initial camera %d", cfg.InitialCamera)
	}

	durations := []struct {
		name string
		v    *time.Duration
		def  time.Duration
	}{
		{"capture interval", &cfg.CaptureInterval, def.CaptureInterval},
		{"packet interval", &cfg.PacketInterval, def.PacketInterval},
		{"handoff timeout", &cfg.Switch.HandoffTimeout, def.Switch.HandoffTimeout},
		{"mux settle", &cfg.Switch.MuxSettle, def.Switch.MuxSettle},
		{"connect timeout", &cfg.Switch.ConnectTimeout, def.Switch.ConnectTimeout},
		{"power settle", &cfg.Switch.PowerSettle, def.Switch.PowerSettle},
		{"enable settle", &cfg.Switch.EnableSettle, def.Switch.EnableSettle},
		{"retry backoff", &cfg.Switch.Retry.Backoff, def.Switch.Retry.Backoff},
	}
	for _, d := range durations {
		if *d.v < 0 {
			return cfg, fmt.Errorf("camlink: invalid %s %v", d.name, *d.v)
		}
		if *d.v == 0 {
			*d.v = d.def
		}
	}

	if cfg.Switch.Retry.MaxAttempts <= 0 {
		cfg.Switch.Retry.MaxAttempts = def.Switch.Retry.MaxAttempts
	}
	if cfg.Switch.Pins == (PinMap{}) {
		cfg.Switch.Pins = def.Switch.Pins
	}
	if cfg.Switch.Capture.FPS == 0 {
		cfg.Switch.Capture.FPS = def.Switch.Capture.FPS
	}
	if cfg.Switch.Capture.Buffers == 0 {
		cfg.Switch.Capture.Buffers = def.Switch.Capture.Buffers
	}
	return cfg, nil
}

// OnEvent registers fn for pipeline events. Must be called before Start.
func (p *Pipeline) OnEvent(fn EventFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvent = fn
}

func (p *Pipeline) emit(ev Event) {
	if p.onEvent != nil {
		p.onEvent(ev)
	}
}

// State returns the shared pipeline state
func (p *Pipeline) State() *State {
	return p.state
}

// Start powers the board, routes the initial camera and starts capture.
//
// This method:
//  1. Allocates QueueDepth frame buffers
//  2. Registers ingest and connection callbacks on the capture source
//  3. Launches the sender goroutine
//  4. Runs the power-up sequence and starts capture (bounded retries)
//
// Start returns once the initial camera reported Connected. On failure
// everything started so far is torn down.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return ErrAlreadyStarted
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = time.Now()

	p.free = make(chan []byte, p.cfg.QueueDepth)
	for i := 0; i < p.cfg.QueueDepth; i++ {
		p.free <- make([]byte, Capacity)
	}
	p.frames = make(chan *FrameDescriptor, p.cfg.QueueDepth)

	p.switcher = newSwitchController(p.ctx, p.cfg.Switch, p.io, p.src, p.state, &p.counters, p.emit)

	// Capture ctx locally to avoid nil dereference during shutdown
	localCtx := p.ctx
	switcher := p.switcher
	in := &ingest{
		state:    p.state,
		free:     p.free,
		frames:   p.frames,
		counters: &p.counters,
		now:      p.now,
		emit:     p.emit,
		handoff: func(fd *FrameDescriptor, done <-chan SendResult) {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				switcher.handoff(localCtx, fd.TraceID, done)
			}()
		},
	}

	p.src.OnFrame(in.handleFrame)
	p.src.OnConnState(p.switcher.handleConnState)

	snd := newSender(p.transport, p.frames, p.free, p.cfg.PacketInterval, &p.counters, p.emit)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		snd.run(localCtx)
	}()

	initial := p.state.Current()
	p.state.setCameraReady(false)
	p.state.setPending(initial)
	p.state.setPhase(PhaseSwitching)

	slog.Info("camlink: starting pipeline", "camera", initial.String())

	if err := p.switcher.bringUp(p.ctx, initial); err != nil {
		p.state.setPhase(PhaseError)
		p.shutdown()
		return fmt.Errorf("camlink: bring-up failed: %w", err)
	}

	slog.Info("camlink: pipeline started",
		"camera", p.state.Current().String(),
		"capture_interval", p.state.CaptureInterval(),
	)
	return nil
}

// Stop shuts the pipeline down.
//
// This method:
//  1. Stops the capture source so no more frames arrive
//  2. Cancels the sender and any handoff in progress
//  3. Waits for goroutines to finish (timeout 3s)
//  4. Releases frame buffers
//
// Idempotent - safe to call multiple times.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		slog.Debug("camlink: pipeline not started, nothing to stop")
		return nil
	}

	slog.Info("camlink: stopping pipeline")
	p.shutdown()

	stats := p.Stats()
	slog.Info("camlink: pipeline stopped",
		"frames_captured", stats.FramesCaptured,
		"frames_sent", stats.FramesSent,
		"handoffs", stats.Handoffs,
		"uptime", time.Since(p.started),
	)
	return nil
}

// shutdown tears down everything Start created. Caller holds p.mu.
func (p *Pipeline) shutdown() {
	p.switcher.stop()
	if err := p.src.Stop(); err != nil {
		slog.Error("camlink: failed to stop capture", "error", err)
	}

	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Debug("camlink: goroutines stopped cleanly")
	case <-time.After(3 * time.Second):
		slog.Warn("camlink: stop timeout exceeded, some goroutines may still be running")
	}

	// A handoff may have restarted capture before it observed cancellation.
	if err := p.src.Stop(); err != nil {
		slog.Error("camlink: failed to stop capture", "error", err)
	}

	p.state.setCameraReady(false)
	p.free = nil
	p.frames = nil
	p.switcher = nil
	p.cancel = nil
	p.ctx = nil
}

// Recover leaves PhaseError by re-running the bring-up on the current camera.
//
// Returns ErrNotStarted if the pipeline is not running and
// ErrNotInErrorState unless the pipeline is in PhaseError.
func (p *Pipeline) Recover(ctx context.Context) error {
	p.mu.Lock()
	switcher := p.switcher
	runCtx := p.ctx
	if switcher != nil {
		p.wg.Add(1)
	}
	p.mu.Unlock()

	if switcher == nil {
		return ErrNotStarted
	}
	defer p.wg.Done()

	// Bring-up must stop with the pipeline, not only with the caller.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	return switcher.Recover(ctx)
}

// SetCaptureInterval changes the capture interval without restarting.
func (p *Pipeline) SetCaptureInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("camlink: invalid capture interval %v", d)
	}
	old := p.state.CaptureInterval()
	p.state.setCaptureInterval(d)
	slog.Info("camlink: capture interval updated", "old", old, "new", d)
	return nil
}

// Stats returns current pipeline statistics.
//
// Thread-safe - uses atomic operations only, never blocks on Start or Stop.
func (p *Pipeline) Stats() Stats {
	c := &p.counters
	return Stats{
		Phase:             p.state.Phase().String(),
		Camera:            p.state.Current().String(),
		CameraReady:       p.state.CameraReady(),
		CaptureIntervalMS: p.state.CaptureInterval().Milliseconds(),
		LastCapture:       p.state.LastCapture(),
		FramesSeen:        c.framesSeen.Load(),
		FramesCaptured:    c.framesCaptured.Load(),
		FramesDropped:     c.framesDropped.Load(),
		FramesTruncated:   c.framesTruncated.Load(),
		FramesSent:        c.framesSent.Load(),
		PartialFrames:     c.partialFrames.Load(),
		PacketsSent:       c.packetsSent.Load(),
		SendErrors:        c.sendErrors.Load(),
		Handoffs:          c.handoffs.Load(),
		HandoffTimeouts:   c.handoffTimeouts.Load(),
		HandoffFailures:   c.handoffFailures.Load(),
		HardwareRetries:   atomic.LoadUint32(&c.hardwareRetries),
		CaptureLost:       c.captureLost.Load(),
	}
}
