// Package daemon wires configuration, hardware, the camlink pipeline and the
// operational surfaces (MQTT telemetry, HTTP health, config hot-reload) into
// one long-running service.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/camlink"
	"github.com/e7canasta/camlink/internal/capture"
	"github.com/e7canasta/camlink/internal/config"
	"github.com/e7canasta/camlink/internal/health"
	"github.com/e7canasta/camlink/internal/telemetry"
	"github.com/e7canasta/camlink/internal/transport"
	"github.com/e7canasta/camlink/internal/xl9535"
)

// statusInterval is the period of the stats log line and the MQTT health publish
const statusInterval = 10 * time.Second

// hardware opens the board collaborators. Replaced in tests.
type hardware struct {
	openExpander func(cfg *config.Config) (camlink.IOExpander, io.Closer, error)
	openSource   func(cfg *config.Config) (capture.Source, error)
	transport    func(cfg *config.Config) camlink.Transport
}

func boardHardware() hardware {
	return hardware{
		openExpander: func(cfg *config.Config) (camlink.IOExpander, io.Closer, error) {
			return xl9535.Open(cfg.Expander.Bus, cfg.Expander.Address)
		},
		openSource: func(cfg *config.Config) (capture.Source, error) {
			return capture.New(cfg.Capture.Backend)
		},
		transport: func(cfg *config.Config) camlink.Transport {
			return transport.NewUDP(cfg.DestinationAddr())
		},
	}
}

// Option overrides a loaded configuration value, typically from a flag.
// Options are re-applied to every hot-reloaded configuration.
type Option func(cfg *config.Config)

// WithBackend selects the capture backend. Empty keeps the configured one.
func WithBackend(backend string) Option {
	return func(cfg *config.Config) {
		if backend != "" {
			cfg.Capture.Backend = backend
		}
	}
}

// WithDevice selects the capture device node. Empty keeps the configured one.
func WithDevice(device string) Option {
	return func(cfg *config.Config) {
		if device != "" {
			cfg.Capture.Device = device
		}
	}
}

// Daemon is the main camlink service
type Daemon struct {
	cfgPath string
	cfg     *config.Config
	opts    []Option
	hw      hardware

	pipeline *camlink.Pipeline
	source   capture.Source
	expander io.Closer
	emitter  *telemetry.Emitter
	control  *telemetry.Handler

	mu        sync.RWMutex
	isRunning bool
	started   time.Time
	cancelCtx context.CancelFunc
	wg        sync.WaitGroup
}

// LoadConfig loads .env and the configuration file, then applies opts and
// validates the result.
func LoadConfig(cfgPath string, opts ...Option) (*config.Config, error) {
	if err := config.LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyOptions(cfg, opts); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOptions(cfg *config.Config, opts []Option) error {
	if len(opts) == 0 {
		return nil
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid override: %w", err)
	}
	return nil
}

// NewDaemon loads the configuration and creates the service. Hardware is
// not touched until Run.
func NewDaemon(cfgPath string, opts ...Option) (*Daemon, error) {
	cfg, err := LoadConfig(cfgPath, opts...)
	if err != nil {
		return nil, err
	}

	slog.Info("camlink configuration loaded",
		"instance_id", cfg.InstanceID,
		"destination", cfg.DestinationAddr(),
		"backend", cfg.Capture.Backend,
		"device", cfg.Capture.Device,
		"capture_interval", cfg.CaptureInterval(),
		"mqtt", cfg.MQTT.Enabled,
	)

	d := newDaemon(cfgPath, cfg, boardHardware())
	d.opts = opts
	return d, nil
}

func newDaemon(cfgPath string, cfg *config.Config, hw hardware) *Daemon {
	return &Daemon{cfgPath: cfgPath, cfg: cfg, hw: hw}
}

// Config returns the resolved configuration
func (d *Daemon) Config() *config.Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

// Run opens the hardware, starts the pipeline and blocks until ctx is
// cancelled or a shutdown command arrives. Call Shutdown afterwards.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.isRunning {
		d.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	d.isRunning = true
	d.started = time.Now()
	ctx, cancel := context.WithCancel(ctx)
	d.cancelCtx = cancel
	d.mu.Unlock()
	defer cancel()

	slog.Info("camlink service starting", "instance_id", d.cfg.InstanceID)

	expander, closer, err := d.hw.openExpander(d.cfg)
	if err != nil {
		return fmt.Errorf("failed to open io expander: %w", err)
	}
	src, err := d.hw.openSource(d.cfg)
	if err != nil {
		closer.Close()
		return fmt.Errorf("failed to create capture source: %w", err)
	}

	p, err := camlink.New(d.cfg.PipelineConfig(), expander, src, d.hw.transport(d.cfg))
	if err != nil {
		closer.Close()
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	d.mu.Lock()
	d.expander = closer
	d.source = src
	d.pipeline = p
	d.mu.Unlock()

	if d.cfg.MQTT.Enabled {
		if err := d.startTelemetry(ctx); err != nil {
			return err
		}
	}
	p.OnEvent(d.handleEvent)

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	if d.cfg.Health.Enabled {
		srv := health.New(d.cfg.Health.Addr, health.Deps{
			Stats:   p.Stats,
			Extra:   d.extraStats,
			Recover: p.Recover,
		})
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := srv.Start(ctx); err != nil {
				slog.Error("health server failed", "error", err)
			}
		}()
	}

	if d.cfgPath != "" {
		w, err := config.NewWatcher(d.cfgPath, d.applyConfig)
		if err != nil {
			slog.Warn("config hot-reload disabled", "error", err)
		} else {
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				w.Run(ctx)
			}()
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.reportStatus(ctx, statusInterval)
	}()

	slog.Info("camlink service running",
		"camera", p.State().Current().String(),
		"destination", d.cfg.DestinationAddr(),
	)

	<-ctx.Done()

	slog.Info("camlink service run loop exiting")
	return nil
}

// startTelemetry connects the emitter and subscribes the control plane
func (d *Daemon) startTelemetry(ctx context.Context) error {
	em := telemetry.NewEmitter(d.cfg)
	if err := em.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect mqtt: %w", err)
	}

	d.mu.Lock()
	d.emitter = em
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		em.Run(ctx)
	}()

	h := telemetry.NewHandler(d.cfg, em.Client(), telemetry.Callbacks{
		OnGetStatus:          func() interface{} { return d.GetStatus() },
		OnRecover:            d.recoverPipeline,
		OnSetCaptureInterval: d.setCaptureInterval,
		OnShutdown:           d.shutdownViaControl,
	})
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control plane: %w", err)
	}

	d.mu.Lock()
	d.control = h
	d.mu.Unlock()
	return nil
}

// handleEvent runs on pipeline goroutines and must not block
func (d *Daemon) handleEvent(ev camlink.Event) {
	slog.Debug("camlink event", "type", ev.Type, "camera", ev.Camera, "trace_id", ev.TraceID)

	d.mu.RLock()
	em := d.emitter
	d.mu.RUnlock()
	if em != nil {
		em.Handle(ev)
	}
}

// reportStatus logs pipeline statistics and publishes them on the health topic
func (d *Daemon) reportStatus(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.RLock()
			p, em := d.pipeline, d.emitter
			d.mu.RUnlock()
			if p == nil {
				continue
			}

			st := p.Stats()
			slog.Info("camlink stats",
				"phase", st.Phase,
				"camera", st.Camera,
				"frames_captured", st.FramesCaptured,
				"frames_sent", st.FramesSent,
				"frames_dropped", st.FramesDropped,
				"partial_frames", st.PartialFrames,
				"handoffs", st.Handoffs,
			)
			if em != nil {
				if err := em.PublishHealth(d.GetStatus()); err != nil {
					slog.Debug("health not published", "error", err)
				}
			}
		}
	}
}

// applyConfig hot-applies a reloaded configuration. Only the capture
// interval is runtime-tunable; other changes are reported and need a restart.
func (d *Daemon) applyConfig(next *config.Config) {
	if err := applyOptions(next, d.opts); err != nil {
		slog.Error("reloaded config rejected", "error", err)
		return
	}

	d.mu.RLock()
	prev := d.cfg
	p := d.pipeline
	d.mu.RUnlock()

	if p != nil && next.CaptureInterval() > 0 && next.CaptureInterval() != p.State().CaptureInterval() {
		if err := p.SetCaptureInterval(next.CaptureInterval()); err != nil {
			slog.Error("failed to apply capture interval", "error", err)
		}
	}

	if next.DestinationAddr() != prev.DestinationAddr() ||
		next.Capture != prev.Capture ||
		next.Expander != prev.Expander ||
		next.Switch.Pins != prev.Switch.Pins {
		slog.Warn("config change requires restart to take effect",
			"config", d.cfgPath,
		)
	}
}

func (d *Daemon) recoverPipeline(ctx context.Context) error {
	d.mu.RLock()
	p := d.pipeline
	d.mu.RUnlock()
	if p == nil {
		return camlink.ErrNotStarted
	}
	return p.Recover(ctx)
}

func (d *Daemon) setCaptureInterval(interval time.Duration) error {
	d.mu.RLock()
	p := d.pipeline
	d.mu.RUnlock()
	if p == nil {
		return camlink.ErrNotStarted
	}
	return p.SetCaptureInterval(interval)
}

// shutdownViaControl cancels the Run context; main performs the shutdown
func (d *Daemon) shutdownViaControl() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.isRunning {
		return fmt.Errorf("service not running")
	}
	if d.cancelCtx == nil {
		return fmt.Errorf("shutdown not available (no cancel context)")
	}
	d.cancelCtx()
	return nil
}

// extraStats adds capture and MQTT sections to the health /stats endpoint
func (d *Daemon) extraStats() map[string]any {
	d.mu.RLock()
	src, em := d.source, d.emitter
	d.mu.RUnlock()

	extra := map[string]any{}
	if src != nil {
		extra["capture"] = src.Stats()
	}
	if em != nil {
		extra["mqtt"] = em.Stats()
	}
	return extra
}

// GetStatus returns the current status of the service
func (d *Daemon) GetStatus() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := map[string]interface{}{
		"instance_id": d.cfg.InstanceID,
		"destination": d.cfg.DestinationAddr(),
		"uptime_s":    time.Since(d.started).Seconds(),
		"running":     d.isRunning,
	}
	if d.pipeline != nil {
		status["pipeline"] = d.pipeline.Stats()
	}
	if d.source != nil {
		status["capture"] = d.source.Stats()
	}
	return status
}

// Shutdown performs graceful shutdown of all components
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.isRunning {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancelCtx
	control, p, em, expander := d.control, d.pipeline, d.emitter, d.expander
	d.mu.Unlock()

	slog.Info("shutting down camlink service")

	// 1. Stop accepting commands
	if control != nil {
		control.Stop()
	}

	// 2. Stop capture and the sender, release the mux
	if p != nil {
		if err := p.Stop(); err != nil {
			slog.Error("failed to stop pipeline", "error", err)
		}
	}

	// 3. Stop background goroutines (without holding the lock)
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("all goroutines finished")
	case <-ctx.Done():
		slog.Warn("shutdown deadline exceeded, some goroutines may still be running")
	}

	// 4. Disconnect MQTT
	if em != nil {
		em.Disconnect()
	}

	// 5. Release the I2C bus
	if expander != nil {
		if err := expander.Close(); err != nil {
			slog.Error("failed to close io expander", "error", err)
		}
	}

	d.mu.Lock()
	uptime := time.Since(d.started)
	d.isRunning = false
	d.pipeline = nil
	d.source = nil
	d.expander = nil
	d.emitter = nil
	d.control = nil
	d.mu.Unlock()

	slog.Info("camlink service shutdown complete", "uptime", uptime)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (d *Daemon) ShutdownTimeout() time.Duration {
	return d.cfg.ShutdownTimeout()
}
