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

// PinMap assigns the mux control lines to expander pins
type PinMap struct {
	OutputEnable Pin `yaml:"output_enable"`
	Select       Pin `yaml:"select"`
	DCEnable     Pin `yaml:"dc_enable"`
}

// DefaultPinMap matches the reference board (P00 enable, P01 select, P02 DC)
func DefaultPinMap() PinMap {
	return PinMap{OutputEnable: 0, Select: 1, DCEnable: 2}
}

// SwitchConfig contains timing and wiring for the switch controller
type SwitchConfig struct {
	// HandoffTimeout bounds the wait for the sender to finish a frame
	HandoffTimeout time.Duration
	// MuxSettle is the pause between moving the select line and enabling the mux
	MuxSettle time.Duration
	// ConnectTimeout bounds the wait for the capture device after a restart
	ConnectTimeout time.Duration
	// PowerSettle is the pause after each power-up step
	PowerSettle time.Duration
	// EnableSettle is the pause after the mux is first enabled
	EnableSettle time.Duration
	// OutputEnableActiveLow inverts the output-enable line
	OutputEnableActiveLow bool
	// Pins maps control lines to expander pins
	Pins PinMap
	// Retry bounds bring-up attempts
	Retry retry.Config
	// Capture is applied before every capture start
	Capture CaptureConfig
}

// SwitchController runs the camera handoff state machine:
//
//	Streaming(cam) --frame queued--> Switching --connect--> Streaming(other)
//	                                          \--timeout/failure--> Error
//	Streaming --capture lost--> Error
//	Error --Recover--> Switching
//
// Thread-safety: hardware sequences are serialized by an internal mutex.
// Connection callbacks may arrive from any goroutine. The callback only
// signals a waiting attempt; the attempt itself commits the new camera.
type SwitchController struct {
	cfg      SwitchConfig
	io       IOExpander
	src      CaptureSource
	state    *State
	counters *counters
	emit     EventFunc

	// runCtx lives until the pipeline stops. Capture is always started on
	// it, never on the context of the operation that restarted it.
	runCtx context.Context

	retryState retry.State
	mu         sync.Mutex
	armed      atomic.Bool // a switch attempt is waiting for Connected
	stopping   atomic.Bool // capture is being stopped for shutdown
	connected  chan struct{}
}

func newSwitchController(runCtx context.Context, cfg SwitchConfig, io IOExpander, src CaptureSource, state *State, c *counters, emit EventFunc) *SwitchController {
	return &SwitchController{
		runCtx:     runCtx,
		cfg:        cfg,
		io:         io,
		src:        src,
		state:      state,
		counters:   c,
		emit:       emit,
		retryState: retry.State{Attempts: &c.hardwareRetries},
		connected:  make(chan struct{}, 1),
	}
}

// handoff waits for the in-flight frame and then moves the mux to the
// pending camera. It runs on its own goroutine, one per queued frame.
func (c *SwitchController) handoff(ctx context.Context, traceID string, done <-chan SendResult) {
	timer := time.NewTimer(c.cfg.HandoffTimeout)
	defer timer.Stop()

	select {
	case res := <-done:
		if res.Partial() {
			slog.Warn("switch: frame sent incomplete, switching anyway",
				"fragments", res.Fragments,
				"error", res.Err,
				"trace_id", traceID,
			)
		}
	case <-timer.C:
		c.state.setPhase(PhaseError)
		c.counters.handoffTimeouts.Add(1)
		slog.Error("switch: send did not complete, entering error state",
			"timeout", c.cfg.HandoffTimeout,
			"camera", c.state.Current().String(),
			"trace_id", traceID,
		)
		c.emit(Event{
			Type:      EventHandoffTimeout,
			Camera:    c.state.Current().String(),
			TraceID:   traceID,
			Error:     ErrHandoffTimeout.Error(),
			Timestamp: time.Now(),
		})
		return
	case <-ctx.Done():
		return
	}

	from := c.state.Current()
	target := c.state.Pending()
	start := time.Now()

	if err := c.switchTo(ctx, target); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.fail("handoff", target, traceID, err)
		return
	}

	c.counters.handoffs.Add(1)
	slog.Info("switch: handoff complete",
		"from", from.String(),
		"to", target.String(),
		"duration", time.Since(start),
		"trace_id", traceID,
	)
	c.emit(Event{
		Type:      EventHandoffComplete,
		Camera:    target.String(),
		TraceID:   traceID,
		Timestamp: time.Now(),
	})
}

// bringUp powers the board and starts capture on target. Used at start and
// by Recover. The caller must have set PhaseSwitching and the pending camera.
func (c *SwitchController) bringUp(ctx context.Context, target CameraSelector) error {
	c.mu.Lock()
	err := retry.Run(ctx, "power-up", c.cfg.Retry, &c.retryState, c.powerUp)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.switchTo(ctx, target)
}

// Recover leaves PhaseError by re-running the bring-up on the current camera.
// ctx bounds the bring-up only; capture keeps running after it is done.
func (c *SwitchController) Recover(ctx context.Context) error {
	if !c.state.casPhase(PhaseError, PhaseSwitching) {
		return ErrNotInErrorState
	}
	target := c.state.Current()
	c.state.setPending(target)

	slog.Info("switch: recovering", "camera", target.String())

	if err := c.bringUp(ctx, target); err != nil {
		c.fail("recover", target, "", err)
		return fmt.Errorf("switch: recover: %w", err)
	}

	c.emit(Event{
		Type:      EventRecovered,
		Camera:    target.String(),
		Timestamp: time.Now(),
	})
	return nil
}

// fail moves to PhaseError
func (c *SwitchController) fail(op string, target CameraSelector, traceID string, err error) {
	if !c.state.casPhase(PhaseSwitching, PhaseError) {
		return
	}
	c.counters.handoffFailures.Add(1)
	slog.Error("switch: giving up, entering error state",
		"op", op,
		"target", target.String(),
		"error", err,
		"trace_id", traceID,
	)
	c.emit(Event{
		Type:      EventHandoffFailed,
		Camera:    target.String(),
		TraceID:   traceID,
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
}

// switchTo routes target and restarts capture, retrying with fixed backoff
func (c *SwitchController) switchTo(ctx context.Context, target CameraSelector) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return retry.Run(ctx, "switch", c.cfg.Retry, &c.retryState, func(ctx context.Context) error {
		return c.routeAndStart(ctx, target)
	})
}

// routeAndStart is one switch attempt.
//
// Steps:
//  1. Stop capture
//  2. Disable the mux output
//  3. Drive the select line for target
//  4. Wait MuxSettle
//  5. Enable the mux output
//  6. Configure and start capture
//  7. Wait up to ConnectTimeout for Connected
//  8. Commit target as the current camera
func (c *SwitchController) routeAndStart(ctx context.Context, target CameraSelector) error {
	select {
	case <-c.connected:
	default:
	}

	if err := c.src.Stop(); err != nil {
		return fmt.Errorf("switch: stop capture: %w", err)
	}
	if err := c.io.SetLevel(c.cfg.Pins.OutputEnable, c.oeLevel(false)); err != nil {
		return fmt.Errorf("switch: disable mux: %w", err)
	}
	if err := c.io.SetLevel(c.cfg.Pins.Select, target.SelectLevel()); err != nil {
		return fmt.Errorf("switch: select %s: %w", target, err)
	}
	if err := pause(ctx, c.cfg.MuxSettle); err != nil {
		return err
	}
	if err := c.io.SetLevel(c.cfg.Pins.OutputEnable, c.oeLevel(true)); err != nil {
		return fmt.Errorf("switch: enable mux: %w", err)
	}
	if err := c.src.Configure(c.cfg.Capture); err != nil {
		return fmt.Errorf("switch: configure capture: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	c.armed.Store(true)
	if err := c.src.Start(c.runCtx); err != nil {
		c.armed.Store(false)
		return fmt.Errorf("switch: start capture: %w", err)
	}

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-c.connected:
	case <-timer.C:
		if c.armed.CompareAndSwap(true, false) {
			return fmt.Errorf("%w after %v", ErrConnectTimeout, c.cfg.ConnectTimeout)
		}
		// Connected won the race and its signal is on the way.
		<-c.connected
	case <-ctx.Done():
		c.armed.Store(false)
		return ctx.Err()
	}

	c.commit(target)
	return nil
}

// commit makes target the streaming camera
func (c *SwitchController) commit(target CameraSelector) {
	c.state.setCurrent(target)
	if c.state.casPhase(PhaseSwitching, PhaseStreaming) {
		c.state.setCameraReady(true)
	}
}

// stop marks the controller as shutting down so the Disconnected caused by
// stopping capture is not taken for a lost camera.
func (c *SwitchController) stop() {
	c.stopping.Store(true)
}

// powerUp drives the board power sequence.
//
// Steps:
//  1. Control pins to output
//  2. Everything off, wait PowerSettle
//  3. DC enable on, wait PowerSettle
//  4. Mux enable on, wait EnableSettle
func (c *SwitchController) powerUp(ctx context.Context) error {
	pins := c.cfg.Pins
	for _, p := range []Pin{pins.OutputEnable, pins.Select, pins.DCEnable} {
		if err := c.io.SetDirection(p, Output); err != nil {
			return fmt.Errorf("switch: pin %d direction: %w", p, err)
		}
	}

	if err := c.io.SetLevel(pins.OutputEnable, c.oeLevel(false)); err != nil {
		return fmt.Errorf("switch: disable mux: %w", err)
	}
	if err := c.io.SetLevel(pins.Select, Low); err != nil {
		return fmt.Errorf("switch: reset select: %w", err)
	}
	if err := c.io.SetLevel(pins.DCEnable, Low); err != nil {
		return fmt.Errorf("switch: power off: %w", err)
	}
	if err := pause(ctx, c.cfg.PowerSettle); err != nil {
		return err
	}

	if err := c.io.SetLevel(pins.DCEnable, High); err != nil {
		return fmt.Errorf("switch: power on: %w", err)
	}
	if err := pause(ctx, c.cfg.PowerSettle); err != nil {
		return err
	}

	if err := c.io.SetLevel(pins.OutputEnable, c.oeLevel(true)); err != nil {
		return fmt.Errorf("switch: enable mux: %w", err)
	}
	if err := pause(ctx, c.cfg.EnableSettle); err != nil {
		return err
	}

	slog.Info("switch: board powered up")
	return nil
}

// handleConnState is registered as the CaptureSource connection callback
func (c *SwitchController) handleConnState(s ConnState) {
	switch s {
	case Connected:
		if c.armed.CompareAndSwap(true, false) {
			select {
			case c.connected <- struct{}{}:
			default:
			}
		} else if c.state.Phase() == PhaseStreaming {
			c.state.setCameraReady(true)
		}
		slog.Info("switch: capture connected",
			"camera", c.state.Current().String(),
			"phase", c.state.Phase().String(),
			"ready", c.state.CameraReady(),
		)
		c.emit(Event{Type: EventCameraConnect, Camera: c.state.Current().String(), Timestamp: time.Now()})

	case Disconnected:
		c.state.setCameraReady(false)
		if !c.stopping.Load() && c.state.casPhase(PhaseStreaming, PhaseError) {
			c.counters.captureLost.Add(1)
			slog.Error("switch: capture lost while streaming, entering error state",
				"camera", c.state.Current().String(),
			)
			c.emit(Event{
				Type:      EventCameraDisconnect,
				Camera:    c.state.Current().String(),
				Error:     ErrCaptureLost.Error(),
				Timestamp: time.Now(),
			})
			return
		}
		slog.Info("switch: capture disconnected", "camera", c.state.Current().String())
		c.emit(Event{Type: EventCameraDisconnect, Camera: c.state.Current().String(), Timestamp: time.Now()})
	}
}

func (c *SwitchController) oeLevel(active bool) Level {
	if active != c.cfg.OutputEnableActiveLow {
		return High
	}
	return Low
}
