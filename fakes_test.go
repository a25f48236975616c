package camlink

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// timeline records operations across fakes so tests can assert ordering.
type timeline struct {
	mu  sync.Mutex
	ops []string
}

func (tl *timeline) add(format string, args ...any) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.ops = append(tl.ops, fmt.Sprintf(format, args...))
}

func (tl *timeline) snapshot() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return append([]string(nil), tl.ops...)
}

func (tl *timeline) reset() {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.ops = nil
}

// fakeExpander records pin operations as "dir P=D" and "set P=L".
type fakeExpander struct {
	tl *timeline

	mu     sync.Mutex
	levels map[Pin]Level
	failOn int // fail the Nth SetLevel call (1-based), 0 = never
	calls  int
}

func newFakeExpander(tl *timeline) *fakeExpander {
	return &fakeExpander{tl: tl, levels: make(map[Pin]Level)}
}

func (f *fakeExpander) SetDirection(pin Pin, dir Direction) error {
	f.tl.add("dir %d=%d", pin, dir)
	return nil
}

func (f *fakeExpander) SetLevel(pin Pin, level Level) error {
	f.mu.Lock()
	f.calls++
	fail := f.failOn > 0 && f.calls == f.failOn
	if !fail {
		f.levels[pin] = level
	}
	f.mu.Unlock()

	if fail {
		f.tl.add("set %d=%d failed", pin, level)
		return errors.New("i2c nack")
	}
	f.tl.add("set %d=%d", pin, level)
	return nil
}

func (f *fakeExpander) Level(pin Pin) (Level, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.levels[pin], nil
}

// fakeSource is a CaptureSource driven by the test.
type fakeSource struct {
	tl *timeline

	mu             sync.Mutex
	onFrame        FrameFunc
	onConn         ConnStateFunc
	running        bool
	starts         int
	connectOnStart bool
	startErrs      []error // consumed one per Start
	beforeConnect  func()
	lastConfig     CaptureConfig
	lastStartCtx   context.Context
}

func newFakeSource(tl *timeline) *fakeSource {
	return &fakeSource{tl: tl, connectOnStart: true}
}

func (f *fakeSource) Configure(cfg CaptureConfig) error {
	f.mu.Lock()
	f.lastConfig = cfg
	f.mu.Unlock()
	f.tl.add("capture.configure")
	return nil
}

func (f *fakeSource) Start(ctx context.Context) error {
	f.mu.Lock()
	f.starts++
	f.lastStartCtx = ctx
	var err error
	if len(f.startErrs) > 0 {
		err, f.startErrs = f.startErrs[0], f.startErrs[1:]
	}
	if err == nil {
		f.running = true
	}
	connect := f.connectOnStart && err == nil
	onConn := f.onConn
	hook := f.beforeConnect
	f.mu.Unlock()

	if err != nil {
		f.tl.add("capture.start failed")
		return err
	}
	f.tl.add("capture.start")
	if hook != nil {
		hook()
	}
	if connect && onConn != nil {
		onConn(Connected)
	}
	return nil
}

func (f *fakeSource) Stop() error {
	f.mu.Lock()
	wasRunning := f.running
	f.running = false
	onConn := f.onConn
	f.mu.Unlock()

	f.tl.add("capture.stop")
	if wasRunning && onConn != nil {
		onConn(Disconnected)
	}
	return nil
}

func (f *fakeSource) OnFrame(fn FrameFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFrame = fn
}

func (f *fakeSource) OnConnState(fn ConnStateFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onConn = fn
}

// push delivers a frame as the capture driver would.
func (f *fakeSource) push(data []byte) {
	f.mu.Lock()
	fn := f.onFrame
	running := f.running
	f.mu.Unlock()
	if fn != nil && running {
		fn(data)
	}
}

func (f *fakeSource) connect() {
	f.mu.Lock()
	fn := f.onConn
	f.mu.Unlock()
	fn(Connected)
}

// drop reports Disconnected without a Stop, as when the device goes away.
func (f *fakeSource) drop() {
	f.mu.Lock()
	f.running = false
	fn := f.onConn
	f.mu.Unlock()
	fn(Disconnected)
}

func (f *fakeSource) startCtx() context.Context {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastStartCtx
}

func (f *fakeSource) isRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// fakeTransport records datagrams of every socket.
type fakeTransport struct {
	mu        sync.Mutex
	datagrams [][]byte
	sends     int
	failOn    int // fail the Nth Send (1-based) across all sockets, 0 = never
	openErr   error
	opens     int
	closes    int
	block     chan struct{} // if set, Send waits on it
}

type fakeSocket struct{ t *fakeTransport }

func (f *fakeTransport) Open() (Socket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeSocket{t: f}, nil
}

func (s *fakeSocket) Send(b []byte) error {
	s.t.mu.Lock()
	block := s.t.block
	s.t.mu.Unlock()
	if block != nil {
		<-block
	}

	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.sends++
	if s.t.failOn > 0 && s.t.sends == s.t.failOn {
		return errors.New("network unreachable")
	}
	s.t.datagrams = append(s.t.datagrams, append([]byte(nil), b...))
	return nil
}

func (s *fakeSocket) Close() error {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.closes++
	return nil
}

func (f *fakeTransport) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.datagrams...)
}

// eventLog collects emitted events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) emit(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) has(t EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func discardEvent(Event) {}
