// Package engine fuses radar trajectory and wireless identity into the
// door-open decision. It owns the whole decision state; the reader task and
// identity scans communicate with it only through channels and contexts.
package engine

import (
	"context"
	"time"

	"github.com/openhallway/doorsense/internal/monitoring"
	"github.com/openhallway/doorsense/internal/radar"
	"github.com/openhallway/doorsense/internal/timeutil"
	"github.com/openhallway/doorsense/internal/trend"
)

// SystemState is the coarse mode of the decision loop.
type SystemState int

const (
	StateIdle SystemState = iota
	StateTracking
	StateCooldown
)

func (s SystemState) String() string {
	switch s {
	case StateTracking:
		return "TRACKING"
	case StateCooldown:
		return "COOLDOWN"
	default:
		return "IDLE"
	}
}

// BLEStatus is the identity check's lifecycle.
type BLEStatus int

const (
	BLEUnknown BLEStatus = iota
	BLEScanning
	BLESuccess
	BLEFailed
)

func (s BLEStatus) String() string {
	switch s {
	case BLEScanning:
		return "SCANNING"
	case BLESuccess:
		return "SUCCESS"
	case BLEFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Identifier answers whether an authorized credential is currently present.
type Identifier interface {
	Identify(ctx context.Context, timeout time.Duration) (bool, error)
}

// Config carries the engine tunables, resolved from configuration once at
// startup.
type Config struct {
	WindowSize           int
	NoiseThresholdCmPerS float64

	// ExpectedSide is the sign of x (+1 or -1) on which an approach toward
	// the door happens.
	ExpectedSide int

	// SignChangeYMaxMM and SignChangeXMaxMM validate the x==0 crossing: a
	// zero observed at long range or far laterally is sensor noise, not
	// someone passing the threshold.
	SignChangeYMaxMM int
	SignChangeXMaxMM int

	ComfortDelay     time.Duration
	CooldownDuration time.Duration
	ScanTimeout      time.Duration
	RelayDuration    time.Duration
}

// Engine is the decision state machine. All fields below the constructor
// arguments are owned exclusively by the Run goroutine.
type Engine struct {
	cfg        Config
	updates    <-chan radar.Update
	identifier Identifier
	door       DoorController
	status     StatusPublisher
	clock      timeutil.Clock

	state    SystemState
	ble      BLEStatus
	intent   trend.Classification
	window   *trend.Window
	analyzer trend.Analyzer
	prev     *radar.Target

	cooldownUntil time.Time

	scanCancel context.CancelFunc
	scanResult chan bool
}

// New assembles an Engine. A nil clock selects the real one; a nil status
// publisher drops events.
func New(cfg Config, updates <-chan radar.Update, identifier Identifier, door DoorController, status StatusPublisher, clock timeutil.Clock) *Engine {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if status == nil {
		status = NopStatusPublisher{}
	}
	return &Engine{
		cfg:        cfg,
		updates:    updates,
		identifier: identifier,
		door:       door,
		status:     status,
		clock:      clock,
		window:     trend.NewWindow(cfg.WindowSize),
		analyzer: trend.Analyzer{
			NoiseThresholdCmPerS: cfg.NoiseThresholdCmPerS,
			ExpectedSide:         cfg.ExpectedSide,
		},
	}
}

// Run consumes radar updates until ctx is cancelled. On shutdown any
// outstanding identity scan is cancelled and awaited briefly.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			e.shutdown()
			return ctx.Err()
		case u := <-e.updates:
			e.step(ctx, u)
		}
	}
}

// step processes one radar update. The acute-trigger check runs before the
// loss-of-track reset so a momentary null right at the threshold cannot
// cancel a legitimate open.
func (e *Engine) step(ctx context.Context, u radar.Update) {
	wasScanning := e.ble == BLEScanning
	e.collectScanResult()
	failedNow := wasScanning && e.ble == BLEFailed
	now := e.clock.Now()

	if e.state == StateCooldown {
		if !now.Before(e.cooldownUntil) {
			e.state = StateIdle
			monitoring.Logf("engine: cooldown over, back to %s", e.state)
		}
		return
	}

	if e.state == StateTracking && u.Target != nil && e.ble == BLESuccess &&
		e.intent == trend.Coming && e.prev != nil && e.acuteTrigger(e.prev, u.Target) {
		e.openDoor(now, u.Target)
		return
	}

	if failedNow {
		monitoring.Logf("engine: identity check failed, resetting")
		if e.state == StateTracking {
			e.resetToIdle()
		}
		return
	}

	if u.Target == nil {
		if e.state == StateTracking {
			// A cached identity result or in-flight scan survives a brief
			// frame loss; only LEAVING or an explicit failure clears it.
			e.resetToIdle()
			monitoring.Logf("engine: target lost, back to %s (identity %s kept)", e.state, e.ble)
		}
		return
	}

	if e.state == StateIdle {
		e.state = StateTracking
		monitoring.Logf("engine: new target at (%d, %d), tracking", u.Target.X, u.Target.Y)
	}

	e.window.Push(trend.Sample{Time: u.Target.Time, X: u.Target.X, Y: u.Target.Y})

	if e.scanResult == nil && (e.ble == BLEUnknown || e.ble == BLEFailed) {
		e.startScan(ctx)
	}

	switch e.analyzer.Classify(e.window) {
	case trend.Coming:
		e.intent = trend.Coming
	case trend.Leaving:
		monitoring.Logf("engine: subject leaving, cancelling identity check")
		e.cancelScan()
		e.resetToIdle()
		return
	}

	e.prev = u.Target
}

// acuteTrigger is the two-sample check that fires the actual open: the x
// sign flips from the expected approach side to the opposite side, or x
// lands exactly on zero close enough to the door for the crossing to be
// real.
func (e *Engine) acuteTrigger(prev, cur *radar.Target) bool {
	if cur.X == 0 {
		if int(cur.Y) > e.cfg.SignChangeYMaxMM {
			return false
		}
		if abs(int(prev.X)) > e.cfg.SignChangeXMaxMM {
			return false
		}
		return onSide(prev.X, e.cfg.ExpectedSide)
	}
	return onSide(prev.X, e.cfg.ExpectedSide) && onSide(cur.X, -e.cfg.ExpectedSide)
}

func (e *Engine) openDoor(now time.Time, t *radar.Target) {
	monitoring.Logf("engine: sign change at y=%dmm, opening door", t.Y)
	if d := e.cfg.ComfortDelay; d > 0 {
		e.clock.Sleep(d)
	}
	if err := e.door.SendDoorOpenCommand(e.cfg.RelayDuration); err != nil {
		monitoring.Logf("engine: door open command failed: %v", err)
	}
	e.status.PublishStatusEvent(StatusAccessGranted, 5*time.Second)

	e.stopScanTask()
	e.state = StateCooldown
	e.cooldownUntil = now.Add(e.cfg.CooldownDuration)
	e.window.Clear()
	e.prev = nil
	e.intent = trend.Neutral
	// A fresh approach must re-earn both the trend and the identity check.
	e.ble = BLEUnknown
	monitoring.Logf("engine: door opened, cooldown until %s", e.cooldownUntil.Format("15:04:05.000"))
}

// resetToIdle clears the tracking history. Identity state is left alone;
// the callers that need it cleared do that themselves.
func (e *Engine) resetToIdle() {
	e.state = StateIdle
	e.window.Clear()
	e.prev = nil
	e.intent = trend.Neutral
}

func (e *Engine) startScan(ctx context.Context) {
	scanCtx, cancel := context.WithCancel(ctx)
	res := make(chan bool, 1)
	e.scanCancel = cancel
	e.scanResult = res
	e.ble = BLEScanning
	monitoring.Logf("engine: approach detected, starting identity check")

	timeout := e.cfg.ScanTimeout
	identifier := e.identifier
	go func() {
		ok, err := identifier.Identify(scanCtx, timeout)
		if err != nil {
			monitoring.Logf("engine: identity check error: %v", err)
			ok = false
		}
		res <- ok
	}()
}

// collectScanResult folds a finished scan into the status without blocking.
func (e *Engine) collectScanResult() {
	if e.scanResult == nil {
		return
	}
	select {
	case ok := <-e.scanResult:
		e.stopScanTask()
		if ok {
			e.ble = BLESuccess
			monitoring.Logf("engine: identity check succeeded")
		} else {
			e.ble = BLEFailed
		}
	default:
	}
}

// cancelScan aborts an in-flight scan, settling the status to FAILED so the
// loop never stalls on a handle it just cancelled. With no scan in flight it
// clears any cached result instead.
func (e *Engine) cancelScan() {
	if e.scanResult != nil {
		e.stopScanTask()
		e.ble = BLEFailed
		return
	}
	if e.ble == BLESuccess || e.ble == BLEFailed {
		e.ble = BLEUnknown
	}
}

// stopScanTask releases the scan context and result slot. The scan
// goroutine's send into the buffered channel never blocks, so an abandoned
// result is simply collected by the GC.
func (e *Engine) stopScanTask() {
	if e.scanCancel != nil {
		e.scanCancel()
		e.scanCancel = nil
	}
	e.scanResult = nil
}

// shutdown cancels any outstanding scan and waits briefly for it to wind
// down.
func (e *Engine) shutdown() {
	if e.scanCancel == nil {
		return
	}
	e.scanCancel()
	e.scanCancel = nil
	if e.scanResult != nil {
		select {
		case <-e.scanResult:
		case <-e.clock.After(time.Second):
			monitoring.Logf("engine: identity scan did not stop in time")
		}
		e.scanResult = nil
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func onSide(x int16, side int) bool {
	if side < 0 {
		return x < 0
	}
	return x > 0
}
