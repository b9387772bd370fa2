package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openhallway/doorsense/internal/radar"
	"github.com/openhallway/doorsense/internal/timeutil"
	"github.com/openhallway/doorsense/internal/trend"
)

type doorRecorder struct {
	mu    sync.Mutex
	calls []time.Duration
	err   error
}

func (d *doorRecorder) SendDoorOpenCommand(duration time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, duration)
	return d.err
}

func (d *doorRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type statusRecorder struct {
	events []string
}

func (s *statusRecorder) PublishStatusEvent(kind string, duration time.Duration) {
	s.events = append(s.events, kind)
}

// fakeIdentifier completes immediately with a fixed result, or blocks until
// released or cancelled when block is set.
type fakeIdentifier struct {
	mu     sync.Mutex
	starts int
	result bool
	err    error

	block     chan bool
	cancelled bool
}

func (f *fakeIdentifier) Identify(ctx context.Context, timeout time.Duration) (bool, error) {
	f.mu.Lock()
	f.starts++
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case v := <-block:
			return v, f.err
		case <-ctx.Done():
			f.mu.Lock()
			f.cancelled = true
			f.mu.Unlock()
			return false, nil
		}
	}
	return f.result, f.err
}

func (f *fakeIdentifier) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeIdentifier) wasCancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

func testEngineConfig() Config {
	return Config{
		WindowSize:           7,
		NoiseThresholdCmPerS: 5,
		ExpectedSide:         -1,
		SignChangeYMaxMM:     500,
		SignChangeXMaxMM:     700,
		ComfortDelay:         500 * time.Millisecond,
		CooldownDuration:     3 * time.Second,
		ScanTimeout:          1500 * time.Millisecond,
		RelayDuration:        4 * time.Second,
	}
}

type harness struct {
	engine *Engine
	clock  *timeutil.MockClock
	door   *doorRecorder
	status *statusRecorder
	id     *fakeIdentifier
	ctx    context.Context
}

func newHarness(t *testing.T, id *fakeIdentifier) *harness {
	t.Helper()
	clock := timeutil.NewMockClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	door := &doorRecorder{}
	status := &statusRecorder{}
	e := New(testEngineConfig(), make(chan radar.Update), id, door, status, clock)
	return &harness{engine: e, clock: clock, door: door, status: status, id: id, ctx: context.Background()}
}

func (h *harness) feed(x, y int16) {
	h.clock.Advance(100 * time.Millisecond)
	h.engine.step(h.ctx, radar.Update{Target: &radar.Target{X: x, Y: y, Time: h.clock.Now()}})
}

func (h *harness) feedAbsent() {
	h.clock.Advance(100 * time.Millisecond)
	h.engine.step(h.ctx, radar.Update{})
}

// settleScan waits in real time for the in-flight scan goroutine to park
// its result in the buffered channel.
func (h *harness) settleScan(t *testing.T) {
	t.Helper()
	require.NotNil(t, h.engine.scanResult, "no scan in flight")
	for i := 0; i < 200; i++ {
		if len(h.engine.scanResult) > 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("scan result never arrived")
}

// approach feeds a full window of samples closing distance on the expected
// side, settling the identity scan after the first one.
func (h *harness) approach(t *testing.T) {
	t.Helper()
	xs := []int16{-600, -550, -500, -400, -300, -200, -100}
	ys := []int16{1200, 1000, 850, 700, 550, 400, 300}
	for i := range xs {
		h.feed(xs[i], ys[i])
		if i == 0 && h.engine.scanResult != nil {
			h.settleScan(t)
		}
	}
}

func TestApproachThenSignChangeOpensDoor(t *testing.T) {
	h := newHarness(t, &fakeIdentifier{result: true})

	h.approach(t)
	assert.Equal(t, StateTracking, h.engine.state)
	assert.Equal(t, BLESuccess, h.engine.ble)
	assert.Equal(t, trend.Coming, h.engine.intent)

	// x flips from -100 to +50 near the door.
	h.feed(50, 250)

	require.Equal(t, 1, h.door.count())
	assert.Equal(t, []time.Duration{4 * time.Second}, h.door.calls)
	assert.Equal(t, []string{StatusAccessGranted}, h.status.events)
	assert.Equal(t, StateCooldown, h.engine.state)
	assert.Equal(t, BLEUnknown, h.engine.ble, "identity must be re-earned after an open")
	assert.Contains(t, h.clock.Sleeps(), 500*time.Millisecond, "comfort delay observed")
}

func TestZeroCrossingOpensDoor(t *testing.T) {
	h := newHarness(t, &fakeIdentifier{result: true})

	h.approach(t)
	h.feed(0, 250)

	assert.Equal(t, 1, h.door.count())
}

func TestNoOpenWithoutIdentity(t *testing.T) {
	h := newHarness(t, &fakeIdentifier{result: false})

	h.approach(t)
	h.feed(50, 250)

	assert.Equal(t, 0, h.door.count(), "sign change without identity must not open")
}

func TestNoOpenWithoutComingIntent(t *testing.T) {
	h := newHarness(t, &fakeIdentifier{result: true})

	// Identity succeeds but the window never fills: two samples, then the
	// sign flips.
	h.feed(-200, 400)
	if h.engine.scanResult != nil {
		h.settleScan(t)
	}
	h.feed(-100, 300)
	h.feed(50, 250)

	assert.Equal(t, 0, h.door.count())
}

func TestLeavingCancelsIdentityScan(t *testing.T) {
	id := &fakeIdentifier{block: make(chan bool)}
	h := newHarness(t, id)

	// Retreating samples with the scan still in flight.
	xs := []int16{-100, -200, -300, -400, -500, -550, -600}
	ys := []int16{300, 400, 550, 700, 850, 1000, 1200}
	for i := range xs {
		h.feed(xs[i], ys[i])
	}

	assert.Equal(t, StateIdle, h.engine.state)
	assert.Equal(t, BLEFailed, h.engine.ble, "cancelled scan settles to FAILED, never stays SCANNING")
	assert.Nil(t, h.engine.scanResult)
	assert.Eventually(t, id.wasCancelled, time.Second, time.Millisecond, "scan context cancelled")
}

func TestLeavingClearsCachedSuccess(t *testing.T) {
	h := newHarness(t, &fakeIdentifier{result: true})

	h.approach(t)
	require.Equal(t, BLESuccess, h.engine.ble)

	// Turn around: retreating samples flush the window into LEAVING.
	xs := []int16{-100, -200, -300, -400, -500, -550, -600}
	ys := []int16{300, 400, 550, 700, 850, 1000, 1200}
	for i := range xs {
		h.feed(xs[i], ys[i])
		if h.engine.state == StateIdle {
			break
		}
	}

	assert.Equal(t, StateIdle, h.engine.state)
	assert.Equal(t, BLEUnknown, h.engine.ble, "cached result cleared on LEAVING")
}

func TestCooldownSuppressesRetrigger(t *testing.T) {
	h := newHarness(t, &fakeIdentifier{result: true})

	h.approach(t)
	h.feed(50, 250)
	require.Equal(t, 1, h.door.count())
	require.Equal(t, StateCooldown, h.engine.state)

	// More approaching and crossing samples inside the cooldown window.
	for i := 0; i < 10; i++ {
		h.feed(-100, 300)
		h.feed(50, 250)
	}
	assert.Equal(t, 1, h.door.count(), "no second open during cooldown")

	// Past the deadline the engine returns to IDLE and a fresh approach
	// can trigger again.
	h.clock.Advance(3 * time.Second)
	h.feedAbsent()
	require.Equal(t, StateIdle, h.engine.state)

	h.approach(t)
	h.feed(50, 250)
	assert.Equal(t, 2, h.door.count())
}

func TestTargetLossKeepsCachedIdentity(t *testing.T) {
	id := &fakeIdentifier{result: true}
	h := newHarness(t, id)

	h.feed(-600, 1200)
	h.settleScan(t)
	h.feed(-550, 1000)
	require.Equal(t, BLESuccess, h.engine.ble)

	// One noisy frame loss must not discard the completed identity work.
	h.feedAbsent()
	assert.Equal(t, StateIdle, h.engine.state)
	assert.Equal(t, BLESuccess, h.engine.ble)

	// The subject re-appears; no second scan is started and the open still
	// happens on the sign change.
	h.approach(t)
	h.feed(50, 250)
	assert.Equal(t, 1, h.door.count())
	assert.Equal(t, 1, id.startCount(), "cached SUCCESS is reused, no rescan")
}

func TestTargetLossKeepsScanInFlight(t *testing.T) {
	id := &fakeIdentifier{block: make(chan bool, 1)}
	h := newHarness(t, id)

	h.feed(-600, 1200)
	require.Equal(t, BLEScanning, h.engine.ble)

	h.feedAbsent()
	assert.Equal(t, StateIdle, h.engine.state)
	assert.Equal(t, BLEScanning, h.engine.ble, "in-flight scan survives frame loss")

	// The scan completes while idle; the result is collected on the next
	// update.
	id.block <- true
	h.settleScan(t)
	h.feed(-550, 1000)
	assert.Equal(t, BLESuccess, h.engine.ble)
}

func TestFailedScanResetsTracking(t *testing.T) {
	h := newHarness(t, &fakeIdentifier{result: false})

	h.feed(-600, 1200)
	h.settleScan(t)
	h.feed(-550, 1000)

	assert.Equal(t, StateIdle, h.engine.state)
	assert.Equal(t, BLEFailed, h.engine.ble)
}

func TestScanErrorMapsToFailed(t *testing.T) {
	h := newHarness(t, &fakeIdentifier{result: false, err: errors.New("hci device down")})

	h.feed(-600, 1200)
	h.settleScan(t)
	h.feed(-550, 1000)

	assert.Equal(t, BLEFailed, h.engine.ble, "scan errors degrade to FAILED, the loop keeps running")
	assert.Equal(t, StateIdle, h.engine.state)
}

func TestDoorErrorIsLoggedNotRetried(t *testing.T) {
	h := newHarness(t, &fakeIdentifier{result: true})
	h.door.err = errors.New("relay stuck")

	h.approach(t)
	h.feed(50, 250)

	assert.Equal(t, 1, h.door.count(), "no retry on door error")
	assert.Equal(t, StateCooldown, h.engine.state, "engine proceeds into cooldown regardless")
}

func TestAcuteTrigger(t *testing.T) {
	e := New(testEngineConfig(), make(chan radar.Update), &fakeIdentifier{}, &doorRecorder{}, nil, nil)

	tgt := func(x, y int16) *radar.Target { return &radar.Target{X: x, Y: y} }
	tests := []struct {
		name string
		prev *radar.Target
		cur  *radar.Target
		want bool
	}{
		{"sign flip expected to opposite", tgt(-100, 300), tgt(50, 250), true},
		{"flip from wrong side", tgt(100, 300), tgt(-50, 250), false},
		{"no flip", tgt(-100, 300), tgt(-50, 250), false},
		{"zero crossing near field", tgt(-200, 400), tgt(0, 300), true},
		{"zero crossing too far away", tgt(-200, 400), tgt(0, 800), false},
		{"zero crossing too lateral", tgt(-900, 400), tgt(0, 300), false},
		{"zero crossing from wrong side", tgt(200, 400), tgt(0, 300), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.acuteTrigger(tt.prev, tt.cur))
		})
	}
}

func TestRunShutdownCancelsScan(t *testing.T) {
	id := &fakeIdentifier{block: make(chan bool)}
	updates := make(chan radar.Update, 1)
	clock := timeutil.NewMockClock(time.Now())
	e := New(testEngineConfig(), updates, id, &doorRecorder{}, nil, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	updates <- radar.Update{Target: &radar.Target{X: -600, Y: 1200, Time: clock.Now()}}
	assert.Eventually(t, func() bool { return id.startCount() == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, id.wasCancelled())
}
