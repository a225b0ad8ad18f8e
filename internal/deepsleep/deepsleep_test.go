package deepsleep

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/librescoot/powerd/internal/config"
	"github.com/librescoot/powerd/internal/events"
	"github.com/librescoot/powerd/internal/model"
	"github.com/librescoot/powerd/internal/settings"
	"github.com/librescoot/powerd/internal/status"
)

type fakePlatform struct {
	enterDeepSleepCalls atomic.Int64
	isUserWake           bool
	enterErr             error
	wakeupErr            error
}

func (f *fakePlatform) Init() error { return nil }
func (f *fakePlatform) Term() error { return nil }

func (f *fakePlatform) GetPowerState() (model.PowerState, error) { return model.StateStandbyDeepSleep, nil }
func (f *fakePlatform) SetPowerState(model.PowerState) error     { return nil }

func (f *fakePlatform) GetWakeupSrcEnabled(model.WakeupSource) (bool, error) { return false, nil }
func (f *fakePlatform) SetWakeupSrcEnabled(model.WakeupSource, bool) error   { return nil }

func (f *fakePlatform) EnterDeepSleep(timeout time.Duration, networkStandby bool) (bool, error) {
	f.enterDeepSleepCalls.Add(1)
	return f.isUserWake, f.enterErr
}
func (f *fakePlatform) DeepSleepWakeup() error { return f.wakeupErr }

func (f *fakePlatform) GetLastWakeupReason() (model.WakeupReason, error) {
	return model.WakeupReasonTimer, nil
}
func (f *fakePlatform) GetLastWakeupKeycode() (int32, error) { return 0, nil }

func (f *fakePlatform) GetTemperature() (float64, error)                      { return 40, nil }
func (f *fakePlatform) SetTemperatureThresholds(high, critical float64) error { return nil }

type fakeEngine struct {
	commits []model.PowerState
}

func (e *fakeEngine) CommitFromSystem(target model.PowerState, reason string) status.Result {
	e.commits = append(e.commits, target)
	return status.None
}

func discardLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newTestController(t *testing.T, platform *fakePlatform, engine *fakeEngine) *Controller {
	t.Helper()
	dir := t.TempDir()
	store := settings.New(filepath.Join(dir, "settings.bin"), filepath.Join(dir, "restarted"), false, discardLogger())
	cfg := config.New()
	cfg.DeepSleepIgnoreMarker = filepath.Join(dir, "ignoreDeepSleep")
	cfg.DeepSleepTimerMarker = filepath.Join(dir, "deepSleepTimer")
	cfg.DeepSleepTimerValMarker = filepath.Join(dir, "deepSleepTimerVal")
	cfg.DeepSleepIgnoreHoldInterval = 10 * time.Millisecond
	buses := events.NewBuses()

	return New(platform, store, buses, cfg, engine, discardLogger())
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never became true")
}

func TestUserWakeCommitsLightSleepWithoutTimeoutEvent(t *testing.T) {
	platform := &fakePlatform{isUserWake: true}
	engine := &fakeEngine{}
	c := newTestController(t, platform, engine)

	var timeoutFired atomic.Bool
	c.buses.DeepSleepTimeout.Add(func(events.DeepSleepTimeoutEvent) { timeoutFired.Store(true) })

	c.Enter()
	c.Wait()

	if len(engine.commits) != 1 || engine.commits[0] != model.StateStandbyLightSleep {
		t.Errorf("commits = %v, want [LIGHT_SLEEP]", engine.commits)
	}
	if timeoutFired.Load() {
		t.Errorf("DeepSleepTimeout fired on a user wake")
	}
}

func TestTimerWakeEmitsTimeoutEvent(t *testing.T) {
	platform := &fakePlatform{isUserWake: false}
	engine := &fakeEngine{}
	c := newTestController(t, platform, engine)

	var timeoutFired atomic.Bool
	c.buses.DeepSleepTimeout.Add(func(events.DeepSleepTimeoutEvent) { timeoutFired.Store(true) })

	c.Enter()
	c.Wait()

	if !timeoutFired.Load() {
		t.Errorf("DeepSleepTimeout did not fire on a timer wake")
	}
	if len(engine.commits) != 1 || engine.commits[0] != model.StateStandbyLightSleep {
		t.Errorf("commits = %v, want [LIGHT_SLEEP]", engine.commits)
	}
}

func TestIgnoreMarkerSkipsHardwareDeepSleep(t *testing.T) {
	platform := &fakePlatform{isUserWake: true}
	engine := &fakeEngine{}
	c := newTestController(t, platform, engine)

	if err := os.WriteFile(c.cfg.DeepSleepIgnoreMarker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	c.Enter()
	c.Wait()

	if platform.enterDeepSleepCalls.Load() != 0 {
		t.Errorf("EnterDeepSleep called %d times, want 0 with ignore marker present", platform.enterDeepSleepCalls.Load())
	}
	if len(engine.commits) != 1 || engine.commits[0] != model.StateStandbyLightSleep {
		t.Errorf("commits = %v, want [LIGHT_SLEEP]", engine.commits)
	}
}

func TestTimerOverrideMarkersSetEffectiveTimeout(t *testing.T) {
	platform := &fakePlatform{isUserWake: true}
	engine := &fakeEngine{}
	c := newTestController(t, platform, engine)

	if err := os.WriteFile(c.cfg.DeepSleepTimerMarker, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(c.cfg.DeepSleepTimerValMarker, []byte("42"), 0644); err != nil {
		t.Fatal(err)
	}

	got := c.effectiveTimeout()
	if got != 42*time.Second {
		t.Errorf("effectiveTimeout() = %v, want 42s", got)
	}
}

func TestHALErrorStillCommitsWhenUnstickEnabled(t *testing.T) {
	platform := &fakePlatform{isUserWake: false, enterErr: os.ErrDeadlineExceeded}
	engine := &fakeEngine{}
	c := newTestController(t, platform, engine)
	c.cfg.DeepSleepUnstickOnHALError = true

	c.Enter()
	c.Wait()

	waitFor(t, func() bool { return len(engine.commits) == 1 })
}

func TestHALErrorLeavesStuckWhenUnstickDisabled(t *testing.T) {
	platform := &fakePlatform{isUserWake: false, enterErr: os.ErrDeadlineExceeded}
	engine := &fakeEngine{}
	c := newTestController(t, platform, engine)
	c.cfg.DeepSleepUnstickOnHALError = false

	c.Enter()
	c.Wait()

	if len(engine.commits) != 0 {
		t.Errorf("commits = %v, want none when unstick-on-hal-error is disabled", engine.commits)
	}
}
