package engine

import (
	"io"
	"log"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/librescoot/powerd/internal/config"
	"github.com/librescoot/powerd/internal/events"
	"github.com/librescoot/powerd/internal/model"
	"github.com/librescoot/powerd/internal/settings"
)

type fakePlatform struct {
	setPowerStateCalls atomic.Int64
}

func (f *fakePlatform) Init() error { return nil }
func (f *fakePlatform) Term() error { return nil }

func (f *fakePlatform) GetPowerState() (model.PowerState, error) { return model.StateOn, nil }
func (f *fakePlatform) SetPowerState(model.PowerState) error {
	f.setPowerStateCalls.Add(1)
	return nil
}

func (f *fakePlatform) GetWakeupSrcEnabled(model.WakeupSource) (bool, error) { return false, nil }
func (f *fakePlatform) SetWakeupSrcEnabled(model.WakeupSource, bool) error   { return nil }

func (f *fakePlatform) EnterDeepSleep(timeout time.Duration, networkStandby bool) (bool, error) {
	return true, nil
}
func (f *fakePlatform) DeepSleepWakeup() error { return nil }

func (f *fakePlatform) GetLastWakeupReason() (model.WakeupReason, error) {
	return model.WakeupReasonUnknown, nil
}
func (f *fakePlatform) GetLastWakeupKeycode() (int32, error) { return 0, nil }

func (f *fakePlatform) GetTemperature() (float64, error)                      { return 40, nil }
func (f *fakePlatform) SetTemperatureThresholds(high, critical float64) error { return nil }

type fakeDeepSleepController struct {
	entered atomic.Int64
}

func (f *fakeDeepSleepController) Enter() { f.entered.Add(1) }

func newTestEngine(t *testing.T) (*Engine, *fakePlatform) {
	t.Helper()
	dir := t.TempDir()
	store := settings.New(filepath.Join(dir, "settings.bin"), filepath.Join(dir, "restarted"), false, log.New(io.Discard, "", 0))
	platform := &fakePlatform{}
	cfg := config.New()
	cfg.AckInitialDelayWithClients = 20 * time.Millisecond
	buses := events.NewBuses()

	e := New(platform, store, buses, cfg, log.New(io.Discard, "", 0))
	if err := e.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return e, platform
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

func TestSameTargetAsCurrentIsNoopSuccess(t *testing.T) {
	e, platform := newTestEngine(t)
	current, _ := e.GetPowerState()

	if res := e.SetPowerState(0, current, "test"); res != 0 {
		t.Errorf("SetPowerState(current) = %v, want success", res)
	}
	if platform.setPowerStateCalls.Load() != 0 {
		t.Errorf("expected no HAL write for a same-state no-op")
	}
}

func TestTransitionWithNoClientsCompletesQuickly(t *testing.T) {
	e, platform := newTestEngine(t)

	var changed atomic.Bool
	e.buses.ModeChanged.Add(func(ev events.ModeChangedEvent) { changed.Store(true) })

	if res := e.SetPowerState(0, model.StateStandby, "test"); res != 0 {
		t.Fatalf("SetPowerState() = %v", res)
	}

	waitFor(t, func() bool { return changed.Load() })

	current, previous := e.GetPowerState()
	if current != model.StateStandby {
		t.Errorf("current = %v, want STANDBY", current)
	}
	if previous != model.StateOn {
		t.Errorf("previous = %v, want ON", previous)
	}
	if platform.setPowerStateCalls.Load() != 1 {
		t.Errorf("HAL SetPowerState called %d times, want 1", platform.setPowerStateCalls.Load())
	}
}

func TestTransitionWaitsForClientAck(t *testing.T) {
	e, _ := newTestEngine(t)
	clientID := e.AddPowerModePreChangeClient("test-client")

	var preChangeTxn uint64
	e.buses.ModePreChange.Add(func(ev events.ModePreChangeEvent) { preChangeTxn = ev.TransactionID })

	var changed atomic.Bool
	e.buses.ModeChanged.Add(func(ev events.ModeChangedEvent) { changed.Store(true) })

	if res := e.SetPowerState(0, model.StateStandby, "test"); res != 0 {
		t.Fatalf("SetPowerState() = %v", res)
	}

	time.Sleep(5 * time.Millisecond)
	if changed.Load() {
		t.Fatalf("committed before the registered client acknowledged")
	}

	if res := e.PowerModePreChangeComplete(clientID, preChangeTxn); res != 0 {
		t.Fatalf("PowerModePreChangeComplete() = %v", res)
	}

	waitFor(t, func() bool { return changed.Load() })
}

func TestPowerModePreChangeCompleteCalledSynchronouslyFromHandler(t *testing.T) {
	e, _ := newTestEngine(t)
	clientID := e.AddPowerModePreChangeClient("sync-client")

	// A pre-change subscriber that acknowledges from inside its own
	// handler, exactly as the acknowledgement protocol allows: the
	// controller for this transaction must already be reachable by then.
	e.buses.ModePreChange.Add(func(ev events.ModePreChangeEvent) {
		if res := e.PowerModePreChangeComplete(clientID, ev.TransactionID); res != 0 {
			t.Errorf("PowerModePreChangeComplete() from inside ModePreChange handler = %v", res)
		}
	})

	var changed atomic.Bool
	e.buses.ModeChanged.Add(func(ev events.ModeChangedEvent) { changed.Store(true) })

	if res := e.SetPowerState(0, model.StateStandby, "test"); res != 0 {
		t.Fatalf("SetPowerState() = %v", res)
	}

	waitFor(t, func() bool { return changed.Load() })
}

func TestSupersedingTargetCancelsPreviousTransition(t *testing.T) {
	e, _ := newTestEngine(t)
	e.AddPowerModePreChangeClient("holder") // ensures the first transition waits

	if res := e.SetPowerState(0, model.StateStandby, "first"); res != 0 {
		t.Fatalf("SetPowerState(STANDBY) = %v", res)
	}
	if res := e.SetPowerState(0, model.StateOff, "second"); res != 0 {
		t.Fatalf("SetPowerState(OFF) = %v", res)
	}

	var changed atomic.Int64
	e.buses.ModeChanged.Add(func(ev events.ModeChangedEvent) { changed.Add(1) })

	time.Sleep(50 * time.Millisecond)
	current, _ := e.GetPowerState()
	if current == model.StateStandby {
		t.Errorf("current = STANDBY, the superseded transition must never commit")
	}
}

func TestCoalescesRepeatedSameTargetRequest(t *testing.T) {
	e, platform := newTestEngine(t)
	e.AddPowerModePreChangeClient("holder")

	e.SetPowerState(0, model.StateStandby, "first")
	e.SetPowerState(0, model.StateStandby, "second")

	var changedCount atomic.Int64
	e.buses.ModeChanged.Add(func(ev events.ModeChangedEvent) { changedCount.Add(1) })

	waitFor(t, func() bool { current, _ := e.GetPowerState(); return current == model.StateStandby })
	time.Sleep(10 * time.Millisecond)

	if platform.setPowerStateCalls.Load() != 1 {
		t.Errorf("HAL SetPowerState called %d times, want exactly 1 for a coalesced request", platform.setPowerStateCalls.Load())
	}
}

func TestDeepSleepHandoffAndQueuedRequestReplay(t *testing.T) {
	e, _ := newTestEngine(t)
	dsc := &fakeDeepSleepController{}
	e.SetDeepSleepController(dsc)

	if res := e.SetPowerState(0, model.StateStandbyDeepSleep, "test"); res != 0 {
		t.Fatalf("SetPowerState(DEEP_SLEEP) = %v", res)
	}

	waitFor(t, func() bool { return dsc.entered.Load() == 1 })

	// While the deep-sleep cycle is active, a new user request must queue
	// rather than run immediately.
	if res := e.SetPowerState(0, model.StateOn, "user-wake"); res != 0 {
		t.Fatalf("SetPowerState(ON) during deep sleep = %v", res)
	}
	current, _ := e.GetPowerState()
	if current != model.StateStandbyDeepSleep {
		t.Errorf("current = %v, want DEEP_SLEEP to still be current while queued", current)
	}

	// Simulate the Deep Sleep Controller's post-wake commit to LIGHT_SLEEP.
	e.CommitFromSystem(model.StateStandbyLightSleep, "deep-sleep-wake")

	waitFor(t, func() bool { current, _ := e.GetPowerState(); return current == model.StateOn })
}

func TestDeepSleepTimerRoundTrip(t *testing.T) {
	e, _ := newTestEngine(t)

	if res := e.SetDeepSleepTimer(600); res != 0 {
		t.Fatalf("SetDeepSleepTimer() = %v", res)
	}
	got, res := e.GetDeepSleepTimer()
	if res != 0 {
		t.Fatalf("GetDeepSleepTimer() status = %v", res)
	}
	if got != 600 {
		t.Errorf("GetDeepSleepTimer() = %d, want 600", got)
	}
}

func TestGetPowerStateBeforeRebootReflectsPersistedStateAtStartup(t *testing.T) {
	e, _ := newTestEngine(t)
	if got := e.GetPowerStateBeforeReboot(); got != model.StateOn {
		t.Errorf("GetPowerStateBeforeReboot() = %v, want ON (the default persisted at first Start)", got)
	}
}
