package settings

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/librescoot/powerd/internal/model"
)

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestLoadCreatesDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.bin")
	marker := filepath.Join(dir, "restarted")

	store := New(path, marker, false, discardLogger())

	set, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if set.PowerState != model.StateOn {
		t.Errorf("PowerState = %v, want ON", set.PowerState)
	}
	if set.DeepSleepTimeout != defaultTimeout {
		t.Errorf("DeepSleepTimeout = %v, want %v", set.DeepSleepTimeout, defaultTimeout)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected settings file to be written, stat error: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.bin")
	marker := filepath.Join(dir, "restarted")
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	store := New(path, marker, false, discardLogger())
	want := Settings{
		PowerState:       model.StateStandbyDeepSleep,
		DeepSleepTimeout: 2 * time.Hour,
		NetworkStandby:   true,
	}
	if err := store.Save(want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.PowerState != want.PowerState {
		t.Errorf("PowerState = %v, want %v", got.PowerState, want.PowerState)
	}
	if got.DeepSleepTimeout != want.DeepSleepTimeout {
		t.Errorf("DeepSleepTimeout = %v, want %v", got.DeepSleepTimeout, want.DeepSleepTimeout)
	}
	if got.NetworkStandby != want.NetworkStandby {
		t.Errorf("NetworkStandby = %v, want %v", got.NetworkStandby, want.NetworkStandby)
	}
	if got.PowerStateBeforeReboot != want.PowerState {
		t.Errorf("PowerStateBeforeReboot = %v, want %v", got.PowerStateBeforeReboot, want.PowerState)
	}
}

func TestColdBootAppliesBootToStandby(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.bin")
	marker := filepath.Join(dir, "restarted") // never created: cold boot

	store := New(path, marker, true, discardLogger())
	if err := store.Save(Settings{PowerState: model.StateOn, DeepSleepTimeout: time.Hour}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.PowerState != model.StateStandby {
		t.Errorf("PowerState = %v, want STANDBY on cold boot with boot-to-standby enabled", got.PowerState)
	}
	if got.PowerStateBeforeReboot != model.StateOn {
		t.Errorf("PowerStateBeforeReboot = %v, want ON (pre-override snapshot)", got.PowerStateBeforeReboot)
	}
}

func TestWarmRestartRetainsPersistedState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.bin")
	marker := filepath.Join(dir, "restarted")
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	store := New(path, marker, true, discardLogger())
	if err := store.Save(Settings{PowerState: model.StateOn, DeepSleepTimeout: time.Hour}); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.PowerState != model.StateOn {
		t.Errorf("PowerState = %v, want ON retained on warm restart", got.PowerState)
	}
}

func TestUpdateAppliesFnAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.bin")
	marker := filepath.Join(dir, "restarted")
	if err := os.WriteFile(marker, nil, 0644); err != nil {
		t.Fatal(err)
	}

	store := New(path, marker, false, discardLogger())
	if err := store.Save(Settings{PowerState: model.StateOn, DeepSleepTimeout: time.Hour}); err != nil {
		t.Fatal(err)
	}

	if err := store.Update(func(set *Settings) { set.NetworkStandby = true }); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !got.NetworkStandby {
		t.Errorf("NetworkStandby = false, want true after Update")
	}
	if got.PowerState != model.StateOn {
		t.Errorf("PowerState = %v, want ON (untouched by Update's fn)", got.PowerState)
	}
}

func TestLoadResetsInvalidRecord(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.bin")
	marker := filepath.Join(dir, "restarted")
	if err := os.WriteFile(path, []byte("not a settings record"), 0644); err != nil {
		t.Fatal(err)
	}

	store := New(path, marker, false, discardLogger())
	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.PowerState != model.StateOn {
		t.Errorf("PowerState = %v, want ON default after invalid record reset", got.PowerState)
	}
}
