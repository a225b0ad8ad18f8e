// Package facade exposes the synchronous public API surface the RPC
// transport dispatches into. Apart from Reboot, every method is a thin
// validate-then-delegate wrapper around the Engine, Wakeup Registry,
// Thermal Controller, or HAL, returning only the coarse status.Result
// code, keeping
// the Facade itself transport-agnostic.
//
// Grounded on the teacher's Service.handlePowerCommand/
// handleGovernorCommand validation-then-delegate shape (service.go),
// adapted from "dispatch a parsed Redis command" to "expose a plain Go
// method any transport can call", and on setGovernor's
// exec.Command("sh", "-c", ...) pattern for the reboot invocation.
package facade

import (
	"log"
	"os"
	"os/exec"

	"github.com/godbus/dbus/v5"

	"github.com/librescoot/powerd/internal/config"
	"github.com/librescoot/powerd/internal/events"
	"github.com/librescoot/powerd/internal/hal"
	"github.com/librescoot/powerd/internal/model"
	"github.com/librescoot/powerd/internal/status"
	"github.com/librescoot/powerd/internal/thermal"
	"github.com/librescoot/powerd/internal/wakeup"
)

// Engine is the slice of the Transition Engine the Facade drives.
type Engine interface {
	SetPowerState(keyCode int32, target model.PowerState, reason string) status.Result
	GetPowerState() (current, previous model.PowerState)
	AddPowerModePreChangeClient(name string) uint64
	RemovePowerModePreChangeClient(clientID uint64) status.Result
	PowerModePreChangeComplete(clientID, transactionID uint64) status.Result
	DelayPowerModeChangeBy(clientID, transactionID uint64, seconds uint32) status.Result
	GetDeepSleepTimer() (uint32, status.Result)
	SetDeepSleepTimer(seconds uint32) status.Result
	GetPowerStateBeforeReboot() model.PowerState
}

// Facade is the public entry-point surface. One instance exists per
// process and is shared by every transport.
type Facade struct {
	engine   Engine
	wakeup   *wakeup.Registry
	thermal  *thermal.Controller
	platform hal.Platform
	buses    *events.Buses
	cfg      *config.Config
	logger   *log.Logger
	dbus     *dbus.Conn // nil when no system bus is available (e.g. dry-run/tests)
}

// New creates a Facade. dbusConn may be nil; RebootBegin/ModeChanged
// dbus signal emission is then silently skipped.
func New(engine Engine, wakeupRegistry *wakeup.Registry, thermalController *thermal.Controller, platform hal.Platform, buses *events.Buses, cfg *config.Config, logger *log.Logger, dbusConn *dbus.Conn) *Facade {
	f := &Facade{engine: engine, wakeup: wakeupRegistry, thermal: thermalController, platform: platform, buses: buses, cfg: cfg, logger: logger, dbus: dbusConn}

	buses.ModeChanged.Add(func(ev events.ModeChangedEvent) {
		f.emitDBusSignal("ModeChanged", ev.Previous.String(), ev.Current.String())
	})

	return f
}

func (f *Facade) emitDBusSignal(member string, args ...interface{}) {
	if f.dbus == nil {
		return
	}
	const iface = "com.librescoot.PowerManager"
	if err := f.dbus.Emit(dbus.ObjectPath("/com/librescoot/PowerManager"), iface+"."+member, args...); err != nil {
		f.logger.Printf("facade: failed to emit dbus signal %s: %v", member, err)
	}
}

func (f *Facade) SetPowerState(keyCode int32, target model.PowerState, reason string) status.Result {
	return f.engine.SetPowerState(keyCode, target, reason)
}

func (f *Facade) GetPowerState() (current, previous model.PowerState) {
	return f.engine.GetPowerState()
}

func (f *Facade) AddPowerModePreChangeClient(name string) uint64 {
	return f.engine.AddPowerModePreChangeClient(name)
}

func (f *Facade) RemovePowerModePreChangeClient(clientID uint64) status.Result {
	return f.engine.RemovePowerModePreChangeClient(clientID)
}

func (f *Facade) PowerModePreChangeComplete(clientID, transactionID uint64) status.Result {
	return f.engine.PowerModePreChangeComplete(clientID, transactionID)
}

func (f *Facade) DelayPowerModeChangeBy(clientID, transactionID uint64, seconds uint32) status.Result {
	return f.engine.DelayPowerModeChangeBy(clientID, transactionID, seconds)
}

func (f *Facade) SetWakeupSrcConfig(srcMask, configMask model.WakeupSourceMask) status.Result {
	if err := f.wakeup.SetWakeupSrcConfig(srcMask, configMask); err != nil {
		f.logger.Printf("facade: SetWakeupSrcConfig failed: %v", err)
		return status.General
	}
	return status.None
}

func (f *Facade) GetWakeupSrcConfig(srcMask model.WakeupSourceMask) (model.WakeupSourceMask, status.Result) {
	out, err := f.wakeup.GetWakeupSrcConfig(srcMask)
	if err != nil {
		f.logger.Printf("facade: GetWakeupSrcConfig failed: %v", err)
		return 0, status.General
	}
	return out, status.None
}

func (f *Facade) SetNetworkStandbyMode(enabled bool) status.Result {
	if err := f.wakeup.SetNetworkStandbyMode(enabled); err != nil {
		f.logger.Printf("facade: SetNetworkStandbyMode failed: %v", err)
		return status.General
	}
	return status.None
}

func (f *Facade) GetNetworkStandbyMode() bool {
	return f.wakeup.NetworkStandbyMode()
}

func (f *Facade) SetTemperatureThresholds(high, critical float64) status.Result {
	return f.thermal.SetTemperatureThresholds(high, critical)
}

// GetTemperatureThresholds returns the currently configured high and
// critical thresholds in Celsius.
func (f *Facade) GetTemperatureThresholds() (high, critical float64) {
	return f.thermal.GetTemperatureThresholds()
}

// GetTemperature returns the most recent temperature reading in Celsius.
func (f *Facade) GetTemperature() (float64, status.Result) {
	return f.thermal.GetTemperature()
}

// SetOvertempGraceInterval sets how long CRITICAL must be sustained
// before the Thermal Controller forces a deep-sleep transition. A
// readable, positive RFC grace parameter takes precedence over it.
func (f *Facade) SetOvertempGraceInterval(seconds uint32) status.Result {
	return f.thermal.SetOvertempGraceInterval(seconds)
}

// GetOvertempGraceInterval returns the configured overtemperature grace
// interval in seconds.
func (f *Facade) GetOvertempGraceInterval() uint32 {
	return f.thermal.GetOvertempGraceInterval()
}

// GetDeepSleepTimer returns the persisted deep-sleep timeout in seconds.
func (f *Facade) GetDeepSleepTimer() (uint32, status.Result) {
	return f.engine.GetDeepSleepTimer()
}

// SetDeepSleepTimer persists a new deep-sleep timeout in seconds.
func (f *Facade) SetDeepSleepTimer(seconds uint32) status.Result {
	return f.engine.SetDeepSleepTimer(seconds)
}

// GetPowerStateBeforeReboot returns the power state that was persisted
// on disk at the moment this process started.
func (f *Facade) GetPowerStateBeforeReboot() model.PowerState {
	return f.engine.GetPowerStateBeforeReboot()
}

// GetLastWakeupReason reports what caused the most recent resume from a
// low-power state.
func (f *Facade) GetLastWakeupReason() (model.WakeupReason, status.Result) {
	reason, err := f.platform.GetLastWakeupReason()
	if err != nil {
		f.logger.Printf("facade: GetLastWakeupReason failed: %v", err)
		return model.WakeupReasonUnknown, status.General
	}
	return reason, status.None
}

// GetLastWakeupKeycode reports the raw keycode that caused the most
// recent resume from a low-power state, when the wakeup source was a
// key press.
func (f *Facade) GetLastWakeupKeycode() (int32, status.Result) {
	code, err := f.platform.GetLastWakeupKeycode()
	if err != nil {
		f.logger.Printf("facade: GetLastWakeupKeycode failed: %v", err)
		return 0, status.General
	}
	return code, status.None
}

// Reboot writes the reboot flag file, emits RebootBegin, then spawns
// the reboot script. Grounded on the teacher's setGovernor, which
// shells out via exec.Command("sh", "-c", ...) for a sysfs write
// followed by a best-effort publish.
func (f *Facade) Reboot(reasonCustom, reasonOther, requestor string) status.Result {
	if err := os.WriteFile(f.cfg.RebootFlagPath, []byte("0"), 0644); err != nil {
		f.logger.Printf("facade: failed to write reboot flag %s: %v", f.cfg.RebootFlagPath, err)
		return status.General
	}

	f.buses.RebootBegin.Emit(events.RebootBeginEvent{ReasonCustom: reasonCustom, ReasonOther: reasonOther, Requestor: requestor})
	f.emitDBusSignal("RebootBegin", reasonCustom, reasonOther, requestor)

	cmd := exec.Command(f.cfg.RebootScriptPath, "-s", reasonCustom, "-r", reasonOther, "-o", requestor)
	if err := cmd.Start(); err != nil {
		f.logger.Printf("facade: failed to spawn reboot script %s: %v", f.cfg.RebootScriptPath, err)
		return status.General
	}
	return status.None
}
