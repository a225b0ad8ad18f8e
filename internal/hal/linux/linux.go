// Package linux implements the hal.Platform interface against a Linux
// set-top box platform: GPIO wakeup-source lines via go-gpiocdev, the
// CPU thermal zone under /sys for temperature, and systemd-logind over
// D-Bus for power-state transitions and deep-sleep entry.
//
// Grounded on the teacher's internal/hardware (GPIOManager,
// GovernorManager) and internal/systemd (Client.IssueCommand) for the
// sysfs/gpiocdev access shape, generalized from dashboard/engine power
// rails to the closed WakeupSource enum, and extended to drive
// logind's Suspend method over D-Bus (a dependency the teacher carries
// in go.mod but never imports) instead of shelling out to systemctl.
// OFF, ON and DEEP_SLEEP make no logind call in SetPowerState; no
// PowerOff or Reboot call is made.
package linux

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/warthog618/go-gpiocdev"

	"github.com/librescoot/powerd/internal/model"
)

// wakeupLineOffsets maps each closed wakeup source to its GPIO line
// offset on gpiochip0. Sources with no dedicated line (e.g. WIFI, LAN,
// which are software-enabled network interfaces) are not listed here
// and SetWakeupSrcEnabled/GetWakeupSrcEnabled fall back to a sysfs
// wakeup-enable file for those.
var wakeupLineOffsets = map[model.WakeupSource]int{
	model.WakeupSourceIR:       40,
	model.WakeupSourceCEC:      41,
	model.WakeupSourcePowerKey: 42,
	model.WakeupSourceVoice:    43,
	model.WakeupSourceBluetooth: 44,
}

const (
	thermalZonePath   = "/sys/class/thermal/thermal_zone0/temp"
	wakeupReasonPath  = "/sys/power/pm_wakeup_irq"
	wakeupKeycodePath = "/sys/power/pm_wakeup_keycode"
)

// Platform is the real Linux implementation of hal.Platform. DryRun
// mirrors the teacher's dryRunMode threading: every hardware-touching
// method logs and returns success instead of touching real devices.
type Platform struct {
	logger *log.Logger
	dryRun bool

	mu    sync.Mutex
	chip  *gpiocdev.Chip
	lines map[model.WakeupSource]*gpiocdev.Line

	conn *dbus.Conn

	wakeupEnabledSoft map[model.WakeupSource]bool // cached enabled bits: GPIO-backed sources, sysfs sources after a write, every source in dry run

	currentState model.PowerState
	highThresh   float64
	critThresh   float64
}

// New creates the Linux platform implementation. When dryRun is true no
// GPIO chip or D-Bus connection is opened, matching the teacher's
// GPIOManager/power.Manager dry-run branches.
func New(logger *log.Logger, dryRun bool) *Platform {
	return &Platform{
		logger:            logger,
		dryRun:            dryRun,
		lines:             make(map[model.WakeupSource]*gpiocdev.Line),
		wakeupEnabledSoft: make(map[model.WakeupSource]bool),
		currentState:      model.StateOn,
	}
}

func (p *Platform) Init() error {
	if p.dryRun {
		p.logger.Printf("DRY RUN: hal.Init")
		return nil
	}

	chip, err := gpiocdev.NewChip("gpiochip0")
	if err != nil {
		return fmt.Errorf("open GPIO chip: %w", err)
	}
	p.chip = chip

	for src, offset := range wakeupLineOffsets {
		line, err := chip.RequestLine(offset, gpiocdev.AsInput)
		if err != nil {
			chip.Close()
			return fmt.Errorf("request wakeup GPIO line for %s: %w", src, err)
		}
		p.lines[src] = line
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		for _, line := range p.lines {
			line.Close()
		}
		chip.Close()
		return fmt.Errorf("connect to system bus: %w", err)
	}
	p.conn = conn

	return nil
}

func (p *Platform) Term() error {
	if p.dryRun {
		return nil
	}

	var lastErr error
	for src, line := range p.lines {
		if err := line.Close(); err != nil {
			p.logger.Printf("failed to close wakeup GPIO line for %s: %v", src, err)
			lastErr = err
		}
	}
	if p.chip != nil {
		if err := p.chip.Close(); err != nil {
			lastErr = err
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (p *Platform) GetPowerState() (model.PowerState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentState, nil
}

func (p *Platform) SetPowerState(state model.PowerState) error {
	if p.dryRun {
		p.logger.Printf("DRY RUN: hal.SetPowerState(%s)", state)
		p.mu.Lock()
		p.currentState = state
		p.mu.Unlock()
		return nil
	}

	var target string
	switch state {
	case model.StateOn:
		target = "" // no logind call for waking into ON; handled by EnterDeepSleep/DeepSleepWakeup
	case model.StateStandby, model.StateStandbyLightSleep:
		target = "Suspend"
	default:
		target = ""
	}

	p.mu.Lock()
	p.currentState = state
	p.mu.Unlock()

	if target == "" {
		return nil
	}

	obj := p.conn.Object("org.freedesktop.login1", dbus.ObjectPath("/org/freedesktop/login1"))
	call := obj.Call("org.freedesktop.login1.Manager."+target, 0, false)
	if call.Err != nil {
		return fmt.Errorf("logind %s: %w", target, call.Err)
	}
	return nil
}

func (p *Platform) GetWakeupSrcEnabled(src model.WakeupSource) (bool, error) {
	if p.dryRun {
		return p.wakeupEnabledSoft[src], nil
	}

	if _, ok := p.lines[src]; ok {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.wakeupEnabledSoft[src], nil
	}

	// Software-only sources (WIFI, LAN, TIMER): read the network/RTC
	// wakeup-enable sysfs attribute, grounded on the teacher's
	// service.enableWakeupSources wakeupPath convention.
	path := softWakeupPath(src)
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read wakeup-enable for %s: %w", src, err)
	}
	return strings.TrimSpace(string(data)) == "enabled", nil
}

func (p *Platform) SetWakeupSrcEnabled(src model.WakeupSource, enabled bool) error {
	if p.dryRun {
		p.logger.Printf("DRY RUN: hal.SetWakeupSrcEnabled(%s, %v)", src, enabled)
		p.mu.Lock()
		p.wakeupEnabledSoft[src] = enabled
		p.mu.Unlock()
		return nil
	}

	if _, ok := p.lines[src]; ok {
		// GPIO-backed sources are requested as plain inputs at Init; no
		// wakeup configuration is written for them, here or at Init, so
		// the registry's enabled bit here is purely the cached software flag.
		p.mu.Lock()
		p.wakeupEnabledSoft[src] = enabled
		p.mu.Unlock()
		return nil
	}

	path := softWakeupPath(src)
	value := "disabled"
	if enabled {
		value = "enabled"
	}
	if err := os.WriteFile(path, []byte(value), 0644); err != nil {
		return fmt.Errorf("write wakeup-enable for %s: %w", src, err)
	}
	p.mu.Lock()
	p.wakeupEnabledSoft[src] = enabled
	p.mu.Unlock()
	return nil
}

func softWakeupPath(src model.WakeupSource) string {
	switch src {
	case model.WakeupSourceWiFi:
		return "/sys/class/net/wlan0/device/power/wakeup"
	case model.WakeupSourceLAN:
		return "/sys/class/net/eth0/device/power/wakeup"
	default:
		return "/sys/power/wakeup_" + strings.ToLower(src.String())
	}
}

// EnterDeepSleep blocks for up to timeout by subscribing to logind's
// PrepareForSleep signal and calling Suspend, then waiting for the
// matching "false" (resumed) signal or the timeout, whichever is first.
func (p *Platform) EnterDeepSleep(timeout time.Duration, networkStandby bool) (bool, error) {
	if p.dryRun {
		p.logger.Printf("DRY RUN: hal.EnterDeepSleep(%v, networkStandby=%v) - sleeping 10ms and waking as user", timeout, networkStandby)
		time.Sleep(10 * time.Millisecond)
		return true, nil
	}

	sleepCh := make(chan *dbus.Signal, 1)
	p.conn.Signal(sleepCh)
	defer p.conn.RemoveSignal(sleepCh)

	if err := p.conn.AddMatchSignal(
		dbus.WithMatchInterface("org.freedesktop.login1.Manager"),
		dbus.WithMatchMember("PrepareForSleep"),
	); err != nil {
		return false, fmt.Errorf("subscribe PrepareForSleep: %w", err)
	}

	obj := p.conn.Object("org.freedesktop.login1", dbus.ObjectPath("/org/freedesktop/login1"))
	call := obj.Call("org.freedesktop.login1.Manager.Suspend", 0, false)
	if call.Err != nil {
		return false, fmt.Errorf("logind Suspend: %w", call.Err)
	}

	deadline := time.After(timeout)
	for {
		select {
		case sig := <-sleepCh:
			if len(sig.Body) == 1 {
				if resumed, ok := sig.Body[0].(bool); ok && !resumed {
					return true, nil
				}
			}
		case <-deadline:
			return false, nil
		}
	}
}

func (p *Platform) DeepSleepWakeup() error {
	if p.dryRun {
		return nil
	}
	return nil
}

func (p *Platform) GetLastWakeupReason() (model.WakeupReason, error) {
	if p.dryRun {
		return model.WakeupReasonGPIO, nil
	}

	data, err := os.ReadFile(wakeupReasonPath)
	if err != nil {
		return model.WakeupReasonUnknown, fmt.Errorf("read wakeup reason: %w", err)
	}
	irq := strings.TrimSpace(string(data))
	switch irq {
	case "45":
		return model.WakeupReasonTimer, nil
	case "":
		return model.WakeupReasonUnknown, nil
	default:
		return model.WakeupReasonGPIO, nil
	}
}

func (p *Platform) GetLastWakeupKeycode() (int32, error) {
	if p.dryRun {
		return 0, nil
	}
	data, err := os.ReadFile(wakeupKeycodePath)
	if err != nil {
		return 0, fmt.Errorf("read wakeup keycode: %w", err)
	}
	code, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse wakeup keycode: %w", err)
	}
	return int32(code), nil
}

func (p *Platform) GetTemperature() (float64, error) {
	if p.dryRun {
		return 45.0, nil
	}
	data, err := os.ReadFile(thermalZonePath)
	if err != nil {
		return 0, fmt.Errorf("read thermal zone: %w", err)
	}
	milliCelsius, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse thermal zone reading: %w", err)
	}
	return float64(milliCelsius) / 1000.0, nil
}

func (p *Platform) SetTemperatureThresholds(high, critical float64) error {
	p.mu.Lock()
	p.highThresh, p.critThresh = high, critical
	p.mu.Unlock()

	if p.dryRun {
		p.logger.Printf("DRY RUN: hal.SetTemperatureThresholds(high=%.1f, critical=%.1f)", high, critical)
	}
	return nil
}
