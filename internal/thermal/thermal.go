// Package thermal periodically polls temperature and autonomously
// requests a deep-sleep transition on sustained critical heat.
//
// Grounded on benvon-thermostat-telemetry-reader's core.Scheduler.Start
// for the ticker-driven poll loop shape (time.NewTicker, select over
// ticker.C/ctx.Done, continue-on-error polling that never stops the
// loop on a single failed cycle), and on the teacher's
// internal/hibernation.Timer for the "sustained condition before
// firing" debounce (a recorded activation time compared against a
// grace duration) — generalized here from "standby held long enough to
// hibernate" to "CRITICAL held long enough to force deep sleep".
package thermal

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/librescoot/powerd/internal/config"
	"github.com/librescoot/powerd/internal/events"
	"github.com/librescoot/powerd/internal/hal"
	"github.com/librescoot/powerd/internal/model"
	"github.com/librescoot/powerd/internal/status"
)

var errNoRemoteStore = errors.New("thermal: no remote parameter store configured")

const (
	rfcPollInterval  = "RFC_DATA_ThermalProtection_POLL_INTERVAL"
	rfcEnabled       = "RFC_ENABLE_ThermalProtection"
	rfcCriticalGrace = "RFC_DATA_ThermalProtection_DEEPSLEEP_GRACE_INTERVAL"
)

// EngineHandle is the slice of the Transition Engine the Thermal
// Controller drives on sustained CRITICAL.
type EngineHandle interface {
	CommitFromSystem(target model.PowerState, reason string) status.Result
}

// Controller runs the temperature poll loop for the process lifetime.
type Controller struct {
	platform hal.Platform
	buses    *events.Buses
	cfg      *config.Config
	store    config.RemoteStore
	engine   EngineHandle
	logger   *log.Logger

	mu                 sync.Mutex
	level              events.ThermalLevel
	criticalSince      time.Time
	deepSleepRequested bool
}

// New creates a Controller. store is the RFC parameter store the
// enable flag, poll interval and critical grace interval are read from
// (thresholds always come from cfg); a nil store is equivalent to every
// read failing, which falls back to cfg's values and leaves thermal
// protection enabled.
func New(platform hal.Platform, buses *events.Buses, cfg *config.Config, store config.RemoteStore, engine EngineHandle, logger *log.Logger) *Controller {
	return &Controller{
		platform: platform,
		buses:    buses,
		cfg:      cfg,
		store:    store,
		engine:   engine,
		logger:   logger,
		level:    events.ThermalLevelNormal,
	}
}

// Run blocks, polling temperature at the configured interval until ctx
// is cancelled. It is meant to be started on its own goroutine.
func (c *Controller) Run(ctx context.Context) {
	high, critical := c.cfg.ThermalHighThreshold, c.cfg.ThermalCriticalThreshold
	if err := c.platform.SetTemperatureThresholds(high, critical); err != nil {
		c.logger.Printf("thermal: failed to push initial thresholds to HAL: %v", err)
	}

	ticker := time.NewTicker(c.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll()
		}
	}
}

// SetTemperatureThresholds updates the high/critical thresholds and
// pushes them to the HAL.
func (c *Controller) SetTemperatureThresholds(high, critical float64) status.Result {
	if err := c.platform.SetTemperatureThresholds(high, critical); err != nil {
		c.logger.Printf("thermal: SetTemperatureThresholds HAL call failed: %v", err)
		return status.General
	}
	c.mu.Lock()
	c.cfg.ThermalHighThreshold = high
	c.cfg.ThermalCriticalThreshold = critical
	c.mu.Unlock()
	return status.None
}

// GetTemperature returns the most recent HAL temperature reading.
func (c *Controller) GetTemperature() (float64, status.Result) {
	temp, err := c.platform.GetTemperature()
	if err != nil {
		c.logger.Printf("thermal: GetTemperature HAL call failed: %v", err)
		return 0, status.Unavailable
	}
	return temp, status.None
}

// GetTemperatureThresholds returns the currently configured high and
// critical thresholds in Celsius.
func (c *Controller) GetTemperatureThresholds() (high, critical float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.ThermalHighThreshold, c.cfg.ThermalCriticalThreshold
}

// SetOvertempGraceInterval sets how long CRITICAL must be sustained
// before the controller forces a deep-sleep transition. poll uses it
// only when the RFC grace parameter is unreadable or not positive.
func (c *Controller) SetOvertempGraceInterval(seconds uint32) status.Result {
	c.mu.Lock()
	c.cfg.ThermalCriticalGrace = time.Duration(seconds) * time.Second
	c.mu.Unlock()
	return status.None
}

// GetOvertempGraceInterval returns the configured grace interval, in
// seconds, that CRITICAL must be sustained for before deep sleep is
// forced.
func (c *Controller) GetOvertempGraceInterval() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint32(c.cfg.ThermalCriticalGrace / time.Second)
}

func (c *Controller) poll() {
	if enabled, err := c.getBool(rfcEnabled); err == nil && !enabled {
		return
	}

	temp, err := c.platform.GetTemperature()
	if err != nil {
		c.logger.Printf("thermal: temperature read failed: %v", err)
		return
	}

	level := c.classify(temp)
	c.mu.Lock()
	changed := level != c.level
	c.level = level

	if level == events.ThermalLevelCritical {
		if c.criticalSince.IsZero() {
			c.criticalSince = time.Now()
		}
	} else {
		c.criticalSince = time.Time{}
		c.deepSleepRequested = false
	}

	sustainedCritical := level == events.ThermalLevelCritical &&
		!c.criticalSince.IsZero() &&
		time.Since(c.criticalSince) >= c.criticalGrace() &&
		!c.deepSleepRequested
	if sustainedCritical {
		c.deepSleepRequested = true
	}
	c.mu.Unlock()

	if changed {
		c.buses.ThermalModeChanged.Emit(events.ThermalModeChangedEvent{Level: level})
	}

	if sustainedCritical {
		c.logger.Printf("thermal: CRITICAL sustained beyond grace interval, requesting deep sleep")
		c.engine.CommitFromSystem(model.StateStandbyDeepSleep, "thermal-critical")
	}
}

func (c *Controller) classify(temp float64) events.ThermalLevel {
	c.mu.Lock()
	high, critical := c.cfg.ThermalHighThreshold, c.cfg.ThermalCriticalThreshold
	c.mu.Unlock()

	switch {
	case temp >= critical:
		return events.ThermalLevelCritical
	case temp >= high:
		return events.ThermalLevelHigh
	default:
		return events.ThermalLevelNormal
	}
}

func (c *Controller) pollInterval() time.Duration {
	seconds, err := c.getInt(rfcPollInterval)
	if err != nil || seconds <= 0 {
		c.logger.Printf("thermal: %s unavailable (%v), using configured default %v", rfcPollInterval, err, c.cfg.ThermalPollInterval)
		return c.cfg.ThermalPollInterval
	}
	return time.Duration(seconds) * time.Second
}

func (c *Controller) criticalGrace() time.Duration {
	seconds, err := c.getInt(rfcCriticalGrace)
	if err != nil || seconds <= 0 {
		return c.cfg.ThermalCriticalGrace
	}
	return time.Duration(seconds) * time.Second
}

// getBool and getInt guard against a nil RemoteStore (no RFC parameter
// source wired up), treating it the same as a lookup failure so
// callers always fall back to the configured default.
func (c *Controller) getBool(key string) (bool, error) {
	if c.store == nil {
		return false, errNoRemoteStore
	}
	return c.store.GetBool(key)
}

func (c *Controller) getInt(key string) (int, error) {
	if c.store == nil {
		return 0, errNoRemoteStore
	}
	return c.store.GetInt(key)
}
