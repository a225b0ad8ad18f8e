// Package deepsleep owns the blocking wait inside the HAL's deep-sleep
// call. Grounded on the teacher's internal/hibernation.StateMachine for
// the explicit state-plus-timer shape (idle -> entering ->
// blocked-in-hal -> classifying -> committing-light-sleep), generalized
// from a 5-state manual-gesture sequence to the deep-sleep lifecycle,
// and on service.go's onLowPowerStateEnter/onWakeup callback wiring for
// "a dedicated task reports completion by calling back into the owner"
// (here, the Transition Engine, via the EngineHandle it is constructed
// with, rather than a channel send).
package deepsleep

import (
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/librescoot/powerd/internal/config"
	"github.com/librescoot/powerd/internal/events"
	"github.com/librescoot/powerd/internal/hal"
	"github.com/librescoot/powerd/internal/model"
	"github.com/librescoot/powerd/internal/settings"
	"github.com/librescoot/powerd/internal/status"
)

// EngineHandle is the narrow slice of the Transition Engine the Deep
// Sleep Controller needs: the ability to drive a system-initiated
// commit through the normal transition algorithm.
type EngineHandle interface {
	CommitFromSystem(target model.PowerState, reason string) status.Result
}

// Controller runs the deep-sleep cycle on its own dedicated goroutine,
// owned exclusively by this package, and never invoked concurrently
// with itself (the engine only calls Enter once per DEEP_SLEEP commit,
// and the next commit cannot start until this cycle's LIGHT_SLEEP
// commit completes).
type Controller struct {
	platform hal.Platform
	store    *settings.Store
	buses    *events.Buses
	cfg      *config.Config
	logger   *log.Logger
	engine   EngineHandle

	wg sync.WaitGroup
}

// New creates a Controller. engine is typically the *engine.Engine
// itself, satisfying EngineHandle.
func New(platform hal.Platform, store *settings.Store, buses *events.Buses, cfg *config.Config, engine EngineHandle, logger *log.Logger) *Controller {
	return &Controller{platform: platform, store: store, buses: buses, cfg: cfg, engine: engine, logger: logger}
}

// Enter is the Engine's handoff: it is called once a transition into
// STANDBY_DEEP_SLEEP has committed, and returns immediately, spawning
// the blocking cycle on its own goroutine.
func (c *Controller) Enter() {
	c.wg.Add(1)
	go c.run()
}

// Wait blocks until any in-flight deep-sleep cycle has finished. Used
// at shutdown to join the dedicated goroutine before the process exits.
func (c *Controller) Wait() {
	c.wg.Wait()
}

func (c *Controller) run() {
	defer c.wg.Done()

	if c.ignoreDeepSleepMarkerPresent() {
		c.logger.Printf("deepsleep: ignore-deep-sleep marker present, holding DEEP_SLEEP for %v before light sleep", c.cfg.DeepSleepIgnoreHoldInterval)
		time.Sleep(c.cfg.DeepSleepIgnoreHoldInterval)
		c.engine.CommitFromSystem(model.StateStandbyLightSleep, "deep-sleep-ignored")
		return
	}

	timeout := c.effectiveTimeout()
	networkStandby := c.networkStandbySetting()

	isUserWake, enterErr := c.platform.EnterDeepSleep(timeout, networkStandby)
	if enterErr != nil {
		c.logger.Printf("deepsleep: HAL EnterDeepSleep failed: %v", enterErr)
	}

	if wakeErr := c.platform.DeepSleepWakeup(); wakeErr != nil {
		c.logger.Printf("deepsleep: HAL DeepSleepWakeup failed: %v", wakeErr)
	}

	if enterErr != nil && !c.cfg.DeepSleepUnstickOnHALError {
		c.logger.Printf("deepsleep: leaving device stuck in DEEP_SLEEP after HAL error (deep-sleep-unstick-on-hal-error=false)")
		return
	}

	if !isUserWake {
		c.buses.DeepSleepTimeout.Emit(events.DeepSleepTimeoutEvent{Timeout: uint32(timeout / time.Second)})
	}

	if reason, err := c.platform.GetLastWakeupReason(); err != nil {
		c.logger.Printf("deepsleep: GetLastWakeupReason failed: %v", err)
	} else {
		c.logger.Printf("deepsleep: last wakeup reason = %s", reason)
	}

	c.engine.CommitFromSystem(model.StateStandbyLightSleep, "deep-sleep-wake")
}

func (c *Controller) ignoreDeepSleepMarkerPresent() bool {
	_, err := os.Stat(c.cfg.DeepSleepIgnoreMarker)
	return err == nil
}

func (c *Controller) effectiveTimeout() time.Duration {
	if _, err := os.Stat(c.cfg.DeepSleepTimerMarker); err == nil {
		if data, err := os.ReadFile(c.cfg.DeepSleepTimerValMarker); err == nil {
			if seconds, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil {
				return time.Duration(seconds) * time.Second
			}
			c.logger.Printf("deepsleep: deep-sleep-timer-val-marker present but unparseable, falling back to configured timeout")
		}
	}

	set, err := c.store.Load()
	if err != nil {
		c.logger.Printf("deepsleep: failed to load settings for timeout, using 8h default: %v", err)
		return 8 * time.Hour
	}
	return set.DeepSleepTimeout
}

func (c *Controller) networkStandbySetting() bool {
	set, err := c.store.Load()
	if err != nil {
		return false
	}
	return set.NetworkStandby
}
