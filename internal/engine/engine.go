// Package engine implements the Transition Engine, the authoritative
// state machine that serialises power-state change requests, runs the
// acknowledgement protocol, and commits to the HAL and Settings once a
// transition is ready.
//
// Grounded on the teacher's internal/service.Service event-loop and
// internal/power.Manager's mutex-guarded (currentState, targetState)
// pair: this package keeps that single-writer-under-lock shape but
// generalizes the teacher's hardcoded run/suspend/hibernate states and
// inhibitor-delay mechanism into the spec's Idle/Pending/Committing
// transition-per-request model with a per-transition AckController
// instead of a fixed inhibitor timer.
package engine

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/librescoot/powerd/internal/ack"
	"github.com/librescoot/powerd/internal/config"
	"github.com/librescoot/powerd/internal/events"
	"github.com/librescoot/powerd/internal/hal"
	"github.com/librescoot/powerd/internal/model"
	"github.com/librescoot/powerd/internal/settings"
	"github.com/librescoot/powerd/internal/status"
)

// DeepSleepController is the handoff target invoked once the engine has
// committed a transition into STANDBY_DEEP_SLEEP. Enter must not block
// the caller; implementations own their own dedicated goroutine.
type DeepSleepController interface {
	Enter()
}

type activeTransition struct {
	txn          model.PreChangeTransaction
	target       model.PowerState
	controller   *ack.Controller
	clientDelays map[uint64]time.Duration
}

type queuedRequest struct {
	keyCode int32
	target  model.PowerState
	reason  string
}

// Engine is the Transition Engine. One Engine instance exists per
// process.
type Engine struct {
	platform hal.Platform
	store    *settings.Store
	buses    *events.Buses
	cfg      *config.Config
	logger   *log.Logger

	mu sync.Mutex

	current                model.PowerState
	previous               model.PowerState
	powerStateBeforeReboot model.PowerState

	clients      map[uint64]model.PreChangeClient
	nextClientID uint64
	nextTxnID    uint64

	active *activeTransition

	deepSleepActive bool
	queued          *queuedRequest

	dsc DeepSleepController
}

// New creates an Engine. Start must be called once before any other
// method to load the persisted power state.
func New(platform hal.Platform, store *settings.Store, buses *events.Buses, cfg *config.Config, logger *log.Logger) *Engine {
	return &Engine{
		platform: platform,
		store:    store,
		buses:    buses,
		cfg:      cfg,
		logger:   logger,
		clients:  make(map[uint64]model.PreChangeClient),
		previous: model.StateUnknown,
	}
}

// Start loads Settings and establishes the engine's initial committed
// state from it, without emitting any notification (there is no prior
// state to transition from).
func (e *Engine) Start() error {
	set, err := e.store.Load()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	e.mu.Lock()
	e.current = set.PowerState
	e.powerStateBeforeReboot = set.PowerStateBeforeReboot
	e.mu.Unlock()
	return nil
}

// SetDeepSleepController wires the Deep Sleep Controller the engine
// hands off to when a transition commits into STANDBY_DEEP_SLEEP.
func (e *Engine) SetDeepSleepController(dsc DeepSleepController) {
	e.mu.Lock()
	e.dsc = dsc
	e.mu.Unlock()
}

// GetPowerState returns a non-blocking snapshot of the current and
// last fully-committed-previous power states.
func (e *Engine) GetPowerState() (current, previous model.PowerState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, e.previous
}

// AddPowerModePreChangeClient registers a process-wide pre-change
// client and returns its id.
func (e *Engine) AddPowerModePreChangeClient(name string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextClientID++
	id := e.nextClientID
	e.clients[id] = model.PreChangeClient{ID: id, Name: name}
	return id
}

// RemovePowerModePreChangeClient unregisters a client. If a transition
// is active and this client is among its outstanding acks, its
// requirement is dropped; if it was the last outstanding client, the
// active controller completes immediately.
func (e *Engine) RemovePowerModePreChangeClient(clientID uint64) status.Result {
	e.mu.Lock()
	if _, ok := e.clients[clientID]; !ok {
		e.mu.Unlock()
		return status.InvalidParameter
	}
	delete(e.clients, clientID)

	if e.active != nil {
		delete(e.active.clientDelays, clientID)
		controller := e.active.controller
		e.mu.Unlock()
		controller.RemoveClient(clientID)
		return status.None
	}
	e.mu.Unlock()
	return status.None
}

// PowerModePreChangeComplete signals that clientID no longer needs
// additional time for transactionID. A client that had an outstanding
// delay request has it dropped: being acknowledged supersedes it.
func (e *Engine) PowerModePreChangeComplete(clientID, transactionID uint64) status.Result {
	e.mu.Lock()
	if e.active == nil || e.active.txn.ID != transactionID {
		e.mu.Unlock()
		return status.InvalidParameter
	}
	if _, ok := e.clients[clientID]; !ok {
		e.mu.Unlock()
		return status.InvalidParameter
	}
	delete(e.active.clientDelays, clientID)
	controller := e.active.controller
	e.mu.Unlock()

	controller.AckOf(clientID)
	return status.None
}

// DelayPowerModeChangeBy sets clientID's requested delay for
// transactionID to seconds, replacing any previous request. The
// controller's effective deadline becomes the maximum over all
// outstanding clients' requested delays, clamped by the configured
// ceiling.
func (e *Engine) DelayPowerModeChangeBy(clientID, transactionID uint64, seconds uint32) status.Result {
	e.mu.Lock()
	if e.active == nil || e.active.txn.ID != transactionID {
		e.mu.Unlock()
		return status.InvalidParameter
	}
	if _, ok := e.clients[clientID]; !ok {
		e.mu.Unlock()
		return status.InvalidParameter
	}

	requested := time.Duration(seconds) * time.Second
	if requested > e.cfg.AckDelayCeiling {
		requested = e.cfg.AckDelayCeiling
	}
	e.active.clientDelays[clientID] = requested

	var maxDelay time.Duration
	for _, d := range e.active.clientDelays {
		if d > maxDelay {
			maxDelay = d
		}
	}
	controller := e.active.controller
	e.mu.Unlock()

	controller.ExtendDelay(maxDelay)
	return status.None
}

// SetPowerState begins (or coalesces into, or supersedes) a transition
// to target. If a deep-sleep cycle currently owns the device, the
// request is queued and replayed after that cycle's LIGHT_SLEEP commit.
func (e *Engine) SetPowerState(keyCode int32, target model.PowerState, reason string) status.Result {
	if !target.Settable() {
		return status.InvalidParameter
	}

	e.mu.Lock()

	// The Deep Sleep Controller's own post-wake commit to LIGHT_SLEEP is
	// what ends deepSleepActive; it must go through even while the flag
	// is still set, otherwise the cycle could never finish.
	if e.deepSleepActive && target != model.StateStandbyLightSleep {
		e.queued = &queuedRequest{keyCode: keyCode, target: target, reason: reason}
		e.mu.Unlock()
		return status.None
	}

	if e.active == nil && target == e.current {
		e.mu.Unlock()
		return status.None
	}

	if e.active != nil && e.active.target == target {
		// Coalesce: one notification, one HAL write already scheduled.
		e.mu.Unlock()
		return status.None
	}

	// A superseded controller is cancelled only after e.mu is released:
	// its timer callback holds the controller's lock while it waits for
	// e.mu in completeTransition, so cancelling under e.mu could deadlock.
	superseded := e.active

	e.nextTxnID++
	txnID := e.nextTxnID

	clientIDs := make([]uint64, 0, len(e.clients))
	for id := range e.clients {
		clientIDs = append(clientIDs, id)
	}

	initialDelay := time.Duration(0)
	if len(clientIDs) > 0 {
		initialDelay = e.cfg.AckInitialDelayWithClients
	}

	txn := model.PreChangeTransaction{
		ID:             txnID,
		CurrentState:   e.current,
		TargetState:    target,
		RemainingDelay: uint32(initialDelay / time.Second),
	}

	at := &activeTransition{
		txn:          txn,
		target:       target,
		clientDelays: make(map[uint64]time.Duration, len(clientIDs)),
	}
	e.active = at

	current := e.current

	// The controller must exist and be reachable via e.active.controller
	// before ModePreChange is emitted: a subscriber is allowed to call
	// PowerModePreChangeComplete/DelayPowerModeChangeBy synchronously from
	// inside its notification handler (spec.md §8 scenario 2), and those
	// methods dereference e.active.controller while holding e.mu. Building
	// the controller here, still under e.mu, means that dereference can
	// never observe a nil controller for this transaction. ack.New itself
	// never blocks: with no outstanding clients it completes via its own
	// goroutine, which only proceeds once this lock is released.
	at.controller = ack.New(initialDelay, clientIDs, func() {
		e.completeTransition(at)
	})

	e.mu.Unlock()

	if superseded != nil {
		superseded.controller.Cancel()
	}

	e.buses.ModePreChange.Emit(events.ModePreChangeEvent{
		Current:       current,
		Target:        target,
		TransactionID: txnID,
		InitialDelay:  uint32(initialDelay / time.Second),
	})

	return status.None
}

// completeTransition is the AckController's onComplete callback: it
// commits the transition to Settings and the HAL, updates the
// (previous, current) pair, and emits ModeChanged. If the committed
// target is STANDBY_DEEP_SLEEP it hands off to the Deep Sleep
// Controller; if it is STANDBY_LIGHT_SLEEP and a deep-sleep cycle was
// active, that cycle is considered finished and any queued request is
// replayed.
func (e *Engine) completeTransition(at *activeTransition) {
	e.mu.Lock()
	if e.active != at {
		// Superseded by a later transition before this one's ack window
		// elapsed; nothing to commit. The superseding SetPowerState
		// cancels this controller right after releasing e.mu, so this
		// only runs when a timer or ack completed it before that Cancel.
		e.mu.Unlock()
		return
	}

	previous := e.current
	target := at.target

	if err := e.store.Update(func(set *settings.Settings) {
		set.PowerState = target
	}); err != nil {
		e.logger.Printf("engine: failed to persist power state %s: %v", target, err)
	}

	if err := e.platform.SetPowerState(target); err != nil {
		e.logger.Printf("engine: HAL SetPowerState(%s) failed: %v", target, err)
	}

	e.current = target
	e.previous = previous
	e.active = nil

	enteringDeepSleep := target == model.StateStandbyDeepSleep
	if enteringDeepSleep {
		e.deepSleepActive = true
	}

	finishingDeepSleepCycle := e.deepSleepActive && target == model.StateStandbyLightSleep
	var replay *queuedRequest
	if finishingDeepSleepCycle {
		e.deepSleepActive = false
		replay = e.queued
		e.queued = nil
	}

	dsc := e.dsc
	e.mu.Unlock()

	e.buses.ModeChanged.Emit(events.ModeChangedEvent{Previous: previous, Current: target})

	if enteringDeepSleep && dsc != nil {
		dsc.Enter()
	}

	if replay != nil {
		e.SetPowerState(replay.keyCode, replay.target, replay.reason)
	}
}

// CommitFromSystem is used by the Deep Sleep and Thermal Controllers to
// drive a transition through the same algorithm a Facade-originated
// SetPowerState would, so the pre-change/ack protocol still runs for
// system-initiated transitions.
func (e *Engine) CommitFromSystem(target model.PowerState, reason string) status.Result {
	return e.SetPowerState(0, target, reason)
}

// GetDeepSleepTimer returns the persisted deep-sleep timeout in seconds,
// the value the Deep Sleep Controller falls back to when no marker-file
// override is present.
func (e *Engine) GetDeepSleepTimer() (uint32, status.Result) {
	set, err := e.store.Load()
	if err != nil {
		e.logger.Printf("engine: failed to load settings for deep sleep timer: %v", err)
		return 0, status.General
	}
	return uint32(set.DeepSleepTimeout / time.Second), status.None
}

// SetDeepSleepTimer persists a new deep-sleep timeout. The Deep Sleep
// Controller picks it up the next time it computes its effective
// timeout; it does not affect a cycle already in progress.
func (e *Engine) SetDeepSleepTimer(seconds uint32) status.Result {
	if err := e.store.Update(func(set *settings.Settings) {
		set.DeepSleepTimeout = time.Duration(seconds) * time.Second
	}); err != nil {
		e.logger.Printf("engine: failed to persist deep sleep timer: %v", err)
		return status.General
	}
	return status.None
}

// GetPowerStateBeforeReboot returns the power state that was on disk
// when this process started, before the restarted-marker / boot-to-
// standby cold-boot rule was applied to derive the initial current state.
func (e *Engine) GetPowerStateBeforeReboot() model.PowerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.powerStateBeforeReboot
}
