package events

import "github.com/librescoot/powerd/internal/model"

// ModePreChangeEvent is delivered to every pre-change client before a
// transition is committed.
type ModePreChangeEvent struct {
	Current       model.PowerState
	Target        model.PowerState
	TransactionID uint64
	InitialDelay  uint32 // seconds
}

// ModeChangedEvent is delivered after a transition has been committed
// to the HAL and Settings.
type ModeChangedEvent struct {
	Previous model.PowerState
	Current  model.PowerState
}

// DeepSleepTimeoutEvent reports the timeout value that was actually
// used for a deep-sleep cycle that ended in a timer wake.
type DeepSleepTimeoutEvent struct {
	Timeout uint32 // seconds
}

// RebootBeginEvent is delivered just before a reboot is invoked.
type RebootBeginEvent struct {
	ReasonCustom string
	ReasonOther  string
	Requestor    string
}

// NetworkStandbyModeChangedEvent reports the derived network-standby
// property after a mutation that changed it.
type NetworkStandbyModeChangedEvent struct {
	Enabled bool
}

// ThermalModeChangedEvent reports a logical thermal level transition.
type ThermalModeChangedEvent struct {
	Level ThermalLevel
}

// ThermalLevel is the thermal controller's logical classification of
// the current temperature reading.
type ThermalLevel uint8

const (
	ThermalLevelNormal ThermalLevel = iota
	ThermalLevelHigh
	ThermalLevelCritical
)

func (l ThermalLevel) String() string {
	switch l {
	case ThermalLevelNormal:
		return "NORMAL"
	case ThermalLevelHigh:
		return "HIGH"
	case ThermalLevelCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Buses aggregates one Bus per notification kind the power manager
// emits. A single Buses value is constructed at startup and shared by
// every component that needs to publish or subscribe.
type Buses struct {
	ModePreChange         *Bus[ModePreChangeEvent]
	ModeChanged           *Bus[ModeChangedEvent]
	DeepSleepTimeout      *Bus[DeepSleepTimeoutEvent]
	RebootBegin           *Bus[RebootBeginEvent]
	NetworkStandbyChanged *Bus[NetworkStandbyModeChangedEvent]
	ThermalModeChanged    *Bus[ThermalModeChangedEvent]
}

// NewBuses creates a Buses value with every bus initialized empty.
func NewBuses() *Buses {
	return &Buses{
		ModePreChange:         NewBus[ModePreChangeEvent](),
		ModeChanged:           NewBus[ModeChangedEvent](),
		DeepSleepTimeout:      NewBus[DeepSleepTimeoutEvent](),
		RebootBegin:           NewBus[RebootBeginEvent](),
		NetworkStandbyChanged: NewBus[NetworkStandbyModeChangedEvent](),
		ThermalModeChanged:    NewBus[ThermalModeChangedEvent](),
	}
}
