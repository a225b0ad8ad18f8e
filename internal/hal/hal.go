// Package hal defines the platform abstraction layer the power manager
// core consumes. The HAL is an external collaborator; this package only
// names the operations the core needs. The internal/hal/linux
// subpackage is the real implementation, with a DryRun flag for tests
// and development builds without the underlying hardware.
package hal

import (
	"time"

	"github.com/librescoot/powerd/internal/model"
)

// Platform is the full surface the power manager drives against the
// device's platform layer. A single implementation is swapped in at
// process startup; no component outside this package and its callers
// ever imports a concrete implementation directly.
type Platform interface {
	Init() error
	Term() error

	GetPowerState() (model.PowerState, error)
	SetPowerState(model.PowerState) error

	GetWakeupSrcEnabled(model.WakeupSource) (bool, error)
	SetWakeupSrcEnabled(model.WakeupSource, bool) error

	// EnterDeepSleep blocks for up to timeout. isUserWake reports whether
	// the resume was user-initiated (true) or a timer expiry (false).
	EnterDeepSleep(timeout time.Duration, networkStandby bool) (isUserWake bool, err error)
	DeepSleepWakeup() error

	GetLastWakeupReason() (model.WakeupReason, error)
	GetLastWakeupKeycode() (int32, error)

	GetTemperature() (celsius float64, err error)
	SetTemperatureThresholds(high, critical float64) error
}
