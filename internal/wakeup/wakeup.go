// Package wakeup tracks which hardware wakeup sources are currently
// enabled and derives the network-standby property from the WIFI/LAN
// pair. It is grounded on the teacher's enum-keyed validity map in
// internal/hardware/governor.go (a small closed set of named values
// each independently toggled against the HAL), generalized here from a
// hashed map to a fixed-width bitmask per the registry's own
// "enum-indexed bitmask, not a hashed map" design note.
package wakeup

import (
	"fmt"
	"log"
	"sync"

	"github.com/librescoot/powerd/internal/hal"
	"github.com/librescoot/powerd/internal/model"
)

// NetworkStandbyChangedFunc is invoked synchronously by Registry whenever
// a mutation changes the derived WIFI-AND-LAN network-standby bit. The
// caller is responsible for any further fan-out and persistence.
type NetworkStandbyChangedFunc func(enabled bool)

// Registry caches the enabled bit for every closed WakeupSource and
// keeps the cache consistent with the HAL on every mutation.
type Registry struct {
	platform hal.Platform
	logger   *log.Logger
	onChange NetworkStandbyChangedFunc

	mu       sync.Mutex
	enabled  model.WakeupSourceMask
	nwStandby bool
}

// New creates a Registry and primes its cache from the HAL's current
// state for every known wakeup source.
func New(platform hal.Platform, logger *log.Logger, onChange NetworkStandbyChangedFunc) (*Registry, error) {
	r := &Registry{platform: platform, logger: logger, onChange: onChange}

	for _, src := range model.AllWakeupSources() {
		on, err := platform.GetWakeupSrcEnabled(src)
		if err != nil {
			return nil, fmt.Errorf("prime wakeup source %s: %w", src, err)
		}
		r.enabled = r.enabled.Set(src, on)
	}
	r.nwStandby = r.deriveNetworkStandby()

	return r, nil
}

func (r *Registry) deriveNetworkStandby() bool {
	return r.enabled.Has(model.WakeupSourceWiFi) && r.enabled.Has(model.WakeupSourceLAN)
}

// SetWakeupSrcConfig interprets srcMask as the set of sources to
// update and configMask as the new enabled bits for those sources. Each
// set bit in srcMask drives a HAL SetWakeupSrcEnabled call and a cache
// update. If the derived network-standby bit changes as a result, the
// registered NetworkStandbyChangedFunc fires exactly once with the new
// value.
func (r *Registry) SetWakeupSrcConfig(srcMask, configMask model.WakeupSourceMask) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prevNwStandby := r.nwStandby

	for _, src := range model.AllWakeupSources() {
		if !srcMask.Has(src) {
			continue
		}
		enable := configMask.Has(src)
		if err := r.platform.SetWakeupSrcEnabled(src, enable); err != nil {
			return fmt.Errorf("set wakeup source %s: %w", src, err)
		}
		r.enabled = r.enabled.Set(src, enable)
	}

	r.nwStandby = r.deriveNetworkStandby()
	if r.nwStandby != prevNwStandby && r.onChange != nil {
		r.onChange(r.nwStandby)
	}
	return nil
}

// SetNetworkStandbyMode is a convenience that sets the WIFI and LAN
// bits together, deriving the property consistently by construction.
func (r *Registry) SetNetworkStandbyMode(enabled bool) error {
	mask := model.WakeupSourceMask(0).Set(model.WakeupSourceWiFi, true).Set(model.WakeupSourceLAN, true)
	config := model.WakeupSourceMask(0)
	if enabled {
		config = mask
	}
	return r.SetWakeupSrcConfig(mask, config)
}

// GetWakeupSrcConfig reads the HAL fresh for each source named in
// srcMask and composes the resulting enabled bits.
func (r *Registry) GetWakeupSrcConfig(srcMask model.WakeupSourceMask) (model.WakeupSourceMask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result model.WakeupSourceMask
	for _, src := range model.AllWakeupSources() {
		if !srcMask.Has(src) {
			continue
		}
		on, err := r.platform.GetWakeupSrcEnabled(src)
		if err != nil {
			return 0, fmt.Errorf("get wakeup source %s: %w", src, err)
		}
		r.enabled = r.enabled.Set(src, on)
		result = result.Set(src, on)
	}
	return result, nil
}

// NetworkStandbyMode reports the currently cached derived property.
func (r *Registry) NetworkStandbyMode() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nwStandby
}
