// Package config holds every process-wide tunable, populated by flag
// parsing in a single Parse() call, following the teacher's
// internal/config.go verbatim in shape and extended with the timing,
// threshold, and path knobs the transition engine, deep-sleep
// controller, and thermal controller need.
package config

import (
	"flag"
	"time"
)

type Config struct {
	RedisHost string
	RedisPort int

	DryRun bool

	SettingsFilePath string
	RestartedMarker  string
	BootToStandby    bool

	AckInitialDelayWithClients time.Duration
	AckDelayCeiling            time.Duration

	DeepSleepIgnoreMarker         string
	DeepSleepTimerMarker          string
	DeepSleepTimerValMarker       string
	DeepSleepIgnoreHoldInterval   time.Duration
	DeepSleepUnstickOnHALError    bool

	ThermalPollInterval       time.Duration
	ThermalCriticalGrace      time.Duration
	ThermalHighThreshold      float64
	ThermalCriticalThreshold  float64

	RebootFlagPath   string
	RebootScriptPath string
}

func New() *Config {
	return &Config{
		RedisHost: "localhost",
		RedisPort: 6379,

		DryRun: false,

		SettingsFilePath: "/opt/uimgr_settings.bin",
		RestartedMarker:  "/tmp/pwrmgr_restarted",
		BootToStandby:    false,

		AckInitialDelayWithClients: 1 * time.Second,
		AckDelayCeiling:            30 * time.Second,

		DeepSleepIgnoreMarker:       "/tmp/ignoredeepsleep",
		DeepSleepTimerMarker:        "/tmp/deepSleepTimer",
		DeepSleepTimerValMarker:     "/tmp/deepSleepTimerVal",
		DeepSleepIgnoreHoldInterval: 2 * time.Second,
		DeepSleepUnstickOnHALError:  true,

		ThermalPollInterval:      10 * time.Second,
		ThermalCriticalGrace:     30 * time.Second,
		ThermalHighThreshold:     70.0,
		ThermalCriticalThreshold: 85.0,

		RebootFlagPath:   "/opt/.rebootFlag",
		RebootScriptPath: "/lib/rdk/rebootNow.sh",
	}
}

func (c *Config) Parse() {
	flag.StringVar(&c.RedisHost, "redis-host", c.RedisHost, "Redis host")
	flag.IntVar(&c.RedisPort, "redis-port", c.RedisPort, "Redis port")

	flag.BoolVar(&c.DryRun, "dry-run", c.DryRun,
		"Dry run state (don't actually touch the HAL)")

	flag.StringVar(&c.SettingsFilePath, "settings-file", c.SettingsFilePath,
		"Path to the persisted binary settings record")
	flag.StringVar(&c.RestartedMarker, "restarted-marker", c.RestartedMarker,
		"Marker file whose presence indicates a warm service restart rather than a cold boot")
	flag.BoolVar(&c.BootToStandby, "boot-to-standby", c.BootToStandby,
		"On cold boot, snap the loaded power state to STANDBY regardless of what was persisted")

	flag.DurationVar(&c.AckInitialDelayWithClients, "ack-initial-delay", c.AckInitialDelayWithClients,
		"Initial acknowledgement deadline when at least one pre-change client is registered")
	flag.DurationVar(&c.AckDelayCeiling, "ack-delay-ceiling", c.AckDelayCeiling,
		"Upper bound on any client's requested acknowledgement delay extension")

	flag.StringVar(&c.DeepSleepIgnoreMarker, "deep-sleep-ignore-marker", c.DeepSleepIgnoreMarker,
		"Marker file that, if present, causes deep sleep entry to be skipped in favor of a token hold")
	flag.StringVar(&c.DeepSleepTimerMarker, "deep-sleep-timer-marker", c.DeepSleepTimerMarker,
		"Marker file that, together with deep-sleep-timer-val-marker, overrides the deep sleep timeout")
	flag.StringVar(&c.DeepSleepTimerValMarker, "deep-sleep-timer-val-marker", c.DeepSleepTimerValMarker,
		"File holding the override deep sleep timeout value in seconds")
	flag.DurationVar(&c.DeepSleepIgnoreHoldInterval, "deep-sleep-ignore-hold-interval", c.DeepSleepIgnoreHoldInterval,
		"Token interval DEEP_SLEEP is held for when the ignore-deep-sleep marker is present")
	flag.BoolVar(&c.DeepSleepUnstickOnHALError, "deep-sleep-unstick-on-hal-error", c.DeepSleepUnstickOnHALError,
		"Proceed to LIGHT_SLEEP even if the HAL deep-sleep call itself returned an error")

	flag.DurationVar(&c.ThermalPollInterval, "thermal-poll-interval", c.ThermalPollInterval,
		"Interval between temperature reads")
	flag.DurationVar(&c.ThermalCriticalGrace, "thermal-critical-grace", c.ThermalCriticalGrace,
		"How long CRITICAL must be sustained before deep sleep is requested")
	flag.Float64Var(&c.ThermalHighThreshold, "thermal-high-threshold", c.ThermalHighThreshold,
		"Temperature in Celsius above which the thermal level becomes HIGH")
	flag.Float64Var(&c.ThermalCriticalThreshold, "thermal-critical-threshold", c.ThermalCriticalThreshold,
		"Temperature in Celsius above which the thermal level becomes CRITICAL")

	flag.StringVar(&c.RebootFlagPath, "reboot-flag-path", c.RebootFlagPath,
		"File written before invoking the reboot script")
	flag.StringVar(&c.RebootScriptPath, "reboot-script-path", c.RebootScriptPath,
		"Reboot script invoked to actually restart the device")

	flag.Parse()
}
