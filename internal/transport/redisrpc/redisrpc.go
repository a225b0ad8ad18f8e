// Package redisrpc wires the Facade to Redis, as the teacher's
// service.go wires its Service: redis-ipc's Client.HandleRequests for
// inbound command channels and Client.NewTxGroup's HSET+PUBLISH pairs
// for outbound state publication (no settings-change subscription is
// made) — generalized from the teacher's single
// "scooter:power"/"scooter:governor" pair to the full command surface
// spec.md §6 names, and from its ad hoc publishState/publishWakeupSource
// helpers to one emitter per events.Bus.
package redisrpc

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	redis_ipc "github.com/rescoot/redis-ipc"

	"github.com/librescoot/powerd/internal/config"
	"github.com/librescoot/powerd/internal/events"
	"github.com/librescoot/powerd/internal/facade"
	"github.com/librescoot/powerd/internal/model"
	"github.com/librescoot/powerd/internal/status"
)

// Server owns the redis-ipc client and routes every inbound request to
// the Facade, publishing Facade/Engine notifications back out.
type Server struct {
	cfg    *config.Config
	facade *facade.Facade
	buses  *events.Buses
	logger *log.Logger

	ipc      *redis_ipc.Client
	std      *redis.Client
	settings *config.RedisRemoteStore
}

// New connects both the redis-ipc client (request/response + pub/sub
// helpers) and a plain go-redis client (ad hoc HGet reads), matching
// the teacher's New() which holds one of each for the same reason.
func New(cfg *config.Config, f *facade.Facade, buses *events.Buses, logger *log.Logger) (*Server, error) {
	ipcClient, err := redis_ipc.New(redis_ipc.Config{
		Address:       cfg.RedisHost,
		Port:          cfg.RedisPort,
		RetryInterval: 5 * time.Second,
		MaxRetries:    3,
	})
	if err != nil {
		return nil, fmt.Errorf("redisrpc: failed to create redis-ipc client: %w", err)
	}

	stdClient := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.RedisHost, cfg.RedisPort),
		DB:   0,
	})

	return &Server{
		cfg:      cfg,
		facade:   f,
		buses:    buses,
		logger:   logger,
		ipc:      ipcClient,
		std:      stdClient,
		settings: config.NewRedisRemoteStore(stdClient, "settings"),
	}, nil
}

// RemoteStore exposes the RFC parameter store backed by this server's
// standard Redis connection, for wiring into the Thermal Controller.
func (s *Server) RemoteStore() *config.RedisRemoteStore { return s.settings }

// Run registers every inbound command handler and notification
// forwarder, then blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.ipc.HandleRequests("scooter:power", s.onPowerCommand)
	s.ipc.HandleRequests("scooter:power-ack", s.onAckCommand)
	s.ipc.HandleRequests("scooter:wakeup-source", s.onWakeupSourceCommand)
	s.ipc.HandleRequests("scooter:network-standby", s.onNetworkStandbyCommand)
	s.ipc.HandleRequests("scooter:reboot", s.onRebootCommand)
	s.ipc.HandleRequests("scooter:thermal-thresholds", s.onThermalThresholdsCommand)
	s.ipc.HandleRequests("scooter:prechange-client", s.onPreChangeClientCommand)
	s.ipc.HandleRequests("scooter:deep-sleep-timer", s.onDeepSleepTimerCommand)
	s.ipc.HandleRequests("scooter:temperature", s.onTemperatureCommand)
	s.ipc.HandleRequests("scooter:overtemp-grace-interval", s.onOvertempGraceIntervalCommand)
	s.ipc.HandleRequests("scooter:wakeup-reason", s.onWakeupReasonCommand)
	s.ipc.HandleRequests("scooter:power-state-before-reboot", s.onPowerStateBeforeRebootCommand)

	s.buses.ModeChanged.Add(func(ev events.ModeChangedEvent) { s.publishModeChanged(ev) })
	s.buses.ModePreChange.Add(func(ev events.ModePreChangeEvent) { s.publishModePreChange(ev) })
	s.buses.DeepSleepTimeout.Add(func(ev events.DeepSleepTimeoutEvent) { s.publishDeepSleepTimeout(ev) })
	s.buses.RebootBegin.Add(func(ev events.RebootBeginEvent) { s.publishRebootBegin(ev) })
	s.buses.NetworkStandbyChanged.Add(func(ev events.NetworkStandbyModeChangedEvent) { s.publishNetworkStandbyChanged(ev) })
	s.buses.ThermalModeChanged.Add(func(ev events.ThermalModeChangedEvent) { s.publishThermalModeChanged(ev) })

	<-ctx.Done()
	return nil
}

// Close releases both Redis connections.
func (s *Server) Close() error {
	if err := s.ipc.Close(); err != nil {
		s.logger.Printf("redisrpc: failed to close redis-ipc client: %v", err)
	}
	return s.std.Close()
}

// onPowerCommand handles "<keyCode> <target> <reason>" requests on
// scooter:power, matching the teacher's single-token onPowerCommand but
// extended to carry the three arguments SetPowerState requires.
func (s *Server) onPowerCommand(data []byte) error {
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		s.logger.Printf("redisrpc: malformed power command %q", data)
		return fmt.Errorf("malformed power command")
	}

	keyCode, err := strconv.ParseInt(fields[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid key code %q: %w", fields[0], err)
	}

	target, ok := parsePowerState(fields[1])
	if !ok {
		return fmt.Errorf("unknown power state %q", fields[1])
	}

	reason := ""
	if len(fields) > 2 {
		reason = strings.Join(fields[2:], " ")
	}

	result := s.facade.SetPowerState(int32(keyCode), target, reason)
	s.logger.Printf("redisrpc: SetPowerState(%d, %s, %q) = %s", keyCode, target, reason, result)
	return nil
}

// onAckCommand handles "<clientID> <transactionID> ack|delay:<seconds>".
func (s *Server) onAckCommand(data []byte) error {
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return fmt.Errorf("malformed ack command")
	}

	clientID, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid client id %q: %w", fields[0], err)
	}
	txnID, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid transaction id %q: %w", fields[1], err)
	}

	if fields[2] == "ack" {
		s.facade.PowerModePreChangeComplete(clientID, txnID)
		return nil
	}

	seconds, ok := strings.CutPrefix(fields[2], "delay:")
	if !ok {
		return fmt.Errorf("unknown ack directive %q", fields[2])
	}
	n, err := strconv.ParseUint(seconds, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid delay seconds %q: %w", seconds, err)
	}
	s.facade.DelayPowerModeChangeBy(clientID, txnID, uint32(n))
	return nil
}

// onWakeupSourceCommand handles "set <srcMask> <configMask>" or
// "get <srcMask>".
func (s *Server) onWakeupSourceCommand(data []byte) error {
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return fmt.Errorf("malformed wakeup-source command")
	}

	srcMask, err := parseMask(fields[1])
	if err != nil {
		return err
	}

	switch fields[0] {
	case "get":
		result, st := s.facade.GetWakeupSrcConfig(srcMask)
		if st != status.None {
			s.logger.Printf("redisrpc: GetWakeupSrcConfig(%d) failed: %s", srcMask, st)
			return nil
		}
		s.publishWakeupSourceConfig(srcMask, result)
		return nil
	case "set":
		if len(fields) < 3 {
			return fmt.Errorf("malformed wakeup-source set command")
		}
		configMask, err := parseMask(fields[2])
		if err != nil {
			return err
		}
		s.facade.SetWakeupSrcConfig(srcMask, configMask)
		return nil
	default:
		return fmt.Errorf("unknown wakeup-source directive %q", fields[0])
	}
}

func (s *Server) onNetworkStandbyCommand(data []byte) error {
	switch string(data) {
	case "get":
		s.publishNetworkStandbyChanged(events.NetworkStandbyModeChangedEvent{Enabled: s.facade.GetNetworkStandbyMode()})
		return nil
	case "enable":
		s.facade.SetNetworkStandbyMode(true)
	case "disable":
		s.facade.SetNetworkStandbyMode(false)
	default:
		return fmt.Errorf("unknown network-standby directive %q", data)
	}
	return nil
}

// onRebootCommand handles "<reasonCustom>|<reasonOther>|<requestor>".
func (s *Server) onRebootCommand(data []byte) error {
	parts := strings.SplitN(string(data), "|", 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	result := s.facade.Reboot(parts[0], parts[1], parts[2])
	s.logger.Printf("redisrpc: Reboot(%q, %q, %q) = %s", parts[0], parts[1], parts[2], result)
	return nil
}

func (s *Server) onThermalThresholdsCommand(data []byte) error {
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return fmt.Errorf("malformed thermal-thresholds command")
	}
	high, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return fmt.Errorf("invalid high threshold %q: %w", fields[0], err)
	}
	critical, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return fmt.Errorf("invalid critical threshold %q: %w", fields[1], err)
	}
	s.facade.SetTemperatureThresholds(high, critical)
	return nil
}

// onPreChangeClientCommand handles "add <name>" or "remove <clientID>",
// surfacing the Facade's pre-change client registration over transport.
func (s *Server) onPreChangeClientCommand(data []byte) error {
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return fmt.Errorf("malformed prechange-client command")
	}

	switch fields[0] {
	case "add":
		clientID := s.facade.AddPowerModePreChangeClient(fields[1])
		s.logger.Printf("redisrpc: AddPowerModePreChangeClient(%q) = %d", fields[1], clientID)
		return nil
	case "remove":
		clientID, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid client id %q: %w", fields[1], err)
		}
		s.facade.RemovePowerModePreChangeClient(clientID)
		return nil
	default:
		return fmt.Errorf("unknown prechange-client directive %q", fields[0])
	}
}

// onDeepSleepTimerCommand handles "get" or "set <seconds>".
func (s *Server) onDeepSleepTimerCommand(data []byte) error {
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return fmt.Errorf("malformed deep-sleep-timer command")
	}

	switch fields[0] {
	case "get":
		seconds, st := s.facade.GetDeepSleepTimer()
		if st != status.None {
			s.logger.Printf("redisrpc: GetDeepSleepTimer failed: %s", st)
			return nil
		}
		tx := s.ipc.NewTxGroup("deep-sleep-timer")
		tx.Add("HSET", "power-manager", "deep-sleep-timer", strconv.FormatUint(uint64(seconds), 10))
		tx.Add("PUBLISH", "power-manager", "deep-sleep-timer")
		if _, err := tx.Exec(); err != nil {
			s.logger.Printf("redisrpc: failed to publish deep-sleep timer: %v", err)
		}
		return nil
	case "set":
		if len(fields) < 2 {
			return fmt.Errorf("malformed deep-sleep-timer set command")
		}
		seconds, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid deep-sleep timer seconds %q: %w", fields[1], err)
		}
		s.facade.SetDeepSleepTimer(uint32(seconds))
		return nil
	default:
		return fmt.Errorf("unknown deep-sleep-timer directive %q", fields[0])
	}
}

// onTemperatureCommand handles "get", publishing the current reading and
// the configured thresholds, matching the teacher's onThermalThresholdsCommand
// pairing for related state.
func (s *Server) onTemperatureCommand(data []byte) error {
	if string(data) != "get" {
		return fmt.Errorf("unknown temperature directive %q", data)
	}
	temp, st := s.facade.GetTemperature()
	if st != status.None {
		s.logger.Printf("redisrpc: GetTemperature failed: %s", st)
		return nil
	}
	high, critical := s.facade.GetTemperatureThresholds()

	tx := s.ipc.NewTxGroup("temperature")
	tx.Add("HSET", "power-manager", "temperature", strconv.FormatFloat(temp, 'f', 1, 64))
	tx.Add("HSET", "power-manager", "temperature-threshold-high", strconv.FormatFloat(high, 'f', 1, 64))
	tx.Add("HSET", "power-manager", "temperature-threshold-critical", strconv.FormatFloat(critical, 'f', 1, 64))
	tx.Add("PUBLISH", "power-manager", "temperature")
	if _, err := tx.Exec(); err != nil {
		s.logger.Printf("redisrpc: failed to publish temperature: %v", err)
	}
	return nil
}

// onOvertempGraceIntervalCommand handles "get" or "set <seconds>".
func (s *Server) onOvertempGraceIntervalCommand(data []byte) error {
	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return fmt.Errorf("malformed overtemp-grace-interval command")
	}

	switch fields[0] {
	case "get":
		seconds := s.facade.GetOvertempGraceInterval()
		tx := s.ipc.NewTxGroup("overtemp-grace-interval")
		tx.Add("HSET", "power-manager", "overtemp-grace-interval", strconv.FormatUint(uint64(seconds), 10))
		tx.Add("PUBLISH", "power-manager", "overtemp-grace-interval")
		if _, err := tx.Exec(); err != nil {
			s.logger.Printf("redisrpc: failed to publish overtemp grace interval: %v", err)
		}
		return nil
	case "set":
		if len(fields) < 2 {
			return fmt.Errorf("malformed overtemp-grace-interval set command")
		}
		seconds, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid overtemp grace interval seconds %q: %w", fields[1], err)
		}
		s.facade.SetOvertempGraceInterval(uint32(seconds))
		return nil
	default:
		return fmt.Errorf("unknown overtemp-grace-interval directive %q", fields[0])
	}
}

// onWakeupReasonCommand handles "get", publishing both the wakeup reason
// and the raw wakeup keycode, whatever the reason; nothing is published
// if either HAL read fails.
func (s *Server) onWakeupReasonCommand(data []byte) error {
	if string(data) != "get" {
		return fmt.Errorf("unknown wakeup-reason directive %q", data)
	}
	reason, st := s.facade.GetLastWakeupReason()
	if st != status.None {
		s.logger.Printf("redisrpc: GetLastWakeupReason failed: %s", st)
		return nil
	}
	keycode, st := s.facade.GetLastWakeupKeycode()
	if st != status.None {
		s.logger.Printf("redisrpc: GetLastWakeupKeycode failed: %s", st)
		return nil
	}

	tx := s.ipc.NewTxGroup("wakeup-reason")
	tx.Add("HSET", "power-manager", "wakeup-reason", reason.String())
	tx.Add("HSET", "power-manager", "wakeup-keycode", strconv.FormatInt(int64(keycode), 10))
	tx.Add("PUBLISH", "power-manager", "wakeup-reason")
	if _, err := tx.Exec(); err != nil {
		s.logger.Printf("redisrpc: failed to publish wakeup reason: %v", err)
	}
	return nil
}

// onPowerStateBeforeRebootCommand handles "get", surfacing the power
// state that was persisted on disk at the moment this process started.
func (s *Server) onPowerStateBeforeRebootCommand(data []byte) error {
	if string(data) != "get" {
		return fmt.Errorf("unknown power-state-before-reboot directive %q", data)
	}
	state := s.facade.GetPowerStateBeforeReboot()

	tx := s.ipc.NewTxGroup("power-state-before-reboot")
	tx.Add("HSET", "power-manager", "power-state-before-reboot", state.String())
	tx.Add("PUBLISH", "power-manager", "power-state-before-reboot")
	if _, err := tx.Exec(); err != nil {
		s.logger.Printf("redisrpc: failed to publish power state before reboot: %v", err)
	}
	return nil
}

func (s *Server) publishModeChanged(ev events.ModeChangedEvent) {
	tx := s.ipc.NewTxGroup("power-state")
	tx.Add("HSET", "power-manager", "state", ev.Current.String())
	tx.Add("HSET", "power-manager", "previous-state", ev.Previous.String())
	tx.Add("PUBLISH", "power-manager", "state")
	if _, err := tx.Exec(); err != nil {
		s.logger.Printf("redisrpc: failed to publish mode change: %v", err)
	}
}

func (s *Server) publishModePreChange(ev events.ModePreChangeEvent) {
	tx := s.ipc.NewTxGroup("power-pre-change")
	tx.Add("HSET", "power-manager", "pending-state", ev.Target.String())
	tx.Add("HSET", "power-manager", "transaction-id", strconv.FormatUint(ev.TransactionID, 10))
	tx.Add("PUBLISH", "power-manager", "pre-change")
	if _, err := tx.Exec(); err != nil {
		s.logger.Printf("redisrpc: failed to publish pre-change: %v", err)
	}
}

func (s *Server) publishDeepSleepTimeout(ev events.DeepSleepTimeoutEvent) {
	tx := s.ipc.NewTxGroup("deep-sleep-timeout")
	tx.Add("HSET", "power-manager", "wakeup-source", "TIMER")
	tx.Add("PUBLISH", "power-manager", "wakeup-source")
	if _, err := tx.Exec(); err != nil {
		s.logger.Printf("redisrpc: failed to publish deep-sleep timeout: %v", err)
	}
}

func (s *Server) publishRebootBegin(ev events.RebootBeginEvent) {
	tx := s.ipc.NewTxGroup("reboot-begin")
	tx.Add("HSET", "power-manager", "reboot-reason", ev.ReasonCustom)
	tx.Add("HSET", "power-manager", "reboot-requestor", ev.Requestor)
	tx.Add("PUBLISH", "power-manager", "reboot-begin")
	if _, err := tx.Exec(); err != nil {
		s.logger.Printf("redisrpc: failed to publish reboot begin: %v", err)
	}
}

func (s *Server) publishNetworkStandbyChanged(ev events.NetworkStandbyModeChangedEvent) {
	tx := s.ipc.NewTxGroup("network-standby")
	tx.Add("HSET", "power-manager", "network-standby", strconv.FormatBool(ev.Enabled))
	tx.Add("PUBLISH", "power-manager", "network-standby")
	if _, err := tx.Exec(); err != nil {
		s.logger.Printf("redisrpc: failed to publish network standby change: %v", err)
	}
}

func (s *Server) publishWakeupSourceConfig(srcMask, configMask model.WakeupSourceMask) {
	tx := s.ipc.NewTxGroup("wakeup-source-config")
	tx.Add("HSET", "power-manager", "wakeup-source-mask", strconv.FormatUint(uint64(srcMask), 10))
	tx.Add("HSET", "power-manager", "wakeup-source-config", strconv.FormatUint(uint64(configMask), 10))
	tx.Add("PUBLISH", "power-manager", "wakeup-source-config")
	if _, err := tx.Exec(); err != nil {
		s.logger.Printf("redisrpc: failed to publish wakeup-source config: %v", err)
	}
}

func (s *Server) publishThermalModeChanged(ev events.ThermalModeChangedEvent) {
	tx := s.ipc.NewTxGroup("thermal-mode")
	tx.Add("HSET", "power-manager", "thermal-level", ev.Level.String())
	tx.Add("PUBLISH", "power-manager", "thermal-level")
	if _, err := tx.Exec(); err != nil {
		s.logger.Printf("redisrpc: failed to publish thermal mode change: %v", err)
	}
}

func parsePowerState(s string) (model.PowerState, bool) {
	switch s {
	case "OFF":
		return model.StateOff, true
	case "ON":
		return model.StateOn, true
	case "STANDBY":
		return model.StateStandby, true
	case "STANDBY_LIGHT_SLEEP":
		return model.StateStandbyLightSleep, true
	case "STANDBY_DEEP_SLEEP":
		return model.StateStandbyDeepSleep, true
	default:
		return model.StateUnknown, false
	}
}

func parseMask(s string) (model.WakeupSourceMask, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid mask %q: %w", s, err)
	}
	return model.WakeupSourceMask(n), nil
}
