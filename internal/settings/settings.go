// Package settings persists the device's power configuration across
// reboots as a small fixed-length binary record. The on-disk write path
// is grounded on ManuGH-xg2g's internal/jobs/write.go: a
// renameio.PendingFile gives fsync-before-rename durability, adapted
// here from "write a generated playlist" to "overwrite a fixed binary
// record". The teacher itself persists nothing locally (its state lives
// entirely in Redis), so this package has no teacher equivalent to
// generalize from for the file format, only for the surrounding
// log-and-continue error style.
package settings

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/librescoot/powerd/internal/model"
)

const (
	magic         uint32 = 0x50574452 // "PWDR"
	version       uint32 = 1
	recordLength   uint32 = 29 // bytes meaningfully used, excluding trailing padding
	recordSize            = 61 // 0..28 used fields + 32 bytes padding
	defaultTimeout        = 8 * time.Hour
)

// Settings is the V1 persisted record plus the runtime-only snapshot of
// the power state captured at load, before any cold-boot override is
// applied.
type Settings struct {
	PowerState       model.PowerState
	DeepSleepTimeout time.Duration
	NetworkStandby   bool

	// PowerStateBeforeReboot is captured at Load time and never
	// persisted; it records what was on disk before any
	// restarted-marker / boot-to-standby override was applied.
	PowerStateBeforeReboot model.PowerState
}

func defaults() Settings {
	return Settings{
		PowerState:             model.StateOn,
		DeepSleepTimeout:       defaultTimeout,
		NetworkStandby:         false,
		PowerStateBeforeReboot: model.StateOn,
	}
}

// Store owns the on-disk settings file. A single Store is shared by the
// Transition Engine (power state) and the Wakeup Registry (network
// standby); Update serializes every read-modify-write against this
// Store's own mutex so those two callers never race into a lost update.
type Store struct {
	path            string
	restartedMarker string
	bootToStandby   bool
	logger          *log.Logger

	mu sync.Mutex
}

// New creates a Store bound to path. restartedMarker is the marker file
// whose presence distinguishes a warm restart (service restarted, OS
// did not reboot) from a cold boot. bootToStandby mirrors a build-time
// option: when true and the boot was cold, the loaded state snaps to
// STANDBY regardless of what was persisted.
func New(path, restartedMarker string, bootToStandby bool, logger *log.Logger) *Store {
	return &Store{path: path, restartedMarker: restartedMarker, bootToStandby: bootToStandby, logger: logger}
}

// Load opens the settings file, creating it with defaults if it does
// not exist or its header is invalid. It then applies the
// restarted-marker / boot-to-standby rule to decide the current power
// state. PowerStateBeforeReboot always reflects what was actually on
// disk, independent of that rule. Load re-reads the file and re-applies
// the rule on every call; the Transition Engine takes its initial state
// from it at startup, and read-modify-write cycles go through Update.
func (s *Store) Load() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.loadRecord()
	if err != nil {
		return Settings{}, err
	}
	return s.applyColdBootRule(set), nil
}

// loadRecord reads the persisted record as-is, writing defaults in its
// place if the file is missing or invalid. It never applies the cold-
// boot rule, so it is also what Update builds on for post-startup
// read-modify-write cycles. Callers must hold s.mu.
func (s *Store) loadRecord() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Printf("settings: failed to read %s: %v, using defaults", s.path, err)
		}
		set := defaults()
		if werr := s.save(set); werr != nil {
			s.logger.Printf("settings: failed to write defaults to %s: %v", s.path, werr)
		}
		return set, nil
	}

	set, err := decode(data)
	if err != nil {
		s.logger.Printf("settings: invalid record in %s: %v, resetting to defaults", s.path, err)
		set = defaults()
		if werr := s.save(set); werr != nil {
			s.logger.Printf("settings: failed to write defaults to %s: %v", s.path, werr)
		}
	}

	return set, nil
}

// Update atomically loads the persisted record, applies fn to it, and
// saves the result, serialized against any other Load/Save/Update call
// on this Store. Used by the Transition Engine to commit a power-state
// change and by the Wakeup Registry to persist a network-standby change,
// without either one clobbering a concurrent write from the other.
func (s *Store) Update(fn func(set *Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, err := s.loadRecord()
	if err != nil {
		return err
	}
	fn(&set)
	return s.save(set)
}

func (s *Store) applyColdBootRule(set Settings) Settings {
	set.PowerStateBeforeReboot = set.PowerState

	if _, err := os.Stat(s.restartedMarker); err == nil {
		// Warm restart: keep the persisted state as-is.
		return set
	}

	if s.bootToStandby {
		set.PowerState = model.StateStandby
	}
	return set
}

// Save atomically overwrites the settings file. The write is fsynced
// before the rename completes, so a power loss mid-write never leaves a
// torn record on disk.
func (s *Store) Save(set Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(set)
}

// save is Save's implementation, used directly by callers that already
// hold s.mu (loadRecord, Update).
func (s *Store) save(set Settings) error {
	pending, err := renameio.NewPendingFile(s.path)
	if err != nil {
		return fmt.Errorf("create pending settings file: %w", err)
	}
	defer func() {
		if cerr := pending.Cleanup(); cerr != nil {
			s.logger.Printf("settings: cleanup pending file: %v", cerr)
		}
	}()

	if _, err := pending.Write(encode(set)); err != nil {
		return fmt.Errorf("write settings record: %w", err)
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace settings file: %w", err)
	}
	return nil
}

func encode(set Settings) []byte {
	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], version)
	binary.LittleEndian.PutUint32(buf[8:12], recordLength)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(set.PowerState))
	binary.LittleEndian.PutUint32(buf[16:20], 0) // ledBrightness, unused
	binary.LittleEndian.PutUint32(buf[20:24], 0) // ledColor, unused
	binary.LittleEndian.PutUint32(buf[24:28], uint32(set.DeepSleepTimeout/time.Second))
	if set.NetworkStandby {
		buf[28] = 1
	}
	// buf[29:61] is padding, already zero.
	return buf
}

func decode(data []byte) (Settings, error) {
	if len(data) < int(recordLength) {
		return Settings{}, fmt.Errorf("record too short: %d bytes", len(data))
	}

	r := bytes.NewReader(data)
	var hdr struct {
		Magic   uint32
		Version uint32
		Length  uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return Settings{}, fmt.Errorf("read header: %w", err)
	}
	if hdr.Magic != magic {
		return Settings{}, fmt.Errorf("bad magic: %#x", hdr.Magic)
	}
	if hdr.Version != version {
		return Settings{}, fmt.Errorf("unsupported version: %d", hdr.Version)
	}
	if hdr.Length != recordLength {
		return Settings{}, fmt.Errorf("bad record length: %d", hdr.Length)
	}

	powerState := binary.LittleEndian.Uint32(data[12:16])
	deepSleepTimeout := binary.LittleEndian.Uint32(data[24:28])
	nwStandby := data[28] != 0

	return Settings{
		PowerState:       model.PowerState(powerState),
		DeepSleepTimeout: time.Duration(deepSleepTimeout) * time.Second,
		NetworkStandby:   nwStandby,
	}, nil
}
