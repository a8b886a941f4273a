// MMC/SD/eMMC block device driver core
// https://github.com/usbarmory/mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package block implements the Block-Device Facade & Media Lifecycle
// (spec §4.6): open/close reference counting, geometry reporting, chunked
// read/write honoring a multi-block limit, ioctl passthrough, and the
// per-slot Empty -> Probing -> Ready -> Empty media lifecycle.
package block

import (
	"log"
	"sync"

	"github.com/usbarmory/mmcsd"
	"github.com/usbarmory/mmcsd/hai"
	"github.com/usbarmory/mmcsd/ident"
)

// lifecycleState is the slot's media state machine (spec §4.6).
type lifecycleState int

const (
	stateEmpty lifecycleState = iota
	stateProbing
	stateReady
)

func (s lifecycleState) String() string {
	switch s {
	case stateProbing:
		return "probing"
	case stateReady:
		return "ready"
	default:
		return "empty"
	}
}

// Slot owns one Card Descriptor and the block devices registered against
// it, one per nonzero partition. Its state machine mirrors the teacher's
// Detect/init split (imx6/usdhc/init.go) generalized to a removable-media
// lifecycle instead of a single boot-time probe.
type Slot struct {
	Card   *mmcsd.Card
	Config *mmcsd.Config
	Minor  int

	log *log.Logger

	// mu guards state/devices, distinct from Card's own mutex: the
	// media-change callback (spec §5) may run on a worker goroutine and
	// must not block on an in-flight command against the card.
	mu      sync.Mutex
	state   lifecycleState
	devices map[mmcsd.Partition]string
}

// NewSlot wires a Slot around host, registering for insertion/ejection
// callbacks when cfg.HaveCardDetect is set (spec §6 configuration option
// "have-carddetect").
func NewSlot(minor int, host hai.Host, cfg *mmcsd.Config) *Slot {
	s := &Slot{
		Card:    &mmcsd.Card{Host: host},
		Config:  cfg,
		Minor:   minor,
		log:     log.New(log.Writer(), "mmcsd: ", log.Flags()),
		devices: make(map[mmcsd.Partition]string),
	}

	if cfg.HaveCardDetect {
		host.RegisterCallback(s.onMediaChange, hai.CallbackInserted|hai.CallbackEjected)
		host.CallbackEnable(hai.CallbackInserted | hai.CallbackEjected)
	}

	return s
}

// onMediaChange is the callback handed to hai.Host.RegisterCallback. It may
// arrive on a worker goroutine (spec §5) and only ever drives the state
// machine between Empty and Probing/Ready; it never blocks on anything but
// the card lock.
func (s *Slot) onMediaChange() {
	if s.Card.Host.Present() {
		s.mu.Lock()
		empty := s.state == stateEmpty
		s.mu.Unlock()

		if empty {
			if err := s.Probe(); err != nil {
				s.log.Printf("probe failed: %v", err)
			}
		}
		return
	}

	s.mu.Lock()
	ready := s.state == stateReady
	s.mu.Unlock()

	if ready {
		s.Eject()
	}
}

// Probe runs card identification and, on success, registers the block
// devices for every nonzero partition (spec §4.6 "Probing -> Ready").
// A failed probe leaves the slot Empty and re-arms the insertion callback.
func (s *Slot) Probe() error {
	s.mu.Lock()
	s.state = stateProbing
	s.mu.Unlock()

	if err := ident.Identify(s.Card, s.Config); err != nil {
		s.Card.Reset()
		s.mu.Lock()
		s.state = stateEmpty
		s.mu.Unlock()

		if s.Config.HaveCardDetect {
			s.Card.Host.CallbackEnable(hai.CallbackInserted)
		}
		return err
	}

	s.mu.Lock()
	s.state = stateReady
	s.registerDevices()
	s.mu.Unlock()

	return nil
}

// Eject tears the slot down: unregisters every partition device, resets
// the card descriptor to empty, and resets the bus to its quiescent state
// (spec §4.6 "Ready -> Empty").
func (s *Slot) Eject() {
	host := s.Card.Host
	_ = host.SetWideBus(false)
	_ = host.SetClock(hai.ClockDisabled)

	s.Card.Reset()

	s.mu.Lock()
	s.devices = make(map[mmcsd.Partition]string)
	s.state = stateEmpty
	s.mu.Unlock()
}

// registerDevices populates the slot's device-name table from the card's
// partition geometry, one entry per partition with a nonzero block count
// (spec §4.6, device naming per spec §6).
func (s *Slot) registerDevices() {
	for p := mmcsd.Partition(0); int(p) < len(s.Card.Partitions); p++ {
		if !s.Card.Partitions[p].Exists() {
			continue
		}

		s.devices[p] = p.DeviceName(s.Minor)
	}
}

// Devices returns the registered /dev node names, keyed by partition, for
// the slot's current Ready state. Empty outside Ready.
func (s *Slot) Devices() map[mmcsd.Partition]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[mmcsd.Partition]string, len(s.devices))
	for p, name := range s.devices {
		out[p] = name
	}
	return out
}

// State reports the slot's current lifecycle state, for diagnostics.
func (s *Slot) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

// Open increments the card's open-reference count (spec §4.6 "open/close").
func (s *Slot) Open() error {
	return s.Card.IncRef()
}

// Close decrements the card's open-reference count.
func (s *Slot) Close() {
	s.Card.DecRef()
}

// Geometry is the facade's reported per-partition geometry (spec §4.6
// "geometry"): block size, block count, writability, and the media-changed
// edge (cleared on read, per spec.md "media-changed edge (cleared on
// read)").
type Geometry struct {
	BlockSize    int
	Blocks       int
	Writable     bool
	MediaChanged bool
}

// Geometry reports p's current geometry. Reading it clears the card's
// media-changed flag (spec §4.6).
func (s *Slot) Geometry(p mmcsd.Partition) (Geometry, error) {
	if s.Card.Empty() {
		return Geometry{}, mmcsd.ErrNoDevice
	}

	desc := s.Card.Partition(p)
	if desc == nil || !desc.Exists() {
		return Geometry{}, mmcsd.NewError(mmcsd.ErrKindInvalid, "geometry", nil)
	}

	g := Geometry{
		BlockSize:    s.Card.BlockSize,
		Blocks:       desc.Blocks,
		Writable:     s.Card.Writable(),
		MediaChanged: s.Card.MediaChanged,
	}

	s.Card.MediaChanged = false

	return g, nil
}
