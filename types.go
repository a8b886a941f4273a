// MMC/SD/eMMC block device driver core
// https://github.com/usbarmory/mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mmcsd implements the protocol/state core of an MMC/SD/eMMC
// block-device driver: card identification, CSD/EXT_CSD/SCR decoding,
// transfer sequencing, and the block-device facade, all specified against
// the abstract Host Adapter Interface in package hai rather than against
// any particular SDIO host controller.
package mmcsd

import (
	"sync"
	"time"

	"github.com/usbarmory/mmcsd/hai"
)

// Kind identifies the protocol family and generation of an identified
// card.
type Kind int

const (
	KindUnknown Kind = iota
	KindSDv1
	KindSDv2
	KindMMC
)

func (k Kind) String() string {
	switch k {
	case KindSDv1:
		return "SD v1"
	case KindSDv2:
		return "SD v2"
	case KindMMC:
		return "eMMC"
	default:
		return "unknown"
	}
}

// Capacity distinguishes byte-addressed (CMD arguments are byte offsets)
// from block-addressed (CMD arguments are block indices) cards.
type Capacity int

const (
	CapacityByteAddressed Capacity = iota
	CapacityBlockAddressed
)

// Timing is the active bus timing mode.
type Timing int

const (
	TimingBackwardCompat Timing = iota
	TimingHighSpeed
	TimingHS200
	TimingHS400
)

// State mirrors the card state field carried in R1[12:9] (spec §3).
type State int

const (
	StateIdle State = iota
	StateReady
	StateIdent
	StateStby
	StateTran
	StateData
	StateRcv
	StatePrg
	StateDis
)

func (s State) String() string {
	names := [...]string{"idle", "ready", "ident", "stby", "tran", "data", "rcv", "prg", "dis"}
	if int(s) < len(names) {
		return names[s]
	}
	return "unknown"
}

// Partition identifies one of the eight enumerated partitions a card may
// expose.
type Partition int

const (
	PartitionUser Partition = iota
	PartitionBoot0
	PartitionBoot1
	PartitionRPMB
	PartitionGP1
	PartitionGP2
	PartitionGP3
	PartitionGP4

	numPartitions = 8
)

func (p Partition) String() string {
	names := [...]string{"", "boot0", "boot1", "rpmb", "gp1", "gp2", "gp3", "gp4"}
	if int(p) < len(names) {
		return names[p]
	}
	return "invalid"
}

// DeviceName returns the /dev/mmcsd<minor>[partname] node name for this
// partition on the given minor number, per spec §6.
func (p Partition) DeviceName(minor int) string {
	if p == PartitionUser {
		return deviceBase(minor)
	}
	return deviceBase(minor) + p.String()
}

func deviceBase(minor int) string {
	const prefix = "/dev/mmcsd"
	// avoid pulling in strconv just for this; minor numbers are small
	// and non-negative in practice.
	if minor == 0 {
		return prefix + "0"
	}

	digits := make([]byte, 0, 4)
	n := minor

	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}

	return prefix + string(digits)
}

// PartitionDescriptor is one of the eight partitions a card may expose. A
// partition exists iff Blocks > 0.
type PartitionDescriptor struct {
	Card   *Card
	Blocks int
}

// Exists reports whether this partition is present on the card.
func (p *PartitionDescriptor) Exists() bool {
	return p != nil && p.Blocks > 0
}

// Geometry is the normalized result of decoding a card's CSD/EXT_CSD/SCR
// registers (spec §4.2).
type Geometry struct {
	BlockSize  int
	BlockShift uint
	// Blocks is the user-data partition block count; per-partition
	// counts live in Card.Partitions.
	Blocks int

	DSRImplemented bool
	WriteProtected bool

	// SD-only, from SCR.
	SupportsWideBus bool
	Supports4Bit    bool
	CMD23Support    bool
}

// Card is the Card Descriptor: one per slot (spec §3). All fields are
// mutated only while Lock is held (spec §5).
type Card struct {
	sync.Mutex

	Host hai.Host

	Kind     Kind
	Capacity Capacity

	RCA uint32

	BlockSize  int
	BlockShift uint

	BusWidth int
	WideBus  bool
	Timing   Timing

	Caps hai.Capability

	Partitions      [numPartitions]PartitionDescriptor
	ActivePartition Partition

	WriteProtectedFlag bool
	Locked             bool
	WriteBusy          bool

	// SelectedBlockLength caches the last CMD16 argument so the
	// transfer engine only reissues SET_BLOCKLEN when it changes.
	SelectedBlockLength int

	DSRImplemented bool
	CMD23Support   bool

	MediaChanged bool

	// WaitWriteComplete, when set, makes the transfer-ready protocol
	// wait on the host's write-complete event before CMD13 polling
	// (spec §6 configuration option "wait-WRCOMPLETE").
	WaitWriteComplete bool
	// CheckReadyWithoutSleep makes the transfer-ready poll yield to the
	// scheduler between CMD13 attempts instead of sleeping (spec §6
	// "check-ready-without-sleep").
	CheckReadyWithoutSleep bool
	// InterruptContext, when set, makes Delay busy-wait instead of
	// sleeping (spec §5, the coredump-blockdev accommodation).
	InterruptContext bool

	// BlockWriteDeadline is the per-block write completion deadline
	// (spec §4.5, §6), scaled by block count for multi-block writes.
	BlockWriteDeadline time.Duration

	openRefs uint8
	probed   bool

	// BusLocked, when the host reports a shared bus, is taken after
	// Card's mutex and released before it (spec §5 lock ordering).
	BusLocked sync.Mutex
}

// Empty reports whether the descriptor has never been successfully
// identified (or has been reset to unknown on eject).
func (c *Card) Empty() bool {
	return c.Kind == KindUnknown
}

// Partition returns the descriptor for p.
func (c *Card) Partition(p Partition) *PartitionDescriptor {
	if p < 0 || int(p) >= numPartitions {
		return nil
	}
	return &c.Partitions[p]
}

// Reset returns the descriptor to its empty/unknown state, as done on
// eject (spec §4.6 media lifecycle).
func (c *Card) Reset() {
	host := c.Host
	refs := c.openRefs

	*c = Card{Host: host, openRefs: refs}
}

// IncRef increments the open-reference count, saturating at 255 and
// refusing opens beyond that (spec §4.6, §8).
func (c *Card) IncRef() error {
	if c.openRefs >= 255 {
		return NewError(ErrKindInvalid, "open", nil)
	}

	c.openRefs++
	return nil
}

// DecRef decrements the open-reference count. It is a no-op below zero.
func (c *Card) DecRef() {
	if c.openRefs > 0 {
		c.openRefs--
	}
}

// RefCount returns the current open-reference count.
func (c *Card) RefCount() uint8 {
	return c.openRefs
}

// Writable reports whether the active partition may be written: not
// locked, and neither the card nor the host reports write protection
// (spec §4.6 "geometry").
func (c *Card) Writable() bool {
	return !c.Locked && !c.WriteProtectedFlag && (c.Host == nil || !c.Host.WriteProtected())
}
