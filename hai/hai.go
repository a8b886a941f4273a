// MMC/SD/eMMC block device driver core
// https://github.com/usbarmory/mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package hai defines the Host Adapter Interface: the abstract contract the
// mmcsd protocol core requires from an SDIO host controller driver. It is
// the seam spec.md places the real SDIO controller behind ("external
// collaborator, interface only"), modeled on NuttX's SDIO_* macro surface
// and on the method surface of the teacher's USDHC type, turned into a Go
// interface.
package hai

import "time"

// ClockMode selects the host clock configuration.
type ClockMode int

const (
	ClockIdent ClockMode = iota
	ClockDisabled
	ClockSDTransfer1Bit
	ClockSDTransfer4Bit
	ClockMMCTransfer
)

// EventMask is a bitmask of transfer completion events a caller can arm
// with WaitEnable and later observe with EventWait.
type EventMask uint32

const (
	EventTransferDone EventMask = 1 << iota
	EventTimeout
	EventError
	EventWriteComplete
)

// CallbackMask selects which media-change events a registered callback
// should fire for.
type CallbackMask uint32

const (
	CallbackInserted CallbackMask = 1 << iota
	CallbackEjected
)

// Capability bits, reported by the host (spec §3 "Host Capability Set").
type Capability uint32

const (
	CapDMA Capability = 1 << iota
	CapDMABeforeWrite
	Cap4BitOnly
	Cap1BitOnly
	Cap4Bit
	CapMMCHighSpeed
	CapBusMuxLocking
)

func (c Capability) Has(bit Capability) bool {
	return c&bit != 0
}

// Response classes, as described in spec §3.
type R1 struct {
	Status uint32
}

// State extracts the card state field, R1[12:9].
func (r R1) State() int {
	return int((r.Status >> 9) & 0xf)
}

type R2 struct {
	// Words holds the 128-bit response, Words[0] the most significant
	// 32 bits (matching the on-wire CID/CSD bit numbering).
	Words [4]uint32
}

type R3 struct {
	OCR uint32
}

type R6 struct {
	RCA    uint16
	Status uint16
}

type R7 struct {
	VoltageAccepted uint8
	CheckPattern    uint8
}

// ErrorMask is the set of R1 status bits that indicate a command error,
// per spec §4.1.
const ErrorMask uint32 = 0xfdf90000

// CardLockedBit is the R1 bit indicating the card is password-locked.
const CardLockedBit uint32 = 1 << 25

// Host is the abstract SDIO host controller contract. Every method may
// block the calling goroutine (mutex acquire, event wait) but must never be
// called from a context that cannot block (see the concurrency model,
// spec §5): the media-change callback is the one caller-supplied exception.
type Host interface {
	// SendCmd issues a command with the given opcode/argument. It does
	// not wait for the response to be ready; use WaitResponse.
	SendCmd(opcode uint32, arg uint32) error

	// WaitResponse blocks until opcode's response is ready or the
	// command-level timeout elapses.
	WaitResponse(opcode uint32) error

	RecvR1(opcode uint32) (R1, error)
	RecvR2(opcode uint32) (R2, error)
	RecvR3(opcode uint32) (R3, error)
	RecvR6(opcode uint32) (R6, error)
	RecvR7(opcode uint32) (R7, error)

	// BlockSetup configures the block size/count for the next data
	// transfer.
	BlockSetup(blockSize int, blocks int) error

	// RecvSetup/SendSetup arm a PIO data transfer.
	RecvSetup(buf []byte) error
	SendSetup(buf []byte) error

	// DMARecvSetup/DMASendSetup arm a DMA data transfer.
	DMARecvSetup(buf []byte) error
	DMASendSetup(buf []byte) error
	// DMAPreflight reports whether buf is usable directly for DMA.
	DMAPreflight(buf []byte) error

	// WaitEnable arms completion events with a deadline; EventWait
	// blocks until one of the armed events fires or the deadline
	// elapses.
	WaitEnable(mask EventMask, deadline time.Duration) error
	EventWait() (EventMask, error)

	// Cancel tears down any armed data transfer.
	Cancel()

	SetClock(mode ClockMode) error
	SetWideBus(wide bool) error

	Present() bool
	WriteProtected() bool

	RegisterCallback(fn func(), mask CallbackMask)
	CallbackEnable(mask CallbackMask)

	Capabilities() Capability
	Allocator() AlignAllocator

	// GotExtCSD is a host-side hook invoked with the raw 512-byte EXT_CSD
	// buffer after a successful read, allowing a host driver to cache
	// device-specific timing tables. The core always calls it; hosts
	// that don't care may no-op.
	GotExtCSD(buf []byte)
}

// AlignAllocator is the DMA-aligned buffer allocator (spec §1, an external
// collaborator). Acquire returns a buffer of at least size bytes that
// satisfies the host's DMA alignment constraints; Release returns it.
type AlignAllocator interface {
	Acquire(size int) ([]byte, error)
	Release(buf []byte)
}
