// MMC/SD/eMMC block device driver core
// https://github.com/usbarmory/mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package mock provides an in-memory hai.Host reference implementation
// used by the core's own test suites, standing in for the real SDIO host
// controller the core is otherwise written against only through the
// interface in package hai.
package mock

import (
	"sync"
	"time"

	"github.com/usbarmory/mmcsd/hai"
)

// Host is a scriptable, in-memory hai.Host. Build one with
// NewBlockAddressed; callers configure it through its exported fields and
// SetCapabilities before handing it to the core.
type Host struct {
	mu sync.Mutex

	caps           hai.Capability
	blockAddressed bool
	present        bool
	writeProtected bool

	clock   hai.ClockMode
	wideBus bool

	// OpCondBusyAfter is the attempt count (1-based) at which ACMD41/CMD1
	// starts reporting the OCR busy bit, simulating power-up latency
	// (spec §8 scenarios 1-2). 0 means busy on the first attempt.
	OpCondBusyAfter int
	// acmd41Attempts/cmd1Attempts are tracked separately: the tie-break
	// loop in package ident polls both candidacies every iteration, and
	// a shared counter would let one family's wasted attempts (before it
	// drops out) skew the other's busy-after threshold.
	acmd41Attempts int
	cmd1Attempts   int

	// CMD8Responds, when false, makes CMD8 fail to respond at all,
	// simulating an SD v1 (or non-SD) card.
	CMD8Responds bool
	cmd8Arg      uint32

	// HighCapacity reports CCS=1 in OCR once busy.
	HighCapacity bool

	// MMCSentinelCSD makes the synthesized CSD report the eMMC
	// "capacity deferred to EXT_CSD" sentinel (C_SIZE all-ones) instead
	// of an SD-style 22-bit C_SIZE.
	MMCSentinelCSD bool

	// SCRSupports4Bit/SCRCMD23Support set the corresponding SCR bits
	// returned by the simulated ACMD51 (spec §4.2); both default true
	// via NewBlockAddressed, matching a typical modern SD card.
	SCRSupports4Bit bool
	SCRCMD23Support bool

	// RejectACMD41/RejectCMD1 make the respective op-cond command fail
	// persistently, simulating a card that doesn't speak that protocol
	// family (used to keep the tie-break's two candidacies from both
	// running against a single-family simulated card).
	RejectACMD41 bool
	RejectCMD1   bool

	// SDIOFunctions sets CMD5's "number of I/O functions" field; 0 (the
	// default) simulates a plain memory card with no SDIO function.
	SDIOFunctions uint32

	state int // hai.R1-compatible state field, see stateFor

	appCmdArmed bool

	selectedBlockLen int
	activePartition  uint8

	pendingBuf    []byte
	pendingIsRecv bool

	lastOpcode uint32
	lastArg    uint32

	// Storage is the flat user-data byte array the core's CMD17/18/24/25
	// read and write against, indexed by block * BlockSize.
	Storage   []byte
	BlockSize int

	// ExtCSD is returned verbatim for the eMMC EXT_CSD read (CMD8 data
	// transfer).
	ExtCSD [512]byte
	// GotExtCSDBuf records the buffer the core handed to the GotExtCSD hook.
	GotExtCSDBuf []byte

	genBuf []byte

	allocator hai.AlignAllocator

	callback     func()
	callbackMask hai.CallbackMask

	// ErrorOn injects a one-shot command-level failure for the given
	// opcode: the next SendCmd/Recv* pair for that opcode fails instead
	// of running the normal simulation.
	ErrorOn map[uint32]error

	// Commands records every opcode issued, in order, for assertions.
	Commands []uint32

	// ForceEventMask/ForceEventErr, when ForceEventMask is non-zero or
	// ForceEventErr is non-nil, override the next EventWait result
	// instead of the normal data-movement simulation and are then
	// cleared, letting a test script a single failed transfer event
	// (e.g. spec §9's stop-transmission rescue contract).
	ForceEventMask hai.EventMask
	ForceEventErr  error

	pendingErr error
}

// NewBlockAddressed returns a Host simulating a block-addressed card
// (SD v2/v3 or high-capacity eMMC) with storage of the given block count.
func NewBlockAddressed(blocks, blockSize int) *Host {
	return &Host{
		blockAddressed:  true,
		present:         true,
		BlockSize:       blockSize,
		Storage:         make([]byte, blocks*blockSize),
		caps:            hai.CapDMA,
		ErrorOn:         make(map[uint32]error),
		allocator:       &allocator{},
		SCRSupports4Bit: true,
		SCRCMD23Support: true,
	}
}

func (h *Host) SetCapabilities(c hai.Capability) { h.caps = c }

func (h *Host) SendCmd(opcode uint32, arg uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.Commands = append(h.Commands, opcode)
	h.lastOpcode = opcode
	h.lastArg = arg

	if err, ok := h.ErrorOn[opcode]; ok {
		delete(h.ErrorOn, opcode)
		h.pendingErr = err
		return nil
	}
	h.pendingErr = nil

	h.apply(opcode, arg)

	return nil
}

func (h *Host) WaitResponse(opcode uint32) error {
	return nil
}

// State bits, matching hai.R1.State()'s >>9 &0xf extraction.
const (
	stIdle = iota
	stReady
	stIdent
	stStby
	stTran
	stData
	stRcv
	stPrg
	stDis
)

func (h *Host) apply(opcode, arg uint32) {
	const (
		cmd0  = 0
		cmd1  = 1
		cmd2  = 2
		cmd3  = 3
		cmd4  = 4
		cmd6  = 6
		cmd7  = 7
		cmd8  = 8
		cmd9  = 9
		cmd12 = 12
		cmd13 = 13
		cmd16 = 16
		cmd17 = 17
		cmd18 = 18
		cmd23 = 23
		cmd24 = 24
		cmd25 = 25
		cmd55 = 55
		cmd56 = 56
	)

	if h.appCmdArmed && opcode != cmd55 {
		h.appCmdArmed = false

		switch opcode {
		case 41: // ACMD41
			h.acmd41Attempts++
		case 6: // ACMD6: select 4-bit
			h.wideBus = true
		}

		return
	}

	switch opcode {
	case cmd0:
		h.state = stIdle
	case cmd1:
		h.cmd1Attempts++
	case cmd2:
	case cmd3:
		h.state = stStby
	case cmd4:
	case cmd6:
		h.applySwitch(arg)
	case cmd7:
		h.state = stTran
	case cmd8:
		h.cmd8Arg = arg
	case cmd9:
	case cmd12:
		h.state = stTran
	case cmd13:
	case cmd16:
		h.selectedBlockLen = int(arg)
	case cmd17, cmd18:
		h.lastOpcode = opcode
	case cmd23:
	case cmd24, cmd25:
		h.lastOpcode = opcode
		h.state = stPrg
	case cmd55:
		h.appCmdArmed = true
	case cmd56:
		h.lastOpcode = opcode
	}
}

// applySwitch interprets a CMD6 SWITCH argument built by proto.SwitchArg
// (access[25:24] | index[23:16] | value[15:8]).
func (h *Host) applySwitch(arg uint32) {
	index := uint8(arg >> 16)
	value := uint8(arg >> 8)

	const extCSDPartitionConfigIndex = 179

	if index == extCSDPartitionConfigIndex {
		h.activePartition = value & 0x7
	}

	h.state = stPrg
}

func (h *Host) r1Status() uint32 {
	return uint32(h.state) << 9
}

func (h *Host) RecvR1(opcode uint32) (hai.R1, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pendingErr != nil {
		err := h.pendingErr
		h.pendingErr = nil
		return hai.R1{}, err
	}

	if opcode == 24 || opcode == 25 || opcode == 6 {
		h.state = stTran
	}

	status := h.r1Status()
	if opcode == 55 {
		status |= 1 << 5 // APP_CMD accepted
	}

	return hai.R1{Status: status}, nil
}

func (h *Host) RecvR2(opcode uint32) (hai.R2, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pendingErr != nil {
		err := h.pendingErr
		h.pendingErr = nil
		return hai.R2{}, err
	}

	switch opcode {
	case 2:
		return hai.R2{Words: [4]uint32{0xaa000000, 0, 0, 0}}, nil
	case 9:
		if h.MMCSentinelCSD {
			return hai.R2{Words: h.csdWordsMMCSentinel()}, nil
		}
		return hai.R2{Words: h.csdWords()}, nil
	}

	return hai.R2{}, nil
}

func (h *Host) RecvR3(opcode uint32) (hai.R3, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pendingErr != nil {
		err := h.pendingErr
		h.pendingErr = nil
		return hai.R3{}, err
	}

	if opcode == 41 && h.RejectACMD41 {
		return hai.R3{}, errTimeout
	}
	if opcode == 1 && h.RejectCMD1 {
		return hai.R3{}, errTimeout
	}

	if opcode == 5 {
		var ocr uint32 = 1 << 31 // card ready, answered inquiry
		ocr |= (h.SDIOFunctions & 0x7) << 28
		return hai.R3{OCR: ocr}, nil
	}

	busyAt := h.OpCondBusyAfter
	if busyAt <= 0 {
		busyAt = 1
	}

	attempts := h.acmd41Attempts
	if opcode == 1 {
		attempts = h.cmd1Attempts
	}

	var ocr uint32 = 0x00ff8000

	if attempts >= busyAt {
		ocr |= 1 << 31
		if h.HighCapacity {
			ocr |= 1 << 30
		}
	}

	return hai.R3{OCR: ocr}, nil
}

func (h *Host) RecvR6(opcode uint32) (hai.R6, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pendingErr != nil {
		err := h.pendingErr
		h.pendingErr = nil
		return hai.R6{}, err
	}

	return hai.R6{RCA: 0xb1b2, Status: uint16(h.r1Status())}, nil
}

func (h *Host) RecvR7(opcode uint32) (hai.R7, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pendingErr != nil {
		err := h.pendingErr
		h.pendingErr = nil
		return hai.R7{}, err
	}

	if !h.CMD8Responds {
		return hai.R7{}, errTimeout
	}

	return hai.R7{VoltageAccepted: uint8((h.cmd8Arg >> 8) & 0xf), CheckPattern: uint8(h.cmd8Arg & 0xff)}, nil
}

func (h *Host) BlockSetup(blockSize int, blocks int) error {
	return nil
}

func (h *Host) RecvSetup(buf []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pendingBuf = buf
	h.pendingIsRecv = true
	return nil
}

func (h *Host) SendSetup(buf []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pendingBuf = buf
	h.pendingIsRecv = false
	return nil
}

func (h *Host) DMARecvSetup(buf []byte) error { return h.RecvSetup(buf) }
func (h *Host) DMASendSetup(buf []byte) error { return h.SendSetup(buf) }
func (h *Host) DMAPreflight(buf []byte) error { return nil }

func (h *Host) WaitEnable(mask hai.EventMask, deadline time.Duration) error {
	return nil
}

func (h *Host) EventWait() (hai.EventMask, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ForceEventMask != 0 || h.ForceEventErr != nil {
		mask, err := h.ForceEventMask, h.ForceEventErr
		h.ForceEventMask, h.ForceEventErr = 0, nil
		h.pendingBuf = nil
		return mask, err
	}

	switch h.lastOpcode {
	case 17, 18:
		h.moveBlocks(true)
	case 24, 25:
		h.moveBlocks(false)
	case 56:
		h.moveGeneral()
	case 8:
		if h.pendingBuf != nil {
			copy(h.pendingBuf, h.ExtCSD[:])
		}
	case 51: // ACMD51: SEND_SCR
		if h.pendingBuf != nil {
			copy(h.pendingBuf, h.scrBytes())
		}
	}

	h.pendingBuf = nil

	return hai.EventTransferDone, nil
}

func (h *Host) moveBlocks(isRecv bool) {
	if h.pendingBuf == nil || h.BlockSize == 0 {
		return
	}

	block := int(h.lastArg)
	if !h.blockAddressed {
		block = int(h.lastArg) / h.BlockSize
	}

	start := block * h.BlockSize
	end := start + len(h.pendingBuf)

	if start < 0 || end > len(h.Storage) {
		return
	}

	if isRecv {
		copy(h.pendingBuf, h.Storage[start:end])
	} else {
		copy(h.Storage[start:end], h.pendingBuf)
	}
}

func (h *Host) moveGeneral() {
	if h.pendingBuf == nil {
		return
	}

	if h.pendingIsRecv {
		copy(h.pendingBuf, h.genBuf)
	} else {
		h.genBuf = append([]byte(nil), h.pendingBuf...)
	}
}

func (h *Host) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pendingBuf = nil
}

func (h *Host) SetClock(mode hai.ClockMode) error {
	h.clock = mode
	return nil
}

func (h *Host) SetWideBus(wide bool) error {
	h.wideBus = wide
	return nil
}

func (h *Host) Present() bool { return h.present }

func (h *Host) WriteProtected() bool { return h.writeProtected }

func (h *Host) RegisterCallback(fn func(), mask hai.CallbackMask) {
	h.callback = fn
	h.callbackMask = mask
}

func (h *Host) CallbackEnable(mask hai.CallbackMask) {}

func (h *Host) Capabilities() hai.Capability { return h.caps }

func (h *Host) Allocator() hai.AlignAllocator { return h.allocator }

func (h *Host) GotExtCSD(buf []byte) {
	h.GotExtCSDBuf = append([]byte(nil), buf...)
}

// Eject simulates card removal, firing the registered ejected callback.
func (h *Host) Eject() {
	h.mu.Lock()
	h.present = false
	cb := h.callback
	mask := h.callbackMask
	h.mu.Unlock()

	if cb != nil && mask&hai.CallbackEjected != 0 {
		cb()
	}
}

// csdWords synthesizes a CSD register (spec §4.2 SD v2 layout) whose
// C_SIZE encodes len(Storage)/BlockSize blocks. That layout counts in units
// of 1024 blocks, so the encoded count is exact only for multiples of 1024.
func (h *Host) csdWords() [4]uint32 {
	if !h.blockAddressed || h.BlockSize == 0 {
		return [4]uint32{}
	}

	blocks := uint32(len(h.Storage) / h.BlockSize)
	cSize := blocks>>10 - 1

	// C_SIZE occupies bits 69:48 of the 128-bit register; Words[0] holds
	// bits 127:96, Words[1] bits 95:64, Words[2] bits 63:32.
	w1 := (cSize >> 16) & 0x3f
	w2 := (cSize & 0xffff) << 16

	return [4]uint32{0, w1, w2, 0}
}

// csdWordsMMCSentinel synthesizes an eMMC CSD with READ_BL_LEN=9 (512
// byte blocks) and C_SIZE set to the all-ones "use EXT_CSD SEC_COUNT"
// sentinel (spec §4.2).
func (h *Host) csdWordsMMCSentinel() [4]uint32 {
	var words [4]uint32
	setField(&words, 80, 4, 9)     // READ_BL_LEN
	setField(&words, 62, 12, 0xfff) // C_SIZE sentinel
	return words
}

// scrBytes synthesizes an 8-byte SCR register reflecting
// SCRSupports4Bit/SCRCMD23Support, matching decode.SCR's bit layout (which
// reads fields via bits.Field against words[0]=raw[0:4], words[1]=raw[4:8]
// MSW-first, pos counted LSB-first from bit 0 of the whole register).
func (h *Host) scrBytes() []byte {
	var buf [8]byte

	if h.SCRSupports4Bit {
		buf[1] |= 1 << 2 // absolute bit 50: words[0] bit 18 -> raw[1] bit 2
	}
	if h.SCRCMD23Support {
		buf[3] |= 1 << 1 // absolute bit 33: words[0] bit 1 -> raw[3] bit 1
	}

	return buf[:]
}

// setField is the inverse of bits.Field: it writes a width-bit value at
// bit position pos (LSB-first from bit 0 of the whole register) into a
// 4-word MSW-first register, mirroring the card's own wire convention.
func setField(words *[4]uint32, pos, width int, val uint64) {
	for i := 0; i < width; i++ {
		if val&(1<<i) == 0 {
			continue
		}

		bit := pos + i
		word := bit / 32
		off := bit % 32

		if word >= len(words) {
			continue
		}

		words[len(words)-1-word] |= 1 << off
	}
}

var errTimeout = &timeoutError{}

type timeoutError struct{}

func (e *timeoutError) Error() string { return "mock: no response" }
