// MMC/SD/eMMC block device driver core
// https://github.com/usbarmory/mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package proto implements the Command/Response Layer (spec §4.1): command
// issuance, response decoding for classes R1/R2/R3/R6/R7, the
// transfer-ready busy-poll protocol shared by SWITCH and the transfer
// engine, and stop-transmission.
package proto

import (
	"time"

	"github.com/usbarmory/mmcsd"
	"github.com/usbarmory/mmcsd/hai"
)

// Command opcodes used by the core (spec §6).
const (
	CMD0  = 0
	CMD1  = 1 // eMMC SEND_OP_COND
	CMD2  = 2
	CMD3  = 3
	CMD4  = 4
	CMD5  = 5 // IO_SEND_OP_COND (SDIO inquiry)
	CMD6  = 6
	CMD7  = 7
	CMD8  = 8
	CMD9  = 9
	CMD12 = 12
	CMD13 = 13
	CMD16 = 16
	CMD17 = 17
	CMD18 = 18
	CMD23 = 23
	CMD24 = 24
	CMD25 = 25
	CMD55 = 55
	CMD56 = 56

	ACMD6  = 6
	ACMD23 = 23
	ACMD41 = 41
	ACMD42 = 42
	ACMD51 = 51
)

// TransferReadyPollTick bounds the whole busy-poll loop of TransferReady
// (spec §4.5 "time-bound the poll at one tick-per-second").
const TransferReadyPollTick = 1 * time.Second

// Send issues a command and blocks until its response is ready.
func Send(c *mmcsd.Card, opcode uint32, arg uint32) error {
	if err := c.Host.SendCmd(opcode, arg); err != nil {
		return mmcsd.NewError(mmcsd.ErrKindIO, opName(opcode), err)
	}

	if err := c.Host.WaitResponse(opcode); err != nil {
		return mmcsd.NewError(mmcsd.ErrKindTimeout, opName(opcode), err)
	}

	return nil
}

// SendApp issues CMD55 (APP_CMD) addressed to the card followed by the
// given application-specific command.
func SendApp(c *mmcsd.Card, acmd uint32, arg uint32) error {
	if err := Send(c, CMD55, c.RCA); err != nil {
		return err
	}

	r1, err := RecvR1(c, CMD55)
	if err != nil {
		return err
	}

	if r1.Status&(1<<5) == 0 {
		return mmcsd.NewError(mmcsd.ErrKindIO, "CMD55", nil)
	}

	return Send(c, acmd, arg)
}

// SendAppR1 issues CMD55+acmd and decodes the trailing R1, the shape most
// application commands (ACMD6, ACMD23, ACMD42, ACMD51) take.
func SendAppR1(c *mmcsd.Card, acmd uint32, arg uint32) (hai.R1, error) {
	if err := SendApp(c, acmd, arg); err != nil {
		return hai.R1{}, err
	}

	return RecvR1(c, acmd)
}

// RecvR1 decodes an R1 response. Per the error policy (spec §4.1), an
// error-mask bit fails with ErrKindIO; the card-locked bit (independent of
// the error mask) latches Card.Locked so later writes fail fast before any
// bus activity.
func RecvR1(c *mmcsd.Card, opcode uint32) (hai.R1, error) {
	r1, err := c.Host.RecvR1(opcode)
	if err != nil {
		return r1, mmcsd.NewError(mmcsd.ErrKindIO, opName(opcode), err)
	}

	if r1.Status&hai.CardLockedBit != 0 {
		c.Locked = true
	}

	if r1.Status&hai.ErrorMask != 0 {
		return r1, mmcsd.NewError(mmcsd.ErrKindIO, opName(opcode), nil)
	}

	return r1, nil
}

// RecvR2 decodes a 128-bit R2 response (CID/CSD).
func RecvR2(c *mmcsd.Card, opcode uint32) (hai.R2, error) {
	r2, err := c.Host.RecvR2(opcode)
	if err != nil {
		return r2, mmcsd.NewError(mmcsd.ErrKindIO, opName(opcode), err)
	}

	return r2, nil
}

// RecvR3 decodes an OCR response.
func RecvR3(c *mmcsd.Card, opcode uint32) (hai.R3, error) {
	r3, err := c.Host.RecvR3(opcode)
	if err != nil {
		return r3, mmcsd.NewError(mmcsd.ErrKindIO, opName(opcode), err)
	}

	return r3, nil
}

// RecvR6 decodes a published-RCA response. On success it stores the new
// RCA in the descriptor (spec §4.1 "R6 policy").
func RecvR6(c *mmcsd.Card, opcode uint32) (hai.R6, error) {
	r6, err := c.Host.RecvR6(opcode)
	if err != nil {
		return r6, mmcsd.NewError(mmcsd.ErrKindIO, opName(opcode), err)
	}

	// R6's status word packs a reduced subset of the R1 error bits into
	// its upper nibble (COM_CRC_ERROR, ILLEGAL_COMMAND, ERROR);
	// spec §4.1 treats any of them as a hard failure.
	const r6ErrorMask = 0xe000
	if uint32(r6.Status)&r6ErrorMask != 0 {
		return r6, mmcsd.NewError(mmcsd.ErrKindIO, opName(opcode), nil)
	}

	c.RCA = uint32(r6.RCA)

	return r6, nil
}

// RecvR7 decodes a voltage-echo response.
func RecvR7(c *mmcsd.Card, opcode uint32) (hai.R7, error) {
	r7, err := c.Host.RecvR7(opcode)
	if err != nil {
		return r7, mmcsd.NewError(mmcsd.ErrKindIO, opName(opcode), err)
	}

	return r7, nil
}

// GetStatus issues CMD13 (SEND_STATUS) and returns the decoded R1.
func GetStatus(c *mmcsd.Card) (hai.R1, error) {
	if err := Send(c, CMD13, c.RCA); err != nil {
		return hai.R1{}, err
	}

	return RecvR1(c, CMD13)
}

// VerifyState issues CMD13 and fails ErrKindInvalid if the card's reported
// state does not match expected.
func VerifyState(c *mmcsd.Card, expected mmcsd.State) error {
	r1, err := GetStatus(c)
	if err != nil {
		return err
	}

	if mmcsd.State(r1.State()) != expected {
		return mmcsd.NewError(mmcsd.ErrKindInvalid, "verify_state", nil)
	}

	return nil
}

// Switch issues CMD6, first ensuring the card is not mid-program via
// TransferReady (spec §4.1: "switch(arg)"). It marks Card.WriteBusy true
// since a SWITCH always ends the card in programming state.
func Switch(c *mmcsd.Card, arg uint32) (hai.R1, error) {
	if err := TransferReady(c); err != nil {
		return hai.R1{}, err
	}

	if err := Send(c, CMD6, arg); err != nil {
		return hai.R1{}, err
	}

	c.WriteBusy = true

	return RecvR1(c, CMD6)
}

// SwitchAccessWriteByte is the CMD6 access-mode field value for a
// single-byte EXT_CSD write, the only access mode the core uses.
const SwitchAccessWriteByte = 0x03

// SwitchArg builds a CMD6 argument: access[25:24] | index[23:16] |
// value[15:8] | cmd_set[2:0]. Every EXT_CSD byte write the core performs
// (wide-bus selection, HS_TIMING, partition switching) goes through it.
func SwitchArg(index, value uint8) uint32 {
	return uint32(SwitchAccessWriteByte)<<24 | uint32(index)<<16 | uint32(value)<<8
}

// StopTransmission issues CMD12.
func StopTransmission(c *mmcsd.Card) error {
	if err := Send(c, CMD12, 0); err != nil {
		return err
	}

	_, err := RecvR1(c, CMD12)
	return err
}

// TransferReady implements the busy-wait protocol required before every
// read or write (spec §4.5 "Transfer-ready protocol"): if the card is
// mid-program, optionally wait for the host's write-complete event, then
// poll CMD13 until the card reports TRAN, tolerating PRG/RCV as still busy.
// Any other state is an immediate ErrKindInvalid failure. The whole poll is
// bounded at TransferReadyPollTick; exceeding it without reaching TRAN is
// ErrKindTimeout.
func TransferReady(c *mmcsd.Card) error {
	if !c.WriteBusy {
		return nil
	}

	if c.WaitWriteComplete {
		_ = c.Host.WaitEnable(hai.EventWriteComplete|hai.EventTimeout, TransferReadyPollTick)
		_, _ = c.Host.EventWait()
	}

	deadline := time.Now().Add(TransferReadyPollTick)

	for {
		r1, err := GetStatus(c)
		if err != nil {
			return err
		}

		switch mmcsd.State(r1.State()) {
		case mmcsd.StateTran:
			c.WriteBusy = false
			return nil
		case mmcsd.StatePrg, mmcsd.StateRcv:
			// still busy, keep polling
		default:
			return mmcsd.NewError(mmcsd.ErrKindInvalid, "transfer_ready", nil)
		}

		if time.Now().After(deadline) {
			return mmcsd.NewError(mmcsd.ErrKindTimeout, "transfer_ready", nil)
		}

		c.Yield(1 * time.Millisecond)
	}
}

func opName(opcode uint32) string {
	return "CMD" + itoa(opcode)
}

func itoa(n uint32) string {
	if n == 0 {
		return "0"
	}

	var buf [10]byte
	i := len(buf)

	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}

	return string(buf[i:])
}
