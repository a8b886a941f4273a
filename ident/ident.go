// MMC/SD/eMMC block device driver core
// https://github.com/usbarmory/mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ident implements the Card Identification & Initialization State
// Machine (spec §4.3, §4.4): power-up sequencing, the CMD1/CMD8/ACMD41
// tie-break that distinguishes eMMC from SD v1/v2, and the per-family
// initialization sequence through wide-bus selection.
//
// Grounded on the teacher's Detect/voltageValidationSD/initSD and
// imx6/usdhc/mmc.go's voltageValidationMMC/initMMC, and on NuttX's
// mmcsd_cardidentify/mmcsd_sdinitialize/mmcsd_mmcinitialize/mmcsd_widebus,
// whose one-second poll bound and per-attempt command arguments are followed
// here. The eMMC-vs-SD decision differs in control flow: identifyKind polls
// both candidacies every iteration.
package ident

import (
	"time"

	"github.com/usbarmory/mmcsd"
	"github.com/usbarmory/mmcsd/hai"
	"github.com/usbarmory/mmcsd/proto"
)

// identifyDeadline bounds the CMD1/ACMD41 polling loop (spec §4.3).
const identifyDeadline = 1 * time.Second

// identifyTick is the pause between polling attempts.
const identifyTick = 10 * time.Millisecond

// ocrBusy is the OCR "card power up status" bit: set once the card has
// finished its internal initialization.
const ocrBusy = 1 << 31

// ocrCCS is the OCR "card capacity status" bit: set for a block-addressed
// (high-capacity) card.
const ocrCCS = 1 << 30

// sdVoltageWindow is the 2.7-3.6V OCR argument window ident drives both
// ACMD41 and CMD1 with.
const sdVoltageWindow = 0x00ff8000

// mmcVoltageWindow adds the OCR sector mode (CCS) hint for eMMC.
const mmcVoltageWindow = sdVoltageWindow | ocrCCS

// cmd8VoltageArg is CMD8's check pattern argument: 2.7-3.6V range (0x1),
// check pattern 0xAA.
const cmd8VoltageArg = 0x1aa
const cmd8CheckPattern = 0xaa

// acmd41HCSBit is set in the ACMD41 argument once CMD8 has confirmed SD
// v2/v3 support, requesting a high-capacity card.
const acmd41HCSBit = 1 << 30

// ioOCRFunctionsMask/ioOCRFunctionsPos decode the "number of I/O functions"
// field of CMD5's response, bits 30:28 of the IO OCR register. A nonzero
// value means the card exposes at least one SDIO function.
const (
	ioOCRFunctionsPos  = 28
	ioOCRFunctionsMask = 0x7
)

// Identify runs the full Card Identification & Initialization sequence
// (spec §4.3-§4.4) against an already-powered card slot: the identification
// clock, CMD0, the eMMC-vs-SD tie-break, and the per-family initialization
// through wide-bus selection. It first copies the host capabilities and the
// transfer-related settings of cfg onto c. On success c.Kind, c.Capacity
// and the user-partition geometry are populated on c.
func Identify(c *mmcsd.Card, cfg *mmcsd.Config) error {
	c.Lock()
	defer c.Unlock()

	c.Caps = c.Host.Capabilities()
	c.WaitWriteComplete = cfg.WaitWriteComplete
	c.CheckReadyWithoutSleep = cfg.CheckReadyWithoutSleep
	c.BlockWriteDeadline = cfg.BlockWriteDeadline

	if err := c.Host.SetClock(hai.ClockIdent); err != nil {
		return mmcsd.NewError(mmcsd.ErrKindIO, "identify", err)
	}

	if cfg.MMCSupport {
		// eMMC pre-idle: a dedicated CMD0 argument that some eMMC
		// parts require before GO_IDLE is recognized (spec §4.3).
		if err := proto.Send(c, proto.CMD0, 0xf0f0f0f0); err != nil {
			return err
		}
		c.Delay(mmcsd.IdleDelay)
	}

	if err := proto.Send(c, proto.CMD0, 0); err != nil {
		return err
	}
	c.Delay(mmcsd.PowerUpDelay)

	if sdio, err := probeSDIO(c); err != nil {
		return err
	} else if sdio {
		// spec.md Non-goals exclude SDIO (I/O) cards: reject cleanly
		// rather than misidentify the I/O function as memory.
		return mmcsd.ErrInvalid
	}

	if err := identifyKind(c, cfg); err != nil {
		return err
	}

	switch c.Kind {
	case mmcsd.KindSDv1, mmcsd.KindSDv2:
		return initSD(c, cfg)
	case mmcsd.KindMMC:
		return initMMC(c, cfg)
	default:
		return mmcsd.NewError(mmcsd.ErrKindIO, "identify", nil)
	}
}

// identifyKind runs the CMD1/CMD8/ACMD41 tie-break (spec §4.3 steps 3-5),
// setting c.Kind and c.Capacity on success. Both candidacies are polled
// every iteration, and both results are collected before either decides
// the outcome: if CMD1's R3 reports a real success (busy/power-up-complete)
// in the same iteration ACMD41 also does, the card is eMMC, never SD — CMD1
// success always wins the tie. A candidate that never answers at all
// simply drops out.
func identifyKind(c *mmcsd.Card, cfg *mmcsd.Config) error {
	mmcCandidate := cfg.MMCSupport
	sdCandidate := true

	cmd8Echoed, _ := sendCMD8(c)

	deadline := time.Now().Add(identifyDeadline)

	for {
		var sdBusy, mmcBusy bool
		var sdR3, mmcR3 hai.R3

		if sdCandidate {
			r3, busy, err := sendACMD41(c, cmd8Echoed)

			switch {
			case err != nil:
				sdCandidate = false
			case busy:
				sdBusy, sdR3 = true, r3
			}
		}

		if mmcCandidate {
			r3, busy, err := sendOpCondMMC(c)

			switch {
			case err != nil:
				mmcCandidate = false
			case busy:
				mmcBusy, mmcR3 = true, r3
			}
		}

		switch {
		case mmcBusy:
			c.Kind = mmcsd.KindMMC

			if mmcR3.OCR&ocrCCS != 0 {
				c.Capacity = mmcsd.CapacityBlockAddressed
			} else {
				c.Capacity = mmcsd.CapacityByteAddressed
			}

			return nil

		case sdBusy:
			c.Kind = mmcsd.KindSDv1
			c.Capacity = mmcsd.CapacityByteAddressed

			if cmd8Echoed {
				c.Kind = mmcsd.KindSDv2
				if sdR3.OCR&ocrCCS != 0 {
					c.Capacity = mmcsd.CapacityBlockAddressed
				}
			}

			return nil
		}

		if !sdCandidate && !mmcCandidate {
			return mmcsd.NewError(mmcsd.ErrKindIO, "identify", nil)
		}

		if time.Now().After(deadline) {
			return mmcsd.NewError(mmcsd.ErrKindIO, "identify", nil)
		}

		c.Delay(identifyTick)
	}
}

// probeSDIO issues CMD5 (IO_SEND_OP_COND) with an inquiry argument of 0 and
// reports whether the card advertises any SDIO function, via the "number of
// I/O functions" field of the response. A card that never answers CMD5 at
// all -- the overwhelming majority of plain memory cards -- is not SDIO,
// so a failure here is not an error.
func probeSDIO(c *mmcsd.Card) (bool, error) {
	if err := proto.Send(c, proto.CMD5, 0); err != nil {
		return false, nil
	}

	r3, err := proto.RecvR3(c, proto.CMD5)
	if err != nil {
		return false, nil
	}

	functions := (r3.OCR >> ioOCRFunctionsPos) & ioOCRFunctionsMask

	return functions != 0, nil
}

// sendCMD8 issues SEND_IF_COND and reports whether the card echoed back
// the voltage/check-pattern argument, which both confirms SD v2/v3
// candidacy and requests the high-capacity bit on the following ACMD41s.
// A card that does not respond at all to CMD8 is an SD v1 (or non-SD)
// candidate, not an error, so failures are swallowed here.
func sendCMD8(c *mmcsd.Card) (bool, error) {
	if err := proto.Send(c, proto.CMD8, cmd8VoltageArg); err != nil {
		return false, nil
	}

	r7, err := proto.RecvR7(c, proto.CMD8)
	if err != nil {
		return false, nil
	}

	return r7.VoltageAccepted == 1 && r7.CheckPattern == cmd8CheckPattern, nil
}

// sendACMD41 issues CMD55+ACMD41 with the SD voltage window, setting HCS
// when cmd8Echoed. It returns the decoded OCR and whether the busy bit
// (power-up complete) is set.
func sendACMD41(c *mmcsd.Card, cmd8Echoed bool) (hai.R3, bool, error) {
	arg := uint32(sdVoltageWindow)
	if cmd8Echoed {
		arg |= acmd41HCSBit
	}

	if err := proto.SendApp(c, proto.ACMD41, arg); err != nil {
		return hai.R3{}, false, err
	}

	r3, err := proto.RecvR3(c, proto.ACMD41)
	if err != nil {
		return r3, false, err
	}

	return r3, r3.OCR&ocrBusy != 0, nil
}

// sendOpCondMMC issues CMD1 (SEND_OP_COND) with the eMMC voltage+sector
// window and reports the decoded OCR and busy bit.
func sendOpCondMMC(c *mmcsd.Card) (hai.R3, bool, error) {
	if err := proto.Send(c, proto.CMD1, mmcVoltageWindow); err != nil {
		return hai.R3{}, false, err
	}

	r3, err := proto.RecvR3(c, proto.CMD1)
	if err != nil {
		return r3, false, err
	}

	return r3, r3.OCR&ocrBusy != 0, nil
}
