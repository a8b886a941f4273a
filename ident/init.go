// MMC/SD/eMMC block device driver core
// https://github.com/usbarmory/mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ident

import (
	"log"

	"github.com/usbarmory/mmcsd"
	"github.com/usbarmory/mmcsd/decode"
	"github.com/usbarmory/mmcsd/hai"
	"github.com/usbarmory/mmcsd/proto"
)

const (
	busWidth4Bit = 4
	hsTimingHS   = 1
)

// initSD runs the SD v1/v2 initialization path (spec §4.4 "SD path").
func initSD(c *mmcsd.Card, cfg *mmcsd.Config) error {
	if err := proto.Send(c, proto.CMD2, 0); err != nil {
		return err
	}
	if _, err := proto.RecvR2(c, proto.CMD2); err != nil {
		return err
	}

	if err := proto.Send(c, proto.CMD3, 0); err != nil {
		return err
	}
	if _, err := proto.RecvR6(c, proto.CMD3); err != nil {
		return err
	}

	if err := proto.VerifyState(c, mmcsd.StateStby); err != nil {
		return err
	}

	csd, err := readCSD(c)
	if err != nil {
		return err
	}

	applyCSD(c, csd)

	if err := setDSR(c, cfg, csd.DSRImplemented); err != nil {
		return err
	}

	if err := selectCard(c); err != nil {
		return err
	}

	caps := c.Host.Capabilities()

	if caps.Has(hai.Cap4BitOnly) {
		if err := sdWideBus(c); err != nil {
			return err
		}
	}

	scrBuf, err := readDataBlock(c, 8, func() error {
		_, err := proto.SendAppR1(c, proto.ACMD51, 0)
		return err
	})
	if err != nil {
		return err
	}

	scr, err := decode.SCR(scrBuf)
	if err != nil {
		return mmcsd.NewError(mmcsd.ErrKindIO, "decode_scr", err)
	}

	c.Partitions[mmcsd.PartitionUser].Card = c
	c.CMD23Support = scr.CMD23Support

	if !c.WideBus && caps.Has(hai.Cap4Bit) && scr.Supports4Bit {
		if err := sdWideBus(c); err != nil {
			return err
		}
	}

	return nil
}

// initMMC runs the eMMC initialization path (spec §4.4 "eMMC path").
func initMMC(c *mmcsd.Card, cfg *mmcsd.Config) error {
	if err := proto.Send(c, proto.CMD2, 0); err != nil {
		return err
	}
	if _, err := proto.RecvR2(c, proto.CMD2); err != nil {
		return err
	}

	c.RCA = 1
	if err := proto.Send(c, proto.CMD3, c.RCA); err != nil {
		return err
	}
	if _, err := proto.RecvR1(c, proto.CMD3); err != nil {
		return err
	}

	if err := proto.VerifyState(c, mmcsd.StateStby); err != nil {
		return err
	}

	csd, err := readCSD(c)
	if err != nil {
		return err
	}

	applyCSD(c, csd)

	if err := setDSR(c, cfg, csd.DSRImplemented); err != nil {
		return err
	}

	if err := selectCard(c); err != nil {
		return err
	}

	caps := c.Host.Capabilities()

	if caps.Has(hai.Cap4BitOnly) {
		if err := mmcWideBus(c, caps); err != nil {
			return err
		}
	}

	if c.Capacity == mmcsd.CapacityBlockAddressed {
		extBuf, err := readDataBlock(c, 512, func() error {
			return proto.Send(c, proto.CMD8, 0)
		})
		if err != nil {
			return err
		}

		if _, err := proto.RecvR1(c, proto.CMD8); err != nil {
			return err
		}

		c.Host.GotExtCSD(extBuf)

		ext, err := decode.EXTCSD(extBuf)
		if err != nil {
			return mmcsd.NewError(mmcsd.ErrKindIO, "decode_ext_csd", err)
		}

		// The CSD's C_SIZE sentinel deferred the block count to
		// EXT_CSD; merge the two decodes now that both are
		// available (spec §4.4: "re-decode CSD" -- the geometry is
		// CSD plus EXT_CSD, not a second CMD9).
		for p := mmcsd.Partition(0); int(p) < len(ext.PartitionBlocks); p++ {
			if ext.PartitionBlocks[p] > 0 {
				c.Partitions[p].Blocks = ext.PartitionBlocks[p]
			}
		}

		if csd.DeferToExtCSD {
			c.Partitions[mmcsd.PartitionUser].Blocks = ext.UserBlocks
		}
	}

	for p := range c.Partitions {
		c.Partitions[p].Card = c
	}

	if !c.WideBus && caps.Has(hai.Cap4Bit) {
		if err := mmcWideBus(c, caps); err != nil {
			return err
		}
	}

	return nil
}

func readCSD(c *mmcsd.Card) (decode.CSDResult, error) {
	if err := proto.Send(c, proto.CMD9, c.RCA); err != nil {
		return decode.CSDResult{}, err
	}

	r2, err := proto.RecvR2(c, proto.CMD9)
	if err != nil {
		return decode.CSDResult{}, err
	}

	csd, err := decode.CSD(r2.Words, c.Kind)
	if err != nil {
		return decode.CSDResult{}, mmcsd.NewError(mmcsd.ErrKindIO, "decode_csd", err)
	}

	return csd, nil
}

func applyCSD(c *mmcsd.Card, csd decode.CSDResult) {
	c.BlockSize = csd.BlockSize
	c.BlockShift = csd.BlockShift
	c.DSRImplemented = csd.DSRImplemented
	c.WriteProtectedFlag = csd.WriteProtected
	c.Partitions[mmcsd.PartitionUser].Blocks = csd.Blocks
}

func setDSR(c *mmcsd.Card, cfg *mmcsd.Config, implemented bool) error {
	if cfg.DSR == nil || !implemented {
		return nil
	}

	if err := proto.Send(c, proto.CMD4, uint32(*cfg.DSR)<<16); err != nil {
		return err
	}

	c.Delay(mmcsd.DSRDelay)

	return nil
}

func selectCard(c *mmcsd.Card) error {
	if err := proto.Send(c, proto.CMD7, c.RCA); err != nil {
		return err
	}

	_, err := proto.RecvR1(c, proto.CMD7)
	return err
}

// sdWideBus implements the SD wide-bus selection sequence (spec §4.4
// "Wide-bus selection"): best-effort ACMD42 pull-up disconnect, then
// ACMD6 to select 4-bit, then host-side clock/width reconfiguration.
func sdWideBus(c *mmcsd.Card) error {
	if _, err := proto.SendAppR1(c, proto.ACMD42, 0); err != nil {
		// optional, ignored with a warning: the card may not implement it.
		log.Printf("mmcsd: ACMD42 pull-up disconnect failed, continuing: %v", err)
	}

	if _, err := proto.SendAppR1(c, proto.ACMD6, 2); err != nil {
		return err
	}

	if err := c.Host.SetWideBus(true); err != nil {
		return mmcsd.NewError(mmcsd.ErrKindIO, "set_wide_bus", err)
	}

	c.WideBus = true
	c.BusWidth = 4

	if err := c.Host.SetClock(hai.ClockSDTransfer4Bit); err != nil {
		return mmcsd.NewError(mmcsd.ErrKindIO, "set_clock", err)
	}

	c.Delay(mmcsd.ClockDelay)

	return nil
}

// mmcWideBus implements the eMMC wide-bus (and opportunistic high-speed)
// selection sequence (spec §4.4).
func mmcWideBus(c *mmcsd.Card, caps hai.Capability) error {
	if _, err := proto.Switch(c, proto.SwitchArg(decode.ExtCSDBusWidthIndex, busWidth4Bit)); err != nil {
		return err
	}

	if err := proto.TransferReady(c); err != nil {
		return err
	}

	if err := c.Host.SetWideBus(true); err != nil {
		return mmcsd.NewError(mmcsd.ErrKindIO, "set_wide_bus", err)
	}

	c.WideBus = true
	c.BusWidth = 4

	if caps.Has(hai.CapMMCHighSpeed) {
		if _, err := proto.Switch(c, proto.SwitchArg(decode.ExtCSDHSTimingIndex, hsTimingHS)); err != nil {
			return err
		}

		if err := proto.TransferReady(c); err != nil {
			return err
		}

		c.Timing = mmcsd.TimingHighSpeed
	}

	if err := c.Host.SetClock(hai.ClockMMCTransfer); err != nil {
		return mmcsd.NewError(mmcsd.ErrKindIO, "set_clock", err)
	}

	c.Delay(mmcsd.ClockDelay)

	return nil
}

// readDataBlock arms a single-block PIO read of size bytes, issues send
// (the command that triggers the card to push the data), and blocks until
// the transfer completes (spec §4.1, data setup precedes command issuance
// on a read, mirroring the transfer engine's own read path).
func readDataBlock(c *mmcsd.Card, size int, send func() error) ([]byte, error) {
	if err := c.Host.BlockSetup(size, 1); err != nil {
		return nil, mmcsd.NewError(mmcsd.ErrKindIO, "block_setup", err)
	}

	buf := make([]byte, size)

	if err := c.Host.RecvSetup(buf); err != nil {
		return nil, mmcsd.NewError(mmcsd.ErrKindIO, "recv_setup", err)
	}

	if err := c.Host.WaitEnable(hai.EventTransferDone|hai.EventTimeout, identifyDeadline); err != nil {
		return nil, mmcsd.NewError(mmcsd.ErrKindIO, "wait_enable", err)
	}

	if err := send(); err != nil {
		return nil, err
	}

	ev, err := c.Host.EventWait()
	if err != nil {
		return nil, mmcsd.NewError(mmcsd.ErrKindIO, "event_wait", err)
	}

	if ev&hai.EventTimeout != 0 {
		return nil, mmcsd.NewError(mmcsd.ErrKindTimeout, "event_wait", nil)
	}

	return buf, nil
}
