// MMC/SD/eMMC block device driver core
// https://github.com/usbarmory/mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xfer

import (
	"time"

	"github.com/usbarmory/mmcsd"
	"github.com/usbarmory/mmcsd/hai"
	"github.com/usbarmory/mmcsd/proto"
)

func writeDeadline(c *mmcsd.Card) time.Duration {
	if c.BlockWriteDeadline > 0 {
		return c.BlockWriteDeadline
	}
	return mmcsd.DefaultBlockWriteDeadline
}

// armWriteComplete optionally arms the host's write-complete event for
// the next transfer-ready check to collect (spec §4.5 "Single write").
func armWriteComplete(c *mmcsd.Card, deadline time.Duration) {
	c.WriteBusy = true

	if c.WaitWriteComplete {
		_ = c.Host.WaitEnable(hai.EventWriteComplete|hai.EventTimeout, deadline)
	}
}

// writeSingle implements CMD24 (spec §4.5 "Single write"), honoring the
// host's DMA-before-command policy.
func writeSingle(c *mmcsd.Card, buf []byte, start int) (int, error) {
	bb, err := acquireBounce(c, buf)
	if err != nil {
		return 0, err
	}
	bb.copyIn()
	defer bb.finish(false)

	if err := c.Host.BlockSetup(c.BlockSize, 1); err != nil {
		c.Host.Cancel()
		return 0, mmcsd.NewError(mmcsd.ErrKindIO, "block_setup", err)
	}

	deadline := writeDeadline(c)

	issue := func() error {
		if err := proto.Send(c, proto.CMD24, address(c, start)); err != nil {
			return err
		}
		_, err := proto.RecvR1(c, proto.CMD24)
		return err
	}

	if err := runWriteSequence(c, bb.work, deadline, issue); err != nil {
		c.Host.Cancel()
		return 0, err
	}

	if err := waitTransferEvent(c); err != nil {
		c.Host.Cancel()
		return 0, err
	}

	armWriteComplete(c, deadline)

	return 1, nil
}

// writeMulti implements CMD25 (spec §4.5 "Multi write"): SD always
// precedes it with CMD55+ACMD23 pre-erase, eMMC with CMD23 (reliable
// write for RPMB). The stop-transmission rescue after a failed transfer
// is a deliberate contract (spec §9 open question), not a bug: the
// original transfer error is returned even if the rescue CMD12 itself
// fails, because the caller needs to know the write failed, not whether
// cleanup succeeded.
func writeMulti(c *mmcsd.Card, buf []byte, part mmcsd.Partition, start, n int) (int, error) {
	bb, err := acquireBounce(c, buf)
	if err != nil {
		return 0, err
	}
	bb.copyIn()
	defer bb.finish(false)

	if c.Kind != mmcsd.KindMMC {
		if _, err := proto.SendAppR1(c, proto.ACMD23, uint32(n)); err != nil {
			c.Host.Cancel()
			return 0, err
		}
	}

	reliableWrite := part == mmcsd.PartitionRPMB

	usedCMD23, err := setBlockCount(c, n, reliableWrite)
	if err != nil {
		c.Host.Cancel()
		return 0, err
	}

	if err := c.Host.BlockSetup(c.BlockSize, n); err != nil {
		c.Host.Cancel()
		return 0, mmcsd.NewError(mmcsd.ErrKindIO, "block_setup", err)
	}

	deadline := writeDeadline(c) * time.Duration(n)

	issue := func() error {
		if err := proto.Send(c, proto.CMD25, address(c, start)); err != nil {
			return err
		}
		_, err := proto.RecvR1(c, proto.CMD25)
		return err
	}

	if err := runWriteSequence(c, bb.work, deadline, issue); err != nil {
		c.Host.Cancel()
		return 0, err
	}

	xferErr := waitTransferEvent(c)

	if !usedCMD23 {
		// Intentionally discarded: see the function comment. The
		// rescue's own success or failure never changes what this
		// call reports.
		_ = proto.StopTransmission(c)
	}

	if xferErr != nil {
		c.Host.Cancel()
		return 0, xferErr
	}

	armWriteComplete(c, deadline)

	return n, nil
}

// runWriteSequence sets up the DMA/PIO send, arms the completion wait,
// and issues the write command, in the order the host's
// CapDMABeforeWrite capability requires (spec §4.5).
func runWriteSequence(c *mmcsd.Card, buf []byte, deadline time.Duration, issue func() error) error {
	arm := func() error {
		if err := c.Host.WaitEnable(hai.EventTransferDone|hai.EventTimeout|hai.EventError, deadline); err != nil {
			return mmcsd.NewError(mmcsd.ErrKindIO, "wait_enable", err)
		}
		return nil
	}

	if c.Caps.Has(hai.CapDMABeforeWrite) {
		if err := setupSend(c, buf); err != nil {
			return err
		}
		if err := arm(); err != nil {
			return err
		}
		return issue()
	}

	if err := issue(); err != nil {
		return err
	}
	if err := setupSend(c, buf); err != nil {
		return err
	}
	return arm()
}
