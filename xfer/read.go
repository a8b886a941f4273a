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

// readSingle implements CMD17 (spec §4.5 "Single read").
func readSingle(c *mmcsd.Card, buf []byte, start int) (int, error) {
	bb, err := acquireBounce(c, buf)
	if err != nil {
		return 0, err
	}
	defer bb.finish(true)

	if err := c.Host.BlockSetup(c.BlockSize, 1); err != nil {
		c.Host.Cancel()
		return 0, mmcsd.NewError(mmcsd.ErrKindIO, "block_setup", err)
	}

	if err := setupRecv(c, bb.work); err != nil {
		c.Host.Cancel()
		return 0, err
	}

	if err := c.Host.WaitEnable(hai.EventTransferDone|hai.EventTimeout|hai.EventError, readDeadlinePerBlock); err != nil {
		c.Host.Cancel()
		return 0, mmcsd.NewError(mmcsd.ErrKindIO, "wait_enable", err)
	}

	if err := proto.Send(c, proto.CMD17, address(c, start)); err != nil {
		c.Host.Cancel()
		return 0, err
	}

	if _, err := proto.RecvR1(c, proto.CMD17); err != nil {
		c.Host.Cancel()
		return 0, err
	}

	if err := waitTransferEvent(c); err != nil {
		c.Host.Cancel()
		return 0, err
	}

	return 1, nil
}

// readMulti implements CMD18 (spec §4.5 "Multi read"). On SD without
// CMD23 support the transaction is closed with CMD12 regardless of
// whether the data phase itself succeeded.
func readMulti(c *mmcsd.Card, buf []byte, start, n int) (int, error) {
	bb, err := acquireBounce(c, buf)
	if err != nil {
		return 0, err
	}
	defer bb.finish(true)

	usedCMD23, err := setBlockCount(c, n, false)
	if err != nil {
		c.Host.Cancel()
		return 0, err
	}

	if err := c.Host.BlockSetup(c.BlockSize, n); err != nil {
		c.Host.Cancel()
		return 0, mmcsd.NewError(mmcsd.ErrKindIO, "block_setup", err)
	}

	if err := setupRecv(c, bb.work); err != nil {
		c.Host.Cancel()
		return 0, err
	}

	deadline := readDeadlinePerBlock * time.Duration(n)
	if err := c.Host.WaitEnable(hai.EventTransferDone|hai.EventTimeout|hai.EventError, deadline); err != nil {
		c.Host.Cancel()
		return 0, mmcsd.NewError(mmcsd.ErrKindIO, "wait_enable", err)
	}

	if err := proto.Send(c, proto.CMD18, address(c, start)); err != nil {
		c.Host.Cancel()
		return 0, err
	}

	if _, err := proto.RecvR1(c, proto.CMD18); err != nil {
		c.Host.Cancel()
		return 0, err
	}

	xferErr := waitTransferEvent(c)

	if !usedCMD23 {
		_ = proto.StopTransmission(c)
	}

	if xferErr != nil {
		c.Host.Cancel()
		return 0, xferErr
	}

	return n, nil
}

// setupRecv arms a receive for buf over DMA when the host supports it,
// PIO otherwise.
func setupRecv(c *mmcsd.Card, buf []byte) error {
	if c.Caps.Has(hai.CapDMA) {
		if err := c.Host.DMARecvSetup(buf); err != nil {
			return mmcsd.NewError(mmcsd.ErrKindIO, "dma_recv_setup", err)
		}
		return nil
	}

	if err := c.Host.RecvSetup(buf); err != nil {
		return mmcsd.NewError(mmcsd.ErrKindIO, "recv_setup", err)
	}

	return nil
}

// setupSend arms a send for buf over DMA when the host supports it, PIO
// otherwise.
func setupSend(c *mmcsd.Card, buf []byte) error {
	if c.Caps.Has(hai.CapDMA) {
		if err := c.Host.DMASendSetup(buf); err != nil {
			return mmcsd.NewError(mmcsd.ErrKindIO, "dma_send_setup", err)
		}
		return nil
	}

	if err := c.Host.SendSetup(buf); err != nil {
		return mmcsd.NewError(mmcsd.ErrKindIO, "send_setup", err)
	}

	return nil
}

// waitTransferEvent blocks for the event armed by the preceding
// WaitEnable call and classifies the result.
func waitTransferEvent(c *mmcsd.Card) error {
	ev, err := c.Host.EventWait()
	if err != nil {
		return mmcsd.NewError(mmcsd.ErrKindIO, "event_wait", err)
	}

	if ev&hai.EventTimeout != 0 {
		return mmcsd.NewError(mmcsd.ErrKindTimeout, "event_wait", nil)
	}

	if ev&hai.EventError != 0 {
		return mmcsd.NewError(mmcsd.ErrKindIO, "event_wait", nil)
	}

	return nil
}
