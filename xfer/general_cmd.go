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
	"github.com/usbarmory/mmcsd"
	"github.com/usbarmory/mmcsd/hai"
	"github.com/usbarmory/mmcsd/proto"
)

// CMD56 direction bit: 0 reads a vendor-defined data block from the card,
// 1 writes one to it.
const (
	generalCmdRead  = 0
	generalCmdWrite = 1
)

// GeneralCommand issues CMD56 (GEN_CMD), the vendor-defined data
// passthrough (spec §6 raw opcode 56). write selects the transfer
// direction; buf is both the data block (sized by the caller) and the
// destination for a read.
//
// This is a strict reimplementation of the open question the source
// (NuttX's mmcsd_general_cmd_read/write) leaves ambiguous (spec §9):
// the source always returns OK at its exit label regardless of what
// failed along the way. Every failure path here returns the error that
// actually occurred instead.
func GeneralCommand(c *mmcsd.Card, write bool, buf []byte) error {
	c.Lock()
	defer c.Unlock()
	unlockBus := lockBus(c)
	defer unlockBus()

	if c.Empty() {
		return mmcsd.ErrNoDevice
	}

	if c.Locked {
		return mmcsd.ErrLocked
	}

	if err := proto.TransferReady(c); err != nil {
		return err
	}

	if err := c.Host.BlockSetup(len(buf), 1); err != nil {
		return mmcsd.NewError(mmcsd.ErrKindIO, "block_setup", err)
	}

	arg := uint32(generalCmdRead)
	if write {
		arg = generalCmdWrite
	}

	setup := setupRecv
	if write {
		setup = setupSend
	}

	if err := setup(c, buf); err != nil {
		c.Host.Cancel()
		return err
	}

	if err := c.Host.WaitEnable(hai.EventTransferDone|hai.EventTimeout|hai.EventError, readDeadlinePerBlock); err != nil {
		c.Host.Cancel()
		return mmcsd.NewError(mmcsd.ErrKindIO, "wait_enable", err)
	}

	if err := proto.Send(c, proto.CMD56, arg); err != nil {
		c.Host.Cancel()
		return err
	}

	if _, err := proto.RecvR1(c, proto.CMD56); err != nil {
		c.Host.Cancel()
		return err
	}

	if err := waitTransferEvent(c); err != nil {
		c.Host.Cancel()
		return err
	}

	return nil
}
