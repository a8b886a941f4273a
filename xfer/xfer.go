// MMC/SD/eMMC block device driver core
// https://github.com/usbarmory/mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package xfer implements the Transfer Engine (spec §4.5): address
// translation, partition switching, DMA alignment bouncing, single/multi
// block read and write, and general-command (CMD56) passthrough.
//
// Grounded on the teacher's Read/Write/transferBlocks (soc/nxp/usdhc) for
// the DMA-before-command and PIO-vs-DMA setup ordering, and on NuttX's
// mmcsd_readsingle/mmcsd_readmultiple/mmcsd_writesingle/mmcsd_writemultiple
// for the CMD23/ACMD23 pre-erase and stop-transmission rescue sequencing.
package xfer

import (
	"time"

	"github.com/usbarmory/mmcsd"
	"github.com/usbarmory/mmcsd/decode"
	"github.com/usbarmory/mmcsd/hai"
	"github.com/usbarmory/mmcsd/proto"
)

// readDeadlinePerBlock is RDATADELAY (spec §4.5): the per-block read
// completion deadline.
const readDeadlinePerBlock = 100 * time.Millisecond

// cmd23ReliableWriteBit requests RPMB "reliable write" semantics on an
// eMMC SET_BLOCK_COUNT.
const cmd23ReliableWriteBit = 1 << 31

// ReadBlocks reads n blocks of c.BlockSize bytes starting at start on
// partition part into buf, which must be at least n*c.BlockSize bytes.
// It returns the number of blocks actually read.
func ReadBlocks(c *mmcsd.Card, part mmcsd.Partition, buf []byte, start, n int) (int, error) {
	if n == 0 {
		return 0, nil
	}

	c.Lock()
	defer c.Unlock()
	unlockBus := lockBus(c)
	defer unlockBus()

	if c.Empty() {
		return 0, mmcsd.ErrNoDevice
	}

	if err := SwitchPartition(c, part); err != nil {
		return 0, err
	}

	if err := proto.TransferReady(c); err != nil {
		return 0, err
	}

	if err := setBlockLength(c, c.BlockSize); err != nil {
		return 0, err
	}

	need := n * c.BlockSize
	if len(buf) < need {
		return 0, mmcsd.NewError(mmcsd.ErrKindInvalid, "read_blocks", nil)
	}

	if n == 1 {
		return readSingle(c, buf[:c.BlockSize], start)
	}

	return readMulti(c, buf[:need], start, n)
}

// WriteBlocks writes n blocks of c.BlockSize bytes from buf, starting at
// start on partition part. It returns the number of blocks actually
// written.
func WriteBlocks(c *mmcsd.Card, part mmcsd.Partition, buf []byte, start, n int) (int, error) {
	if n == 0 {
		return 0, nil
	}

	c.Lock()
	defer c.Unlock()
	unlockBus := lockBus(c)
	defer unlockBus()

	if c.Empty() {
		return 0, mmcsd.ErrNoDevice
	}

	if c.Locked {
		return 0, mmcsd.ErrLocked
	}

	if !c.Writable() {
		return 0, mmcsd.ErrWriteProtected
	}

	if err := SwitchPartition(c, part); err != nil {
		return 0, err
	}

	if err := proto.TransferReady(c); err != nil {
		return 0, err
	}

	if err := setBlockLength(c, c.BlockSize); err != nil {
		return 0, err
	}

	need := n * c.BlockSize
	if len(buf) < need {
		return 0, mmcsd.NewError(mmcsd.ErrKindInvalid, "write_blocks", nil)
	}

	if n == 1 {
		return writeSingle(c, buf[:c.BlockSize], start)
	}

	return writeMulti(c, buf[:need], part, start, n)
}

// lockBus takes the bus-level lock, after the card lock, when the host
// reports the bus requires mux locking (spec §5 lock ordering). It returns
// the matching unlock func; callers must defer it immediately so it
// releases before the card lock's own deferred Unlock.
func lockBus(c *mmcsd.Card) func() {
	if !c.Caps.Has(hai.CapBusMuxLocking) {
		return func() {}
	}

	c.BusLocked.Lock()
	return c.BusLocked.Unlock
}

// address translates a block index into the CMD17/18/24/25 argument
// (spec §4.5 "Address translation").
func address(c *mmcsd.Card, block int) uint32 {
	if c.Capacity == mmcsd.CapacityBlockAddressed {
		return uint32(block)
	}

	return uint32(block) * uint32(c.BlockSize)
}

// SwitchPartition issues the EXT_CSD PARTITION_CONFIG write and updates
// Card.ActivePartition on success (spec §4.5 "Partition switching").
func SwitchPartition(c *mmcsd.Card, part mmcsd.Partition) error {
	if part == c.ActivePartition {
		return nil
	}

	if _, err := proto.Switch(c, proto.SwitchArg(decode.ExtCSDPartitionConfigIndex, uint8(part))); err != nil {
		return err
	}

	if err := proto.TransferReady(c); err != nil {
		return err
	}

	c.ActivePartition = part

	return nil
}

// setBlockLength re-issues CMD16 only when length differs from the last
// cached value (spec §4.5 "Block length").
func setBlockLength(c *mmcsd.Card, length int) error {
	if c.SelectedBlockLength == length {
		return nil
	}

	if err := proto.Send(c, proto.CMD16, uint32(length)); err != nil {
		return err
	}

	if _, err := proto.RecvR1(c, proto.CMD16); err != nil {
		return err
	}

	c.SelectedBlockLength = length

	return nil
}

// setBlockCount issues CMD23 (SET_BLOCK_COUNT) ahead of a multi-block
// transfer: unconditionally for eMMC, or for SD only when the card
// reported CMD23 support in SCR (spec §4.5 "Block count"). It reports
// whether CMD23 was actually used, which determines whether the
// transaction needs a closing CMD12. reliableWrite sets bit 31 to request
// RPMB "reliable write" and only applies to eMMC.
func setBlockCount(c *mmcsd.Card, n int, reliableWrite bool) (bool, error) {
	switch c.Kind {
	case mmcsd.KindMMC:
	case mmcsd.KindSDv1, mmcsd.KindSDv2:
		if !c.CMD23Support {
			return false, nil
		}
	default:
		return false, nil
	}

	arg := uint32(n)
	if reliableWrite && c.Kind == mmcsd.KindMMC {
		arg |= cmd23ReliableWriteBit
	}

	if err := proto.Send(c, proto.CMD23, arg); err != nil {
		return false, err
	}

	_, err := proto.RecvR1(c, proto.CMD23)
	return true, err
}

// bounceBuffer arms a DMA-safe working buffer for a transfer, acquiring
// one from the host's alignment allocator only when the host supports DMA
// and rejects the caller's buffer outright (spec §4.5 "DMA alignment").
// finish must be called exactly once, on every exit path; for a read it
// copies the bounce contents back into the caller's buffer before
// releasing it.
type bounceBuffer struct {
	work    []byte
	bounced bool
	host    hai.Host
	orig    []byte
}

func acquireBounce(c *mmcsd.Card, buf []byte) (*bounceBuffer, error) {
	if !c.Caps.Has(hai.CapDMA) {
		return &bounceBuffer{work: buf}, nil
	}

	if err := c.Host.DMAPreflight(buf); err == nil {
		return &bounceBuffer{work: buf}, nil
	}

	alloc := c.Host.Allocator()
	if alloc == nil {
		return &bounceBuffer{work: buf}, nil
	}

	work, err := alloc.Acquire(len(buf))
	if err != nil {
		return nil, mmcsd.NewError(mmcsd.ErrKindOutOfMemory, "bounce", err)
	}

	return &bounceBuffer{work: work, bounced: true, host: c.Host, orig: buf}, nil
}

// copyIn copies the caller's data into the bounce buffer ahead of a write.
func (b *bounceBuffer) copyIn() {
	if b.bounced {
		copy(b.work, b.orig)
	}
}

// finish copies the bounce buffer back into the caller's buffer (for a
// read) and releases it.
func (b *bounceBuffer) finish(isRead bool) {
	if !b.bounced {
		return
	}

	if isRead {
		copy(b.orig, b.work)
	}

	b.host.Allocator().Release(b.work)
}
