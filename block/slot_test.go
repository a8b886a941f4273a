// MMC/SD/eMMC block device driver core
// https://github.com/usbarmory/mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package block

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/mmcsd"
	"github.com/usbarmory/mmcsd/mock"
)

func newReadySlot(t *testing.T, blocks int) *Slot {
	t.Helper()

	host := mock.NewBlockAddressed(blocks, 512)
	host.CMD8Responds = true
	host.HighCapacity = true
	host.OpCondBusyAfter = 1

	slot := NewSlot(0, host, &mmcsd.Config{})
	require.NoError(t, slot.Probe())
	require.Equal(t, "ready", slot.State())

	return slot
}

func TestProbeRegistersUserDevice(t *testing.T) {
	slot := newReadySlot(t, 64)

	devs := slot.Devices()
	require.Contains(t, devs, mmcsd.PartitionUser)
	assert.Equal(t, "/dev/mmcsd0", devs[mmcsd.PartitionUser])
}

func TestProbeFailureLeavesSlotEmpty(t *testing.T) {
	host := mock.NewBlockAddressed(64, 512)
	host.CMD8Responds = false
	host.OpCondBusyAfter = 1 << 30 // never reports busy

	slot := NewSlot(0, host, &mmcsd.Config{})

	err := slot.Probe()
	require.Error(t, err)
	assert.Equal(t, "empty", slot.State())
	assert.True(t, slot.Card.Empty())
}

func TestEjectResetsSlot(t *testing.T) {
	slot := newReadySlot(t, 64)

	slot.Eject()

	assert.Equal(t, "empty", slot.State())
	assert.Empty(t, slot.Devices())
	assert.True(t, slot.Card.Empty())
}

func TestGeometryReportsAndClearsMediaChanged(t *testing.T) {
	slot := newReadySlot(t, 1024)
	slot.Card.MediaChanged = true

	g, err := slot.Geometry(mmcsd.PartitionUser)
	require.NoError(t, err)
	assert.Equal(t, 512, g.BlockSize)
	assert.Equal(t, 1024, g.Blocks)
	assert.True(t, g.Writable)
	assert.True(t, g.MediaChanged)

	g2, err := slot.Geometry(mmcsd.PartitionUser)
	require.NoError(t, err)
	assert.False(t, g2.MediaChanged)
}

func TestGeometryAbsentPartition(t *testing.T) {
	slot := newReadySlot(t, 64)

	_, err := slot.Geometry(mmcsd.PartitionBoot0)
	require.Error(t, err)
	assert.Equal(t, mmcsd.ErrKindInvalid, mmcsd.KindOf(err))
}

func TestReadWriteChunksAtMultiBlockLimit(t *testing.T) {
	slot := newReadySlot(t, 64)
	slot.Config.MultiBlockLimit = 2

	want := bytes.Repeat([]byte{0x7e}, 5*512)

	n, err := slot.Write(mmcsd.PartitionUser, want, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	got := make([]byte, 5*512)
	n, err = slot.Read(mmcsd.PartitionUser, got, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, want, got)
}

func TestIoctlProbeAndEject(t *testing.T) {
	host := mock.NewBlockAddressed(64, 512)
	host.CMD8Responds = true
	host.HighCapacity = true
	host.OpCondBusyAfter = 1

	slot := NewSlot(0, host, &mmcsd.Config{IOCSupport: true})

	rc, _ := slot.Ioctl(IoctlProbe, nil)
	assert.Equal(t, 0, rc)
	assert.Equal(t, "ready", slot.State())

	rc, _ = slot.Ioctl(IoctlEject, nil)
	assert.Equal(t, 0, rc)
	assert.Equal(t, "empty", slot.State())
}

func TestIoctlCmdRequiresIOCSupport(t *testing.T) {
	slot := newReadySlot(t, 64)
	slot.Config.IOCSupport = false

	rc, _ := slot.Ioctl(IoctlCmd, []RawCmd{{Opcode: 13}})
	assert.Less(t, rc, 0)
}

func TestIoctlCmdStatusOnly(t *testing.T) {
	slot := newReadySlot(t, 64)
	slot.Config.IOCSupport = true

	rc, out := slot.Ioctl(IoctlCmd, []RawCmd{{Opcode: 13}})
	require.Equal(t, 0, rc)
	require.Len(t, out, 1)
}

func TestIoctlCmdRejectsUnsupportedOpcode(t *testing.T) {
	slot := newReadySlot(t, 64)
	slot.Config.IOCSupport = true

	rc, _ := slot.Ioctl(IoctlCmd, []RawCmd{{Opcode: 99}})
	assert.Less(t, rc, 0)
}

func TestIoctlMultiCmdDataRoundTrip(t *testing.T) {
	slot := newReadySlot(t, 64)
	slot.Config.IOCSupport = true

	payload := bytes.Repeat([]byte{0x3c}, 512)
	readBuf := make([]byte, 512)

	rc, _ := slot.Ioctl(IoctlMultiCmd, []RawCmd{
		{Opcode: 25, Arg: 10, Data: payload, Write: true},
		{Opcode: 18, Arg: 10, Data: readBuf},
	})

	require.Equal(t, 0, rc)
	assert.Equal(t, payload, readBuf)
}
