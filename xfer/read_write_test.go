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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/mmcsd"
	"github.com/usbarmory/mmcsd/mock"
)

func TestSingleBlockRoundTrip(t *testing.T) {
	host := mock.NewBlockAddressed(16, 512)
	c := newTestCard(host, mmcsd.KindSDv2, 16)

	want := bytes.Repeat([]byte{0x5a}, 512)

	n, err := WriteBlocks(c, mmcsd.PartitionUser, want, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, c.WriteBusy)

	got := make([]byte, 512)
	n, err = ReadBlocks(c, mmcsd.PartitionUser, got, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, want, got)
}

func TestMultiBlockRoundTrip(t *testing.T) {
	host := mock.NewBlockAddressed(16, 512)
	c := newTestCard(host, mmcsd.KindSDv2, 16)
	c.CMD23Support = true

	want := append(bytes.Repeat([]byte{0x11}, 512), bytes.Repeat([]byte{0x22}, 512)...)

	n, err := WriteBlocks(c, mmcsd.PartitionUser, want, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := make([]byte, 1024)
	n, err = ReadBlocks(c, mmcsd.PartitionUser, got, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, want, got)

	// CMD23Support means CMD23 closes the session; no stray CMD12.
	for _, op := range host.Commands {
		assert.NotEqual(t, uint32(12), op, "unexpected STOP_TRANSMISSION with CMD23 in use")
	}
}

func TestReadZeroBlocksNoBusTraffic(t *testing.T) {
	host := mock.NewBlockAddressed(16, 512)
	c := newTestCard(host, mmcsd.KindSDv2, 16)

	n, err := ReadBlocks(c, mmcsd.PartitionUser, nil, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, host.Commands)
}

func TestWriteWhileLockedDeniedNoBusTraffic(t *testing.T) {
	host := mock.NewBlockAddressed(16, 512)
	c := newTestCard(host, mmcsd.KindSDv2, 16)
	c.Locked = true

	_, err := WriteBlocks(c, mmcsd.PartitionUser, make([]byte, 512), 0, 1)
	require.Error(t, err)
	assert.Equal(t, mmcsd.ErrKindLocked, mmcsd.KindOf(err))
	assert.Empty(t, host.Commands)
}
