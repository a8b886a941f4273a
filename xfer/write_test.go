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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/mmcsd"
	"github.com/usbarmory/mmcsd/hai"
	"github.com/usbarmory/mmcsd/mock"
	"github.com/usbarmory/mmcsd/proto"
)

// TestWriteMultiStopTransmissionRescueDiscardsOwnError pins the open
// question resolved in writeMulti's doc comment: when CMD23 wasn't used to
// close a failed multi-block write, the CMD12 rescue is still attempted,
// but its own outcome is never what the call reports -- the original
// transfer error always wins, even when the rescue itself also fails.
func TestWriteMultiStopTransmissionRescueDiscardsOwnError(t *testing.T) {
	host := mock.NewBlockAddressed(16, 512)
	c := newTestCard(host, mmcsd.KindSDv2, 16)
	c.CMD23Support = false // forces the !usedCMD23 rescue path

	// The data phase itself times out...
	host.ForceEventMask = hai.EventTimeout
	// ...and the CMD12 rescue that follows fails too.
	host.ErrorOn[proto.CMD12] = assert.AnError

	buf := make([]byte, 1024)

	n, err := WriteBlocks(c, mmcsd.PartitionUser, buf, 0, 2)

	require.Error(t, err)
	assert.Equal(t, 0, n)
	// The reported error is the original transfer timeout, not the
	// rescue's assert.AnError.
	assert.Equal(t, mmcsd.ErrKindTimeout, mmcsd.KindOf(err))
	assert.False(t, errors.Is(err, assert.AnError))

	// The rescue was still attempted despite being doomed to fail.
	var sawStop bool
	for _, op := range host.Commands {
		if op == proto.CMD12 {
			sawStop = true
		}
	}
	assert.True(t, sawStop, "expected STOP_TRANSMISSION to be attempted")
}

// TestWriteMultiUsesCMD23WhenSupported confirms the counterpart case: when
// CMD23 closes the session, no CMD12 rescue is issued at all, successful or
// not.
func TestWriteMultiUsesCMD23WhenSupported(t *testing.T) {
	host := mock.NewBlockAddressed(16, 512)
	c := newTestCard(host, mmcsd.KindSDv2, 16)
	c.CMD23Support = true

	buf := make([]byte, 1024)

	n, err := WriteBlocks(c, mmcsd.PartitionUser, buf, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, op := range host.Commands {
		assert.NotEqual(t, uint32(proto.CMD12), op)
	}
}
