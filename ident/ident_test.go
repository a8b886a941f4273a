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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/mmcsd"
	"github.com/usbarmory/mmcsd/mock"
)

// TestIdentifySDv2HighCapacity pins spec §8 scenario 1: CMD8 echoes
// 0x1AA, ACMD41 reports CCS=1/BUSY=1 on the third attempt.
func TestIdentifySDv2HighCapacity(t *testing.T) {
	host := mock.NewBlockAddressed(4096, 512)
	host.CMD8Responds = true
	host.HighCapacity = true
	host.OpCondBusyAfter = 3

	card := &mmcsd.Card{Host: host}
	cfg := &mmcsd.Config{}

	require.NoError(t, Identify(card, cfg))

	assert.Equal(t, mmcsd.KindSDv2, card.Kind)
	assert.Equal(t, mmcsd.CapacityBlockAddressed, card.Capacity)
	assert.Equal(t, 512, card.BlockSize)
	assert.Equal(t, uint(9), card.BlockShift)
	assert.EqualValues(t, 0xb1b2, card.RCA)
}

// TestIdentifyEMMCHighCapacity pins spec §8 scenario 2: CMD1 reports the
// HC bit and BUSY=1 on the second attempt, and the EXT_CSD SEC_COUNT
// supplies the user-partition block count.
func TestIdentifyEMMCHighCapacity(t *testing.T) {
	host := mock.NewBlockAddressed(4096, 512)
	host.CMD8Responds = false
	host.RejectACMD41 = true
	host.HighCapacity = true
	host.OpCondBusyAfter = 2
	host.MMCSentinelCSD = true

	const secCount = 0x00e00000
	host.ExtCSD[212] = byte(secCount)
	host.ExtCSD[213] = byte(secCount >> 8)
	host.ExtCSD[214] = byte(secCount >> 16)
	host.ExtCSD[215] = byte(secCount >> 24)

	card := &mmcsd.Card{Host: host}
	cfg := &mmcsd.Config{MMCSupport: true}

	require.NoError(t, Identify(card, cfg))

	assert.Equal(t, mmcsd.KindMMC, card.Kind)
	assert.Equal(t, mmcsd.CapacityBlockAddressed, card.Capacity)
	assert.EqualValues(t, 1, card.RCA)
	assert.Equal(t, secCount, card.Partitions[mmcsd.PartitionUser].Blocks)
}

// TestIdentifyBothBusySameIterationPrefersEMMC pins the tie-break rule
// (spec.md "if both CMD1 and CMD8 succeeded, the card is eMMC only if
// CMD1's R3 was a real success"): when ACMD41 and CMD1 both report
// busy/power-up-complete within the same poll iteration, CMD1's real
// success always wins and the card is identified as eMMC, never SD.
func TestIdentifyBothBusySameIterationPrefersEMMC(t *testing.T) {
	host := mock.NewBlockAddressed(4096, 512)
	host.CMD8Responds = true // the SD side answers CMD8 as an SD v2 card would
	host.HighCapacity = true
	host.OpCondBusyAfter = 1 // both candidates report busy on attempt 1
	host.MMCSentinelCSD = true

	const secCount = 0x00e00000
	host.ExtCSD[212] = byte(secCount)
	host.ExtCSD[213] = byte(secCount >> 8)
	host.ExtCSD[214] = byte(secCount >> 16)
	host.ExtCSD[215] = byte(secCount >> 24)

	card := &mmcsd.Card{Host: host}
	cfg := &mmcsd.Config{MMCSupport: true}

	require.NoError(t, Identify(card, cfg))

	assert.Equal(t, mmcsd.KindMMC, card.Kind)
	assert.Equal(t, mmcsd.CapacityBlockAddressed, card.Capacity)
}

// TestIdentifyRejectsSDIOFunction pins SPEC_FULL.md §5: a card that
// advertises an SDIO function via CMD5 is rejected with ErrInvalid instead
// of being misidentified as a memory card.
func TestIdentifyRejectsSDIOFunction(t *testing.T) {
	host := mock.NewBlockAddressed(4096, 512)
	host.CMD8Responds = true
	host.HighCapacity = true
	host.OpCondBusyAfter = 1
	host.SDIOFunctions = 1

	card := &mmcsd.Card{Host: host}
	cfg := &mmcsd.Config{}

	err := Identify(card, cfg)

	require.Error(t, err)
	assert.Equal(t, mmcsd.ErrKindInvalid, mmcsd.KindOf(err))
	assert.Equal(t, mmcsd.KindUnknown, card.Kind)
}

// TestIdentifyTimeout pins the boundary behavior: no card ever reports
// busy, the 1s poll expires, and the descriptor is left unidentified.
func TestIdentifyTimeout(t *testing.T) {
	host := mock.NewBlockAddressed(4096, 512)
	host.CMD8Responds = false
	host.OpCondBusyAfter = 1 << 30

	card := &mmcsd.Card{Host: host}
	cfg := &mmcsd.Config{}

	err := Identify(card, cfg)

	require.Error(t, err)
	assert.Equal(t, mmcsd.ErrKindIO, mmcsd.KindOf(err))
	assert.Equal(t, mmcsd.KindUnknown, card.Kind)
}
