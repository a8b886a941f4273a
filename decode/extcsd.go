// MMC/SD/eMMC block device driver core
// https://github.com/usbarmory/mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package decode

import (
	"errors"

	"github.com/usbarmory/mmcsd"
)

// EXT_CSD byte offsets (JEDEC JESD84-B51 §7.4), grounded on NuttX's
// mmcsd_decode_extcsd.
const (
	extCSDSecCount                  = 212 // 4 bytes, little-endian
	extCSDPartitionSupport           = 160
	extCSDPartitionSupportPartEn     = 1 << 0
	extCSDBootSizeMult               = 226
	extCSDRPMBSizeMult               = 168
	extCSDHCWPGrpSize                = 221
	extCSDHCEraseGrpSize             = 224
	extCSDGPSizeMult                 = 143 // 4 triplets of 3 bytes
	extCSDPartitionSettingCompleted  = 155

	sz128KiB = 128 * 1024
	sz512KiB = 512 * 1024
	sz512    = 512
)

// EXT_CSD register byte offsets targeted by CMD6 writes (spec §4.4, §4.5):
// bus width, high-speed timing, and the active partition selector.
const (
	ExtCSDBusWidthIndex        = 183
	ExtCSDHSTimingIndex        = 185
	ExtCSDPartitionConfigIndex = 179
)

// EXTCSDResult is the decode of the 512-byte eMMC extended CSD.
type EXTCSDResult struct {
	// UserBlocks is the user-data (partition 0) block count, valid
	// whenever the EXT_CSD is read (spec §4.2).
	UserBlocks int
	// PartitionBlocks holds the block count for each of the eight
	// enumerated partitions when PARTITION_SUPPORT/PART_EN is set; it
	// is left at zero (absent) otherwise or for partitions with
	// all-zero size multipliers.
	PartitionBlocks [8]int
}

// EXTCSD decodes a 512-byte EXT_CSD buffer.
func EXTCSD(buf []byte) (EXTCSDResult, error) {
	if len(buf) != 512 {
		return EXTCSDResult{}, errors.New("decode: EXT_CSD must be 512 bytes")
	}

	var res EXTCSDResult

	res.UserBlocks = int(buf[extCSDSecCount]) |
		int(buf[extCSDSecCount+1])<<8 |
		int(buf[extCSDSecCount+2])<<16 |
		int(buf[extCSDSecCount+3])<<24

	res.PartitionBlocks[mmcsd.PartitionUser] = res.UserBlocks

	if buf[extCSDPartitionSupport]&extCSDPartitionSupportPartEn == 0 {
		return res, nil
	}

	bootBlocks := int(buf[extCSDBootSizeMult]) * sz128KiB / sz512
	res.PartitionBlocks[mmcsd.PartitionBoot0] = bootBlocks
	res.PartitionBlocks[mmcsd.PartitionBoot1] = bootBlocks

	res.PartitionBlocks[mmcsd.PartitionRPMB] = int(buf[extCSDRPMBSizeMult]) * sz128KiB / sz512

	hcEraseGrpSize := int(buf[extCSDHCEraseGrpSize])
	hcWPGrpSize := int(buf[extCSDHCWPGrpSize])
	settingCompleted := buf[extCSDPartitionSettingCompleted] != 0

	for idx := 0; idx < 4; idx++ {
		base := extCSDGPSizeMult + idx*3
		m0, m1, m2 := buf[base], buf[base+1], buf[base+2]

		if m0 == 0 && m1 == 0 && m2 == 0 {
			continue
		}

		if !settingCompleted {
			break
		}

		mult := int(m2)<<16 | int(m1)<<8 | int(m0)
		blocks := mult * hcEraseGrpSize * hcWPGrpSize * sz512KiB / sz512

		res.PartitionBlocks[mmcsd.PartitionGP1+mmcsd.Partition(idx)] = blocks
	}

	return res, nil
}
