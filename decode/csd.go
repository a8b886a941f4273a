// MMC/SD/eMMC block device driver core
// https://github.com/usbarmory/mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package decode implements the Register Decoders (spec §4.2): CSD, CID,
// SCR, and EXT_CSD, normalized into mmcsd.Geometry.
package decode

import (
	"errors"

	"github.com/usbarmory/mmcsd"
	"github.com/usbarmory/mmcsd/bits"
)

// CSD bit positions, counted LSB-first from bit 0 of the 128-bit register,
// per the SD Physical Layer / JEDEC eMMC specifications and grounded on the
// teacher's sd.go / NuttX's mmcsd_decode_csd field layout comments.
const (
	csdStructurePos  = 126
	csdStructureWide = 2

	csdDSRImpPos = 76

	// Byte-addressed layout (SD v1, MMC).
	csdReadBlLenPos  = 80
	csdReadBlLenWide = 4
	csdCSize1Pos     = 62
	csdCSize1Wide    = 12
	csdCSizeMultPos  = 47
	csdCSizeMultWide = 3

	// Block-addressed layout (SD v2/v3).
	csdCSize2Pos  = 48
	csdCSize2Wide = 22

	csdPermWriteProtectPos = 13
	csdTmpWriteProtectPos  = 12

	// mmcCSizeThreshold is the eMMC C_SIZE sentinel (all ones) meaning
	// "capacity is in EXT_CSD SEC_COUNT instead" (spec §4.2).
	mmcCSizeThreshold = 0xfff
)

// CSDResult is the direct decode of a CSD register, before the 512-byte
// normalization invariant is applied by Normalize.
type CSDResult struct {
	DSRImplemented bool
	WriteProtected bool
	BlockSize      int
	BlockShift     uint
	Blocks         int
	// DeferToExtCSD is set for an eMMC CSD whose C_SIZE is the
	// "use EXT_CSD SEC_COUNT" sentinel.
	DeferToExtCSD bool
}

// CSD decodes a CSD register (words[0] holding bits 127:96, MSB-first, per
// the R2 response convention in package hai) for the given card kind.
func CSD(words [4]uint32, kind mmcsd.Kind) (CSDResult, error) {
	w := words[:]

	var res CSDResult

	res.DSRImplemented = bits.Field(w, csdDSRImpPos, 1) != 0

	perm := bits.Field(w, csdPermWriteProtectPos, 1) != 0
	tmp := bits.Field(w, csdTmpWriteProtectPos, 1) != 0
	res.WriteProtected = perm || tmp

	readBlLen := uint(bits.Field(w, csdReadBlLenPos, csdReadBlLenWide))

	switch kind {
	case mmcsd.KindSDv1:
		cSize := bits.Field(w, csdCSize1Pos, csdCSize1Wide)
		cSizeMult := bits.Field(w, csdCSizeMultPos, csdCSizeMultWide)

		res.BlockSize = 1 << readBlLen
		res.BlockShift = readBlLen
		res.Blocks = int((cSize + 1) * (1 << (cSizeMult + 2)))

	case mmcsd.KindSDv2:
		cSize := bits.Field(w, csdCSize2Pos, csdCSize2Wide)

		res.BlockSize = 512
		res.BlockShift = 9
		res.Blocks = int(cSize+1) << 10

	case mmcsd.KindMMC:
		cSize := bits.Field(w, csdCSize1Pos, csdCSize1Wide)
		cSizeMult := bits.Field(w, csdCSizeMultPos, csdCSizeMultWide)

		res.BlockSize = 1 << readBlLen
		res.BlockShift = readBlLen

		if cSize == mmcCSizeThreshold {
			res.DeferToExtCSD = true
		} else {
			res.Blocks = int((cSize + 1) * (1 << (cSizeMult + 2)))
		}

	default:
		return res, errors.New("decode: unsupported card kind for CSD")
	}

	normalize(&res)

	return res, nil
}

// normalize enforces the invariant the rest of the core depends on: block
// size is always 512 once normalized (spec §4.2 "Normalization"). If the
// read block length implies a bigger logical block, the excess is folded
// into the block count instead.
func normalize(res *CSDResult) {
	if res.BlockSize <= 512 {
		return
	}

	shift := res.BlockShift - 9

	if !res.DeferToExtCSD {
		res.Blocks <<= shift
	}

	res.BlockSize = 512
	res.BlockShift = 9
}
