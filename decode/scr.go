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

	"github.com/usbarmory/mmcsd/bits"
)

const (
	scrBusWidthsPos  = 48
	scrBusWidthsWide = 4
	scrCmdSupportPos = 32
	scrCmdSupportW   = 2

	scrBusWidth4BitBit = 1 << 2
	scrCmdSupportSetBC = 1 << 1
)

// SCRResult is the decode of the 64-bit SD Configuration Register.
type SCRResult struct {
	Supports4Bit bool
	CMD23Support bool
}

// SCR decodes the 8-byte SCR register. The card always sends it
// big-endian on the wire; this decoder extracts fields with explicit
// byte-level shifts rather than an unsafe native-endianness cast, so it is
// correct whether the host CPU is big- or little-endian (spec §4.2).
func SCR(raw []byte) (SCRResult, error) {
	if len(raw) != 8 {
		return SCRResult{}, errors.New("decode: SCR must be 8 bytes")
	}

	words := [2]uint32{
		beUint32(raw[0:4]),
		beUint32(raw[4:8]),
	}

	w := words[:]

	busWidths := bits.Field(w, scrBusWidthsPos, scrBusWidthsWide)
	cmdSupport := bits.Field(w, scrCmdSupportPos, scrCmdSupportW)

	return SCRResult{
		Supports4Bit: busWidths&scrBusWidth4BitBit != 0,
		CMD23Support: cmdSupport&scrCmdSupportSetBC != 0,
	}, nil
}

// beUint32 decodes a big-endian uint32 with explicit byte shifts, never
// relying on the host's native byte order.
func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
