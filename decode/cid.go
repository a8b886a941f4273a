// MMC/SD/eMMC block device driver core
// https://github.com/usbarmory/mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package decode

import "github.com/usbarmory/mmcsd/bits"

// CIDResult is the decode of the 128-bit Card Identification register
// (manufacturer/OEM/serial, spec GLOSSARY). The core does not branch on any
// of these fields; they are surfaced for diagnostics only.
type CIDResult struct {
	ManufacturerID uint8
	OEMID          uint16
	SerialNumber   uint32
}

// CID decodes a CID register in the same MSB-first word convention as CSD.
func CID(words [4]uint32) CIDResult {
	w := words[:]

	return CIDResult{
		ManufacturerID: uint8(bits.Field(w, 120, 8)),
		OEMID:          uint16(bits.Field(w, 104, 16)),
		SerialNumber:   uint32(bits.Field(w, 16, 32)),
	}
}
