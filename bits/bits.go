// https://github.com/usbarmory/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package bits extracts bitfields from the multi-word big-endian registers
// (CSD, CID, SCR, long R2 responses) that the mmcsd protocol core
// decodes values from.
package bits

// Field extracts a bitfield from a multi-word big-endian register (CSD,
// CID, SCR, long responses) represented as the raw response
// words in MSW-first order, mirroring how the teacher's rspVal() extracts
// fields from a 128-bit R2 response. pos/width are counted from bit 0 of
// the whole register, LSB-first, matching SD/JEDEC spec bit numbering.
func Field(words []uint32, pos int, width int) uint64 {
	var val uint64

	for i := 0; i < width; i++ {
		bit := pos + i
		word := bit / 32
		off := bit % 32

		if word >= len(words) {
			continue
		}

		// words[0] holds the most significant 32 bits.
		wordFromEnd := words[len(words)-1-word]

		if (wordFromEnd>>off)&1 == 1 {
			val |= 1 << i
		}
	}

	return val
}
