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
	"github.com/usbarmory/mmcsd"
	"github.com/usbarmory/mmcsd/xfer"
)

// chunkSize returns the largest number of blocks a single xfer call may
// move, honoring Config.MultiBlockLimit (0 = unlimited, spec §6).
func (s *Slot) chunkSize(remaining int) int {
	limit := s.Config.MultiBlockLimit
	if limit <= 0 || remaining < limit {
		return remaining
	}
	return limit
}

// Read reads n blocks of the partition's block size starting at start into
// buf, chunking the request into pieces of at most Config.MultiBlockLimit
// blocks (spec §4.6 "read/write"). It returns the number of blocks
// successfully transferred before the first error, which is always a
// whole number of blocks, never a partial one.
func (s *Slot) Read(p mmcsd.Partition, buf []byte, start, n int) (int, error) {
	return s.rw(p, buf, start, n, xfer.ReadBlocks)
}

// Write writes n blocks from buf starting at start, with the same chunking
// and partial-progress contract as Read.
func (s *Slot) Write(p mmcsd.Partition, buf []byte, start, n int) (int, error) {
	return s.rw(p, buf, start, n, xfer.WriteBlocks)
}

func (s *Slot) rw(p mmcsd.Partition, buf []byte, start, n int, op func(*mmcsd.Card, mmcsd.Partition, []byte, int, int) (int, error)) (int, error) {
	if s.Card.Empty() {
		return 0, mmcsd.ErrNoDevice
	}

	blockSize := s.Card.BlockSize
	done := 0

	for done < n {
		chunk := s.chunkSize(n - done)

		off := done * blockSize
		end := off + chunk*blockSize
		if end > len(buf) {
			return done, mmcsd.NewError(mmcsd.ErrKindInvalid, "rw", nil)
		}

		got, err := op(s.Card, p, buf[off:end], start+done, chunk)
		done += got

		if err != nil {
			return done, err
		}

		if got != chunk {
			return done, mmcsd.NewError(mmcsd.ErrKindIO, "rw", nil)
		}
	}

	return done, nil
}
