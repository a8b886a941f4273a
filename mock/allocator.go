// MMC/SD/eMMC block device driver core
// https://github.com/usbarmory/mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mock

// allocator is a trivial hai.AlignAllocator: every buffer is "aligned" in
// a hosted test process, so Acquire just allocates. Kept distinct from
// DMAPreflight (which always succeeds) so a test can still force the
// bounce-buffer path by wiring a host whose DMAPreflight rejects the
// caller's buffer while leaving this allocator as the fallback.
type allocator struct {
	Acquired int
	Released int
}

func (a *allocator) Acquire(size int) ([]byte, error) {
	a.Acquired++
	return make([]byte, size), nil
}

func (a *allocator) Release(buf []byte) {
	a.Released++
}
