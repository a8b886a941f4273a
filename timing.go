// MMC/SD/eMMC block device driver core
// https://github.com/usbarmory/mmcsd
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package mmcsd

import (
	"runtime"
	"time"
)

// Fixed power-up/settle delays (spec §3, §5).
const (
	PowerUpDelay = 250 * time.Microsecond
	IdleDelay    = 100 * time.Millisecond
	DSRDelay     = 100 * time.Millisecond
	ClockDelay   = 5 * time.Millisecond
)

// Delay suspends the caller for d, busy-waiting instead of sleeping when
// Card.InterruptContext is set (spec §9 "Interrupt-context sleep trick":
// a single delay primitive whose implementation is chosen by the runtime
// context, not branched at every call site).
func (c *Card) Delay(d time.Duration) {
	if c.InterruptContext {
		busyWait(d)
		return
	}

	time.Sleep(d)
}

// Yield cooperatively yields to the scheduler, used by the transfer-ready
// poll loop when CheckReadyWithoutSleep is set instead of sleeping between
// CMD13 attempts.
func (c *Card) Yield(tick time.Duration) {
	if c.CheckReadyWithoutSleep && !c.InterruptContext {
		runtime.Gosched()
		return
	}

	c.Delay(tick)
}

func busyWait(d time.Duration) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
	}
}
