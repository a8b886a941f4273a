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
	"github.com/usbarmory/mmcsd"
	"github.com/usbarmory/mmcsd/mock"
)

// newTestCard builds an identified, ready-to-transfer Card backed by host,
// standing in for what package ident would have produced.
func newTestCard(host *mock.Host, kind mmcsd.Kind, blocks int) *mmcsd.Card {
	c := &mmcsd.Card{
		Host:     host,
		Kind:     kind,
		Capacity: mmcsd.CapacityBlockAddressed,
		RCA:      0xb1b2,

		BlockSize:  host.BlockSize,
		BlockShift: 9,
		Caps:       host.Capabilities(),
	}

	c.Partitions[mmcsd.PartitionUser] = mmcsd.PartitionDescriptor{Card: c, Blocks: blocks}

	return c
}
