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
	"golang.org/x/sys/unix"

	"github.com/usbarmory/mmcsd"
	"github.com/usbarmory/mmcsd/hai"
	"github.com/usbarmory/mmcsd/proto"
	"github.com/usbarmory/mmcsd/xfer"
)

// IoctlOp selects the ioctl passthrough operation (spec §6 "Ioctl
// surface").
type IoctlOp int

const (
	IoctlProbe IoctlOp = iota
	IoctlEject
	IoctlCmd
	IoctlMultiCmd
)

// rawOpcodes is the set of raw command opcodes the MMC_IOC_CMD passthrough
// accepts (spec §4.6): CMD0/2/6/8/13/18/23/25/56. Anything else is
// ErrKindInvalid.
var rawOpcodes = map[uint32]bool{
	0: true, 2: true, 6: true, 8: true, 13: true,
	18: true, 23: true, 25: true, 56: true,
}

// RawCmd mirrors the Linux mmc_ioc_cmd structure's relevant fields: opcode,
// argument, an optional data buffer, and whether the data phase is a write
// (spec §6 "MMC_IOC_CMD: single raw command: opcode, arg, data pointer,
// block count, flags, response-out pointer").
type RawCmd struct {
	Opcode   uint32
	Arg      uint32
	Data     []byte
	Write    bool
	Response hai.R1
}

// Ioctl dispatches a single ioctl op, returning 0 on success and a negative
// errno otherwise, matching the Linux ioctl calling convention the spec
// names (spec §6 "Return 0 on success; negative errno constants
// otherwise").
func (s *Slot) Ioctl(op IoctlOp, cmds []RawCmd) (int, []RawCmd) {
	switch op {
	case IoctlProbe:
		if err := s.Probe(); err != nil {
			return errno(err), nil
		}
		return 0, nil

	case IoctlEject:
		s.Eject()
		return 0, nil

	case IoctlCmd:
		if len(cmds) != 1 {
			return -int(unix.EINVAL), nil
		}
		if !s.Config.IOCSupport {
			return -int(unix.ENOTTY), nil
		}
		if err := s.rawCmd(&cmds[0]); err != nil {
			return errno(err), cmds
		}
		return 0, cmds

	case IoctlMultiCmd:
		if !s.Config.IOCSupport {
			return -int(unix.ENOTTY), nil
		}
		for i := range cmds {
			if err := s.rawCmd(&cmds[i]); err != nil {
				return errno(err), cmds
			}
		}
		return 0, cmds

	default:
		return -int(unix.EINVAL), nil
	}
}

// rawCmd executes a single raw command, via the Transfer Engine for data
// commands and the Command/Response Layer for status-only ones (spec §4.6
// "raw command opcodes ... supported via the Command Layer or Transfer
// Engine with the caller-provided buffer").
func (s *Slot) rawCmd(cmd *RawCmd) error {
	if s.Card.Empty() {
		return mmcsd.ErrNoDevice
	}

	if !rawOpcodes[cmd.Opcode] {
		return mmcsd.NewError(mmcsd.ErrKindInvalid, "ioctl", nil)
	}

	switch cmd.Opcode {
	case 56:
		return xfer.GeneralCommand(s.Card, cmd.Write, cmd.Data)

	case 18, 25:
		n := len(cmd.Data) / s.Card.BlockSize
		var err error
		if cmd.Opcode == 18 {
			_, err = xfer.ReadBlocks(s.Card, s.Card.ActivePartition, cmd.Data, int(cmd.Arg), n)
		} else {
			_, err = xfer.WriteBlocks(s.Card, s.Card.ActivePartition, cmd.Data, int(cmd.Arg), n)
		}
		return err

	case 6:
		r1, err := proto.Switch(s.Card, cmd.Arg)
		cmd.Response = r1
		return err

	case 2:
		if err := proto.Send(s.Card, 2, cmd.Arg); err != nil {
			return err
		}
		r2, err := proto.RecvR2(s.Card, 2)
		if err != nil {
			return err
		}
		putR2(cmd.Data, r2)
		return nil

	default: // 0, 8, 13, 23: fire-and-poll-for-R1.
		// CMD8 here is treated as the status-only SEND_IF_COND shape;
		// a caller wanting the eMMC SEND_EXT_CSD data phase should use
		// the dedicated Probe path instead of the raw passthrough.
		if err := proto.Send(s.Card, cmd.Opcode, cmd.Arg); err != nil {
			return err
		}

		if cmd.Opcode == 0 {
			return nil
		}

		r1, err := proto.RecvR1(s.Card, cmd.Opcode)
		cmd.Response = r1
		return err
	}
}

// putR2 copies a 128-bit R2 response into the caller's buffer, MSW-first,
// truncating silently if the buffer is smaller than 16 bytes.
func putR2(buf []byte, r2 hai.R2) {
	for i, w := range r2.Words {
		base := i * 4
		if base+4 > len(buf) {
			return
		}
		buf[base] = byte(w >> 24)
		buf[base+1] = byte(w >> 16)
		buf[base+2] = byte(w >> 8)
		buf[base+3] = byte(w)
	}
}

// errno maps a core *mmcsd.Error to a negative errno value (spec §7, §6).
func errno(err error) int {
	if err == nil {
		return 0
	}

	switch mmcsd.KindOf(err) {
	case mmcsd.ErrKindNoDevice:
		return -int(unix.ENODEV)
	case mmcsd.ErrKindNotReady:
		return -int(unix.EBUSY)
	case mmcsd.ErrKindTimeout:
		return -int(unix.ETIMEDOUT)
	case mmcsd.ErrKindIO:
		return -int(unix.EIO)
	case mmcsd.ErrKindLocked, mmcsd.ErrKindWriteProtected:
		return -int(unix.EACCES)
	case mmcsd.ErrKindInvalid:
		return -int(unix.EINVAL)
	case mmcsd.ErrKindOutOfMemory:
		return -int(unix.ENOMEM)
	default:
		return -int(unix.EIO)
	}
}
