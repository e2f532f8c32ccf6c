// Package preloader implements the MediaTek Preloader command set: the
// handshake, chip identification, target config, word-granular memory
// write (used to disable the watchdog), SEND_DA, and JUMP_DA. Every
// command is framed as an echoed command byte followed by a
// command-specific payload and ends with the device returning a u16
// big-endian status, where 0 means success.
package preloader

import (
	"fmt"

	"mtkflash/internal/mtk/iocb"
	"mtkflash/internal/mtk/mtkerr"
	"mtkflash/internal/mtk/transport"
)

// Command bytes for the Preloader protocol.
const (
	cmdGetHWSWVer     = 0xfc
	cmdGetHWCode      = 0xfd
	cmdWrite32        = 0xd4
	cmdJumpDA         = 0xd5
	cmdSendDA         = 0xd7
	cmdGetTargetCfg   = 0xd8
)

// sendDAChunkSize is the chunk size used when streaming a Preloader
// SEND_DA payload.
const sendDAChunkSize = 0x400

// disableWDTAddr/disableWDTValue are the fixed address/value pair used to
// disable the watchdog timer via WRITE32.
const (
	disableWDTAddr  = 0x10007000
	disableWDTValue = 0x22000064
)

// handshakeSequence is the four bytes written during Start; the device is
// expected to reply with the bitwise complement of each.
var handshakeSequence = [4]byte{0xa0, 0x0a, 0x50, 0x05}

// Client drives the Preloader command set over a Transport.
type Client struct {
	t *transport.Transport
}

// New wraps an already-open Transport.
func New(t *transport.Transport) *Client {
	return &Client{t: t}
}

// Start performs the byte-wise handshake. The caller must have already
// issued the class control transfer (see transport.Device.ControlHandshake)
// before calling Start. The read buffer is flushed before every write
// because the device emits stray bytes during the initial USB settle that
// must not be consumed as replies; any reply that isn't the expected
// complement restarts the handshake from the first byte.
func (c *Client) Start() error {
	i := 0
	for i < len(handshakeSequence) {
		c.t.Flush()

		b := handshakeSequence[i]
		if err := c.t.WriteU8(b); err != nil {
			return err
		}

		reply, err := c.t.ReadU8(false)
		if err != nil {
			return err
		}

		if reply == ^b {
			i++
		} else {
			i = 0
		}
	}
	return nil
}

// GetHWCode issues GET_HW_CODE.
func (c *Client) GetHWCode() (hwCode uint16, status uint16, err error) {
	if err = c.t.EchoU8(cmdGetHWCode); err != nil {
		return 0, 0, err
	}
	if hwCode, err = c.t.ReadU16(false); err != nil {
		return 0, 0, err
	}
	if status, err = c.t.ReadU16(false); err != nil {
		return 0, 0, err
	}
	return hwCode, status, nil
}

// GetHWSWVer issues GET_HW_SW_VER.
func (c *Client) GetHWSWVer() (hwSubCode, hwVer, swVer, status uint16, err error) {
	if err = c.t.EchoU8(cmdGetHWSWVer); err != nil {
		return 0, 0, 0, 0, err
	}
	if hwSubCode, err = c.t.ReadU16(false); err != nil {
		return
	}
	if hwVer, err = c.t.ReadU16(false); err != nil {
		return
	}
	if swVer, err = c.t.ReadU16(false); err != nil {
		return
	}
	if status, err = c.t.ReadU16(false); err != nil {
		return
	}
	return
}

// GetTargetConfig issues GET_TARGET_CONFIG.
func (c *Client) GetTargetConfig() (tgtConfig uint32, status uint16, err error) {
	if err = c.t.EchoU8(cmdGetTargetCfg); err != nil {
		return 0, 0, err
	}
	if tgtConfig, err = c.t.ReadU32(false); err != nil {
		return 0, 0, err
	}
	if status, err = c.t.ReadU16(false); err != nil {
		return 0, 0, err
	}
	return tgtConfig, status, nil
}

// Write32 writes data as a sequence of 32-bit words starting at baseAddr,
// echoing every word individually once the device has acknowledged the
// write with a zero status.
func (c *Client) Write32(baseAddr uint32, data []uint32) (status uint16, err error) {
	if err = c.t.EchoU8(cmdWrite32); err != nil {
		return 0, err
	}
	if err = c.t.EchoU32(baseAddr); err != nil {
		return 0, err
	}
	if err = c.t.EchoU32(uint32(len(data))); err != nil {
		return 0, err
	}
	if status, err = c.t.ReadU16(false); err != nil {
		return 0, err
	}

	if status == 0 {
		for _, word := range data {
			if err = c.t.EchoU32(word); err != nil {
				return 0, err
			}
		}
		if status, err = c.t.ReadU16(false); err != nil {
			return 0, err
		}
	}

	return status, nil
}

// DisableWDT writes the single word that disables the watchdog timer.
func (c *Client) DisableWDT() (uint16, error) {
	return c.Write32(disableWDTAddr, []uint32{disableWDTValue})
}

// SendDA streams daLen bytes of DA payload to daAddr via io in 1024-byte
// chunks, accumulating a 16-bit XOR checksum over 16-bit little-endian
// words of the bytes sent and verifying it against the device's reported
// checksum.
func (c *Client) SendDA(daAddr, daLen, sigLen uint32, io_ iocb.Func) (status uint16, err error) {
	if err = c.t.EchoU8(cmdSendDA); err != nil {
		return 0, err
	}
	if err = c.t.EchoU32(daAddr); err != nil {
		return 0, err
	}
	if err = c.t.EchoU32(daLen); err != nil {
		return 0, err
	}
	if err = c.t.EchoU32(sigLen); err != nil {
		return 0, err
	}
	if status, err = c.t.ReadU16(false); err != nil {
		return 0, err
	}
	if status != 0 {
		return status, nil
	}

	buffer := make([]byte, sendDAChunkSize)
	var chksum uint16

	var offset uint32
	for offset < daLen {
		count := daLen - offset
		if count > uint32(len(buffer)) {
			count = uint32(len(buffer))
		}

		if err = io_(iocb.Flash, uint64(offset), uint64(daLen), buffer, int(count)); err != nil {
			return 0, &mtkerr.IOCallback{Err: err}
		}

		if err = c.t.Write(buffer[:count]); err != nil {
			return 0, err
		}

		chunk := buffer[:count]
		for i := 0; i+1 < len(chunk); i += 2 {
			chksum ^= uint16(chunk[i]) ^ uint16(chunk[i+1])<<8
		}
		if len(chunk)%2 == 1 {
			chksum ^= uint16(chunk[len(chunk)-1])
		}

		offset += count
	}

	chksumDevice, err := c.t.ReadU16(false)
	if err != nil {
		return 0, err
	}
	if status, err = c.t.ReadU16(false); err != nil {
		return 0, err
	}

	if chksum != chksumDevice {
		return 0, &mtkerr.Protocol{Reason: fmt.Sprintf("SEND_DA checksum mismatch: host=0x%04x device=0x%04x", chksum, chksumDevice)}
	}

	return status, nil
}

// JumpDA issues JUMP_DA, transferring control to DA Stage 1 at daAddr.
// After a successful call the Preloader protocol is no longer usable on
// this device.
func (c *Client) JumpDA(daAddr uint32) (status uint16, err error) {
	if err = c.t.EchoU8(cmdJumpDA); err != nil {
		return 0, err
	}
	if err = c.t.EchoU32(daAddr); err != nil {
		return 0, err
	}
	if status, err = c.t.ReadU16(false); err != nil {
		return 0, err
	}
	return status, nil
}
