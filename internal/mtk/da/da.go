// Package da implements the Download Agent (DA) command set available
// after JUMP_DA transfers control to DA Stage 1, and later Stage 2: the
// initial synchronization dance, the Stage 2 SEND_DA, USB status check,
// partition switch, read (dump), SDMMC write (flash), and enable-watchdog.
//
// Unlike the Preloader, DA commands are a single literal byte with no
// echo; responses are single-byte acknowledgements from a small alphabet.
// Multi-byte scalars remain big-endian on the wire.
package da

import (
	"fmt"

	"mtkflash/internal/mtk/iocb"
	"mtkflash/internal/mtk/mtkerr"
	"mtkflash/internal/mtk/transport"
)

// Acknowledgement alphabet used by the DA protocol.
const (
	ACK     = 0x5a
	NACK    = 0xa5
	CONT    = 0x69
	SYNC    = 0xc0
	SOCOK   = 0xc1
	SOCFail = 0xcf
)

// Command bytes.
const (
	cmdSwitchPart      = 0x60
	cmdSDMMCWriteData  = 0x62
	cmdUSBCheckStatus  = 0x72
	cmdRead            = 0xd6
	cmdEnableWatchdog  = 0xdb
)

// NANDNotFound is the expected nand_ret value during Sync: no NAND
// controller is present on an eMMC-only target.
const NANDNotFound = 0xbc4

// FullReportSize is the number of bytes read and discarded after Stage 2
// SEND_DA, before the final SOC_OK byte.
const FullReportSize = 235

// Storage/partition/host selectors.
const (
	HostOSMac     = 10
	HostOSWindows = 11
	HostOSLinux   = 12

	HWStorageNOR  = 0
	HWStorageNAND = 1
	HWStorageEMMC = 2
	HWStorageSDMMC = 3
	HWStorageUFS  = 4

	StorageEMMC  = 1
	StorageSDMMC = 2

	EMMCPartBoot1 = 1
	EMMCPartBoot2 = 2
	EMMCPartRPMB  = 3
	EMMCPartGP1   = 4
	EMMCPartGP2   = 5
	EMMCPartGP3   = 6
	EMMCPartGP4   = 7
	EMMCPartUser  = 8
)

const (
	stage2ChunkSize = 0x1000
	ioChunkSize     = 0x100000
)

// SyncResult carries the Stage 1 synchronization payload.
type SyncResult struct {
	NandRet    uint32
	EmmcRet    uint32
	EmmcID     [4]uint32
	DAMajorVer uint8
	DAMinorVer uint8
}

// Client drives the DA command set over a Transport.
type Client struct {
	t *transport.Transport
}

// New wraps an already-open Transport.
func New(t *transport.Transport) *Client {
	return &Client{t: t}
}

// Sync performs the Stage 1 synchronization dance immediately following
// JUMP_DA: read SYNC, read and discard the NAND report, read the eMMC
// report, ack, then read the DA version.
func (c *Client) Sync() (*SyncResult, error) {
	sync, err := c.t.ReadU8(false)
	if err != nil {
		return nil, err
	}
	if sync != SYNC {
		return nil, &mtkerr.Protocol{Reason: fmt.Sprintf("expected SYNC (0x%02x), got 0x%02x", SYNC, sync)}
	}

	var r SyncResult

	if r.NandRet, err = c.t.ReadU32(false); err != nil {
		return nil, err
	}

	nandCount, err := c.t.ReadU16(false)
	if err != nil {
		return nil, err
	}
	for i := uint16(0); i < nandCount; i++ {
		if _, err = c.t.ReadU16(true); err != nil {
			return nil, err
		}
	}

	if r.EmmcRet, err = c.t.ReadU32(false); err != nil {
		return nil, err
	}
	for i := 0; i < 4; i++ {
		if r.EmmcID[i], err = c.t.ReadU32(false); err != nil {
			return nil, err
		}
	}

	if err = c.t.WriteU8(ACK); err != nil {
		return nil, err
	}

	if r.DAMajorVer, err = c.t.ReadU8(false); err != nil {
		return nil, err
	}
	if r.DAMinorVer, err = c.t.ReadU8(false); err != nil {
		return nil, err
	}
	if _, err = c.t.ReadU8(true); err != nil {
		return nil, err
	}

	return &r, nil
}

// writeDeviceConfig writes the fixed 22-byte block SendDA sends before the
// name: the literal bytes from the bit-exact listing, mixed
// widths (u8,u8,u16,u8,u32,u8,u32,u8,u8,u8,u8,u32), big-endian on the
// wire.
func (c *Client) writeDeviceConfig() error {
	writes := []func() error{
		func() error { return c.t.WriteU8(0xff) },
		func() error { return c.t.WriteU8(0x01) },
		func() error { return c.t.WriteU16(0x0008) },
		func() error { return c.t.WriteU8(0x00) },
		func() error { return c.t.WriteU32(0x7007ffff) },
		func() error { return c.t.WriteU8(0x01) },
		func() error { return c.t.WriteU32(0) },
		func() error { return c.t.WriteU8(0x02) },
		func() error { return c.t.WriteU8(0x01) },
		func() error { return c.t.WriteU8(0x02) },
		func() error { return c.t.WriteU8(0x00) },
		func() error { return c.t.WriteU32(1) },
	}
	for _, w := range writes {
		if err := w(); err != nil {
			return err
		}
	}
	return nil
}

// SendDA uploads DA Stage 2 to daAddr. retval reports the last
// acknowledgement byte seen; a non-ACK retval is not an error from this
// primitive — it is "normal termination with a diagnostic byte" that the
// caller inspects, per the DA streaming commands' error-reporting layering.
func (c *Client) SendDA(daAddr, daLen uint32, io_ iocb.Func) (retval byte, err error) {
	if err = c.writeDeviceConfig(); err != nil {
		return 0, err
	}

	name := [16]byte{0x46, 0x46}
	if err = c.t.Write(name[:]); err != nil {
		return 0, err
	}
	if err = c.t.WriteU32(0xff000000); err != nil {
		return 0, err
	}

	ack, err := c.t.ReadU32(false)
	if err != nil {
		return 0, err
	}
	if ack != 0 {
		return 0, &mtkerr.Protocol{Reason: fmt.Sprintf("SEND_DA ack mismatch: got 0x%08x", ack)}
	}

	if err = c.t.WriteU32(daAddr); err != nil {
		return 0, err
	}
	if err = c.t.WriteU32(daLen); err != nil {
		return 0, err
	}
	if err = c.t.WriteU32(stage2ChunkSize); err != nil {
		return 0, err
	}

	if retval, err = c.t.ReadU8(false); err != nil {
		return 0, err
	}
	if retval != ACK {
		return retval, nil
	}

	buffer := make([]byte, stage2ChunkSize)
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

		offset += count

		if retval, err = c.t.ReadU8(false); err != nil {
			return 0, err
		}
		if retval != ACK {
			return retval, nil
		}
	}

	if retval, err = c.t.ReadU8(false); err != nil {
		return 0, err
	}
	if retval != ACK {
		return retval, nil
	}

	if err = c.t.WriteU8(ACK); err != nil {
		return 0, err
	}

	return retval, nil
}

// USBCheckStatus issues USB_CHECK_STATUS.
func (c *Client) USBCheckStatus() (retval byte, usbStatus byte, err error) {
	if err = c.t.WriteU8(cmdUSBCheckStatus); err != nil {
		return 0, 0, err
	}
	if retval, err = c.t.ReadU8(false); err != nil {
		return 0, 0, err
	}
	if retval == ACK {
		if usbStatus, err = c.t.ReadU8(false); err != nil {
			return 0, 0, err
		}
	}
	return retval, usbStatus, nil
}

// SwitchPart issues SWITCH_PART.
func (c *Client) SwitchPart(part byte) (retval byte, err error) {
	if err = c.t.WriteU8(cmdSwitchPart); err != nil {
		return 0, err
	}
	if retval, err = c.t.ReadU8(false); err != nil {
		return 0, err
	}
	if retval == ACK {
		if err = c.t.WriteU8(part); err != nil {
			return 0, err
		}
		if retval, err = c.t.ReadU8(false); err != nil {
			return 0, err
		}
	}
	return retval, nil
}

// Read performs the eMMC dump flow: each chunk is checksum-verified and
// ACKed *before* the I/O callback sinks it, which means a sink-side error
// cannot be reported back to the device.
func (c *Client) Read(hwStorage byte, addr, length uint64, io_ iocb.Func) (retval byte, err error) {
	if err = c.t.WriteU8(cmdRead); err != nil {
		return 0, err
	}
	if err = c.t.WriteU8(HostOSLinux); err != nil {
		return 0, err
	}
	if err = c.t.WriteU8(hwStorage); err != nil {
		return 0, err
	}
	if err = c.t.WriteU64(addr); err != nil {
		return 0, err
	}
	if err = c.t.WriteU64(length); err != nil {
		return 0, err
	}

	if retval, err = c.t.ReadU8(false); err != nil {
		return 0, err
	}
	if retval != ACK {
		return retval, nil
	}

	if err = c.t.WriteU32(ioChunkSize); err != nil {
		return 0, err
	}

	buffer := make([]byte, ioChunkSize)
	var offset uint64
	for offset < length {
		count := length - offset
		if count > uint64(len(buffer)) {
			count = uint64(len(buffer))
		}

		chunk := buffer[:count]
		if err = c.t.ReadBytes(chunk); err != nil {
			return 0, err
		}

		var chksum uint16
		for _, b := range chunk {
			chksum += uint16(b)
		}

		chksumDevice, err := c.t.ReadU16(false)
		if err != nil {
			return 0, err
		}
		if chksum != chksumDevice {
			return 0, &mtkerr.Protocol{Reason: fmt.Sprintf("READ checksum mismatch: host=0x%04x device=0x%04x", chksum, chksumDevice)}
		}

		if err = c.t.WriteU8(ACK); err != nil {
			return 0, err
		}

		if err = io_(iocb.Dump, offset, length, chunk, int(count)); err != nil {
			return 0, &mtkerr.IOCallback{Err: err}
		}

		offset += count
	}

	return ACK, nil
}

// SDMMCWriteData performs the eMMC flash flow.
func (c *Client) SDMMCWriteData(storageType, part byte, addr, length uint64, io_ iocb.Func) (retval byte, err error) {
	if err = c.t.WriteU8(cmdSDMMCWriteData); err != nil {
		return 0, err
	}
	if err = c.t.WriteU8(storageType); err != nil {
		return 0, err
	}
	if err = c.t.WriteU8(part); err != nil {
		return 0, err
	}
	if err = c.t.WriteU64(addr); err != nil {
		return 0, err
	}
	if err = c.t.WriteU64(length); err != nil {
		return 0, err
	}
	if err = c.t.WriteU32(ioChunkSize); err != nil {
		return 0, err
	}

	if retval, err = c.t.ReadU8(false); err != nil {
		return 0, err
	}
	if retval != ACK {
		return retval, nil
	}

	buffer := make([]byte, ioChunkSize)
	var offset uint64
	for offset < length {
		if err = c.t.WriteU8(ACK); err != nil {
			return 0, err
		}

		count := length - offset
		if count > uint64(len(buffer)) {
			count = uint64(len(buffer))
		}
		chunk := buffer[:count]

		if err = io_(iocb.Flash, offset, length, chunk, int(count)); err != nil {
			return 0, &mtkerr.IOCallback{Err: err}
		}
		if err = c.t.Write(chunk); err != nil {
			return 0, err
		}

		var chksum uint16
		for _, b := range chunk {
			chksum += uint16(b)
		}
		if err = c.t.WriteU16(chksum); err != nil {
			return 0, err
		}

		if retval, err = c.t.ReadU8(false); err != nil {
			return 0, err
		}
		if retval != CONT {
			return retval, nil
		}

		offset += count
	}

	return retval, nil
}

// EnableWatchdog issues ENABLE_WATCHDOG. The parameter names follow the
// wire declaration order (async, bootup, dlbit, notResetRTCTime) rather
// than the header's (async, reboot, downloadMode, noResetRTCTime) — both
// name the same four boolean bytes in the same order; see DESIGN.md.
func (c *Client) EnableWatchdog(timeoutMs uint32, async, bootup, dlbit, notResetRTCTime bool) (retval byte, err error) {
	if err = c.t.WriteU8(cmdEnableWatchdog); err != nil {
		return 0, err
	}
	if err = c.t.WriteU32(timeoutMs); err != nil {
		return 0, err
	}
	for _, b := range []bool{async, bootup, dlbit, notResetRTCTime} {
		if err = c.t.WriteU8(boolByte(b)); err != nil {
			return 0, err
		}
	}
	if retval, err = c.t.ReadU8(false); err != nil {
		return 0, err
	}
	return retval, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
