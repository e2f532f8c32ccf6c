// Package transport implements the framed USB transport shared by the
// Preloader and DA protocols: a 512-byte bulk-IN read buffer served to
// callers byte by byte, unbuffered bulk-OUT writes, and big-endian scalar
// helpers including the "echo" sanity primitive used pervasively by the
// Preloader.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"mtkflash/internal/mtk/mtkerr"
)

const (
	// PacketSize is the size of every bulk-IN transfer the transport
	// issues; the read buffer is refilled in exactly this many bytes
	// at a time.
	PacketSize = 512

	// Timeout bounds every individual bulk-IN transfer. Bulk-OUT writes
	// go through Writer.Write, which takes no deadline.
	Timeout = 1000 * time.Millisecond

	// VendorID and ProductID identify the MediaTek Preloader/DA USB
	// device.
	VendorID  = 0x0e8d
	ProductID = 0x2000

	// Interface is the USB interface claimed for the bulk endpoints.
	Interface = 0

	// EndpointIn and EndpointOut are the bulk endpoint addresses.
	EndpointIn  = 0x81
	EndpointOut = 0x01
)

// Reader is the read half of a USB bulk endpoint. *gousb.InEndpoint
// satisfies it.
type Reader interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// Writer is the write half of a USB bulk endpoint. *gousb.OutEndpoint
// satisfies it.
type Writer interface {
	Write(buf []byte) (int, error)
}

// Transport carries byte streams across a bulk-IN/bulk-OUT endpoint pair
// and exposes big-endian scalar I/O. It owns a fixed-size read buffer;
// writes are unbuffered.
type Transport struct {
	in  Reader
	out Writer

	buf       [PacketSize]byte
	offset    int
	available int
}

// New wraps an already-open bulk endpoint pair. The caller is responsible
// for device discovery, configuration, and interface claiming.
func New(in Reader, out Writer) *Transport {
	return &Transport{in: in, out: out}
}

// Flush discards any buffered-but-unread bytes without touching the wire.
// Used by the Preloader handshake to ignore stray bytes emitted during USB
// settle.
func (t *Transport) Flush() {
	t.available = 0
	t.offset = 0
}

// Read fills buf entirely, refilling the internal 512-byte buffer from the
// bulk-IN endpoint as needed.
func (t *Transport) Read(buf []byte) error {
	offset := 0
	size := len(buf)

	for offset < size {
		if t.available == 0 {
			ctx, cancel := context.WithTimeout(context.Background(), Timeout)
			n, err := t.in.ReadContext(ctx, t.buf[:])
			cancel()
			if err != nil {
				return &mtkerr.Transport{Op: "bulk read", Err: err}
			}
			t.offset = 0
			t.available = n
		}

		n := size - offset
		if n > t.available {
			n = t.available
		}
		copy(buf[offset:offset+n], t.buf[t.offset:t.offset+n])

		offset += n
		t.offset += n
		t.available -= n
	}

	return nil
}

// Write transmits buf in full, retrying short writes until every byte has
// been handed to the USB layer.
func (t *Transport) Write(buf []byte) error {
	offset := 0
	for offset < len(buf) {
		n, err := t.out.Write(buf[offset:])
		if err != nil {
			return &mtkerr.Transport{Op: "bulk write", Err: err}
		}
		if n == 0 {
			return &mtkerr.Transport{Op: "bulk write", Err: fmt.Errorf("zero-length write")}
		}
		offset += n
	}
	return nil
}

// ReadU8 reads a single byte. If discard is true the value is read but not
// returned (useful for protocol steps that must consume a byte whose value
// is irrelevant).
func (t *Transport) ReadU8(discard bool) (uint8, error) {
	var b [1]byte
	if err := t.Read(b[:]); err != nil {
		return 0, err
	}
	if discard {
		return 0, nil
	}
	return b[0], nil
}

// ReadU16 reads a big-endian u16.
func (t *Transport) ReadU16(discard bool) (uint16, error) {
	var b [2]byte
	if err := t.Read(b[:]); err != nil {
		return 0, err
	}
	if discard {
		return 0, nil
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

// ReadU32 reads a big-endian u32.
func (t *Transport) ReadU32(discard bool) (uint32, error) {
	var b [4]byte
	if err := t.Read(b[:]); err != nil {
		return 0, err
	}
	if discard {
		return 0, nil
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

// ReadU64 reads a big-endian u64.
func (t *Transport) ReadU64(discard bool) (uint64, error) {
	var b [8]byte
	if err := t.Read(b[:]); err != nil {
		return 0, err
	}
	if discard {
		return 0, nil
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

// ReadBytes reads exactly len(buf) bytes into buf.
func (t *Transport) ReadBytes(buf []byte) error {
	return t.Read(buf)
}

// Discard reads and throws away exactly n bytes.
func (t *Transport) Discard(n int) error {
	// Read in PacketSize-sized chunks through a scratch buffer so that
	// large discards (e.g. the 235-byte DA report) don't require a
	// caller-provided buffer.
	var scratch [PacketSize]byte
	for n > 0 {
		chunk := n
		if chunk > len(scratch) {
			chunk = len(scratch)
		}
		if err := t.Read(scratch[:chunk]); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// WriteU8 writes a single byte.
func (t *Transport) WriteU8(v uint8) error {
	return t.Write([]byte{v})
}

// WriteU16 writes a big-endian u16.
func (t *Transport) WriteU16(v uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return t.Write(b[:])
}

// WriteU32 writes a big-endian u32.
func (t *Transport) WriteU32(v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return t.Write(b[:])
}

// WriteU64 writes a big-endian u64.
func (t *Transport) WriteU64(v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return t.Write(b[:])
}

// EchoU8 writes v then reads back a u8, failing with mtkerr.Protocol if the
// reply differs.
func (t *Transport) EchoU8(v uint8) error {
	if err := t.WriteU8(v); err != nil {
		return err
	}
	reply, err := t.ReadU8(false)
	if err != nil {
		return err
	}
	if reply != v {
		return &mtkerr.Protocol{Reason: fmt.Sprintf("echo u8: sent 0x%02x, got 0x%02x", v, reply)}
	}
	return nil
}

// EchoU16 writes v then reads back a u16, failing with mtkerr.Protocol if
// the reply differs.
func (t *Transport) EchoU16(v uint16) error {
	if err := t.WriteU16(v); err != nil {
		return err
	}
	reply, err := t.ReadU16(false)
	if err != nil {
		return err
	}
	if reply != v {
		return &mtkerr.Protocol{Reason: fmt.Sprintf("echo u16: sent 0x%04x, got 0x%04x", v, reply)}
	}
	return nil
}

// EchoU32 writes v then reads back a u32, failing with mtkerr.Protocol if
// the reply differs.
func (t *Transport) EchoU32(v uint32) error {
	if err := t.WriteU32(v); err != nil {
		return err
	}
	reply, err := t.ReadU32(false)
	if err != nil {
		return err
	}
	if reply != v {
		return &mtkerr.Protocol{Reason: fmt.Sprintf("echo u32: sent 0x%08x, got 0x%08x", v, reply)}
	}
	return nil
}

// EchoU64 writes v then reads back a u64, failing with mtkerr.Protocol if
// the reply differs.
func (t *Transport) EchoU64(v uint64) error {
	if err := t.WriteU64(v); err != nil {
		return err
	}
	reply, err := t.ReadU64(false)
	if err != nil {
		return err
	}
	if reply != v {
		return &mtkerr.Protocol{Reason: fmt.Sprintf("echo u64: sent 0x%016x, got 0x%016x", v, reply)}
	}
	return nil
}
