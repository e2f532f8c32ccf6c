package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtkflash/internal/mtk/mtkerr"
)

// fakeEndpoint is an in-memory loopback/script-driven stand-in for a
// *gousb.InEndpoint/*gousb.OutEndpoint pair.
type fakeEndpoint struct {
	// reads is a queue of bulk-IN transfer results, each at most 512 bytes.
	reads [][]byte
	// written accumulates every byte handed to Write.
	written []byte
	// loopback, if set, makes ReadContext return the next unread bytes
	// written via Write, simulating a true loopback device.
	loopback bool
	lbBuf    []byte
}

func (f *fakeEndpoint) ReadContext(_ context.Context, buf []byte) (int, error) {
	if f.loopback {
		n := copy(buf, f.lbBuf)
		f.lbBuf = f.lbBuf[n:]
		return n, nil
	}
	if len(f.reads) == 0 {
		return 0, nil
	}
	chunk := f.reads[0]
	f.reads = f.reads[1:]
	n := copy(buf, chunk)
	return n, nil
}

func (f *fakeEndpoint) Write(buf []byte) (int, error) {
	f.written = append(f.written, buf...)
	if f.loopback {
		f.lbBuf = append(f.lbBuf, buf...)
	}
	return len(buf), nil
}

func TestReadWriteLoopbackBytewise(t *testing.T) {
	ep := &fakeEndpoint{loopback: true}
	tr := New(ep, ep)

	msg := []byte{0x01, 0x02, 0xff, 0x00, 0xab}
	require.NoError(t, tr.Write(msg))

	got := make([]byte, len(msg))
	require.NoError(t, tr.Read(got))
	assert.Equal(t, msg, got)
}

func TestReadU32BigEndian(t *testing.T) {
	ep := &fakeEndpoint{reads: [][]byte{{0xAA, 0xBB, 0xCC, 0xDD}}}
	tr := New(ep, ep)

	v, err := tr.ReadU32(false)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xAABBCCDD), v)
}

func TestFlushTriggersFreshRead(t *testing.T) {
	ep := &fakeEndpoint{reads: [][]byte{{0x11, 0x22, 0x33}, {0x44}}}
	tr := New(ep, ep)

	// Prime the buffer with the first chunk, then flush before it's
	// fully consumed.
	var b [1]byte
	require.NoError(t, tr.Read(b[:]))
	assert.Equal(t, byte(0x11), b[0])

	tr.Flush()

	require.NoError(t, tr.Read(b[:]))
	assert.Equal(t, byte(0x44), b[0], "flush must discard the rest of the first chunk")
}

func TestEchoSuccess(t *testing.T) {
	ep := &fakeEndpoint{loopback: true}
	tr := New(ep, ep)

	require.NoError(t, tr.EchoU8(0x42))
}

func TestEchoMismatchIsProtocolError(t *testing.T) {
	// Device replies with the bitwise complement instead of echoing.
	ep := &fakeEndpoint{reads: [][]byte{{^byte(0x42)}}}
	tr := New(ep, ep)

	err := tr.EchoU8(0x42)
	require.Error(t, err)
	var protoErr *mtkerr.Protocol
	assert.ErrorAs(t, err, &protoErr)
}

func TestDiscard(t *testing.T) {
	ep := &fakeEndpoint{reads: [][]byte{make([]byte, 512), {0xAA}}}
	tr := New(ep, ep)

	require.NoError(t, tr.Discard(512))

	v, err := tr.ReadU8(false)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), v)
}
