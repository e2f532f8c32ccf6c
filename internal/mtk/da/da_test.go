package da

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtkflash/internal/mtk/iocb"
	"mtkflash/internal/mtk/mtkerr"
	"mtkflash/internal/mtk/transport"
)

type scriptedEndpoint struct {
	reads   [][]byte
	written []byte
}

func (s *scriptedEndpoint) ReadContext(_ context.Context, buf []byte) (int, error) {
	if len(s.reads) == 0 {
		return 0, nil
	}
	chunk := s.reads[0]
	s.reads = s.reads[1:]
	return copy(buf, chunk), nil
}

func (s *scriptedEndpoint) Write(buf []byte) (int, error) {
	s.written = append(s.written, buf...)
	return len(buf), nil
}

func TestReadChecksumMatchInvokesCallback(t *testing.T) {
	ep := &scriptedEndpoint{reads: [][]byte{
		{ACK},
		{0x10, 0x20, 0x30, 0x40},
		{0x00, 0xa0},
	}}
	c := New(transport.New(ep, ep))

	var gotOffset uint64
	var gotChunk []byte
	io_ := func(dir iocb.Direction, offset, totalLen uint64, buffer []byte, count int) error {
		assert.Equal(t, iocb.Dump, dir)
		gotOffset = offset
		gotChunk = append([]byte(nil), buffer[:count]...)
		return nil
	}

	retval, err := c.Read(HWStorageEMMC, 0, 4, io_)
	require.NoError(t, err)
	assert.Equal(t, byte(ACK), retval)
	assert.Equal(t, uint64(0), gotOffset)
	assert.Equal(t, []byte{0x10, 0x20, 0x30, 0x40}, gotChunk)
}

func TestReadChecksumMismatchFailsBeforeCallback(t *testing.T) {
	ep := &scriptedEndpoint{reads: [][]byte{
		{ACK},
		{0x10, 0x20, 0x30, 0x40},
		{0x00, 0xa1}, // mutated checksum
	}}
	c := New(transport.New(ep, ep))

	called := false
	io_ := func(dir iocb.Direction, offset, totalLen uint64, buffer []byte, count int) error {
		called = true
		return nil
	}

	_, err := c.Read(HWStorageEMMC, 0, 4, io_)
	require.Error(t, err)
	assert.False(t, called, "the sink callback must not fire when the checksum fails")
}

func TestSDMMCWriteDataChecksumAndContinue(t *testing.T) {
	ep := &scriptedEndpoint{reads: [][]byte{
		{ACK},
		{CONT},
	}}
	c := New(transport.New(ep, ep))

	payload := []byte{0x01, 0x02, 0x03}
	io_ := func(dir iocb.Direction, offset, totalLen uint64, buffer []byte, count int) error {
		copy(buffer[:count], payload[offset:offset+uint64(count)])
		return nil
	}

	retval, err := c.SDMMCWriteData(StorageEMMC, EMMCPartUser, 0, 3, io_)
	require.NoError(t, err)
	assert.Equal(t, byte(CONT), retval)

	expected := []byte{
		cmdSDMMCWriteData,
		StorageEMMC,
		EMMCPartUser,
		0, 0, 0, 0, 0, 0, 0, 0, // addr=0
		0, 0, 0, 0, 0, 0, 0, 3, // length=3
		0x00, 0x10, 0x00, 0x00, // chunk size
		ACK,
		0x01, 0x02, 0x03,
		0x00, 0x06, // sum checksum
	}
	assert.Equal(t, expected, ep.written)
}

func TestSyncBadSyncByteIsProtocolError(t *testing.T) {
	ep := &scriptedEndpoint{reads: [][]byte{{0x00}}}
	c := New(transport.New(ep, ep))

	_, err := c.Sync()
	require.Error(t, err)
	var protoErr *mtkerr.Protocol
	assert.ErrorAs(t, err, &protoErr)
}
