package preloader

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtkflash/internal/mtk/iocb"
	"mtkflash/internal/mtk/mtkerr"
	"mtkflash/internal/mtk/transport"
)

// scriptedEndpoint replays a fixed queue of bulk-IN chunks and records
// every byte written to it, modelling a device transcript.
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

func TestStartHandshakeWithStrayByte(t *testing.T) {
	ep := &scriptedEndpoint{reads: [][]byte{
		{0x00}, // stray byte: mismatches ^0xa0, forces a restart
		{0x5f}, {0xf5}, {0xaf}, {0xfa},
	}}
	c := New(transport.New(ep, ep))

	require.NoError(t, c.Start())
	assert.Equal(t, []byte{0xa0, 0xa0, 0x0a, 0x50, 0x05}, ep.written, "handshake must restart from the first byte after a stray reply")
}

func TestGetHWCode(t *testing.T) {
	ep := &scriptedEndpoint{reads: [][]byte{
		{0xfd},             // echo of GET_HW_CODE
		{0x12, 0x34},       // hw_code
		{0x00, 0x00},       // status
	}}
	c := New(transport.New(ep, ep))

	hwCode, status, err := c.GetHWCode()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), hwCode)
	assert.Equal(t, uint16(0), status)
	assert.Equal(t, []byte{0xfd}, ep.written)
}

func TestSendDAThreeBytePayloadChecksum(t *testing.T) {
	ep := &scriptedEndpoint{reads: [][]byte{
		{0xd7},                         // echo of SEND_DA
		{0x00, 0x20, 0x00, 0x00},       // echo of da_addr
		{0x00, 0x00, 0x00, 0x03},       // echo of da_len
		{0x00, 0x00, 0x00, 0x00},       // echo of sig_len
		{0x00, 0x00},                   // status before streaming
		{0x02, 0x02},                   // device checksum
		{0x00, 0x00},                   // final status
	}}
	c := New(transport.New(ep, ep))

	payload := []byte{0x01, 0x02, 0x03}
	io_ := func(dir iocb.Direction, offset, totalLen uint64, buffer []byte, count int) error {
		copy(buffer[:count], payload[offset:offset+uint64(count)])
		return nil
	}

	status, err := c.SendDA(0x00200000, 3, 0, io_)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), status)

	expected := []byte{
		0xd7,
		0x00, 0x20, 0x00, 0x00,
		0x00, 0x00, 0x00, 0x03,
		0x00, 0x00, 0x00, 0x00,
		0x01, 0x02, 0x03,
	}
	assert.Equal(t, expected, ep.written)
}

func TestSendDAChecksumMismatchIsProtocolError(t *testing.T) {
	ep := &scriptedEndpoint{reads: [][]byte{
		{0xd7},
		{0x00, 0x20, 0x00, 0x00},
		{0x00, 0x00, 0x00, 0x03},
		{0x00, 0x00, 0x00, 0x00},
		{0x00, 0x00},
		{0x02, 0x03}, // mutated device checksum
		{0x00, 0x00},
	}}
	c := New(transport.New(ep, ep))

	payload := []byte{0x01, 0x02, 0x03}
	io_ := func(dir iocb.Direction, offset, totalLen uint64, buffer []byte, count int) error {
		copy(buffer[:count], payload[offset:offset+uint64(count)])
		return nil
	}

	_, err := c.SendDA(0x00200000, 3, 0, io_)
	require.Error(t, err)
	var protoErr *mtkerr.Protocol
	assert.ErrorAs(t, err, &protoErr)
}
