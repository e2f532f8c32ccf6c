// Package iocb defines the I/O callback contract the protocol core uses to
// source bytes being flashed and sink bytes being dumped, decoupling
// protocol correctness from file I/O, progress reporting, and source/sink
// choice.
package iocb

import (
	"fmt"
	"io"
)

// Direction indicates which way bytes are moving through the callback.
type Direction int

const (
	// Flash means the callback must fill buffer[:count] from the
	// backing source.
	Flash Direction = iota
	// Dump means the callback must consume buffer[:count] into the
	// backing sink.
	Dump
)

func (d Direction) String() string {
	if d == Flash {
		return "flash"
	}
	return "dump"
}

// Func is invoked by every streaming command. offset and totalLen describe
// the position of buffer[:count] within the overall transfer; offset+count
// never exceeds totalLen. An error aborts the command.
type Func func(dir Direction, offset, totalLen uint64, buffer []byte, count int) error

// NewReaderFunc builds a Flash-direction Func reading from r starting at
// base.
func NewReaderFunc(r io.ReaderAt, base int64) Func {
	return func(dir Direction, offset, totalLen uint64, buffer []byte, count int) error {
		n, err := r.ReadAt(buffer[:count], base+int64(offset))
		if err != nil && err != io.EOF {
			return fmt.Errorf("read source: %w", err)
		}
		if n != count {
			return fmt.Errorf("read source: got %d bytes, want %d", n, count)
		}
		return nil
	}
}

// NewWriterFunc builds a Dump-direction Func writing to w starting at base.
func NewWriterFunc(w io.WriterAt, base int64) Func {
	return func(dir Direction, offset, totalLen uint64, buffer []byte, count int) error {
		n, err := w.WriteAt(buffer[:count], base+int64(offset))
		if err != nil {
			return fmt.Errorf("write sink: %w", err)
		}
		if n != count {
			return fmt.Errorf("write sink: wrote %d bytes, want %d", n, count)
		}
		return nil
	}
}
