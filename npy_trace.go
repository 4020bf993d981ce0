package powertest

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
)

// The npy header is padded to a fixed size so the shape can be rewritten in
// place once an interval's sample count is known.
const npyHeaderSize = 128

// TraceWriter captures the raw current trace of each test interval to a
// numpy .npy file (one float64 per sample), named test0000.npy, test0001.npy
// and so on under its directory. Offline tooling reads these to inspect
// in-test behavior the per-test average hides.
type TraceWriter struct {
	dir  string
	file *os.File
	n    int
}

// NewTraceWriter creates the capture directory if needed.
func NewTraceWriter(dir string) (*TraceWriter, error) {
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, err
	}
	return &TraceWriter{dir: dir}, nil
}

// Begin opens the trace file for the interval with the given test index.
func (tw *TraceWriter) Begin(index int) error {
	if tw.file != nil {
		return fmt.Errorf("trace for previous interval still open")
	}
	name := filepath.Join(tw.dir, fmt.Sprintf("test%04d.npy", index))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	tw.file = f
	tw.n = 0
	return tw.writeHeader()
}

// Append writes one sample's current to the open trace.
func (tw *TraceWriter) Append(microAmps float64) error {
	if tw.file == nil {
		return fmt.Errorf("no open trace")
	}
	if err := binary.Write(tw.file, binary.LittleEndian, microAmps); err != nil {
		return err
	}
	tw.n++
	return nil
}

// Commit fixes up the header with the final sample count and closes the
// interval's file.
func (tw *TraceWriter) Commit() error {
	if tw.file == nil {
		return fmt.Errorf("no open trace")
	}
	if _, err := tw.file.Seek(0, 0); err != nil {
		return err
	}
	if err := tw.writeHeader(); err != nil {
		return err
	}
	err := tw.file.Close()
	tw.file = nil
	return err
}

// Close commits any interval left open when the run ended mid-interval, so
// partial data is still readable.
func (tw *TraceWriter) Close() error {
	if tw.file == nil {
		return nil
	}
	return tw.Commit()
}

// writeHeader emits the 128-byte npy v1.0 header for a (n,) float64 array,
// padded with spaces and terminated by a newline as the format requires.
func (tw *TraceWriter) writeHeader() error {
	dict := fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%d,), }", tw.n)
	header := make([]byte, 0, npyHeaderSize)
	header = append(header, "\x93NUMPY\x01\x00"...)
	header = append(header, byte(npyHeaderSize-10), byte((npyHeaderSize-10)>>8))
	header = append(header, dict...)
	for len(header) < npyHeaderSize-1 {
		header = append(header, ' ')
	}
	header = append(header, '\n')
	_, err := tw.file.Write(header)
	return err
}
