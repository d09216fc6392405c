// Package wire implements the S4PP Line Framer (spec §4.1): it slices an
// input byte stream into LF-delimited lines and rejects any line containing
// a CR byte. The design mirrors the teacher's chunk.Reader (streaming,
// single-pass, scratch-buffer reuse, restartable across calls) adapted from
// length-prefixed chunk reassembly to LF-delimited line reassembly.
package wire

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/finlaysensors/s4pp/internal/bufpool"
	protoerr "github.com/finlaysensors/s4pp/internal/errors"
)

const (
	// crByte is the CR byte; its presence anywhere in a line is a framing error (spec §3 invariant 6).
	crByte = 0x0D
	lfByte = 0x0A

	// defaultMaxLine bounds line length. The protocol imposes no maximum
	// (spec §4.1), but an implementation MAY and this one does, surfacing
	// overruns as a reject rather than growing memory unboundedly.
	defaultMaxLine = 1 << 20
)

// Reader converts a byte stream into a sequence of LF-delimited lines, each
// returned without its terminating LF. Not safe for concurrent use; intended
// for a single read-loop goroutine per session, matching the teacher's
// chunk.Reader usage discipline.
type Reader struct {
	underlying io.Reader
	br         *bufio.Reader
	maxLine    int
	scratch    []byte
}

// NewReader creates a Line Framer reading from r. maxLine<=0 selects the default bound.
func NewReader(r io.Reader, maxLine int) *Reader {
	if maxLine <= 0 {
		maxLine = defaultMaxLine
	}
	return &Reader{underlying: r, br: bufio.NewReaderSize(r, 4096), maxLine: maxLine}
}

// Rewrap installs a new transform between the Reader's original byte source
// and its line-splitting logic — used when HIDE activates mid-connection
// (spec §4.6: "arm the HIDE Framer to begin decrypting the next inbound
// byte"). Any bytes already buffered by the internal bufio.Reader (read
// ahead of the HIDE:algo line boundary) are preserved and replayed through
// wrap first, so no ciphertext is lost to read-ahead buffering.
func (r *Reader) Rewrap(wrap func(io.Reader) io.Reader) {
	var leftover []byte
	if n := r.br.Buffered(); n > 0 {
		peeked, _ := r.br.Peek(n)
		leftover = append([]byte(nil), peeked...)
	}
	src := r.underlying
	if len(leftover) > 0 {
		src = io.MultiReader(bytes.NewReader(leftover), r.underlying)
	}
	wrapped := wrap(src)
	r.underlying = wrapped
	r.br = bufio.NewReaderSize(wrapped, 4096)
}

// ReadLine blocks until the next complete line is available, or an error
// occurs. The returned slice is a buffer taken from bufpool holding a copy
// of the line (the internal scratch buffer is not exposed); it stays valid
// until the caller hands it back with bufpool.Put.
func (r *Reader) ReadLine() ([]byte, error) {
	r.scratch = r.scratch[:0]
	for {
		chunk, err := r.br.ReadSlice(lfByte)
		r.scratch = append(r.scratch, chunk...)
		if len(r.scratch) > r.maxLine {
			return nil, protoerr.NewFramingError("wire.read_line", fmt.Errorf("line exceeds %d bytes", r.maxLine))
		}
		if err == nil {
			// Found LF: strip it and validate.
			line := r.scratch[:len(r.scratch)-1]
			if bytes.IndexByte(line, crByte) >= 0 {
				return nil, protoerr.NewFramingError("wire.read_line", fmt.Errorf("CR present in line"))
			}
			out := bufpool.Get(len(line))
			copy(out, line)
			return out, nil
		}
		if err == bufio.ErrBufferFull {
			// ReadSlice stopped because its internal buffer filled without
			// finding LF; loop to keep accumulating into scratch.
			continue
		}
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, protoerr.NewFramingError("wire.read_line", err)
	}
}

// Writer emits LF-terminated lines to the underlying transport, matching
// the wire format's "every line ends with a single LF" rule (spec §3).
type Writer struct {
	w io.Writer
}

// NewWriter creates a line emitter writing to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteLine writes line followed by a single LF. line must not itself
// contain LF or CR; callers are responsible for that invariant (the
// protocol engines only ever construct well-formed fields).
func (w *Writer) WriteLine(line []byte) error {
	if _, err := w.w.Write(line); err != nil {
		return fmt.Errorf("wire.write_line: %w", err)
	}
	if _, err := w.w.Write([]byte{lfByte}); err != nil {
		return fmt.Errorf("wire.write_line.lf: %w", err)
	}
	return nil
}

// WriteLineString is a convenience wrapper over WriteLine for string payloads.
func (w *Writer) WriteLineString(line string) error {
	return w.WriteLine([]byte(line))
}

// Flush is a no-op: Writer writes every line straight through with no
// local buffering. It exists so Writer satisfies the same interface as
// hide.Encoder, which does buffer and needs an explicit flush point.
func (w *Writer) Flush() error { return nil }
