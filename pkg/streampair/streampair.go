// Package streampair provides the buffered reader/writer pair the
// HTTP/1.1 engine drives a connection through. A Reader never returns a
// silent zero-length read on end-of-stream: end of stream always
// surfaces as io.EOF (or io.ErrUnexpectedEOF mid-frame), so callers can
// tell "nothing more will ever arrive" from "nothing arrived yet."
package streampair

import (
	"bufio"
	"io"

	"github.com/whileendless/gatewaycore/pkg/errors"
)

// DefaultBufferSize matches bufio's default and is generous for header
// blocks; bodies stream through CopyN rather than line-buffering.
const DefaultBufferSize = 4096

// MaxLineLength bounds a single CRLF-terminated line (request line,
// status line, one header). ReadLine rejects a longer line after it has
// read the whole line; memory use while a line arrives is not bounded.
const MaxLineLength = 64 * 1024

// Reader wraps a bufio.Reader with the line- and exact-length reads the
// wire codec needs, plus bounded lookahead for pipelining detection.
type Reader struct {
	br *bufio.Reader
}

// NewReader wraps r with the stream pair's default buffer size.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, DefaultBufferSize)}
}

// ReadLine reads one CRLF- or LF-terminated line, excluding the
// terminator. Returns io.EOF if the stream ends before any bytes of a
// new line arrive, io.ErrUnexpectedEOF if it ends mid-line.
func (r *Reader) ReadLine() (string, error) {
	line, err := r.br.ReadString('\n')
	if err != nil {
		if len(line) > 0 && err == io.EOF {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	if len(line) > MaxLineLength {
		return "", errors.NewMalformedError("line exceeds maximum length", nil)
	}
	if n := len(line); n >= 2 && line[n-2] == '\r' {
		return line[:n-2], nil
	}
	return line[:len(line)-1], nil
}

// ReadExact reads exactly n bytes, or returns the partial read with
// io.ErrUnexpectedEOF if the stream ends first.
func (r *Reader) ReadExact(n int64) ([]byte, error) {
	buf := make([]byte, n)
	read, err := io.ReadFull(r.br, buf)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return buf[:read], err
	}
	return buf, nil
}

// CopyN copies exactly n bytes from the stream to w.
func (r *Reader) CopyN(w io.Writer, n int64) (int64, error) {
	written, err := io.CopyN(w, r.br, n)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return written, err
}

// CopyUntilEOF copies everything remaining on the stream to w, returning
// cleanly on io.EOF (this is the close-delimited body framing rule).
func (r *Reader) CopyUntilEOF(w io.Writer) (int64, error) {
	n, err := io.Copy(w, r.br)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

// Buffered reports how many bytes are immediately available without a
// blocking read, used to detect a pipelined next request-line already
// sitting in the buffer.
func (r *Reader) Buffered() int { return r.br.Buffered() }

// Peek returns the next n buffered bytes without consuming them.
func (r *Reader) Peek(n int) ([]byte, error) { return r.br.Peek(n) }

// Underlying exposes the raw bufio.Reader for callers (the chunk
// decoder) that need textproto-style line splitting atop the same
// buffer without losing already-buffered bytes.
func (r *Reader) Underlying() *bufio.Reader { return r.br }

// Writer wraps a bufio.Writer with the small vocabulary the engine needs
// to frame a request or response line-by-line before a single Flush.
type Writer struct {
	bw *bufio.Writer
}

// NewWriter wraps w with the stream pair's default buffer size.
func NewWriter(w io.Writer) *Writer {
	return &Writer{bw: bufio.NewWriterSize(w, DefaultBufferSize)}
}

func (w *Writer) WriteString(s string) error {
	_, err := w.bw.WriteString(s)
	if err != nil {
		return errors.NewIOError("writing to stream", err)
	}
	return nil
}

func (w *Writer) WriteBytes(p []byte) error {
	_, err := w.bw.Write(p)
	if err != nil {
		return errors.NewIOError("writing to stream", err)
	}
	return nil
}

// CopyFrom streams r's entire content through the writer's buffer.
func (w *Writer) CopyFrom(r io.Reader) (int64, error) {
	n, err := io.Copy(w.bw, r)
	if err != nil {
		return n, errors.NewIOError("writing to stream", err)
	}
	return n, nil
}

func (w *Writer) Flush() error {
	if err := w.bw.Flush(); err != nil {
		return errors.NewIOError("flushing stream", err)
	}
	return nil
}
