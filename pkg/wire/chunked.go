package wire

import (
	"strconv"
	"strings"

	"github.com/whileendless/gatewaycore/pkg/buffer"
	"github.com/whileendless/gatewaycore/pkg/errors"
	"github.com/whileendless/gatewaycore/pkg/headers"
	"github.com/whileendless/gatewaycore/pkg/streampair"
)

// maxChunkSize guards against a chunk-size line claiming an absurd
// amount of memory before any data has actually arrived.
const maxChunkSize = 1 << 40 // 1TB, matching the content-length cap

// readChunkedBody reads `hex-size [;ext] CRLF data CRLF` chunks until a
// zero-size chunk, then any trailer headers. Trailers not in
// allowedTrailers are parsed (to stay on-protocol) and discarded rather
// than merged into h.
func readChunkedBody(r *streampair.Reader, dst *buffer.Buffer, h *headers.Headers, allowedTrailers map[string]bool) error {
	for {
		line, err := r.ReadLine()
		if err != nil {
			return errors.NewMalformedError("reading chunk size", err)
		}

		sizeField := strings.TrimSpace(strings.SplitN(line, ";", 2)[0])
		size, err := strconv.ParseInt(sizeField, 16, 64)
		if err != nil || size < 0 {
			return errors.NewMalformedError("invalid chunk size", err)
		}
		if size > maxChunkSize {
			return errors.NewMalformedError("chunk size too large", nil)
		}

		if size == 0 {
			break
		}

		if _, err := r.CopyN(dst, size); err != nil {
			return errors.NewMalformedError("reading chunk body", err)
		}

		crlf, err := r.ReadExact(2)
		if err != nil || crlf[0] != '\r' || crlf[1] != '\n' {
			return errors.NewMalformedError("missing chunk terminator CRLF", err)
		}
	}

	for {
		line, err := r.ReadLine()
		if err != nil {
			return errors.NewMalformedError("reading chunk trailer", err)
		}
		if line == "" {
			break
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			return errors.NewMalformedError("malformed trailer header", nil)
		}
		name := strings.TrimSpace(parts[0])
		if allowedTrailers != nil && allowedTrailers[strings.ToLower(name)] {
			h.Add(name, strings.TrimSpace(parts[1]))
		}
	}

	return nil
}

// writeChunkedBody frames data as a single chunk followed by the
// terminating zero-size chunk. Streaming responses in smaller chunks is
// a caller concern (the engine may call this once per produced slice);
// this function handles one logical write.
func writeChunkedBody(w *streampair.Writer, data []byte) error {
	if len(data) > 0 {
		if err := w.WriteString(strconv.FormatInt(int64(len(data)), 16) + "\r\n"); err != nil {
			return err
		}
		if err := w.WriteBytes(data); err != nil {
			return err
		}
		if err := w.WriteString("\r\n"); err != nil {
			return err
		}
	}
	return w.WriteString("0\r\n\r\n")
}
