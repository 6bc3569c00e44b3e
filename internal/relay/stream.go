package relay

import (
	"bytes"
	"context"
	"io"
	"net/http"
)

// copyAndParse pipes src to dst one read-buffer at a time, flushing after
// every chunk, while feeding the same bytes to parser. It never buffers
// the full response; src.Read's own buffer size bounds memory use. The
// copy stops early (completed=false) if ctx is canceled between reads.
func copyAndParse(ctx context.Context, dst io.Writer, src io.Reader, parser *sseParser) (completed bool, err error) {
	flusher, _ := dst.(http.Flusher)
	buf := make([]byte, 32*1024)

	for {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, werr := dst.Write(chunk); werr != nil {
				return false, werr
			}
			if flusher != nil {
				flusher.Flush()
			}
			if parser != nil {
				parser.Feed(chunk)
			}
		}
		if rerr == io.EOF {
			return true, nil
		}
		if rerr != nil {
			return false, rerr
		}
	}
}

// --- byte-level helpers used by the SSE frame scanner ---

func splitLines(b []byte) [][]byte {
	return bytes.Split(b, []byte("\n"))
}

func trimCR(b []byte) []byte {
	return bytes.TrimSuffix(b, []byte("\r"))
}

func trimSpaceBytes(b []byte) []byte {
	return bytes.TrimSpace(b)
}

func hasPrefixFold(b []byte, prefix string) bool {
	if len(b) < len(prefix) {
		return false
	}
	return bytes.EqualFold(b[:len(prefix)], []byte(prefix))
}

func indexBytes(buf []byte, sep string) int {
	return bytes.Index(buf, []byte(sep))
}
