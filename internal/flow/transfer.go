package flow

import (
	"context"
	"io"
)

// ChunkSize is the buffer size of streamed transfers. Cancellation is checked
// once per chunk.
const ChunkSize = 32 * 1024

// contextReader fails the next Read once ctx is done, so a cancelled upload
// stops at a chunk boundary.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

// NewContextReader wraps r so reads fail with ctx.Err() after cancellation.
func NewContextReader(ctx context.Context, r io.Reader) io.Reader {
	return &contextReader{ctx: ctx, r: r}
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) > ChunkSize {
		p = p[:ChunkSize]
	}
	return c.r.Read(p)
}

// CopyChunked copies src to dst in ChunkSize pieces, checking ctx before
// each one.
func CopyChunked(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, ChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if w != n {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}
