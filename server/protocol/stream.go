package protocol

import (
	"fmt"
	"io"
	"slices"
)

// DefaultChunkSize is how much of a file body one Next call reads
const DefaultChunkSize = 32 << 10

// Stream is a cursor over a framed response: the head first,
// then the body in chunks, fetched lazily from the file.
type Stream struct {
	resp     *Response
	close    bool
	omitBody bool
	chunk    int

	headDone bool
	sent     int64 // body bytes produced
}

// Reset points the stream at a new response.
// omitBody is for HEAD: the head announces the length but no body follows.
func (st *Stream) Reset(r *Response, omitBody, close bool, chunk int) {
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	*st = Stream{resp: r, omitBody: omitBody, close: close, chunk: chunk}
}

// Next appends the next piece of the response to dst.
// It returns io.EOF once everything was produced. A file that ends before
// its announced size yields io.ErrUnexpectedEOF: the head is already out,
// so the only honest thing left is to drop the connection.
func (st *Stream) Next(dst []byte) ([]byte, error) {
	r := st.resp
	if r == nil {
		return dst, io.EOF
	}

	if !st.headDone {
		st.headDone = true
		dst = AppendHead(dst, r, st.close)
		if !st.omitBody && r.File == nil {
			dst = append(dst, r.Body...)
			st.sent = int64(len(r.Body))
		}
		return dst, nil
	}

	rem := r.ContentLength() - st.sent
	if st.omitBody || rem <= 0 || r.File == nil {
		return dst, io.EOF
	}

	n := int(min(rem, int64(st.chunk)))
	off := len(dst)
	dst = slices.Grow(dst, n)[:off+n]

	m, err := io.ReadFull(r.File, dst[off:])
	st.sent += int64(m)
	dst = dst[:off+m]
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return dst, fmt.Errorf("body short by %d bytes: %w", rem-int64(m), err)
	}
	return dst, nil
}

// Close releases the body file, if any
func (st *Stream) Close() error {
	if st.resp == nil || st.resp.File == nil {
		st.resp = nil
		return nil
	}
	err := st.resp.File.Close()
	st.resp.File = nil
	st.resp = nil
	return err
}
