// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package a2s

import (
	"bytes"
	"encoding/binary"
)

// byteReader is a forward-only cursor over a response buffer. Every read that would run past the end
// of the buffer fails with [ErrTruncated] and leaves the cursor where it was.
type byteReader struct {
	b   []byte
	off int
}

func (r *byteReader) remaining() int {
	return len(r.b) - r.off
}

func (r *byteReader) skip(n int) error {
	if r.remaining() < n {
		return ErrTruncated
	}
	r.off += n
	return nil
}

func (r *byteReader) readBytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, ErrTruncated
	}
	b := r.b[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *byteReader) readUint8() (uint8, error) {
	b, err := r.readBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *byteReader) readUint16() (uint16, error) {
	b, err := r.readBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *byteReader) readUint32() (uint32, error) {
	b, err := r.readBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// readCString returns the bytes up to the next null byte and advances past the terminator. A missing
// terminator is treated as truncation.
func (r *byteReader) readCString() ([]byte, error) {
	i := bytes.IndexByte(r.b[r.off:], 0)
	if i < 0 {
		return nil, ErrTruncated
	}
	b := r.b[r.off : r.off+i]
	r.off += i + 1
	return b, nil
}
