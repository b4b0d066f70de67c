// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cryptofile

import (
	"fmt"
	"os"

	"github.com/last-saiyan/rencfs/cfg"
	"github.com/last-saiyan/rencfs/internal/crypto"
	"github.com/last-saiyan/rencfs/internal/fserrors"
)

// Reader implements the positioned-read protocol over the chunked AEAD
// stream: the underlying cipher can only be advanced forward, so catching
// up to a requested offset either discards plaintext (moving forward) or
// reinstalls a fresh opener at byte 0 (moving backward).
type Reader struct {
	path       string
	cipherKind cfg.Cipher
	key        []byte
	nonceSeed  uint64
	chunkSize  int

	file *os.File
	dec  *crypto.Reader
	pos  uint64
}

// OpenReader opens path and installs a fresh decryptor at position 0.
func OpenReader(path string, cipherKind cfg.Cipher, key []byte, nonceSeed uint64, chunkSize int) (*Reader, error) {
	r := &Reader{
		path:       path,
		cipherKind: cipherKind,
		key:        key,
		nonceSeed:  nonceSeed,
		chunkSize:  chunkSize,
	}
	if err := r.reinstall(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) reinstall() error {
	if r.file != nil {
		_ = r.file.Close()
	}
	f, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("%w: opening canonical file: %v", fserrors.ErrIO, err)
	}
	aead, err := crypto.NewAEAD(r.cipherKind, r.key)
	if err != nil {
		_ = f.Close()
		return err
	}
	r.file = f
	r.dec = crypto.NewReader(f, aead, r.nonceSeed, r.chunkSize)
	r.pos = 0
	return nil
}

// ReadAt positions the stream at offset and reads into buf, returning the
// number of bytes available before EOF. It never returns io.EOF itself: a
// short or zero-length read with a nil error signals end of stream, which
// lets callers clamp against the cached attr size instead.
func (r *Reader) ReadAt(offset uint64, buf []byte) (int, error) {
	switch {
	case r.pos == offset:
		// already positioned
	case r.pos > offset:
		if err := r.reinstall(); err != nil {
			return 0, err
		}
		skipped, err := discard(r.dec, offset)
		r.pos = skipped
		if err != nil {
			return 0, err
		}
	default:
		skipped, err := discard(r.dec, offset-r.pos)
		r.pos += skipped
		if err != nil {
			return 0, err
		}
	}

	// One dec.Read stops at the end of the current chunk, so keep reading
	// until buf is full or the stream ends.
	n := 0
	var err error
	for n < len(buf) && err == nil {
		var m int
		m, err = r.dec.Read(buf[n:])
		n += m
	}
	r.pos += uint64(n)
	if err != nil && !isEOF(err) {
		return n, err
	}
	return n, nil
}

// Invalidate discards the live decryptor and reopens the canonical file
// from byte 0. Called when the canonical file has been replaced by a
// staging rename, so that subsequent reads see the new content instead of
// the old, now-unlinked file the previous descriptor still points at.
func (r *Reader) Invalidate() error {
	return r.reinstall()
}

// Close releases the underlying file handle.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}
