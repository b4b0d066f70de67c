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

package crypto

import (
	"crypto/cipher"
	"fmt"
	"io"

	"github.com/last-saiyan/rencfs/internal/fserrors"
)

// Reader opens the chunked AEAD stream produced by Writer. It verifies
// every chunk's authentication tag before handing plaintext back to the
// caller, and fails the whole read on the first mismatch: there is no
// partial delivery of a tampered chunk.
type Reader struct {
	in        io.Reader
	aead      cipher.AEAD
	nonces    *nonceSequence
	chunkSize int
	sealedBuf []byte // scratch, sized chunkSize+TagSize

	plain  []byte // decrypted plaintext pending delivery
	offset int    // consumed prefix of plain
	eof    bool
}

// NewReader constructs an opening Reader over in. seed must match the seed
// used by the Writer that produced the stream.
func NewReader(in io.Reader, cipher cipher.AEAD, seed uint64, chunkSize int) *Reader {
	return &Reader{
		in:        in,
		aead:      cipher,
		nonces:    newNonceSequence(seed),
		chunkSize: chunkSize,
		sealedBuf: make([]byte, chunkSize+TagSize),
	}
}

// Read implements io.Reader, decrypting and authenticating chunks as
// needed to satisfy the request.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if r.offset == len(r.plain) {
		if r.eof {
			return 0, io.EOF
		}
		if err := r.fillChunk(); err != nil {
			return 0, err
		}
		if r.offset == len(r.plain) {
			// fillChunk observed immediate EOF with no bytes at all.
			return 0, io.EOF
		}
	}
	n := copy(p, r.plain[r.offset:])
	r.offset += n
	return n, nil
}

// fillChunk reads and opens the next ciphertext chunk. A short (but
// nonzero) final read is treated as the stream's last, partial chunk.
func (r *Reader) fillChunk() error {
	n, err := io.ReadFull(r.in, r.sealedBuf)
	switch {
	case err == nil:
		// Full chunkSize+TagSize block read; more may follow.
	case err == io.ErrUnexpectedEOF:
		r.eof = true
	case err == io.EOF:
		r.eof = true
		r.plain = nil
		r.offset = 0
		return nil
	default:
		return fmt.Errorf("%w: reading sealed chunk: %v", fserrors.ErrIO, err)
	}

	sealed := r.sealedBuf[:n]
	nonce := r.nonces.next()
	plain, err := r.aead.Open(sealed[:0], nonce[:], sealed, nil)
	if err != nil {
		return fmt.Errorf("%w: opening sealed chunk: %v", fserrors.ErrCryptoFailure, err)
	}
	r.plain = plain
	r.offset = 0
	return nil
}
