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
	"bufio"
	"crypto/cipher"
	"fmt"
	"io"

	"github.com/last-saiyan/rencfs/internal/fserrors"
)

// Writer buffers plaintext into fixed-size chunks and seals each full (or,
// on Finish, partial) chunk with aead, writing ciphertext||tag to out with
// no chunk length prefix: the reader recovers boundaries from chunkSize and
// aead's overhead alone.
type Writer struct {
	out       *bufio.Writer
	aead      cipher.AEAD
	nonces    *nonceSequence
	chunkSize int
	buf       []byte // pending plaintext, len(buf) in [0, chunkSize]
	finished  bool
}

// NewWriter constructs a sealing Writer over out. seed is the file's
// persisted nonce seed; the same seed must be supplied to NewReader to
// decrypt the result.
func NewWriter(out io.Writer, cipher cipher.AEAD, seed uint64, chunkSize int) *Writer {
	return &Writer{
		out:    bufio.NewWriter(out),
		aead:   cipher,
		nonces: newNonceSequence(seed),
		// Tag capacity on top of the chunk lets Seal reuse the buffer's
		// storage instead of allocating per chunk.
		chunkSize: chunkSize,
		buf:       make([]byte, 0, chunkSize+cipher.Overhead()),
	}
}

// Write implements io.Writer. It never blocks on a partial chunk: bytes are
// accumulated and only sealed once chunkSize plaintext bytes have
// accumulated.
func (w *Writer) Write(p []byte) (int, error) {
	if w.finished {
		return 0, fserrors.ErrUseAfterFinish
	}
	written := 0
	for len(p) > 0 {
		n := copy(w.buf[len(w.buf):w.chunkSize], p)
		w.buf = w.buf[:len(w.buf)+n]
		p = p[n:]
		written += n
		if len(w.buf) == w.chunkSize {
			if err := w.sealChunk(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// sealChunk seals whatever plaintext is currently buffered (which may be a
// full chunk or, from Finish, a short final chunk) and resets the buffer.
func (w *Writer) sealChunk() error {
	if len(w.buf) == 0 {
		return nil
	}
	nonce := w.nonces.next()
	sealed := w.aead.Seal(w.buf[:0], nonce[:], w.buf, nil)
	if _, err := w.out.Write(sealed); err != nil {
		return fmt.Errorf("%w: writing sealed chunk: %v", fserrors.ErrIO, err)
	}
	w.buf = w.buf[:0]
	return nil
}

// Finish seals any remaining buffered plaintext as a final short chunk,
// flushes the underlying writer, and marks the Writer unusable. Calling
// Finish a second time returns ErrUseAfterFinish.
func (w *Writer) Finish() error {
	if w.finished {
		return fserrors.ErrUseAfterFinish
	}
	if err := w.sealChunk(); err != nil {
		return err
	}
	w.finished = true
	if err := w.out.Flush(); err != nil {
		return fmt.Errorf("%w: flushing sealed output: %v", fserrors.ErrIO, err)
	}
	return nil
}
