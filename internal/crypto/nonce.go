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
	"crypto/sha256"
	"encoding/binary"

	"golang.org/x/crypto/chacha20"
)

// nonceSequence produces one NonceSize-byte nonce per call to next, derived
// from a ChaCha20 keystream keyed by a per-file 64-bit seed. The low 8
// bytes of every nonce come from the keystream; the high 4 bytes are
// always zero. Because the keystream never repeats within the lifetime of
// one sequence, nonces never repeat under the seed's derived key either,
// which is the property NonceSequence needs. Opening the same stream again
// with the same seed reproduces the identical sequence.
type nonceSequence struct {
	stream *chacha20.Cipher
}

// newNonceSequence expands seed into a ChaCha20 key via SHA-256 so that an
// arbitrary 64-bit seed (the inode's persisted NonceSeed field) can drive a
// full 256-bit keystream key. The stream nonce itself is fixed at zero:
// uniqueness across files comes from the seed, not from this inner nonce.
func newNonceSequence(seed uint64) *nonceSequence {
	var seedBytes [8]byte
	binary.LittleEndian.PutUint64(seedBytes[:], seed)
	key := sha256.Sum256(seedBytes[:])
	stream, err := chacha20.NewUnauthenticatedCipher(key[:], make([]byte, chacha20.NonceSize))
	if err != nil {
		// Only possible on a malformed key/nonce size, which cannot
		// happen given the fixed-size arrays above.
		panic(err)
	}
	return &nonceSequence{stream: stream}
}

// next advances the sequence and returns the nonce for one sealed chunk.
func (s *nonceSequence) next() [NonceSize]byte {
	var low [8]byte
	s.stream.XORKeyStream(low[:], make([]byte, 8))

	var nonce [NonceSize]byte
	// nonce[:NonceSize-8] stays zero (the high 4 bytes); the low 8 bytes
	// from the generator occupy the tail.
	copy(nonce[NonceSize-8:], low[:])
	return nonce
}
