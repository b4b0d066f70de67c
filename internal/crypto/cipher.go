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

// Package crypto implements the chunked AEAD stream that every encrypted
// object in the data directory is built from: inode records, file content
// streams, and directory entry tuples are all sealed and opened through
// the primitives in this package. See writer.go and reader.go for the
// chunk framing and nonce.go for the deterministic nonce sequence.
package crypto

import (
	gocipher "crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/last-saiyan/rencfs/cfg"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the length in bytes of the symmetric key accepted by
	// both supported ciphers.
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the length in bytes of the nonce accepted by both
	// supported ciphers.
	NonceSize = chacha20poly1305.NonceSize

	// TagSize is the length in bytes of the authentication tag appended
	// to every sealed chunk.
	TagSize = chacha20poly1305.Overhead

	// DefaultChunkSize is the plaintext chunk size used by production
	// mounts. Tests that want fast round trips over many chunks should
	// construct writers/readers with a smaller size instead of mutating
	// package state.
	DefaultChunkSize = 1024 * 1024

	// TestChunkSize is a reduced plaintext chunk size for test builds,
	// small enough to exercise multi-chunk behavior without allocating a
	// megabyte per test file. The package tests in this repository pass
	// their own, smaller sizes (32 or 64 bytes) instead.
	TestChunkSize = 256 * 1024
)

// NewAEAD constructs the AEAD primitive selected by c, bound to key. key
// must be exactly KeySize bytes for either cipher.
func NewAEAD(c cfg.Cipher, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", KeySize, len(key))
	}
	switch c {
	case cfg.ChaCha20Poly1305:
		return chacha20poly1305.New(key)
	case cfg.Aes256Gcm:
		block, err := gocipher.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("crypto: aes cipher: %w", err)
		}
		return cipher.NewGCM(block)
	default:
		return nil, fmt.Errorf("crypto: unsupported cipher %q", c)
	}
}
