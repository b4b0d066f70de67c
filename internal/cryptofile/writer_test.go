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
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/last-saiyan/rencfs/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = bytes.Repeat([]byte{0x11}, 32)

const testChunkSize = 32

type callbackRecorder struct {
	calls []uint64
}

func (c *callbackRecorder) OnFileContentChanged(pos uint64) error {
	c.calls = append(c.calls, pos)
	return nil
}

func readAllPlainSeed(t *testing.T, path string, seed uint64) []byte {
	t.Helper()
	r, err := OpenReader(path, cfg.ChaCha20Poly1305, testKey, seed, testChunkSize)
	require.NoError(t, err)
	defer r.Close()
	var out []byte
	buf := make([]byte, 17) // deliberately not chunk-aligned
	pos := uint64(0)
	for {
		n, err := r.ReadAt(pos, buf)
		out = append(out, buf[:n]...)
		pos += uint64(n)
		if err != nil {
			require.NoError(t, err)
		}
		if n == 0 {
			break
		}
	}
	return out
}

func TestWriter_SequentialWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	canonical := filepath.Join(dir, "content")
	cb := &callbackRecorder{}
	w, err := NewWriter(canonical, dir, cfg.ChaCha20Poly1305, testKey, 1, testChunkSize, cb)
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte("abcdefghij"), 10)
	_, err = w.Write(plaintext)
	require.NoError(t, err)
	_, err = w.Finish()
	require.NoError(t, err)

	assert.Equal(t, plaintext, readAllPlainSeed(t, canonical, 1))
}

func TestWriter_ForwardSeekZeroFills(t *testing.T) {
	dir := t.TempDir()
	canonical := filepath.Join(dir, "content")
	w, err := NewWriter(canonical, dir, cfg.ChaCha20Poly1305, testKey, 2, testChunkSize, nil)
	require.NoError(t, err)

	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	pos, err := w.SeekFromStart(10)
	require.NoError(t, err)
	assert.EqualValues(t, 10, pos)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	_, err = w.Finish()
	require.NoError(t, err)

	want := append([]byte("hello"), make([]byte, 5)...)
	want = append(want, []byte("world")...)
	assert.Equal(t, want, readAllPlainSeed(t, canonical, 2))
}

func TestWriter_BackwardSeekRebuildsAndRenames(t *testing.T) {
	dir := t.TempDir()
	canonical := filepath.Join(dir, "content")
	cb := &callbackRecorder{}
	w, err := NewWriter(canonical, dir, cfg.ChaCha20Poly1305, testKey, 3, testChunkSize, cb)
	require.NoError(t, err)

	_, err = w.Write([]byte("abcdefghij"))
	require.NoError(t, err)

	pos, err := w.SeekFromStart(3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, pos)
	assert.Equal(t, []uint64{0}, cb.calls)

	_, err = w.Write([]byte("XYZ"))
	require.NoError(t, err)
	_, err = w.Finish()
	require.NoError(t, err)

	assert.Equal(t, []byte("abcXYZghij"), readAllPlainSeed(t, canonical, 3))
}

func TestWriter_BackwardSeekPastEndOfPreviousRebuild(t *testing.T) {
	dir := t.TempDir()
	canonical := filepath.Join(dir, "content")
	w, err := NewWriter(canonical, dir, cfg.ChaCha20Poly1305, testKey, 4, testChunkSize, nil)
	require.NoError(t, err)

	_, err = w.Write(bytes.Repeat([]byte{0x01}, testChunkSize+10))
	require.NoError(t, err)
	_, err = w.SeekFromStart(5)
	require.NoError(t, err)
	_, err = w.Write([]byte{0xFF, 0xFF})
	require.NoError(t, err)
	_, err = w.Finish()
	require.NoError(t, err)

	got := readAllPlainSeed(t, canonical, 4)
	require.Len(t, got, testChunkSize+10)
	want := bytes.Repeat([]byte{0x01}, testChunkSize+10)
	want[5] = 0xFF
	want[6] = 0xFF
	assert.Equal(t, want, got)
}

func TestWriter_FlushNoopWhenNotDirty(t *testing.T) {
	dir := t.TempDir()
	canonical := filepath.Join(dir, "content")
	w, err := NewWriter(canonical, dir, cfg.ChaCha20Poly1305, testKey, 5, testChunkSize, nil)
	require.NoError(t, err)

	// Nothing written yet: the staging file holds nothing the canonical
	// file lacks, so flush must not materialise or rename anything.
	require.NoError(t, w.Flush())
	_, err = os.Stat(canonical)
	assert.True(t, os.IsNotExist(err))
}

func TestWriter_SeekToCurrentPositionIsNoop(t *testing.T) {
	dir := t.TempDir()
	canonical := filepath.Join(dir, "content")
	cb := &callbackRecorder{}
	w, err := NewWriter(canonical, dir, cfg.ChaCha20Poly1305, testKey, 6, testChunkSize, cb)
	require.NoError(t, err)

	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)
	pos, err := w.SeekFromStart(w.Pos())
	require.NoError(t, err)
	assert.EqualValues(t, 5, pos)
	assert.Empty(t, cb.calls)
}

func TestWriter_UseAfterFinishFails(t *testing.T) {
	dir := t.TempDir()
	canonical := filepath.Join(dir, "content")
	w, err := NewWriter(canonical, dir, cfg.ChaCha20Poly1305, testKey, 7, testChunkSize, nil)
	require.NoError(t, err)
	_, err = w.Finish()
	require.NoError(t, err)

	_, err = w.Write([]byte("x"))
	assert.Error(t, err)
	_, err = w.SeekFromStart(0)
	assert.Error(t, err)
}

func TestWriter_FlushMidSessionThenKeepWriting(t *testing.T) {
	dir := t.TempDir()
	canonical := filepath.Join(dir, "content")
	w, err := NewWriter(canonical, dir, cfg.ChaCha20Poly1305, testKey, 10, testChunkSize, nil)
	require.NoError(t, err)

	_, err = w.Write([]byte("first half"))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	assert.Equal(t, []byte("first half"), readAllPlainSeed(t, canonical, 10))

	_, err = w.Write([]byte(" second"))
	require.NoError(t, err)
	_, err = w.Finish()
	require.NoError(t, err)
	assert.Equal(t, []byte("first half second"), readAllPlainSeed(t, canonical, 10))
}

func TestWriter_TruncateShrink(t *testing.T) {
	dir := t.TempDir()
	canonical := filepath.Join(dir, "content")
	w, err := NewWriter(canonical, dir, cfg.ChaCha20Poly1305, testKey, 11, testChunkSize, nil)
	require.NoError(t, err)
	_, err = w.Write(bytes.Repeat([]byte("abcd"), testChunkSize))
	require.NoError(t, err)
	_, err = w.Finish()
	require.NoError(t, err)

	tr, err := NewWriter(canonical, dir, cfg.ChaCha20Poly1305, testKey, 11, testChunkSize, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Truncate(6))
	assert.Equal(t, []byte("abcdab"), readAllPlainSeed(t, canonical, 11))
}

func TestWriter_TruncateGrowZeroFills(t *testing.T) {
	dir := t.TempDir()
	canonical := filepath.Join(dir, "content")
	w, err := NewWriter(canonical, dir, cfg.ChaCha20Poly1305, testKey, 12, testChunkSize, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("ab"))
	require.NoError(t, err)
	_, err = w.Finish()
	require.NoError(t, err)

	tr, err := NewWriter(canonical, dir, cfg.ChaCha20Poly1305, testKey, 12, testChunkSize, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Truncate(6))
	assert.Equal(t, append([]byte("ab"), make([]byte, 4)...), readAllPlainSeed(t, canonical, 12))
}

func TestWriter_TruncateRefusedAfterWrites(t *testing.T) {
	dir := t.TempDir()
	canonical := filepath.Join(dir, "content")
	w, err := NewWriter(canonical, dir, cfg.ChaCha20Poly1305, testKey, 13, testChunkSize, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("dirty"))
	require.NoError(t, err)
	assert.Error(t, w.Truncate(2))
}

func TestReader_TamperedContentFailsAuthentication(t *testing.T) {
	dir := t.TempDir()
	canonical := filepath.Join(dir, "content")
	w, err := NewWriter(canonical, dir, cfg.ChaCha20Poly1305, testKey, 8, testChunkSize, nil)
	require.NoError(t, err)
	_, err = w.Write([]byte("tamper me please"))
	require.NoError(t, err)
	_, err = w.Finish()
	require.NoError(t, err)

	data, err := os.ReadFile(canonical)
	require.NoError(t, err)
	data[0] ^= 0xFF
	require.NoError(t, os.WriteFile(canonical, data, 0o600))

	r, err := OpenReader(canonical, cfg.ChaCha20Poly1305, testKey, 8, testChunkSize)
	require.NoError(t, err)
	defer r.Close()
	buf := make([]byte, 16)
	_, err = r.ReadAt(0, buf)
	assert.Error(t, err)
}

func TestReader_EmptyFileReturnsZeroWithoutError(t *testing.T) {
	dir := t.TempDir()
	canonical := filepath.Join(dir, "content")
	w, err := NewWriter(canonical, dir, cfg.ChaCha20Poly1305, testKey, 9, testChunkSize, nil)
	require.NoError(t, err)
	_, err = w.Finish()
	require.NoError(t, err)

	r, err := OpenReader(canonical, cfg.ChaCha20Poly1305, testKey, 9, testChunkSize)
	require.NoError(t, err)
	defer r.Close()
	n, err := r.ReadAt(0, make([]byte, 10))
	assert.NoError(t, err)
	assert.Zero(t, n)
}
