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

package fs

import (
	"testing"

	"github.com/last-saiyan/rencfs/internal/fserrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMangleNameReservedForms(t *testing.T) {
	got, err := mangleName(".")
	require.NoError(t, err)
	assert.Equal(t, "$.", got)

	got, err = mangleName("..")
	require.NoError(t, err)
	assert.Equal(t, "$..", got)

	_, err = mangleName("")
	assert.ErrorIs(t, err, fserrors.ErrInvalidInput)
}

func TestMangleNameRoundTrips(t *testing.T) {
	names := []string{
		"plain.txt",
		"with space",
		"unicode-ß-名前",
		"slash/inside",
		"back\\slash",
		"dollar$sign",
		"percent%sign",
		"$.",  // literal, not the reserved token
		"$..", // same
		"...",
		".hidden",
		"..almost-parent",
	}
	for _, name := range names {
		mangled, err := mangleName(name)
		require.NoError(t, err, "mangle %q", name)
		assert.NotContains(t, mangled, "/", "host name must be a single path segment: %q", name)
		assert.NotContains(t, mangled, "\\")
		assert.NotEqual(t, "$.", mangled, "reserved token collision for %q", name)
		assert.NotEqual(t, "$..", mangled, "reserved token collision for %q", name)

		back, err := unmangleName(mangled)
		require.NoError(t, err)
		assert.Equal(t, name, back, "round trip of %q via %q", name, mangled)
	}
}

func TestMangleNameIsInjective(t *testing.T) {
	// These pairs collide under naive separator-stripping; the encoding
	// must keep them distinct.
	pairs := [][2]string{
		{"a/b", "a\\b"},
		{"a/b", "ab"},
		{"a%2Fb", "a/b"},
	}
	for _, p := range pairs {
		m1, err := mangleName(p[0])
		require.NoError(t, err)
		m2, err := mangleName(p[1])
		require.NoError(t, err)
		assert.NotEqual(t, m1, m2, "%q and %q must not share a host name", p[0], p[1])
	}
}

func TestValidateEntryName(t *testing.T) {
	for _, name := range []string{"", ".", ".."} {
		assert.ErrorIs(t, validateEntryName(name), fserrors.ErrInvalidInput)
	}
	assert.NoError(t, validateEntryName("ok"))
	assert.NoError(t, validateEntryName("..."))
}
