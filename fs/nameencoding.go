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
	"fmt"
	"strconv"
	"strings"

	"github.com/last-saiyan/rencfs/internal/fserrors"
)

const (
	selfEntryHostName   = "$."
	parentEntryHostName = "$.."
)

// validateEntryName rejects names that cannot denote a new or removable
// directory entry: the empty string and the self/parent references, which
// every directory already owns.
func validateEntryName(name string) error {
	switch name {
	case "", ".", "..":
		return fmt.Errorf("%w: invalid entry name %q", fserrors.ErrInvalidInput, name)
	}
	return nil
}

// mangleName converts a logical directory entry name to the host filename
// it is stored under. "." and ".." map to the reserved tokens "$." and
// "$..". Any literal "$", "%", "/", or "\" byte is percent-encoded, which
// is what makes the mapping injective: those are exactly the bytes that
// could otherwise either collide with the reserved tokens or not survive
// as a host filename.
func mangleName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty name", fserrors.ErrInvalidInput)
	}
	if name == "." {
		return selfEntryHostName, nil
	}
	if name == ".." {
		return parentEntryHostName, nil
	}

	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch c {
		case '/', '\\', '%', '$':
			fmt.Fprintf(&b, "%%%02X", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// unmangleName is mangleName's inverse, used when presenting directory
// entries read off disk back to the caller.
func unmangleName(hostName string) (string, error) {
	switch hostName {
	case selfEntryHostName:
		return ".", nil
	case parentEntryHostName:
		return "..", nil
	}

	var b strings.Builder
	for i := 0; i < len(hostName); i++ {
		if hostName[i] == '%' && i+2 < len(hostName) {
			if n, err := strconv.ParseUint(hostName[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(n))
				i += 2
				continue
			}
		}
		b.WriteByte(hostName[i])
	}
	return b.String(), nil
}
