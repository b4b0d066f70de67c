// Copyright 2024 Google LLC
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

package cfg

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// Octal is the datatype for params such as file-mode and dir-mode which accept a base-8 value.
type Octal int

func (o *Octal) UnmarshalText(text []byte) error {
	v, err := strconv.ParseInt(string(text) /*base=*/, 8 /*bitSize=*/, 32)
	if err != nil {
		return err
	}
	*o = Octal(v)
	return nil
}

func (o Octal) MarshalText() ([]byte, error) {
	return []byte(strconv.FormatInt(int64(o), 8)), nil
}

// Cipher is the datatype for the AEAD selected at mount time.
type Cipher string

const (
	ChaCha20Poly1305 Cipher = "chacha20poly1305"
	Aes256Gcm        Cipher = "aes256gcm"
)

func (c *Cipher) UnmarshalText(text []byte) error {
	v := Cipher(strings.ToLower(string(text)))
	if v != ChaCha20Poly1305 && v != Aes256Gcm {
		return fmt.Errorf("invalid cipher: %q, must be one of [%s, %s]", text, ChaCha20Poly1305, Aes256Gcm)
	}
	*c = v
	return nil
}

// LogSeverity represents the logging severity and can accept the following values:
// "TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF"
type LogSeverity string

// Constants for all supported log severities.
const (
	TraceLogSeverity   LogSeverity = "TRACE"
	DebugLogSeverity   LogSeverity = "DEBUG"
	InfoLogSeverity    LogSeverity = "INFO"
	WarningLogSeverity LogSeverity = "WARNING"
	ErrorLogSeverity   LogSeverity = "ERROR"
	OffLogSeverity     LogSeverity = "OFF"
)

// severityRanking maps each level to an integer for validation and comparison.
var severityRanking = map[LogSeverity]int{
	TraceLogSeverity:   0,
	DebugLogSeverity:   1,
	InfoLogSeverity:    2,
	WarningLogSeverity: 3,
	ErrorLogSeverity:   4,
	OffLogSeverity:     5,
}

func (l *LogSeverity) UnmarshalText(text []byte) error {
	level := LogSeverity(strings.ToUpper(string(text)))
	if _, ok := severityRanking[level]; !ok {
		return fmt.Errorf("invalid log severity level: %s. Must be one of [TRACE, DEBUG, INFO, WARNING, ERROR, OFF]", text)
	}
	*l = level
	return nil
}

// Rank returns the integer representation of the severity rank.
// Returns -1 if the severity is unknown.
func (l LogSeverity) Rank() int {
	if rank, ok := severityRanking[l]; ok {
		return rank
	}
	return -1
}

// LogFormat is either "text" or "json".
type LogFormat string

const (
	TextLogFormat LogFormat = "text"
	JSONLogFormat LogFormat = "json"
)

func (f *LogFormat) UnmarshalText(text []byte) error {
	v := LogFormat(strings.ToLower(string(text)))
	if !slices.Contains([]LogFormat{TextLogFormat, JSONLogFormat}, v) {
		return fmt.Errorf("invalid log format: %q, must be one of [%s, %s]", text, TextLogFormat, JSONLogFormat)
	}
	*f = v
	return nil
}

// ResolvedPath is an absolute path. Relative paths and paths starting
// with "~" are resolved against the working directory/home directory at
// unmarshal time.
type ResolvedPath string

func (p *ResolvedPath) UnmarshalText(text []byte) error {
	resolved, err := resolvePath(string(text))
	if err != nil {
		return err
	}
	*p = ResolvedPath(resolved)
	return nil
}

func resolvePath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("could not resolve home directory: %w", err)
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("could not resolve path %q: %w", path, err)
	}
	return abs, nil
}
