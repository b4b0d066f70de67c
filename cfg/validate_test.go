// Copyright 2024 Google Inc. All Rights Reserved.
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
	"testing"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		DataDir: "/data",
		TmpDir:  "/tmp",
		Cipher:  ChaCha20Poly1305,
		Logging: GetDefaultLoggingConfig(),
	}
}

func TestValidateConfig_Valid(t *testing.T) {
	assert.NoError(t, ValidateConfig(validConfig()))
}

func TestValidateConfig_MissingDataDir(t *testing.T) {
	c := validConfig()
	c.DataDir = ""
	assert.Error(t, ValidateConfig(c))
}

func TestValidateConfig_MissingTmpDir(t *testing.T) {
	c := validConfig()
	c.TmpDir = ""
	assert.Error(t, ValidateConfig(c))
}

func TestValidateConfig_InvalidCipher(t *testing.T) {
	c := validConfig()
	c.Cipher = "rot13"
	assert.Error(t, ValidateConfig(c))
}

func TestValidateConfig_InvalidLogRotate(t *testing.T) {
	c := validConfig()
	c.Logging.LogRotate.MaxFileSizeMB = 0
	assert.Error(t, ValidateConfig(c))
}

func TestCipherUnmarshalText(t *testing.T) {
	var c Cipher
	assert.NoError(t, c.UnmarshalText([]byte("AES256GCM")))
	assert.Equal(t, Aes256Gcm, c)

	var bad Cipher
	assert.Error(t, bad.UnmarshalText([]byte("des")))
}

func TestLogSeverityRank(t *testing.T) {
	assert.Less(t, TraceLogSeverity.Rank(), DebugLogSeverity.Rank())
	assert.Less(t, DebugLogSeverity.Rank(), InfoLogSeverity.Rank())
	assert.Equal(t, -1, LogSeverity("bogus").Rank())
}
