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

import "fmt"

func isValidLogRotateConfig(config *LogRotateLoggingConfig) error {
	if config.MaxFileSizeMB <= 0 {
		return fmt.Errorf("max-file-size-mb should be at least 1")
	}
	if config.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (retain all backups) or positive")
	}
	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	if config.DataDir == "" {
		return fmt.Errorf("data-dir must be set")
	}
	if config.TmpDir == "" {
		return fmt.Errorf("tmp-dir must be set")
	}
	if config.Cipher != ChaCha20Poly1305 && config.Cipher != Aes256Gcm {
		return fmt.Errorf("cipher must be one of [%s, %s], got %q", ChaCha20Poly1305, Aes256Gcm, config.Cipher)
	}
	if err := isValidLogRotateConfig(&config.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}
	return nil
}
