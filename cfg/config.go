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
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds the inputs the filesystem core consumes from its
// collaborators: the resolved data/tmp directories and the cipher
// selection. The key itself never lives here - it is handed to the engine
// directly by whatever resolves it.
type Config struct {
	DataDir ResolvedPath `yaml:"data-dir"`
	TmpDir  ResolvedPath `yaml:"tmp-dir"`
	Cipher  Cipher       `yaml:"cipher"`

	FileSystem FileSystemConfig `yaml:"file-system"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type FileSystemConfig struct {
	FileMode Octal `yaml:"file-mode"`
	DirMode  Octal `yaml:"dir-mode"`

	Uid int `yaml:"uid"`
	Gid int `yaml:"gid"`
}

type LoggingConfig struct {
	Severity LogSeverity `yaml:"severity"`
	Format   LogFormat   `yaml:"format"`
	FilePath ResolvedPath `yaml:"file-path"`

	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`
}

type LogRotateLoggingConfig struct {
	MaxFileSizeMB   int  `yaml:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count"`
	Compress        bool `yaml:"compress"`
}

// BindFlags registers the command-line flags that feed this Config via
// viper.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("data-dir", "", "", "Root of the encrypted on-disk store.")
	if err = viper.BindPFlag("data-dir", flagSet.Lookup("data-dir")); err != nil {
		return err
	}

	flagSet.StringP("tmp-dir", "", "", "Staging directory for in-progress writes; must be on the same filesystem as data-dir.")
	if err = viper.BindPFlag("tmp-dir", flagSet.Lookup("tmp-dir")); err != nil {
		return err
	}

	flagSet.StringP("cipher", "", string(ChaCha20Poly1305), "AEAD cipher: chacha20poly1305 or aes256gcm.")
	if err = viper.BindPFlag("cipher", flagSet.Lookup("cipher")); err != nil {
		return err
	}

	flagSet.IntP("file-mode", "", 0600, "Permission bits for regular files, in octal. Accepted but not applied: new files take the mode of the create request.")
	if err = viper.BindPFlag("file-system.file-mode", flagSet.Lookup("file-mode")); err != nil {
		return err
	}

	flagSet.IntP("dir-mode", "", 0700, "Permission bits for directories, in octal. Accepted but not applied: new directories take the mode of the mkdir request.")
	if err = viper.BindPFlag("file-system.dir-mode", flagSet.Lookup("dir-mode")); err != nil {
		return err
	}

	flagSet.IntP("uid", "", -1, "UID owner of all inodes; -1 uses the process UID.")
	if err = viper.BindPFlag("file-system.uid", flagSet.Lookup("uid")); err != nil {
		return err
	}

	flagSet.IntP("gid", "", -1, "GID owner of all inodes; -1 uses the process GID.")
	if err = viper.BindPFlag("file-system.gid", flagSet.Lookup("gid")); err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", string(InfoLogSeverity), "Minimum log severity to emit.")
	if err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity")); err != nil {
		return err
	}

	flagSet.StringP("log-format", "", string(JSONLogFormat), "Log output format: text or json.")
	if err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format")); err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "Path to a log file; empty logs to stderr.")
	if err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	return nil
}
